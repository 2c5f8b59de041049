package od

import (
	"fmt"
	"log/slog"
)

// ObjectDictionary is used for storing all entries of a CANopen node
// according to CiA 301.
type ObjectDictionary struct {
	logger              *slog.Logger
	entriesByIndexValue map[uint16]*Entry
	entriesByIndexName  map[string]*Entry
}

// NewOD creates an empty object dictionary.
// Entries are added programmatically with AddVariableType,
// AddVariableList & friends.
func NewOD(logger *slog.Logger) *ObjectDictionary {
	if logger == nil {
		logger = slog.Default()
	}
	return &ObjectDictionary{
		logger:              logger.With("service", "[OD]"),
		entriesByIndexValue: make(map[uint16]*Entry),
		entriesByIndexName:  make(map[string]*Entry),
	}
}

// NewEntry creates an [Entry] object for the given OD object.
// Usually this is not called directly, prefer the
// ObjectDictionary Add* methods.
func NewEntry(logger *slog.Logger, index uint16, name string, object any, objectType uint8) *Entry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Entry{
		logger:     logger.With("index", fmt.Sprintf("x%x", index), "name", name),
		Index:      index,
		Name:       name,
		ObjectType: objectType,
		object:     object,
	}
}

// Add an entry to OD, any existing entry will be replaced
func (od *ObjectDictionary) addEntry(entry *Entry) {
	_, entryIndexValueExists := od.entriesByIndexValue[entry.Index]
	if entryIndexValueExists {
		entry.logger.Warn("overwritting entry")
	}
	od.entriesByIndexValue[entry.Index] = entry
	od.entriesByIndexName[entry.Name] = entry
	entry.logger.Debug("adding entry", "objectType", entry.ObjectType)
}

// Add a variable type entry to OD with given variable, existing entry will be
// replaced
func (od *ObjectDictionary) addVariable(index uint16, variable *Variable) *Entry {
	objectType := ObjectTypeVAR
	if variable.DataType == DOMAIN {
		objectType = ObjectTypeDOMAIN
	}
	entry := NewEntry(od.logger, index, variable.Name, variable, objectType)
	od.addEntry(entry)
	return entry
}

// AddVariableType adds an entry of type VAR to OD
// the value should be given as a string with hex representation
// e.g. 0x22 or 0x55555
// If the variable already exists, it will be overwritten
func (od *ObjectDictionary) AddVariableType(
	index uint16,
	name string,
	datatype uint8,
	attribute uint8,
	value string,
) (*Entry, error) {
	variable, err := NewVariable(0, name, datatype, attribute, value)
	if err != nil {
		return nil, err
	}
	return od.addVariable(index, variable), nil
}

// AddVariableList adds an entry of type ARRAY or RECORD depending on [VariableList]
func (od *ObjectDictionary) AddVariableList(index uint16, name string, varList *VariableList) *Entry {
	entry := NewEntry(od.logger, index, name, varList, varList.objectType)
	od.addEntry(entry)
	return entry
}

func (od *ObjectDictionary) addPDO(pdoNb uint16, isRPDO bool) error {
	indexOffset := pdoNb - 1
	pdoType := "RPDO"
	if !isRPDO {
		indexOffset += 0x400
		pdoType = "TPDO"
	}

	pdoComm := NewRecord()
	pdoComm.AddSubObject(0, "Highest sub-index supported", UNSIGNED8, AttributeSdoR, "0x6")
	pdoComm.AddSubObject(1, fmt.Sprintf("COB-ID used by %s", pdoType), UNSIGNED32, AttributeSdoRw, "0x80000000")
	pdoComm.AddSubObject(2, "Transmission type", UNSIGNED8, AttributeSdoRw, "0xFF")
	pdoComm.AddSubObject(3, "Inhibit time", UNSIGNED16, AttributeSdoRw, "0x0")
	pdoComm.AddSubObject(4, "Reserved", UNSIGNED8, AttributeSdoRw, "0x0")
	pdoComm.AddSubObject(5, "Event timer", UNSIGNED16, AttributeSdoRw, "0x0")
	pdoComm.AddSubObject(6, "SYNC start value", UNSIGNED8, AttributeSdoRw, "0x0")
	od.AddVariableList(EntryRPDOCommunicationStart+indexOffset, fmt.Sprintf("%s communication parameter", pdoType), pdoComm)

	pdoMap := NewRecord()
	pdoMap.AddSubObject(0, "Number of mapped application objects in PDO", UNSIGNED8, AttributeSdoRw, "0x0")
	for i := uint8(0); i < MaxMappedEntriesPdo; i++ {
		pdoMap.AddSubObject(i+1, fmt.Sprintf("Application object %d", i+1), UNSIGNED32, AttributeSdoRw, "0x0")
	}
	od.AddVariableList(EntryRPDOMappingStart+indexOffset, fmt.Sprintf("%s mapping parameter", pdoType), pdoMap)
	od.logger.Debug("added new PDO object to OD", "type", pdoType, "nb", pdoNb)
	return nil
}

// AddRPDO adds an RPDO entry to the OD.
// This means that an RPDO Communication & Mapping parameter
// entries are created with the given rpdoNb.
// This however does not create the corresponding CANopen objects
func (od *ObjectDictionary) AddRPDO(rpdoNb uint16) error {
	if rpdoNb < 1 || rpdoNb > 512 {
		return ErrDevIncompat
	}
	return od.addPDO(rpdoNb, true)
}

// AddTPDO adds a TPDO entry to the OD.
// This means that a TPDO Communication & Mapping parameter
// entries are created with the given tpdoNb.
// This however does not create the corresponding CANopen objects
func (od *ObjectDictionary) AddTPDO(tpdoNb uint16) error {
	if tpdoNb < 1 || tpdoNb > 512 {
		return ErrDevIncompat
	}
	return od.addPDO(tpdoNb, false)
}

// AddSYNC adds a SYNC entry to the OD.
// This adds objects 0x1005, 0x1006, 0x1007 & 0x1019 to the OD.
// By default, SYNC is added with producer disabled and can id of 0x80
func (od *ObjectDictionary) AddSYNC() {
	od.AddVariableType(EntryCobIdSYNC, "COB-ID SYNC message", UNSIGNED32, AttributeSdoRw, "0x80") // Consumer only, standard cob-id
	od.AddVariableType(EntryCommunicationPeriod, "Communication cycle period", UNSIGNED32, AttributeSdoRw, "0x0")
	od.AddVariableType(EntrySynchronousWindow, "Synchronous window length", UNSIGNED32, AttributeSdoRw, "0x0")
	od.AddVariableType(EntrySyncCounterOverflow, "Synchronous counter overflow value", UNSIGNED8, AttributeSdoRw, "0x0")
	od.logger.Debug("added new SYNC object to OD")
}

// Index returns an OD entry at the specified index.
// index can either be a string, int or uint16.
// This method does not return an error (for chaining with SubIndex()) but instead returns
// nil if no corresponding [Entry] is found.
func (od *ObjectDictionary) Index(index any) *Entry {
	switch ind := index.(type) {
	case string:
		return od.entriesByIndexName[ind]
	case int:
		return od.entriesByIndexValue[uint16(ind)]
	case uint:
		return od.entriesByIndexValue[uint16(ind)]
	case uint16:
		return od.entriesByIndexValue[ind]
	default:
		return nil
	}
}

// Streamer creates a [Streamer] object for a given index & subindex.
// origin can be set to true in order to bypass any existing extension.
func (od *ObjectDictionary) Streamer(index uint16, subIndex uint8, origin bool) (*Streamer, error) {
	entry := od.entriesByIndexValue[index]
	return NewStreamer(entry, subIndex, origin)
}

// Entries returns map of indexes and entries
func (od *ObjectDictionary) Entries() map[uint16]*Entry {
	return od.entriesByIndexValue
}

// RestoreDefaults restores the default value of every variable with an
// index in [lowest,highest], e.g. the communication profile area on an
// NMT reset communication. Extensions and update callbacks are bypassed.
func (od *ObjectDictionary) RestoreDefaults(lowest uint16, highest uint16) {
	for index, entry := range od.entriesByIndexValue {
		if index < lowest || index > highest {
			continue
		}
		switch object := entry.object.(type) {
		case *Variable:
			object.restoreDefault()
		case *VariableList:
			for _, variable := range object.Variables {
				if variable != nil {
					variable.restoreDefault()
				}
			}
		}
	}
}
