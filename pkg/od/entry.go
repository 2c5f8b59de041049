package od

import (
	"encoding/binary"
	"log/slog"
)

// UpdateCallback is invoked after a value inside an OD entry changed,
// i.e. after any successful complete write to the given subindex.
// Callbacks run on the caller of the write, they should return quickly.
type UpdateCallback func(index uint16, subIndex uint8)

// An Entry object is the main building block of an [ObjectDictionary].
// it holds an OD entry, i.e. an OD object at a specific index.
// An entry can be one of the following object types, defined by CiA 301
//   - VAR [Variable]
//   - DOMAIN [Variable]
//   - ARRAY [VariableList]
//   - RECORD [VariableList]
//
// If the Object is an ARRAY or a RECORD it can hold also multiple sub entries.
// sub entries are always of type VAR, for simplicity.
type Entry struct {
	logger *slog.Logger
	// The OD index e.g. x1006
	Index uint16
	// The OD entry name
	Name string
	// The OD object type, as cited above.
	ObjectType uint8
	// Either a [Variable] or a [VariableList] object
	object    any
	extension *extension
	listeners []UpdateCallback
}

// SubIndex returns the [Variable] at a given subindex.
// For a VAR or DOMAIN type entry, subindex must be 0.
func (entry *Entry) SubIndex(subIndex uint8) (v *Variable, e error) {
	if entry == nil {
		return nil, ErrIdxNotExist
	}
	switch object := entry.object.(type) {
	case *Variable:
		if subIndex != 0 {
			return nil, ErrSubNotExist
		}
		return object, nil
	case *VariableList:
		return object.GetSubObject(subIndex)
	default:
		// This is not normal
		return nil, ErrDevIncompat
	}
}

// AddExtension adds an extension to an OD entry.
// This allows an OD entry to perform custom behaviour on read or on write.
// Some extensions are already defined in this package for defined CiA entries
// e.g. objects x1005, x1017, etc.
// Implementation of the default StreamReader & StreamWriter for a regular OD entry
// can be found here [ReadEntryDefault] & [WriteEntryDefault].
func (entry *Entry) AddExtension(object any, read StreamReader, write StreamWriter) {
	entry.logger.Debug("added extension", "index", entry.Index)
	entry.extension = &extension{object: object, read: read, write: write}
}

// RemoveExtension restores the default read & write behaviour of the entry
func (entry *Entry) RemoveExtension() {
	entry.extension = nil
}

// OnUpdate registers a callback invoked after any successful complete
// write to this entry, whatever the origin (SDO, RPDO or application).
func (entry *Entry) OnUpdate(callback UpdateCallback) {
	if callback == nil {
		return
	}
	entry.listeners = append(entry.listeners, callback)
}

func (entry *Entry) notifyUpdated(subIndex uint8) {
	for _, callback := range entry.listeners {
		callback(entry.Index, subIndex)
	}
}

// SubCount returns the number of sub entries inside entry.
// If entry is of VAR type it will return 1
func (entry *Entry) SubCount() int {
	switch object := entry.object.(type) {
	case *Variable:
		return 1
	case *VariableList:
		return len(object.Variables)
	default:
		// This is not normal
		entry.logger.Error("invalid object type", "type", entry.object)
		return 1
	}
}

// GetRawData returns the raw byte slice stored inside of OD
func (entry *Entry) GetRawData(subIndex uint8, length uint16) ([]byte, error) {
	streamer, err := NewStreamer(entry, subIndex, true)
	if err != nil {
		return nil, err
	}
	if int(streamer.DataLength) != int(length) && length != 0 {
		return nil, ErrTypeMismatch
	}
	return streamer.Data, nil
}

// Uint8 reads data inside of OD as if it were an UNSIGNED8.
// It returns an error if length is incorrect or read failed.
func (entry *Entry) Uint8(subIndex uint8) (uint8, error) {
	b := make([]byte, 1)
	err := entry.readSubExactly(subIndex, b, true)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Uint16 reads data inside of OD as if it were an UNSIGNED16.
// It returns an error if length is incorrect or read failed.
func (entry *Entry) Uint16(subIndex uint8) (uint16, error) {
	b := make([]byte, 2)
	err := entry.readSubExactly(subIndex, b, true)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Uint32 reads data inside of OD as if it were an UNSIGNED32.
// It returns an error if length is incorrect or read failed.
func (entry *Entry) Uint32(subIndex uint8) (uint32, error) {
	b := make([]byte, 4)
	err := entry.readSubExactly(subIndex, b, true)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Uint64 reads data inside of OD as if it were an UNSIGNED64.
// It returns an error if length is incorrect or read failed.
func (entry *Entry) Uint64(subIndex uint8) (uint64, error) {
	b := make([]byte, 8)
	err := entry.readSubExactly(subIndex, b, true)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// PutUint8 writes an UNSIGNED8 to OD entry.
// origin can be set to true in order to bypass any existing extension.
func (entry *Entry) PutUint8(subIndex uint8, value uint8, origin bool) error {
	return entry.writeSubExactly(subIndex, []byte{value}, origin)
}

// PutUint16 writes an UNSIGNED16 to OD entry.
// origin can be set to true in order to bypass any existing extension.
func (entry *Entry) PutUint16(subIndex uint8, value uint16, origin bool) error {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, value)
	return entry.writeSubExactly(subIndex, b, origin)
}

// PutUint32 writes an UNSIGNED32 to OD entry.
// origin can be set to true in order to bypass any existing extension.
func (entry *Entry) PutUint32(subIndex uint8, value uint32, origin bool) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, value)
	return entry.writeSubExactly(subIndex, b, origin)
}

// PutUint64 writes an UNSIGNED64 to OD entry.
// origin can be set to true in order to bypass any existing extension.
func (entry *Entry) PutUint64(subIndex uint8, value uint64, origin bool) error {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, value)
	return entry.writeSubExactly(subIndex, b, origin)
}

// SetRaw writes raw bytes to OD entry, bypassing any extension.
// The length must match the stored value exactly.
func (entry *Entry) SetRaw(subIndex uint8, data []byte) error {
	return entry.writeSubExactly(subIndex, data, true)
}

// Read exactly len(b) bytes from OD at (index,subIndex)
// Origin parameter controls extension usage if exists
func (entry *Entry) readSubExactly(subIndex uint8, b []byte, origin bool) error {
	streamer, err := NewStreamer(entry, subIndex, origin)
	if err != nil {
		return err
	}
	if int(streamer.DataLength) != len(b) {
		return ErrTypeMismatch
	}
	_, err = streamer.Read(b)
	return err
}

// Write exactly len(b) bytes to OD at (index,subIndex)
// Origin parameter controls extension usage if exists
func (entry *Entry) writeSubExactly(subIndex uint8, b []byte, origin bool) error {
	streamer, err := NewStreamer(entry, subIndex, origin)
	if err != nil {
		return err
	}
	if int(streamer.DataLength) != len(b) {
		return ErrTypeMismatch
	}
	_, err = streamer.Write(b)
	return err
}
