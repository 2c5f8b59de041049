package od

import (
	"encoding/binary"
	"math"
	"strconv"
	"sync"
)

// Variable is the main data representation for a value stored inside the OD.
// It is used to store a "VAR" object as well as any sub entry of a
// "RECORD" or "ARRAY" object.
type Variable struct {
	mu           sync.RWMutex
	valueDefault []byte
	value        []byte
	// Name of this variable
	Name string
	// The CiA 301 data type of this variable
	DataType byte
	// Attribute contains the access type as well as the PDO mapping
	// information, e.g. AttributeSdoRw | AttributeRpdo
	Attribute uint8
	// The minimum accepted value, same encoding as value
	lowLimit []byte
	// The maximum accepted value, same encoding as value
	highLimit []byte
	// The subindex of this variable if part of an ARRAY or RECORD
	SubIndex uint8
}

// Return number of bytes
func (variable *Variable) DataLength() uint32 {
	return uint32(len(variable.value))
}

// Return default value as byte slice
func (variable *Variable) DefaultValue() []byte {
	return variable.valueDefault
}

// SetLimits configures a value range constraint, checked on every write.
func (variable *Variable) SetLimits(low []byte, high []byte) {
	variable.lowLimit = low
	variable.highLimit = high
}

// Reset value to the configured default
func (variable *Variable) restoreDefault() {
	variable.mu.Lock()
	defer variable.mu.Unlock()
	copy(variable.value, variable.valueDefault)
}

// Check a candidate value against the configured low/high limits
func (variable *Variable) checkLimits(data []byte) ODR {
	if variable.lowLimit == nil && variable.highLimit == nil {
		return ErrNo
	}
	value, err := DecodeToType(data, variable.DataType)
	if err != nil {
		return ErrTypeMismatch
	}
	if variable.highLimit != nil {
		high, _ := DecodeToType(variable.highLimit, variable.DataType)
		if compareDecoded(value, high) > 0 {
			return ErrValueHigh
		}
	}
	if variable.lowLimit != nil {
		low, _ := DecodeToType(variable.lowLimit, variable.DataType)
		if compareDecoded(value, low) < 0 {
			return ErrValueLow
		}
	}
	return ErrNo
}

func compareDecoded(a any, b any) int {
	switch av := a.(type) {
	case uint64:
		bv := b.(uint64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	case int64:
		bv := b.(int64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	}
	return 0
}

// VariableList is the data representation for
// storing a "RECORD" or "ARRAY" object type
type VariableList struct {
	objectType uint8 // either "RECORD" or "ARRAY"
	Variables  []*Variable
}

// GetSubObject returns the [Variable] corresponding to a given subindex,
// or ErrSubNotExist.
func (rec *VariableList) GetSubObject(subindex uint8) (*Variable, error) {
	if rec.objectType == ObjectTypeARRAY {
		if int(subindex) >= len(rec.Variables) {
			return nil, ErrSubNotExist
		}
		return rec.Variables[subindex], nil
	}
	for i, variable := range rec.Variables {
		if variable.SubIndex == subindex {
			return rec.Variables[i], nil
		}
	}
	return nil, ErrSubNotExist
}

// AddSubObject adds a [Variable] to the VariableList.
// For an ARRAY the subindex must be within the declared length,
// a RECORD grows as needed.
func (rec *VariableList) AddSubObject(
	subindex uint8,
	name string,
	datatype uint8,
	attribute uint8,
	value string,
) (*Variable, error) {
	variable, err := NewVariable(subindex, name, datatype, attribute, value)
	if err != nil {
		return nil, err
	}
	if rec.objectType == ObjectTypeARRAY {
		if int(subindex) >= len(rec.Variables) {
			return nil, ErrSubNotExist
		}
		rec.Variables[subindex] = variable
		return rec.Variables[subindex], nil
	}
	rec.Variables = append(rec.Variables, variable)
	return rec.Variables[len(rec.Variables)-1], nil
}

func NewRecord() *VariableList {
	return &VariableList{objectType: ObjectTypeRECORD, Variables: make([]*Variable, 0)}
}

func NewArray(length uint8) *VariableList {
	return &VariableList{objectType: ObjectTypeARRAY, Variables: make([]*Variable, length)}
}

// Create a new variable. The value should be given as a string, either
// a decimal or hex representation for numeric types, or the raw string
// for string types.
func NewVariable(
	subindex uint8,
	name string,
	datatype uint8,
	attribute uint8,
	value string,
) (*Variable, error) {
	encoded, err := EncodeFromString(value, datatype)
	if err != nil {
		return nil, err
	}
	encodedCopy := make([]byte, len(encoded))
	copy(encodedCopy, encoded)
	variable := &Variable{
		SubIndex:     subindex,
		Name:         name,
		value:        encoded,
		valueDefault: encodedCopy,
		Attribute:    attribute,
		DataType:     datatype,
	}
	return variable, nil
}

// EncodeFromString encodes a string value into bytes respecting the
// CANopen datatype (little endian).
func EncodeFromString(value string, datatype uint8) ([]byte, error) {

	var data []byte
	var err error
	var parsedInt int64
	var parsedUint uint64

	if value == "" {
		// Treat empty string as a 0 value
		value = "0"
	}

	switch datatype {
	case BOOLEAN, UNSIGNED8:
		parsedUint, err = strconv.ParseUint(value, 0, 8)
		data = []byte{byte(parsedUint)}

	case INTEGER8:
		parsedInt, err = strconv.ParseInt(value, 0, 8)
		data = []byte{byte(parsedInt)}

	case UNSIGNED16:
		parsedUint, err = strconv.ParseUint(value, 0, 16)
		data = make([]byte, 2)
		binary.LittleEndian.PutUint16(data, uint16(parsedUint))

	case INTEGER16:
		parsedInt, err = strconv.ParseInt(value, 0, 16)
		data = make([]byte, 2)
		binary.LittleEndian.PutUint16(data, uint16(parsedInt))

	case UNSIGNED32:
		parsedUint, err = strconv.ParseUint(value, 0, 32)
		data = make([]byte, 4)
		binary.LittleEndian.PutUint32(data, uint32(parsedUint))

	case INTEGER32:
		parsedInt, err = strconv.ParseInt(value, 0, 32)
		data = make([]byte, 4)
		binary.LittleEndian.PutUint32(data, uint32(parsedInt))

	case REAL32:
		var parsedFloat float64
		parsedFloat, err = strconv.ParseFloat(value, 32)
		data = make([]byte, 4)
		binary.LittleEndian.PutUint32(data, math.Float32bits(float32(parsedFloat)))

	case UNSIGNED64:
		parsedUint, err = strconv.ParseUint(value, 0, 64)
		data = make([]byte, 8)
		binary.LittleEndian.PutUint64(data, parsedUint)

	case INTEGER64:
		parsedInt, err = strconv.ParseInt(value, 0, 64)
		data = make([]byte, 8)
		binary.LittleEndian.PutUint64(data, uint64(parsedInt))

	case REAL64:
		var parsedFloat float64
		parsedFloat, err = strconv.ParseFloat(value, 64)
		data = make([]byte, 8)
		binary.LittleEndian.PutUint64(data, math.Float64bits(parsedFloat))

	case VISIBLE_STRING, OCTET_STRING:
		return []byte(value), nil

	case DOMAIN:
		return []byte{}, nil

	default:
		return nil, ErrTypeMismatch
	}
	return data, err
}

// EncodeFromGeneric encodes a Go value into bytes (little endian).
func EncodeFromGeneric(data any) ([]byte, error) {
	var encoded []byte
	switch val := data.(type) {
	case bool:
		if val {
			encoded = []byte{1}
		} else {
			encoded = []byte{0}
		}
	case uint8:
		encoded = []byte{val}
	case int8:
		encoded = []byte{byte(val)}
	case uint16:
		encoded = make([]byte, 2)
		binary.LittleEndian.PutUint16(encoded, val)
	case int16:
		encoded = make([]byte, 2)
		binary.LittleEndian.PutUint16(encoded, uint16(val))
	case uint32:
		encoded = make([]byte, 4)
		binary.LittleEndian.PutUint32(encoded, val)
	case int32:
		encoded = make([]byte, 4)
		binary.LittleEndian.PutUint32(encoded, uint32(val))
	case uint64:
		encoded = make([]byte, 8)
		binary.LittleEndian.PutUint64(encoded, val)
	case int64:
		encoded = make([]byte, 8)
		binary.LittleEndian.PutUint64(encoded, uint64(val))
	case float32:
		encoded = make([]byte, 4)
		binary.LittleEndian.PutUint32(encoded, math.Float32bits(val))
	case float64:
		encoded = make([]byte, 8)
		binary.LittleEndian.PutUint64(encoded, math.Float64bits(val))
	case string:
		encoded = []byte(val)
	case []byte:
		encoded = val
	default:
		return nil, ErrTypeMismatch
	}
	return encoded, nil
}

// CheckSize checks consistency between a byte length and a datatype
func CheckSize(length int, dataType uint8) error {
	var expected int
	switch dataType {
	case BOOLEAN, UNSIGNED8, INTEGER8:
		expected = 1
	case UNSIGNED16, INTEGER16:
		expected = 2
	case UNSIGNED32, INTEGER32, REAL32:
		expected = 4
	case UNSIGNED64, INTEGER64, REAL64:
		expected = 8
	default:
		// All other datatypes, no size check
		return nil
	}
	if length < expected {
		return ErrDataShort
	}
	if length > expected {
		return ErrDataLong
	}
	return nil
}

// DecodeToType decodes a byte slice given the CANopen data type.
// It returns either string, int64, uint64 or float64.
func DecodeToType(data []byte, dataType uint8) (v any, e error) {
	e = CheckSize(len(data), dataType)
	if e != nil {
		return nil, e
	}
	switch dataType {
	case BOOLEAN, UNSIGNED8:
		return uint64(data[0]), nil
	case INTEGER8:
		return int64(int8(data[0])), nil
	case UNSIGNED16:
		return uint64(binary.LittleEndian.Uint16(data)), nil
	case INTEGER16:
		return int64(int16(binary.LittleEndian.Uint16(data))), nil
	case UNSIGNED32:
		return uint64(binary.LittleEndian.Uint32(data)), nil
	case INTEGER32:
		return int64(int32(binary.LittleEndian.Uint32(data))), nil
	case UNSIGNED64:
		return binary.LittleEndian.Uint64(data), nil
	case INTEGER64:
		return int64(binary.LittleEndian.Uint64(data)), nil
	case REAL32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data))), nil
	case REAL64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), nil
	case VISIBLE_STRING, OCTET_STRING:
		return string(data), nil
	default:
		return nil, ErrTypeMismatch
	}
}

// EncodeAttribute builds the attribute bit set from an access string
// ("rw", "ro", "wo", "const"), the PDO mappable flag and the datatype.
func EncodeAttribute(accessType string, pdoMapping bool, dataType uint8) uint8 {
	var attribute uint8
	switch accessType {
	case "rw":
		attribute = AttributeSdoRw
	case "ro", "const":
		attribute = AttributeSdoR
	case "wo":
		attribute = AttributeSdoW
	default:
		attribute = AttributeSdoRw
	}
	if pdoMapping {
		attribute |= AttributeTrpdo
	}
	if dataType == VISIBLE_STRING || dataType == OCTET_STRING {
		attribute |= AttributeStr
	}
	return attribute
}
