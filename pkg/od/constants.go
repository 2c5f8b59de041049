package od

import (
	"fmt"
	"strconv"
)

// ODR is an object dictionary access result code.
// The non-zero values map one to one to SDO abort codes.
type ODR int8

const (
	ErrPartial      ODR = -1
	ErrNo           ODR = 0
	ErrOutOfMem     ODR = 1
	ErrUnsuppAccess ODR = 2
	ErrWriteOnly    ODR = 3
	ErrReadonly     ODR = 4
	ErrIdxNotExist  ODR = 5
	ErrNoMap        ODR = 6
	ErrMapLen       ODR = 7
	ErrParIncompat  ODR = 8
	ErrDevIncompat  ODR = 9
	ErrHw           ODR = 10
	ErrTypeMismatch ODR = 11
	ErrDataLong     ODR = 12
	ErrDataShort    ODR = 13
	ErrSubNotExist  ODR = 14
	ErrInvalidValue ODR = 15
	ErrValueHigh    ODR = 16
	ErrValueLow     ODR = 17
	ErrMaxLessMin   ODR = 18
	ErrNoResource   ODR = 19
	ErrGeneral      ODR = 20
	ErrDataTransf   ODR = 21
	ErrDataLocCtrl  ODR = 22
	ErrDataDevState ODR = 23
	ErrOdMissing    ODR = 24
	ErrNoData       ODR = 25
)

func (odr ODR) Error() string {
	return fmt.Sprintf("OD error %v", strconv.Itoa(int(odr)))
}

// CiA 301 object types
const (
	ObjectTypeDOMAIN uint8 = 2
	ObjectTypeVAR    uint8 = 7
	ObjectTypeARRAY  uint8 = 8
	ObjectTypeRECORD uint8 = 9
)

// CiA 301 data types
const (
	BOOLEAN        uint8 = 0x01
	INTEGER8       uint8 = 0x02
	INTEGER16      uint8 = 0x03
	INTEGER32      uint8 = 0x04
	UNSIGNED8      uint8 = 0x05
	UNSIGNED16     uint8 = 0x06
	UNSIGNED32     uint8 = 0x07
	REAL32         uint8 = 0x08
	VISIBLE_STRING uint8 = 0x09
	OCTET_STRING   uint8 = 0x0A
	UNICODE_STRING uint8 = 0x0B
	DOMAIN         uint8 = 0x0F
	REAL64         uint8 = 0x11
	INTEGER64      uint8 = 0x15
	UNSIGNED64     uint8 = 0x1B
)

// Object dictionary entry attribute bits
const (
	AttributeSdoR  uint8 = 0x01 // SDO server may read from the variable
	AttributeSdoW  uint8 = 0x02 // SDO server may write to the variable
	AttributeSdoRw uint8 = 0x03 // SDO server may read from or write to the variable
	AttributeTpdo  uint8 = 0x04 // Variable is mappable into TPDO (can be read)
	AttributeRpdo  uint8 = 0x08 // Variable is mappable into RPDO (can be written)
	AttributeTrpdo uint8 = 0x0C // Variable is mappable into TPDO or RPDO
	// Shorter value than the declared variable size may be written.
	// Used for VISIBLE_STRING and OCTET_STRING.
	AttributeStr uint8 = 0x80
)

// Standard communication area entries
const (
	EntryDeviceType             uint16 = 0x1000
	EntryErrorRegister          uint16 = 0x1001
	EntryCobIdSYNC              uint16 = 0x1005
	EntryCommunicationPeriod    uint16 = 0x1006
	EntrySynchronousWindow      uint16 = 0x1007
	EntryProducerHeartbeatTime  uint16 = 0x1017
	EntryIdentityObject         uint16 = 0x1018
	EntrySyncCounterOverflow    uint16 = 0x1019
	EntrySDOServerParameter     uint16 = 0x1200
	EntryRPDOCommunicationStart uint16 = 0x1400
	EntryRPDOMappingStart       uint16 = 0x1600
	EntryTPDOCommunicationStart uint16 = 0x1800
	EntryTPDOMappingStart       uint16 = 0x1A00

	// The communication profile area, reset by NMT reset communication
	CommunicationAreaStart uint16 = 0x1000
	CommunicationAreaEnd   uint16 = 0x1FFF
)

const (
	MaxMappedEntriesPdo = uint8(8)
	SubPdoCobId         = uint8(1)
	SubPdoTransmission  = uint8(2)
	SubPdoInhibitTime   = uint8(3)
	SubPdoEventTimer    = uint8(5)
	SubPdoSyncStart     = uint8(6)
)
