// Package sdo implements the server side of the CiA 301 SDO protocol.
// Expedited, segmented & block transfers are supported in both
// directions. A single transfer can be in progress at a time, requests
// received during an ongoing transfer are rejected with an abort.
package sdo

import (
	"fmt"

	"github.com/cantools-dev/canopen-node/pkg/od"
)

type Abort uint32
type internalState uint8

const (
	ClientServiceId = uint16(0x600)
	ServerServiceId = uint16(0x580)

	DefaultServerTimeoutMs = 1000

	// Maximum number of server channels, x1200 plus additional
	// channel entries x1201..x127F
	MaxServerChannels = 0x80

	// Segment payload size & maximum number of segments per block
	BlockSeqSize = 7
	BlockMaxSize = 127
)

const (
	stateIdle                   internalState = 0x00
	stateAbort                  internalState = 0x01
	stateDownloadInitiateRsp    internalState = 0x12
	stateDownloadSegmentReq     internalState = 0x13
	stateDownloadSegmentRsp     internalState = 0x14
	stateUploadInitiateRsp      internalState = 0x22
	stateUploadExpeditedRsp     internalState = 0x23
	stateUploadSegmentReq       internalState = 0x24
	stateUploadSegmentRsp       internalState = 0x25
	stateDownloadBlkInitiateRsp internalState = 0x52
	stateDownloadBlkSubblockReq internalState = 0x53
	stateDownloadBlkSubblockRsp internalState = 0x54
	stateDownloadBlkEndReq      internalState = 0x55
	stateDownloadBlkEndRsp      internalState = 0x56
	stateUploadBlkInitiateRsp   internalState = 0x62
	stateUploadBlkInitiateReq2  internalState = 0x63
	stateUploadBlkSubblockSreq  internalState = 0x64
	stateUploadBlkSubblockCrsp  internalState = 0x65
	stateUploadBlkEndSreq       internalState = 0x66
	stateUploadBlkEndCrsp       internalState = 0x67
)

const (
	AbortToggleBit         Abort = 0x05030000
	AbortTimeout           Abort = 0x05040000
	AbortCmd               Abort = 0x05040001
	AbortBlockSize         Abort = 0x05040002
	AbortSeqNum            Abort = 0x05040003
	AbortCRC               Abort = 0x05040004
	AbortOutOfMem          Abort = 0x05040005
	AbortUnsupportedAccess Abort = 0x06010000
	AbortWriteOnly         Abort = 0x06010001
	AbortReadOnly          Abort = 0x06010002
	AbortNotExist          Abort = 0x06020000
	AbortNoMap             Abort = 0x06040041
	AbortMapLen            Abort = 0x06040042
	AbortParamIncompat     Abort = 0x06040043
	AbortDeviceIncompat    Abort = 0x06040047
	AbortHardware          Abort = 0x06060000
	AbortTypeMismatch      Abort = 0x06070010
	AbortDataLong          Abort = 0x06070012
	AbortDataShort         Abort = 0x06070013
	AbortSubUnknown        Abort = 0x06090011
	AbortInvalidValue      Abort = 0x06090030
	AbortValueHigh         Abort = 0x06090031
	AbortValueLow          Abort = 0x06090032
	AbortMaxLessMin        Abort = 0x06090036
	AbortNoRessource       Abort = 0x060A0023
	AbortGeneral           Abort = 0x08000000
	AbortDataTransfer      Abort = 0x08000020
	AbortDataLocalControl  Abort = 0x08000021
	AbortDataDeviceState   Abort = 0x08000022
	AbortDataOD            Abort = 0x08000023
	AbortNoData            Abort = 0x08000024
)

var abortDescriptionMap = map[Abort]string{
	AbortToggleBit:         "Toggle bit not altered",
	AbortTimeout:           "SDO protocol timed out",
	AbortCmd:               "Command specifier not valid or unknown",
	AbortBlockSize:         "Invalid block size in block mode",
	AbortSeqNum:            "Invalid sequence number in block mode",
	AbortCRC:               "CRC error (block mode only)",
	AbortOutOfMem:          "Out of memory",
	AbortUnsupportedAccess: "Unsupported access to an object",
	AbortWriteOnly:         "Attempt to read a write only object",
	AbortReadOnly:          "Attempt to write a read only object",
	AbortNotExist:          "Object does not exist in the object dictionary",
	AbortNoMap:             "Object cannot be mapped to the PDO",
	AbortMapLen:            "Num and len of object to be mapped exceeds PDO len",
	AbortParamIncompat:     "General parameter incompatibility reasons",
	AbortDeviceIncompat:    "General internal incompatibility in device",
	AbortHardware:          "Access failed due to hardware error",
	AbortTypeMismatch:      "Data type does not match, length does not match",
	AbortDataLong:          "Data type does not match, length too high",
	AbortDataShort:         "Data type does not match, length too short",
	AbortSubUnknown:        "Sub index does not exist",
	AbortInvalidValue:      "Invalid value for parameter (download only)",
	AbortValueHigh:         "Value range of parameter written too high",
	AbortValueLow:          "Value range of parameter written too low",
	AbortMaxLessMin:        "Maximum value is less than minimum value",
	AbortNoRessource:       "Resource not available: SDO connection",
	AbortGeneral:           "General error",
	AbortDataTransfer:      "Data cannot be transferred or stored to application",
	AbortDataLocalControl:  "Data cannot be transferred because of local control",
	AbortDataDeviceState:   "Data cannot be tran. because of present device state",
	AbortDataOD:            "Object dict. not present or dynamic generation fails",
	AbortNoData:            "No data available",
}

var odToAbortMap = map[od.ODR]Abort{
	od.ErrOutOfMem:     AbortOutOfMem,
	od.ErrUnsuppAccess: AbortUnsupportedAccess,
	od.ErrWriteOnly:    AbortWriteOnly,
	od.ErrReadonly:     AbortReadOnly,
	od.ErrIdxNotExist:  AbortNotExist,
	od.ErrNoMap:        AbortNoMap,
	od.ErrMapLen:       AbortMapLen,
	od.ErrParIncompat:  AbortParamIncompat,
	od.ErrDevIncompat:  AbortDeviceIncompat,
	od.ErrHw:           AbortHardware,
	od.ErrTypeMismatch: AbortTypeMismatch,
	od.ErrDataLong:     AbortDataLong,
	od.ErrDataShort:    AbortDataShort,
	od.ErrSubNotExist:  AbortSubUnknown,
	od.ErrInvalidValue: AbortInvalidValue,
	od.ErrValueHigh:    AbortValueHigh,
	od.ErrValueLow:     AbortValueLow,
	od.ErrMaxLessMin:   AbortMaxLessMin,
	od.ErrNoResource:   AbortNoRessource,
	od.ErrGeneral:      AbortGeneral,
	od.ErrDataTransf:   AbortDataTransfer,
	od.ErrDataLocCtrl:  AbortDataLocalControl,
	od.ErrDataDevState: AbortDataDeviceState,
	od.ErrOdMissing:    AbortDataOD,
	od.ErrNoData:       AbortNoData,
}

// ConvertOdToSdoAbort returns the SDO abort code associated with an OD
// error. Unmapped errors convert to AbortDeviceIncompat.
func ConvertOdToSdoAbort(oderr od.ODR) Abort {
	abortCode, ok := odToAbortMap[oderr]
	if ok {
		return abortCode
	}
	return AbortDeviceIncompat
}

func (abort Abort) Error() string {
	return fmt.Sprintf("x%x : %s", uint32(abort), abort.Description())
}

func (abort Abort) Description() string {
	description, ok := abortDescriptionMap[abort]
	if ok {
		return description
	}
	return abortDescriptionMap[AbortGeneral]
}
