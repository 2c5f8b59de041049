package canopen

import "errors"

var (
	ErrIllegalArgument = errors.New("error in function arguments")
	ErrTimeout         = errors.New("function timeout")
	ErrRxMsgLength     = errors.New("wrong receive message length")
	ErrQueueFull       = errors.New("outgoing queue is full, frame dropped")
	ErrOdParameters    = errors.New("error in object dictionary parameters")
	ErrCRC             = errors.New("crc does not match")
	ErrWrongNMTState   = errors.New("command can't be processed in the current state")
	ErrInvalidState    = errors.New("driver not ready")
)
