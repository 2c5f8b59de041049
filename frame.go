package canopen

// MaxFrameDataLength is the maximum payload size of a classic CAN frame.
const MaxFrameDataLength uint8 = 8

// A CAN frame as exchanged between the bus driver and the protocol engine.
type Frame struct {
	// CAN identifier, 11-bit standard or 29-bit extended
	ID    uint32
	Flags uint8
	DLC   uint8
	Data  [8]byte
}

func NewFrame(id uint32, flags uint8, dlc uint8) Frame {
	return Frame{ID: id, Flags: flags, DLC: dlc}
}

// FrameListener handles a received CAN frame.
type FrameListener interface {
	Handle(frame Frame)
}

// FrameSender accepts frames produced by the protocol engine.
// The engine never talks to the bus driver directly : it hands frames
// to a FrameSender, typically the outgoing mailbox, and the application
// drains them to the driver.
type FrameSender interface {
	Send(frame Frame) error
}

// A CAN bus driver interface
type Bus interface {
	Connect(...any) error                   // Connect to the CAN bus
	Disconnect() error                      // Disconnect from CAN bus
	Send(frame Frame) error                 // Send a frame on the bus
	Subscribe(callback FrameListener) error // Subscribe to all received CAN frames
}

// IsIDRestricted returns true for CAN identifiers that CiA 301 reserves
// for predefined services and that may not be assigned to PDOs.
func IsIDRestricted(canId uint16) bool {
	return canId <= 0x7F ||
		(canId >= 0x101 && canId <= 0x180) ||
		(canId >= 0x581 && canId <= 0x5FF) ||
		(canId >= 0x601 && canId <= 0x67F) ||
		(canId >= 0x6E0 && canId <= 0x6FF) ||
		canId >= 0x701
}
