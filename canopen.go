// Package canopen implements the node side of the CANopen application layer
// protocol (CiA 301) : object dictionary, SDO server, PDOs, NMT & heartbeat.
//
// The protocol engine lives in [pkg/node.LocalNode]. It is driven by two
// entry points, HandleFrame for received CAN frames and Process for elapsed
// time, and produces frames into a bounded outgoing mailbox that the
// application drains to its bus driver. The engine itself never performs
// bus I/O.
package canopen

// Service identifiers of the CiA 301 predefined connection set.
const (
	ServiceIdNMT       uint16 = 0x000
	ServiceIdSync      uint16 = 0x080
	ServiceIdEmergency uint16 = 0x080
	ServiceIdTpdo1     uint16 = 0x180
	ServiceIdRpdo1     uint16 = 0x200
	ServiceIdTpdo2     uint16 = 0x280
	ServiceIdRpdo2     uint16 = 0x300
	ServiceIdTpdo3     uint16 = 0x380
	ServiceIdRpdo3     uint16 = 0x400
	ServiceIdTpdo4     uint16 = 0x480
	ServiceIdRpdo4     uint16 = 0x500
	ServiceIdSdoServer uint16 = 0x580
	ServiceIdSdoClient uint16 = 0x600
	ServiceIdHeartbeat uint16 = 0x700
)
