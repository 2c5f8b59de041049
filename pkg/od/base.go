package od

import "log/slog"

// Default returns an [ObjectDictionary] with the standard CiA 301
// communication profile objects for a small device :
//   - x1000 device type, x1001 error register
//   - x1005..x1007, x1019 SYNC objects
//   - x1017 producer heartbeat time, x1018 identity
//   - x1200 SDO server parameter
//   - 4 RPDOs & 4 TPDOs with their mapping parameters
//
// Application specific objects can then be added on top, either
// directly or through a device description file.
func Default(logger *slog.Logger) *ObjectDictionary {
	d := NewOD(logger)
	d.AddVariableType(EntryDeviceType, "Device type", UNSIGNED32, AttributeSdoR, "0x0")
	d.AddVariableType(EntryErrorRegister, "Error register", UNSIGNED8, AttributeSdoR|AttributeTpdo, "0x0")
	d.AddSYNC()
	d.AddVariableType(EntryProducerHeartbeatTime, "Producer heartbeat time", UNSIGNED16, AttributeSdoRw, "0x0")

	identity := NewRecord()
	identity.AddSubObject(0, "Highest sub-index supported", UNSIGNED8, AttributeSdoR, "0x4")
	identity.AddSubObject(1, "Vendor-ID", UNSIGNED32, AttributeSdoR, "0x0")
	identity.AddSubObject(2, "Product code", UNSIGNED32, AttributeSdoR, "0x0")
	identity.AddSubObject(3, "Revision number", UNSIGNED32, AttributeSdoR, "0x0")
	identity.AddSubObject(4, "Serial number", UNSIGNED32, AttributeSdoR, "0x0")
	d.AddVariableList(EntryIdentityObject, "Identity object", identity)

	sdoServer := NewRecord()
	sdoServer.AddSubObject(0, "Highest sub-index supported", UNSIGNED8, AttributeSdoR, "0x2")
	sdoServer.AddSubObject(1, "COB-ID client to server", UNSIGNED32, AttributeSdoR, "0x600")
	sdoServer.AddSubObject(2, "COB-ID server to client", UNSIGNED32, AttributeSdoR, "0x580")
	d.AddVariableList(EntrySDOServerParameter, "SDO server parameter", sdoServer)

	for nb := uint16(1); nb <= 4; nb++ {
		d.AddRPDO(nb)
		d.AddTPDO(nb)
	}
	return d
}
