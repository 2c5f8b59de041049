package device

import (
	"fmt"
	"log/slog"

	"github.com/cantools-dev/canopen-node/pkg/od"
)

// Build creates the object dictionary described by the configuration :
// the communication profile area (device type, error register, SYNC,
// heartbeat, identity, SDO server, PDO parameter blocks) plus the
// declared application objects.
func Build(cfg *Config, logger *slog.Logger) (*od.ObjectDictionary, error) {
	d := &cfg.Device
	dict := od.NewOD(logger)

	dict.AddVariableType(od.EntryDeviceType, "Device type", od.UNSIGNED32, od.AttributeSdoR, "0x0")
	dict.AddVariableType(od.EntryErrorRegister, "Error register", od.UNSIGNED8, od.AttributeSdoR|od.AttributeTpdo, "0x0")
	dict.AddSYNC()
	dict.AddVariableType(
		od.EntryProducerHeartbeatTime,
		"Producer heartbeat time",
		od.UNSIGNED16,
		od.AttributeSdoRw,
		fmt.Sprintf("0x%x", d.HeartbeatMs),
	)

	identity := od.NewRecord()
	identity.AddSubObject(0, "Highest sub-index supported", od.UNSIGNED8, od.AttributeSdoR, "0x4")
	identity.AddSubObject(1, "Vendor-ID", od.UNSIGNED32, od.AttributeSdoR, fmt.Sprintf("0x%x", uint32(d.Identity.VendorId)))
	identity.AddSubObject(2, "Product code", od.UNSIGNED32, od.AttributeSdoR, fmt.Sprintf("0x%x", uint32(d.Identity.ProductCode)))
	identity.AddSubObject(3, "Revision number", od.UNSIGNED32, od.AttributeSdoR, fmt.Sprintf("0x%x", uint32(d.Identity.Revision)))
	identity.AddSubObject(4, "Serial number", od.UNSIGNED32, od.AttributeSdoR, fmt.Sprintf("0x%x", uint32(d.Identity.Serial)))
	dict.AddVariableList(od.EntryIdentityObject, "Identity object", identity)

	sdoServer := od.NewRecord()
	sdoServer.AddSubObject(0, "Highest sub-index supported", od.UNSIGNED8, od.AttributeSdoR, "0x2")
	sdoServer.AddSubObject(1, "COB-ID client to server", od.UNSIGNED32, od.AttributeSdoR, "0x600")
	sdoServer.AddSubObject(2, "COB-ID server to client", od.UNSIGNED32, od.AttributeSdoR, "0x580")
	dict.AddVariableList(od.EntrySDOServerParameter, "SDO server parameter", sdoServer)

	// Additional SDO channels start disabled, COB-IDs are configured
	// over the default channel at runtime
	for nb := uint16(1); nb <= uint16(d.ExtraSdoChannels); nb++ {
		channel := od.NewRecord()
		channel.AddSubObject(0, "Highest sub-index supported", od.UNSIGNED8, od.AttributeSdoR, "0x2")
		channel.AddSubObject(1, "COB-ID client to server", od.UNSIGNED32, od.AttributeSdoRw, "0x80000000")
		channel.AddSubObject(2, "COB-ID server to client", od.UNSIGNED32, od.AttributeSdoRw, "0x80000000")
		dict.AddVariableList(od.EntrySDOServerParameter+nb, fmt.Sprintf("SDO server parameter %d", nb+1), channel)
	}

	for nb := uint16(1); nb <= d.RpdoCount; nb++ {
		dict.AddRPDO(nb)
	}
	for nb := uint16(1); nb <= d.TpdoCount; nb++ {
		dict.AddTPDO(nb)
	}

	for _, obj := range d.Objects {
		err := buildObject(dict, &obj)
		if err != nil {
			return nil, fmt.Errorf("building object %q: %w", obj.Name, err)
		}
	}
	return dict, nil
}

func buildObject(dict *od.ObjectDictionary, obj *ObjectConfig) error {
	index := uint16(obj.Index)

	switch obj.Kind {
	case "", "var":
		datatype := dataTypes[obj.DataType]
		entry, err := dict.AddVariableType(
			index,
			obj.Name,
			datatype,
			buildAttribute(obj.Access, obj.Pdo, datatype),
			obj.Default,
		)
		if err != nil {
			return err
		}
		return applyLimits(entry, 0, datatype, obj.Low, obj.High)

	case "array":
		datatype := dataTypes[obj.DataType]
		attribute := buildAttribute(obj.Access, obj.Pdo, datatype)
		list := od.NewArray(obj.Count + 1)
		_, err := list.AddSubObject(0, "Highest sub-index supported", od.UNSIGNED8, od.AttributeSdoR, fmt.Sprintf("0x%x", obj.Count))
		if err != nil {
			return err
		}
		for sub := uint8(1); sub <= obj.Count; sub++ {
			_, err = list.AddSubObject(sub, fmt.Sprintf("%s %d", obj.Name, sub), datatype, attribute, obj.Default)
			if err != nil {
				return err
			}
		}
		entry := dict.AddVariableList(index, obj.Name, list)
		for sub := uint8(1); sub <= obj.Count; sub++ {
			err = applyLimits(entry, sub, datatype, obj.Low, obj.High)
			if err != nil {
				return err
			}
		}
		return nil

	case "record":
		highest := uint8(0)
		for _, sub := range obj.Subs {
			if sub.SubIndex > highest {
				highest = sub.SubIndex
			}
		}
		list := od.NewRecord()
		_, err := list.AddSubObject(0, "Highest sub-index supported", od.UNSIGNED8, od.AttributeSdoR, fmt.Sprintf("0x%x", highest))
		if err != nil {
			return err
		}
		for _, sub := range obj.Subs {
			datatype := dataTypes[sub.DataType]
			_, err = list.AddSubObject(
				sub.SubIndex,
				sub.Name,
				datatype,
				buildAttribute(sub.Access, sub.Pdo, datatype),
				sub.Default,
			)
			if err != nil {
				return err
			}
		}
		dict.AddVariableList(index, obj.Name, list)
		return nil
	}
	return fmt.Errorf("unknown kind %q", obj.Kind)
}

func buildAttribute(access string, pdo string, datatype uint8) uint8 {
	var attribute uint8
	switch access {
	case "", "rw":
		attribute = od.AttributeSdoRw
	case "ro", "const":
		attribute = od.AttributeSdoR
	case "wo":
		attribute = od.AttributeSdoW
	}
	switch pdo {
	case "tpdo":
		attribute |= od.AttributeTpdo
	case "rpdo":
		attribute |= od.AttributeRpdo
	case "both":
		attribute |= od.AttributeTrpdo
	}
	if datatype == od.VISIBLE_STRING || datatype == od.OCTET_STRING {
		attribute |= od.AttributeStr
	}
	return attribute
}

func applyLimits(entry *od.Entry, subIndex uint8, datatype uint8, low string, high string) error {
	if low == "" && high == "" {
		return nil
	}
	variable, err := entry.SubIndex(subIndex)
	if err != nil {
		return err
	}
	var lowRaw, highRaw []byte
	if low != "" {
		lowRaw, err = od.EncodeFromString(low, datatype)
		if err != nil {
			return fmt.Errorf("invalid low limit %q: %w", low, err)
		}
	}
	if high != "" {
		highRaw, err = od.EncodeFromString(high, datatype)
		if err != nil {
			return fmt.Errorf("invalid high limit %q: %w", high, err)
		}
	}
	variable.SetLimits(lowRaw, highRaw)
	return nil
}
