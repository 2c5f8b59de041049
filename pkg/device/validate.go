package device

import (
	"fmt"

	"github.com/cantools-dev/canopen-node/pkg/od"
)

var dataTypes = map[string]uint8{
	"bool":    od.BOOLEAN,
	"int8":    od.INTEGER8,
	"int16":   od.INTEGER16,
	"int32":   od.INTEGER32,
	"int64":   od.INTEGER64,
	"uint8":   od.UNSIGNED8,
	"uint16":  od.UNSIGNED16,
	"uint32":  od.UNSIGNED32,
	"uint64":  od.UNSIGNED64,
	"float32": od.REAL32,
	"float64": od.REAL64,
	"string":  od.VISIBLE_STRING,
	"octet":   od.OCTET_STRING,
	"domain":  od.DOMAIN,
}

var accessKinds = map[string]bool{
	"": true, "rw": true, "ro": true, "wo": true, "const": true,
}

var pdoKinds = map[string]bool{
	"": true, "tpdo": true, "rpdo": true, "both": true,
}

// Validate checks description correctness.
// It performs declarative validation only.
// It MUST NOT mutate the configuration.
func Validate(cfg *Config) error {
	d := &cfg.Device

	if d.NodeId < 1 || d.NodeId > 127 {
		return fmt.Errorf("node_id %d out of range 1..127", d.NodeId)
	}
	if d.RpdoCount > 512 {
		return fmt.Errorf("rpdo_count %d out of range 0..512", d.RpdoCount)
	}
	if d.TpdoCount > 512 {
		return fmt.Errorf("tpdo_count %d out of range 0..512", d.TpdoCount)
	}
	if d.ExtraSdoChannels > 127 {
		return fmt.Errorf("extra_sdo_channels %d out of range 0..127", d.ExtraSdoChannels)
	}

	seen := make(map[uint16]string)
	for _, obj := range d.Objects {
		index := uint16(obj.Index)
		if obj.Name == "" {
			return fmt.Errorf("object x%x: name is required", index)
		}
		if index < 0x2000 {
			return fmt.Errorf("object %q: index x%x collides with the communication profile area, application objects start at x2000", obj.Name, index)
		}
		if prev, exists := seen[index]; exists {
			return fmt.Errorf("index x%x used by objects %q and %q", index, prev, obj.Name)
		}
		seen[index] = obj.Name

		if !accessKinds[obj.Access] {
			return fmt.Errorf("object %q: unknown access %q", obj.Name, obj.Access)
		}
		if !pdoKinds[obj.Pdo] {
			return fmt.Errorf("object %q: unknown pdo mapping %q", obj.Name, obj.Pdo)
		}

		switch obj.Kind {
		case "", "var":
			if err := validTypeName(obj.DataType); err != nil {
				return fmt.Errorf("object %q: %w", obj.Name, err)
			}
		case "array":
			if err := validTypeName(obj.DataType); err != nil {
				return fmt.Errorf("object %q: %w", obj.Name, err)
			}
			if obj.Count == 0 {
				return fmt.Errorf("object %q: array requires count >= 1", obj.Name)
			}
		case "record":
			if len(obj.Subs) == 0 {
				return fmt.Errorf("object %q: record requires at least one sub object", obj.Name)
			}
			subSeen := make(map[uint8]string)
			for _, sub := range obj.Subs {
				if sub.SubIndex == 0 {
					return fmt.Errorf("object %q: sub index 0 is reserved for the sub object count", obj.Name)
				}
				if prev, exists := subSeen[sub.SubIndex]; exists {
					return fmt.Errorf("object %q: sub index %d used by %q and %q", obj.Name, sub.SubIndex, prev, sub.Name)
				}
				subSeen[sub.SubIndex] = sub.Name
				if err := validTypeName(sub.DataType); err != nil {
					return fmt.Errorf("object %q sub %d: %w", obj.Name, sub.SubIndex, err)
				}
				if !accessKinds[sub.Access] {
					return fmt.Errorf("object %q sub %d: unknown access %q", obj.Name, sub.SubIndex, sub.Access)
				}
				if !pdoKinds[sub.Pdo] {
					return fmt.Errorf("object %q sub %d: unknown pdo mapping %q", obj.Name, sub.SubIndex, sub.Pdo)
				}
			}
		default:
			return fmt.Errorf("object %q: unknown kind %q", obj.Name, obj.Kind)
		}

		if (obj.Low != "" || obj.High != "") && (obj.Kind == "record") {
			return fmt.Errorf("object %q: limits are only supported on var & array objects", obj.Name)
		}
	}
	return nil
}

func validTypeName(name string) error {
	if name == "" {
		return fmt.Errorf("data_type is required")
	}
	if _, ok := dataTypes[name]; !ok {
		return fmt.Errorf("unknown data_type %q", name)
	}
	return nil
}
