// Package device loads a YAML device description and builds the
// corresponding object dictionary : communication profile area plus
// the declared application objects. The runtime only ever consumes
// the built [od.ObjectDictionary], the description is a build-time
// artifact.
package device

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// HexUint16 accepts decimal or 0x-prefixed hex notation in YAML
type HexUint16 uint16

func (h *HexUint16) UnmarshalYAML(value *yaml.Node) error {
	v, err := strconv.ParseUint(value.Value, 0, 16)
	if err != nil {
		return fmt.Errorf("invalid 16 bit value %q: %w", value.Value, err)
	}
	*h = HexUint16(v)
	return nil
}

// HexUint32 accepts decimal or 0x-prefixed hex notation in YAML
type HexUint32 uint32

func (h *HexUint32) UnmarshalYAML(value *yaml.Node) error {
	v, err := strconv.ParseUint(value.Value, 0, 32)
	if err != nil {
		return fmt.Errorf("invalid 32 bit value %q: %w", value.Value, err)
	}
	*h = HexUint32(v)
	return nil
}

type Config struct {
	Device DeviceConfig `yaml:"device"`
}

// ---- DEVICE ----

type DeviceConfig struct {
	Name        string         `yaml:"name"`
	NodeId      uint8          `yaml:"node_id"`
	AutoStart   bool           `yaml:"auto_start"`
	HeartbeatMs uint16         `yaml:"heartbeat_ms"`
	Identity    IdentityConfig `yaml:"identity"`
	RpdoCount   uint16         `yaml:"rpdo_count"`
	TpdoCount   uint16         `yaml:"tpdo_count"`
	// Additional SDO server channels (x1201..), created disabled and
	// configured at runtime through their COB-ID sub entries
	ExtraSdoChannels uint8          `yaml:"extra_sdo_channels"`
	Objects          []ObjectConfig `yaml:"objects"`
}

// ---- IDENTITY (0x1018) ----

type IdentityConfig struct {
	VendorId    HexUint32 `yaml:"vendor_id"`
	ProductCode HexUint32 `yaml:"product_code"`
	Revision    HexUint32 `yaml:"revision"`
	Serial      HexUint32 `yaml:"serial"`
}

// ---- APPLICATION OBJECTS ----

type ObjectConfig struct {
	Index    HexUint16   `yaml:"index"`
	Name     string      `yaml:"name"`
	Kind     string      `yaml:"kind"`      // var (default), array, record
	DataType string      `yaml:"data_type"` // var & array
	Access   string      `yaml:"access"`    // rw (default), ro, wo, const
	Pdo      string      `yaml:"pdo"`       // "", tpdo, rpdo, both
	Default  string      `yaml:"default"`
	Low      string      `yaml:"low"`
	High     string      `yaml:"high"`
	Count    uint8       `yaml:"count"` // array length
	Subs     []SubConfig `yaml:"subs"`  // record sub objects
}

type SubConfig struct {
	SubIndex uint8  `yaml:"sub"`
	Name     string `yaml:"name"`
	DataType string `yaml:"data_type"`
	Access   string `yaml:"access"`
	Pdo      string `yaml:"pdo"`
	Default  string `yaml:"default"`
}

// Load parses and validates a YAML device description
func Load(data []byte) (*Config, error) {
	cfg := &Config{}
	err := yaml.Unmarshal(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing device description: %w", err)
	}
	err = Validate(cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads, parses and validates a YAML device description
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(data)
}
