// Package can provides the CAN bus driver registry.
// Drivers register themselves with [RegisterInterface] from an init()
// function and are instantiated by name with [NewBus].
package can

import (
	"fmt"

	canopen "github.com/cantools-dev/canopen-node"
)

type NewInterfaceFunc func(channel string) (canopen.Bus, error)

var interfaceRegistry = make(map[string]NewInterfaceFunc)

// Register a new CAN bus interface type
// This should be called inside an init() function of the driver
func RegisterInterface(interfaceType string, newInterface NewInterfaceFunc) {
	interfaceRegistry[interfaceType] = newInterface
}

// NewBus creates a CAN bus with the given interface type.
// Currently supported : socketcan, virtual
func NewBus(canInterface string, channel string) (canopen.Bus, error) {
	createInterface, ok := interfaceRegistry[canInterface]
	if !ok {
		return nil, fmt.Errorf("unsupported interface : %v", canInterface)
	}
	return createInterface(channel)
}
