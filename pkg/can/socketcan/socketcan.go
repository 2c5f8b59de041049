// Package socketcan provides a CAN bus backed by a Linux socketcan
// interface, using github.com/brutella/can underneath.
package socketcan

import (
	"sync"

	brutella "github.com/brutella/can"
	canopen "github.com/cantools-dev/canopen-node"
	can "github.com/cantools-dev/canopen-node/pkg/can"
)

func init() {
	can.RegisterInterface("socketcan", func(channel string) (canopen.Bus, error) {
		return New(channel)
	})
}

// Bus exposes a socketcan interface as a [canopen.Bus]
type Bus struct {
	mu       sync.Mutex
	bus      *brutella.Bus
	listener canopen.FrameListener
}

// New opens the socketcan interface with the given name, e.g. "can0"
func New(channel string) (*Bus, error) {
	inner, err := brutella.NewBusForInterfaceWithName(channel)
	if err != nil {
		return nil, err
	}
	return &Bus{bus: inner}, nil
}

// "Connect" implementation of Bus interface.
// Reception runs in a background goroutine until Disconnect.
func (bus *Bus) Connect(...any) error {
	go bus.bus.ConnectAndPublish()
	return nil
}

// "Disconnect" implementation of Bus interface
func (bus *Bus) Disconnect() error {
	return bus.bus.Disconnect()
}

// "Send" implementation of Bus interface
func (bus *Bus) Send(frame canopen.Frame) error {
	return bus.bus.Publish(brutella.Frame{
		ID:     frame.ID,
		Length: frame.DLC,
		Flags:  frame.Flags,
		Data:   frame.Data,
	})
}

// "Subscribe" implementation of Bus interface
func (bus *Bus) Subscribe(listener canopen.FrameListener) error {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if bus.listener == nil {
		bus.bus.Subscribe(bus)
	}
	bus.listener = listener
	return nil
}

// Handle receives frames from brutella/can and forwards them
func (bus *Bus) Handle(frame brutella.Frame) {
	bus.mu.Lock()
	listener := bus.listener
	bus.mu.Unlock()
	if listener != nil {
		listener.Handle(canopen.Frame{
			ID:    frame.ID,
			DLC:   frame.Length,
			Flags: frame.Flags,
			Data:  frame.Data,
		})
	}
}
