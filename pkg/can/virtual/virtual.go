// Package virtual provides an in-process virtual CAN bus, primarily
// used for tests and demos. All buses attached to the same [Hub] see
// each other's frames; delivery is synchronous on Send.
package virtual

import (
	"sync"

	canopen "github.com/cantools-dev/canopen-node"
	can "github.com/cantools-dev/canopen-node/pkg/can"
)

func init() {
	can.RegisterInterface("virtual", func(channel string) (canopen.Bus, error) {
		return DefaultHub.NewBus(), nil
	})
}

// DefaultHub is used by buses created through the driver registry,
// giving every "virtual" channel in a process a shared medium.
var DefaultHub = NewHub()

// Hub is a shared medium connecting virtual buses
type Hub struct {
	mu    sync.Mutex
	buses []*Bus
}

func NewHub() *Hub {
	return &Hub{}
}

// NewBus attaches a new bus to the hub
func (hub *Hub) NewBus() *Bus {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	bus := &Bus{hub: hub}
	hub.buses = append(hub.buses, bus)
	return bus
}

// broadcast delivers a frame to every attached bus except the sender,
// or including it when the sender has receiveOwn set
func (hub *Hub) broadcast(frame canopen.Frame, sender *Bus) {
	hub.mu.Lock()
	buses := make([]*Bus, len(hub.buses))
	copy(buses, hub.buses)
	hub.mu.Unlock()

	for _, bus := range buses {
		if bus == sender && !sender.receiveOwn {
			continue
		}
		bus.deliver(frame)
	}
}

// Bus is a single attachment point on a [Hub]
type Bus struct {
	mu           sync.Mutex
	hub          *Hub
	framehandler canopen.FrameListener
	connected    bool
	receiveOwn   bool
}

// "Connect" implementation of Bus interface
func (bus *Bus) Connect(...any) error {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.connected = true
	return nil
}

// "Disconnect" implementation of Bus interface
func (bus *Bus) Disconnect() error {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.connected = false
	return nil
}

// "Send" implementation of Bus interface
func (bus *Bus) Send(frame canopen.Frame) error {
	bus.hub.broadcast(frame, bus)
	return nil
}

// "Subscribe" implementation of Bus interface
func (bus *Bus) Subscribe(framehandler canopen.FrameListener) error {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.framehandler = framehandler
	return nil
}

// SetReceiveOwn enables local loopback of sent frames
func (bus *Bus) SetReceiveOwn(receiveOwn bool) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.receiveOwn = receiveOwn
}

func (bus *Bus) deliver(frame canopen.Frame) {
	bus.mu.Lock()
	framehandler := bus.framehandler
	connected := bus.connected
	bus.mu.Unlock()
	if connected && framehandler != nil {
		framehandler.Handle(frame)
	}
}
