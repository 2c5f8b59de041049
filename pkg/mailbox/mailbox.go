// Package mailbox implements the outgoing frame queue of a node.
//
// Everything a node transmits (heartbeats, SDO responses, TPDOs) goes
// through a [Mailbox] instead of directly to the bus. The application
// drains the mailbox with [Mailbox.Pop] and performs the actual
// transmission, which keeps the protocol engine free of any driver
// dependency and makes transmission back-pressure explicit.
package mailbox

import (
	"log/slog"
	"sync"

	canopen "github.com/cantools-dev/canopen-node"
)

const DefaultCapacity = 16

// NotifyCallback is invoked when the mailbox transitions from empty to
// non-empty, i.e. when a drain pass should be scheduled. It is called
// with the mailbox lock released but still on the pushing goroutine,
// so it must not block. Typical implementations signal a channel or
// enable a transmit interrupt.
type NotifyCallback func()

// Mailbox is a fixed capacity FIFO of outgoing CAN frames.
// It is safe for concurrent use. When full, pushed frames are dropped
// and counted rather than blocking the protocol engine.
type Mailbox struct {
	mu       sync.Mutex
	logger   *slog.Logger
	frames   []canopen.Frame
	head     int
	count    int
	overflow uint32
	notify   NotifyCallback
}

// New creates a mailbox with the given capacity.
// A capacity <= 0 falls back to [DefaultCapacity].
func New(logger *slog.Logger, capacity int) *Mailbox {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Mailbox{
		logger: logger.With("service", "[MAILBOX]"),
		frames: make([]canopen.Frame, capacity),
	}
}

// OnNotify registers the callback invoked on every empty to non-empty
// transition. Replaces any previously registered callback.
func (mbox *Mailbox) OnNotify(callback NotifyCallback) {
	mbox.mu.Lock()
	mbox.notify = callback
	mbox.mu.Unlock()
}

// Send pushes a frame for transmission, implements [canopen.FrameSender].
// If the mailbox is full the frame is dropped and ErrQueueFull returned.
func (mbox *Mailbox) Send(frame canopen.Frame) error {
	mbox.mu.Lock()
	if mbox.count == len(mbox.frames) {
		mbox.overflow++
		mbox.mu.Unlock()
		mbox.logger.Warn("mailbox full, frame dropped", "id", frame.ID)
		return canopen.ErrQueueFull
	}
	wasEmpty := mbox.count == 0
	mbox.frames[(mbox.head+mbox.count)%len(mbox.frames)] = frame
	mbox.count++
	notify := mbox.notify
	mbox.mu.Unlock()

	if wasEmpty && notify != nil {
		notify()
	}
	return nil
}

// Pop removes and returns the oldest pending frame.
// The second return value is false when the mailbox is empty.
func (mbox *Mailbox) Pop() (canopen.Frame, bool) {
	mbox.mu.Lock()
	defer mbox.mu.Unlock()
	if mbox.count == 0 {
		return canopen.Frame{}, false
	}
	frame := mbox.frames[mbox.head]
	mbox.head = (mbox.head + 1) % len(mbox.frames)
	mbox.count--
	return frame, true
}

// Len returns the number of pending frames
func (mbox *Mailbox) Len() int {
	mbox.mu.Lock()
	defer mbox.mu.Unlock()
	return mbox.count
}

// Overflow returns the number of frames dropped because the mailbox
// was full since creation
func (mbox *Mailbox) Overflow() uint32 {
	mbox.mu.Lock()
	defer mbox.mu.Unlock()
	return mbox.overflow
}
