// Package sync implements the CANopen SYNC object, both the consumer
// side (driving synchronous PDOs) and an optional producer.
package sync

import (
	"fmt"
	"log/slog"
	s "sync"

	canopen "github.com/cantools-dev/canopen-node"
	"github.com/cantools-dev/canopen-node/pkg/od"
)

// Callback invoked on every valid SYNC, either received or produced,
// with the current sync counter (0 when counter is not used)
type Callback func(counter uint8)

type SYNC struct {
	logger          *slog.Logger
	mu              s.Mutex
	sender          canopen.FrameSender
	listeners       []Callback
	rxToggle        bool
	counterOverflow uint8
	counter         uint8
	isProducer      bool
	cobId           uint32
	cyclePeriodUs   uint32
	windowLengthUs  uint32 // Unused
	producerTimer   uint32
	isOperational   bool
	txBuffer        canopen.Frame
}

func NewSYNC(
	logger *slog.Logger,
	entry1005 *od.Entry,
	entry1006 *od.Entry,
	entry1007 *od.Entry,
	entry1019 *od.Entry,
	sender canopen.FrameSender,
) (*SYNC, error) {

	if logger == nil {
		logger = slog.Default()
	}
	sync := &SYNC{logger: logger.With("service", "[SYNC]"), sender: sender}
	if entry1005 == nil || sender == nil {
		return nil, canopen.ErrIllegalArgument
	}

	cobIdSync, err := entry1005.Uint32(0)
	if err != nil {
		sync.logger.Error("error reading COB-ID",
			"index", fmt.Sprintf("x%x", entry1005.Index),
			"name", entry1005.Name,
		)
		return nil, canopen.ErrOdParameters
	}
	entry1005.AddExtension(sync, od.ReadEntryDefault, writeEntry1005)

	if entry1006 == nil {
		sync.logger.Error("not found", "index", "x1006", "name", "COMM CYCLE PERIOD")
		return nil, canopen.ErrOdParameters
	}
	if entry1007 == nil {
		sync.logger.Error("not found", "index", "x1007", "name", "SYNCHRONOUS WINDOW LENGTH")
		return nil, canopen.ErrOdParameters
	}

	entry1006.AddExtension(sync, od.ReadEntryDefault, writeEntry1006)
	commCyclePeriod, err := entry1006.Uint32(0)
	if err != nil {
		sync.logger.Error("read error", "index", "x1006", "name", entry1006.Name, "error", err)
		return nil, canopen.ErrOdParameters
	}
	sync.cyclePeriodUs = commCyclePeriod
	sync.producerTimer = commCyclePeriod

	entry1007.AddExtension(sync, od.ReadEntryDefault, writeEntry1007)
	syncWindowLength, err := entry1007.Uint32(0)
	if err != nil {
		sync.logger.Error("read error", "index", "x1007", "name", entry1007.Name, "error", err)
		return nil, canopen.ErrOdParameters
	}
	sync.windowLengthUs = syncWindowLength

	// This one is not mandatory
	var syncCounterOverflow uint8
	if entry1019 != nil {
		syncCounterOverflow, err = entry1019.Uint8(0)
		if err != nil {
			sync.logger.Error("read error", "index", "x1019", "name", entry1019.Name)
			return nil, canopen.ErrOdParameters
		}
		if syncCounterOverflow == 1 {
			syncCounterOverflow = 2
		} else if syncCounterOverflow > 240 {
			syncCounterOverflow = 240
		}
		entry1019.AddExtension(sync, od.ReadEntryDefault, writeEntry1019)
	}
	sync.counterOverflow = syncCounterOverflow
	sync.isProducer = (cobIdSync & 0x40000000) != 0
	sync.cobId = cobIdSync & 0x7FF

	var frameSize uint8
	if syncCounterOverflow != 0 {
		frameSize = 1
	}
	sync.txBuffer = canopen.NewFrame(sync.cobId, 0, frameSize)
	sync.logger.Debug("initialization finished",
		"cobId", fmt.Sprintf("x%x", sync.cobId),
		"producer", sync.isProducer,
		"period", sync.cyclePeriodUs,
		"overflow", sync.counterOverflow,
	)
	return sync, nil
}

// Handle [SYNC] related RX CAN frames
func (sync *SYNC) Handle(frame canopen.Frame) {
	sync.mu.Lock()

	if sync.counterOverflow == 0 {
		if frame.DLC != 0 {
			sync.logger.Warn("reception length error", "dlc", frame.DLC)
			sync.mu.Unlock()
			return
		}
	} else {
		if frame.DLC != 1 {
			sync.logger.Warn("reception length error", "dlc", frame.DLC)
			sync.mu.Unlock()
			return
		}
		sync.counter = frame.Data[0]
	}
	sync.rxToggle = !sync.rxToggle
	counter := sync.counter
	listeners := sync.listeners
	sync.mu.Unlock()

	for _, callback := range listeners {
		callback(counter)
	}
}

// Process produces SYNC messages when this node is the sync producer.
// This should be called cyclically with the elapsed time.
func (sync *SYNC) Process(elapsedUs uint32) {
	sync.mu.Lock()

	if !sync.isProducer || !sync.isOperational || sync.cyclePeriodUs == 0 {
		sync.mu.Unlock()
		return
	}
	if sync.producerTimer > elapsedUs {
		sync.producerTimer -= elapsedUs
		sync.mu.Unlock()
		return
	}
	sync.producerTimer = sync.cyclePeriodUs

	if sync.counterOverflow != 0 {
		sync.counter++
		if sync.counter > sync.counterOverflow {
			sync.counter = 1
		}
		sync.txBuffer.Data[0] = sync.counter
	}
	sync.rxToggle = !sync.rxToggle
	counter := sync.counter
	listeners := sync.listeners
	frame := sync.txBuffer
	sync.mu.Unlock()

	_ = sync.sender.Send(frame)
	// A produced SYNC also drives the local synchronous PDOs
	for _, callback := range listeners {
		callback(counter)
	}
}

// OnSync registers a callback invoked on every valid SYNC message
func (sync *SYNC) OnSync(callback Callback) {
	sync.mu.Lock()
	defer sync.mu.Unlock()
	sync.listeners = append(sync.listeners, callback)
}

func (sync *SYNC) SetOperational(operational bool) {
	sync.mu.Lock()
	defer sync.mu.Unlock()
	sync.isOperational = operational
	if !operational {
		sync.counter = 0
		sync.producerTimer = sync.cyclePeriodUs
	}
}

func (sync *SYNC) Counter() uint8 {
	sync.mu.Lock()
	defer sync.mu.Unlock()
	return sync.counter
}

func (sync *SYNC) RxToggle() bool {
	sync.mu.Lock()
	defer sync.mu.Unlock()
	return sync.rxToggle
}

func (sync *SYNC) CounterOverflow() uint8 {
	sync.mu.Lock()
	defer sync.mu.Unlock()
	return sync.counterOverflow
}

// CobId returns the CAN id SYNC is received (or produced) on
func (sync *SYNC) CobId() uint32 {
	sync.mu.Lock()
	defer sync.mu.Unlock()
	return sync.cobId
}
