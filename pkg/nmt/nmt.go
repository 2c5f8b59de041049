// Package nmt implements the NMT slave state machine & heartbeat
// production as defined by CiA 301.
package nmt

import (
	"log/slog"
	"sync"

	canopen "github.com/cantools-dev/canopen-node"
	"github.com/cantools-dev/canopen-node/pkg/od"
)

const (
	StartupToOperational uint16 = 0x0100
)

const ServiceId = 0

// Possible NMT states
const (
	StateInitializing   uint8 = 0
	StatePreOperational uint8 = 127
	StateOperational    uint8 = 5
	StateStopped        uint8 = 4
	StateUnknown        uint8 = 255
)

var stateMap = map[uint8]string{
	StateInitializing:   "INITIALIZING",
	StatePreOperational: "PRE-OPERATIONAL",
	StateOperational:    "OPERATIONAL",
	StateStopped:        "STOPPED",
	StateUnknown:        "UNKNOWN",
}

// Global node reset request, returned by [NMT.Process]
const (
	ResetNot  uint8 = 0
	ResetComm uint8 = 1
	ResetApp  uint8 = 2
)

// Available NMT commands
// They can be broadcasted to all nodes or to individual nodes
type Command uint8

const (
	CommandEmpty               Command = 0
	CommandEnterOperational    Command = 1
	CommandEnterStopped        Command = 2
	CommandEnterPreOperational Command = 128
	CommandResetNode           Command = 129
	CommandResetCommunication  Command = 130
)

var CommandDescription = map[Command]string{
	CommandEnterOperational:    "ENTER-OPERATIONAL",
	CommandEnterStopped:        "ENTER-STOPPED",
	CommandEnterPreOperational: "ENTER-PREOPERATIONAL",
	CommandResetNode:           "RESET-NODE",
	CommandResetCommunication:  "RESET-COMMUNICATION",
}

// NMT object for processing slave NMT behaviour & heartbeat production
type NMT struct {
	logger                 *slog.Logger
	mu                     sync.Mutex
	sender                 canopen.FrameSender
	operatingState         uint8
	operatingStatePrev     uint8
	internalCommand        Command
	nodeId                 uint8
	control                uint16
	hearbeatProducerTimeUs uint32
	hearbeatProducerTimer  uint32
	hbTxBuff               canopen.Frame
	callback               func(nmtState uint8)
}

func NewNMT(
	logger *slog.Logger,
	nodeId uint8,
	control uint16,
	canIdHbTx uint16,
	entry1017 *od.Entry,
	sender canopen.FrameSender,
) (*NMT, error) {
	if entry1017 == nil || sender == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	nmt := &NMT{
		logger:         logger.With("service", "[NMT]"),
		sender:         sender,
		operatingState: StateInitializing,
		nodeId:         nodeId,
		control:        control,
	}
	nmt.operatingStatePrev = nmt.operatingState

	hbProdTimeMs, err := entry1017.Uint16(0)
	if err != nil {
		nmt.logger.Error("reading producer heartbeat failed", "error", err)
		return nil, canopen.ErrOdParameters
	}
	nmt.hearbeatProducerTimeUs = uint32(hbProdTimeMs) * 1000
	nmt.hearbeatProducerTimer = nmt.hearbeatProducerTimeUs
	entry1017.AddExtension(nmt, od.ReadEntryDefault, writeEntry1017)

	nmt.hbTxBuff = canopen.NewFrame(uint32(canIdHbTx), 0, 1)
	return nmt, nil
}

// Handle [NMT] related RX CAN frames, i.e. commands from an NMT master
func (nmt *NMT) Handle(frame canopen.Frame) {
	nmt.mu.Lock()
	defer nmt.mu.Unlock()

	if frame.DLC != 2 {
		return
	}
	command := Command(frame.Data[0])
	nodeId := frame.Data[1]
	if nodeId == 0 || nodeId == nmt.nodeId {
		nmt.internalCommand = command
	}
}

// Process NMT state machine & heartbeat production.
// internalState is updated with the current NMT state.
// The returned value is the requested node reset, one of
// ResetNot, ResetComm or ResetApp, to be handled by the caller.
func (nmt *NMT) Process(internalState *uint8, timeDifferenceUs uint32) uint8 {
	nmt.mu.Lock()
	defer nmt.mu.Unlock()

	nmtStateCopy := nmt.operatingState
	resetCommand := ResetNot
	nmtInit := nmtStateCopy == StateInitializing
	if nmt.hearbeatProducerTimer > timeDifferenceUs {
		nmt.hearbeatProducerTimer -= timeDifferenceUs
	} else {
		nmt.hearbeatProducerTimer = 0
	}
	// Heartbeat is sent on three events :
	// - a heartbeat producer timeout (cyclic)
	// - state has changed
	// - startup (the boot-up message)
	if nmtInit || (nmt.hearbeatProducerTimeUs != 0 && (nmt.hearbeatProducerTimer == 0 || nmtStateCopy != nmt.operatingStatePrev)) {
		nmt.hbTxBuff.Data[0] = nmtStateCopy
		_ = nmt.sender.Send(nmt.hbTxBuff)
		if nmtStateCopy == StateInitializing {
			if nmt.control&StartupToOperational != 0 {
				nmtStateCopy = StateOperational
			} else {
				nmtStateCopy = StatePreOperational
			}
		} else {
			nmt.hearbeatProducerTimer = nmt.hearbeatProducerTimeUs
		}
	}
	nmt.operatingStatePrev = nmtStateCopy

	// Process internal NMT commands either from RX frame or local command
	if nmt.internalCommand != CommandEmpty {
		switch nmt.internalCommand {
		case CommandEnterOperational:
			nmtStateCopy = StateOperational

		case CommandEnterStopped:
			nmtStateCopy = StateStopped

		case CommandEnterPreOperational:
			nmtStateCopy = StatePreOperational

		case CommandResetNode:
			resetCommand = ResetApp

		case CommandResetCommunication:
			resetCommand = ResetComm
		}
		if resetCommand != ResetNot {
			nmt.logger.Debug("received reset command",
				"command", CommandDescription[nmt.internalCommand])
		}
		nmt.internalCommand = CommandEmpty
	}

	// Callback on change
	if nmt.operatingStatePrev != nmtStateCopy || nmtInit {
		if nmtInit {
			nmt.logger.Debug("state changed", "from", stateMap[StateInitializing], "to", stateMap[nmtStateCopy])
		} else {
			nmt.logger.Debug("state changed", "from", stateMap[nmt.operatingStatePrev], "to", stateMap[nmtStateCopy])
		}
		if nmt.callback != nil {
			nmt.callback(nmtStateCopy)
		}
	}

	nmt.operatingState = nmtStateCopy
	if internalState != nil {
		*internalState = nmtStateCopy
	}
	return resetCommand
}

// GetInternalState returns the current NMT state
func (nmt *NMT) GetInternalState() uint8 {
	if nmt == nil {
		return StateInitializing
	}
	nmt.mu.Lock()
	defer nmt.mu.Unlock()
	return nmt.operatingState
}

// SendInternalCommand requests an NMT command on self, without
// involving the network. Applied on the next call to [NMT.Process].
func (nmt *NMT) SendInternalCommand(command uint8) {
	nmt.mu.Lock()
	defer nmt.mu.Unlock()
	nmt.internalCommand = Command(command)
}

// OnStateChange registers a callback invoked inside [NMT.Process]
// whenever the NMT state changes. Replaces any previous callback.
func (nmt *NMT) OnStateChange(callback func(nmtState uint8)) {
	nmt.mu.Lock()
	defer nmt.mu.Unlock()
	nmt.callback = callback
}
