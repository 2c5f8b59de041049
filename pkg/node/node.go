// Package node aggregates the CANopen services into a [LocalNode],
// a CiA 301 compliant node. The node is driven synchronously by the
// application: incoming frames are passed to [LocalNode.HandleFrame]
// and [LocalNode.Process] is called periodically with the elapsed
// time. All outgoing frames go through the configured [canopen.FrameSender].
package node

import (
	"log/slog"
	s "sync"

	canopen "github.com/cantools-dev/canopen-node"
	"github.com/cantools-dev/canopen-node/pkg/nmt"
	"github.com/cantools-dev/canopen-node/pkg/od"
	"github.com/cantools-dev/canopen-node/pkg/pdo"
	"github.com/cantools-dev/canopen-node/pkg/sdo"
	"github.com/cantools-dev/canopen-node/pkg/sync"
)

// Callbacks are invoked synchronously from [LocalNode.Process] and
// must not block. Nil callbacks are skipped.
type Callbacks struct {
	OnResetApp            func()
	OnResetComms          func()
	OnEnterPreOperational func()
	OnEnterOperational    func()
	OnEnterStopped        func()
}

// A [LocalNode] is a CiA 301 compliant CANopen node.
// It owns the object dictionary together with the NMT, SDO server,
// SYNC and PDO services built from it.
type LocalNode struct {
	logger       *slog.Logger
	od           *od.ObjectDictionary
	id           uint8
	control      uint16
	sdoTimeoutMs uint32
	sender       canopen.FrameSender
	Callbacks    Callbacks
	NMT          *nmt.NMT
	SDOServer    *sdo.SDOServer   // default channel x1200
	SDOServers   []*sdo.SDOServer // all channels, default first
	SYNC         *sync.SYNC
	TPDOs        []*pdo.TPDO
	RPDOs        []*pdo.RPDO

	syncMu  s.Mutex
	syncWas bool
}

func (node *LocalNode) GetOD() *od.ObjectDictionary {
	return node.od
}

func (node *LocalNode) GetID() uint8 {
	return node.id
}

// HandleFrame dispatches an incoming CAN frame to the matching
// service by COB-ID. Unknown ids are ignored.
func (node *LocalNode) HandleFrame(frame canopen.Frame) {
	switch {
	case frame.ID == uint32(nmt.ServiceId):
		node.NMT.Handle(frame)

	case node.SYNC != nil && frame.ID == node.SYNC.CobId()&0x7FF:
		node.SYNC.Handle(frame)

	default:
		for _, server := range node.SDOServers {
			if frame.ID == server.CobIdClientToServer() {
				server.Handle(frame)
				return
			}
		}
		for _, rpdo := range node.RPDOs {
			if rpdo.CobId() != 0 && frame.ID == uint32(rpdo.CobId()) {
				rpdo.Handle(frame)
			}
		}
	}
}

// Process runs the node state machines with the given elapsed time.
// NMT reset requests are handled internally : the application callback
// is invoked, OD defaults are restored and the services are rebuilt,
// which reboots the node through Initializing (new boot-up message).
func (node *LocalNode) Process(timeDifferenceUs uint32) {
	state := node.NMT.GetInternalState()
	reset := node.NMT.Process(&state, timeDifferenceUs)

	switch reset {
	case nmt.ResetComm:
		node.resetCommunication()
		return
	case nmt.ResetApp:
		node.resetApplication()
		return
	}

	isPreOrOperational := state == nmt.StatePreOperational || state == nmt.StateOperational
	isOperational := state == nmt.StateOperational

	for _, server := range node.SDOServers {
		server.SetNMTState(state)
		server.Process(timeDifferenceUs)
	}

	if node.SYNC != nil {
		node.SYNC.SetOperational(isPreOrOperational)
		node.SYNC.Process(timeDifferenceUs)
	}
	syncWas := node.consumeSyncFlag()

	// Lowest PDO number is processed first
	for _, tpdo := range node.TPDOs {
		_ = tpdo.Process(timeDifferenceUs, isOperational, syncWas)
	}
	for _, rpdo := range node.RPDOs {
		rpdo.Process(timeDifferenceUs, isOperational, syncWas)
	}
}

func (node *LocalNode) markSyncFlag(counter uint8) {
	node.syncMu.Lock()
	defer node.syncMu.Unlock()
	node.syncWas = true
}

func (node *LocalNode) consumeSyncFlag() bool {
	node.syncMu.Lock()
	defer node.syncMu.Unlock()
	syncWas := node.syncWas
	node.syncWas = false
	return syncWas
}

// Reset communication : restore the communication profile area to
// defaults and rebuild all services
func (node *LocalNode) resetCommunication() {
	node.logger.Info("communication reset")
	if node.Callbacks.OnResetComms != nil {
		node.Callbacks.OnResetComms()
	}
	node.od.RestoreDefaults(od.CommunicationAreaStart, od.CommunicationAreaEnd)
	if err := node.initAll(); err != nil {
		node.logger.Error("communication reset failed", "error", err)
	}
}

// Reset application : restore the full OD to defaults and rebuild
func (node *LocalNode) resetApplication() {
	node.logger.Info("application reset")
	if node.Callbacks.OnResetApp != nil {
		node.Callbacks.OnResetApp()
	}
	node.od.RestoreDefaults(od.CommunicationAreaStart, 0xFFFF)
	if err := node.initAll(); err != nil {
		node.logger.Error("application reset failed", "error", err)
	}
}

// Initialize [nmt.NMT] object
func (node *LocalNode) initNMT() error {
	nm, err := nmt.NewNMT(
		node.logger,
		node.id,
		node.control,
		canopen.ServiceIdHeartbeat+uint16(node.id),
		node.od.Index(od.EntryProducerHeartbeatTime),
		node.sender,
	)
	if err != nil {
		node.logger.Error("init failed [NMT]", "error", err)
		return err
	}
	nm.OnStateChange(node.nmtStateChanged)
	node.NMT = nm
	return nil
}

func (node *LocalNode) nmtStateChanged(nmtState uint8) {
	switch nmtState {
	case nmt.StatePreOperational:
		if node.Callbacks.OnEnterPreOperational != nil {
			node.Callbacks.OnEnterPreOperational()
		}
	case nmt.StateOperational:
		if node.Callbacks.OnEnterOperational != nil {
			node.Callbacks.OnEnterOperational()
		}
	case nmt.StateStopped:
		if node.Callbacks.OnEnterStopped != nil {
			node.Callbacks.OnEnterStopped()
		}
	}
}

// Initialize the [sdo.SDOServer] channels : the default one at x1200
// plus one per additional channel entry x1201.. present in the OD
func (node *LocalNode) initSDOServer() error {
	node.SDOServer = nil
	node.SDOServers = nil
	if node.od.Index(od.EntrySDOServerParameter) == nil {
		node.logger.Warn("no [SDOServer] initialized")
		return nil
	}
	for i := uint16(0); i < sdo.MaxServerChannels; i++ {
		entry12xx := node.od.Index(od.EntrySDOServerParameter + i)
		if entry12xx == nil {
			break
		}
		server, err := sdo.NewSDOServer(
			node.logger,
			node.od,
			node.id,
			node.sdoTimeoutMs,
			entry12xx,
			node.sender,
		)
		if err != nil {
			node.logger.Error("init failed [SDOServer]", "channel", i, "error", err)
			return err
		}
		node.SDOServers = append(node.SDOServers, server)
	}
	node.SDOServer = node.SDOServers[0]
	return nil
}

// Initialize [sync.SYNC] object
func (node *LocalNode) initSYNC() error {
	if node.od.Index(od.EntryCobIdSYNC) == nil {
		node.logger.Warn("no [SYNC] initialized")
		node.SYNC = nil
		return nil
	}
	sy, err := sync.NewSYNC(
		node.logger,
		node.od.Index(od.EntryCobIdSYNC),
		node.od.Index(od.EntryCommunicationPeriod),
		node.od.Index(od.EntrySynchronousWindow),
		node.od.Index(od.EntrySyncCounterOverflow),
		node.sender,
	)
	if err != nil {
		node.logger.Error("init failed [SYNC]", "error", err)
		return err
	}
	sy.OnSync(node.markSyncFlag)
	node.SYNC = sy
	return nil
}

// Initialize all [pdo.RPDO] and [pdo.TPDO] objects
func (node *LocalNode) initPDO() error {
	node.RPDOs = nil
	node.TPDOs = nil

	// Iterate over all the possible entries : there can be a maximum of 512 maps
	// Break loops when an entry doesn't exist (don't allow holes in mapping)
	for i := uint16(0); i < pdo.MaxRpdoNumber; i++ {
		entry14xx := node.od.Index(od.EntryRPDOCommunicationStart + i)
		pdoOffset := i % 4
		nodeIdOffset := i / 4
		preDefinedIdent := 0x200 + pdoOffset*0x100 + uint16(node.id) + nodeIdOffset
		rpdo, err := pdo.NewRPDO(
			node.logger,
			node.od,
			node.SYNC,
			entry14xx,
			node.od.Index(od.EntryRPDOMappingStart+i),
			preDefinedIdent,
		)
		if err != nil {
			node.logger.Debug("no more RPDO", "count", i)
			break
		}
		node.RPDOs = append(node.RPDOs, rpdo)
	}
	// Do the same for TPDOs
	for i := uint16(0); i < pdo.MaxTpdoNumber; i++ {
		entry18xx := node.od.Index(od.EntryTPDOCommunicationStart + i)
		pdoOffset := i % 4
		nodeIdOffset := i / 4
		preDefinedIdent := 0x180 + pdoOffset*0x100 + uint16(node.id) + nodeIdOffset
		tpdo, err := pdo.NewTPDO(
			node.logger,
			node.od,
			node.SYNC,
			entry18xx,
			node.od.Index(od.EntryTPDOMappingStart+i),
			preDefinedIdent,
			node.sender,
		)
		if err != nil {
			node.logger.Debug("no more TPDO", "count", i)
			break
		}
		node.TPDOs = append(node.TPDOs, tpdo)
	}
	return nil
}

// Initialize all CANopen services. This is also called on NMT
// 'reset communication' & 'reset node'.
func (node *LocalNode) initAll() error {
	err := node.initNMT()
	if err != nil {
		return err
	}
	err = node.initSDOServer()
	if err != nil {
		return err
	}
	err = node.initSYNC()
	if err != nil {
		return err
	}
	return node.initPDO()
}

// NewLocalNode creates a local node from an object dictionary.
// nmtControl can be set to [nmt.StartupToOperational] to enter
// Operational automatically after boot-up.
func NewLocalNode(
	logger *slog.Logger,
	odict *od.ObjectDictionary,
	nodeId uint8,
	nmtControl uint16,
	sdoServerTimeoutMs uint32,
	sender canopen.FrameSender,
) (*LocalNode, error) {

	if odict == nil || sender == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if nodeId < 1 || nodeId > 127 {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	node := &LocalNode{
		logger:       logger.With("id", nodeId),
		od:           odict,
		id:           nodeId,
		control:      nmtControl,
		sdoTimeoutMs: sdoServerTimeoutMs,
		sender:       sender,
	}
	err := node.initAll()
	if err != nil {
		return nil, err
	}
	return node, nil
}
