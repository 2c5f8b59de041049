package pdo

import (
	"fmt"
	"log/slog"
	s "sync"

	canopen "github.com/cantools-dev/canopen-node"
	"github.com/cantools-dev/canopen-node/pkg/od"
	"github.com/cantools-dev/canopen-node/pkg/sync"
)

type TPDO struct {
	mu               s.Mutex
	sender           canopen.FrameSender
	sync             *sync.SYNC
	pdo              *PDOCommon
	txBuffer         canopen.Frame
	transmissionType uint8
	sendRequest      bool
	syncStartValue   uint8
	syncCounter      uint8
	inhibitTimeUs    uint32
	eventTimeUs      uint32
	inhibitTimer     uint32
	eventTimer       uint32
	// Entries with a change listener already installed, keyed by index
	hooked map[uint16]bool
}

// CobId returns the CAN id this TPDO transmits on, 0 when disabled
func (tpdo *TPDO) CobId() uint16 {
	tpdo.mu.Lock()
	defer tpdo.mu.Unlock()
	return tpdo.pdo.CobId()
}

// Process [TPDO] state machine and TX CAN frames
// This should be called periodically, and after every SYNC for
// synchronous TPDOs (syncWas true).
func (tpdo *TPDO) Process(timeDifferenceUs uint32, nmtIsOperational bool, syncWas bool) error {
	tpdo.mu.Lock()

	pdo := tpdo.pdo
	if !pdo.Valid || !nmtIsOperational {
		tpdo.sendRequest = true
		tpdo.inhibitTimer = 0
		tpdo.eventTimer = 0
		tpdo.syncCounter = 255
		tpdo.mu.Unlock()
		return nil
	}

	if tpdo.transmissionType == TransmissionTypeSyncAcyclic || tpdo.transmissionType >= TransmissionTypeSyncEventLo {
		if tpdo.eventTimeUs != 0 {
			if tpdo.eventTimer > timeDifferenceUs {
				tpdo.eventTimer -= timeDifferenceUs
			} else {
				tpdo.eventTimer = 0
			}
			if tpdo.eventTimer == 0 {
				tpdo.sendRequest = true
			}
		}
	}
	// Send PDO by application request or event timer
	if tpdo.transmissionType >= TransmissionTypeSyncEventLo {
		if tpdo.inhibitTimer > timeDifferenceUs {
			tpdo.inhibitTimer -= timeDifferenceUs
		} else {
			tpdo.inhibitTimer = 0
		}
		if tpdo.sendRequest && tpdo.inhibitTimer == 0 {
			tpdo.mu.Unlock()
			_ = tpdo.send()
			tpdo.mu.Lock()
		}
	} else if tpdo.sync != nil && syncWas {

		// Send synchronous acyclic tpdo
		if tpdo.transmissionType == TransmissionTypeSyncAcyclic &&
			tpdo.sendRequest {
			tpdo.mu.Unlock()
			return tpdo.send()
		}
		// Send synchronous cyclic TPDOs
		if tpdo.syncCounter == 255 {
			if tpdo.sync.CounterOverflow() != 0 && tpdo.syncStartValue != 0 {
				// Sync start value used
				tpdo.syncCounter = 254
			} else {
				tpdo.syncCounter = tpdo.transmissionType/2 + 1
			}
		}
		// If sync start value is used, start first TPDO
		// after sync with matched syncstartvalue
		switch tpdo.syncCounter {
		case 254:
			if tpdo.sync.Counter() == tpdo.syncStartValue {
				tpdo.syncCounter = tpdo.transmissionType
				tpdo.mu.Unlock()
				return tpdo.send()
			}
		case 1:
			tpdo.syncCounter = tpdo.transmissionType
			tpdo.mu.Unlock()
			return tpdo.send()

		default:
			tpdo.syncCounter--
		}

	}
	tpdo.mu.Unlock()
	return nil
}

// Request marks the TPDO for transmission. Event-driven TPDOs will be
// sent on the next processing cycle once the inhibit time has elapsed,
// synchronous acyclic TPDOs on the next SYNC.
func (tpdo *TPDO) Request() {
	tpdo.mu.Lock()
	defer tpdo.mu.Unlock()
	tpdo.sendRequest = true
}

// entryUpdated is registered on every mapped OD entry. A write to a
// mapped value triggers transmission for change-of-state TPDOs.
func (tpdo *TPDO) entryUpdated(index uint16, subIndex uint8) {
	tpdo.mu.Lock()
	defer tpdo.mu.Unlock()
	if !tpdo.pdo.isMapped(index, subIndex) {
		return
	}
	if tpdo.transmissionType == TransmissionTypeSyncAcyclic ||
		tpdo.transmissionType >= TransmissionTypeSyncEventLo {
		tpdo.sendRequest = true
	}
}

// hookEntry installs the change listener on a mapped entry, once per
// index. The listener itself re-checks the active mapping so stale
// hooks after a remap are harmless.
func (tpdo *TPDO) hookEntry(entry *od.Entry, subIndex uint8) {
	if tpdo.hooked[entry.Index] {
		return
	}
	tpdo.hooked[entry.Index] = true
	entry.OnUpdate(tpdo.entryUpdated)
}

func (tpdo *TPDO) configureTransmissionType(entry18xx *od.Entry) error {
	tpdo.mu.Lock()
	defer tpdo.mu.Unlock()

	transmissionType, err := entry18xx.Uint8(2)
	if err != nil {
		tpdo.pdo.logger.Error("reading transmission type failed",
			"index", fmt.Sprintf("x%x", entry18xx.Index),
			"subindex", 2,
			"error", err,
		)
		return canopen.ErrOdParameters
	}
	if transmissionType < TransmissionTypeSyncEventLo && transmissionType > TransmissionTypeSync240 {
		transmissionType = TransmissionTypeSyncEventLo
	}
	tpdo.transmissionType = transmissionType
	tpdo.sendRequest = true
	return nil
}

func (tpdo *TPDO) configureCOBID(entry18xx *od.Entry, predefinedIdent uint16, erroneousMap uint32) (canId uint16, e error) {
	tpdo.mu.Lock()
	defer tpdo.mu.Unlock()

	pdo := tpdo.pdo
	cobId, err := entry18xx.Uint32(1)
	if err != nil {
		pdo.logger.Error("reading failed",
			"index", fmt.Sprintf("x%x", entry18xx.Index),
			"subindex", 1,
			"error", err,
		)
		return 0, canopen.ErrOdParameters
	}
	valid := (cobId & CobIdValidBit) == 0
	canId = uint16(cobId & 0x7FF)
	if valid && (pdo.nbMapped == 0 || canId == 0) {
		valid = false
		if erroneousMap == 0 {
			erroneousMap = 1
		}
	}
	if erroneousMap != 0 {
		errorInfo := erroneousMap
		if erroneousMap == 1 {
			errorInfo = cobId
		}
		pdo.logger.Warn("erroneous mapping",
			"index", fmt.Sprintf("x%x", entry18xx.Index),
			"info", fmt.Sprintf("x%x", errorInfo),
		)
	}
	if !valid {
		canId = 0
	}
	// If default canId is stored in od add node id
	if canId != 0 && canId == (predefinedIdent&0xFF80) {
		canId = predefinedIdent
	}
	tpdo.txBuffer = canopen.NewFrame(uint32(canId), 0, uint8(pdo.dataLength))
	pdo.Valid = valid
	return canId, nil
}

func (tpdo *TPDO) send() error {
	tpdo.mu.Lock()
	defer tpdo.mu.Unlock()

	pdo := tpdo.pdo
	dataTPDO := make([]byte, 0, MaxPdoLength)
	for i := uint8(0); i < pdo.nbMapped; i++ {
		streamer := &pdo.streamers[i]
		mappedLength := streamer.DataOffset
		dataLength := int(streamer.DataLength)
		if dataLength > int(MaxPdoLength) {
			dataLength = int(MaxPdoLength)
		}

		streamer.DataOffset = 0
		buffer := make([]byte, dataLength)
		_, err := streamer.Read(buffer)
		if err != nil {
			pdo.logger.Warn("sending TPDO failed",
				"configured id", pdo.configuredId,
				"error", err,
			)
			return err
		}
		streamer.DataOffset = mappedLength
		// Add to tpdo frame only up to mapped length
		dataTPDO = append(dataTPDO, buffer[:mappedLength]...)
	}
	tpdo.sendRequest = false
	tpdo.eventTimer = tpdo.eventTimeUs
	tpdo.inhibitTimer = tpdo.inhibitTimeUs
	// Copy data to the buffer & send
	copy(tpdo.txBuffer.Data[:], dataTPDO)
	return tpdo.sender.Send(tpdo.txBuffer)
}

// NewTPDO creates and initializes a TPDO from its communication
// (x18xx) and mapping (x1Axx) parameter records.
func NewTPDO(
	logger *slog.Logger,
	odict *od.ObjectDictionary,
	sync *sync.SYNC,
	entry18xx *od.Entry,
	entry1Axx *od.Entry,
	predefinedIdent uint16,
	sender canopen.FrameSender,
) (*TPDO, error) {
	if odict == nil || entry18xx == nil || entry1Axx == nil || sender == nil {
		return nil, canopen.ErrIllegalArgument
	}
	tpdo := &TPDO{sender: sender, hooked: make(map[uint16]bool)}
	// Configure mapping parameters
	erroneousMap := uint32(0)
	pdo, err := NewPDO(odict, logger, entry1Axx, false, &erroneousMap)
	if err != nil {
		return nil, err
	}
	tpdo.pdo = pdo
	pdo.onMapped = tpdo.hookEntry
	// Install change listeners for the initial mapping
	for i := uint8(0); i < pdo.nbMapped; i++ {
		key := pdo.mappedIds[i]
		if key == 0 {
			continue
		}
		if entry := odict.Index(uint16(key >> 8)); entry != nil {
			tpdo.hookEntry(entry, uint8(key))
		}
	}
	// Configure transmission type
	err = tpdo.configureTransmissionType(entry18xx)
	if err != nil {
		return nil, err
	}
	// Configure COB ID
	canId, err := tpdo.configureCOBID(entry18xx, predefinedIdent, erroneousMap)
	if err != nil {
		return nil, err
	}
	// Configure inhibit time (not mandatory)
	inhibitTime, err := entry18xx.Uint16(3)
	if err != nil {
		pdo.logger.Warn("reading inhibit time failed",
			"index", fmt.Sprintf("x%x", entry18xx.Index),
			"subindex", 3,
			"error", err,
		)
	}
	tpdo.inhibitTimeUs = uint32(inhibitTime) * 100

	// Configure event timer (not mandatory)
	eventTime, err := entry18xx.Uint16(5)
	if err != nil {
		pdo.logger.Warn("reading event timer failed",
			"index", fmt.Sprintf("x%x", entry18xx.Index),
			"subindex", 5,
			"error", err,
		)
	}
	tpdo.eventTimeUs = uint32(eventTime) * 1000

	// Configure sync start value (not mandatory)
	tpdo.syncStartValue, err = entry18xx.Uint8(6)
	if err != nil {
		pdo.logger.Warn("reading sync start failed",
			"index", fmt.Sprintf("x%x", entry18xx.Index),
			"subindex", 6,
			"error", err,
		)
	}
	tpdo.sync = sync
	tpdo.syncCounter = 255

	// Configure OD extensions
	pdo.predefinedId = predefinedIdent
	pdo.configuredId = canId
	entry18xx.AddExtension(tpdo, readEntry14xxOr18xx, writeEntry18xx)
	entry1Axx.AddExtension(tpdo, od.ReadEntryDefault, writeEntry16xxOr1Axx)

	pdo.logger.Debug("finished initializing",
		"index", fmt.Sprintf("x%x", entry18xx.Index),
		"canId", canId,
		"valid", pdo.Valid,
		"inhibit", inhibitTime,
		"event timer", eventTime,
		"transmission type", tpdo.transmissionType,
	)
	return tpdo, nil
}
