// Package pdo implements receive & transmit process data objects
// according to CiA 301. PDO mapping is configured from the OD
// communication records (x14xx/x16xx for RPDO, x18xx/x1Axx for TPDO)
// and can be changed at runtime while the PDO is disabled.
package pdo

import (
	"fmt"
	"log/slog"

	canopen "github.com/cantools-dev/canopen-node"
	"github.com/cantools-dev/canopen-node/pkg/od"
)

const (
	MaxPdoLength   uint8 = 8
	MinPdoNumber         = uint16(1)
	MaxRpdoNumber        = uint16(512)
	MaxTpdoNumber        = MaxRpdoNumber

	CobIdValidBit = uint32(0x80000000)
)

const (
	TransmissionTypeSyncAcyclic = 0    // synchronous (acyclic)
	TransmissionTypeSync1       = 1    // synchronous (cyclic every sync)
	TransmissionTypeSync240     = 0xF0 // synchronous (cyclic every 240-th sync)
	TransmissionTypeSyncEventLo = 0xFE // event-driven, lower value (manufacturer specific)
	TransmissionTypeSyncEventHi = 0xFF // event-driven, higher value (device profile and application profile specific)
)

// Common to TPDO & RPDO
type PDOCommon struct {
	od           *od.ObjectDictionary
	logger       *slog.Logger
	streamers    [od.MaxMappedEntriesPdo]od.Streamer
	mappedIds    [od.MaxMappedEntriesPdo]uint32
	Valid        bool
	dataLength   uint32
	nbMapped     uint8
	IsRPDO       bool
	predefinedId uint16
	configuredId uint16
	// Invoked after a successful (re)mapping of an entry, used by
	// TPDOs to hook change notifications
	onMapped func(entry *od.Entry, subIndex uint8)
}

func (base *PDOCommon) attribute() uint8 {
	if base.IsRPDO {
		return od.AttributeRpdo
	}
	return od.AttributeTpdo
}

func (base *PDOCommon) Type() string {
	if base.IsRPDO {
		return "RPDO"
	}
	return "TPDO"
}

// CobId returns the currently configured CAN id, 0 when disabled
func (base *PDOCommon) CobId() uint16 {
	if !base.Valid {
		return 0
	}
	return base.configuredId
}

// Configure a PDO map entry. This is done on startup and can also be
// done dynamically when writing to the mapping parameter record.
func (pdo *PDOCommon) configureMap(mapParam uint32, mapIndex uint32) error {
	index := uint16(mapParam >> 16)
	subIndex := byte(mapParam >> 8)
	mappedLengthBits := byte(mapParam)
	mappedLength := mappedLengthBits >> 3
	streamer := &pdo.streamers[mapIndex]
	pdo.mappedIds[mapIndex] = 0

	// Total PDO length should be smaller than the max possible size
	if mappedLength > MaxPdoLength {
		pdo.logger.Warn("mapped parameter is too long",
			"index", fmt.Sprintf("x%x", index),
			"subindex", fmt.Sprintf("x%x", subIndex),
			"length", mappedLength,
		)
		return od.ErrMapLen
	}
	// Dummy entries map to "fake" entries
	if index < 0x20 && subIndex == 0 {
		streamer.ResetData(uint32(mappedLength), uint32(mappedLength))
		streamer.DataLength = uint32(mappedLength)
		streamer.SetWriter(WriteDummy)
		streamer.SetReader(ReadDummy)
		return nil
	}
	// Get entry in OD
	streamerCopy, err := pdo.od.Streamer(index, subIndex, false)
	if err != nil {
		pdo.logger.Warn("mapping failed",
			"index", fmt.Sprintf("x%x", index),
			"subindex", fmt.Sprintf("x%x", subIndex),
			"error", err,
		)
		return err
	}

	// Check correct attribute, length, and alignment
	switch {
	case !streamerCopy.HasAttribute(pdo.attribute()):
		pdo.logger.Warn("mapping failed : attribute error",
			"index", fmt.Sprintf("x%x", index),
			"subindex", fmt.Sprintf("x%x", subIndex),
		)
		return od.ErrNoMap
	case (mappedLengthBits & 0x07) != 0:
		pdo.logger.Warn("mapping failed : alignment error",
			"index", fmt.Sprintf("x%x", index),
			"subindex", fmt.Sprintf("x%x", subIndex),
		)
		return od.ErrNoMap
	case streamerCopy.DataLength < uint32(mappedLength):
		pdo.logger.Warn("mapping failed : length error",
			"index", fmt.Sprintf("x%x", index),
			"subindex", fmt.Sprintf("x%x", subIndex),
		)
		return od.ErrNoMap
	}
	streamer.SetStream(streamerCopy.Stream)
	streamer.SetReader(streamerCopy.Reader())
	streamer.SetWriter(streamerCopy.Writer())
	// DataOffset doubles as the mapped length inside the PDO
	streamer.DataOffset = uint32(mappedLength)
	pdo.mappedIds[mapIndex] = uint32(index)<<8 | uint32(subIndex)

	if pdo.onMapped != nil {
		if entry := pdo.od.Index(index); entry != nil {
			pdo.onMapped(entry, subIndex)
		}
	}
	pdo.logger.Debug("update mapping successful",
		"index", fmt.Sprintf("x%x", index),
		"subindex", fmt.Sprintf("x%x", subIndex),
	)
	return nil
}

// isMapped returns true if (index,subIndex) is currently part of the
// active mapping
func (pdo *PDOCommon) isMapped(index uint16, subIndex uint8) bool {
	key := uint32(index)<<8 | uint32(subIndex)
	for i := uint8(0); i < pdo.nbMapped; i++ {
		if pdo.mappedIds[i] == key {
			return true
		}
	}
	return false
}

// Create and initialize a common PDO object from a mapping parameter
// record (x16xx or x1Axx)
func NewPDO(
	odict *od.ObjectDictionary,
	logger *slog.Logger,
	entry *od.Entry,
	isRPDO bool,
	erroneousMap *uint32,
) (*PDOCommon, error) {

	if logger == nil {
		logger = slog.Default()
	}
	pdo := &PDOCommon{od: odict, IsRPDO: isRPDO}
	if isRPDO {
		pdo.logger = logger.With("service", "[RPDO]")
	} else {
		pdo.logger = logger.With("service", "[TPDO]")
	}

	pdoDataLength := uint32(0)

	// Get number of mapped objects
	mappedObjectsCount, err := entry.Uint8(0)
	if err != nil {
		pdo.logger.Error("reading nb mapped objects failed",
			"index", fmt.Sprintf("x%x", entry.Index),
			"error", err,
		)
		return nil, canopen.ErrOdParameters
	}

	// Iterate over all the mapping objects
	for i := range pdo.streamers {
		streamer := &pdo.streamers[i]
		mapParam, err := entry.Uint32(uint8(i) + 1)
		if err == od.ErrSubNotExist {
			continue
		}
		if err != nil {
			pdo.logger.Error("reading mapped objects failed",
				"index", fmt.Sprintf("x%x", entry.Index),
				"subindex", fmt.Sprintf("x%x", i+1),
				"error", err,
			)
			return nil, canopen.ErrOdParameters
		}
		err = pdo.configureMap(mapParam, uint32(i))
		if err != nil {
			// Init failed, but not critical
			streamer.ResetData(0, 0xFF)
			if *erroneousMap == 0 {
				*erroneousMap = mapParam
			}
		}
		if i < int(mappedObjectsCount) {
			pdoDataLength += streamer.DataOffset
		}
	}

	if pdoDataLength > uint32(MaxPdoLength) || (pdoDataLength == 0 && mappedObjectsCount > 0) {
		if *erroneousMap == 0 {
			*erroneousMap = 1
		}
	}
	if *erroneousMap == 0 {
		pdo.dataLength = pdoDataLength
		pdo.nbMapped = mappedObjectsCount
	}
	return pdo, nil
}
