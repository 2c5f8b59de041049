package sdo

import (
	"encoding/binary"

	"github.com/cantools-dev/canopen-node/internal/crc"
)

// SDOMessage is a single received SDO request.
// Accessors decode the CiA 301 command byte fields.
type SDOMessage struct {
	raw [8]byte
}

func (m SDOMessage) IsAbort() bool {
	return m.raw[0] == 0x80
}

func (m SDOMessage) GetAbortCode() Abort {
	return Abort(binary.LittleEndian.Uint32(m.raw[4:]))
}

func (m SDOMessage) GetIndex() uint16 {
	return binary.LittleEndian.Uint16(m.raw[1:3])
}

func (m SDOMessage) GetSubindex() uint8 {
	return m.raw[3]
}

func (m SDOMessage) GetToggle() uint8 {
	return m.raw[0] & 0x10
}

// Field "e" of the initiate download request
func (m SDOMessage) IsExpedited() bool {
	return (m.raw[0] & 0x02) != 0
}

// Field "s" of the initiate download request
func (m SDOMessage) IsSizeIndicated() bool {
	return (m.raw[0] & 0x01) != 0
}

// Field "cc" of the block download request
func (m SDOMessage) IsCRCEnabled() bool {
	return (m.raw[0] & 0x04) != 0
}

// Field "s" of the block download request
func (m SDOMessage) IsSizeIndicatedBlock() bool {
	return (m.raw[0] & 0x02) != 0
}

func (m SDOMessage) SizeIndicated() uint32 {
	return binary.LittleEndian.Uint32(m.raw[4:])
}

// Sequence number of a block download segment
func (m SDOMessage) Seqno() uint8 {
	return m.raw[0] & 0x7F
}

// Field "c" of a block download segment, false for the last segment
func (m SDOMessage) SegmentRemaining() bool {
	return (m.raw[0] & 0x80) == 0
}

func (m SDOMessage) GetBlockSize() uint8 {
	return m.raw[4]
}

func (m SDOMessage) GetCRCClient() crc.CRC16 {
	return crc.CRC16(binary.LittleEndian.Uint16(m.raw[1:3]))
}
