package nmt

import (
	"encoding/binary"

	"github.com/cantools-dev/canopen-node/pkg/od"
)

// [NMT] update producer heartbeat period
func writeEntry1017(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || data == nil || countWritten == nil || len(data) != 2 {
		return od.ErrDevIncompat
	}
	nmt, ok := stream.Object.(*NMT)
	if !ok {
		return od.ErrDevIncompat
	}
	nmt.mu.Lock()
	nmt.hearbeatProducerTimeUs = uint32(binary.LittleEndian.Uint16(data)) * 1000
	// Take effect immediately, a new period restarts the producer
	nmt.hearbeatProducerTimer = 0
	nmt.mu.Unlock()
	return od.WriteEntryDefault(stream, data, countWritten)
}
