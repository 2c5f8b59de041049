package sdo

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"

	canopen "github.com/cantools-dev/canopen-node"
	"github.com/cantools-dev/canopen-node/internal/crc"
	"github.com/cantools-dev/canopen-node/pkg/nmt"
	"github.com/cantools-dev/canopen-node/pkg/od"
)

const testNodeId = 0x10

// frameRecorder collects everything the server transmits
type frameRecorder struct {
	frames []canopen.Frame
}

func (rec *frameRecorder) Send(frame canopen.Frame) error {
	rec.frames = append(rec.frames, frame)
	return nil
}

func (rec *frameRecorder) last() canopen.Frame {
	return rec.frames[len(rec.frames)-1]
}

func createServer(t *testing.T) (*SDOServer, *od.ObjectDictionary, *frameRecorder) {
	odict := od.Default(nil)
	odict.AddVariableType(0x2001, "integer16", od.UNSIGNED16, od.AttributeSdoRw, "0x1234")
	odict.AddVariableType(0x2002, "readonly", od.UNSIGNED32, od.AttributeSdoR, "0xAABBCCDD")
	odict.AddVariableType(0x2003, "writeonly", od.UNSIGNED16, od.AttributeSdoW, "0x0")
	odict.AddVariableType(0x2004, "long string", od.VISIBLE_STRING,
		od.AttributeSdoRw|od.AttributeStr, "this is a long default visible string!!!")
	odict.AddVariableType(0x2005, "short string", od.VISIBLE_STRING,
		od.AttributeSdoRw|od.AttributeStr, "a long string value")

	rec := &frameRecorder{}
	server, err := NewSDOServer(nil, odict, testNodeId, DefaultServerTimeoutMs, odict.Index(0x1200), rec)
	assert.Nil(t, err)
	server.SetNMTState(nmt.StatePreOperational)
	return server, odict, rec
}

func request(data ...byte) canopen.Frame {
	frame := canopen.NewFrame(uint32(ClientServiceId)+testNodeId, 0, 8)
	copy(frame.Data[:], data)
	return frame
}

func assertAbort(t *testing.T, frame canopen.Frame, abort Abort) {
	assert.EqualValues(t, 0x80, frame.Data[0])
	assert.EqualValues(t, abort, binary.LittleEndian.Uint32(frame.Data[4:]))
}

func TestNewSDOServer(t *testing.T) {
	odict := od.Default(nil)
	rec := &frameRecorder{}
	_, err := NewSDOServer(nil, odict, 0, DefaultServerTimeoutMs, odict.Index(0x1200), rec)
	assert.Equal(t, canopen.ErrIllegalArgument, err)
	_, err = NewSDOServer(nil, odict, 0x10, DefaultServerTimeoutMs, nil, rec)
	assert.Equal(t, canopen.ErrIllegalArgument, err)

	server, err := NewSDOServer(nil, odict, 0x10, DefaultServerTimeoutMs, odict.Index(0x1200), rec)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x610, server.CobIdClientToServer())
	cobS2C, err := odict.Index(0x1200).Uint32(2)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x590, cobS2C)
}

func TestAdditionalServerChannel(t *testing.T) {
	odict := od.Default(nil)
	odict.AddVariableType(0x2001, "integer16", od.UNSIGNED16, od.AttributeSdoRw, "0x1234")
	channel := od.NewRecord()
	channel.AddSubObject(0, "Highest sub-index supported", od.UNSIGNED8, od.AttributeSdoR, "0x2")
	channel.AddSubObject(1, "COB-ID client to server", od.UNSIGNED32, od.AttributeSdoRw, "0x80000000")
	channel.AddSubObject(2, "COB-ID server to client", od.UNSIGNED32, od.AttributeSdoRw, "0x80000000")
	entry := odict.AddVariableList(0x1201, "SDO server parameter 2", channel)

	rec := &frameRecorder{}
	server, err := NewSDOServer(nil, odict, testNodeId, DefaultServerTimeoutMs, entry, rec)
	assert.Nil(t, err)
	server.SetNMTState(nmt.StatePreOperational)

	// Channel starts with both COB-IDs disabled
	assert.EqualValues(t, 0, server.CobIdClientToServer())

	// Enable it through its own entry
	assert.Nil(t, entry.PutUint32(1, 0x680, false))
	assert.Nil(t, entry.PutUint32(2, 0x600, false))
	assert.EqualValues(t, 0x680, server.CobIdClientToServer())

	frame := canopen.NewFrame(0x680, 0, 8)
	copy(frame.Data[:], []byte{0x40, 0x01, 0x20, 0x00})
	server.Handle(frame)
	assert.Len(t, rec.frames, 1)
	resp := rec.last()
	assert.EqualValues(t, 0x600, resp.ID)
	assert.EqualValues(t, 0x4B, resp.Data[0])
	assert.EqualValues(t, 0x1234, binary.LittleEndian.Uint16(resp.Data[4:6]))

	// Changing the CAN id of an active channel is refused
	assert.NotNil(t, entry.PutUint32(1, 0x681, false))
}

func TestHandleGating(t *testing.T) {
	server, _, rec := createServer(t)

	// Initializing & stopped nodes do not answer
	server.SetNMTState(nmt.StateInitializing)
	server.Handle(request(0x40, 0x01, 0x20, 0x00))
	assert.Empty(t, rec.frames)
	server.SetNMTState(nmt.StateStopped)
	server.Handle(request(0x40, 0x01, 0x20, 0x00))
	assert.Empty(t, rec.frames)

	// Malformed DLC ignored
	server.SetNMTState(nmt.StateOperational)
	frame := request(0x40, 0x01, 0x20, 0x00)
	frame.DLC = 4
	server.Handle(frame)
	assert.Empty(t, rec.frames)

	server.Handle(request(0x40, 0x01, 0x20, 0x00))
	assert.Len(t, rec.frames, 1)
}

func TestExpeditedDownload(t *testing.T) {
	server, odict, rec := createServer(t)

	// 2 byte expedited download to x2001
	server.Handle(request(0x2B, 0x01, 0x20, 0x00, 0xFE, 0xCA))
	assert.Len(t, rec.frames, 1)
	resp := rec.last()
	assert.EqualValues(t, 0x590, resp.ID)
	assert.EqualValues(t, 0x60, resp.Data[0])
	assert.EqualValues(t, 0x01, resp.Data[1])
	assert.EqualValues(t, 0x20, resp.Data[2])

	val, err := odict.Index(0x2001).Uint16(0)
	assert.Nil(t, err)
	assert.EqualValues(t, 0xCAFE, val)
}

func TestExpeditedUpload(t *testing.T) {
	server, _, rec := createServer(t)

	server.Handle(request(0x40, 0x01, 0x20, 0x00))
	resp := rec.last()
	assert.EqualValues(t, 0x4B, resp.Data[0])
	assert.EqualValues(t, 0x1234, binary.LittleEndian.Uint16(resp.Data[4:6]))
}

func TestAccessAborts(t *testing.T) {
	server, _, rec := createServer(t)

	// Unknown object
	server.Handle(request(0x40, 0xFF, 0x7F, 0x00))
	assertAbort(t, rec.last(), AbortNotExist)

	// Write to read only object
	server.Handle(request(0x2B, 0x02, 0x20, 0x00, 0x01, 0x02))
	assertAbort(t, rec.last(), AbortReadOnly)

	// Read from write only object
	server.Handle(request(0x40, 0x03, 0x20, 0x00))
	assertAbort(t, rec.last(), AbortWriteOnly)

	// Unknown command specifier
	server.Handle(request(0x07, 0x01, 0x20, 0x00))
	assertAbort(t, rec.last(), AbortCmd)
}

func TestSegmentedDownload(t *testing.T) {
	server, odict, rec := createServer(t)

	// Initiate a 10 byte download to the x2005 string
	init := request(0x21, 0x05, 0x20, 0x00)
	binary.LittleEndian.PutUint32(init.Data[4:], 10)
	server.Handle(init)
	assert.EqualValues(t, 0x60, rec.last().Data[0])

	// First segment, toggle 0, 7 bytes
	server.Handle(request(0x00, '0', '1', '2', '3', '4', '5', '6'))
	assert.EqualValues(t, 0x20, rec.last().Data[0])

	// Last segment, toggle 1, 3 bytes
	server.Handle(request(0x19, '7', '8', '9'))
	assert.EqualValues(t, 0x30, rec.last().Data[0])

	raw, err := odict.Index(0x2005).GetRawData(0, 0)
	assert.Nil(t, err)
	assert.Equal(t, []byte("0123456789"), raw[:10])
	// Null terminated
	assert.EqualValues(t, 0, raw[10])
}

func TestSegmentedUpload(t *testing.T) {
	server, _, rec := createServer(t)

	// x2005 holds 19 bytes, transferred in 7 + 7 + 5
	server.Handle(request(0x40, 0x05, 0x20, 0x00))
	resp := rec.last()
	assert.EqualValues(t, 0x41, resp.Data[0])
	assert.EqualValues(t, 19, binary.LittleEndian.Uint32(resp.Data[4:]))

	server.Handle(request(0x60))
	resp = rec.last()
	assert.EqualValues(t, 0x00, resp.Data[0])
	assert.Equal(t, []byte("a long "), resp.Data[1:8])

	server.Handle(request(0x70))
	resp = rec.last()
	assert.EqualValues(t, 0x10, resp.Data[0])
	assert.Equal(t, []byte("string "), resp.Data[1:8])

	server.Handle(request(0x60))
	resp = rec.last()
	assert.EqualValues(t, 0x05, resp.Data[0])
	assert.Equal(t, []byte("value"), resp.Data[1:6])
}

func TestToggleBitAbort(t *testing.T) {
	server, odict, rec := createServer(t)

	init := request(0x21, 0x05, 0x20, 0x00)
	binary.LittleEndian.PutUint32(init.Data[4:], 10)
	server.Handle(init)

	// First segment with a wrong toggle bit
	server.Handle(request(0x10, '0', '1', '2', '3', '4', '5', '6'))
	assertAbort(t, rec.last(), AbortToggleBit)

	// Aborted transfer left the value untouched
	raw, err := odict.Index(0x2005).GetRawData(0, 0)
	assert.Nil(t, err)
	assert.Equal(t, []byte("a long string value"), raw)
}

func TestBusyAbort(t *testing.T) {
	server, _, rec := createServer(t)

	init := request(0x21, 0x05, 0x20, 0x00)
	binary.LittleEndian.PutUint32(init.Data[4:], 10)
	server.Handle(init)
	assert.EqualValues(t, 0x60, rec.last().Data[0])

	// A new initiate during an ongoing transfer is rejected
	server.Handle(request(0x2B, 0x01, 0x20, 0x00, 0xFE, 0xCA))
	assertAbort(t, rec.last(), AbortDataDeviceState)
}

func TestClientAbortStopsTransfer(t *testing.T) {
	server, _, rec := createServer(t)

	init := request(0x21, 0x05, 0x20, 0x00)
	binary.LittleEndian.PutUint32(init.Data[4:], 10)
	server.Handle(init)
	nbFrames := len(rec.frames)

	abort := request(0x80, 0x05, 0x20, 0x00)
	binary.LittleEndian.PutUint32(abort.Data[4:], uint32(AbortGeneral))
	server.Handle(abort)
	// No answer to a client abort, transfer is reset
	assert.Len(t, rec.frames, nbFrames)

	server.Handle(request(0x40, 0x01, 0x20, 0x00))
	assert.EqualValues(t, 0x4B, rec.last().Data[0])
}

func TestTimeoutAbort(t *testing.T) {
	server, _, rec := createServer(t)

	init := request(0x21, 0x05, 0x20, 0x00)
	binary.LittleEndian.PutUint32(init.Data[4:], 10)
	server.Handle(init)
	nbFrames := len(rec.frames)

	// Not expired yet
	server.Process(DefaultServerTimeoutMs * 1000 / 2)
	assert.Len(t, rec.frames, nbFrames)

	server.Process(DefaultServerTimeoutMs * 1000 / 2)
	assertAbort(t, rec.last(), AbortTimeout)

	// Back to idle, no further aborts
	nbFrames = len(rec.frames)
	server.Process(DefaultServerTimeoutMs * 1000)
	assert.Len(t, rec.frames, nbFrames)
}

func TestBlockDownload(t *testing.T) {
	server, odict, rec := createServer(t)
	payload := []byte("ABCDEFGHIJKLMNOPQRST")

	// Initiate with CRC & size indicated
	init := request(0xC6, 0x04, 0x20, 0x00)
	binary.LittleEndian.PutUint32(init.Data[4:], uint32(len(payload)))
	server.Handle(init)
	resp := rec.last()
	assert.EqualValues(t, 0xA4, resp.Data[0])
	assert.EqualValues(t, BlockMaxSize, resp.Data[4])

	// 20 bytes in 3 segments, last one flagged & padded
	server.Handle(request(0x01, 'A', 'B', 'C', 'D', 'E', 'F', 'G'))
	server.Handle(request(0x02, 'H', 'I', 'J', 'K', 'L', 'M', 'N'))
	server.Handle(request(0x83, 'O', 'P', 'Q', 'R', 'S', 'T', 0x00))
	resp = rec.last()
	assert.EqualValues(t, 0xA2, resp.Data[0])
	assert.EqualValues(t, 3, resp.Data[1])

	// End of transfer, 1 byte of the last segment carries no data
	checksum := crc.CRC16(0)
	checksum.Block(payload)
	end := request(0xC5)
	binary.LittleEndian.PutUint16(end.Data[1:3], uint16(checksum))
	server.Handle(end)
	assert.EqualValues(t, 0xA1, rec.last().Data[0])

	raw, err := odict.Index(0x2004).GetRawData(0, 0)
	assert.Nil(t, err)
	assert.Equal(t, payload, raw[:len(payload)])
}

func TestBlockDownloadWrongCRC(t *testing.T) {
	server, _, rec := createServer(t)

	init := request(0xC6, 0x04, 0x20, 0x00)
	binary.LittleEndian.PutUint32(init.Data[4:], 7)
	server.Handle(init)
	server.Handle(request(0x81, 'A', 'B', 'C', 'D', 'E', 'F', 'G'))

	end := request(0xC1)
	binary.LittleEndian.PutUint16(end.Data[1:3], 0xBEEF)
	server.Handle(end)
	assertAbort(t, rec.last(), AbortCRC)
}

func TestBlockDownloadSequenceError(t *testing.T) {
	server, _, rec := createServer(t)

	init := request(0xC6, 0x04, 0x20, 0x00)
	binary.LittleEndian.PutUint32(init.Data[4:], 20)
	server.Handle(init)
	nbFrames := len(rec.frames)

	// Sequence number 2 skipped, server asks for a retransmission
	server.Handle(request(0x01, 'A', 'B', 'C', 'D', 'E', 'F', 'G'))
	assert.Len(t, rec.frames, nbFrames)
	server.Handle(request(0x03, 'O', 'P', 'Q', 'R', 'S', 'T', 0x00))
	resp := rec.last()
	assert.EqualValues(t, 0xA2, resp.Data[0])
	assert.EqualValues(t, 1, resp.Data[1])
}

func TestBlockUpload(t *testing.T) {
	server, _, rec := createServer(t)
	expected := []byte("a long string value")

	// Initiate with CRC, block size 10, no protocol switch
	server.Handle(request(0xA4, 0x05, 0x20, 0x00, 10, 0x00))
	resp := rec.last()
	assert.EqualValues(t, 0xC6, resp.Data[0])
	assert.EqualValues(t, len(expected), binary.LittleEndian.Uint32(resp.Data[4:]))

	// Start, server sends the whole block in a row
	rec.frames = nil
	server.Handle(request(0xA3))
	assert.Len(t, rec.frames, 3)
	assert.EqualValues(t, 0x01, rec.frames[0].Data[0])
	assert.Equal(t, expected[:7], rec.frames[0].Data[1:8])
	assert.EqualValues(t, 0x02, rec.frames[1].Data[0])
	assert.Equal(t, expected[7:14], rec.frames[1].Data[1:8])
	assert.EqualValues(t, 0x83, rec.frames[2].Data[0])
	assert.Equal(t, expected[14:], rec.frames[2].Data[1:6])

	// Acknowledge all 3 segments, server ends the transfer
	server.Handle(request(0xA2, 3, 10))
	resp = rec.last()
	assert.EqualValues(t, 0xC1|(2<<2), resp.Data[0])
	checksum := crc.CRC16(0)
	checksum.Block(expected)
	assert.EqualValues(t, checksum, crc.CRC16(binary.LittleEndian.Uint16(resp.Data[1:3])))

	// Confirm, server is idle again
	server.Handle(request(0xA1))
	nbFrames := len(rec.frames)
	server.Process(DefaultServerTimeoutMs * 1000)
	assert.Len(t, rec.frames, nbFrames)
}

func TestBlockUploadBacktrack(t *testing.T) {
	server, _, rec := createServer(t)
	expected := []byte("a long string value")

	server.Handle(request(0xA4, 0x05, 0x20, 0x00, 10, 0x00))
	rec.frames = nil
	server.Handle(request(0xA3))
	assert.Len(t, rec.frames, 3)

	// Client acknowledges only the first segment, the server resends
	// the two others as a new block starting at sequence number 1
	rec.frames = nil
	server.Handle(request(0xA2, 1, 10))
	assert.Len(t, rec.frames, 2)
	assert.EqualValues(t, 0x01, rec.frames[0].Data[0])
	assert.Equal(t, expected[7:14], rec.frames[0].Data[1:8])
	assert.EqualValues(t, 0x82, rec.frames[1].Data[0])
	assert.Equal(t, expected[14:], rec.frames[1].Data[1:6])

	// Acknowledge the retransmission, transfer completes with the
	// CRC of the data sent exactly once
	server.Handle(request(0xA2, 2, 10))
	resp := rec.last()
	assert.EqualValues(t, 0xC1|(2<<2), resp.Data[0])
	checksum := crc.CRC16(0)
	checksum.Block(expected)
	assert.EqualValues(t, checksum, crc.CRC16(binary.LittleEndian.Uint16(resp.Data[1:3])))

	server.Handle(request(0xA1))
	nbFrames := len(rec.frames)
	server.Process(DefaultServerTimeoutMs * 1000)
	assert.Len(t, rec.frames, nbFrames)
}

func TestBlockUploadSequenceAbort(t *testing.T) {
	server, _, rec := createServer(t)

	server.Handle(request(0xA4, 0x05, 0x20, 0x00, 10, 0x00))
	server.Handle(request(0xA3))

	// Client acknowledges more segments than were sent
	server.Handle(request(0xA2, 50, 10))
	assertAbort(t, rec.last(), AbortSeqNum)
}

func TestBlockUploadProtocolSwitch(t *testing.T) {
	server, _, rec := createServer(t)

	// Threshold above the data size falls back to a segmented upload
	server.Handle(request(0xA0, 0x01, 0x20, 0x00, 10, 0xFF))
	resp := rec.last()
	assert.EqualValues(t, 0x4B, resp.Data[0])
	assert.EqualValues(t, 0x1234, binary.LittleEndian.Uint16(resp.Data[4:6]))
}
