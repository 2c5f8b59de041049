package pdo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	canopen "github.com/cantools-dev/canopen-node"
	"github.com/cantools-dev/canopen-node/pkg/od"
	"github.com/cantools-dev/canopen-node/pkg/sync"
)

const (
	testNodeId    = 0x20
	rpdo1Ident    = 0x200 + testNodeId
	tpdo1Ident    = 0x180 + testNodeId
	mapStatusU16  = uint32(0x2000)<<16 | 16
	mapControlU8  = uint32(0x2001)<<16 | 8
	mapInternal   = uint32(0x2002)<<16 | 16
	mapDummyU8    = uint32(0x0006)<<16 | 8
	mapUnaligned  = uint32(0x2000)<<16 | 12
	mapMissingObj = uint32(0x5000)<<16 | 16
)

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

func createPDOOD(t *testing.T) *od.ObjectDictionary {
	odict := od.Default(nil)
	_, err := odict.AddVariableType(0x2000, "status", od.UNSIGNED16, od.AttributeSdoRw|od.AttributeTrpdo, "0x0")
	assert.Nil(t, err)
	_, err = odict.AddVariableType(0x2001, "control", od.UNSIGNED8, od.AttributeSdoRw|od.AttributeTrpdo, "0x0")
	assert.Nil(t, err)
	_, err = odict.AddVariableType(0x2002, "internal", od.UNSIGNED16, od.AttributeSdoRw, "0x0")
	assert.Nil(t, err)
	return odict
}

// Writes communication & mapping parameters straight into the OD, the
// way a device description would configure them before startup
func configurePDO(t *testing.T, odict *od.ObjectDictionary, comm uint16, cobId uint32, transType uint8, maps []uint32) {
	commEntry := odict.Index(comm)
	assert.Nil(t, commEntry.PutUint32(1, cobId, true))
	assert.Nil(t, commEntry.PutUint8(2, transType, true))
	mapEntry := odict.Index(comm + 0x200)
	for i, mapParam := range maps {
		assert.Nil(t, mapEntry.PutUint32(uint8(i)+1, mapParam, true))
	}
	assert.Nil(t, mapEntry.PutUint8(0, uint8(len(maps)), true))
}

func createSync(t *testing.T, odict *od.ObjectDictionary) *sync.SYNC {
	syncObj, err := sync.NewSYNC(nil,
		odict.Index(od.EntryCobIdSYNC),
		odict.Index(od.EntryCommunicationPeriod),
		odict.Index(od.EntrySynchronousWindow),
		odict.Index(od.EntrySyncCounterOverflow),
		&frameRecorder{},
	)
	assert.Nil(t, err)
	return syncObj
}

func createRPDO(t *testing.T, odict *od.ObjectDictionary, syncObj *sync.SYNC, transType uint8, maps []uint32) *RPDO {
	configurePDO(t, odict, od.EntryRPDOCommunicationStart, 0x200, transType, maps)
	rpdo, err := NewRPDO(nil, odict, syncObj,
		odict.Index(od.EntryRPDOCommunicationStart),
		odict.Index(od.EntryRPDOMappingStart),
		rpdo1Ident,
	)
	assert.Nil(t, err)
	return rpdo
}

func createTPDO(t *testing.T, odict *od.ObjectDictionary, syncObj *sync.SYNC, transType uint8, maps []uint32, rec *frameRecorder) *TPDO {
	configurePDO(t, odict, od.EntryTPDOCommunicationStart, 0x180, transType, maps)
	tpdo, err := NewTPDO(nil, odict, syncObj,
		odict.Index(od.EntryTPDOCommunicationStart),
		odict.Index(od.EntryTPDOMappingStart),
		tpdo1Ident,
		rec,
	)
	assert.Nil(t, err)
	return tpdo
}

func rpdoFrame(data ...byte) canopen.Frame {
	frame := canopen.NewFrame(rpdo1Ident, 0, uint8(len(data)))
	copy(frame.Data[:], data)
	return frame
}

func TestRPDOReceive(t *testing.T) {
	odict := createPDOOD(t)
	rpdo := createRPDO(t, odict, nil, TransmissionTypeSyncEventHi, []uint32{mapStatusU16})
	assert.EqualValues(t, rpdo1Ident, rpdo.CobId())

	rpdo.Handle(rpdoFrame(0x34, 0x12))
	rpdo.Process(1000, true, false)
	val, err := odict.Index(0x2000).Uint16(0)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x1234, val)
}

func TestRPDONotOperational(t *testing.T) {
	odict := createPDOOD(t)
	rpdo := createRPDO(t, odict, nil, TransmissionTypeSyncEventHi, []uint32{mapStatusU16})

	rpdo.Handle(rpdoFrame(0x34, 0x12))
	// Buffers are flushed while not operational
	rpdo.Process(1000, false, false)
	rpdo.Process(1000, true, false)
	val, _ := odict.Index(0x2000).Uint16(0)
	assert.EqualValues(t, 0, val)
}

func TestRPDOLengthChecks(t *testing.T) {
	odict := createPDOOD(t)
	rpdo := createRPDO(t, odict, nil, TransmissionTypeSyncEventHi, []uint32{mapStatusU16})

	// Too short, nothing applied
	rpdo.Handle(rpdoFrame(0x55))
	rpdo.Process(1000, true, false)
	val, _ := odict.Index(0x2000).Uint16(0)
	assert.EqualValues(t, 0, val)

	// Longer than mapped, extra bytes ignored
	rpdo.Handle(rpdoFrame(0x34, 0x12, 0xFF, 0xFF))
	rpdo.Process(1000, true, false)
	val, _ = odict.Index(0x2000).Uint16(0)
	assert.EqualValues(t, 0x1234, val)
}

func TestRPDOEventTimeout(t *testing.T) {
	odict := createPDOOD(t)
	// 5 ms reception deadline
	assert.Nil(t, odict.Index(od.EntryRPDOCommunicationStart).PutUint16(5, 5, true))
	rpdo := createRPDO(t, odict, nil, TransmissionTypeSyncEventHi, []uint32{mapStatusU16})

	rpdo.Handle(rpdoFrame(0x34, 0x12))
	rpdo.Process(1000, true, false)

	// Nothing received for longer than the deadline
	rpdo.Process(10_000, true, false)

	// Reception resumes, data is applied again
	rpdo.Handle(rpdoFrame(0x78, 0x56))
	rpdo.Process(1000, true, false)
	val, err := odict.Index(0x2000).Uint16(0)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x5678, val)
}

func TestRPDODummyMapping(t *testing.T) {
	odict := createPDOOD(t)
	rpdo := createRPDO(t, odict, nil, TransmissionTypeSyncEventHi,
		[]uint32{mapStatusU16, mapDummyU8, mapControlU8})

	rpdo.Handle(rpdoFrame(0x34, 0x12, 0xAA, 0x55))
	rpdo.Process(1000, true, false)
	val16, _ := odict.Index(0x2000).Uint16(0)
	assert.EqualValues(t, 0x1234, val16)
	// Dummy byte skipped, last byte lands in the second real entry
	val8, _ := odict.Index(0x2001).Uint8(0)
	assert.EqualValues(t, 0x55, val8)
}

func TestRPDOSynchronous(t *testing.T) {
	odict := createPDOOD(t)
	syncObj := createSync(t, odict)
	rpdo := createRPDO(t, odict, syncObj, TransmissionTypeSync1, []uint32{mapStatusU16})

	// Frame received after a SYNC is applied on the next SYNC window
	syncObj.Handle(canopen.NewFrame(0x80, 0, 0))
	rpdo.Handle(rpdoFrame(0x34, 0x12))
	rpdo.Process(1000, true, true)
	val, _ := odict.Index(0x2000).Uint16(0)
	assert.EqualValues(t, 0, val)

	// Without a SYNC nothing happens either
	rpdo.Process(1000, true, false)
	val, _ = odict.Index(0x2000).Uint16(0)
	assert.EqualValues(t, 0, val)

	syncObj.Handle(canopen.NewFrame(0x80, 0, 0))
	rpdo.Process(1000, true, true)
	val, _ = odict.Index(0x2000).Uint16(0)
	assert.EqualValues(t, 0x1234, val)
}

func TestRPDOInvalidMapping(t *testing.T) {
	odict := createPDOOD(t)

	// Entry without RPDO mapping attribute
	rpdo := createRPDO(t, odict, nil, TransmissionTypeSyncEventHi, []uint32{mapInternal})
	assert.EqualValues(t, 0, rpdo.CobId())

	// Non byte-aligned length
	configurePDO(t, odict, od.EntryRPDOCommunicationStart, 0x200, TransmissionTypeSyncEventHi, []uint32{mapUnaligned})
	rpdo, err := NewRPDO(nil, odict, nil,
		odict.Index(od.EntryRPDOCommunicationStart),
		odict.Index(od.EntryRPDOMappingStart), rpdo1Ident)
	assert.Nil(t, err)
	assert.EqualValues(t, 0, rpdo.CobId())

	// Object does not exist
	configurePDO(t, odict, od.EntryRPDOCommunicationStart, 0x200, TransmissionTypeSyncEventHi, []uint32{mapMissingObj})
	rpdo, err = NewRPDO(nil, odict, nil,
		odict.Index(od.EntryRPDOCommunicationStart),
		odict.Index(od.EntryRPDOMappingStart), rpdo1Ident)
	assert.Nil(t, err)
	assert.EqualValues(t, 0, rpdo.CobId())
}

func TestRPDOReconfiguration(t *testing.T) {
	odict := createPDOOD(t)
	rpdo := createRPDO(t, odict, nil, TransmissionTypeSyncEventHi, []uint32{mapStatusU16})
	commEntry := odict.Index(od.EntryRPDOCommunicationStart)
	mapEntry := odict.Index(od.EntryRPDOMappingStart)

	// Remapping is locked while the PDO is enabled
	err := mapEntry.PutUint32(1, mapControlU8, false)
	assert.Equal(t, od.ErrUnsuppAccess, err)

	// Disable, clear the mapping, remap & re-enable
	assert.Nil(t, commEntry.PutUint32(1, CobIdValidBit|rpdo1Ident, false))
	assert.EqualValues(t, 0, rpdo.CobId())
	assert.Nil(t, mapEntry.PutUint8(0, 0, false))
	assert.Nil(t, mapEntry.PutUint32(1, mapControlU8, false))
	assert.Nil(t, mapEntry.PutUint8(0, 1, false))
	assert.Nil(t, commEntry.PutUint32(1, rpdo1Ident, false))
	assert.EqualValues(t, rpdo1Ident, rpdo.CobId())

	rpdo.Handle(rpdoFrame(0x55))
	rpdo.Process(1000, true, false)
	val, _ := odict.Index(0x2001).Uint8(0)
	assert.EqualValues(t, 0x55, val)
}

func TestRPDOCobIdValidation(t *testing.T) {
	odict := createPDOOD(t)
	createRPDO(t, odict, nil, TransmissionTypeSyncEventHi, []uint32{mapStatusU16})
	commEntry := odict.Index(od.EntryRPDOCommunicationStart)

	// Changing the id of an enabled PDO is not allowed
	err := commEntry.PutUint32(1, 0x300, false)
	assert.Equal(t, od.ErrInvalidValue, err)
	// Restricted ids are never allowed
	assert.Nil(t, commEntry.PutUint32(1, CobIdValidBit|rpdo1Ident, false))
	err = commEntry.PutUint32(1, 0x601, false)
	assert.Equal(t, od.ErrInvalidValue, err)
}

func TestReadCobIdWithNodeId(t *testing.T) {
	odict := createPDOOD(t)
	tpdo := createTPDO(t, odict, nil, TransmissionTypeSyncEventHi, []uint32{mapStatusU16}, &frameRecorder{})
	assert.EqualValues(t, tpdo1Ident, tpdo.CobId())

	// The OD stores the base id, reads report the actual id
	streamer, err := odict.Streamer(od.EntryTPDOCommunicationStart, 1, false)
	assert.Nil(t, err)
	buf := make([]byte, 4)
	_, err = streamer.Read(buf)
	assert.Nil(t, err)
	assert.EqualValues(t, tpdo1Ident, uint32(buf[0])|uint32(buf[1])<<8|uint32(buf[2])<<16|uint32(buf[3])<<24)
}

func TestTPDOEventDriven(t *testing.T) {
	odict := createPDOOD(t)
	rec := &frameRecorder{}
	tpdo := createTPDO(t, odict, nil, TransmissionTypeSyncEventHi, []uint32{mapStatusU16}, rec)

	// Initial transmission on entering operational
	assert.Nil(t, tpdo.Process(1000, true, false))
	assert.Len(t, rec.frames, 1)
	frame := rec.last()
	assert.EqualValues(t, tpdo1Ident, frame.ID)
	assert.EqualValues(t, 2, frame.DLC)
	assert.Equal(t, []byte{0, 0}, frame.Data[:2])

	// No change, no transmission
	assert.Nil(t, tpdo.Process(1000, true, false))
	assert.Len(t, rec.frames, 1)

	// A write to the mapped entry triggers a transmission
	assert.Nil(t, odict.Index(0x2000).PutUint16(0, 0x1234, false))
	assert.Nil(t, tpdo.Process(1000, true, false))
	assert.Len(t, rec.frames, 2)
	frame = rec.last()
	assert.Equal(t, []byte{0x34, 0x12}, frame.Data[:2])

	// Writes to unmapped entries are ignored
	assert.Nil(t, odict.Index(0x2001).PutUint8(0, 0x55, false))
	assert.Nil(t, tpdo.Process(1000, true, false))
	assert.Len(t, rec.frames, 2)
}

func TestTPDOEventTimer(t *testing.T) {
	odict := createPDOOD(t)
	// 5ms event timer
	assert.Nil(t, odict.Index(od.EntryTPDOCommunicationStart).PutUint16(5, 5, true))
	rec := &frameRecorder{}
	tpdo := createTPDO(t, odict, nil, TransmissionTypeSyncEventHi, []uint32{mapStatusU16}, rec)

	tpdo.Process(1000, true, false)
	assert.Len(t, rec.frames, 1)
	tpdo.Process(4000, true, false)
	assert.Len(t, rec.frames, 1)
	tpdo.Process(1000, true, false)
	assert.Len(t, rec.frames, 2)
}

func TestTPDOInhibitTime(t *testing.T) {
	odict := createPDOOD(t)
	// 1ms inhibit time (100us units)
	assert.Nil(t, odict.Index(od.EntryTPDOCommunicationStart).PutUint16(3, 10, true))
	rec := &frameRecorder{}
	tpdo := createTPDO(t, odict, nil, TransmissionTypeSyncEventHi, []uint32{mapStatusU16}, rec)

	tpdo.Process(0, true, false)
	assert.Len(t, rec.frames, 1)

	// Two rapid changes coalesce into one frame after the inhibit time
	assert.Nil(t, odict.Index(0x2000).PutUint16(0, 0x1111, false))
	tpdo.Process(400, true, false)
	assert.Nil(t, odict.Index(0x2000).PutUint16(0, 0x2222, false))
	tpdo.Process(400, true, false)
	assert.Len(t, rec.frames, 1)
	tpdo.Process(400, true, false)
	assert.Len(t, rec.frames, 2)
	frame := rec.last()
	assert.Equal(t, []byte{0x22, 0x22}, frame.Data[:2])
}

func TestTPDOSyncCyclic(t *testing.T) {
	odict := createPDOOD(t)
	syncObj := createSync(t, odict)
	rec := &frameRecorder{}
	// Transmit every second SYNC
	tpdo := createTPDO(t, odict, syncObj, 2, []uint32{mapStatusU16}, rec)

	for i := 0; i < 4; i++ {
		assert.Nil(t, tpdo.Process(1000, true, true))
	}
	assert.Len(t, rec.frames, 2)

	// No SYNC, no transmission
	assert.Nil(t, tpdo.Process(1000, true, false))
	assert.Len(t, rec.frames, 2)
}

func TestTPDOSyncAcyclic(t *testing.T) {
	odict := createPDOOD(t)
	syncObj := createSync(t, odict)
	rec := &frameRecorder{}
	tpdo := createTPDO(t, odict, syncObj, TransmissionTypeSyncAcyclic, []uint32{mapStatusU16}, rec)

	// Pending request is only transmitted on a SYNC
	tpdo.Request()
	assert.Nil(t, tpdo.Process(1000, true, false))
	assert.Empty(t, rec.frames)
	assert.Nil(t, tpdo.Process(1000, true, true))
	assert.Len(t, rec.frames, 1)
}

func TestTPDOMappingTooLong(t *testing.T) {
	odict := createPDOOD(t)
	// 5 x 2 bytes exceeds the 8 byte frame limit
	maps := []uint32{mapStatusU16, mapStatusU16, mapStatusU16, mapStatusU16, mapStatusU16}
	tpdo := createTPDO(t, odict, nil, TransmissionTypeSyncEventHi, maps, &frameRecorder{})
	assert.EqualValues(t, 0, tpdo.CobId())
}
