package node

import (
	"testing"

	"github.com/stretchr/testify/assert"

	canopen "github.com/cantools-dev/canopen-node"
	"github.com/cantools-dev/canopen-node/pkg/nmt"
	"github.com/cantools-dev/canopen-node/pkg/od"
)

const testNodeId = 0x20

type frameRecorder struct {
	frames []canopen.Frame
}

func (rec *frameRecorder) Send(frame canopen.Frame) error {
	rec.frames = append(rec.frames, frame)
	return nil
}

func (rec *frameRecorder) withId(id uint32) []canopen.Frame {
	var matching []canopen.Frame
	for _, frame := range rec.frames {
		if frame.ID == id {
			matching = append(matching, frame)
		}
	}
	return matching
}

// Object dictionary with one application entry mapped into TPDO1 &
// RPDO1, the way a device description file would configure it
func createNodeOD(t *testing.T, tpdoTransmission uint8) *od.ObjectDictionary {
	odict := od.Default(nil)
	_, err := odict.AddVariableType(0x2000, "status", od.UNSIGNED16, od.AttributeSdoRw|od.AttributeTrpdo, "0x0")
	assert.Nil(t, err)

	mapParam := uint32(0x2000)<<16 | 16
	assert.Nil(t, odict.Index(0x1800).PutUint32(1, 0x180, true))
	assert.Nil(t, odict.Index(0x1800).PutUint8(2, tpdoTransmission, true))
	assert.Nil(t, odict.Index(0x1A00).PutUint32(1, mapParam, true))
	assert.Nil(t, odict.Index(0x1A00).PutUint8(0, 1, true))

	assert.Nil(t, odict.Index(0x1400).PutUint32(1, 0x200, true))
	assert.Nil(t, odict.Index(0x1600).PutUint32(1, mapParam, true))
	assert.Nil(t, odict.Index(0x1600).PutUint8(0, 1, true))
	return odict
}

func createNode(t *testing.T, odict *od.ObjectDictionary, control uint16) (*LocalNode, *frameRecorder) {
	rec := &frameRecorder{}
	node, err := NewLocalNode(nil, odict, testNodeId, control, 1000, rec)
	assert.Nil(t, err)
	return node, rec
}

func nmtCommand(cmd nmt.Command) canopen.Frame {
	frame := canopen.NewFrame(uint32(nmt.ServiceId), 0, 2)
	frame.Data[0] = byte(cmd)
	frame.Data[1] = testNodeId
	return frame
}

func syncFrame() canopen.Frame {
	return canopen.NewFrame(0x80, 0, 0)
}

func TestNewLocalNode(t *testing.T) {
	rec := &frameRecorder{}
	_, err := NewLocalNode(nil, nil, testNodeId, 0, 1000, rec)
	assert.Equal(t, canopen.ErrIllegalArgument, err)
	_, err = NewLocalNode(nil, od.Default(nil), 0, 0, 1000, rec)
	assert.Equal(t, canopen.ErrIllegalArgument, err)
	_, err = NewLocalNode(nil, od.Default(nil), 128, 0, 1000, rec)
	assert.Equal(t, canopen.ErrIllegalArgument, err)

	node, err := NewLocalNode(nil, od.Default(nil), testNodeId, 0, 1000, rec)
	assert.Nil(t, err)
	assert.EqualValues(t, testNodeId, node.GetID())
	assert.NotNil(t, node.NMT)
	assert.NotNil(t, node.SDOServer)
	assert.NotNil(t, node.SYNC)
	assert.Len(t, node.RPDOs, 4)
	assert.Len(t, node.TPDOs, 4)
}

func TestAdditionalSDOChannel(t *testing.T) {
	odict := od.Default(nil)
	channel := od.NewRecord()
	channel.AddSubObject(0, "Highest sub-index supported", od.UNSIGNED8, od.AttributeSdoR, "0x2")
	channel.AddSubObject(1, "COB-ID client to server", od.UNSIGNED32, od.AttributeSdoRw, "0x80000000")
	channel.AddSubObject(2, "COB-ID server to client", od.UNSIGNED32, od.AttributeSdoRw, "0x80000000")
	entry := odict.AddVariableList(0x1201, "SDO server parameter 2", channel)

	node, rec := createNode(t, odict, 0)
	assert.Len(t, node.SDOServers, 2)
	assert.Same(t, node.SDOServer, node.SDOServers[0])
	node.Process(1000)

	// Enable the second channel, then query the heartbeat time over it
	assert.Nil(t, entry.PutUint32(1, 0x680, false))
	assert.Nil(t, entry.PutUint32(2, 0x600, false))
	frame := canopen.NewFrame(0x680, 0, 8)
	frame.Data[0] = 0x40
	frame.Data[1] = 0x17
	frame.Data[2] = 0x10
	node.HandleFrame(frame)

	responses := rec.withId(0x600)
	assert.Len(t, responses, 1)
	assert.EqualValues(t, 0x4B, responses[0].Data[0])
}

func TestBootupSequence(t *testing.T) {
	node, rec := createNode(t, od.Default(nil), 0)
	node.Process(1000)

	bootups := rec.withId(0x700 + testNodeId)
	assert.Len(t, bootups, 1)
	assert.EqualValues(t, nmt.StateInitializing, bootups[0].Data[0])
	assert.Equal(t, nmt.StatePreOperational, node.NMT.GetInternalState())
}

func TestSDOAccess(t *testing.T) {
	node, rec := createNode(t, od.Default(nil), 0)
	node.Process(1000)

	// Expedited upload of the producer heartbeat time
	frame := canopen.NewFrame(0x600+testNodeId, 0, 8)
	frame.Data[0] = 0x40
	frame.Data[1] = 0x17
	frame.Data[2] = 0x10
	node.HandleFrame(frame)

	responses := rec.withId(0x580 + testNodeId)
	assert.Len(t, responses, 1)
	assert.EqualValues(t, 0x4B, responses[0].Data[0])
}

func TestSyncTPDOTransmission(t *testing.T) {
	odict := createNodeOD(t, 1)
	node, rec := createNode(t, odict, nmt.StartupToOperational)
	node.Process(1000)
	assert.Equal(t, nmt.StateOperational, node.NMT.GetInternalState())

	// Every SYNC triggers a TPDO1 transmission
	node.HandleFrame(syncFrame())
	node.Process(1000)
	tpdoFrames := rec.withId(0x180 + testNodeId)
	assert.Len(t, tpdoFrames, 1)
	assert.EqualValues(t, 2, tpdoFrames[0].DLC)
	assert.Equal(t, []byte{0x00, 0x00}, tpdoFrames[0].Data[:2])

	// Value change is visible on the next SYNC
	assert.Nil(t, odict.Index(0x2000).PutUint16(0, 0x1234, false))
	node.HandleFrame(syncFrame())
	node.Process(1000)
	tpdoFrames = rec.withId(0x180 + testNodeId)
	assert.Len(t, tpdoFrames, 2)
	assert.Equal(t, []byte{0x34, 0x12}, tpdoFrames[1].Data[:2])

	// No SYNC, no transmission
	node.Process(1000)
	assert.Len(t, rec.withId(0x180+testNodeId), 2)
}

func TestRPDOOnlyWhenOperational(t *testing.T) {
	odict := createNodeOD(t, 0xFF)
	node, _ := createNode(t, odict, 0)
	node.Process(1000)

	rpdoData := canopen.NewFrame(0x200+testNodeId, 0, 2)
	rpdoData.Data[0], rpdoData.Data[1] = 0x34, 0x12

	// Pre-operational, the frame is discarded
	node.HandleFrame(rpdoData)
	node.Process(1000)
	val, _ := odict.Index(0x2000).Uint16(0)
	assert.EqualValues(t, 0, val)

	node.HandleFrame(nmtCommand(nmt.CommandEnterOperational))
	node.Process(1000)
	assert.Equal(t, nmt.StateOperational, node.NMT.GetInternalState())

	node.HandleFrame(rpdoData)
	node.Process(1000)
	val, _ = odict.Index(0x2000).Uint16(0)
	assert.EqualValues(t, 0x1234, val)
}

func TestResetCommunication(t *testing.T) {
	node, rec := createNode(t, od.Default(nil), 0)
	resets := 0
	node.Callbacks.OnResetComms = func() { resets++ }
	node.Process(1000)

	// Modify a communication profile entry
	entry := node.GetOD().Index(od.EntryProducerHeartbeatTime)
	assert.Nil(t, entry.PutUint16(0, 500, false))

	node.HandleFrame(nmtCommand(nmt.CommandResetCommunication))
	node.Process(1000)
	assert.Equal(t, 1, resets)

	// Defaults restored, node reboots with a new boot-up message
	val, _ := entry.Uint16(0)
	assert.EqualValues(t, 0, val)
	node.Process(1000)
	bootups := 0
	for _, frame := range rec.withId(0x700 + testNodeId) {
		if frame.Data[0] == nmt.StateInitializing {
			bootups++
		}
	}
	assert.Equal(t, 2, bootups)
	assert.Equal(t, nmt.StatePreOperational, node.NMT.GetInternalState())
}

func TestResetApplication(t *testing.T) {
	odict := createNodeOD(t, 0xFF)
	node, rec := createNode(t, odict, 0)
	resets := 0
	node.Callbacks.OnResetApp = func() { resets++ }
	node.Process(1000)

	// Application area is restored as well
	assert.Nil(t, odict.Index(0x2000).PutUint16(0, 0x1234, false))
	node.HandleFrame(nmtCommand(nmt.CommandResetNode))
	node.Process(1000)
	assert.Equal(t, 1, resets)
	val, _ := odict.Index(0x2000).Uint16(0)
	assert.EqualValues(t, 0, val)

	node.Process(1000)
	assert.Len(t, rec.withId(0x700+testNodeId), 2)
}

func TestStoppedState(t *testing.T) {
	odict := createNodeOD(t, 0xFF)
	node, rec := createNode(t, odict, nmt.StartupToOperational)
	stopped := 0
	node.Callbacks.OnEnterStopped = func() { stopped++ }
	node.Process(1000)

	// Event driven TPDO1 sends once on entering operational
	node.Process(1000)
	sent := len(rec.withId(0x180 + testNodeId))
	assert.Equal(t, 1, sent)

	node.HandleFrame(nmtCommand(nmt.CommandEnterStopped))
	node.Process(1000)
	assert.Equal(t, 1, stopped)
	assert.Equal(t, nmt.StateStopped, node.NMT.GetInternalState())

	// No PDO traffic & no SDO replies while stopped
	assert.Nil(t, odict.Index(0x2000).PutUint16(0, 0x1234, false))
	node.Process(1000)
	assert.Len(t, rec.withId(0x180+testNodeId), sent)

	upload := canopen.NewFrame(0x600+testNodeId, 0, 8)
	upload.Data[0] = 0x40
	upload.Data[1] = 0x17
	upload.Data[2] = 0x10
	node.HandleFrame(upload)
	assert.Empty(t, rec.withId(0x580+testNodeId))
}

func TestStateChangeCallbacks(t *testing.T) {
	node, _ := createNode(t, od.Default(nil), 0)
	var entered []string
	node.Callbacks.OnEnterPreOperational = func() { entered = append(entered, "preop") }
	node.Callbacks.OnEnterOperational = func() { entered = append(entered, "op") }

	node.Process(1000)
	node.HandleFrame(nmtCommand(nmt.CommandEnterOperational))
	node.Process(1000)
	assert.Equal(t, []string{"preop", "op"}, entered)
}
