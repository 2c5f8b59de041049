package nmt

import (
	"testing"

	"github.com/stretchr/testify/assert"

	canopen "github.com/cantools-dev/canopen-node"
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

func (rec *frameRecorder) last() canopen.Frame {
	return rec.frames[len(rec.frames)-1]
}

func createNMT(t *testing.T, control uint16) (*NMT, *frameRecorder, *od.ObjectDictionary) {
	odict := od.Default(nil)
	rec := &frameRecorder{}
	nmt, err := NewNMT(nil, testNodeId, control,
		canopen.ServiceIdHeartbeat+testNodeId, odict.Index(od.EntryProducerHeartbeatTime), rec)
	assert.Nil(t, err)
	return nmt, rec, odict
}

func command(cmd Command, target uint8) canopen.Frame {
	frame := canopen.NewFrame(uint32(ServiceId), 0, 2)
	frame.Data[0] = byte(cmd)
	frame.Data[1] = target
	return frame
}

func TestBootup(t *testing.T) {
	nmt, rec, _ := createNMT(t, 0)
	assert.Equal(t, StateInitializing, nmt.GetInternalState())

	var state uint8
	reset := nmt.Process(&state, 1000)
	assert.Equal(t, ResetNot, reset)
	assert.Len(t, rec.frames, 1)
	bootup := rec.last()
	assert.EqualValues(t, 0x700+testNodeId, bootup.ID)
	assert.EqualValues(t, 1, bootup.DLC)
	assert.Equal(t, StateInitializing, bootup.Data[0])
	assert.Equal(t, StatePreOperational, state)
}

func TestBootupAutoStart(t *testing.T) {
	nmt, rec, _ := createNMT(t, StartupToOperational)
	var state uint8
	nmt.Process(&state, 1000)
	assert.Len(t, rec.frames, 1)
	assert.Equal(t, StateOperational, state)
}

func TestHeartbeatProduction(t *testing.T) {
	nmt, rec, odict := createNMT(t, 0)
	var state uint8
	nmt.Process(&state, 0)

	// Enable a 10ms producer heartbeat through the OD entry
	err := odict.Index(od.EntryProducerHeartbeatTime).PutUint16(0, 10, false)
	assert.Nil(t, err)
	nmt.Process(&state, 0)
	hb := rec.last()
	assert.EqualValues(t, 0x700+testNodeId, hb.ID)
	assert.Equal(t, StatePreOperational, hb.Data[0])

	nbFrames := len(rec.frames)
	nmt.Process(&state, 5_000)
	assert.Len(t, rec.frames, nbFrames)
	nmt.Process(&state, 5_000)
	assert.Len(t, rec.frames, nbFrames+1)
	assert.Equal(t, StatePreOperational, rec.last().Data[0])
}

func TestCommands(t *testing.T) {
	nmt, _, _ := createNMT(t, 0)
	var state uint8
	nmt.Process(&state, 0)

	nmt.Handle(command(CommandEnterOperational, testNodeId))
	nmt.Process(&state, 0)
	assert.Equal(t, StateOperational, state)

	// Command addressed to another node is ignored
	nmt.Handle(command(CommandEnterStopped, testNodeId+1))
	nmt.Process(&state, 0)
	assert.Equal(t, StateOperational, state)

	// Broadcast applies to everyone
	nmt.Handle(command(CommandEnterStopped, 0))
	nmt.Process(&state, 0)
	assert.Equal(t, StateStopped, state)

	// Malformed DLC is ignored
	frame := command(CommandEnterPreOperational, testNodeId)
	frame.DLC = 1
	nmt.Handle(frame)
	nmt.Process(&state, 0)
	assert.Equal(t, StateStopped, state)
}

func TestResetCommands(t *testing.T) {
	nmt, _, _ := createNMT(t, 0)
	var state uint8
	nmt.Process(&state, 0)

	nmt.SendInternalCommand(uint8(CommandResetCommunication))
	assert.Equal(t, ResetComm, nmt.Process(&state, 0))

	nmt.Handle(command(CommandResetNode, testNodeId))
	assert.Equal(t, ResetApp, nmt.Process(&state, 0))
}

func TestOnStateChange(t *testing.T) {
	nmt, _, _ := createNMT(t, 0)
	var states []uint8
	nmt.OnStateChange(func(nmtState uint8) {
		states = append(states, nmtState)
	})
	var state uint8
	nmt.Process(&state, 0)
	nmt.Handle(command(CommandEnterOperational, testNodeId))
	nmt.Process(&state, 0)
	// No change, no callback
	nmt.Process(&state, 0)
	assert.Equal(t, []uint8{StatePreOperational, StateOperational}, states)
}
