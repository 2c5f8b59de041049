package sdo

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"

	canopen "github.com/cantools-dev/canopen-node"
	"github.com/cantools-dev/canopen-node/internal/crc"
	"github.com/cantools-dev/canopen-node/pkg/nmt"
	"github.com/cantools-dev/canopen-node/pkg/od"
)

// SDOServer handles SDO requests addressed to the local node.
// Incoming frames are processed synchronously inside [SDOServer.Handle],
// responses are pushed to the frame sender (typically the node mailbox).
// [SDOServer.Process] must be called periodically with the elapsed time
// for transfer timeout supervision.
type SDOServer struct {
	logger              *slog.Logger
	mu                  sync.Mutex
	od                  *od.ObjectDictionary
	sender              canopen.FrameSender
	nodeId              uint8
	streamer            *od.Streamer
	txBuffer            canopen.Frame
	cobIdClientToServer uint32
	cobIdServerToClient uint32
	valid               bool
	buf                 *bytes.Buffer
	intermediateBuf     []byte
	index               uint16
	subindex            uint8
	sizeIndicated       uint32
	sizeTransferred     uint32
	toggle              uint8
	finished            bool
	state               internalState
	timeoutTimeUs       uint32
	timeoutTimer        uint32
	// Block transfers
	blockSequenceNb uint8
	blockSize       uint8
	blockNoData     uint8
	blockCRCEnabled bool
	blockCRC        crc.CRC16
	// Bytes of the current upload block, kept until the client
	// acknowledges them so they can be retransmitted
	blockBackup    []byte
	errorExtraInfo error

	nmt uint8
}

func NewSDOServer(
	logger *slog.Logger,
	odict *od.ObjectDictionary,
	nodeId uint8,
	timeoutMs uint32,
	entry12xx *od.Entry,
	sender canopen.FrameSender,
) (*SDOServer, error) {
	if odict == nil || entry12xx == nil || sender == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	server := &SDOServer{
		logger:          logger.With("service", "[SERVER]"),
		od:              odict,
		sender:          sender,
		streamer:        &od.Streamer{},
		nodeId:          nodeId,
		timeoutTimeUs:   timeoutMs * 1000,
		buf:             bytes.NewBuffer(make([]byte, 0, 1000)),
		intermediateBuf: make([]byte, 1000),
		blockBackup:     make([]byte, 0, BlockMaxSize*BlockSeqSize),
	}
	var canIdClientToServer uint16
	var canIdServerToClient uint16
	if entry12xx.Index == 0x1200 {
		// Default channels
		if nodeId < 1 || nodeId > BlockMaxSize {
			server.logger.Error("node id is not valid", "nodeId", nodeId)
			return nil, canopen.ErrIllegalArgument
		}
		canIdClientToServer = ClientServiceId + uint16(nodeId)
		canIdServerToClient = ServerServiceId + uint16(nodeId)
		server.valid = true
		entry12xx.PutUint32(1, uint32(canIdClientToServer), true)
		entry12xx.PutUint32(2, uint32(canIdServerToClient), true)
	} else if entry12xx.Index > 0x1200 && entry12xx.Index <= 0x1200+0x7F {
		// Additional server channels, configured via the entry itself
		maxSubIndex, err0 := entry12xx.Uint8(0)
		cobIdClientToServer32, err1 := entry12xx.Uint32(1)
		cobIdServerToClient32, err2 := entry12xx.Uint32(2)
		if err0 != nil || (maxSubIndex != 2 && maxSubIndex != 3) ||
			err1 != nil || err2 != nil {
			server.logger.Error("error getting server params",
				"err0", err0,
				"err1", err1,
				"err2", err2,
				"maxSubindex", maxSubIndex)
			return nil, canopen.ErrOdParameters
		}
		if (cobIdClientToServer32 & 0x80000000) == 0 {
			canIdClientToServer = uint16(cobIdClientToServer32 & 0x7FF)
		} else {
			canIdClientToServer = 0
		}
		if (cobIdServerToClient32 & 0x80000000) == 0 {
			canIdServerToClient = uint16(cobIdServerToClient32 & 0x7FF)
		} else {
			canIdServerToClient = 0
		}
		entry12xx.AddExtension(server, od.ReadEntryDefault, writeEntry1201)
	} else {
		return nil, canopen.ErrIllegalArgument
	}
	server.initRxTx(uint32(canIdClientToServer), uint32(canIdServerToClient))
	return server, nil
}

func (server *SDOServer) initRxTx(cobIdClientToServer uint32, cobIdServerToClient uint32) {
	server.cobIdClientToServer = cobIdClientToServer
	server.cobIdServerToClient = cobIdServerToClient

	// Check the valid bit
	var canIdC2S, canIdS2C uint16
	if cobIdClientToServer&0x80000000 == 0 {
		canIdC2S = uint16(cobIdClientToServer & 0x7FF)
	}
	if cobIdServerToClient&0x80000000 == 0 {
		canIdS2C = uint16(cobIdServerToClient & 0x7FF)
	}
	server.valid = canIdC2S != 0 && canIdS2C != 0
	if server.valid {
		server.txBuffer = canopen.NewFrame(uint32(canIdS2C), 0, 8)
	}
}

// CobIdClientToServer returns the CAN id this server listens on,
// or 0 if the server channel is disabled.
func (server *SDOServer) CobIdClientToServer() uint32 {
	server.mu.Lock()
	defer server.mu.Unlock()
	if !server.valid {
		return 0
	}
	return server.cobIdClientToServer & 0x7FF
}

// Handle processes one [SDOServer] related RX CAN frame.
// Any response frames are pushed to the sender before returning.
func (server *SDOServer) Handle(frame canopen.Frame) {
	server.mu.Lock()
	defer server.mu.Unlock()

	if frame.DLC != 8 || !server.valid {
		return
	}
	if server.nmt != nmt.StateOperational && server.nmt != nmt.StatePreOperational {
		return
	}
	rx := SDOMessage{raw: frame.Data}
	server.timeoutTimer = 0

	err := server.processIncoming(rx)
	if err != nil && err != od.ErrPartial {
		// Abort straight away, nothing to send afterwards
		server.txAbort(err)
		return
	}
	// A response might be expected
	err = server.processOutgoing()
	if err != nil {
		server.txAbort(err)
	}
}

// Process supervises the ongoing transfer, elapsedUs is the time since
// the previous call. An expired transfer is aborted with AbortTimeout.
func (server *SDOServer) Process(elapsedUs uint32) {
	server.mu.Lock()
	defer server.mu.Unlock()

	if server.state == stateIdle {
		server.timeoutTimer = 0
		return
	}
	server.timeoutTimer += elapsedUs
	if server.timeoutTimer >= server.timeoutTimeUs {
		server.txAbort(AbortTimeout)
	}
}

// Dispatch one incoming message depending on the current transfer state
func (server *SDOServer) processIncoming(rx SDOMessage) error {
	if rx.IsAbort() {
		server.logger.Debug("[RX] client abort",
			"index", fmt.Sprintf("x%x", server.index),
			"subindex", fmt.Sprintf("x%x", server.subindex),
			"code", rx.GetAbortCode().Description(),
		)
		server.state = stateIdle
		return nil
	}

	if server.state == stateIdle {
		cmd := rx.raw[0]
		switch {
		case (cmd & 0xE0) == 0x20:
			// Initiate download request
			if err := server.updateStreamer(rx, false); err != nil {
				return err
			}
			return server.rxDownloadInitiate(rx)
		case (cmd & 0xE0) == 0x40:
			// Initiate upload request
			if err := server.updateStreamer(rx, true); err != nil {
				return err
			}
			return server.rxUploadInitiate(rx)
		case (cmd & 0xF9) == 0xC0:
			// Block download initiate request
			if err := server.updateStreamer(rx, false); err != nil {
				return err
			}
			return server.rxDownloadBlockInitiate(rx)
		case (cmd & 0xFB) == 0xA0:
			// Block upload initiate request
			if err := server.updateStreamer(rx, true); err != nil {
				return err
			}
			return server.rxUploadBlockInitiate(rx)
		default:
			return AbortCmd
		}
	}

	switch server.state {
	case stateDownloadSegmentReq:
		return server.rxDownloadSegment(rx)
	case stateUploadSegmentReq:
		return server.rxUploadSegment(rx)
	case stateDownloadBlkSubblockReq:
		return server.rxDownloadBlockSubBlock(rx)
	case stateDownloadBlkEndReq:
		return server.rxDownloadBlockEnd(rx)
	case stateUploadBlkInitiateReq2:
		// Client starts the block upload
		if rx.raw[0] == 0xA3 {
			server.blockSequenceNb = 0
			server.state = stateUploadBlkSubblockSreq
			return nil
		}
		return AbortCmd
	case stateUploadBlkSubblockCrsp:
		return server.rxUploadSubBlock(rx)
	case stateUploadBlkEndCrsp:
		if rx.raw[0] == 0xA1 {
			server.logger.Debug("[RX] block upload end confirm",
				"index", fmt.Sprintf("x%x", server.index),
				"subindex", fmt.Sprintf("x%x", server.subindex),
			)
			server.state = stateIdle
			return nil
		}
		return AbortCmd
	default:
		// A request arrived in the middle of another transfer
		return AbortDataDeviceState
	}
}

// Send any pending response for the current state
func (server *SDOServer) processOutgoing() error {
	var err error
	server.txBuffer.Data = [8]byte{}

	switch server.state {
	case stateDownloadInitiateRsp:
		server.txDownloadInitiate()

	case stateDownloadSegmentRsp:
		server.txDownloadSegment()

	case stateUploadInitiateRsp:
		server.txUploadInitiate()

	case stateUploadExpeditedRsp:
		server.txUploadExpedited()

	case stateUploadSegmentRsp:
		err = server.txUploadSegment()

	case stateDownloadBlkInitiateRsp:
		server.txDownloadBlockInitiate()

	case stateDownloadBlkSubblockRsp:
		err = server.txDownloadBlockSubBlock()

	case stateDownloadBlkEndRsp:
		server.txDownloadBlockEnd()

	case stateUploadBlkInitiateRsp:
		server.txUploadBlockInitiate()

	case stateUploadBlkSubblockSreq:
		// Send all segments of the current block in a row
		for server.state == stateUploadBlkSubblockSreq && err == nil {
			server.txBuffer.Data = [8]byte{}
			err = server.txUploadBlockSubBlock()
		}

	case stateUploadBlkEndSreq:
		server.txUploadBlockEnd()
	}
	return err
}

// Update streamer object with the requested entry
func (server *SDOServer) updateStreamer(rx SDOMessage, upload bool) error {
	var err error
	server.index = rx.GetIndex()
	server.subindex = rx.GetSubindex()
	server.streamer, err = server.od.Streamer(server.index, server.subindex, false)
	if err != nil {
		odr, ok := err.(od.ODR)
		if !ok {
			server.logger.Warn("unexpected error in server creating streamer", "error", err)
			odr = od.ErrGeneral
		}
		return ConvertOdToSdoAbort(odr)
	}
	if !server.streamer.HasAttribute(od.AttributeSdoRw) {
		return AbortUnsupportedAccess
	}
	if upload && !server.streamer.HasAttribute(od.AttributeSdoR) {
		return AbortWriteOnly
	}
	if !upload && !server.streamer.HasAttribute(od.AttributeSdoW) {
		return AbortReadOnly
	}

	// In case of reading, we need to prepare data now
	if upload {
		return server.prepareRx()
	}
	server.buf.Reset()
	server.sizeTransferred = 0
	server.sizeIndicated = 0
	return nil
}

// Prepare read transfer
func (server *SDOServer) prepareRx() error {
	server.buf.Reset()
	server.sizeTransferred = 0
	server.finished = false

	// Load data from OD now
	err := server.readObjectDictionary(BlockSeqSize, 0, false)
	if err != nil && err != od.ErrPartial {
		return err
	}

	// For small transfers (e.g. expedited), we might finish straight away
	if server.finished {
		server.sizeIndicated = server.streamer.DataLength
		if server.sizeIndicated == 0 {
			server.sizeIndicated = uint32(server.buf.Len())
		} else if server.sizeIndicated != uint32(server.buf.Len()) {
			// Because we have finished, we should have exactly sizeIndicated bytes in buffer
			server.errorExtraInfo = fmt.Errorf("size indicated %v != to buffer length %v", server.sizeIndicated, server.buf.Len())
			return AbortDeviceIncompat
		}
		return nil
	}

	if !server.streamer.HasAttribute(od.AttributeStr) {
		server.sizeIndicated = server.streamer.DataLength
		return nil
	}
	server.sizeIndicated = 0
	return nil
}

// Read from OD into buffer & calculate CRC if needed
// Depending on the transfer type, this might have to be called multiple times
func (server *SDOServer) readObjectDictionary(countMinimum uint32, size int, calculateCRC bool) error {

	unread := server.buf.Len()
	if server.finished || unread >= int(countMinimum) {
		return nil
	}

	// Read from OD into the buffer
	countRd, err := server.streamer.Read(server.intermediateBuf)
	if err != nil && err != od.ErrPartial {
		server.state = stateAbort
		odr, ok := err.(od.ODR)
		if !ok {
			server.logger.Warn("unexpected error in server when reading", "error", err)
			odr = od.ErrGeneral
		}
		return ConvertOdToSdoAbort(odr)
	}

	// Stop sending at null termination if string
	if countRd > 0 && server.streamer.HasAttribute(od.AttributeStr) {
		countStr := int(server.streamer.DataLength)
		for i, v := range server.intermediateBuf {
			if v == 0 {
				countStr = i
				break
			}
		}
		if countStr == 0 {
			countStr = 1
		}
		if countStr < countRd {
			// String terminator found
			countRd = countStr
			err = nil
			server.streamer.DataLength = server.sizeTransferred + uint32(countRd)
		}
	}
	if size > 0 {
		countRd = size
	}
	server.buf.Write(server.intermediateBuf[:countRd])

	if err == od.ErrPartial {
		server.finished = false
		if uint32(countRd) < countMinimum {
			server.state = stateAbort
			server.errorExtraInfo = fmt.Errorf("buffer unread %v is less than the minimum count %v", server.buf.Len(), countMinimum)
			return AbortDeviceIncompat
		}
	} else {
		server.finished = true
	}
	if calculateCRC && server.blockCRCEnabled {
		server.blockCRC.Block(server.intermediateBuf[:countRd])
	}
	return nil
}

// Transfer the buffered downloaded data into the OD.
// crcOperation : 0 none, 1 calculate, 2 calculate & compare with crcClient
func (server *SDOServer) writeObjectDictionary(crcOperation uint, crcClient crc.CRC16) error {

	added := 0

	// Check transfer size is not bigger than indicated
	if server.sizeIndicated > 0 && server.sizeTransferred > server.sizeIndicated {
		server.state = stateAbort
		return AbortDataLong
	}

	if server.finished {
		// Check transfer size is not smaller than indicated
		if server.sizeIndicated > 0 && server.sizeTransferred < server.sizeIndicated {
			server.state = stateAbort
			return AbortDataShort
		}
		// Stream data should be limited to the sent value
		varSizeInOd := server.streamer.DataLength
		if server.streamer.HasAttribute(od.AttributeStr) &&
			(varSizeInOd == 0 || server.sizeTransferred < varSizeInOd) &&
			server.buf.Available() >= 2 {
			server.buf.Write([]byte{0})
			server.sizeTransferred++
			added++
			if varSizeInOd == 0 || server.sizeTransferred < varSizeInOd {
				server.buf.Write([]byte{0})
				server.sizeTransferred++
				added++
			}
			server.streamer.DataLength = server.sizeTransferred
		} else if varSizeInOd == 0 {
			server.streamer.DataLength = server.sizeTransferred
		} else if server.sizeTransferred != varSizeInOd {
			if server.sizeTransferred > varSizeInOd {
				server.state = stateAbort
				return AbortDataLong
			}
			server.state = stateAbort
			return AbortDataShort
		}
	}

	// Calculate CRC
	if server.blockCRCEnabled && crcOperation > 0 {
		server.blockCRC.Block(server.buf.Bytes()[:server.buf.Len()-added])
		if crcOperation == 2 && crcClient != server.blockCRC {
			server.state = stateAbort
			server.errorExtraInfo = fmt.Errorf("server was expecting %v but got %v", server.blockCRC, crcClient)
			return AbortCRC
		}
	}

	// Transfer from buffer to OD
	_, err := io.Copy(server.streamer, server.buf)
	if err != nil && err != od.ErrPartial {
		server.state = stateAbort
		odr, ok := err.(od.ODR)
		if !ok {
			server.logger.Warn("unexpected error in server on io.Copy", "error", err)
			odr = od.ErrGeneral
		}
		return ConvertOdToSdoAbort(odr)
	}

	if server.finished && err == od.ErrPartial {
		server.state = stateAbort
		return AbortDataShort
	}

	if !server.finished && err == nil {
		server.state = stateAbort
		return AbortDataLong
	}
	return nil
}

// Check consistency between indicated size & transferred size
func (server *SDOServer) checkSizeConsistency() error {
	if server.sizeIndicated == 0 {
		return nil
	}
	if server.sizeTransferred > server.sizeIndicated {
		server.state = stateAbort
		return AbortDataLong
	}
	if server.state == stateIdle && server.sizeTransferred < server.sizeIndicated {
		server.state = stateAbort
		return AbortDataShort
	}
	return nil
}

func (server *SDOServer) send(frame canopen.Frame) error {
	return server.sender.Send(frame)
}

// Create & send abort on the sender
func (server *SDOServer) txAbort(err error) {
	abort, ok := err.(Abort)
	if !ok {
		server.logger.Error("unknown abort code", "error", err)
		abort = AbortGeneral
	}
	server.txBuffer.Data[0] = 0x80
	server.txBuffer.Data[1] = uint8(server.index)
	server.txBuffer.Data[2] = uint8(server.index >> 8)
	server.txBuffer.Data[3] = server.subindex
	binary.LittleEndian.PutUint32(server.txBuffer.Data[4:], uint32(abort))
	_ = server.send(server.txBuffer)
	server.logger.Warn("[TX] server abort",
		"index", fmt.Sprintf("x%x", server.index),
		"subindex", fmt.Sprintf("x%x", server.subindex),
		"code", uint32(abort),
		"description", abort.Description(),
		"extraInfo", server.errorExtraInfo,
	)
	server.errorExtraInfo = nil
	server.state = stateIdle
}

// Set internal nmt state, the server only replies when
// pre-operational or operational
func (server *SDOServer) SetNMTState(state uint8) {
	server.mu.Lock()
	defer server.mu.Unlock()
	server.nmt = state
	if state != nmt.StateOperational && state != nmt.StatePreOperational {
		server.state = stateIdle
	}
}
