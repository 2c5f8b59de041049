package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	canopen "github.com/cantools-dev/canopen-node"
	"github.com/cantools-dev/canopen-node/pkg/can"
	_ "github.com/cantools-dev/canopen-node/pkg/can/socketcan"
	_ "github.com/cantools-dev/canopen-node/pkg/can/virtual"
	"github.com/cantools-dev/canopen-node/pkg/device"
	"github.com/cantools-dev/canopen-node/pkg/mailbox"
	"github.com/cantools-dev/canopen-node/pkg/nmt"
	"github.com/cantools-dev/canopen-node/pkg/node"
	"github.com/cantools-dev/canopen-node/pkg/od"
	log "github.com/sirupsen/logrus"
)

var DefaultNodeId = 0x20
var DefaultCanInterface = "can0"

const processPeriod = 1 * time.Millisecond
const sdoTimeoutMs = 1000

// rxQueue funnels driver callbacks into the main processing loop
type rxQueue struct {
	frames chan canopen.Frame
}

func (q *rxQueue) Handle(frame canopen.Frame) {
	select {
	case q.frames <- frame:
	default:
		log.Warn("rx queue full, frame dropped")
	}
}

func main() {
	canInterface := flag.String("t", "socketcan", "can interface type : socketcan, virtual")
	channel := flag.String("i", DefaultCanInterface, "channel e.g. can0, vcan0")
	nodeId := flag.Int("n", DefaultNodeId, "node id")
	devicePath := flag.String("d", "", "device description file (yaml)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	// Build the object dictionary, either from a device description
	// or the default CiA 301 layout
	var odict *od.ObjectDictionary
	nmtControl := uint16(0)
	id := uint8(*nodeId)
	if *devicePath != "" {
		cfg, err := device.LoadFile(*devicePath)
		if err != nil {
			log.Fatalf("loading device description failed : %v", err)
		}
		odict, err = device.Build(cfg, nil)
		if err != nil {
			log.Fatalf("building object dictionary failed : %v", err)
		}
		if cfg.Device.AutoStart {
			nmtControl |= nmt.StartupToOperational
		}
		if *nodeId == DefaultNodeId && cfg.Device.NodeId != 0 {
			id = cfg.Device.NodeId
		}
	} else {
		odict = od.Default(nil)
	}

	bus, err := can.NewBus(*canInterface, *channel)
	if err != nil {
		log.Fatalf("creating bus failed : %v", err)
	}
	rx := &rxQueue{frames: make(chan canopen.Frame, 128)}
	if err := bus.Subscribe(rx); err != nil {
		log.Fatalf("subscribing to bus failed : %v", err)
	}
	if err := bus.Connect(); err != nil {
		log.Fatalf("connecting to bus failed : %v", err)
	}
	defer bus.Disconnect()

	mbox := mailbox.New(nil, mailbox.DefaultCapacity)
	localNode, err := node.NewLocalNode(nil, odict, id, nmtControl, sdoTimeoutMs, mbox)
	if err != nil {
		log.Fatalf("creating node failed : %v", err)
	}
	log.Infof("node %v started on %v (%v)", id, *channel, *canInterface)

	drain := func() {
		for {
			frame, ok := mbox.Pop()
			if !ok {
				return
			}
			if err := bus.Send(frame); err != nil {
				log.Warnf("bus send failed : %v", err)
			}
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(processPeriod)
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case frame := <-rx.frames:
			localNode.HandleFrame(frame)
			drain()

		case now := <-ticker.C:
			elapsed := now.Sub(last)
			last = now
			localNode.Process(uint32(elapsed.Microseconds()))
			drain()

		case <-sig:
			log.Info("shutting down")
			return
		}
	}
}
