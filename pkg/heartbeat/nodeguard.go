package heartbeat

import (
	"log/slog"
	"sync"
	"time"

	canopen "github.com/nodehive/canopen"
	"github.com/nodehive/canopen/pkg/emergency"
)

// Toggle bit of a node-guarding response (CiA 301 legacy node-guarding,
// bit 7 of the single data byte; bits 0-6 carry the NMT state).
const guardToggleBit = 0x80

// NodeGuard implements the legacy alternative to the heartbeat protocol:
// the master periodically requests a one-byte toggle-bit-plus-state
// response from each guarded slave on the slave's own heartbeat COB-ID,
// and declares a guarding fault after `lifeFactor` consecutive missing or
// mistoggled responses (CiA 301 "life time" = guard time x life factor).
//
// The request is sent with canopen.CanRtrFlag set on the COB-ID, the same
// remote-transmission-request marker a guarded slave's CAN controller
// reacts to in hardware.
type NodeGuard struct {
	bm            *canopen.BusManager
	logger        *slog.Logger
	emcy          *emergency.EMCY
	mu            sync.Mutex
	entries       []*guardEntry
	eventCallback HBEventCallback
}

type guardEntry struct {
	mu           sync.Mutex
	nodeId       uint8
	cobId        uint16
	guardTime    time.Duration
	lifeFactor   uint8
	missed       uint8
	pending      bool
	expectToggle bool
	state        uint8
	ticker       *time.Ticker
	stop         chan struct{}
	rxCancel     func()
	parent       *NodeGuard
	index        int
}

// NewNodeGuard creates a [NodeGuard]. emcy is used to report an
// unrecoverable guarding fault the same way HBConsumer reports a
// heartbeat timeout.
func NewNodeGuard(bm *canopen.BusManager, logger *slog.Logger, emcy *emergency.EMCY) *NodeGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeGuard{bm: bm, logger: logger.With("service", "[GUARD]"), emcy: emcy}
}

// OnEvent registers a callback fired on guarding timeout, mirroring
// HBConsumer.OnEvent. Only EventTimeout is ever raised here.
func (guard *NodeGuard) OnEvent(callback HBEventCallback) {
	guard.mu.Lock()
	defer guard.mu.Unlock()
	guard.eventCallback = callback
}

// AddNode starts guarding nodeId at the given guard time, declaring a
// fault after lifeFactor consecutive missing/mistoggled responses.
// lifeFactor of 0 disables fault detection — requests are still sent,
// which is enough to keep a legacy slave from declaring its own guarding
// fault against this master.
func (guard *NodeGuard) AddNode(nodeId uint8, guardTime time.Duration, lifeFactor uint8) error {
	if guardTime <= 0 {
		return canopen.ErrIllegalArgument
	}

	entry := &guardEntry{
		nodeId:     nodeId,
		cobId:      ServiceId + uint16(nodeId),
		guardTime:  guardTime,
		lifeFactor: lifeFactor,
		parent:     guard,
		stop:       make(chan struct{}),
	}

	guard.mu.Lock()
	entry.index = len(guard.entries)
	guard.entries = append(guard.entries, entry)
	guard.mu.Unlock()

	rxCancel, err := guard.bm.Subscribe(uint32(entry.cobId), canopen.CanSffMask, false, entry)
	if err != nil {
		return err
	}
	entry.rxCancel = rxCancel
	entry.ticker = time.NewTicker(guardTime)
	go entry.run()
	return nil
}

// RemoveNode stops guarding nodeId.
func (guard *NodeGuard) RemoveNode(nodeId uint8) {
	guard.mu.Lock()
	var remaining []*guardEntry
	for _, entry := range guard.entries {
		if entry.nodeId == nodeId {
			close(entry.stop)
			if entry.rxCancel != nil {
				entry.rxCancel()
			}
			continue
		}
		remaining = append(remaining, entry)
	}
	guard.entries = remaining
	guard.mu.Unlock()
}

// Stop guarding every node.
func (guard *NodeGuard) Stop() {
	guard.mu.Lock()
	entries := guard.entries
	guard.entries = nil
	guard.mu.Unlock()

	for _, entry := range entries {
		close(entry.stop)
		if entry.rxCancel != nil {
			entry.rxCancel()
		}
	}
}

func (entry *guardEntry) run() {
	for {
		select {
		case <-entry.stop:
			entry.ticker.Stop()
			return
		case <-entry.ticker.C:
			entry.tick()
		}
	}
}

func (entry *guardEntry) tick() {
	entry.mu.Lock()
	wasPending := entry.pending
	entry.pending = true
	entry.mu.Unlock()

	if wasPending {
		entry.onMissed()
	}

	frame := canopen.NewFrame(uint32(entry.cobId)|canopen.CanRtrFlag, 0, 0)
	_ = entry.parent.bm.Send(frame)
}

func (entry *guardEntry) onMissed() {
	entry.mu.Lock()
	entry.missed++
	missed := entry.missed
	lifeFactor := entry.lifeFactor
	nodeId := entry.nodeId
	index := entry.index
	entry.mu.Unlock()

	if lifeFactor == 0 || missed < lifeFactor {
		return
	}

	entry.parent.emcy.ErrorReport(emergency.EmHeartbeatConsumer, emergency.ErrHeartbeat, uint32(index))
	if entry.parent.eventCallback != nil {
		entry.parent.eventCallback(EventTimeout, nodeId, uint8(index+1), 0)
	}
}

// Handle implements [canopen.FrameListener]: processes a node-guarding
// response (toggle bit + NMT state, one data byte).
func (entry *guardEntry) Handle(frame canopen.Frame) {
	entry.mu.Lock()
	if frame.DLC != 1 {
		entry.mu.Unlock()
		return
	}

	entry.pending = false
	toggle := frame.Data[0]&guardToggleBit != 0
	entry.state = frame.Data[0] &^ guardToggleBit

	mistoggled := toggle != entry.expectToggle
	if !mistoggled {
		entry.missed = 0
	}
	entry.expectToggle = !entry.expectToggle
	entry.mu.Unlock()

	if mistoggled {
		entry.onMissed()
	}
}

// NodeGuardResponder is the slave side of legacy node-guarding: it answers
// every remote-transmission-request seen on this node's own heartbeat
// COB-ID with a one-byte toggle-bit-plus-NMT-state frame, flipping the
// toggle bit on each reply as CiA 301 requires.
type NodeGuardResponder struct {
	bm       *canopen.BusManager
	cobId    uint16
	state    func() uint8
	mu       sync.Mutex
	toggle   bool
	rxCancel func()
}

// NewNodeGuardResponder creates a [NodeGuardResponder] for nodeId, replying
// on its own heartbeat/guard COB-ID. state is called on each request to
// fetch the current NMT state byte to report.
func NewNodeGuardResponder(bm *canopen.BusManager, nodeId uint8, state func() uint8) (*NodeGuardResponder, error) {
	responder := &NodeGuardResponder{bm: bm, cobId: ServiceId + uint16(nodeId), state: state}
	rxCancel, err := bm.Subscribe(uint32(responder.cobId), canopen.CanSffMask, false, responder)
	if err != nil {
		return nil, err
	}
	responder.rxCancel = rxCancel
	return responder, nil
}

// Handle implements [canopen.FrameListener]: answers a request carrying
// canopen.CanRtrFlag, ignores any other traffic observed at this COB-ID.
func (responder *NodeGuardResponder) Handle(frame canopen.Frame) {
	if frame.ID&canopen.CanRtrFlag == 0 {
		return
	}

	responder.mu.Lock()
	toggle := responder.toggle
	responder.toggle = !responder.toggle
	responder.mu.Unlock()

	data := responder.state() &^ guardToggleBit
	if toggle {
		data |= guardToggleBit
	}
	reply := canopen.NewFrame(uint32(responder.cobId), 0, 1)
	reply.Data[0] = data
	_ = responder.bm.Send(reply)
}

// Stop releases the responder's subscription.
func (responder *NodeGuardResponder) Stop() {
	if responder.rxCancel != nil {
		responder.rxCancel()
	}
}
