package nmt

import (
	"log/slog"
	"sync"
	"time"

	canopen "github.com/nodehive/canopen"
	"github.com/nodehive/canopen/pkg/emergency"
)

// BusToggle implements CiA 302-6 bus-toggle redundancy: a slave watches
// the NMT master's dedicated heartbeat on a default CAN channel. After
// Ntoggle consecutive missed master heartbeats it switches to an alternate
// channel for Ttoggle, then switches back to default and resumes counting.
// Once Ctoggle such switches have accumulated (the count is never reset),
// the slave emits an emergency and stays on its current channel rather
// than continuing to toggle.
type BusToggle struct {
	logger       *slog.Logger
	emcy         *emergency.EMCY
	defaultBus   *canopen.BusManager
	alternateBus *canopen.BusManager
	masterCobId  uint16
	ntoggle      uint8
	ttoggle      time.Duration
	ctoggle      uint8

	mu        sync.Mutex
	active    *canopen.BusManager
	onDefault bool
	missed    uint8
	switches  uint8
	stayPut   bool
	rxCancel  func()
	revertTmr *time.Timer
}

// NewBusToggle builds a BusToggle watching masterCobId (the master's
// dedicated redundancy heartbeat) on defaultBus, ready to fail over to
// alternateBus.
func NewBusToggle(
	defaultBus, alternateBus *canopen.BusManager,
	logger *slog.Logger,
	emcy *emergency.EMCY,
	masterCobId uint16,
	ntoggle uint8,
	ttoggle time.Duration,
	ctoggle uint8,
) (*BusToggle, error) {
	if defaultBus == nil || alternateBus == nil {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}

	bt := &BusToggle{
		logger:       logger.With("service", "[TOGGLE]"),
		emcy:         emcy,
		defaultBus:   defaultBus,
		alternateBus: alternateBus,
		masterCobId:  masterCobId,
		ntoggle:      ntoggle,
		ttoggle:      ttoggle,
		ctoggle:      ctoggle,
		active:       defaultBus,
		onDefault:    true,
	}

	rxCancel, err := defaultBus.Subscribe(uint32(masterCobId), canopen.CanSffMask, false, bt)
	if err != nil {
		return nil, err
	}
	bt.rxCancel = rxCancel
	return bt, nil
}

// Active returns the CAN channel redundancy traffic should currently be
// sent and received on.
func (bt *BusToggle) Active() *canopen.BusManager {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return bt.active
}

// Handle implements [canopen.FrameListener]: any frame on masterCobId
// counts as a healthy master heartbeat and resets the miss counter.
func (bt *BusToggle) Handle(frame canopen.Frame) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	bt.missed = 0
}

// MissedHeartbeat is called by the driving node-guard/heartbeat-timeout
// path each time an expected master heartbeat period elapses with no
// frame observed on the currently active channel.
func (bt *BusToggle) MissedHeartbeat() {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	if bt.stayPut {
		return
	}

	bt.missed++
	if bt.missed < bt.ntoggle {
		return
	}
	bt.missed = 0
	bt.toggleLocked()
}

func (bt *BusToggle) toggleLocked() {
	bt.switches++
	if bt.ctoggle != 0 && bt.switches >= bt.ctoggle {
		bt.stayPut = true
		bt.logger.Error("bus-toggle switch count exhausted, staying on current channel",
			"switches", bt.switches)
		if bt.emcy != nil {
			bt.emcy.ErrorReport(emergency.EmHeartbeatConsumer, emergency.ErrHeartbeat, uint32(bt.switches))
		}
		return
	}

	if bt.rxCancel != nil {
		bt.rxCancel()
	}

	var err error
	if bt.onDefault {
		bt.logger.Info("switching to alternate channel", "ttoggle", bt.ttoggle)
		bt.active = bt.alternateBus
		bt.onDefault = false
		bt.rxCancel, err = bt.alternateBus.Subscribe(uint32(bt.masterCobId), canopen.CanSffMask, false, bt)
	} else {
		bt.logger.Info("reverting to default channel")
		bt.active = bt.defaultBus
		bt.onDefault = true
		bt.rxCancel, err = bt.defaultBus.Subscribe(uint32(bt.masterCobId), canopen.CanSffMask, false, bt)
	}
	if err != nil {
		bt.logger.Error("failed to resubscribe after bus toggle", "err", err)
	}

	if bt.onDefault || bt.ttoggle <= 0 {
		return
	}
	if bt.revertTmr != nil {
		bt.revertTmr.Stop()
	}
	bt.revertTmr = time.AfterFunc(bt.ttoggle, bt.revert)
}

func (bt *BusToggle) revert() {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	if bt.onDefault || bt.stayPut {
		return
	}
	if bt.rxCancel != nil {
		bt.rxCancel()
	}
	bt.logger.Info("Ttoggle elapsed, reverting to default channel")
	var err error
	bt.active = bt.defaultBus
	bt.onDefault = true
	bt.rxCancel, err = bt.defaultBus.Subscribe(uint32(bt.masterCobId), canopen.CanSffMask, false, bt)
	if err != nil {
		bt.logger.Error("failed to resubscribe to default channel", "err", err)
	}
}

// Stop releases the active subscription and any pending revert timer.
func (bt *BusToggle) Stop() {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	if bt.revertTmr != nil {
		bt.revertTmr.Stop()
	}
	if bt.rxCancel != nil {
		bt.rxCancel()
	}
}
