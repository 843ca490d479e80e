package nmt

import (
	"log/slog"
	"testing"
	"time"

	canopen "github.com/nodehive/canopen"
	"github.com/nodehive/canopen/pkg/emergency"
	"github.com/stretchr/testify/assert"
)

type nopBus struct{}

func (nopBus) Connect(...any) error                  { return nil }
func (nopBus) Disconnect() error                     { return nil }
func (nopBus) Send(canopen.Frame) error              { return nil }
func (nopBus) Subscribe(canopen.FrameListener) error { return nil }

func newTestToggle(t *testing.T, ntoggle, ctoggle uint8, ttoggle time.Duration) *BusToggle {
	def := canopen.NewBusManager(nopBus{})
	alt := canopen.NewBusManager(nopBus{})
	bt, err := NewBusToggle(def, alt, nil, nil, 0x700, ntoggle, ttoggle, ctoggle)
	assert.Nil(t, err)
	return bt
}

func TestBusToggleSwitchesAfterNtoggleMisses(t *testing.T) {
	bt := newTestToggle(t, 3, 0, time.Hour)
	defer bt.Stop()

	assert.True(t, bt.onDefault)
	bt.MissedHeartbeat()
	bt.MissedHeartbeat()
	assert.True(t, bt.onDefault)
	bt.MissedHeartbeat()
	assert.False(t, bt.onDefault)
	assert.Equal(t, bt.alternateBus, bt.Active())
}

func TestBusToggleHeartbeatResetsMissCount(t *testing.T) {
	bt := newTestToggle(t, 3, 0, time.Hour)
	defer bt.Stop()

	bt.MissedHeartbeat()
	bt.MissedHeartbeat()
	bt.Handle(canopen.Frame{})
	bt.MissedHeartbeat()
	bt.MissedHeartbeat()
	assert.True(t, bt.onDefault)
}

func TestBusToggleRevertsAfterTtoggle(t *testing.T) {
	bt := newTestToggle(t, 1, 0, 10*time.Millisecond)
	defer bt.Stop()

	bt.MissedHeartbeat()
	assert.False(t, bt.onDefault)

	assert.Eventually(t, func() bool {
		return bt.Active() == bt.defaultBus
	}, time.Second, time.Millisecond)
}

func TestBusToggleStaysPutAfterCtoggleSwitches(t *testing.T) {
	bt := newTestToggle(t, 1, 2, time.Microsecond)
	defer bt.Stop()

	bt.MissedHeartbeat()
	time.Sleep(5 * time.Millisecond)
	bt.MissedHeartbeat()

	bt.mu.Lock()
	stayPut := bt.stayPut
	switches := bt.switches
	bt.mu.Unlock()
	assert.True(t, stayPut)
	assert.Equal(t, uint8(2), switches)

	before := bt.Active()
	bt.MissedHeartbeat()
	assert.Equal(t, before, bt.Active())
}

func TestBusToggleEMCY(t *testing.T) {
	def := canopen.NewBusManager(nopBus{})
	alt := canopen.NewBusManager(nopBus{})
	emcy := emergency.NewEMCYForLogging(slog.Default())
	bt, err := NewBusToggle(def, alt, nil, emcy, 0x700, 1, time.Microsecond, 1)
	assert.Nil(t, err)
	defer bt.Stop()

	bt.MissedHeartbeat()
	bt.mu.Lock()
	defer bt.mu.Unlock()
	assert.True(t, bt.stayPut)
}
