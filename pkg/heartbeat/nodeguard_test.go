package heartbeat

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	canopen "github.com/nodehive/canopen"
	"github.com/nodehive/canopen/pkg/emergency"
	"github.com/stretchr/testify/assert"
)

// fakeBus is a minimal canopen.Bus recording every frame handed to Send,
// with no real transport underneath.
type fakeBus struct {
	mu  sync.Mutex
	out []canopen.Frame
}

func (b *fakeBus) Connect(...any) error                  { return nil }
func (b *fakeBus) Disconnect() error                     { return nil }
func (b *fakeBus) Subscribe(canopen.FrameListener) error { return nil }
func (b *fakeBus) Send(frame canopen.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out = append(b.out, frame)
	return nil
}
func (b *fakeBus) last() (canopen.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.out) == 0 {
		return canopen.Frame{}, false
	}
	return b.out[len(b.out)-1], true
}

func newTestGuard(t *testing.T) (*NodeGuard, *fakeBus) {
	bus := &fakeBus{}
	bm := canopen.NewBusManager(bus)
	emcy := emergency.NewEMCYForLogging(slog.Default())
	return NewNodeGuard(bm, nil, emcy), bus
}

func TestNodeGuardSendsRTRRequest(t *testing.T) {
	guard, bus := newTestGuard(t)
	err := guard.AddNode(5, 10*time.Millisecond, 3)
	assert.Nil(t, err)
	defer guard.Stop()

	assert.Eventually(t, func() bool {
		frame, ok := bus.last()
		return ok && frame.ID == uint32(ServiceId+5)|canopen.CanRtrFlag
	}, time.Second, time.Millisecond)
}

func TestNodeGuardResetsOnAlternatingToggle(t *testing.T) {
	guard, _ := newTestGuard(t)
	err := guard.AddNode(5, time.Hour, 3)
	assert.Nil(t, err)
	defer guard.Stop()

	entry := guard.entries[0]
	entry.Handle(canopen.Frame{DLC: 1, Data: [8]byte{0x05}})
	entry.missed = 2
	entry.Handle(canopen.Frame{DLC: 1, Data: [8]byte{guardToggleBit | 0x05}})
	assert.Equal(t, uint8(0), entry.missed)
}

func TestNodeGuardFaultAfterLifeFactorMisses(t *testing.T) {
	guard, _ := newTestGuard(t)
	err := guard.AddNode(5, time.Hour, 2)
	assert.Nil(t, err)
	defer guard.Stop()

	var events []uint8
	guard.OnEvent(func(event uint8, nodeId uint8, index uint8, state uint8) {
		events = append(events, event)
	})

	entry := guard.entries[0]
	entry.pending = true
	entry.onMissed()
	assert.Empty(t, events)
	entry.pending = true
	entry.onMissed()
	assert.Equal(t, []uint8{EventTimeout}, events)
}

func TestNodeGuardRemoveNodeStopsTicking(t *testing.T) {
	guard, _ := newTestGuard(t)
	assert.Nil(t, guard.AddNode(5, time.Millisecond, 3))
	guard.RemoveNode(5)
	assert.Empty(t, guard.entries)
}
