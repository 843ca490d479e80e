package lss

import (
	"context"
	"sync"
	"testing"
	"time"

	canopen "github.com/nodehive/canopen"
	"github.com/nodehive/canopen/pkg/config"
	"github.com/nodehive/canopen/pkg/od"
	"github.com/stretchr/testify/assert"
)

// loopbackBus wires two BusManagers together without any real transport,
// dispatching Send synchronously to the peer's Handle.
type loopbackBus struct {
	peer *canopen.BusManager
}

func (b *loopbackBus) Connect(...any) error                  { return nil }
func (b *loopbackBus) Disconnect() error                     { return nil }
func (b *loopbackBus) Subscribe(canopen.FrameListener) error { return nil }
func (b *loopbackBus) Send(frame canopen.Frame) error {
	b.peer.Handle(frame)
	return nil
}

func newLoopback(t *testing.T) (*canopen.BusManager, *canopen.BusManager) {
	masterTransport := &loopbackBus{}
	slaveTransport := &loopbackBus{}
	bmMaster := canopen.NewBusManager(masterTransport)
	bmSlave := canopen.NewBusManager(slaveTransport)
	masterTransport.peer = bmSlave
	slaveTransport.peer = bmMaster
	return bmMaster, bmSlave
}

func newTestSlaveOD(vendor, product, revision, serial uint32) *od.Entry {
	dict := od.Default()
	entry := dict.Index(0x1018)
	entry.PutUint32(1, vendor, true)
	entry.PutUint32(2, product, true)
	entry.PutUint32(3, revision, true)
	entry.PutUint32(4, serial, true)
	return entry
}

func newTestMasterSlave(t *testing.T, vendor, product, revision, serial uint32, nodeId uint8) (*LSSMaster, *LSSSlave) {
	bmMaster, bmSlave := newLoopback(t)

	master, err := NewLSSMaster(bmMaster, nil, 200*time.Millisecond)
	assert.Nil(t, err)

	identity := newTestSlaveOD(vendor, product, revision, serial)
	slave, err := NewLSSSlave(bmSlave, nil, identity, nodeId)
	assert.Nil(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go slave.Process(ctx)
	t.Cleanup(func() {
		cancel()
		master.Stop()
	})

	return master, slave
}

func TestSwitchStateGlobal(t *testing.T) {
	master, slave := newTestMasterSlave(t, 1, 2, 3, 4, 10)

	err := master.SwitchStateGlobal(ModeConfiguration)
	assert.Nil(t, err)
	assert.Eventually(t, func() bool {
		return slave.GetState() == StateConfiguration
	}, time.Second, time.Millisecond)

	err = master.SwitchStateGlobal(ModeWaiting)
	assert.Nil(t, err)
	assert.Eventually(t, func() bool {
		return slave.GetState() == StateWaiting
	}, time.Second, time.Millisecond)
}

func TestSwitchStateSelective(t *testing.T) {
	master, slave := newTestMasterSlave(t, 1, 2, 3, 4, 10)

	err := master.SwitchStateSelective(LSSAddress{Identity: config.Identity{
		VendorId: 1, ProductCode: 2, RevisionNumber: 3, SerialNumber: 4,
	}})
	assert.Nil(t, err)
	assert.Equal(t, StateConfiguration, slave.GetState())
}

func TestConfigureNodeId(t *testing.T) {
	master, slave := newTestMasterSlave(t, 1, 2, 3, 4, 10)

	assert.Nil(t, master.SwitchStateGlobal(ModeConfiguration))
	assert.Eventually(t, func() bool {
		return slave.GetState() == StateConfiguration
	}, time.Second, time.Millisecond)

	err := master.ConfigureNodeId(20)
	assert.Nil(t, err)
	assert.Equal(t, uint8(20), slave.pendingNodeId)
}

func TestInquireVendorId(t *testing.T) {
	master, _ := newTestMasterSlave(t, 0xAA, 2, 3, 4, 10)

	assert.Nil(t, master.SwitchStateGlobal(ModeConfiguration))
	vendor, err := master.InquireVendorId()
	assert.Nil(t, err)
	assert.EqualValues(t, 0xAA, vendor)
}

func TestFastscanFindsSingleUnconfiguredSlave(t *testing.T) {
	master, _ := newTestMasterSlave(t, 0x11, 0x22, 0x33, 0x44, NodeIdUnconfigured)

	identity, err := master.Fastscan()
	assert.Nil(t, err)
	assert.EqualValues(t, 0x11, identity.VendorId)
	assert.EqualValues(t, 0x22, identity.ProductCode)
	assert.EqualValues(t, 0x33, identity.RevisionNumber)
	assert.EqualValues(t, 0x44, identity.SerialNumber)
}

func TestFastscanNoUnconfiguredSlave(t *testing.T) {
	master, _ := newTestMasterSlave(t, 0x11, 0x22, 0x33, 0x44, 5)

	_, err := master.Fastscan()
	assert.Equal(t, ErrTimeout, err)
}

func TestSlowScanFindsSlave(t *testing.T) {
	master, _ := newTestMasterSlave(t, 0x55, 0x66, 1234, 5678, 9)

	identity, err := master.SlowScan(0x55, 0x66)
	assert.Nil(t, err)
	assert.EqualValues(t, 1234, identity.RevisionNumber)
	assert.EqualValues(t, 5678, identity.SerialNumber)
}

func TestIdentifyNonConfiguredSlave(t *testing.T) {
	master, _ := newTestMasterSlave(t, 1, 2, 3, 4, NodeIdUnconfigured)

	found, err := master.IdentifyNonConfiguredSlave()
	assert.Nil(t, err)
	assert.True(t, found)
}

func TestSetInhibitTimeRoundsAndCaps(t *testing.T) {
	master, _ := newTestMasterSlave(t, 1, 2, 3, 4, 10)

	master.SetInhibitTime(150 * time.Microsecond)
	assert.Equal(t, 200*time.Microsecond, master.inhibit)

	master.SetInhibitTime(time.Hour)
	assert.Equal(t, MaxInhibitTime, master.inhibit)

	master.SetInhibitTime(0)
	assert.Equal(t, DefaultInhibitTime, master.inhibit)
}

func TestPacedSendEnforcesInhibitTime(t *testing.T) {
	master, _ := newTestMasterSlave(t, 1, 2, 3, 4, 10)
	master.SetInhibitTime(50 * time.Millisecond)

	frame := canopen.NewFrame(ServiceMasterId, 0, 8)

	start := time.Now()
	assert.Nil(t, master.pacedSend(frame))
	assert.Nil(t, master.pacedSend(frame))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

type fakeBitrateSwitcher struct {
	mu         sync.Mutex
	calls      []string
	bitrate    int
	setBitrate int
}

func (f *fakeBitrateSwitcher) StopController() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop")
	return nil
}

func (f *fakeBitrateSwitcher) SetBitrate(bps int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "set")
	f.setBitrate = bps
	return nil
}

func (f *fakeBitrateSwitcher) StartController() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start")
	return nil
}

func TestActivateBitTimingDrivesLocalController(t *testing.T) {
	master, _ := newTestMasterSlave(t, 1, 2, 3, 4, 10)

	driver := &fakeBitrateSwitcher{}
	err := master.ActivateBitTiming(20*time.Millisecond, driver, 500000)
	assert.Nil(t, err)

	driver.mu.Lock()
	defer driver.mu.Unlock()
	assert.Equal(t, []string{"stop", "set", "start"}, driver.calls)
	assert.Equal(t, 500000, driver.setBitrate)
}

func TestActivateBitTimingRejectsZeroBitrateWithDriver(t *testing.T) {
	master, _ := newTestMasterSlave(t, 1, 2, 3, 4, 10)

	driver := &fakeBitrateSwitcher{}
	err := master.ActivateBitTiming(20*time.Millisecond, driver, 0)
	assert.Equal(t, canopen.ErrIllegalArgument, err)
}

func TestCancelAllSkipsQueuedJobs(t *testing.T) {
	master, _ := newTestMasterSlave(t, 1, 2, 3, 4, 10)

	var wg sync.WaitGroup
	wg.Add(1)
	req := master.Submit(func() (any, error) {
		wg.Wait()
		return nil, nil
	})
	time.Sleep(20 * time.Millisecond) // let the worker dequeue req before queuing/cancelling second
	second := master.Submit(func() (any, error) {
		return "ran", nil
	})
	master.CancelAll()
	wg.Done()

	_, err := req.Wait()
	assert.Nil(t, err)
	_, err = second.Wait()
	assert.Equal(t, context.Canceled, err)
}
