package lss

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	canopen "github.com/nodehive/canopen"
	"github.com/nodehive/canopen/pkg/config"
)

var DefaultTimeout = 1000 * time.Millisecond

// DefaultInhibitTime is the minimum CiA 301-mandated spacing between
// consecutive LSS master frames when no explicit inhibit time is set.
const DefaultInhibitTime = 100 * time.Microsecond

// MaxInhibitTime is the upper bound SetInhibitTime clamps to: 6.55 s,
// slightly below the 6553.5 ms a uint16 count of 100us units could hold.
const MaxInhibitTime = 6550 * time.Millisecond

const inhibitUnit = 100 * time.Microsecond

// lssJob is one queued LSS wire operation: a closure performing the
// actual Send/WaitForResponse sequence, and the request handle a caller
// waits on or cancels.
type lssJob struct {
	req *LSSRequest
	fn  func() (any, error)
}

// LSSRequest is a handle to a queued LSS operation, returned by Submit.
// Cancel prevents it from running if the worker hasn't reached it yet;
// once a job is running it always runs to completion (these are short,
// bounded CAN request/response exchanges, not resumable transfers).
type LSSRequest struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	value  any
	err    error
}

// Cancel marks the request cancelled. If it hasn't started, it is skipped
// with context.Canceled; if it already started, Cancel has no effect.
func (req *LSSRequest) Cancel() {
	req.cancel()
}

// Wait blocks until the request has run (or been cancelled) and returns
// its result.
func (req *LSSRequest) Wait() (any, error) {
	<-req.done
	return req.value, req.err
}

type LSSMaster struct {
	*canopen.BusManager
	logger *slog.Logger
	mu     sync.Mutex
	rx     chan LSSMessage
	timeout time.Duration

	inhibit    time.Duration
	nextSendAt time.Time

	queue  chan *lssJob
	quit   chan struct{}
	nextId uint64
}

// Handle [LSSMaster] related RX CAN frames
func (l *LSSMaster) Handle(frame canopen.Frame) {
	if frame.DLC != 8 {
		return
	}
	msg := LSSMessage{raw: frame.Data}
	select {
	case l.rx <- msg:
	default:
		l.logger.Warn("dropped LSS slave RX frame")
		// Drop frame
	}
}

// Wait for an answer from slave with a given command
// Any other command is ignored until timeout is elapsed
func (l *LSSMaster) WaitForResponse(cmd LSSCommand) (LSSMessage, error) {

	begin := time.Now()

	for {
		elapsed := time.Since(begin)
		if elapsed >= l.timeout {
			return LSSMessage{}, ErrTimeout
		}

		timeout := l.timeout - elapsed

		select {
		case resp := <-l.rx:
			if cmd == resp.Command() {
				return resp, nil
			} else {
				// Unexpected response, ignore
				l.logger.Warn("received unexpected response, ignoring", "response", resp)
			}
		case <-time.After(timeout):
			l.logger.Warn("no response received from slave, expecting", "command", cmd)
			return LSSMessage{}, ErrTimeout
		}
	}
}

// Submit queues fn to run FIFO on the master's single worker goroutine,
// serialized with every other queued LSS operation, and returns a handle
// to wait on or cancel it. Every public method on [LSSMaster] is a thin
// synchronous wrapper around Submit.
func (l *LSSMaster) Submit(fn func() (any, error)) *LSSRequest {
	ctx, cancel := context.WithCancel(context.Background())

	l.mu.Lock()
	l.nextId++
	l.mu.Unlock()

	req := &LSSRequest{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	l.queue <- &lssJob{req: req, fn: fn}
	return req
}

// CancelAll cancels every request still waiting in the queue. Requests
// already dequeued by the worker run to completion.
func (l *LSSMaster) CancelAll() {
	for {
		select {
		case job := <-l.queue:
			job.req.cancel()
			job.req.err = context.Canceled
			close(job.req.done)
		default:
			return
		}
	}
}

func (l *LSSMaster) run() {
	for {
		select {
		case job := <-l.queue:
			select {
			case <-job.req.ctx.Done():
				job.req.err = job.req.ctx.Err()
			default:
				job.req.value, job.req.err = job.fn()
			}
			close(job.req.done)
		case <-l.quit:
			return
		}
	}
}

// Stop ends the worker goroutine. Queued requests that haven't run yet
// return context.Canceled from Wait.
func (l *LSSMaster) Stop() {
	close(l.quit)
	l.CancelAll()
}

// SetInhibitTime sets the minimum spacing enforced between consecutive
// frames this master transmits (CiA 301 inhibit time). d is rounded up to
// the nearest 100us multiple and capped at MaxInhibitTime; zero or
// negative resets it to DefaultInhibitTime.
func (l *LSSMaster) SetInhibitTime(d time.Duration) {
	if d <= 0 {
		d = DefaultInhibitTime
	}
	if rem := d % inhibitUnit; rem != 0 {
		d += inhibitUnit - rem
	}
	if d > MaxInhibitTime {
		d = MaxInhibitTime
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inhibit = d
}

// pacedSend transmits frame, blocking as needed so consecutive sends from
// this master are never closer together than the configured inhibit time.
func (l *LSSMaster) pacedSend(frame canopen.Frame) error {
	l.mu.Lock()
	wait := time.Until(l.nextSendAt)
	inhibit := l.inhibit
	l.mu.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}

	err := l.Send(frame)

	l.mu.Lock()
	l.nextSendAt = time.Now().Add(inhibit)
	l.mu.Unlock()
	return err
}

// Send a switch state global command to all nodes
// i.e. waiting or configuration
// No answer is expected
func (l *LSSMaster) SwitchStateGlobal(mode LSSMode) error {
	_, err := l.Submit(func() (any, error) {
		frame := canopen.NewFrame(ServiceMasterId, 0, 8)
		frame.Data[0] = byte(CmdSwitchStateGlobal)
		frame.Data[1] = byte(mode)
		return nil, l.pacedSend(frame)
	}).Wait()
	return err
}

// Send a switch state selective command to the desired node
// based on the LSS address.
// If no answer is received, command will timeout
func (l *LSSMaster) SwitchStateSelective(address LSSAddress) error {
	_, err := l.Submit(func() (any, error) {
		frame := canopen.NewFrame(ServiceMasterId, 0, 8)
		frame.Data[0] = byte(CmdSwitchStateSelectiveVendor)
		binary.LittleEndian.PutUint32(frame.Data[1:], address.VendorId)
		if err := l.pacedSend(frame); err != nil {
			return nil, err
		}

		frame.Data[0] = byte(CmdSwitchStateSelectiveProduct)
		binary.LittleEndian.PutUint32(frame.Data[1:], address.ProductCode)
		if err := l.pacedSend(frame); err != nil {
			return nil, err
		}

		frame.Data[0] = byte(CmdSwitchStateSelectiveRevision)
		binary.LittleEndian.PutUint32(frame.Data[1:], address.RevisionNumber)
		if err := l.pacedSend(frame); err != nil {
			return nil, err
		}

		frame.Data[0] = byte(CmdSwitchStateSelectiveSerialNb)
		binary.LittleEndian.PutUint32(frame.Data[1:], address.SerialNumber)
		if err := l.pacedSend(frame); err != nil {
			return nil, err
		}

		_, err := l.WaitForResponse(CmdSwitchStateSelectiveResult)
		return nil, err
	}).Wait()
	return err
}

// ConfigureNodeId assigns a new node-ID to whichever slave is currently in
// LSS configuration state. The slave stores it in RAM only; a separate
// StoreConfiguration call is needed to survive a power cycle.
func (l *LSSMaster) ConfigureNodeId(nodeId uint8) error {
	if (nodeId < NodeIdMin || nodeId > NodeIdMax) && nodeId != NodeIdUnconfigured {
		return ErrInvalidNodeId
	}
	_, err := l.Submit(func() (any, error) {
		frame := canopen.NewFrame(ServiceMasterId, 0, 8)
		frame.Data[0] = byte(CmdConfigureNodeId)
		frame.Data[1] = nodeId
		if err := l.pacedSend(frame); err != nil {
			return nil, err
		}
		resp, err := l.WaitForResponse(CmdConfigureNodeId)
		if err != nil {
			return nil, err
		}
		if resp.raw[1] != ConfigNodeIdOk {
			return nil, ErrInvalidNodeId
		}
		return nil, nil
	}).Wait()
	return err
}

// ConfigureBitTiming sets the bit rate table index (see BitTimingXXXK
// constants) the slave will switch to once ActivateBitTiming is called.
// tableSelector is always 0 for CiA 301 devices (vendor-specific tables are
// out of scope).
func (l *LSSMaster) ConfigureBitTiming(tableSelector uint8, tableIndex uint8) error {
	_, err := l.Submit(func() (any, error) {
		frame := canopen.NewFrame(ServiceMasterId, 0, 8)
		frame.Data[0] = byte(CmdConfigureBitTiming)
		frame.Data[1] = tableSelector
		frame.Data[2] = tableIndex
		if err := l.pacedSend(frame); err != nil {
			return nil, err
		}
		resp, err := l.WaitForResponse(CmdConfigureBitTiming)
		if err != nil {
			return nil, err
		}
		if resp.raw[1] != 0 {
			return nil, ErrInvalidNodeId
		}
		return nil, nil
	}).Wait()
	return err
}

// ActivateBitTiming instructs all slaves in configuration state to switch to
// the previously configured bit rate after switchDelay milliseconds, then
// performs the same cooperation on this master's own CAN driver: wait
// switchDelay/2, stop the controller, wait switchDelay/2 again, apply the
// new bit rate, wait switchDelay once more, then restart. driver is
// usually the canopen.Bus behind this master's own BusManager; pass nil to
// skip the local side (useful in tests or when bit-rate switching is
// handled out of band).
func (l *LSSMaster) ActivateBitTiming(switchDelay time.Duration, driver BitrateSwitcher, bitrate int) error {
	if driver != nil && bitrate <= 0 {
		return canopen.ErrIllegalArgument
	}

	_, err := l.Submit(func() (any, error) {
		frame := canopen.NewFrame(ServiceMasterId, 0, 8)
		frame.Data[0] = byte(CmdConfigureActivateBitTiming)
		binary.LittleEndian.PutUint16(frame.Data[1:], uint16(switchDelay.Milliseconds()))
		if err := l.pacedSend(frame); err != nil {
			return nil, err
		}

		if driver == nil {
			return nil, nil
		}

		half := switchDelay / 2
		time.Sleep(half)
		if err := driver.StopController(); err != nil {
			return nil, err
		}
		time.Sleep(switchDelay - half)
		if err := driver.SetBitrate(bitrate); err != nil {
			return nil, err
		}
		time.Sleep(switchDelay)
		return nil, driver.StartController()
	}).Wait()
	return err
}

// StoreConfiguration persists the configured node-ID and bit rate to
// non-volatile memory on the slave.
func (l *LSSMaster) StoreConfiguration() error {
	_, err := l.Submit(func() (any, error) {
		frame := canopen.NewFrame(ServiceMasterId, 0, 8)
		frame.Data[0] = byte(CmdConfigureStoreParameters)
		if err := l.pacedSend(frame); err != nil {
			return nil, err
		}
		resp, err := l.WaitForResponse(CmdConfigureStoreParameters)
		if err != nil {
			return nil, err
		}
		if resp.raw[1] != 0 {
			return nil, ErrInvalidNodeId
		}
		return nil, nil
	}).Wait()
	return err
}

func (l *LSSMaster) inquire(cmd LSSCommand) (uint32, error) {
	v, err := l.Submit(func() (any, error) {
		frame := canopen.NewFrame(ServiceMasterId, 0, 8)
		frame.Data[0] = byte(cmd)
		if err := l.pacedSend(frame); err != nil {
			return uint32(0), err
		}
		resp, err := l.WaitForResponse(cmd)
		if err != nil {
			return uint32(0), err
		}
		return binary.LittleEndian.Uint32(resp.raw[1:5]), nil
	}).Wait()
	if err != nil {
		return 0, err
	}
	return v.(uint32), nil
}

// InquireVendorId reads the selected slave's identity object vendor-ID (0x1018/1).
func (l *LSSMaster) InquireVendorId() (uint32, error) { return l.inquire(CmdInquireVendor) }

// InquireProductCode reads the selected slave's identity object product code (0x1018/2).
func (l *LSSMaster) InquireProductCode() (uint32, error) { return l.inquire(CmdInquireProduct) }

// InquireRevisionNumber reads the selected slave's identity object revision number (0x1018/3).
func (l *LSSMaster) InquireRevisionNumber() (uint32, error) { return l.inquire(CmdInquireRevision) }

// InquireSerialNumber reads the selected slave's identity object serial number (0x1018/4).
func (l *LSSMaster) InquireSerialNumber() (uint32, error) { return l.inquire(CmdInquireSerial) }

// InquireNodeId reads the selected slave's currently active node-ID.
func (l *LSSMaster) InquireNodeId() (uint8, error) {
	v, err := l.Submit(func() (any, error) {
		frame := canopen.NewFrame(ServiceMasterId, 0, 8)
		frame.Data[0] = byte(CmdInquireNodeId)
		if err := l.pacedSend(frame); err != nil {
			return uint8(0), err
		}
		resp, err := l.WaitForResponse(CmdInquireNodeId)
		if err != nil {
			return uint8(0), err
		}
		return resp.raw[1], nil
	}).Wait()
	if err != nil {
		return 0, err
	}
	return v.(uint8), nil
}

// IdentifyNonConfiguredSlave broadcasts an identify request that only a
// slave still carrying NodeIdUnconfigured answers. Used to detect whether
// any unconfigured node remains on the network before handing out IDs.
func (l *LSSMaster) IdentifyNonConfiguredSlave() (bool, error) {
	v, err := l.Submit(func() (any, error) {
		frame := canopen.NewFrame(ServiceMasterId, 0, 8)
		frame.Data[0] = byte(CmdIdentifyNonConfiguredSlave)
		if err := l.pacedSend(frame); err != nil {
			return false, err
		}
		_, err := l.WaitForResponse(CmdIdentifySlave)
		if err == ErrTimeout {
			return false, nil
		}
		return err == nil, err
	}).Wait()
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// fastscanStep sends a single fastscan request (idNumber, bitCheck, lssSub,
// lssNext) and reports whether any slave answered it before the response
// timeout.
func (l *LSSMaster) fastscanStep(idNumber uint32, bitCheck uint8, lssSub uint8, lssNext uint8) (bool, error) {
	v, err := l.Submit(func() (any, error) {
		frame := canopen.NewFrame(ServiceMasterId, 0, 8)
		frame.Data[0] = byte(CmdFastscan)
		binary.LittleEndian.PutUint32(frame.Data[1:5], idNumber)
		frame.Data[5] = bitCheck
		frame.Data[6] = lssSub
		frame.Data[7] = lssNext
		if err := l.pacedSend(frame); err != nil {
			return false, err
		}
		_, err := l.WaitForResponse(CmdIdentifySlave)
		if err == ErrTimeout {
			return false, nil
		}
		return err == nil, err
	}).Wait()
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Fastscan implements the CiA 305 fastscan algorithm: a single unconfigured
// slave is found by binary-searching each of the four identity fields
// (vendor-ID, product code, revision number, serial number) in turn. Callers
// should loop ConfigureNodeId / StoreConfiguration afterwards to commission
// the discovered node, then repeat Fastscan to find the next one.
func (l *LSSMaster) Fastscan() (config.Identity, error) {
	var fields [4]uint32
	// lssSub/lssNext select which identity field the slave matches against;
	// 0=vendor-ID, 1=product code, 2=revision number, 3=serial number.
	for field := uint8(0); field < 4; field++ {
		next := field
		if field < 3 {
			next = field + 1
		}
		matched, err := l.fastscanStep(0, 0x80, field, field)
		if err != nil {
			return config.Identity{}, err
		}
		if !matched {
			return config.Identity{}, ErrTimeout
		}
		var value uint32
		for bit := 31; bit >= 0; bit-- {
			candidate := value | (1 << uint(bit))
			ok, err := l.fastscanStep(candidate, uint8(bit), field, field)
			if err != nil {
				return config.Identity{}, err
			}
			if ok {
				value = candidate
			}
		}
		fields[field] = value
		// Advance the slave to checking the next field once this one is
		// fully resolved (bitCheck=0 means "match all 32 bits").
		if _, err := l.fastscanStep(value, 0, field, next); err != nil {
			return config.Identity{}, err
		}
	}
	return config.Identity{
		VendorId:       fields[0],
		ProductCode:    fields[1],
		RevisionNumber: fields[2],
		SerialNumber:   fields[3],
	}, nil
}

// identifyRemoteSlave runs one CiA 305 "identify remote slave" range
// request: vendor/product must match exactly, revision/serial must fall
// within the given inclusive ranges. Returns whether any slave answered.
func (l *LSSMaster) identifyRemoteSlave(vendorId, productCode, revLow, revHigh, serLow, serHigh uint32) (bool, error) {
	v, err := l.Submit(func() (any, error) {
		frame := canopen.NewFrame(ServiceMasterId, 0, 8)

		frame.Data[0] = byte(CmdIdentifyRemoteSlaveVendor)
		binary.LittleEndian.PutUint32(frame.Data[1:], vendorId)
		if err := l.pacedSend(frame); err != nil {
			return false, err
		}

		frame.Data[0] = byte(CmdIdentifyRemoteSlaveProduct)
		binary.LittleEndian.PutUint32(frame.Data[1:], productCode)
		if err := l.pacedSend(frame); err != nil {
			return false, err
		}

		frame.Data[0] = byte(CmdIdentifyRemoteSlaveRevisionLow)
		binary.LittleEndian.PutUint32(frame.Data[1:], revLow)
		if err := l.pacedSend(frame); err != nil {
			return false, err
		}

		frame.Data[0] = byte(CmdIdentifyRemoteSlaveRevisionHigh)
		binary.LittleEndian.PutUint32(frame.Data[1:], revHigh)
		if err := l.pacedSend(frame); err != nil {
			return false, err
		}

		frame.Data[0] = byte(CmdIdentifyRemoteSlaveSerialLow)
		binary.LittleEndian.PutUint32(frame.Data[1:], serLow)
		if err := l.pacedSend(frame); err != nil {
			return false, err
		}

		frame.Data[0] = byte(CmdIdentifyRemoteSlaveSerialHigh)
		binary.LittleEndian.PutUint32(frame.Data[1:], serHigh)
		if err := l.pacedSend(frame); err != nil {
			return false, err
		}

		_, err := l.WaitForResponse(CmdIdentifySlave)
		if err == ErrTimeout {
			return false, nil
		}
		return err == nil, err
	}).Wait()
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// SlowScan finds a single slave of the given (exactly known) vendor and
// product by binary-searching the revision-number then serial-number
// space via identifyRemoteSlave range requests, rather than bisecting bit
// by bit like Fastscan. Useful against devices whose LSS implementation
// doesn't support the fastscan service but does support identify-remote-
// slave ranges.
func (l *LSSMaster) SlowScan(vendorId, productCode uint32) (config.Identity, error) {
	revLow, revHigh := uint32(0), uint32(0xFFFFFFFF)
	for revLow < revHigh {
		mid := revLow + (revHigh-revLow)/2
		found, err := l.identifyRemoteSlave(vendorId, productCode, revLow, mid, 0, 0xFFFFFFFF)
		if err != nil {
			return config.Identity{}, err
		}
		if found {
			revHigh = mid
		} else {
			revLow = mid + 1
		}
	}
	revision := revLow

	serLow, serHigh := uint32(0), uint32(0xFFFFFFFF)
	for serLow < serHigh {
		mid := serLow + (serHigh-serLow)/2
		found, err := l.identifyRemoteSlave(vendorId, productCode, revision, revision, serLow, mid)
		if err != nil {
			return config.Identity{}, err
		}
		if found {
			serHigh = mid
		} else {
			serLow = mid + 1
		}
	}
	serial := serLow

	found, err := l.identifyRemoteSlave(vendorId, productCode, revision, revision, serial, serial)
	if err != nil {
		return config.Identity{}, err
	}
	if !found {
		return config.Identity{}, ErrTimeout
	}
	return config.Identity{
		VendorId:       vendorId,
		ProductCode:    productCode,
		RevisionNumber: revision,
		SerialNumber:   serial,
	}, nil
}

// Update timeout for answer from slave nodes
func (l *LSSMaster) SetTimeout(timeout time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.timeout = timeout
}

func NewLSSMaster(bm *canopen.BusManager, logger *slog.Logger, timeout time.Duration) (*LSSMaster, error) {

	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service", "[LSSMaster]")
	lss := &LSSMaster{BusManager: bm, logger: logger}
	lss.rx = make(chan LSSMessage, 2)
	lss.SetTimeout(timeout)
	lss.SetInhibitTime(DefaultInhibitTime)
	lss.queue = make(chan *lssJob, 32)
	lss.quit = make(chan struct{})
	go lss.run()
	err := lss.Subscribe(ServiceSlaveId, 0x7FF, false, lss)
	if err != nil {
		return nil, err
	}

	return lss, nil
}
