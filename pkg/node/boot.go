package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nodehive/canopen/pkg/config"
	"github.com/nodehive/canopen/pkg/heartbeat"
	"github.com/nodehive/canopen/pkg/od"
	"github.com/nodehive/canopen/pkg/sdo"
)

// Diagnostic codes for a completed [BootJob], following CiA 302's single
// letter scheme for boot-slave outcomes.
const (
	DiagIdentityMismatch    byte = 'B'
	DiagSoftwareMismatch    byte = 'D'
	DiagErrorHistory        byte = 'H'
	DiagConfigurationFailed byte = 'J'
	DiagCANError            byte = 'K'
	DiagSuccess             byte = 'L'
)

// BootJob tracks one slave's progress through the boot-slave procedure:
// the identity it is expected to present, the DCF it should be configured
// with, which of the 5 steps it is on, how many times a transient failure
// has been retried, and the diagnostic code it finished with. Wait acts as
// its completion future.
type BootJob struct {
	logger     *slog.Logger
	NodeId     uint8
	Expected   config.Identity
	DCF        []byte
	Step       int
	Retries    int
	Diagnostic byte

	done chan struct{}
	err  error
}

// Wait blocks until the job has finished, returning its diagnostic code
// and, on failure, the error describing which check or transfer failed.
func (job *BootJob) Wait() (byte, error) {
	<-job.done
	return job.Diagnostic, job.err
}

func (job *BootJob) finish(diagnostic byte, err error) {
	job.Diagnostic = diagnostic
	job.err = err
	close(job.done)
}

// BootManager runs the CiA 302-2 boot-slave procedure (spec §4.5) against
// slaves discovered on the bus: identity verification against OD 1F85-1F88,
// an application-software check against 1F80, an error-history check
// against 1003, DCF/program-control configuration via 1F51, and finally
// handing the slave over to the heartbeat consumer as operational.
//
// Boots for distinct node-IDs run concurrently; a second boot requested for
// a node-ID already booting blocks until the first finishes.
type BootManager struct {
	logger     *slog.Logger
	masterOd   *od.ObjectDictionary
	client     *sdo.SDOClient
	hb         *heartbeat.HBConsumer
	timeout    time.Duration
	maxRetries int

	mu    sync.Mutex
	locks map[uint8]*sync.Mutex
}

// NewBootManager creates a [BootManager]. masterOd is the master's own
// object dictionary, carrying the per-slave OD 1F85-1F88/1F80 expectation
// arrays (indexed by node-ID). client is the master's SDO client, used to
// address whichever slave is currently booting. hb, if non-nil, is paused
// for a slave during its error-history check and resumed on success.
func NewBootManager(masterOd *od.ObjectDictionary, client *sdo.SDOClient, hb *heartbeat.HBConsumer, logger *slog.Logger, bootTimeoutMs uint32) *BootManager {
	if logger == nil {
		logger = slog.Default()
	}
	if bootTimeoutMs == 0 {
		bootTimeoutMs = 1000
	}
	return &BootManager{
		logger:     logger.With("service", "[BOOT]"),
		masterOd:   masterOd,
		client:     client,
		hb:         hb,
		timeout:    time.Duration(bootTimeoutMs) * time.Millisecond,
		maxRetries: 3,
		locks:      make(map[uint8]*sync.Mutex),
	}
}

func (m *BootManager) lockFor(nodeId uint8) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[nodeId]
	if !ok {
		l = &sync.Mutex{}
		m.locks[nodeId] = l
	}
	return l
}

// Boot starts the boot-slave procedure for nodeId on its own goroutine and
// returns immediately with a [BootJob] future. dcf, if non-empty, is
// replayed onto the slave at step 4.
func (m *BootManager) Boot(ctx context.Context, nodeId uint8, dcf []byte) *BootJob {
	job := &BootJob{
		logger: m.logger.With("node", nodeId),
		NodeId: nodeId,
		DCF:    dcf,
		done:   make(chan struct{}),
	}

	go func() {
		lock := m.lockFor(nodeId)
		lock.Lock()
		defer lock.Unlock()
		m.run(ctx, job)
	}()

	return job
}

func (m *BootManager) run(ctx context.Context, job *BootJob) {
	conf := config.NewNodeConfigurator(job.NodeId, m.logger, m.client)

	for {
		diagnostic, err := m.attempt(ctx, conf, job)
		if err == nil {
			job.logger.Info("boot slave success")
			job.finish(DiagSuccess, nil)
			return
		}
		if diagnostic != DiagCANError || job.Retries >= m.maxRetries {
			job.logger.Warn("boot slave failed", "diagnostic", string(diagnostic), "error", err)
			job.finish(diagnostic, err)
			return
		}
		job.Retries++
		job.logger.Warn("boot attempt failed, retrying", "attempt", job.Retries, "error", err)
	}
}

func (m *BootManager) attempt(ctx context.Context, conf *config.NodeConfigurator, job *BootJob) (byte, error) {
	job.Step = 1
	if diagnostic, err := m.checkIdentity(ctx, conf, job); err != nil {
		return diagnostic, err
	}
	job.Step = 2
	if diagnostic, err := m.checkSoftware(ctx, job); err != nil {
		return diagnostic, err
	}
	job.Step = 3
	if diagnostic, err := m.checkErrorHistory(ctx, job); err != nil {
		return diagnostic, err
	}
	job.Step = 4
	if diagnostic, err := m.configure(ctx, conf, job); err != nil {
		return diagnostic, err
	}
	job.Step = 5
	m.finishBoot(job)
	return 0, nil
}

// step runs fn with the boot timeout applied, turning either a context
// deadline or fn's own error into the caller's return.
func (m *BootManager) step(ctx context.Context, fn func() error) error {
	stepCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-stepCtx.Done():
		return stepCtx.Err()
	}
}

// Step 1: identity (vendor/product/revision/serial) against 1F85-1F88.
func (m *BootManager) checkIdentity(ctx context.Context, conf *config.NodeConfigurator, job *BootJob) (byte, error) {
	var expected config.Identity
	haveExpectation := false

	if entry := m.masterOd.Index(od.EntryExpectedVendorId); entry != nil {
		if v, err := entry.Uint32(job.NodeId); err == nil {
			expected.VendorId = v
			haveExpectation = true
		}
	}
	if entry := m.masterOd.Index(od.EntryExpectedProductCode); entry != nil {
		expected.ProductCode, _ = entry.Uint32(job.NodeId)
	}
	if entry := m.masterOd.Index(od.EntryExpectedRevisionNumber); entry != nil {
		expected.RevisionNumber, _ = entry.Uint32(job.NodeId)
	}
	if entry := m.masterOd.Index(od.EntryExpectedSerialNumber); entry != nil {
		expected.SerialNumber, _ = entry.Uint32(job.NodeId)
	}
	job.Expected = expected

	if !haveExpectation {
		return 0, nil
	}

	var actual *config.Identity
	if err := m.step(ctx, func() error {
		var readErr error
		actual, readErr = conf.ReadIdentity()
		return readErr
	}); err != nil {
		return DiagCANError, fmt.Errorf("boot step 1 (identity) node %d: %w", job.NodeId, err)
	}

	mismatch := actual.VendorId != expected.VendorId ||
		(expected.ProductCode != 0 && actual.ProductCode != expected.ProductCode) ||
		(expected.RevisionNumber != 0 && actual.RevisionNumber != expected.RevisionNumber) ||
		(expected.SerialNumber != 0 && actual.SerialNumber != expected.SerialNumber)
	if mismatch {
		return DiagIdentityMismatch, fmt.Errorf("boot step 1 (identity) node %d: expected %+v, got %+v", job.NodeId, expected, *actual)
	}
	return 0, nil
}

// Step 2: application-software identity against 1F80, when configured.
func (m *BootManager) checkSoftware(ctx context.Context, job *BootJob) (byte, error) {
	entry := m.masterOd.Index(od.EntryNMTStartup)
	if entry == nil {
		return 0, nil
	}
	expected, err := entry.Uint32(job.NodeId)
	if err != nil {
		// Nothing configured for this slave, nothing to check.
		return 0, nil
	}

	var actual uint32
	if err := m.step(ctx, func() error {
		var readErr error
		actual, readErr = m.client.ReadUint32(job.NodeId, od.EntryNMTStartup, 0)
		return readErr
	}); err != nil {
		return DiagCANError, fmt.Errorf("boot step 2 (software) node %d: %w", job.NodeId, err)
	}
	if actual != expected {
		return DiagSoftwareMismatch, fmt.Errorf("boot step 2 (software) node %d: expected x%x, got x%x", job.NodeId, expected, actual)
	}
	return 0, nil
}

// Step 3: stop heartbeat monitoring of the slave, then check its error
// history (1003) for any unrecoverable entry (hardware/software error
// classes).
func (m *BootManager) checkErrorHistory(ctx context.Context, job *BootJob) (byte, error) {
	if m.hb != nil {
		m.hb.StopNode(job.NodeId)
	}

	var count uint8
	if err := m.step(ctx, func() error {
		var readErr error
		count, readErr = m.client.ReadUint8(job.NodeId, od.EntryPreDefinedErrorField, 0)
		return readErr
	}); err != nil {
		return DiagCANError, fmt.Errorf("boot step 3 (error history) node %d: %w", job.NodeId, err)
	}

	for sub := uint8(1); sub <= count; sub++ {
		var code uint32
		if err := m.step(ctx, func() error {
			var readErr error
			code, readErr = m.client.ReadUint32(job.NodeId, od.EntryPreDefinedErrorField, sub)
			return readErr
		}); err != nil {
			return DiagCANError, fmt.Errorf("boot step 3 (error history) node %d: %w", job.NodeId, err)
		}
		switch code & 0xF000 {
		case 0x5000, 0x6000: // hardware / software error classes, not recoverable
			return DiagErrorHistory, fmt.Errorf("boot step 3 (error history) node %d: unrecoverable error x%04x on record", job.NodeId, code)
		}
	}
	return 0, nil
}

// Step 4: replay the configuration DCF (if any) and kick off 1F51 program
// control, when the slave supports it.
func (m *BootManager) configure(ctx context.Context, conf *config.NodeConfigurator, job *BootJob) (byte, error) {
	if len(job.DCF) == 0 {
		return 0, nil
	}
	if err := m.step(ctx, func() error {
		return conf.DownloadDCF(job.DCF)
	}); err != nil {
		return DiagConfigurationFailed, fmt.Errorf("boot step 4 (configure) node %d: %w", job.NodeId, err)
	}

	if m.masterOd.Index(od.EntryProgramControl) == nil {
		return 0, nil
	}
	if err := m.step(ctx, func() error {
		return m.client.WriteRaw(job.NodeId, od.EntryProgramControl, 1, uint8(1), false)
	}); err != nil {
		return DiagConfigurationFailed, fmt.Errorf("boot step 4 (program control) node %d: %w", job.NodeId, err)
	}
	return 0, nil
}

// Step 5: resume heartbeat monitoring and declare the slave ready for
// operational handoff.
func (m *BootManager) finishBoot(job *BootJob) {
	if m.hb != nil {
		m.hb.StartNode(job.NodeId)
	}
}
