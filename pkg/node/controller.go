package node

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nodehive/canopen/pkg/heartbeat"
	"github.com/nodehive/canopen/pkg/nmt"
	"github.com/nodehive/canopen/pkg/sdo"
)

// [NodeProcessor] is responsible for handling the node
// internal CANopen stack processing.
type NodeProcessor struct {
	logger         *slog.Logger
	node           Node
	cancel         context.CancelFunc
	resetHandler   func(node Node, cmd uint8) error
	wg             *sync.WaitGroup
	period         time.Duration
	bootManager    *BootManager
	guardResponder *heartbeat.NodeGuardResponder
}

func NewNodeProcessor(n Node, logger *slog.Logger, processingPeriod time.Duration) *NodeProcessor {

	if logger == nil {
		logger = slog.Default()
	}

	return &NodeProcessor{
		logger: logger.With("service", "[CTRLR]", "id", n.GetID()),
		node:   n,
		wg:     &sync.WaitGroup{},
		period: processingPeriod,
	}
}

// background processing for [SYNC],[TPDO],[RPDO] services
func (c *NodeProcessor) background(ctx context.Context) {

	ticker := time.NewTicker(c.period)
	periodUs := uint32(c.period.Microseconds())
	c.logger.Info("starting node background process")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("exited node background process")
			ticker.Stop()
			return
		case <-ticker.C:
			syncWas := c.node.ProcessSYNC(periodUs)
			c.node.ProcessPDO(syncWas, periodUs)
		}
	}
}

// Main node processing
func (c *NodeProcessor) main(ctx context.Context) {

	ticker := time.NewTicker(c.period)
	periodUs := uint32(c.period.Microseconds())
	c.logger.Info("starting node main process")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("exited node main process")
			ticker.Stop()
			return
		case <-ticker.C:
			// Process main
			timerNext := periodUs
			state := c.node.ProcessMain(false, periodUs, &timerNext)
			if state == nmt.ResetComm {
				// Currently nothing specific is done here.
				// We could in the future "recreate" the node here.
				break
			}
			if state == nmt.ResetApp {
				c.logger.Info("reset has been requested")
				if c.resetHandler != nil {
					// Custom logic to apply
					c.logger.Info("executing custom reset handler")
					err := c.resetHandler(c.node, state)
					if err != nil {
						c.logger.Error("error occured executing custom reset handler", "err", err)
					}
				}
				// Do simple NMT boot up
				// TODO : we should re-create the node here for a fresh start (in particular)
				// Currently node Reset only restarts NMT part
				err := c.node.Reset()
				if err != nil {
					c.logger.Info("error occured during reset", "err", err)
				}
			}
		}
	}

}

// Start node processing, this will be run inside of a go routine
// Call Stop() to stop processing or cancel the context
// Call Wait() to wait for end of execution
func (c *NodeProcessor) Start(ctx context.Context) error {

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.background(ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.main(ctx)
	}()

	for _, server := range c.node.Servers() {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			server.Process(ctx)
		}()
	}
	return nil
}

// Stop node processing i.e. stop all tasks
// Wait should be called in order to make sure that all routines have been stopped
func (c *NodeProcessor) Stop() error {
	// Cancel any on-going tasks (background, main loop)
	// And wait for them to finish
	if c.cancel != nil {
		c.cancel()
	}
	if c.guardResponder != nil {
		c.guardResponder.Stop()
	}
	return nil
}

// Wait for processing to finish (blocking)
func (c *NodeProcessor) Wait() error {
	c.wg.Wait()
	return nil
}

// Add a specific handler to be called on reset events
// after this handler is called, node will reboot automatically
func (c *NodeProcessor) AddResetHandler(handler func(node Node, cmd uint8) error) {
	c.resetHandler = handler
}

// Get underlying [Node] object
func (c *NodeProcessor) GetNode() Node {
	return c.node
}

// EnableBootManager turns this processor's node into a CiA 302-2 boot-slave
// master (spec §4.5): client is the SDO client used to reach booting
// slaves, addressed by node-ID per call. Every time the node's own
// heartbeat consumer observes a monitored slave's boot-up frame, the
// 5-step boot-slave procedure runs for that slave on its own goroutine.
// dcfFor, if non-nil, supplies the DCF payload to replay during a given
// slave's configuration step; returning nil skips that step.
func (c *NodeProcessor) EnableBootManager(client *sdo.SDOClient, bootTimeoutMs uint32, dcfFor func(nodeId uint8) []byte) error {
	local, ok := c.node.(*LocalNode)
	if !ok {
		return errors.New("boot manager requires a local node acting as NMT master")
	}
	c.bootManager = NewBootManager(local.GetOD(), client, local.HBConsumer, c.logger, bootTimeoutMs)
	local.HBConsumer.OnEvent(func(event uint8, nodeId uint8, _ uint8, _ uint8) {
		if event != heartbeat.EventBoot {
			return
		}
		var dcf []byte
		if dcfFor != nil {
			dcf = dcfFor(nodeId)
		}
		c.bootManager.Boot(context.Background(), nodeId, dcf)
	})
	return nil
}

// BootManager returns the boot-slave manager enabled by EnableBootManager,
// or nil if it was never enabled.
func (c *NodeProcessor) BootManager() *BootManager {
	return c.bootManager
}

// EnableNodeGuard turns this processor's node into a legacy node-guarding
// master (§4.5): each node to guard is added with AddNode on the returned
// [heartbeat.NodeGuard], with its own guard time and life factor. Returns
// an error if the underlying node is not a [LocalNode] (node-guarding, an
// NMT-master responsibility, only makes sense for a node hosting one).
func (c *NodeProcessor) EnableNodeGuard() (*heartbeat.NodeGuard, error) {
	local, ok := c.node.(*LocalNode)
	if !ok {
		return nil, errors.New("node guarding requires a local node acting as NMT master")
	}
	return heartbeat.NewNodeGuard(local.BusManager, c.logger, local.EMCY), nil
}

// EnableNodeGuardResponder makes this processor's node answer legacy
// node-guarding requests (RTR + toggle-bit/state reply) the way a
// CiA 301 slave without heartbeat support must, instead of relying on a
// CAN controller's own RTR auto-answer feature. Safe to enable alongside
// a heartbeat producer; a node-guarding master addresses the same COB-ID
// either way.
func (c *NodeProcessor) EnableNodeGuardResponder() (*heartbeat.NodeGuardResponder, error) {
	local, ok := c.node.(*LocalNode)
	if !ok {
		return nil, errors.New("node guard responder requires a local node")
	}
	responder, err := heartbeat.NewNodeGuardResponder(local.BusManager, local.GetID(), local.NMT.GetInternalState)
	if err != nil {
		return nil, err
	}
	c.guardResponder = responder
	return responder, nil
}
