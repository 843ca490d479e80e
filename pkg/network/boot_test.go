package network

import (
	"context"
	"testing"
	"time"

	"github.com/nodehive/canopen/pkg/heartbeat"
	"github.com/nodehive/canopen/pkg/od"
	"github.com/nodehive/canopen/pkg/sdo"
	"github.com/stretchr/testify/assert"
)

// TestEnableBootManager exercises the boot-slave procedure (§4.5) through
// the Network facade: a master node boots a slave sharing the same bus as
// soon as it observes the slave's heartbeat boot-up event. Neither node's
// OD carries 1F85-1F88 expectation entries, so steps 1/2 are no-ops and
// the run exercises the error-history check (1003) and operational
// handoff end to end.
func TestEnableBootManager(t *testing.T) {
	network := CreateNetworkEmptyTest()
	defer network.Disconnect()

	master, err := network.CreateLocalNode(0x40, od.Default())
	assert.Nil(t, err)

	slave, err := network.CreateLocalNode(0x41, od.Default())
	assert.Nil(t, err)

	ctrl, ok := network.controllers[master.GetID()]
	assert.True(t, ok)

	client, err := sdo.NewSDOClient(network.BusManager, network.logger, nil, slave.GetID(), sdo.DefaultClientTimeout, nil)
	assert.Nil(t, err)

	err = network.EnableBootManager(master.GetID(), client, 500, nil)
	assert.Nil(t, err)

	configMaster := master.Configurator()
	err = configMaster.WriteMonitoredNode(1, slave.GetID(), 100)
	assert.Nil(t, err)

	assert.Eventually(t, func() bool {
		return ctrl.BootManager() != nil
	}, time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		job := ctrl.BootManager().Boot(context.Background(), slave.GetID(), nil)
		diagnostic, err := job.Wait()
		return err == nil && diagnostic == 'L'
	}, 2*time.Second, 50*time.Millisecond)
}

// TestEnableNodeGuard exercises the legacy node-guarding path (§4.5)
// through the Network facade end to end: a master polls a slave via RTR
// and the slave answers with a toggled state byte through
// EnableNodeGuardResponder, proving a real slave response keeps the
// guarding master from ever declaring a fault.
func TestEnableNodeGuard(t *testing.T) {
	network := CreateNetworkEmptyTest()
	defer network.Disconnect()

	master, err := network.CreateLocalNode(0x42, od.Default())
	assert.Nil(t, err)
	_, err = network.CreateLocalNode(0x43, od.Default())
	assert.Nil(t, err)

	responder, err := network.EnableNodeGuardResponder(0x43)
	assert.Nil(t, err)
	assert.NotNil(t, responder)
	defer responder.Stop()

	guard, err := network.EnableNodeGuard(master.GetID())
	assert.Nil(t, err)
	assert.NotNil(t, guard)

	var nbTimeout int
	guard.OnEvent(func(event uint8, nodeId uint8, index uint8, state uint8) {
		if event == heartbeat.EventTimeout {
			nbTimeout++
		}
	})

	err = guard.AddNode(0x43, 50*time.Millisecond, 3)
	assert.Nil(t, err)
	defer guard.Stop()

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, nbTimeout)
}
