// Package socketcan adapts github.com/brutella/can's netlink-backed bus to
// the canopen.Bus contract, so it can be selected through network.NewBus the
// same way the virtual backend is.
package socketcan

import (
	"fmt"

	sockcan "github.com/brutella/can"

	canopen "github.com/nodehive/canopen"
	can "github.com/nodehive/canopen/pkg/can"
)

func init() {
	can.RegisterInterface("socketcan", NewSocketcanBus)
}

type SocketcanBus struct {
	bus        *sockcan.Bus
	rxCallback canopen.FrameListener
}

func (b *SocketcanBus) Connect(...any) error {
	go b.bus.ConnectAndPublish()
	return nil
}

func (b *SocketcanBus) Disconnect() error {
	return b.bus.Disconnect()
}

func (b *SocketcanBus) Send(frame canopen.Frame) error {
	return b.bus.Publish(sockcan.Frame{
		ID:     frame.ID,
		Length: frame.DLC,
		Flags:  frame.Flags,
		Data:   frame.Data,
	})
}

func (b *SocketcanBus) Subscribe(rxCallback canopen.FrameListener) error {
	b.rxCallback = rxCallback
	// brutella/can dispatches received frames through its own Handle-style
	// interface; we forward into the canopen.FrameListener given to us.
	b.bus.Subscribe(b)
	return nil
}

// Handle satisfies brutella/can's receive-side interface.
func (b *SocketcanBus) Handle(frame sockcan.Frame) {
	if b.rxCallback == nil {
		return
	}
	b.rxCallback.Handle(canopen.Frame{ID: frame.ID, DLC: frame.Length, Flags: frame.Flags, Data: frame.Data})
}

// StopController implements lss.BitrateSwitcher by disconnecting the
// underlying netlink socket, the nearest brutella/can equivalent of
// halting the CAN controller.
func (b *SocketcanBus) StopController() error {
	return b.Disconnect()
}

// SetBitrate implements lss.BitrateSwitcher. brutella/can has no netlink
// call to change an interface's bit rate at runtime (that's `ip link set
// canX type can bitrate ...`, done outside this process), so this
// reports the limitation explicitly rather than pretending to switch.
func (b *SocketcanBus) SetBitrate(bps int) error {
	return fmt.Errorf("socketcan backend cannot change interface bit rate at runtime (requested %d bps); reconfigure the interface out of band", bps)
}

// StartController implements lss.BitrateSwitcher by reconnecting.
func (b *SocketcanBus) StartController() error {
	return b.Connect()
}

func NewSocketcanBus(channel string) (canopen.Bus, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(channel)
	if err != nil {
		return nil, err
	}
	return &SocketcanBus{bus: bus}, nil
}
