package lss

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	canopen "github.com/nodehive/canopen"
	"github.com/nodehive/canopen/pkg/od"
)

type LSSSlave struct {
	*canopen.BusManager
	logger        *slog.Logger
	address       LSSAddress
	addressSwitch LSSAddress
	activeNodeId  uint8
	pendingNodeId uint8
	rx            chan LSSMessage
	state         LSSState

	// fastscanSub is the identity field (0=vendor, 1=product, 2=revision,
	// 3=serial) this slave currently expects to be bisected next, per the
	// CiA 305 fastscan protocol. Only meaningful while unconfigured.
	fastscanSub uint8
	// identify accumulates an in-flight "identify remote slave" range
	// request across its six constituent frames.
	identify lssIdentifyRange
}

// lssIdentifyRange is the vendor/product/revision-range/serial-range
// accumulated across the six CmdIdentifyRemoteSlave* frames of a single
// identify-remote-slave request (CiA 305 9.2.6).
type lssIdentifyRange struct {
	vendorId, productCode uint32
	revLow, revHigh       uint32
	serLow, serHigh       uint32
}

// Handle [LSSSlave] related RX CAN frames
func (l *LSSSlave) Handle(frame canopen.Frame) {

	if frame.DLC != 8 {
		return
	}
	msg := LSSMessage{raw: frame.Data}
	l.logger.Info("received new command from master",
		"cmd", msg.Command(),
		"cmdHex", fmt.Sprintf("x%x", msg.Command()),
		"raw", msg.raw,
	)
	select {
	case l.rx <- msg:
	default:
		l.logger.Warn("dropped LSS master RX frame")
		// Drop frame
	}
}

// To be launched inside of a goroutine (replies to incoming messages)
func (l *LSSSlave) Process(ctx context.Context) {
	l.logger.Info("starting lss slave process", "address", l.address)
	for {
		select {
		case rx := <-l.rx:
			prevState := l.state
			l.processRequest(rx)
			currentState := l.state
			if prevState != currentState {
				l.logger.Info("slave moved from state", "previous", prevState.String(), "current", currentState.String())
			}
		case <-ctx.Done():
			l.logger.Info("exiting lss slave process")
			return
		}
	}
}

// Get current lss state
func (l *LSSSlave) GetState() LSSState {
	return l.state
}

// Process new request from master depending on the current LSS mode
// Available commands depend on the state.
func (l *LSSSlave) processRequest(rx LSSMessage) error {

	cmd := rx.Command()
	state := l.state

	switch {

	case (cmd >= CmdSwitchStateSelectiveVendor && cmd <= CmdSwitchStateSelectiveResult) || cmd == CmdSwitchStateGlobal:
		err := l.processSwitchStateService(rx)
		if err != nil {
			l.logger.Warn("error processing switch state service", "err", err)
		}

	case cmd >= CmdConfigureNodeId && cmd <= CmdConfigureStoreParameters:
		// Configuration service is only valid in configuration mode
		if state != StateConfiguration {
			return nil
		}
		err := l.processConfigurationService(rx)
		if err != nil {
			l.logger.Warn("error processing configuration service", "err", err)
		}

	case cmd >= CmdInquireVendor && cmd <= CmdInquireNodeId:
		// Inquire service is only valid in configuration mode
		if state != StateConfiguration {
			return nil
		}
		err := l.processInquiryService(cmd)
		if err != nil {
			l.logger.Warn("error processing inquiry service", "err", err)
		}

	case cmd >= CmdIdentifyRemoteSlaveVendor && cmd <= CmdIdentifyNonConfiguredSlave:
		// Identification services are available regardless of state
		err := l.processIdentifyService(rx)
		if err != nil {
			l.logger.Warn("error processing identify service", "err", err)
		}

	case cmd == CmdFastscan:
		err := l.processFastscan(rx)
		if err != nil {
			l.logger.Warn("error processing fastscan", "err", err)
		}
	}

	return nil
}

// Process switch state service message
func (l *LSSSlave) processSwitchStateService(msg LSSMessage) error {
	switch msg.Command() {

	case CmdSwitchStateGlobal:
		mode := LSSMode(msg.raw[1])
		switch mode {

		case ModeWaiting:
			// TODO : unclear whether it is the slave that should perform the reset
			// In case of reset comm, active node id should be taken from pending node id
			l.state = StateWaiting

		case ModeConfiguration:
			l.state = StateConfiguration
		default:
			// Not a standard command
			l.logger.Warn("switch mode unknown", "mode", mode)
		}

	case CmdSwitchStateSelectiveVendor:
		l.addressSwitch.VendorId = binary.LittleEndian.Uint32(msg.raw[1:5])
		l.logger.Debug("switch state selective", "vendor", l.addressSwitch.VendorId)

	case CmdSwitchStateSelectiveProduct:
		l.addressSwitch.ProductCode = binary.LittleEndian.Uint32(msg.raw[1:5])
		l.logger.Debug("switch state selective", "product", l.addressSwitch.ProductCode)

	case CmdSwitchStateSelectiveRevision:
		l.addressSwitch.RevisionNumber = binary.LittleEndian.Uint32(msg.raw[1:5])
		l.logger.Debug("switch state selective", "revision", l.addressSwitch.RevisionNumber)

	case CmdSwitchStateSelectiveSerialNb:
		// This is the last part of the switch state selective.
		// After this we can determine if we are the node that has been selected
		l.addressSwitch.SerialNumber = binary.LittleEndian.Uint32(msg.raw[1:5])
		l.logger.Debug("switch state selective", "serial number", l.addressSwitch.SerialNumber)
		if l.addressSwitch == l.address {
			l.state = StateConfiguration
			// Send successfull response
			return l.Send([8]byte{byte(CmdSwitchStateSelectiveResult)})
		} else {
			l.logger.Debug("switch state selective ignored", "requested", l.addressSwitch, "current", l.address)
		}
	}
	return nil
}

// Process inquiry service message, prepare TX buffer for sending
func (l *LSSSlave) processInquiryService(cmd LSSCommand) error {

	data := [8]byte{byte(cmd)}
	switch cmd {

	case CmdInquireVendor:
		binary.LittleEndian.PutUint32(data[1:], l.address.VendorId)

	case CmdInquireProduct:
		binary.LittleEndian.PutUint32(data[1:], l.address.ProductCode)

	case CmdInquireRevision:
		binary.LittleEndian.PutUint32(data[1:], l.address.RevisionNumber)

	case CmdInquireSerial:
		binary.LittleEndian.PutUint32(data[1:], l.address.SerialNumber)

	case CmdInquireNodeId:
		data[1] = l.activeNodeId

	default:
		return fmt.Errorf("unknown LSS command %v", cmd)
	}
	return l.Send(data)
}

// Process configuration service, prepare TX buffer for sending
func (l *LSSSlave) processConfigurationService(msg LSSMessage) error {

	switch msg.Command() {

	case CmdConfigureBitTiming, CmdConfigureActivateBitTiming, CmdConfigureStoreParameters:
		// Node id is the only supported configuration command for now
		l.logger.Warn("unsupported configuration command")

	case CmdConfigureNodeId:
		nodeId := msg.raw[1]
		if !(nodeId >= 1 && nodeId <= 0x7F || nodeId == 0xFF) {
			l.logger.Warn("requested nodeId is out of range", "id", nodeId)
			return l.Send([8]byte{byte(msg.Command()), ConfigNodeIdOutOfRange})
		}
		l.pendingNodeId = nodeId
		return l.Send([8]byte{byte(msg.Command()), ConfigNodeIdOk})

	default:
		return fmt.Errorf("unknown LSS command %v", msg.Command())

	}
	return nil
}

// Process an identify-remote-slave or identify-non-configured-slave
// request, prepare TX buffer for sending when this slave matches. Unlike
// switch-state/configuration/inquiry services, these are answered
// regardless of current LSS state.
func (l *LSSSlave) processIdentifyService(msg LSSMessage) error {
	switch msg.Command() {

	case CmdIdentifyRemoteSlaveVendor:
		l.identify.vendorId = binary.LittleEndian.Uint32(msg.raw[1:5])

	case CmdIdentifyRemoteSlaveProduct:
		l.identify.productCode = binary.LittleEndian.Uint32(msg.raw[1:5])

	case CmdIdentifyRemoteSlaveRevisionLow:
		l.identify.revLow = binary.LittleEndian.Uint32(msg.raw[1:5])

	case CmdIdentifyRemoteSlaveRevisionHigh:
		l.identify.revHigh = binary.LittleEndian.Uint32(msg.raw[1:5])

	case CmdIdentifyRemoteSlaveSerialLow:
		l.identify.serLow = binary.LittleEndian.Uint32(msg.raw[1:5])

	case CmdIdentifyRemoteSlaveSerialHigh:
		// Last frame of the sequence: evaluate the accumulated range
		// against this slave's own identity.
		l.identify.serHigh = binary.LittleEndian.Uint32(msg.raw[1:5])
		if l.identify.vendorId == l.address.VendorId &&
			l.identify.productCode == l.address.ProductCode &&
			l.address.RevisionNumber >= l.identify.revLow && l.address.RevisionNumber <= l.identify.revHigh &&
			l.address.SerialNumber >= l.identify.serLow && l.address.SerialNumber <= l.identify.serHigh {
			return l.Send([8]byte{byte(CmdIdentifySlave)})
		}

	case CmdIdentifyNonConfiguredSlave:
		if l.activeNodeId == NodeIdUnconfigured {
			return l.Send([8]byte{byte(CmdIdentifySlave)})
		}

	default:
		return fmt.Errorf("unknown LSS command %v", msg.Command())
	}
	return nil
}

// processFastscan implements the CiA 305 fastscan protocol slave side: a
// single unconfigured slave bisects one identity field (vendor, product,
// revision, serial, in that order) per round of 32 probes, answering only
// while it still matches every bit checked so far.
func (l *LSSSlave) processFastscan(msg LSSMessage) error {
	if l.activeNodeId != NodeIdUnconfigured {
		return nil
	}

	idNumber := binary.LittleEndian.Uint32(msg.raw[1:5])
	bitCheck := msg.raw[5]
	lssSub := msg.raw[6]
	lssNext := msg.raw[7]
	if lssSub > 3 || lssNext > 3 {
		return nil
	}

	if bitCheck == 0x80 {
		// Presence/reset probe: master uses lssSub==lssNext to (re)point
		// this slave's scan cursor at lssSub before bisecting it.
		if lssSub == lssNext {
			l.fastscanSub = lssSub
		}
		if lssSub != l.fastscanSub {
			return nil
		}
		return l.Send([8]byte{byte(CmdIdentifySlave)})
	}

	if bitCheck > 31 || lssSub != l.fastscanSub {
		return nil
	}

	mask := ^uint32(0) << bitCheck
	if idNumber&mask != l.fastscanField(lssSub)&mask {
		return nil
	}
	if bitCheck == 0 {
		// This field's 32 bits are now fully resolved, advance the cursor.
		l.fastscanSub = lssNext
	}
	return l.Send([8]byte{byte(CmdIdentifySlave)})
}

func (l *LSSSlave) fastscanField(sub uint8) uint32 {
	switch sub {
	case 0:
		return l.address.VendorId
	case 1:
		return l.address.ProductCode
	case 2:
		return l.address.RevisionNumber
	default:
		return l.address.SerialNumber
	}
}

func (l *LSSSlave) Send(data [8]byte) error {
	frame := canopen.NewFrame(ServiceSlaveId, 0, 8)
	frame.Data = data
	return l.BusManager.Send(frame)
}

func NewLSSSlave(bm *canopen.BusManager, logger *slog.Logger, identity *od.Entry, nodeId uint8) (*LSSSlave, error) {

	var err error
	if logger == nil {
		logger = slog.Default()
	}
	lss := &LSSSlave{BusManager: bm, logger: logger}
	lss.logger = logger.With("service", "[LSSSlave]")
	lss.address.VendorId, err = identity.Uint32(1)
	if err != nil {
		return nil, err
	}
	lss.address.ProductCode, err = identity.Uint32(2)
	if err != nil {
		return nil, err
	}
	lss.address.RevisionNumber, err = identity.Uint32(3)
	if err != nil {
		return nil, err
	}
	lss.address.SerialNumber, err = identity.Uint32(4)
	if err != nil {
		return nil, err
	}
	lss.state = StateWaiting
	lss.fastscanSub = 0
	lss.rx = make(chan LSSMessage, 10)
	err = lss.Subscribe(ServiceMasterId, 0x7FF, false, lss)
	if err != nil {
		return nil, err
	}
	lss.activeNodeId = nodeId
	lss.pendingNodeId = nodeId
	return lss, nil
}
