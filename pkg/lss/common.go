package lss

import (
	"errors"

	"github.com/nodehive/canopen/pkg/config"
)

const (
	ServiceSlaveId     = 0x7E4
	ServiceMasterId    = 0x7E5
	NodeIdUnconfigured = 0xFF
	NodeIdMin          = 0x1
	NodeIdMax          = 0x7F
)

var (
	ErrTimeout       = errors.New("no answer received")
	ErrInvalidNodeId = errors.New("invalid node id")
)

type LSSMode uint8

const (
	ModeWaiting       LSSMode = 0
	ModeConfiguration LSSMode = 1
)

const (

	// Switch mode services, used to connect master & slave for configuration
	CmdSwitchStateGlobal            LSSCommand = 4
	CmdSwitchStateSelectiveVendor   LSSCommand = 64
	CmdSwitchStateSelectiveProduct  LSSCommand = 65
	CmdSwitchStateSelectiveRevision LSSCommand = 66
	CmdSwitchStateSelectiveSerialNb LSSCommand = 67
	CmdSwitchStateSelectiveResult   LSSCommand = 68

	// Configuration services, only available in configuration mode
	CmdConfigureNodeId            LSSCommand = 17
	CmdConfigureBitTiming         LSSCommand = 19
	CmdConfigureActivateBitTiming LSSCommand = 21
	CmdConfigureStoreParameters   LSSCommand = 23

	// Inquiry services, only available in configuration mode
	CmdInquireVendor   LSSCommand = 90
	CmdInquireProduct  LSSCommand = 91
	CmdInquireRevision LSSCommand = 92
	CmdInquireSerial   LSSCommand = 93
	CmdInquireNodeId   LSSCommand = 94

	// Identification services, available in operational & configuration mode
	CmdIdentifyRemoteSlaveVendor       LSSCommand = 70
	CmdIdentifyRemoteSlaveProduct      LSSCommand = 71
	CmdIdentifyRemoteSlaveRevisionLow  LSSCommand = 72
	CmdIdentifyRemoteSlaveRevisionHigh LSSCommand = 73
	CmdIdentifyRemoteSlaveSerialLow    LSSCommand = 74
	CmdIdentifyRemoteSlaveSerialHigh   LSSCommand = 75
	CmdIdentifyNonConfiguredSlave      LSSCommand = 76
	CmdIdentifySlave                   LSSCommand = 79
	CmdFastscan                        LSSCommand = 81
)

// Bit timing table indices accepted by CmdConfigureBitTiming, as defined by
// CiA 301 Table 45. Not every slave supports every rate.
const (
	BitTiming1000K uint8 = 0
	BitTiming800K  uint8 = 1
	BitTiming500K  uint8 = 2
	BitTiming250K  uint8 = 3
	BitTiming125K  uint8 = 4
	BitTiming50K   uint8 = 6
	BitTiming20K   uint8 = 7
	BitTiming10K   uint8 = 8
	BitTimingAuto  uint8 = 9
)

const (
	ConfigNodeIdOk           = 0
	ConfigNodeIdOutOfRange   = 1
	ConfigNodeIdManufacturer = 0xFF
)

// BitrateSwitcher is the local CAN driver cooperation ActivateBitTiming
// needs to actually change this master's own bit rate in step with the
// slaves it just commanded to switch (CiA 305 9.2.5.4): the controller
// must be stopped before the new rate is applied and restarted after.
// Implementations are expected on canopen.Bus backends that support
// runtime bit-rate changes; backends that don't should return an explicit
// unsupported error from SetBitrate rather than silently ignoring it.
type BitrateSwitcher interface {
	StopController() error
	SetBitrate(bps int) error
	StartController() error
}

// The LSS address is used to uniquely identify each node on the CANopen network.
// It corresponds to the concatenated values of the identity object (0x1018)
type LSSAddress struct {
	config.Identity
}

type LSSMessage struct {
	raw [8]byte
}

type LSSCommand uint8

func (m *LSSMessage) Command() LSSCommand {
	return LSSCommand(m.raw[0])
}

type LSSState uint8

func (state LSSState) String() string {
	switch state {
	case StateWaiting:
		return "WAITING"
	case StateConfiguration:
		return "CONFIGURATION"
	default:
		return "UNKNOWN"
	}
}

// LSS states as defined by CiA 305
const (
	// LSS waiting: In this state, the LSS slave devices may be identified. Otherwise the LSS
	// slave device waits for a request to enter LSS configuration state.
	// The LSS slave is operating on its active bit rate.
	// The virtual node-ID and bit rate variables are not changeable by means of LSS in this
	// state.
	StateWaiting LSSState = 1
	// LSS configuration: In this state the virtual node-ID and bit rate variables may be
	// configured at the LSS slave. Device can be configured in this state.
	StateConfiguration LSSState = 2
)
