// Package canopen provides the CAN transport primitives shared by every
// protocol engine in the stack: the Frame/Bus abstraction, the BusManager
// that fans received frames out to subscribers, and the CAN-level error
// flags engines react to (bus warning, passive, bus-off, overflow, ...).
package canopen

// CanRtrFlag marks a frame as a remote transmission request.
const CanRtrFlag uint32 = 0x40000000

// CanSffMask isolates the 11-bit standard identifier from a raw CAN id.
const CanSffMask uint32 = 0x000007FF

// CAN controller error flags, as reported by Bus implementations through
// whatever channel they use to surface controller state (poll, netlink
// notification, ...). Engines read these through BusManager.Error and react
// to the edges (see pkg/emergency).
const (
	CanErrorTxWarning  = 0x0001
	CanErrorTxPassive  = 0x0002
	CanErrorTxBusOff   = 0x0004
	CanErrorTxOverflow = 0x0008
	CanErrorPdoLate    = 0x0080
	CanErrorRxWarning  = 0x0100
	CanErrorRxPassive  = 0x0200
	CanErrorRxOverflow = 0x0800
)

// Frame is a classic CAN frame, standard 11-bit identifiers only. Flags
// carries adapter-specific bits (currently unused at this layer, reserved
// for RTR/extended markers some Bus implementations may want to surface).
type Frame struct {
	ID    uint32
	Flags uint8
	DLC   uint8
	Data  [8]byte
}

// NewFrame builds a Frame with a zeroed payload.
func NewFrame(id uint32, flags uint8, dlc uint8) Frame {
	return Frame{ID: id, Flags: flags, DLC: dlc}
}

// FrameListener receives CAN frames dispatched by a BusManager. Handle must
// not block: it runs on the Bus's own receive path.
type FrameListener interface {
	Handle(frame Frame)
}

// Bus is the adapter contract a transport backend (socketcan, virtual, ...)
// must satisfy to be driven by a BusManager.
type Bus interface {
	Connect(args ...any) error
	Disconnect() error
	Send(frame Frame) error
	// Subscribe registers the single callback invoked for every frame the
	// backend receives; per-ID fan-out is BusManager's job, not the Bus's.
	Subscribe(callback FrameListener) error
}
