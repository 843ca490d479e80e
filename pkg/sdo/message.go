package sdo

import (
	"encoding/binary"

	"github.com/nodehive/canopen/internal/crc"
)

// SDOMessage wraps a raw 8 byte CAN payload received by an [SDOServer] from
// a client. It mirrors [SDOResponse], which plays the same role on the
// client side, but decodes the command specifier of a client request
// instead of a server response.
type SDOMessage struct {
	raw [8]byte
}

func (rx *SDOMessage) IsAbort() bool {
	return rx.raw[0] == 0x80
}

func (rx *SDOMessage) GetAbortCode() SDOAbortCode {
	return SDOAbortCode(binary.LittleEndian.Uint32(rx.raw[4:]))
}

func (rx *SDOMessage) GetIndex() uint16 {
	return binary.LittleEndian.Uint16(rx.raw[1:3])
}

func (rx *SDOMessage) GetSubindex() uint8 {
	return rx.raw[3]
}

func (rx *SDOMessage) GetToggle() uint8 {
	return rx.raw[0] & 0x10
}

func (rx *SDOMessage) GetBlockSize() uint8 {
	return rx.raw[4]
}

func (rx *SDOMessage) Seqno() uint8 {
	return rx.raw[0] & 0x7F
}

// SegmentRemaining reports whether the "no more segments" bit (bit 7) of a
// block download sub-block segment is clear, i.e. more segments follow.
func (rx *SDOMessage) SegmentRemaining() bool {
	return rx.raw[0]&0x80 == 0
}

func (rx *SDOMessage) IsCRCEnabled() bool {
	return (rx.raw[0] & 0x04) != 0
}

func (rx *SDOMessage) GetCRCClient() crc.CRC16 {
	return crc.CRC16(binary.LittleEndian.Uint16(rx.raw[1:3]))
}

// IsExpedited reports whether the expedited transfer bit (bit 1) is set in
// a download/upload initiate request.
func (rx *SDOMessage) IsExpedited() bool {
	return (rx.raw[0] & 0x02) != 0
}

// IsSizeIndicated reports whether the size indicated bit (bit 0) is set in
// a download/upload initiate request.
func (rx *SDOMessage) IsSizeIndicated() bool {
	return (rx.raw[0] & 0x01) != 0
}

// IsSizeIndicatedBlock reports whether the size indicated bit (bit 1) is set
// in a block download initiate request.
func (rx *SDOMessage) IsSizeIndicatedBlock() bool {
	return (rx.raw[0] & 0x02) != 0
}

// SizeIndicated returns the data set size announced in a download/upload or
// block download initiate request (bytes 4-7, little endian).
func (rx *SDOMessage) SizeIndicated() uint32 {
	return binary.LittleEndian.Uint32(rx.raw[4:])
}
