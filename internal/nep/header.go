// Package nep implements the Nping Echo Protocol message codec.
//
// Common header (big-endian):
//
//	0                   1                   2                   3
//	0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|    Version    |  Message Type |          Total Length         |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                        Sequence Number                        |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                           Timestamp                           |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                           Reserved                            |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	.                     Message-type payload                      .
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	.                Message Authentication Code (32)               .
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//
// Payload fields are reached through an offset table keyed by message type,
// never through overlapping struct views of the buffer.
package nep

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"firestige.xyz/nepwire/internal/core"
)

const (
	CurrentVersion uint8 = 0x01

	HeaderLen    = 16
	MACLen       = 32
	NonceLen     = 32
	PartnerLen   = 16
	FieldSpecLen = 108
	ErrorMsgLen  = 80
	BlockLen     = 16

	EchoedHeaderLen    = 4 // DLT + packet length
	MaxEchoedPacketLen = 9212
	MaxDataLen         = EchoedHeaderLen + MaxEchoedPacketLen + MACLen
	MaxPacketLen       = HeaderLen + MaxDataLen
	EchoMinLen         = HeaderLen + BlockLen + MACLen

	// DefaultPort is the TCP port echo servers listen on.
	DefaultPort = 9929

	// DLTNoLinkHeader marks echoed packets that start at the network layer.
	DLTNoLinkHeader uint16 = 0x0000
)

// MessageType identifies the payload variant carried after the common header.
type MessageType uint8

const (
	HandshakeServer MessageType = 0x01
	HandshakeClient MessageType = 0x02
	HandshakeFinal  MessageType = 0x03
	PacketSpec      MessageType = 0x04
	Ready           MessageType = 0x05
	Echo            MessageType = 0x06
	Error           MessageType = 0x07
)

var messageTypeNames = map[MessageType]string{
	HandshakeServer: "HANDSHAKE_SERVER",
	HandshakeClient: "HANDSHAKE_CLIENT",
	HandshakeFinal:  "HANDSHAKE_FINAL",
	PacketSpec:      "PACKET_SPEC",
	Ready:           "READY",
	Echo:            "ECHO",
	Error:           "ERROR",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
}

// Known reports whether t is one of the protocol message types.
func (t MessageType) Known() bool {
	_, ok := messageTypeNames[t]
	return ok
}

// ParseMessageType accepts a type name (case-insensitive, optional NEP_
// prefix) or a numeric value.
func ParseMessageType(s string) (MessageType, error) {
	name := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "NEP_")
	for t, n := range messageTypeNames {
		if n == name {
			return t, nil
		}
	}
	if v, err := strconv.ParseUint(s, 0, 8); err == nil && MessageType(v).Known() {
		return MessageType(v), nil
	}
	return 0, fmt.Errorf("nep: unknown message type %q: %w", s, core.ErrFieldViolation)
}

// Header holds one NEP message in wire form.
type Header struct {
	buf    [MaxPacketLen]byte
	length int
	rest   []byte // bytes after the message when decoded from a stream

	echoLen int // ECHO: DLT + length + packet + padding

	fsOff   int   // field spec read cursor
	fsBytes int   // field spec bytes written or recovered
	fsErr   error // why a recovered field spec region stopped early
}

// NewMessage returns a header laid out for mt with the current version.
func NewMessage(mt MessageType) (*Header, error) {
	h := &Header{}
	h.Reset()
	h.SetVersion(CurrentVersion)
	if err := h.SetMessageType(mt); err != nil {
		return nil, err
	}
	return h, nil
}

// Reset zeroes the message and leaves only the common header.
func (h *Header) Reset() {
	h.buf = [MaxPacketLen]byte{}
	h.length = HeaderLen
	h.rest = nil
	h.echoLen = 0
	h.fsOff, h.fsBytes, h.fsErr = 0, 0, nil
}

func (h *Header) fail() {
	h.Reset()
	h.length = 0
}

// Decode stores a received message. Only the common header size is checked;
// the payload may still be ciphertext, so Validate runs after any decryption.
func (h *Header) Decode(data []byte) error {
	if len(data) < HeaderLen {
		h.fail()
		return fmt.Errorf("nep: need %d bytes, got %d: %w", HeaderLen, len(data), core.ErrMalformedInput)
	}
	if len(data) > MaxPacketLen {
		h.fail()
		return fmt.Errorf("nep: %d bytes exceeds maximum %d: %w", len(data), MaxPacketLen, core.ErrLengthMismatch)
	}
	h.Reset()
	copy(h.buf[:], data)
	h.length = len(data)
	h.refresh()
	return nil
}

// refresh recomputes derived state from the stored bytes.
func (h *Header) refresh() {
	h.echoLen = 0
	h.fsOff, h.fsBytes, h.fsErr = 0, 0, nil
	switch h.MessageType() {
	case Echo:
		if h.length >= HeaderLen+MACLen {
			h.echoLen = h.length - HeaderLen - MACLen
		}
	case PacketSpec:
		h.recountFieldSpecs()
	}
}

// SetMessageType lays out an empty payload for mt.
func (h *Header) SetMessageType(mt MessageType) error {
	lay, ok := layoutOf(mt)
	if !ok {
		return fmt.Errorf("nep: unknown message type 0x%02x: %w", uint8(mt), core.ErrFieldViolation)
	}
	clear(h.buf[HeaderLen:])
	h.buf[1] = uint8(mt)
	h.rest = nil
	h.fsOff, h.fsBytes, h.fsErr = 0, 0, nil
	if mt == Echo {
		h.echoLen = BlockLen
		h.length = HeaderLen + h.echoLen + MACLen
	} else {
		h.echoLen = 0
		h.length = lay.size
	}
	h.FinalizeTotalLength()
	return nil
}

func (h *Header) MessageType() MessageType { return MessageType(h.buf[1]) }

func (h *Header) Version() uint8     { return h.buf[0] }
func (h *Header) SetVersion(v uint8) { h.buf[0] = v }

// TotalLength returns the declared total length field.
func (h *Header) TotalLength() uint16 { return binary.BigEndian.Uint16(h.buf[2:4]) }

// SetTotalLength writes an explicit total length.
func (h *Header) SetTotalLength(v uint16) { binary.BigEndian.PutUint16(h.buf[2:4], v) }

// FinalizeTotalLength writes the length of the current layout into the
// total length field. Call it after the payload changes shape.
func (h *Header) FinalizeTotalLength() {
	h.SetTotalLength(uint16(h.length))
}

func (h *Header) SequenceNumber() uint32     { return binary.BigEndian.Uint32(h.buf[4:8]) }
func (h *Header) SetSequenceNumber(v uint32) { binary.BigEndian.PutUint32(h.buf[4:8], v) }
func (h *Header) Timestamp() uint32          { return binary.BigEndian.Uint32(h.buf[8:12]) }
func (h *Header) SetTimestamp(v uint32)      { binary.BigEndian.PutUint32(h.buf[8:12], v) }
func (h *Header) Reserved() uint32           { return binary.BigEndian.Uint32(h.buf[12:16]) }
func (h *Header) SetReserved(v uint32)       { binary.BigEndian.PutUint32(h.buf[12:16], v) }

// Stamp sets the timestamp field to t in Unix seconds.
func (h *Header) Stamp(t time.Time) { h.SetTimestamp(uint32(t.Unix())) }

// Validate checks the stored message against its message type layout. It
// never modifies the message.
func (h *Header) Validate() error {
	if h.length < HeaderLen {
		return fmt.Errorf("nep: message of %d bytes: %w", h.length, core.ErrMalformedInput)
	}
	if v := h.Version(); v != CurrentVersion {
		return fmt.Errorf("nep: unsupported version %d: %w", v, core.ErrFieldViolation)
	}
	mt := h.MessageType()
	lay, ok := layoutOf(mt)
	if !ok {
		return fmt.Errorf("nep: unknown message type 0x%02x: %w", uint8(mt), core.ErrFieldViolation)
	}
	if tl := int(h.TotalLength()); tl != h.length {
		return fmt.Errorf("nep: total length field %d, message has %d bytes: %w", tl, h.length, core.ErrLengthMismatch)
	}

	switch mt {
	case Echo:
		if err := h.validateEcho(); err != nil {
			return err
		}
	default:
		if h.length != lay.size {
			return fmt.Errorf("nep: %s must be %d bytes, got %d: %w", mt, lay.size, h.length, core.ErrFieldViolation)
		}
	}

	if lay.ipVersion != absent {
		if v := h.buf[lay.ipVersion]; v != 4 && v != 6 {
			return fmt.Errorf("nep: %s with ip version %d: %w", mt, v, core.ErrFieldViolation)
		}
	}
	if mt == PacketSpec {
		switch h.buf[lay.protocol] {
		case ProtoTCP, ProtoUDP, ProtoICMP:
		default:
			return fmt.Errorf("nep: packet spec protocol %d: %w", h.buf[lay.protocol], core.ErrFieldViolation)
		}
		if h.fsErr != nil {
			return h.fsErr
		}
	}
	return nil
}

func (h *Header) validateEcho() error {
	if h.length < EchoMinLen || h.length > MaxPacketLen {
		return fmt.Errorf("nep: ECHO of %d bytes outside [%d, %d]: %w", h.length, EchoMinLen, MaxPacketLen, core.ErrFieldViolation)
	}
	if h.echoLen%BlockLen != 0 {
		return fmt.Errorf("nep: ECHO data of %d bytes is not block aligned: %w", h.echoLen, core.ErrFieldViolation)
	}
	pktLen := int(binary.BigEndian.Uint16(h.buf[echoPacketLenOff:]))
	if pktLen > MaxEchoedPacketLen {
		return fmt.Errorf("nep: echoed packet of %d bytes: %w", pktLen, core.ErrFieldViolation)
	}
	if padded(EchoedHeaderLen+pktLen) != h.echoLen {
		return fmt.Errorf("nep: echoed packet length %d does not fit %d data bytes: %w", pktLen, h.echoLen, core.ErrLengthMismatch)
	}
	return nil
}

// padded rounds n up to a whole number of cipher blocks, minimum one block.
func padded(n int) int {
	if n <= 0 {
		return BlockLen
	}
	return (n + BlockLen - 1) / BlockLen * BlockLen
}

// Bytes returns the message's wire bytes.
func (h *Header) Bytes() []byte { return h.buf[:h.length] }

// Len returns the message length in bytes.
func (h *Header) Len() int { return h.length }

// Summary renders the message on one line.
func (h *Header) Summary(detail core.Detail) string {
	s := fmt.Sprintf("NEP[ver=%d type=%s len=%d seq=%d]",
		h.Version(), h.MessageType(), h.TotalLength(), h.SequenceNumber())
	if detail < core.DetailMedium {
		return s
	}
	switch h.MessageType() {
	case HandshakeClient, HandshakeFinal:
		if addr, err := h.PartnerAddress(); err == nil {
			s += " partner=" + addr.String()
		}
	case PacketSpec:
		proto, _ := h.Protocol()
		count, _ := h.PacketCount()
		s += fmt.Sprintf(" proto=%d count=%d specs=%dB", proto, count, h.fsBytes)
	case Echo:
		dlt, _ := h.DLT()
		pl, _ := h.PacketLength()
		s += fmt.Sprintf(" dlt=%d pktlen=%d", dlt, pl)
	case Error:
		if msg, err := h.ErrorMessage(); err == nil {
			s += fmt.Sprintf(" msg=%q", msg)
		}
	}
	if detail >= core.DetailHigh && h.length >= HeaderLen+MACLen {
		s += fmt.Sprintf(" mac=%x", h.buf[h.length-MACLen:h.length])
	}
	return s
}
