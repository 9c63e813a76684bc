package nep

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"

	"firestige.xyz/nepwire/internal/core"
)

// Protocol identifiers carried in PACKET_SPEC messages.
const (
	ProtoICMP uint8 = 0x01
	ProtoTCP  uint8 = 0x06
	ProtoUDP  uint8 = 0x11
)

const absent = -1

// layout holds the absolute offset of every payload field of one message
// type, or absent.
type layout struct {
	size int // fixed total length, 0 when variable

	serverNonce int
	clientNonce int
	partner     int
	ipVersion   int
	protocol    int
	packetCount int
	fieldSpecs  int
	dlt         int
	errMsg      int

	cipherStart int
	cipherLen   int // -1 when the range runs up to the MAC
}

const (
	echoDLTOff       = HeaderLen
	echoPacketLenOff = HeaderLen + 2
	echoPacketOff    = HeaderLen + EchoedHeaderLen
)

func emptyLayout() layout {
	return layout{
		serverNonce: absent, clientNonce: absent, partner: absent,
		ipVersion: absent, protocol: absent, packetCount: absent,
		fieldSpecs: absent, dlt: absent, errMsg: absent,
	}
}

var layouts = func() map[MessageType]layout {
	m := make(map[MessageType]layout)

	// nonce(32) reserved(16) mac(32); sent in the clear
	l := emptyLayout()
	l.size = 96
	l.serverNonce = 16
	l.cipherStart, l.cipherLen = 0, 0
	m[HandshakeServer] = l

	// server nonce(32) client nonce(32) partner(16) ipver(1) reserved(15) mac(32)
	l = emptyLayout()
	l.size = 144
	l.serverNonce, l.clientNonce, l.partner, l.ipVersion = 16, 48, 80, 96
	l.cipherStart, l.cipherLen = 80, 32
	m[HandshakeClient] = l

	// client nonce(32) partner(16) ipver(1) reserved(15) mac(32)
	l = emptyLayout()
	l.size = 112
	l.clientNonce, l.partner, l.ipVersion = 16, 48, 64
	l.cipherStart, l.cipherLen = 48, 32
	m[HandshakeFinal] = l

	// ipver(1) proto(1) count(2) specs(108) mac(32)
	l = emptyLayout()
	l.size = 160
	l.ipVersion, l.protocol, l.packetCount, l.fieldSpecs = 16, 17, 18, 20
	l.cipherStart, l.cipherLen = 0, 128
	m[PacketSpec] = l

	// mac(32)
	l = emptyLayout()
	l.size = 48
	l.cipherStart, l.cipherLen = 0, 16
	m[Ready] = l

	// dlt(2) pktlen(2) packet padding mac(32)
	l = emptyLayout()
	l.dlt = echoDLTOff
	l.cipherStart, l.cipherLen = 0, -1
	m[Echo] = l

	// message(80) mac(32)
	l = emptyLayout()
	l.size = 128
	l.errMsg = 16
	l.cipherStart, l.cipherLen = 0, 96
	m[Error] = l

	return m
}()

func layoutOf(mt MessageType) (layout, bool) {
	l, ok := layouts[mt]
	return l, ok
}

// field resolves the offset of one payload field for the current message
// type; pick selects the field from the layout.
func (h *Header) field(name string, pick func(layout) int) (int, error) {
	lay, ok := layoutOf(h.MessageType())
	if !ok {
		return 0, fmt.Errorf("nep: %s on %s: %w", name, h.MessageType(), core.ErrWrongVariant)
	}
	off := pick(lay)
	if off == absent {
		return 0, fmt.Errorf("nep: %s on %s: %w", name, h.MessageType(), core.ErrWrongVariant)
	}
	return off, nil
}

func (h *Header) setNonce(name string, pick func(layout) int, nonce []byte) error {
	off, err := h.field(name, pick)
	if err != nil {
		return err
	}
	if len(nonce) != NonceLen {
		return fmt.Errorf("nep: %s must be %d bytes, got %d: %w", name, NonceLen, len(nonce), core.ErrMalformedInput)
	}
	copy(h.buf[off:off+NonceLen], nonce)
	return nil
}

func (h *Header) nonce(name string, pick func(layout) int) ([]byte, error) {
	off, err := h.field(name, pick)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(h.buf[off : off+NonceLen]), nil
}

// SetServerNonce is valid for HANDSHAKE_SERVER and HANDSHAKE_CLIENT.
func (h *Header) SetServerNonce(nonce []byte) error {
	return h.setNonce("server nonce", func(l layout) int { return l.serverNonce }, nonce)
}

func (h *Header) ServerNonce() ([]byte, error) {
	return h.nonce("server nonce", func(l layout) int { return l.serverNonce })
}

// SetClientNonce is valid for HANDSHAKE_CLIENT and HANDSHAKE_FINAL.
func (h *Header) SetClientNonce(nonce []byte) error {
	return h.setNonce("client nonce", func(l layout) int { return l.clientNonce }, nonce)
}

func (h *Header) ClientNonce() ([]byte, error) {
	return h.nonce("client nonce", func(l layout) int { return l.clientNonce })
}

// SetPartnerAddress stores addr and the matching ip version. IPv4 addresses
// occupy the leading 4 bytes of the 16-byte field.
func (h *Header) SetPartnerAddress(addr netip.Addr) error {
	off, err := h.field("partner address", func(l layout) int { return l.partner })
	if err != nil {
		return err
	}
	if !addr.IsValid() {
		return fmt.Errorf("nep: invalid partner address: %w", core.ErrMalformedInput)
	}
	ipv := h.buf[off+PartnerLen:] // ip version follows the partner field
	clear(h.buf[off : off+PartnerLen])
	if addr.Is4() {
		a := addr.As4()
		copy(h.buf[off:], a[:])
		ipv[0] = 4
	} else {
		a := addr.As16()
		copy(h.buf[off:], a[:])
		ipv[0] = 6
	}
	return nil
}

func (h *Header) PartnerAddress() (netip.Addr, error) {
	off, err := h.field("partner address", func(l layout) int { return l.partner })
	if err != nil {
		return netip.Addr{}, err
	}
	switch v := h.buf[off+PartnerLen]; v {
	case 4:
		return netip.AddrFrom4([4]byte(h.buf[off : off+4])), nil
	case 6:
		return netip.AddrFrom16([16]byte(h.buf[off : off+PartnerLen])), nil
	default:
		return netip.Addr{}, fmt.Errorf("nep: partner ip version %d: %w", v, core.ErrFieldViolation)
	}
}

// SetIPVersion is valid for HANDSHAKE_CLIENT, HANDSHAKE_FINAL and PACKET_SPEC.
func (h *Header) SetIPVersion(v uint8) error {
	off, err := h.field("ip version", func(l layout) int { return l.ipVersion })
	if err != nil {
		return err
	}
	h.buf[off] = v
	return nil
}

func (h *Header) IPVersion() (uint8, error) {
	off, err := h.field("ip version", func(l layout) int { return l.ipVersion })
	if err != nil {
		return 0, err
	}
	return h.buf[off], nil
}

func (h *Header) SetProtocol(proto uint8) error {
	off, err := h.field("protocol", func(l layout) int { return l.protocol })
	if err != nil {
		return err
	}
	h.buf[off] = proto
	return nil
}

func (h *Header) Protocol() (uint8, error) {
	off, err := h.field("protocol", func(l layout) int { return l.protocol })
	if err != nil {
		return 0, err
	}
	return h.buf[off], nil
}

func (h *Header) SetPacketCount(n uint16) error {
	off, err := h.field("packet count", func(l layout) int { return l.packetCount })
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(h.buf[off:], n)
	return nil
}

func (h *Header) PacketCount() (uint16, error) {
	off, err := h.field("packet count", func(l layout) int { return l.packetCount })
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(h.buf[off:]), nil
}

func (h *Header) SetDLT(dlt uint16) error {
	if _, err := h.field("dlt", func(l layout) int { return l.dlt }); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(h.buf[echoDLTOff:], dlt)
	return nil
}

func (h *Header) DLT() (uint16, error) {
	if _, err := h.field("dlt", func(l layout) int { return l.dlt }); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(h.buf[echoDLTOff:]), nil
}

// PacketLength returns the declared echoed packet length.
func (h *Header) PacketLength() (uint16, error) {
	if _, err := h.field("packet length", func(l layout) int { return l.dlt }); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(h.buf[echoPacketLenOff:]), nil
}

// SetEchoedPacket copies pkt into an ECHO message, pads the data region to
// a block boundary and clears the MAC. The total length field is left for
// FinalizeTotalLength.
func (h *Header) SetEchoedPacket(pkt []byte) error {
	if _, err := h.field("echoed packet", func(l layout) int { return l.dlt }); err != nil {
		return err
	}
	if len(pkt) > MaxEchoedPacketLen {
		return fmt.Errorf("nep: echoed packet of %d bytes exceeds %d: %w", len(pkt), MaxEchoedPacketLen, core.ErrCapacityExceeded)
	}
	binary.BigEndian.PutUint16(h.buf[echoPacketLenOff:], uint16(len(pkt)))
	h.echoLen = padded(EchoedHeaderLen + len(pkt))
	h.length = HeaderLen + h.echoLen + MACLen
	copy(h.buf[echoPacketOff:], pkt)
	clear(h.buf[echoPacketOff+len(pkt) : h.length])
	return nil
}

// EchoedPacket returns the packet carried by an ECHO message.
func (h *Header) EchoedPacket() ([]byte, error) {
	pl, err := h.PacketLength()
	if err != nil {
		return nil, err
	}
	if int(pl) > h.echoLen-EchoedHeaderLen {
		return nil, fmt.Errorf("nep: echoed packet length %d exceeds %d data bytes: %w", pl, h.echoLen, core.ErrMalformedInput)
	}
	return h.buf[echoPacketOff : echoPacketOff+int(pl)], nil
}

// SetErrorMessage stores msg, truncated so that a NUL terminator always fits.
func (h *Header) SetErrorMessage(msg string) error {
	off, err := h.field("error message", func(l layout) int { return l.errMsg })
	if err != nil {
		return err
	}
	clear(h.buf[off : off+ErrorMsgLen])
	if len(msg) > ErrorMsgLen-1 {
		msg = msg[:ErrorMsgLen-1]
	}
	copy(h.buf[off:], msg)
	return nil
}

func (h *Header) ErrorMessage() (string, error) {
	off, err := h.field("error message", func(l layout) int { return l.errMsg })
	if err != nil {
		return "", err
	}
	raw := h.buf[off : off+ErrorMsgLen]
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return string(raw), nil
}

// MAC returns the stored message authentication code.
func (h *Header) MAC() ([]byte, error) {
	if h.length < HeaderLen+MACLen {
		return nil, fmt.Errorf("nep: message of %d bytes has no MAC: %w", h.length, core.ErrMalformedInput)
	}
	return bytes.Clone(h.buf[h.length-MACLen : h.length]), nil
}
