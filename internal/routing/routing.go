// Package routing implements the IPv6 Routing extension header codec.
//
// Wire layout (RFC 2460, RFC 5095, RFC 6275):
//
//	Offset  Size  Description
//	------  ----  -----------
//	0       1     Next Header
//	1       1     Hdr Ext Len, in 8-octet units not counting the first 8
//	2       1     Routing Type
//	3       1     Segments Left
//	4       …     Type-specific data, (HdrExtLen+1)*8-4 bytes
//
// Type 0 data is a 4-byte reserved field followed by 16-byte addresses.
// Type 2 data is a 4-byte reserved field followed by the home address.
package routing

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"firestige.xyz/nepwire/internal/core"
)

const (
	// MinLen is the smallest routing header on the wire.
	MinLen = 8
	// MaxLen is the largest routing header this codec stores.
	MaxLen = 2048
	// Type2Len is the fixed length of a type 2 header.
	Type2Len = 24

	addrLen      = 16
	addrStart    = 8 // after the fixed fields and the reserved word
	type2HomeOff = 8
)

// Routing types with dedicated rules.
const (
	Type0 uint8 = 0 // source route, deprecated by RFC 5095
	Type2 uint8 = 2 // mobile IPv6 home address
)

// Header holds one routing header. Use New or Reset before building one.
type Header struct {
	buf    [MaxLen]byte
	length int
	cursor int    // next address write offset
	rest   []byte // bytes that followed the header when decoded
}

// New returns a reset header.
func New() *Header {
	h := &Header{}
	h.Reset()
	return h
}

// Reset zeroes every field and sets the length to MinLen.
func (h *Header) Reset() {
	h.buf = [MaxLen]byte{}
	h.length = MinLen
	h.cursor = addrStart
	h.rest = nil
}

// fail leaves the header reset with no meaningful bytes.
func (h *Header) fail() {
	h.Reset()
	h.length = 0
}

// extLen returns the length advertised by HdrExtLen.
func extLen(hdrExtLen uint8) int {
	return (int(hdrExtLen) + 1) * 8
}

// Decode stores a routing header read from data. Only structural lengths are
// checked here; Validate must pass before the header is trusted.
func (h *Header) Decode(data []byte) error {
	if len(data) < MinLen {
		h.fail()
		return fmt.Errorf("routing: need %d bytes, got %d: %w", MinLen, len(data), core.ErrMalformedInput)
	}
	hdrExtLen, typ := data[1], data[2]
	n := extLen(hdrExtLen)

	switch typ {
	case Type0:
		if hdrExtLen%2 == 1 {
			h.fail()
			return fmt.Errorf("routing: type 0 with odd hdr ext len %d: %w", hdrExtLen, core.ErrFieldViolation)
		}
		if err := checkExtent(n, len(data)); err != nil {
			h.fail()
			return err
		}
	case Type2:
		if len(data) < Type2Len {
			h.fail()
			return fmt.Errorf("routing: type 2 needs %d bytes, got %d: %w", Type2Len, len(data), core.ErrMalformedInput)
		}
		n = Type2Len
	default:
		if err := checkExtent(n, len(data)); err != nil {
			h.fail()
			return err
		}
	}

	h.Reset()
	h.length = n
	copy(h.buf[:], data[:n])
	h.cursor = n
	h.rest = data[n:]
	return nil
}

func checkExtent(n, avail int) error {
	if n > MaxLen {
		return fmt.Errorf("routing: advertised length %d exceeds %d: %w", n, MaxLen, core.ErrLengthMismatch)
	}
	if n > avail {
		return fmt.Errorf("routing: advertised length %d, buffer has %d: %w", n, avail, core.ErrLengthMismatch)
	}
	return nil
}

// Validate checks the stored header against the length and per-type rules
// and returns its length. It never modifies the header.
func (h *Header) Validate() (int, error) {
	if h.length < MinLen || h.length%8 != 0 {
		return 0, fmt.Errorf("routing: invalid length %d: %w", h.length, core.ErrLengthMismatch)
	}
	hdrExtLen, segLeft := h.HdrExtLen(), h.SegmentsLeft()
	n := extLen(hdrExtLen)

	switch h.RoutingType() {
	case Type0:
		if hdrExtLen%2 == 1 {
			return 0, fmt.Errorf("routing: type 0 with odd hdr ext len %d: %w", hdrExtLen, core.ErrFieldViolation)
		}
		if n != h.length || n > MaxLen {
			return 0, fmt.Errorf("routing: hdr ext len says %d bytes, have %d: %w", n, h.length, core.ErrLengthMismatch)
		}
		// Fewer segments left than addresses is allowed, more is not.
		if segLeft > hdrExtLen/2 {
			return 0, fmt.Errorf("routing: segments left %d with %d addresses: %w", segLeft, hdrExtLen/2, core.ErrFieldViolation)
		}
	case Type2:
		if h.length != Type2Len {
			return 0, fmt.Errorf("routing: type 2 length %d: %w", h.length, core.ErrLengthMismatch)
		}
		if segLeft != 1 || hdrExtLen != 2 {
			return 0, fmt.Errorf("routing: type 2 hdr ext len %d segments left %d: %w", hdrExtLen, segLeft, core.ErrFieldViolation)
		}
	default:
		if n != h.length || n > MaxLen {
			return 0, fmt.Errorf("routing: hdr ext len says %d bytes, have %d: %w", n, h.length, core.ErrLengthMismatch)
		}
	}
	return h.length, nil
}

// AddAddress appends one address to a type 0 header under construction.
// The routing type is not checked.
func (h *Header) AddAddress(addr netip.Addr) error {
	if !addr.IsValid() {
		return fmt.Errorf("routing: invalid address: %w", core.ErrMalformedInput)
	}
	if h.length+addrLen > MaxLen {
		return fmt.Errorf("routing: adding an address would exceed %d bytes: %w", MaxLen, core.ErrCapacityExceeded)
	}
	a := addr.As16()
	copy(h.buf[h.cursor:], a[:])
	h.cursor += addrLen
	h.buf[1] += 2
	h.length += addrLen
	return nil
}

// Addresses returns the address list carried in the data region.
func (h *Header) Addresses() []netip.Addr {
	var out []netip.Addr
	for off := addrStart; off+addrLen <= h.length; off += addrLen {
		out = append(out, netip.AddrFrom16([addrLen]byte(h.buf[off:off+addrLen])))
	}
	return out
}

// HomeAddress returns the home address of a type 2 header.
func (h *Header) HomeAddress() (netip.Addr, error) {
	if h.RoutingType() != Type2 || h.length < Type2Len {
		return netip.Addr{}, fmt.Errorf("routing: home address on type %d: %w", h.RoutingType(), core.ErrWrongVariant)
	}
	return netip.AddrFrom16([addrLen]byte(h.buf[type2HomeOff : type2HomeOff+addrLen])), nil
}

// SetHomeAddress lays out a complete type 2 header carrying addr.
func (h *Header) SetHomeAddress(addr netip.Addr) {
	nh := h.NextHeader()
	h.Reset()
	h.buf[0] = nh
	h.buf[1] = 2
	h.buf[2] = Type2
	h.buf[3] = 1
	a := addr.As16()
	copy(h.buf[type2HomeOff:], a[:])
	h.length = Type2Len
	h.cursor = Type2Len
}

func (h *Header) NextHeader() uint8       { return h.buf[0] }
func (h *Header) SetNextHeader(v uint8)   { h.buf[0] = v }
func (h *Header) HdrExtLen() uint8        { return h.buf[1] }
func (h *Header) RoutingType() uint8      { return h.buf[2] }
func (h *Header) SetRoutingType(v uint8)  { h.buf[2] = v }
func (h *Header) SegmentsLeft() uint8     { return h.buf[3] }
func (h *Header) SetSegmentsLeft(v uint8) { h.buf[3] = v }

// Reserved returns the 32-bit word following the fixed fields.
func (h *Header) Reserved() uint32 {
	return binary.BigEndian.Uint32(h.buf[4:8])
}

// Data returns the type-specific bytes after the fixed fields.
func (h *Header) Data() []byte {
	if h.length <= 4 {
		return nil
	}
	return h.buf[4:h.length]
}

// Bytes returns the header's wire bytes.
func (h *Header) Bytes() []byte { return h.buf[:h.length] }

// Len returns the header length in bytes.
func (h *Header) Len() int { return h.length }

// Summary renders the header on one line.
func (h *Header) Summary(detail core.Detail) string {
	s := fmt.Sprintf("Routing[nh=%d len=%d type=%d segleft=%d]",
		h.NextHeader(), h.HdrExtLen(), h.RoutingType(), h.SegmentsLeft())
	if detail < core.DetailHigh {
		return s
	}
	switch h.RoutingType() {
	case Type0:
		return fmt.Sprintf("%s addrs=%v", s, h.Addresses())
	case Type2:
		if home, err := h.HomeAddress(); err == nil {
			return fmt.Sprintf("%s home=%s", s, home)
		}
	}
	return s
}
