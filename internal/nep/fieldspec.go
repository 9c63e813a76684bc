package nep

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"firestige.xyz/nepwire/internal/core"
)

// Tag identifies one header field a PACKET_SPEC asks the server to echo.
// Each entry is the tag byte followed by a value whose length the tag
// implies.
type Tag uint8

const (
	TagIPv4TOS      Tag = 0xA0
	TagIPv4ID       Tag = 0xA1
	TagIPv4FragOff  Tag = 0xA2
	TagIPv4Proto    Tag = 0xA3
	TagIPv6TClass   Tag = 0xB0
	TagIPv6Flow     Tag = 0xB1
	TagIPv6NextHdr  Tag = 0xB2
	TagTCPSrcPort   Tag = 0xC0
	TagTCPDstPort   Tag = 0xC1
	TagTCPSeq       Tag = 0xC2
	TagTCPAck       Tag = 0xC3
	TagTCPFlags     Tag = 0xC4
	TagTCPWindow    Tag = 0xC5
	TagTCPUrgent    Tag = 0xC6
	TagICMPType     Tag = 0xD0
	TagICMPCode     Tag = 0xD1
	TagUDPSrcPort   Tag = 0xE0
	TagUDPDstPort   Tag = 0xE1
	TagUDPLen       Tag = 0xE2
	TagPayloadMagic Tag = 0xFF // marker only, carries no value
)

type tagInfo struct {
	name string
	len  int
}

var tags = map[Tag]tagInfo{
	TagIPv4TOS:      {"ipv4.tos", 1},
	TagIPv4ID:       {"ipv4.id", 2},
	TagIPv4FragOff:  {"ipv4.frag_off", 2},
	TagIPv4Proto:    {"ipv4.proto", 1},
	TagIPv6TClass:   {"ipv6.tclass", 1},
	TagIPv6Flow:     {"ipv6.flow", 4}, // 20 significant bits
	TagIPv6NextHdr:  {"ipv6.next_header", 1},
	TagTCPSrcPort:   {"tcp.src_port", 2},
	TagTCPDstPort:   {"tcp.dst_port", 2},
	TagTCPSeq:       {"tcp.seq", 4},
	TagTCPAck:       {"tcp.ack", 4},
	TagTCPFlags:     {"tcp.flags", 1},
	TagTCPWindow:    {"tcp.window", 2},
	TagTCPUrgent:    {"tcp.urgent", 2},
	TagICMPType:     {"icmp.type", 1},
	TagICMPCode:     {"icmp.code", 1},
	TagUDPSrcPort:   {"udp.src_port", 2},
	TagUDPDstPort:   {"udp.dst_port", 2},
	TagUDPLen:       {"udp.len", 2},
	TagPayloadMagic: {"payload.magic", 0},
}

// ValueLen returns the value length implied by t.
func (t Tag) ValueLen() (int, bool) {
	info, ok := tags[t]
	return info.len, ok
}

func (t Tag) String() string {
	if info, ok := tags[t]; ok {
		return info.name
	}
	return fmt.Sprintf("tag(0x%02x)", uint8(t))
}

// ParseTag accepts a tag name such as "tcp.dst_port" or a numeric value.
func ParseTag(s string) (Tag, error) {
	s = strings.TrimSpace(s)
	for t, info := range tags {
		if strings.EqualFold(info.name, s) {
			return t, nil
		}
	}
	if v, err := strconv.ParseUint(s, 0, 8); err == nil {
		if _, ok := tags[Tag(v)]; ok {
			return Tag(v), nil
		}
	}
	return 0, fmt.Errorf("nep: field spec tag %q: %w", s, core.ErrUnknownTag)
}

// EncodeValue renders v big-endian in the width t implies.
func EncodeValue(t Tag, v uint64) ([]byte, error) {
	n, ok := t.ValueLen()
	if !ok {
		return nil, fmt.Errorf("nep: field spec tag 0x%02x: %w", uint8(t), core.ErrUnknownTag)
	}
	if n < 8 && v>>(8*n) != 0 {
		return nil, fmt.Errorf("nep: value %d does not fit %s: %w", v, t, core.ErrFieldViolation)
	}
	out := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out, nil
}

// FieldSpec is one decoded (tag, value) entry.
type FieldSpec struct {
	Tag   Tag
	Value []byte
}

func (h *Header) fieldSpecRegion() ([]byte, error) {
	off, err := h.field("field spec", func(l layout) int { return l.fieldSpecs })
	if err != nil {
		return nil, err
	}
	return h.buf[off : off+FieldSpecLen], nil
}

// AddFieldSpec appends one entry at the write cursor. value must have the
// length the tag implies; the payload magic tag takes none.
func (h *Header) AddFieldSpec(tag Tag, value []byte) error {
	region, err := h.fieldSpecRegion()
	if err != nil {
		return err
	}
	n, ok := tag.ValueLen()
	if !ok {
		return fmt.Errorf("nep: field spec tag 0x%02x: %w", uint8(tag), core.ErrUnknownTag)
	}
	if len(value) != n {
		return fmt.Errorf("nep: %s takes %d value bytes, got %d: %w", tag, n, len(value), core.ErrMalformedInput)
	}
	if h.fsBytes+1+n > FieldSpecLen {
		return fmt.Errorf("nep: %s needs %d bytes, %d left: %w", tag, 1+n, FieldSpecLen-h.fsBytes, core.ErrCapacityExceeded)
	}
	region[h.fsBytes] = uint8(tag)
	copy(region[h.fsBytes+1:], value)
	h.fsBytes += 1 + n
	return nil
}

// NextFieldSpec reads the entry at the read cursor. ok is false once every
// written entry has been read; err reports a corrupt received region.
func (h *Header) NextFieldSpec() (spec FieldSpec, ok bool, err error) {
	region, err := h.fieldSpecRegion()
	if err != nil {
		return FieldSpec{}, false, err
	}
	if h.fsOff >= h.fsBytes {
		return FieldSpec{}, false, h.fsErr
	}
	tag := Tag(region[h.fsOff])
	n, known := tag.ValueLen()
	if !known {
		return FieldSpec{}, false, fmt.Errorf("nep: field spec tag 0x%02x at %d: %w", uint8(tag), h.fsOff, core.ErrUnknownTag)
	}
	start := h.fsOff + 1
	h.fsOff = start + n
	return FieldSpec{Tag: tag, Value: bytes.Clone(region[start : start+n])}, true, nil
}

// RewindFieldSpecs moves the read cursor back to the first entry.
func (h *Header) RewindFieldSpecs() {
	h.fsOff = 0
}

// FieldSpecs reads every entry from the start, leaving the read cursor
// rewound.
func (h *Header) FieldSpecs() ([]FieldSpec, error) {
	h.RewindFieldSpecs()
	defer h.RewindFieldSpecs()
	var out []FieldSpec
	for {
		spec, ok, err := h.NextFieldSpec()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, spec)
	}
}

// FieldSpecBytes returns the number of bytes the entries occupy.
func (h *Header) FieldSpecBytes() int { return h.fsBytes }

// recountFieldSpecs walks a received region. A zero tag ends the entries;
// an unknown tag or a value running past the region is remembered and
// surfaced by Validate and NextFieldSpec.
func (h *Header) recountFieldSpecs() {
	if h.length < layouts[PacketSpec].size {
		return
	}
	region := h.buf[layouts[PacketSpec].fieldSpecs : layouts[PacketSpec].fieldSpecs+FieldSpecLen]
	i := 0
	for i < FieldSpecLen && region[i] != 0 {
		tag := Tag(region[i])
		n, ok := tag.ValueLen()
		if !ok {
			h.fsErr = fmt.Errorf("nep: field spec tag 0x%02x at %d: %w", uint8(tag), i, core.ErrUnknownTag)
			break
		}
		if i+1+n > FieldSpecLen {
			h.fsErr = fmt.Errorf("nep: %s at %d runs past the field spec region: %w", tag, i, core.ErrMalformedInput)
			break
		}
		i += 1 + n
	}
	h.fsBytes = i
}
