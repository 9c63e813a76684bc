package nep

import (
	"bytes"
	"errors"
	"testing"

	"firestige.xyz/nepwire/internal/core"
)

func TestFieldSpecFIFO(t *testing.T) {
	h := mustMessage(t, PacketSpec)
	want := []FieldSpec{
		{TagIPv4TOS, []byte{0x10}},
		{TagTCPDstPort, []byte{0x01, 0xbb}},
		{TagTCPSeq, []byte{1, 2, 3, 4}},
		{TagPayloadMagic, []byte{}},
		{TagIPv6Flow, []byte{0, 0x0a, 0xbc, 0xde}},
	}
	for _, fs := range want {
		if err := h.AddFieldSpec(fs.Tag, fs.Value); err != nil {
			t.Fatalf("AddFieldSpec(%s): %v", fs.Tag, err)
		}
	}
	if h.FieldSpecBytes() != 2+3+5+1+5 {
		t.Errorf("unexpected byte count %d", h.FieldSpecBytes())
	}

	for pass := 0; pass < 2; pass++ {
		h.RewindFieldSpecs()
		for i, w := range want {
			got, ok, err := h.NextFieldSpec()
			if err != nil || !ok {
				t.Fatalf("pass %d entry %d: ok=%v err=%v", pass, i, ok, err)
			}
			if got.Tag != w.Tag || !bytes.Equal(got.Value, w.Value) {
				t.Errorf("pass %d entry %d: got %s %x want %s %x", pass, i, got.Tag, got.Value, w.Tag, w.Value)
			}
		}
		if _, ok, err := h.NextFieldSpec(); ok || err != nil {
			t.Errorf("pass %d: expected clean end, ok=%v err=%v", pass, ok, err)
		}
	}
}

func TestFieldSpecCapacity(t *testing.T) {
	h := mustMessage(t, PacketSpec)
	// 21 five-byte entries leave 3 bytes
	for i := 0; i < 21; i++ {
		if err := h.AddFieldSpec(TagTCPAck, []byte{0, 0, 0, byte(i)}); err != nil {
			t.Fatalf("entry %d: %v", i, err)
		}
	}
	before := bytes.Clone(h.Bytes())
	if err := h.AddFieldSpec(TagTCPSeq, []byte{1, 2, 3, 4}); !errors.Is(err, core.ErrCapacityExceeded) {
		t.Errorf("expected ErrCapacityExceeded, got %v", err)
	}
	if !bytes.Equal(before, h.Bytes()) || h.FieldSpecBytes() != 105 {
		t.Error("failed append modified the message")
	}
	if err := h.AddFieldSpec(TagUDPLen, []byte{0, 8}); err != nil {
		t.Fatalf("exact fit: %v", err)
	}
	if h.FieldSpecBytes() != FieldSpecLen {
		t.Errorf("expected full region, got %d", h.FieldSpecBytes())
	}
	if err := h.AddFieldSpec(TagPayloadMagic, nil); !errors.Is(err, core.ErrCapacityExceeded) {
		t.Errorf("magic on full region: %v", err)
	}
}

func TestAddFieldSpecErrors(t *testing.T) {
	h := mustMessage(t, PacketSpec)
	if err := h.AddFieldSpec(Tag(0x99), []byte{1}); !errors.Is(err, core.ErrUnknownTag) {
		t.Errorf("unknown tag: %v", err)
	}
	if err := h.AddFieldSpec(TagTCPSrcPort, []byte{1}); !errors.Is(err, core.ErrMalformedInput) {
		t.Errorf("short value: %v", err)
	}
	if err := mustMessage(t, Echo).AddFieldSpec(TagTCPSrcPort, []byte{0, 1}); !errors.Is(err, core.ErrWrongVariant) {
		t.Errorf("wrong variant: %v", err)
	}
	if h.FieldSpecBytes() != 0 {
		t.Errorf("failed appends wrote %d bytes", h.FieldSpecBytes())
	}
}

func TestFieldSpecsRecoveredAfterDecode(t *testing.T) {
	src := mustMessage(t, PacketSpec)
	src.SetIPVersion(4)
	src.SetProtocol(ProtoUDP)
	src.SetPacketCount(5)
	src.AddFieldSpec(TagUDPDstPort, []byte{0x00, 0x35})
	src.AddFieldSpec(TagIPv4ID, []byte{0x12, 0x34})

	h := &Header{}
	if err := h.Decode(src.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := h.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	specs, err := h.FieldSpecs()
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 2 || specs[0].Tag != TagUDPDstPort || specs[1].Tag != TagIPv4ID {
		t.Errorf("unexpected specs %+v", specs)
	}

	wire := bytes.Clone(src.Bytes())
	wire[20+6] = 0x99 // unknown tag after the two entries
	if err := h.Decode(wire); err != nil {
		t.Fatal(err)
	}
	if err := h.Validate(); !errors.Is(err, core.ErrUnknownTag) {
		t.Errorf("expected ErrUnknownTag, got %v", err)
	}
	specs, err = h.FieldSpecs()
	if len(specs) != 2 || !errors.Is(err, core.ErrUnknownTag) {
		t.Errorf("expected two entries then ErrUnknownTag, got %d, %v", len(specs), err)
	}
}

func TestTagTable(t *testing.T) {
	tests := []struct {
		tag Tag
		n   int
	}{
		{TagIPv4TOS, 1}, {TagIPv4ID, 2}, {TagIPv4FragOff, 2}, {TagIPv4Proto, 1},
		{TagIPv6TClass, 1}, {TagIPv6Flow, 4}, {TagIPv6NextHdr, 1},
		{TagTCPSrcPort, 2}, {TagTCPDstPort, 2}, {TagTCPSeq, 4}, {TagTCPAck, 4},
		{TagTCPFlags, 1}, {TagTCPWindow, 2}, {TagTCPUrgent, 2},
		{TagICMPType, 1}, {TagICMPCode, 1},
		{TagUDPSrcPort, 2}, {TagUDPDstPort, 2}, {TagUDPLen, 2},
		{TagPayloadMagic, 0},
	}
	for _, tt := range tests {
		n, ok := tt.tag.ValueLen()
		if !ok || n != tt.n {
			t.Errorf("%s: got %d,%v want %d", tt.tag, n, ok, tt.n)
		}
		parsed, err := ParseTag(tt.tag.String())
		if err != nil || parsed != tt.tag {
			t.Errorf("ParseTag(%s) = %v, %v", tt.tag, parsed, err)
		}
	}
	if _, ok := Tag(0).ValueLen(); ok {
		t.Error("zero tag must be unknown")
	}
}

func TestEncodeValue(t *testing.T) {
	v, err := EncodeValue(TagTCPDstPort, 443)
	if err != nil || !bytes.Equal(v, []byte{0x01, 0xbb}) {
		t.Errorf("got %x, %v", v, err)
	}
	if _, err := EncodeValue(TagTCPFlags, 256); !errors.Is(err, core.ErrFieldViolation) {
		t.Errorf("overflow: %v", err)
	}
	if v, _ := EncodeValue(TagPayloadMagic, 0); len(v) != 0 {
		t.Errorf("magic carries %d bytes", len(v))
	}
}
