package nep

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/nepwire/internal/core"
)

var LayerTypeNEP = gopacket.RegisterLayerType(
	1957,
	gopacket.LayerTypeMetadata{
		Name:    "NEP",
		Decoder: gopacket.DecodeFunc(decodeNEP),
	},
)

var (
	_ gopacket.DecodingLayer     = (*Header)(nil)
	_ gopacket.SerializableLayer = (*Header)(nil)
	_ gopacket.ApplicationLayer  = (*Header)(nil)
	_ core.Header                = (*Header)(nil)
)

// RegisterTCPPort makes gopacket hand TCP payloads on port to the NEP
// decoder. It mutates gopacket's global port table.
func RegisterTCPPort(port layers.TCPPort) {
	layers.RegisterTCPPortLayerType(port, LayerTypeNEP)
}

func decodeNEP(data []byte, p gopacket.PacketBuilder) error {
	h := &Header{}
	if err := h.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(h)
	p.SetApplicationLayer(h)
	next := h.NextLayerType()
	if next == gopacket.LayerTypeZero {
		return nil
	}
	return p.NextDecoder(next)
}

func (h *Header) LayerType() gopacket.LayerType { return LayerTypeNEP }

func (h *Header) CanDecode() gopacket.LayerClass { return LayerTypeNEP }

// NextLayerType continues into the echoed packet of a plaintext ECHO whose
// DLT says it starts at the network layer.
func (h *Header) NextLayerType() gopacket.LayerType {
	if h.MessageType() != Echo {
		return gopacket.LayerTypeZero
	}
	if dlt, _ := h.DLT(); dlt != DLTNoLinkHeader {
		return gopacket.LayerTypePayload
	}
	pkt, err := h.EchoedPacket()
	if err != nil || len(pkt) == 0 {
		return gopacket.LayerTypeZero
	}
	switch pkt[0] >> 4 {
	case 4:
		return layers.LayerTypeIPv4
	case 6:
		return layers.LayerTypeIPv6
	}
	return gopacket.LayerTypePayload
}

func (h *Header) LayerContents() []byte { return h.Bytes() }

// LayerPayload returns the echoed packet of an ECHO message, nothing
// otherwise.
func (h *Header) LayerPayload() []byte {
	if h.MessageType() != Echo {
		return nil
	}
	pkt, err := h.EchoedPacket()
	if err != nil {
		return nil
	}
	return pkt
}

func (h *Header) Payload() []byte { return h.LayerPayload() }

// DecodeFromBytes decodes one message from the front of data. When the
// total length field is plausible it delimits the message and the remainder
// is kept for the next message on the stream.
func (h *Header) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < HeaderLen {
		df.SetTruncated()
		h.fail()
		return fmt.Errorf("nep: need %d bytes, got %d: %w", HeaderLen, len(data), core.ErrMalformedInput)
	}
	n := len(data)
	if tl := int(binary.BigEndian.Uint16(data[2:4])); tl >= HeaderLen && tl <= n {
		n = tl
	} else if tl > n {
		df.SetTruncated()
	}
	if err := h.Decode(data[:n]); err != nil {
		return err
	}
	if err := h.Validate(); err != nil {
		h.fail()
		return err
	}
	h.rest = data[n:]
	return nil
}

// SerializeTo prepends the message. With FixLengths the total length field
// is rewritten first.
func (h *Header) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if h.length < HeaderLen {
		return core.ErrMalformedInput
	}
	if opts.FixLengths {
		h.FinalizeTotalLength()
	}
	out, err := b.PrependBytes(h.length)
	if err != nil {
		return err
	}
	copy(out, h.buf[:h.length])
	return nil
}

// Rest returns the bytes that followed the message in the decoded stream.
func (h *Header) Rest() []byte { return h.rest }
