package routing

import (
	"errors"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/nepwire/internal/core"
)

// Header stands in for the stock gopacket IPv6Routing decoder, so a
// DecodingLayerParser holding it dispatches routing headers here.
var (
	_ gopacket.DecodingLayer     = (*Header)(nil)
	_ gopacket.SerializableLayer = (*Header)(nil)
	_ core.Header                = (*Header)(nil)
)

func (h *Header) LayerType() gopacket.LayerType { return layers.LayerTypeIPv6Routing }

func (h *Header) CanDecode() gopacket.LayerClass { return layers.LayerTypeIPv6Routing }

func (h *Header) NextLayerType() gopacket.LayerType {
	return layers.IPProtocol(h.NextHeader()).LayerType()
}

func (h *Header) LayerContents() []byte { return h.Bytes() }

func (h *Header) LayerPayload() []byte { return h.rest }

// DecodeFromBytes decodes and validates; a header that fails validation is
// reset before the error is returned.
func (h *Header) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if err := h.Decode(data); err != nil {
		if errors.Is(err, core.ErrMalformedInput) || errors.Is(err, core.ErrLengthMismatch) {
			df.SetTruncated()
		}
		return err
	}
	if _, err := h.Validate(); err != nil {
		h.fail()
		return err
	}
	return nil
}

// SerializeTo prepends the header. With FixLengths the HdrExtLen field is
// recomputed from the stored length.
func (h *Header) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if h.length < MinLen {
		return core.ErrMalformedInput
	}
	if opts.FixLengths && h.RoutingType() != Type2 {
		h.buf[1] = uint8(h.length/8 - 1)
	}
	bytes, err := b.PrependBytes(h.length)
	if err != nil {
		return err
	}
	copy(bytes, h.buf[:h.length])
	return nil
}
