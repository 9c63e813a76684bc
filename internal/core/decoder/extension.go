package decoder

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// destinationOptions lets layers.IPv6Destination take part in a
// DecodingLayerParser.
type destinationOptions struct {
	layers.IPv6Destination
}

func (d *destinationOptions) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	// fresh slice: earlier snapshots still reference the old one
	d.Options = nil
	return d.IPv6Destination.DecodeFromBytes(data, df)
}

func (d *destinationOptions) CanDecode() gopacket.LayerClass {
	return layers.LayerTypeIPv6Destination
}

func (d *destinationOptions) NextLayerType() gopacket.LayerType {
	return d.NextHeader.LayerType()
}
