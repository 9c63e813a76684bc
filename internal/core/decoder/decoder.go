// Package decoder decodes captured frames into header chains.
package decoder

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/nepwire/internal/core"
	"firestige.xyz/nepwire/internal/log"
	"firestige.xyz/nepwire/internal/metrics"
	"firestige.xyz/nepwire/internal/nep"
	"firestige.xyz/nepwire/internal/routing"
)

// Config configures a Decoder.
type Config struct {
	NEPPort              uint16        // TCP port carrying NEP, 0 = nep.DefaultPort
	MaxWarningsPerSource int           // 0 = unlimited
	WarningWindow        time.Duration // default 1m
}

// Decoder turns raw frames into header chains. IPv6 routing headers are
// decoded by routing.Header and TCP payloads on the NEP port by nep.Header;
// everything else by gopacket. A Decoder is not safe for concurrent use.
type Decoder struct {
	eth   layers.Ethernet
	lo    layers.Loopback
	ip4   layers.IPv4
	ip6   layers.IPv6
	dst   destinationOptions
	rh    *routing.Header
	tcp   layers.TCP
	udp   layers.UDP
	icmp4 layers.ICMPv4
	icmp6 layers.ICMPv6

	byType  map[gopacket.LayerType]gopacket.DecodingLayer
	parsers map[gopacket.LayerType]*gopacket.DecodingLayerParser
	decoded []gopacket.LayerType

	nepPort layers.TCPPort
	metrics *metrics.DecodeMetrics
	limiter *WarnLimiter
}

// New creates a decoder. m may be nil.
func New(cfg Config, m *metrics.DecodeMetrics) *Decoder {
	port := cfg.NEPPort
	if port == 0 {
		port = nep.DefaultPort
	}
	d := &Decoder{
		rh:      routing.New(),
		parsers: make(map[gopacket.LayerType]*gopacket.DecodingLayerParser),
		nepPort: layers.TCPPort(port),
		metrics: m,
		limiter: NewWarnLimiter(WarnLimiterConfig{
			MaxPerSource: cfg.MaxWarningsPerSource,
			Window:       cfg.WarningWindow,
		}),
	}
	d.byType = make(map[gopacket.LayerType]gopacket.DecodingLayer)
	for _, l := range d.decodingLayers() {
		d.byType[l.CanDecode().(gopacket.LayerType)] = l
	}
	return d
}

func (d *Decoder) decodingLayers() []gopacket.DecodingLayer {
	return []gopacket.DecodingLayer{
		&d.eth, &d.lo, &d.ip4, &d.ip6, &d.dst, d.rh,
		&d.tcp, &d.udp, &d.icmp4, &d.icmp6,
	}
}

func (d *Decoder) parser(first gopacket.LayerType) *gopacket.DecodingLayerParser {
	if p, ok := d.parsers[first]; ok {
		return p
	}
	p := gopacket.NewDecodingLayerParser(first, d.decodingLayers()...)
	p.IgnoreUnsupported = true
	d.parsers[first] = p
	return p
}

// FirstLayer maps a capture link type to the layer decoding starts at. Raw
// IP link types are resolved from the version nibble.
func FirstLayer(data []byte, link layers.LinkType) (gopacket.LayerType, error) {
	switch link {
	case layers.LinkTypeEthernet:
		return layers.LayerTypeEthernet, nil
	case layers.LinkTypeNull, layers.LinkTypeLoop:
		return layers.LayerTypeLoopback, nil
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		return networkLayer(data)
	}
	return gopacket.LayerTypeZero, fmt.Errorf("decoder: unsupported link type %s: %w", link, core.ErrMalformedInput)
}

func networkLayer(data []byte) (gopacket.LayerType, error) {
	if len(data) == 0 {
		return gopacket.LayerTypeZero, fmt.Errorf("decoder: empty frame: %w", core.ErrMalformedInput)
	}
	switch data[0] >> 4 {
	case 4:
		return layers.LayerTypeIPv4, nil
	case 6:
		return layers.LayerTypeIPv6, nil
	}
	return gopacket.LayerTypeZero, fmt.Errorf("decoder: ip version %d: %w", data[0]>>4, core.ErrMalformedInput)
}

// Decode decodes one frame. On failure the chain holds every header decoded
// before the failing one.
func (d *Decoder) Decode(data []byte, link layers.LinkType) (*core.Chain, error) {
	first, err := FirstLayer(data, link)
	if err != nil {
		d.metrics.Failed("Link", core.Reason(err))
		return core.NewChain(), err
	}
	chain := core.NewChain()
	err = d.decodeInto(chain, data, first, true)
	return chain, err
}

func (d *Decoder) decodeInto(chain *core.Chain, data []byte, first gopacket.LayerType, outer bool) error {
	d.decoded = d.decoded[:0]
	perr := d.parser(first).DecodeLayers(data, &d.decoded)
	src := d.source()

	var tail []byte
	for _, lt := range d.decoded {
		node, payload := d.snapshot(lt)
		chain.Append(node)
		d.metrics.Decoded(lt.String())
		tail = payload
	}
	nepFlow := false
	if n := len(d.decoded); n > 0 && d.decoded[n-1] == layers.LayerTypeTCP {
		nepFlow = d.tcp.SrcPort == d.nepPort || d.tcp.DstPort == d.nepPort
	}

	if perr != nil {
		failed := first
		if n := len(d.decoded); n > 0 {
			failed = d.byType[d.decoded[n-1]].NextLayerType()
		}
		d.warn(src, failed.String(), perr)
		return fmt.Errorf("decoder: %s: %w", failed, perr)
	}

	switch {
	case len(tail) == 0:
		return nil
	case nepFlow:
		return d.decodeNEP(chain, tail, outer)
	}
	chain.Append(core.LayerNode{Layer: gopacket.Payload(tail)})
	d.metrics.Decoded(gopacket.LayerTypePayload.String())
	return nil
}

// decodeNEP splits a TCP payload into NEP messages. Messages that do not
// validate, typically ciphertext, end the walk as an opaque payload.
func (d *Decoder) decodeNEP(chain *core.Chain, data []byte, outer bool) error {
	for len(data) > 0 {
		h := &nep.Header{}
		if err := h.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			d.metrics.Failed(nep.LayerTypeNEP.String(), core.Reason(err))
			chain.Append(core.LayerNode{Layer: gopacket.Payload(data)})
			return nil
		}
		chain.Append(h)
		d.metrics.Decoded(nep.LayerTypeNEP.String())
		data = h.Rest()

		// the echoed packet continues the chain, one level deep
		if outer && h.NextLayerType() != gopacket.LayerTypeZero {
			pkt := h.LayerPayload()
			if first, err := networkLayer(pkt); err == nil {
				if err := d.decodeInto(chain, pkt, first, false); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// snapshot copies the decoded layer lt out of the reusable parser state.
func (d *Decoder) snapshot(lt gopacket.LayerType) (core.Header, []byte) {
	switch lt {
	case layers.LayerTypeEthernet:
		c := d.eth
		return core.LayerNode{Layer: &c}, c.Payload
	case layers.LayerTypeLoopback:
		c := d.lo
		return core.LayerNode{Layer: &c}, c.Payload
	case layers.LayerTypeIPv4:
		c := d.ip4
		return core.LayerNode{Layer: &c}, c.Payload
	case layers.LayerTypeIPv6:
		c := d.ip6
		return core.LayerNode{Layer: &c}, c.Payload
	case layers.LayerTypeIPv6Destination:
		c := d.dst.IPv6Destination
		return core.LayerNode{Layer: &c}, c.Payload
	case layers.LayerTypeIPv6Routing:
		c := *d.rh
		return &c, c.LayerPayload()
	case layers.LayerTypeTCP:
		c := d.tcp
		return core.LayerNode{Layer: &c}, c.Payload
	case layers.LayerTypeUDP:
		c := d.udp
		return core.LayerNode{Layer: &c}, c.Payload
	case layers.LayerTypeICMPv4:
		c := d.icmp4
		return core.LayerNode{Layer: &c}, c.Payload
	case layers.LayerTypeICMPv6:
		c := d.icmp6
		return core.LayerNode{Layer: &c}, c.Payload
	}
	return nil, nil
}

// source returns the source address of the innermost decoded IP layer.
func (d *Decoder) source() netip.Addr {
	var addr netip.Addr
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			addr, _ = netip.AddrFromSlice(d.ip4.SrcIP.To4())
		case layers.LayerTypeIPv6:
			addr, _ = netip.AddrFromSlice(d.ip6.SrcIP.To16())
		}
	}
	return addr
}

func (d *Decoder) warn(src netip.Addr, layer string, err error) {
	reason := core.Reason(err)
	d.metrics.Failed(layer, reason)
	if !d.limiter.Allow(src, time.Now()) {
		d.metrics.Suppressed()
		return
	}
	log.GetLogger().WithFields(map[string]interface{}{
		"src":    src,
		"layer":  layer,
		"reason": reason,
	}).WithError(err).Warn("malformed frame")
}
