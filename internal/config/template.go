package config

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"firestige.xyz/nepwire/internal/core"
	"firestige.xyz/nepwire/internal/nep"
)

// MessageTemplate describes one NEP message in YAML. Fields that do not
// belong to Type must be left out.
type MessageTemplate struct {
	Type         string          `yaml:"type"`
	Version      *uint8          `yaml:"version"`
	Sequence     uint32          `yaml:"sequence"`
	Timestamp    uint32          `yaml:"timestamp"`
	ServerNonce  HexBytes        `yaml:"server_nonce"`
	ClientNonce  HexBytes        `yaml:"client_nonce"`
	Partner      string          `yaml:"partner"`
	IPVersion    uint8           `yaml:"ip_version"`
	Protocol     string          `yaml:"protocol"`
	PacketCount  uint16          `yaml:"packet_count"`
	Fields       []FieldTemplate `yaml:"fields"`
	DLT          *uint16         `yaml:"dlt"`
	EchoedPacket HexBytes        `yaml:"echoed_packet"`
	Error        string          `yaml:"error"`
}

// FieldTemplate is one field spec. Tag is a name such as "tcp.dst_port" or a
// number. Value is an integer encoded in the tag's width, or a hex string
// holding the raw value.
type FieldTemplate struct {
	Tag   string    `yaml:"tag"`
	Value yaml.Node `yaml:"value"`
}

// HexBytes is a byte string written in hex, with optional 0x prefix and
// ':' or ' ' separators.
type HexBytes []byte

func (b *HexBytes) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := ParseHex(s)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// ParseHex decodes a hex string in the HexBytes notation.
func ParseHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.NewReplacer(":", "", " ", "", "\n", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("hex value: %v: %w", err, core.ErrMalformedInput)
	}
	return b, nil
}

// LoadTemplate reads a message template file.
func LoadTemplate(path string) (*MessageTemplate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", path, err)
	}
	return ParseTemplate(raw)
}

// ParseTemplate parses a message template document.
func ParseTemplate(raw []byte) (*MessageTemplate, error) {
	var t MessageTemplate
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("parse template: %v: %w", err, core.ErrMalformedInput)
	}
	if t.Type == "" {
		return nil, fmt.Errorf("template has no type: %w", core.ErrMalformedInput)
	}
	return &t, nil
}

var protocols = map[string]uint8{
	"icmp": nep.ProtoICMP,
	"tcp":  nep.ProtoTCP,
	"udp":  nep.ProtoUDP,
}

// Build materializes the template into a message with its total length
// finalized. The result is not validated; callers decide whether a
// deliberately malformed message is wanted.
func (t *MessageTemplate) Build() (*nep.Header, error) {
	mt, err := nep.ParseMessageType(t.Type)
	if err != nil {
		return nil, err
	}
	h, err := nep.NewMessage(mt)
	if err != nil {
		return nil, err
	}
	if t.Version != nil {
		h.SetVersion(*t.Version)
	}
	h.SetSequenceNumber(t.Sequence)
	h.SetTimestamp(t.Timestamp)

	if t.ServerNonce != nil {
		if err := h.SetServerNonce(t.ServerNonce); err != nil {
			return nil, err
		}
	}
	if t.ClientNonce != nil {
		if err := h.SetClientNonce(t.ClientNonce); err != nil {
			return nil, err
		}
	}
	if t.Partner != "" {
		addr, err := netip.ParseAddr(t.Partner)
		if err != nil {
			return nil, fmt.Errorf("partner %q: %v: %w", t.Partner, err, core.ErrMalformedInput)
		}
		if err := h.SetPartnerAddress(addr); err != nil {
			return nil, err
		}
	}
	if t.IPVersion != 0 {
		if err := h.SetIPVersion(t.IPVersion); err != nil {
			return nil, err
		}
	}
	if t.Protocol != "" {
		proto, err := parseProtocol(t.Protocol)
		if err != nil {
			return nil, err
		}
		if err := h.SetProtocol(proto); err != nil {
			return nil, err
		}
	}
	if t.PacketCount != 0 {
		if err := h.SetPacketCount(t.PacketCount); err != nil {
			return nil, err
		}
	}
	for i, f := range t.Fields {
		tag, value, err := f.resolve()
		if err != nil {
			return nil, fmt.Errorf("fields[%d]: %w", i, err)
		}
		if err := h.AddFieldSpec(tag, value); err != nil {
			return nil, fmt.Errorf("fields[%d]: %w", i, err)
		}
	}
	if t.DLT != nil {
		if err := h.SetDLT(*t.DLT); err != nil {
			return nil, err
		}
	}
	if t.EchoedPacket != nil {
		if err := h.SetEchoedPacket(t.EchoedPacket); err != nil {
			return nil, err
		}
	}
	if t.Error != "" {
		if err := h.SetErrorMessage(t.Error); err != nil {
			return nil, err
		}
	}
	h.FinalizeTotalLength()
	return h, nil
}

func parseProtocol(s string) (uint8, error) {
	if p, ok := protocols[strings.ToLower(s)]; ok {
		return p, nil
	}
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("protocol %q: %w", s, core.ErrFieldViolation)
	}
	return uint8(v), nil
}

func (f FieldTemplate) resolve() (nep.Tag, []byte, error) {
	tag, err := nep.ParseTag(f.Tag)
	if err != nil {
		return 0, nil, err
	}
	switch {
	case f.Value.Kind == 0:
		if tag != nep.TagPayloadMagic {
			return 0, nil, fmt.Errorf("%s needs a value: %w", tag, core.ErrMalformedInput)
		}
		return tag, nil, nil
	case f.Value.Tag == "!!int":
		v, err := strconv.ParseUint(f.Value.Value, 0, 64)
		if err != nil {
			return 0, nil, fmt.Errorf("%s value %q: %w", tag, f.Value.Value, core.ErrFieldViolation)
		}
		b, err := nep.EncodeValue(tag, v)
		return tag, b, err
	default:
		b, err := ParseHex(f.Value.Value)
		return tag, b, err
	}
}
