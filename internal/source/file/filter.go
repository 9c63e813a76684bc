package file

import (
	"fmt"

	"github.com/google/gopacket/layers"
	"golang.org/x/net/bpf"

	"firestige.xyz/nepwire/internal/core"
)

const (
	etherTypeIPv6  = 0x86dd
	protoIPv6Route = 43
	ipv6NextHdrOff = 6
	ethernetHdrLen = 14
	loopbackHdrLen = 4
	ipVersionMask  = 0xf0
	ipVersion6     = 0x60
)

// RoutingOnlyFilter assembles a classic BPF program accepting frames whose
// IPv6 header is directly followed by a routing header.
func RoutingOnlyFilter(link layers.LinkType, snaplen int) ([]bpf.Instruction, error) {
	accept := bpf.RetConstant{Val: uint32(snaplen)}
	reject := bpf.RetConstant{Val: 0}

	switch link {
	case layers.LinkTypeEthernet:
		return []bpf.Instruction{
			bpf.LoadAbsolute{Off: 12, Size: 2},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv6, SkipFalse: 3},
			bpf.LoadAbsolute{Off: ethernetHdrLen + ipv6NextHdrOff, Size: 1},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: protoIPv6Route, SkipFalse: 1},
			accept,
			reject,
		}, nil
	case layers.LinkTypeNull, layers.LinkTypeLoop:
		return ipFilter(loopbackHdrLen, accept, reject), nil
	case layers.LinkTypeRaw, layers.LinkTypeIPv6:
		return ipFilter(0, accept, reject), nil
	}
	return nil, fmt.Errorf("bpf: no routing filter for link type %s: %w", link, core.ErrFieldViolation)
}

func ipFilter(off uint32, accept, reject bpf.Instruction) []bpf.Instruction {
	return []bpf.Instruction{
		bpf.LoadAbsolute{Off: off, Size: 1},
		bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: ipVersionMask},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: ipVersion6, SkipFalse: 3},
		bpf.LoadAbsolute{Off: off + ipv6NextHdrOff, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: protoIPv6Route, SkipFalse: 1},
		accept,
		reject,
	}
}

// compile validates prog and returns a VM executing it.
func compile(prog []bpf.Instruction) (*bpf.VM, []bpf.RawInstruction, error) {
	raw, err := bpf.Assemble(prog)
	if err != nil {
		return nil, nil, fmt.Errorf("bpf: assemble: %w", err)
	}
	vm, err := bpf.NewVM(prog)
	if err != nil {
		return nil, nil, fmt.Errorf("bpf: %w", err)
	}
	return vm, raw, nil
}
