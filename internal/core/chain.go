// Package core defines the header chain shared by every protocol codec.
package core

import (
	"fmt"
	"io"

	"github.com/google/gopacket"
)

// Detail selects how much a header summary prints.
type Detail int

const (
	DetailLow Detail = iota
	DetailMedium
	DetailHigh
)

// Header is one protocol header participating in a chain.
type Header interface {
	// Bytes returns this header's own wire bytes, excluding any successor.
	Bytes() []byte
	// Len reports len(Bytes()).
	Len() int
	// Summary renders a single line describing the header.
	Summary(detail Detail) string
}

// Chain is an ordered sequence of headers. Node i is followed on the wire by
// node i+1; nodes are addressed by index instead of owning their successor.
type Chain struct {
	nodes []Header
}

// NewChain returns a chain holding hs in wire order.
func NewChain(hs ...Header) *Chain {
	c := &Chain{}
	for _, h := range hs {
		c.Append(h)
	}
	return c
}

// Append adds h as the successor of the current last node.
func (c *Chain) Append(h Header) {
	if h == nil {
		return
	}
	c.nodes = append(c.nodes, h)
}

// Len returns the number of nodes.
func (c *Chain) Len() int {
	return len(c.nodes)
}

// At returns node i.
func (c *Chain) At(i int) Header {
	return c.nodes[i]
}

// Next returns the successor of node i, if any.
func (c *Chain) Next(i int) (Header, bool) {
	if i < 0 || i+1 >= len(c.nodes) {
		return nil, false
	}
	return c.nodes[i+1], true
}

// WireLen is the total byte length of every node.
func (c *Chain) WireLen() int {
	n := 0
	for _, h := range c.nodes {
		n += h.Len()
	}
	return n
}

// Serialize concatenates the bytes of every node in order.
func (c *Chain) Serialize() []byte {
	out := make([]byte, 0, c.WireLen())
	for _, h := range c.nodes {
		out = append(out, h.Bytes()...)
	}
	return out
}

// SerializeFrom concatenates node i and all of its successors.
func (c *Chain) SerializeFrom(i int) []byte {
	if i < 0 || i >= len(c.nodes) {
		return nil
	}
	var out []byte
	for _, h := range c.nodes[i:] {
		out = append(out, h.Bytes()...)
	}
	return out
}

// Print writes each node's summary, separated by sep.
func (c *Chain) Print(w io.Writer, detail Detail, sep string) error {
	for i, h := range c.nodes {
		if i > 0 {
			if _, err := io.WriteString(w, sep); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, h.Summary(detail)); err != nil {
			return err
		}
	}
	return nil
}

// LayerNode adapts a gopacket layer decoded by a foreign codec.
type LayerNode struct {
	gopacket.Layer
}

func (n LayerNode) Bytes() []byte { return n.LayerContents() }
func (n LayerNode) Len() int      { return len(n.LayerContents()) }

func (n LayerNode) Summary(detail Detail) string {
	if detail >= DetailHigh {
		return gopacket.LayerString(n.Layer)
	}
	return fmt.Sprintf("%s[len=%d]", n.LayerType(), len(n.LayerContents()))
}
