// Package file reads and writes offline packet captures.
package file

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"golang.org/x/net/bpf"

	"firestige.xyz/nepwire/internal/log"
)

// Options configures a Source.
type Options struct {
	RoutingOnly bool // keep only IPv6 frames carrying a routing header
	Snaplen     int
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Source replays a pcap or pcapng file.
type Source struct {
	path     string
	f        *os.File
	r        packetReader
	vm       *bpf.VM
	filtered uint64
}

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// Open opens path and, with RoutingOnly, compiles the routing filter for the
// file's link type.
func Open(path string, opts Options) (*Source, error) {
	if path == "" {
		return nil, fmt.Errorf("capture file path is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file %s: %w", path, err)
	}

	br := bufio.NewReader(f)
	magic, _ := br.Peek(4)
	var r packetReader
	if bytes.Equal(magic, pcapngMagic) {
		r, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		r, err = pcapgo.NewReader(br)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read capture header %s: %w", path, err)
	}

	s := &Source{path: path, f: f, r: r}
	if opts.RoutingOnly {
		snaplen := opts.Snaplen
		if snaplen <= 0 {
			snaplen = 65535
		}
		prog, err := RoutingOnlyFilter(r.LinkType(), snaplen)
		if err != nil {
			f.Close()
			return nil, err
		}
		vm, raw, err := compile(prog)
		if err != nil {
			f.Close()
			return nil, err
		}
		s.vm = vm
		log.GetLogger().WithField("file", path).WithField("instructions", len(raw)).Debug("routing filter attached")
	}
	return s, nil
}

// Next returns the next frame accepted by the filter, or io.EOF.
func (s *Source) Next() ([]byte, gopacket.CaptureInfo, error) {
	if s.r == nil {
		return nil, gopacket.CaptureInfo{}, fmt.Errorf("file source closed")
	}
	for {
		data, ci, err := s.r.ReadPacketData()
		if err == io.EOF {
			return nil, gopacket.CaptureInfo{}, io.EOF
		}
		if err != nil {
			return nil, gopacket.CaptureInfo{}, fmt.Errorf("failed to read packet: %w", err)
		}
		if s.vm != nil {
			n, err := s.vm.Run(data)
			if err != nil {
				return nil, gopacket.CaptureInfo{}, fmt.Errorf("bpf: %w", err)
			}
			if n == 0 {
				s.filtered++
				continue
			}
			if n < len(data) {
				data = data[:n]
			}
		}
		return data, ci, nil
	}
}

func (s *Source) LinkType() layers.LinkType {
	if s.r == nil {
		return layers.LinkTypeEthernet
	}
	return s.r.LinkType()
}

// Filtered returns how many frames the filter rejected so far.
func (s *Source) Filtered() uint64 { return s.filtered }

func (s *Source) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f, s.r = nil, nil
	return err
}
