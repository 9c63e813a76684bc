package file

import (
	"fmt"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Writer appends frames to a new pcap file.
type Writer struct {
	f *os.File
	w *pcapgo.Writer
}

// Create truncates path and writes a pcap header for link.
func Create(path string, link layers.LinkType, snaplen uint32) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file %s: %w", path, err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(snaplen, link); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write capture header: %w", err)
	}
	return &Writer{f: f, w: w}, nil
}

// WritePacket appends one frame stamped with ts.
func (w *Writer) WritePacket(data []byte, ts time.Time) error {
	return w.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(data),
		Length:        len(data),
	}, data)
}

func (w *Writer) Close() error {
	return w.f.Close()
}
