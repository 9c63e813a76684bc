package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"firestige.xyz/nepwire/internal/core"
	"firestige.xyz/nepwire/internal/core/decoder"
	"firestige.xyz/nepwire/internal/log"
	"firestige.xyz/nepwire/internal/metrics"
	"firestige.xyz/nepwire/internal/source/file"
)

var (
	pcapRoutingOnly bool
	pcapDetail      string
	pcapMetrics     bool
)

var pcapCmd = &cobra.Command{
	Use:   "pcap <file>",
	Short: "Decode every packet of a pcap/pcapng capture into a header chain",
	Long: `Replay an offline capture and print one header chain per packet.

TCP payloads on the configured NEP port (capture.nep_port) are decoded as
NEP messages. --routing-only keeps IPv6 packets carrying a Routing header,
using a BPF filter evaluated before decoding.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.Capture.File
		if len(args) == 1 {
			path = args[0]
		}
		routingOnly := cfg.Capture.RoutingOnly || pcapRoutingOnly
		detail, err := parseDetail(pcapDetail)
		if err != nil {
			return err
		}

		src, err := file.Open(path, file.Options{RoutingOnly: routingOnly, Snaplen: cfg.Capture.Snaplen})
		if err != nil {
			return err
		}
		defer src.Close()

		reg := prometheus.NewRegistry()
		if cfg.Metrics.Enabled || pcapMetrics {
			srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, reg)
			if err := srv.Start(cmd.Context()); err != nil {
				return err
			}
			defer srv.Stop(context.Background())
		}
		dec := decoder.New(decoder.Config{
			NEPPort:              uint16(cfg.Capture.NEPPort),
			MaxWarningsPerSource: cfg.Decoder.MaxWarningsPerSource,
			WarningWindow:        cfg.Decoder.WarningWindow,
		}, metrics.NewDecodeMetrics(reg))

		stats, err := runPcap(src, dec, detail, cmd.OutOrStdout())
		log.GetLogger().WithFields(map[string]interface{}{
			"file":     path,
			"packets":  stats.Packets,
			"failures": stats.Failures,
			"filtered": src.Filtered(),
		}).Info("capture replay finished")
		return err
	},
}

func init() {
	pcapCmd.Flags().BoolVar(&pcapRoutingOnly, "routing-only", false, "only decode IPv6 packets with a Routing header")
	pcapCmd.Flags().StringVar(&pcapDetail, "detail", "medium", "summary detail: low/medium/high")
	pcapCmd.Flags().BoolVar(&pcapMetrics, "metrics", false, "serve decode metrics while replaying")
}

// packetSource yields captured frames until io.EOF.
type packetSource interface {
	Next() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

type chainDecoder interface {
	Decode(data []byte, link layers.LinkType) (*core.Chain, error)
}

// pcapStats summarizes one replay.
type pcapStats struct {
	Packets  int
	Failures int
}

// runPcap prints "<n> <timestamp> <chain>" per packet. Packets that fail to
// decode print the headers decoded so far followed by the error.
func runPcap(src packetSource, dec chainDecoder, detail core.Detail, w io.Writer) (pcapStats, error) {
	var stats pcapStats
	link := src.LinkType()
	for {
		data, ci, err := src.Next()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, err
		}
		stats.Packets++

		chain, derr := dec.Decode(data, link)
		fmt.Fprintf(w, "%d %s ", stats.Packets, ci.Timestamp.UTC().Format("15:04:05.000000"))
		if err := chain.Print(w, detail, " / "); err != nil {
			return stats, err
		}
		if derr != nil {
			stats.Failures++
			fmt.Fprintf(w, " !! %v", derr)
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return stats, err
		}
	}
}
