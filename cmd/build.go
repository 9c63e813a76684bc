package cmd

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/spf13/cobra"

	"firestige.xyz/nepwire/internal/config"
	"firestige.xyz/nepwire/internal/nep"
	"firestige.xyz/nepwire/internal/nepcrypto"
	"firestige.xyz/nepwire/internal/session"
	"firestige.xyz/nepwire/internal/source/file"
)

// buildOptions protect a templated message. Without a server nonce the
// message is emitted in the clear with a zero MAC.
type buildOptions struct {
	template    string
	passphrase  string
	serverNonce string
	clientNonce string
	iv          string
	pcapOut     string
	noValidate  bool
}

var buildOpts buildOptions

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build an NEP message from a YAML template",
	Long: `Build an NEP message from a YAML template and print it in hex.

With --server-nonce the message is MACed and encrypted the way a session
would: HANDSHAKE_SERVER and HANDSHAKE_CLIENT use the keys derived from the
server nonce, every later message the keys derived from both nonces.
HANDSHAKE_CLIENT and PACKET_SPEC travel client to server, the rest server
to client. The IV defaults to the first IV of that direction.

Examples:
  nepwire build -f ready.yaml
  nepwire build -f spec.yaml --server-nonce <hex> --client-nonce <hex> --pcap out.pcap`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := buildOpts
		if opts.passphrase == "" {
			opts.passphrase = cfg.Session.Passphrase
		}
		return runBuild(opts, cfg.Session.KDFIterations, uint16(cfg.Capture.NEPPort), cmd.OutOrStdout())
	},
}

func init() {
	buildCmd.Flags().StringVarP(&buildOpts.template, "file", "f", "", "message template (required)")
	buildCmd.Flags().StringVar(&buildOpts.passphrase, "passphrase", "", "session passphrase (default session.passphrase)")
	buildCmd.Flags().StringVar(&buildOpts.serverNonce, "server-nonce", "", "server nonce (hex), enables MAC and encryption")
	buildCmd.Flags().StringVar(&buildOpts.clientNonce, "client-nonce", "", "client nonce (hex)")
	buildCmd.Flags().StringVar(&buildOpts.iv, "iv", "", "CBC initialization vector (hex)")
	buildCmd.Flags().StringVar(&buildOpts.pcapOut, "pcap", "", "also write the message as an Ethernet/IPv6/TCP frame to this pcap file")
	buildCmd.Flags().BoolVar(&buildOpts.noValidate, "no-validate", false, "emit the message even if it does not validate")
	buildCmd.MarkFlagRequired("file")
}

// clientToServer reports the direction a message type travels in.
func clientToServer(mt nep.MessageType) bool {
	return mt == nep.HandshakeClient || mt == nep.PacketSpec
}

func runBuild(opts buildOptions, iterations int, port uint16, w io.Writer) error {
	tmpl, err := config.LoadTemplate(opts.template)
	if err != nil {
		return err
	}
	h, err := tmpl.Build()
	if err != nil {
		return err
	}
	if !opts.noValidate {
		if err := h.Validate(); err != nil {
			return err
		}
	}

	if opts.serverNonce != "" {
		next, err := protect(h, opts, iterations)
		if err != nil {
			return err
		}
		if next != nil {
			fmt.Fprintf(w, "# next iv %x\n", next)
		}
	}
	if _, err := fmt.Fprintf(w, "%x\n", h.Bytes()); err != nil {
		return err
	}

	if opts.pcapOut != "" {
		if port == 0 {
			port = nep.DefaultPort
		}
		if err := writeFrame(opts.pcapOut, h, port); err != nil {
			return err
		}
		fmt.Fprintf(w, "# wrote %s\n", opts.pcapOut)
	}
	return nil
}

// protect MACs and encrypts h in place and returns the next IV, if any.
func protect(h *nep.Header, opts buildOptions, iterations int) ([]byte, error) {
	if err := (config.SessionConfig{Passphrase: opts.passphrase}).Require(); err != nil {
		return nil, err
	}
	sn, err := config.ParseHex(opts.serverNonce)
	if err != nil {
		return nil, err
	}
	var cn []byte
	if opts.clientNonce != "" {
		if cn, err = config.ParseHex(opts.clientNonce); err != nil {
			return nil, err
		}
	}
	if len(sn) != nep.NonceLen || (cn != nil && len(cn) != nep.NonceLen) {
		return nil, fmt.Errorf("nonces must be %d bytes", nep.NonceLen)
	}

	mt := h.MessageType()
	nonces := sn
	if mt != nep.HandshakeServer && mt != nep.HandshakeClient {
		if cn == nil {
			return nil, fmt.Errorf("%s needs --client-nonce", mt)
		}
		nonces = session.FinalNonces(sn, cn)
	}
	keys := session.DeriveKeys(opts.passphrase, nonces, iterations)
	macKey, cipherKey := keys.MACS2C, keys.CipherS2C
	if clientToServer(mt) {
		macKey, cipherKey = keys.MACC2S, keys.CipherC2S
	}

	var suite nepcrypto.Suite
	if err := h.ComputeMAC(suite, macKey); err != nil {
		return nil, err
	}
	if mt == nep.HandshakeServer {
		return nil, nil
	}

	var iv []byte
	switch {
	case opts.iv != "":
		if iv, err = config.ParseHex(opts.iv); err != nil {
			return nil, err
		}
	case clientToServer(mt):
		iv = sn[:nepcrypto.BlockLen]
	case cn != nil:
		iv = cn[:nepcrypto.BlockLen]
	default:
		return nil, fmt.Errorf("%s needs --iv or --client-nonce", mt)
	}
	return h.Encrypt(suite, cipherKey, iv)
}

// writeFrame wraps h in Ethernet/IPv6/TCP so the capture decodes with the
// pcap command.
func writeFrame(path string, h *nep.Header, port uint16) error {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02},
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip6 := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolTCP,
		HopLimit:   64,
		SrcIP:      net.ParseIP("2001:db8::1"),
		DstIP:      net.ParseIP("2001:db8::2"),
	}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: layers.TCPPort(port), PSH: true, ACK: true, Window: 65535}
	if !clientToServer(h.MessageType()) {
		tcp.SrcPort, tcp.DstPort = tcp.DstPort, tcp.SrcPort
		ip6.SrcIP, ip6.DstIP = ip6.DstIP, ip6.SrcIP
	}
	if err := tcp.SetNetworkLayerForChecksum(ip6); err != nil {
		return err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip6, tcp, gopacket.Payload(h.Bytes())); err != nil {
		return fmt.Errorf("serialize frame: %w", err)
	}

	out, err := file.Create(path, layers.LinkTypeEthernet, 65535)
	if err != nil {
		return err
	}
	if err := out.WritePacket(buf.Bytes(), time.Now()); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
