package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/nepwire/internal/config"
	"firestige.xyz/nepwire/internal/core"
	"firestige.xyz/nepwire/internal/nep"
	"firestige.xyz/nepwire/internal/nepcrypto"
	"firestige.xyz/nepwire/internal/routing"
)

var decodeCmd = &cobra.Command{
	Use:   "decode",
	Short: "Decode a single header given in hex",
}

var decodeRoutingCmd = &cobra.Command{
	Use:     "routing <hex>",
	Short:   "Decode and validate an IPv6 Routing header",
	Example: `  nepwire decode routing 3b0202010000000020010db8000000000000000000000001`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := config.ParseHex(args[0])
		if err != nil {
			return err
		}
		detail, err := parseDetail(decodeDetail)
		if err != nil {
			return err
		}
		return runDecodeRouting(data, detail, cmd.OutOrStdout())
	},
}

// NEP decode options
type nepDecodeOptions struct {
	decryptType string
	cipherKey   string
	macKey      string
	iv          string
}

var (
	decodeDetail string
	nepOpts      nepDecodeOptions
)

var decodeNEPCmd = &cobra.Command{
	Use:   "nep <hex>",
	Short: "Decode an NEP message, optionally decrypting and authenticating it",
	Long: `Decode an NEP message. A protected message needs --type, --cipher-key
and --iv to be deciphered, since its common header may be ciphertext.
--mac-key verifies the MAC of the (deciphered) message.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := config.ParseHex(args[0])
		if err != nil {
			return err
		}
		detail, err := parseDetail(decodeDetail)
		if err != nil {
			return err
		}
		return runDecodeNEP(data, nepOpts, detail, cmd.OutOrStdout())
	},
}

func init() {
	decodeCmd.PersistentFlags().StringVar(&decodeDetail, "detail", "high", "summary detail: low/medium/high")

	decodeNEPCmd.Flags().StringVar(&nepOpts.decryptType, "type", "", "message type to decrypt as")
	decodeNEPCmd.Flags().StringVar(&nepOpts.cipherKey, "cipher-key", "", "AES-128 key (hex)")
	decodeNEPCmd.Flags().StringVar(&nepOpts.iv, "iv", "", "CBC initialization vector (hex)")
	decodeNEPCmd.Flags().StringVar(&nepOpts.macKey, "mac-key", "", "HMAC-SHA256 key (hex)")

	decodeCmd.AddCommand(decodeRoutingCmd)
	decodeCmd.AddCommand(decodeNEPCmd)
}

func runDecodeRouting(data []byte, detail core.Detail, w io.Writer) error {
	h := routing.New()
	if err := h.Decode(data); err != nil {
		return err
	}
	consumed, err := h.Validate()
	if err != nil {
		return err
	}
	if err := printHeader(w, h, detail); err != nil {
		return err
	}
	switch h.RoutingType() {
	case routing.Type0:
		for i, a := range h.Addresses() {
			fmt.Fprintf(w, "  address[%d] %s\n", i, a)
		}
	case routing.Type2:
		if a, err := h.HomeAddress(); err == nil {
			fmt.Fprintf(w, "  home address %s\n", a)
		}
	}
	if rest := len(data) - consumed; rest > 0 {
		fmt.Fprintf(w, "  %d trailing bytes\n", rest)
	}
	return nil
}

func runDecodeNEP(data []byte, opts nepDecodeOptions, detail core.Detail, w io.Writer) error {
	h := &nep.Header{}
	if err := h.Decode(data); err != nil {
		return err
	}
	var suite nepcrypto.Suite

	if opts.cipherKey != "" {
		if opts.decryptType == "" || opts.iv == "" {
			return fmt.Errorf("--cipher-key needs --type and --iv")
		}
		mt, err := nep.ParseMessageType(opts.decryptType)
		if err != nil {
			return err
		}
		key, err := config.ParseHex(opts.cipherKey)
		if err != nil {
			return err
		}
		iv, err := config.ParseHex(opts.iv)
		if err != nil {
			return err
		}
		next, err := h.Decrypt(suite, key, iv, mt)
		if err != nil {
			return err
		}
		if next != nil {
			fmt.Fprintf(w, "next iv %x\n", next)
		}
	}
	if err := h.Validate(); err != nil {
		return err
	}
	if opts.macKey != "" {
		key, err := config.ParseHex(opts.macKey)
		if err != nil {
			return err
		}
		if err := h.Authenticate(suite, key); err != nil {
			return err
		}
		fmt.Fprintln(w, "MAC ok")
	}
	if err := printHeader(w, h, detail); err != nil {
		return err
	}
	printNEPFields(w, h)
	return nil
}

// printNEPFields lists every field the message type carries.
func printNEPFields(w io.Writer, h *nep.Header) {
	if n, err := h.ServerNonce(); err == nil {
		fmt.Fprintf(w, "  server nonce %x\n", n)
	}
	if n, err := h.ClientNonce(); err == nil {
		fmt.Fprintf(w, "  client nonce %x\n", n)
	}
	if a, err := h.PartnerAddress(); err == nil {
		fmt.Fprintf(w, "  partner %s\n", a)
	}
	if p, err := h.Protocol(); err == nil {
		c, _ := h.PacketCount()
		fmt.Fprintf(w, "  protocol %d packets %d\n", p, c)
		specs, err := h.FieldSpecs()
		for _, s := range specs {
			fmt.Fprintf(w, "  field %s %x\n", s.Tag, s.Value)
		}
		if err != nil {
			fmt.Fprintf(w, "  field specs: %v\n", err)
		}
	}
	if pkt, err := h.EchoedPacket(); err == nil {
		dlt, _ := h.DLT()
		fmt.Fprintf(w, "  dlt %d echoed %d bytes %x\n", dlt, len(pkt), pkt)
	}
	if m, err := h.ErrorMessage(); err == nil {
		fmt.Fprintf(w, "  error %q\n", m)
	}
	if mac, err := h.MAC(); err == nil {
		fmt.Fprintf(w, "  mac %x\n", mac)
	}
}
