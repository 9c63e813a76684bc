package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/nepwire/internal/config"
	"firestige.xyz/nepwire/internal/nep"
	"firestige.xyz/nepwire/internal/session"
)

var (
	keysPassphrase  string
	keysServerNonce string
	keysClientNonce string
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Print the NEP session keys derived from a passphrase and nonces",
	Long: `Print the initial keys (derived from the server nonce) and, when a
client nonce is given, the final keys (derived from both nonces) together
with the first IV of each direction.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pass := keysPassphrase
		if pass == "" {
			pass = cfg.Session.Passphrase
		}
		return runKeys(pass, keysServerNonce, keysClientNonce, cfg.Session.KDFIterations, cmd.OutOrStdout())
	},
}

func init() {
	keysCmd.Flags().StringVar(&keysPassphrase, "passphrase", "", "session passphrase (default session.passphrase)")
	keysCmd.Flags().StringVar(&keysServerNonce, "server-nonce", "", "server nonce (hex, required)")
	keysCmd.Flags().StringVar(&keysClientNonce, "client-nonce", "", "client nonce (hex)")
	keysCmd.MarkFlagRequired("server-nonce")
}

func runKeys(passphrase, serverNonce, clientNonce string, iterations int, w io.Writer) error {
	if err := (config.SessionConfig{Passphrase: passphrase}).Require(); err != nil {
		return err
	}
	sn, err := config.ParseHex(serverNonce)
	if err != nil {
		return err
	}
	if len(sn) != nep.NonceLen {
		return fmt.Errorf("server nonce must be %d bytes, got %d", nep.NonceLen, len(sn))
	}
	printKeys(w, "initial", session.DeriveKeys(passphrase, sn, iterations))

	if clientNonce == "" {
		return nil
	}
	cn, err := config.ParseHex(clientNonce)
	if err != nil {
		return err
	}
	if len(cn) != nep.NonceLen {
		return fmt.Errorf("client nonce must be %d bytes, got %d", nep.NonceLen, len(cn))
	}
	printKeys(w, "final", session.DeriveKeys(passphrase, session.FinalNonces(sn, cn), iterations))
	c2s, s2c := session.InitialIVs(sn, cn)
	fmt.Fprintf(w, "iv c2s     %x\n", c2s)
	fmt.Fprintf(w, "iv s2c     %x\n", s2c)
	return nil
}

func printKeys(w io.Writer, gen string, k session.Keys) {
	fmt.Fprintf(w, "%s mac c2s     %x\n", gen, k.MACC2S)
	fmt.Fprintf(w, "%s mac s2c     %x\n", gen, k.MACS2C)
	fmt.Fprintf(w, "%s cipher c2s  %x\n", gen, k.CipherC2S)
	fmt.Fprintf(w, "%s cipher s2c  %x\n", gen, k.CipherS2C)
}
