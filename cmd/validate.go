package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/nepwire/internal/config"
)

var validateConfigFile string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load a configuration file the way every other command does, apply
defaults and environment overrides, and report whether it is valid.

Examples:
  nepwire validate -f /etc/nepwire/config.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(validateConfigFile, cmd.OutOrStdout())
	},
}

func init() {
	validateCmd.Flags().StringVarP(&validateConfigFile, "file", "f", "",
		"configuration file to validate (required)")
	validateCmd.MarkFlagRequired("file")
}

func runValidate(path string, w io.Writer) error {
	c, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(w, "INVALID: %v\n", err)
		return err
	}
	sess := "no passphrase"
	if c.Session.Require() == nil {
		sess = fmt.Sprintf("passphrase set, %d KDF iterations", c.Session.KDFIterations)
	}
	fmt.Fprintf(w, "VALID: log %s/%s, session %s, NEP port %d, metrics %v\n",
		c.Log.Level, c.Log.Format, sess, c.Capture.NEPPort, c.Metrics.Enabled)
	return nil
}
