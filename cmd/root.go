// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/nepwire/internal/config"
	"firestige.xyz/nepwire/internal/core"
	"firestige.xyz/nepwire/internal/log"
)

var (
	// Global flags
	configFile string

	// cfg is loaded before any subcommand runs
	cfg *config.NepwireConfig
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "nepwire",
	Short: "nepwire - IPv6 routing header and Nping Echo Protocol toolkit",
	Long: `nepwire decodes, validates and builds IPv6 Routing headers and
Nping Echo Protocol (NEP) messages.

It can replay pcap/pcapng captures into header chains, build NEP messages
from YAML templates, derive NEP session keys and check configuration files.`,
	Version:           "0.1.0",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults plus NEPWIRE_* environment when empty)")

	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(pcapCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(validateCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	// validate reports on its own file
	if cmd == validateCmd {
		return nil
	}
	c, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := log.Init(c.Log); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	cfg = c
	return nil
}

func parseDetail(s string) (core.Detail, error) {
	switch s {
	case "low":
		return core.DetailLow, nil
	case "", "medium":
		return core.DetailMedium, nil
	case "high":
		return core.DetailHigh, nil
	}
	return 0, fmt.Errorf("unknown detail %q (low/medium/high)", s)
}

func printHeader(w io.Writer, h core.Header, detail core.Detail) error {
	_, err := fmt.Fprintln(w, h.Summary(detail))
	return err
}
