package main

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"cloudemu/pkg/config"
	"cloudemu/pkg/log"
)

//go:embed VERSION
var Version string

func version() string {
	return strings.TrimSpace(Version)
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "cloudemu",
		Short:         "Local emulator for AWS service APIs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the gateway (default)",
		RunE:  runServe,
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version())
		},
	})
	return root
}

func main() {
	// Initialize logger first
	_ = log.Logger

	if err := newRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("cloudemu failed")
		os.Exit(1)
	}
}
