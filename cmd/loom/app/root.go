// Package app implements the loom command line. A loom process is one
// rank of a run; loom-run starts many of them with the peer environment
// set, and a bare invocation trains alone on the loopback fabric.
package app

import (
	"github.com/spf13/cobra"

	"github.com/mlweave/loom/log"
)

// Version is stamped by the build.
var Version = "dev"

type GlobalOptions struct {
	LogLevel string
}

func NewLoomCommand() *cobra.Command {
	opts := &GlobalOptions{}
	cmd := &cobra.Command{
		Use:          "loom",
		Short:        "loom runs parallel training jobs from a declarative run document",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.LogLevel != "" {
				return log.SetLevel(opts.LogLevel)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "debug, info, warn or error")
	cmd.AddCommand(
		NewTrainCommand(opts),
		NewValidateCommand(opts),
		NewTopologyCommand(opts),
		NewVersionCommand(opts),
	)
	return cmd
}

func NewVersionCommand(opts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the loom version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("loom version %s\n", Version)
		},
	}
}
