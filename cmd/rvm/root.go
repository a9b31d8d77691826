// Package rvm implements the command-line entry point, replacing the
// teacher's stdlib flag package with github.com/spf13/cobra, in the
// subcommand-plus-RunE shape the blacktop/go-hypervisor cmd/hv example
// uses.
package rvm

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var logLevel string

// Execute runs the rvm CLI, returning a non-nil error on failure
// (cobra has already printed it).
func Execute() error {
	root := &cobra.Command{
		Use:   "rvm",
		Short: "rvm drives the multi-architecture vCPU execution core over /dev/kvm",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logrus.SetLevel(level)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "logrus level: trace, debug, info, warn, error")

	root.AddCommand(newBootCommand())
	root.AddCommand(newProbeCommand())

	return root.Execute()
}
