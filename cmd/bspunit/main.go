// Command bspunit is the execution unit of bspindex. It parses one BSP file
// per job, reading JSON lines on stdin by default or serving a NATS subject.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fluxorio/unitpool/pkg/bsp"
	"github.com/fluxorio/unitpool/pkg/core"
	"github.com/fluxorio/unitpool/pkg/unit"
	"github.com/fluxorio/unitpool/pkg/unit/natsunit"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		natsURL  string
		subject  string
		queue    string
		logLevel string
	)
	cmd := &cobra.Command{
		Use:          "bspunit",
		Short:        "parse BSP files for bspindex",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// stdout carries the protocol, so logs go to stderr
			logger := core.NewLogger(core.LoggerOptions{Level: logLevel, Output: os.Stderr})

			if natsURL == "" {
				logger.Debugf("serving jobs on stdin (pid %d)", os.Getpid())
				return unit.ServeLines(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), bsp.Handle)
			}

			nc, err := nats.Connect(natsURL, nats.Name(fmt.Sprintf("bspunit-%d", os.Getpid())))
			if err != nil {
				return fmt.Errorf("connect %s: %w", natsURL, err)
			}
			defer nc.Close()

			logger.WithField("subject", subject).Infof("serving jobs from %s", natsURL)
			return natsunit.Serve(ctx, nc, subject, queue, bsp.Handle)
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats", "", "serve jobs from this NATS server instead of stdin")
	cmd.Flags().StringVar(&subject, "subject", "unitpool.bsp", "NATS subject to serve")
	cmd.Flags().StringVar(&queue, "queue", "bspunit", "NATS queue group")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	return cmd
}
