// Command bspindex indexes a Yocto/BitBake BSP tree into a SQLite database.
// Files are parsed by a pool of execution units (bspunit processes, NATS
// workers or in-process goroutines); when the pool is unavailable the
// indexer parses in-process.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fluxorio/unitpool/pkg/bsp/index"
	"github.com/fluxorio/unitpool/pkg/config"
	"github.com/fluxorio/unitpool/pkg/core"
	"github.com/fluxorio/unitpool/pkg/observability/prometheus"
	"github.com/fluxorio/unitpool/pkg/observability/tracing"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "bspindex",
		Short:        "index Yocto/BitBake BSP trees",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "configuration file (yaml or json)")
	root.AddCommand(newIndexCmd(), newSearchCmd(), newConfigCmd())
	return root
}

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index <project>",
		Short: "index a BSP project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadForCommand(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runIndex(ctx, cfg, args[0], cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringP("output", "o", "", "output database (default <project>/.bsp-index/index.bspidx)")
	f.String("unit", "", "unit executable for process units")
	f.Bool("local", false, "run units as in-process goroutines")
	f.String("nats", "", "dispatch jobs to bspunit workers on this NATS server")
	f.String("subject", "", "NATS subject served by the workers")
	f.Int("workers", 0, "pool size and in-process parse concurrency")
	f.String("status", "", "serve /stats, /healthz and /metrics on this address")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (text, json)")
	return cmd
}

func newSearchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <index> <query>",
		Short: "search symbols in an existing index",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := index.Open(ctx, args[0], index.WithLogger(core.NewNopLogger()))
			if err != nil {
				return err
			}
			defer store.Close()

			hits, err := store.SearchSymbols(ctx, args[1], limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, h := range hits {
				fmt.Fprintf(out, "%s:%d\t%s\t%s = %s\n", h.File, h.Line, h.Type, h.Name, h.Value)
			}
			if len(hits) == 0 {
				fmt.Fprintln(out, "no matches")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of results")
	return cmd
}

func newConfigCmd() *cobra.Command {
	var write string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadForCommand(cmd)
			if err != nil {
				return err
			}
			if write != "" {
				return config.Save(write, cfg)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVar(&write, "write", "", "write the configuration to this file instead of stdout")
	return cmd
}

func loadForCommand(cmd *cobra.Command) (appConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := loadAppConfig(path)
	if err != nil {
		return cfg, err
	}
	if err := applyFlags(cmd.Flags(), &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

// applyFlags overrides cfg with the flags set on the command line
func applyFlags(fs *pflag.FlagSet, cfg *appConfig) error {
	var err error
	str := func(name string, dst *string) {
		if err == nil && fs.Lookup(name) != nil && fs.Changed(name) {
			*dst, err = fs.GetString(name)
		}
	}
	str("output", &cfg.Index.Output)
	str("status", &cfg.Observability.StatusAddr)
	str("log-level", &cfg.Observability.LogLevel)
	str("log-format", &cfg.Observability.LogFormat)
	str("subject", &cfg.Unit.Subject)
	if fs.Lookup("unit") != nil && fs.Changed("unit") {
		cfg.Unit.Kind = unitProcess
		str("unit", &cfg.Unit.Resource)
	}
	if fs.Lookup("nats") != nil && fs.Changed("nats") {
		cfg.Unit.Kind = unitNATS
		str("nats", &cfg.Unit.NATSURL)
	}
	if fs.Lookup("local") != nil && fs.Changed("local") {
		local, lerr := fs.GetBool("local")
		if lerr != nil {
			return lerr
		}
		if local {
			cfg.Unit.Kind = unitLocal
		}
	}
	if fs.Lookup("workers") != nil && fs.Changed("workers") {
		n, werr := fs.GetInt("workers")
		if werr != nil {
			return werr
		}
		cfg.Pool.Size = n
		cfg.Index.Workers = n
	}
	return err
}

// resolveUnit finds a bare unit executable on $PATH or next to bspindex
func resolveUnit(resource string) string {
	if resource == "" || strings.ContainsRune(resource, filepath.Separator) {
		return resource
	}
	if _, err := exec.LookPath(resource); err == nil {
		return resource
	}
	self, err := os.Executable()
	if err != nil {
		return resource
	}
	sibling := filepath.Join(filepath.Dir(self), resource)
	if _, err := os.Stat(sibling); err == nil {
		return sibling
	}
	return resource
}

func runIndex(ctx context.Context, cfg appConfig, project string, out io.Writer) error {
	logger := core.NewLogger(core.LoggerOptions{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	})

	if cfg.Observability.Tracing.Exporter != "" && cfg.Observability.Tracing.Exporter != tracing.ExporterNone {
		if err := tracing.Initialize(ctx, cfg.Observability.Tracing); err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracing.Shutdown(sctx); err != nil {
				logger.Warnf("flush traces: %v", err)
			}
		}()
	}

	var metrics *prometheus.Metrics
	if cfg.Observability.StatusAddr != "" {
		metrics = prometheus.GetMetrics()
	}

	if cfg.Unit.Kind == unitProcess {
		cfg.Unit.Resource = resolveUnit(cfg.Unit.Resource)
	}
	ix, err := newIndexer(cfg, logger, out, metrics)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Unit.GracePeriod+time.Second)
		defer cancel()
		if err := ix.close(sctx); err != nil {
			logger.Warnf("shutdown unit pool: %v", err)
		}
	}()

	sum, err := ix.run(ctx, project)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "[bspindex] Complete in %.1fs\n", sum.Elapsed.Seconds())
	fmt.Fprintf(out, "[bspindex]   Files: %d (skipped %d, parsed in-process %d)\n", sum.Stats.Files, sum.Skipped, sum.Local)
	fmt.Fprintf(out, "[bspindex]   Symbols: %d\n", sum.Stats.Symbols)
	fmt.Fprintf(out, "[bspindex]   Includes: %d\n", sum.Stats.Includes)
	fmt.Fprintf(out, "[bspindex]   DT nodes: %d\n", sum.Stats.DTNodes)
	fmt.Fprintf(out, "[bspindex]   DT properties: %d\n", sum.Stats.DTProperties)
	fmt.Fprintf(out, "[bspindex]   GPIO pins: %d\n", sum.Stats.GPIOPins)
	fmt.Fprintf(out, "[bspindex] Index: %s\n[bspindex] Meta: %s\n", sum.Output, sum.MetaPath)
	return nil
}
