// Package main is the entry point for the iopeer binary.
// It validates, plans and runs workflow definition files against the
// built-in capability providers.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fmonfasani/iopeer.com/pkg/config"
	"github.com/fmonfasani/iopeer.com/pkg/domain"
	"github.com/fmonfasani/iopeer.com/pkg/logging"
	"github.com/fmonfasani/iopeer.com/pkg/telemetry"
)

const (
	defaultTenant   = "default"
	defaultTier     = "free"
	defaultEnvFile  = ".env"
	shutdownTimeout = 10 * time.Second
)

// rootOptions holds the flags shared by every subcommand.
type rootOptions struct {
	Config   string
	LogLevel string
	EnvFile  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for iopeer
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "iopeer",
		Short: "Workflow orchestration engine",
		Long: `Runs directed workflows of capability nodes under tier governance.

Workflow files are YAML or JSON documents with nodes and connections.

Example:
  iopeer validate flow.yaml --tier pro
  iopeer run flow.yaml --input topic=go --listen :8080`,
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return loadEnvFile(opts.EnvFile)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.Config, "config", "c", "", "Path to configuration file (YAML)")
	flags.StringVarP(&opts.LogLevel, "log-level", "l", "", "Log level override (debug, info, warn, error)")
	flags.StringVar(&opts.EnvFile, "env-file", defaultEnvFile, "Dotenv file loaded before the configuration")

	rootCmd.AddCommand(
		newValidateCmd(opts),
		newPlanCmd(opts),
		newRunCmd(opts),
		newCapabilitiesCmd(opts),
	)
	return rootCmd
}

// loadEnvFile loads path into the environment. A missing file is ignored;
// variables already set win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// setup loads configuration and wires the application.
func setup(cmd *cobra.Command, opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	logger := logging.SetupLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: cmd.ErrOrStderr(),
	})
	return newApp(cmd.Context(), cfg, logger)
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	var tenant, tier string
	cmd := &cobra.Command{
		Use:   "validate <workflow-file>",
		Short: "Check a workflow against the tier policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loadDefinition(args[0])
			if err != nil {
				return err
			}
			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.governor.Validate(cmd.Context(), def, tenant, tier)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), validationView{
				Valid:    res.IsValid,
				Tier:     res.Tier,
				Errors:   res.Errors,
				Warnings: res.Warnings,
			}); err != nil {
				return err
			}
			return res.Err()
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", defaultTenant, "Tenant the workflow runs for")
	cmd.Flags().StringVar(&tier, "tier", defaultTier, "Subscription tier (free, pro, business, enterprise)")
	return cmd
}

func newPlanCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <workflow-file>",
		Short: "Show execution order, parallel layers and estimated runtime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loadDefinition(args[0])
			if err != nil {
				return err
			}
			wf, err := def.Build()
			if err != nil {
				return err
			}
			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			plan, err := a.optimizer.Optimize(cmd.Context(), wf, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), planView{
				Order:            plan.Order,
				ParallelLayers:   plan.ParallelLayers,
				EstimatedSeconds: plan.EstimatedSeconds,
				CacheHits:        plan.CacheHits,
				Warnings:         plan.Warnings,
			})
		},
	}
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		tenant, tier string
		inputs       []string
		inputFile    string
		listen       string
		hold         bool
	)
	cmd := &cobra.Command{
		Use:   "run <workflow-file>",
		Short: "Validate and execute a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loadDefinition(args[0])
			if err != nil {
				return err
			}
			initial, err := parseInput(inputs, inputFile)
			if err != nil {
				return err
			}
			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if hold && listen == "" {
				listen = a.cfg.Server.Listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := telemetry.SetupProvider(ctx, a.cfg.Telemetry)
			if err != nil {
				return fmt.Errorf("setup tracing: %w", err)
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := shutdownTracing(sctx); err != nil {
					a.logger.Warn("tracing shutdown failed", "error", err)
				}
			}()

			if listen != "" {
				srv, err := a.serve(listen)
				if err != nil {
					return err
				}
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
					defer cancel()
					_ = srv.Shutdown(sctx)
				}()
			}

			exec, runErr := a.engine.Submit(ctx, def, tenant, tier, initial)
			if exec != nil {
				if err := printJSON(cmd.OutOrStdout(), exec.Record()); err != nil {
					return err
				}
			}
			if listen != "" && hold {
				a.logger.Info("run finished, serving until interrupted", "listen", listen)
				<-ctx.Done()
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", defaultTenant, "Tenant the workflow runs for")
	cmd.Flags().StringVar(&tier, "tier", defaultTier, "Subscription tier (free, pro, business, enterprise)")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "Initial data as key=value; JSON values are decoded")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "YAML or JSON file with initial data")
	cmd.Flags().StringVar(&listen, "listen", "", "Serve /events, /metrics and /executions on this address")
	cmd.Flags().BoolVar(&hold, "hold", false, "Keep serving after the run until interrupted; listens on server.listen unless --listen is set")
	return cmd
}

func newCapabilitiesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "List registered capability types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			list := a.registry.List()
			names := make([]string, 0, len(list))
			for name := range list {
				names = append(names, name)
			}
			sort.Strings(names)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TYPE\tVERSION\tACTIONS\tDESCRIPTION")
			for _, name := range names {
				meta := list[name]
				actions := "*"
				if len(meta.Actions) > 0 {
					actions = strings.Join(meta.Actions, ",")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, meta.Version, actions, meta.Description)
			}
			return tw.Flush()
		},
	}
}

// serve starts the HTTP listener in the background.
func (a *app) serve(addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           a.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server failed", "error", err)
		}
	}()
	a.logger.Info("serving events and metrics", "listen", ln.Addr().String())
	return srv, nil
}

type validationView struct {
	Valid    bool     `json:"valid"`
	Tier     string   `json:"tier"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

type planView struct {
	Order            []string   `json:"order"`
	ParallelLayers   [][]string `json:"parallel_layers"`
	EstimatedSeconds float64    `json:"estimated_seconds"`
	CacheHits        []string   `json:"cache_hits,omitempty"`
	Warnings         []string   `json:"warnings,omitempty"`
}

// loadDefinition reads a workflow file. Files ending in .json are decoded as
// JSON, everything else as YAML.
func loadDefinition(path string) (*domain.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	def := &domain.Definition{}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, def)
	} else {
		err = yaml.Unmarshal(data, def)
	}
	if err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", path, err)
	}
	if def.ID == "" {
		def.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if len(def.Nodes) == 0 {
		return nil, fmt.Errorf("%w: %s declares no nodes", domain.ErrInvalidWorkflow, path)
	}
	return def, nil
}

// parseInput merges the input file with key=value pairs; pairs win.
func parseInput(pairs []string, file string) (map[string]any, error) {
	input := map[string]any{}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		if err := yaml.Unmarshal(data, &input); err != nil {
			return nil, fmt.Errorf("decode input %s: %w", file, err)
		}
		if input == nil {
			input = map[string]any{}
		}
	}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q: want key=value", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		input[key] = value
	}
	return input, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
