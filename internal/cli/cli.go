// ============================================================================
// Session Jobs CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
//
// Command Structure:
//   sessionjobs                     # Root command
//   ├── run                         # Start both job domains and serve the tunnel
//   ├── invoke <service> <op>       # Call a remote operation through the tunnel
//   │   ├── --args '{"k":"v"}'      # JSON object of arguments
//   │   ├── --locale de-CH          # Locale of the call
//   │   └── --timeout 30s
//   ├── cancel <sequence>           # Cancel a running remote call of the session
//   ├── demo                        # Local walkthrough of scheduling and cancellation
//   ├── status                      # Show the effective configuration
//   └── --config, -c                # Config file (default: configs/default.yaml)
//
// Configuration:
//   YAML file overlaid with SESSIONJOBS_* environment variables, see
//   internal/config. Logging is configured from the log section before any
//   command runs.
//
// run Command:
//   1. Initialize the platform (client + server job domains, metrics,
//      notify endpoint, lookup service)
//   2. Serve the service tunnel on tunnel.address
//   3. Wait for SIGINT/SIGTERM
//   4. Shut down: tunnel, client jobs, server jobs, endpoints
//
// invoke / cancel:
//   Identify as tunnel.principal (--principal) with session tunnel.session_id
//   (--session). A random session id is used when none is configured, so
//   cancel needs an explicit --session shared with the invoking process.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ChuLiYu/sessionjobs/internal/config"
	"github.com/ChuLiYu/sessionjobs/internal/jobmanager"
	"github.com/ChuLiYu/sessionjobs/internal/platform"
	"github.com/ChuLiYu/sessionjobs/internal/runctx"
	"github.com/ChuLiYu/sessionjobs/internal/tunnel"
	"github.com/ChuLiYu/sessionjobs/pkg/types"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sessionjobs",
		Short: "Session-bound job manager with a remote service tunnel",
		Long: `sessionjobs runs client and server job domains:
- jobs bound to client or server sessions
- cancellation by job id, session or any filter
- remote service calls executed as server jobs
- Prometheus metrics and websocket statistics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildInvokeCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildDemoCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// loadConfig reads the configuration and installs the default logger.
func loadConfig(w io.Writer) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	slog.SetDefault(newLogger(cfg, w))
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the job domains and serve the service tunnel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return runSystem(cfg)
		},
	}
	return cmd
}

func runSystem(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := platform.Init(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to start platform: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.Tunnel.Address)
	if err != nil {
		_ = platform.Shutdown(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", cfg.Tunnel.Address, err)
	}
	p.ServeTunnel(lis)

	slog.Info("System started", "tunnel", lis.Addr().String())
	<-ctx.Done()
	slog.Info("Received shutdown signal, stopping gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+cfg.Client.ShutdownTimeout)
	defer cancel()
	if err := platform.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown incomplete: %w", err)
	}
	slog.Info("System stopped")
	return nil
}

type tunnelFlags struct {
	principal string
	session   string
	timeout   time.Duration
}

func (f *tunnelFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.principal, "principal", "", "principal to call as (default tunnel.principal)")
	cmd.Flags().StringVar(&f.session, "session", "", "client session id (default tunnel.session_id)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 30*time.Second, "call timeout")
}

// dial connects to the tunnel and starts a client job domain for the call.
func (f *tunnelFlags) dial(cfg *config.Config) (*tunnel.Client, func(), error) {
	principal := firstNonEmpty(f.principal, cfg.Tunnel.Principal)
	if principal == "" {
		return nil, nil, fmt.Errorf("a principal is required (use --principal or tunnel.principal)")
	}

	conn, err := grpc.NewClient(cfg.Tunnel.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", cfg.Tunnel.Address, err)
	}

	jobs := jobmanager.New(types.KindClient, cfg.Client)
	if err := jobs.Start(); err != nil {
		conn.Close()
		return nil, nil, err
	}

	session := types.NewClientSession(firstNonEmpty(f.session, cfg.Tunnel.SessionID), principal)
	client := tunnel.NewClient(conn, jobs, session, slog.Default())
	cleanup := func() {
		_ = jobs.Shutdown(cfg.Client.ShutdownTimeout)
		conn.Close()
	}
	return client, cleanup, nil
}

func buildInvokeCommand() *cobra.Command {
	var flags tunnelFlags
	var rawArgs string
	var locale string

	cmd := &cobra.Command{
		Use:   "invoke <service> <operation>",
		Short: "Invoke a remote operation through the service tunnel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return invoke(cmd.Context(), cmd.OutOrStdout(), cfg, &flags, args[0], args[1], rawArgs, locale)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&rawArgs, "args", "{}", "operation arguments as a JSON object")
	cmd.Flags().StringVar(&locale, "locale", "", "locale of the call, e.g. de-CH")
	return cmd
}

func invoke(ctx context.Context, w io.Writer, cfg *config.Config, flags *tunnelFlags, service, operation, rawArgs, locale string) error {
	var callArgs map[string]any
	if err := json.Unmarshal([]byte(rawArgs), &callArgs); err != nil {
		return fmt.Errorf("failed to parse --args: %w", err)
	}
	rc := runctx.New()
	if locale != "" {
		tag, err := language.Parse(locale)
		if err != nil {
			return fmt.Errorf("invalid --locale: %w", err)
		}
		rc = rc.WithLocale(tag)
	}

	client, cleanup, err := flags.dial(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := client.Call(runctx.Into(ctx, rc), service, operation, callArgs, flags.timeout)
	if err != nil {
		return fmt.Errorf("%s.%s failed: %w", service, operation, err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(out))
	return nil
}

func buildCancelCommand() *cobra.Command {
	var flags tunnelFlags

	cmd := &cobra.Command{
		Use:   "cancel <sequence>",
		Short: "Cancel a running remote call of the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid sequence %q: %w", args[0], err)
			}
			cfg, err := loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if firstNonEmpty(flags.session, cfg.Tunnel.SessionID) == "" {
				return fmt.Errorf("a session id is required (use --session or tunnel.session_id)")
			}

			client, cleanup, err := flags.dial(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
			defer cancel()
			ok, err := client.Cancel(ctx, seq)
			if err != nil {
				return fmt.Errorf("cancel failed: %w", err)
			}
			if ok {
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled call %d\n", seq)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "No running call %d\n", seq)
			}
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the effective configuration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return showStatus(cmd.OutOrStdout(), cfg)
		},
	}
	return cmd
}

func showStatus(w io.Writer, cfg *config.Config) error {
	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           Session Jobs Status                             ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📋 Configuration:")
	fmt.Fprintf(w, "  └─ Config File:     %s\n", configFile)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "⚙️  Job Domains:")
	for _, d := range []struct {
		name string
		cfg  jobmanager.Config
	}{{"client", cfg.Client}, {"server", cfg.Server}} {
		capacity := "unbounded"
		if d.cfg.QueueCapacity > 0 {
			capacity = strconv.Itoa(d.cfg.QueueCapacity)
		}
		fmt.Fprintf(w, "  ├─ %s\n", d.name)
		fmt.Fprintf(w, "  │  ├─ Workers:          %d\n", d.cfg.Workers)
		fmt.Fprintf(w, "  │  ├─ Queue Capacity:   %s\n", capacity)
		fmt.Fprintf(w, "  │  ├─ Retention:        %s\n", d.cfg.Retention)
		fmt.Fprintf(w, "  │  └─ Shutdown Timeout: %s\n", d.cfg.ShutdownTimeout)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "🔌 Endpoints:")
	fmt.Fprintf(w, "  ├─ Tunnel:  %s\n", cfg.Tunnel.Address)
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  ├─ Metrics: ✅ http://%s/metrics\n", displayAddr(cfg.Metrics.Address))
	} else {
		fmt.Fprintln(w, "  ├─ Metrics: ⚠️  Disabled")
	}
	if cfg.Notify.Enabled {
		fmt.Fprintf(w, "  └─ Notify:  ✅ ws://%s%s\n", displayAddr(cfg.Notify.Address), cfg.Notify.Path)
	} else {
		fmt.Fprintln(w, "  └─ Notify:  ⚠️  Disabled")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "💾 Lookup:")
	if cfg.Lookup.DSN != "" {
		fmt.Fprintf(w, "  └─ DSN: %s\n", cfg.Lookup.DSN)
	} else {
		fmt.Fprintln(w, "  └─ Disabled")
	}
	fmt.Fprintln(w)

	if p := platform.Current(); p != nil {
		fmt.Fprintln(w, "📊 Job Statistics:")
		for _, s := range p.Stats() {
			fmt.Fprintf(w, "  ├─ %-6s scheduled=%d done=%d failed=%d cancelled=%d pending=%d running=%d\n",
				s.Domain, s.Scheduled, s.Done, s.Failed, s.Cancelled, s.Pending, s.Running)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	return nil
}

func displayAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
