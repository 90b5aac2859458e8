package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	// Automatically set GOMEMLIMIT based on cgroup memory limits (container
	// or systemd MemoryMax=). If no cgroup limit is detected, GOMEMLIMIT is
	// left at the Go default.
	"github.com/KimMachineGun/automemlimit/memlimit"

	"github.com/philsphicas/sockfixture/internal/metrics"
	"github.com/spf13/cobra"
)

var version = "dev"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "sockfixture",
		Short:        "Canned-response TCP server for client tests",
		Long:         "Accept a fixed number of TCP connections, reply with a canned payload and report what each client sent.",
		SilenceUsage: true,
	}

	// Global flags.
	cmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("metrics-addr", "", "address for Prometheus metrics server (e.g. :9090); disabled if empty")

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// resolveMetrics creates a Metrics instance and starts the HTTP server if
// --metrics-addr or SOCKFIXTURE_METRICS_ADDR is set. Returns nil if metrics
// are disabled. The server lives until ctx is cancelled.
func resolveMetrics(ctx context.Context, cmd *cobra.Command, logger *slog.Logger) (*metrics.Metrics, error) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		addr = os.Getenv("SOCKFIXTURE_METRICS_ADDR")
	}
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	m := metrics.New()
	go func() {
		if err := m.Serve(ctx, ln, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return m, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
