package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/philsphicas/sockfixture/internal/config"
	"github.com/philsphicas/sockfixture/internal/testserver"
	"github.com/spf13/cobra"
)

// interruptGrace is how long an interrupted serve waits for the server to
// release its port.
const interruptGrace = time.Second

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a canned response to a fixed number of connections",
		Long: `Listen on --bind, accept --requests connections one at a time, read each
request until the client goes quiet for --request-timeout, and reply with
the canned response. Each recorded request is printed to stdout as a quoted
string once the server stops.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().StringP("config", "c", "", "TOML fixture file (env SOCKFIXTURE_CONFIG)")
	cmd.Flags().StringP("bind", "b", "localhost:0", "bind address:port (port 0 picks a free port)")
	cmd.Flags().IntP("requests", "n", 1, "number of connections to handle before stopping")
	cmd.Flags().String("response", testserver.BasicResponse, "response payload")
	cmd.Flags().String("response-file", "", "read the response payload from a file")
	cmd.Flags().Duration("request-timeout", testserver.DefaultRequestTimeout, "idle time after which a request is considered complete")
	cmd.Flags().Duration("wait-timeout", testserver.DefaultWaitTimeout, "ceiling for startup, shutdown and --hold-open waits")
	cmd.Flags().Bool("hold-open", false, "keep the port open after the last request until interrupted or --wait-timeout")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	fx, err := resolveFixture(cmd)
	if err != nil {
		return err
	}
	payload, err := fx.ResponseBytes()
	if err != nil {
		return err
	}

	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	m, err := resolveMetrics(ctx, cmd, logger)
	if err != nil {
		return err
	}

	host, portStr, _ := net.SplitHostPort(fx.Bind) // validated by resolveFixture
	port, _ := strconv.Atoi(portStr)
	cfg := testserver.Config{
		Host:             host,
		Port:             port,
		RequestsToHandle: fx.Requests,
		WaitTimeout:      fx.WaitTimeout.Duration,
		Logger:           logger,
		Metrics:          m,
	}
	if fx.HoldOpen {
		cfg.WaitToClose = testserver.NewEvent()
	}

	srv := testserver.TextResponseServer(string(payload), fx.RequestTimeout.Duration, cfg)
	return serve(ctx, srv, fx.Requests, logger, cmd.OutOrStdout())
}

// serve runs srv until it stops or ctx is cancelled, then writes every
// recorded request to out.
func serve(ctx context.Context, srv *testserver.Server[[]byte], requests int, logger *slog.Logger, out io.Writer) error {
	srv.Start()
	if srv.Stopped().IsSet() {
		// Listening failed; there is no address to announce.
		if err := srv.Err(); err != nil {
			return err
		}
	}
	logger.Info("fixture ready", "addr", srv.Addr(), "requests", requests)

	var interrupted error
	select {
	case <-srv.Stopped().Done():
	case <-ctx.Done():
		interrupted = ctx.Err()
	}
	if err := srv.Finish(interrupted); err != nil {
		if !srv.Stopped().Wait(interruptGrace) {
			return fmt.Errorf("interrupted while waiting for requests: %w", err)
		}
	}

	for i, req := range srv.Results() {
		logger.Info("request recorded", "index", i, "bytes", len(req))
		logger.Debug("request content", "index", i, "request", string(req))
		fmt.Fprintln(out, strconv.Quote(string(req)))
	}
	if err := srv.Err(); err != nil {
		return err
	}
	logger.Info("fixture stopped", "handled", len(srv.Results()))
	return nil
}

// resolveFixture builds the fixture from defaults, the --config file (or
// SOCKFIXTURE_CONFIG) and explicitly set flags, in increasing precedence.
func resolveFixture(cmd *cobra.Command) (config.Fixture, error) {
	fx := config.Fixture{
		Bind:           "localhost:0",
		Requests:       1,
		Response:       testserver.BasicResponse,
		RequestTimeout: config.Duration{Duration: testserver.DefaultRequestTimeout},
		WaitTimeout:    config.Duration{Duration: testserver.DefaultWaitTimeout},
	}

	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv(config.EnvConfig)
	}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Fixture{}, err
		}
		mergeFixture(&fx, loaded)
	}

	flags := cmd.Flags()
	if flags.Changed("bind") {
		fx.Bind, _ = flags.GetString("bind")
	}
	if flags.Changed("requests") {
		fx.Requests, _ = flags.GetInt("requests")
	}
	if flags.Changed("response") {
		fx.Response, _ = flags.GetString("response")
		fx.ResponseFile = ""
	}
	if flags.Changed("response-file") {
		fx.ResponseFile, _ = flags.GetString("response-file")
	}
	if flags.Changed("request-timeout") {
		fx.RequestTimeout.Duration, _ = flags.GetDuration("request-timeout")
	}
	if flags.Changed("wait-timeout") {
		fx.WaitTimeout.Duration, _ = flags.GetDuration("wait-timeout")
	}
	if flags.Changed("hold-open") {
		fx.HoldOpen, _ = flags.GetBool("hold-open")
	}

	if err := fx.Validate(); err != nil {
		return config.Fixture{}, err
	}
	if fx.Requests == 0 {
		return config.Fixture{}, errors.New("--requests must be >= 1")
	}
	return fx, nil
}

// mergeFixture copies the non-zero fields of src into dst.
func mergeFixture(dst *config.Fixture, src config.Fixture) {
	if src.Bind != "" {
		dst.Bind = src.Bind
	}
	if src.Requests != 0 {
		dst.Requests = src.Requests
	}
	if src.Response != "" {
		dst.Response = src.Response
	}
	if src.ResponseFile != "" {
		dst.ResponseFile = src.ResponseFile
	}
	if src.RequestTimeout.Duration != 0 {
		dst.RequestTimeout = src.RequestTimeout
	}
	if src.WaitTimeout.Duration != 0 {
		dst.WaitTimeout = src.WaitTimeout
	}
	if src.HoldOpen {
		dst.HoldOpen = true
	}
}
