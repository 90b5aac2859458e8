// Package testserver implements a throwaway TCP server for client tests.
// A Server accepts a fixed number of connections one after another on a
// background goroutine, hands each raw connection to a handler and keeps
// the handler's return values for the test to inspect.
package testserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/philsphicas/sockfixture/internal/metrics"
)

// BasicResponse is the reply sent by BasicResponseServer.
const BasicResponse = "HTTP/1.1 200 OK\r\n" +
	"Content-Length: 0\r\n\r\n"

const (
	// DefaultHost is the bind host used when Config.Host is empty.
	DefaultHost = "localhost"
	// DefaultWaitTimeout bounds every cross-goroutine wait.
	DefaultWaitTimeout = 5 * time.Second
)

// errBodyFailed is passed to Finish when the caller's block did not
// complete normally.
var errBodyFailed = errors.New("testserver: caller block failed")

// Handler serves one accepted connection. Its result is recorded in
// arrival order. A non-nil error stops the server. The connection is
// closed after the handler returns, so results must not hold on to it.
type Handler[T any] func(conn net.Conn) (T, error)

// Config holds Server configuration.
type Config struct {
	Host             string
	Port             int // 0 picks a free port
	RequestsToHandle int // <= 0 means 1
	// WaitToClose, if set, keeps the listener open after the last request
	// until it is set or WaitTimeout elapses.
	WaitToClose *Event
	WaitTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics // optional; nil disables metrics
}

// Server is a single-use, sequential TCP test server.
type Server[T any] struct {
	cfg     Config
	handler Handler[T]

	// Written only by the serving goroutine. port is valid after ready is
	// set; results and err are valid after stopped is set.
	port    int
	results []T
	err     error

	ready   Event
	stopped Event

	startOnce sync.Once
	listen    func(ctx context.Context, network, address string) (net.Listener, error)
}

// New returns a Server that runs handler for each accepted connection.
// The server does not listen until Start is called.
func New[T any](handler Handler[T], cfg Config) *Server[T] {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.RequestsToHandle <= 0 {
		cfg.RequestsToHandle = 1
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server[T]{
		cfg:     cfg,
		handler: handler,
		port:    cfg.Port,
		listen:  (&net.ListenConfig{}).Listen,
	}
}

// TextResponseServer returns a Server whose handler drains each request
// with ConsumeSocketContent, writes text back and records the request
// bytes.
func TextResponseServer(text string, requestTimeout time.Duration, cfg Config) *Server[[]byte] {
	payload := []byte(text)
	return New[[]byte](func(conn net.Conn) ([]byte, error) {
		content, err := ConsumeSocketContent(conn, requestTimeout)
		if err != nil {
			return content, err
		}
		if _, err := conn.Write(payload); err != nil {
			return content, fmt.Errorf("write response: %w", err)
		}
		return content, nil
	}, cfg)
}

// BasicResponseServer is a TextResponseServer that answers every request
// with an empty 200 OK.
func BasicResponseServer(cfg Config) *Server[[]byte] {
	return TextResponseServer(BasicResponse, DefaultRequestTimeout, cfg)
}

// Start launches the serving goroutine and waits, at most WaitTimeout, for
// the listener to be bound. It returns the bind host and port; if the
// wait times out the configured port is returned. Repeated calls do not
// start a second goroutine. When listening failed, Stopped is already set
// by the time Start returns and Err reports the failure.
func (s *Server[T]) Start() (host string, port int) {
	s.startOnce.Do(func() { go s.run() })
	if !s.ready.Wait(s.cfg.WaitTimeout) {
		return s.cfg.Host, s.cfg.Port
	}
	return s.cfg.Host, s.port
}

// Finish ends the caller's use of the server. A nil err waits, at most
// WaitTimeout, for the server to stop. A non-nil err releases WaitToClose
// so the server is not left holding the port for a test that already
// failed. err is always returned unchanged.
func (s *Server[T]) Finish(err error) error {
	if err == nil {
		s.stopped.Wait(s.cfg.WaitTimeout)
		return nil
	}
	if s.cfg.WaitToClose != nil {
		s.cfg.WaitToClose.Set()
	}
	return err
}

// With starts the server, runs fn with its address and finishes. If fn
// panics or exits the goroutine (t.FailNow), WaitToClose is released and
// the panic keeps propagating.
func (s *Server[T]) With(fn func(host string, port int) error) (err error) {
	host, port := s.Start()
	completed := false
	defer func() {
		if !completed {
			_ = s.Finish(errBodyFailed)
		}
	}()
	err = fn(host, port)
	completed = true
	return s.Finish(err)
}

// StartTest starts the server and registers a cleanup on tb that finishes
// it, passing a failure when the test has failed.
func (s *Server[T]) StartTest(tb testing.TB) (host string, port int) {
	tb.Helper()
	host, port = s.Start()
	tb.Cleanup(func() {
		var err error
		if tb.Failed() {
			err = errBodyFailed
		}
		_ = s.Finish(err)
	})
	return host, port
}

// Addr returns the server address as host:port.
func (s *Server[T]) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.port))
}

// Port returns the bound port. It is only meaningful once Ready is set.
func (s *Server[T]) Port() int { return s.port }

// Results returns the handler results in arrival order. Only read it
// after Stopped is set.
func (s *Server[T]) Results() []T {
	out := make([]T, len(s.results))
	copy(out, s.results)
	return out
}

// Err returns the error that stopped the serving goroutine, if any. Only
// read it after Stopped is set.
func (s *Server[T]) Err() error { return s.err }

// Ready is set once the listener is bound, or once binding has failed.
func (s *Server[T]) Ready() *Event { return &s.ready }

// Stopped is set after the listener has been closed.
func (s *Server[T]) Stopped() *Event { return &s.stopped }

func (s *Server[T]) run() {
	logger := s.cfg.Logger
	var ln net.Listener
	defer func() {
		if ln != nil {
			_ = ln.Close()
			s.cfg.Metrics.SetListening(false)
		}
		s.stopped.Set()
		// Only reached unset when listen failed; stopped goes first so a
		// released Start can tell.
		s.ready.Set()
	}()

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var err error
	ln, err = s.listen(context.Background(), "tcp", addr)
	if err != nil {
		s.err = fmt.Errorf("listen on %s: %w", addr, err)
		logger.Error("test server listen failed", "addr", addr, "error", err)
		s.cfg.Metrics.ServerError(metrics.ReasonListenFailed)
		return
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}
	s.cfg.Metrics.SetListening(true)
	logger.Debug("test server listening", "addr", ln.Addr(), "requests", s.cfg.RequestsToHandle)
	s.ready.Set()

	if err := s.handleRequests(ln); err != nil {
		s.err = err
		logger.Error("test server stopped", "addr", ln.Addr(), "handled", len(s.results), "error", err)
		return
	}

	if s.cfg.WaitToClose != nil {
		if !s.cfg.WaitToClose.Wait(s.cfg.WaitTimeout) {
			logger.Debug("test server close wait timed out", "timeout", s.cfg.WaitTimeout)
		}
	}
}

func (s *Server[T]) handleRequests(ln net.Listener) error {
	for i := range s.cfg.RequestsToHandle {
		conn, err := ln.Accept()
		if err != nil {
			s.cfg.Metrics.ServerError(metrics.ReasonAcceptFailed)
			return fmt.Errorf("accept request %d: %w", i+1, err)
		}
		result, err := s.serve(conn)
		if err != nil {
			s.cfg.Metrics.ServerError(metrics.ReasonHandlerFailed)
			return fmt.Errorf("handle request %d: %w", i+1, err)
		}
		s.results = append(s.results, result)
	}
	return nil
}

// serve runs the handler on one connection and closes the connection
// afterwards. A handler panic is returned as an error.
func (s *Server[T]) serve(conn net.Conn) (result T, err error) {
	cc := &countedConn{Conn: conn}
	tracker := s.cfg.Metrics.RequestStarted()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		_ = conn.Close()
		tracker.Done(time.Since(start).Seconds(), cc.received.Load(), cc.sent.Load(), err)
		s.cfg.Logger.Debug("request handled", "remote", conn.RemoteAddr(),
			"received", cc.received.Load(), "sent", cc.sent.Load(), "error", err)
	}()
	return s.handler(cc)
}
