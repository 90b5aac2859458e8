//go:build e2e

package e2e

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
)

var (
	buildOnce   sync.Once
	builtBinary string
	buildErr    error
)

// fixtureBinary builds the sockfixture binary once and returns its path.
func fixtureBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		// Find the repo root (parent of e2e/).
		dir, _ := os.Getwd()
		root := filepath.Dir(dir)
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
			// Try current dir if we're running from root.
			root = dir
		}
		builtBinary = filepath.Join(root, "bin", "sockfixture")
		cmd := exec.Command("go", "build", "-o", builtBinary, "./cmd/sockfixture")
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("build: %w\n%s", err, out)
		}
	})
	if buildErr != nil {
		t.Fatalf("build sockfixture: %v", buildErr)
	}
	return builtBinary
}

// fixtureProcess represents a running sockfixture process with log and
// stdout capture.
type fixtureProcess struct {
	cmd    *exec.Cmd
	logs   *logBuffer
	stdout *logBuffer
	done   chan error
}

// logBuffer collects the lines written to it by a child process.
type logBuffer struct {
	mu      sync.Mutex
	lines   []string
	partial string
}

func (lb *logBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	parts := strings.Split(lb.partial+string(p), "\n")
	lb.partial = parts[len(parts)-1]
	lb.lines = append(lb.lines, parts[:len(parts)-1]...)
	return len(p), nil
}

// Lines returns a copy of the complete lines seen so far.
func (lb *logBuffer) Lines() []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return append([]string(nil), lb.lines...)
}

func (lb *logBuffer) String() string {
	return strings.Join(lb.Lines(), "\n")
}

// waitFor polls until a line containing substr shows up or timeout passes.
func (lb *logBuffer) waitFor(substr string, timeout time.Duration) (string, bool) {
	deadline := time.Now().Add(timeout)
	for {
		for _, line := range lb.Lines() {
			if strings.Contains(line, substr) {
				return line, true
			}
		}
		if time.Now().After(deadline) {
			return "", false
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// startFixture starts a sockfixture process with the given args. The
// process is killed on test cleanup.
func startFixture(t *testing.T, args ...string) *fixtureProcess {
	t.Helper()
	binary := fixtureBinary(t)

	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(), "SOCKFIXTURE_CONFIG=", "SOCKFIXTURE_METRICS_ADDR=")

	logs := &logBuffer{}
	stdout := &logBuffer{}
	cmd.Stderr = logs // sockfixture logs to stderr
	cmd.Stdout = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start sockfixture %v: %v", args, err)
	}

	proc := &fixtureProcess{
		cmd:    cmd,
		logs:   logs,
		stdout: stdout,
		done:   make(chan error, 1),
	}
	go func() { proc.done <- cmd.Wait() }()

	t.Cleanup(func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		<-proc.done
	})

	return proc
}

// waitExit waits for the process to exit and returns its exit error.
func waitExit(t *testing.T, proc *fixtureProcess, timeout time.Duration) error {
	t.Helper()
	select {
	case err := <-proc.done:
		proc.done <- err // let cleanup observe it too
		return err
	case <-time.After(timeout):
		t.Fatalf("sockfixture did not exit within %v\nlogs:\n%s", timeout, proc.logs)
		return nil
	}
}

// waitForLog waits for a log line containing the given substring.
func waitForLog(t *testing.T, proc *fixtureProcess, substr string, timeout time.Duration) string {
	t.Helper()
	line, ok := proc.logs.waitFor(substr, timeout)
	if !ok {
		t.Fatalf("timed out waiting for log: %q\nlogs:\n%s", substr, proc.logs)
	}
	return line
}

// addrRe extracts addr=host:port from log lines.
var addrRe = regexp.MustCompile(`addr=([^\s]+)`)

// waitForLogAddr waits for a log line and extracts the addr= value.
func waitForLogAddr(t *testing.T, proc *fixtureProcess, substr string, timeout time.Duration) string {
	t.Helper()
	line := waitForLog(t, proc, substr, timeout)
	m := addrRe.FindStringSubmatch(line)
	if m == nil {
		t.Fatalf("no addr= in log line: %s", line)
	}
	return m[1]
}

// request connects to addr, sends payload without half-closing and
// returns the full reply.
func request(t *testing.T, addr string, payload string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	defer conn.Close()

	if payload != "" {
		if _, err := io.WriteString(conn, payload); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	_ = conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	resp, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return string(resp)
}
