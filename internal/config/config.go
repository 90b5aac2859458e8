// Package config loads fixture descriptions from TOML files.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvConfig names a fixture file when --config is not given.
const EnvConfig = "SOCKFIXTURE_CONFIG"

// Duration is a time.Duration that decodes from strings such as "500ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Fixture describes one server run.
type Fixture struct {
	Bind           string   `toml:"bind"`
	Requests       int      `toml:"requests"`
	Response       string   `toml:"response"`
	ResponseFile   string   `toml:"response_file"`
	RequestTimeout Duration `toml:"request_timeout"`
	WaitTimeout    Duration `toml:"wait_timeout"`
	HoldOpen       bool     `toml:"hold_open"`
}

// Load reads and validates a fixture file.
func Load(path string) (Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("failed to read config file %v: %w", path, err)
	}
	f, err := Parse(string(data))
	if err != nil {
		return Fixture{}, fmt.Errorf("config file %v: %w", path, err)
	}
	return f, nil
}

// Parse decodes and validates a fixture from TOML text.
func Parse(text string) (Fixture, error) {
	var f Fixture
	md, err := toml.Decode(text, &f)
	if err != nil {
		return Fixture{}, fmt.Errorf("failed to decode fixture: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Fixture{}, fmt.Errorf("unknown fixture keys: %v", undecoded)
	}
	if err := f.Validate(); err != nil {
		return Fixture{}, err
	}
	return f, nil
}

// Validate checks field ranges. Zero values are allowed and mean "use the
// default".
func (f Fixture) Validate() error {
	if f.Bind != "" {
		_, port, err := net.SplitHostPort(f.Bind)
		if err != nil {
			return fmt.Errorf("invalid bind address %q: %w", f.Bind, err)
		}
		if p, err := strconv.Atoi(port); err != nil || p < 0 || p > 65535 {
			return fmt.Errorf("invalid bind port %q", port)
		}
	}
	if f.Requests < 0 {
		return fmt.Errorf("requests must be >= 0, got %d", f.Requests)
	}
	if f.RequestTimeout.Duration < 0 {
		return fmt.Errorf("request_timeout must be >= 0, got %v", f.RequestTimeout)
	}
	if f.WaitTimeout.Duration < 0 {
		return fmt.Errorf("wait_timeout must be >= 0, got %v", f.WaitTimeout)
	}
	return nil
}

// ResponseBytes returns the reply payload: the contents of ResponseFile
// when set, otherwise Response.
func (f Fixture) ResponseBytes() ([]byte, error) {
	if f.ResponseFile == "" {
		return []byte(f.Response), nil
	}
	data, err := os.ReadFile(f.ResponseFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read response file %v: %w", f.ResponseFile, err)
	}
	return data, nil
}
