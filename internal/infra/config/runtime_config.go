package config

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// RuntimeOverrides captures endpoint settings injected after startup, for
// example by a launcher that knows where the backend is listening.
type RuntimeOverrides struct {
	APIURL string `json:"api_url" yaml:"apiURL"`
	WSURL  string `json:"ws_url" yaml:"wsURL"`
}

// Normalise trims whitespace and trailing slashes.
func (o *RuntimeOverrides) Normalise() {
	if o == nil {
		return
	}
	o.APIURL = strings.TrimRight(strings.TrimSpace(o.APIURL), "/")
	o.WSURL = strings.TrimRight(strings.TrimSpace(o.WSURL), "/")
}

// Validate checks that any supplied URL is absolute.
func (o RuntimeOverrides) Validate() error {
	if o.APIURL != "" {
		if err := validateURL(o.APIURL); err != nil {
			return fmt.Errorf("api_url: %w", err)
		}
	}
	if o.WSURL != "" {
		if err := validateURL(o.WSURL); err != nil {
			return fmt.Errorf("ws_url: %w", err)
		}
	}
	return nil
}

// RuntimeStore provides concurrency-safe access to runtime overrides.
type RuntimeStore struct {
	mu  sync.RWMutex
	cfg RuntimeOverrides
}

// NewRuntimeStore constructs a store using the supplied initial overrides.
func NewRuntimeStore(initial RuntimeOverrides) (*RuntimeStore, error) {
	cfg := initial
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RuntimeStore{mu: sync.RWMutex{}, cfg: cfg}, nil
}

// Snapshot returns a copy of the current overrides.
func (s *RuntimeStore) Snapshot() RuntimeOverrides {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Replace swaps the current overrides after validation.
func (s *RuntimeStore) Replace(cfg RuntimeOverrides) (RuntimeOverrides, error) {
	updated := cfg
	updated.Normalise()
	if err := updated.Validate(); err != nil {
		return RuntimeOverrides{}, err
	}
	s.mu.Lock()
	s.cfg = updated
	s.mu.Unlock()
	return updated, nil
}

var runtimeOverrides = &RuntimeStore{}

// SetRuntimeOverride installs process-wide endpoint overrides consulted before
// environment variables and file configuration.
func SetRuntimeOverride(cfg RuntimeOverrides) error {
	_, err := runtimeOverrides.Replace(cfg)
	return err
}

// RuntimeOverride returns the process-wide overrides.
func RuntimeOverride() RuntimeOverrides {
	return runtimeOverrides.Snapshot()
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	switch parsed.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("host required")
	}
	return nil
}
