// Package netstate tracks whether the notes API is reachable.
package netstate

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

const MinProbeInterval = time.Second

// Monitor holds the current connectivity state. Consumers call Online at the
// moment they need it and must not cache the answer.
type Monitor struct {
	online atomic.Bool
	logger *slog.Logger

	mu   sync.Mutex
	subs []chan struct{}
}

func NewMonitor(initial bool, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{logger: logger}
	m.online.Store(initial)
	return m
}

func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Set records the current state. An offline to online transition signals
// every subscriber.
func (m *Monitor) Set(online bool) {
	was := m.online.Swap(online)
	if was == online {
		return
	}
	m.logger.Info("connectivity changed", "online", online)
	if !online {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe returns a channel that receives a value after each transition to
// online. Signals coalesce: a slow reader sees at most one pending value.
func (m *Monitor) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Prober decides whether the API is reachable right now.
type Prober func(ctx context.Context) bool

// DialProber returns a Prober that opens a TCP connection to the host of
// apiURL.
func DialProber(apiURL string, timeout time.Duration) (Prober, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return nil, fmt.Errorf("parse API URL: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("API URL %q has no host", apiURL)
	}
	addr := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}

	dialer := &net.Dialer{Timeout: timeout}
	return func(ctx context.Context) bool {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, nil
}

// Run probes every interval until ctx ends. The first probe runs immediately.
func (m *Monitor) Run(ctx context.Context, probe Prober, interval time.Duration) {
	if interval < MinProbeInterval {
		interval = MinProbeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		online := probe(ctx)
		if ctx.Err() != nil {
			return
		}
		m.Set(online)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
