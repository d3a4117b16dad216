package replay

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// DefaultCheckInterval is used when a Monitor has no interval set.
const DefaultCheckInterval = 15 * time.Second

// Monitor checks the remote API and reports when connectivity comes back.
// It starts out offline, so the first successful check counts as a restore.
type Monitor struct {
	Client    *http.Client
	CheckURL  string
	Interval  time.Duration
	Logger    *slog.Logger
	OnRestore func(ctx context.Context)

	online atomic.Bool
}

// NewMonitor returns a Monitor checking checkURL that calls onRestore on every offline to online transition.
func NewMonitor(client *http.Client, checkURL string, interval time.Duration, onRestore func(ctx context.Context)) *Monitor {
	if client == nil {
		client = http.DefaultClient
	}
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &Monitor{
		Client:    client,
		CheckURL:  checkURL,
		Interval:  interval,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnRestore: onRestore,
	}
}

// Online reports the result of the last check.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Check tests connectivity once and returns the new state. Any HTTP answer, whatever its status,
// means the remote API is reachable.
func (m *Monitor) Check(ctx context.Context) bool {
	timeout := m.Interval
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reachable := false
	req, err := http.NewRequestWithContext(checkCtx, http.MethodHead, m.CheckURL, nil)
	if err == nil {
		res, err := m.Client.Do(req)
		if err == nil {
			res.Body.Close()
			reachable = true
		}
	}

	was := m.online.Swap(reachable)
	switch {
	case reachable && !was:
		m.Logger.Info("connectivity restored", "url", m.CheckURL)
		if m.OnRestore != nil {
			m.OnRestore(ctx)
		}
	case !reachable && was:
		m.Logger.Warn("connectivity lost", "url", m.CheckURL)
	}
	return reachable
}

// Run checks every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
