package health

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Status classifies the last known condition of the upstream endpoint.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// State is a snapshot of upstream health.
type State struct {
	Status    Status    `json:"status"`
	CheckedAt time.Time `json:"checked_at"`
	Reason    string    `json:"reason"`
}

// Fresh reports whether the snapshot is younger than the staleness window.
func (s State) Fresh(staleness time.Duration) bool {
	return !s.CheckedAt.IsZero() && time.Since(s.CheckedAt) <= staleness
}

// Monitor keeps the last known health of the Socrata endpoint. One instance
// per process; safe for concurrent use.
type Monitor struct {
	probeURL  string
	appToken  string
	userAgent string
	timeout   time.Duration
	staleness time.Duration
	client    *http.Client
	logger    *logrus.Logger

	mu      sync.Mutex
	state   State
	probing bool
}

// NewMonitor builds a monitor probing a minimal one-row query against the
// given dataset. The probe has its own timeout independent of any request
// budget.
func NewMonitor(baseURL, datasetID, appToken, userAgent string, timeout, staleness time.Duration, logger *logrus.Logger) *Monitor {
	params := url.Values{}
	params.Set("$select", ":id")
	params.Set("$limit", "1")

	return &Monitor{
		probeURL:  fmt.Sprintf("%s/resource/%s.json?%s", baseURL, datasetID, params.Encode()),
		appToken:  appToken,
		userAgent: userAgent,
		timeout:   timeout,
		staleness: staleness,
		client:    &http.Client{},
		logger:    logger,
		state:     State{Status: StatusUnknown, Reason: "not_checked"},
	}
}

// Current returns the last known state without blocking on the network.
func (m *Monitor) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Staleness returns the configured freshness window.
func (m *Monitor) Staleness() time.Duration {
	return m.staleness
}

// Probe refreshes the health state unless the cached snapshot is still
// fresh. One caller at a time performs the network check; everyone else gets
// the last snapshot immediately. The lock is never held across the HTTP
// call, so Current never waits on the network.
func (m *Monitor) Probe(ctx context.Context) State {
	m.mu.Lock()
	if m.state.Fresh(m.staleness) || m.probing {
		state := m.state
		m.mu.Unlock()
		return state
	}
	m.probing = true
	m.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	state := m.check(probeCtx)

	m.mu.Lock()
	m.state = state
	m.probing = false
	m.mu.Unlock()

	if state.Status != StatusHealthy {
		m.logger.WithFields(logrus.Fields{
			"status": state.Status,
			"reason": state.Reason,
		}).Warn("Upstream health probe failed")
	} else {
		m.logger.WithField("reason", state.Reason).Debug("Upstream health probe ok")
	}

	return state
}

func (m *Monitor) check(ctx context.Context) State {
	now := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probeURL, nil)
	if err != nil {
		return State{Status: StatusDown, CheckedAt: now, Reason: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", m.userAgent)
	if m.appToken != "" {
		req.Header.Set("X-App-Token", m.appToken)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return State{Status: StatusDown, CheckedAt: now, Reason: "transport_error"}
	}
	defer resp.Body.Close()

	reason := fmt.Sprintf("http_%d", resp.StatusCode)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return State{Status: StatusHealthy, CheckedAt: now, Reason: reason}
	}
	// Upstream answered but is unwell; only transport-level failures count
	// as down.
	return State{Status: StatusDegraded, CheckedAt: now, Reason: reason}
}
