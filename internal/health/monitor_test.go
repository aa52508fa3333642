package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func newTestMonitor(baseURL string, staleness time.Duration) *Monitor {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewMonitor(baseURL, "rpmr-utcd", "", "test-agent", time.Second, staleness, logger)
}

func TestMonitor_StartsUnknown(t *testing.T) {
	m := newTestMonitor("http://127.0.0.1:0", 30*time.Second)

	state := m.Current()
	assert.Equal(t, StatusUnknown, state.Status)
	assert.Equal(t, "not_checked", state.Reason)
}

func TestMonitor_ProbeHealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("$limit"))
		assert.Equal(t, ":id", r.URL.Query().Get("$select"))
		w.Write([]byte(`[{":id":"row-1"}]`))
	}))
	defer server.Close()

	m := newTestMonitor(server.URL, 30*time.Second)
	state := m.Probe(context.Background())

	assert.Equal(t, StatusHealthy, state.Status)
	assert.Equal(t, "http_200", state.Reason)
	assert.True(t, state.Fresh(30*time.Second))
}

func TestMonitor_ProbeDegradedOnServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	m := newTestMonitor(server.URL, 30*time.Second)
	state := m.Probe(context.Background())

	assert.Equal(t, StatusDegraded, state.Status)
	assert.Equal(t, "http_503", state.Reason)
}

func TestMonitor_ProbeDownOnTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	m := newTestMonitor(server.URL, 30*time.Second)
	state := m.Probe(context.Background())

	assert.Equal(t, StatusDown, state.Status)
	assert.Equal(t, "transport_error", state.Reason)
}

func TestMonitor_ProbeCachedWithinStaleness(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	m := newTestMonitor(server.URL, time.Minute)
	m.Probe(context.Background())
	m.Probe(context.Background())
	m.Probe(context.Background())

	assert.Equal(t, int32(1), calls.Load())
}

func TestMonitor_ProbeRefreshesWhenStale(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	m := newTestMonitor(server.URL, 10*time.Millisecond)
	m.Probe(context.Background())
	time.Sleep(20 * time.Millisecond)
	m.Probe(context.Background())

	assert.Equal(t, int32(2), calls.Load())
}

func TestMonitor_CurrentNeverWaitsOnInFlightProbe(t *testing.T) {
	arrived := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-release
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	m := newTestMonitor(server.URL, 30*time.Second)

	done := make(chan State, 1)
	go func() {
		done <- m.Probe(context.Background())
	}()
	<-arrived

	// With the leader stalled on the network, Current and a second Probe
	// both answer from the snapshot without queueing.
	started := time.Now()
	current := m.Current()
	follower := m.Probe(context.Background())
	assert.Less(t, time.Since(started), 500*time.Millisecond)
	assert.Equal(t, StatusUnknown, current.Status)
	assert.Equal(t, StatusUnknown, follower.Status)

	close(release)
	assert.Equal(t, StatusHealthy, (<-done).Status)
	assert.Equal(t, StatusHealthy, m.Current().Status)
}

func TestMonitor_TransitionsAreNotTerminal(t *testing.T) {
	var healthy atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.Write([]byte(`[]`))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	m := newTestMonitor(server.URL, 0)

	assert.Equal(t, StatusDegraded, m.Probe(context.Background()).Status)
	healthy.Store(true)
	assert.Equal(t, StatusHealthy, m.Probe(context.Background()).Status)
}
