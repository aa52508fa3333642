package socrata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensai/secop-search/internal/budget"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestClient(baseURL string) *Client {
	return NewClient(Config{
		BaseURL:        baseURL,
		AppToken:       "test-token",
		UserAgent:      "test-agent",
		MaxRetries:     2,
		RetryBase:      5 * time.Millisecond,
		RetryMaxDelay:  20 * time.Millisecond,
		ConnectTimeout: time.Second,
		PerCallCap:     2 * time.Second,
		MinAttempt:     10 * time.Millisecond,
	}, testLogger())
}

func secopI() Source { return DefaultSources()[0] }

func TestClient_FetchCount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/resource/rpmr-utcd.json", r.URL.Path)
		assert.Equal(t, "test-token", r.Header.Get("X-App-Token"))
		assert.Equal(t, "count(*) as total", r.URL.Query().Get("$select"))
		w.Write([]byte(`[{"total":"137"}]`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	total, err := client.FetchCount(context.Background(), secopI(), "1=1", budget.New(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 137, total)
}

func TestClient_FetchCount_EmptyAndMalformed(t *testing.T) {
	payloads := []string{`[]`, `[{"total":"not-a-number"}]`}
	var index atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payloads[index.Load()]))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	for i := range payloads {
		index.Store(int32(i))
		total, err := client.FetchCount(context.Background(), secopI(), "1=1", budget.New(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 0, total)
	}
}

func TestClient_FetchRows_LinkFollowsRowIdentity(t *testing.T) {
	// Rows arrive ordered differently from their identity labels, as
	// happens after upstream filtering. Each link must stay attached to its
	// own row, not to whichever row shares its position.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"row_id":"row-7","contratista":"ACME","url":{"url":"https://example.com/7"}},
			{"row_id":"row-2","contratista":"GOMEZ","url":{"url":"https://example.com/2"}},
			{"row_id":"row-5","contratista":"PEREZ","url":{"url":"https://example.com/5"}}
		]`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	rows, err := client.FetchRows(context.Background(), secopI(), "1=1", 10, budget.New(time.Minute))
	require.NoError(t, err)
	require.Len(t, rows, 3)

	for _, row := range rows {
		assert.Equal(t, "https://example.com/"+row.RowID[len("row-"):], row.Link,
			"link for %s must come from its own record", row.RowID)
	}
}

func TestClient_FetchRows_LinkNormalization(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"row_id":"a","url":"https://example.com/a"},
			{"row_id":"b","url":"nan"},
			{"row_id":"c","url":null},
			{"row_id":"d"},
			{"row_id":"e","url":{"url":"  https://example.com/e "}},
			{"row_id":"f","url":{"url":"None"}}
		]`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	rows, err := client.FetchRows(context.Background(), secopI(), "1=1", 10, budget.New(time.Minute))
	require.NoError(t, err)
	require.Len(t, rows, 6)

	links := map[string]string{}
	for _, row := range rows {
		links[row.RowID] = row.Link
	}
	assert.Equal(t, "https://example.com/a", links["a"])
	assert.Equal(t, "", links["b"])
	assert.Equal(t, "", links["c"])
	assert.Equal(t, "", links["d"])
	assert.Equal(t, "https://example.com/e", links["e"])
	assert.Equal(t, "", links["f"])
}

func TestClient_FetchRows_NestedURLFallback(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if strings.Contains(r.URL.Query().Get("$select"), "url_contrato.url") {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte("no such column"))
			return
		}
		w.Write([]byte(`[{"row_id":"x","url":"https://example.com/x"}]`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	rows, err := client.FetchRows(context.Background(), secopI(), "1=1", 5, budget.New(time.Minute))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "https://example.com/x", rows[0].Link)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`[{"total":"3"}]`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	total, err := client.FetchCount(context.Background(), secopI(), "1=1", budget.New(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_NeverRetriesDefinitiveClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("forbidden"))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.FetchCount(context.Background(), secopI(), "1=1", budget.New(time.Minute))

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_BudgetExhaustedBeforeAttempt(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	spent := budget.New(time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, err := client.FetchCount(context.Background(), secopI(), "1=1", spent)
	require.ErrorIs(t, err, ErrBudgetExhausted)
	assert.Equal(t, int32(0), calls.Load())
}

func TestClient_BudgetBoundsSlowUpstream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	started := time.Now()
	_, err := client.FetchCount(context.Background(), secopI(), "1=1", budget.New(300*time.Millisecond))

	require.Error(t, err)
	assert.Less(t, time.Since(started), 2*time.Second,
		"call must be cut off near the budget, not the upstream delay")
}

func TestClient_HonorsRetryAfterCap(t *testing.T) {
	client := newTestClient("http://127.0.0.1:0")

	// Retry-After beyond the cap is clamped.
	assert.Equal(t, 20*time.Millisecond, client.retryDelay(0, "60"))
	// A parsable small hint is used as-is.
	assert.Equal(t, 10*time.Millisecond, client.retryDelay(0, "0.01"))
	// Unparsable hints fall back to capped exponential backoff.
	d := client.retryDelay(5, "soon")
	assert.Equal(t, 20*time.Millisecond, d)
}
