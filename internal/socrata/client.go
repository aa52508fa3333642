package socrata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opensai/secop-search/internal/budget"
	"github.com/opensai/secop-search/internal/metrics"
)

// ErrBudgetExhausted is returned when the request budget cannot cover one
// more viable upstream attempt.
var ErrBudgetExhausted = errors.New("request budget exhausted")

// StatusError is a definitive upstream HTTP failure. It is never retried.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// Statuses worth retrying: queued (202), throttled (429) and transient
// server-side failures.
var retryableStatus = map[int]bool{
	http.StatusAccepted:            true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

const retryJitterMax = 300 * time.Millisecond

// Config holds the client's tunables, all supplied from the environment at
// process start.
type Config struct {
	BaseURL        string
	AppToken       string
	UserAgent      string
	MaxRetries     int
	RetryBase      time.Duration
	RetryMaxDelay  time.Duration
	ConnectTimeout time.Duration
	PerCallCap     time.Duration
	MinAttempt     time.Duration
}

// Client performs bounded-time calls against the Socrata API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewClient(cfg Config, logger *logrus.Logger) *Client {
	// No client-level timeout: each attempt carries its own budget-derived
	// context deadline.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Transport: transport},
		logger:     logger,
	}
}

func (c *Client) endpoint(src Source) string {
	return fmt.Sprintf("%s/resource/%s.json", c.cfg.BaseURL, src.DatasetID)
}

// FetchCount returns how many rows match the filter in the given source.
func (c *Client) FetchCount(ctx context.Context, src Source, where string, b *budget.Budget) (int, error) {
	body, err := c.get(ctx, c.endpoint(src), CountParams(where), src.Name+":count", b)
	if err != nil {
		return 0, err
	}

	var payload []countRow
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("decode count payload for %s: %w", src.Name, err)
	}
	if len(payload) == 0 {
		return 0, nil
	}

	total, err := strconv.Atoi(payload[0].Total)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"source":  src.Name,
			"payload": payload[0].Total,
		}).Warn("Invalid count payload")
		return 0, nil
	}
	return total, nil
}

// FetchRows returns up to limit rows matching the filter, newest first. The
// link on each row comes from that row's own record; if the nested url
// subfield is rejected by the dataset, the query falls back to the plain
// column once.
func (c *Client) FetchRows(ctx context.Context, src Source, where string, limit int, b *budget.Budget) ([]Row, error) {
	if limit <= 0 {
		return nil, nil
	}

	endpoint := c.endpoint(src)
	body, err := c.get(ctx, endpoint, RowsParams(src.Cols, where, limit, true), src.Name+":rows", b)

	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusBadRequest {
		c.logger.WithField("source", src.Name).Warn("Nested url select rejected, retrying with plain column")
		body, err = c.get(ctx, endpoint, RowsParams(src.Cols, where, limit, false), src.Name+":rows:fallback", b)
	}
	if err != nil {
		return nil, err
	}

	var raws []rawRow
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("decode rows payload for %s: %w", src.Name, err)
	}

	rows := make([]Row, 0, len(raws))
	for _, raw := range raws {
		rows = append(rows, raw.toRow(src.Name))
	}
	return rows, nil
}

// get executes one upstream query with the retry policy: transient statuses
// and transport errors back off exponentially, but never beyond the retry
// cap and never past the point where the budget no longer covers a viable
// attempt. Definitive client errors surface immediately.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, sourceLabel string, b *budget.Budget) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		if b.Remaining() < c.cfg.MinAttempt {
			metrics.RecordSocrataError(sourceLabel, "budget")
			return nil, fmt.Errorf("source %s: %w", sourceLabel, ErrBudgetExhausted)
		}

		body, retry, err := c.attempt(ctx, endpoint, params, sourceLabel, b)
		if err == nil {
			return body, nil
		}
		if !retry || attempt >= c.cfg.MaxRetries {
			return nil, err
		}

		delay := c.retryDelay(attempt, retryAfterOf(err))
		if delay > b.Remaining()-c.cfg.MinAttempt {
			metrics.RecordSocrataError(sourceLabel, "budget")
			return nil, fmt.Errorf("source %s while retrying: %w", sourceLabel, ErrBudgetExhausted)
		}

		c.logger.WithFields(logrus.Fields{
			"source":  sourceLabel,
			"error":   err.Error(),
			"delay":   delay,
			"attempt": attempt + 1,
			"retries": c.cfg.MaxRetries,
		}).Warn("Retrying Socrata request")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// retryAfterError wraps a retryable status failure together with the
// upstream's Retry-After hint.
type retryAfterError struct {
	err        error
	retryAfter string
}

func (e *retryAfterError) Error() string { return e.err.Error() }
func (e *retryAfterError) Unwrap() error { return e.err }

func retryAfterOf(err error) string {
	var ra *retryAfterError
	if errors.As(err, &ra) {
		return ra.retryAfter
	}
	return ""
}

// attempt performs a single bounded call. The second return value reports
// whether the failure is transient.
func (c *Client) attempt(ctx context.Context, endpoint string, params url.Values, sourceLabel string, b *budget.Budget) ([]byte, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, b.AttemptTimeout(c.cfg.PerCallCap))
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request for %s: %w", sourceLabel, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if c.cfg.AppToken != "" {
		req.Header.Set("X-App-Token", c.cfg.AppToken)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordSocrataError(sourceLabel, "transport")
		return nil, true, fmt.Errorf("source %s request failed: %w", sourceLabel, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	elapsed := time.Since(started)
	metrics.RecordSocrataRequest(sourceLabel, strconv.Itoa(resp.StatusCode), elapsed.Seconds())

	requestID := resp.Header.Get("X-Socrata-RequestId")
	if requestID == "" {
		requestID = "n/a"
	}

	if err != nil {
		metrics.RecordSocrataError(sourceLabel, "transport")
		return nil, true, fmt.Errorf("source %s read response: %w", sourceLabel, err)
	}

	if retryableStatus[resp.StatusCode] {
		metrics.RecordSocrataError(sourceLabel, "http_status")
		return nil, true, &retryAfterError{
			err:        &StatusError{StatusCode: resp.StatusCode, Body: truncate(body, 200)},
			retryAfter: resp.Header.Get("Retry-After"),
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.RecordSocrataError(sourceLabel, "http_status")
		c.logger.WithFields(logrus.Fields{
			"source":     sourceLabel,
			"status":     resp.StatusCode,
			"request_id": requestID,
		}).Error("Socrata HTTP status error")
		return nil, false, &StatusError{StatusCode: resp.StatusCode, Body: truncate(body, 200)}
	}

	c.logger.WithFields(logrus.Fields{
		"source":     sourceLabel,
		"status":     resp.StatusCode,
		"request_id": requestID,
		"elapsed_ms": elapsed.Milliseconds(),
	}).Debug("Socrata request ok")

	return body, false, nil
}

// retryDelay honors the upstream's Retry-After when present, otherwise
// exponential backoff with jitter, always capped.
func (c *Client) retryDelay(attempt int, retryAfter string) time.Duration {
	if retryAfter != "" {
		if seconds, err := strconv.ParseFloat(retryAfter, 64); err == nil && seconds > 0 {
			d := time.Duration(seconds * float64(time.Second))
			if d > c.cfg.RetryMaxDelay {
				return c.cfg.RetryMaxDelay
			}
			return d
		}
	}

	backoff := time.Duration(float64(c.cfg.RetryBase) * math.Pow(2, float64(attempt)))
	backoff += time.Duration(rand.Int63n(int64(retryJitterMax)))
	if backoff > c.cfg.RetryMaxDelay {
		return c.cfg.RetryMaxDelay
	}
	return backoff
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
