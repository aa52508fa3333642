package models

import "github.com/opensai/secop-search/internal/socrata"

// SearchStatus distinguishes the terminal outcomes of one search.
type SearchStatus string

const (
	StatusOK            SearchStatus = "ok"
	StatusDegraded      SearchStatus = "degraded"
	StatusUpstreamError SearchStatus = "upstream_error"
	StatusThrottled     SearchStatus = "throttled"
)

// SearchResponse is the single structured answer every search produces,
// whatever happened internally.
type SearchResponse struct {
	Status         SearchStatus  `json:"status"`
	Message        string        `json:"message,omitempty"`
	Warnings       []string      `json:"warnings,omitempty"`
	Rows           []socrata.Row `json:"rows"`
	Total          int           `json:"total"`
	Page           int           `json:"page"`
	Pages          int           `json:"pages"`
	LimitedResults bool          `json:"limited_results"`
	ResponseTime   int           `json:"response_time_ms"`
}

// HealthResponse reports process liveness.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// UpstreamHealthResponse reports the last known upstream condition.
type UpstreamHealthResponse struct {
	Status      string `json:"status"`
	Upstream    string `json:"upstream"`
	Reason      string `json:"reason"`
	LastChecked string `json:"last_checked,omitempty"`
}
