package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opensai/secop-search/internal/budget"
	"github.com/opensai/secop-search/internal/health"
	"github.com/opensai/secop-search/internal/models"
	"github.com/opensai/secop-search/internal/socrata"
)

// User-facing messages. Upstream internals are never surfaced.
const (
	UpstreamFailureMessage = "El servicio de https://www.datos.gov.co/ ha fallado o no responde en este momento. " +
		"Intente nuevamente más tarde."
	BudgetExhaustedMessage = "La consulta excedió el tiempo máximo de espera. Intente nuevamente más tarde."
	InternalErrorMessage   = "Error interno del servidor al procesar la solicitud."
)

// Query is one validated search: a sanitized contractor term, the signing
// year and the requested result page.
type Query struct {
	Contractor string
	Year       int
	Page       int
	Mode       socrata.Mode
}

// Options are the orchestrator's deployment-level knobs.
type Options struct {
	RequestBudget      time.Duration
	PerPage            int
	MaxQueryWindow     int
	Unaccent           bool
	HealthShortCircuit bool
}

// SearchService composes admission-passed searches: budget start, health
// short-circuit, per-source count and row fan-out, merged pagination.
type SearchService struct {
	client  *socrata.Client
	sources []socrata.Source
	monitor *health.Monitor
	opts    Options
	logger  *logrus.Logger
}

func NewSearchService(
	client *socrata.Client,
	sources []socrata.Source,
	monitor *health.Monitor,
	opts Options,
	logger *logrus.Logger,
) *SearchService {
	return &SearchService{
		client:  client,
		sources: sources,
		monitor: monitor,
		opts:    opts,
		logger:  logger,
	}
}

// Search always returns a structured response; internal faults are mapped
// to a degraded outcome at this boundary and never escape to the caller.
func (s *SearchService) Search(ctx context.Context, q Query) (resp models.SearchResponse) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("panic", r).Error("Search orchestration panicked")
			resp = models.SearchResponse{
				Status:  models.StatusDegraded,
				Message: InternalErrorMessage,
				Rows:    []socrata.Row{},
			}
		}
		resp.ResponseTime = int(time.Since(started).Milliseconds())
	}()

	b := budget.New(s.opts.RequestBudget)
	ctx, cancel := b.Context(ctx)
	defer cancel()

	state := s.monitor.Probe(ctx)
	if state.Status == health.StatusDown && s.opts.HealthShortCircuit {
		s.logger.WithField("reason", state.Reason).Error("Upstream known down, short-circuiting search")
		return models.SearchResponse{
			Status:  models.StatusUpstreamError,
			Message: UpstreamFailureMessage,
			Rows:    []socrata.Row{},
		}
	}

	qb := socrata.QueryBuilder{Mode: q.Mode, Unaccent: s.opts.Unaccent}
	var warnings []string

	// 1) Counts first, so only the needed row window is loaded.
	totals, countErrs := s.fetchCounts(ctx, qb, q, b)
	total := 0
	failures := 0
	budgetHit := false
	for i, src := range s.sources {
		if countErrs[i] != nil {
			failures++
			if errors.Is(countErrs[i], socrata.ErrBudgetExhausted) {
				budgetHit = true
			}
			warnings = append(warnings, fmt.Sprintf("No se pudo consultar %s.", src.Name))
			s.logger.WithError(countErrs[i]).WithField("source", src.Name).Error("Count query failed")
			continue
		}
		total += totals[i]
	}
	if failures == len(s.sources) {
		return s.failureResponse(budgetHit, warnings)
	}
	if total == 0 {
		return models.SearchResponse{Status: models.StatusOK, Rows: []socrata.Row{}, Warnings: warnings, Page: 1}
	}

	// 2) Window arithmetic: navigation is capped for performance.
	reachable := total
	limited := false
	if total > s.opts.MaxQueryWindow {
		reachable = s.opts.MaxQueryWindow
		limited = true
		warnings = append(warnings, fmt.Sprintf(
			"Por rendimiento, la navegación está limitada a los primeros %d resultados.", s.opts.MaxQueryWindow))
	}
	pages := (reachable + s.opts.PerPage - 1) / s.opts.PerPage
	page := q.Page
	if page > pages {
		page = pages
	}
	if page < 1 {
		page = 1
	}
	rowsLimit := page * s.opts.PerPage
	if rowsLimit > s.opts.MaxQueryWindow {
		rowsLimit = s.opts.MaxQueryWindow
	}

	// 3) Load the window from each source that has hits.
	merged, rowErrs := s.fetchRows(ctx, qb, q, totals, rowsLimit, b)
	rowFailures := 0
	attempted := 0
	for i, src := range s.sources {
		if countErrs[i] != nil || totals[i] == 0 {
			continue
		}
		attempted++
		if rowErrs[i] != nil {
			rowFailures++
			if errors.Is(rowErrs[i], socrata.ErrBudgetExhausted) {
				budgetHit = true
			}
			warnings = append(warnings, fmt.Sprintf("%s devolvió error al recuperar filas.", src.Name))
			s.logger.WithError(rowErrs[i]).WithField("source", src.Name).Error("Rows query failed")
		}
	}
	if attempted > 0 && rowFailures == attempted {
		return s.failureResponse(budgetHit, warnings)
	}

	// 4) Deterministic merged ordering across sources, then the page slice.
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Date != merged[j].Date {
			return merged[i].Date > merged[j].Date
		}
		return merged[i].RowID > merged[j].RowID
	})

	start := (page - 1) * s.opts.PerPage
	if start > len(merged) {
		start = len(merged)
	}
	end := start + s.opts.PerPage
	if end > len(merged) {
		end = len(merged)
	}

	return models.SearchResponse{
		Status:         models.StatusOK,
		Warnings:       warnings,
		Rows:           merged[start:end],
		Total:          total,
		Page:           page,
		Pages:          pages,
		LimitedResults: limited,
	}
}

func (s *SearchService) fetchCounts(ctx context.Context, qb socrata.QueryBuilder, q Query, b *budget.Budget) ([]int, []error) {
	totals := make([]int, len(s.sources))
	errs := make([]error, len(s.sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range s.sources {
		i, src := i, src
		g.Go(func() error {
			where := qb.Where(src.Cols, q.Contractor, q.Year)
			totals[i], errs[i] = s.client.FetchCount(gctx, src, where, b)
			return nil
		})
	}
	g.Wait()
	return totals, errs
}

func (s *SearchService) fetchRows(ctx context.Context, qb socrata.QueryBuilder, q Query, totals []int, rowsLimit int, b *budget.Budget) ([]socrata.Row, []error) {
	rowsBySource := make([][]socrata.Row, len(s.sources))
	errs := make([]error, len(s.sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range s.sources {
		i, src := i, src
		if totals[i] <= 0 {
			continue
		}
		limit := rowsLimit
		if totals[i] < limit {
			limit = totals[i]
		}
		g.Go(func() error {
			where := qb.Where(src.Cols, q.Contractor, q.Year)
			rowsBySource[i], errs[i] = s.client.FetchRows(gctx, src, where, limit, b)
			return nil
		})
	}
	g.Wait()

	var merged []socrata.Row
	for _, rows := range rowsBySource {
		merged = append(merged, rows...)
	}
	return merged, errs
}

// failureResponse maps a total upstream failure to the user-facing outcome:
// budget exhaustion reads as degraded, everything else as an upstream
// outage. Both carry generic messages only.
func (s *SearchService) failureResponse(budgetHit bool, warnings []string) models.SearchResponse {
	if budgetHit {
		return models.SearchResponse{
			Status:   models.StatusDegraded,
			Message:  BudgetExhaustedMessage,
			Warnings: warnings,
			Rows:     []socrata.Row{},
		}
	}
	return models.SearchResponse{
		Status:   models.StatusUpstreamError,
		Message:  UpstreamFailureMessage,
		Warnings: warnings,
		Rows:     []socrata.Row{},
	}
}
