package usecase

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"AdvisoryScanner/internal/config"
	"AdvisoryScanner/internal/dedup"
	"AdvisoryScanner/internal/domain"
	"AdvisoryScanner/internal/infrastructure/archive"
	"AdvisoryScanner/internal/logging"
	"AdvisoryScanner/internal/ports"
	"AdvisoryScanner/internal/rules"
	"AdvisoryScanner/internal/scanner"
)

const defaultErrorThreshold = 5

// FetchDeps wires all driven adapters into the fetch orchestrator.
type FetchDeps struct {
	Config   config.Config
	Adapters *scanner.Registry
	Alerts   ports.AlertRepository
	Sources  ports.SourceRegistry
	Runs     ports.RunLog
	Archive  ports.RawArchive
	Vuln     ports.VulnEnricher
	Rules    *rules.Engine
	Notifier ports.Notifier
	Logger   *slog.Logger
	Clock    func() time.Time
	NewRunID func() string
}

// FetchOptions narrows a fetch cycle.
type FetchOptions struct {
	// SourceFilter restricts the cycle to one source id.
	SourceFilter string
	// Force ignores fetch intervals.
	Force bool
}

// FetchService implements the source-ingestion workflow.
type FetchService struct {
	cfg      config.Config
	adapters *scanner.Registry
	alerts   ports.AlertRepository
	sources  ports.SourceRegistry
	runs     ports.RunLog
	archive  ports.RawArchive
	vuln     ports.VulnEnricher
	rules    *rules.Engine
	notifier ports.Notifier
	dedup    *dedup.Store
	logger   *slog.Logger
	now      func() time.Time
	newRunID func() string
}

// NewFetchService constructs the fetch orchestrator.
func NewFetchService(deps FetchDeps) *FetchService {
	s := &FetchService{
		cfg:      deps.Config,
		adapters: deps.Adapters,
		alerts:   deps.Alerts,
		sources:  deps.Sources,
		runs:     deps.Runs,
		archive:  deps.Archive,
		vuln:     deps.Vuln,
		rules:    deps.Rules,
		notifier: deps.Notifier,
		logger:   deps.Logger,
		now:      deps.Clock,
		newRunID: deps.NewRunID,
	}
	if s.adapters == nil {
		s.adapters = scanner.NewRegistry()
	}
	if s.archive == nil {
		s.archive = archive.Noop{}
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.newRunID == nil {
		s.newRunID = uuid.NewString
	}
	s.dedup = dedup.NewStore(deps.Alerts, dedup.WithClock(s.now))
	return s
}

// RunFetchCycle fetches every eligible source once, stores new alerts and
// closes with the CVSS backfill pass. The summary is returned even when
// sources fail; an error means the cycle could not run at all.
func (s *FetchService) RunFetchCycle(ctx context.Context, opts FetchOptions) (domain.RunSummary, error) {
	sources, err := s.selectSources(opts.SourceFilter)
	if err != nil {
		return domain.RunSummary{}, err
	}

	summary := domain.RunSummary{RunID: s.newRunID(), StartedAt: s.now()}
	logger := s.logger.With("run_id", summary.RunID)
	logger.Info("fetch cycle started", "sources", len(sources), "force", opts.Force)

	var attempted, failed int
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			summary.Errors = append(summary.Errors, domain.ItemError{Item: "run", Stage: "fetch", Message: err.Error()})
			break
		}
		outcome, ran, ok := s.fetchSource(ctx, src, opts, &summary, logger)
		summary.Sources = append(summary.Sources, outcome)
		if !ran {
			continue
		}
		attempted++
		if !ok {
			failed++
		}
	}

	backfill, backfillErr := s.backfillCVSS(ctx, logger)
	summary.CVSSBackfill = backfill
	if backfillErr != nil {
		summary.Errors = append(summary.Errors, domain.ItemError{Item: "cvss-backfill", Stage: "backfill", Message: backfillErr.Error()})
	}

	summary.FinishedAt = s.now()
	summary.Status = fetchStatus(summary, attempted, failed, backfillErr != nil)
	s.record(ctx, &summary, logger)

	runCounter.WithLabelValues(string(domain.RunFetch), string(summary.Status)).Inc()
	runDuration.WithLabelValues(string(domain.RunFetch)).Observe(summary.FinishedAt.Sub(summary.StartedAt).Seconds())
	logger.Info("fetch cycle finished",
		"status", summary.Status,
		"fetched", summary.TotalFetched,
		"new", summary.TotalNew,
		"duplicate", summary.TotalDuplicate,
		"errors", summary.TotalErrors,
		"cvss_updated", summary.CVSSBackfill.Updated)

	if summary.Status != domain.RunSuccess {
		s.notify(ctx, FetchDigest(summary), logger)
	}
	return summary, nil
}

func (s *FetchService) selectSources(filter string) ([]config.SourceConfig, error) {
	if filter == "" {
		return s.cfg.Sources, nil
	}
	for _, src := range s.cfg.Sources {
		if src.ID == filter {
			return []config.SourceConfig{src}, nil
		}
	}
	return nil, fmt.Errorf("source %q is not configured", filter)
}

// fetchSource reports the outcome, whether the adapter was invoked, and
// whether it succeeded.
func (s *FetchService) fetchSource(ctx context.Context, src config.SourceConfig, opts FetchOptions, summary *domain.RunSummary, logger *slog.Logger) (domain.SourceOutcome, bool, bool) {
	outcome := domain.SourceOutcome{SourceID: src.ID}
	logger = logger.With("source_id", src.ID)

	switch {
	case src.Disabled:
		outcome.Skipped = "disabled"
		return outcome, false, false
	case !s.cfg.FeatureEnabled(src.FeatureFlag):
		outcome.Skipped = "feature flag " + src.FeatureFlag + " off"
		return outcome, false, false
	}

	now := s.now()
	state, err := s.sources.GetSource(ctx, src.ID)
	switch {
	case errors.Is(err, ports.ErrNotFound):
		state = domain.SourceState{SourceID: src.ID, Category: src.Category, Enabled: true}
	case err != nil:
		s.sourceError(summary, &outcome, "registry", err)
		return outcome, true, false
	}
	if !state.Enabled {
		outcome.Skipped = "auto-disabled"
		return outcome, false, false
	}
	if interval := s.effectiveInterval(src, state); !opts.Force && !state.LastFetchAt.IsZero() && now.Sub(state.LastFetchAt) < interval {
		outcome.Skipped = "interval"
		logger.Debug("source not due", "last_fetch", state.LastFetchAt, "interval", interval)
		return outcome, false, false
	}

	started := time.Now()
	res, err := s.invoke(ctx, src, now)
	outcome.Duration = time.Since(started)
	state.Category = src.Category
	state.LastFetchAt = now
	if err != nil {
		sourceFailures.WithLabelValues(src.ID).Inc()
		s.sourceError(summary, &outcome, "adapter", err)
		state.LastStatus = domain.FetchStatusError
		state.LastError = err.Error()
		state.ConsecutiveErrors++
		if state.ConsecutiveErrors >= s.errorThreshold() {
			state.Enabled = false
			state.DisabledAt = now
			outcome.AutoDisabled = true
			logger.Warn("source auto-disabled", "consecutive_errors", state.ConsecutiveErrors)
		}
		logger.Error("source fetch failed", "error", err, "consecutive_errors", state.ConsecutiveErrors)
		s.saveState(ctx, state, summary, logger)
		return outcome, true, false
	}

	outcome.Warning = res.Warning
	if len(res.Raw) > 0 {
		key := archive.RawKey(src.ID, now, res.Raw)
		if err := s.archive.Put(ctx, key, res.Raw, archive.JSON); err != nil {
			logger.Warn("raw archive failed", "key", key, "error", err)
			outcome.Warning = strings.TrimPrefix(outcome.Warning+"; archive failed: "+err.Error(), "; ")
		} else {
			outcome.Archived = true
		}
	}

	batch := s.dedup.StoreAll(ctx, res.Candidates)
	outcome.Fetched = len(res.Candidates)
	outcome.New = len(batch.New)
	outcome.Duplicate = batch.Duplicate
	outcome.Errors = len(batch.Errors)
	summary.TotalFetched += outcome.Fetched
	summary.TotalNew += outcome.New
	summary.TotalDuplicate += outcome.Duplicate
	summary.TotalErrors += outcome.Errors
	summary.Errors = append(summary.Errors, batch.Errors...)

	sourceItems.WithLabelValues(src.ID, "fetched").Add(float64(outcome.Fetched))
	sourceItems.WithLabelValues(src.ID, "new").Add(float64(outcome.New))
	sourceItems.WithLabelValues(src.ID, "duplicate").Add(float64(outcome.Duplicate))
	sourceItems.WithLabelValues(src.ID, "error").Add(float64(outcome.Errors))

	state.LastStatus = domain.FetchStatusSuccess
	state.LastError = ""
	state.ConsecutiveErrors = 0
	state.LastItemCount = outcome.Fetched
	s.saveState(ctx, state, summary, logger)

	logger.Info("source fetched",
		"fetched", outcome.Fetched, "new", outcome.New, "duplicate", outcome.Duplicate,
		"errors", outcome.Errors, "duration", outcome.Duration)
	return outcome, true, true
}

func (s *FetchService) invoke(ctx context.Context, src config.SourceConfig, now time.Time) (scanner.Result, error) {
	adapter, err := s.adapters.Resolve(src.Adapter)
	if err != nil {
		return scanner.Result{}, err
	}
	res, err := adapter.Fetch(ctx, scanner.Request{Source: toScannerSource(src), Now: now})
	if err != nil {
		return scanner.Result{}, fmt.Errorf("%s adapter: %w", adapter.Name(), err)
	}
	return res, nil
}

func (s *FetchService) sourceError(summary *domain.RunSummary, outcome *domain.SourceOutcome, stage string, err error) {
	outcome.Errors++
	summary.TotalErrors++
	summary.Errors = append(summary.Errors, domain.ItemError{Item: outcome.SourceID, Stage: stage, Message: err.Error()})
}

func (s *FetchService) saveState(ctx context.Context, state domain.SourceState, summary *domain.RunSummary, logger *slog.Logger) {
	if err := s.sources.UpsertSource(ctx, state); err != nil {
		logger.Error("registry upsert failed", "error", err)
		summary.Errors = append(summary.Errors, domain.ItemError{Item: state.SourceID, Stage: "registry", Message: err.Error()})
	}
}

func (s *FetchService) effectiveInterval(src config.SourceConfig, state domain.SourceState) time.Duration {
	switch {
	case state.IntervalOverride > 0:
		return state.IntervalOverride
	case src.Interval > 0:
		return src.Interval
	default:
		return s.cfg.Fetch.DefaultInterval
	}
}

func (s *FetchService) errorThreshold() int {
	if s.cfg.Fetch.MaxConsecutiveErrs > 0 {
		return s.cfg.Fetch.MaxConsecutiveErrs
	}
	return defaultErrorThreshold
}

// backfillCVSS fills CVSS on recent alerts that reference CVEs but have no
// score, spending at most the configured number of provider requests.
func (s *FetchService) backfillCVSS(ctx context.Context, logger *slog.Logger) (domain.BackfillSummary, error) {
	cfg := s.cfg.Fetch.CVSSBackfill
	var out domain.BackfillSummary
	if !cfg.Enabled || s.vuln == nil {
		return out, nil
	}

	now := s.now()
	q := ports.AlertQuery{MissingCVSS: true, RequireCVEs: true, Limit: cfg.CandidateLimit}
	if cfg.Lookback > 0 {
		q.FetchedSince = now.Add(-cfg.Lookback)
	}
	alerts, err := s.alerts.Query(ctx, q)
	if err != nil {
		return out, fmt.Errorf("select backfill candidates: %w", err)
	}
	prioritize(alerts, cfg.SourcePriority)
	out.Candidates = len(alerts)

	s.vuln.BeginRun()
	for i := range alerts {
		budget := 0
		if cfg.MaxRequests > 0 {
			budget = cfg.MaxRequests - out.Requests
			if budget <= 0 {
				logger.Info("cvss backfill budget exhausted", "remaining", len(alerts)-i)
				break
			}
		}
		a := alerts[i]
		n, updated, err := s.vuln.EnrichCVSS(ctx, &a, budget)
		out.Requests += n
		backfillRequests.Add(float64(n))
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			out.Errors++
			logger.Warn("cvss backfill lookup failed", "alert_id", a.ID, "source_id", a.SourceID, "error", err)
			continue
		}
		if !updated {
			continue
		}
		if a.AIScore != nil {
			applyScore(&a)
			if s.rules != nil && a.Evidence != nil {
				applyRules(s.rules, &a, a.Triggers, nil, now)
			}
			reconcileSeverity(&a)
		}
		a.UpdatedAt = now
		if err := s.alerts.Update(ctx, a); err != nil {
			out.Errors++
			logger.Error("cvss backfill update failed", "alert_id", a.ID, "source_id", a.SourceID, "error", err)
			continue
		}
		out.Updated++
	}
	if out.Errors > 0 {
		return out, fmt.Errorf("%d of %d backfill lookups failed", out.Errors, out.Candidates)
	}
	return out, nil
}

// prioritize orders alerts by the position of their source id (or category)
// in priority, unknown sources last, then newest first.
func prioritize(alerts []domain.Alert, priority []string) {
	rank := func(a domain.Alert) int {
		for i, p := range priority {
			if strings.EqualFold(p, a.SourceID) || strings.EqualFold(p, a.SourceCategory) {
				return i
			}
		}
		return len(priority)
	}
	slices.SortStableFunc(alerts, func(a, b domain.Alert) int {
		if c := cmp.Compare(rank(a), rank(b)); c != 0 {
			return c
		}
		return b.PublishedAt.Compare(a.PublishedAt)
	})
}

func fetchStatus(summary domain.RunSummary, attempted, failed int, backfillFailed bool) domain.RunStatus {
	switch {
	case attempted > 0 && failed == attempted:
		return domain.RunFailed
	case summary.TotalErrors > 0 || len(summary.Errors) > 0 || backfillFailed:
		return domain.RunPartial
	default:
		return domain.RunSuccess
	}
}

// record appends the run-log entry and archives the run snapshot. Neither
// failure changes the returned summary beyond an error entry.
func (s *FetchService) record(ctx context.Context, summary *domain.RunSummary, logger *slog.Logger) {
	if s.runs != nil {
		entry := domain.RunLogEntry{
			RunID:      summary.RunID,
			Kind:       domain.RunFetch,
			StartedAt:  summary.StartedAt,
			FinishedAt: summary.FinishedAt,
			Status:     summary.Status,
			Sources:    summary.Sources,
			Fetch:      summary,
		}
		if err := s.runs.AppendRun(ctx, entry); err != nil {
			logger.Error("run log append failed", "error", err)
			summary.Errors = append(summary.Errors, domain.ItemError{Item: summary.RunID, Stage: "runlog", Message: err.Error()})
			if summary.Status == domain.RunSuccess {
				summary.Status = domain.RunPartial
			}
		}
	}

	snapshot, err := json.Marshal(summary)
	if err != nil {
		logger.Warn("encode run snapshot", "error", err)
		return
	}
	key := archive.RunKey(summary.RunID, summary.StartedAt)
	if err := s.archive.Put(ctx, key, snapshot, archive.JSON); err != nil {
		logger.Warn("run snapshot archive failed", "key", key, "error", err)
	}
}

func (s *FetchService) notify(ctx context.Context, digest string, logger *slog.Logger) {
	if s.notifier == nil || digest == "" {
		return
	}
	if err := s.notifier.PublishDigest(ctx, digest); err != nil {
		logger.Warn("digest delivery failed", "error", err)
	}
}

func toScannerSource(src config.SourceConfig) scanner.Source {
	return scanner.Source{
		ID:        src.ID,
		Name:      cmp.Or(src.Name, src.ID),
		Category:  src.Category,
		URL:       src.URL,
		Language:  src.Language,
		TrustTier: src.TrustTier,
		MaxAge:    time.Duration(src.MaxAgeDays) * 24 * time.Hour,
		Options:   src.Options,
	}
}
