package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"AdvisoryScanner/internal/assessment"
	"AdvisoryScanner/internal/config"
	"AdvisoryScanner/internal/domain"
	"AdvisoryScanner/internal/infrastructure/archive"
	"AdvisoryScanner/internal/logging"
	"AdvisoryScanner/internal/ports"
	"AdvisoryScanner/internal/rules"
	"AdvisoryScanner/internal/throttle"
)

// Field names an enrichment output used by the "missing only" filter.
type Field string

const (
	FieldCVSS    Field = "cvss"
	FieldEPSS    Field = "epss"
	FieldSummary Field = "summary"
)

// ParseField validates a field name from the command line or API.
func ParseField(s string) (Field, error) {
	switch f := Field(s); f {
	case FieldCVSS, FieldEPSS, FieldSummary:
		return f, nil
	}
	return "", fmt.Errorf("unknown field %q (want cvss, epss or summary)", s)
}

// ParseFields reads a comma-separated field list; empty input yields nil.
func ParseFields(csv string) ([]Field, error) {
	var out []Field
	for _, part := range strings.Split(csv, ",") {
		if part = strings.TrimSpace(part); part == "" {
			continue
		}
		f, err := ParseField(part)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// EnrichOptions narrows an enrichment run.
type EnrichOptions struct {
	MaxAlerts    int
	AlertKey     *domain.AlertKey
	SourceFilter string
	MissingOnly  []Field
	// Force re-processes alerts that already carry an AI summary.
	Force bool
}

// ReEnrichOptions drives the time-budgeted backfill over enriched alerts.
type ReEnrichOptions struct {
	Limit        int
	Budget       time.Duration
	SourceFilter string
	// Force includes alerts already at the current enrichment version.
	Force bool
}

// EnrichDeps wires the collaborators of the AI enrichment orchestrator.
type EnrichDeps struct {
	Config    config.EnrichmentConfig
	AI        config.AIConfig
	Alerts    ports.AlertRepository
	Runs      ports.RunLog
	Archive   ports.RawArchive
	Vuln      ports.VulnEnricher
	Details   ports.DetailFetcher
	Model     ports.ChatCompleter
	Decoder   *assessment.Decoder
	Rules     *rules.Engine
	Publisher ports.Publisher
	Notifier  ports.Notifier
	Logger    *slog.Logger
	Clock     func() time.Time
	NewRunID  func() string
}

// EnrichService implements the AI enrichment workflow.
type EnrichService struct {
	cfg       config.EnrichmentConfig
	ai        config.AIConfig
	alerts    ports.AlertRepository
	runs      ports.RunLog
	archive   ports.RawArchive
	vuln      ports.VulnEnricher
	details   ports.DetailFetcher
	model     ports.ChatCompleter
	decoder   *assessment.Decoder
	rules     *rules.Engine
	publisher ports.Publisher
	notifier  ports.Notifier
	pacer     *throttle.Pacer
	logger    *slog.Logger
	now       func() time.Time
	newRunID  func() string
}

const stageContentFilter = "content_filter"

type itemOutcome int

const (
	itemSucceeded itemOutcome = iota
	itemFailed
	itemSkipped
)

// NewEnrichService constructs the enrichment orchestrator.
func NewEnrichService(deps EnrichDeps) (*EnrichService, error) {
	if deps.Alerts == nil || deps.Model == nil || deps.Decoder == nil || deps.Rules == nil {
		return nil, errors.New("enrichment requires alerts, model, decoder and rules")
	}
	s := &EnrichService{
		cfg:       deps.Config,
		ai:        deps.AI,
		alerts:    deps.Alerts,
		runs:      deps.Runs,
		archive:   deps.Archive,
		vuln:      deps.Vuln,
		details:   deps.Details,
		model:     deps.Model,
		decoder:   deps.Decoder,
		rules:     deps.Rules,
		publisher: deps.Publisher,
		notifier:  deps.Notifier,
		pacer:     throttle.NewPacer(deps.Config.CallPause),
		logger:    deps.Logger,
		now:       deps.Clock,
		newRunID:  deps.NewRunID,
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
	if s.cfg.Version <= 0 {
		s.cfg.Version = 1
	}
	return s, nil
}

// RunEnrichment enriches alerts that lack AI output, oldest first.
func (s *EnrichService) RunEnrichment(ctx context.Context, opts EnrichOptions) (domain.EnrichResult, error) {
	var candidates []domain.Alert
	if opts.AlertKey != nil {
		alert, err := s.alerts.Get(ctx, *opts.AlertKey)
		if err != nil {
			return domain.EnrichResult{}, err
		}
		candidates = []domain.Alert{alert}
	} else {
		q := ports.AlertQuery{
			SourceID:    opts.SourceFilter,
			OldestFirst: true,
			Limit:       opts.MaxAlerts,
		}
		if q.Limit <= 0 {
			q.Limit = s.cfg.MaxAlerts
		}
		for _, f := range opts.MissingOnly {
			switch f {
			case FieldCVSS:
				q.MissingCVSS, q.RequireCVEs = true, true
			case FieldEPSS:
				q.MissingEPSS, q.RequireCVEs = true, true
			case FieldSummary:
				q.MissingSummary = true
			}
		}
		if len(opts.MissingOnly) == 0 && !opts.Force {
			q.MissingSummary = true
		}
		var err error
		candidates, err = s.alerts.Query(ctx, q)
		if err != nil {
			return domain.EnrichResult{}, fmt.Errorf("select enrichment candidates: %w", err)
		}
	}
	return s.run(ctx, domain.RunEnrich, candidates, time.Time{}, false)
}

// RunReEnrichment re-processes enriched alerts below the current version until
// the budget runs out.
func (s *EnrichService) RunReEnrichment(ctx context.Context, opts ReEnrichOptions) (domain.EnrichResult, error) {
	q := ports.AlertQuery{
		SourceID:    opts.SourceFilter,
		States:      []domain.ProcessingState{domain.StateEnriched, domain.StateVerified, domain.StatePublished},
		OldestFirst: true,
		Limit:       opts.Limit,
	}
	if !opts.Force {
		q.BelowVersion = s.cfg.Version
	}
	candidates, err := s.alerts.Query(ctx, q)
	if err != nil {
		return domain.EnrichResult{}, fmt.Errorf("select re-enrichment candidates: %w", err)
	}

	var deadline time.Time
	if opts.Budget > 0 {
		deadline = s.now().Add(opts.Budget)
	}
	return s.run(ctx, domain.RunReEnrich, candidates, deadline, true)
}

func (s *EnrichService) run(ctx context.Context, kind domain.RunKind, candidates []domain.Alert, deadline time.Time, batched bool) (domain.EnrichResult, error) {
	res := domain.EnrichResult{
		RunID:      s.newRunID(),
		Kind:       kind,
		StartedAt:  s.now(),
		Candidates: len(candidates),
	}
	logger := s.logger.With("run_id", res.RunID, "kind", kind)
	logger.Info("enrichment run started", "candidates", len(candidates), "version", s.cfg.Version)

	if s.vuln != nil {
		s.vuln.BeginRun()
	}
	if s.details != nil {
		s.details.BeginRun()
	}

	err := throttle.Sequential.Run(ctx, len(candidates), func(ctx context.Context, i int) error {
		if !deadline.IsZero() && deadline.Sub(s.now()) <= s.cfg.SafetyBuffer {
			logger.Info("time budget exhausted", "attempted", res.Attempted, "candidates", res.Candidates)
			res.StoppedEarly = true
			return throttle.ErrStop
		}
		if batched && s.cfg.BatchSize > 0 && i > 0 && i%s.cfg.BatchSize == 0 {
			logger.Debug("batch pause", "after", i, "pause", s.cfg.BatchPause)
			if err := throttle.Sleep(ctx, s.cfg.BatchPause); err != nil {
				return err
			}
		}

		alert := candidates[i]
		res.Attempted++
		outcome, usage, err := s.process(ctx, alert, logger.With("alert_id", alert.ID, "source_id", alert.SourceID))
		res.Usage.Add(usage)
		switch outcome {
		case itemSucceeded:
			res.Succeeded++
		case itemSkipped:
			res.Skipped++
		case itemFailed:
			res.Failed++
		}
		enrichedAlerts.WithLabelValues(string(kind), outcomeLabel(outcome)).Inc()
		if err != nil {
			res.Errors = append(res.Errors, domain.ItemError{Item: alert.Key().String(), Stage: stageOf(err), Message: err.Error()})
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	})
	if err != nil && ctx.Err() != nil {
		res.StoppedEarly = true
		res.Errors = append(res.Errors, domain.ItemError{Item: "run", Stage: "enrich", Message: err.Error()})
	}

	res.FinishedAt = s.now()
	res.EstimatedCostUSD = s.cost(res.Usage)
	res.Status = enrichStatus(res)
	s.record(ctx, &res, logger)

	runCounter.WithLabelValues(string(kind), string(res.Status)).Inc()
	runDuration.WithLabelValues(string(kind)).Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())
	logger.Info("enrichment run finished",
		"status", res.Status,
		"attempted", res.Attempted,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"stopped_early", res.StoppedEarly,
		"prompt_tokens", res.Usage.PromptTokens,
		"completion_tokens", res.Usage.CompletionTokens,
		"cost_usd", res.EstimatedCostUSD)

	if res.Status != domain.RunSuccess && s.notifier != nil {
		if err := s.notifier.PublishDigest(ctx, EnrichDigest(res)); err != nil {
			logger.Warn("digest delivery failed", "error", err)
		}
	}
	return res, nil
}

// stageError tags an item error with the step that produced it.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func stageOf(err error) string {
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return "enrich"
}

// process runs every step for one alert. A returned error is recorded on the
// run; a nil error with itemSucceeded means the alert was persisted.
func (s *EnrichService) process(ctx context.Context, alert domain.Alert, logger *slog.Logger) (itemOutcome, domain.Usage, error) {
	s.backfillSignals(ctx, &alert, logger)
	detail := s.lookupDetail(ctx, &alert, logger)
	applyScore(&alert)

	req := ports.ChatRequest{
		Messages:  buildPrompt(alert, detail, s.cfg.TargetLang, s.cfg.MaxPromptText),
		MaxTokens: s.ai.MaxTokens,
	}
	asmt, usage, attempts, err := s.assess(ctx, req, logger)
	switch {
	case errors.Is(err, ports.ErrContentFiltered):
		logger.Warn("model response blocked by content filter; alert skipped")
		return itemSkipped, usage, &stageError{stage: stageContentFilter, err: err}
	case err != nil:
		logger.Error("ai enrichment failed", "attempts", attempts, "error", err)
		return itemFailed, usage, &stageError{stage: "ai", err: fmt.Errorf("after %d attempts: %w", attempts, err)}
	}

	now := s.now()
	// Empty model output never clears what an earlier run stored.
	keepNonEmpty(&alert.Summary, asmt.Summary)
	keepNonEmpty(&alert.SummaryTranslated, asmt.SummaryTranslated)
	keepNonEmpty(&alert.TitleTranslated, asmt.TitleTranslated)
	alert.AffectedProducts = union(alert.AffectedProducts, asmt.AffectedProducts)
	alert.IOCs = union(alert.IOCs, asmt.IOCs)
	if len(asmt.Compliance) > 0 {
		alert.ComplianceRaw = asmt.Compliance
	}
	applyRules(s.rules, &alert, asmt.Triggers, asmt.Warnings, now)
	reconcileSeverity(&alert)

	stored, err := s.alerts.Get(ctx, alert.Key())
	switch {
	case err != nil && !errors.Is(err, ports.ErrNotFound):
		return itemFailed, usage, &stageError{stage: "persist", err: err}
	case err == nil && stored.EnrichmentVersion > s.cfg.Version:
		logger.Info("stored enrichment is newer; left untouched", "stored_version", stored.EnrichmentVersion)
		return itemSkipped, usage, nil
	}

	alert.EnrichmentVersion = s.cfg.Version
	if alert.ProcessingState == "" || alert.ProcessingState == domain.StateRaw {
		alert.ProcessingState = domain.StateEnriched
	}
	alert.IsProcessed = true
	alert.UpdatedAt = now
	if err := s.alerts.Update(ctx, alert); err != nil {
		logger.Error("persist enriched alert failed", "error", err)
		return itemFailed, usage, &stageError{stage: "persist", err: err}
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, alert); err != nil {
			logger.Warn("publish failed", "error", err)
			return itemSucceeded, usage, &stageError{stage: "publish", err: err}
		}
	}
	logger.Debug("alert enriched", "score", *alert.AIScore, "severity", alert.Severity, "triggers", len(alert.Triggers))
	return itemSucceeded, usage, nil
}

func (s *EnrichService) backfillSignals(ctx context.Context, alert *domain.Alert, logger *slog.Logger) {
	if s.vuln == nil || len(alert.CVEIDs) == 0 {
		return
	}
	if !alert.HasCVSS() {
		if _, _, err := s.vuln.EnrichCVSS(ctx, alert, 0); err != nil {
			logger.Warn("cvss lookup failed", "error", err)
		}
	}
	if !alert.HasEPSS() {
		if _, err := s.vuln.EnrichEPSS(ctx, alert); err != nil {
			logger.Warn("epss lookup failed", "error", err)
		}
	}
}

func (s *EnrichService) lookupDetail(ctx context.Context, alert *domain.Alert, logger *slog.Logger) domain.AdvisoryDetail {
	if s.details == nil {
		return domain.AdvisoryDetail{}
	}
	d, ok, err := s.details.Lookup(ctx, *alert)
	if err != nil {
		logger.Warn("advisory detail fetch failed", "error", err)
		return domain.AdvisoryDetail{}
	}
	if !ok {
		return domain.AdvisoryDetail{}
	}
	alert.CVEIDs = domain.UniqueCVEIDs(append(alert.CVEIDs, d.CVEIDs...))
	alert.AffectedVendors = union(alert.AffectedVendors, d.Vendors)
	alert.AffectedProducts = union(alert.AffectedProducts, d.Products)
	return d
}

// assess calls the model and decodes its answer, retrying according to the
// error class. It reports the number of attempts made.
func (s *EnrichService) assess(ctx context.Context, req ports.ChatRequest, logger *slog.Logger) (assessment.Assessment, domain.Usage, int, error) {
	var (
		usage    domain.Usage
		attempts int
		last     error
	)
	op := func() (assessment.Assessment, error) {
		if err := s.pacer.Wait(ctx); err != nil {
			return assessment.Assessment{}, backoff.Permanent(err)
		}
		attempts++
		completion, err := s.model.Complete(ctx, req)
		usage.Add(completion.Usage)
		if err == nil {
			var a assessment.Assessment
			if a, err = s.decoder.Decode(completion.Content); err == nil {
				return a, nil
			}
		}
		last = err

		var rl *ports.RateLimitError
		switch {
		case errors.Is(err, ports.ErrContentFiltered), ctx.Err() != nil:
			return assessment.Assessment{}, backoff.Permanent(err)
		case errors.As(err, &rl):
			return assessment.Assessment{}, &backoff.RetryAfterError{Duration: rl.RetryAfter}
		case errors.Is(err, assessment.ErrMalformed):
			return assessment.Assessment{}, &backoff.RetryAfterError{Duration: s.cfg.ParseBackoff}
		}
		return assessment.Assessment{}, err
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.cfg.ErrorBackoff
	a, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(s.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("ai attempt failed; retrying", "attempt", attempts, "wait", next, "error", last)
		}),
	)
	if err != nil {
		if last != nil {
			err = last
		}
		return assessment.Assessment{}, usage, attempts, err
	}
	return a, usage, attempts, nil
}

func (s *EnrichService) cost(u domain.Usage) float64 {
	return float64(u.PromptTokens)/1000*s.ai.PromptCostPer1K +
		float64(u.CompletionTokens)/1000*s.ai.CompletionCostPer1K
}

func (s *EnrichService) record(ctx context.Context, res *domain.EnrichResult, logger *slog.Logger) {
	if s.runs != nil {
		entry := domain.RunLogEntry{
			RunID:      res.RunID,
			Kind:       res.Kind,
			StartedAt:  res.StartedAt,
			FinishedAt: res.FinishedAt,
			Status:     res.Status,
			Enrich:     res,
		}
		if err := s.runs.AppendRun(ctx, entry); err != nil {
			logger.Error("run log append failed", "error", err)
		}
	}
	snapshot, err := json.Marshal(res)
	if err != nil {
		logger.Warn("encode run snapshot", "error", err)
		return
	}
	key := archive.RunKey(res.RunID, res.StartedAt)
	if err := s.archive.Put(ctx, key, snapshot, archive.JSON); err != nil {
		logger.Warn("run snapshot archive failed", "key", key, "error", err)
	}
}

// enrichStatus ignores content-filter skips; they are recorded but are not errors.
func enrichStatus(res domain.EnrichResult) domain.RunStatus {
	var errs int
	for _, e := range res.Errors {
		if e.Stage != stageContentFilter {
			errs++
		}
	}
	switch {
	case res.Attempted > 0 && res.Failed == res.Attempted:
		return domain.RunFailed
	case res.Failed > 0 || errs > 0:
		return domain.RunPartial
	default:
		return domain.RunSuccess
	}
}

func outcomeLabel(o itemOutcome) string {
	switch o {
	case itemSucceeded:
		return "succeeded"
	case itemSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

func keepNonEmpty(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}

func union(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if _, ok := seen[v]; ok || v == "" {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
