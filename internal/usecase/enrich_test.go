package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AdvisoryScanner/internal/assessment"
	"AdvisoryScanner/internal/config"
	"AdvisoryScanner/internal/domain"
	"AdvisoryScanner/internal/infrastructure/storage"
	"AdvisoryScanner/internal/ports"
	"AdvisoryScanner/internal/rules"
)

const validAnswer = `Here you go:
` + "```json" + `
{
  "summary": "Command injection in Acme Gateway is exploited in the wild.",
  "summaryTranslated": "Befehlsinjektion in Acme Gateway wird aktiv ausgenutzt.",
  "titleTranslated": "Acme Gateway Befehlsinjektion",
  "triggers": ["active_exploitation", "made_up_trigger"],
  "affectedProducts": ["Gateway 5"],
  "iocs": ["203.0.113.7"],
  "confidence": 0.8,
  "compliance": {
    "NIS2": {"relevant": "yes", "confidence": 0.9, "reasoning": "essential entity exposure", "references": ["Invented Art. 99"]}
  }
}
` + "```"

type enrichFixture struct {
	repo      *storage.Repository
	model     *fakeModel
	publisher *fakePublisher
	notifier  *fakeNotifier
	engine    *rules.Engine
	service   *EnrichService
}

func enrichConfig() config.EnrichmentConfig {
	cfg := config.Default().Enrichment
	cfg.MaxRetries = 1
	cfg.CallPause = 0
	cfg.ParseBackoff = 0
	cfg.ErrorBackoff = time.Millisecond
	cfg.BatchPause = 0
	return cfg
}

func newEnrichFixture(t *testing.T, cfg config.EnrichmentConfig, vuln ports.VulnEnricher, replies ...reply) *enrichFixture {
	t.Helper()
	decoder, err := assessment.NewDecoder()
	require.NoError(t, err)

	f := &enrichFixture{
		repo:      newRepo(t),
		model:     &fakeModel{replies: replies},
		publisher: &fakePublisher{},
		notifier:  &fakeNotifier{},
		engine:    rules.NewEngine(),
	}
	deps := EnrichDeps{
		Config:    cfg,
		AI:        config.Default().AI,
		Alerts:    f.repo,
		Runs:      f.repo,
		Model:     f.model,
		Decoder:   decoder,
		Rules:     f.engine,
		Publisher: f.publisher,
		Notifier:  f.notifier,
		Clock:     func() time.Time { return testNow },
		NewRunID:  runIDs("enrich"),
	}
	if vuln != nil {
		deps.Vuln = vuln
	}
	f.service, err = NewEnrichService(deps)
	require.NoError(t, err)
	return f
}

func (f *enrichFixture) insert(t *testing.T, a domain.Alert) domain.Alert {
	t.Helper()
	if a.ContentHash == "" {
		a.ContentHash = "hash-" + a.ID
	}
	if a.ProcessingState == "" {
		a.ProcessingState = domain.StateRaw
	}
	ok, err := f.repo.Insert(context.Background(), a)
	require.NoError(t, err)
	require.True(t, ok)
	return a
}

func (f *enrichFixture) get(t *testing.T, a domain.Alert) domain.Alert {
	t.Helper()
	got, err := f.repo.Get(context.Background(), a.Key())
	require.NoError(t, err)
	return got
}

func exploitedKEVAlert(id string) domain.Alert {
	return domain.Alert{
		ID:                  id,
		SourceID:            "cisa-kev",
		SourceName:          "CISA KEV",
		SourceCategory:      "kev",
		SourceTrustTier:     1,
		Title:               "CVE-2026-11111: Acme Gateway Command Injection",
		Description:         "Acme Gateway contains a command injection vulnerability.",
		AlertType:           domain.TypeVulnerability,
		CVEIDs:              []string{"CVE-2026-11111"},
		CVSSScore:           domain.Float(9.8),
		IsActivelyExploited: true,
		PublishedAt:         testNow.Add(-24 * time.Hour),
		FetchedAt:           testNow.Add(-time.Hour),
	}
}

func TestEnrichmentRetriesMalformedAnswerOnce(t *testing.T) {
	t.Parallel()

	f := newEnrichFixture(t, enrichConfig(), nil,
		reply{content: "I am unable to produce JSON today."},
		reply{content: validAnswer},
	)
	alert := f.insert(t, exploitedKEVAlert("a1"))

	res, err := f.service.RunEnrichment(context.Background(), EnrichOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Candidates)
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, domain.RunSuccess, res.Status)
	assert.Equal(t, 2, f.model.calls())
	assert.Equal(t, domain.Usage{PromptTokens: 200, CompletionTokens: 100}, res.Usage)
	assert.InDelta(t, 0.2*0.00015+0.1*0.0006, res.EstimatedCostUSD, 1e-12)

	got := f.get(t, alert)
	assert.Equal(t, domain.StateEnriched, got.ProcessingState)
	assert.Equal(t, enrichConfig().Version, got.EnrichmentVersion)
	assert.True(t, got.IsProcessed)
	assert.Equal(t, "Command injection in Acme Gateway is exploited in the wild.", got.Summary)
	assert.Equal(t, "Acme Gateway Befehlsinjektion", got.TitleTranslated)
	assert.Equal(t, []string{"Gateway 5"}, got.AffectedProducts)
	assert.Equal(t, domain.SeverityCritical, got.Severity)
	require.NotNil(t, got.AIScore)
	assert.GreaterOrEqual(t, *got.AIScore, 85)
	assert.Equal(t, 35, got.ScoreComponents.Base)

	assert.Contains(t, got.Triggers, rules.TriggerActiveExploitation)
	assert.Contains(t, got.Triggers, rules.TriggerCriticalVulnerability)
	assert.NotContains(t, got.Triggers, "made_up_trigger")
	for _, trig := range got.Triggers {
		assert.True(t, f.engine.IsAllowed(trig), trig)
	}
	for fw, tag := range got.Compliance {
		for _, ref := range tag.References {
			assert.True(t, f.engine.KnownReference(ref), "%s reference %q", fw, ref)
		}
	}
	assert.Equal(t, []string{"Invented Art. 99"}, got.ComplianceRaw[rules.FrameworkNIS2].References)
	require.NotNil(t, got.Evidence)
	assert.Equal(t, rules.Version, got.Evidence.RuleEngineVersion)

	require.Len(t, f.publisher.published, 1)
	assert.Equal(t, alert.ID, f.publisher.published[0].ID)
	assert.Empty(t, f.notifier.digests)
}

func TestEnrichmentRecordsFailureAfterLastAttempt(t *testing.T) {
	t.Parallel()

	f := newEnrichFixture(t, enrichConfig(), nil, reply{content: "still not json"})
	alert := f.insert(t, exploitedKEVAlert("a1"))

	res, err := f.service.RunEnrichment(context.Background(), EnrichOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, f.model.calls())
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, domain.RunFailed, res.Status)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, alert.Key().String(), res.Errors[0].Item)
	assert.Equal(t, "ai", res.Errors[0].Stage)
	assert.Contains(t, res.Errors[0].Message, "malformed")

	got := f.get(t, alert)
	assert.Equal(t, domain.StateRaw, got.ProcessingState)
	assert.Empty(t, got.Summary)
	assert.Zero(t, got.EnrichmentVersion)
	assert.Empty(t, f.publisher.published)
	require.Len(t, f.notifier.digests, 1)
}

func TestEnrichmentRetryTaxonomy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		retries   int
		replies   []reply
		calls     int
		succeeded int
		failed    int
		skipped   int
		status    domain.RunStatus
	}{
		{
			name:      "rate limit waits and retries",
			retries:   1,
			replies:   []reply{{err: &ports.RateLimitError{Provider: "openai", RetryAfter: time.Millisecond}}, {content: validAnswer}},
			calls:     2,
			succeeded: 1,
			status:    domain.RunSuccess,
		},
		{
			name:    "content filter skips without retry",
			retries: 2,
			replies: []reply{{err: fmt.Errorf("openai: %w", ports.ErrContentFiltered)}},
			calls:   1,
			skipped: 1,
			status:  domain.RunSuccess,
		},
		{
			name:    "other errors use every attempt",
			retries: 2,
			replies: []reply{{err: errors.New("502 bad gateway")}},
			calls:   3,
			failed:  1,
			status:  domain.RunFailed,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := enrichConfig()
			cfg.MaxRetries = tc.retries
			f := newEnrichFixture(t, cfg, nil, tc.replies...)
			f.insert(t, exploitedKEVAlert("a1"))

			res, err := f.service.RunEnrichment(context.Background(), EnrichOptions{})
			require.NoError(t, err)
			assert.Equal(t, tc.calls, f.model.calls())
			assert.Equal(t, tc.succeeded, res.Succeeded)
			assert.Equal(t, tc.failed, res.Failed)
			assert.Equal(t, tc.skipped, res.Skipped)
			assert.Equal(t, tc.status, res.Status)
		})
	}
}

func TestEnrichmentOrderFiltersAndBackfill(t *testing.T) {
	t.Parallel()

	vuln := &fakeVuln{scores: map[string]float64{"CVE-2026-0002": 7.2}, epss: 0.3}
	f := newEnrichFixture(t, enrichConfig(), vuln, reply{content: validAnswer})

	mk := func(id string, published time.Time, cves ...string) domain.Alert {
		return domain.Alert{
			ID: id, SourceID: "vendor", SourceName: "Vendor", SourceCategory: "vendor",
			Title: "Title " + id, AlertType: domain.TypeVulnerability, CVEIDs: cves,
			PublishedAt: published, FetchedAt: testNow,
		}
	}
	f.insert(t, mk("newest", testNow.Add(-time.Hour)))
	f.insert(t, mk("oldest", testNow.Add(-72*time.Hour), "CVE-2026-0002"))
	f.insert(t, mk("middle", testNow.Add(-24*time.Hour)))
	done := mk("done", testNow.Add(-96*time.Hour))
	done.Summary = "already summarized"
	f.insert(t, done)

	res, err := f.service.RunEnrichment(context.Background(), EnrichOptions{MaxAlerts: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Candidates)
	assert.Equal(t, 3, res.Succeeded)

	var order []string
	for _, p := range f.model.prompts {
		order = append(order, strings.TrimPrefix(strings.SplitN(p, "\n", 2)[0], "Title: Title "))
	}
	assert.Equal(t, []string{"oldest", "middle", "newest"}, order)
	assert.Equal(t, 1, vuln.begun)

	got := f.get(t, mk("oldest", time.Time{}))
	require.NotNil(t, got.CVSSScore)
	assert.InDelta(t, 7.2, *got.CVSSScore, 1e-9)
	require.NotNil(t, got.EPSSScore)
	assert.Equal(t, domain.SeverityHigh, got.Severity)
	assert.Contains(t, f.model.prompts[0], "CVSS: 7.2")
}

func TestEnrichmentSingleAlertAndVersionGuard(t *testing.T) {
	t.Parallel()

	f := newEnrichFixture(t, enrichConfig(), nil, reply{content: validAnswer})
	newer := exploitedKEVAlert("newer")
	newer.Summary = "from a newer pipeline"
	newer.ProcessingState = domain.StateEnriched
	newer.EnrichmentVersion = enrichConfig().Version + 1
	f.insert(t, newer)

	key := newer.Key()
	res, err := f.service.RunEnrichment(context.Background(), EnrichOptions{AlertKey: &key, Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, domain.RunSuccess, res.Status)
	assert.Equal(t, "from a newer pipeline", f.get(t, newer).Summary)

	missing := domain.AlertKey{ID: "ghost", SourceID: "cisa-kev"}
	_, err = f.service.RunEnrichment(context.Background(), EnrichOptions{AlertKey: &missing})
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestEnrichmentKeepsStoredFieldsOnDegradedAnswer(t *testing.T) {
	t.Parallel()

	f := newEnrichFixture(t, enrichConfig(), nil, reply{content: `{"summary": 42, "triggers": "x"}`})
	stored := exploitedKEVAlert("stored")
	stored.ProcessingState = domain.StateEnriched
	stored.EnrichmentVersion = enrichConfig().Version
	stored.Summary = "good summary"
	stored.SummaryTranslated = "gute Zusammenfassung"
	stored.TitleTranslated = "guter Titel"
	stored.ComplianceRaw = map[string]domain.ComplianceTag{
		rules.FrameworkNIS2: {Relevant: domain.RelevanceYes, Reasoning: "essential entity"},
	}
	f.insert(t, stored)

	key := stored.Key()
	res, err := f.service.RunEnrichment(context.Background(), EnrichOptions{AlertKey: &key, Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	got := f.get(t, stored)
	assert.Equal(t, "good summary", got.Summary)
	assert.Equal(t, "gute Zusammenfassung", got.SummaryTranslated)
	assert.Equal(t, "guter Titel", got.TitleTranslated)
	require.Contains(t, got.ComplianceRaw, rules.FrameworkNIS2)
	assert.Equal(t, "essential entity", got.ComplianceRaw[rules.FrameworkNIS2].Reasoning)
	assert.Equal(t, enrichConfig().Version, got.EnrichmentVersion)
}

func TestReEnrichmentHonorsTimeBudget(t *testing.T) {
	t.Parallel()

	cfg := enrichConfig()
	cfg.SafetyBuffer = 30 * time.Second
	cfg.BatchSize = 1

	seed := func(f *enrichFixture) {
		for _, id := range []string{"r1", "r2"} {
			a := exploitedKEVAlert(id)
			a.ProcessingState = domain.StateEnriched
			a.EnrichmentVersion = 1
			a.Summary = "old"
			f.insert(t, a)
		}
		current := exploitedKEVAlert("current")
		current.ProcessingState = domain.StateEnriched
		current.EnrichmentVersion = cfg.Version
		f.insert(t, current)
		f.insert(t, exploitedKEVAlert("raw"))
	}

	short := newEnrichFixture(t, cfg, nil, reply{content: validAnswer})
	seed(short)
	res, err := short.service.RunReEnrichment(context.Background(), ReEnrichOptions{Budget: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Candidates)
	assert.Zero(t, res.Attempted)
	assert.True(t, res.StoppedEarly)
	assert.Zero(t, short.model.calls())

	long := newEnrichFixture(t, cfg, nil, reply{content: validAnswer})
	seed(long)
	res, err = long.service.RunReEnrichment(context.Background(), ReEnrichOptions{Budget: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, domain.RunReEnrich, res.Kind)
	assert.Equal(t, 2, res.Succeeded)
	assert.False(t, res.StoppedEarly)
	got := long.get(t, exploitedKEVAlert("r1"))
	assert.Equal(t, cfg.Version, got.EnrichmentVersion)
	assert.Equal(t, domain.StateEnriched, got.ProcessingState)
}

func TestParseField(t *testing.T) {
	t.Parallel()

	f, err := ParseField("epss")
	require.NoError(t, err)
	assert.Equal(t, FieldEPSS, f)
	_, err = ParseField("title")
	assert.Error(t, err)

	fields, err := ParseFields(" cvss, summary ,,")
	require.NoError(t, err)
	assert.Equal(t, []Field{FieldCVSS, FieldSummary}, fields)
	_, err = ParseFields("cvss,title")
	assert.Error(t, err)
}
