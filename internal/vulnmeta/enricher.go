package vulnmeta

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"AdvisoryScanner/internal/cache"
	"AdvisoryScanner/internal/domain"
	"AdvisoryScanner/internal/logging"
	"AdvisoryScanner/internal/ports"
)

const (
	defaultMaxCVEs = 20
	maxCVSS        = 10.0
)

// CVSSSource looks up a single CVE.
type CVSSSource interface {
	Lookup(ctx context.Context, cveID string) (CVSS, bool, int, error)
}

// EPSSSource looks up many CVEs at once.
type EPSSSource interface {
	Lookup(ctx context.Context, ids []string) (map[string]EPSS, error)
}

// CVSSEntry is the cached result of one lookup; Found=false records that the
// provider has no score so the CVE is not asked for again.
type CVSSEntry struct {
	Score  float64 `json:"score"`
	Vector string  `json:"vector"`
	Found  bool    `json:"found"`
}

// Enricher implements ports.VulnEnricher over NVD and FIRST.
type Enricher struct {
	cvss     CVSSSource
	epss     EPSSSource
	maxCVEs  int
	newCache func() cache.Cache[CVSSEntry]
	logger   *slog.Logger

	mu    sync.Mutex
	cache cache.Cache[CVSSEntry]
}

var _ ports.VulnEnricher = (*Enricher)(nil)

// NewEnricher wires the providers. newCache is called at the start of every
// run; maxCVEs <= 0 uses the default of 20.
func NewEnricher(cvss CVSSSource, epss EPSSSource, maxCVEs int, newCache func() cache.Cache[CVSSEntry], logger *slog.Logger) *Enricher {
	if maxCVEs <= 0 {
		maxCVEs = defaultMaxCVEs
	}
	if newCache == nil {
		newCache = func() cache.Cache[CVSSEntry] {
			return cache.NewMemory[CVSSEntry](cache.DefaultSize, cache.DefaultTTL)
		}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Enricher{
		cvss:     cvss,
		epss:     epss,
		maxCVEs:  maxCVEs,
		newCache: newCache,
		logger:   logger,
		cache:    newCache(),
	}
}

// BeginRun replaces the CVE cache.
func (e *Enricher) BeginRun() {
	e.mu.Lock()
	e.cache = e.newCache()
	e.mu.Unlock()
}

func (e *Enricher) runCache() cache.Cache[CVSSEntry] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache
}

// EnrichCVSS sets the highest base score across the alert's CVEs.
func (e *Enricher) EnrichCVSS(ctx context.Context, alert *domain.Alert, budget int) (int, bool, error) {
	if alert.HasCVSS() || len(alert.CVEIDs) == 0 || e.cvss == nil {
		return 0, false, nil
	}
	ids := domain.UniqueCVEIDs(alert.CVEIDs)
	if len(ids) > e.maxCVEs {
		ids = ids[:e.maxCVEs]
	}
	c := e.runCache()
	logger := e.logger.With("alert_id", alert.ID, "source_id", alert.SourceID)

	var (
		requests int
		best     *CVSSEntry
		lastErr  error
	)
	for _, id := range ids {
		entry, ok := c.Get(ctx, id)
		if ok {
			cacheCounter.WithLabelValues("hit").Inc()
		} else {
			cacheCounter.WithLabelValues("miss").Inc()
			if budget > 0 && requests >= budget {
				break
			}
			score, found, n, err := e.cvss.Lookup(ctx, id)
			requests += n
			if err != nil {
				if ctx.Err() != nil {
					return requests, false, ctx.Err()
				}
				logger.Warn("cvss lookup failed", "cve", id, "error", err)
				lastErr = err
				continue
			}
			entry = CVSSEntry{Score: score.Score, Vector: score.Vector, Found: found}
			c.Set(ctx, id, entry)
		}
		if entry.Found && (best == nil || entry.Score > best.Score) {
			best = &entry
		}
		if best != nil && best.Score >= maxCVSS {
			break
		}
	}

	if best == nil {
		if lastErr != nil {
			return requests, false, fmt.Errorf("cvss lookup: %w", lastErr)
		}
		return requests, false, nil
	}
	alert.CVSSScore = domain.Float(best.Score)
	alert.CVSSVector = best.Vector
	return requests, true, nil
}

// EnrichEPSS sets the maximum EPSS probability across the alert's CVEs.
func (e *Enricher) EnrichEPSS(ctx context.Context, alert *domain.Alert) (bool, error) {
	if alert.HasEPSS() || len(alert.CVEIDs) == 0 || e.epss == nil {
		return false, nil
	}
	ids := domain.UniqueCVEIDs(alert.CVEIDs)
	scores, err := e.epss.Lookup(ctx, ids)
	if err != nil {
		e.logger.Warn("epss lookup failed", "alert_id", alert.ID, "source_id", alert.SourceID, "error", err)
		if len(scores) == 0 {
			return false, fmt.Errorf("epss lookup: %w", err)
		}
	}

	var best *EPSS
	for _, id := range ids {
		s, ok := scores[id]
		if !ok || s.Score <= 0 {
			continue
		}
		if best == nil || s.Score > best.Score {
			best = &s
		}
	}
	if best == nil {
		return false, nil
	}
	alert.EPSSScore = domain.Float(best.Score)
	alert.EPSSPercentile = domain.Float(best.Percentile)
	return true, nil
}
