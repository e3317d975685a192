// Package dedup assigns stable fingerprints to candidates and keeps at most
// one stored alert per fingerprint per source.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"AdvisoryScanner/internal/domain"
	"AdvisoryScanner/internal/ports"
)

// Outcome classifies a store attempt.
type Outcome string

const (
	OutcomeNew       Outcome = "new"
	OutcomeDuplicate Outcome = "duplicate"
)

// Fingerprint hashes the identity-bearing fields of a candidate.
func Fingerprint(c domain.Candidate) string {
	parts := []string{
		c.SourceID,
		normalizeTitle(c.Title),
		strings.Join(domain.NormalizeCVEIDs(c.CVEIDs), ","),
		CanonicalURL(c.URL),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func normalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

// CanonicalURL lower-cases scheme and host and drops the fragment and trailing slash.
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimSuffix(raw, "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawPath = ""
	return u.String()
}

// Store decides new-vs-duplicate against the alert repository.
type Store struct {
	repo  ports.AlertRepository
	now   func() time.Time
	newID func() string
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides alert id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// NewStore wires the deduplicator to a repository.
func NewStore(repo ports.AlertRepository, opts ...Option) *Store {
	s := &Store{
		repo:  repo,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store persists the candidate as a raw alert unless its fingerprint already exists.
func (s *Store) Store(ctx context.Context, c domain.Candidate) (Outcome, domain.Alert, error) {
	hash := Fingerprint(c)

	exists, err := s.repo.ExistsByHash(ctx, c.SourceID, hash)
	if err != nil {
		return "", domain.Alert{}, fmt.Errorf("lookup fingerprint: %w", err)
	}
	if exists {
		return OutcomeDuplicate, domain.Alert{}, nil
	}

	alert := newAlert(c, hash, s.newID(), s.now())
	inserted, err := s.repo.Insert(ctx, alert)
	if err != nil {
		return "", domain.Alert{}, fmt.Errorf("insert alert: %w", err)
	}
	if !inserted {
		// Lost the unique-index race against a concurrent writer.
		return OutcomeDuplicate, domain.Alert{}, nil
	}
	return OutcomeNew, alert, nil
}

// BatchResult aggregates StoreAll outcomes.
type BatchResult struct {
	New       []domain.Alert
	Duplicate int
	Errors    []domain.ItemError
}

// StoreAll stores a whole adapter response; duplicates inside the batch never reach storage.
func (s *Store) StoreAll(ctx context.Context, candidates []domain.Candidate) BatchResult {
	var res BatchResult
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		hash := Fingerprint(c)
		if _, ok := seen[hash]; ok {
			res.Duplicate++
			continue
		}
		seen[hash] = struct{}{}

		outcome, alert, err := s.Store(ctx, c)
		if err != nil {
			res.Errors = append(res.Errors, domain.ItemError{
				Item:    c.SourceID + ":" + c.Title,
				Stage:   "store",
				Message: err.Error(),
			})
			continue
		}
		if outcome == OutcomeDuplicate {
			res.Duplicate++
			continue
		}
		res.New = append(res.New, alert)
	}
	return res
}

func newAlert(c domain.Candidate, hash, id string, now time.Time) domain.Alert {
	return domain.Alert{
		ID:          id,
		ContentHash: hash,
		SourceID:    c.SourceID,

		SourceName:      c.SourceName,
		SourceCategory:  c.SourceCategory,
		SourceTrustTier: c.SourceTrustTier,
		URL:             CanonicalURL(c.URL),
		Language:        c.Language,
		PublishedAt:     c.PublishedAt,
		FetchedAt:       now,
		UpdatedAt:       now,

		Title:       strings.TrimSpace(c.Title),
		Description: strings.TrimSpace(c.Description),

		AlertType:     c.AlertType,
		Subtype:       c.Subtype,
		ServiceStatus: c.ServiceStatus,

		Severity:            strings.ToLower(strings.TrimSpace(c.Severity)),
		CVSSScore:           c.CVSSScore,
		CVSSVector:          c.CVSSVector,
		IsActivelyExploited: c.IsActivelyExploited,
		IsZeroDay:           c.IsZeroDay,

		CVEIDs:           domain.UniqueCVEIDs(c.CVEIDs),
		AffectedVendors:  c.AffectedVendors,
		AffectedProducts: c.AffectedProducts,
		AffectedVersions: c.AffectedVersions,

		ProcessingState:   domain.StateRaw,
		EnrichmentVersion: 0,
	}
}
