package scanner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"AdvisoryScanner/internal/domain"
)

// Source describes the feed an adapter reads, as configured.
type Source struct {
	ID        string
	Name      string
	Category  string
	URL       string
	Language  string
	TrustTier int
	// MaxAge drops items published before Now-MaxAge; zero keeps everything.
	MaxAge  time.Duration
	Options map[string]string
}

// Option returns a source option or def when unset.
func (s Source) Option(key, def string) string {
	if v, ok := s.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// Request carries all parameters required to execute a fetch.
type Request struct {
	Source Source
	Now    time.Time
}

// Cutoff is the oldest publication time still of interest.
func (r Request) Cutoff() time.Time {
	if r.Source.MaxAge <= 0 {
		return time.Time{}
	}
	return r.Now.Add(-r.Source.MaxAge)
}

// Candidate stamps the source identity onto a candidate.
func (r Request) Candidate(c domain.Candidate) domain.Candidate {
	c.SourceID = r.Source.ID
	c.SourceName = r.Source.Name
	c.SourceCategory = r.Source.Category
	c.SourceTrustTier = r.Source.TrustTier
	if c.Language == "" {
		c.Language = r.Source.Language
	}
	return c
}

// Result is what one fetch produced. Raw is the provider payload as JSON for
// the archive; Warning reports a partial parse that did not fail the fetch.
type Result struct {
	Candidates []domain.Candidate
	Raw        []byte
	Warning    string
}

// Adapter captures a single source strategy (KEV catalog, HTML listing, etc.).
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, req Request) (Result, error)
}

// Registry keeps a mapping from adapter names to their implementations.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

// Register adds or replaces an adapter implementation.
func (r *Registry) Register(adapter Adapter) {
	if r.adapters == nil {
		r.adapters = map[string]Adapter{}
	}
	r.adapters[adapter.Name()] = adapter
}

// Resolve returns an adapter by name or an error if it is absent.
func (r *Registry) Resolve(name string) (Adapter, error) {
	if adapter, ok := r.adapters[name]; ok {
		return adapter, nil
	}
	return nil, fmt.Errorf("adapter %s is not registered", name)
}

// Names lists the registered adapters in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
