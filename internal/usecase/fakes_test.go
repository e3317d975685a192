package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"AdvisoryScanner/internal/domain"
	"AdvisoryScanner/internal/infrastructure/storage"
	"AdvisoryScanner/internal/ports"
	"AdvisoryScanner/internal/scanner"
)

var testNow = time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) *storage.Repository {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := storage.NewRepository(db, storage.DriverSQLite)
	require.NoError(t, repo.Init(ctx))
	return repo
}

// clock is a settable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func runIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

type fakeAdapter struct {
	name       string
	candidates []domain.Candidate
	raw        []byte
	err        error
	calls      int
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Fetch(_ context.Context, req scanner.Request) (scanner.Result, error) {
	f.calls++
	if f.err != nil {
		return scanner.Result{}, f.err
	}
	res := scanner.Result{Raw: f.raw}
	for _, c := range f.candidates {
		res.Candidates = append(res.Candidates, req.Candidate(c))
	}
	return res, nil
}

type memArchive struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (m *memArchive) Put(_ context.Context, key string, _ []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil && strings.HasPrefix(key, "raw/") {
		return m.err
	}
	m.keys = append(m.keys, key)
	return nil
}

func (m *memArchive) withPrefix(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, k := range m.keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

// fakeVuln charges one request per CVE and knows a fixed score table.
type fakeVuln struct {
	scores map[string]float64
	epss   float64
	calls  []string
	begun  int
}

func (f *fakeVuln) BeginRun() { f.begun++ }

func (f *fakeVuln) EnrichCVSS(_ context.Context, a *domain.Alert, budget int) (int, bool, error) {
	f.calls = append(f.calls, a.ID)
	if a.HasCVSS() || len(a.CVEIDs) == 0 {
		return 0, false, nil
	}
	requests, best := 0, -1.0
	for _, id := range a.CVEIDs {
		if budget > 0 && requests >= budget {
			break
		}
		requests++
		if s, ok := f.scores[id]; ok && s > best {
			best = s
		}
	}
	if best < 0 {
		return requests, false, nil
	}
	a.CVSSScore = domain.Float(best)
	return requests, true, nil
}

func (f *fakeVuln) EnrichEPSS(_ context.Context, a *domain.Alert) (bool, error) {
	if f.epss <= 0 || a.HasEPSS() {
		return false, nil
	}
	a.EPSSScore = domain.Float(f.epss)
	return true, nil
}

type reply struct {
	content string
	err     error
}

// fakeModel answers with scripted replies; the last one repeats.
type fakeModel struct {
	mu      sync.Mutex
	replies []reply
	prompts []string
}

func (f *fakeModel) Complete(_ context.Context, req ports.ChatRequest) (ports.ChatCompletion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, req.Messages[len(req.Messages)-1].Content)
	r := f.replies[min(len(f.prompts), len(f.replies))-1]
	usage := domain.Usage{PromptTokens: 100, CompletionTokens: 50}
	if r.err != nil {
		return ports.ChatCompletion{}, r.err
	}
	return ports.ChatCompletion{Content: r.content, Usage: usage}, nil
}

func (f *fakeModel) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type fakePublisher struct {
	published []domain.Alert
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, a domain.Alert) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, a)
	return nil
}

type fakeNotifier struct {
	digests []string
}

func (f *fakeNotifier) PublishDigest(_ context.Context, digest string) error {
	f.digests = append(f.digests, digest)
	return nil
}

type failingRegistry struct {
	ports.SourceRegistry
}

func (failingRegistry) GetSource(context.Context, string) (domain.SourceState, error) {
	return domain.SourceState{}, errors.New("registry unavailable")
}
