package dedup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AdvisoryScanner/internal/domain"
	"AdvisoryScanner/internal/infrastructure/storage"
	"AdvisoryScanner/internal/ports"
)

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

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("alert-%d", n)
	}
}

func candidate() domain.Candidate {
	return domain.Candidate{
		SourceID:  "cisa-kev",
		Title:     "Citrix NetScaler ADC  Buffer Overflow",
		URL:       "https://WWW.CISA.gov/known-exploited/#CVE-2023-4966",
		CVEIDs:    []string{"cve-2023-4966", "CVE-2023-4967"},
		AlertType: domain.TypeVulnerability,
	}
}

func TestFingerprintNormalization(t *testing.T) {
	t.Parallel()

	a := candidate()
	b := candidate()
	b.Title = "  citrix netscaler adc buffer overflow "
	b.URL = "https://www.cisa.gov/known-exploited/"
	b.CVEIDs = []string{"CVE-2023-4967", "CVE-2023-4966", "cve-2023-4966"}

	if Fingerprint(a) != Fingerprint(b) {
		t.Fatalf("equivalent candidates must share a fingerprint")
	}

	c := candidate()
	c.SourceID = "vendor"
	if Fingerprint(a) == Fingerprint(c) {
		t.Fatalf("fingerprint must include the source id")
	}

	d := candidate()
	d.CVEIDs = append(d.CVEIDs, "CVE-2024-0001")
	if Fingerprint(a) == Fingerprint(d) {
		t.Fatalf("fingerprint must include the CVE set")
	}
}

func TestCanonicalURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"HTTPS://Example.COM/a/b/#frag": "https://example.com/a/b",
		"https://example.com/?q=1":      "https://example.com?q=1",
		"not a url/":                    "not a url",
		"":                              "",
	}
	for in, want := range cases {
		if got := CanonicalURL(in); got != want {
			t.Fatalf("CanonicalURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStoreClassifiesRefetchAsDuplicate(t *testing.T) {
	t.Parallel()

	repo := newRepo(t)
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	store := NewStore(repo,
		WithIDGenerator(sequentialIDs()),
		WithClock(func() time.Time { return clock }),
	)

	outcome, alert, err := store.Store(ctx, candidate())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, outcome)
	assert.Equal(t, "alert-1", alert.ID)
	assert.Equal(t, domain.StateRaw, alert.ProcessingState)
	assert.Equal(t, 0, alert.EnrichmentVersion)
	assert.Equal(t, []string{"CVE-2023-4966", "CVE-2023-4967"}, alert.CVEIDs)

	clock = clock.Add(6 * time.Hour)
	outcome, _, err = store.Store(ctx, candidate())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	stored, err := repo.Query(ctx, ports.AlertQuery{SourceID: "cisa-kev"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.True(t, stored[0].FetchedAt.Equal(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)))
}

func TestStoreAllDropsInBatchDuplicates(t *testing.T) {
	t.Parallel()

	repo := newRepo(t)
	store := NewStore(repo, WithIDGenerator(sequentialIDs()))

	other := candidate()
	other.Title = "Different advisory"

	res := store.StoreAll(context.Background(), []domain.Candidate{candidate(), candidate(), other})
	assert.Len(t, res.New, 2)
	assert.Equal(t, 1, res.Duplicate)
	assert.Empty(t, res.Errors)

	again := store.StoreAll(context.Background(), []domain.Candidate{other, candidate()})
	assert.Empty(t, again.New)
	assert.Equal(t, 2, again.Duplicate)
}

type racingRepo struct {
	ports.AlertRepository
}

func (racingRepo) ExistsByHash(context.Context, string, string) (bool, error) { return false, nil }
func (racingRepo) Insert(context.Context, domain.Alert) (bool, error)         { return false, nil }

func TestStoreLostInsertRaceIsDuplicate(t *testing.T) {
	t.Parallel()

	outcome, _, err := NewStore(racingRepo{}).Store(context.Background(), candidate())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
}
