package ports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"AdvisoryScanner/internal/domain"
)

// ErrNotFound is returned by point reads when nothing is stored under the key.
var ErrNotFound = errors.New("not found")

// ErrContentFiltered marks a model response blocked by the provider's content policy.
var ErrContentFiltered = errors.New("content filtered")

// RateLimitError is returned by providers that answered with a throttling response.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited (retry after %s)", e.Provider, e.RetryAfter)
}

// AlertQuery filters alerts for the enrichment stages.
type AlertQuery struct {
	SourceID       string
	States         []domain.ProcessingState
	MissingCVSS    bool
	MissingEPSS    bool
	MissingSummary bool
	RequireCVEs    bool
	FetchedSince   time.Time
	BelowVersion   int
	OldestFirst    bool
	Limit          int
}

// AlertRepository is the durable alert store, partitioned by source id.
type AlertRepository interface {
	ExistsByHash(ctx context.Context, sourceID, contentHash string) (bool, error)
	// Insert stores a new alert; it reports false when the (source, hash) pair already exists.
	Insert(ctx context.Context, alert domain.Alert) (bool, error)
	Get(ctx context.Context, key domain.AlertKey) (domain.Alert, error)
	Update(ctx context.Context, alert domain.Alert) error
	Query(ctx context.Context, q AlertQuery) ([]domain.Alert, error)
}

// SourceRegistry keeps per-source fetch bookkeeping.
type SourceRegistry interface {
	GetSource(ctx context.Context, sourceID string) (domain.SourceState, error)
	UpsertSource(ctx context.Context, state domain.SourceState) error
}

// RunLog stores one entry per orchestrator run.
type RunLog interface {
	AppendRun(ctx context.Context, entry domain.RunLogEntry) error
}

// RawArchive stores raw provider payloads and run snapshots by key.
type RawArchive interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// VulnEnricher fills CVSS and EPSS signals on an alert in place.
type VulnEnricher interface {
	// BeginRun drops run-scoped lookup state.
	BeginRun()
	// EnrichCVSS spends at most budget provider requests (<= 0 means no limit)
	// and reports how many it made.
	EnrichCVSS(ctx context.Context, alert *domain.Alert, budget int) (requests int, updated bool, err error)
	EnrichEPSS(ctx context.Context, alert *domain.Alert) (bool, error)
}

// DetailFetcher retrieves richer advisory documents referenced by an alert.
type DetailFetcher interface {
	BeginRun()
	Lookup(ctx context.Context, alert domain.Alert) (domain.AdvisoryDetail, bool, error)
}

// ChatMessage is one message of a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest asks the model for a JSON answer.
type ChatRequest struct {
	Messages  []ChatMessage
	MaxTokens int
}

// ChatCompletion is the model answer plus token accounting.
type ChatCompletion struct {
	Content string
	Usage   domain.Usage
}

// ChatCompleter calls the generative model.
type ChatCompleter interface {
	Complete(ctx context.Context, req ChatRequest) (ChatCompletion, error)
}

// Publisher hands enriched alerts to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, alert domain.Alert) error
}

// Notifier streams run digests to Telegram or other channels.
type Notifier interface {
	PublishDigest(ctx context.Context, digest string) error
}

// Scheduler controls when pipelines execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
