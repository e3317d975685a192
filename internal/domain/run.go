package domain

import "time"

// SourceState is the per-source registry entry used for fetch bookkeeping.
type SourceState struct {
	SourceID          string        `json:"sourceId"`
	Category          string        `json:"category"`
	LastFetchAt       time.Time     `json:"lastFetchAt"`
	LastStatus        string        `json:"lastStatus"`
	LastError         string        `json:"lastError,omitempty"`
	ConsecutiveErrors int           `json:"consecutiveErrors"`
	Enabled           bool          `json:"enabled"`
	DisabledAt        time.Time     `json:"disabledAt,omitempty"`
	IntervalOverride  time.Duration `json:"intervalOverride,omitempty"`
	LastItemCount     int           `json:"lastItemCount"`
}

// Fetch status values stored on SourceState.LastStatus.
const (
	FetchStatusSuccess = "success"
	FetchStatusError   = "error"
)

// RunKind distinguishes run-log entries.
type RunKind string

const (
	RunFetch    RunKind = "fetch"
	RunEnrich   RunKind = "enrich"
	RunReEnrich RunKind = "reenrich"
)

// RunStatus summarizes how a run went as a whole.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// ItemError records a failure confined to one unit of work (source, alert, CVE).
type ItemError struct {
	Item    string `json:"item"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// SourceOutcome aggregates what happened to one source during a fetch run.
type SourceOutcome struct {
	SourceID     string        `json:"sourceId"`
	Fetched      int           `json:"fetched"`
	New          int           `json:"new"`
	Duplicate    int           `json:"duplicate"`
	Errors       int           `json:"errors"`
	Skipped      string        `json:"skipped,omitempty"`
	Archived     bool          `json:"archived"`
	Warning      string        `json:"warning,omitempty"`
	Duration     time.Duration `json:"duration"`
	AutoDisabled bool          `json:"autoDisabled,omitempty"`
}

// BackfillSummary reports the secondary CVSS enrichment pass.
type BackfillSummary struct {
	Candidates int `json:"candidates"`
	Requests   int `json:"requests"`
	Updated    int `json:"updated"`
	Errors     int `json:"errors"`
}

// RunSummary is returned by every fetch cycle.
type RunSummary struct {
	RunID          string          `json:"runId"`
	StartedAt      time.Time       `json:"startedAt"`
	FinishedAt     time.Time       `json:"finishedAt"`
	TotalFetched   int             `json:"totalFetched"`
	TotalNew       int             `json:"totalNew"`
	TotalDuplicate int             `json:"totalDuplicate"`
	TotalErrors    int             `json:"totalErrors"`
	Sources        []SourceOutcome `json:"sources"`
	CVSSBackfill   BackfillSummary `json:"cvssBackfill"`
	Errors         []ItemError     `json:"errors,omitempty"`
	Status         RunStatus       `json:"status"`
}

// Usage counts model tokens consumed during a run.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// Add accumulates another usage record.
func (u *Usage) Add(o Usage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
}

// EnrichResult is returned by AI enrichment runs.
type EnrichResult struct {
	RunID            string      `json:"runId"`
	Kind             RunKind     `json:"kind"`
	StartedAt        time.Time   `json:"startedAt"`
	FinishedAt       time.Time   `json:"finishedAt"`
	Candidates       int         `json:"candidates"`
	Attempted        int         `json:"attempted"`
	Succeeded        int         `json:"succeeded"`
	Failed           int         `json:"failed"`
	Skipped          int         `json:"skipped"`
	StoppedEarly     bool        `json:"stoppedEarly"`
	Errors           []ItemError `json:"errors,omitempty"`
	Usage            Usage       `json:"usage"`
	EstimatedCostUSD float64     `json:"estimatedCostUsd"`
	Status           RunStatus   `json:"status"`
}

// RunLogEntry is the durable record of one orchestrator run.
type RunLogEntry struct {
	RunID      string          `json:"runId"`
	Kind       RunKind         `json:"kind"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
	Status     RunStatus       `json:"status"`
	Sources    []SourceOutcome `json:"sources,omitempty"`
	Fetch      *RunSummary     `json:"fetch,omitempty"`
	Enrich     *EnrichResult   `json:"enrich,omitempty"`
}
