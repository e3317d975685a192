package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ProcessingState enumerates alert lifecycle milestones.
type ProcessingState string

const (
	StateRaw       ProcessingState = "raw"
	StateEnriched  ProcessingState = "enriched"
	StateVerified  ProcessingState = "verified"
	StatePublished ProcessingState = "published"
)

// AlertType classifies what an advisory is about.
type AlertType string

const (
	TypeVulnerability   AlertType = "vulnerability"
	TypeExploit         AlertType = "exploit"
	TypeZeroDay         AlertType = "zero_day"
	TypeMalware         AlertType = "malware"
	TypeRansomware      AlertType = "ransomware"
	TypeAPT             AlertType = "apt"
	TypeBreach          AlertType = "breach"
	TypeAdvisory        AlertType = "advisory"
	TypeGuidance        AlertType = "guidance"
	TypeRegulatory      AlertType = "regulatory"
	TypeNews            AlertType = "news"
	TypeServiceIncident AlertType = "service_incident"
	TypeServiceAdvisory AlertType = "service_advisory"
	TypeRoadmap         AlertType = "roadmap"
)

// IsServiceHealth reports whether the type comes from a tenant service-health
// or roadmap feed, where CVE-based signals do not apply.
func (t AlertType) IsServiceHealth() bool {
	switch t {
	case TypeServiceIncident, TypeServiceAdvisory, TypeRoadmap:
		return true
	}
	return false
}

// IsInformational reports whether the type carries no direct threat.
func (t AlertType) IsInformational() bool {
	switch t {
	case TypeAdvisory, TypeGuidance, TypeRegulatory, TypeNews, TypeRoadmap, TypeServiceAdvisory:
		return true
	}
	return false
}

// ServiceStatus is the status flag reported by service-health feeds.
type ServiceStatus string

const (
	ServiceOutage        ServiceStatus = "outage"
	ServiceDegradation   ServiceStatus = "degradation"
	ServiceAdvisory      ServiceStatus = "advisory"
	ServiceInformational ServiceStatus = "informational"
)

// Severity labels.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityInfo     = "info"
)

// AlertKey addresses one stored alert; the source id is the partition key.
type AlertKey struct {
	ID       string `json:"id"`
	SourceID string `json:"sourceId"`
}

// String renders the key as id@source, the form accepted on the command line.
func (k AlertKey) String() string {
	return k.ID + "@" + k.SourceID
}

// ParseAlertKey reads the id@source form.
func ParseAlertKey(s string) (AlertKey, error) {
	id, source, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok || id == "" || source == "" {
		return AlertKey{}, fmt.Errorf("alert key %q: want id@source", s)
	}
	return AlertKey{ID: id, SourceID: source}, nil
}

// ScoreComponents is the auditable breakdown of a risk score.
type ScoreComponents struct {
	Base    int `json:"base"`
	EPSS    int `json:"epss"`
	Threat  int `json:"threat"`
	Context int `json:"context"`
}

// Relevance is a compliance verdict value.
type Relevance string

const (
	RelevanceYes         Relevance = "yes"
	RelevanceConditional Relevance = "conditional"
	RelevanceNo          Relevance = "no"
)

// ComplianceTag is the verdict for one regulatory framework.
type ComplianceTag struct {
	Relevant               Relevance `json:"relevant"`
	Confidence             float64   `json:"confidence"`
	References             []string  `json:"references"`
	Reasoning              string    `json:"reasoning,omitempty"`
	ReportingRequired      bool      `json:"reportingRequired"`
	ReportingDeadlineHours int       `json:"reportingDeadlineHours,omitempty"`
	ActionItems            []string  `json:"actionItems,omitempty"`
}

// Evidence records how the rule engine arrived at the stored compliance data.
type Evidence struct {
	Triggers          []string  `json:"triggers"`
	RegulationIDs     []string  `json:"regulationIds"`
	Overrides         []string  `json:"overrides,omitempty"`
	Warnings          []string  `json:"warnings,omitempty"`
	RuleEngineVersion string    `json:"ruleEngineVersion"`
	ValidatedAt       time.Time `json:"validatedAt"`
}

// Alert is the normalized, versioned advisory record.
type Alert struct {
	ID          string `json:"id"`
	ContentHash string `json:"contentHash"`
	SourceID    string `json:"sourceId"`

	SourceName      string    `json:"sourceName"`
	SourceCategory  string    `json:"sourceCategory"`
	SourceTrustTier int       `json:"sourceTrustTier"`
	URL             string    `json:"url"`
	Language        string    `json:"language,omitempty"`
	PublishedAt     time.Time `json:"publishedAt"`
	FetchedAt       time.Time `json:"fetchedAt"`
	UpdatedAt       time.Time `json:"updatedAt"`

	Title             string `json:"title"`
	TitleTranslated   string `json:"titleTranslated,omitempty"`
	Description       string `json:"description"`
	Summary           string `json:"summary,omitempty"`
	SummaryTranslated string `json:"summaryTranslated,omitempty"`

	AlertType     AlertType     `json:"alertType"`
	Subtype       string        `json:"subtype,omitempty"`
	ServiceStatus ServiceStatus `json:"serviceStatus,omitempty"`

	Severity            string   `json:"severity,omitempty"`
	CVSSScore           *float64 `json:"cvssScore,omitempty"`
	CVSSVector          string   `json:"cvssVector,omitempty"`
	EPSSScore           *float64 `json:"epssScore,omitempty"`
	EPSSPercentile      *float64 `json:"epssPercentile,omitempty"`
	IsActivelyExploited bool     `json:"isActivelyExploited"`
	IsZeroDay           bool     `json:"isZeroDay"`

	AIScore         *int            `json:"aiScore,omitempty"`
	ScoreRationale  string          `json:"scoreRationale,omitempty"`
	ScoreComponents ScoreComponents `json:"scoreComponents"`

	CVEIDs           []string `json:"cveIds,omitempty"`
	AffectedVendors  []string `json:"affectedVendors,omitempty"`
	AffectedProducts []string `json:"affectedProducts,omitempty"`
	AffectedVersions []string `json:"affectedVersions,omitempty"`
	IOCs             []string `json:"iocs,omitempty"`

	Triggers      []string                 `json:"triggers,omitempty"`
	Compliance    map[string]ComplianceTag `json:"compliance,omitempty"`
	ComplianceRaw map[string]ComplianceTag `json:"complianceRaw,omitempty"`
	Evidence      *Evidence                `json:"evidence,omitempty"`

	ProcessingState   ProcessingState `json:"processingState"`
	EnrichmentVersion int             `json:"enrichmentVersion"`
	IsProcessed       bool            `json:"isProcessed"`
}

// Key returns the composite storage key.
func (a Alert) Key() AlertKey {
	return AlertKey{ID: a.ID, SourceID: a.SourceID}
}

// HasCVSS reports whether a CVSS base score is present.
func (a Alert) HasCVSS() bool {
	return a.CVSSScore != nil
}

// HasEPSS reports whether an EPSS probability is present.
func (a Alert) HasEPSS() bool {
	return a.EPSSScore != nil
}

// Candidate is what a source adapter emits before identity and lifecycle are
// assigned by the deduplicator.
type Candidate struct {
	SourceID        string
	SourceName      string
	SourceCategory  string
	SourceTrustTier int

	Title       string
	Description string
	URL         string
	Language    string
	PublishedAt time.Time

	AlertType     AlertType
	Subtype       string
	ServiceStatus ServiceStatus

	Severity            string
	CVSSScore           *float64
	CVSSVector          string
	IsActivelyExploited bool
	IsZeroDay           bool

	CVEIDs           []string
	AffectedVendors  []string
	AffectedProducts []string
	AffectedVersions []string
}

// Float returns a pointer to v; handy for optional score fields.
func Float(v float64) *float64 {
	return &v
}

// Int returns a pointer to v.
func Int(v int) *int {
	return &v
}

// AdvisoryDetail is the extended document fetched for an advisory identifier.
type AdvisoryDetail struct {
	AdvisoryID string   `json:"advisoryId"`
	URL        string   `json:"url"`
	Text       string   `json:"text"`
	CVEIDs     []string `json:"cveIds,omitempty"`
	Vendors    []string `json:"vendors,omitempty"`
	Products   []string `json:"products,omitempty"`
}

// UniqueCVEIDs upper-cases, trims and de-duplicates CVE ids, keeping the
// order of first appearance.
func UniqueCVEIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.ToUpper(strings.TrimSpace(id))
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// NormalizeCVEIDs is UniqueCVEIDs in sorted order, for fingerprints.
func NormalizeCVEIDs(ids []string) []string {
	out := UniqueCVEIDs(ids)
	sort.Strings(out)
	return out
}
