// Package scoring turns enrichment signals into a reproducible 0-100 priority score.
package scoring

import (
	"fmt"
	"strings"

	"AdvisoryScanner/internal/domain"
)

// KEVCategory is the source category of the known-exploited catalog.
const KEVCategory = "kev"

const (
	maxThreat  = 20
	maxContext = 15

	exploitedFloor    = 85
	zeroDayFloor      = 80
	informationalCap  = 45
	cvssCriticalFloor = 9.0
)

// Signals are the scorer inputs.
type Signals struct {
	CVSS              *float64
	EPSS              *float64
	AlertType         domain.AlertType
	ServiceStatus     domain.ServiceStatus
	ActivelyExploited bool
	ZeroDay           bool
	TrustTier         int
	Products          []string
	CVECount          int
	FromKEV           bool
}

// Result is the score with its audit trail.
type Result struct {
	Score      int
	Rationale  string
	Components domain.ScoreComponents
}

// SignalsFromAlert collects scorer inputs from a stored alert.
func SignalsFromAlert(a domain.Alert) Signals {
	products := make([]string, 0, len(a.AffectedProducts)+len(a.AffectedVendors)+1)
	products = append(products, a.AffectedProducts...)
	products = append(products, a.AffectedVendors...)
	products = append(products, a.Title)
	return Signals{
		CVSS:              a.CVSSScore,
		EPSS:              a.EPSSScore,
		AlertType:         a.AlertType,
		ServiceStatus:     a.ServiceStatus,
		ActivelyExploited: a.IsActivelyExploited,
		ZeroDay:           a.IsZeroDay || a.AlertType == domain.TypeZeroDay,
		TrustTier:         a.SourceTrustTier,
		Products:          products,
		CVECount:          len(a.CVEIDs),
		FromKEV:           strings.EqualFold(a.SourceCategory, KEVCategory),
	}
}

// Score computes the deterministic risk score. It performs no I/O.
func Score(s Signals) Result {
	var notes []string

	base, baseNote := baseScore(s)
	notes = append(notes, fmt.Sprintf("base %d (%s)", base, baseNote))

	epss, epssNote := epssScore(s)
	notes = append(notes, fmt.Sprintf("epss %d (%s)", epss, epssNote))

	threat, threatNotes := threatScore(s)
	notes = append(notes, fmt.Sprintf("threat %d%s", threat, joinNotes(threatNotes)))

	ctx, ctxNotes := contextScore(s)
	notes = append(notes, fmt.Sprintf("context %d%s", ctx, joinNotes(ctxNotes)))

	total := clamp(base+epss+threat+ctx, 0, 100)
	raw := total

	if s.ActivelyExploited && total < exploitedFloor {
		total = exploitedFloor
		notes = append(notes, fmt.Sprintf("floor %d (actively exploited)", exploitedFloor))
	}
	if s.ZeroDay && total < zeroDayFloor {
		total = zeroDayFloor
		notes = append(notes, fmt.Sprintf("floor %d (zero-day)", zeroDayFloor))
	}
	if s.AlertType.IsInformational() && !s.ActivelyExploited && !s.ZeroDay && total > informationalCap {
		total = informationalCap
		notes = append(notes, fmt.Sprintf("cap %d (informational)", informationalCap))
	}

	notes = append(notes, fmt.Sprintf("sum %d => %d", raw, total))
	return Result{
		Score:     total,
		Rationale: strings.Join(notes, "; "),
		Components: domain.ScoreComponents{
			Base:    base,
			EPSS:    epss,
			Threat:  threat,
			Context: ctx,
		},
	}
}

var typeBase = map[domain.AlertType]int{
	domain.TypeZeroDay:       30,
	domain.TypeExploit:       28,
	domain.TypeAPT:           28,
	domain.TypeRansomware:    25,
	domain.TypeBreach:        25,
	domain.TypeMalware:       22,
	domain.TypeVulnerability: 18,
	domain.TypeAdvisory:      12,
	domain.TypeNews:          10,
	domain.TypeGuidance:      8,
	domain.TypeRegulatory:    8,
}

var serviceBase = map[domain.ServiceStatus]int{
	domain.ServiceOutage:        20,
	domain.ServiceDegradation:   14,
	domain.ServiceAdvisory:      8,
	domain.ServiceInformational: 5,
}

const unknownTypeBase = 10

func baseScore(s Signals) (int, string) {
	if s.AlertType.IsServiceHealth() {
		if s.AlertType == domain.TypeRoadmap {
			return 5, "roadmap"
		}
		if v, ok := serviceBase[s.ServiceStatus]; ok {
			return v, "service " + string(s.ServiceStatus)
		}
		return serviceBase[domain.ServiceInformational], "service status unknown"
	}
	if s.CVSS != nil {
		c := *s.CVSS
		note := fmt.Sprintf("CVSS %.1f", c)
		switch {
		case c >= 9:
			return 35, note
		case c >= 8:
			return 30, note
		case c >= 7:
			return 25, note
		case c >= 5:
			return 18, note
		case c >= 3:
			return 10, note
		default:
			return 5, note
		}
	}
	if v, ok := typeBase[s.AlertType]; ok {
		return v, "type " + string(s.AlertType)
	}
	return unknownTypeBase, "type unknown"
}

func epssScore(s Signals) (int, string) {
	if s.AlertType.IsServiceHealth() {
		return 0, "not applicable"
	}
	if s.EPSS == nil || *s.EPSS <= 0 {
		return 0, "no data"
	}
	p := *s.EPSS
	note := fmt.Sprintf("%.2f%%", p*100)
	switch {
	case p >= 0.5:
		return 25, note
	case p >= 0.2:
		return 20, note
	case p >= 0.1:
		return 15, note
	case p >= 0.05:
		return 10, note
	case p >= 0.01:
		return 5, note
	case p >= 0.001:
		return 2, note
	default:
		return 0, note
	}
}

func threatScore(s Signals) (int, []string) {
	var (
		v     int
		notes []string
	)
	if s.ActivelyExploited {
		v += 15
		notes = append(notes, "actively exploited")
	}
	if s.ZeroDay {
		v += 10
		notes = append(notes, "zero-day")
	}
	if s.AlertType == domain.TypeBreach {
		v += 5
		notes = append(notes, "confirmed breach")
	}
	if s.AlertType == domain.TypeAPT {
		v += 5
		notes = append(notes, "APT campaign")
	}
	return min(v, maxThreat), notes
}

func contextScore(s Signals) (int, []string) {
	var (
		v     int
		notes []string
	)
	if s.TrustTier == 1 {
		v += 3
		notes = append(notes, "tier-1 source")
	}
	if p, ok := MatchCriticalProduct(s.Products); ok {
		v += 5
		notes = append(notes, "critical product "+p)
	}
	switch {
	case s.CVECount > 20:
		v += 4
		notes = append(notes, fmt.Sprintf("%d CVEs", s.CVECount))
	case s.CVECount > 5:
		v += 2
		notes = append(notes, fmt.Sprintf("%d CVEs", s.CVECount))
	}
	if s.FromKEV {
		v += 5
		notes = append(notes, "known exploited catalog")
	}
	return min(v, maxContext), notes
}

// criticalProducts are matched case-insensitively as substrings.
var criticalProducts = []string{
	"exchange server",
	"sharepoint",
	"active directory",
	"windows server",
	"esxi",
	"vcenter",
	"fortios",
	"fortigate",
	"fortimanager",
	"pan-os",
	"globalprotect",
	"netscaler",
	"citrix adc",
	"ivanti connect secure",
	"cisco ios xe",
	"asa",
	"confluence",
	"moveit",
	"netweaver",
	"openssl",
	"kubernetes",
}

// MatchCriticalProduct reports the first critical product found in the given names.
func MatchCriticalProduct(names []string) (string, bool) {
	for _, name := range names {
		n := " " + strings.ToLower(name) + " "
		for _, p := range criticalProducts {
			if len(p) <= 4 {
				// Short names must match as whole words.
				if strings.Contains(n, " "+p+" ") {
					return p, true
				}
				continue
			}
			if strings.Contains(n, p) {
				return p, true
			}
		}
	}
	return "", false
}

// ReconcileSeverity keeps an externally supplied severity unless it grossly
// contradicts CVSS, otherwise derives one from CVSS or the score.
func ReconcileSeverity(external string, cvss *float64, score int) string {
	ext := strings.ToLower(strings.TrimSpace(external))
	if !trivial(ext) {
		if cvss != nil {
			if *cvss >= cvssCriticalFloor && ext == domain.SeverityMedium {
				return domain.SeverityCritical
			}
			if *cvss < 4 && ext == domain.SeverityCritical {
				return domain.SeverityLow
			}
		}
		return ext
	}
	if cvss != nil {
		return SeverityFromCVSS(*cvss)
	}
	return SeverityFromScore(score)
}

// SeverityFromCVSS maps a CVSS base score to its qualitative band.
func SeverityFromCVSS(c float64) string {
	switch {
	case c >= 9:
		return domain.SeverityCritical
	case c >= 7:
		return domain.SeverityHigh
	case c >= 4:
		return domain.SeverityMedium
	case c > 0:
		return domain.SeverityLow
	default:
		return domain.SeverityInfo
	}
}

// SeverityFromScore maps a risk score to a severity label.
func SeverityFromScore(score int) string {
	switch {
	case score >= 85:
		return domain.SeverityCritical
	case score >= 60:
		return domain.SeverityHigh
	case score >= 35:
		return domain.SeverityMedium
	case score >= 15:
		return domain.SeverityLow
	default:
		return domain.SeverityInfo
	}
}

func trivial(s string) bool {
	switch s {
	case "", "unknown", "none", "n/a", "na", "null", "-":
		return true
	}
	return false
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func joinNotes(notes []string) string {
	if len(notes) == 0 {
		return ""
	}
	return " (" + strings.Join(notes, ", ") + ")"
}
