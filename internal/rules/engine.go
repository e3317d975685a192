// Package rules validates model output against a fixed trigger vocabulary and
// derives compliance verdicts from the static regulation database.
package rules

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"AdvisoryScanner/internal/domain"
)

// Version is recorded on every evidence record the engine produces.
const Version = "rules/2026.10"

const (
	exploitedScoreFloor = 70
	criticalScoreFloor  = 80
	informationalCap    = 60
	defaultConfidence   = 0.5
)

var piiKeywords = []string{
	"personal data", "personally identifiable", "pii", "customer data", "patient data",
	"health records", "social security number", "credit card", "passport number",
	"email addresses", "user credentials", "data leak", "exfiltrated",
}

var supplyChainKeywords = []string{
	"supply chain", "supply-chain", "malicious package", "compromised update",
	"dependency confusion", "typosquat", "backdoored", "trojanized", "build pipeline",
}

var icsVendors = []string{
	"siemens", "schneider electric", "rockwell", "allen-bradley", "abb", "honeywell",
	"emerson", "mitsubishi electric", "yokogawa", "omron", "hitachi energy",
	"delta electronics", "moxa", "phoenix contact", "wago", "beckhoff", "ge vernova",
}

// Validation is the corrected output of one engine run.
type Validation struct {
	Triggers      []string
	Compliance    map[string]domain.ComplianceTag
	Score         int
	Overrides     []string
	Warnings      []string
	RegulationIDs []string
}

// Evidence renders the audit record stored on the alert.
func (v Validation) Evidence(at time.Time) *domain.Evidence {
	return &domain.Evidence{
		Triggers:          slices.Clone(v.Triggers),
		RegulationIDs:     slices.Clone(v.RegulationIDs),
		Overrides:         slices.Clone(v.Overrides),
		Warnings:          slices.Clone(v.Warnings),
		RuleEngineVersion: Version,
		ValidatedAt:       at,
	}
}

// Engine applies the ordered correction rules.
type Engine struct {
	regulations []Regulation
	allowed     map[string]struct{}
	references  map[string]struct{}
}

// NewEngine builds an engine over the built-in database.
func NewEngine() *Engine {
	return NewEngineWith(Regulations, AllowedTriggers)
}

// NewEngineWith builds an engine over a custom database and vocabulary.
func NewEngineWith(regs []Regulation, allowed []string) *Engine {
	e := &Engine{
		regulations: regs,
		allowed:     make(map[string]struct{}, len(allowed)),
		references:  make(map[string]struct{}, len(regs)),
	}
	for _, t := range allowed {
		e.allowed[t] = struct{}{}
	}
	for _, r := range regs {
		e.references[r.Reference] = struct{}{}
	}
	return e
}

// IsAllowed reports whether a trigger belongs to the vocabulary.
func (e *Engine) IsAllowed(trigger string) bool {
	_, ok := e.allowed[trigger]
	return ok
}

// KnownReference reports whether a legal reference exists in the database.
func (e *Engine) KnownReference(ref string) bool {
	_, ok := e.references[ref]
	return ok
}

// Validate corrects aiTriggers for the alert. The current score is read from
// alert.AIScore and the model's per-framework assessment from alert.ComplianceRaw.
func (e *Engine) Validate(alert domain.Alert, aiTriggers []string) Validation {
	v := Validation{}
	triggers := newTriggerSet(aiTriggers)
	score := 0
	if alert.AIScore != nil {
		score = *alert.AIScore
	}
	cvss := -1.0
	if alert.CVSSScore != nil {
		cvss = *alert.CVSSScore
	}
	exploited := alert.IsActivelyExploited
	text := strings.ToLower(alert.Title + " " + alert.Description)

	// Exploitation evidence forces its trigger.
	if strings.EqualFold(alert.SourceCategory, "kev") || exploited {
		if triggers.add(TriggerActiveExploitation) {
			v.Overrides = append(v.Overrides, "forced active_exploitation: known exploited")
		}
	}
	if exploited && cvss >= 9 {
		if triggers.add(TriggerCriticalVulnerability) {
			v.Overrides = append(v.Overrides, fmt.Sprintf("forced critical_vulnerability: exploited with CVSS %.1f", cvss))
		}
	}
	if cvss >= 7 {
		for _, t := range []string{TriggerVulnerabilityMgmt, TriggerPatchMgmt} {
			if triggers.add(t) {
				v.Overrides = append(v.Overrides, fmt.Sprintf("forced %s: CVSS %.1f", t, cvss))
			}
		}
	}
	// Score floors.
	if exploited && score < exploitedScoreFloor {
		v.Overrides = append(v.Overrides, fmt.Sprintf("score floored %d -> %d: actively exploited", score, exploitedScoreFloor))
		score = exploitedScoreFloor
	}
	if cvss >= 9 && score < criticalScoreFloor {
		v.Overrides = append(v.Overrides, fmt.Sprintf("score floored %d -> %d: CVSS %.1f", score, criticalScoreFloor, cvss))
		score = criticalScoreFloor
	}
	// Keyword injections.
	if kw, ok := containsAny(text, piiKeywords); ok {
		if triggers.add(TriggerPersonalDataExposure) {
			v.Overrides = append(v.Overrides, fmt.Sprintf("injected personal_data_exposure: keyword %q", kw))
		}
	}
	vendorText := text + " " + strings.ToLower(strings.Join(alert.AffectedVendors, " "))
	if vendor, ok := containsAnyWord(vendorText, icsVendors); ok {
		v.Warnings = append(v.Warnings, fmt.Sprintf("industrial control vendor mentioned: %s", vendor))
		if triggers.add(TriggerICSOTThreat) {
			v.Overrides = append(v.Overrides, fmt.Sprintf("injected ics_ot_threat: vendor %s", vendor))
		}
		if exploited || cvss >= 7 {
			if triggers.add(TriggerCriticalInfrastructure) {
				v.Overrides = append(v.Overrides, "escalated to critical_infrastructure: ICS vendor with high impact")
			}
		}
	}
	if kw, ok := containsAny(text, supplyChainKeywords); ok {
		if triggers.add(TriggerSupplyChainCompromise) {
			v.Overrides = append(v.Overrides, fmt.Sprintf("injected supply_chain_compromise: keyword %q", kw))
		}
	}
	// Nothing outside the vocabulary survives.
	for _, t := range triggers.list() {
		if !e.IsAllowed(t) {
			triggers.remove(t)
			v.Overrides = append(v.Overrides, fmt.Sprintf("stripped unknown trigger %q", t))
		}
	}
	if alert.AlertType.IsInformational() && !exploited && !alert.IsZeroDay && score > informationalCap {
		v.Overrides = append(v.Overrides, fmt.Sprintf("score capped %d -> %d: informational %s", score, informationalCap, alert.AlertType))
		score = informationalCap
	}

	v.Triggers = triggers.list()
	v.Score = score
	v.Compliance, v.RegulationIDs, v.Warnings = e.mapCompliance(v.Triggers, alert.ComplianceRaw, v.Warnings)
	return v
}

func (e *Engine) mapCompliance(triggers []string, ai map[string]domain.ComplianceTag, warnings []string) (map[string]domain.ComplianceTag, []string, []string) {
	set := make(map[string]struct{}, len(triggers))
	for _, t := range triggers {
		set[t] = struct{}{}
	}

	out := make(map[string]domain.ComplianceTag, len(Frameworks))
	var regIDs []string
	for _, fw := range Frameworks {
		tag := domain.ComplianceTag{Relevant: domain.RelevanceNo, References: []string{}}
		var matched []string
		for _, reg := range e.regulations {
			if reg.Framework != fw || !intersects(reg.Triggers, set) {
				continue
			}
			regIDs = append(regIDs, reg.ID)
			matched = append(matched, reg.Reference)
			tag.References = appendUnique(tag.References, reg.Reference)
			for _, item := range reg.ActionItems {
				tag.ActionItems = appendUnique(tag.ActionItems, item)
			}
			if reg.ReportingRequired {
				tag.ReportingRequired = true
				if reg.DeadlineHours > 0 && (tag.ReportingDeadlineHours == 0 || reg.DeadlineHours < tag.ReportingDeadlineHours) {
					tag.ReportingDeadlineHours = reg.DeadlineHours
				}
			}
		}
		switch {
		case tag.ReportingRequired:
			tag.Relevant = domain.RelevanceYes
		case len(matched) > 0:
			tag.Relevant = domain.RelevanceConditional
		}

		tag.Confidence = defaultConfidence
		if raw, ok := ai[fw]; ok {
			tag.Confidence = clampConfidence(raw.Confidence)
			tag.Reasoning = strings.TrimSpace(raw.Reasoning)
			if raw.Relevant != "" && raw.Relevant != tag.Relevant {
				warnings = append(warnings, fmt.Sprintf("%s: model verdict %q replaced by %q", fw, raw.Relevant, tag.Relevant))
			}
			for _, ref := range raw.References {
				if !slices.Contains(tag.References, ref) {
					warnings = append(warnings, fmt.Sprintf("%s: dropped model reference %q", fw, ref))
				}
			}
		}
		if tag.Reasoning == "" && len(matched) > 0 {
			tag.Reasoning = "matched " + strings.Join(matched, ", ")
		}
		out[fw] = tag
	}
	return out, regIDs, warnings
}

// NormalizeTrigger folds case and separators into the vocabulary form.
func NormalizeTrigger(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(t)
}

type triggerSet struct {
	order []string
	seen  map[string]struct{}
}

func newTriggerSet(in []string) *triggerSet {
	s := &triggerSet{seen: map[string]struct{}{}}
	for _, t := range in {
		s.add(NormalizeTrigger(t))
	}
	return s
}

func (s *triggerSet) add(t string) bool {
	if t == "" {
		return false
	}
	if _, ok := s.seen[t]; ok {
		return false
	}
	s.seen[t] = struct{}{}
	s.order = append(s.order, t)
	return true
}

func (s *triggerSet) remove(t string) {
	delete(s.seen, t)
	s.order = slices.DeleteFunc(s.order, func(x string) bool { return x == t })
}

func (s *triggerSet) list() []string {
	return slices.Clone(s.order)
}

func containsAny(text string, keywords []string) (string, bool) {
	for _, kw := range keywords {
		if len(kw) <= 3 {
			if containsWord(text, kw) {
				return kw, true
			}
			continue
		}
		if strings.Contains(text, kw) {
			return kw, true
		}
	}
	return "", false
}

func containsAnyWord(text string, words []string) (string, bool) {
	for _, w := range words {
		if containsWord(text, w) {
			return w, true
		}
	}
	return "", false
}

func containsWord(text, word string) bool {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-')
	})
	joined := " " + strings.Join(fields, " ") + " "
	return strings.Contains(joined, " "+word+" ")
}

func intersects(list []string, set map[string]struct{}) bool {
	for _, t := range list {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}

func appendUnique(list []string, v string) []string {
	if slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}

func clampConfidence(c float64) float64 {
	if math.IsNaN(c) {
		return defaultConfidence
	}
	return math.Max(0, math.Min(1, c))
}
