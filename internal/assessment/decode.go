// Package assessment decodes the model's JSON answer into a typed assessment,
// substituting documented defaults for fields that fail schema validation.
package assessment

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"AdvisoryScanner/internal/domain"
)

// ErrMalformed marks a model answer that is not a JSON object at all.
var ErrMalformed = errors.New("malformed model response")

//go:embed schema.json
var schemaDoc string

const schemaURL = "https://advisoryscanner.local/schemas/assessment.json"

// DefaultConfidence is used when the model reports none or an invalid one.
const DefaultConfidence = 0.5

// Assessment is the decoded model output.
type Assessment struct {
	Summary           string
	SummaryTranslated string
	TitleTranslated   string
	Triggers          []string
	Compliance        map[string]domain.ComplianceTag
	AffectedProducts  []string
	IOCs              []string
	Confidence        float64
	// Warnings lists the fields that were replaced by defaults.
	Warnings []string
}

// Empty reports whether the model produced no usable content.
func (a Assessment) Empty() bool {
	return a.Summary == "" && a.SummaryTranslated == "" && len(a.Triggers) == 0 && len(a.Compliance) == 0
}

type wireTag struct {
	Relevant          string   `json:"relevant"`
	Confidence        *float64 `json:"confidence"`
	Reasoning         string   `json:"reasoning"`
	References        []string `json:"references"`
	ReportingRequired bool     `json:"reportingRequired"`
	ActionItems       []string `json:"actionItems"`
}

type wire struct {
	Summary           string             `json:"summary"`
	SummaryTranslated string             `json:"summaryTranslated"`
	TitleTranslated   string             `json:"titleTranslated"`
	Triggers          []string           `json:"triggers"`
	AffectedProducts  []string           `json:"affectedProducts"`
	IOCs              []string           `json:"iocs"`
	Confidence        *float64           `json:"confidence"`
	Compliance        map[string]wireTag `json:"compliance"`
}

// defaults holds the substitute for every top-level field.
var defaults = map[string]any{
	"summary":           "",
	"summaryTranslated": "",
	"titleTranslated":   "",
	"triggers":          []any{},
	"compliance":        map[string]any{},
	"affectedProducts":  []any{},
	"iocs":              []any{},
	"confidence":        DefaultConfidence,
}

// Decoder validates model answers against the embedded schema.
type Decoder struct {
	schema *jsonschema.Schema
}

// NewDecoder compiles the embedded schema.
func NewDecoder() (*Decoder, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(schemaDoc)); err != nil {
		return nil, fmt.Errorf("assessment schema load failed: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("assessment schema compile failed: %w", err)
	}
	return &Decoder{schema: schema}, nil
}

// Decode parses raw model content. Only a missing JSON object is an error;
// invalid fields fall back to their defaults.
func (d *Decoder) Decode(raw string) (Assessment, error) {
	body := extractObject(raw)
	if body == "" {
		return Assessment{}, fmt.Errorf("%w: no JSON object found", ErrMalformed)
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return Assessment{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if doc == nil {
		return Assessment{}, fmt.Errorf("%w: null document", ErrMalformed)
	}

	var warnings []string
	if err := d.schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if !errors.As(err, &verr) {
			return Assessment{}, fmt.Errorf("validate assessment: %w", err)
		}
		for _, field := range invalidFields(verr) {
			def, known := defaults[field]
			if !known {
				delete(doc, field)
				continue
			}
			doc[field] = def
			warnings = append(warnings, fmt.Sprintf("%s: invalid value replaced by default", field))
		}
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return Assessment{}, fmt.Errorf("re-encode assessment: %w", err)
	}
	var w wire
	if err := json.Unmarshal(normalized, &w); err != nil {
		return Assessment{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	out := Assessment{
		Summary:           strings.TrimSpace(w.Summary),
		SummaryTranslated: strings.TrimSpace(w.SummaryTranslated),
		TitleTranslated:   strings.TrimSpace(w.TitleTranslated),
		Triggers:          nonEmpty(w.Triggers),
		AffectedProducts:  nonEmpty(w.AffectedProducts),
		IOCs:              nonEmpty(w.IOCs),
		Confidence:        clamp(w.Confidence),
		Compliance:        make(map[string]domain.ComplianceTag, len(w.Compliance)),
		Warnings:          warnings,
	}
	for name, tag := range w.Compliance {
		fw := NormalizeFramework(name)
		if fw == "" {
			continue
		}
		relevant := domain.Relevance(strings.ToLower(strings.TrimSpace(tag.Relevant)))
		switch relevant {
		case domain.RelevanceYes, domain.RelevanceConditional, domain.RelevanceNo:
		default:
			out.Warnings = append(out.Warnings, fmt.Sprintf("compliance.%s.relevant %q defaulted to no", fw, tag.Relevant))
			relevant = domain.RelevanceNo
		}
		out.Compliance[fw] = domain.ComplianceTag{
			Relevant:          relevant,
			Confidence:        clamp(tag.Confidence),
			References:        nonEmpty(tag.References),
			Reasoning:         strings.TrimSpace(tag.Reasoning),
			ReportingRequired: tag.ReportingRequired,
			ActionItems:       nonEmpty(tag.ActionItems),
		}
	}
	sort.Strings(out.Warnings)
	return out, nil
}

// NormalizeFramework maps spellings such as "iso/iec 27001" to the canonical key.
func NormalizeFramework(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return strings.Replace(b.String(), "ISOIEC", "ISO", 1)
}

// invalidFields returns the top-level properties named by the error tree.
func invalidFields(verr *jsonschema.ValidationError) []string {
	seen := map[string]struct{}{}
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if field := topLevel(e.InstanceLocation); field != "" {
			seen[field] = struct{}{}
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)

	fields := make([]string, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func topLevel(pointer string) string {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return ""
	}
	field, _, _ := strings.Cut(pointer, "/")
	return strings.NewReplacer("~1", "/", "~0", "~").Replace(field)
}

// extractObject strips markdown fences and surrounding prose.
func extractObject(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func clamp(c *float64) float64 {
	if c == nil || math.IsNaN(*c) {
		return DefaultConfidence
	}
	return math.Max(0, math.Min(1, *c))
}
