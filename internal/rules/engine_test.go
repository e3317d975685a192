package rules

import (
	"slices"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AdvisoryScanner/internal/domain"
)

func TestValidateKEVExploitedCritical(t *testing.T) {
	t.Parallel()

	alert := domain.Alert{
		Title:               "Ivanti Connect Secure authentication bypass",
		SourceCategory:      "kev",
		AlertType:           domain.TypeVulnerability,
		CVSSScore:           domain.Float(9.8),
		IsActivelyExploited: true,
		AIScore:             domain.Int(60),
	}
	v := NewEngine().Validate(alert, []string{"Patch Management", "legal_advice"})

	assert.Equal(t, []string{
		TriggerPatchMgmt,
		TriggerActiveExploitation,
		TriggerCriticalVulnerability,
		TriggerVulnerabilityMgmt,
	}, v.Triggers)
	assert.Equal(t, 80, v.Score, "exploited floor 70 then CVSS floor 80")
	assert.Contains(t, v.Overrides, `stripped unknown trigger "legal_advice"`)

	nis2 := v.Compliance[FrameworkNIS2]
	assert.Equal(t, domain.RelevanceYes, nis2.Relevant)
	assert.True(t, nis2.ReportingRequired)
	assert.Equal(t, 24, nis2.ReportingDeadlineHours)
	assert.Equal(t, []string{"NIS2 Art. 21", "NIS2 Art. 23"}, nis2.References)

	gdpr := v.Compliance[FrameworkGDPR]
	assert.Equal(t, domain.RelevanceConditional, gdpr.Relevant)
	assert.False(t, gdpr.ReportingRequired)
	assert.Equal(t, []string{"GDPR Art. 32"}, gdpr.References)
}

func TestValidateNoTriggersIsNotRelevant(t *testing.T) {
	t.Parallel()

	v := NewEngine().Validate(domain.Alert{Title: "Quarterly threat landscape", AlertType: domain.TypeNews}, nil)
	assert.Empty(t, v.Triggers)
	require.Len(t, v.Compliance, len(Frameworks))
	for fw, tag := range v.Compliance {
		assert.Equal(t, domain.RelevanceNo, tag.Relevant, fw)
		assert.Empty(t, tag.References, fw)
		assert.Equal(t, defaultConfidence, tag.Confidence, fw)
	}
}

func TestValidateKeywordInjections(t *testing.T) {
	t.Parallel()

	alert := domain.Alert{
		Title:           "Siemens SIMATIC flaw used in supply chain attack",
		Description:     "Attackers exfiltrated customer data from plant historians.",
		AlertType:       domain.TypeVulnerability,
		CVSSScore:       domain.Float(7.2),
		AffectedVendors: []string{"Siemens"},
	}
	v := NewEngine().Validate(alert, nil)

	for _, want := range []string{
		TriggerPersonalDataExposure,
		TriggerICSOTThreat,
		TriggerCriticalInfrastructure,
		TriggerSupplyChainCompromise,
	} {
		assert.Contains(t, v.Triggers, want)
	}
	assert.Contains(t, v.Warnings, "industrial control vendor mentioned: siemens")

	gdpr := v.Compliance[FrameworkGDPR]
	assert.Equal(t, domain.RelevanceYes, gdpr.Relevant)
	assert.Equal(t, 72, gdpr.ReportingDeadlineHours, "the article without a fixed deadline does not lower it")
	assert.Equal(t, []string{"GDPR Art. 32", "GDPR Art. 33", "GDPR Art. 34"}, gdpr.References)
}

func TestValidateInformationalCap(t *testing.T) {
	t.Parallel()

	alert := domain.Alert{
		Title:     "Guidance on hardening edge devices",
		AlertType: domain.TypeGuidance,
		CVSSScore: domain.Float(9.1),
		AIScore:   domain.Int(45),
	}
	v := NewEngine().Validate(alert, nil)
	assert.Equal(t, 60, v.Score, "CVSS floor applies first, then the informational cap")

	alert.IsActivelyExploited = true
	v = NewEngine().Validate(alert, nil)
	assert.Equal(t, 80, v.Score, "exploited informational alerts are not capped")

	alert.IsActivelyExploited = false
	alert.IsZeroDay = true
	alert.AIScore = domain.Int(82)
	v = NewEngine().Validate(alert, nil)
	assert.Equal(t, 82, v.Score, "zero-day informational alerts are not capped")
}

func TestValidateUsesModelConfidenceButNotReferences(t *testing.T) {
	t.Parallel()

	alert := domain.Alert{
		Title:         "Ransomware hits hospital",
		AlertType:     domain.TypeRansomware,
		ComplianceRaw: map[string]domain.ComplianceTag{
			FrameworkNIS2: {
				Relevant:   domain.RelevanceNo,
				Confidence: 1.7,
				Reasoning:  "Health sector entity",
				References: []string{"NIS2 Art. 99", "NIS2 Art. 23"},
			},
		},
	}
	v := NewEngine().Validate(alert, []string{"ransomware"})

	nis2 := v.Compliance[FrameworkNIS2]
	assert.Equal(t, 1.0, nis2.Confidence)
	assert.Equal(t, "Health sector entity", nis2.Reasoning)
	assert.Equal(t, []string{"NIS2 Art. 23"}, nis2.References)
	assert.Equal(t, domain.RelevanceYes, nis2.Relevant)
	assert.Contains(t, v.Warnings, `NIS2: dropped model reference "NIS2 Art. 99"`)
	assert.Contains(t, v.Warnings, `NIS2: model verdict "no" replaced by "yes"`)
}

func TestEvidenceCarriesVersion(t *testing.T) {
	t.Parallel()

	v := NewEngine().Validate(domain.Alert{SourceCategory: "kev"}, nil)
	at := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	ev := v.Evidence(at)
	assert.Equal(t, Version, ev.RuleEngineVersion)
	assert.True(t, ev.ValidatedAt.Equal(at))
	assert.Equal(t, []string{TriggerActiveExploitation}, ev.Triggers)
	assert.Contains(t, ev.RegulationIDs, "nis2-art23")
}

func TestRegulationDatabaseUsesVocabulary(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	for _, reg := range Regulations {
		assert.True(t, slices.Contains(Frameworks, reg.Framework), reg.ID)
		for _, tr := range reg.Triggers {
			assert.True(t, e.IsAllowed(tr), "%s uses unknown trigger %s", reg.ID, tr)
		}
	}
}

func TestValidateProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	engine := NewEngine()

	vocabulary := append(slices.Clone(AllowedTriggers), "nis2_notice", "lawsuit", "Data Breach", "")
	triggerGen := gen.SliceOf(gen.OneGenOf(
		gen.AlphaString(),
		gen.IntRange(0, len(vocabulary)-1).Map(func(i int) string { return vocabulary[i] }),
	))

	properties.Property("validated triggers stay within the allow-list", prop.ForAll(
		func(ai []string, exploited bool, cvss float64, kev bool) bool {
			alert := domain.Alert{
				Title:               "Advisory",
				CVSSScore:           domain.Float(cvss),
				IsActivelyExploited: exploited,
			}
			if kev {
				alert.SourceCategory = "kev"
			}
			for _, tr := range engine.Validate(alert, ai).Triggers {
				if !engine.IsAllowed(tr) {
					return false
				}
			}
			return true
		},
		triggerGen, gen.Bool(), gen.Float64Range(0, 10), gen.Bool(),
	))

	properties.Property("compliance references come from the database", prop.ForAll(
		func(ai []string, refs []string) bool {
			alert := domain.Alert{
				Title: "Advisory",
				ComplianceRaw: map[string]domain.ComplianceTag{
					FrameworkGDPR: {Relevant: domain.RelevanceYes, References: refs},
					FrameworkDORA: {Relevant: domain.RelevanceYes, References: refs},
				},
			}
			for _, tag := range engine.Validate(alert, ai).Compliance {
				for _, ref := range tag.References {
					if !engine.KnownReference(ref) {
						return false
					}
				}
			}
			return true
		},
		triggerGen, gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
