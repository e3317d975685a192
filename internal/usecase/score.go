package usecase

import (
	"fmt"
	"time"

	"AdvisoryScanner/internal/domain"
	"AdvisoryScanner/internal/rules"
	"AdvisoryScanner/internal/scoring"
)

// applyScore recomputes the deterministic score in place.
func applyScore(a *domain.Alert) scoring.Result {
	r := scoring.Score(scoring.SignalsFromAlert(*a))
	a.AIScore = domain.Int(r.Score)
	a.ScoreRationale = r.Rationale
	a.ScoreComponents = r.Components
	return r
}

// applyRules validates triggers against the alert and stores the corrected
// triggers, compliance mapping, score and evidence.
func applyRules(engine *rules.Engine, a *domain.Alert, triggers, warnings []string, now time.Time) rules.Validation {
	prior := 0
	if a.AIScore != nil {
		prior = *a.AIScore
	}
	v := engine.Validate(*a, triggers)
	if v.Score != prior {
		a.ScoreRationale += fmt.Sprintf("; rules %d => %d", prior, v.Score)
	}
	a.AIScore = domain.Int(v.Score)
	a.Triggers = v.Triggers
	a.Compliance = v.Compliance

	ev := v.Evidence(now)
	ev.Warnings = append(ev.Warnings, warnings...)
	a.Evidence = ev
	return v
}

func reconcileSeverity(a *domain.Alert) {
	score := 0
	if a.AIScore != nil {
		score = *a.AIScore
	}
	a.Severity = scoring.ReconcileSeverity(a.Severity, a.CVSSScore, score)
}
