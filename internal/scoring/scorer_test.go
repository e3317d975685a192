package scoring

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"AdvisoryScanner/internal/domain"
)

func TestScoreExploitedCriticalFloors(t *testing.T) {
	t.Parallel()

	res := Score(Signals{
		CVSS:              domain.Float(9.8),
		AlertType:         domain.TypeVulnerability,
		ActivelyExploited: true,
		TrustTier:         1,
		CVECount:          1,
	})

	want := domain.ScoreComponents{Base: 35, EPSS: 0, Threat: 15, Context: 3}
	if diff := cmp.Diff(want, res.Components); diff != "" {
		t.Fatalf("components mismatch (-want +got):\n%s", diff)
	}
	if res.Score != 85 {
		t.Fatalf("expected floored score 85, got %d", res.Score)
	}
	if !strings.Contains(res.Rationale, "floor 85") {
		t.Fatalf("rationale should mention the floor: %s", res.Rationale)
	}
	if got := ReconcileSeverity("", domain.Float(9.8), res.Score); got != domain.SeverityCritical {
		t.Fatalf("expected critical severity, got %s", got)
	}
}

func TestScoreHighEPSSMultiCVE(t *testing.T) {
	t.Parallel()

	res := Score(Signals{
		CVSS:      domain.Float(7.5),
		EPSS:      domain.Float(0.944),
		AlertType: domain.TypeVulnerability,
		TrustTier: 1,
		Products:  []string{"Microsoft Exchange Server 2019"},
		CVECount:  39,
	})

	want := domain.ScoreComponents{Base: 25, EPSS: 25, Threat: 0, Context: 12}
	if diff := cmp.Diff(want, res.Components); diff != "" {
		t.Fatalf("components mismatch (-want +got):\n%s", diff)
	}
	if res.Score != 62 {
		t.Fatalf("expected 62, got %d", res.Score)
	}
}

func TestScoreBaseWithoutCVSS(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		sig  Signals
		base int
		epss int
	}{
		{name: "exploit", sig: Signals{AlertType: domain.TypeExploit}, base: 28},
		{name: "breach", sig: Signals{AlertType: domain.TypeBreach}, base: 25},
		{name: "guidance", sig: Signals{AlertType: domain.TypeGuidance}, base: 8},
		{name: "unknown", sig: Signals{AlertType: "weird"}, base: 10},
		{name: "outage", sig: Signals{AlertType: domain.TypeServiceIncident, ServiceStatus: domain.ServiceOutage, EPSS: domain.Float(0.9)}, base: 20},
		{name: "roadmap", sig: Signals{AlertType: domain.TypeRoadmap, ServiceStatus: domain.ServiceOutage}, base: 5},
		{name: "low cvss", sig: Signals{AlertType: domain.TypeVulnerability, CVSS: domain.Float(2.1), EPSS: domain.Float(0.002)}, base: 5, epss: 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := Score(tc.sig)
			if res.Components.Base != tc.base {
				t.Fatalf("base = %d, want %d", res.Components.Base, tc.base)
			}
			if res.Components.EPSS != tc.epss {
				t.Fatalf("epss = %d, want %d", res.Components.EPSS, tc.epss)
			}
		})
	}
}

func TestScoreCaps(t *testing.T) {
	t.Parallel()

	res := Score(Signals{
		AlertType:         domain.TypeAPT,
		ActivelyExploited: true,
		ZeroDay:           true,
		TrustTier:         1,
		Products:          []string{"FortiOS"},
		CVECount:          30,
		FromKEV:           true,
	})
	if res.Components.Threat != 20 {
		t.Fatalf("threat should cap at 20, got %d", res.Components.Threat)
	}
	if res.Components.Context != 15 {
		t.Fatalf("context should cap at 15, got %d", res.Components.Context)
	}
}

func TestScoreFloorsOverrideInformationalCap(t *testing.T) {
	t.Parallel()

	exploited := Score(Signals{AlertType: domain.TypeGuidance, ActivelyExploited: true})
	if exploited.Score != 85 {
		t.Fatalf("exploited guidance keeps the floor, got %d", exploited.Score)
	}

	for _, typ := range []domain.AlertType{domain.TypeGuidance, domain.TypeAdvisory, domain.TypeNews} {
		zeroDay := Score(Signals{AlertType: typ, ZeroDay: true})
		if zeroDay.Score < 80 {
			t.Fatalf("zero-day %s keeps the floor, got %d (%s)", typ, zeroDay.Score, zeroDay.Rationale)
		}
		if strings.Contains(zeroDay.Rationale, "cap 45") {
			t.Errorf("zero-day %s should not be capped: %s", typ, zeroDay.Rationale)
		}
	}

	plain := Score(Signals{AlertType: domain.TypeGuidance, CVSS: domain.Float(9.8), EPSS: domain.Float(0.9)})
	if plain.Score != 45 {
		t.Fatalf("guidance without floors is capped at 45, got %d", plain.Score)
	}
}

func TestMatchCriticalProduct(t *testing.T) {
	t.Parallel()

	if _, ok := MatchCriticalProduct([]string{"Cisco ASA 5500"}); !ok {
		t.Fatalf("expected ASA match")
	}
	if _, ok := MatchCriticalProduct([]string{"Kasa smart plug"}); ok {
		t.Fatalf("short names should only match whole words")
	}
	if p, ok := MatchCriticalProduct([]string{"VMware vCenter Server"}); !ok || p != "vcenter" {
		t.Fatalf("unexpected match %q %v", p, ok)
	}
}

func TestReconcileSeverity(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		external string
		cvss     *float64
		score    int
		want     string
	}{
		{name: "keep external", external: "High", cvss: domain.Float(5.0), want: "high"},
		{name: "upgrade medium", external: "medium", cvss: domain.Float(9.1), want: domain.SeverityCritical},
		{name: "downgrade critical", external: "critical", cvss: domain.Float(3.1), want: domain.SeverityLow},
		{name: "unknown uses cvss", external: "unknown", cvss: domain.Float(7.0), want: domain.SeverityHigh},
		{name: "na uses score", external: "N/A", score: 60, want: domain.SeverityHigh},
		{name: "empty low score", score: 14, want: domain.SeverityInfo},
		{name: "empty medium score", score: 35, want: domain.SeverityMedium},
		{name: "zero cvss", cvss: domain.Float(0), want: domain.SeverityInfo},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ReconcileSeverity(tc.external, tc.cvss, tc.score); got != tc.want {
				t.Fatalf("ReconcileSeverity = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSignalsFromAlert(t *testing.T) {
	t.Parallel()

	a := domain.Alert{
		Title:           "Ivanti Connect Secure flaw",
		SourceCategory:  "KEV",
		SourceTrustTier: 1,
		AlertType:       domain.TypeZeroDay,
		CVEIDs:          []string{"CVE-2024-1", "CVE-2024-2"},
	}
	s := SignalsFromAlert(a)
	if !s.ZeroDay || !s.FromKEV || s.CVECount != 2 {
		t.Fatalf("unexpected signals: %+v", s)
	}
	if _, ok := MatchCriticalProduct(s.Products); !ok {
		t.Fatalf("title should take part in product matching")
	}
}

var propertyTypes = []domain.AlertType{
	domain.TypeVulnerability, domain.TypeExploit, domain.TypeZeroDay, domain.TypeMalware,
	domain.TypeRansomware, domain.TypeAPT, domain.TypeBreach, domain.TypeAdvisory,
	domain.TypeGuidance, domain.TypeRegulatory, domain.TypeNews, domain.TypeServiceIncident,
	domain.TypeServiceAdvisory, domain.TypeRoadmap,
}

func signalsGen(t int, hasCVSS bool, cvss float64, hasEPSS bool, epss float64, exploited, zeroDay bool, tier, cves int, kev bool) Signals {
	s := Signals{
		AlertType:         propertyTypes[t],
		ActivelyExploited: exploited,
		ZeroDay:           zeroDay,
		TrustTier:         tier,
		CVECount:          cves,
		FromKEV:           kev,
		Products:          []string{"SharePoint"},
	}
	if hasCVSS {
		s.CVSS = domain.Float(cvss)
	}
	if hasEPSS {
		s.EPSS = domain.Float(epss)
	}
	return s
}

func TestScoreProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	gens := []gopter.Gen{
		gen.IntRange(0, len(propertyTypes)-1),
		gen.Bool(),
		gen.Float64Range(0, 10),
		gen.Bool(),
		gen.Float64Range(0, 1),
		gen.Bool(),
		gen.Bool(),
		gen.IntRange(1, 3),
		gen.IntRange(0, 60),
		gen.Bool(),
	}

	properties.Property("score stays within 0..100", prop.ForAll(
		func(typ int, hc bool, c float64, he bool, e float64, ex, zd bool, tier, cves int, kev bool) bool {
			res := Score(signalsGen(typ, hc, c, he, e, ex, zd, tier, cves, kev))
			return res.Score >= 0 && res.Score <= 100
		},
		gens...,
	))

	properties.Property("actively exploited scores at least 85", prop.ForAll(
		func(typ int, hc bool, c float64, he bool, e float64, _, zd bool, tier, cves int, kev bool) bool {
			return Score(signalsGen(typ, hc, c, he, e, true, zd, tier, cves, kev)).Score >= 85
		},
		gens...,
	))

	properties.Property("zero-day scores at least 80", prop.ForAll(
		func(typ int, hc bool, c float64, he bool, e float64, ex, _ bool, tier, cves int, kev bool) bool {
			return Score(signalsGen(typ, hc, c, he, e, ex, true, tier, cves, kev)).Score >= 80
		},
		gens...,
	))

	properties.Property("guidance without exploitation or zero-day never exceeds 45", prop.ForAll(
		func(_ int, hc bool, c float64, he bool, e float64, _, _ bool, tier, cves int, kev bool) bool {
			s := signalsGen(0, hc, c, he, e, false, false, tier, cves, kev)
			s.AlertType = domain.TypeGuidance
			return Score(s).Score <= 45
		},
		gens...,
	))

	properties.Property("score is reproducible", prop.ForAll(
		func(typ int, hc bool, c float64, he bool, e float64, ex, zd bool, tier, cves int, kev bool) bool {
			s := signalsGen(typ, hc, c, he, e, ex, zd, tier, cves, kev)
			a, b := Score(s), Score(s)
			return a.Score == b.Score && a.Rationale == b.Rationale && a.Components == b.Components
		},
		gens...,
	))

	properties.TestingRun(t)
}
