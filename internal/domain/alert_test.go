package domain

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseAlertKey(t *testing.T) {
	key, err := ParseAlertKey(" 5f1c@cisa-kev ")
	if err != nil {
		t.Fatalf("ParseAlertKey: %v", err)
	}
	if want := (AlertKey{ID: "5f1c", SourceID: "cisa-kev"}); key != want {
		t.Fatalf("got %+v, want %+v", key, want)
	}
	if got := key.String(); got != "5f1c@cisa-kev" {
		t.Fatalf("String() = %q", got)
	}

	for _, bad := range []string{"", "5f1c", "@cisa-kev", "5f1c@"} {
		if _, err := ParseAlertKey(bad); err == nil {
			t.Errorf("ParseAlertKey(%q) succeeded", bad)
		}
	}
}

func TestNormalizeCVEIDs(t *testing.T) {
	got := NormalizeCVEIDs([]string{" cve-2026-2 ", "CVE-2026-1", "", "CVE-2026-2"})
	want := []string{"CVE-2026-1", "CVE-2026-2"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("NormalizeCVEIDs mismatch (-want +got):\n%s", diff)
	}

	got = UniqueCVEIDs([]string{"CVE-2026-9", " cve-2026-1", "CVE-2026-9", "CVE-2026-5"})
	want = []string{"CVE-2026-9", "CVE-2026-1", "CVE-2026-5"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("UniqueCVEIDs mismatch (-want +got):\n%s", diff)
	}
}

func TestAlertTypeClasses(t *testing.T) {
	if !TypeRoadmap.IsServiceHealth() || !TypeRoadmap.IsInformational() {
		t.Fatal("roadmap is a service-health informational type")
	}
	if TypeExploit.IsInformational() || TypeExploit.IsServiceHealth() {
		t.Fatal("exploit is a threat type")
	}
	if TypeServiceIncident.IsInformational() {
		t.Fatal("service incidents are not informational")
	}
}
