package detail

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"AdvisoryScanner/internal/config"
	"AdvisoryScanner/internal/domain"
)

const advisoryPage = `<html><body>
<nav>Menu CVE-1999-0001</nav>
<main>
  <h1>Siemens SIMATIC S7-1500</h1>
  <ul>
    <li>Vendor: Siemens</li>
    <li>Equipment: SIMATIC S7-1500, SIMATIC Drive Controller</li>
    <li>Vulnerabilities: Improper Authentication</li>
  </ul>
  <p>CVE-2024-1111 and cve-2024-2222 have been assigned; CVE-2024-1111 is critical.</p>
</main>
</body></html>`

func TestAdvisoryID(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"ICSA-24-123-01 Siemens SIMATIC":             "ICSA-24-123-01",
		"see https://x/icsma-23-045-02b for details": "ICSMA-23-045-02B",
		"#StopRansomware advisory AA23-136A":         "AA23-136A",
		"Joint advisory AA 24-060A on edge devices":  "AA24-060A",
		"CVE-2024-1111 in Acme router":               "",
		"ICSA-2024-123-01 is not a valid identifier": "",
	}
	for in, want := range cases {
		got, ok := AdvisoryID(in)
		if got != want || ok != (want != "") {
			t.Fatalf("AdvisoryID(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}
}

func TestLookupParsesAndCaches(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/icsa-24-123-01" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(advisoryPage))
	}))
	defer srv.Close()

	f := NewFetcher(config.DetailConfig{BaseURL: srv.URL + "/"}, srv.Client(), nil, nil)
	alert := domain.Alert{Title: "ICSA-24-123-01 Siemens SIMATIC", URL: "https://www.cisa.gov/ics"}

	got, ok, err := f.Lookup(context.Background(), alert)
	if err != nil || !ok {
		t.Fatalf("Lookup: ok=%v err=%v", ok, err)
	}
	want := domain.AdvisoryDetail{
		AdvisoryID: "ICSA-24-123-01",
		URL:        srv.URL + "/icsa-24-123-01",
		CVEIDs:     []string{"CVE-2024-1111", "CVE-2024-2222"},
		Vendors:    []string{"Siemens"},
		Products:   []string{"SIMATIC S7-1500", "SIMATIC Drive Controller"},
	}
	if diff := cmp.Diff(want, got, cmpIgnoreText); diff != "" {
		t.Fatalf("detail mismatch (-want +got):\n%s", diff)
	}
	if got.Text == "" {
		t.Fatalf("expected page text")
	}

	if _, _, err := f.Lookup(context.Background(), alert); err != nil {
		t.Fatalf("second Lookup: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one fetch per identifier, got %d", hits.Load())
	}

	f.BeginRun()
	if _, _, err := f.Lookup(context.Background(), alert); err != nil {
		t.Fatalf("Lookup after BeginRun: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected refetch after BeginRun, got %d hits", hits.Load())
	}
}

func TestLookupWithoutIdentifierOrPage(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewFetcher(config.DetailConfig{BaseURL: srv.URL}, srv.Client(), nil, nil)

	if _, ok, err := f.Lookup(context.Background(), domain.Alert{Title: "Acme router flaw"}); ok || err != nil {
		t.Fatalf("expected no lookup, got ok=%v err=%v", ok, err)
	}
	if hits.Load() != 0 {
		t.Fatalf("no identifier must not hit the network")
	}

	missing := domain.Alert{Title: "ICSA-24-001-01 gone"}
	for range 2 {
		if _, ok, err := f.Lookup(context.Background(), missing); ok || err != nil {
			t.Fatalf("expected not found, got ok=%v err=%v", ok, err)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("a missing page is remembered, got %d hits", hits.Load())
	}
}

func TestLookupReportsServerErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewFetcher(config.DetailConfig{BaseURL: srv.URL}, srv.Client(), nil, nil)
	if _, _, err := f.Lookup(context.Background(), domain.Alert{Title: "ICSA-24-002-01"}); err == nil {
		t.Fatalf("expected error for 502")
	}
}

var cmpIgnoreText = cmp.FilterPath(func(p cmp.Path) bool {
	return p.String() == "Text"
}, cmp.Ignore())
