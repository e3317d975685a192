package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"AdvisoryScanner/internal/domain"
	"AdvisoryScanner/internal/logging"
	"AdvisoryScanner/internal/scanner"
)

const (
	nvdDetailURL  = "https://nvd.nist.gov/vuln/detail/"
	maxKEVPayload = 32 << 20
)

type kevCatalog struct {
	CatalogVersion  string     `json:"catalogVersion"`
	DateReleased    string     `json:"dateReleased"`
	Vulnerabilities []kevEntry `json:"vulnerabilities"`
}

type kevEntry struct {
	CVEID             string `json:"cveID"`
	VendorProject     string `json:"vendorProject"`
	Product           string `json:"product"`
	VulnerabilityName string `json:"vulnerabilityName"`
	DateAdded         string `json:"dateAdded"`
	ShortDescription  string `json:"shortDescription"`
	RequiredAction    string `json:"requiredAction"`
	DueDate           string `json:"dueDate"`
	RansomwareUse     string `json:"knownRansomwareCampaignUse"`
	Notes             string `json:"notes"`
}

// KEVAdapter reads the CISA Known Exploited Vulnerabilities catalog.
type KEVAdapter struct {
	client *http.Client
	logger *slog.Logger
}

// NewKEVAdapter wires an HTTP client.
func NewKEVAdapter(client *http.Client, logger *slog.Logger) *KEVAdapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &KEVAdapter{client: client, logger: logger}
}

// Name identifies the strategy inside the registry.
func (k *KEVAdapter) Name() string {
	return "kev"
}

// Fetch downloads the catalog and returns the entries added since the cutoff.
func (k *KEVAdapter) Fetch(ctx context.Context, req scanner.Request) (scanner.Result, error) {
	raw, err := k.download(ctx, req.Source.URL)
	if err != nil {
		return scanner.Result{}, err
	}

	var catalog kevCatalog
	if err := json.Unmarshal(raw, &catalog); err != nil {
		return scanner.Result{}, fmt.Errorf("decode catalog: %w", err)
	}

	cutoff := req.Cutoff()
	res := scanner.Result{Raw: raw}
	var skipped int
	for _, e := range catalog.Vulnerabilities {
		added, err := time.Parse(time.DateOnly, strings.TrimSpace(e.DateAdded))
		if err != nil {
			skipped++
			continue
		}
		if !cutoff.IsZero() && added.Before(cutoff.Truncate(24*time.Hour)) {
			continue
		}
		res.Candidates = append(res.Candidates, req.Candidate(kevCandidate(e, added)))
	}
	if skipped > 0 {
		res.Warning = fmt.Sprintf("%d catalog entries without a valid dateAdded", skipped)
	}
	k.logger.Debug("kev catalog parsed",
		"source_id", req.Source.ID, "version", catalog.CatalogVersion,
		"entries", len(catalog.Vulnerabilities), "recent", len(res.Candidates))
	return res, nil
}

func (k *KEVAdapter) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog returned %s", resp.Status)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxKEVPayload))
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return raw, nil
}

func kevCandidate(e kevEntry, added time.Time) domain.Candidate {
	cve := strings.ToUpper(strings.TrimSpace(e.CVEID))
	title := strings.TrimSpace(e.VulnerabilityName)
	if title == "" {
		title = strings.TrimSpace(e.VendorProject + " " + e.Product)
	}

	desc := strings.TrimSpace(e.ShortDescription)
	if action := strings.TrimSpace(e.RequiredAction); action != "" {
		desc += "\n\nRequired action: " + action
	}
	if due := strings.TrimSpace(e.DueDate); due != "" {
		desc += " (due " + due + ")"
	}

	c := domain.Candidate{
		Title:               fmt.Sprintf("%s: %s", cve, title),
		Description:         desc,
		URL:                 nvdDetailURL + cve,
		PublishedAt:         added.UTC(),
		AlertType:           domain.TypeVulnerability,
		IsActivelyExploited: true,
		CVEIDs:              []string{cve},
	}
	if v := strings.TrimSpace(e.VendorProject); v != "" {
		c.AffectedVendors = []string{v}
	}
	if p := strings.TrimSpace(e.Product); p != "" {
		c.AffectedProducts = []string{p}
	}
	if strings.EqualFold(strings.TrimSpace(e.RansomwareUse), "known") {
		c.Subtype = "ransomware"
	}
	return c
}
