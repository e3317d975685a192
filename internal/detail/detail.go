// Package detail fetches the extended advisory documents that government ICS
// and joint cybersecurity advisories link to.
package detail

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"AdvisoryScanner/internal/cache"
	"AdvisoryScanner/internal/config"
	"AdvisoryScanner/internal/domain"
	"AdvisoryScanner/internal/logging"
	"AdvisoryScanner/internal/ports"
	"AdvisoryScanner/internal/throttle"
)

const maxText = 16000

var (
	advisoryExpr = regexp.MustCompile(`(?i)\b(?:ICSA|ICSMA)-\d{2}-\d{3}-\d{2}[A-Z]?\b|\bAA ?\d{2}-\d{3}[A-Z]?\b`)
	cveExpr      = regexp.MustCompile(`(?i)\bCVE-\d{4}-\d{4,}\b`)

	fetchCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "advisoryscanner",
			Subsystem: "detail",
			Name:      "fetch_total",
			Help:      "Advisory detail lookups by outcome.",
		},
		[]string{"outcome"},
	)
)

// AdvisoryID extracts the first advisory identifier from text, normalized to
// upper case without inner spaces.
func AdvisoryID(text string) (string, bool) {
	m := advisoryExpr.FindString(text)
	if m == "" {
		return "", false
	}
	return strings.ToUpper(strings.ReplaceAll(m, " ", "")), true
}

// Fetcher implements ports.DetailFetcher for advisory pages.
type Fetcher struct {
	baseURL  string
	client   *http.Client
	pacer    *throttle.Pacer
	newCache func() cache.Cache[domain.AdvisoryDetail]
	logger   *slog.Logger

	mu    sync.Mutex
	cache cache.Cache[domain.AdvisoryDetail]
}

var _ ports.DetailFetcher = (*Fetcher)(nil)

// NewFetcher wires an HTTP client and a politeness pacer.
func NewFetcher(cfg config.DetailConfig, client *http.Client, newCache func() cache.Cache[domain.AdvisoryDetail], logger *slog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if newCache == nil {
		newCache = func() cache.Cache[domain.AdvisoryDetail] {
			return cache.NewMemory[domain.AdvisoryDetail](256, time.Hour)
		}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Fetcher{
		baseURL:  cfg.BaseURL,
		client:   client,
		pacer:    throttle.NewPacer(cfg.Politeness),
		newCache: newCache,
		logger:   logger,
		cache:    newCache(),
	}
}

// BeginRun forgets details fetched by earlier runs.
func (f *Fetcher) BeginRun() {
	f.mu.Lock()
	f.cache = f.newCache()
	f.mu.Unlock()
}

// Lookup returns the detail document for the advisory the alert references.
// Alerts without an identifier and pages that do not exist report false.
func (f *Fetcher) Lookup(ctx context.Context, alert domain.Alert) (domain.AdvisoryDetail, bool, error) {
	id, ok := AdvisoryID(alert.Title + " " + alert.URL + " " + alert.Description)
	if !ok {
		return domain.AdvisoryDetail{}, false, nil
	}

	f.mu.Lock()
	c := f.cache
	f.mu.Unlock()
	if d, hit := c.Get(ctx, id); hit {
		fetchCounter.WithLabelValues("cached").Inc()
		return d, d.Text != "", nil
	}

	if err := f.pacer.Wait(ctx); err != nil {
		return domain.AdvisoryDetail{}, false, err
	}
	target := f.pageURL(id, alert.URL)
	d, found, err := f.fetch(ctx, id, target)
	if err != nil {
		fetchCounter.WithLabelValues("error").Inc()
		return domain.AdvisoryDetail{}, false, err
	}
	if !found {
		fetchCounter.WithLabelValues("missing").Inc()
		f.logger.Debug("advisory detail not found", "advisory_id", id, "url", target)
	} else {
		fetchCounter.WithLabelValues("fetched").Inc()
	}
	c.Set(ctx, id, d)
	return d, found, nil
}

// pageURL prefers the alert's own link when it already points at the advisory.
func (f *Fetcher) pageURL(id, alertURL string) string {
	lower := strings.ToLower(id)
	if strings.HasPrefix(alertURL, "http") && strings.Contains(strings.ToLower(alertURL), lower) {
		return alertURL
	}
	return strings.TrimSuffix(f.baseURL, "/") + "/" + lower
}

func (f *Fetcher) fetch(ctx context.Context, id, target string) (domain.AdvisoryDetail, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return domain.AdvisoryDetail{}, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "AdvisoryScanner/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return domain.AdvisoryDetail{}, false, fmt.Errorf("request advisory %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return domain.AdvisoryDetail{AdvisoryID: id, URL: target}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return domain.AdvisoryDetail{}, false, fmt.Errorf("advisory %s returned %s", id, resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return domain.AdvisoryDetail{}, false, fmt.Errorf("parse advisory %s: %w", id, err)
	}
	d := parseDocument(doc)
	d.AdvisoryID = id
	d.URL = target
	return d, d.Text != "", nil
}

func parseDocument(doc *goquery.Document) domain.AdvisoryDetail {
	root := doc.Find("main").First()
	if root.Length() == 0 {
		root = doc.Find("article").First()
	}
	if root.Length() == 0 {
		root = doc.Find("body")
	}
	root.Find("script, style, nav, header, footer").Remove()

	var d domain.AdvisoryDetail
	root.Find("li, p").Each(func(_ int, s *goquery.Selection) {
		line := strings.TrimSpace(s.Text())
		if v, ok := field(line, "Vendor:", "Vendors:"); ok {
			d.Vendors = append(d.Vendors, v...)
		}
		if v, ok := field(line, "Equipment:", "Products:"); ok {
			d.Products = append(d.Products, v...)
		}
	})

	text := strings.Join(strings.Fields(root.Text()), " ")
	if len(text) > maxText {
		text = text[:maxText]
	}
	d.Text = text

	d.CVEIDs = domain.UniqueCVEIDs(cveExpr.FindAllString(root.Text(), -1))
	return d
}

func field(line string, labels ...string) ([]string, bool) {
	for _, label := range labels {
		if len(line) < len(label) || !strings.EqualFold(line[:len(label)], label) {
			continue
		}
		var out []string
		for _, part := range strings.Split(line[len(label):], ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, len(out) > 0
	}
	return nil, false
}
