package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"AdvisoryScanner/internal/domain"
	"AdvisoryScanner/internal/logging"
	"AdvisoryScanner/internal/scanner"
)

const (
	userAgent   = "AdvisoryScanner/1.0"
	maxPageSize = 8 << 20
)

var (
	cveExpr   = regexp.MustCompile(`(?i)\bCVE-\d{4}-\d{4,}\b`)
	dateExprs = []struct {
		expr   *regexp.Regexp
		layout string
	}{
		{regexp.MustCompile(`\d{4}-\d{2}-\d{2}`), time.DateOnly},
		{regexp.MustCompile(`\d{1,2} [A-Za-z]{3} \d{4}`), "2 Jan 2006"},
		{regexp.MustCompile(`[A-Za-z]{3,9} \d{1,2}, \d{4}`), "January 2, 2006"},
		{regexp.MustCompile(`[A-Za-z]{3} \d{1,2}, \d{4}`), "Jan 2, 2006"},
		{regexp.MustCompile(`\d{2}\.\d{2}\.\d{4}`), "02.01.2006"},
	}
)

// Selectors configures how list items are located on a page.
type Selectors struct {
	Item    string
	Title   string
	Link    string
	Date    string
	Summary string
}

func selectorsFor(src scanner.Source) Selectors {
	return Selectors{
		Item:    src.Option("item", "article"),
		Title:   src.Option("title", "h2, h3, .title"),
		Link:    src.Option("link", "a[href]"),
		Date:    src.Option("date", "time, .date"),
		Summary: src.Option("summary", "p, .summary"),
	}
}

type rawPage struct {
	URL  string `json:"url"`
	HTML string `json:"html"`
}

// HTMLListAdapter scrapes advisory listing pages with CSS selectors taken from
// the source options.
type HTMLListAdapter struct {
	client *http.Client
	logger *slog.Logger
}

// NewHTMLListAdapter wires an HTTP client.
func NewHTMLListAdapter(client *http.Client, logger *slog.Logger) *HTMLListAdapter {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &HTMLListAdapter{client: client, logger: logger}
}

// Name identifies the strategy inside the registry.
func (h *HTMLListAdapter) Name() string {
	return "htmllist"
}

// Fetch walks the listing pages and returns the items published since the cutoff.
func (h *HTMLListAdapter) Fetch(ctx context.Context, req scanner.Request) (scanner.Result, error) {
	if req.Source.URL == "" {
		return scanner.Result{}, fmt.Errorf("no url configured for source %s", req.Source.ID)
	}
	sels := selectorsFor(req.Source)
	pageParam := req.Source.Option("pageParam", "")
	maxPages, _ := strconv.Atoi(req.Source.Option("maxPages", "1"))
	maxPages = max(1, maxPages)
	cutoff := req.Cutoff()

	var (
		res     scanner.Result
		pages   []rawPage
		undated int
	)
	seen := map[string]struct{}{}
	for page := 1; page <= maxPages; page++ {
		pageURL, err := buildPageURL(req.Source.URL, pageParam, page)
		if err != nil {
			return scanner.Result{}, err
		}
		body, err := h.fetchPage(ctx, pageURL)
		if err != nil {
			return scanner.Result{}, fmt.Errorf("page %d: %w", page, err)
		}
		pages = append(pages, rawPage{URL: pageURL, HTML: string(body)})

		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			return scanner.Result{}, fmt.Errorf("parse page %d: %w", page, err)
		}
		base, _ := url.Parse(pageURL)

		items, reachedCutoff, missing := extractItems(doc, sels, base, cutoff, req.Now)
		undated += missing
		for _, c := range items {
			if _, dup := seen[c.URL+"|"+c.Title]; dup {
				continue
			}
			seen[c.URL+"|"+c.Title] = struct{}{}
			c.AlertType = domain.AlertType(req.Source.Option("alertType", string(domain.TypeAdvisory)))
			res.Candidates = append(res.Candidates, req.Candidate(c))
		}
		if reachedCutoff || len(items) == 0 || pageParam == "" {
			break
		}
	}

	raw, err := json.Marshal(pages)
	if err != nil {
		return scanner.Result{}, fmt.Errorf("encode raw pages: %w", err)
	}
	res.Raw = raw
	if undated > 0 {
		res.Warning = fmt.Sprintf("%d items without a recognizable date", undated)
	}
	h.logger.Debug("listing parsed", "source_id", req.Source.ID, "pages", len(pages), "items", len(res.Candidates))
	return res, nil
}

func (h *HTMLListAdapter) fetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return body, nil
}

// extractItems returns the in-range items of one page, whether an item older
// than the cutoff was seen, and how many items had no parseable date.
func extractItems(doc *goquery.Document, sels Selectors, base *url.URL, cutoff, now time.Time) ([]domain.Candidate, bool, int) {
	var (
		collected     []domain.Candidate
		reachedCutoff bool
		undated       int
	)
	doc.Find(sels.Item).Each(func(_ int, item *goquery.Selection) {
		c, dated, ok := parseItem(item, sels, base)
		if !ok {
			return
		}
		if !dated {
			undated++
			c.PublishedAt = now.UTC()
		}
		if !cutoff.IsZero() && c.PublishedAt.Before(cutoff) {
			reachedCutoff = true
			return
		}
		collected = append(collected, c)
	})
	return collected, reachedCutoff, undated
}

// parseItem reports the candidate, whether a date was found, and whether the
// item had a title at all.
func parseItem(item *goquery.Selection, sels Selectors, base *url.URL) (domain.Candidate, bool, bool) {
	title := collapse(item.Find(sels.Title).First().Text())
	link := item.Find(sels.Link).First()
	if title == "" {
		title = collapse(link.Text())
	}
	if title == "" {
		return domain.Candidate{}, false, false
	}

	href, _ := link.Attr("href")
	if base != nil && href != "" {
		if ref, err := url.Parse(strings.TrimSpace(href)); err == nil {
			href = base.ResolveReference(ref).String()
		}
	}

	summary := collapse(item.Find(sels.Summary).First().Text())

	dateSel := item.Find(sels.Date).First()
	dateText, _ := dateSel.Attr("datetime")
	if dateText == "" {
		dateText = collapse(dateSel.Text())
	}
	publishedAt, dated := parseDate(dateText)

	c := domain.Candidate{
		Title:       title,
		Description: summary,
		URL:         href,
		PublishedAt: publishedAt,
		CVEIDs:      cveExpr.FindAllString(title+" "+summary, -1),
	}
	return c, dated, true
}

func parseDate(text string) (time.Time, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t.UTC(), true
	}
	for _, d := range dateExprs {
		match := d.expr.FindString(text)
		if match == "" {
			continue
		}
		if t, err := time.Parse(d.layout, match); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func buildPageURL(base, param string, page int) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid listing url %s: %w", base, err)
	}
	if param == "" || page <= 1 {
		return parsed.String(), nil
	}

	query := parsed.Query()
	query.Set(param, strconv.Itoa(page))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
