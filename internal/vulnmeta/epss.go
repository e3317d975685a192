package vulnmeta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"AdvisoryScanner/internal/config"
)

const maxEPSSBatch = 100

// EPSS is an exploitation probability and its percentile.
type EPSS struct {
	Score      float64
	Percentile float64
}

// EPSSClient reads scores from the FIRST EPSS API.
type EPSSClient struct {
	baseURL    string
	batchSize  int
	httpClient *http.Client
}

// NewEPSSClient builds a client; batch sizes above the API limit are clamped.
func NewEPSSClient(cfg config.EPSSConfig, httpClient *http.Client) *EPSSClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	batch := cfg.BatchSize
	if batch <= 0 || batch > maxEPSSBatch {
		batch = maxEPSSBatch
	}
	return &EPSSClient{baseURL: cfg.BaseURL, batchSize: batch, httpClient: httpClient}
}

type epssResponse struct {
	Data []struct {
		CVE        string `json:"cve"`
		EPSS       string `json:"epss"`
		Percentile string `json:"percentile"`
	} `json:"data"`
}

// Lookup returns the scores FIRST knows for the first batch-size ids, keyed by
// upper-cased CVE id.
func (c *EPSSClient) Lookup(ctx context.Context, ids []string) (map[string]EPSS, error) {
	start := time.Now()
	defer func() {
		lookupDuration.WithLabelValues("epss").Observe(time.Since(start).Seconds())
	}()

	// One batched request; ids beyond the batch size are not looked up.
	if len(ids) > c.batchSize {
		ids = ids[:c.batchSize]
	}
	out := make(map[string]EPSS, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	if err := c.fetch(ctx, ids, out); err != nil {
		lookupCounter.WithLabelValues("epss", "error").Inc()
		return out, err
	}
	if len(out) > 0 {
		lookupCounter.WithLabelValues("epss", "hit").Inc()
	} else {
		lookupCounter.WithLabelValues("epss", "miss").Inc()
	}
	return out, nil
}

func (c *EPSSClient) fetch(ctx context.Context, ids []string, out map[string]EPSS) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("epss base url: %w", err)
	}
	q := u.Query()
	q.Set("cve", strings.Join(ids, ","))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("epss: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		drain(resp)
		return fmt.Errorf("epss: unexpected status %s", resp.Status)
	}
	defer resp.Body.Close()

	var body epssResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("epss: decode: %w", err)
	}
	for _, row := range body.Data {
		score, err := strconv.ParseFloat(row.EPSS, 64)
		if err != nil {
			continue
		}
		pct, _ := strconv.ParseFloat(row.Percentile, 64)
		out[strings.ToUpper(row.CVE)] = EPSS{Score: score, Percentile: pct}
	}
	return nil
}
