// Package vulnmeta backfills CVSS and EPSS signals for alerts that carry CVE
// identifiers.
package vulnmeta

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"AdvisoryScanner/internal/config"
	"AdvisoryScanner/internal/throttle"
)

// metricKeys lists the NVD metric blocks from most to least preferred.
var metricKeys = []string{"cvssMetricV40", "cvssMetricV31", "cvssMetricV30", "cvssMetricV2"}

// CVSS is the preferred base metric NVD reports for one CVE.
type CVSS struct {
	Score   float64
	Vector  string
	Version string
}

// NVDClient queries the NVD CVE API 2.0 one CVE at a time.
type NVDClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	pacer      *throttle.Pacer
	backoff    time.Duration
}

// NewNVDClient builds a client paced for the configured key mode.
func NewNVDClient(cfg config.NVDConfig, httpClient *http.Client) *NVDClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &NVDClient{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		pacer:      throttle.NewPacer(cfg.RequestDelay()),
		backoff:    cfg.RateLimitBackoff,
	}
}

type nvdMetric struct {
	Type     string `json:"type"`
	CVSSData struct {
		Version      string  `json:"version"`
		BaseScore    float64 `json:"baseScore"`
		VectorString string  `json:"vectorString"`
	} `json:"cvssData"`
}

type nvdResponse struct {
	Vulnerabilities []struct {
		CVE struct {
			ID      string                 `json:"id"`
			Metrics map[string][]nvdMetric `json:"metrics"`
		} `json:"cve"`
	} `json:"vulnerabilities"`
}

// Lookup fetches the CVE record. It reports whether a score exists and how
// many HTTP requests were spent; a throttled request is retried once.
func (c *NVDClient) Lookup(ctx context.Context, cveID string) (CVSS, bool, int, error) {
	start := time.Now()
	defer func() {
		lookupDuration.WithLabelValues("nvd").Observe(time.Since(start).Seconds())
	}()

	requests := 0
	for attempt := 0; attempt < 2; attempt++ {
		if err := c.pacer.Wait(ctx); err != nil {
			return CVSS{}, false, requests, err
		}
		requests++
		resp, err := c.get(ctx, cveID)
		if err != nil {
			lookupCounter.WithLabelValues("nvd", "error").Inc()
			return CVSS{}, false, requests, err
		}

		switch {
		case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
			wait := throttle.RetryAfter(resp.Header, c.backoff)
			drain(resp)
			lookupCounter.WithLabelValues("nvd", "throttled").Inc()
			if attempt == 1 {
				return CVSS{}, false, requests, fmt.Errorf("nvd %s: still throttled after retry (%s)", cveID, resp.Status)
			}
			if err := throttle.Sleep(ctx, wait); err != nil {
				return CVSS{}, false, requests, err
			}
			continue
		case resp.StatusCode == http.StatusNotFound:
			drain(resp)
			lookupCounter.WithLabelValues("nvd", "miss").Inc()
			return CVSS{}, false, requests, nil
		case resp.StatusCode >= http.StatusBadRequest:
			drain(resp)
			lookupCounter.WithLabelValues("nvd", "error").Inc()
			return CVSS{}, false, requests, fmt.Errorf("nvd %s: unexpected status %s", cveID, resp.Status)
		}

		var body nvdResponse
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			lookupCounter.WithLabelValues("nvd", "error").Inc()
			return CVSS{}, false, requests, fmt.Errorf("nvd %s: decode: %w", cveID, err)
		}
		score, ok := preferred(body)
		if ok {
			lookupCounter.WithLabelValues("nvd", "hit").Inc()
		} else {
			lookupCounter.WithLabelValues("nvd", "miss").Inc()
		}
		return score, ok, requests, nil
	}
	return CVSS{}, false, requests, nil
}

func (c *NVDClient) get(ctx context.Context, cveID string) (*http.Response, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("nvd base url: %w", err)
	}
	q := u.Query()
	q.Set("cveId", cveID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apiKey", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nvd %s: %w", cveID, err)
	}
	return resp, nil
}

// preferred picks the newest metric version present, favouring the NVD
// "Primary" assessment within it.
func preferred(body nvdResponse) (CVSS, bool) {
	for _, v := range body.Vulnerabilities {
		for _, key := range metricKeys {
			metrics := v.CVE.Metrics[key]
			if len(metrics) == 0 {
				continue
			}
			pick := metrics[0]
			for _, m := range metrics {
				if strings.EqualFold(m.Type, "Primary") {
					pick = m
					break
				}
			}
			return CVSS{
				Score:   pick.CVSSData.BaseScore,
				Vector:  pick.CVSSData.VectorString,
				Version: pick.CVSSData.Version,
			}, true
		}
	}
	return CVSS{}, false
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
