package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/linnemanlabs/threatfeed/internal/advisory"
)

const (
	nvdBaseURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"

	// publication window per cycle
	nvdWindow = 2 * time.Hour

	nvdMaxItems = 20
	nvdTimeout  = 20 * time.Second
)

// NVDCollector pulls CVEs published within the recent window from the NVD
// REST API v2. The NVD endpoint is operator-configured, not source-supplied,
// so it talks to a plain HTTP client rather than the redirect-validating
// gate, with the API key passed as a header when configured.
type NVDCollector struct {
	apiKey     string
	httpClient *http.Client
	now        func() time.Time
	baseURL    string
}

// NewNVD creates the NVD collector. apiKey may be empty (lower rate limits
// apply).
func NewNVD(apiKey string) *NVDCollector {
	return &NVDCollector{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: nvdTimeout},
		now:        time.Now,
		baseURL:    nvdBaseURL,
	}
}

// Name implements Collector.
func (c *NVDCollector) Name() string { return "NVD" }

type nvdResponse struct {
	Vulnerabilities []struct {
		CVE struct {
			ID           string `json:"id"`
			Published    string `json:"published"`
			Descriptions []struct {
				Lang  string `json:"lang"`
				Value string `json:"value"`
			} `json:"descriptions"`
			Metrics map[string][]struct {
				CVSSData struct {
					BaseScore float64 `json:"baseScore"`
				} `json:"cvssData"`
			} `json:"metrics"`
		} `json:"cve"`
	} `json:"vulnerabilities"`
}

// Collect fetches CVEs published in the last nvdWindow.
func (c *NVDCollector) Collect(ctx context.Context) ([]advisory.RawItem, error) {
	end := c.now().UTC()
	start := end.Add(-nvdWindow)
	const stamp = "2006-01-02T15:04:05.000"

	q := url.Values{}
	q.Set("pubStartDate", start.Format(stamp))
	q.Set("pubEndDate", end.Format(stamp))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build nvd request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("apiKey", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch nvd: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nvd http %d", resp.StatusCode)
	}

	var data nvdResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode nvd response: %w", err)
	}

	vulns := data.Vulnerabilities
	if len(vulns) > nvdMaxItems {
		vulns = vulns[:nvdMaxItems]
	}

	items := make([]advisory.RawItem, 0, len(vulns))
	for _, v := range vulns {
		cve := v.CVE
		desc := ""
		for _, d := range cve.Descriptions {
			if d.Lang == "en" {
				desc = d.Value
				break
			}
		}

		title := cve.ID
		if desc != "" {
			title = fmt.Sprintf("%s: %s", cve.ID, truncate(desc, 120))
		}
		detailURL := "https://nvd.nist.gov/vuln/detail/" + cve.ID

		items = append(items, advisory.RawItem{
			Source:      "NVD",
			Title:       title,
			URL:         detailURL,
			PublishedAt: parseNVDTime(cve.Published),
			Content:     desc,
			CVSS:        cvssBaseScore(cve.Metrics),
		})
	}
	return items, nil
}

// cvssBaseScore prefers v3.1 over v3.0 over v2, matching NVD's own display
// order.
func cvssBaseScore(metrics map[string][]struct {
	CVSSData struct {
		BaseScore float64 `json:"baseScore"`
	} `json:"cvssData"`
}) *float64 {
	for _, key := range []string{"cvssMetricV31", "cvssMetricV30", "cvssMetricV2"} {
		if entries := metrics[key]; len(entries) > 0 {
			score := entries[0].CVSSData.BaseScore
			return &score
		}
	}
	return nil
}

func parseNVDTime(s string) time.Time {
	for _, layout := range []string{"2006-01-02T15:04:05.000", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
