package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/threatfeed/internal/advisory"
	"github.com/linnemanlabs/threatfeed/internal/fetch"
)

const (
	kevURL           = "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json"
	kevCacheFilename = "known_exploited_vulnerabilities.json"
	kevCacheTTL      = 24 * time.Hour
	kevMaxItems      = 20
)

// KEVCollector pulls the most recently added entries from CISA's Known
// Exploited Vulnerabilities catalog. The catalog changes slowly and the
// download is large, so a fresh on-disk copy is reused for a day and a stale
// copy serves as fallback when CISA is unreachable.
type KEVCollector struct {
	client *fetch.Client
	cache  *catalogCache
	logger log.Logger
	url    string
}

// NewKEV creates the KEV collector with its cache under cacheDir/kev/.
func NewKEV(cacheDir string, client *fetch.Client, logger log.Logger) *KEVCollector {
	return &KEVCollector{
		client: client,
		cache:  newCatalogCache(cacheDir+"/kev", kevCacheTTL),
		logger: logger,
		url:    kevURL,
	}
}

// Name implements Collector.
func (c *KEVCollector) Name() string { return "CISA KEV" }

type kevCatalog struct {
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
}

// Collect loads the catalog (cache-aware) and normalizes the kevMaxItems
// most recently added entries.
func (c *KEVCollector) Collect(ctx context.Context) ([]advisory.RawItem, error) {
	data, err := c.loadCatalog(ctx)
	if err != nil {
		return nil, err
	}

	var catalog kevCatalog
	if err := json.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parse kev catalog: %w", err)
	}

	vulns := catalog.Vulnerabilities
	sort.Slice(vulns, func(i, j int) bool { return vulns[i].DateAdded > vulns[j].DateAdded })
	if len(vulns) > kevMaxItems {
		vulns = vulns[:kevMaxItems]
	}

	items := make([]advisory.RawItem, 0, len(vulns))
	for _, v := range vulns {
		if v.CVEID == "" {
			continue
		}
		detailURL := "https://nvd.nist.gov/vuln/detail/" + v.CVEID
		content := fmt.Sprintf("%s Affected: %s by %s. Required action: %s",
			v.ShortDescription, v.Product, v.VendorProject, v.RequiredAction)

		items = append(items, advisory.RawItem{
			Source:      "CISA KEV",
			Title:       fmt.Sprintf("[CISA KEV] %s: %s", v.CVEID, v.VulnerabilityName),
			URL:         detailURL,
			PublishedAt: parseKEVDate(v.DateAdded),
			Content:     content,
		})
	}
	return items, nil
}

func (c *KEVCollector) loadCatalog(ctx context.Context) ([]byte, error) {
	if c.cache.isFresh() {
		if data, err := c.cache.load(kevCacheFilename); err == nil {
			return data, nil
		}
	}

	out := c.client.Get(ctx, c.url)
	if out.Class == fetch.OK {
		if err := c.cache.store(kevCacheFilename, out.Body); err != nil {
			c.logger.Warn(ctx, "kev cache write failed", "error", err)
		}
		return out.Body, nil
	}

	if c.cache.exists(kevCacheFilename) {
		c.logger.Warn(ctx, "kev download failed, using stale cache", "error", out.Err)
		return c.cache.load(kevCacheFilename)
	}
	return nil, fmt.Errorf("download kev catalog: %w", out.Err)
}

func parseKEVDate(s string) time.Time {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t
	}
	return time.Time{}
}
