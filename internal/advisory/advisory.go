// Package advisory defines the item types that flow through the pipeline,
// from raw collector output to enriched, routable advisories.
package advisory

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// RawItem is a normalized advisory as produced by a source collector,
// before deduplication. It is never persisted.
type RawItem struct {
	Source      string    `json:"source"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at,omitempty"`
	Content     string    `json:"content,omitempty"`

	// CVSS is the source-supplied base score, when the source carries one
	// (NVD). Nil means not provided.
	CVSS *float64 `json:"cvss,omitempty"`
}

// Enrichment is the structured triage verdict attached to an item after a
// successful, schema-valid reasoning call. Severity is only meaningful when
// Relevant is true.
type Enrichment struct {
	Relevant bool     `json:"relevant"`
	Severity int      `json:"severity"`
	Summary  string   `json:"summary"`
	Tags     []string `json:"tags"`
}

// DeepDive is the optional second-pass analysis for escalated items.
type DeepDive struct {
	Summary          string   `json:"deep_summary"`
	IOCs             []string `json:"iocs"`
	AffectedProducts []string `json:"affected_products"`
	CVEIDs           []string `json:"cve_ids"`
	ThreatActor      string   `json:"threat_actor"`
	Mitigations      []string `json:"mitigations"`
}

// Item is a deduplicated advisory moving through enrichment, routing, and
// notification. Enrichment and DeepDive are nil until the corresponding
// stage has succeeded for this item.
type Item struct {
	RawItem

	Fingerprint string      `json:"fingerprint"`
	Enrichment  *Enrichment `json:"enrichment,omitempty"`
	DeepDive    *DeepDive   `json:"deep_dive,omitempty"`
}

// Severity returns the triage severity, or 0 if the item has no valid
// enrichment. 0 is never a valid severity so callers can treat it as
// "unscored".
func (it *Item) Severity() int {
	if it.Enrichment == nil {
		return 0
	}
	return it.Enrichment.Severity
}

// Fingerprint computes the content-addressed dedup key for a raw item:
// a SHA-256 digest over the normalized identity-bearing fields. Two fetches
// of the same real-world advisory must always produce the same fingerprint,
// regardless of which cycle or collector produced them.
func Fingerprint(raw RawItem) string {
	h := sha256.New()
	h.Write([]byte(normalize(raw.Source)))
	h.Write([]byte{'\n'})
	h.Write([]byte(normalize(raw.URL)))
	h.Write([]byte{'\n'})
	h.Write([]byte(normalize(raw.Title)))
	return hex.EncodeToString(h.Sum(nil))
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
