package collect

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/threatfeed/internal/advisory"
	"github.com/linnemanlabs/threatfeed/internal/fetch"
)

const (
	// Cap items taken per feed per cycle to avoid overwhelming enrichment.
	rssItemsPerFeed = 10

	// Polite delay between feeds fetched by one collector.
	rssFeedDelay = 500 * time.Millisecond
)

// Feed names one RSS/Atom source.
type Feed struct {
	Name string
	URL  string
}

// DefaultFeeds is the built-in security news feed set.
var DefaultFeeds = []Feed{
	{Name: "TheHackerNews", URL: "https://feeds.feedburner.com/TheHackersNews"},
	{Name: "BleepingComputer", URL: "https://www.bleepingcomputer.com/feed/"},
	{Name: "KrebsOnSecurity", URL: "https://krebsonsecurity.com/feed/"},
	{Name: "DarkReading", URL: "https://www.darkreading.com/rss.xml"},
	{Name: "Threatpost", URL: "https://threatpost.com/feed/"},
	{Name: "SANS ISC", URL: "https://isc.sans.edu/rssfeed_full.xml"},
}

// RSSCollector fetches a set of RSS/Atom feeds sequentially with a polite
// delay between them, which doubles as per-host pacing for feeds on shared
// infrastructure.
type RSSCollector struct {
	feeds  []Feed
	client *fetch.Client
	delay  time.Duration
}

// NewRSS creates a collector over the given feeds.
func NewRSS(feeds []Feed, client *fetch.Client) *RSSCollector {
	return &RSSCollector{feeds: feeds, client: client, delay: rssFeedDelay}
}

// Name implements Collector.
func (c *RSSCollector) Name() string { return "rss" }

// Collect fetches each feed and normalizes up to rssItemsPerFeed entries.
// A single broken feed is skipped; the collector only fails as a whole when
// every feed failed.
func (c *RSSCollector) Collect(ctx context.Context) ([]advisory.RawItem, error) {
	var items []advisory.RawItem
	var failed int

	for i, feed := range c.feeds {
		if i > 0 {
			select {
			case <-ctx.Done():
				return items, ctx.Err()
			case <-time.After(c.delay):
			}
		}

		out := c.client.Get(ctx, feed.URL)
		if out.Class != fetch.OK {
			failed++
			continue
		}

		entries, err := parseFeed(out.Body)
		if err != nil {
			failed++
			continue
		}
		if len(entries) > rssItemsPerFeed {
			entries = entries[:rssItemsPerFeed]
		}
		for _, e := range entries {
			if e.link == "" {
				continue
			}
			items = append(items, advisory.RawItem{
				Source:      feed.Name,
				Title:       e.title,
				URL:         e.link,
				PublishedAt: e.published,
				Content:     e.content,
			})
		}
	}

	if failed == len(c.feeds) && len(c.feeds) > 0 {
		return nil, fmt.Errorf("all %d feeds failed", failed)
	}
	return items, nil
}

type feedEntry struct {
	title     string
	link      string
	published time.Time
	content   string
}

// rssDoc covers RSS 2.0 and, via the entry elements, Atom.
type rssDoc struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
	Entries []atomEntry `xml:"entry"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	PubDate     string `xml:"pubDate"`
	Description string `xml:"description"`
}

type atomEntry struct {
	Title string `xml:"title"`
	Links []struct {
		Href string `xml:"href,attr"`
		Rel  string `xml:"rel,attr"`
	} `xml:"link"`
	Updated string `xml:"updated"`
	Summary string `xml:"summary"`
	Content string `xml:"content"`
}

func parseFeed(data []byte) ([]feedEntry, error) {
	var doc rssDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse feed xml: %w", err)
	}

	var entries []feedEntry
	for _, it := range doc.Channel.Items {
		entries = append(entries, feedEntry{
			title:     strings.TrimSpace(it.Title),
			link:      strings.TrimSpace(it.Link),
			published: parseFeedTime(it.PubDate),
			content:   strings.TrimSpace(it.Description),
		})
	}
	for _, e := range doc.Entries {
		link := ""
		for _, l := range e.Links {
			if l.Rel == "" || l.Rel == "alternate" {
				link = l.Href
				break
			}
		}
		content := e.Content
		if content == "" {
			content = e.Summary
		}
		entries = append(entries, feedEntry{
			title:     strings.TrimSpace(e.Title),
			link:      strings.TrimSpace(link),
			published: parseFeedTime(e.Updated),
			content:   strings.TrimSpace(content),
		})
	}
	return entries, nil
}

var feedTimeLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
	"Mon, 2 Jan 2006 15:04:05 -0700",
}

// parseFeedTime tolerates the usual spread of feed date formats; the zero
// time means the source supplied none we could read.
func parseFeedTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range feedTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
