package collect

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// catalogCache stores a downloaded catalog file on disk next to a metadata
// record of when it was fetched, so a cycle can reuse a fresh copy and fall
// back to a stale one when the source is down.
type catalogCache struct {
	dir string
	ttl time.Duration
}

type cacheMetadata struct {
	DownloadedAt string `json:"downloaded_at"`
}

func newCatalogCache(dir string, ttl time.Duration) *catalogCache {
	return &catalogCache{dir: dir, ttl: ttl}
}

func (c *catalogCache) isFresh() bool {
	data, err := os.ReadFile(filepath.Join(c.dir, "metadata.json"))
	if err != nil {
		return false
	}
	var meta cacheMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return false
	}
	downloadedAt, err := time.Parse(time.RFC3339, meta.DownloadedAt)
	if err != nil {
		return false
	}
	return time.Since(downloadedAt) < c.ttl
}

func (c *catalogCache) store(filename string, data []byte) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.dir, filename), data, 0o644); err != nil {
		return fmt.Errorf("write cache data: %w", err)
	}
	meta := cacheMetadata{DownloadedAt: time.Now().UTC().Format(time.RFC3339)}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal cache metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.dir, "metadata.json"), metaBytes, 0o644); err != nil {
		return fmt.Errorf("write cache metadata: %w", err)
	}
	return nil
}

func (c *catalogCache) load(filename string) ([]byte, error) {
	return os.ReadFile(filepath.Join(c.dir, filename))
}

func (c *catalogCache) exists(filename string) bool {
	_, err := os.Stat(filepath.Join(c.dir, filename))
	return err == nil
}
