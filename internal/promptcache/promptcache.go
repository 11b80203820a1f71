// Package promptcache fetches and caches the per-model instruction
// templates used by the Codex upstream. Entries live on disk so restarts
// keep serving without refetching; a 15-minute TTL bounds staleness and
// ETag revalidation keeps refreshes cheap.
package promptcache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// entryTTL is how long a cached template is trusted without revalidation.
const entryTTL = 15 * time.Minute

// defaultInstructions is the fallback when the template source is
// unreachable and no cached entry exists.
const defaultInstructions = "You are a coding assistant. Follow the user's instructions carefully and produce working code."

// modelFamilies maps model-name prefixes onto template families; first
// match wins, so more specific prefixes come first.
var modelFamilies = []struct {
	prefix string
	family string
}{
	{"gpt-5.2-codex", "gpt-5.2-codex"},
	{"codex-max", "codex-max"},
	{"gpt-5.2", "gpt-5.2"},
	{"gpt-5.1", "gpt-5.1"},
	{"codex", "codex"},
}

const defaultFamily = "codex"

// Family resolves a model name to its template family.
func Family(model string) string {
	for _, f := range modelFamilies {
		if strings.HasPrefix(model, f.prefix) {
			return f.family
		}
	}
	return defaultFamily
}

// entry is one cached template with its revalidation metadata.
type entry struct {
	Body        string
	ETag        string
	Tag         string
	LastChecked time.Time
}

// meta is the revalidation metadata persisted beside the template body
// in <family>-meta.json.
type meta struct {
	ETag        string    `json:"etag"`
	Tag         string    `json:"tag"`
	LastChecked time.Time `json:"lastChecked"`
}

func (e *entry) fresh(now time.Time) bool {
	return now.Sub(e.LastChecked) < entryTTL
}

// Cache serves instruction templates keyed by model family.
type Cache struct {
	dir     string
	baseURL string
	// tag identifies the upstream template version; a changed tag
	// invalidates cached ETags.
	tag    string
	client *http.Client

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a cache storing entries under dir. baseURL is the template
// source; family and tag are interpolated into the fetch URL.
func New(dir, baseURL, tag string) *Cache {
	return &Cache{
		dir:     dir,
		baseURL: baseURL,
		tag:     tag,
		client:  &http.Client{Timeout: 15 * time.Second},
		entries: make(map[string]*entry),
	}
}

// Instructions returns the template for model, fetching or revalidating
// as needed. Failures fall back to a stale cached entry, then to the
// built-in default.
func (c *Cache) Instructions(ctx context.Context, model string) string {
	family := Family(model)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[family]
	if e == nil {
		e = c.loadDisk(family)
		if e != nil {
			c.entries[family] = e
		}
	}
	// Metadata corruption or an upstream tag change invalidates the ETag
	// but not the body, which still serves as the stale fallback.
	if e != nil && e.Tag != c.tag {
		e.ETag = ""
		e.LastChecked = time.Time{}
	}
	if e != nil && e.fresh(now) {
		return e.Body
	}

	fetched, err := c.fetch(ctx, family, e)
	if err != nil {
		logrus.WithError(err).WithField("family", family).
			Warn("template fetch failed, using fallback")
		if e != nil && e.Body != "" {
			return e.Body
		}
		return defaultInstructions
	}
	c.entries[family] = fetched
	c.saveDisk(family, fetched)
	return fetched.Body
}

// fetch retrieves the template, sending If-None-Match when a cached ETag
// exists. A 304 refreshes LastChecked only.
func (c *Cache) fetch(ctx context.Context, family string, prev *entry) (*entry, error) {
	url := fmt.Sprintf("%s/%s/%s.md", strings.TrimRight(c.baseURL, "/"), c.tag, family)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if prev != nil && prev.ETag != "" {
		req.Header.Set("If-None-Match", prev.ETag)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotModified && prev != nil:
		prev.LastChecked = time.Now()
		prev.Tag = c.tag
		return prev, nil
	case res.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		return &entry{
			Body:        string(body),
			ETag:        res.Header.Get("ETag"),
			Tag:         c.tag,
			LastChecked: time.Now(),
		}, nil
	default:
		return nil, fmt.Errorf("template source returned %d", res.StatusCode)
	}
}

// Templates persist as two files per family: the body in
// <family>-instructions.md and the revalidation metadata in
// <family>-meta.json.
func (c *Cache) instructionsPath(family string) string {
	return filepath.Join(c.dir, family+"-instructions.md")
}

func (c *Cache) metaPath(family string) string {
	return filepath.Join(c.dir, family+"-meta.json")
}

func (c *Cache) loadDisk(family string) *entry {
	body, err := os.ReadFile(c.instructionsPath(family))
	if err != nil || len(body) == 0 {
		return nil
	}
	e := &entry{Body: string(body)}

	data, err := os.ReadFile(c.metaPath(family))
	if err != nil {
		return e
	}
	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		// Corrupt metadata: the body still serves as the stale fallback.
		return e
	}
	e.ETag = m.ETag
	e.Tag = m.Tag
	e.LastChecked = m.LastChecked
	return e
}

func (c *Cache) saveDisk(family string, e *entry) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return
	}
	if err := os.WriteFile(c.instructionsPath(family), []byte(e.Body), 0o644); err != nil {
		logrus.WithError(err).Debug("template cache write failed")
		return
	}
	data, err := json.Marshal(meta{ETag: e.ETag, Tag: e.Tag, LastChecked: e.LastChecked})
	if err != nil {
		return
	}
	if err := os.WriteFile(c.metaPath(family), data, 0o644); err != nil {
		logrus.WithError(err).Debug("template cache write failed")
	}
}
