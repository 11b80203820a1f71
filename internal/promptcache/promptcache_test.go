package promptcache

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFamily(t *testing.T) {
	tests := []struct{ model, family string }{
		{"gpt-5.2-codex", "gpt-5.2-codex"},
		{"gpt-5.2-codex-mini", "gpt-5.2-codex"},
		{"gpt-5.2", "gpt-5.2"},
		{"gpt-5.2-pro", "gpt-5.2"},
		{"gpt-5.1", "gpt-5.1"},
		{"codex-max", "codex-max"},
		{"codex-mini-latest", "codex"},
		{"something-else", "codex"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.family, Family(tt.model), "model %q", tt.model)
	}
}

func TestInstructionsFetchesAndCaches(t *testing.T) {
	hits := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		assert.Equal(t, "/v1/gpt-5.1.md", r.URL.Path)
		w.Header().Set("ETag", `"abc"`)
		w.Write([]byte("template body"))
	}))
	defer ts.Close()

	c := New(t.TempDir(), ts.URL, "v1")
	got := c.Instructions(context.Background(), "gpt-5.1")
	assert.Equal(t, "template body", got)

	// Second call within the TTL serves from memory.
	got = c.Instructions(context.Background(), "gpt-5.1")
	assert.Equal(t, "template body", got)
	assert.Equal(t, 1, hits)
}

func TestInstructionsRevalidatesWith304(t *testing.T) {
	hits := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.Header.Get("If-None-Match") == `"abc"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"abc"`)
		w.Write([]byte("template body"))
	}))
	defer ts.Close()

	dir := t.TempDir()
	c := New(dir, ts.URL, "v1")
	require.Equal(t, "template body", c.Instructions(context.Background(), "codex"))

	// Expire the in-memory entry; the next call must revalidate and hit
	// the 304 path.
	c.mu.Lock()
	c.entries["codex"].LastChecked = time.Now().Add(-time.Hour)
	c.mu.Unlock()

	assert.Equal(t, "template body", c.Instructions(context.Background(), "codex"))
	assert.Equal(t, 2, hits)
}

func TestInstructionsSurvivesRestartFromDisk(t *testing.T) {
	hits := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("disk body"))
	}))
	defer ts.Close()

	dir := t.TempDir()
	first := New(dir, ts.URL, "v1")
	require.Equal(t, "disk body", first.Instructions(context.Background(), "codex"))

	second := New(dir, ts.URL, "v1")
	assert.Equal(t, "disk body", second.Instructions(context.Background(), "codex"))
	assert.Equal(t, 1, hits)
}

func TestInstructionsStaleOnError(t *testing.T) {
	healthy := true
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("good body"))
	}))
	defer ts.Close()

	c := New(t.TempDir(), ts.URL, "v1")
	require.Equal(t, "good body", c.Instructions(context.Background(), "codex"))

	healthy = false
	c.mu.Lock()
	c.entries["codex"].LastChecked = time.Now().Add(-time.Hour)
	c.mu.Unlock()

	assert.Equal(t, "good body", c.Instructions(context.Background(), "codex"))
}

func TestInstructionsDefaultWhenUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	c := New(t.TempDir(), ts.URL, "v1")
	assert.Equal(t, defaultInstructions, c.Instructions(context.Background(), "codex"))
}

func TestDiskLayoutSplitsBodyAndMetadata(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc"`)
		w.Write([]byte("layout body"))
	}))
	defer ts.Close()

	dir := t.TempDir()
	c := New(dir, ts.URL, "v1")
	require.Equal(t, "layout body", c.Instructions(context.Background(), "codex"))

	body, err := os.ReadFile(filepath.Join(dir, "codex-instructions.md"))
	require.NoError(t, err)
	assert.Equal(t, "layout body", string(body))

	raw, err := os.ReadFile(filepath.Join(dir, "codex-meta.json"))
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, `"abc"`, m["etag"])
	assert.Equal(t, "v1", m["tag"])
	assert.Contains(t, m, "lastChecked")
}

func TestCorruptMetadataKeepsBodyAsFallback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "codex-instructions.md"), []byte("old body"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "codex-meta.json"), []byte("{not json"), 0o644))

	c := New(dir, ts.URL, "v1")
	assert.Equal(t, "old body", c.Instructions(context.Background(), "codex"))
}

func TestTagChangeInvalidatesETagButKeepsBody(t *testing.T) {
	var lastETagSeen string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastETagSeen = r.Header.Get("If-None-Match")
		w.Header().Set("ETag", `"new"`)
		w.Write([]byte("v2 body"))
	}))
	defer ts.Close()

	dir := t.TempDir()
	old := New(dir, ts.URL, "v1")
	old.Instructions(context.Background(), "codex")

	next := New(dir, ts.URL, "v2")
	got := next.Instructions(context.Background(), "codex")
	assert.Equal(t, "v2 body", got)
	assert.Empty(t, lastETagSeen)
}
