package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/llmux-dev/llmux/internal/auth"
	"github.com/llmux-dev/llmux/internal/config"
)

func TestIsLicenseError(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"numeric marker", `{"error":{"message":"quota check failed #3501"}}`, true},
		{"permission denied license", `{"error":{"status":"PERMISSION_DENIED","message":"No valid license found"}}`, true},
		{"permission denied other", `{"error":{"status":"PERMISSION_DENIED","message":"IAM policy rejected"}}`, false},
		{"plain 403", `{"error":{"status":"FORBIDDEN","message":"nope"}}`, false},
		{"not json", `forbidden`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isLicenseError([]byte(tt.body)))
		})
	}
}

func TestApplyAntigravityFixesInjectsProject(t *testing.T) {
	s := testServer(t, `
providers:
  ag:
    format: gemini
    kind: antigravity
    endpoints: [https://one.example.com]
    project: cfg-project
`, "ag")

	body := []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)
	pcfg, _ := s.cfg.Provider("ag")

	out, err := s.applyAntigravityFixes(body, "gemini-3-pro", pcfg, auth.Credential{}, &attemptState{})
	require.NoError(t, err)
	assert.Equal(t, "cfg-project", gjson.GetBytes(out, "project").String())
}

func TestApplyAntigravityFixesCredentialProjectWins(t *testing.T) {
	s := testServer(t, `
providers:
  ag:
    format: gemini
    kind: antigravity
    endpoints: [https://one.example.com]
    project: cfg-project
`, "ag")

	pcfg, _ := s.cfg.Provider("ag")
	cred := auth.Credential{Type: auth.CredentialOAuth, ProjectID: "cred-project"}
	out, err := s.applyAntigravityFixes([]byte(`{"contents":[]}`), "gemini-3-pro", pcfg, cred, &attemptState{})
	require.NoError(t, err)
	assert.Equal(t, "cred-project", gjson.GetBytes(out, "project").String())
}

func TestApplyAntigravityFixesOverrideWinsOverEverything(t *testing.T) {
	s := testServer(t, `
providers:
  ag:
    format: gemini
    kind: antigravity
    endpoints: [https://one.example.com]
    project: cfg-project
`, "ag")

	pcfg, _ := s.cfg.Provider("ag")
	cred := auth.Credential{ProjectID: "cred-project"}
	state := &attemptState{projectOverride: defaultAntigravityProject}
	out, err := s.applyAntigravityFixes([]byte(`{"contents":[]}`), "gemini-3-pro", pcfg, cred, state)
	require.NoError(t, err)
	assert.Equal(t, defaultAntigravityProject, gjson.GetBytes(out, "project").String())
}

func TestUpstreamURLPerFormat(t *testing.T) {
	s := testServer(t, `
providers:
  up:
    format: openai_chat
    baseUrl: https://example.com/v1
`, "up")

	base := config.ProviderConfig{BaseURL: "https://example.com/v1/"}
	assert.Equal(t, "https://example.com/v1/chat/completions",
		s.upstreamURL(base, 0, "openai_chat", "m", false))
	assert.Equal(t, "https://example.com/v1/responses",
		s.upstreamURL(base, 0, "openai_responses", "m", false))
	assert.Equal(t, "https://example.com/v1/messages",
		s.upstreamURL(base, 0, "anthropic", "m", false))
	assert.Equal(t, "https://example.com/v1/models/gemini-3-pro:generateContent",
		s.upstreamURL(base, 0, "gemini", "gemini-3-pro", false))
	assert.Equal(t, "https://example.com/v1/models/gemini-3-pro:streamGenerateContent?alt=sse",
		s.upstreamURL(base, 0, "gemini", "gemini-3-pro", true))

	rotated := config.ProviderConfig{
		BaseURL:   "https://ignored.example.com",
		Endpoints: []string{"https://one.example.com/v1", "https://two.example.com/v1"},
	}
	assert.Equal(t, "https://two.example.com/v1/messages",
		s.upstreamURL(rotated, 1, "anthropic", "m", false))
	// Out-of-range endpoint indices wrap to the first endpoint.
	assert.Equal(t, "https://one.example.com/v1/messages",
		s.upstreamURL(rotated, 5, "anthropic", "m", false))
}
