package server

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/llmux-dev/llmux/internal/auth"
	"github.com/llmux-dev/llmux/internal/config"
)

// defaultAntigravityProject is the shared-quota project used when a
// license check rejects the account's own project.
const defaultAntigravityProject = "default-project"

// isLicenseError recognizes the Antigravity license rejection in a 403 or
// 400 body: either the numeric error marker or a PERMISSION_DENIED status
// whose message mentions licensing.
func isLicenseError(body []byte) bool {
	if strings.Contains(string(body), "#3501") {
		return true
	}
	status := gjson.GetBytes(body, "error.status").String()
	message := strings.ToLower(gjson.GetBytes(body, "error.message").String())
	return status == "PERMISSION_DENIED" && strings.Contains(message, "license")
}

// applyAntigravityFixes rewrites a Gemini-wire body for the Antigravity
// endpoints: the billing project rides in the body, and thinking
// signatures are checked against the signature store, which may force a
// different project than the account's own.
func (s *Server) applyAntigravityFixes(
	body []byte,
	model string,
	pcfg config.ProviderConfig,
	cred auth.Credential,
	state *attemptState,
) ([]byte, error) {
	project := pcfg.Project
	if cred.ProjectID != "" {
		project = cred.ProjectID
	}
	if state.projectOverride != "" {
		project = state.projectOverride
	}

	fixed, override, err := s.sigs.EnsureThinkingSignatures(body, model, project)
	if err != nil {
		return nil, err
	}
	if override != "" && state.projectOverride == "" {
		project = override
	}

	if project == "" {
		return fixed, nil
	}
	return sjson.SetBytes(fixed, "project", project)
}
