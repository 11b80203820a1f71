package sigstore

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Model-family policy for thinking blocks riding in Antigravity request
// bodies: Gemini models keep thought parts with a canonical snake_case
// signature field; Claude models get every thought part and residual
// signature field stripped, since upstream rejects foreign signatures.

func isClaudeFamily(model string) bool {
	return strings.Contains(strings.ToLower(model), "claude")
}

// ApplyThinkingPolicy rewrites the contents array of a Gemini-wire
// request body according to the model family. The body is returned
// unchanged when it carries no contents.
func ApplyThinkingPolicy(body []byte, model string) []byte {
	contents := gjson.GetBytes(body, "contents")
	if !contents.IsArray() {
		return body
	}

	strip := isClaudeFamily(model)
	var rewritten []any
	changed := false
	contents.ForEach(func(_, content gjson.Result) bool {
		var node map[string]any
		if err := json.Unmarshal([]byte(content.Raw), &node); err != nil {
			rewritten = append(rewritten, json.RawMessage(content.Raw))
			return true
		}
		parts, _ := node["parts"].([]any)
		var kept []any
		for _, raw := range parts {
			part, ok := raw.(map[string]any)
			if !ok {
				kept = append(kept, raw)
				continue
			}
			if thought, _ := part["thought"].(bool); thought && strip {
				changed = true
				continue
			}
			if sig := signatureOf(part); sig != "" {
				delete(part, "thoughtSignature")
				delete(part, "thought_signature")
				if strip {
					changed = true
				} else {
					part["thought_signature"] = sig
					changed = true
				}
			}
			kept = append(kept, part)
		}
		node["parts"] = kept
		rewritten = append(rewritten, node)
		return true
	})
	if !changed {
		return body
	}
	out, err := sjson.SetBytes(body, "contents", rewritten)
	if err != nil {
		return body
	}
	return out
}

// EnsureThinkingSignatures applies the family policy and checks signature
// provenance against the store. When a signature was issued under a
// different project than targetProject, that project is returned so the
// caller can re-key the request; signatures with no record are stripped.
func (s *Store) EnsureThinkingSignatures(body []byte, model, targetProject string) ([]byte, string, error) {
	body = ApplyThinkingPolicy(body, model)
	if isClaudeFamily(model) {
		return body, "", nil
	}

	override := ""
	var orphans []string
	for _, sig := range collectSignatures(body) {
		record, ok, err := s.Get(sig)
		if err != nil {
			return body, "", err
		}
		if !ok {
			orphans = append(orphans, sig)
			continue
		}
		if record.ProjectID != targetProject && override == "" {
			override = record.ProjectID
		}
	}
	for _, sig := range orphans {
		body = stripSignature(body, sig)
	}
	return body, override, nil
}

func signatureOf(part map[string]any) string {
	if sig, _ := part["thought_signature"].(string); sig != "" {
		return sig
	}
	sig, _ := part["thoughtSignature"].(string)
	return sig
}

func collectSignatures(body []byte) []string {
	var sigs []string
	gjson.GetBytes(body, "contents").ForEach(func(_, content gjson.Result) bool {
		content.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if sig := part.Get("thought_signature").String(); sig != "" {
				sigs = append(sigs, sig)
			}
			return true
		})
		return true
	})
	return sigs
}

func stripSignature(body []byte, signature string) []byte {
	contents := gjson.GetBytes(body, "contents")
	contents.ForEach(func(ci, content gjson.Result) bool {
		content.Get("parts").ForEach(func(pi, part gjson.Result) bool {
			if part.Get("thought_signature").String() == signature {
				path := "contents." + ci.String() + ".parts." + pi.String() + ".thought_signature"
				if out, err := sjson.DeleteBytes(body, path); err == nil {
					body = out
				}
			}
			return true
		})
		return true
	})
	return body
}
