package schema

import "strings"

// Package schema rewrites JSON-Schema tool parameters into the lowest
// common denominator the upstreams accept: draft keywords and metadata are
// stripped, $ref is inlined, const becomes a one-element enum. The rewrite
// is pure and idempotent.

// allowedKeys is the keyword allow-list. Everything else is dropped.
var allowedKeys = map[string]bool{
	"type":                 true,
	"properties":           true,
	"required":             true,
	"description":          true,
	"enum":                 true,
	"items":                true,
	"additionalProperties": true,
	"anyOf":                true,
	"oneOf":                true,
	"allOf":                true,
}

var compositionKeys = []string{"anyOf", "oneOf", "allOf"}

// Options tunes the rewrite per upstream.
type Options struct {
	// SnakeCaseCompositions renames anyOf to any_of, as the Gemini
	// emitter requires.
	SnakeCaseCompositions bool
	// KeepFormat preserves the format keyword for upstreams that accept
	// it.
	KeepFormat bool
}

// Normalize rewrites a tool parameter schema with default options.
func Normalize(schema map[string]any) map[string]any {
	return NormalizeFor(schema, Options{})
}

// NormalizeFor rewrites a tool parameter schema for a specific upstream.
func NormalizeFor(schema map[string]any, opts Options) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	defs := collectDefs(schema)
	return normalizeNode(schema, defs, opts, nil)
}

// collectDefs gathers $defs and definitions maps for $ref resolution.
func collectDefs(schema map[string]any) map[string]map[string]any {
	defs := make(map[string]map[string]any)
	for _, key := range []string{"$defs", "definitions"} {
		section, ok := schema[key].(map[string]any)
		if !ok {
			continue
		}
		for name, def := range section {
			if m, ok := def.(map[string]any); ok {
				defs[name] = m
			}
		}
	}
	return defs
}

// normalizeNode rewrites one schema node. inlining tracks the $ref names
// currently being expanded on this path so cycles unfold at most once.
func normalizeNode(node map[string]any, defs map[string]map[string]any, opts Options, inlining []string) map[string]any {
	// Inline $ref before anything else; the definitions map itself is
	// dropped by the allow-list.
	if ref, ok := node["$ref"].(string); ok {
		name := refName(ref)
		target, found := defs[name]
		if !found || contains(inlining, name) {
			return map[string]any{"type": "object"}
		}
		return normalizeNode(target, defs, opts, append(inlining, name))
	}

	out := make(map[string]any)
	for key, value := range node {
		if key == "const" {
			out["enum"] = []any{value}
			continue
		}
		if key == "format" && opts.KeepFormat {
			out["format"] = value
			continue
		}
		if !allowedKeys[key] {
			continue
		}
		switch key {
		case "properties":
			props, ok := value.(map[string]any)
			if !ok {
				continue
			}
			normalized := make(map[string]any, len(props))
			for name, prop := range props {
				if m, ok := prop.(map[string]any); ok {
					normalized[name] = normalizeNode(m, defs, opts, inlining)
				}
			}
			out["properties"] = normalized
		case "items":
			switch items := value.(type) {
			case map[string]any:
				out["items"] = normalizeNode(items, defs, opts, inlining)
			case []any:
				normalized := make([]any, 0, len(items))
				for _, item := range items {
					if m, ok := item.(map[string]any); ok {
						normalized = append(normalized, normalizeNode(m, defs, opts, inlining))
					}
				}
				out["items"] = normalized
			}
		case "additionalProperties":
			if m, ok := value.(map[string]any); ok {
				out["additionalProperties"] = normalizeNode(m, defs, opts, inlining)
			} else {
				out["additionalProperties"] = value
			}
		case "anyOf", "oneOf", "allOf":
			variants, ok := value.([]any)
			if !ok {
				continue
			}
			normalized := make([]any, 0, len(variants))
			for _, variant := range variants {
				if m, ok := variant.(map[string]any); ok {
					normalized = append(normalized, normalizeNode(m, defs, opts, inlining))
				}
			}
			out[key] = normalized
		default:
			out[key] = value
		}
	}

	if opts.SnakeCaseCompositions {
		for _, key := range compositionKeys {
			if v, ok := out[key]; ok {
				delete(out, key)
				out[snakeComposition(key)] = v
			}
		}
	}

	// An empty schema means "anything"; upstreams want an explicit object.
	if len(out) == 0 {
		return map[string]any{"type": "object"}
	}
	return out
}

// refName extracts the definition name from a #/$defs/Name or
// #/definitions/Name pointer.
func refName(ref string) string {
	for _, prefix := range []string{"#/$defs/", "#/definitions/"} {
		if strings.HasPrefix(ref, prefix) {
			return strings.TrimPrefix(ref, prefix)
		}
	}
	return ""
}

func snakeComposition(key string) string {
	switch key {
	case "anyOf":
		return "any_of"
	case "oneOf":
		return "one_of"
	case "allOf":
		return "all_of"
	}
	return key
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
