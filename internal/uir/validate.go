package uir

import (
	"errors"
	"fmt"
)

var (
	// ErrNoModel is returned when a request names no model.
	ErrNoModel = errors.New("request has no model")
	// ErrNoMessages is returned when a request carries no messages.
	ErrNoMessages = errors.New("request has no messages")
)

// Validate enforces the structural invariants of a request: image parts
// carry exactly one of data/url, tool-role messages carry exactly one
// tool_result part, and every tool_result references a tool_call id seen
// earlier in the conversation.
func (r *Request) Validate() error {
	if r.Model == "" {
		return ErrNoModel
	}
	if len(r.Messages) == 0 {
		return ErrNoMessages
	}

	seenCalls := make(map[string]bool)
	for i, msg := range r.Messages {
		if msg.Role == RoleTool {
			if n := countParts(msg.Parts, PartToolResult); n != 1 {
				return fmt.Errorf("message %d: tool message must carry exactly one tool_result part, has %d", i, n)
			}
		}
		for j, part := range msg.Parts {
			switch part.Type {
			case PartImage:
				if part.Image == nil {
					return fmt.Errorf("message %d part %d: image part has no source", i, j)
				}
				hasData := part.Image.Data != ""
				hasURL := part.Image.URL != ""
				if hasData == hasURL {
					return fmt.Errorf("message %d part %d: image part must set exactly one of data/url", i, j)
				}
			case PartToolCall:
				if part.ToolCall == nil || part.ToolCall.Name == "" {
					return fmt.Errorf("message %d part %d: tool_call part has no name", i, j)
				}
				if part.ToolCall.ID != "" {
					seenCalls[part.ToolCall.ID] = true
				}
			case PartToolResult:
				if part.ToolResult == nil {
					return fmt.Errorf("message %d part %d: tool_result part has no payload", i, j)
				}
				id := part.ToolResult.ToolCallID
				if id != "" && !seenCalls[id] {
					return fmt.Errorf("message %d part %d: tool_result references unknown tool_call id %q", i, j, id)
				}
			}
		}
	}

	names := make(map[string]bool, len(r.Tools))
	for _, tool := range r.Tools {
		if tool.Name == "" {
			return errors.New("tool with empty name")
		}
		if names[tool.Name] {
			return fmt.Errorf("duplicate tool name %q", tool.Name)
		}
		names[tool.Name] = true
	}
	return nil
}

func countParts(parts []Part, t PartType) int {
	n := 0
	for _, p := range parts {
		if p.Type == t {
			n++
		}
	}
	return n
}
