package openairesponses

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/llmux-dev/llmux/internal/codec"
	"github.com/llmux-dev/llmux/internal/schema"
	"github.com/llmux-dev/llmux/internal/uir"
)

func init() {
	codec.Register(codec.FormatOpenAIResponses, func() codec.Codec { return &Codec{} })
}

// Codec implements the OpenAI Responses wire format.
type Codec struct{}

func (c *Codec) Format() codec.Format { return codec.FormatOpenAIResponses }

// ParseRequest converts a Responses request into the unified
// representation. Tool calls arrive flattened as top-level input items;
// consecutive function_call items regroup under the preceding assistant
// message, and function_call_output items become tool-role messages.
func (c *Codec) ParseRequest(body []byte) (*uir.Request, error) {
	var wire wireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("invalid responses request: %w", err)
	}

	req := &uir.Request{
		Model:  wire.Model,
		System: wire.Instructions,
		Stream: wire.Stream,
	}

	if len(wire.Input) > 0 {
		var text string
		if err := json.Unmarshal(wire.Input, &text); err == nil {
			req.Messages = append(req.Messages, uir.Message{
				Role:  uir.RoleUser,
				Parts: []uir.Part{uir.TextPart(text)},
			})
		} else {
			var items []wireItem
			if err := json.Unmarshal(wire.Input, &items); err != nil {
				return nil, fmt.Errorf("invalid responses input: %w", err)
			}
			if err := parseItems(items, req); err != nil {
				return nil, err
			}
		}
	}

	req.Config.MaxTokens = wire.MaxOutputTokens
	req.Config.Temperature = wire.Temperature
	req.Config.TopP = wire.TopP

	for _, tool := range wire.Tools {
		if tool.Type != "function" && tool.Type != "" {
			continue
		}
		req.Tools = append(req.Tools, uir.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		})
	}
	if tc := parseToolChoice(wire.ToolChoice); tc != nil {
		req.ToolChoice = tc
	}
	if wire.Reasoning != nil && wire.Reasoning.Effort != "" {
		req.Thinking = &uir.Thinking{
			Enabled: wire.Reasoning.Effort != "none",
			Effort:  uir.ThinkingEffort(wire.Reasoning.Effort),
		}
	}
	return req, nil
}

func parseItems(items []wireItem, req *uir.Request) error {
	appendAssistantPart := func(part uir.Part) {
		if n := len(req.Messages); n > 0 && req.Messages[n-1].Role == uir.RoleAssistant {
			req.Messages[n-1].Parts = append(req.Messages[n-1].Parts, part)
			return
		}
		req.Messages = append(req.Messages, uir.Message{Role: uir.RoleAssistant, Parts: []uir.Part{part}})
	}

	for _, item := range items {
		itemType := item.Type
		if itemType == "" && item.Role != "" {
			itemType = "message"
		}
		switch itemType {
		case "message":
			parts, err := parseMessageContent(item.Content)
			if err != nil {
				return err
			}
			switch item.Role {
			case "system", "developer":
				for _, part := range parts {
					if part.Type == uir.PartText {
						if req.System != "" {
							req.System += "\n"
						}
						req.System += part.Text
					}
				}
			case "assistant":
				req.Messages = append(req.Messages, uir.Message{Role: uir.RoleAssistant, Parts: parts})
			default:
				req.Messages = append(req.Messages, uir.Message{Role: uir.RoleUser, Parts: parts})
			}

		case "function_call":
			call := &uir.ToolCall{ID: item.CallID, Name: item.Name, RawArguments: item.Arguments}
			var args map[string]any
			if err := json.Unmarshal([]byte(item.Arguments), &args); err == nil {
				call.Arguments = args
			} else {
				call.Arguments = map[string]any{}
			}
			appendAssistantPart(uir.Part{Type: uir.PartToolCall, ToolCall: call})

		case "function_call_output":
			result := &uir.ToolResult{ToolCallID: item.CallID}
			var s string
			if err := json.Unmarshal(item.Output, &s); err == nil {
				result.Content = s
			} else {
				result.Content = string(item.Output)
			}
			req.Messages = append(req.Messages, uir.Message{
				Role:  uir.RoleTool,
				Parts: []uir.Part{{Type: uir.PartToolResult, ToolResult: result}},
			})

		case "reasoning":
			var text string
			for _, sum := range item.Summary {
				text += sum.Text
			}
			if text != "" || item.EncryptedContent != "" {
				appendAssistantPart(uir.Part{Type: uir.PartThinking, Thinking: &uir.ThinkingPart{
					Text:      text,
					Signature: item.EncryptedContent,
				}})
			}
		}
	}
	return nil
}

func parseMessageContent(raw json.RawMessage) ([]uir.Part, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []uir.Part{uir.TextPart(text)}, nil
	}
	var parts []wireContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("invalid message content: %w", err)
	}
	var out []uir.Part
	for _, part := range parts {
		switch part.Type {
		case "input_text", "output_text", "text":
			out = append(out, uir.TextPart(part.Text))
		case "refusal":
			out = append(out, uir.TextPart(part.Refusal))
		case "input_image":
			out = append(out, uir.Part{Type: uir.PartImage, Image: &uir.ImageSource{URL: part.ImageURL}})
		}
	}
	return out, nil
}

func parseToolChoice(raw json.RawMessage) *uir.ToolChoice {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "auto":
			return &uir.ToolChoice{Mode: uir.ToolChoiceAuto}
		case "none":
			return &uir.ToolChoice{Mode: uir.ToolChoiceNone}
		case "required":
			return &uir.ToolChoice{Mode: uir.ToolChoiceRequired}
		}
		return nil
	}
	var obj struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Type == "function" && obj.Name != "" {
		return &uir.ToolChoice{Mode: uir.ToolChoiceTool, Name: obj.Name}
	}
	return nil
}

// TransformRequest emits a Responses request. Assistant tool-call parts
// flatten back into top-level function_call items, and tool messages
// become function_call_output items.
func (c *Codec) TransformRequest(req *uir.Request, model string) ([]byte, error) {
	wire := wireRequest{
		Model:           model,
		Instructions:    req.System,
		MaxOutputTokens: req.Config.MaxTokens,
		Temperature:     req.Config.Temperature,
		TopP:            req.Config.TopP,
		Stream:          req.Stream,
	}

	var items []wireItem
	for _, msg := range req.Messages {
		switch msg.Role {
		case uir.RoleUser:
			content, err := buildMessageContent(msg.Parts, "input_text")
			if err != nil {
				return nil, err
			}
			items = append(items, wireItem{Type: "message", Role: "user", Content: content})

		case uir.RoleAssistant:
			var textParts []uir.Part
			flushText := func() error {
				if len(textParts) == 0 {
					return nil
				}
				content, err := buildMessageContent(textParts, "output_text")
				if err != nil {
					return err
				}
				items = append(items, wireItem{Type: "message", Role: "assistant", Content: content})
				textParts = nil
				return nil
			}
			for _, part := range msg.Parts {
				switch part.Type {
				case uir.PartToolCall:
					if part.ToolCall == nil {
						continue
					}
					if err := flushText(); err != nil {
						return nil, err
					}
					items = append(items, wireItem{
						Type:      "function_call",
						CallID:    ensureCallID(part.ToolCall.ID),
						Name:      part.ToolCall.Name,
						Arguments: toolCallArguments(part.ToolCall),
					})
				case uir.PartThinking:
					// Thinking has no lossless input representation; drop it.
				default:
					textParts = append(textParts, part)
				}
			}
			if err := flushText(); err != nil {
				return nil, err
			}

		case uir.RoleTool:
			for _, part := range msg.Parts {
				if part.Type != uir.PartToolResult || part.ToolResult == nil {
					continue
				}
				output, _ := json.Marshal(toolResultText(part.ToolResult))
				items = append(items, wireItem{
					Type:   "function_call_output",
					CallID: part.ToolResult.ToolCallID,
					Output: output,
				})
			}
		}
	}
	if items != nil {
		raw, err := json.Marshal(items)
		if err != nil {
			return nil, err
		}
		wire.Input = raw
	}

	for _, tool := range req.Tools {
		wire.Tools = append(wire.Tools, wireTool{
			Type:        "function",
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schema.Normalize(tool.Parameters),
		})
	}
	if req.ToolChoice != nil {
		var raw json.RawMessage
		switch req.ToolChoice.Mode {
		case uir.ToolChoiceAuto:
			raw, _ = json.Marshal("auto")
		case uir.ToolChoiceNone:
			raw, _ = json.Marshal("none")
		case uir.ToolChoiceRequired:
			raw, _ = json.Marshal("required")
		case uir.ToolChoiceTool:
			raw, _ = json.Marshal(map[string]string{"type": "function", "name": req.ToolChoice.Name})
		}
		wire.ToolChoice = raw
	}
	if req.Thinking != nil && req.Thinking.Enabled {
		effort := string(req.Thinking.Effort)
		if effort == "" || effort == "none" {
			effort = "medium"
		}
		wire.Reasoning = &wireReasoning{Effort: effort}
	}
	return json.Marshal(wire)
}

func buildMessageContent(parts []uir.Part, textType string) (json.RawMessage, error) {
	var out []wireContentPart
	for _, part := range parts {
		switch part.Type {
		case uir.PartText:
			out = append(out, wireContentPart{Type: textType, Text: part.Text})
		case uir.PartImage:
			if part.Image == nil {
				continue
			}
			url := part.Image.URL
			if url == "" && part.Image.Data != "" {
				url = "data:" + part.Image.MimeType + ";base64," + part.Image.Data
			}
			out = append(out, wireContentPart{Type: "input_image", ImageURL: url})
		}
	}
	return json.Marshal(out)
}

// ParseResponse converts a non-streaming Responses reply.
func (c *Codec) ParseResponse(body []byte) (*uir.Response, error) {
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("invalid responses response: %w", err)
	}
	res := &uir.Response{ID: wire.ID, Model: wire.Model}
	hasToolCall := false
	for _, item := range wire.Output {
		switch item.Type {
		case "message":
			parts, err := parseMessageContent(item.Content)
			if err != nil {
				return nil, err
			}
			res.Content = append(res.Content, parts...)

		case "function_call":
			hasToolCall = true
			call := &uir.ToolCall{ID: item.CallID, Name: item.Name, RawArguments: item.Arguments}
			var args map[string]any
			if err := json.Unmarshal([]byte(item.Arguments), &args); err == nil {
				call.Arguments = args
			} else {
				call.Arguments = map[string]any{}
			}
			res.Content = append(res.Content, uir.Part{Type: uir.PartToolCall, ToolCall: call})

		case "reasoning":
			var text string
			for _, sum := range item.Summary {
				text += sum.Text
			}
			if text != "" || item.EncryptedContent != "" {
				res.Content = append(res.Content, uir.Part{Type: uir.PartThinking, Thinking: &uir.ThinkingPart{
					Text:      text,
					Signature: item.EncryptedContent,
				}})
			}
		}
	}
	res.StopReason = stopReasonFromStatus(wire, hasToolCall)
	if wire.Usage != nil {
		res.Usage = usageFromWire(wire.Usage)
	}
	return res, nil
}

// TransformResponse emits a non-streaming Responses reply envelope.
func (c *Codec) TransformResponse(res *uir.Response) ([]byte, error) {
	id := res.ID
	if id == "" {
		id = "resp_" + uuid.NewString()
	}
	wire := wireResponse{
		ID:        id,
		Object:    "response",
		CreatedAt: time.Now().Unix(),
		Model:     res.Model,
		Status:    "completed",
		Output:    []wireItem{},
	}
	if res.StopReason == uir.StopMaxTokens {
		wire.Status = "incomplete"
		wire.IncompleteDetails = &wireIncomplete{Reason: "max_output_tokens"}
	}

	var textParts []uir.Part
	flushText := func() error {
		if len(textParts) == 0 {
			return nil
		}
		content, err := buildMessageContent(textParts, "output_text")
		if err != nil {
			return err
		}
		wire.Output = append(wire.Output, wireItem{
			Type:    "message",
			ID:      "msg_" + uuid.NewString()[:8],
			Role:    "assistant",
			Status:  "completed",
			Content: content,
		})
		textParts = nil
		return nil
	}
	for _, part := range res.Content {
		switch part.Type {
		case uir.PartToolCall:
			if part.ToolCall == nil {
				continue
			}
			if err := flushText(); err != nil {
				return nil, err
			}
			wire.Output = append(wire.Output, wireItem{
				Type:      "function_call",
				ID:        "fc_" + uuid.NewString()[:8],
				CallID:    ensureCallID(part.ToolCall.ID),
				Name:      part.ToolCall.Name,
				Arguments: toolCallArguments(part.ToolCall),
				Status:    "completed",
			})
		case uir.PartThinking:
			if part.Thinking == nil || part.Thinking.Text == "" {
				continue
			}
			if err := flushText(); err != nil {
				return nil, err
			}
			wire.Output = append(wire.Output, wireItem{
				Type:    "reasoning",
				ID:      "rs_" + uuid.NewString()[:8],
				Summary: []wireSummaryPart{{Type: "summary_text", Text: part.Thinking.Text}},
			})
		default:
			textParts = append(textParts, part)
		}
	}
	if err := flushText(); err != nil {
		return nil, err
	}
	if res.Usage != nil {
		wire.Usage = usageToWire(res.Usage)
	}
	return json.Marshal(wire)
}

// --- helpers ---

func ensureCallID(id string) string {
	if id != "" {
		return id
	}
	return "call_" + uuid.NewString()[:8]
}

func toolCallArguments(call *uir.ToolCall) string {
	if call.RawArguments != "" {
		return call.RawArguments
	}
	if call.Arguments != nil {
		raw, err := json.Marshal(call.Arguments)
		if err == nil {
			return string(raw)
		}
	}
	return "{}"
}

func toolResultText(result *uir.ToolResult) string {
	if result.Content != "" {
		return result.Content
	}
	var text string
	for _, part := range result.Parts {
		if part.Type == uir.PartText {
			text += part.Text
		}
	}
	return text
}

func stopReasonFromStatus(wire wireResponse, hasToolCall bool) uir.StopReason {
	if hasToolCall {
		return uir.StopToolUse
	}
	switch wire.Status {
	case "incomplete":
		if wire.IncompleteDetails != nil && wire.IncompleteDetails.Reason == "content_filter" {
			return uir.StopContentFilter
		}
		return uir.StopMaxTokens
	case "failed":
		return uir.StopError
	case "":
		return ""
	default:
		return uir.StopEndTurn
	}
}

func usageFromWire(u *wireUsage) *uir.Usage {
	usage := &uir.Usage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.TotalTokens,
	}
	if u.InputTokenDetails != nil {
		usage.CachedTokens = u.InputTokenDetails.CachedTokens
	}
	if u.OutputTokenDetails != nil {
		usage.ThinkingTokens = u.OutputTokenDetails.ReasoningTokens
	}
	return usage
}

func usageToWire(u *uir.Usage) *wireUsage {
	total := u.TotalTokens
	if total == 0 {
		total = u.InputTokens + u.OutputTokens
	}
	wire := &wireUsage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  total,
	}
	if u.CachedTokens > 0 {
		wire.InputTokenDetails = &wireTokenDetail{CachedTokens: u.CachedTokens}
	}
	if u.ThinkingTokens > 0 {
		wire.OutputTokenDetails = &wireTokenDetail{ReasoningTokens: u.ThinkingTokens}
	}
	return wire
}
