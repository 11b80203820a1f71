package openaichat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/llmux-dev/llmux/internal/codec"
	"github.com/llmux-dev/llmux/internal/schema"
	"github.com/llmux-dev/llmux/internal/uir"
)

func init() {
	codec.Register(codec.FormatOpenAIChat, func() codec.Codec { return &Codec{} })
}

// Codec implements the OpenAI Chat Completions wire format.
type Codec struct{}

func (c *Codec) Format() codec.Format { return codec.FormatOpenAIChat }

// reasoningModelPrefixes identify models that use max_completion_tokens,
// reject sampling parameters, and take their system prompt with the
// developer role.
var reasoningModelPrefixes = []string{"o1", "o3", "o4", "gpt-5"}

func isReasoningModel(model string) bool {
	for _, prefix := range reasoningModelPrefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

func isGLMModel(model string) bool {
	return strings.HasPrefix(model, "glm-")
}

// ParseRequest converts a Chat Completions request body into the unified
// representation.
func (c *Codec) ParseRequest(body []byte) (*uir.Request, error) {
	var wire wireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("invalid chat completions request: %w", err)
	}

	req := &uir.Request{
		Model:  wire.Model,
		Stream: wire.Stream,
	}

	var systemParts []string
	for _, msg := range wire.Messages {
		switch msg.Role {
		case "system", "developer":
			systemParts = append(systemParts, contentToText(msg.Content))

		case "user":
			parts, err := parseContentParts(msg.Content)
			if err != nil {
				return nil, err
			}
			req.Messages = append(req.Messages, uir.Message{Role: uir.RoleUser, Parts: parts})

		case "assistant":
			var parts []uir.Part
			if msg.ReasoningContent != "" {
				parts = append(parts, uir.Part{
					Type:     uir.PartThinking,
					Thinking: &uir.ThinkingPart{Text: msg.ReasoningContent},
				})
			}
			if text := contentToText(msg.Content); text != "" {
				parts = append(parts, uir.TextPart(text))
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, toolCallPart(tc))
			}
			req.Messages = append(req.Messages, uir.Message{Role: uir.RoleAssistant, Parts: parts})

		case "tool":
			req.Messages = append(req.Messages, uir.Message{
				Role: uir.RoleTool,
				Parts: []uir.Part{{
					Type: uir.PartToolResult,
					ToolResult: &uir.ToolResult{
						ToolCallID: msg.ToolCallID,
						Content:    contentToText(msg.Content),
					},
				}},
			})

		default:
			return nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}
	req.System = strings.Join(compactStrings(systemParts), "\n")

	req.Config = uir.GenConfig{
		Temperature: wire.Temperature,
		TopP:        wire.TopP,
	}
	if wire.MaxTokens != nil {
		req.Config.MaxTokens = wire.MaxTokens
	} else if wire.MaxCompletionTokens != nil {
		req.Config.MaxTokens = wire.MaxCompletionTokens
	}
	req.Config.StopSequences = parseStop(wire.Stop)

	for _, tool := range wire.Tools {
		if tool.Function.Name == "" {
			continue
		}
		req.Tools = append(req.Tools, uir.Tool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  tool.Function.Parameters,
		})
	}
	req.ToolChoice = parseToolChoice(wire.ToolChoice)

	req.Thinking = parseThinking(wire.ReasoningEffort, wire.Thinking)

	if wire.User != "" || len(wire.Metadata) > 0 {
		req.Metadata = make(map[string]string, len(wire.Metadata)+1)
		for k, v := range wire.Metadata {
			req.Metadata[k] = v
		}
		if wire.User != "" {
			req.Metadata["userId"] = wire.User
		}
	}
	return req, nil
}

// TransformRequest emits a Chat Completions request for the given
// upstream model, applying the reasoning-model and GLM field rules.
func (c *Codec) TransformRequest(req *uir.Request, model string) ([]byte, error) {
	reasoning := isReasoningModel(model)

	wire := wireRequest{
		Model:  model,
		Stream: req.Stream,
	}

	if system := systemText(req); system != "" {
		role := "system"
		if reasoning {
			role = "developer"
		}
		wire.Messages = append(wire.Messages, wireMessage{
			Role:    role,
			Content: marshalString(system),
		})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case uir.RoleUser:
			out, err := buildUserMessage(msg)
			if err != nil {
				return nil, err
			}
			wire.Messages = append(wire.Messages, out)
		case uir.RoleAssistant:
			wire.Messages = append(wire.Messages, buildAssistantMessage(msg))
		case uir.RoleTool:
			for _, part := range msg.Parts {
				if part.Type != uir.PartToolResult || part.ToolResult == nil {
					continue
				}
				wire.Messages = append(wire.Messages, wireMessage{
					Role:       "tool",
					ToolCallID: part.ToolResult.ToolCallID,
					Content:    marshalString(toolResultText(part.ToolResult)),
				})
			}
		}
	}

	if req.Config.MaxTokens != nil {
		if reasoning {
			wire.MaxCompletionTokens = req.Config.MaxTokens
		} else {
			wire.MaxTokens = req.Config.MaxTokens
		}
	}
	// Reasoning models reject sampling parameters.
	if !reasoning {
		wire.Temperature = req.Config.Temperature
		wire.TopP = req.Config.TopP
	}
	if len(req.Config.StopSequences) > 0 {
		wire.Stop, _ = json.Marshal(req.Config.StopSequences)
	}

	for _, tool := range req.Tools {
		wire.Tools = append(wire.Tools, wireTool{
			Type: "function",
			Function: wireFunctionDef{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema.Normalize(tool.Parameters),
			},
		})
	}
	wire.ToolChoice = buildToolChoice(req.ToolChoice)

	if req.Thinking != nil {
		switch {
		case isGLMModel(model):
			thinking := &wireThinking{Type: "disabled"}
			if req.Thinking.Enabled {
				thinking.Type = "enabled"
			}
			if req.Thinking.PreserveContext {
				clear := false
				thinking.ClearThinking = &clear
			}
			wire.Thinking = thinking
		case reasoning && req.Thinking.Effort != "":
			wire.ReasoningEffort = string(req.Thinking.Effort)
		}
	}

	if req.Metadata != nil {
		if user, ok := req.Metadata["userId"]; ok {
			wire.User = user
		}
	}
	if req.Stream {
		wire.StreamOptions = &wireStreamOpts{IncludeUsage: true}
	}
	return json.Marshal(wire)
}

// ParseResponse converts a non-streaming Chat Completions reply.
func (c *Codec) ParseResponse(body []byte) (*uir.Response, error) {
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("invalid chat completions response: %w", err)
	}
	res := &uir.Response{ID: wire.ID, Model: wire.Model}
	if len(wire.Choices) > 0 {
		choice := wire.Choices[0]
		if choice.Message.ReasoningContent != "" {
			res.Content = append(res.Content, uir.Part{
				Type:     uir.PartThinking,
				Thinking: &uir.ThinkingPart{Text: choice.Message.ReasoningContent},
			})
		}
		if choice.Message.Content != "" {
			res.Content = append(res.Content, uir.TextPart(choice.Message.Content))
		}
		if choice.Message.Refusal != "" {
			res.Content = append(res.Content, uir.TextPart(choice.Message.Refusal))
		}
		for _, tc := range choice.Message.ToolCalls {
			res.Content = append(res.Content, toolCallPart(tc))
		}
		res.StopReason = stopReasonFromFinish(choice.FinishReason)
	}
	res.Usage = usageFromWire(wire.Usage)
	return res, nil
}

// TransformResponse emits a non-streaming Chat Completions reply.
func (c *Codec) TransformResponse(res *uir.Response) ([]byte, error) {
	message := wireResponseMessage{Role: "assistant"}
	var texts []string
	for _, part := range res.Content {
		switch part.Type {
		case uir.PartText:
			texts = append(texts, part.Text)
		case uir.PartThinking:
			if part.Thinking != nil && part.Thinking.Text != "" {
				message.ReasoningContent += part.Thinking.Text
			}
		case uir.PartToolCall:
			if part.ToolCall == nil {
				continue
			}
			message.ToolCalls = append(message.ToolCalls, wireToolCall{
				Index: len(message.ToolCalls),
				ID:    ensureToolCallID(part.ToolCall.ID),
				Type:  "function",
				Function: wireFunction{
					Name:      part.ToolCall.Name,
					Arguments: toolCallArguments(part.ToolCall),
				},
			})
		}
	}
	message.Content = strings.Join(texts, "")

	id := res.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	wire := wireResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   res.Model,
		Choices: []wireChoice{{
			Message:      message,
			FinishReason: finishFromStopReason(res.StopReason),
		}},
		Usage: usageToWire(res.Usage),
	}
	return json.Marshal(wire)
}

// --- helpers ---

func contentToText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []wireContentPart
	if err := json.Unmarshal(raw, &parts); err == nil {
		var texts []string
		for _, p := range parts {
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return ""
}

func parseContentParts(raw json.RawMessage) ([]uir.Part, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []uir.Part{uir.TextPart(s)}, nil
	}
	var wireParts []wireContentPart
	if err := json.Unmarshal(raw, &wireParts); err != nil {
		return nil, fmt.Errorf("unsupported message content: %w", err)
	}
	var parts []uir.Part
	for _, p := range wireParts {
		switch p.Type {
		case "text":
			parts = append(parts, uir.TextPart(p.Text))
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			parts = append(parts, uir.Part{Type: uir.PartImage, Image: parseImageURL(p.ImageURL.URL)})
		}
	}
	return parts, nil
}

// parseImageURL splits data URLs into mime type + base64 payload; plain
// URLs pass through by reference.
func parseImageURL(url string) *uir.ImageSource {
	if strings.HasPrefix(url, "data:") {
		rest := strings.TrimPrefix(url, "data:")
		if idx := strings.Index(rest, ";base64,"); idx >= 0 {
			return &uir.ImageSource{MimeType: rest[:idx], Data: rest[idx+len(";base64,"):]}
		}
	}
	return &uir.ImageSource{URL: url}
}

func toolCallPart(tc wireToolCall) uir.Part {
	call := &uir.ToolCall{
		ID:           tc.ID,
		Name:         tc.Function.Name,
		RawArguments: tc.Function.Arguments,
	}
	// Best-effort argument parsing; an empty object stands in for
	// malformed JSON.
	call.Arguments = map[string]any{}
	if tc.Function.Arguments != "" {
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err == nil {
			call.Arguments = args
		}
	}
	return uir.Part{Type: uir.PartToolCall, ToolCall: call}
}

func parseStop(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	return nil
}

func parseToolChoice(raw json.RawMessage) *uir.ToolChoice {
	if len(raw) == 0 {
		return nil
	}
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "auto":
			return &uir.ToolChoice{Mode: uir.ToolChoiceAuto}
		case "none":
			return &uir.ToolChoice{Mode: uir.ToolChoiceNone}
		case "required":
			return &uir.ToolChoice{Mode: uir.ToolChoiceRequired}
		}
		return nil
	}
	var named struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err == nil && named.Function.Name != "" {
		return &uir.ToolChoice{Mode: uir.ToolChoiceTool, Name: named.Function.Name}
	}
	return nil
}

func buildToolChoice(choice *uir.ToolChoice) json.RawMessage {
	if choice == nil {
		return nil
	}
	switch choice.Mode {
	case uir.ToolChoiceAuto, uir.ToolChoiceNone, uir.ToolChoiceRequired:
		raw, _ := json.Marshal(string(choice.Mode))
		return raw
	case uir.ToolChoiceTool:
		raw, _ := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]any{"name": choice.Name},
		})
		return raw
	}
	return nil
}

func parseThinking(effort string, glm *wireThinking) *uir.Thinking {
	if glm != nil {
		thinking := &uir.Thinking{Enabled: glm.Type == "enabled"}
		if glm.ClearThinking != nil && !*glm.ClearThinking {
			thinking.PreserveContext = true
		}
		return thinking
	}
	if effort != "" {
		return &uir.Thinking{
			Enabled: effort != string(uir.EffortNone),
			Effort:  uir.ThinkingEffort(effort),
		}
	}
	return nil
}

func buildUserMessage(msg uir.Message) (wireMessage, error) {
	if len(msg.Parts) == 1 && msg.Parts[0].Type == uir.PartText {
		return wireMessage{Role: "user", Content: marshalString(msg.Parts[0].Text)}, nil
	}
	var parts []wireContentPart
	for _, part := range msg.Parts {
		switch part.Type {
		case uir.PartText:
			parts = append(parts, wireContentPart{Type: "text", Text: part.Text})
		case uir.PartImage:
			if part.Image == nil {
				continue
			}
			url := part.Image.URL
			if url == "" {
				url = fmt.Sprintf("data:%s;base64,%s", part.Image.MimeType, part.Image.Data)
			}
			parts = append(parts, wireContentPart{Type: "image_url", ImageURL: &wireImageURL{URL: url}})
		}
	}
	raw, err := json.Marshal(parts)
	if err != nil {
		return wireMessage{}, err
	}
	return wireMessage{Role: "user", Content: raw}, nil
}

func buildAssistantMessage(msg uir.Message) wireMessage {
	out := wireMessage{Role: "assistant"}
	var texts []string
	for _, part := range msg.Parts {
		switch part.Type {
		case uir.PartText:
			texts = append(texts, part.Text)
		case uir.PartThinking:
			if part.Thinking != nil {
				out.ReasoningContent += part.Thinking.Text
			}
		case uir.PartToolCall:
			if part.ToolCall == nil {
				continue
			}
			out.ToolCalls = append(out.ToolCalls, wireToolCall{
				Index: len(out.ToolCalls),
				ID:    ensureToolCallID(part.ToolCall.ID),
				Type:  "function",
				Function: wireFunction{
					Name:      part.ToolCall.Name,
					Arguments: toolCallArguments(part.ToolCall),
				},
			})
		}
	}
	if len(texts) > 0 {
		out.Content = marshalString(strings.Join(texts, ""))
	}
	return out
}

func toolResultText(result *uir.ToolResult) string {
	if result.Content != "" {
		return result.Content
	}
	var texts []string
	for _, part := range result.Parts {
		if part.Type == uir.PartText {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func toolCallArguments(call *uir.ToolCall) string {
	if call.RawArguments != "" {
		return call.RawArguments
	}
	if call.Arguments != nil {
		if raw, err := json.Marshal(call.Arguments); err == nil {
			return string(raw)
		}
	}
	return "{}"
}

func ensureToolCallID(id string) string {
	if id != "" {
		return id
	}
	return "call_" + uuid.NewString()[:8]
}

func marshalString(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}

func compactStrings(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func systemText(req *uir.Request) string {
	var parts []string
	if req.System != "" {
		parts = append(parts, req.System)
	}
	for _, block := range req.SystemBlocks {
		if block.Text != "" && block.Text != req.System {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func stopReasonFromFinish(finish string) uir.StopReason {
	switch finish {
	case "stop":
		return uir.StopEndTurn
	case "length":
		return uir.StopMaxTokens
	case "tool_calls", "function_call":
		return uir.StopToolUse
	case "content_filter":
		return uir.StopContentFilter
	case "":
		return ""
	default:
		return uir.StopEndTurn
	}
}

func finishFromStopReason(reason uir.StopReason) string {
	switch reason {
	case uir.StopMaxTokens:
		return "length"
	case uir.StopToolUse:
		return "tool_calls"
	case uir.StopContentFilter:
		return "content_filter"
	default:
		return "stop"
	}
}

func usageFromWire(w *wireUsage) *uir.Usage {
	if w == nil {
		return nil
	}
	usage := &uir.Usage{
		InputTokens:  w.PromptTokens,
		OutputTokens: w.CompletionTokens,
		TotalTokens:  w.TotalTokens,
	}
	if w.PromptDetails != nil {
		usage.CachedTokens = w.PromptDetails.CachedTokens
	}
	if w.CompletionDetail != nil {
		usage.ThinkingTokens = w.CompletionDetail.ReasoningTokens
	}
	return usage
}

func usageToWire(u *uir.Usage) *wireUsage {
	if u == nil {
		return nil
	}
	total := u.TotalTokens
	if total == 0 {
		total = u.InputTokens + u.OutputTokens
	}
	return &wireUsage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      total,
	}
}
