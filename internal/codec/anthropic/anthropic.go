package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/llmux-dev/llmux/internal/codec"
	"github.com/llmux-dev/llmux/internal/schema"
	"github.com/llmux-dev/llmux/internal/uir"
)

func init() {
	codec.Register(codec.FormatAnthropic, func() codec.Codec { return &Codec{} })
}

// defaultMaxTokens is used when the unified request carries no limit; the
// Messages API requires max_tokens.
const defaultMaxTokens = 4096

// thinkingBudgets maps coarse effort levels onto budget tokens when the
// request does not pin an explicit budget.
var thinkingBudgets = map[uir.ThinkingEffort]int{
	uir.EffortLow:    1024,
	uir.EffortMedium: 8192,
	uir.EffortHigh:   32768,
}

// Codec implements the Anthropic Messages wire format.
type Codec struct{}

func (c *Codec) Format() codec.Format { return codec.FormatAnthropic }

// ParseRequest converts a Messages request into the unified
// representation. tool_result blocks embedded in user messages become
// standalone tool-role messages, preserving their position.
func (c *Codec) ParseRequest(body []byte) (*uir.Request, error) {
	var wire wireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("invalid messages request: %w", err)
	}

	req := &uir.Request{
		Model:  wire.Model,
		Stream: wire.Stream,
	}
	if err := parseSystem(wire.System, req); err != nil {
		return nil, err
	}

	for _, msg := range wire.Messages {
		blocks, err := parseContent(msg.Content)
		if err != nil {
			return nil, err
		}
		switch msg.Role {
		case "user":
			var pending []uir.Part
			flush := func() {
				if len(pending) > 0 {
					req.Messages = append(req.Messages, uir.Message{Role: uir.RoleUser, Parts: pending})
					pending = nil
				}
			}
			for _, block := range blocks {
				part, err := blockToPart(block)
				if err != nil {
					return nil, err
				}
				if part.Type == uir.PartToolResult {
					flush()
					req.Messages = append(req.Messages, uir.Message{Role: uir.RoleTool, Parts: []uir.Part{part}})
					continue
				}
				pending = append(pending, part)
			}
			flush()

		case "assistant":
			var parts []uir.Part
			for _, block := range blocks {
				part, err := blockToPart(block)
				if err != nil {
					return nil, err
				}
				parts = append(parts, part)
			}
			req.Messages = append(req.Messages, uir.Message{Role: uir.RoleAssistant, Parts: parts})

		default:
			return nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}

	if wire.MaxTokens > 0 {
		max := wire.MaxTokens
		req.Config.MaxTokens = &max
	}
	req.Config.Temperature = wire.Temperature
	req.Config.TopP = wire.TopP
	req.Config.TopK = wire.TopK
	req.Config.StopSequences = wire.StopSequences

	for _, tool := range wire.Tools {
		req.Tools = append(req.Tools, uir.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.InputSchema,
		})
	}
	if wire.ToolChoice != nil {
		switch wire.ToolChoice.Type {
		case "auto":
			req.ToolChoice = &uir.ToolChoice{Mode: uir.ToolChoiceAuto}
		case "any":
			req.ToolChoice = &uir.ToolChoice{Mode: uir.ToolChoiceRequired}
		case "none":
			req.ToolChoice = &uir.ToolChoice{Mode: uir.ToolChoiceNone}
		case "tool":
			req.ToolChoice = &uir.ToolChoice{Mode: uir.ToolChoiceTool, Name: wire.ToolChoice.Name}
		}
	}
	if wire.Thinking != nil {
		req.Thinking = &uir.Thinking{
			Enabled: wire.Thinking.Type == "enabled",
			Budget:  wire.Thinking.BudgetTokens,
		}
	}
	if wire.Metadata != nil && wire.Metadata.UserID != "" {
		req.Metadata = map[string]string{"userId": wire.Metadata.UserID}
	}
	return req, nil
}

// TransformRequest emits a Messages request. Tool-role messages fold back
// into user messages carrying tool_result blocks, merged with adjacent
// user turns to keep role alternation.
func (c *Codec) TransformRequest(req *uir.Request, model string) ([]byte, error) {
	wire := wireRequest{
		Model:         model,
		Stream:        req.Stream,
		Temperature:   req.Config.Temperature,
		TopP:          req.Config.TopP,
		TopK:          req.Config.TopK,
		StopSequences: req.Config.StopSequences,
		MaxTokens:     defaultMaxTokens,
	}
	if req.Config.MaxTokens != nil {
		wire.MaxTokens = *req.Config.MaxTokens
	}

	if len(req.SystemBlocks) > 0 {
		blocks := make([]wireSystemBlock, 0, len(req.SystemBlocks))
		for _, sb := range req.SystemBlocks {
			block := wireSystemBlock{Type: "text", Text: sb.Text}
			if sb.CacheControl != nil {
				block.CacheControl = &wireCacheControl{Type: sb.CacheControl.Type}
			}
			blocks = append(blocks, block)
		}
		raw, err := json.Marshal(blocks)
		if err != nil {
			return nil, err
		}
		wire.System = raw
	} else if req.System != "" {
		raw, _ := json.Marshal(req.System)
		wire.System = raw
	}

	var messages []wireMessage
	appendBlocks := func(role string, blocks []wireBlock) error {
		if len(blocks) == 0 {
			return nil
		}
		if len(messages) > 0 && messages[len(messages)-1].Role == role && role == "user" {
			var existing []wireBlock
			if err := json.Unmarshal(messages[len(messages)-1].Content, &existing); err != nil {
				return err
			}
			merged, err := json.Marshal(append(existing, blocks...))
			if err != nil {
				return err
			}
			messages[len(messages)-1].Content = merged
			return nil
		}
		raw, err := json.Marshal(blocks)
		if err != nil {
			return err
		}
		messages = append(messages, wireMessage{Role: role, Content: raw})
		return nil
	}

	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == uir.RoleAssistant {
			role = "assistant"
		}
		var blocks []wireBlock
		for _, part := range msg.Parts {
			block, ok, err := partToBlock(part)
			if err != nil {
				return nil, err
			}
			if ok {
				blocks = append(blocks, block)
			}
		}
		if err := appendBlocks(role, blocks); err != nil {
			return nil, err
		}
	}
	wire.Messages = messages

	for _, tool := range req.Tools {
		wire.Tools = append(wire.Tools, wireTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema.Normalize(tool.Parameters),
		})
	}
	if req.ToolChoice != nil {
		switch req.ToolChoice.Mode {
		case uir.ToolChoiceAuto:
			wire.ToolChoice = &wireToolChoice{Type: "auto"}
		case uir.ToolChoiceRequired:
			wire.ToolChoice = &wireToolChoice{Type: "any"}
		case uir.ToolChoiceNone:
			wire.ToolChoice = &wireToolChoice{Type: "none"}
		case uir.ToolChoiceTool:
			wire.ToolChoice = &wireToolChoice{Type: "tool", Name: req.ToolChoice.Name}
		}
	}
	if req.Thinking != nil && req.Thinking.Enabled {
		budget := thinkingBudgets[uir.EffortMedium]
		if req.Thinking.Budget != nil {
			budget = *req.Thinking.Budget
		} else if b, ok := thinkingBudgets[req.Thinking.Effort]; ok {
			budget = b
		}
		wire.Thinking = &wireThinking{Type: "enabled", BudgetTokens: &budget}
	}
	if req.Metadata != nil {
		if user, ok := req.Metadata["userId"]; ok {
			wire.Metadata = &wireMetadata{UserID: user}
		}
	}
	return json.Marshal(wire)
}

// ParseResponse converts a non-streaming Messages reply.
func (c *Codec) ParseResponse(body []byte) (*uir.Response, error) {
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("invalid messages response: %w", err)
	}
	res := &uir.Response{ID: wire.ID, Model: wire.Model}
	for _, block := range wire.Content {
		part, err := blockToPart(block)
		if err != nil {
			return nil, err
		}
		res.Content = append(res.Content, part)
	}
	res.StopReason = stopReasonFromWire(wire.StopReason)
	if wire.Usage != nil {
		res.Usage = &uir.Usage{
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
			CachedTokens: wire.Usage.CacheReadInputTokens,
		}
	}
	return res, nil
}

// TransformResponse emits a non-streaming Messages reply envelope.
func (c *Codec) TransformResponse(res *uir.Response) ([]byte, error) {
	id := res.ID
	if id == "" {
		id = "msg_" + uuid.NewString()
	}
	wire := wireResponse{
		ID:         id,
		Type:       "message",
		Role:       "assistant",
		Model:      res.Model,
		StopReason: stopReasonToWire(res.StopReason),
	}
	for _, part := range res.Content {
		block, ok, err := partToBlock(part)
		if err != nil {
			return nil, err
		}
		if ok {
			wire.Content = append(wire.Content, block)
		}
	}
	if wire.Content == nil {
		wire.Content = []wireBlock{}
	}
	if res.Usage != nil {
		wire.Usage = &wireUsage{
			InputTokens:          res.Usage.InputTokens,
			OutputTokens:         res.Usage.OutputTokens,
			CacheReadInputTokens: res.Usage.CachedTokens,
		}
	}
	return json.Marshal(wire)
}

// --- block conversion ---

func parseSystem(raw json.RawMessage, req *uir.Request) error {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		req.System = s
		return nil
	}
	var blocks []wireSystemBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return fmt.Errorf("invalid system prompt: %w", err)
	}
	var texts []string
	for _, block := range blocks {
		texts = append(texts, block.Text)
		sb := uir.SystemBlock{Text: block.Text}
		if block.CacheControl != nil {
			sb.CacheControl = &uir.CacheControl{Type: block.CacheControl.Type}
		}
		req.SystemBlocks = append(req.SystemBlocks, sb)
	}
	req.System = strings.Join(texts, "\n")
	return nil
}

func parseContent(raw json.RawMessage) ([]wireBlock, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []wireBlock{{Type: "text", Text: s}}, nil
	}
	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("invalid message content: %w", err)
	}
	return blocks, nil
}

func blockToPart(block wireBlock) (uir.Part, error) {
	switch block.Type {
	case "text":
		part := uir.TextPart(block.Text)
		if block.CacheControl != nil {
			part.CacheControl = &uir.CacheControl{Type: block.CacheControl.Type}
		}
		return part, nil

	case "image":
		if block.Source == nil {
			return uir.Part{}, fmt.Errorf("image block has no source")
		}
		return uir.Part{Type: uir.PartImage, Image: &uir.ImageSource{
			MimeType: block.Source.MediaType,
			Data:     block.Source.Data,
			URL:      block.Source.URL,
		}}, nil

	case "tool_use":
		call := &uir.ToolCall{ID: block.ID, Name: block.Name}
		if len(block.Input) > 0 {
			call.RawArguments = string(block.Input)
			var args map[string]any
			if err := json.Unmarshal(block.Input, &args); err == nil {
				call.Arguments = args
			} else {
				call.Arguments = map[string]any{}
			}
		}
		return uir.Part{Type: uir.PartToolCall, ToolCall: call}, nil

	case "tool_result":
		result := &uir.ToolResult{ToolCallID: block.ToolUseID, IsError: block.IsError}
		if len(block.Content) > 0 {
			var s string
			if err := json.Unmarshal(block.Content, &s); err == nil {
				result.Content = s
			} else {
				nested, err := parseContent(block.Content)
				if err != nil {
					return uir.Part{}, err
				}
				for _, b := range nested {
					part, err := blockToPart(b)
					if err != nil {
						return uir.Part{}, err
					}
					result.Parts = append(result.Parts, part)
				}
			}
		}
		return uir.Part{Type: uir.PartToolResult, ToolResult: result}, nil

	case "thinking":
		return uir.Part{Type: uir.PartThinking, Thinking: &uir.ThinkingPart{
			Text:      block.Thinking,
			Signature: block.Signature,
		}}, nil

	case "redacted_thinking":
		return uir.Part{Type: uir.PartThinking, Thinking: &uir.ThinkingPart{
			Text:     block.Data,
			Redacted: true,
		}}, nil
	}
	return uir.Part{}, fmt.Errorf("unsupported content block type %q", block.Type)
}

func partToBlock(part uir.Part) (wireBlock, bool, error) {
	switch part.Type {
	case uir.PartText:
		block := wireBlock{Type: "text", Text: part.Text}
		if part.CacheControl != nil {
			block.CacheControl = &wireCacheControl{Type: part.CacheControl.Type}
		}
		return block, true, nil

	case uir.PartImage:
		if part.Image == nil {
			return wireBlock{}, false, nil
		}
		source := &wireImageSource{MediaType: part.Image.MimeType}
		if part.Image.Data != "" {
			source.Type = "base64"
			source.Data = part.Image.Data
		} else {
			source.Type = "url"
			source.URL = part.Image.URL
		}
		return wireBlock{Type: "image", Source: source}, true, nil

	case uir.PartToolCall:
		if part.ToolCall == nil {
			return wireBlock{}, false, nil
		}
		input := json.RawMessage("{}")
		if part.ToolCall.Arguments != nil {
			raw, err := json.Marshal(part.ToolCall.Arguments)
			if err != nil {
				return wireBlock{}, false, err
			}
			input = raw
		} else if part.ToolCall.RawArguments != "" && json.Valid([]byte(part.ToolCall.RawArguments)) {
			input = json.RawMessage(part.ToolCall.RawArguments)
		}
		id := part.ToolCall.ID
		if id == "" {
			id = "toolu_" + uuid.NewString()[:8]
		}
		return wireBlock{Type: "tool_use", ID: id, Name: part.ToolCall.Name, Input: input}, true, nil

	case uir.PartToolResult:
		if part.ToolResult == nil {
			return wireBlock{}, false, nil
		}
		block := wireBlock{
			Type:      "tool_result",
			ToolUseID: part.ToolResult.ToolCallID,
			IsError:   part.ToolResult.IsError,
		}
		if len(part.ToolResult.Parts) > 0 {
			var nested []wireBlock
			for _, p := range part.ToolResult.Parts {
				nb, ok, err := partToBlock(p)
				if err != nil {
					return wireBlock{}, false, err
				}
				if ok {
					nested = append(nested, nb)
				}
			}
			raw, err := json.Marshal(nested)
			if err != nil {
				return wireBlock{}, false, err
			}
			block.Content = raw
		} else {
			raw, _ := json.Marshal(part.ToolResult.Content)
			block.Content = raw
		}
		return block, true, nil

	case uir.PartThinking:
		if part.Thinking == nil {
			return wireBlock{}, false, nil
		}
		if part.Thinking.Redacted {
			return wireBlock{Type: "redacted_thinking", Data: part.Thinking.Text}, true, nil
		}
		return wireBlock{
			Type:      "thinking",
			Thinking:  part.Thinking.Text,
			Signature: part.Thinking.Signature,
		}, true, nil
	}
	return wireBlock{}, false, nil
}

func stopReasonFromWire(reason string) uir.StopReason {
	switch reason {
	case "end_turn":
		return uir.StopEndTurn
	case "max_tokens":
		return uir.StopMaxTokens
	case "tool_use":
		return uir.StopToolUse
	case "stop_sequence":
		return uir.StopStopSequence
	case "refusal":
		return uir.StopContentFilter
	case "":
		return ""
	default:
		return uir.StopEndTurn
	}
}

func stopReasonToWire(reason uir.StopReason) string {
	switch reason {
	case uir.StopMaxTokens:
		return "max_tokens"
	case uir.StopToolUse:
		return "tool_use"
	case uir.StopStopSequence:
		return "stop_sequence"
	case uir.StopContentFilter:
		return "refusal"
	default:
		return "end_turn"
	}
}
