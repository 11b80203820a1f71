package gemini

import (
	"encoding/json"
	"fmt"

	"github.com/llmux-dev/llmux/internal/codec"
	"github.com/llmux-dev/llmux/internal/schema"
	"github.com/llmux-dev/llmux/internal/uir"
)

func init() {
	codec.Register(codec.FormatGemini, func() codec.Codec { return &Codec{} })
}

// thinkingBudgets maps coarse effort levels onto Gemini thinking budgets.
var thinkingBudgets = map[uir.ThinkingEffort]int{
	uir.EffortLow:    1024,
	uir.EffortMedium: 8192,
	uir.EffortHigh:   24576,
}

// Codec implements the Gemini generateContent wire format.
type Codec struct{}

func (c *Codec) Format() codec.Format { return codec.FormatGemini }

// ParseRequest converts a generateContent request into the unified
// representation. Gemini carries no tool-call IDs, so IDs are synthesized
// and functionResponse parts are matched to calls by name in order.
func (c *Codec) ParseRequest(body []byte) (*uir.Request, error) {
	var wire wireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("invalid generateContent request: %w", err)
	}

	req := &uir.Request{}
	if wire.SystemInstruction != nil {
		for _, part := range wire.SystemInstruction.Parts {
			if part.Text != "" {
				if req.System != "" {
					req.System += "\n"
				}
				req.System += part.Text
			}
		}
	}

	ids := newCallIDTable()
	for _, content := range wire.Contents {
		role := uir.RoleUser
		if content.Role == "model" {
			role = uir.RoleAssistant
		}
		var pending []uir.Part
		flush := func() {
			if len(pending) > 0 {
				req.Messages = append(req.Messages, uir.Message{Role: role, Parts: pending})
				pending = nil
			}
		}
		for _, part := range content.Parts {
			switch {
			case part.FunctionCall != nil:
				name := schema.DecodeToolName(part.FunctionCall.Name)
				call := &uir.ToolCall{ID: ids.issue(name), Name: name}
				if len(part.FunctionCall.Args) > 0 {
					call.RawArguments = string(part.FunctionCall.Args)
					var args map[string]any
					if err := json.Unmarshal(part.FunctionCall.Args, &args); err == nil {
						call.Arguments = args
					} else {
						call.Arguments = map[string]any{}
					}
				}
				pending = append(pending, uir.Part{Type: uir.PartToolCall, ToolCall: call})

			case part.FunctionResponse != nil:
				flush()
				name := schema.DecodeToolName(part.FunctionResponse.Name)
				result := &uir.ToolResult{
					ToolCallID: ids.match(name),
					Content:    functionResponseText(part.FunctionResponse.Response),
				}
				req.Messages = append(req.Messages, uir.Message{
					Role:  uir.RoleTool,
					Parts: []uir.Part{{Type: uir.PartToolResult, ToolResult: result}},
				})

			case part.InlineData != nil:
				pending = append(pending, uir.Part{Type: uir.PartImage, Image: &uir.ImageSource{
					MimeType: part.InlineData.MimeType,
					Data:     part.InlineData.Data,
				}})

			case part.FileData != nil:
				pending = append(pending, uir.Part{Type: uir.PartImage, Image: &uir.ImageSource{
					MimeType: part.FileData.MimeType,
					URL:      part.FileData.FileURI,
				}})

			case part.Thought:
				pending = append(pending, uir.Part{Type: uir.PartThinking, Thinking: &uir.ThinkingPart{
					Text:      part.Text,
					Signature: part.ThoughtSignature,
				}})

			case part.Text != "":
				pending = append(pending, uir.TextPart(part.Text))
			}
		}
		flush()
	}

	for _, decl := range wire.Tools {
		for _, fn := range decl.FunctionDeclarations {
			req.Tools = append(req.Tools, uir.Tool{
				Name:        schema.DecodeToolName(fn.Name),
				Description: fn.Description,
				Parameters:  fn.Parameters,
			})
		}
	}
	if wire.ToolConfig != nil && wire.ToolConfig.FunctionCallingConfig != nil {
		fcc := wire.ToolConfig.FunctionCallingConfig
		switch fcc.Mode {
		case "AUTO":
			req.ToolChoice = &uir.ToolChoice{Mode: uir.ToolChoiceAuto}
		case "NONE":
			req.ToolChoice = &uir.ToolChoice{Mode: uir.ToolChoiceNone}
		case "ANY":
			if len(fcc.AllowedFunctionNames) == 1 {
				req.ToolChoice = &uir.ToolChoice{
					Mode: uir.ToolChoiceTool,
					Name: schema.DecodeToolName(fcc.AllowedFunctionNames[0]),
				}
			} else {
				req.ToolChoice = &uir.ToolChoice{Mode: uir.ToolChoiceRequired}
			}
		}
	}
	if gc := wire.GenerationConfig; gc != nil {
		req.Config.Temperature = gc.Temperature
		req.Config.TopP = gc.TopP
		req.Config.TopK = gc.TopK
		req.Config.MaxTokens = gc.MaxOutputTokens
		req.Config.StopSequences = gc.StopSequences
		if tc := gc.ThinkingConfig; tc != nil {
			enabled := tc.IncludeThoughts || tc.ThinkingBudget == nil || *tc.ThinkingBudget != 0
			req.Thinking = &uir.Thinking{
				Enabled:         enabled,
				Budget:          tc.ThinkingBudget,
				IncludeThoughts: tc.IncludeThoughts,
			}
		}
	}
	return req, nil
}

// TransformRequest emits a generateContent request. Tool-role messages
// become user contents carrying functionResponse parts; tool names are
// encoded to satisfy Gemini's identifier rules.
func (c *Codec) TransformRequest(req *uir.Request, model string) ([]byte, error) {
	_ = model // the model rides in the URL, not the body
	wire := wireRequest{}

	if req.System != "" {
		wire.SystemInstruction = &wireContent{Parts: []wirePart{{Text: req.System}}}
	}

	callNames := collectCallNames(req)
	var contents []wireContent
	appendParts := func(role string, parts []wirePart) {
		if len(parts) == 0 {
			return
		}
		if len(contents) > 0 && contents[len(contents)-1].Role == role {
			contents[len(contents)-1].Parts = append(contents[len(contents)-1].Parts, parts...)
			return
		}
		contents = append(contents, wireContent{Role: role, Parts: parts})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case uir.RoleUser, uir.RoleTool:
			var parts []wirePart
			for _, part := range msg.Parts {
				wp, ok, err := partToWire(part, callNames)
				if err != nil {
					return nil, err
				}
				if ok {
					parts = append(parts, wp)
				}
			}
			appendParts("user", parts)

		case uir.RoleAssistant:
			var parts []wirePart
			for _, part := range msg.Parts {
				wp, ok, err := partToWire(part, callNames)
				if err != nil {
					return nil, err
				}
				if ok {
					parts = append(parts, wp)
				}
			}
			appendParts("model", parts)
		}
	}
	wire.Contents = contents

	if len(req.Tools) > 0 {
		decl := wireToolDecl{}
		for _, tool := range req.Tools {
			decl.FunctionDeclarations = append(decl.FunctionDeclarations, wireFunctionDecl{
				Name:        schema.EncodeToolName(tool.Name),
				Description: tool.Description,
				Parameters: schema.NormalizeFor(tool.Parameters, schema.Options{
					SnakeCaseCompositions: true,
				}),
			})
		}
		wire.Tools = []wireToolDecl{decl}
	}
	if req.ToolChoice != nil {
		fcc := &wireFunctionCallingConfig{}
		switch req.ToolChoice.Mode {
		case uir.ToolChoiceAuto:
			fcc.Mode = "AUTO"
		case uir.ToolChoiceNone:
			fcc.Mode = "NONE"
		case uir.ToolChoiceRequired:
			fcc.Mode = "ANY"
		case uir.ToolChoiceTool:
			fcc.Mode = "ANY"
			fcc.AllowedFunctionNames = []string{schema.EncodeToolName(req.ToolChoice.Name)}
		}
		wire.ToolConfig = &wireToolConfig{FunctionCallingConfig: fcc}
	}

	gc := &wireGenConfig{
		Temperature:     req.Config.Temperature,
		TopP:            req.Config.TopP,
		TopK:            req.Config.TopK,
		MaxOutputTokens: req.Config.MaxTokens,
		StopSequences:   req.Config.StopSequences,
	}
	if req.Thinking != nil {
		tc := &wireThinkingConfig{IncludeThoughts: req.Thinking.IncludeThoughts}
		if !req.Thinking.Enabled {
			zero := 0
			tc.ThinkingBudget = &zero
		} else if req.Thinking.Budget != nil {
			tc.ThinkingBudget = req.Thinking.Budget
		} else if b, ok := thinkingBudgets[req.Thinking.Effort]; ok {
			budget := b
			tc.ThinkingBudget = &budget
		}
		gc.ThinkingConfig = tc
	}
	if gc.Temperature != nil || gc.TopP != nil || gc.TopK != nil ||
		gc.MaxOutputTokens != nil || len(gc.StopSequences) > 0 || gc.ThinkingConfig != nil {
		wire.GenerationConfig = gc
	}
	return json.Marshal(wire)
}

// ParseResponse converts a non-streaming generateContent reply. The first
// candidate wins; a functionCall part forces the tool_use stop reason.
func (c *Codec) ParseResponse(body []byte) (*uir.Response, error) {
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("invalid generateContent response: %w", err)
	}
	res := &uir.Response{ID: wire.ResponseID, Model: wire.ModelVersion}
	hasToolCall := false
	finish := ""
	if len(wire.Candidates) > 0 {
		cand := wire.Candidates[0]
		finish = cand.FinishReason
		if cand.Content != nil {
			ids := newCallIDTable()
			for _, part := range cand.Content.Parts {
				p, ok := responsePartToUIR(part, ids)
				if !ok {
					continue
				}
				if p.Type == uir.PartToolCall {
					hasToolCall = true
				}
				res.Content = append(res.Content, p)
			}
		}
	}
	res.StopReason = stopReasonFromFinish(finish, hasToolCall)
	if wire.UsageMetadata != nil {
		res.Usage = usageFromWire(wire.UsageMetadata)
	}
	return res, nil
}

// TransformResponse emits a non-streaming generateContent reply.
func (c *Codec) TransformResponse(res *uir.Response) ([]byte, error) {
	content := &wireContent{Role: "model"}
	for _, part := range res.Content {
		wp, ok, err := partToWire(part, nil)
		if err != nil {
			return nil, err
		}
		if ok {
			content.Parts = append(content.Parts, wp)
		}
	}
	wire := wireResponse{
		ResponseID:   res.ID,
		ModelVersion: res.Model,
		Candidates: []wireCandidate{{
			Content:      content,
			FinishReason: finishFromStopReason(res.StopReason),
		}},
	}
	if res.Usage != nil {
		wire.UsageMetadata = usageToWire(res.Usage)
	}
	return json.Marshal(wire)
}

// --- helpers ---

// callIDTable synthesizes stable tool-call IDs and matches responses back
// to them by function name, in issue order.
type callIDTable struct {
	counter int
	pending map[string][]string
}

func newCallIDTable() *callIDTable {
	return &callIDTable{pending: make(map[string][]string)}
}

func (t *callIDTable) issue(name string) string {
	t.counter++
	id := fmt.Sprintf("call_%s_%d", name, t.counter)
	t.pending[name] = append(t.pending[name], id)
	return id
}

func (t *callIDTable) match(name string) string {
	queue := t.pending[name]
	if len(queue) == 0 {
		t.counter++
		return fmt.Sprintf("call_%s_%d", name, t.counter)
	}
	id := queue[0]
	t.pending[name] = queue[1:]
	return id
}

// collectCallNames maps tool-call IDs to function names so tool results
// can be rendered as functionResponse parts.
func collectCallNames(req *uir.Request) map[string]string {
	names := make(map[string]string)
	for _, msg := range req.Messages {
		for _, part := range msg.Parts {
			if part.Type == uir.PartToolCall && part.ToolCall != nil {
				names[part.ToolCall.ID] = part.ToolCall.Name
			}
		}
	}
	return names
}

func partToWire(part uir.Part, callNames map[string]string) (wirePart, bool, error) {
	switch part.Type {
	case uir.PartText:
		return wirePart{Text: part.Text}, true, nil

	case uir.PartImage:
		if part.Image == nil {
			return wirePart{}, false, nil
		}
		if part.Image.Data != "" {
			return wirePart{InlineData: &wireBlob{
				MimeType: part.Image.MimeType,
				Data:     part.Image.Data,
			}}, true, nil
		}
		return wirePart{FileData: &wireFileData{
			MimeType: part.Image.MimeType,
			FileURI:  part.Image.URL,
		}}, true, nil

	case uir.PartToolCall:
		if part.ToolCall == nil {
			return wirePart{}, false, nil
		}
		args := json.RawMessage("{}")
		if part.ToolCall.Arguments != nil {
			raw, err := json.Marshal(part.ToolCall.Arguments)
			if err != nil {
				return wirePart{}, false, err
			}
			args = raw
		} else if part.ToolCall.RawArguments != "" && json.Valid([]byte(part.ToolCall.RawArguments)) {
			args = json.RawMessage(part.ToolCall.RawArguments)
		}
		return wirePart{FunctionCall: &wireFunctionCall{
			Name: schema.EncodeToolName(part.ToolCall.Name),
			Args: args,
		}}, true, nil

	case uir.PartToolResult:
		if part.ToolResult == nil {
			return wirePart{}, false, nil
		}
		name := callNames[part.ToolResult.ToolCallID]
		if name == "" {
			name = part.ToolResult.ToolCallID
		}
		response, err := json.Marshal(map[string]any{"result": toolResultText(part.ToolResult)})
		if err != nil {
			return wirePart{}, false, err
		}
		return wirePart{FunctionResponse: &wireFunctionResp{
			Name:     schema.EncodeToolName(name),
			Response: response,
		}}, true, nil

	case uir.PartThinking:
		if part.Thinking == nil || part.Thinking.Redacted {
			return wirePart{}, false, nil
		}
		return wirePart{
			Text:             part.Thinking.Text,
			Thought:          true,
			ThoughtSignature: part.Thinking.Signature,
		}, true, nil
	}
	return wirePart{}, false, nil
}

func responsePartToUIR(part wirePart, ids *callIDTable) (uir.Part, bool) {
	switch {
	case part.FunctionCall != nil:
		name := schema.DecodeToolName(part.FunctionCall.Name)
		call := &uir.ToolCall{ID: ids.issue(name), Name: name}
		if len(part.FunctionCall.Args) > 0 {
			call.RawArguments = string(part.FunctionCall.Args)
			var args map[string]any
			if err := json.Unmarshal(part.FunctionCall.Args, &args); err == nil {
				call.Arguments = args
			} else {
				call.Arguments = map[string]any{}
			}
		}
		return uir.Part{Type: uir.PartToolCall, ToolCall: call}, true

	case part.Thought:
		return uir.Part{Type: uir.PartThinking, Thinking: &uir.ThinkingPart{
			Text:      part.Text,
			Signature: part.ThoughtSignature,
		}}, true

	case part.InlineData != nil:
		return uir.Part{Type: uir.PartImage, Image: &uir.ImageSource{
			MimeType: part.InlineData.MimeType,
			Data:     part.InlineData.Data,
		}}, true

	case part.Text != "":
		return uir.TextPart(part.Text), true
	}
	return uir.Part{}, false
}

func functionResponseText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	for _, key := range []string{"result", "output", "content"} {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			break
		}
		inner, ok := obj[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(inner, &s); err == nil {
			return s
		}
		return string(inner)
	}
	return string(raw)
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

func stopReasonFromFinish(finish string, hasToolCall bool) uir.StopReason {
	if hasToolCall {
		return uir.StopToolUse
	}
	switch finish {
	case "STOP":
		return uir.StopEndTurn
	case "MAX_TOKENS":
		return uir.StopMaxTokens
	case "SAFETY", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return uir.StopContentFilter
	default:
		// Unrecognized reasons (RECITATION, OTHER, ...) have no unified
		// equivalent and must not masquerade as a clean end_turn.
		return ""
	}
}

// Tool use surfaces through the functionCall part; the finish reason is
// still STOP.
func finishFromStopReason(reason uir.StopReason) string {
	switch reason {
	case uir.StopMaxTokens:
		return "MAX_TOKENS"
	case uir.StopContentFilter:
		return "SAFETY"
	default:
		return "STOP"
	}
}

func usageFromWire(u *wireUsage) *uir.Usage {
	return &uir.Usage{
		InputTokens:    u.PromptTokenCount,
		OutputTokens:   u.CandidatesTokenCount,
		TotalTokens:    u.TotalTokenCount,
		ThinkingTokens: u.ThoughtsTokenCount,
		CachedTokens:   u.CachedContentTokenCount,
	}
}

func usageToWire(u *uir.Usage) *wireUsage {
	total := u.TotalTokens
	if total == 0 {
		total = u.InputTokens + u.OutputTokens
	}
	return &wireUsage{
		PromptTokenCount:        u.InputTokens,
		CandidatesTokenCount:    u.OutputTokens,
		TotalTokenCount:         total,
		ThoughtsTokenCount:      u.ThinkingTokens,
		CachedContentTokenCount: u.CachedTokens,
	}
}
