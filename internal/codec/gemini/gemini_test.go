package gemini

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmux-dev/llmux/internal/codec/sse"
	"github.com/llmux-dev/llmux/internal/uir"
)

func TestParseRequest(t *testing.T) {
	body := []byte(`{
		"systemInstruction": {"parts": [{"text": "be brief"}]},
		"contents": [
			{"role": "user", "parts": [{"text": "weather in Paris?"}]},
			{"role": "model", "parts": [{"functionCall": {"name": "get__slash__weather", "args": {"city": "Paris"}}}]},
			{"role": "user", "parts": [{"functionResponse": {"name": "get__slash__weather", "response": {"result": "sunny"}}}]}
		],
		"tools": [{"functionDeclarations": [{"name": "get__slash__weather", "parameters": {"type": "object"}}]}],
		"generationConfig": {"temperature": 0.5, "maxOutputTokens": 256}
	}`)

	c := &Codec{}
	req, err := c.ParseRequest(body)
	require.NoError(t, err)

	assert.Equal(t, "be brief", req.System)
	require.Len(t, req.Messages, 3)

	call := req.Messages[1].Parts[0].ToolCall
	require.NotNil(t, call)
	assert.Equal(t, "get/weather", call.Name)
	assert.NotEmpty(t, call.ID)

	result := req.Messages[2].Parts[0].ToolResult
	require.NotNil(t, result)
	assert.Equal(t, call.ID, result.ToolCallID)
	assert.Equal(t, "sunny", result.Content)

	require.Len(t, req.Tools, 1)
	assert.Equal(t, "get/weather", req.Tools[0].Name)

	require.NotNil(t, req.Config.Temperature)
	assert.Equal(t, 0.5, *req.Config.Temperature)
	require.NotNil(t, req.Config.MaxTokens)
	assert.Equal(t, 256, *req.Config.MaxTokens)
}

func TestTransformRequestToolResults(t *testing.T) {
	req := &uir.Request{
		System: "be brief",
		Messages: []uir.Message{
			{Role: uir.RoleAssistant, Parts: []uir.Part{
				{Type: uir.PartToolCall, ToolCall: &uir.ToolCall{
					ID: "call_1", Name: "get/weather",
					Arguments: map[string]any{"city": "Paris"},
				}},
			}},
			{Role: uir.RoleTool, Parts: []uir.Part{
				{Type: uir.PartToolResult, ToolResult: &uir.ToolResult{ToolCallID: "call_1", Content: "sunny"}},
			}},
		},
		Tools: []uir.Tool{{Name: "get/weather", Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city": map[string]any{"type": "string", "default": "x"},
			},
		}}},
	}

	c := &Codec{}
	out, err := c.TransformRequest(req, "gemini-3-pro")
	require.NoError(t, err)

	var wire wireRequest
	require.NoError(t, json.Unmarshal(out, &wire))

	require.NotNil(t, wire.SystemInstruction)
	require.Len(t, wire.Contents, 2)
	assert.Equal(t, "model", wire.Contents[0].Role)
	require.NotNil(t, wire.Contents[0].Parts[0].FunctionCall)
	assert.Equal(t, "get__slash__weather", wire.Contents[0].Parts[0].FunctionCall.Name)

	assert.Equal(t, "user", wire.Contents[1].Role)
	fr := wire.Contents[1].Parts[0].FunctionResponse
	require.NotNil(t, fr)
	assert.Equal(t, "get__slash__weather", fr.Name)
	assert.JSONEq(t, `{"result":"sunny"}`, string(fr.Response))

	// default is stripped by normalization
	params := wire.Tools[0].FunctionDeclarations[0].Parameters
	city := params["properties"].(map[string]any)["city"].(map[string]any)
	_, hasDefault := city["default"]
	assert.False(t, hasDefault)
}

func TestTransformRequestThinkingDisabled(t *testing.T) {
	req := &uir.Request{
		Messages: []uir.Message{{Role: uir.RoleUser, Parts: []uir.Part{uir.TextPart("hi")}}},
		Thinking: &uir.Thinking{Enabled: false},
	}
	c := &Codec{}
	out, err := c.TransformRequest(req, "gemini-3-flash")
	require.NoError(t, err)

	var wire wireRequest
	require.NoError(t, json.Unmarshal(out, &wire))
	require.NotNil(t, wire.GenerationConfig)
	require.NotNil(t, wire.GenerationConfig.ThinkingConfig)
	require.NotNil(t, wire.GenerationConfig.ThinkingConfig.ThinkingBudget)
	assert.Equal(t, 0, *wire.GenerationConfig.ThinkingConfig.ThinkingBudget)
}

func TestParseResponseFunctionCallForcesToolUse(t *testing.T) {
	body := []byte(`{
		"candidates": [{
			"content": {"role": "model", "parts": [
				{"text": "let me check"},
				{"functionCall": {"name": "lookup", "args": {"q": "x"}}}
			]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 7, "candidatesTokenCount": 11, "thoughtsTokenCount": 3}
	}`)

	c := &Codec{}
	res, err := c.ParseResponse(body)
	require.NoError(t, err)
	assert.Equal(t, uir.StopToolUse, res.StopReason)
	require.Len(t, res.Content, 2)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 3, res.Usage.ThinkingTokens)
}

func TestParseResponseFinishReasons(t *testing.T) {
	tests := []struct {
		finish string
		want   uir.StopReason
	}{
		{"STOP", uir.StopEndTurn},
		{"MAX_TOKENS", uir.StopMaxTokens},
		{"SAFETY", uir.StopContentFilter},
		{"RECITATION", ""},
		{"OTHER", ""},
		{"", ""},
	}
	c := &Codec{}
	for _, tt := range tests {
		body := []byte(`{"candidates": [{"finishReason": "` + tt.finish + `"}]}`)
		res, err := c.ParseResponse(body)
		require.NoError(t, err, "finishReason %q", tt.finish)
		assert.Equal(t, tt.want, res.StopReason, "finishReason %q", tt.finish)
	}
}

func TestStreamDecoderToolCall(t *testing.T) {
	c := &Codec{}
	d := c.NewStreamDecoder()

	chunks, err := d.Decode(sse.Frame{Data: `{"candidates":[{"content":{"role":"model","parts":[{"text":"hi "}]}}]}`})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, uir.ChunkContent, chunks[0].Type)

	chunks, err = d.Decode(sse.Frame{Data: `{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"lookup","args":{"q":"x"}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":9}}`})
	require.NoError(t, err)
	// tool call + block stop + usage + done
	require.Len(t, chunks, 4)
	assert.Equal(t, uir.ChunkToolCall, chunks[0].Type)
	assert.Equal(t, "lookup", chunks[0].Delta.ToolCall.Name)
	assert.JSONEq(t, `{"q":"x"}`, chunks[0].PartialJSON)
	assert.Equal(t, uir.ChunkBlockStop, chunks[1].Type)
	assert.Equal(t, uir.ChunkUsage, chunks[2].Type)
	assert.Equal(t, uir.ChunkDone, chunks[3].Type)
	assert.Equal(t, uir.StopToolUse, chunks[3].StopReason)
}

func TestStreamEncoderBuffersToolArguments(t *testing.T) {
	c := &Codec{}
	e := c.NewStreamEncoder("gemini-3-pro")

	frames, err := e.Encode(&uir.Chunk{
		Type:       uir.ChunkToolCall,
		BlockIndex: 0,
		Delta:      &uir.Part{Type: uir.PartToolCall, ToolCall: &uir.ToolCall{ID: "call_1", Name: "lookup"}},
		PartialJSON: `{"q":`,
	})
	require.NoError(t, err)
	assert.Empty(t, frames, "fragments are buffered until the block closes")

	frames, err = e.Encode(&uir.Chunk{Type: uir.ChunkToolCall, BlockIndex: 0, PartialJSON: `"x"}`})
	require.NoError(t, err)
	assert.Empty(t, frames)

	frames, err = e.Encode(&uir.Chunk{Type: uir.ChunkBlockStop, BlockIndex: 0})
	require.NoError(t, err)
	require.Len(t, frames, 1)

	var wire wireResponse
	require.NoError(t, json.Unmarshal([]byte(frames[0].Data), &wire))
	fc := wire.Candidates[0].Content.Parts[0].FunctionCall
	require.NotNil(t, fc)
	assert.Equal(t, "lookup", fc.Name)
	assert.JSONEq(t, `{"q":"x"}`, string(fc.Args))

	frames, err = e.Encode(uir.DoneChunk(uir.StopToolUse))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.NoError(t, json.Unmarshal([]byte(frames[0].Data), &wire))
	assert.Equal(t, "STOP", wire.Candidates[0].FinishReason)
}

func TestStreamEncoderFlushesPendingOnFinish(t *testing.T) {
	c := &Codec{}
	e := c.NewStreamEncoder("gemini-3-pro")

	_, err := e.Encode(&uir.Chunk{
		Type:        uir.ChunkToolCall,
		BlockIndex:  0,
		Delta:       &uir.Part{Type: uir.PartToolCall, ToolCall: &uir.ToolCall{Name: "lookup"}},
		PartialJSON: `{"q":"x"}`,
	})
	require.NoError(t, err)

	frames, err := e.Finish()
	require.NoError(t, err)
	require.Len(t, frames, 2)

	var wire wireResponse
	require.NoError(t, json.Unmarshal([]byte(frames[0].Data), &wire))
	require.NotNil(t, wire.Candidates[0].Content.Parts[0].FunctionCall)
}
