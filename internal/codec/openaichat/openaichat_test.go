package openaichat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/llmux-dev/llmux/internal/codec/sse"
	"github.com/llmux-dev/llmux/internal/uir"
)

func TestParseRequestJoinsSystemAndDeveloper(t *testing.T) {
	body := `{
		"model": "gpt-5.1",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "developer", "content": "use metric units"},
			{"role": "user", "content": "hi"}
		]
	}`
	c := &Codec{}
	req, err := c.ParseRequest([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "be brief\nuse metric units", req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, uir.RoleUser, req.Messages[0].Role)
}

func TestParseRequestImageDataURL(t *testing.T) {
	body := `{
		"model": "gpt-5.1",
		"messages": [{"role": "user", "content": [
			{"type": "text", "text": "what is this"},
			{"type": "image_url", "image_url": {"url": "data:image/png;base64,aGVsbG8="}}
		]}]
	}`
	c := &Codec{}
	req, err := c.ParseRequest([]byte(body))
	require.NoError(t, err)
	require.Len(t, req.Messages[0].Parts, 2)
	img := req.Messages[0].Parts[1]
	require.Equal(t, uir.PartImage, img.Type)
	assert.Equal(t, "image/png", img.Image.MimeType)
	assert.Equal(t, "aGVsbG8=", img.Image.Data)
	assert.Empty(t, img.Image.URL)
}

func TestParseRequestToolFlow(t *testing.T) {
	body := `{
		"model": "gpt-5.1",
		"messages": [
			{"role": "user", "content": "weather in SF"},
			{"role": "assistant", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "get_weather", "arguments": "{\"city\":\"SF\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "sunny"}
		],
		"max_completion_tokens": 256
	}`
	c := &Codec{}
	req, err := c.ParseRequest([]byte(body))
	require.NoError(t, err)
	require.Len(t, req.Messages, 3)

	call := req.Messages[1].Parts[0]
	require.Equal(t, uir.PartToolCall, call.Type)
	assert.Equal(t, "get_weather", call.ToolCall.Name)
	assert.Equal(t, map[string]any{"city": "SF"}, call.ToolCall.Arguments)

	result := req.Messages[2].Parts[0]
	require.Equal(t, uir.PartToolResult, result.Type)
	assert.Equal(t, "call_1", result.ToolResult.ToolCallID)
	assert.Equal(t, "sunny", result.ToolResult.Content)

	require.NotNil(t, req.Config.MaxTokens)
	assert.Equal(t, 256, *req.Config.MaxTokens)
	require.NoError(t, req.Validate())
}

func TestTransformRequestReasoningModelRules(t *testing.T) {
	temp := 0.7
	maxTokens := 512
	req := &uir.Request{
		Model:  "gpt-5.1",
		System: "be brief",
		Messages: []uir.Message{
			{Role: uir.RoleUser, Parts: []uir.Part{uir.TextPart("hi")}},
		},
		Config:   uir.GenConfig{Temperature: &temp, MaxTokens: &maxTokens},
		Thinking: &uir.Thinking{Enabled: true, Effort: uir.EffortHigh},
	}
	c := &Codec{}
	body, err := c.TransformRequest(req, "gpt-5.1")
	require.NoError(t, err)

	assert.Equal(t, "developer", gjson.GetBytes(body, "messages.0.role").String())
	assert.Equal(t, int64(512), gjson.GetBytes(body, "max_completion_tokens").Int())
	assert.False(t, gjson.GetBytes(body, "max_tokens").Exists())
	assert.False(t, gjson.GetBytes(body, "temperature").Exists())
	assert.Equal(t, "high", gjson.GetBytes(body, "reasoning_effort").String())
}

func TestTransformRequestStandardModelKeepsSampling(t *testing.T) {
	temp := 0.7
	req := &uir.Request{
		Model:  "claude-sonnet-4-5",
		System: "be brief",
		Messages: []uir.Message{
			{Role: uir.RoleUser, Parts: []uir.Part{uir.TextPart("hi")}},
		},
		Config: uir.GenConfig{Temperature: &temp},
	}
	c := &Codec{}
	body, err := c.TransformRequest(req, "claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Equal(t, "system", gjson.GetBytes(body, "messages.0.role").String())
	assert.InDelta(t, 0.7, gjson.GetBytes(body, "temperature").Float(), 1e-9)
}

func TestTransformRequestGLMThinking(t *testing.T) {
	req := &uir.Request{
		Model: "glm-4.6",
		Messages: []uir.Message{
			{Role: uir.RoleUser, Parts: []uir.Part{uir.TextPart("hi")}},
		},
		Thinking: &uir.Thinking{Enabled: true, PreserveContext: true},
	}
	c := &Codec{}
	body, err := c.TransformRequest(req, "glm-4.6")
	require.NoError(t, err)
	assert.Equal(t, "enabled", gjson.GetBytes(body, "thinking.type").String())
	assert.False(t, gjson.GetBytes(body, "thinking.clear_thinking").Bool())
}

func TestTransformRequestStreamOptions(t *testing.T) {
	req := &uir.Request{
		Model:  "gpt-5.1",
		Stream: true,
		Messages: []uir.Message{
			{Role: uir.RoleUser, Parts: []uir.Part{uir.TextPart("hi")}},
		},
	}
	c := &Codec{}
	body, err := c.TransformRequest(req, "gpt-5.1")
	require.NoError(t, err)
	assert.True(t, gjson.GetBytes(body, "stream").Bool())
	assert.True(t, gjson.GetBytes(body, "stream_options.include_usage").Bool())
}

func TestParseResponse(t *testing.T) {
	body := `{
		"id": "chatcmpl-abc",
		"model": "gpt-5.1",
		"choices": [{
			"message": {
				"role": "assistant",
				"content": "hello",
				"tool_calls": [{"id": "call_9", "type": "function", "function": {"name": "f", "arguments": "{}"}}]
			},
			"finish_reason": "tool_calls"
		}],
		"usage": {
			"prompt_tokens": 10,
			"completion_tokens": 5,
			"total_tokens": 15,
			"prompt_tokens_details": {"cached_tokens": 4},
			"completion_tokens_details": {"reasoning_tokens": 2}
		}
	}`
	c := &Codec{}
	res, err := c.ParseResponse([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-abc", res.ID)
	assert.Equal(t, uir.StopToolUse, res.StopReason)
	require.Len(t, res.Content, 2)
	assert.Equal(t, "hello", res.Content[0].Text)
	assert.Equal(t, "f", res.Content[1].ToolCall.Name)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 10, res.Usage.InputTokens)
	assert.Equal(t, 4, res.Usage.CachedTokens)
	assert.Equal(t, 2, res.Usage.ThinkingTokens)
}

func TestTransformResponse(t *testing.T) {
	res := &uir.Response{
		Model: "gpt-5.1",
		Content: []uir.Part{
			uir.TextPart("answer"),
			{Type: uir.PartToolCall, ToolCall: &uir.ToolCall{Name: "f", RawArguments: `{"x":1}`}},
		},
		StopReason: uir.StopToolUse,
		Usage:      &uir.Usage{InputTokens: 3, OutputTokens: 7},
	}
	c := &Codec{}
	body, err := c.TransformResponse(res)
	require.NoError(t, err)
	assert.Equal(t, "chat.completion", gjson.GetBytes(body, "object").String())
	assert.Equal(t, "answer", gjson.GetBytes(body, "choices.0.message.content").String())
	assert.Equal(t, "tool_calls", gjson.GetBytes(body, "choices.0.finish_reason").String())
	assert.NotEmpty(t, gjson.GetBytes(body, "choices.0.message.tool_calls.0.id").String())
	assert.Equal(t, int64(10), gjson.GetBytes(body, "usage.total_tokens").Int())
}

func TestStreamDecoder(t *testing.T) {
	d := (&Codec{}).NewStreamDecoder()

	chunks, err := d.Decode(sse.DataFrame(`{"choices":[{"delta":{"role":"assistant","content":"hel"}}]}`))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, uir.ChunkContent, chunks[0].Type)
	assert.Equal(t, "hel", chunks[0].Delta.Text)
	assert.Equal(t, -1, chunks[0].BlockIndex)

	chunks, err = d.Decode(sse.DataFrame(`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"f","arguments":""}}]}}]}`))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, uir.ChunkToolCall, chunks[0].Type)
	assert.Equal(t, "call_1", chunks[0].Delta.ToolCall.ID)

	chunks, err = d.Decode(sse.DataFrame(`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"x\":"}}]}}]}`))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Nil(t, chunks[0].Delta)
	assert.Equal(t, `{"x":`, chunks[0].PartialJSON)

	chunks, err = d.Decode(sse.DataFrame(`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, uir.ChunkDone, chunks[0].Type)
	assert.Equal(t, uir.StopToolUse, chunks[0].StopReason)

	// [DONE] after an explicit finish emits nothing.
	chunks, err = d.Decode(sse.DataFrame("[DONE]"))
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestStreamDecoderUsageChunk(t *testing.T) {
	d := (&Codec{}).NewStreamDecoder()
	chunks, err := d.Decode(sse.DataFrame(`{"choices":[],"usage":{"prompt_tokens":9,"completion_tokens":4}}`))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, uir.ChunkUsage, chunks[0].Type)
	assert.Equal(t, 9, chunks[0].Usage.InputTokens)
}

func TestStreamEncoderLifecycle(t *testing.T) {
	e := (&Codec{}).NewStreamEncoder("gpt-5.1")

	frames, err := e.Encode(&uir.Chunk{
		Type: uir.ChunkContent, BlockIndex: 0, BlockType: uir.PartText,
		Delta: &uir.Part{Type: uir.PartText, Text: "hi"},
	})
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "assistant", gjson.Get(frames[0].Data, "choices.0.delta.role").String())
	assert.Equal(t, "hi", gjson.Get(frames[0].Data, "choices.0.delta.content").String())

	frames, err = e.Encode(&uir.Chunk{
		Type: uir.ChunkToolCall, BlockIndex: 2, BlockType: uir.PartToolCall,
		Delta:       &uir.Part{Type: uir.PartToolCall, ToolCall: &uir.ToolCall{ID: "call_1", Name: "f"}},
		PartialJSON: `{"x":1}`,
	})
	require.NoError(t, err)
	require.Len(t, frames, 1)
	// Block 2 is the first tool block, so it takes OpenAI index 0.
	assert.Equal(t, int64(0), gjson.Get(frames[0].Data, "choices.0.delta.tool_calls.0.index").Int())
	assert.Equal(t, "f", gjson.Get(frames[0].Data, "choices.0.delta.tool_calls.0.function.name").String())

	frames, err = e.Encode(&uir.Chunk{Type: uir.ChunkUsage, BlockIndex: -1, Usage: &uir.Usage{InputTokens: 5, OutputTokens: 2}})
	require.NoError(t, err)
	assert.Empty(t, frames)

	frames, err = e.Encode(uir.DoneChunk(uir.StopToolUse))
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "tool_calls", gjson.Get(frames[0].Data, "choices.0.finish_reason").String())
	assert.Equal(t, int64(5), gjson.Get(frames[0].Data, "usage.prompt_tokens").Int())
	assert.True(t, frames[1].IsDone())

	// Finish after done is a no-op.
	frames, err = e.Finish()
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestStreamEncoderFinishWithoutDone(t *testing.T) {
	e := (&Codec{}).NewStreamEncoder("gpt-5.1")
	frames, err := e.Finish()
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "stop", gjson.Get(frames[0].Data, "choices.0.finish_reason").String())
	assert.True(t, frames[1].IsDone())
}

func TestRequestRoundTripPreservesToolArguments(t *testing.T) {
	raw := `{"nested":{"deep":[1,2,3]},"flag":true}`
	req := &uir.Request{
		Model: "gpt-5.1",
		Messages: []uir.Message{
			{Role: uir.RoleAssistant, Parts: []uir.Part{{
				Type:     uir.PartToolCall,
				ToolCall: &uir.ToolCall{ID: "call_1", Name: "f", RawArguments: raw},
			}}},
		},
	}
	c := &Codec{}
	body, err := c.TransformRequest(req, "gpt-5.1")
	require.NoError(t, err)

	var echoed map[string]any
	require.NoError(t, json.Unmarshal([]byte(gjson.GetBytes(body, "messages.0.tool_calls.0.function.arguments").String()), &echoed))
	var want map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &want))
	assert.Equal(t, want, echoed)
}
