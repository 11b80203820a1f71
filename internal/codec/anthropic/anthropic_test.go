package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmux-dev/llmux/internal/codec/sse"
	"github.com/llmux-dev/llmux/internal/uir"
)

func TestParseRequestSplitsToolResults(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4-5",
		"max_tokens": 1024,
		"messages": [
			{"role": "user", "content": "check the weather"},
			{"role": "assistant", "content": [
				{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "Paris"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "sunny"},
				{"type": "text", "text": "and tomorrow?"}
			]}
		]
	}`)

	c := &Codec{}
	req, err := c.ParseRequest(body)
	require.NoError(t, err)
	require.Len(t, req.Messages, 4)

	assert.Equal(t, uir.RoleUser, req.Messages[0].Role)
	assert.Equal(t, uir.RoleAssistant, req.Messages[1].Role)

	// The tool_result becomes its own tool-role message, ahead of the
	// trailing text which stays a user message.
	assert.Equal(t, uir.RoleTool, req.Messages[2].Role)
	require.Len(t, req.Messages[2].Parts, 1)
	result := req.Messages[2].Parts[0].ToolResult
	require.NotNil(t, result)
	assert.Equal(t, "toolu_1", result.ToolCallID)
	assert.Equal(t, "sunny", result.Content)

	assert.Equal(t, uir.RoleUser, req.Messages[3].Role)
	assert.Equal(t, "and tomorrow?", req.Messages[3].Parts[0].Text)

	require.NotNil(t, req.Config.MaxTokens)
	assert.Equal(t, 1024, *req.Config.MaxTokens)
}

func TestParseRequestSystemBlocks(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4-5",
		"max_tokens": 100,
		"system": [
			{"type": "text", "text": "You are terse.", "cache_control": {"type": "ephemeral"}},
			{"type": "text", "text": "Answer in French."}
		],
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	c := &Codec{}
	req, err := c.ParseRequest(body)
	require.NoError(t, err)
	assert.Equal(t, "You are terse.\nAnswer in French.", req.System)
	require.Len(t, req.SystemBlocks, 2)
	require.NotNil(t, req.SystemBlocks[0].CacheControl)
	assert.Equal(t, "ephemeral", req.SystemBlocks[0].CacheControl.Type)
}

func TestTransformRequestMergesToolMessages(t *testing.T) {
	req := &uir.Request{
		Model: "claude-sonnet-4-5",
		Messages: []uir.Message{
			{Role: uir.RoleAssistant, Parts: []uir.Part{
				{Type: uir.PartToolCall, ToolCall: &uir.ToolCall{ID: "toolu_1", Name: "a", Arguments: map[string]any{}}},
				{Type: uir.PartToolCall, ToolCall: &uir.ToolCall{ID: "toolu_2", Name: "b", Arguments: map[string]any{}}},
			}},
			{Role: uir.RoleTool, Parts: []uir.Part{
				{Type: uir.PartToolResult, ToolResult: &uir.ToolResult{ToolCallID: "toolu_1", Content: "one"}},
			}},
			{Role: uir.RoleTool, Parts: []uir.Part{
				{Type: uir.PartToolResult, ToolResult: &uir.ToolResult{ToolCallID: "toolu_2", Content: "two"}},
			}},
		},
	}

	c := &Codec{}
	out, err := c.TransformRequest(req, "claude-sonnet-4-5")
	require.NoError(t, err)

	var wire wireRequest
	require.NoError(t, json.Unmarshal(out, &wire))
	require.Len(t, wire.Messages, 2)
	assert.Equal(t, "assistant", wire.Messages[0].Role)
	assert.Equal(t, "user", wire.Messages[1].Role)

	var blocks []wireBlock
	require.NoError(t, json.Unmarshal(wire.Messages[1].Content, &blocks))
	require.Len(t, blocks, 2)
	assert.Equal(t, "tool_result", blocks[0].Type)
	assert.Equal(t, "toolu_1", blocks[0].ToolUseID)
	assert.Equal(t, "toolu_2", blocks[1].ToolUseID)

	// max_tokens is required; unset requests get the default.
	assert.Equal(t, defaultMaxTokens, wire.MaxTokens)
}

func TestTransformRequestThinkingBudget(t *testing.T) {
	budget := 2048
	req := &uir.Request{
		Model:    "claude-sonnet-4-5",
		Messages: []uir.Message{{Role: uir.RoleUser, Parts: []uir.Part{uir.TextPart("hi")}}},
		Thinking: &uir.Thinking{Enabled: true, Budget: &budget},
	}

	c := &Codec{}
	out, err := c.TransformRequest(req, "claude-sonnet-4-5")
	require.NoError(t, err)

	var wire wireRequest
	require.NoError(t, json.Unmarshal(out, &wire))
	require.NotNil(t, wire.Thinking)
	assert.Equal(t, "enabled", wire.Thinking.Type)
	require.NotNil(t, wire.Thinking.BudgetTokens)
	assert.Equal(t, 2048, *wire.Thinking.BudgetTokens)
}

func TestResponseRoundTrip(t *testing.T) {
	body := []byte(`{
		"id": "msg_01",
		"type": "message",
		"role": "assistant",
		"model": "claude-sonnet-4-5",
		"content": [
			{"type": "thinking", "thinking": "hmm", "signature": "sig123"},
			{"type": "text", "text": "hello"},
			{"type": "tool_use", "id": "toolu_9", "name": "lookup", "input": {"q": "x"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 12, "output_tokens": 34, "cache_read_input_tokens": 5}
	}`)

	c := &Codec{}
	res, err := c.ParseResponse(body)
	require.NoError(t, err)
	assert.Equal(t, uir.StopToolUse, res.StopReason)
	require.Len(t, res.Content, 3)
	assert.Equal(t, "sig123", res.Content[0].Thinking.Signature)
	assert.Equal(t, "hello", res.Content[1].Text)
	assert.Equal(t, "lookup", res.Content[2].ToolCall.Name)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 5, res.Usage.CachedTokens)

	out, err := c.TransformResponse(res)
	require.NoError(t, err)
	var wire wireResponse
	require.NoError(t, json.Unmarshal(out, &wire))
	assert.Equal(t, "msg_01", wire.ID)
	assert.Equal(t, "tool_use", wire.StopReason)
	require.Len(t, wire.Content, 3)
	assert.Equal(t, "sig123", wire.Content[0].Signature)
}

func TestStreamDecoderLifecycle(t *testing.T) {
	c := &Codec{}
	d := c.NewStreamDecoder()

	frames := []sse.Frame{
		{Event: "message_start", Data: `{"type":"message_start","message":{"id":"msg_01","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"usage":{"input_tokens":10,"output_tokens":1}}}`},
		{Event: "content_block_start", Data: `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
		{Event: "content_block_delta", Data: `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}`},
		{Event: "content_block_stop", Data: `{"type":"content_block_stop","index":0}`},
		{Event: "message_delta", Data: `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":7}}`},
		{Event: "message_stop", Data: `{"type":"message_stop"}`},
	}

	var all []*uir.Chunk
	for _, f := range frames {
		chunks, err := d.Decode(f)
		require.NoError(t, err)
		all = append(all, chunks...)
	}

	require.Len(t, all, 5)
	assert.Equal(t, uir.ChunkUsage, all[0].Type)
	assert.Equal(t, 10, all[0].Usage.InputTokens)
	assert.Equal(t, uir.ChunkContent, all[1].Type)
	assert.Equal(t, "hi", all[1].Delta.Text)
	assert.Equal(t, uir.ChunkBlockStop, all[2].Type)
	assert.Equal(t, uir.ChunkUsage, all[3].Type)
	assert.Equal(t, uir.StopEndTurn, all[3].StopReason)
	assert.Equal(t, uir.ChunkDone, all[4].Type)
}

func TestStreamDecoderToolAndSignature(t *testing.T) {
	c := &Codec{}
	d := c.NewStreamDecoder()

	chunks, err := d.Decode(sse.Frame{Event: "content_block_start", Data: `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{}}}`})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, uir.ChunkToolCall, chunks[0].Type)
	assert.Equal(t, 1, chunks[0].BlockIndex)
	assert.Equal(t, "get_weather", chunks[0].Delta.ToolCall.Name)

	chunks, err = d.Decode(sse.Frame{Event: "content_block_delta", Data: `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, `{"city":`, chunks[0].PartialJSON)
	assert.Nil(t, chunks[0].Delta)

	chunks, err = d.Decode(sse.Frame{Event: "content_block_delta", Data: `{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"abc"}}`})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, uir.ChunkThinking, chunks[0].Type)
	assert.Equal(t, "abc", chunks[0].Delta.Thinking.Signature)
	assert.Empty(t, chunks[0].Delta.Thinking.Text)
}

func TestStreamEncoderLifecycle(t *testing.T) {
	c := &Codec{}
	e := c.NewStreamEncoder("claude-sonnet-4-5")

	var frames []sse.Frame
	push := func(chunk *uir.Chunk) {
		out, err := e.Encode(chunk)
		require.NoError(t, err)
		frames = append(frames, out...)
	}

	push(&uir.Chunk{Type: uir.ChunkContent, BlockIndex: -1, Delta: &uir.Part{Type: uir.PartText, Text: "hel"}})
	push(&uir.Chunk{Type: uir.ChunkContent, BlockIndex: -1, Delta: &uir.Part{Type: uir.PartText, Text: "lo"}})
	push(&uir.Chunk{Type: uir.ChunkUsage, BlockIndex: -1, Usage: &uir.Usage{InputTokens: 3, OutputTokens: 9}})
	push(uir.DoneChunk(uir.StopEndTurn))

	var events []string
	for _, f := range frames {
		events = append(events, f.Event)
	}
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, events)

	// Encoding after the stream finished produces nothing.
	out, err := e.Encode(&uir.Chunk{Type: uir.ChunkContent, Delta: &uir.Part{Type: uir.PartText, Text: "late"}})
	require.NoError(t, err)
	assert.Empty(t, out)

	var deltaEvent wireStreamEvent
	require.NoError(t, json.Unmarshal([]byte(frames[5].Data), &deltaEvent))
	assert.Equal(t, "end_turn", deltaEvent.Delta.StopReason)
	assert.Equal(t, 9, deltaEvent.Usage.OutputTokens)
}

func TestStreamEncoderChunksLargeArguments(t *testing.T) {
	c := &Codec{}
	e := c.NewStreamEncoder("claude-sonnet-4-5")

	long := `{"query":"` + string(make([]byte, 0)) + `"}`
	for len(long) < 130 {
		long = long[:len(long)-2] + "aaaaaaaaaa" + `"}`
	}

	var frames []sse.Frame
	out, err := e.Encode(&uir.Chunk{
		Type:       uir.ChunkToolCall,
		BlockIndex: 0,
		Delta:      &uir.Part{Type: uir.PartToolCall, ToolCall: &uir.ToolCall{ID: "toolu_1", Name: "search"}},
	})
	require.NoError(t, err)
	frames = append(frames, out...)

	out, err = e.Encode(&uir.Chunk{Type: uir.ChunkToolCall, BlockIndex: 0, PartialJSON: long})
	require.NoError(t, err)
	frames = append(frames, out...)

	var rebuilt string
	deltaCount := 0
	for _, f := range frames {
		if f.Event != "content_block_delta" {
			continue
		}
		var ev wireStreamEvent
		require.NoError(t, json.Unmarshal([]byte(f.Data), &ev))
		require.LessOrEqual(t, len(ev.Delta.PartialJSON), inputJSONChunkSize)
		rebuilt += ev.Delta.PartialJSON
		deltaCount++
	}
	assert.Greater(t, deltaCount, 1)
	assert.Equal(t, long, rebuilt)
}

func TestSplitFragments(t *testing.T) {
	assert.Nil(t, splitFragments("", 50))
	assert.Equal(t, []string{"abc"}, splitFragments("abc", 50))

	parts := splitFragments("héllo wörld héllo wörld", 5)
	var joined string
	for _, p := range parts {
		assert.LessOrEqual(t, len(p), 7) // rune boundary may overshoot by a partial rune's width
		joined += p
	}
	assert.Equal(t, "héllo wörld héllo wörld", joined)
}
