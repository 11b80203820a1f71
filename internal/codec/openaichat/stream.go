package openaichat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/llmux-dev/llmux/internal/codec"
	"github.com/llmux-dev/llmux/internal/codec/sse"
	"github.com/llmux-dev/llmux/internal/uir"
)

// NewStreamDecoder returns a decoder for upstream Chat Completions SSE.
func (c *Codec) NewStreamDecoder() codec.StreamDecoder {
	return &streamDecoder{}
}

// NewStreamEncoder returns an encoder producing Chat Completions SSE for
// the client.
func (c *Codec) NewStreamEncoder(model string) codec.StreamEncoder {
	return &streamEncoder{
		id:      "chatcmpl-" + uuid.NewString(),
		created: time.Now().Unix(),
		model:   model,
		blocks:  make(map[int]int),
	}
}

type streamDecoder struct {
	finished bool
}

// Decode translates one upstream frame into unified chunks. The first
// tool_calls delta for a block carries id and name; later deltas carry
// only argument fragments, surfaced as PartialJSON.
func (d *streamDecoder) Decode(frame sse.Frame) ([]*uir.Chunk, error) {
	if frame.IsDone() {
		if d.finished {
			return nil, nil
		}
		d.finished = true
		return []*uir.Chunk{uir.DoneChunk(uir.StopEndTurn)}, nil
	}

	var wire wireChunk
	if err := json.Unmarshal([]byte(frame.Data), &wire); err != nil {
		return nil, fmt.Errorf("invalid chat completions chunk: %w", err)
	}

	var chunks []*uir.Chunk
	if wire.Usage != nil && (wire.Usage.PromptTokens > 0 || wire.Usage.CompletionTokens > 0) {
		chunks = append(chunks, &uir.Chunk{
			Type:       uir.ChunkUsage,
			BlockIndex: -1,
			Usage:      usageFromWire(wire.Usage),
			Model:      wire.Model,
		})
	}
	if len(wire.Choices) == 0 {
		return chunks, nil
	}
	choice := wire.Choices[0]
	delta := choice.Delta

	if delta.ReasoningContent != "" {
		chunks = append(chunks, &uir.Chunk{
			Type:       uir.ChunkThinking,
			BlockIndex: -1,
			BlockType:  uir.PartThinking,
			Delta:      &uir.Part{Type: uir.PartThinking, Thinking: &uir.ThinkingPart{Text: delta.ReasoningContent}},
		})
	}
	if delta.Content != "" {
		chunks = append(chunks, &uir.Chunk{
			Type:       uir.ChunkContent,
			BlockIndex: -1,
			BlockType:  uir.PartText,
			Delta:      &uir.Part{Type: uir.PartText, Text: delta.Content},
		})
	}
	if delta.Refusal != "" {
		chunks = append(chunks, &uir.Chunk{
			Type:       uir.ChunkContent,
			BlockIndex: -1,
			BlockType:  uir.PartText,
			Delta:      &uir.Part{Type: uir.PartText, Text: delta.Refusal},
		})
	}
	for _, tc := range delta.ToolCalls {
		chunk := &uir.Chunk{
			Type:        uir.ChunkToolCall,
			BlockIndex:  tc.Index,
			BlockType:   uir.PartToolCall,
			PartialJSON: tc.Function.Arguments,
		}
		if tc.ID != "" || tc.Function.Name != "" {
			chunk.Delta = &uir.Part{
				Type:     uir.PartToolCall,
				ToolCall: &uir.ToolCall{ID: tc.ID, Name: tc.Function.Name},
			}
		}
		chunks = append(chunks, chunk)
	}
	if choice.FinishReason != "" && !d.finished {
		d.finished = true
		chunks = append(chunks, uir.DoneChunk(stopReasonFromFinish(choice.FinishReason)))
	}
	return chunks, nil
}

type streamEncoder struct {
	id       string
	created  int64
	model    string
	sentRole bool
	finished bool
	usage    *wireUsage
	// blocks maps unified block indices onto OpenAI tool_calls indices.
	blocks    map[int]int
	nextTool  int
	lastBlock int
}

// Encode renders one unified chunk as Chat Completions SSE frames.
func (e *streamEncoder) Encode(chunk *uir.Chunk) ([]sse.Frame, error) {
	if e.finished {
		return nil, nil
	}
	switch chunk.Type {
	case uir.ChunkContent:
		if chunk.Delta == nil {
			return nil, nil
		}
		return e.deltaFrame(wireChunkDelta{Content: chunk.Delta.Text}), nil

	case uir.ChunkThinking:
		if chunk.Delta == nil || chunk.Delta.Thinking == nil || chunk.Delta.Thinking.Text == "" {
			// Signature-only thinking deltas have no Chat Completions
			// representation.
			return nil, nil
		}
		return e.deltaFrame(wireChunkDelta{ReasoningContent: chunk.Delta.Thinking.Text}), nil

	case uir.ChunkToolCall:
		toolIndex := e.toolIndex(chunk.BlockIndex)
		tc := wireToolCall{Index: toolIndex}
		if chunk.Delta != nil && chunk.Delta.ToolCall != nil {
			tc.ID = ensureToolCallID(chunk.Delta.ToolCall.ID)
			tc.Type = "function"
			tc.Function.Name = chunk.Delta.ToolCall.Name
		}
		tc.Function.Arguments = chunk.PartialJSON
		return e.deltaFrame(wireChunkDelta{ToolCalls: []wireToolCall{tc}}), nil

	case uir.ChunkUsage:
		e.usage = usageToWire(chunk.Usage)
		if chunk.StopReason != "" {
			return e.finishFrames(chunk.StopReason), nil
		}
		return nil, nil

	case uir.ChunkBlockStop, uir.ChunkToolResult:
		return nil, nil

	case uir.ChunkDone:
		return e.finishFrames(chunk.StopReason), nil

	case uir.ChunkError:
		e.finished = true
		raw, _ := json.Marshal(wireError{Error: wireErrorDetail{
			Message: chunk.Err.Message,
			Type:    chunk.Err.Type,
			Code:    chunk.Err.Code,
		}})
		return []sse.Frame{sse.DataFrame(string(raw))}, nil
	}
	return nil, nil
}

// Finish closes the stream if the source never produced a done chunk.
func (e *streamEncoder) Finish() ([]sse.Frame, error) {
	if e.finished {
		return nil, nil
	}
	return e.finishFrames(uir.StopEndTurn), nil
}

func (e *streamEncoder) toolIndex(blockIndex int) int {
	if blockIndex < 0 {
		return e.lastBlock
	}
	if idx, ok := e.blocks[blockIndex]; ok {
		e.lastBlock = idx
		return idx
	}
	idx := e.nextTool
	e.nextTool++
	e.blocks[blockIndex] = idx
	e.lastBlock = idx
	return idx
}

func (e *streamEncoder) deltaFrame(delta wireChunkDelta) []sse.Frame {
	if !e.sentRole {
		delta.Role = "assistant"
		e.sentRole = true
	}
	chunk := wireChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []wireChunkChoice{{Delta: delta}},
	}
	raw, _ := json.Marshal(chunk)
	return []sse.Frame{sse.DataFrame(string(raw))}
}

func (e *streamEncoder) finishFrames(reason uir.StopReason) []sse.Frame {
	e.finished = true
	if reason == "" {
		reason = uir.StopEndTurn
	}
	final := wireChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []wireChunkChoice{{
			Delta:        wireChunkDelta{},
			FinishReason: finishFromStopReason(reason),
		}},
		Usage: e.usage,
	}
	raw, _ := json.Marshal(final)
	return []sse.Frame{
		sse.DataFrame(string(raw)),
		sse.DataFrame("[DONE]"),
	}
}
