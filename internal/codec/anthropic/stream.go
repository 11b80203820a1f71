package anthropic

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/llmux-dev/llmux/internal/codec"
	"github.com/llmux-dev/llmux/internal/codec/sse"
	"github.com/llmux-dev/llmux/internal/uir"
)

// inputJSONChunkSize bounds the size of each input_json_delta fragment so
// clients that render arguments incrementally stay responsive.
const inputJSONChunkSize = 50

// NewStreamDecoder returns a decoder for upstream Messages SSE.
func (c *Codec) NewStreamDecoder() codec.StreamDecoder {
	return &streamDecoder{blockTypes: make(map[int]string)}
}

// NewStreamEncoder returns an encoder producing Messages SSE for the
// client.
func (c *Codec) NewStreamEncoder(model string) codec.StreamEncoder {
	return &streamEncoder{
		messageID:     "msg_" + uuid.NewString(),
		model:         model,
		textBlock:     -1,
		thinkingBlock: -1,
		toolBlocks:    make(map[int]int),
		openBlocks:    make(map[int]bool),
	}
}

type streamDecoder struct {
	// blockTypes remembers the content_block_start type per index so
	// content_block_stop can report what kind of block closed.
	blockTypes map[int]string
	finished   bool
}

// Decode translates one upstream Messages event into unified chunks.
func (d *streamDecoder) Decode(frame sse.Frame) ([]*uir.Chunk, error) {
	if frame.IsDone() {
		if d.finished {
			return nil, nil
		}
		d.finished = true
		return []*uir.Chunk{uir.DoneChunk(uir.StopEndTurn)}, nil
	}

	var event wireStreamEvent
	if err := json.Unmarshal([]byte(frame.Data), &event); err != nil {
		return nil, fmt.Errorf("invalid messages event: %w", err)
	}
	eventType := event.Type
	if eventType == "" {
		eventType = frame.Event
	}

	switch eventType {
	case "ping":
		return nil, nil

	case "message_start":
		if event.Message == nil || event.Message.Usage == nil {
			return nil, nil
		}
		return []*uir.Chunk{{
			Type:       uir.ChunkUsage,
			BlockIndex: -1,
			Usage: &uir.Usage{
				InputTokens:  event.Message.Usage.InputTokens,
				OutputTokens: event.Message.Usage.OutputTokens,
				CachedTokens: event.Message.Usage.CacheReadInputTokens,
			},
			Model: event.Message.Model,
		}}, nil

	case "content_block_start":
		if event.ContentBlock == nil {
			return nil, nil
		}
		d.blockTypes[event.Index] = event.ContentBlock.Type
		switch event.ContentBlock.Type {
		case "tool_use":
			return []*uir.Chunk{{
				Type:       uir.ChunkToolCall,
				BlockIndex: event.Index,
				BlockType:  uir.PartToolCall,
				Delta: &uir.Part{Type: uir.PartToolCall, ToolCall: &uir.ToolCall{
					ID:   event.ContentBlock.ID,
					Name: event.ContentBlock.Name,
				}},
			}}, nil
		case "redacted_thinking":
			return []*uir.Chunk{{
				Type:       uir.ChunkThinking,
				BlockIndex: event.Index,
				BlockType:  uir.PartThinking,
				Delta: &uir.Part{Type: uir.PartThinking, Thinking: &uir.ThinkingPart{
					Text:     event.ContentBlock.Data,
					Redacted: true,
				}},
			}}, nil
		}
		// text and thinking blocks surface through their deltas.
		return nil, nil

	case "content_block_delta":
		if event.Delta == nil {
			return nil, nil
		}
		switch event.Delta.Type {
		case "text_delta":
			return []*uir.Chunk{{
				Type:       uir.ChunkContent,
				BlockIndex: event.Index,
				BlockType:  uir.PartText,
				Delta:      &uir.Part{Type: uir.PartText, Text: event.Delta.Text},
			}}, nil
		case "thinking_delta":
			return []*uir.Chunk{{
				Type:       uir.ChunkThinking,
				BlockIndex: event.Index,
				BlockType:  uir.PartThinking,
				Delta:      &uir.Part{Type: uir.PartThinking, Thinking: &uir.ThinkingPart{Text: event.Delta.Thinking}},
			}}, nil
		case "signature_delta":
			return []*uir.Chunk{{
				Type:       uir.ChunkThinking,
				BlockIndex: event.Index,
				BlockType:  uir.PartThinking,
				Delta:      &uir.Part{Type: uir.PartThinking, Thinking: &uir.ThinkingPart{Signature: event.Delta.Signature}},
			}}, nil
		case "input_json_delta":
			return []*uir.Chunk{{
				Type:        uir.ChunkToolCall,
				BlockIndex:  event.Index,
				BlockType:   uir.PartToolCall,
				PartialJSON: event.Delta.PartialJSON,
			}}, nil
		}
		return nil, nil

	case "content_block_stop":
		blockType := uir.PartText
		switch d.blockTypes[event.Index] {
		case "tool_use":
			blockType = uir.PartToolCall
		case "thinking", "redacted_thinking":
			blockType = uir.PartThinking
		}
		return []*uir.Chunk{{
			Type:       uir.ChunkBlockStop,
			BlockIndex: event.Index,
			BlockType:  blockType,
		}}, nil

	case "message_delta":
		chunk := &uir.Chunk{Type: uir.ChunkUsage, BlockIndex: -1}
		if event.Usage != nil {
			chunk.Usage = &uir.Usage{
				InputTokens:  event.Usage.InputTokens,
				OutputTokens: event.Usage.OutputTokens,
				CachedTokens: event.Usage.CacheReadInputTokens,
			}
		}
		if event.Delta != nil && event.Delta.StopReason != "" {
			chunk.StopReason = stopReasonFromWire(event.Delta.StopReason)
		}
		return []*uir.Chunk{chunk}, nil

	case "message_stop":
		if d.finished {
			return nil, nil
		}
		d.finished = true
		return []*uir.Chunk{uir.DoneChunk("")}, nil

	case "error":
		msg := "upstream stream error"
		errType := "api_error"
		if event.Error != nil {
			msg = event.Error.Message
			if event.Error.Type != "" {
				errType = event.Error.Type
			}
		}
		return []*uir.Chunk{{
			Type:       uir.ChunkError,
			BlockIndex: -1,
			Err:        &uir.ErrorInfo{Message: msg, Type: errType},
		}}, nil
	}
	return nil, nil
}

// streamEncoder renders unified chunks as the Messages event lifecycle:
// message_start, per-block start/delta/stop, message_delta, message_stop.
// Blocks open lazily on first content and indices are assigned in arrival
// order.
type streamEncoder struct {
	messageID string
	model     string
	started   bool
	finished  bool

	textBlock     int
	thinkingBlock int
	// toolBlocks maps source block indices onto output block indices.
	toolBlocks map[int]int
	openBlocks map[int]bool
	nextIndex  int
	// lastTool is the output index of the most recently opened tool block,
	// used when argument fragments arrive without a block index.
	lastTool int

	inputTokens  int
	outputTokens int
	cachedTokens int
	stopReason   uir.StopReason
}

// Encode renders one unified chunk as Messages SSE frames.
func (e *streamEncoder) Encode(chunk *uir.Chunk) ([]sse.Frame, error) {
	if e.finished {
		return nil, nil
	}
	var frames []sse.Frame
	frames = append(frames, e.ensureStarted()...)

	switch chunk.Type {
	case uir.ChunkContent:
		if chunk.Delta == nil || chunk.Delta.Text == "" {
			return frames, nil
		}
		if e.textBlock < 0 {
			e.textBlock = e.openBlock(&frames, map[string]any{"type": "text", "text": ""})
		}
		frames = append(frames, e.eventFrame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": e.textBlock,
			"delta": map[string]any{"type": "text_delta", "text": chunk.Delta.Text},
		}))
		return frames, nil

	case uir.ChunkThinking:
		if chunk.Delta == nil || chunk.Delta.Thinking == nil {
			return frames, nil
		}
		think := chunk.Delta.Thinking
		if think.Redacted {
			idx := e.openBlock(&frames, map[string]any{"type": "redacted_thinking", "data": think.Text})
			frames = append(frames, e.closeBlock(idx))
			return frames, nil
		}
		if e.thinkingBlock < 0 {
			e.thinkingBlock = e.openBlock(&frames, map[string]any{"type": "thinking", "thinking": ""})
		}
		if think.Text != "" {
			frames = append(frames, e.eventFrame("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": e.thinkingBlock,
				"delta": map[string]any{"type": "thinking_delta", "thinking": think.Text},
			}))
		}
		if think.Signature != "" {
			frames = append(frames, e.eventFrame("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": e.thinkingBlock,
				"delta": map[string]any{"type": "signature_delta", "signature": think.Signature},
			}))
		}
		return frames, nil

	case uir.ChunkToolCall:
		idx, known := e.toolOutputIndex(chunk.BlockIndex)
		if chunk.Delta != nil && chunk.Delta.ToolCall != nil && chunk.Delta.ToolCall.Name != "" {
			// A named delta opens the block.
			id := chunk.Delta.ToolCall.ID
			if id == "" {
				id = "toolu_" + uuid.NewString()[:8]
			}
			idx = e.openBlock(&frames, map[string]any{
				"type":  "tool_use",
				"id":    id,
				"name":  chunk.Delta.ToolCall.Name,
				"input": map[string]any{},
			})
			if chunk.BlockIndex >= 0 {
				e.toolBlocks[chunk.BlockIndex] = idx
			}
			e.lastTool = idx
		} else if !known {
			// Argument fragments for a block we never saw open still need a
			// home; open an anonymous tool block.
			idx = e.openBlock(&frames, map[string]any{
				"type":  "tool_use",
				"id":    "toolu_" + uuid.NewString()[:8],
				"name":  "",
				"input": map[string]any{},
			})
			if chunk.BlockIndex >= 0 {
				e.toolBlocks[chunk.BlockIndex] = idx
			}
			e.lastTool = idx
		}
		for _, fragment := range splitFragments(chunk.PartialJSON, inputJSONChunkSize) {
			frames = append(frames, e.eventFrame("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": idx,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": fragment},
			}))
		}
		return frames, nil

	case uir.ChunkUsage:
		if chunk.Usage != nil {
			if chunk.Usage.InputTokens > 0 {
				e.inputTokens = chunk.Usage.InputTokens
			}
			if chunk.Usage.OutputTokens > 0 {
				e.outputTokens = chunk.Usage.OutputTokens
			}
			if chunk.Usage.CachedTokens > 0 {
				e.cachedTokens = chunk.Usage.CachedTokens
			}
		}
		if chunk.StopReason != "" {
			e.stopReason = chunk.StopReason
		}
		return frames, nil

	case uir.ChunkBlockStop:
		if idx, ok := e.toolBlocks[chunk.BlockIndex]; ok && e.openBlocks[idx] {
			frames = append(frames, e.closeBlock(idx))
		}
		return frames, nil

	case uir.ChunkToolResult:
		return frames, nil

	case uir.ChunkDone:
		if chunk.StopReason != "" {
			e.stopReason = chunk.StopReason
		}
		return append(frames, e.finishFrames()...), nil

	case uir.ChunkError:
		e.finished = true
		msg := "stream error"
		errType := "api_error"
		if chunk.Err != nil {
			msg = chunk.Err.Message
			if chunk.Err.Type != "" {
				errType = chunk.Err.Type
			}
		}
		frames = append(frames, e.eventFrame("error", map[string]any{
			"type":  "error",
			"error": map[string]any{"type": errType, "message": msg},
		}))
		return frames, nil
	}
	return frames, nil
}

// Finish closes the stream if the source never produced a done chunk.
func (e *streamEncoder) Finish() ([]sse.Frame, error) {
	if e.finished {
		return nil, nil
	}
	frames := e.ensureStarted()
	return append(frames, e.finishFrames()...), nil
}

func (e *streamEncoder) ensureStarted() []sse.Frame {
	if e.started {
		return nil
	}
	e.started = true
	return []sse.Frame{e.eventFrame("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            e.messageID,
			"type":          "message",
			"role":          "assistant",
			"model":         e.model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": e.inputTokens, "output_tokens": 0},
		},
	})}
}

func (e *streamEncoder) openBlock(frames *[]sse.Frame, block map[string]any) int {
	idx := e.nextIndex
	e.nextIndex++
	e.openBlocks[idx] = true
	*frames = append(*frames, e.eventFrame("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         idx,
		"content_block": block,
	}))
	return idx
}

func (e *streamEncoder) closeBlock(idx int) sse.Frame {
	delete(e.openBlocks, idx)
	return e.eventFrame("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": idx,
	})
}

func (e *streamEncoder) toolOutputIndex(blockIndex int) (int, bool) {
	if blockIndex < 0 {
		return e.lastTool, len(e.openBlocks) > 0
	}
	idx, ok := e.toolBlocks[blockIndex]
	return idx, ok
}

func (e *streamEncoder) finishFrames() []sse.Frame {
	e.finished = true

	var open []int
	for idx := range e.openBlocks {
		open = append(open, idx)
	}
	sort.Ints(open)

	var frames []sse.Frame
	for _, idx := range open {
		frames = append(frames, e.closeBlock(idx))
	}

	reason := stopReasonToWire(e.stopReason)
	usage := map[string]any{
		"input_tokens":  e.inputTokens,
		"output_tokens": e.outputTokens,
	}
	if e.cachedTokens > 0 {
		usage["cache_read_input_tokens"] = e.cachedTokens
	}
	frames = append(frames,
		e.eventFrame("message_delta", map[string]any{
			"type": "message_delta",
			"delta": map[string]any{
				"stop_reason":   reason,
				"stop_sequence": nil,
			},
			"usage": usage,
		}),
		e.eventFrame("message_stop", map[string]any{"type": "message_stop"}),
	)
	return frames
}

func (e *streamEncoder) eventFrame(event string, payload map[string]any) sse.Frame {
	raw, _ := json.Marshal(payload)
	return sse.Frame{Event: event, Data: string(raw)}
}

// splitFragments cuts a string into pieces of at most max bytes, splitting
// on rune boundaries so fragments stay valid UTF-8.
func splitFragments(s string, max int) []string {
	if s == "" {
		return nil
	}
	if len(s) <= max {
		return []string{s}
	}
	var out []string
	lastCut := 0
	for i := range s {
		if i-lastCut >= max {
			out = append(out, s[lastCut:i])
			lastCut = i
		}
	}
	if lastCut < len(s) {
		out = append(out, s[lastCut:])
	}
	return out
}
