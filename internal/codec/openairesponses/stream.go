package openairesponses

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/llmux-dev/llmux/internal/codec"
	"github.com/llmux-dev/llmux/internal/codec/sse"
	"github.com/llmux-dev/llmux/internal/uir"
)

// NewStreamDecoder returns a decoder for upstream Responses SSE.
func (c *Codec) NewStreamDecoder() codec.StreamDecoder {
	return &streamDecoder{items: make(map[int]string)}
}

// NewStreamEncoder returns an encoder producing Responses SSE for the
// client.
func (c *Codec) NewStreamEncoder(model string) codec.StreamEncoder {
	return &streamEncoder{
		responseID: "resp_" + uuid.NewString(),
		model:      model,
		created:    time.Now().Unix(),
		textBlock:  -1,
		toolItems:  make(map[int]*toolItem),
	}
}

type streamDecoder struct {
	// items remembers the item type per output index so argument deltas
	// can be attributed.
	items    map[int]string
	sawTool  bool
	finished bool
}

// Decode translates one upstream Responses event into unified chunks.
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
		return nil, fmt.Errorf("invalid responses event: %w", err)
	}
	eventType := event.Type
	if eventType == "" {
		eventType = frame.Event
	}

	switch eventType {
	case "response.output_item.added":
		if event.Item == nil {
			return nil, nil
		}
		d.items[event.OutputIndex] = event.Item.Type
		if event.Item.Type == "function_call" {
			d.sawTool = true
			return []*uir.Chunk{{
				Type:       uir.ChunkToolCall,
				BlockIndex: event.OutputIndex,
				BlockType:  uir.PartToolCall,
				Delta: &uir.Part{Type: uir.PartToolCall, ToolCall: &uir.ToolCall{
					ID:   event.Item.CallID,
					Name: event.Item.Name,
				}},
			}}, nil
		}
		return nil, nil

	case "response.output_text.delta":
		if event.Delta == "" {
			return nil, nil
		}
		return []*uir.Chunk{{
			Type:       uir.ChunkContent,
			BlockIndex: event.OutputIndex,
			BlockType:  uir.PartText,
			Delta:      &uir.Part{Type: uir.PartText, Text: event.Delta},
		}}, nil

	case "response.function_call_arguments.delta":
		return []*uir.Chunk{{
			Type:        uir.ChunkToolCall,
			BlockIndex:  event.OutputIndex,
			BlockType:   uir.PartToolCall,
			PartialJSON: event.Delta,
		}}, nil

	case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
		if event.Delta == "" {
			return nil, nil
		}
		return []*uir.Chunk{{
			Type:       uir.ChunkThinking,
			BlockIndex: event.OutputIndex,
			BlockType:  uir.PartThinking,
			Delta:      &uir.Part{Type: uir.PartThinking, Thinking: &uir.ThinkingPart{Text: event.Delta}},
		}}, nil

	case "response.output_item.done":
		blockType := uir.PartText
		if d.items[event.OutputIndex] == "function_call" {
			blockType = uir.PartToolCall
		}
		return []*uir.Chunk{{
			Type:       uir.ChunkBlockStop,
			BlockIndex: event.OutputIndex,
			BlockType:  blockType,
		}}, nil

	case "response.completed", "response.incomplete":
		var chunks []*uir.Chunk
		if event.Response != nil && event.Response.Usage != nil {
			chunks = append(chunks, &uir.Chunk{
				Type:       uir.ChunkUsage,
				BlockIndex: -1,
				Usage:      usageFromWire(event.Response.Usage),
				Model:      event.Response.Model,
			})
		}
		if !d.finished {
			d.finished = true
			reason := uir.StopEndTurn
			if d.sawTool {
				reason = uir.StopToolUse
			} else if eventType == "response.incomplete" {
				reason = uir.StopMaxTokens
			}
			chunks = append(chunks, uir.DoneChunk(reason))
		}
		return chunks, nil

	case "response.failed", "error":
		msg := "upstream stream error"
		if event.Response != nil && event.Response.Error != nil {
			msg = event.Response.Error.Message
		}
		return []*uir.Chunk{{
			Type:       uir.ChunkError,
			BlockIndex: -1,
			Err:        &uir.ErrorInfo{Message: msg, Type: "api_error"},
		}}, nil
	}
	// response.created, response.in_progress, content_part events and the
	// *.done text echoes carry nothing the deltas did not.
	return nil, nil
}

// toolItem accumulates one function_call output item.
type toolItem struct {
	index  int
	callID string
	name   string
	args   strings.Builder
}

// streamEncoder renders unified chunks as the Responses event lifecycle:
// response.created, per-item added/delta/done, response.completed.
type streamEncoder struct {
	responseID string
	model      string
	created    int64
	started    bool
	finished   bool

	textBlock  int
	textItemID string
	textBuf    strings.Builder

	toolItems map[int]*toolItem
	lastTool  int
	nextIndex int
	sawTool   bool

	usage *wireUsage
}

// Encode renders one unified chunk as Responses SSE frames.
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
			e.textBlock = e.nextIndex
			e.nextIndex++
			e.textItemID = "msg_" + uuid.NewString()[:8]
			frames = append(frames, e.eventFrame("response.output_item.added", map[string]any{
				"type":         "response.output_item.added",
				"output_index": e.textBlock,
				"item": map[string]any{
					"type":    "message",
					"id":      e.textItemID,
					"role":    "assistant",
					"status":  "in_progress",
					"content": []any{},
				},
			}))
		}
		e.textBuf.WriteString(chunk.Delta.Text)
		frames = append(frames, e.eventFrame("response.output_text.delta", map[string]any{
			"type":         "response.output_text.delta",
			"output_index": e.textBlock,
			"item_id":      e.textItemID,
			"delta":        chunk.Delta.Text,
		}))
		return frames, nil

	case uir.ChunkThinking:
		if chunk.Delta == nil || chunk.Delta.Thinking == nil || chunk.Delta.Thinking.Text == "" {
			return frames, nil
		}
		frames = append(frames, e.eventFrame("response.reasoning_summary_text.delta", map[string]any{
			"type":  "response.reasoning_summary_text.delta",
			"delta": chunk.Delta.Thinking.Text,
		}))
		return frames, nil

	case uir.ChunkToolCall:
		idx := chunk.BlockIndex
		if idx < 0 {
			idx = e.lastTool
		}
		item := e.toolItems[idx]
		if item == nil {
			item = &toolItem{index: e.nextIndex}
			e.nextIndex++
			e.toolItems[idx] = item
			e.sawTool = true
			if chunk.Delta != nil && chunk.Delta.ToolCall != nil {
				item.callID = chunk.Delta.ToolCall.ID
				item.name = chunk.Delta.ToolCall.Name
			}
			item.callID = ensureCallID(item.callID)
			frames = append(frames, e.eventFrame("response.output_item.added", map[string]any{
				"type":         "response.output_item.added",
				"output_index": item.index,
				"item": map[string]any{
					"type":      "function_call",
					"id":        "fc_" + uuid.NewString()[:8],
					"call_id":   item.callID,
					"name":      item.name,
					"arguments": "",
					"status":    "in_progress",
				},
			}))
		}
		e.lastTool = idx
		if chunk.PartialJSON != "" {
			item.args.WriteString(chunk.PartialJSON)
			frames = append(frames, e.eventFrame("response.function_call_arguments.delta", map[string]any{
				"type":         "response.function_call_arguments.delta",
				"output_index": item.index,
				"delta":        chunk.PartialJSON,
			}))
		}
		return frames, nil

	case uir.ChunkBlockStop:
		if item, ok := e.toolItems[chunk.BlockIndex]; ok {
			delete(e.toolItems, chunk.BlockIndex)
			frames = append(frames, e.toolDoneFrames(item)...)
		}
		return frames, nil

	case uir.ChunkUsage:
		if chunk.Usage != nil {
			e.usage = usageToWire(chunk.Usage)
		}
		if chunk.StopReason != "" {
			return append(frames, e.finishFrames(chunk.StopReason)...), nil
		}
		return frames, nil

	case uir.ChunkToolResult:
		return frames, nil

	case uir.ChunkDone:
		return append(frames, e.finishFrames(chunk.StopReason)...), nil

	case uir.ChunkError:
		e.finished = true
		msg := "stream error"
		if chunk.Err != nil {
			msg = chunk.Err.Message
		}
		frames = append(frames, e.eventFrame("response.failed", map[string]any{
			"type": "response.failed",
			"response": map[string]any{
				"id":     e.responseID,
				"object": "response",
				"status": "failed",
				"error":  map[string]any{"message": msg},
			},
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
	return append(frames, e.finishFrames(uir.StopEndTurn)...), nil
}

func (e *streamEncoder) ensureStarted() []sse.Frame {
	if e.started {
		return nil
	}
	e.started = true
	return []sse.Frame{e.eventFrame("response.created", map[string]any{
		"type": "response.created",
		"response": map[string]any{
			"id":         e.responseID,
			"object":     "response",
			"created_at": e.created,
			"model":      e.model,
			"status":     "in_progress",
			"output":     []any{},
		},
	})}
}

func (e *streamEncoder) toolDoneFrames(item *toolItem) []sse.Frame {
	args := item.args.String()
	if args == "" {
		args = "{}"
	}
	return []sse.Frame{
		e.eventFrame("response.function_call_arguments.done", map[string]any{
			"type":         "response.function_call_arguments.done",
			"output_index": item.index,
			"arguments":    args,
		}),
		e.eventFrame("response.output_item.done", map[string]any{
			"type":         "response.output_item.done",
			"output_index": item.index,
			"item": map[string]any{
				"type":      "function_call",
				"call_id":   item.callID,
				"name":      item.name,
				"arguments": args,
				"status":    "completed",
			},
		}),
	}
}

func (e *streamEncoder) finishFrames(reason uir.StopReason) []sse.Frame {
	e.finished = true

	var frames []sse.Frame
	if e.textBlock >= 0 {
		frames = append(frames, e.eventFrame("response.output_item.done", map[string]any{
			"type":         "response.output_item.done",
			"output_index": e.textBlock,
			"item": map[string]any{
				"type":   "message",
				"id":     e.textItemID,
				"role":   "assistant",
				"status": "completed",
				"content": []any{map[string]any{
					"type": "output_text",
					"text": e.textBuf.String(),
				}},
			},
		}))
		e.textBlock = -1
	}
	var open []int
	for idx := range e.toolItems {
		open = append(open, idx)
	}
	sort.Ints(open)
	for _, idx := range open {
		item := e.toolItems[idx]
		delete(e.toolItems, idx)
		frames = append(frames, e.toolDoneFrames(item)...)
	}

	status := "completed"
	eventType := "response.completed"
	payload := map[string]any{
		"id":         e.responseID,
		"object":     "response",
		"created_at": e.created,
		"model":      e.model,
		"output":     []any{},
	}
	if reason == uir.StopMaxTokens {
		status = "incomplete"
		eventType = "response.incomplete"
		payload["incomplete_details"] = map[string]any{"reason": "max_output_tokens"}
	}
	payload["status"] = status
	if e.usage != nil {
		payload["usage"] = e.usage
	}
	frames = append(frames,
		e.eventFrame(eventType, map[string]any{"type": eventType, "response": payload}),
		sse.DataFrame("[DONE]"),
	)
	return frames
}

func (e *streamEncoder) eventFrame(event string, payload map[string]any) sse.Frame {
	raw, _ := json.Marshal(payload)
	return sse.Frame{Event: event, Data: string(raw)}
}
