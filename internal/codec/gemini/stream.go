package gemini

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/llmux-dev/llmux/internal/codec"
	"github.com/llmux-dev/llmux/internal/codec/sse"
	"github.com/llmux-dev/llmux/internal/schema"
	"github.com/llmux-dev/llmux/internal/uir"
)

// NewStreamDecoder returns a decoder for upstream streamGenerateContent
// SSE.
func (c *Codec) NewStreamDecoder() codec.StreamDecoder {
	return &streamDecoder{ids: newCallIDTable()}
}

// NewStreamEncoder returns an encoder producing streamGenerateContent SSE
// for the client.
func (c *Codec) NewStreamEncoder(model string) codec.StreamEncoder {
	return &streamEncoder{
		model:   model,
		pending: make(map[int]*pendingCall),
	}
}

type streamDecoder struct {
	ids       *callIDTable
	nextBlock int
	finished  bool
	sawTool   bool
}

// Decode translates one upstream chunk. Gemini sends complete functionCall
// parts rather than argument deltas, so each call becomes an opening
// tool_call chunk carrying the full arguments followed by a block stop.
func (d *streamDecoder) Decode(frame sse.Frame) ([]*uir.Chunk, error) {
	if frame.IsDone() {
		if d.finished {
			return nil, nil
		}
		d.finished = true
		return []*uir.Chunk{uir.DoneChunk(uir.StopEndTurn)}, nil
	}

	var wire wireResponse
	if err := json.Unmarshal([]byte(frame.Data), &wire); err != nil {
		return nil, fmt.Errorf("invalid generateContent chunk: %w", err)
	}

	var chunks []*uir.Chunk
	finish := ""
	if len(wire.Candidates) > 0 {
		cand := wire.Candidates[0]
		finish = cand.FinishReason
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				switch {
				case part.FunctionCall != nil:
					d.sawTool = true
					name := schema.DecodeToolName(part.FunctionCall.Name)
					idx := d.nextBlock
					d.nextBlock++
					args := string(part.FunctionCall.Args)
					chunks = append(chunks,
						&uir.Chunk{
							Type:       uir.ChunkToolCall,
							BlockIndex: idx,
							BlockType:  uir.PartToolCall,
							Delta: &uir.Part{Type: uir.PartToolCall, ToolCall: &uir.ToolCall{
								ID:   d.ids.issue(name),
								Name: name,
							}},
							PartialJSON: args,
						},
						&uir.Chunk{Type: uir.ChunkBlockStop, BlockIndex: idx, BlockType: uir.PartToolCall},
					)

				case part.Thought:
					chunks = append(chunks, &uir.Chunk{
						Type:       uir.ChunkThinking,
						BlockIndex: -1,
						BlockType:  uir.PartThinking,
						Delta: &uir.Part{Type: uir.PartThinking, Thinking: &uir.ThinkingPart{
							Text:      part.Text,
							Signature: part.ThoughtSignature,
						}},
					})

				case part.Text != "":
					chunks = append(chunks, &uir.Chunk{
						Type:       uir.ChunkContent,
						BlockIndex: -1,
						BlockType:  uir.PartText,
						Delta:      &uir.Part{Type: uir.PartText, Text: part.Text},
					})
				}
			}
		}
	}
	if wire.UsageMetadata != nil {
		chunks = append(chunks, &uir.Chunk{
			Type:       uir.ChunkUsage,
			BlockIndex: -1,
			Usage:      usageFromWire(wire.UsageMetadata),
			Model:      wire.ModelVersion,
		})
	}
	if finish != "" && !d.finished {
		d.finished = true
		chunks = append(chunks, uir.DoneChunk(stopReasonFromFinish(finish, d.sawTool)))
	}
	return chunks, nil
}

// pendingCall buffers tool-call fragments until the block closes; Gemini
// wants complete functionCall arguments, not deltas.
type pendingCall struct {
	name string
	args strings.Builder
}

type streamEncoder struct {
	model    string
	finished bool
	sawTool  bool
	pending  map[int]*pendingCall
	// lastBlock is the index of the most recent tool block, used when
	// argument fragments arrive without a block index.
	lastBlock int
	usage     *wireUsage
}

// Encode renders one unified chunk as streamGenerateContent SSE frames.
func (e *streamEncoder) Encode(chunk *uir.Chunk) ([]sse.Frame, error) {
	if e.finished {
		return nil, nil
	}
	switch chunk.Type {
	case uir.ChunkContent:
		if chunk.Delta == nil || chunk.Delta.Text == "" {
			return nil, nil
		}
		return e.contentFrame(wirePart{Text: chunk.Delta.Text}), nil

	case uir.ChunkThinking:
		if chunk.Delta == nil || chunk.Delta.Thinking == nil {
			return nil, nil
		}
		think := chunk.Delta.Thinking
		if think.Text == "" && think.Signature == "" {
			return nil, nil
		}
		return e.contentFrame(wirePart{
			Text:             think.Text,
			Thought:          true,
			ThoughtSignature: think.Signature,
		}), nil

	case uir.ChunkToolCall:
		idx := chunk.BlockIndex
		if idx < 0 {
			idx = e.lastBlock
		}
		call := e.pending[idx]
		if call == nil {
			call = &pendingCall{}
			e.pending[idx] = call
		}
		e.lastBlock = idx
		if chunk.Delta != nil && chunk.Delta.ToolCall != nil && chunk.Delta.ToolCall.Name != "" {
			call.name = chunk.Delta.ToolCall.Name
		}
		call.args.WriteString(chunk.PartialJSON)
		return nil, nil

	case uir.ChunkBlockStop:
		return e.flushCall(chunk.BlockIndex), nil

	case uir.ChunkUsage:
		if chunk.Usage != nil {
			e.usage = usageToWire(chunk.Usage)
		}
		if chunk.StopReason != "" {
			return e.finishFrames(chunk.StopReason), nil
		}
		return nil, nil

	case uir.ChunkToolResult:
		return nil, nil

	case uir.ChunkDone:
		return e.finishFrames(chunk.StopReason), nil

	case uir.ChunkError:
		e.finished = true
		msg := "stream error"
		if chunk.Err != nil {
			msg = chunk.Err.Message
		}
		payload, _ := json.Marshal(map[string]any{
			"error": map[string]any{"message": msg, "status": "INTERNAL", "code": 500},
		})
		return []sse.Frame{sse.DataFrame(string(payload))}, nil
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

func (e *streamEncoder) flushCall(blockIndex int) []sse.Frame {
	if blockIndex < 0 {
		blockIndex = e.lastBlock
	}
	call := e.pending[blockIndex]
	if call == nil {
		return nil
	}
	delete(e.pending, blockIndex)
	e.sawTool = true

	args := json.RawMessage("{}")
	if raw := call.args.String(); raw != "" && json.Valid([]byte(raw)) {
		args = json.RawMessage(raw)
	}
	return e.contentFrame(wirePart{FunctionCall: &wireFunctionCall{
		Name: schema.EncodeToolName(call.name),
		Args: args,
	}})
}

func (e *streamEncoder) contentFrame(part wirePart) []sse.Frame {
	chunk := wireResponse{
		ModelVersion: e.model,
		Candidates: []wireCandidate{{
			Content: &wireContent{Role: "model", Parts: []wirePart{part}},
		}},
	}
	raw, _ := json.Marshal(chunk)
	return []sse.Frame{sse.DataFrame(string(raw))}
}

func (e *streamEncoder) finishFrames(reason uir.StopReason) []sse.Frame {
	e.finished = true

	// Flush tool calls whose block stop never arrived, in index order.
	var open []int
	for idx := range e.pending {
		open = append(open, idx)
	}
	sort.Ints(open)
	var frames []sse.Frame
	for _, idx := range open {
		frames = append(frames, e.flushCall(idx)...)
	}

	final := wireResponse{
		ModelVersion: e.model,
		Candidates: []wireCandidate{{
			Content:      &wireContent{Role: "model", Parts: []wirePart{}},
			FinishReason: finishFromStopReason(reason),
		}},
		UsageMetadata: e.usage,
	}
	raw, _ := json.Marshal(final)
	return append(frames, sse.DataFrame(string(raw)))
}
