package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/llmux-dev/llmux/internal/codec"
	"github.com/llmux-dev/llmux/internal/codec/sse"
	"github.com/llmux-dev/llmux/internal/uir"
)

// upstreamInfo identifies the account a response came from, for signature
// provenance records.
type upstreamInfo struct {
	provider  string
	endpoint  string
	account   int
	projectID string
}

// relay translates a successful upstream response back into the caller's
// format. The four stream/non-stream combinations are all supported: an
// upstream stream can be assembled into one response for a non-streaming
// caller, and a non-streaming upstream body can be replayed as a stream.
func (s *Server) relay(
	c *gin.Context,
	srcCodec, upCodec codec.Codec,
	req *uir.Request,
	res *http.Response,
	clientStream bool,
	info upstreamInfo,
) {
	defer res.Body.Close()
	upstreamStream := strings.Contains(res.Header.Get("Content-Type"), "text/event-stream")

	switch {
	case upstreamStream && clientStream:
		s.relayStream(c, srcCodec, upCodec, req, res, info)
	case upstreamStream && !clientStream:
		s.relayAssembled(c, srcCodec, upCodec, req, res, info)
	case !upstreamStream && clientStream:
		s.relayReplayed(c, srcCodec, upCodec, req, res, info)
	default:
		s.relayResponse(c, srcCodec, upCodec, res, info)
	}
}

func streamHeaders(c *gin.Context) http.Flusher {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	flusher, _ := c.Writer.(http.Flusher)
	return flusher
}

// relayStream pipes frames through decode/encode as they arrive.
func (s *Server) relayStream(
	c *gin.Context,
	srcCodec, upCodec codec.Codec,
	req *uir.Request,
	res *http.Response,
	info upstreamInfo,
) {
	flusher := streamHeaders(c)
	decoder := upCodec.NewStreamDecoder()
	encoder := srcCodec.NewStreamEncoder(req.Model)

	write := func(frames []sse.Frame) {
		for _, frame := range frames {
			if _, err := c.Writer.WriteString(frame.Render()); err != nil {
				return
			}
		}
		if len(frames) > 0 && flusher != nil {
			flusher.Flush()
		}
	}

	scanner := sse.NewScanner(res.Body)
	for {
		frame, ok := scanner.Next()
		if !ok {
			break
		}
		chunks, err := decoder.Decode(frame)
		if err != nil {
			logrus.WithError(err).Warn("dropping undecodable stream frame")
			continue
		}
		for _, chunk := range chunks {
			s.recordChunkSignature(chunk, info)
			frames, err := encoder.Encode(chunk)
			if err != nil {
				logrus.WithError(err).Warn("stream encode failed")
				continue
			}
			write(frames)
		}
	}
	if err := scanner.Err(); err != nil {
		logrus.WithError(err).Warn("upstream stream read error")
	}
	tail, err := encoder.Finish()
	if err == nil {
		write(tail)
	}
}

// relayAssembled consumes the whole upstream stream and answers with one
// response body.
func (s *Server) relayAssembled(
	c *gin.Context,
	srcCodec, upCodec codec.Codec,
	req *uir.Request,
	res *http.Response,
	info upstreamInfo,
) {
	decoder := upCodec.NewStreamDecoder()
	var all []*uir.Chunk
	scanner := sse.NewScanner(res.Body)
	for {
		frame, ok := scanner.Next()
		if !ok {
			break
		}
		chunks, err := decoder.Decode(frame)
		if err != nil {
			logrus.WithError(err).Warn("dropping undecodable stream frame")
			continue
		}
		for _, chunk := range chunks {
			s.recordChunkSignature(chunk, info)
			all = append(all, chunk)
		}
	}
	if err := scanner.Err(); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	assembled, err := assembleResponse(all, req.Model)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	body, err := srcCodec.TransformResponse(assembled)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

// relayReplayed turns a non-streaming upstream body into a short stream
// for a streaming caller.
func (s *Server) relayReplayed(
	c *gin.Context,
	srcCodec, upCodec codec.Codec,
	req *uir.Request,
	res *http.Response,
	info upstreamInfo,
) {
	body, err := readLimited(res)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	parsed, err := upCodec.ParseResponse(body)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	s.recordResponseSignatures(parsed, info)

	flusher := streamHeaders(c)
	encoder := srcCodec.NewStreamEncoder(req.Model)
	for _, chunk := range chunksFromResponse(parsed) {
		frames, err := encoder.Encode(chunk)
		if err != nil {
			continue
		}
		for _, frame := range frames {
			if _, err := c.Writer.WriteString(frame.Render()); err != nil {
				return
			}
		}
	}
	if tail, err := encoder.Finish(); err == nil {
		for _, frame := range tail {
			c.Writer.WriteString(frame.Render())
		}
	}
	if flusher != nil {
		flusher.Flush()
	}
}

// relayResponse is the plain non-streaming translation.
func (s *Server) relayResponse(c *gin.Context, srcCodec, upCodec codec.Codec, res *http.Response, info upstreamInfo) {
	body, err := readLimited(res)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	parsed, err := upCodec.ParseResponse(body)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("unparseable upstream response: %v", err)})
		return
	}
	s.recordResponseSignatures(parsed, info)
	out, err := srcCodec.TransformResponse(parsed)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", out)
}

func readLimited(res *http.Response) ([]byte, error) {
	const maxBody = 64 << 20
	return io.ReadAll(io.LimitReader(res.Body, maxBody))
}

func (s *Server) recordChunkSignature(chunk *uir.Chunk, info upstreamInfo) {
	if chunk.Type != uir.ChunkThinking || chunk.Delta == nil || chunk.Delta.Thinking == nil {
		return
	}
	sig := chunk.Delta.Thinking.Signature
	if sig == "" {
		return
	}
	if err := s.sigs.Save(sig, info.projectID, info.provider, info.endpoint, info.account); err != nil {
		logrus.WithError(err).Warn("failed to record thinking signature")
	}
}

func (s *Server) recordResponseSignatures(res *uir.Response, info upstreamInfo) {
	for _, part := range res.Content {
		if part.Type != uir.PartThinking || part.Thinking == nil || part.Thinking.Signature == "" {
			continue
		}
		if err := s.sigs.Save(part.Thinking.Signature, info.projectID, info.provider, info.endpoint, info.account); err != nil {
			logrus.WithError(err).Warn("failed to record thinking signature")
		}
	}
}

// blockKey distinguishes accumulation buckets; formats that report no
// block positions use index -1, which never collides with a positioned
// block of another chunk class.
type blockKey struct {
	class uir.ChunkType
	index int
}

type blockAccum struct {
	key       blockKey
	text      strings.Builder
	jsonBuf   strings.Builder
	call      uir.ToolCall
	signature string
	redacted  bool
}

// assembleResponse folds a decoded chunk sequence into one unified
// response: text deltas concatenate per block, tool-argument fragments
// concatenate then parse, usage and stop reason come from the terminal
// chunks.
func assembleResponse(chunks []*uir.Chunk, model string) (*uir.Response, error) {
	blocks := map[blockKey]*blockAccum{}
	var order []blockKey
	var usage *uir.Usage
	var stop uir.StopReason

	get := func(key blockKey) *blockAccum {
		if b, ok := blocks[key]; ok {
			return b
		}
		b := &blockAccum{key: key}
		blocks[key] = b
		order = append(order, key)
		return b
	}

	for _, chunk := range chunks {
		switch chunk.Type {
		case uir.ChunkContent:
			if chunk.Delta != nil {
				get(blockKey{uir.ChunkContent, chunk.BlockIndex}).text.WriteString(chunk.Delta.Text)
			}
		case uir.ChunkThinking:
			b := get(blockKey{uir.ChunkThinking, chunk.BlockIndex})
			if chunk.Delta != nil && chunk.Delta.Thinking != nil {
				t := chunk.Delta.Thinking
				b.text.WriteString(t.Text)
				if t.Signature != "" {
					b.signature = t.Signature
				}
				if t.Redacted {
					b.redacted = true
				}
			}
		case uir.ChunkToolCall:
			b := get(blockKey{uir.ChunkToolCall, chunk.BlockIndex})
			if chunk.Delta != nil && chunk.Delta.ToolCall != nil {
				if chunk.Delta.ToolCall.ID != "" {
					b.call.ID = chunk.Delta.ToolCall.ID
				}
				if chunk.Delta.ToolCall.Name != "" {
					b.call.Name = chunk.Delta.ToolCall.Name
				}
			}
			b.jsonBuf.WriteString(chunk.PartialJSON)
		case uir.ChunkUsage:
			usage = mergeUsage(usage, chunk.Usage)
			if chunk.StopReason != "" {
				stop = chunk.StopReason
			}
		case uir.ChunkDone:
			if chunk.StopReason != "" {
				stop = chunk.StopReason
			}
			usage = mergeUsage(usage, chunk.Usage)
		case uir.ChunkError:
			msg := "upstream stream error"
			if chunk.Err != nil {
				msg = chunk.Err.Message
			}
			return nil, fmt.Errorf("%s", msg)
		}
	}

	res := &uir.Response{
		ID:         "chatcmpl-" + uuid.NewString(),
		Model:      model,
		StopReason: stop,
		Usage:      usage,
	}
	sawTool := false
	for _, key := range order {
		b := blocks[key]
		switch key.class {
		case uir.ChunkContent:
			res.Content = append(res.Content, uir.TextPart(b.text.String()))
		case uir.ChunkThinking:
			res.Content = append(res.Content, uir.Part{
				Type: uir.PartThinking,
				Thinking: &uir.ThinkingPart{
					Text:      b.text.String(),
					Signature: b.signature,
					Redacted:  b.redacted,
				},
			})
		case uir.ChunkToolCall:
			sawTool = true
			call := b.call
			call.RawArguments = b.jsonBuf.String()
			if call.RawArguments != "" {
				var args map[string]any
				if err := json.Unmarshal([]byte(call.RawArguments), &args); err == nil {
					call.Arguments = args
				}
			}
			res.Content = append(res.Content, uir.Part{Type: uir.PartToolCall, ToolCall: &call})
		}
	}
	if res.StopReason == "" {
		if sawTool {
			res.StopReason = uir.StopToolUse
		} else {
			res.StopReason = uir.StopEndTurn
		}
	}
	return res, nil
}

// chunksFromResponse replays a complete response as a chunk sequence so a
// streaming caller sees a well-formed short stream.
func chunksFromResponse(res *uir.Response) []*uir.Chunk {
	var chunks []*uir.Chunk
	for i, part := range res.Content {
		p := part
		switch part.Type {
		case uir.PartText:
			chunks = append(chunks,
				&uir.Chunk{Type: uir.ChunkContent, BlockIndex: i, BlockType: uir.PartText, Delta: &p},
				&uir.Chunk{Type: uir.ChunkBlockStop, BlockIndex: i, BlockType: uir.PartText})
		case uir.PartThinking:
			chunks = append(chunks,
				&uir.Chunk{Type: uir.ChunkThinking, BlockIndex: i, BlockType: uir.PartThinking, Delta: &p},
				&uir.Chunk{Type: uir.ChunkBlockStop, BlockIndex: i, BlockType: uir.PartThinking})
		case uir.PartToolCall:
			raw := ""
			if p.ToolCall != nil {
				raw = p.ToolCall.RawArguments
				if raw == "" && p.ToolCall.Arguments != nil {
					if data, err := json.Marshal(p.ToolCall.Arguments); err == nil {
						raw = string(data)
					}
				}
			}
			chunks = append(chunks,
				&uir.Chunk{Type: uir.ChunkToolCall, BlockIndex: i, BlockType: uir.PartToolCall, Delta: &p, PartialJSON: raw},
				&uir.Chunk{Type: uir.ChunkBlockStop, BlockIndex: i, BlockType: uir.PartToolCall})
		}
	}
	if res.Usage != nil {
		chunks = append(chunks, &uir.Chunk{Type: uir.ChunkUsage, BlockIndex: -1, Usage: res.Usage})
	}
	chunks = append(chunks, uir.DoneChunk(res.StopReason))
	return chunks
}

func mergeUsage(dst, src *uir.Usage) *uir.Usage {
	if src == nil {
		return dst
	}
	if dst == nil {
		u := *src
		return &u
	}
	if src.InputTokens > 0 {
		dst.InputTokens = src.InputTokens
	}
	if src.OutputTokens > 0 {
		dst.OutputTokens = src.OutputTokens
	}
	if src.TotalTokens > 0 {
		dst.TotalTokens = src.TotalTokens
	}
	if src.ThinkingTokens > 0 {
		dst.ThinkingTokens = src.ThinkingTokens
	}
	if src.CachedTokens > 0 {
		dst.CachedTokens = src.CachedTokens
	}
	return dst
}
