package codec

import (
	"fmt"

	"github.com/llmux-dev/llmux/internal/codec/sse"
	"github.com/llmux-dev/llmux/internal/uir"
)

// Format identifies one of the four supported vendor wire formats.
type Format string

const (
	FormatOpenAIChat      Format = "openai_chat"
	FormatOpenAIResponses Format = "openai_responses"
	FormatAnthropic       Format = "anthropic"
	FormatGemini          Format = "gemini"
)

// Codec converts between one vendor wire format and the unified
// representation. Parse operations fail on schema mismatches; transform
// operations are total for any valid unified value.
type Codec interface {
	Format() Format

	ParseRequest(body []byte) (*uir.Request, error)
	TransformRequest(req *uir.Request, model string) ([]byte, error)

	ParseResponse(body []byte) (*uir.Response, error)
	TransformResponse(res *uir.Response) ([]byte, error)

	// NewStreamDecoder returns a fresh per-connection decoder turning
	// upstream SSE frames into unified chunks.
	NewStreamDecoder() StreamDecoder
	// NewStreamEncoder returns a fresh per-connection encoder turning
	// unified chunks into client SSE frames. model is echoed in envelope
	// events where the format requires it.
	NewStreamEncoder(model string) StreamEncoder
}

// StreamDecoder consumes one upstream frame at a time. A nil, nil return
// means the frame carries nothing translatable (keep-alive, ping).
type StreamDecoder interface {
	Decode(frame sse.Frame) ([]*uir.Chunk, error)
}

// StreamEncoder produces the destination format's frames for each unified
// chunk. Finish flushes whatever closing events the format still owes
// (block stops, message_stop, [DONE]) if the stream ended without a done
// chunk.
type StreamEncoder interface {
	Encode(chunk *uir.Chunk) ([]sse.Frame, error)
	Finish() ([]sse.Frame, error)
}

// registry is populated by For. The codec set is closed; there is no
// runtime extension.
var registry = map[Format]func() Codec{}

// Register installs a codec constructor. Called from the per-vendor
// packages' init via Install.
func Register(format Format, ctor func() Codec) {
	registry[format] = ctor
}

// For returns the codec for a format.
func For(format Format) (Codec, error) {
	ctor, ok := registry[format]
	if !ok {
		return nil, fmt.Errorf("no codec registered for format %q", format)
	}
	return ctor(), nil
}

// MustFor is For for the closed set of known formats; it panics on an
// unknown format and is intended for call sites that already validated it.
func MustFor(format Format) Codec {
	c, err := For(format)
	if err != nil {
		panic(err)
	}
	return c
}
