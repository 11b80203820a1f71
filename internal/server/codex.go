package server

import (
	"context"

	"github.com/tidwall/sjson"

	"github.com/llmux-dev/llmux/internal/codec"
	"github.com/llmux-dev/llmux/internal/uir"
)

// buildCodexBody emits a Responses-API request shaped the way the Codex
// CLI sends it: versioned instructions from the template cache, no
// server-side storage, and always streamed (non-streaming callers get the
// stream assembled on the way back).
func (s *Server) buildCodexBody(ctx context.Context, req *uir.Request, model string) ([]byte, error) {
	up := codec.MustFor(codec.FormatOpenAIResponses)
	body, err := up.TransformRequest(req, model)
	if err != nil {
		return nil, err
	}
	body, err = sjson.SetBytes(body, "instructions", s.prompts.Instructions(ctx, model))
	if err != nil {
		return nil, err
	}
	body, err = sjson.SetBytes(body, "store", false)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(body, "stream", true)
}
