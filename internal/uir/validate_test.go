package uir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() *Request {
	return &Request{
		Model: "gpt-5.1",
		Messages: []Message{
			{Role: RoleUser, Parts: []Part{TextPart("hello")}},
		},
	}
}

func TestValidateAcceptsMinimalRequest(t *testing.T) {
	require.NoError(t, validRequest().Validate())
}

func TestValidateRejectsMissingModel(t *testing.T) {
	req := validRequest()
	req.Model = ""
	assert.ErrorIs(t, req.Validate(), ErrNoModel)
}

func TestValidateRejectsEmptyMessages(t *testing.T) {
	req := validRequest()
	req.Messages = nil
	assert.ErrorIs(t, req.Validate(), ErrNoMessages)
}

func TestValidateImageSource(t *testing.T) {
	tests := []struct {
		name  string
		image *ImageSource
		ok    bool
	}{
		{"base64 only", &ImageSource{MimeType: "image/png", Data: "aGk="}, true},
		{"url only", &ImageSource{URL: "https://example.com/a.png"}, true},
		{"both set", &ImageSource{Data: "aGk=", URL: "https://example.com/a.png"}, false},
		{"neither set", &ImageSource{MimeType: "image/png"}, false},
		{"nil source", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			req.Messages[0].Parts = append(req.Messages[0].Parts, Part{Type: PartImage, Image: tt.image})
			err := req.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidateToolResultMustReferenceSeenCall(t *testing.T) {
	req := validRequest()
	req.Messages = append(req.Messages,
		Message{Role: RoleAssistant, Parts: []Part{{
			Type:     PartToolCall,
			ToolCall: &ToolCall{ID: "call_1", Name: "get_weather"},
		}}},
		Message{Role: RoleTool, Parts: []Part{{
			Type:       PartToolResult,
			ToolResult: &ToolResult{ToolCallID: "call_1", Content: "sunny"},
		}}},
	)
	require.NoError(t, req.Validate())

	req.Messages[2].Parts[0].ToolResult.ToolCallID = "call_unknown"
	assert.Error(t, req.Validate())
}

func TestValidateToolMessageNeedsExactlyOneResult(t *testing.T) {
	req := validRequest()
	req.Messages = append(req.Messages, Message{Role: RoleTool, Parts: []Part{
		TextPart("not a result"),
	}})
	assert.Error(t, req.Validate())
}

func TestValidateDuplicateToolNames(t *testing.T) {
	req := validRequest()
	req.Tools = []Tool{{Name: "search"}, {Name: "search"}}
	assert.Error(t, req.Validate())

	req.Tools = []Tool{{Name: "search"}, {Name: "fetch"}}
	assert.NoError(t, req.Validate())
}
