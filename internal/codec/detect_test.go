package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Format
	}{
		{
			"gemini contents array",
			`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`,
			FormatGemini,
		},
		{
			"responses string input",
			`{"model":"gpt-5.1","input":"hi"}`,
			FormatOpenAIResponses,
		},
		{
			"responses by instructions key",
			`{"model":"gpt-5.1","messages":[],"instructions":"be brief"}`,
			FormatOpenAIResponses,
		},
		{
			"responses by max_output_tokens",
			`{"model":"gpt-5.1","max_output_tokens":128,"input":[]}`,
			FormatOpenAIResponses,
		},
		{
			"anthropic system plus messages",
			`{"model":"claude-sonnet-4-5","system":"be brief","messages":[{"role":"user","content":"hi"}]}`,
			FormatAnthropic,
		},
		{
			"chat completions",
			`{"model":"gpt-5.1","messages":[{"role":"user","content":"hi"}]}`,
			FormatOpenAIChat,
		},
		{
			"empty object falls back to chat",
			`{}`,
			FormatOpenAIChat,
		},
		{
			"input alongside messages stays chat",
			`{"model":"m","messages":[{"role":"user","content":"hi"}],"input":"x"}`,
			FormatOpenAIChat,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Detect([]byte(tt.body)))
		})
	}
}

func TestDetectIsDeterministic(t *testing.T) {
	body := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	first := Detect(body)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Detect(body))
	}
}
