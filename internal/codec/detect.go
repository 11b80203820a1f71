package codec

import "github.com/tidwall/gjson"

// responsesOnlyKeys are top-level fields that only the OpenAI Responses
// API carries.
var responsesOnlyKeys = []string{
	"input",
	"instructions",
	"max_output_tokens",
	"previous_response_id",
	"reasoning",
	"truncation",
	"store",
}

// Detect classifies a request payload into one of the four formats. The
// classification is pure and deterministic: same bytes, same verdict.
//
// Order matters: Gemini's contents array is unambiguous; the Responses
// API is recognized by its exclusive keys; Anthropic is OpenAI-shaped
// plus a top-level system prompt; anything else with messages (and the
// default) is Chat Completions.
func Detect(body []byte) Format {
	parsed := gjson.ParseBytes(body)

	if parsed.Get("contents").IsArray() {
		return FormatGemini
	}

	hasMessages := parsed.Get("messages").Exists()
	if parsed.Get("input").Exists() && !hasMessages {
		return FormatOpenAIResponses
	}
	for _, key := range responsesOnlyKeys[1:] {
		if parsed.Get(key).Exists() {
			return FormatOpenAIResponses
		}
	}

	if hasMessages && parsed.Get("system").Exists() {
		return FormatAnthropic
	}
	if hasMessages {
		return FormatOpenAIChat
	}
	return FormatOpenAIChat
}
