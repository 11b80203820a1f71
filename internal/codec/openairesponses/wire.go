package openairesponses

import "encoding/json"

// Wire structs for the OpenAI Responses format. Tool calls live as
// top-level input items rather than nested under assistant messages.

type wireRequest struct {
	Model              string          `json:"model"`
	Input              json.RawMessage `json:"input,omitempty"`
	Instructions       string          `json:"instructions,omitempty"`
	MaxOutputTokens    *int            `json:"max_output_tokens,omitempty"`
	Temperature        *float64        `json:"temperature,omitempty"`
	TopP               *float64        `json:"top_p,omitempty"`
	Stream             bool            `json:"stream,omitempty"`
	Store              *bool           `json:"store,omitempty"`
	PreviousResponseID string          `json:"previous_response_id,omitempty"`
	Truncation         string          `json:"truncation,omitempty"`
	Tools              []wireTool      `json:"tools,omitempty"`
	ToolChoice         json.RawMessage `json:"tool_choice,omitempty"`
	Reasoning          *wireReasoning  `json:"reasoning,omitempty"`
	ParallelToolCalls  *bool           `json:"parallel_tool_calls,omitempty"`
}

// wireItem is the union of input/output item shapes.
type wireItem struct {
	Type string `json:"type,omitempty"`
	ID   string `json:"id,omitempty"`

	// message
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	Status  string          `json:"status,omitempty"`

	// function_call
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// function_call_output
	Output json.RawMessage `json:"output,omitempty"`

	// reasoning
	Summary          []wireSummaryPart `json:"summary,omitempty"`
	EncryptedContent string            `json:"encrypted_content,omitempty"`
}

type wireSummaryPart struct {
	Type string `json:"type"` // summary_text
	Text string `json:"text"`
}

type wireContentPart struct {
	Type     string `json:"type"` // input_text | output_text | input_image | refusal
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	Refusal  string `json:"refusal,omitempty"`
}

// wireTool is flat in the Responses format, not nested under "function".
type wireTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Strict      *bool          `json:"strict,omitempty"`
}

type wireReasoning struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

type wireResponse struct {
	ID                string         `json:"id"`
	Object            string         `json:"object"`
	CreatedAt         int64          `json:"created_at"`
	Model             string         `json:"model,omitempty"`
	Status            string         `json:"status,omitempty"`
	Output            []wireItem     `json:"output"`
	Usage             *wireUsage     `json:"usage,omitempty"`
	IncompleteDetails *wireIncomplete `json:"incomplete_details,omitempty"`
	Error             *wireErrorInfo `json:"error,omitempty"`
}

type wireIncomplete struct {
	Reason string `json:"reason,omitempty"`
}

type wireErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type wireUsage struct {
	InputTokens        int              `json:"input_tokens"`
	OutputTokens       int              `json:"output_tokens"`
	TotalTokens        int              `json:"total_tokens"`
	InputTokenDetails  *wireTokenDetail `json:"input_tokens_details,omitempty"`
	OutputTokenDetails *wireTokenDetail `json:"output_tokens_details,omitempty"`
}

type wireTokenDetail struct {
	CachedTokens    int `json:"cached_tokens,omitempty"`
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
}

// wireStreamEvent covers the streaming event envelope; unused fields stay
// zero for event types that do not carry them.
type wireStreamEvent struct {
	Type        string        `json:"type"`
	OutputIndex int           `json:"output_index,omitempty"`
	ItemID      string        `json:"item_id,omitempty"`
	Item        *wireItem     `json:"item,omitempty"`
	Delta       string        `json:"delta,omitempty"`
	Text        string        `json:"text,omitempty"`
	Arguments   string        `json:"arguments,omitempty"`
	Response    *wireResponse `json:"response,omitempty"`
}
