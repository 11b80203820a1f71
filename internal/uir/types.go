package uir

// Package uir defines the unified intermediate representation that every
// vendor wire format is parsed into and transformed out of. Requests,
// responses and stream chunks are tree-shaped values owned by the handling
// request; nothing in this package is shared between requests.

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType tags the variant of a ContentPart.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
	PartThinking   PartType = "thinking"
)

// CacheControl marks a part or system block as cacheable by the upstream.
type CacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

// ImageSource carries image bytes or a reference. Exactly one of Data/URL
// is set.
type ImageSource struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64
	URL      string `json:"url,omitempty"`
}

// ToolCall is an assistant-initiated function invocation. Arguments holds
// the parsed JSON object when it parses; RawArguments always holds the
// original argument string so lossless passthrough is possible.
type ToolCall struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	RawArguments string         `json:"rawArguments,omitempty"`
}

// ToolResult is the outcome of a tool call, carried by a tool-role message.
type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	Content    string `json:"content,omitempty"`
	Parts      []Part `json:"parts,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
}

// ThinkingPart is extended-reasoning output. Signature is opaque and must
// flow end-to-end unchanged.
type ThinkingPart struct {
	Text      string `json:"text,omitempty"`
	Signature string `json:"signature,omitempty"`
	Redacted  bool   `json:"redacted,omitempty"`
}

// Part is the tagged content variant. Type selects which pointer field is
// populated; PartText uses the inline Text field.
type Part struct {
	Type         PartType      `json:"type"`
	Text         string        `json:"text,omitempty"`
	Image        *ImageSource  `json:"image,omitempty"`
	ToolCall     *ToolCall     `json:"toolCall,omitempty"`
	ToolResult   *ToolResult   `json:"toolResult,omitempty"`
	Thinking     *ThinkingPart `json:"thinking,omitempty"`
	CacheControl *CacheControl `json:"cacheControl,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// Message is one conversational turn.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Tool declares a callable function with a JSON-Schema parameter object.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolChoiceMode selects the tool-use policy.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceTool     ToolChoiceMode = "tool"
)

// ToolChoice is the requested tool policy. Name is set only for
// ToolChoiceTool.
type ToolChoice struct {
	Mode ToolChoiceMode `json:"mode"`
	Name string         `json:"name,omitempty"`
}

// GenConfig holds sampling parameters. Pointers distinguish "unset" from
// zero values so transforms never invent defaults.
type GenConfig struct {
	MaxTokens     *int      `json:"maxTokens,omitempty"`
	Temperature   *float64  `json:"temperature,omitempty"`
	TopP          *float64  `json:"topP,omitempty"`
	TopK          *int      `json:"topK,omitempty"`
	StopSequences []string  `json:"stopSequences,omitempty"`
}

// ThinkingEffort is the coarse reasoning-effort level requested.
type ThinkingEffort string

const (
	EffortNone   ThinkingEffort = "none"
	EffortLow    ThinkingEffort = "low"
	EffortMedium ThinkingEffort = "medium"
	EffortHigh   ThinkingEffort = "high"
)

// Thinking is the extended-reasoning configuration.
type Thinking struct {
	Enabled         bool           `json:"enabled"`
	Budget          *int           `json:"budget,omitempty"`
	Effort          ThinkingEffort `json:"effort,omitempty"`
	PreserveContext bool           `json:"preserveContext,omitempty"`
	IncludeThoughts bool           `json:"includeThoughts,omitempty"`
}

// SystemBlock is one block of a rich system prompt.
type SystemBlock struct {
	Text         string        `json:"text"`
	CacheControl *CacheControl `json:"cacheControl,omitempty"`
}

// Request is the unified chat request.
type Request struct {
	Model        string            `json:"model"`
	Messages     []Message         `json:"messages"`
	System       string            `json:"system,omitempty"`
	SystemBlocks []SystemBlock     `json:"systemBlocks,omitempty"`
	Tools        []Tool            `json:"tools,omitempty"`
	ToolChoice   *ToolChoice       `json:"toolChoice,omitempty"`
	Config       GenConfig         `json:"config"`
	Thinking     *Thinking         `json:"thinking,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Stream       bool              `json:"stream"`
}

// StopReason is the unified termination cause.
type StopReason string

const (
	StopEndTurn       StopReason = "end_turn"
	StopMaxTokens     StopReason = "max_tokens"
	StopToolUse       StopReason = "tool_use"
	StopStopSequence  StopReason = "stop_sequence"
	StopContentFilter StopReason = "content_filter"
	StopError         StopReason = "error"
)

// Usage is the unified token accounting.
type Usage struct {
	InputTokens    int     `json:"inputTokens"`
	OutputTokens   int     `json:"outputTokens"`
	TotalTokens    int     `json:"totalTokens,omitempty"`
	ThinkingTokens int     `json:"thinkingTokens,omitempty"`
	CachedTokens   int     `json:"cachedTokens,omitempty"`
	Credits        float64 `json:"credits,omitempty"`
}

// Response is the unified non-streaming reply.
type Response struct {
	ID         string     `json:"id"`
	Model      string     `json:"model,omitempty"`
	Content    []Part     `json:"content"`
	StopReason StopReason `json:"stopReason,omitempty"`
	Usage      *Usage     `json:"usage,omitempty"`
}

// ChunkType tags a streaming chunk.
type ChunkType string

const (
	ChunkContent    ChunkType = "content"
	ChunkToolCall   ChunkType = "tool_call"
	ChunkToolResult ChunkType = "tool_result"
	ChunkThinking   ChunkType = "thinking"
	ChunkUsage      ChunkType = "usage"
	ChunkBlockStop  ChunkType = "block_stop"
	ChunkDone       ChunkType = "done"
	ChunkError      ChunkType = "error"
)

// ErrorInfo describes an upstream or translation error carried in-stream.
type ErrorInfo struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Chunk is one unit of a translated stream. BlockIndex is -1 when the
// source format does not carry block positions. PartialJSON holds an
// incremental tool-argument fragment; consumers concatenate fragments of
// the same block before parsing.
type Chunk struct {
	Type        ChunkType  `json:"type"`
	BlockIndex  int        `json:"blockIndex,omitempty"`
	BlockType   PartType   `json:"blockType,omitempty"`
	Delta       *Part      `json:"delta,omitempty"`
	PartialJSON string     `json:"partialJson,omitempty"`
	Usage       *Usage     `json:"usage,omitempty"`
	StopReason  StopReason `json:"stopReason,omitempty"`
	Err         *ErrorInfo `json:"error,omitempty"`
	Model       string     `json:"model,omitempty"`
}

// DoneChunk builds a terminal chunk with the given stop reason.
func DoneChunk(reason StopReason) *Chunk {
	return &Chunk{Type: ChunkDone, BlockIndex: -1, StopReason: reason}
}
