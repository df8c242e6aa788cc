// Package translate implements bidirectional mapping between the Claude,
// OpenAI, and Gemini wire protocols, through one unified internal
// representation (NormalizedRequest / NormalizedUsage) so the forwarder
// stays protocol-agnostic. Codecs register themselves with a Registry the
// same way the ambient messaging providers register with their own.
package translate

// Role is a normalized conversation role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentBlock is one piece of a message — text, a tool call, or a tool
// result — kept as a tagged variant instead of an untyped map so codecs
// can pattern-match exhaustively.
type ContentBlock struct {
	Type       string // "text" | "tool_use" | "tool_result" | "image"
	Text       string
	ToolUseID  string
	ToolName   string
	ToolInput  map[string]any
	ToolResult string
	ImageData  string
	ImageMIME  string
}

// Message is one turn in the conversation.
type Message struct {
	Role    Role
	Content []ContentBlock
}

// ToolDef is a tool/function declaration available to the model.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ReasoningConfig captures Codex/Responses-API reasoning knobs.
type ReasoningConfig struct {
	Effort  string // "inherit" leaves the client's value untouched
	Summary string
}

// NormalizedRequest is the common internal shape every inbound request is
// parsed into before being re-encoded for the chosen provider.
type NormalizedRequest struct {
	Model            string
	System           string
	Messages         []Message
	Tools            []ToolDef
	MaxTokens        int
	Temperature      *float64
	TopP             *float64
	Stream           bool
	ParallelToolCalls *bool
	Reasoning        *ReasoningConfig
	Verbosity        string
	CacheControl     bool // Anthropic prompt-cache hint requested
	Raw              map[string]any // fields with no normalized home, preserved for round-trip
}

// NormalizedUsage is the common internal shape token accounting is
// extracted into regardless of the provider's native usage schema.
type NormalizedUsage struct {
	InputTokens          int64
	OutputTokens         int64
	CacheCreationTokens  int64
	CacheReadTokens      int64
	Estimated            bool // set when the provider omitted usage and a heuristic filled it in
}

// NormalizedResponse is the common internal shape a provider's reply is
// parsed into before being re-encoded for the client's native family.
type NormalizedResponse struct {
	Model      string
	Content    []ContentBlock
	StopReason string
	Usage      NormalizedUsage
}

// StreamEventType tags one event emitted by the streaming state machine.
type StreamEventType string

const (
	EventMessageStart StreamEventType = "message_start"
	EventBlockStart   StreamEventType = "block_start"
	EventBlockDelta   StreamEventType = "block_delta"
	EventBlockStop    StreamEventType = "block_stop"
	EventMessageDelta StreamEventType = "message_delta"
	EventMessageStop  StreamEventType = "message_stop"
	EventError        StreamEventType = "error"
)

// StreamEvent is one normalized SSE event; translators in both directions
// operate on this shape rather than raw bytes.
type StreamEvent struct {
	Type         StreamEventType
	BlockIndex   int
	TextDelta    string
	ToolUseID    string
	ToolName     string
	ToolArgsJSON string // incremental JSON fragment for streamed tool-call args
	StopReason   string
	Usage        *NormalizedUsage
	Err          error
}
