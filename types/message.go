// Package types provides the provider-independent data model shared across
// the gateway: messages, content parts, the normalised completion
// request/response/chunk shapes, tool schemas and the tagged error type.
// This package has ZERO dependencies on other LocalRouter packages so every
// other package can import it without risking an import cycle.
package types

import (
	"encoding/json"
	"time"
)

// Role identifies the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType identifies the kind of content carried by a Part.
type PartType string

const (
	PartText       PartType = "text"
	PartImageURL   PartType = "image_url"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Part is one element of a multipart message body. A message's content is
// either a plain string (Content) or an ordered sequence of Parts — never
// both; adapters decide which shape their wire format wants.
type Part struct {
	Type PartType `json:"type"`

	Text string `json:"text,omitempty"`

	ImageURL string `json:"image_url,omitempty"`

	ToolCall *ToolCall `json:"tool_call,omitempty"`

	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// ToolCall represents a tool invocation request emitted by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult represents the result of a tool execution fed back to the model.
type ToolResult struct {
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name,omitempty"`
	Content    json.RawMessage `json:"content"`
	IsError    bool            `json:"is_error,omitempty"`
}

// Message is a single turn in a CompletionRequest's conversation.
type Message struct {
	Role Role `json:"role"`

	// Content is used when the message body is plain text. Mutually
	// exclusive with Parts — a provider adapter inspects which is set.
	Content string `json:"content,omitempty"`
	Parts   []Part `json:"parts,omitempty"`

	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`

	Timestamp time.Time `json:"timestamp,omitempty"`
}

// IsMultipart reports whether the message carries structured Parts rather
// than a plain Content string.
func (m Message) IsMultipart() bool {
	return len(m.Parts) > 0
}

func NewSystemMessage(content string) Message { return Message{Role: RoleSystem, Content: content} }
func NewUserMessage(content string) Message   { return Message{Role: RoleUser, Content: content} }
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ToolChoice is the normalised enumeration every adapter translates its own
// tool_choice wire representation into and out of; the OpenAI enumeration
// (auto/none/required/function) is the normalised layer's vocabulary.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceFunction ToolChoiceMode = "function"
)

// ToolChoice selects whether/how the model should call tools.
type ToolChoice struct {
	Mode         ToolChoiceMode `json:"mode"`
	FunctionName string         `json:"function_name,omitempty"` // set iff Mode == ToolChoiceFunction
}

// ResponseFormat constrains the shape of the model's output.
type ResponseFormat struct {
	Type   string          `json:"type"` // "text" | "json_object" | "json_schema"
	Schema json.RawMessage `json:"schema,omitempty"`
}

// SamplingParams groups the sampling controls common across providers.
type SamplingParams struct {
	Temperature       *float32 `json:"temperature,omitempty"`
	TopP              *float32 `json:"top_p,omitempty"`
	TopK              *int     `json:"top_k,omitempty"`
	MaxTokens         *int     `json:"max_tokens,omitempty"`
	Stop              []string `json:"stop,omitempty"`
	Seed              *int64   `json:"seed,omitempty"`
	FrequencyPenalty  *float32 `json:"frequency_penalty,omitempty"`
	PresencePenalty   *float32 `json:"presence_penalty,omitempty"`
	RepetitionPenalty *float32 `json:"repetition_penalty,omitempty"`
}

// CompletionRequest is the provider-independent shape dispatched to P.
type CompletionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`

	Sampling SamplingParams `json:"sampling"`

	Tools      []ToolSchema `json:"tools,omitempty"`
	ToolChoice *ToolChoice  `json:"tool_choice,omitempty"`

	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`

	LogProbs     bool `json:"logprobs,omitempty"`
	TopLogProbs  int  `json:"top_logprobs,omitempty"`

	// Extensions carries feature-adapter parameters keyed by adapter name
	// (e.g. "extended_thinking", "thinking_level"). S invokes every
	// registered adapter whose name appears here.
	Extensions map[string]json.RawMessage `json:"extensions,omitempty"`

	Stream bool `json:"-"`
}

// FinishReason enumerates normalised completion stop reasons.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishCancelled     FinishReason = "cancelled"
)

// Usage carries normalised token accounting, with optional provider-specific
// breakdowns.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	CachedTokens    int `json:"cached_tokens,omitempty"`
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
}

// Choice is one candidate completion returned in a non-streaming response.
type Choice struct {
	Index        int          `json:"index"`
	Message      Message      `json:"message"`
	FinishReason FinishReason `json:"finish_reason"`
	LogProbs     json.RawMessage `json:"logprobs,omitempty"`
}

// CompletionResponse is the provider-independent shape S returns for a
// non-streaming dispatch.
type CompletionResponse struct {
	ID       string   `json:"id"`
	Model    string   `json:"model"`
	Provider string   `json:"provider"`
	Created  time.Time `json:"created"`

	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`

	// Extensions is populated by response-side feature adapters (e.g. the
	// extended_thinking block, reasoning token breakdown).
	Extensions map[string]json.RawMessage `json:"extensions,omitempty"`

	// RouterScore is the intelligent router's win-rate estimate, when it was
	// consulted to pick this candidate's model set.
	RouterScore *float64 `json:"router_score,omitempty"`
}

// ChunkDelta is the incremental content of one streaming chunk.
type ChunkDelta struct {
	Role         Role         `json:"role,omitempty"` // set only on the first chunk
	Content      string       `json:"content,omitempty"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	FinishReason FinishReason `json:"finish_reason,omitempty"` // set only on the last chunk
}

// CompletionChunk is one streaming increment, re-emitted by S in the order
// produced by the upstream provider.
type CompletionChunk struct {
	ID       string     `json:"id"`
	Model    string     `json:"model"`
	Provider string     `json:"provider,omitempty"`
	Index    int        `json:"index"`
	Delta    ChunkDelta `json:"delta"`

	// Usage is populated only on the final chunk of a stream, when the
	// provider reports it.
	Usage *Usage `json:"usage,omitempty"`

	// Err terminates the stream: when set, this is the final value sent on
	// the channel before it is closed.
	Err *Error `json:"error,omitempty"`
}

// EmbeddingRequest is the normalised embeddings request shape.
type EmbeddingRequest struct {
	Model          string   `json:"model"`
	Input          []string `json:"input"`
	EncodingFormat string   `json:"encoding_format,omitempty"` // "float" | "base64"
}

// EmbeddingVector is one embedding result.
type EmbeddingVector struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

// EmbeddingResponse is the normalised embeddings response shape.
type EmbeddingResponse struct {
	Model string            `json:"model"`
	Data  []EmbeddingVector `json:"data"`
	Usage Usage             `json:"usage"`
}
