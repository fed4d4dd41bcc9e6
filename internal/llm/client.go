// Package llm abstracts the one capability AgentTurn, the sensor signal
// evaluator, and auto-compaction all need: a single synchronous request to
// a large language model. No concrete backend (Anthropic, OpenAI, Bedrock,
// ...) is implemented here; that wiring is left to whatever embeds this
// runtime (§1 Non-goals).
package llm

import (
	"context"
	"encoding/json"

	"github.com/llama-farm/openhoof/pkg/models"
)

// ToolSchema is one function-calling tool definition offered to the model.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Message is one turn of conversation in a Request. A "tool" role message
// reports the outcome of one prior ToolCall, identified by ToolCallID
// (mirrors models.Message's tool_call_id).
type Message struct {
	Role       string            `json:"role"` // "system", "user", "assistant", "tool"
	Content    string            `json:"content,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolCalls  []models.ToolCall `json:"tool_calls,omitempty"`
}

// Request is a single, non-streaming completion request (Open Question
// decision: the streaming CompletionChunk contract is not reproduced —
// every caller here wants one synchronous result).
type Request struct {
	Model                string       `json:"model"`
	System               string       `json:"system,omitempty"`
	Messages             []Message    `json:"messages"`
	Tools                []ToolSchema `json:"tools,omitempty"`
	MaxTokens            int          `json:"max_tokens,omitempty"`
	EnableThinking       bool         `json:"enable_thinking,omitempty"`
	ThinkingBudgetTokens int          `json:"thinking_budget_tokens,omitempty"`
}

// Response is the model's answer to a Request.
type Response struct {
	Content      string            `json:"content"`
	ToolCalls    []models.ToolCall `json:"tool_calls,omitempty"`
	Thinking     string            `json:"thinking,omitempty"`
	InputTokens  int               `json:"input_tokens"`
	OutputTokens int               `json:"output_tokens"`
}

// Client is the capability AgentTurn, sensors, and compaction depend on.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}
