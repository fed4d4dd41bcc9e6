// Package turn implements AgentTurn (C8): one user or autonomy-synthesized
// message in, one final assistant text out, with auto-compaction and a
// bounded tool-call loop in between.
package turn

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/llama-farm/openhoof/internal/agents"
	"github.com/llama-farm/openhoof/internal/audit"
	"github.com/llama-farm/openhoof/internal/compaction"
	"github.com/llama-farm/openhoof/internal/llm"
	"github.com/llama-farm/openhoof/internal/observability"
	"github.com/llama-farm/openhoof/internal/sessions"
	"github.com/llama-farm/openhoof/internal/tools"
	"github.com/llama-farm/openhoof/internal/tools/builtin"
	"github.com/llama-farm/openhoof/internal/workspace"
	"github.com/llama-farm/openhoof/pkg/models"
)

const (
	// DefaultMaxToolRounds is how many tool-call rounds a turn allows before
	// giving up and returning whatever text the model has produced so far.
	DefaultMaxToolRounds = 5

	// CompactThreshold is the non-system message count that triggers
	// auto-compaction.
	CompactThreshold = 30

	// CompactKeepLast is how many of the most recent non-system messages
	// survive compaction.
	CompactKeepLast = 10
)

// Emitter is the narrow event-bus dependency this package needs.
type Emitter interface {
	Emit(eventType string, data any) models.Event
}

// Deps are the stores and collaborators a turn is run against.
type Deps struct {
	Sessions    *sessions.Store
	Transcripts *sessions.TranscriptStore
	Tools       *tools.Registry
	LLM         llm.Client
	Bus         Emitter

	// CompactionModel is the (usually cheaper/faster) model used to
	// summarize messages dropped during auto-compaction. Empty uses
	// Request.Model instead.
	CompactionModel string

	// MaxToolRounds overrides DefaultMaxToolRounds when > 0.
	MaxToolRounds int

	// Metrics records per-call LLM and tool-execution timings. Nil disables
	// metrics recording.
	Metrics *observability.Metrics

	// Audit records tool invocations, completions, and session compactions.
	// Nil disables audit logging.
	Audit *audit.Logger
}

// Request describes one turn to run.
type Request struct {
	AgentID    string
	SessionKey string
	Workspace  string // absolute path to the agent's workspace directory
	AgentsDir  string // absolute path to the directory containing all agent workspaces
	Autonomous bool   // true when this turn originates from the autonomy loop, not chat

	Model       string
	ToolNames   []string // tools allowed for this agent; empty means all registered tools
	UserMessage string

	// ContextTokens is the agent's agent.yaml context_tokens override, used
	// when Model isn't in agents.KnownModelContextWindows. Zero means no
	// override is configured.
	ContextTokens int

	EnableThinking       bool
	ThinkingBudgetTokens int
	MaxTokens            int
}

// ToolCallRecord is one executed tool call and its result, in execution
// order across every round of the turn. The autonomy loop uses this to
// recover a structured yield directive without re-parsing prose.
type ToolCallRecord struct {
	Name   string
	Result models.ToolResult
}

// Result is the outcome of one completed turn.
type Result struct {
	FinalText      string
	Thinking       string
	ToolRoundsUsed int
	CappedOut      bool
	ToolCalls      []ToolCallRecord
	InputTokens    int64
	OutputTokens   int64
}

// Run executes one AgentTurn against req, mutating the session's token
// counters and appending to its transcript as a side effect.
func Run(ctx context.Context, deps Deps, req Request) (Result, error) {
	windowInfo := agents.ResolveContextWindowInfo(agents.KnownModelContextWindows, req.Model, req.ContextTokens, compaction.DefaultContextWindow)
	guard := agents.EvaluateContextWindowGuard(windowInfo, nil)
	if guard.ShouldBlock {
		return Result{}, fmt.Errorf("context window too small to run safely: %d tokens (%s) is below the %d-token hard minimum", guard.Tokens, guard.Source, agents.ContextWindowHardMinTokens)
	}
	if guard.ShouldWarn {
		deps.Bus.Emit(models.EventAgentContextWindowWarn, map[string]any{
			"agent_id": req.AgentID, "session_key": req.SessionKey, "model": req.Model,
			"tokens": guard.Tokens, "source": string(guard.Source),
		})
	}

	wsCtx, err := workspace.LoadWorkspace(workspace.LoaderConfig{Root: req.Workspace})
	if err != nil {
		return Result{}, fmt.Errorf("load workspace: %w", err)
	}

	toolNames := req.ToolNames
	if len(toolNames) == 0 {
		toolNames = deps.Tools.List()
	}
	allowed := deps.Tools.ForAgent(toolNames)
	systemPrompt := buildSystemPrompt(wsCtx, allowed)
	toolSchemas := buildToolSchemas(allowed)

	session, err := deps.Sessions.GetOrCreate(req.SessionKey, req.AgentID)
	if err != nil {
		return Result{}, fmt.Errorf("get or create session: %w", err)
	}
	sessionID := session.SessionID

	count, err := deps.Transcripts.NonSystemMessageCount(sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("count transcript messages: %w", err)
	}
	if count > CompactThreshold {
		model := deps.CompactionModel
		if model == "" {
			model = req.Model
		}
		summarizer := func(dropped []models.Message) (string, error) {
			return compaction.SummarizeWithFallback(ctx, toCompactionMessages(dropped), llmSummarizer{client: deps.LLM, model: model}, compaction.DefaultSummarizationConfig())
		}
		if err := deps.Transcripts.Compact(sessionID, CompactKeepLast, summarizer); err != nil {
			return Result{}, fmt.Errorf("compact transcript: %w", err)
		}
		if deps.Audit != nil {
			deps.Audit.LogSessionCompact(ctx, sessionID, req.SessionKey, count, CompactKeepLast, 0, "auto-compact")
		}
	}

	history, err := deps.Transcripts.GetMessagesForContext(sessionID, -1)
	if err != nil {
		return Result{}, fmt.Errorf("load transcript context: %w", err)
	}

	messages := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, toLLMMessage(m))
	}
	messages = append(messages, llm.Message{Role: "user", Content: req.UserMessage})

	maxRounds := deps.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxToolRounds
	}

	cc := builtin.CallContext{
		AgentID:    req.AgentID,
		SessionKey: req.SessionKey,
		Workspace:  req.Workspace,
		AgentsDir:  req.AgentsDir,
		Autonomous: req.Autonomous,
	}
	execCtx := builtin.WithCallContext(ctx, cc)

	var (
		finalText    string
		thinking     string
		round        int
		cappedOut    bool
		inputTokens  int64
		outputTokens int64
		toolCalls    []ToolCallRecord
	)

	for round = 0; round < maxRounds; round++ {
		llmStart := time.Now()
		resp, err := deps.LLM.Complete(ctx, llm.Request{
			Model:                req.Model,
			System:               systemPrompt,
			Messages:             messages,
			Tools:                toolSchemas,
			MaxTokens:            req.MaxTokens,
			EnableThinking:       req.EnableThinking,
			ThinkingBudgetTokens: req.ThinkingBudgetTokens,
		})
		if deps.Metrics != nil {
			status := "ok"
			if err != nil {
				status = "error"
			}
			deps.Metrics.RecordLLMRequest(req.AgentID, req.Model, status, time.Since(llmStart).Seconds(), resp.InputTokens, resp.OutputTokens)
		}
		if err != nil {
			return Result{}, fmt.Errorf("llm complete: %w", err)
		}
		inputTokens += int64(resp.InputTokens)
		outputTokens += int64(resp.OutputTokens)

		if len(resp.ToolCalls) == 0 {
			finalText = resp.Content
			thinking = resp.Thinking
			break
		}

		messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

		for _, call := range resp.ToolCalls {
			deps.Bus.Emit(models.EventAgentToolCall, map[string]any{
				"agent_id": req.AgentID, "session_key": req.SessionKey, "tool": call.Name, "tool_call_id": call.ID,
			})
			if deps.Audit != nil {
				deps.Audit.LogToolInvocation(ctx, call.Name, call.ID, call.Arguments, req.SessionKey)
			}
			toolStart := time.Now()
			result := deps.Tools.Execute(execCtx, call, req.Autonomous)
			toolDuration := time.Since(toolStart)
			if deps.Metrics != nil {
				status := "success"
				if !result.Success {
					status = "failure"
				}
				deps.Metrics.RecordToolExecution(call.Name, status, toolDuration.Seconds())
			}
			if deps.Audit != nil {
				deps.Audit.LogToolCompletion(ctx, call.Name, call.ID, result.Success, result.Render(), toolDuration, req.SessionKey)
			}
			deps.Bus.Emit(models.EventAgentToolResult, map[string]any{
				"agent_id": req.AgentID, "session_key": req.SessionKey, "tool": call.Name, "tool_call_id": call.ID, "success": result.Success,
			})
			messages = append(messages, llm.Message{Role: "tool", Content: result.Render(), ToolCallID: call.ID})
			toolCalls = append(toolCalls, ToolCallRecord{Name: call.Name, Result: result})
		}

		finalText = resp.Content
		thinking = resp.Thinking

		if round == maxRounds-1 {
			cappedOut = true
		}
	}

	if cappedOut {
		finalText = strings.TrimRight(finalText, "\n") + "\n\n(tool execution was stopped: the per-turn tool-round limit was reached)"
	}

	now := time.Now()
	if err := deps.Transcripts.Append(sessionID, req.AgentID, models.Message{Role: models.RoleUser, Content: req.UserMessage, Timestamp: now}); err != nil {
		return Result{}, fmt.Errorf("append user message: %w", err)
	}
	if err := deps.Transcripts.Append(sessionID, req.AgentID, models.Message{Role: models.RoleAssistant, Content: finalText, Thinking: thinking, Timestamp: now}); err != nil {
		return Result{}, fmt.Errorf("append assistant message: %w", err)
	}

	if err := deps.Sessions.Update(req.SessionKey, func(s *models.Session) {
		s.InputTokens += inputTokens
		s.OutputTokens += outputTokens
		s.TotalTokens += inputTokens + outputTokens
	}); err != nil {
		return Result{}, fmt.Errorf("update session tokens: %w", err)
	}

	deps.Bus.Emit(models.EventAgentMessage, map[string]any{
		"agent_id": req.AgentID, "session_key": req.SessionKey, "content": finalText, "tool_rounds": round,
	})

	return Result{
		FinalText: finalText, Thinking: thinking, ToolRoundsUsed: round, CappedOut: cappedOut,
		ToolCalls: toolCalls, InputTokens: inputTokens, OutputTokens: outputTokens,
	}, nil
}

func buildSystemPrompt(ws *workspace.WorkspaceContext, allowed []tools.Tool) string {
	var sb strings.Builder
	writeSection := func(title, content string) {
		if strings.TrimSpace(content) == "" {
			return
		}
		sb.WriteString(title)
		sb.WriteString("\n")
		sb.WriteString(content)
		sb.WriteString("\n\n")
	}
	writeSection("# Identity", ws.SoulContent)
	writeSection("# Operating Instructions", ws.AgentsContent)
	writeSection("# User", ws.UserContent)
	writeSection("# Tools", ws.ToolsContent)
	writeSection("# Memory", ws.MemoryContent)

	sb.WriteString("# Available Tools\n")
	if len(allowed) == 0 {
		sb.WriteString("No tools are available.\n")
	} else {
		for _, t := range allowed {
			desc := strings.SplitN(strings.TrimSpace(t.Description()), "\n", 2)[0]
			sb.WriteString(fmt.Sprintf("- %s: %s\n", t.Name(), desc))
		}
	}

	return strings.TrimSpace(sb.String())
}

func buildToolSchemas(allowed []tools.Tool) []llm.ToolSchema {
	schemas := make([]llm.ToolSchema, 0, len(allowed))
	for _, t := range allowed {
		schemas = append(schemas, llm.ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return schemas
}

func toLLMMessage(m models.Message) llm.Message {
	return llm.Message{
		Role:       string(m.Role),
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
		ToolCalls:  m.ToolCalls,
	}
}

// toCompactionMessages adapts transcript messages to compaction.Message so
// the dropped span can go through token-aware chunking before summarization.
func toCompactionMessages(msgs []models.Message) []*compaction.Message {
	out := make([]*compaction.Message, len(msgs))
	for i, m := range msgs {
		out[i] = &compaction.Message{
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.Timestamp.Unix(),
		}
	}
	return out
}

// llmSummarizer adapts an llm.Client into compaction.Summarizer.
type llmSummarizer struct {
	client llm.Client
	model  string
}

func (s llmSummarizer) GenerateSummary(ctx context.Context, messages []*compaction.Message, config *compaction.SummarizationConfig) (string, error) {
	if s.client == nil {
		return "", fmt.Errorf("no summarization model configured")
	}
	instructions := "Summarize the following conversation excerpt in a few concise sentences, preserving facts and decisions that matter for continuing the conversation."
	if config != nil && config.CustomInstructions != "" {
		instructions = config.CustomInstructions
	}
	resp, err := s.client.Complete(ctx, llm.Request{
		Model:  s.model,
		System: instructions,
		Messages: []llm.Message{
			{Role: "user", Content: compaction.FormatMessagesForSummary(messages)},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
