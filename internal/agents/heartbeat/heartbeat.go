// Package heartbeat tracks agent liveness between scheduled check-in turns.
// An agent's HEARTBEAT.md (or the default prompt) is run as a turn on a
// timer; the monitor here records whether that turn came back, and whether
// the reply was a bare HEARTBEAT_OK acknowledgment or real output worth
// surfacing.
package heartbeat

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	// Token is the marker an agent emits when a heartbeat turn found nothing
	// that needed attention.
	Token = "HEARTBEAT_OK"
	// DefaultInterval is how often an agent is checked when its config
	// doesn't set one explicitly.
	DefaultInterval = 30 * time.Minute
	// DefaultPrompt is used when an agent has no HEARTBEAT.md and no
	// per-agent override configured.
	DefaultPrompt = "Read HEARTBEAT.md if it exists (workspace context). Follow it strictly. Do not infer or repeat old tasks from prior chats. If nothing needs attention, reply HEARTBEAT_OK."
	// DefaultMaxAckChars bounds how long a reply can be and still count as a
	// plain acknowledgment rather than a result worth reporting.
	DefaultMaxAckChars = 300
)

// Status is the last known liveness state of one agent's heartbeat turns.
type Status struct {
	AgentID      string    `json:"agent_id"`
	LastSeen     time.Time `json:"last_seen"`
	LastResponse string    `json:"last_response,omitempty"`
	Healthy      bool      `json:"healthy"`
	MissedCount  int       `json:"missed_count"`
}

// IsStale reports whether the agent hasn't been seen within threshold.
func (s *Status) IsStale(threshold time.Duration) bool {
	return time.Since(s.LastSeen) > threshold
}

// Config controls how a Monitor judges liveness.
type Config struct {
	Enabled bool `yaml:"enabled"`
	// Interval is the expected gap between heartbeat turns; a status is
	// considered stale at twice this when Check is called.
	Interval time.Duration `yaml:"interval"`
	// Prompt overrides DefaultPrompt for agents that don't ship a
	// HEARTBEAT.md of their own.
	Prompt string `yaml:"prompt"`
	// MaxAckChars overrides DefaultMaxAckChars.
	MaxAckChars int `yaml:"max_ack_chars"`
	// MissedThreshold is how many consecutive missed heartbeats mark an
	// agent unhealthy.
	MissedThreshold int `yaml:"missed_threshold"`
}

// DefaultConfig returns the values a Manager falls back to when an agent's
// own config doesn't set one.
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		Interval:        DefaultInterval,
		Prompt:          DefaultPrompt,
		MaxAckChars:     DefaultMaxAckChars,
		MissedThreshold: 3,
	}
}

// Monitor tracks heartbeat liveness across every agent a Manager runs.
// Safe for concurrent use; a Manager shares one Monitor across its
// scheduled heartbeat runs and its StopAgent/HeartbeatStatus calls.
type Monitor struct {
	mu       sync.RWMutex
	config   Config
	statuses map[string]*Status
}

// NewMonitor builds a Monitor, filling in any zero-valued Config fields.
func NewMonitor(config Config) *Monitor {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.MaxAckChars <= 0 {
		config.MaxAckChars = DefaultMaxAckChars
	}
	if config.MissedThreshold <= 0 {
		config.MissedThreshold = 3
	}

	return &Monitor{
		config:   config,
		statuses: make(map[string]*Status),
	}
}

// Record marks a successful heartbeat turn for agentID, clearing any prior
// missed count.
func (m *Monitor) Record(agentID, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status, exists := m.statuses[agentID]
	if !exists {
		status = &Status{AgentID: agentID}
		m.statuses[agentID] = status
	}

	status.LastSeen = time.Now()
	status.LastResponse = response
	status.Healthy = true
	status.MissedCount = 0
}

// Check re-evaluates an agent's staleness against twice the configured
// interval and returns its current Status. An agent never recorded is
// reported unhealthy without being added to the monitor.
func (m *Monitor) Check(agentID string) *Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	status, exists := m.statuses[agentID]
	if !exists {
		return &Status{
			AgentID: agentID,
			Healthy: false,
		}
	}

	if status.IsStale(m.config.Interval * 2) {
		status.Healthy = false
		status.MissedCount++
	}

	return status
}

// MarkMissed records that a scheduled heartbeat turn for agentID failed to
// run or errored out. The agent flips unhealthy once MissedThreshold
// consecutive misses accumulate.
func (m *Monitor) MarkMissed(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status, exists := m.statuses[agentID]
	if !exists {
		status = &Status{AgentID: agentID}
		m.statuses[agentID] = status
	}

	status.MissedCount++
	if status.MissedCount >= m.config.MissedThreshold {
		status.Healthy = false
	}
}

// GetStatus returns a copy of the current status for agentID, or nil if the
// agent has never heartbeat-ed.
func (m *Monitor) GetStatus(agentID string) *Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, exists := m.statuses[agentID]
	if !exists {
		return nil
	}
	s := *status
	return &s
}

// GetAllStatuses returns a snapshot of every tracked agent's status.
func (m *Monitor) GetAllStatuses() []*Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		s := *status
		result = append(result, &s)
	}
	return result
}

// Remove stops tracking agentID, used when an agent is stopped or deleted
// so a stale status can't later be reported as unhealthy.
func (m *Monitor) Remove(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, agentID)
}

// GetHealthyCount returns how many tracked agents are currently healthy.
func (m *Monitor) GetHealthyCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, status := range m.statuses {
		if status.Healthy {
			count++
		}
	}
	return count
}

// StripResult is what StripToken found in a heartbeat turn's reply.
type StripResult struct {
	// ShouldSkip means the reply was just an acknowledgment and shouldn't
	// be surfaced to a user or logged as turn output.
	ShouldSkip bool
	// Text is whatever remained once the token was stripped, when the
	// remainder was long enough to be worth keeping.
	Text string
	// DidStrip reports whether a Token was actually found and removed.
	DidStrip bool
}

// stripMarkup undoes the HTML/markdown wrapping some models put around a
// literal token before comparing it against Token.
func stripMarkup(text string) string {
	htmlRegex := regexp.MustCompile(`<[^>]*>`)
	text = htmlRegex.ReplaceAllString(text, " ")
	text = strings.ReplaceAll(text, "&nbsp;", " ")
	text = strings.TrimLeft(text, "*`~_")
	text = strings.TrimRight(text, "*`~_")
	return text
}

// stripTokenAtEdges repeatedly trims a leading or trailing Token, since a
// model occasionally emits it more than once.
func stripTokenAtEdges(raw string) (string, bool) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", false
	}

	if !strings.Contains(text, Token) {
		return text, false
	}

	didStrip := false
	changed := true
	for changed {
		changed = false
		text = strings.TrimSpace(text)

		if strings.HasPrefix(text, Token) {
			text = strings.TrimSpace(text[len(Token):])
			didStrip = true
			changed = true
			continue
		}
		if strings.HasSuffix(text, Token) {
			text = strings.TrimSpace(text[:len(text)-len(Token)])
			didStrip = true
			changed = true
		}
	}

	wsRegex := regexp.MustCompile(`\s+`)
	text = wsRegex.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	return text, didStrip
}

// StripToken inspects a heartbeat turn's final text and decides whether it
// was a plain HEARTBEAT_OK acknowledgment (ShouldSkip) or carries a result
// worth reporting (Text). A reply of at most maxAckChars once the token is
// removed is still treated as an acknowledgment, since short leftover
// filler ("ok", "done") isn't worth a run entry.
func StripToken(raw string, maxAckChars int) StripResult {
	if raw == "" {
		return StripResult{ShouldSkip: true, Text: "", DidStrip: false}
	}

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return StripResult{ShouldSkip: true, Text: "", DidStrip: false}
	}

	if maxAckChars <= 0 {
		maxAckChars = DefaultMaxAckChars
	}

	normalized := stripMarkup(trimmed)
	hasToken := strings.Contains(trimmed, Token) || strings.Contains(normalized, Token)

	if !hasToken {
		return StripResult{ShouldSkip: false, Text: trimmed, DidStrip: false}
	}

	strippedOrig, didStripOrig := stripTokenAtEdges(trimmed)
	strippedNorm, didStripNorm := stripTokenAtEdges(normalized)

	var text string
	var didStrip bool
	if didStripOrig && strippedOrig != "" {
		text = strippedOrig
		didStrip = true
	} else if didStripNorm {
		text = strippedNorm
		didStrip = true
	} else {
		return StripResult{ShouldSkip: false, Text: trimmed, DidStrip: false}
	}

	if text == "" {
		return StripResult{ShouldSkip: true, Text: "", DidStrip: true}
	}

	if len(text) <= maxAckChars {
		return StripResult{ShouldSkip: true, Text: "", DidStrip: true}
	}

	return StripResult{ShouldSkip: false, Text: text, DidStrip: didStrip}
}

// ResolvePrompt returns custom trimmed, or DefaultPrompt when custom is
// blank — an agent with no HEARTBEAT.md and no per-agent prompt override
// still gets a sane check-in message.
func ResolvePrompt(custom string) string {
	trimmed := strings.TrimSpace(custom)
	if trimmed == "" {
		return DefaultPrompt
	}
	return trimmed
}
