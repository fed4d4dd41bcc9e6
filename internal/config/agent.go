// Package config parses the thin per-agent configuration file (§6): the
// schema the engine and its collaborators (the provisioning CRUD tool, the
// workspace loader) must agree on. It is deliberately not a general
// multi-format configuration-loading framework — only the one file shape
// named in §6, agent.yaml, is handled here.
package config

import (
	"time"

	"github.com/llama-farm/openhoof/pkg/models"
)

// AgentConfig is the on-disk shape of <agents-dir>/<id>/agent.yaml.
type AgentConfig struct {
	ID            string          `yaml:"id" json:"id"`
	Name          string          `yaml:"name" json:"name"`
	Description   string          `yaml:"description,omitempty" json:"description,omitempty"`
	Model         string          `yaml:"model,omitempty" json:"model,omitempty"`
	Thinking      bool            `yaml:"thinking,omitempty" json:"thinking,omitempty"`
	Tools         []string        `yaml:"tools,omitempty" json:"tools,omitempty"`
	MaxToolRounds int             `yaml:"max_tool_rounds,omitempty" json:"max_tool_rounds,omitempty"`
	// ContextTokens overrides the context window openhoof assumes for Model
	// when Model isn't in agents.KnownModelContextWindows.
	ContextTokens int `yaml:"context_tokens,omitempty" json:"context_tokens,omitempty"`
	Heartbeat     HeartbeatConfig `yaml:"heartbeat,omitempty" json:"heartbeat,omitempty"`
	Autonomy      AutonomyConfig  `yaml:"autonomy,omitempty" json:"autonomy,omitempty"`
	HotState      HotStateConfig  `yaml:"hot_state,omitempty" json:"hot_state,omitempty"`
	Sensors       []SensorConfig  `yaml:"sensors,omitempty" json:"sensors,omitempty"`
}

// HeartbeatConfig controls the agent's periodic liveness check-in.
type HeartbeatConfig struct {
	Enabled  bool `yaml:"enabled" json:"enabled"`
	Interval int  `yaml:"interval,omitempty" json:"interval,omitempty"` // seconds
}

// AutonomyConfig is the per-agent autonomy loop policy (§4.9/§6).
type AutonomyConfig struct {
	Enabled              bool   `yaml:"enabled" json:"enabled"`
	MaxConsecutiveTurns  int    `yaml:"max_consecutive_turns,omitempty" json:"max_consecutive_turns,omitempty"`
	TokenBudgetPerHour   int    `yaml:"token_budget_per_hour,omitempty" json:"token_budget_per_hour,omitempty"`
	MaxActionsPerMinute  int    `yaml:"max_actions_per_minute,omitempty" json:"max_actions_per_minute,omitempty"`
	IdleTimeout          int    `yaml:"idle_timeout,omitempty" json:"idle_timeout,omitempty"` // seconds
	ActiveHoursStart     string `yaml:"active_hours_start,omitempty" json:"active_hours_start,omitempty"`
	ActiveHoursEnd       string `yaml:"active_hours_end,omitempty" json:"active_hours_end,omitempty"`
	PreCheckModel        string `yaml:"pre_check_model,omitempty" json:"pre_check_model,omitempty"`
}

// AutonomyDefaults mirrors the source's safe defaults for a newly created
// autonomy section (§6).
var AutonomyDefaults = AutonomyConfig{
	Enabled:             false,
	MaxConsecutiveTurns: 50,
	TokenBudgetPerHour:  100000,
	MaxActionsPerMinute: 10,
	IdleTimeout:         600,
}

// HotStateConfig declares the fields an agent's HotState instance tracks.
type HotStateConfig struct {
	Fields map[string]models.HotStateFieldSchema `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// SensorConfig declares one sensor binding (§4.5/§6).
type SensorConfig struct {
	Name     string               `yaml:"name" json:"name"`
	Type     string               `yaml:"type" json:"type"` // poll, watch, stream
	Interval int                  `yaml:"interval,omitempty" json:"interval,omitempty"`
	Source   SensorSource         `yaml:"source,omitempty" json:"source,omitempty"`
	Updates  []string             `yaml:"updates,omitempty" json:"updates,omitempty"`
	Signals  []SensorSignalConfig `yaml:"signals,omitempty" json:"signals,omitempty"`
}

// SensorSource is the sensor's binding to its external input.
type SensorSource struct {
	Path   string         `yaml:"path,omitempty" json:"path,omitempty"`     // watch
	URL    string         `yaml:"url,omitempty" json:"url,omitempty"`      // stream or poll
	Tool   string         `yaml:"tool,omitempty" json:"tool,omitempty"`    // poll: name of a registered tool to call instead of a URL
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"` // poll: arguments passed to Tool
}

// SensorSignalConfig is one LLM-scored signal a sensor evaluates (§4.5).
type SensorSignalConfig struct {
	Name      string  `yaml:"name" json:"name"`
	Model     string  `yaml:"model,omitempty" json:"model,omitempty"`
	Prompt    string  `yaml:"prompt" json:"prompt"`
	Threshold float64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	Notify    bool    `yaml:"notify" json:"notify"`
	Cooldown  int     `yaml:"cooldown,omitempty" json:"cooldown,omitempty"` // seconds
}

// CooldownDuration returns the signal's cooldown as a time.Duration.
func (s SensorSignalConfig) CooldownDuration() time.Duration {
	return time.Duration(s.Cooldown) * time.Second
}

// ValidHotStateTypes are the field types configure_agent accepts.
var ValidHotStateTypes = map[models.HotStateFieldType]bool{
	models.HotStateTypeObject:  true,
	models.HotStateTypeNumber:  true,
	models.HotStateTypeString:  true,
	models.HotStateTypeArray:   true,
	models.HotStateTypeBoolean: true,
}

// ValidSensorTypes are the sensor kinds the factory knows how to build.
var ValidSensorTypes = map[string]bool{"poll": true, "watch": true, "stream": true}
