package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/llama-farm/openhoof/pkg/models"
)

// FileName is the canonical agent configuration filename within a workspace.
const FileName = "agent.yaml"

// Load reads and parses an agent's configuration file.
func Load(workspaceDir string) (AgentConfig, error) {
	var cfg AgentConfig
	data, err := os.ReadFile(filepath.Join(workspaceDir, FileName))
	if err != nil {
		return cfg, fmt.Errorf("read agent config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return cfg, nil
}

// Save writes cfg to the agent's configuration file.
func Save(workspaceDir string, cfg AgentConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}
	return os.WriteFile(filepath.Join(workspaceDir, FileName), data, 0o644)
}

// Exists reports whether a config file is present for the workspace.
func Exists(workspaceDir string) bool {
	_, err := os.Stat(filepath.Join(workspaceDir, FileName))
	return err == nil
}

// Validate checks the structural invariants configure_agent enforces:
// hot-state field types and sensor shape (§6).
func Validate(cfg AgentConfig) error {
	for field, schema := range cfg.HotState.Fields {
		if schema.Type == "" {
			continue
		}
		if !ValidHotStateTypes[schema.Type] {
			return fmt.Errorf("%w: hot state field %q has unknown type %q", ErrMalformed, field, schema.Type)
		}
	}
	for _, sensor := range cfg.Sensors {
		if !ValidSensorTypes[sensor.Type] {
			return fmt.Errorf("%w: sensor %q has unknown type %q", ErrMalformed, sensor.Name, sensor.Type)
		}
		switch sensor.Type {
		case "poll":
			if sensor.Interval <= 0 {
				return fmt.Errorf("%w: sensor %q (poll) requires a positive interval", ErrMalformed, sensor.Name)
			}
		case "watch":
			if sensor.Source.Path == "" {
				return fmt.Errorf("%w: sensor %q (watch) requires source.path", ErrMalformed, sensor.Name)
			}
		case "stream":
			if sensor.Source.URL == "" {
				return fmt.Errorf("%w: sensor %q (stream) requires source.url", ErrMalformed, sensor.Name)
			}
		}
	}
	return nil
}

// ApplyDefaults fills in safe defaults for sections present in cfg, mirroring
// the source's defaulting behavior on create/update.
func ApplyDefaults(cfg AgentConfig) AgentConfig {
	if cfg.Autonomy.Enabled || cfg.Autonomy != (AutonomyConfig{}) {
		if cfg.Autonomy.MaxConsecutiveTurns == 0 {
			cfg.Autonomy.MaxConsecutiveTurns = AutonomyDefaults.MaxConsecutiveTurns
		}
		if cfg.Autonomy.TokenBudgetPerHour == 0 {
			cfg.Autonomy.TokenBudgetPerHour = AutonomyDefaults.TokenBudgetPerHour
		}
		if cfg.Autonomy.MaxActionsPerMinute == 0 {
			cfg.Autonomy.MaxActionsPerMinute = AutonomyDefaults.MaxActionsPerMinute
		}
		if cfg.Autonomy.IdleTimeout == 0 {
			cfg.Autonomy.IdleTimeout = AutonomyDefaults.IdleTimeout
		}
	}
	for name, schema := range cfg.HotState.Fields {
		if schema.Type == "" {
			schema.Type = models.HotStateTypeObject
			cfg.HotState.Fields[name] = schema
		}
	}
	for i := range cfg.Sensors {
		if cfg.Sensors[i].Signals == nil {
			cfg.Sensors[i].Signals = []SensorSignalConfig{}
		}
		if cfg.Sensors[i].Updates == nil {
			cfg.Sensors[i].Updates = []string{}
		}
		for j := range cfg.Sensors[i].Signals {
			if cfg.Sensors[i].Signals[j].Threshold == 0 {
				cfg.Sensors[i].Signals[j].Threshold = 0.8
			}
		}
	}
	return cfg
}

// MergeUpdate applies an update to existing per §6/§4.4: scalar top-level
// fields overwrite one-by-one, but autonomy, hot_state and sensors replace
// whole (never partially merged) to avoid corrupting structured policy.
func MergeUpdate(existing, update AgentConfig) AgentConfig {
	merged := existing
	if update.Name != "" {
		merged.Name = update.Name
	}
	if update.Description != "" {
		merged.Description = update.Description
	}
	if update.Model != "" {
		merged.Model = update.Model
	}
	if update.Thinking {
		merged.Thinking = update.Thinking
	}
	if update.Tools != nil {
		merged.Tools = update.Tools
	}
	if update.MaxToolRounds != 0 {
		merged.MaxToolRounds = update.MaxToolRounds
	}
	if update.Heartbeat != (HeartbeatConfig{}) {
		merged.Heartbeat = update.Heartbeat
	}
	if update.Autonomy != (AutonomyConfig{}) {
		merged.Autonomy = update.Autonomy
	}
	if update.HotState.Fields != nil {
		merged.HotState = update.HotState
	}
	if update.Sensors != nil {
		merged.Sensors = update.Sensors
	}
	return merged
}
