package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llama-farm/openhoof/pkg/models"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := AgentConfig{ID: "trader", Name: "Trader", Model: "gpt-5", MaxToolRounds: 5}

	require.NoError(t, Save(dir, cfg))
	assert.True(t, Exists(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg.ID, loaded.ID)
	assert.Equal(t, cfg.MaxToolRounds, loaded.MaxToolRounds)
}

func TestValidateRejectsUnknownHotStateType(t *testing.T) {
	cfg := AgentConfig{HotState: HotStateConfig{Fields: map[string]models.HotStateFieldSchema{
		"x": {Type: "vector"},
	}}}
	err := Validate(cfg)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestValidateRejectsPollSensorWithoutInterval(t *testing.T) {
	cfg := AgentConfig{Sensors: []SensorConfig{{Name: "s1", Type: "poll"}}}
	assert.ErrorIs(t, Validate(cfg), ErrMalformed)
}

func TestValidateRejectsWatchSensorWithoutPath(t *testing.T) {
	cfg := AgentConfig{Sensors: []SensorConfig{{Name: "s1", Type: "watch"}}}
	assert.ErrorIs(t, Validate(cfg), ErrMalformed)
}

func TestApplyDefaultsFillsAutonomy(t *testing.T) {
	cfg := AgentConfig{Autonomy: AutonomyConfig{Enabled: true}}
	out := ApplyDefaults(cfg)
	assert.Equal(t, AutonomyDefaults.MaxConsecutiveTurns, out.Autonomy.MaxConsecutiveTurns)
	assert.Equal(t, AutonomyDefaults.TokenBudgetPerHour, out.Autonomy.TokenBudgetPerHour)
}

func TestMergeUpdateReplacesNestedSectionsWhole(t *testing.T) {
	existing := AgentConfig{
		Name:     "Trader",
		Autonomy: AutonomyConfig{Enabled: true, MaxConsecutiveTurns: 50},
	}
	update := AgentConfig{Autonomy: AutonomyConfig{Enabled: true, MaxConsecutiveTurns: 5}}

	merged := MergeUpdate(existing, update)
	assert.Equal(t, "Trader", merged.Name, "scalar fields not present in update are preserved")
	assert.Equal(t, 5, merged.Autonomy.MaxConsecutiveTurns, "nested sections replace whole")
}

func TestMergeUpdateOverwritesScalarsIndividually(t *testing.T) {
	existing := AgentConfig{Name: "Trader", Description: "desc", Model: "a"}
	update := AgentConfig{Name: "Trader2"}

	merged := MergeUpdate(existing, update)
	assert.Equal(t, "Trader2", merged.Name)
	assert.Equal(t, "desc", merged.Description)
	assert.Equal(t, "a", merged.Model)
}
