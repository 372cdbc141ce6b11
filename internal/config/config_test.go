// File: internal/config/config_test.go
package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadDefaults(t *testing.T, overrides map[string]any) (*Config, error) {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	for key, value := range overrides {
		v.Set(key, value)
	}
	return Load(v)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadDefaults(t, nil)
	require.NoError(t, err)

	assert.Equal(t, ModeConfirmEach, cfg.Agent.Mode)
	assert.Equal(t, 100, cfg.Agent.StepLimit)
	assert.Equal(t, 3, cfg.Agent.MaxParseRetries)
	assert.Equal(t, ProviderOpenAI, cfg.LLM.Provider)
	assert.Equal(t, 2*time.Minute, cfg.LLM.APITimeout)
	assert.InDelta(t, 0.7, cfg.Search.MinConfidence, 0.0001)
	assert.NotEmpty(t, cfg.Security.AllowedPaths)
}

func TestLoadExpandsHomePaths(t *testing.T) {
	cfg, err := loadDefaults(t, nil)
	require.NoError(t, err)

	// The default store path starts with "~"; after loading it must be
	// absolute.
	assert.True(t, filepath.IsAbs(cfg.Store.Path), "store path %q not expanded", cfg.Store.Path)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name      string
		overrides map[string]any
		wantErr   string
	}{
		{"unknown provider", map[string]any{"llm.provider": "skynet"}, "unknown llm provider"},
		{"unknown mode", map[string]any{"agent.mode": "yolo"}, "unknown agent mode"},
		{"zero step limit", map[string]any{"agent.step_limit": 0}, "step_limit"},
		{"zero window", map[string]any{"agent.window_size": 0}, "window_size"},
		{"confidence out of range", map[string]any{"search.min_confidence": 1.5}, "min_confidence"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadDefaults(t, tc.overrides)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidateAcceptsEveryProviderAndMode(t *testing.T) {
	for _, provider := range []string{ProviderGemini, ProviderOpenAI, ProviderOllama} {
		_, err := loadDefaults(t, map[string]any{"llm.provider": provider})
		assert.NoError(t, err, provider)
	}
	for _, mode := range []string{ModeConfirmEach, ModeAutonomous} {
		_, err := loadDefaults(t, map[string]any{"agent.mode": mode})
		assert.NoError(t, err, mode)
	}
}
