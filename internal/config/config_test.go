package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Run("should be valid out of the box", func(t *testing.T) {
		assert.NoError(t, DefaultConfig().Validate())
	})

	t.Run("should carry orchestration defaults", func(t *testing.T) {
		cfg := DefaultConfig()
		assert.Equal(t, 10, cfg.Loop.MaxRounds)
		assert.Equal(t, 3, cfg.SubAgents.MaxDepth)
		assert.Equal(t, 3, cfg.Router.RetryBound)
		assert.Equal(t, 30, cfg.Session.TTLMinutes)
	})
}

func TestConfigValidate(t *testing.T) {
	t.Run("should reject agent with unknown model alias", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Agents[0].Model = "nonexistent"
		assert.Error(t, cfg.Validate())
	})

	t.Run("should reject unknown fallback alias", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Agents[0].Fallbacks = []string{"nonexistent"}
		assert.Error(t, cfg.Validate())
	})

	t.Run("should reject duplicate agent ids", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Agents = append(cfg.Agents, cfg.Agents[0])
		assert.Error(t, cfg.Validate())
	})

	t.Run("should reject unknown global fallback", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Models.GlobalFallbacks = []string{"nonexistent"}
		assert.Error(t, cfg.Validate())
	})

	t.Run("should reject empty agent list", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Agents = nil
		assert.Error(t, cfg.Validate())
	})

	t.Run("should reject non-positive bounds", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Loop.MaxRounds = 0
		assert.Error(t, cfg.Validate())
	})
}

func TestLoader(t *testing.T) {
	t.Run("should return defaults when the file is missing", func(t *testing.T) {
		loader := NewLoader(filepath.Join(t.TempDir(), "missing.json"))
		cfg, err := loader.Load()
		require.NoError(t, err)
		assert.Equal(t, 10, cfg.Loop.MaxRounds)
	})

	t.Run("should merge file values over defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "astra.json")
		raw := `{
			"loop": {"max_rounds": 5},
			"session": {"ttl_minutes": 15}
		}`
		require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)
		assert.Equal(t, 5, cfg.Loop.MaxRounds)
		assert.Equal(t, 15, cfg.Session.TTLMinutes)
		// Untouched sections keep defaults.
		assert.Equal(t, 3, cfg.SubAgents.MaxDepth)
	})

	t.Run("should reject an invalid file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "astra.json")
		raw := `{"agents": [{"id": "main", "model": "unrouted"}]}`
		require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

		_, err := NewLoader(path).Load()
		assert.Error(t, err)
	})

	t.Run("should derive data paths from data_dir", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "astra.json")
		raw := `{"data_dir": "` + dir + `"}`
		require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "sessions.db"), cfg.Session.StorePath)
	})
}
