package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger(t *testing.T) {
	t.Run("should write structured entries to the configured file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "astra.log")

		lg, err := New(Config{Level: "info", File: path})
		require.NoError(t, err)

		zl := lg.Zerolog()
		zl.Info().Str("component", "session").Msg("Session created")
		require.NoError(t, lg.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"Session created"`)
		assert.Contains(t, string(data), `"component":"session"`)
	})

	t.Run("should suppress entries below the configured level", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "astra.log")

		lg, err := New(Config{Level: "warn", File: path})
		require.NoError(t, err)

		zl := lg.Zerolog()
		zl.Info().Msg("too quiet to record")
		zl.Warn().Msg("loud enough")
		require.NoError(t, lg.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "too quiet to record")
		assert.Contains(t, string(data), "loud enough")
	})

	t.Run("should default to info on an unknown level", func(t *testing.T) {
		lg, err := New(Config{Level: "shouting"})
		require.NoError(t, err)
		defer lg.Close()

		assert.Equal(t, "info", lg.Zerolog().GetLevel().String())
	})

	t.Run("should close without a file handle", func(t *testing.T) {
		lg, err := New(Config{Level: "info", Console: true})
		require.NoError(t, err)
		assert.NoError(t, lg.Close())
	})
}
