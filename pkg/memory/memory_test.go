package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRetriever(t *testing.T) *SQLiteRetriever {
	t.Helper()

	r, err := NewSQLiteRetriever(filepath.Join(t.TempDir(), "memory.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestSQLiteRetriever(t *testing.T) {
	t.Run("should recall written notes by keyword", func(t *testing.T) {
		r := newTestRetriever(t)
		ctx := context.Background()

		require.NoError(t, r.Write(ctx, "the deploy pipeline runs on fridays", "ops"))
		require.NoError(t, r.Write(ctx, "coffee machine is on the second floor", "misc"))

		snippets, err := r.Search(ctx, "deploy pipeline", 5)
		require.NoError(t, err)
		require.NotEmpty(t, snippets)
		assert.Contains(t, snippets[0].Text, "deploy pipeline")
	})

	t.Run("should cap results at maxResults", func(t *testing.T) {
		r := newTestRetriever(t)
		ctx := context.Background()

		for i := 0; i < 10; i++ {
			require.NoError(t, r.Write(ctx, "release notes for the service", "ops"))
		}

		snippets, err := r.Search(ctx, "release", 3)
		require.NoError(t, err)
		assert.Len(t, snippets, 3)
	})

	t.Run("should return nothing for empty queries", func(t *testing.T) {
		r := newTestRetriever(t)

		snippets, err := r.Search(context.Background(), "   ", 5)
		require.NoError(t, err)
		assert.Empty(t, snippets)
	})

	t.Run("should tolerate punctuation in queries", func(t *testing.T) {
		r := newTestRetriever(t)
		ctx := context.Background()

		require.NoError(t, r.Write(ctx, "the api gateway handles auth", "ops"))

		_, err := r.Search(ctx, `gateway "auth" (v2)?`, 5)
		assert.NoError(t, err)
	})

	t.Run("should reject empty notes", func(t *testing.T) {
		r := newTestRetriever(t)
		assert.Error(t, r.Write(context.Background(), "  ", "ops"))
	})
}
