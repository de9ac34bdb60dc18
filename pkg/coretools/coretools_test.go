package coretools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafi/astra/pkg/tools"
)

func newTestRegistry(t *testing.T) (*tools.Registry, string) {
	t.Helper()

	root := t.TempDir()
	registry := tools.NewRegistry()
	require.NoError(t, Register(registry, Options{WorkspaceRoot: root}))
	return registry, root
}

func TestReadFileTool(t *testing.T) {
	t.Run("should read a workspace file", func(t *testing.T) {
		registry, root := newTestRegistry(t)
		require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hello"), 0644))

		out, err := registry.Dispatch(context.Background(), "read_file", map[string]interface{}{"path": "notes.txt"})
		require.NoError(t, err)
		assert.Equal(t, "hello", out)
	})

	t.Run("should reject paths escaping the workspace", func(t *testing.T) {
		registry, _ := newTestRegistry(t)

		_, err := registry.Dispatch(context.Background(), "read_file", map[string]interface{}{"path": "../etc/passwd"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "escapes")
	})
}

func TestListDirTool(t *testing.T) {
	t.Run("should list entries with directory markers", func(t *testing.T) {
		registry, root := newTestRegistry(t)
		require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0644))

		out, err := registry.Dispatch(context.Background(), "list_dir", map[string]interface{}{})
		require.NoError(t, err)
		assert.Contains(t, out, "a.txt")
		assert.Contains(t, out, "sub/")
	})
}

func TestWriteFileTool(t *testing.T) {
	t.Run("should write and create parent directories", func(t *testing.T) {
		registry, root := newTestRegistry(t)

		_, err := registry.Dispatch(context.Background(), "write_file", map[string]interface{}{
			"path":    "deep/nested/out.txt",
			"content": "data",
		})
		require.NoError(t, err)

		data, err := os.ReadFile(filepath.Join(root, "deep", "nested", "out.txt"))
		require.NoError(t, err)
		assert.Equal(t, "data", string(data))
	})

	t.Run("should be registered as guarded", func(t *testing.T) {
		registry, _ := newTestRegistry(t)
		risk, ok := registry.Risk("write_file")
		require.True(t, ok)
		assert.Equal(t, tools.RiskGuarded, risk)
	})
}

func TestExecTool(t *testing.T) {
	t.Run("should run a command in the workspace", func(t *testing.T) {
		registry, root := newTestRegistry(t)
		require.NoError(t, os.WriteFile(filepath.Join(root, "marker"), []byte(""), 0644))

		out, err := registry.Dispatch(context.Background(), "exec", map[string]interface{}{"command": "ls"})
		require.NoError(t, err)
		assert.Contains(t, out, "marker")
	})

	t.Run("should report command failure with output", func(t *testing.T) {
		registry, _ := newTestRegistry(t)

		_, err := registry.Dispatch(context.Background(), "exec", map[string]interface{}{"command": "false"})
		assert.Error(t, err)
	})

	t.Run("should be registered as unsafe", func(t *testing.T) {
		registry, _ := newTestRegistry(t)
		risk, ok := registry.Risk("exec")
		require.True(t, ok)
		assert.Equal(t, tools.RiskUnsafe, risk)
	})
}
