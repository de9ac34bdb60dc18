package coretools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rafi/astra/pkg/tools"
)

const maxReadBytes = 64 * 1024

// Options configures core tool registration.
type Options struct {
	// WorkspaceRoot confines every file and exec tool. Paths outside it
	// are rejected.
	WorkspaceRoot string
}

// Register adds the baseline filesystem and shell tools to a registry.
// Reads are safe, writes need a standing approval, and shell execution
// always needs a per-call approval.
func Register(registry *tools.Registry, opts Options) error {
	if opts.WorkspaceRoot == "" {
		return fmt.Errorf("workspace root is required")
	}
	root, err := filepath.Abs(opts.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace root: %w", err)
	}

	caps := []tools.Capability{
		readFileTool(root),
		listDirTool(root),
		writeFileTool(root),
		execTool(root),
	}
	for _, cap := range caps {
		if err := registry.Register(cap); err != nil {
			return err
		}
	}
	return nil
}

// resolvePath joins a workspace-relative path and rejects escapes.
func resolvePath(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	abs := filepath.Clean(filepath.Join(root, rel))
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the workspace: %s", rel)
	}
	return abs, nil
}

func readFileTool(root string) tools.Capability {
	return &tools.Func{
		Def: tools.Definition{
			Name:        "read_file",
			Description: "Read a text file from the workspace.",
			InputSchema: tools.ObjectSchema(map[string]interface{}{
				"path": map[string]interface{}{"type": "string", "description": "Path relative to the workspace root"},
			}, []string{"path"}),
			Risk: tools.RiskSafe,
		},
		Handler: func(ctx context.Context, input map[string]interface{}) (string, error) {
			rel, _ := input["path"].(string)
			abs, err := resolvePath(root, rel)
			if err != nil {
				return "", err
			}

			data, err := os.ReadFile(abs)
			if err != nil {
				return "", fmt.Errorf("failed to read %s: %w", rel, err)
			}
			if len(data) > maxReadBytes {
				data = data[:maxReadBytes]
				return string(data) + "\n[truncated]", nil
			}
			return string(data), nil
		},
	}
}

func listDirTool(root string) tools.Capability {
	return &tools.Func{
		Def: tools.Definition{
			Name:        "list_dir",
			Description: "List entries of a workspace directory.",
			InputSchema: tools.ObjectSchema(map[string]interface{}{
				"path": map[string]interface{}{"type": "string", "description": "Path relative to the workspace root, defaults to the root"},
			}, nil),
			Risk: tools.RiskSafe,
		},
		Handler: func(ctx context.Context, input map[string]interface{}) (string, error) {
			rel, _ := input["path"].(string)
			if rel == "" {
				rel = "."
			}
			abs, err := resolvePath(root, rel)
			if err != nil {
				return "", err
			}

			entries, err := os.ReadDir(abs)
			if err != nil {
				return "", fmt.Errorf("failed to list %s: %w", rel, err)
			}

			names := make([]string, 0, len(entries))
			for _, entry := range entries {
				name := entry.Name()
				if entry.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			return strings.Join(names, "\n"), nil
		},
	}
}

func writeFileTool(root string) tools.Capability {
	return &tools.Func{
		Def: tools.Definition{
			Name:        "write_file",
			Description: "Write content to a workspace file, creating parent directories as needed.",
			InputSchema: tools.ObjectSchema(map[string]interface{}{
				"path":    map[string]interface{}{"type": "string", "description": "Path relative to the workspace root"},
				"content": map[string]interface{}{"type": "string", "description": "Full file content"},
			}, []string{"path", "content"}),
			Risk: tools.RiskGuarded,
		},
		Handler: func(ctx context.Context, input map[string]interface{}) (string, error) {
			rel, _ := input["path"].(string)
			content, _ := input["content"].(string)
			abs, err := resolvePath(root, rel)
			if err != nil {
				return "", err
			}

			if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
				return "", fmt.Errorf("failed to create parent directory: %w", err)
			}
			if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
				return "", fmt.Errorf("failed to write %s: %w", rel, err)
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(content), rel), nil
		},
	}
}

func execTool(root string) tools.Capability {
	return &tools.Func{
		Def: tools.Definition{
			Name:        "exec",
			Description: "Execute a shell command inside the workspace.",
			InputSchema: tools.ObjectSchema(map[string]interface{}{
				"command":         map[string]interface{}{"type": "string", "description": "Command to execute"},
				"timeout_seconds": map[string]interface{}{"type": "integer", "description": "Execution limit in seconds, default 30"},
			}, []string{"command"}),
			Risk: tools.RiskUnsafe,
		},
		Handler: func(ctx context.Context, input map[string]interface{}) (string, error) {
			command, _ := input["command"].(string)
			command = strings.TrimSpace(command)
			if command == "" {
				return "", fmt.Errorf("command is required")
			}

			timeout := 30 * time.Second
			if seconds, ok := input["timeout_seconds"].(float64); ok && seconds > 0 {
				timeout = time.Duration(seconds) * time.Second
			}
			execCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			cmd := exec.CommandContext(execCtx, "sh", "-c", command)
			cmd.Dir = root

			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			err := cmd.Run()
			output := stdout.String()
			if stderr.Len() > 0 {
				output += "\nstderr:\n" + stderr.String()
			}
			if err != nil {
				return "", fmt.Errorf("command failed: %w\n%s", err, output)
			}
			return output, nil
		},
	}
}
