package toolexec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ExecTool runs a shell command. It is the primary subject of the
// command firewall; the executor never sees a command the firewall
// denied.
func ExecTool(workingDir string) Definition {
	return Definition{
		Name:        "exec",
		Description: "Run a shell command and return its combined output",
		Parameters: []Parameter{
			{Name: "command", Type: "string", Description: "Shell command to run", Required: true},
		},
		Timeout: 60 * time.Second,
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			command, _ := args["command"].(string)
			if strings.TrimSpace(command) == "" {
				return "", fmt.Errorf("command cannot be empty")
			}

			cmd := exec.CommandContext(ctx, "sh", "-c", command)
			if workingDir != "" {
				cmd.Dir = workingDir
			}

			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			err := cmd.Run()
			if ctx.Err() == context.DeadlineExceeded {
				return "", fmt.Errorf("command timed out")
			}
			if err != nil {
				return "", fmt.Errorf("command failed: %w\n%s", err, stderr.String())
			}

			out := stdout.String()
			if stderr.Len() > 0 {
				out += stderr.String()
			}
			return out, nil
		},
	}
}

// ReadFileTool reads a file from disk.
func ReadFileTool() Definition {
	return Definition{
		Name:        "read_file",
		Description: "Read a file and return its contents",
		Parameters: []Parameter{
			{Name: "path", Type: "string", Description: "Path of the file to read", Required: true},
		},
		Timeout: 10 * time.Second,
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			path, _ := args["path"].(string)
			if path == "" {
				return "", fmt.Errorf("path cannot be empty")
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("failed to read file: %w", err)
			}
			return string(data), nil
		},
	}
}

// CommandOf extracts the firewall-relevant command string from a tool
// call's arguments. Non-exec tools are addressed by their tool name.
func CommandOf(toolName string, args map[string]interface{}) string {
	if toolName == "exec" {
		if command, ok := args["command"].(string); ok {
			return command
		}
	}
	return toolName
}
