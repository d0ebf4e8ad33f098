package toolexec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool() Definition {
	return Definition{
		Name:        "echo",
		Description: "Echo the input back",
		Parameters: []Parameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			return args["text"].(string), nil
		},
	}
}

func TestRegister(t *testing.T) {
	t.Run("should register a valid tool", func(t *testing.T) {
		e := New(zerolog.Nop())
		require.NoError(t, e.Register(echoTool()))
		assert.NotNil(t, e.Get("echo"))
		assert.Contains(t, e.List(), "echo")
	})

	t.Run("should reject a tool without a handler", func(t *testing.T) {
		e := New(zerolog.Nop())
		err := e.Register(Definition{Name: "broken", Description: "no handler"})
		assert.ErrorContains(t, err, "handler cannot be nil")
	})

	t.Run("should reject an unknown parameter type", func(t *testing.T) {
		e := New(zerolog.Nop())
		def := echoTool()
		def.Parameters[0].Type = "text"
		assert.ErrorContains(t, e.Register(def), "invalid parameter type")
	})

	t.Run("should expose registered tools as provider specs", func(t *testing.T) {
		e := New(zerolog.Nop())
		require.NoError(t, e.Register(echoTool()))

		specs := e.Specs()
		require.Len(t, specs, 1)
		assert.Equal(t, "echo", specs[0].Name)
		assert.Equal(t, []string{"text"}, specs[0].InputSchema["required"])
	})
}

func TestExecute(t *testing.T) {
	ctx := context.Background()

	t.Run("should run a tool and return its output", func(t *testing.T) {
		e := New(zerolog.Nop())
		require.NoError(t, e.Register(echoTool()))

		res := e.Execute(ctx, "echo", map[string]interface{}{"text": "hello"})
		assert.True(t, res.Success)
		assert.Equal(t, "hello", res.Output)
		assert.Equal(t, "hello", res.Text())
	})

	t.Run("should fail on an unknown tool without returning an error", func(t *testing.T) {
		e := New(zerolog.Nop())

		res := e.Execute(ctx, "missing", nil)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "tool not found")
	})

	t.Run("should reject arguments missing a required parameter", func(t *testing.T) {
		e := New(zerolog.Nop())
		require.NoError(t, e.Register(echoTool()))

		res := e.Execute(ctx, "echo", map[string]interface{}{})
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "parameter validation failed")
	})

	t.Run("should reject arguments of the wrong type", func(t *testing.T) {
		e := New(zerolog.Nop())
		require.NoError(t, e.Register(echoTool()))

		res := e.Execute(ctx, "echo", map[string]interface{}{"text": 42})
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "parameter validation failed")
	})

	t.Run("should surface a handler error as a failed result", func(t *testing.T) {
		e := New(zerolog.Nop())
		require.NoError(t, e.Register(Definition{
			Name:        "fail",
			Description: "Always fails",
			Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
				return "", errors.New("disk on fire")
			},
		}))

		res := e.Execute(ctx, "fail", nil)
		assert.False(t, res.Success)
		assert.Equal(t, "disk on fire", res.Error)
		assert.Equal(t, "tool error: disk on fire", res.Text())
	})

	t.Run("should time out a slow tool", func(t *testing.T) {
		e := New(zerolog.Nop())
		require.NoError(t, e.Register(Definition{
			Name:        "slow",
			Description: "Sleeps past its deadline",
			Timeout:     20 * time.Millisecond,
			Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
				select {
				case <-time.After(5 * time.Second):
					return "done", nil
				case <-ctx.Done():
					return "", ctx.Err()
				}
			},
		}))

		res := e.Execute(ctx, "slow", nil)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "timeout")
	})
}

func TestBuiltins(t *testing.T) {
	t.Run("should extract the exec command for the firewall", func(t *testing.T) {
		assert.Equal(t, "ls -la", CommandOf("exec", map[string]interface{}{"command": "ls -la"}))
		assert.Equal(t, "read_file", CommandOf("read_file", map[string]interface{}{"path": "/etc/hosts"}))
	})

	t.Run("should refuse an empty exec command", func(t *testing.T) {
		def := ExecTool("")
		_, err := def.Handler(context.Background(), map[string]interface{}{"command": "   "})
		assert.ErrorContains(t, err, "command cannot be empty")
	})

	t.Run("should refuse an empty read_file path", func(t *testing.T) {
		def := ReadFileTool()
		_, err := def.Handler(context.Background(), map[string]interface{}{"path": ""})
		assert.ErrorContains(t, err, "path cannot be empty")
	})
}
