package toolexec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/kera/internal/observability"
	"github.com/harun/kera/pkg/provider"
)

// DefaultTimeout bounds a single tool invocation when the definition
// does not carry its own.
const DefaultTimeout = 30 * time.Second

// Parameter describes one tool argument.
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// Handler is the function signature for tool execution. The returned
// string is what the model sees as the tool result.
type Handler func(ctx context.Context, args map[string]interface{}) (string, error)

// Definition defines a tool's metadata and handler.
type Definition struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Parameters  []Parameter   `json:"parameters"`
	Handler     Handler       `json:"-"`
	Timeout     time.Duration `json:"-"`
}

// Result is the outcome of one tool execution. A failed execution is
// reported back to the model as text, never as a loop-fatal error.
type Result struct {
	Success  bool
	Output   string
	Error    string
	Duration time.Duration
}

// Text renders the result as the tool message content for the model.
func (r Result) Text() string {
	if r.Success {
		return r.Output
	}
	return "tool error: " + r.Error
}

// Executor holds the tool registry and runs tool calls.
type Executor struct {
	tools   map[string]*Definition
	schemas map[string]*gojsonschema.Schema
	mu      sync.RWMutex
	logger  zerolog.Logger
}

// New creates an empty Executor.
func New(logger zerolog.Logger) *Executor {
	return &Executor{
		tools:   make(map[string]*Definition),
		schemas: make(map[string]*gojsonschema.Schema),
		logger:  logger.With().Str("component", "toolexec").Logger(),
	}
}

// Register validates def, generates its parameter schema, and adds it
// to the registry. Re-registering a name replaces the previous tool.
func (e *Executor) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := generateSchema(def)
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	e.mu.Lock()
	e.tools[def.Name] = &def
	e.schemas[def.Name] = schema
	e.mu.Unlock()

	e.logger.Info().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// Get returns a tool definition by name, or nil.
func (e *Executor) Get(name string) *Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tools[name]
}

// List returns all registered tool names.
func (e *Executor) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.tools))
	for name := range e.tools {
		names = append(names, name)
	}
	return names
}

// Specs renders the registry as provider tool specs for a chat request.
func (e *Executor) Specs() []provider.ToolSpec {
	e.mu.RLock()
	defer e.mu.RUnlock()

	specs := make([]provider.ToolSpec, 0, len(e.tools))
	for _, def := range e.tools {
		specs = append(specs, provider.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: schemaMap(*def),
		})
	}
	return specs
}

// Execute runs the named tool with args under its timeout. Unknown
// tools, invalid parameters, handler errors, and timeouts all come back
// as a failed Result rather than an error.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]interface{}) Result {
	start := time.Now()

	e.mu.RLock()
	tool := e.tools[name]
	schema := e.schemas[name]
	e.mu.RUnlock()

	if tool == nil {
		e.logger.Error().Str("tool", name).Msg("Tool not found")
		return e.finish(name, start, Result{Error: fmt.Sprintf("tool not found: %s", name)})
	}

	if err := validateArgs(schema, args); err != nil {
		e.logger.Error().Str("tool", name).Err(err).Msg("Parameter validation failed")
		return e.finish(name, start, Result{Error: fmt.Sprintf("parameter validation failed: %v", err)})
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.logger.Debug().Str("tool", name).Msg("Executing tool")

	outChan := make(chan string, 1)
	errChan := make(chan error, 1)
	go func() {
		out, err := tool.Handler(timeoutCtx, args)
		if err != nil {
			errChan <- err
			return
		}
		outChan <- out
	}()

	select {
	case out := <-outChan:
		return e.finish(name, start, Result{Success: true, Output: out})

	case err := <-errChan:
		e.logger.Error().Str("tool", name).Err(err).Msg("Tool execution failed")
		return e.finish(name, start, Result{Error: err.Error()})

	case <-timeoutCtx.Done():
		e.logger.Error().Str("tool", name).Dur("timeout", timeout).Msg("Tool execution timeout")
		return e.finish(name, start, Result{Error: fmt.Sprintf("tool execution timeout after %v", timeout)})
	}
}

func (e *Executor) finish(name string, start time.Time, r Result) Result {
	r.Duration = time.Since(start)
	observability.RecordToolExecution(name, r.Duration, r.Success)
	status := "error"
	if r.Success {
		status = "ok"
	}
	observability.RecordToolAudit(context.Background(), name, "", status, map[string]interface{}{
		"duration_ms": r.Duration.Milliseconds(),
	})
	return r
}

func validateDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}
	return nil
}

// schemaMap builds the JSON Schema document for a definition's
// parameters. The same map feeds both gojsonschema and provider specs.
func schemaMap(def Definition) map[string]interface{} {
	properties := make(map[string]interface{})
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	m := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		m["required"] = required
	}
	return m
}

func generateSchema(def Definition) (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap(def)))
}

func validateArgs(schema *gojsonschema.Schema, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if !result.Valid() {
		errs := []string{}
		for _, verr := range result.Errors() {
			errs = append(errs, verr.String())
		}
		return fmt.Errorf("validation errors: %v", errs)
	}
	return nil
}
