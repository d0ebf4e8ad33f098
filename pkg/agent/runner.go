package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/kera/internal/observability"
	"github.com/harun/kera/internal/tracing"
	"github.com/harun/kera/pkg/channels"
	"github.com/harun/kera/pkg/commandqueue"
	"github.com/harun/kera/pkg/conversation"
	"github.com/harun/kera/pkg/directive"
	"github.com/harun/kera/pkg/firewall"
	"github.com/harun/kera/pkg/provider"
	"github.com/harun/kera/pkg/session"
	"github.com/harun/kera/pkg/tokens"
	"github.com/harun/kera/pkg/toolexec"
)

// DefaultMaxIterations bounds the tool-call sub-loop of one turn.
const DefaultMaxIterations = 16

// DefaultMaxTokens caps a single model reply.
const DefaultMaxTokens = 4096

const thinkInstruction = "Reason step by step before answering. " +
	"Gather the context you need, state your intermediate conclusions, and only then give the final answer."

const apologyText = "Sorry, I could not reach any language model right now. Please try again in a moment."

// Config wires a Runner.
type Config struct {
	Chain         *provider.FallbackChain
	Candidates    []provider.Candidate
	Executor      *toolexec.Executor
	Truncator     *toolexec.Truncator
	Policies      *firewall.PolicySet
	Sessions      *session.Manager
	Guard         *conversation.Guard
	Compactor     *conversation.Compactor
	Estimator     *tokens.Estimator
	Queue         *commandqueue.CommandQueue
	SystemPrompt  string
	MaxIterations int
	MaxTokens     int
	Logger        zerolog.Logger
}

// Runner executes orchestration turns.
type Runner struct {
	chain         *provider.FallbackChain
	candidates    []provider.Candidate
	executor      *toolexec.Executor
	truncator     *toolexec.Truncator
	policies      *firewall.PolicySet
	sessions      *session.Manager
	guard         *conversation.Guard
	compactor     *conversation.Compactor
	estimator     *tokens.Estimator
	queue         *commandqueue.CommandQueue
	systemPrompt  string
	maxIterations int
	maxTokens     int
	logger        zerolog.Logger
}

// NewRunner creates a Runner from cfg.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Chain == nil {
		return nil, fmt.Errorf("fallback chain is required")
	}
	if len(cfg.Candidates) == 0 {
		return nil, fmt.Errorf("at least one candidate is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	if cfg.Policies == nil {
		return nil, fmt.Errorf("firewall policies are required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Guard == nil {
		return nil, fmt.Errorf("context guard is required")
	}
	if cfg.Queue == nil {
		cfg.Queue = commandqueue.New()
	}
	if cfg.Estimator == nil {
		cfg.Estimator = tokens.NewEstimator()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	return &Runner{
		chain:         cfg.Chain,
		candidates:    cfg.Candidates,
		executor:      cfg.Executor,
		truncator:     cfg.Truncator,
		policies:      cfg.Policies,
		sessions:      cfg.Sessions,
		guard:         cfg.Guard,
		compactor:     cfg.Compactor,
		estimator:     cfg.Estimator,
		queue:         cfg.Queue,
		systemPrompt:  cfg.SystemPrompt,
		maxIterations: cfg.MaxIterations,
		maxTokens:     cfg.MaxTokens,
		logger:        cfg.Logger.With().Str("component", "agent").Logger(),
	}, nil
}

// Process runs one turn for msg. Turns of the same session run in
// arrival order through the session's lane; a nil outbound means the
// turn was silent.
func (r *Runner) Process(ctx context.Context, msg channels.InboundMessage) (*channels.OutboundMessage, error) {
	if strings.TrimSpace(msg.Text) == "" {
		return nil, nil
	}
	if msg.SessionKey == "" {
		return nil, fmt.Errorf("session key is required")
	}

	ctx = tracing.WithTraceID(ctx, tracing.NewTraceID())
	ctx = tracing.WithSessionKey(ctx, msg.SessionKey)
	ctx = tracing.WithChannel(ctx, msg.Channel)

	result, err := r.queue.Enqueue(ctx, msg.SessionKey, func(taskCtx context.Context) (interface{}, error) {
		return r.turn(taskCtx, msg)
	})
	if err != nil {
		return nil, err
	}
	out, _ := result.(*channels.OutboundMessage)
	return out, nil
}

// Abort cancels the session's running turn and rejects queued ones.
func (r *Runner) Abort(sessionKey string) int {
	return r.queue.Abort(sessionKey)
}

// turn is one full pass of the state machine.
func (r *Runner) turn(ctx context.Context, msg channels.InboundMessage) (*channels.OutboundMessage, error) {
	logger := tracing.LoggerFromContext(ctx, r.logger)
	start := time.Now()
	status := "ok"
	defer func() {
		observability.RecordTurn(status, time.Since(start))
	}()

	cleaned, parsed := directive.Parse(msg.Text)
	set, err := r.resolveDirectives(msg.SessionKey, parsed)
	if err != nil {
		logger.Warn().Err(err).Msg("Directive persistence failed, using parsed set")
		set = parsed
	}

	history, err := r.sessions.Load(ctx, msg.SessionKey)
	if err != nil {
		status = "failed"
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	userMsg := conversation.Message{
		Role:      conversation.RoleUser,
		Content:   cleaned,
		Timestamp: msg.Timestamp,
	}
	conv := conversation.Conversation(history).Append(userMsg)
	r.persist(ctx, msg.SessionKey, userMsg)

	systemPrompt := r.systemPrompt
	if set.Think {
		if systemPrompt == "" {
			systemPrompt = thinkInstruction
		} else {
			systemPrompt = thinkInstruction + "\n\n" + systemPrompt
		}
	}

	model := r.candidates[0].Model
	var debugBlocks []string

	for iteration := 0; iteration < r.maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			status = "cancelled"
			return nil, err
		}

		conv = r.bound(ctx, conv, model, logger)

		resp, err := r.chain.Call(ctx, provider.ChatRequest{
			Messages:     conv,
			Tools:        r.executor.Specs(),
			SystemPrompt: systemPrompt,
			MaxTokens:    r.maxTokens,
		}, r.candidates)
		if err != nil {
			if ctx.Err() != nil {
				status = "cancelled"
				return nil, ctx.Err()
			}
			logger.Error().Err(err).Msg("Fallback chain exhausted")
			status = "failed"
			r.persist(ctx, msg.SessionKey, conversation.Message{Role: conversation.RoleAssistant, Content: apologyText})
			return r.reply(msg, apologyText), nil
		}

		if len(resp.ToolCalls) == 0 {
			answer := resp.Content
			if set.Verbose && len(debugBlocks) > 0 {
				answer = answer + "\n\n" + strings.Join(debugBlocks, "\n")
			}
			assistantMsg := conversation.Message{Role: conversation.RoleAssistant, Content: resp.Content}
			r.persist(ctx, msg.SessionKey, assistantMsg)
			return r.reply(msg, answer), nil
		}

		assistantMsg := conversation.Message{
			Role:      conversation.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		conv = conv.Append(assistantMsg)
		r.persist(ctx, msg.SessionKey, assistantMsg)

		for _, call := range resp.ToolCalls {
			command := toolexec.CommandOf(call.Name, call.Parameters)
			decision := r.policies.Decide(ctx, command, firewall.InvocationContext{
				Channel:     msg.Channel,
				Tool:        call.Name,
				SessionKey:  msg.SessionKey,
				AutoApprove: set.Elevated,
			})
			if decision != firewall.DecisionAllow {
				// deny, or ask with nobody to answer it
				logger.Warn().
					Str("tool", call.Name).
					Str("command", command).
					Str("decision", string(decision)).
					Msg("Tool call refused")
				status = "refused"
				refusal := fmt.Sprintf("I can't run %q: the command %q is not permitted by the current policy.", call.Name, command)
				r.persist(ctx, msg.SessionKey, conversation.Message{Role: conversation.RoleAssistant, Content: refusal})
				return r.reply(msg, refusal), nil
			}

			result := r.executor.Execute(ctx, call.Name, call.Parameters)
			text := result.Text()
			if r.truncator != nil {
				text = r.truncator.Truncate(text, call.Name)
			}

			toolMsg := conversation.Message{
				Role:            conversation.RoleTool,
				Content:         text,
				OriginatingTool: call.Name,
				ToolCallID:      call.ID,
			}
			conv = conv.Append(toolMsg)
			r.persist(ctx, msg.SessionKey, toolMsg)

			if set.Verbose {
				cost := r.estimator.EstimateText(model, text)
				debugBlocks = append(debugBlocks, fmt.Sprintf("[debug] tool=%s tokens=%d result=%s", call.Name, cost, text))
			}
		}
	}

	logger.Warn().Int("max_iterations", r.maxIterations).Msg("Iteration limit reached")
	status = "exhausted"
	partial := "I hit my tool-use limit before finishing. Here is what I have so far:\n" + lastAssistantContent(conv)
	r.persist(ctx, msg.SessionKey, conversation.Message{Role: conversation.RoleAssistant, Content: partial})
	return r.reply(msg, partial), nil
}

// resolveDirectives re-sets the session's sticky set when the message
// carries directives, otherwise inherits the stored one.
func (r *Runner) resolveDirectives(sessionKey string, parsed directive.Set) (directive.Set, error) {
	if parsed.HasDirectives {
		if err := r.sessions.SaveDirectives(sessionKey, parsed); err != nil {
			return parsed, err
		}
		return parsed, nil
	}
	return r.sessions.LoadDirectives(sessionKey)
}

// bound compacts the conversation when the guard signals overflow.
func (r *Runner) bound(ctx context.Context, conv conversation.Conversation, model string, logger zerolog.Logger) conversation.Conversation {
	if r.compactor == nil || !r.guard.Overflow(conv, model) {
		return conv
	}
	logger.Info().Int("messages", len(conv)).Msg("Context overflow, compacting")
	return r.compactor.Compact(ctx, conv)
}

func (r *Runner) persist(ctx context.Context, sessionKey string, msg conversation.Message) {
	if err := r.sessions.Append(ctx, sessionKey, msg); err != nil {
		logger := tracing.LoggerFromContext(ctx, r.logger)
		logger.Warn().Err(err).Msg("Failed to persist message")
	}
}

func (r *Runner) reply(msg channels.InboundMessage, text string) *channels.OutboundMessage {
	return &channels.OutboundMessage{
		Channel:   msg.Channel,
		Recipient: msg.Sender,
		Text:      text,
	}
}

func lastAssistantContent(conv conversation.Conversation) string {
	for i := len(conv) - 1; i >= 0; i-- {
		if conv[i].Role == conversation.RoleAssistant && conv[i].Content != "" {
			return conv[i].Content
		}
	}
	return "(no partial answer)"
}
