// ABOUTME: AgentSession loop: model call, concurrent tool execution, results fed back
// ABOUTME: Bounded by a step budget and a wall-clock turn deadline

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/cohora-gateway/internal/metrics"
	"github.com/2389/cohora-gateway/internal/model"
	"github.com/2389/cohora-gateway/internal/tools"
)

// ErrFatalModel is returned when the model fails while the turn is still live.
var ErrFatalModel = errors.New("fatal model error")

// DefaultStepBudget bounds model calls per turn.
const DefaultStepBudget = 20

// Outcome is how a turn ended.
type Outcome string

const (
	OutcomeDone               Outcome = "done"
	OutcomeStepBudgetExceeded Outcome = "step_budget_exceeded"
	OutcomeFatalModelError    Outcome = "fatal_model_error"
	OutcomeDeadlineExceeded   Outcome = "deadline_exceeded"
)

// State is the position of the loop within a turn.
type State int

const (
	StateAwaitingModel State = iota
	StateExecutingTools
	StateDone
)

func (s State) String() string {
	switch s {
	case StateAwaitingModel:
		return "awaiting_model"
	case StateExecutingTools:
		return "executing_tools"
	default:
		return "done"
	}
}

// Options configures a Session. Zero values select defaults.
type Options struct {
	StepBudget  int
	TurnTimeout time.Duration // 0 means no wall-clock bound
	Metrics     *metrics.Metrics
}

// Session is one user's agent turn.
type Session struct {
	ID          string
	UserID      string
	DisplayName string

	model       model.Model
	tools       *tools.ToolSet
	stepBudget  int
	turnTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger

	state State
	steps int
}

// New creates a session for the given user.
func New(userID, displayName string, m model.Model, set *tools.ToolSet, opts Options, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StepBudget <= 0 {
		opts.StepBudget = DefaultStepBudget
	}
	if set == nil {
		set = tools.NewToolSet()
	}
	id := uuid.New().String()
	return &Session{
		ID:          id,
		UserID:      userID,
		DisplayName: displayName,
		model:       m,
		tools:       set,
		stepBudget:  opts.StepBudget,
		turnTimeout: opts.TurnTimeout,
		metrics:     opts.Metrics,
		logger:      logger.With("component", "session", "session_id", id, "user_id", userID),
	}
}

// Result is the transcript and outcome of a turn.
type Result struct {
	Outcome Outcome
	// Steps counts model calls.
	Steps int
	// Reply is the final assistant text, empty unless Outcome is Done.
	Reply string
	// Messages is the conversation after the turn, without the system directive.
	Messages    []model.Message
	Invocations []tools.Record
	// Usage sums the token counts reported across all steps.
	Usage model.Usage
}

// Run executes one turn on top of prior history. Only a fatal model error
// is returned as an error; it comes with the partial transcript.
func (s *Session) Run(ctx context.Context, prior []model.Message, input string) (*Result, error) {
	start := time.Now()

	turnCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.turnTimeout > 0 {
		turnCtx, cancel = context.WithTimeout(ctx, s.turnTimeout)
	}
	defer cancel()
	turnCtx = tools.WithEnv(turnCtx, tools.Env{UserID: s.UserID, DisplayName: s.DisplayName, SessionID: s.ID})

	history := make([]model.Message, 0, len(prior)+2)
	history = append(history, model.Message{Role: model.RoleSystem, Content: SystemPrompt(s.DisplayName)})
	history = append(history, prior...)
	history = append(history, model.Message{Role: model.RoleUser, Content: input})

	res := &Result{}
	s.logger.Info("=== SESSION STARTED ===", "tools", s.tools.Len(), "prior_messages", len(prior))

	finish := func(outcome Outcome) {
		s.state = StateDone
		res.Outcome = outcome
		res.Steps = s.steps
		res.Messages = append([]model.Message(nil), history[1:]...)
		elapsed := time.Since(start)
		s.metrics.SessionFinished(string(outcome), s.steps, elapsed)
		s.logger.Info("=== SESSION FINISHED ===",
			"outcome", outcome,
			"steps", s.steps,
			"invocations", len(res.Invocations),
			"elapsed", elapsed.Round(time.Millisecond),
		)
	}

	for s.steps < s.stepBudget {
		s.state = StateAwaitingModel
		resp, invs, err := s.generate(turnCtx, history)
		s.steps++
		res.Usage.InputTokens += resp.Usage.InputTokens
		res.Usage.OutputTokens += resp.Usage.OutputTokens
		if err != nil {
			if turnCtx.Err() != nil {
				if ctx.Err() != nil {
					finish(OutcomeFatalModelError)
					return res, fmt.Errorf("%w: %w", ErrFatalModel, ctx.Err())
				}
				finish(OutcomeDeadlineExceeded)
				return res, nil
			}
			s.logger.Error("model call failed", "step", s.steps, "error", err)
			finish(OutcomeFatalModelError)
			return res, fmt.Errorf("%w: %w", ErrFatalModel, err)
		}

		if len(invs) == 0 {
			history = append(history, model.Message{Role: model.RoleAssistant, Content: resp.Text})
			res.Reply = resp.Text
			finish(OutcomeDone)
			return res, nil
		}

		calls := make([]model.ToolCall, len(invs))
		for i, inv := range invs {
			calls[i] = model.ToolCall{ID: inv.ID, Name: inv.ToolName, Arguments: string(inv.Args())}
		}
		history = append(history, model.Message{Role: model.RoleAssistant, Content: resp.Text, ToolCalls: calls})

		s.state = StateExecutingTools
		s.execute(turnCtx, invs)
		for _, inv := range invs {
			history = append(history, model.Message{Role: model.RoleTool, ToolCallID: inv.ID, Content: inv.Content()})
			res.Invocations = append(res.Invocations, inv.Record())
		}

		if turnCtx.Err() != nil && ctx.Err() == nil {
			finish(OutcomeDeadlineExceeded)
			return res, nil
		}
	}

	s.logger.Warn("step budget exhausted", "budget", s.stepBudget)
	finish(OutcomeStepBudgetExceeded)
	return res, nil
}

// generate calls the model once, building invocations from the stream and
// reconciling them with the final response. Returned invocations are in Call.
func (s *Session) generate(ctx context.Context, history []model.Message) (model.Response, []*tools.Invocation, error) {
	streamed := map[int]*tools.Invocation{}
	onEvent := func(ev model.Event) {
		switch ev.Kind {
		case model.EventToolCallStart:
			streamed[ev.Index] = tools.NewInvocation(ev.CallID, ev.ToolName)
		case model.EventToolCallDelta:
			if inv, ok := streamed[ev.Index]; ok {
				_ = inv.AppendArgs(ev.ArgsDelta)
			}
		}
	}

	resp, err := s.model.Generate(ctx, model.Request{
		Messages: history,
		Tools:    s.tools.Definitions(),
	}, onEvent)
	if err != nil {
		return model.Response{}, nil, err
	}

	invs := make([]*tools.Invocation, 0, len(resp.ToolCalls))
	for i, tc := range resp.ToolCalls {
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d_%d", s.steps, i)
		}

		inv, ok := streamed[i]
		if !ok || inv.ID != tc.ID || inv.ToolName != tc.Name {
			inv = tools.NewInvocation(id, tc.Name)
			_ = inv.AppendArgs(tc.Arguments)
		}
		inv.ID = id
		_ = inv.Complete()
		invs = append(invs, inv)
	}
	return resp, invs, nil
}

// execute runs every invocation concurrently. Each invocation records its
// own result, so failures never abort siblings.
func (s *Session) execute(ctx context.Context, invs []*tools.Invocation) {
	var g errgroup.Group
	for _, inv := range invs {
		g.Go(func() error {
			_ = inv.Execute(ctx, s.tools)

			status := "ok"
			if inv.IsError() {
				status = "error"
				_, err := inv.Result()
				s.logger.Warn("tool call failed", "tool", inv.ToolName, "call_id", inv.ID, "error", err)
			} else {
				s.logger.Debug("tool call finished", "tool", inv.ToolName, "call_id", inv.ID)
			}
			s.metrics.ToolInvocation(inv.ToolName, status)
			return nil
		})
	}
	_ = g.Wait()
}

// State returns the loop state.
func (s *Session) State() State { return s.state }

// Steps returns the number of model calls made so far.
func (s *Session) Steps() int { return s.steps }
