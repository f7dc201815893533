// Package acb is the orchestrator: it owns the session lifecycle and runs
// the turn loop that alternates between the remote policy service and the
// local action executor. One engine drives one page and at most one live
// session.
package acb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/weblight/acb/api/schemas"
	"github.com/weblight/acb/internal/executor"
	"github.com/weblight/acb/internal/identity"
	"github.com/weblight/acb/internal/protocol"
	"github.com/weblight/acb/internal/registry"
	"github.com/weblight/acb/internal/scheduler"
	"github.com/weblight/acb/internal/session"
)

// RemoteClient is the slice of the protocol client the engine depends on.
type RemoteClient interface {
	Start(ctx context.Context, prompt, mode string, inv *schemas.Inventory, sessionID, visitorID string) (*protocol.TurnResponse, error)
	Continue(ctx context.Context, threadID string, result *schemas.ActionResult, inv *schemas.Inventory) (*protocol.TurnResponse, error)
	Pause(ctx context.Context, threadID string) error
	Resume(ctx context.Context, threadID string, inv *schemas.Inventory) (*protocol.TurnResponse, error)
	Stop(ctx context.Context, threadID string) error
}

// Config holds the engine's own tunables.
type Config struct {
	// GuideDelay is the fixed wait per guide-mode turn, standing in for a
	// human performing the highlighted action.
	GuideDelay time.Duration
}

// DefaultConfig returns the production values.
func DefaultConfig() Config {
	return Config{GuideDelay: 2 * time.Second}
}

// Summary is the structured outcome of a session-control operation. Public
// operations report failures here rather than letting them escape.
type Summary struct {
	Success         bool           `json:"success"`
	ThreadID        string         `json:"threadId,omitempty"`
	Status          session.Status `json:"status,omitempty"`
	ActionsExecuted int            `json:"actionsExecuted"`
	Duration        time.Duration  `json:"duration"`
	Error           string         `json:"error,omitempty"`
}

// StatusReport answers the synchronous status query.
type StatusReport struct {
	Running         bool           `json:"running"`
	ThreadID        string         `json:"threadId,omitempty"`
	Status          session.Status `json:"status,omitempty"`
	Prompt          string         `json:"prompt,omitempty"`
	ActionsExecuted int            `json:"actionsExecuted"`
	Duration        time.Duration  `json:"duration"`
}

// Engine wires the registry, scheduler, executor and protocol client under
// one session state machine.
type Engine struct {
	registry *registry.Registry
	sched    *scheduler.Scheduler
	exec     *executor.Executor
	remote   RemoteClient
	visitors identity.Provider
	sessions *session.Manager
	clock    clockwork.Clock
	cfg      Config
	logger   *zap.Logger
}

// Option tweaks engine construction.
type Option func(*Engine)

// WithClock substitutes the time source.
func WithClock(c clockwork.Clock) Option { return func(e *Engine) { e.clock = c } }

// New assembles an engine around already-constructed collaborators. The
// engine does not own the scheduler's lifecycle; the embedding shell closes
// it.
func New(reg *registry.Registry, sched *scheduler.Scheduler, exec *executor.Executor, remote RemoteClient, visitors identity.Provider, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		registry: reg,
		sched:    sched,
		exec:     exec,
		remote:   remote,
		visitors: visitors,
		sessions: session.NewManager(),
		clock:    clockwork.NewRealClock(),
		cfg:      cfg,
		logger:   logger.Named("acb"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start creates a session and runs its turn loop to completion, pause, or
// stop. It blocks for the session's whole lifetime; run it from its own
// goroutine when the embedding shell needs to pause or stop concurrently.
// Precondition failures (empty prompt, bad mode, active session) return an
// error; everything after session creation is reported in the Summary.
func (e *Engine) Start(ctx context.Context, prompt string, mode session.Mode) (*Summary, error) {
	if prompt == "" {
		return nil, errors.New("prompt must not be empty")
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("invalid mode %q", mode)
	}
	if _, err := e.sessions.Create(prompt, mode, e.clock.Now()); err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	e.logger.Info("session starting",
		zap.String("sessionId", sessionID), zap.String("mode", string(mode)))

	visitorID, err := e.visitors.VisitorID()
	if err != nil {
		// Identity is telemetry, not a precondition.
		e.logger.Warn("visitor id unavailable", zap.Error(err))
	}

	inv, err := e.registry.Scan(ctx)
	if err != nil {
		return e.fail(ctx, fmt.Errorf("initial scan: %w", err)), nil
	}
	resp, err := e.remote.Start(ctx, prompt, string(mode), inv, sessionID, visitorID)
	if err != nil {
		return e.fail(ctx, fmt.Errorf("starting remote thread: %w", err)), nil
	}
	if err := e.sessions.SetThreadID(resp.ThreadID); err != nil {
		return e.fail(ctx, err), nil
	}
	return e.runLoop(ctx, resp), nil
}

// Stop ends the session, notifies the service best-effort, and returns the
// summary. The turn loop observes the stopped status at its next iteration.
func (e *Engine) Stop(ctx context.Context) (*Summary, error) {
	sess := e.sessions.Current()
	if sess == nil {
		return nil, session.ErrNoSession
	}
	if err := e.sessions.Stop(); err != nil {
		return nil, err
	}
	e.hideFeedback(ctx)
	if sess.ThreadID != "" {
		if err := e.remote.Stop(ctx, sess.ThreadID); err != nil {
			e.logger.Warn("stop notification failed", zap.Error(err))
		}
	}
	e.logger.Info("session stopped", zap.String("threadId", sess.ThreadID))
	return e.summary(true, ""), nil
}

// Pause suspends the session. A no-op unless the session is active.
func (e *Engine) Pause(ctx context.Context) (*Summary, error) {
	sess := e.sessions.Current()
	if sess == nil {
		return nil, session.ErrNoSession
	}
	if !e.sessions.Pause(e.clock.Now()) {
		return e.summary(true, ""), nil
	}
	e.hideFeedback(ctx)
	if sess.ThreadID != "" {
		if err := e.remote.Pause(ctx, sess.ThreadID); err != nil {
			e.logger.Warn("pause notification failed", zap.Error(err))
		}
	}
	e.logger.Info("session paused", zap.String("threadId", sess.ThreadID))
	return e.summary(true, ""), nil
}

// Resume re-enters the turn loop with the action returned by the service's
// resume reply, not a fresh start. It blocks like Start.
func (e *Engine) Resume(ctx context.Context) (*Summary, error) {
	if !e.sessions.Resume() {
		return nil, errors.New("no paused session to resume")
	}
	sess := e.sessions.Current()
	e.logger.Info("session resuming", zap.String("threadId", sess.ThreadID))

	inv, err := e.registry.Scan(ctx)
	if err != nil {
		return e.fail(ctx, fmt.Errorf("resume scan: %w", err)), nil
	}
	resp, err := e.remote.Resume(ctx, sess.ThreadID, inv)
	if err != nil {
		return e.fail(ctx, fmt.Errorf("resuming remote thread: %w", err)), nil
	}
	return e.runLoop(ctx, resp), nil
}

// Status answers the synchronous status query.
func (e *Engine) Status() StatusReport {
	sess := e.sessions.Current()
	if sess == nil {
		return StatusReport{}
	}
	return StatusReport{
		Running:         sess.Status == session.StatusActive,
		ThreadID:        sess.ThreadID,
		Status:          sess.Status,
		Prompt:          sess.Prompt,
		ActionsExecuted: sess.ActionsExecuted,
		Duration:        sess.Duration(e.clock.Now()),
	}
}

// runLoop performs one turn per remote action until the action is absent,
// the service reports completion, or the session leaves the active state.
// Cancellation is cooperative and checked only at the top: an armed event
// sequence always finishes, and only the next turn is skipped.
func (e *Engine) runLoop(ctx context.Context, resp *protocol.TurnResponse) *Summary {
	action, complete := resp.Action, resp.Complete
	sess := e.sessions.Current()
	threadID := ""
	mode := session.ModeAct
	if sess != nil {
		threadID = sess.ThreadID
		mode = sess.Mode
	}

	for {
		switch e.sessions.Status() {
		case session.StatusStopped:
			return e.summary(true, "")
		case session.StatusPaused:
			return e.summary(true, "")
		}
		if complete || action == nil {
			break
		}
		if action.Error != "" {
			return e.fail(ctx, fmt.Errorf("remote error: %s", action.Error))
		}

		var result schemas.ActionResult
		if mode == session.ModeGuide {
			e.highlightTarget(ctx, action.TargetID)
			if err := e.sleep(ctx, e.cfg.GuideDelay); err != nil {
				return e.fail(ctx, err)
			}
			result = schemas.ActionResult{Success: true, Guided: true, Action: action}
		} else {
			e.highlightTarget(ctx, action.TargetID)
			result = e.exec.Execute(ctx, *action)
			// Counted regardless of the action's own success: a failed
			// low-level action is the remote's to react to, not a loop
			// error.
			e.sessions.IncrementActions()
			if !result.Success {
				e.logger.Warn("action failed",
					zap.String("type", string(action.Type)),
					zap.String("error", result.Error))
			}
		}

		inv, err := e.registry.Scan(ctx)
		if err != nil {
			return e.fail(ctx, fmt.Errorf("re-scan: %w", err))
		}
		next, err := e.remote.Continue(ctx, threadID, &result, inv)
		if err != nil {
			return e.fail(ctx, fmt.Errorf("continuing remote thread: %w", err))
		}
		action, complete = next.Action, next.Complete
	}

	if err := e.sessions.Complete(); err != nil {
		e.logger.Warn("completing session", zap.Error(err))
	}
	e.hideFeedback(ctx)
	e.logger.Info("session completed", zap.String("threadId", threadID))
	return e.summary(true, "")
}

// fail marks the session errored, hides feedback, and builds the failure
// summary.
func (e *Engine) fail(ctx context.Context, err error) *Summary {
	e.logger.Error("session failed", zap.Error(err))
	if serr := e.sessions.Fail(err.Error()); serr != nil {
		e.logger.Warn("recording session failure", zap.Error(serr))
	}
	e.hideFeedback(ctx)
	return e.summary(false, err.Error())
}

func (e *Engine) summary(success bool, errMsg string) *Summary {
	s := &Summary{Success: success, Error: errMsg}
	if sess := e.sessions.Current(); sess != nil {
		s.ThreadID = sess.ThreadID
		s.Status = sess.Status
		s.ActionsExecuted = sess.ActionsExecuted
		s.Duration = sess.Duration(e.clock.Now())
		if errMsg == "" {
			s.Error = sess.Err
		}
	}
	return s
}

// highlightTarget draws the feedback ring when the target resolves. A miss
// is fine: the executor reports resolution failures on its own.
func (e *Engine) highlightTarget(ctx context.Context, id string) {
	if id == "" {
		return
	}
	node, err := e.registry.FindByID(ctx, id)
	if err != nil || node == nil {
		return
	}
	if err := e.sched.ShowFeedback(ctx, node); err != nil {
		e.logger.Debug("feedback highlight failed", zap.Error(err))
	}
}

func (e *Engine) hideFeedback(ctx context.Context) {
	if err := e.sched.HideFeedback(ctx); err != nil {
		e.logger.Debug("feedback teardown failed", zap.Error(err))
	}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.clock.After(d):
		return nil
	}
}
