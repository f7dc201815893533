// Package executor turns remote-issued actions into synthetic input against
// the page. Every failure path is caught and normalized into a result; an
// error never escapes Execute.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/weblight/acb/api/schemas"
	"github.com/weblight/acb/internal/page"
	"github.com/weblight/acb/internal/quiesce"
	"github.com/weblight/acb/internal/registry"
	"github.com/weblight/acb/internal/scheduler"
)

// Config holds the executor's pacing and quiescence parameters.
type Config struct {
	// SettleDelay follows any scroll-into-view before input starts.
	SettleDelay time.Duration
	// PostAction separates the scheduler handoff from quiescence detection,
	// giving fire-and-forget sequences time to drain.
	PostAction time.Duration
	// InterChar paces typing for visual legibility.
	InterChar time.Duration
	// EnterExtra is added after an Enter key on a text field so framework
	// submit handlers get to run.
	EnterExtra time.Duration
	// QuietWindow and QuietCeiling parameterize mutation quiescence.
	QuietWindow  time.Duration
	QuietCeiling time.Duration
}

// DefaultConfig returns the production pacing values.
func DefaultConfig() Config {
	return Config{
		SettleDelay:  300 * time.Millisecond,
		PostAction:   400 * time.Millisecond,
		InterChar:    45 * time.Millisecond,
		EnterExtra:   500 * time.Millisecond,
		QuietWindow:  500 * time.Millisecond,
		QuietCeiling: 3 * time.Second,
	}
}

// Executor resolves action targets through the registry and drives the
// scheduler and page to perform them.
type Executor struct {
	page     page.Page
	registry *registry.Registry
	sched    *scheduler.Scheduler
	detector *quiesce.Detector
	clock    clockwork.Clock
	cfg      Config
	logger   *zap.Logger
}

// Option tweaks executor construction.
type Option func(*Executor)

// WithClock substitutes the time source.
func WithClock(c clockwork.Clock) Option { return func(e *Executor) { e.clock = c } }

// New creates an executor. The scheduler is shared with the orchestrator
// that owns it.
func New(p page.Page, reg *registry.Registry, sched *scheduler.Scheduler, cfg Config, logger *zap.Logger, opts ...Option) *Executor {
	e := &Executor{
		page:     p,
		registry: reg,
		sched:    sched,
		clock:    clockwork.NewRealClock(),
		cfg:      cfg,
		logger:   logger.Named("executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.detector = quiesce.NewDetector(p, e.clock)
	return e
}

// Execute performs one action and returns its normalized result. Unknown or
// malformed actions are reported as failures, never as panics or escaped
// errors.
func (e *Executor) Execute(ctx context.Context, action schemas.Action) (result schemas.ActionResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("action panicked", zap.Any("panic", r),
				zap.String("type", string(action.Type)))
			result = schemas.FailedResult(&action, fmt.Errorf("internal error: %v", r))
		}
	}()

	if err := action.Validate(); err != nil {
		return schemas.FailedResult(&action, err)
	}

	e.logger.Info("executing action",
		zap.String("type", string(action.Type)),
		zap.String("target", action.TargetID))

	var err error
	var elem *schemas.ElementState
	switch action.Type {
	case schemas.ActionClick:
		elem, err = e.click(ctx, action.TargetID)
	case schemas.ActionTypeText:
		elem, err = e.typeText(ctx, action.TargetID, action.Value)
	case schemas.ActionScroll:
		err = e.scroll(ctx, action.TargetID)
	case schemas.ActionKey:
		elem, err = e.key(ctx, action.TargetID, action.Value)
	case schemas.ActionSubmit:
		elem, err = e.submit(ctx, action.TargetID)
	default:
		err = fmt.Errorf("unknown action type %q", action.Type)
	}
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return schemas.FailedResult(&action, err)
	}
	return schemas.ActionResult{Success: true, Action: &action, Element: elem}
}

// resolve maps a stable id to a live node, translating registry misses into
// the protocol's not-found message.
func (e *Executor) resolve(ctx context.Context, id string) (*page.Node, error) {
	node, err := e.registry.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, fmt.Errorf("Element not found: %s", id)
		}
		return nil, err
	}
	return node, nil
}

func (e *Executor) click(ctx context.Context, id string) (*schemas.ElementState, error) {
	node, err := e.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	// Scroll and motion first, then the fixed settle delay, then the press.
	// The move already waits out the smooth scroll before scheduling.
	if err := e.sched.MoveToElement(ctx, node); err != nil {
		return nil, fmt.Errorf("moving to %s: %w", id, err)
	}
	if err := e.pause(ctx, e.cfg.SettleDelay); err != nil {
		return nil, err
	}
	if err := e.sched.ClickElement(ctx, node, 0); err != nil {
		return nil, fmt.Errorf("scheduling click on %s: %w", id, err)
	}
	if err := e.pause(ctx, e.cfg.PostAction); err != nil {
		return nil, err
	}
	e.settle(ctx)
	return snapshotState(id, node), nil
}

func (e *Executor) typeText(ctx context.Context, id, value string) (*schemas.ElementState, error) {
	node, err := e.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.sched.MoveToElement(ctx, node); err != nil {
		return nil, fmt.Errorf("moving to %s: %w", id, err)
	}
	if err := e.pause(ctx, e.cfg.SettleDelay); err != nil {
		return nil, err
	}
	if err := e.page.Focus(ctx, node.Ref); err != nil {
		return nil, fmt.Errorf("focusing %s: %w", id, err)
	}

	// Clear, then build the value one character at a time. Each character
	// goes through both paths: the native setter so the DOM property is
	// real, and a synthetic input event so reactive frameworks observe the
	// change. Skipping either half loses the value on one side.
	if err := e.page.SetNativeValue(ctx, node.Ref, ""); err != nil {
		return nil, fmt.Errorf("clearing %s: %w", id, err)
	}
	var cur strings.Builder
	for _, r := range value {
		ch := string(r)
		cur.WriteRune(r)
		if err := e.page.DispatchEvent(ctx, node.Ref, keyEvent(page.EventKeyDown, ch)); err != nil {
			return nil, err
		}
		if err := e.page.SetNativeValue(ctx, node.Ref, cur.String()); err != nil {
			return nil, err
		}
		if err := e.page.DispatchEvent(ctx, node.Ref, page.Event{Kind: page.EventInput}); err != nil {
			return nil, err
		}
		if err := e.page.DispatchEvent(ctx, node.Ref, keyEvent(page.EventKeyUp, ch)); err != nil {
			return nil, err
		}
		if err := e.pause(ctx, e.cfg.InterChar); err != nil {
			return nil, err
		}
	}
	if err := e.page.DispatchEvent(ctx, node.Ref, page.Event{Kind: page.EventChange}); err != nil {
		return nil, err
	}
	e.settle(ctx)

	state := snapshotState(id, node)
	state.Value = value
	return state, nil
}

func (e *Executor) scroll(ctx context.Context, id string) error {
	if id != "" {
		node, err := e.resolve(ctx, id)
		if err == nil {
			if err := e.page.ScrollIntoView(ctx, node.Ref); err != nil {
				return fmt.Errorf("scrolling to %s: %w", id, err)
			}
			return e.pause(ctx, e.cfg.SettleDelay)
		}
		// An unresolvable scroll target degrades to a page scroll rather
		// than failing the action.
		e.logger.Debug("scroll target unresolved, scrolling viewport",
			zap.String("target", id), zap.Error(err))
	}
	vp, err := e.page.Viewport(ctx)
	if err != nil {
		return err
	}
	if err := e.page.ScrollBy(ctx, 0, vp.Height*0.8); err != nil {
		return err
	}
	return e.pause(ctx, e.cfg.SettleDelay)
}

func (e *Executor) key(ctx context.Context, id, keyName string) (*schemas.ElementState, error) {
	node, err := e.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.page.Focus(ctx, node.Ref); err != nil {
		return nil, fmt.Errorf("focusing %s: %w", id, err)
	}
	for _, kind := range []page.EventKind{page.EventKeyDown, page.EventKeyPress, page.EventKeyUp} {
		if err := e.page.DispatchEvent(ctx, node.Ref, keyEvent(kind, keyName)); err != nil {
			return nil, err
		}
	}
	// No native submit here: the key events alone let a handler suppress
	// default behavior. Enter on a text field gets extra time for framework
	// submit handlers.
	if keyName == "Enter" && isTextField(node) {
		if err := e.pause(ctx, e.cfg.EnterExtra); err != nil {
			return nil, err
		}
	}
	e.settle(ctx)
	return snapshotState(id, node), nil
}

func (e *Executor) submit(ctx context.Context, id string) (*schemas.ElementState, error) {
	node, err := e.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	form, err := e.page.FormOwner(ctx, node.Ref)
	if err != nil {
		return nil, err
	}
	if form == nil {
		return nil, fmt.Errorf("no form found for element %s", id)
	}
	if err := e.page.ScrollIntoView(ctx, form.Ref); err != nil {
		return nil, fmt.Errorf("scrolling form into view: %w", err)
	}
	if err := e.pause(ctx, e.cfg.SettleDelay); err != nil {
		return nil, err
	}
	if err := e.page.DispatchEvent(ctx, form.Ref, page.Event{Kind: page.EventSubmit}); err != nil {
		return nil, err
	}
	// Best effort: a page script may have already replaced or detached the
	// form, and a navigation may race the call.
	if err := e.page.SubmitForm(ctx, form.Ref); err != nil {
		e.logger.Debug("native form submit failed", zap.Error(err))
	}
	return snapshotState(id, node), nil
}

// settle runs mutation quiescence. Its outcome is informational: a ceiling
// hit on a busy page is normal, and an observer error must not fail an
// action that already dispatched.
func (e *Executor) settle(ctx context.Context) {
	reason, err := e.detector.Settle(ctx, e.cfg.QuietWindow, e.cfg.QuietCeiling)
	if err != nil {
		e.logger.Debug("quiescence wait aborted", zap.Error(err))
		return
	}
	e.logger.Debug("page settled", zap.Stringer("reason", reason))
}

func (e *Executor) pause(ctx context.Context, d time.Duration) error {
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

func snapshotState(id string, node *page.Node) *schemas.ElementState {
	return &schemas.ElementState{
		ID:    id,
		Tag:   node.Tag,
		Text:  strings.TrimSpace(node.Text),
		Value: node.Value,
	}
}

func isTextField(node *page.Node) bool {
	switch node.Tag {
	case "textarea":
		return true
	case "input":
		switch node.Attr("type") {
		case "", "text", "search", "email", "password", "tel", "url", "number":
			return true
		}
	}
	return false
}

func keyEvent(kind page.EventKind, key string) page.Event {
	return page.Event{Kind: kind, Key: key, KeyCode: keyCode(key)}
}

// keyCode synthesizes the legacy keyCode pages still switch on.
func keyCode(key string) int {
	switch key {
	case "Enter":
		return 13
	case "Tab":
		return 9
	case "Escape":
		return 27
	case "Backspace":
		return 8
	case "Delete":
		return 46
	case "ArrowLeft":
		return 37
	case "ArrowUp":
		return 38
	case "ArrowRight":
		return 39
	case "ArrowDown":
		return 40
	case " ", "Space":
		return 32
	}
	if r := []rune(key); len(r) == 1 {
		return int(unicode.ToUpper(r[0]))
	}
	return 0
}
