package acb

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/weblight/acb/api/schemas"
	"github.com/weblight/acb/internal/executor"
	"github.com/weblight/acb/internal/identity"
	"github.com/weblight/acb/internal/page/pagetest"
	"github.com/weblight/acb/internal/protocol"
	"github.com/weblight/acb/internal/registry"
	"github.com/weblight/acb/internal/scheduler"
	"github.com/weblight/acb/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedRemote plays back canned turn responses and records everything the
// engine sends.
type scriptedRemote struct {
	mu sync.Mutex

	startResp   *protocol.TurnResponse
	startErr    error
	continues   []*protocol.TurnResponse
	continueErr error
	resumeResp  *protocol.TurnResponse

	// onContinue runs before the nth (1-based) continue reply is returned,
	// letting tests pause or stop the engine between turns.
	onContinue func(n int)

	results   []*schemas.ActionResult
	pauses    int
	stops     int
	startSeen struct {
		prompt, mode, sessionID, visitorID string
		inventory                          *schemas.Inventory
	}
}

func (r *scriptedRemote) Start(_ context.Context, prompt, mode string, inv *schemas.Inventory, sessionID, visitorID string) (*protocol.TurnResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startSeen.prompt = prompt
	r.startSeen.mode = mode
	r.startSeen.sessionID = sessionID
	r.startSeen.visitorID = visitorID
	r.startSeen.inventory = inv
	return r.startResp, r.startErr
}

func (r *scriptedRemote) Continue(_ context.Context, _ string, result *schemas.ActionResult, _ *schemas.Inventory) (*protocol.TurnResponse, error) {
	r.mu.Lock()
	r.results = append(r.results, result)
	n := len(r.results)
	hook := r.onContinue
	r.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.continueErr != nil {
		return nil, r.continueErr
	}
	if len(r.continues) == 0 {
		return &protocol.TurnResponse{Complete: true}, nil
	}
	next := r.continues[0]
	r.continues = r.continues[1:]
	return next, nil
}

func (r *scriptedRemote) Pause(context.Context, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pauses++
	return nil
}

func (r *scriptedRemote) Resume(context.Context, string, *schemas.Inventory) (*protocol.TurnResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resumeResp, nil
}

func (r *scriptedRemote) Stop(context.Context, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	return nil
}

func (r *scriptedRemote) sentResults() []*schemas.ActionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*schemas.ActionResult, len(r.results))
	copy(out, r.results)
	return out
}

const fixture = `<html><body>
<button id="one">First</button>
<button id="two">Second</button>
<input id="q" type="text">
</body></html>`

func newEngine(t *testing.T, remote RemoteClient) (*Engine, *pagetest.FakePage, *pagetest.FakeOverlay) {
	t.Helper()
	fp := pagetest.New(fixture)
	ov := pagetest.NewOverlay()
	logger := zaptest.NewLogger(t)
	reg := registry.New(fp, logger)

	sched := scheduler.New(fp, ov, scheduler.Config{
		MoveStep:   time.Millisecond,
		HoldMin:    time.Millisecond,
		HoldMax:    2 * time.Millisecond,
		SettlePoll: time.Millisecond,
		TapGap:     time.Millisecond,
	}, logger)
	t.Cleanup(sched.Close)

	exec := executor.New(fp, reg, sched, executor.Config{
		SettleDelay:  time.Millisecond,
		PostAction:   10 * time.Millisecond,
		InterChar:    time.Millisecond,
		EnterExtra:   time.Millisecond,
		QuietWindow:  5 * time.Millisecond,
		QuietCeiling: 50 * time.Millisecond,
	}, logger)

	engine := New(reg, sched, exec, remote, identity.Static("vis-1"),
		Config{GuideDelay: time.Millisecond}, logger)
	return engine, fp, ov
}

func click(id string) *schemas.Action {
	return &schemas.Action{Type: schemas.ActionClick, TargetID: id}
}

func turn(a *schemas.Action) *protocol.TurnResponse {
	return &protocol.TurnResponse{Action: a}
}

func TestThreeActionSession(t *testing.T) {
	remote := &scriptedRemote{
		startResp: &protocol.TurnResponse{ThreadID: "th-1", Action: click("wl-1")},
		continues: []*protocol.TurnResponse{
			turn(click("wl-2")),
			turn(click("wl-1")),
			{Complete: true},
		},
	}
	engine, _, _ := newEngine(t, remote)

	summary, err := engine.Start(context.Background(), "buy the red shoes", session.ModeAct)
	require.NoError(t, err)
	require.True(t, summary.Success, "error: %s", summary.Error)
	assert.Equal(t, "th-1", summary.ThreadID)
	assert.Equal(t, session.StatusCompleted, summary.Status)
	assert.Equal(t, 3, summary.ActionsExecuted)

	results := remote.sentResults()
	require.Len(t, results, 3)
	for _, res := range results {
		assert.True(t, res.Success)
		assert.False(t, res.Guided)
	}
	assert.Equal(t, "buy the red shoes", remote.startSeen.prompt)
	assert.Equal(t, "act", remote.startSeen.mode)
	assert.Equal(t, "vis-1", remote.startSeen.visitorID)
	require.NotNil(t, remote.startSeen.inventory)
	assert.Len(t, remote.startSeen.inventory.Elements, 3)
}

func TestGuideModeDoesNotExecute(t *testing.T) {
	remote := &scriptedRemote{
		startResp: &protocol.TurnResponse{ThreadID: "th-g", Action: click("wl-1")},
		continues: []*protocol.TurnResponse{
			turn(click("wl-2")),
			{Complete: true},
		},
	}
	engine, fp, ov := newEngine(t, remote)

	summary, err := engine.Start(context.Background(), "show me", session.ModeGuide)
	require.NoError(t, err)
	require.True(t, summary.Success, "error: %s", summary.Error)
	assert.Equal(t, session.StatusCompleted, summary.Status)
	assert.Zero(t, summary.ActionsExecuted, "guide mode never counts actions")

	for _, res := range remote.sentResults() {
		assert.True(t, res.Guided)
		assert.True(t, res.Success)
	}
	assert.Empty(t, fp.EventsOfKind("click"), "guide mode dispatches nothing")
	assert.NotEmpty(t, ov.Highlights(), "guide mode highlights targets")
	assert.NotZero(t, ov.Removed(), "feedback torn down on completion")
}

func TestFailedActionIsNotFatal(t *testing.T) {
	remote := &scriptedRemote{
		startResp: &protocol.TurnResponse{ThreadID: "th-2", Action: click("wl-9999")},
		continues: []*protocol.TurnResponse{{Complete: true}},
	}
	engine, _, _ := newEngine(t, remote)

	summary, err := engine.Start(context.Background(), "p", session.ModeAct)
	require.NoError(t, err)
	require.True(t, summary.Success)
	assert.Equal(t, 1, summary.ActionsExecuted, "failed actions still count")

	results := remote.sentResults()
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, "Element not found: wl-9999", results[0].Error)
}

func TestExplicitActionErrorIsFatal(t *testing.T) {
	remote := &scriptedRemote{
		startResp: &protocol.TurnResponse{
			ThreadID: "th-3",
			Action:   &schemas.Action{Error: "policy refused the task"},
		},
	}
	engine, _, _ := newEngine(t, remote)

	summary, err := engine.Start(context.Background(), "p", session.ModeAct)
	require.NoError(t, err)
	require.False(t, summary.Success)
	assert.Equal(t, session.StatusError, summary.Status)
	assert.Contains(t, summary.Error, "policy refused the task")
}

func TestProtocolFailureTerminatesSession(t *testing.T) {
	remote := &scriptedRemote{
		startResp:   &protocol.TurnResponse{ThreadID: "th-4", Action: click("wl-1")},
		continueErr: assert.AnError,
	}
	engine, _, _ := newEngine(t, remote)

	summary, err := engine.Start(context.Background(), "p", session.ModeAct)
	require.NoError(t, err)
	require.False(t, summary.Success)
	assert.Equal(t, session.StatusError, summary.Status)
	assert.Contains(t, summary.Error, "continuing remote thread")
}

func TestStartPreconditions(t *testing.T) {
	remote := &scriptedRemote{
		startResp: &protocol.TurnResponse{ThreadID: "th-5", Action: click("wl-1")},
		continues: []*protocol.TurnResponse{{Complete: true}},
	}
	engine, _, _ := newEngine(t, remote)
	ctx := context.Background()

	_, err := engine.Start(ctx, "", session.ModeAct)
	require.Error(t, err)

	_, err = engine.Start(ctx, "p", session.Mode("observe"))
	require.Error(t, err)

	// Occupy the engine with an active session, then try again.
	remote.mu.Lock()
	remote.onContinue = func(int) {
		_, err := engine.Start(ctx, "second", session.ModeAct)
		assert.ErrorIs(t, err, session.ErrSessionActive)
	}
	remote.mu.Unlock()
	summary, err := engine.Start(ctx, "first", session.ModeAct)
	require.NoError(t, err)
	require.True(t, summary.Success)
}

func TestPauseThenResumeUsesResumeAction(t *testing.T) {
	remote := &scriptedRemote{
		startResp: &protocol.TurnResponse{ThreadID: "th-6", Action: click("wl-1")},
		continues: []*protocol.TurnResponse{
			turn(click("wl-2")), // adopted, but never executed: pause wins
			{Complete: true},
		},
		resumeResp: turn(&schemas.Action{
			Type:     schemas.ActionTypeText,
			TargetID: "wl-3",
			Value:    "resumed",
		}),
	}
	engine, fp, _ := newEngine(t, remote)
	ctx := context.Background()

	remote.onContinue = func(n int) {
		if n == 1 {
			_, err := engine.Pause(ctx)
			assert.NoError(t, err)
		}
	}

	summary, err := engine.Start(ctx, "p", session.ModeAct)
	require.NoError(t, err)
	require.True(t, summary.Success)
	assert.Equal(t, session.StatusPaused, summary.Status)
	assert.Equal(t, 1, summary.ActionsExecuted)
	assert.Equal(t, 1, remote.pauses)

	summary, err = engine.Resume(ctx)
	require.NoError(t, err)
	require.True(t, summary.Success, "error: %s", summary.Error)
	assert.Equal(t, session.StatusCompleted, summary.Status)
	assert.Equal(t, 2, summary.ActionsExecuted)

	// The resumed turn executed resume's type action, not the pre-pause
	// continue action.
	ref, ok := fp.RefByID("q")
	require.True(t, ok)
	assert.Equal(t, "resumed", fp.ValueOf(ref))
}

func TestStopMidLoop(t *testing.T) {
	remote := &scriptedRemote{
		startResp: &protocol.TurnResponse{ThreadID: "th-7", Action: click("wl-1")},
		continues: []*protocol.TurnResponse{
			turn(click("wl-2")),
			turn(click("wl-1")),
		},
	}
	engine, _, _ := newEngine(t, remote)
	ctx := context.Background()

	remote.onContinue = func(n int) {
		if n == 1 {
			_, err := engine.Stop(ctx)
			assert.NoError(t, err)
		}
	}

	summary, err := engine.Start(ctx, "p", session.ModeAct)
	require.NoError(t, err)
	require.True(t, summary.Success)
	assert.Equal(t, session.StatusStopped, summary.Status)
	assert.Equal(t, 1, summary.ActionsExecuted, "the armed turn finishes, the next is skipped")
	assert.Equal(t, 1, remote.stops)
}

func TestStatusReport(t *testing.T) {
	remote := &scriptedRemote{
		startResp: &protocol.TurnResponse{ThreadID: "th-8", Action: click("wl-1")},
		continues: []*protocol.TurnResponse{{Complete: true}},
	}
	engine, _, _ := newEngine(t, remote)

	assert.False(t, engine.Status().Running, "no session yet")

	var midLoop StatusReport
	remote.onContinue = func(int) { midLoop = engine.Status() }
	_, err := engine.Start(context.Background(), "watch me", session.ModeAct)
	require.NoError(t, err)

	assert.True(t, midLoop.Running)
	assert.Equal(t, "th-8", midLoop.ThreadID)
	assert.Equal(t, "watch me", midLoop.Prompt)
	assert.Equal(t, 1, midLoop.ActionsExecuted)

	final := engine.Status()
	assert.False(t, final.Running)
	assert.Equal(t, session.StatusCompleted, final.Status)
}

func TestStopWithoutSession(t *testing.T) {
	engine, _, _ := newEngine(t, &scriptedRemote{})
	_, err := engine.Stop(context.Background())
	assert.ErrorIs(t, err, session.ErrNoSession)
}
