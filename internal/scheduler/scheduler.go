// Package scheduler builds and drains a time-ordered queue of synthetic
// pointer and touch events. Sequences are appended behind any pending queue
// tail and dispatched by a single self-rearming timer goroutine, so motions
// within one scheduler never interleave. Operations are fire-and-forget:
// callers that need the effects to have landed wait their own settle delay.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/weblight/acb/internal/page"
)

// Config holds the pacing parameters for generated sequences.
type Config struct {
	// MoveStep is the spacing between successive mousemove dispatches.
	MoveStep time.Duration
	// HoldMin and HoldMax bound the randomized press duration that the
	// click and tap sequence offsets derive from.
	HoldMin time.Duration
	HoldMax time.Duration
	// SettlePoll is the interval at which scroll position is re-read while
	// waiting for a smooth scroll to come to rest.
	SettlePoll time.Duration
	// TapGap separates the two taps of a double tap.
	TapGap time.Duration
}

// DefaultConfig returns the production pacing values.
func DefaultConfig() Config {
	return Config{
		MoveStep:   20 * time.Millisecond,
		HoldMin:    20 * time.Millisecond,
		HoldMax:    250 * time.Millisecond,
		SettlePoll: 50 * time.Millisecond,
		TapGap:     120 * time.Millisecond,
	}
}

// movePixelsPerStep controls how many intermediate mousemove events a motion
// is divided into.
const movePixelsPerStep = 16.0

// maxSettlePolls bounds the scroll-settle convergence loop. A smooth scroll
// that has not stabilized by then is treated as settled anyway.
const maxSettlePolls = 40

// Event is one entry of a replayable sequence: a DOM event, its target, and
// its offset from the start of the sequence.
type Event struct {
	Target page.NodeRef
	Event  page.Event
	Offset time.Duration
}

// queued is an armed event with an absolute due time and the overlay cursor
// position to show when it fires.
type queued struct {
	target  page.NodeRef
	ev      page.Event
	due     time.Time
	cursorX float64
	cursorY float64
}

// Scheduler owns one event queue and the last known pointer position, so a
// new motion originates where the previous one ended. One instance serves
// one page; the orchestrator constructs and closes it.
type Scheduler struct {
	page    page.Page
	overlay page.Overlay
	clock   clockwork.Clock
	logger  *zap.Logger
	cfg     Config
	rng     *rand.Rand

	mu      sync.Mutex
	queue   []queued
	lastDue time.Time
	posX    float64
	posY    float64

	lifeCtx context.Context
	cancel  context.CancelFunc
	wake    chan struct{}
	done    chan struct{}
}

// Option tweaks scheduler construction.
type Option func(*Scheduler)

// WithClock substitutes the time source.
func WithClock(c clockwork.Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithRand substitutes the randomness source used for press durations.
func WithRand(r *rand.Rand) Option { return func(s *Scheduler) { s.rng = r } }

// New creates a scheduler over the page and starts its drain goroutine.
// The overlay may be nil to run without visual feedback. Callers must Close.
func New(p page.Page, overlay page.Overlay, cfg Config, logger *zap.Logger, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		page:    p,
		overlay: overlay,
		clock:   clockwork.NewRealClock(),
		logger:  logger.Named("scheduler"),
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		lifeCtx: ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.drain()
	return s
}

// Close stops the drain goroutine. Queued events that have not fired yet are
// discarded.
func (s *Scheduler) Close() {
	s.cancel()
	<-s.done
}

// Position returns the last known pointer position in viewport coordinates,
// the same frame Node boxes are reported in.
func (s *Scheduler) Position() (x, y float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posX, s.posY
}

// Pending reports how many events are still queued.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// MoveToElement brings the element into view and schedules a straight-line
// mousemove sequence from the current pointer position to its box center.
func (s *Scheduler) MoveToElement(ctx context.Context, node *page.Node) error {
	tgt, err := s.acquire(ctx, node)
	if err != nil {
		return err
	}
	s.enqueue(s.buildMove(tgt))
	return nil
}

// ClickElement brings the element into view and schedules a press sequence
// at its box center: mouseover, mousemove, mousedown, mouseup, click. hold
// is the press duration; zero picks a randomized one.
func (s *Scheduler) ClickElement(ctx context.Context, node *page.Node, hold time.Duration) error {
	tgt, err := s.acquire(ctx, node)
	if err != nil {
		return err
	}
	s.enqueue(s.buildClickAt(tgt, hold))
	return nil
}

// MoveThenClick schedules the motion and the press as one contiguous
// sequence.
func (s *Scheduler) MoveThenClick(ctx context.Context, node *page.Node) error {
	tgt, err := s.acquire(ctx, node)
	if err != nil {
		return err
	}
	s.enqueue(append(s.buildMove(tgt), s.buildClickAt(tgt, 0)...))
	return nil
}

// Tap schedules a touch press sequence on the element: touchstart,
// touchmove, touchend. hold semantics match ClickElement.
func (s *Scheduler) Tap(ctx context.Context, node *page.Node, hold time.Duration) error {
	tgt, err := s.acquire(ctx, node)
	if err != nil {
		return err
	}
	s.enqueue(s.buildTap(tgt, hold, 0))
	return nil
}

// DoubleTap schedules two tap sequences separated by the configured gap.
func (s *Scheduler) DoubleTap(ctx context.Context, node *page.Node) error {
	tgt, err := s.acquire(ctx, node)
	if err != nil {
		return err
	}
	first := s.buildTap(tgt, 0, 0)
	offset := first[len(first)-1].offset + s.cfg.TapGap
	s.enqueue(append(first, s.buildTap(tgt, 0, offset)...))
	return nil
}

// Flick approximates a flick gesture as a move-then-click on the element.
func (s *Scheduler) Flick(ctx context.Context, node *page.Node) error {
	return s.MoveThenClick(ctx, node)
}

// Replay schedules a pre-serialized event list as given, preserving each
// entry's offset and target.
func (s *Scheduler) Replay(events []Event) {
	batch := make([]sequenced, 0, len(events))
	for _, e := range events {
		batch = append(batch, sequenced{
			target:  e.Target,
			ev:      e.Event,
			offset:  e.Offset,
			cursorX: e.Event.ScreenX,
			cursorY: e.Event.ScreenY,
		})
	}
	s.enqueue(batch)
}

// ShowFeedback draws the guide-mode highlight ring around the element.
func (s *Scheduler) ShowFeedback(ctx context.Context, node *page.Node) error {
	if s.overlay == nil {
		return nil
	}
	return s.overlay.Highlight(ctx, node.Ref)
}

// HideFeedback clears the highlight and tears the overlay layer down.
func (s *Scheduler) HideFeedback(ctx context.Context) error {
	if s.overlay == nil {
		return nil
	}
	if err := s.overlay.ClearHighlight(ctx); err != nil {
		return err
	}
	return s.overlay.Remove(ctx)
}

// sequenced is a batch entry with an offset relative to the batch start.
type sequenced struct {
	target  page.NodeRef
	ev      page.Event
	offset  time.Duration
	cursorX float64
	cursorY float64
}

// target is a resolved dispatch point: the element's current box center in
// viewport coordinates, plus the scroll offsets that shift it into document
// coordinates for the event's PageX/PageY.
type target struct {
	ref     page.NodeRef
	x       float64
	y       float64
	scrollX float64
	scrollY float64
}

// acquire resolves the dispatch point from a fresh snapshot of the element.
// Node boxes are viewport-relative and go stale the moment the page scrolls,
// so the caller's snapshot is only trusted for the ref; visibility and the
// box center are re-read, and re-read again after any scroll.
func (s *Scheduler) acquire(ctx context.Context, node *page.Node) (target, error) {
	cur, err := s.freshState(ctx, node)
	if err != nil {
		return target{}, err
	}
	if !cur.InViewport {
		if err := s.ensureVisible(ctx, cur); err != nil {
			return target{}, err
		}
		if cur, err = s.freshState(ctx, node); err != nil {
			return target{}, err
		}
	}
	vp, err := s.page.Viewport(ctx)
	if err != nil {
		return target{}, err
	}
	x, y := cur.Box.Center()
	return target{ref: node.Ref, x: x, y: y, scrollX: vp.ScrollX, scrollY: vp.ScrollY}, nil
}

func (s *Scheduler) freshState(ctx context.Context, node *page.Node) (*page.Node, error) {
	cur, err := s.page.NodeState(ctx, node.Ref)
	if err != nil {
		return nil, fmt.Errorf("re-reading %s before dispatch: %w", node.Tag, err)
	}
	if cur == nil {
		return nil, fmt.Errorf("%s is no longer attached", node.Tag)
	}
	return cur, nil
}

// ensureVisible scrolls the element into view when it is not fully inside
// the viewport, then polls scroll position until two consecutive reads
// agree. The smooth scroll's own duration bounds the loop in practice;
// maxSettlePolls bounds it absolutely.
func (s *Scheduler) ensureVisible(ctx context.Context, node *page.Node) error {
	if node.InViewport {
		return nil
	}
	if err := s.page.ScrollIntoView(ctx, node.Ref); err != nil {
		return fmt.Errorf("scrolling %s into view: %w", node.Tag, err)
	}
	prev, err := s.page.Viewport(ctx)
	if err != nil {
		return err
	}
	for i := 0; i < maxSettlePolls; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.cfg.SettlePoll):
		}
		cur, err := s.page.Viewport(ctx)
		if err != nil {
			return err
		}
		if cur.ScrollX == prev.ScrollX && cur.ScrollY == prev.ScrollY {
			return nil
		}
		prev = cur
	}
	s.logger.Debug("scroll settle poll limit reached, proceeding",
		zap.String("tag", node.Tag))
	return nil
}

// buildMove divides the straight line from the current pointer position to
// the target into fixed-time mousemove steps. Interpolation happens in the
// viewport frame; the overlay cursor tracks each step.
func (s *Scheduler) buildMove(tgt target) []sequenced {
	s.mu.Lock()
	sx, sy := s.posX, s.posY
	s.posX, s.posY = tgt.x, tgt.y
	s.mu.Unlock()

	dist := math.Hypot(tgt.x-sx, tgt.y-sy)
	steps := int(dist / movePixelsPerStep)
	if steps < 2 {
		steps = 2
	}
	if steps > 48 {
		steps = 48
	}

	batch := make([]sequenced, 0, steps)
	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		px := sx + (tgt.x-sx)*t
		py := sy + (tgt.y-sy)*t
		batch = append(batch, sequenced{
			target: tgt.ref,
			ev: page.Event{
				Kind:    page.EventMouseMove,
				PageX:   px + tgt.scrollX,
				PageY:   py + tgt.scrollY,
				ScreenX: px,
				ScreenY: py,
			},
			offset:  time.Duration(i) * s.cfg.MoveStep,
			cursorX: px,
			cursorY: py,
		})
	}
	return batch
}

// buildClickAt produces the fixed press ordering at the target, with
// offsets spread by the press duration so dispatch is not perfectly
// periodic.
func (s *Scheduler) buildClickAt(tgt target, hold time.Duration) []sequenced {
	if hold <= 0 {
		hold = s.randomHold()
	}
	s.mu.Lock()
	s.posX, s.posY = tgt.x, tgt.y
	s.mu.Unlock()

	at := func(kind page.EventKind, offset time.Duration) sequenced {
		return sequenced{
			target: tgt.ref,
			ev: page.Event{
				Kind:    kind,
				PageX:   tgt.x + tgt.scrollX,
				PageY:   tgt.y + tgt.scrollY,
				ScreenX: tgt.x,
				ScreenY: tgt.y,
			},
			offset:  offset,
			cursorX: tgt.x,
			cursorY: tgt.y,
		}
	}
	lead := hold / 4
	return []sequenced{
		at(page.EventMouseOver, 0),
		at(page.EventMouseMove, lead),
		at(page.EventMouseDown, 2*lead),
		at(page.EventMouseUp, 2*lead+hold),
		at(page.EventClick, 2*lead+hold+5*time.Millisecond),
	}
}

// buildTap is the touch analogue of buildClickAt, shifted by base.
func (s *Scheduler) buildTap(tgt target, hold, base time.Duration) []sequenced {
	if hold <= 0 {
		hold = s.randomHold()
	}
	s.mu.Lock()
	s.posX, s.posY = tgt.x, tgt.y
	s.mu.Unlock()

	at := func(kind page.EventKind, offset time.Duration) sequenced {
		return sequenced{
			target: tgt.ref,
			ev: page.Event{
				Kind:    kind,
				PageX:   tgt.x + tgt.scrollX,
				PageY:   tgt.y + tgt.scrollY,
				ScreenX: tgt.x,
				ScreenY: tgt.y,
				Touch:   true,
			},
			offset:  base + offset,
			cursorX: tgt.x,
			cursorY: tgt.y,
		}
	}
	return []sequenced{
		at(page.EventTouchStart, 0),
		at(page.EventTouchMove, hold/2),
		at(page.EventTouchEnd, hold),
	}
}

func (s *Scheduler) randomHold() time.Duration {
	span := s.cfg.HoldMax - s.cfg.HoldMin
	if span <= 0 {
		return s.cfg.HoldMin
	}
	s.mu.Lock()
	d := s.cfg.HoldMin + time.Duration(s.rng.Int63n(int64(span)))
	s.mu.Unlock()
	return d
}

// enqueue appends a batch behind the current queue tail. Offsets within the
// batch are relative to its start; the batch starts at the later of now and
// the last queued due time.
func (s *Scheduler) enqueue(batch []sequenced) {
	if len(batch) == 0 {
		return
	}
	s.mu.Lock()
	base := s.clock.Now()
	if s.lastDue.After(base) {
		base = s.lastDue
	}
	for _, e := range batch {
		q := queued{
			target:  e.target,
			ev:      e.ev,
			due:     base.Add(e.offset),
			cursorX: e.cursorX,
			cursorY: e.cursorY,
		}
		s.queue = append(s.queue, q)
		s.lastDue = q.due
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// drain is the self-rearming dispatch loop: fire the head, sleep the delta
// to the next due time, repeat. Enqueues only ever append behind the tail,
// so the head never changes while we sleep for it.
func (s *Scheduler) drain() {
	defer close(s.done)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.lifeCtx.Done():
				return
			}
		}
		head := s.queue[0]
		delay := head.due.Sub(s.clock.Now())
		s.mu.Unlock()

		if delay > 0 {
			select {
			case <-s.clock.After(delay):
			case <-s.lifeCtx.Done():
				return
			}
		}

		s.mu.Lock()
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.dispatch(head)
	}
}

func (s *Scheduler) dispatch(q queued) {
	if s.overlay != nil {
		if err := s.overlay.MoveCursor(s.lifeCtx, q.cursorX, q.cursorY); err != nil {
			s.logger.Debug("overlay cursor update failed", zap.Error(err))
		}
		switch q.ev.Kind {
		case page.EventClick, page.EventMouseDown, page.EventTouchStart:
			if err := s.overlay.Ripple(s.lifeCtx, q.cursorX, q.cursorY); err != nil {
				s.logger.Debug("overlay ripple failed", zap.Error(err))
			}
		}
	}
	if err := s.page.DispatchEvent(s.lifeCtx, q.target, q.ev); err != nil {
		// Fire-and-forget: the node may legitimately be gone by dispatch
		// time. The executor's quiescence wait owns effect detection.
		s.logger.Debug("event dispatch failed",
			zap.String("kind", string(q.ev.Kind)), zap.Error(err))
	}
}
