// Package quiesce implements bounded settle-detection: a debounce with a
// quiet window and a hard ceiling. The executor uses it to infer that an
// action's effects have landed without any explicit signal from the page:
// DOM mutations reset the quiet timer, and the ceiling guarantees the wait
// terminates even on pages that never stop mutating.
package quiesce

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/weblight/acb/internal/page"
)

// Reason reports why a wait resolved.
type Reason int

const (
	// Quiet means no signal arrived for the full quiet window.
	Quiet Reason = iota
	// Ceiling means the absolute bound elapsed while signals kept arriving.
	Ceiling
)

func (r Reason) String() string {
	if r == Ceiling {
		return "ceiling"
	}
	return "quiet"
}

// Wait blocks until no value arrives on signals for quiet, or until ceiling
// elapses, whichever comes first. A closed signals channel is treated as
// instant quiescence of the source and the quiet window is allowed to run
// out. The clock is injected so tests drive it with a fake.
func Wait(ctx context.Context, clock clockwork.Clock, signals <-chan struct{}, quiet, ceiling time.Duration) (Reason, error) {
	ceilingCh := clock.After(ceiling)
	quietCh := clock.After(quiet)

	for {
		select {
		case <-ctx.Done():
			return Quiet, ctx.Err()
		case <-ceilingCh:
			return Ceiling, nil
		case <-quietCh:
			return Quiet, nil
		case _, ok := <-signals:
			if !ok {
				// Source gone; let the quiet window decide.
				signals = nil
				continue
			}
			// Restart the quiet window. The previous timer is abandoned
			// rather than reset; a late fire on it is never observed.
			quietCh = clock.After(quiet)
		}
	}
}

// Detector watches a page's mutation feed and waits for it to settle.
type Detector struct {
	page  page.Page
	clock clockwork.Clock
}

// NewDetector builds a settle detector over the given page.
func NewDetector(p page.Page, clock clockwork.Clock) *Detector {
	return &Detector{page: p, clock: clock}
}

// Settle subscribes to the document's mutations and waits for a quiet
// window, bounded by ceiling.
func (d *Detector) Settle(ctx context.Context, quiet, ceiling time.Duration) (Reason, error) {
	mutations, cancel, err := d.page.Mutations(ctx)
	if err != nil {
		return Quiet, err
	}
	defer cancel()

	signals := make(chan struct{})
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case _, ok := <-mutations:
				if !ok {
					close(signals)
					return
				}
				select {
				case signals <- struct{}{}:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()

	return Wait(ctx, d.clock, signals, quiet, ceiling)
}
