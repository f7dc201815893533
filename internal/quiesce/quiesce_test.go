package quiesce

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weblight/acb/internal/page/pagetest"
)

const (
	quiet   = 100 * time.Millisecond
	ceiling = 300 * time.Millisecond
)

type waitResult struct {
	reason Reason
	err    error
}

func startWait(clk clockwork.Clock, signals <-chan struct{}) chan waitResult {
	done := make(chan waitResult, 1)
	go func() {
		r, err := Wait(context.Background(), clk, signals, quiet, ceiling)
		done <- waitResult{r, err}
	}()
	return done
}

func TestWaitResolvesQuietWhenNoSignals(t *testing.T) {
	clk := clockwork.NewFakeClock()
	signals := make(chan struct{})
	done := startWait(clk, signals)

	clk.BlockUntil(1)
	clk.Advance(quiet)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, Quiet, res.reason)
}

func TestWaitSignalsResetQuietWindow(t *testing.T) {
	clk := clockwork.NewFakeClock()
	signals := make(chan struct{})
	done := startWait(clk, signals)
	clk.BlockUntil(1)

	// Keep signalling at intervals shorter than the quiet window. The wait
	// must not resolve on quiet; the ceiling terminates it.
	step := 60 * time.Millisecond
	for elapsed := time.Duration(0); elapsed < ceiling; elapsed += step {
		signals <- struct{}{}
		select {
		case res := <-done:
			t.Fatalf("wait resolved early (%v) after %v", res.reason, elapsed)
		default:
		}
		clk.Advance(step)
	}

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, Ceiling, res.reason, "continuous mutation must resolve exactly at the ceiling")
}

func TestWaitQuietAfterBurst(t *testing.T) {
	clk := clockwork.NewFakeClock()
	signals := make(chan struct{})
	done := startWait(clk, signals)
	clk.BlockUntil(1)

	signals <- struct{}{}
	signals <- struct{}{}
	clk.Advance(quiet)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, Quiet, res.reason)
}

func TestWaitClosedSignalSource(t *testing.T) {
	clk := clockwork.NewFakeClock()
	signals := make(chan struct{})
	done := startWait(clk, signals)
	clk.BlockUntil(1)

	close(signals)
	clk.Advance(quiet)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, Quiet, res.reason)
}

func TestWaitContextCancel(t *testing.T) {
	clk := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan waitResult, 1)
	go func() {
		r, err := Wait(ctx, clk, make(chan struct{}), quiet, ceiling)
		done <- waitResult{r, err}
	}()
	clk.BlockUntil(1)
	cancel()

	res := <-done
	assert.ErrorIs(t, res.err, context.Canceled)
}

func TestDetectorSettlesOnPageMutations(t *testing.T) {
	clk := clockwork.NewFakeClock()
	fake := pagetest.New(`<html><body><div id="root"></div></body></html>`)
	det := NewDetector(fake, clk)

	done := make(chan waitResult, 1)
	go func() {
		r, err := det.Settle(context.Background(), quiet, ceiling)
		done <- waitResult{r, err}
	}()
	clk.BlockUntil(1)

	// A burst of DOM churn followed by silence settles on the quiet window.
	fake.EmitMutation("childList")
	fake.EmitMutation("attributes")
	// Give the forwarder a chance to deliver before advancing time.
	time.Sleep(10 * time.Millisecond)
	clk.Advance(quiet)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, Quiet, res.reason)
}
