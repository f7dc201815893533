package pagetest

import (
	"context"
	"sync"

	"github.com/weblight/acb/internal/page"
)

// Point is a recorded overlay cursor position.
type Point struct {
	X, Y float64
}

// FakeOverlay records overlay operations for assertions.
type FakeOverlay struct {
	mu         sync.Mutex
	cursor     []Point
	ripples    []Point
	highlights []page.NodeRef
	cleared    int
	removed    int
}

// NewOverlay returns an empty recording overlay.
func NewOverlay() *FakeOverlay { return &FakeOverlay{} }

func (o *FakeOverlay) MoveCursor(ctx context.Context, x, y float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cursor = append(o.cursor, Point{x, y})
	return nil
}

func (o *FakeOverlay) Ripple(ctx context.Context, x, y float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ripples = append(o.ripples, Point{x, y})
	return nil
}

func (o *FakeOverlay) Highlight(ctx context.Context, ref page.NodeRef) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.highlights = append(o.highlights, ref)
	return nil
}

func (o *FakeOverlay) ClearHighlight(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cleared++
	return nil
}

func (o *FakeOverlay) Remove(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removed++
	return nil
}

// CursorMoves returns every recorded cursor position.
func (o *FakeOverlay) CursorMoves() []Point {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Point, len(o.cursor))
	copy(out, o.cursor)
	return out
}

// Ripples returns every recorded ripple position.
func (o *FakeOverlay) Ripples() []Point {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Point, len(o.ripples))
	copy(out, o.ripples)
	return out
}

// Highlights returns every highlighted ref.
func (o *FakeOverlay) Highlights() []page.NodeRef {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]page.NodeRef, len(o.highlights))
	copy(out, o.highlights)
	return out
}

// Removed reports how many times the overlay was torn down.
func (o *FakeOverlay) Removed() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.removed
}
