// Package page defines the contract between the ACB core and the host page.
// The page exposes its DOM tree, computed styles, and the standard event
// dispatch surface as ambient capabilities; the core never owns them. Two
// implementations exist: cdppage drives a live browser tab over the Chrome
// DevTools Protocol, and pagetest serves component tests from an in-memory
// document.
package page

import (
	"context"

	"github.com/weblight/acb/api/schemas"
)

// NodeRef is an opaque handle to a live element on the page. A ref becomes
// stale when the underlying node is removed; implementations report stale
// refs as errors, never as silent no-ops. Zero means "no target" and
// resolves to the document body for event dispatch.
type NodeRef int64

// Node is a point-in-time view of one element. It is a snapshot: the live
// element may change the moment after it is captured.
type Node struct {
	Ref   NodeRef
	Tag   string // lowercase tag name
	Text  string // untrimmed text content
	Attrs map[string]string
	Box   schemas.BoundingBox
	// Rendered reports that the node has a layout parent, is not hidden via
	// display/visibility/opacity, and has a non-zero rendered box.
	Rendered bool
	// InViewport reports that the node's box lies fully inside the current
	// viewport. Distinct from Rendered: an element can be rendered but
	// scrolled out of view.
	InViewport bool
	// Value is the current value for form controls, empty otherwise.
	Value string
}

// Attr returns the named attribute or "".
func (n *Node) Attr(name string) string {
	if n == nil || n.Attrs == nil {
		return ""
	}
	return n.Attrs[name]
}

// EventKind names a DOM event type dispatched on the page.
type EventKind string

const (
	EventMouseOver  EventKind = "mouseover"
	EventMouseMove  EventKind = "mousemove"
	EventMouseDown  EventKind = "mousedown"
	EventMouseUp    EventKind = "mouseup"
	EventClick      EventKind = "click"
	EventTouchStart EventKind = "touchstart"
	EventTouchMove  EventKind = "touchmove"
	EventTouchEnd   EventKind = "touchend"
	EventKeyDown    EventKind = "keydown"
	EventKeyPress   EventKind = "keypress"
	EventKeyUp      EventKind = "keyup"
	EventInput      EventKind = "input"
	EventChange     EventKind = "change"
	EventSubmit     EventKind = "submit"
)

// Event is a synthetic DOM event ready for dispatch. Pointer fields are
// meaningful for mouse/touch kinds, Key/KeyCode for keyboard kinds.
// PageX/PageY are document coordinates; ScreenX/ScreenY are viewport
// coordinates, the same frame Node boxes are reported in.
type Event struct {
	Kind    EventKind
	PageX   float64
	PageY   float64
	ScreenX float64
	ScreenY float64
	Touch   bool
	Key     string
	KeyCode int
}

// Mutation is one observed DOM change. Kind is "childList" or "attributes",
// mirroring MutationObserver records.
type Mutation struct {
	Kind string
}

// Viewport describes the visible area and current scroll offsets.
type Viewport struct {
	Width   float64
	Height  float64
	ScrollX float64
	ScrollY float64
}

// Page is the DOM surface the core depends on. All methods honor context
// cancellation. Query results are snapshots; per-ref operations act on the
// live node and fail if it has been detached.
type Page interface {
	// URL returns the page's current location.
	URL(ctx context.Context) (string, error)

	// Viewport returns the visible dimensions and scroll position.
	Viewport(ctx context.Context) (Viewport, error)

	// QueryAll returns snapshots of every element matching the CSS selector,
	// in document order.
	QueryAll(ctx context.Context, selector string) ([]Node, error)

	// QueryFirst returns the first match, or (nil, nil) when nothing matches.
	QueryFirst(ctx context.Context, selector string) (*Node, error)

	// NodeState re-captures a snapshot of one element.
	NodeState(ctx context.Context, ref NodeRef) (*Node, error)

	// SetAttribute writes an attribute on the live node.
	SetAttribute(ctx context.Context, ref NodeRef, name, value string) error

	// Focus moves keyboard focus to the node.
	Focus(ctx context.Context, ref NodeRef) error

	// SetNativeValue assigns a form control's value through the platform's
	// native value setter, bypassing any property interception a reactive
	// framework installed. It does not dispatch events; callers pair it with
	// a synthetic "input" dispatch.
	SetNativeValue(ctx context.Context, ref NodeRef, value string) error

	// DispatchEvent fires a synthetic event on the node (document body when
	// ref is zero).
	DispatchEvent(ctx context.Context, ref NodeRef, ev Event) error

	// ScrollIntoView starts a smooth scroll that brings the node into view.
	// It returns once the scroll is initiated, not when it completes;
	// callers poll Viewport until the position stabilizes.
	ScrollIntoView(ctx context.Context, ref NodeRef) error

	// ScrollBy scrolls the viewport by the given deltas.
	ScrollBy(ctx context.Context, dx, dy float64) error

	// FormOwner returns the node itself if it is a form, else its nearest
	// form ancestor, else (nil, nil).
	FormOwner(ctx context.Context, ref NodeRef) (*Node, error)

	// SubmitForm invokes the form's native submit.
	SubmitForm(ctx context.Context, ref NodeRef) error

	// Mutations subscribes to DOM change notifications for the document
	// subtree. The returned cancel func releases the subscription and closes
	// the channel.
	Mutations(ctx context.Context) (<-chan Mutation, func(), error)
}

// Overlay renders the visual feedback layer: a cursor that tracks synthetic
// pointer motion, a ripple on presses, and a highlight ring for guide mode.
// The layer is created lazily on first use and torn down by Remove.
type Overlay interface {
	MoveCursor(ctx context.Context, x, y float64) error
	Ripple(ctx context.Context, x, y float64) error
	Highlight(ctx context.Context, ref NodeRef) error
	ClearHighlight(ctx context.Context) error
	Remove(ctx context.Context) error
}
