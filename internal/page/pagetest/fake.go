// Package pagetest provides an in-memory page.Page implementation backed by
// a parsed HTML document. It exists so the registry, scheduler, executor and
// orchestrator can be tested without a browser: geometry, visibility,
// scrolling and mutation delivery are all simulated deterministically.
package pagetest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/weblight/acb/api/schemas"
	"github.com/weblight/acb/internal/page"
)

// Layout constants for the synthetic renderer: elements are laid out as
// fixed-size rows in document order unless a test overrides the box.
const (
	rowHeight  = 24.0
	rowWidth   = 120.0
	rowSpacing = 30.0
)

// DispatchedEvent pairs an event with the ref it was dispatched on.
type DispatchedEvent struct {
	Ref   page.NodeRef
	Event page.Event
}

// FakePage implements page.Page over an in-memory HTML document.
type FakePage struct {
	mu sync.Mutex

	doc      *html.Node
	body     *html.Node
	refs     map[page.NodeRef]*html.Node
	backRefs map[*html.Node]page.NodeRef
	nextRef  page.NodeRef

	url      string
	viewport page.Viewport

	// boxOverrides maps an element's id attribute to an explicit layout box
	// (document coordinates, not viewport-relative).
	boxOverrides map[string]schemas.BoundingBox

	values  map[page.NodeRef]string
	focused page.NodeRef

	events    []DispatchedEvent
	handlers  []func(page.NodeRef, page.Event)
	submitted []page.NodeRef
	submitErr error

	mutSubs map[int]chan page.Mutation
	nextSub int

	// scrollLag makes smooth scrolls visible to settle-polling: after a
	// ScrollIntoView, this many Viewport reads observe a still-moving
	// position before it stabilizes.
	scrollLag     int
	lagRemaining  int
	scrollTarget  float64
	queryAllCalls int
}

// New parses the HTML source into a fake page. It panics on malformed input
// because test fixtures are authored, not received.
func New(src string) *FakePage {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("pagetest: parse fixture: %v", err))
	}
	f := &FakePage{
		doc:          doc,
		refs:         make(map[page.NodeRef]*html.Node),
		backRefs:     make(map[*html.Node]page.NodeRef),
		nextRef:      1,
		url:          "https://fixture.test/",
		viewport:     page.Viewport{Width: 1280, Height: 800},
		boxOverrides: make(map[string]schemas.BoundingBox),
		values:       make(map[page.NodeRef]string),
		mutSubs:      make(map[int]chan page.Mutation),
	}
	f.body = f.find(func(n *html.Node) bool { return n.Type == html.ElementNode && n.DataAtom == atom.Body })
	return f
}

// -- Test knobs --

// SetURL overrides the reported page URL.
func (f *FakePage) SetURL(u string) { f.withLock(func() { f.url = u }) }

// SetViewportSize resizes the simulated viewport.
func (f *FakePage) SetViewportSize(w, h float64) {
	f.withLock(func() { f.viewport.Width, f.viewport.Height = w, h })
}

// SetBoxByID pins an explicit layout box (document coordinates) on the
// element with the given id attribute.
func (f *FakePage) SetBoxByID(id string, box schemas.BoundingBox) {
	f.withLock(func() { f.boxOverrides[id] = box })
}

// SetScrollLag makes the next smooth scroll take n Viewport reads to settle.
func (f *FakePage) SetScrollLag(n int) { f.withLock(func() { f.scrollLag = n }) }

// SetSubmitError makes SubmitForm fail, for best-effort-submit tests.
func (f *FakePage) SetSubmitError(err error) { f.withLock(func() { f.submitErr = err }) }

// OnEvent registers a callback invoked synchronously for every dispatched
// event, letting tests mutate the document in reaction to input.
func (f *FakePage) OnEvent(fn func(page.NodeRef, page.Event)) {
	f.withLock(func() { f.handlers = append(f.handlers, fn) })
}

// Events returns all dispatched events in order.
func (f *FakePage) Events() []DispatchedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]DispatchedEvent, len(f.events))
	copy(out, f.events)
	return out
}

// EventsOfKind filters dispatched events by kind.
func (f *FakePage) EventsOfKind(kind page.EventKind) []DispatchedEvent {
	var out []DispatchedEvent
	for _, de := range f.Events() {
		if de.Event.Kind == kind {
			out = append(out, de)
		}
	}
	return out
}

// Submitted returns refs whose forms were natively submitted.
func (f *FakePage) Submitted() []page.NodeRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]page.NodeRef, len(f.submitted))
	copy(out, f.submitted)
	return out
}

// Focused returns the ref that last received focus.
func (f *FakePage) Focused() page.NodeRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.focused
}

// QueryAllCalls counts QueryAll invocations, for lookup-cost assertions.
func (f *FakePage) QueryAllCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queryAllCalls
}

// ValueOf returns the simulated form value for a ref.
func (f *FakePage) ValueOf(ref page.NodeRef) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[ref]
}

// RefByID resolves the element with the given id attribute to its ref,
// assigning one if needed.
func (f *FakePage) RefByID(id string) (page.NodeRef, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.find(func(n *html.Node) bool { return n.Type == html.ElementNode && attrVal(n, "id") == id })
	if n == nil {
		return 0, false
	}
	return f.ensureRef(n), true
}

// RemoveByID detaches the element with the given id attribute, invalidating
// its ref, and emits a childList mutation. Used to simulate re-renders.
func (f *FakePage) RemoveByID(id string) bool {
	f.mu.Lock()
	n := f.find(func(n *html.Node) bool { return n.Type == html.ElementNode && attrVal(n, "id") == id })
	if n == nil {
		f.mu.Unlock()
		return false
	}
	if ref, ok := f.backRefs[n]; ok {
		delete(f.refs, ref)
		delete(f.backRefs, n)
	}
	n.Parent.RemoveChild(n)
	f.mu.Unlock()
	f.EmitMutation("childList")
	return true
}

// AppendHTML parses a fragment and appends it to the body, emitting a
// childList mutation. Used to simulate framework re-renders.
func (f *FakePage) AppendHTML(fragment string) {
	f.mu.Lock()
	nodes, err := html.ParseFragment(strings.NewReader(fragment), f.body)
	if err != nil {
		f.mu.Unlock()
		panic(fmt.Sprintf("pagetest: parse fragment: %v", err))
	}
	for _, n := range nodes {
		f.body.AppendChild(n)
	}
	f.mu.Unlock()
	f.EmitMutation("childList")
}

// EmitMutation broadcasts a mutation record to every subscriber.
func (f *FakePage) EmitMutation(kind string) {
	f.mu.Lock()
	subs := make([]chan page.Mutation, 0, len(f.mutSubs))
	for _, ch := range f.mutSubs {
		subs = append(subs, ch)
	}
	f.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- page.Mutation{Kind: kind}:
		default: // subscriber not draining; drop rather than block
		}
	}
}

// -- page.Page implementation --

func (f *FakePage) URL(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url, nil
}

func (f *FakePage) Viewport(ctx context.Context) (page.Viewport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lagRemaining > 0 {
		f.lagRemaining--
		// Step partway toward the target so consecutive reads differ.
		f.viewport.ScrollY += (f.scrollTarget - f.viewport.ScrollY) / float64(f.lagRemaining+1)
		if f.lagRemaining == 0 {
			f.viewport.ScrollY = f.scrollTarget
		}
	}
	return f.viewport, nil
}

func (f *FakePage) QueryAll(ctx context.Context, selector string) ([]page.Node, error) {
	sel, err := cascadia.ParseGroup(selector)
	if err != nil {
		return nil, fmt.Errorf("bad selector %q: %w", selector, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryAllCalls++
	matches := cascadia.QueryAll(f.doc, sel)
	nodes := make([]page.Node, 0, len(matches))
	for _, m := range matches {
		nodes = append(nodes, f.snapshot(m))
	}
	return nodes, nil
}

func (f *FakePage) QueryFirst(ctx context.Context, selector string) (*page.Node, error) {
	sel, err := cascadia.ParseGroup(selector)
	if err != nil {
		return nil, fmt.Errorf("bad selector %q: %w", selector, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m := cascadia.Query(f.doc, sel)
	if m == nil {
		return nil, nil
	}
	n := f.snapshot(m)
	return &n, nil
}

func (f *FakePage) NodeState(ctx context.Context, ref page.NodeRef) (*page.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.live(ref)
	if err != nil {
		return nil, err
	}
	snap := f.snapshot(n)
	return &snap, nil
}

func (f *FakePage) SetAttribute(ctx context.Context, ref page.NodeRef, name, value string) error {
	f.mu.Lock()
	n, err := f.live(ref)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	setAttr(n, name, value)
	f.mu.Unlock()
	f.EmitMutation("attributes")
	return nil
}

func (f *FakePage) Focus(ctx context.Context, ref page.NodeRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.live(ref); err != nil {
		return err
	}
	f.focused = ref
	return nil
}

func (f *FakePage) SetNativeValue(ctx context.Context, ref page.NodeRef, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.live(ref); err != nil {
		return err
	}
	f.values[ref] = value
	return nil
}

func (f *FakePage) DispatchEvent(ctx context.Context, ref page.NodeRef, ev page.Event) error {
	f.mu.Lock()
	if ref != 0 {
		if _, err := f.live(ref); err != nil {
			f.mu.Unlock()
			return err
		}
	}
	f.events = append(f.events, DispatchedEvent{Ref: ref, Event: ev})
	handlers := make([]func(page.NodeRef, page.Event), len(f.handlers))
	copy(handlers, f.handlers)
	f.mu.Unlock()
	for _, h := range handlers {
		h(ref, ev)
	}
	return nil
}

func (f *FakePage) ScrollIntoView(ctx context.Context, ref page.NodeRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.live(ref)
	if err != nil {
		return err
	}
	box := f.layoutBox(n)
	target := box.Top - (f.viewport.Height-box.Height)/2
	if target < 0 {
		target = 0
	}
	f.scrollTarget = target
	if f.scrollLag > 0 {
		f.lagRemaining = f.scrollLag
	} else {
		f.viewport.ScrollY = target
	}
	return nil
}

func (f *FakePage) ScrollBy(ctx context.Context, dx, dy float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viewport.ScrollX += dx
	f.viewport.ScrollY += dy
	if f.viewport.ScrollY < 0 {
		f.viewport.ScrollY = 0
	}
	if f.viewport.ScrollX < 0 {
		f.viewport.ScrollX = 0
	}
	return nil
}

func (f *FakePage) FormOwner(ctx context.Context, ref page.NodeRef) (*page.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.live(ref)
	if err != nil {
		return nil, err
	}
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.Type == html.ElementNode && cur.DataAtom == atom.Form {
			snap := f.snapshot(cur)
			return &snap, nil
		}
	}
	return nil, nil
}

func (f *FakePage) SubmitForm(ctx context.Context, ref page.NodeRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.live(ref); err != nil {
		return err
	}
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, ref)
	return nil
}

func (f *FakePage) Mutations(ctx context.Context) (<-chan page.Mutation, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	ch := make(chan page.Mutation, 64)
	f.mutSubs[id] = ch
	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.mutSubs[id]; ok {
			delete(f.mutSubs, id)
			close(ch)
		}
	}
	return ch, cancel, nil
}

// -- internals (callers hold f.mu) --

func (f *FakePage) withLock(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

func (f *FakePage) live(ref page.NodeRef) (*html.Node, error) {
	n, ok := f.refs[ref]
	if !ok {
		return nil, fmt.Errorf("node ref %d is stale or unknown", ref)
	}
	if !f.attached(n) {
		return nil, fmt.Errorf("node ref %d is detached", ref)
	}
	return n, nil
}

func (f *FakePage) attached(n *html.Node) bool {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur == f.doc {
			return true
		}
	}
	return false
}

func (f *FakePage) ensureRef(n *html.Node) page.NodeRef {
	if ref, ok := f.backRefs[n]; ok {
		return ref
	}
	ref := f.nextRef
	f.nextRef++
	f.refs[ref] = n
	f.backRefs[n] = ref
	return ref
}

// docIndex returns the element's ordinal among all elements, for the
// synthetic row layout.
func (f *FakePage) docIndex(target *html.Node) int {
	idx := 0
	found := -1
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if found >= 0 {
			return
		}
		if n.Type == html.ElementNode {
			if n == target {
				found = idx
				return
			}
			idx++
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(f.doc)
	if found < 0 {
		return 0
	}
	return found
}

// layoutBox returns the element's box in document coordinates.
func (f *FakePage) layoutBox(n *html.Node) schemas.BoundingBox {
	if id := attrVal(n, "id"); id != "" {
		if box, ok := f.boxOverrides[id]; ok {
			return box
		}
	}
	return schemas.BoundingBox{
		Top:    float64(f.docIndex(n)) * rowSpacing,
		Left:   8,
		Width:  rowWidth,
		Height: rowHeight,
	}
}

func (f *FakePage) snapshot(n *html.Node) page.Node {
	ref := f.ensureRef(n)
	layout := f.layoutBox(n)
	box := schemas.BoundingBox{
		Top:    layout.Top - f.viewport.ScrollY,
		Left:   layout.Left - f.viewport.ScrollX,
		Width:  layout.Width,
		Height: layout.Height,
	}
	rendered := f.rendered(n) && box.Width > 0 && box.Height > 0
	inView := rendered &&
		box.Top >= 0 && box.Left >= 0 &&
		box.Top+box.Height <= f.viewport.Height &&
		box.Left+box.Width <= f.viewport.Width
	value, ok := f.values[ref]
	if !ok {
		value = attrVal(n, "value")
	}
	return page.Node{
		Ref:        ref,
		Tag:        strings.ToLower(n.Data),
		Text:       textContent(n),
		Attrs:      attrMap(n),
		Box:        box,
		Rendered:   rendered,
		InViewport: inView,
		Value:      value,
	}
}

func (f *FakePage) rendered(n *html.Node) bool {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.Type != html.ElementNode {
			continue
		}
		if attrVal(cur, "hidden") != "" || hasBareAttr(cur, "hidden") {
			return false
		}
		style := strings.ReplaceAll(attrVal(cur, "style"), " ", "")
		if strings.Contains(style, "display:none") ||
			strings.Contains(style, "visibility:hidden") ||
			strings.Contains(style, "opacity:0;") ||
			strings.HasSuffix(style, "opacity:0") {
			return false
		}
	}
	return f.attached(n) && n.Parent != nil
}

func (f *FakePage) find(match func(*html.Node) bool) *html.Node {
	var out *html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if out != nil {
			return
		}
		if match(n) {
			out = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(f.doc)
	return out
}

// -- html.Node helpers --

func attrVal(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func hasBareAttr(n *html.Node, name string) bool {
	for _, a := range n.Attr {
		if a.Key == name {
			return true
		}
	}
	return false
}

func setAttr(n *html.Node, name, value string) {
	for i := range n.Attr {
		if n.Attr[i].Key == name {
			n.Attr[i].Val = value
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: name, Val: value})
}

func attrMap(n *html.Node) map[string]string {
	m := make(map[string]string, len(n.Attr))
	for _, a := range n.Attr {
		m[a.Key] = a.Val
	}
	return m
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
