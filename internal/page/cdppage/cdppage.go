// Package cdppage implements the page contract against a live browser tab
// over the Chrome DevTools Protocol. DOM access goes through a support
// script injected into the page; the Go side holds no DOM state beyond the
// tab context.
package cdppage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	cdppb "github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/weblight/acb/api/schemas"
	"github.com/weblight/acb/internal/page"
)

const mutationBinding = "__acbMutation"

// mutationBuffer bounds the per-subscriber channel. Bursty pages can emit
// mutations faster than the quiescence detector drains them; excess records
// are dropped, which only delays quiet detection.
const mutationBuffer = 64

// Tab drives one browser tab. All methods are safe for concurrent use; the
// underlying CDP connection serializes the protocol traffic.
type Tab struct {
	ctx    context.Context
	logger *zap.Logger

	mu        sync.Mutex
	subs      map[int]chan page.Mutation
	nextSub   int
	listening bool
}

var _ page.Page = (*Tab)(nil)

// NewTab wraps an attached chromedp tab context. The support script is
// evaluated in the current document and registered for every future one, so
// refs survive soft DOM churn but not navigation.
func NewTab(tabCtx context.Context, logger *zap.Logger) (*Tab, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tab{
		ctx:    tabCtx,
		logger: logger.Named("cdppage"),
		subs:   make(map[int]chan page.Mutation),
	}
	err := t.run(tabCtx,
		chromedp.ActionFunc(func(c context.Context) error {
			_, err := cdppb.AddScriptToEvaluateOnNewDocument(supportScript).Do(c)
			return err
		}),
		chromedp.Evaluate(supportScript, nil),
	)
	if err != nil {
		return nil, fmt.Errorf("installing page support script: %w", err)
	}
	return t, nil
}

// run executes chromedp actions against the tab while honoring the caller's
// context alongside the tab lifetime.
func (t *Tab) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := combineContext(t.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// combineContext derives from primary (which carries the CDP target) and
// additionally cancels when secondary does.
func combineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}

// eval evaluates a JS expression and returns the raw JSON result.
func (t *Tab) eval(ctx context.Context, expr string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := t.run(ctx, chromedp.Evaluate(expr, &raw, func(p *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
		return p.WithReturnByValue(true).WithAwaitPromise(true)
	}))
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// refOp runs a support-script call that reports success as a boolean. A
// false return means the ref's element has left the document.
func (t *Tab) refOp(ctx context.Context, ref page.NodeRef, expr string) error {
	raw, err := t.eval(ctx, expr)
	if err != nil {
		return err
	}
	var ok bool
	if err := json.Unmarshal(raw, &ok); err != nil || !ok {
		return fmt.Errorf("node ref %d is no longer attached", ref)
	}
	return nil
}

// jsNode mirrors the snapshot shape produced by the support script.
type jsNode struct {
	Ref        int64               `json:"ref"`
	Tag        string              `json:"tag"`
	Text       string              `json:"text"`
	Attrs      map[string]string   `json:"attrs"`
	Box        schemas.BoundingBox `json:"box"`
	Rendered   bool                `json:"rendered"`
	InViewport bool                `json:"inViewport"`
	Value      string              `json:"value"`
}

func (n *jsNode) toNode() page.Node {
	return page.Node{
		Ref:        page.NodeRef(n.Ref),
		Tag:        n.Tag,
		Text:       n.Text,
		Attrs:      n.Attrs,
		Box:        n.Box,
		Rendered:   n.Rendered,
		InViewport: n.InViewport,
		Value:      n.Value,
	}
}

func (t *Tab) URL(ctx context.Context) (string, error) {
	raw, err := t.eval(ctx, "window.location.href")
	if err != nil {
		return "", fmt.Errorf("reading page URL: %w", err)
	}
	var url string
	if err := json.Unmarshal(raw, &url); err != nil {
		return "", fmt.Errorf("decoding page URL: %w", err)
	}
	return url, nil
}

func (t *Tab) Viewport(ctx context.Context) (page.Viewport, error) {
	raw, err := t.eval(ctx, `({width: window.innerWidth, height: window.innerHeight, scrollX: window.scrollX, scrollY: window.scrollY})`)
	if err != nil {
		return page.Viewport{}, fmt.Errorf("reading viewport: %w", err)
	}
	var vp struct {
		Width   float64 `json:"width"`
		Height  float64 `json:"height"`
		ScrollX float64 `json:"scrollX"`
		ScrollY float64 `json:"scrollY"`
	}
	if err := json.Unmarshal(raw, &vp); err != nil {
		return page.Viewport{}, fmt.Errorf("decoding viewport: %w", err)
	}
	return page.Viewport(vp), nil
}

func (t *Tab) QueryAll(ctx context.Context, selector string) ([]page.Node, error) {
	raw, err := t.eval(ctx, fmt.Sprintf("window.__acb.queryAll(%s)", jsonEncode(selector)))
	if err != nil {
		return nil, fmt.Errorf("querying %q: %w", selector, err)
	}
	var found []jsNode
	if err := json.Unmarshal(raw, &found); err != nil {
		return nil, fmt.Errorf("decoding query result for %q: %w", selector, err)
	}
	nodes := make([]page.Node, len(found))
	for i := range found {
		nodes[i] = found[i].toNode()
	}
	return nodes, nil
}

func (t *Tab) QueryFirst(ctx context.Context, selector string) (*page.Node, error) {
	raw, err := t.eval(ctx, fmt.Sprintf("window.__acb.queryFirst(%s)", jsonEncode(selector)))
	if err != nil {
		return nil, fmt.Errorf("querying %q: %w", selector, err)
	}
	return decodeOptionalNode(raw)
}

func (t *Tab) NodeState(ctx context.Context, ref page.NodeRef) (*page.Node, error) {
	raw, err := t.eval(ctx, fmt.Sprintf("window.__acb.state(%d)", ref))
	if err != nil {
		return nil, err
	}
	node, err := decodeOptionalNode(raw)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, fmt.Errorf("node ref %d is no longer attached", ref)
	}
	return node, nil
}

func (t *Tab) SetAttribute(ctx context.Context, ref page.NodeRef, name, value string) error {
	return t.refOp(ctx, ref, fmt.Sprintf("window.__acb.setAttr(%d, %s, %s)", ref, jsonEncode(name), jsonEncode(value)))
}

func (t *Tab) Focus(ctx context.Context, ref page.NodeRef) error {
	return t.refOp(ctx, ref, fmt.Sprintf("window.__acb.focus(%d)", ref))
}

func (t *Tab) SetNativeValue(ctx context.Context, ref page.NodeRef, value string) error {
	return t.refOp(ctx, ref, fmt.Sprintf("window.__acb.setValue(%d, %s)", ref, jsonEncode(value)))
}

func (t *Tab) DispatchEvent(ctx context.Context, ref page.NodeRef, ev page.Event) error {
	spec := map[string]any{
		"kind":    string(ev.Kind),
		"pageX":   ev.PageX,
		"pageY":   ev.PageY,
		"screenX": ev.ScreenX,
		"screenY": ev.ScreenY,
		"key":     ev.Key,
		"keyCode": ev.KeyCode,
	}
	return t.refOp(ctx, ref, fmt.Sprintf("window.__acb.dispatch(%d, %s)", ref, jsonEncode(spec)))
}

func (t *Tab) ScrollIntoView(ctx context.Context, ref page.NodeRef) error {
	return t.refOp(ctx, ref, fmt.Sprintf("window.__acb.scrollIntoView(%d)", ref))
}

func (t *Tab) ScrollBy(ctx context.Context, dx, dy float64) error {
	_, err := t.eval(ctx, fmt.Sprintf("(window.scrollBy({left: %v, top: %v, behavior: 'smooth'}), true)", dx, dy))
	if err != nil {
		return fmt.Errorf("scrolling viewport: %w", err)
	}
	return nil
}

func (t *Tab) FormOwner(ctx context.Context, ref page.NodeRef) (*page.Node, error) {
	raw, err := t.eval(ctx, fmt.Sprintf("window.__acb.formOwner(%d)", ref))
	if err != nil {
		return nil, err
	}
	if string(raw) == "false" {
		return nil, fmt.Errorf("node ref %d is no longer attached", ref)
	}
	return decodeOptionalNode(raw)
}

func (t *Tab) SubmitForm(ctx context.Context, ref page.NodeRef) error {
	return t.refOp(ctx, ref, fmt.Sprintf("window.__acb.submit(%d)", ref))
}

// Mutations fans one page-side MutationObserver out to any number of
// subscribers. The CDP listener and the observer are installed on first
// subscribe; the observer is disconnected again when the last subscriber
// cancels.
func (t *Tab) Mutations(ctx context.Context) (<-chan page.Mutation, func(), error) {
	t.mu.Lock()
	if !t.listening {
		if err := t.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
			return cdpruntime.AddBinding(mutationBinding).Do(c)
		})); err != nil {
			t.mu.Unlock()
			return nil, nil, fmt.Errorf("adding mutation binding: %w", err)
		}
		chromedp.ListenTarget(t.ctx, func(ev any) {
			bound, ok := ev.(*cdpruntime.EventBindingCalled)
			if !ok || bound.Name != mutationBinding {
				return
			}
			t.broadcast(page.Mutation{Kind: bound.Payload})
		})
		t.listening = true
	}
	id := t.nextSub
	t.nextSub++
	ch := make(chan page.Mutation, mutationBuffer)
	t.subs[id] = ch
	t.mu.Unlock()

	// observe is idempotent page-side; re-arming on every subscribe covers
	// the case where a navigation replaced the document.
	if err := t.refOp(ctx, 0, fmt.Sprintf("window.__acb.observe(%s)", jsonEncode(mutationBinding))); err != nil {
		t.dropSub(id)
		return nil, nil, fmt.Errorf("starting mutation observer: %w", err)
	}

	cancel := func() {
		if last := t.dropSub(id); last {
			if _, err := t.eval(context.Background(), "window.__acb.disconnect()"); err != nil {
				t.logger.Debug("disconnecting mutation observer", zap.Error(err))
			}
		}
	}
	return ch, cancel, nil
}

// dropSub removes one subscriber and reports whether it was the last.
func (t *Tab) dropSub(id int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.subs[id]
	if !ok {
		return false
	}
	delete(t.subs, id)
	close(ch)
	return len(t.subs) == 0
}

func (t *Tab) broadcast(m page.Mutation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- m:
		default:
		}
	}
}

// decodeOptionalNode maps a JS null to (nil, nil).
func decodeOptionalNode(raw json.RawMessage) (*page.Node, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var n jsNode
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("decoding node snapshot: %w", err)
	}
	node := n.toNode()
	return &node, nil
}

// jsonEncode renders a value as a JS literal safe for embedding in an
// expression.
func jsonEncode(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `""`
	}
	return string(b)
}
