// Package registry discovers interactive page elements, assigns them stable
// opaque identifiers, and re-resolves identifiers back to live nodes across
// framework re-renders.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/weblight/acb/api/schemas"
	"github.com/weblight/acb/internal/page"
)

// IDAttr is the node-level tag that persists an element's stable id. It is
// written once per node and never overwritten, so the id survives re-scans
// for as long as the node itself does.
const IDAttr = "data-wl-id"

// maxTextLength bounds the captured text of a record.
const maxTextLength = 100

// interactiveCatalogue is the fixed set of selectors considered
// interactive. Joined into a single group query per scan.
var interactiveCatalogue = []string{
	"button",
	"a[href]",
	"input:not([type=hidden])",
	"textarea",
	"select",
	"[role=button]",
	"[role=link]",
	"[role=checkbox]",
	"[role=radio]",
	"[role=tab]",
	"[role=menuitem]",
	"[role=combobox]",
	"[role=switch]",
	"[onclick]",
	"[tabindex]",
}

// ErrNotFound is returned when an id cannot be resolved to a live node by
// any strategy. Callers must treat it as a hard failure for the action, not
// a retryable condition.
var ErrNotFound = errors.New("element not found")

// Registry assigns and resolves stable element identities on one page.
type Registry struct {
	mu      sync.Mutex
	page    page.Page
	logger  *zap.Logger
	counter int64
	// records remembers the last observed record for every id ever issued,
	// which drives re-resolution after the tagged node is replaced.
	records map[string]schemas.ElementRecord
}

// New creates a registry over the given page.
func New(p page.Page, logger *zap.Logger) *Registry {
	return &Registry{
		page:    p,
		logger:  logger.Named("registry"),
		records: make(map[string]schemas.ElementRecord),
	}
}

// Scan captures a fresh inventory of visible interactive elements.
// Previously untagged nodes are permanently tagged as a side effect.
func (r *Registry) Scan(ctx context.Context) (*schemas.Inventory, error) {
	url, err := r.page.URL(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading page url: %w", err)
	}
	nodes, err := r.page.QueryAll(ctx, strings.Join(interactiveCatalogue, ", "))
	if err != nil {
		return nil, fmt.Errorf("querying interactive elements: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	inv := &schemas.Inventory{Timestamp: time.Now(), URL: url}
	seen := make(map[page.NodeRef]bool, len(nodes))
	for i := range nodes {
		node := &nodes[i]
		if seen[node.Ref] {
			continue
		}
		seen[node.Ref] = true
		if !node.Rendered {
			continue
		}

		id := node.Attr(IDAttr)
		if id == "" {
			r.counter++
			id = fmt.Sprintf("wl-%d", r.counter)
			if err := r.page.SetAttribute(ctx, node.Ref, IDAttr, id); err != nil {
				// The node vanished between query and tag; skip it rather
				// than fail the whole scan.
				r.logger.Debug("failed to tag element, skipping",
					zap.String("id", id), zap.Error(err))
				r.counter--
				continue
			}
		}

		rec := buildRecord(id, node)
		r.records[id] = rec
		inv.Elements = append(inv.Elements, rec)
	}
	return inv, nil
}

// FindByID resolves a stable id to a live node. The fast path is a direct
// lookup by the persisted tag. When the tagged node is gone (framework
// re-render), it re-scans and falls back to the remembered record's
// original DOM id attribute, then to an exact text-plus-tag match among
// visible nodes. Returns ErrNotFound when every strategy fails.
func (r *Registry) FindByID(ctx context.Context, id string) (*page.Node, error) {
	node, err := r.page.QueryFirst(ctx, tagSelector(id))
	if err != nil {
		return nil, fmt.Errorf("tag lookup for %s: %w", id, err)
	}
	if node != nil && node.Rendered {
		return node, nil
	}

	r.mu.Lock()
	rec, known := r.records[id]
	r.mu.Unlock()
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	r.logger.Debug("tagged node gone, re-resolving", zap.String("id", id))
	if _, err := r.Scan(ctx); err != nil {
		return nil, fmt.Errorf("re-scan for %s: %w", id, err)
	}

	// The scan may have refreshed the tag index (e.g. the lookup raced a
	// DOM move rather than a removal).
	node, err = r.page.QueryFirst(ctx, tagSelector(id))
	if err == nil && node != nil && node.Rendered {
		return node, nil
	}

	// Strategy 1: the element's original DOM id attribute.
	if rec.IDAttribute != "" {
		node, err = r.page.QueryFirst(ctx, fmt.Sprintf(`[id=%q]`, rec.IDAttribute))
		if err == nil && node != nil && node.Rendered {
			return node, nil
		}
	}

	// Strategy 2: exact trimmed-text plus tag match among visible nodes.
	if rec.Text != "" && rec.Tag != "" {
		candidates, err := r.page.QueryAll(ctx, rec.Tag)
		if err == nil {
			for i := range candidates {
				c := &candidates[i]
				if c.Rendered && truncateText(c.Text) == rec.Text {
					return c, nil
				}
			}
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Record returns the remembered record for an id, if one was ever issued.
func (r *Registry) Record(id string) (schemas.ElementRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	return rec, ok
}

func tagSelector(id string) string {
	return fmt.Sprintf(`[%s=%q]`, IDAttr, id)
}

func buildRecord(id string, node *page.Node) schemas.ElementRecord {
	var classes []string
	if cls := node.Attr("class"); cls != "" {
		classes = strings.Fields(cls)
	}
	return schemas.ElementRecord{
		ID:          id,
		Tag:         node.Tag,
		Text:        truncateText(node.Text),
		IDAttribute: node.Attr("id"),
		Classes:     classes,
		Type:        node.Attr("type"),
		Href:        node.Attr("href"),
		Placeholder: node.Attr("placeholder"),
		AriaLabel:   node.Attr("aria-label"),
		Role:        node.Attr("role"),
		Visible:     node.InViewport,
		Box:         node.Box,
	}
}

func truncateText(s string) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) > maxTextLength {
		return string(runes[:maxTextLength])
	}
	return s
}
