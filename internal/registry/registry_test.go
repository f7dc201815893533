package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/weblight/acb/internal/page/pagetest"
)

const storefront = `<html><body>
<button id="save" class="btn primary">Save</button>
<a href="/cart">View cart</a>
<input type="text" placeholder="Search products" aria-label="Search">
<input type="hidden" name="csrf" value="tok">
<button style="display:none">Ghost</button>
<div role="button" tabindex="0">Checkout</div>
</body></html>`

func newRegistry(t *testing.T, src string) (*Registry, *pagetest.FakePage) {
	t.Helper()
	fp := pagetest.New(src)
	fp.SetURL("https://shop.example/catalog")
	return New(fp, zaptest.NewLogger(t)), fp
}

func TestScanAssignsStableIDs(t *testing.T) {
	reg, fp := newRegistry(t, storefront)
	ctx := context.Background()

	inv, err := reg.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, inv.Elements, 4, "hidden input and display:none button must be excluded")
	assert.Equal(t, "https://shop.example/catalog", inv.URL)

	assert.Equal(t, "wl-1", inv.Elements[0].ID)
	assert.Equal(t, "button", inv.Elements[0].Tag)
	assert.Equal(t, "Save", inv.Elements[0].Text)
	assert.Equal(t, "save", inv.Elements[0].IDAttribute)
	assert.Equal(t, []string{"btn", "primary"}, inv.Elements[0].Classes)

	assert.Equal(t, "wl-2", inv.Elements[1].ID)
	assert.Equal(t, "/cart", inv.Elements[1].Href)

	assert.Equal(t, "wl-3", inv.Elements[2].ID)
	assert.Equal(t, "Search products", inv.Elements[2].Placeholder)
	assert.Equal(t, "Search", inv.Elements[2].AriaLabel)

	assert.Equal(t, "wl-4", inv.Elements[3].ID)
	assert.Equal(t, "button", inv.Elements[3].Role)
	assert.Equal(t, "Checkout", inv.Elements[3].Text)

	// The tag must be written through to the DOM.
	node, err := fp.QueryFirst(ctx, `[data-wl-id="wl-1"]`)
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, "Save", node.Text)
}

func TestScanIsIdempotent(t *testing.T) {
	reg, _ := newRegistry(t, storefront)
	ctx := context.Background()

	first, err := reg.Scan(ctx)
	require.NoError(t, err)
	second, err := reg.Scan(ctx)
	require.NoError(t, err)

	require.Equal(t, len(first.Elements), len(second.Elements))
	for i := range first.Elements {
		assert.Equal(t, first.Elements[i].ID, second.Elements[i].ID,
			"ids must survive a re-scan unchanged")
	}
}

func TestFindByIDFastPath(t *testing.T) {
	reg, fp := newRegistry(t, storefront)
	ctx := context.Background()

	_, err := reg.Scan(ctx)
	require.NoError(t, err)

	before := fp.QueryAllCalls()
	node, err := reg.FindByID(ctx, "wl-1")
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, "Save", node.Text)
	assert.Equal(t, before, fp.QueryAllCalls(),
		"tagged lookup must not trigger a full scan")
}

func TestFindByIDRecoversByDOMID(t *testing.T) {
	reg, fp := newRegistry(t, storefront)
	ctx := context.Background()

	_, err := reg.Scan(ctx)
	require.NoError(t, err)

	// Simulate a framework re-render replacing the node wholesale. The
	// replacement keeps the DOM id but not the identity tag.
	require.True(t, fp.RemoveByID("save"))
	fp.AppendHTML(`<button id="save" class="btn">Save changes</button>`)

	node, err := reg.FindByID(ctx, "wl-1")
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, "save", node.Attr("id"))
	assert.Equal(t, "Save changes", node.Text)
}

func TestFindByIDRecoversByTextAndTag(t *testing.T) {
	reg, fp := newRegistry(t, `<html><body><button>Place order</button></body></html>`)
	ctx := context.Background()

	inv, err := reg.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, inv.Elements, 1)
	id := inv.Elements[0].ID

	// Replace the sole button with an untagged twin carrying the same text.
	node, err := fp.QueryFirst(ctx, "button")
	require.NoError(t, err)
	require.NotNil(t, node)
	fp.AppendHTML(`<button>Place order</button>`)
	require.NoError(t, fp.SetAttribute(ctx, node.Ref, "style", "display:none"))

	got, err := reg.FindByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Place order", got.Text)
	assert.NotEqual(t, node.Ref, got.Ref, "must resolve to the visible twin")
}

func TestFindByIDUnknown(t *testing.T) {
	reg, _ := newRegistry(t, storefront)
	ctx := context.Background()

	_, err := reg.Scan(ctx)
	require.NoError(t, err)

	_, err = reg.FindByID(ctx, "wl-9999")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "wl-9999")
}

func TestRecordMemory(t *testing.T) {
	reg, _ := newRegistry(t, storefront)
	_, err := reg.Scan(context.Background())
	require.NoError(t, err)

	rec, ok := reg.Record("wl-2")
	require.True(t, ok)
	assert.Equal(t, "a", rec.Tag)
	assert.Equal(t, "View cart", rec.Text)

	_, ok = reg.Record("wl-404")
	assert.False(t, ok)
}
