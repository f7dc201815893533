package cdppage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weblight/acb/internal/page"
)

func TestJSONEncodeEscapesForEmbedding(t *testing.T) {
	assert.Equal(t, `"plain"`, jsonEncode("plain"))
	assert.Equal(t, `"a \"quoted\" selector"`, jsonEncode(`a "quoted" selector`))
	// Script-closing sequences must not survive encoding verbatim.
	encoded := jsonEncode("</script>")
	assert.NotContains(t, encoded, "</script>")
}

func TestDecodeOptionalNode(t *testing.T) {
	node, err := decodeOptionalNode(json.RawMessage("null"))
	require.NoError(t, err)
	assert.Nil(t, node)

	node, err = decodeOptionalNode(json.RawMessage(`{
		"ref": 7,
		"tag": "button",
		"text": "Add to cart",
		"attrs": {"id": "add", "data-wl-id": "wl-3"},
		"box": {"top": 10, "left": 20, "width": 120, "height": 32},
		"rendered": true,
		"inViewport": true,
		"value": ""
	}`))
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, page.NodeRef(7), node.Ref)
	assert.Equal(t, "button", node.Tag)
	assert.Equal(t, "wl-3", node.Attr("data-wl-id"))
	assert.Equal(t, 32.0, node.Box.Height)
	assert.True(t, node.Rendered)

	_, err = decodeOptionalNode(json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}

func TestCombineContextCancelsOnEither(t *testing.T) {
	primary, cancelPrimary := context.WithCancel(context.Background())
	defer cancelPrimary()
	secondary, cancelSecondary := context.WithCancel(context.Background())
	defer cancelSecondary()

	combined, cancel := combineContext(primary, secondary)
	defer cancel()

	cancelSecondary()
	select {
	case <-combined.Done():
	case <-time.After(time.Second):
		t.Fatal("combined context did not observe secondary cancellation")
	}
}

func TestDropSubAccounting(t *testing.T) {
	tab := &Tab{subs: make(map[int]chan page.Mutation)}
	tab.subs[0] = make(chan page.Mutation, 1)
	tab.subs[1] = make(chan page.Mutation, 1)

	assert.False(t, tab.dropSub(0))
	assert.True(t, tab.dropSub(1))
	// Dropping an already removed subscriber is a no-op.
	assert.False(t, tab.dropSub(1))
}

func TestBroadcastDropsWhenFull(t *testing.T) {
	tab := &Tab{subs: make(map[int]chan page.Mutation)}
	ch := make(chan page.Mutation, 1)
	tab.subs[0] = ch

	tab.broadcast(page.Mutation{Kind: "childList"})
	tab.broadcast(page.Mutation{Kind: "attributes"})

	require.Len(t, ch, 1)
	m := <-ch
	assert.Equal(t, "childList", m.Kind)
}
