package cdppage

import (
	"context"
	"fmt"

	cdppb "github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/weblight/acb/internal/page"
)

// overlayScript installs window.__acbOverlay. The layer is a handful of
// absolutely positioned elements in a max z-index container, created lazily
// so pages that never get feedback never see the DOM change.
const overlayScript = `(() => {
  if (window.__acbOverlay) { return; }

  let layer = null;
  let cursor = null;
  let ring = null;

  const ensure = () => {
    if (layer && layer.isConnected) { return; }
    layer = document.createElement('div');
    layer.setAttribute('data-acb-overlay', '');
    layer.style.cssText = 'position:fixed;inset:0;pointer-events:none;z-index:2147483647;';

    cursor = document.createElement('div');
    cursor.style.cssText = 'position:absolute;width:14px;height:14px;border-radius:50%;' +
      'background:rgba(66,133,244,0.9);border:2px solid #fff;box-shadow:0 1px 4px rgba(0,0,0,0.4);' +
      'transform:translate(-50%,-50%);transition:left 80ms linear,top 80ms linear;left:-100px;top:-100px;';
    layer.appendChild(cursor);

    ring = document.createElement('div');
    ring.style.cssText = 'position:absolute;display:none;border:3px solid rgba(66,133,244,0.9);' +
      'border-radius:6px;box-shadow:0 0 0 3px rgba(66,133,244,0.25);';
    layer.appendChild(ring);

    document.documentElement.appendChild(layer);
  };

  window.__acbOverlay = {
    move: (x, y) => {
      ensure();
      cursor.style.left = x + 'px';
      cursor.style.top = y + 'px';
      return true;
    },

    ripple: (x, y) => {
      ensure();
      const r = document.createElement('div');
      r.style.cssText = 'position:absolute;width:10px;height:10px;border-radius:50%;' +
        'background:rgba(66,133,244,0.5);transform:translate(-50%,-50%);' +
        'left:' + x + 'px;top:' + y + 'px;';
      layer.appendChild(r);
      const anim = r.animate(
        [{ opacity: 0.8, width: '10px', height: '10px' },
         { opacity: 0, width: '44px', height: '44px' }],
        { duration: 450, easing: 'ease-out' });
      anim.onfinish = () => r.remove();
      return true;
    },

    highlight: (rect) => {
      ensure();
      ring.style.display = 'block';
      ring.style.left = (rect.left - 4) + 'px';
      ring.style.top = (rect.top - 4) + 'px';
      ring.style.width = (rect.width + 8) + 'px';
      ring.style.height = (rect.height + 8) + 'px';
      return true;
    },

    clearHighlight: () => {
      if (ring) { ring.style.display = 'none'; }
      return true;
    },

    remove: () => {
      if (layer) {
        layer.remove();
        layer = null;
        cursor = null;
        ring = null;
      }
      return true;
    }
  };
})();`

// Overlay renders the cursor, ripple, and highlight layer in the tab.
type Overlay struct {
	tab    *Tab
	logger *zap.Logger
}

var _ page.Overlay = (*Overlay)(nil)

// NewOverlay attaches the feedback layer to a tab. The layer itself is not
// created until the first draw call.
func NewOverlay(t *Tab, logger *zap.Logger) (*Overlay, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Overlay{tab: t, logger: logger.Named("overlay")}
	err := t.run(t.ctx,
		chromedp.ActionFunc(func(c context.Context) error {
			_, err := cdppb.AddScriptToEvaluateOnNewDocument(overlayScript).Do(c)
			return err
		}),
		chromedp.Evaluate(overlayScript, nil),
	)
	if err != nil {
		return nil, fmt.Errorf("installing overlay script: %w", err)
	}
	return o, nil
}

func (o *Overlay) MoveCursor(ctx context.Context, x, y float64) error {
	_, err := o.tab.eval(ctx, fmt.Sprintf("window.__acbOverlay.move(%v, %v)", x, y))
	return err
}

func (o *Overlay) Ripple(ctx context.Context, x, y float64) error {
	_, err := o.tab.eval(ctx, fmt.Sprintf("window.__acbOverlay.ripple(%v, %v)", x, y))
	return err
}

// Highlight draws the ring around the element's current box. A stale ref is
// an error; the caller decides whether that matters.
func (o *Overlay) Highlight(ctx context.Context, ref page.NodeRef) error {
	node, err := o.tab.NodeState(ctx, ref)
	if err != nil {
		return err
	}
	rect := jsonEncode(map[string]float64{
		"left":   node.Box.Left,
		"top":    node.Box.Top,
		"width":  node.Box.Width,
		"height": node.Box.Height,
	})
	_, err = o.tab.eval(ctx, fmt.Sprintf("window.__acbOverlay.highlight(%s)", rect))
	return err
}

func (o *Overlay) ClearHighlight(ctx context.Context) error {
	_, err := o.tab.eval(ctx, "window.__acbOverlay.clearHighlight()")
	return err
}

func (o *Overlay) Remove(ctx context.Context) error {
	_, err := o.tab.eval(ctx, "window.__acbOverlay.remove()")
	return err
}
