package cdppage

// supportScript installs window.__acb: a window-side node registry plus the
// DOM helpers the tab methods call. Refs are small integers handed out per
// element; a ref goes stale when its element leaves the document. The script
// is idempotent so it can be both evaluated immediately and registered for
// every new document.
const supportScript = `(() => {
  if (window.__acb) { return; }

  const byRef = new Map();
  const refs = new WeakMap();
  let next = 1;
  let observer = null;

  const refOf = (el) => {
    let id = refs.get(el);
    if (!id) {
      id = next++;
      refs.set(el, id);
      byRef.set(id, el);
    }
    return id;
  };

  const lookup = (id) => {
    if (id === 0) { return document.body; }
    const el = byRef.get(id);
    if (!el || !el.isConnected) {
      byRef.delete(id);
      return null;
    }
    return el;
  };

  const rendered = (el) => {
    if (!el.isConnected || el.getClientRects().length === 0) { return false; }
    const style = window.getComputedStyle(el);
    if (style.display === 'none' || style.visibility === 'hidden' || style.opacity === '0') {
      return false;
    }
    const rect = el.getBoundingClientRect();
    return rect.width > 0 && rect.height > 0;
  };

  const snapshot = (el) => {
    const rect = el.getBoundingClientRect();
    const attrs = {};
    for (const a of el.attributes) { attrs[a.name] = a.value; }
    return {
      ref: refOf(el),
      tag: el.tagName.toLowerCase(),
      text: el.textContent || '',
      attrs: attrs,
      box: { top: rect.top, left: rect.left, width: rect.width, height: rect.height },
      rendered: rendered(el),
      inViewport: rect.width > 0 && rect.height > 0 &&
        rect.top >= 0 && rect.left >= 0 &&
        rect.bottom <= window.innerHeight && rect.right <= window.innerWidth,
      value: 'value' in el ? String(el.value == null ? '' : el.value) : ''
    };
  };

  const buildEvent = (spec) => {
    const common = { bubbles: true, cancelable: true, view: window };
    switch (spec.kind) {
      case 'mouseover':
      case 'mousemove':
      case 'mousedown':
      case 'mouseup':
      case 'click': {
        const init = Object.assign({}, common, {
          clientX: spec.screenX,
          clientY: spec.screenY,
          screenX: spec.screenX,
          screenY: spec.screenY
        });
        if (spec.kind === 'mousedown' || spec.kind === 'mouseup' || spec.kind === 'click') {
          init.button = 0;
          init.buttons = spec.kind === 'mousedown' ? 1 : 0;
          init.detail = 1;
        }
        return new MouseEvent(spec.kind, init);
      }
      case 'touchstart':
      case 'touchmove':
      case 'touchend': {
        // TouchEvent construction needs real Touch points; fall back to a
        // plain UIEvent on engines without the Touch constructor.
        try {
          const touch = new Touch({
            identifier: 1,
            target: spec.target,
            clientX: spec.screenX,
            clientY: spec.screenY,
            screenX: spec.screenX,
            screenY: spec.screenY
          });
          const points = spec.kind === 'touchend' ? [] : [touch];
          return new TouchEvent(spec.kind, Object.assign({}, common, {
            touches: points,
            targetTouches: points,
            changedTouches: [touch]
          }));
        } catch (e) {
          return new UIEvent(spec.kind, common);
        }
      }
      case 'keydown':
      case 'keypress':
      case 'keyup': {
        const ev = new KeyboardEvent(spec.kind, Object.assign({}, common, { key: spec.key }));
        // keyCode and which are read-only legacy properties; sites still
        // read them, so shadow the getters.
        Object.defineProperty(ev, 'keyCode', { get: () => spec.keyCode });
        Object.defineProperty(ev, 'which', { get: () => spec.keyCode });
        return ev;
      }
      case 'input':
        return new InputEvent('input', { bubbles: true, composed: true });
      default:
        return new Event(spec.kind, common);
    }
  };

  window.__acb = {
    queryAll: (sel) => Array.from(document.querySelectorAll(sel)).map(snapshot),

    queryFirst: (sel) => {
      const el = document.querySelector(sel);
      return el ? snapshot(el) : null;
    },

    state: (id) => {
      const el = lookup(id);
      return el ? snapshot(el) : null;
    },

    setAttr: (id, name, value) => {
      const el = lookup(id);
      if (!el) { return false; }
      el.setAttribute(name, value);
      return true;
    },

    focus: (id) => {
      const el = lookup(id);
      if (!el) { return false; }
      el.focus();
      return true;
    },

    setValue: (id, value) => {
      const el = lookup(id);
      if (!el) { return false; }
      // Go through the prototype's native setter so frameworks that patch
      // the instance property still see the change on their next read.
      let proto = null;
      if (el instanceof HTMLInputElement) { proto = HTMLInputElement.prototype; }
      else if (el instanceof HTMLTextAreaElement) { proto = HTMLTextAreaElement.prototype; }
      else if (el instanceof HTMLSelectElement) { proto = HTMLSelectElement.prototype; }
      const desc = proto && Object.getOwnPropertyDescriptor(proto, 'value');
      if (desc && desc.set) {
        desc.set.call(el, value);
      } else {
        el.value = value;
      }
      return true;
    },

    dispatch: (id, spec) => {
      const el = lookup(id);
      if (!el) { return false; }
      spec.target = el;
      el.dispatchEvent(buildEvent(spec));
      return true;
    },

    scrollIntoView: (id) => {
      const el = lookup(id);
      if (!el) { return false; }
      el.scrollIntoView({ behavior: 'smooth', block: 'center', inline: 'nearest' });
      return true;
    },

    formOwner: (id) => {
      const el = lookup(id);
      if (!el) { return false; }
      if (el.tagName === 'FORM') { return snapshot(el); }
      const form = el.form || el.closest('form');
      return form ? snapshot(form) : null;
    },

    submit: (id) => {
      const el = lookup(id);
      if (!el || el.tagName !== 'FORM') { return false; }
      if (typeof el.requestSubmit === 'function') {
        el.requestSubmit();
      } else {
        el.submit();
      }
      return true;
    },

    observe: (binding) => {
      if (observer) { return true; }
      observer = new MutationObserver((records) => {
        const seen = {};
        for (const r of records) {
          if (!seen[r.type]) {
            seen[r.type] = true;
            window[binding](r.type);
          }
        }
      });
      observer.observe(document.documentElement, {
        childList: true,
        subtree: true,
        attributes: true,
        characterData: true
      });
      return true;
    },

    disconnect: () => {
      if (observer) {
        observer.disconnect();
        observer = null;
      }
      return true;
    }
  };
})();`
