// internal/browser/session/scripts.go
package session

// refAttribute tags the element a Match resolved. The mutation observer
// ignores changes to it so matching never looks like page activity.
const refAttribute = "data-pilot-ref"

// mutationBinding is the runtime binding the page's MutationObserver calls.
const mutationBinding = "__pilotMutation"

// captureScript serializes the document into the browser.Document shape.
// Every attribute read is guarded so one hostile getter cannot sink the
// whole capture. %d is the depth bound.
const captureScript = `(function(maxDepth) {
  const keys = window.__pilotKeys || (window.__pilotKeys = new WeakMap());
  let seq = window.__pilotKeySeq || 0;
  const keyOf = (el) => {
    let k = keys.get(el);
    if (!k) { k = 'k' + (++seq); keys.set(el, k); }
    return k;
  };
  const selfVisible = (el) => {
    if (el.hidden) return false;
    if (el.tagName === 'INPUT' && String(el.type).toLowerCase() === 'hidden') return false;
    let st;
    try { st = getComputedStyle(el); } catch (e) { return true; }
    if (st.display === 'none' || st.visibility === 'hidden' || st.visibility === 'collapse' || st.opacity === '0') return false;
    if (st.display !== 'contents' && el !== document.documentElement && el !== document.body) {
      try { if (el.getClientRects().length === 0) return false; } catch (e) {}
    }
    return true;
  };
  const attrs = (el) => {
    const out = {};
    let names = [];
    try { names = el.getAttributeNames(); } catch (e) { return out; }
    for (const name of names) {
      if (name === '` + refAttribute + `') continue;
      try {
        const v = el.getAttribute(name);
        if (v !== null) out[name.toLowerCase()] = String(v);
      } catch (e) {}
    }
    return out;
  };
  const liveValue = (el) => {
    try {
      if (el.tagName === 'INPUT' || el.tagName === 'TEXTAREA' || el.tagName === 'SELECT') return String(el.value == null ? '' : el.value);
      if (el.isContentEditable) return el.innerText;
    } catch (e) {}
    return '';
  };
  const isChecked = (el) => {
    try {
      if (el.tagName === 'INPUT') return !!el.checked;
      if (el.tagName === 'OPTION') return !!el.selected;
    } catch (e) {}
    return false;
  };
  const walk = (el, parentVisible, depth) => {
    const visible = parentVisible && selfVisible(el);
    const node = {
      kind: 0,
      tag: String(el.tagName).toLowerCase(),
      attrs: attrs(el),
      visible: visible,
      value: liveValue(el),
      checked: isChecked(el),
      key: keyOf(el),
    };
    if (depth >= maxDepth) return node;
    const children = [];
    for (const c of el.childNodes) {
      if (c.nodeType === 1) {
        children.push(walk(c, visible, depth + 1));
      } else if (c.nodeType === 3 && c.data.trim() !== '') {
        children.push({ kind: 1, text: c.data, visible: visible });
      }
    }
    if (children.length) node.children = children;
    return node;
  };
  const root = document.documentElement;
  const doc = {
    url: location.href,
    title: document.title,
    readyState: document.readyState,
    root: root ? walk(root, true, 0) : null,
  };
  window.__pilotKeySeq = seq;
  return doc;
})(%d)`

// matchScript counts rendered matches of a selector and tags the element
// when exactly one matches. Arguments: syntax, selector, ref.
const matchScript = `(function(syntax, selector, ref) {
  const rendered = (el) => {
    for (let cur = el; cur && cur.nodeType === 1; cur = cur.parentElement) {
      if (cur.hidden) return false;
      let st;
      try { st = getComputedStyle(cur); } catch (e) { continue; }
      if (st.display === 'none' || st.visibility === 'hidden' || st.visibility === 'collapse' || st.opacity === '0') return false;
    }
    if (el.tagName === 'INPUT' && String(el.type).toLowerCase() === 'hidden') return false;
    return el.getClientRects().length > 0;
  };
  let found = [];
  try {
    if (syntax === 'xpath') {
      const snap = document.evaluate(selector, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
      for (let i = 0; i < snap.snapshotLength; i++) found.push(snap.snapshotItem(i));
    } else {
      found = Array.from(document.querySelectorAll(selector));
    }
  } catch (e) {
    return { count: 0, error: String(e && e.message || e) };
  }
  const visible = found.filter((n) => n.nodeType === 1 && rendered(n));
  if (visible.length === 1) {
    visible[0].setAttribute('` + refAttribute + `', ref);
  }
  return { count: visible.length };
})(%s, %s, %s)`

// elementPrelude resolves the ref argument into el or reports detachment.
const elementPrelude = `
  const el = document.querySelector('[` + refAttribute + `="' + ref + '"]');
  if (!el || !el.isConnected) return { status: 'detached' };
`

const setValueScript = `(function(ref, value) {` + elementPrelude + `
  if (el.disabled || el.readOnly) return { status: 'not-interactable', reason: 'disabled or read-only' };
  const tag = el.tagName;
  try { el.focus(); } catch (e) {}
  if (tag === 'INPUT' || tag === 'TEXTAREA') {
    const type = String(el.type).toLowerCase();
    if (['checkbox', 'radio', 'submit', 'button', 'reset', 'image', 'file', 'hidden'].includes(type)) {
      return { status: 'not-interactable', reason: 'input type ' + type + ' does not take text' };
    }
    let v = value;
    if (el.maxLength > 0 && v.length > el.maxLength) v = v.slice(0, el.maxLength);
    const proto = tag === 'INPUT' ? HTMLInputElement.prototype : HTMLTextAreaElement.prototype;
    const setter = Object.getOwnPropertyDescriptor(proto, 'value').set;
    setter.call(el, v);
  } else if (el.isContentEditable) {
    el.innerText = value;
  } else {
    return { status: 'not-interactable', reason: '<' + tag.toLowerCase() + '> is not editable' };
  }
  el.dispatchEvent(new Event('input', { bubbles: true }));
  el.dispatchEvent(new Event('change', { bubbles: true }));
  try { el.blur(); } catch (e) {}
  el.dispatchEvent(new FocusEvent('blur'));
  return { status: 'ok' };
})(%s, %s)`

const readValueScript = `(function(ref) {` + elementPrelude + `
  if (el.tagName === 'INPUT' || el.tagName === 'TEXTAREA' || el.tagName === 'SELECT') return { status: 'ok', value: String(el.value) };
  if (el.isContentEditable) return { status: 'ok', value: el.innerText };
  return { status: 'ok', value: '' };
})(%s)`

// pointScript scrolls the element into view and reports the centre of its
// first client rect in viewport coordinates.
const pointScript = `(function(ref) {` + elementPrelude + `
  if (el.disabled) return { status: 'not-interactable', reason: 'disabled' };
  el.scrollIntoView({ block: 'center', inline: 'center' });
  const rect = el.getBoundingClientRect();
  if (rect.width <= 0 || rect.height <= 0) return { status: 'not-interactable', reason: 'zero-size geometry' };
  return { status: 'ok', x: rect.left + rect.width / 2, y: rect.top + rect.height / 2 };
})(%s)`

const selectScript = `(function(ref, value) {` + elementPrelude + `
  if (el.tagName !== 'SELECT') return { status: 'not-interactable', reason: 'not a select element' };
  if (el.disabled) return { status: 'not-interactable', reason: 'disabled' };
  const opts = Array.from(el.options);
  let chosen = opts.find((o) => o.value === value);
  if (!chosen) chosen = opts.find((o) => o.text.trim().toLowerCase() === value.trim().toLowerCase());
  if (!chosen) return { status: 'no-option' };
  el.value = chosen.value;
  el.dispatchEvent(new Event('input', { bubbles: true }));
  el.dispatchEvent(new Event('change', { bubbles: true }));
  return { status: 'ok', value: el.value };
})(%s, %s)`

const scrollIntoViewScript = `(function(ref) {` + elementPrelude + `
  el.scrollIntoView({ block: 'center', inline: 'nearest' });
  return { status: 'ok' };
})(%s)`

// observeScript installs a MutationObserver that reports through the
// runtime binding. Argument: observer id.
const observeScript = `(function(id) {
  const registry = window.__pilotObservers || (window.__pilotObservers = {});
  if (registry[id]) return true;
  const obs = new MutationObserver((records) => {
    const relevant = records.some((r) => !(r.type === 'attributes' && r.attributeName === '` + refAttribute + `'));
    if (relevant && typeof window.` + mutationBinding + ` === 'function') window.` + mutationBinding + `(id);
  });
  obs.observe(document, { subtree: true, childList: true, attributes: true, characterData: true });
  registry[id] = obs;
  return true;
})(%s)`

const disconnectScript = `(function(id) {
  const registry = window.__pilotObservers || {};
  if (registry[id]) { registry[id].disconnect(); delete registry[id]; }
  return true;
})(%s)`
