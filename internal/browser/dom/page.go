// internal/browser/dom/page.go
package dom

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/browser"
)

const (
	maxRedirects     = 10
	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) webpilot-static/1.0"
)

// Page is a pure Go implementation of browser.Page over a parsed HTML
// document. It has no script engine or layout: visibility comes from markup
// (hidden, inline style, input type) and clicks only have their native
// consequences (link navigation, form submission, checkbox and radio toggles).
type Page struct {
	logger *zap.Logger
	client *http.Client

	mu         sync.RWMutex
	doc        *html.Node
	currentURL *url.URL
	readyState string
	refs       map[browser.ElementRef]*html.Node
	refSeq     uint64

	obsMu     sync.Mutex
	observers map[uint64]chan struct{}
	obsSeq    uint64
}

var _ browser.Page = (*Page)(nil)

// Option configures a Page.
type Option func(*Page)

// WithHTTPClient replaces the default client. Redirects are always followed
// by the page itself so the final URL is tracked.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Page) { p.client = c }
}

// NewPage creates an empty page (about:blank).
func NewPage(logger *zap.Logger, opts ...Option) *Page {
	jar, _ := cookiejar.New(nil)
	p := &Page{
		logger:     logger.Named("dom"),
		client:     &http.Client{Jar: jar},
		readyState: browser.ReadyComplete,
		refs:       make(map[browser.ElementRef]*html.Node),
		observers:  make(map[uint64]chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	// Redirects are handled manually to track the final URL.
	client := *p.client
	client.Transport = newDecodingTransport(client.Transport)
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	p.client = &client

	doc, _ := html.Parse(strings.NewReader("<html><head></head><body></body></html>"))
	p.doc = doc
	p.currentURL, _ = url.Parse("about:blank")
	return p
}

// LoadHTML replaces the document with markup served from baseURL, as if it
// had been navigated to.
func (p *Page) LoadHTML(baseURL string, r io.Reader) error {
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	doc, err := htmlquery.Parse(r)
	if err != nil {
		return fmt.Errorf("failed to parse HTML: %w", err)
	}
	p.updateState(u, doc)
	return nil
}

// -- Navigation --

// Navigate loads a URL, resolving it against the current URL.
func (p *Page) Navigate(ctx context.Context, target string) error {
	resolved, err := p.resolveURL(target)
	if err != nil {
		return fmt.Errorf("failed to resolve URL '%s': %w", target, err)
	}
	p.logger.Debug("Navigating", zap.String("url", resolved.String()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolved.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request for '%s': %w", resolved, err)
	}
	return p.executeRequest(ctx, req)
}

func (p *Page) executeRequest(ctx context.Context, req *http.Request) error {
	p.setReadyState(browser.ReadyLoading)
	defer p.setReadyState(browser.ReadyComplete)

	current := req
	for i := 0; i < maxRedirects; i++ {
		p.prepareRequestHeaders(current)
		resp, err := p.client.Do(current)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			next, err := p.redirectRequest(ctx, resp, current)
			resp.Body.Close()
			if err != nil {
				return fmt.Errorf("failed to handle redirect: %w", err)
			}
			current = next
			continue
		}
		return p.processResponse(resp)
	}
	return fmt.Errorf("maximum number of redirects (%d) exceeded", maxRedirects)
}

func (p *Page) redirectRequest(ctx context.Context, resp *http.Response, orig *http.Request) (*http.Request, error) {
	location := resp.Header.Get("Location")
	if location == "" {
		return nil, fmt.Errorf("redirect response missing Location header")
	}
	next, err := orig.URL.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redirect Location '%s': %w", location, err)
	}

	method := orig.Method
	var body io.ReadCloser
	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther:
		if method != http.MethodHead {
			method = http.MethodGet
		}
	default:
		if orig.GetBody != nil {
			if body, err = orig.GetBody(); err != nil {
				return nil, fmt.Errorf("failed to get body for redirect reuse: %w", err)
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, next.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Referer", orig.URL.String())
	return req, nil
}

func (p *Page) processResponse(resp *http.Response) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		p.logger.Warn("Request resulted in error status code", zap.Int("status", resp.StatusCode), zap.String("url", resp.Request.URL.String()))
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if contentType != "" && !strings.Contains(contentType, "html") {
		p.logger.Debug("Response is not HTML, rendering empty document.", zap.String("content_type", contentType))
		doc, _ := html.Parse(strings.NewReader("<html><head></head><body></body></html>"))
		p.updateState(resp.Request.URL, doc)
		return nil
	}

	doc, err := htmlquery.Parse(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to parse HTML response from '%s': %w", resp.Request.URL, err)
	}
	p.updateState(resp.Request.URL, doc)
	return nil
}

// updateState swaps in a new document. Every reference into the old one
// becomes detached.
func (p *Page) updateState(u *url.URL, doc *html.Node) {
	p.mu.Lock()
	p.currentURL = u
	p.doc = doc
	p.refs = make(map[browser.ElementRef]*html.Node)
	p.mu.Unlock()
	p.notify()
}

func (p *Page) resolveURL(target string) (*url.URL, error) {
	p.mu.RLock()
	current := p.currentURL
	p.mu.RUnlock()

	parsed, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	if parsed.IsAbs() {
		return parsed, nil
	}
	if current == nil || current.Scheme == "about" {
		return nil, fmt.Errorf("cannot resolve relative URL '%s' without a base URL", target)
	}
	return current.ResolveReference(parsed), nil
}

func (p *Page) prepareRequestHeaders(req *http.Request) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", defaultUserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	if req.Header.Get("Referer") == "" {
		if cur := p.URL(); cur != "" && !strings.HasPrefix(cur, "about:") {
			req.Header.Set("Referer", cur)
		}
	}
}

// URL returns the current document URL.
func (p *Page) URL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.currentURL == nil {
		return ""
	}
	return p.currentURL.String()
}

// HTML serializes the current document.
func (p *Page) HTML() (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var buf bytes.Buffer
	if err := html.Render(&buf, p.doc); err != nil {
		return "", fmt.Errorf("failed to render DOM: %w", err)
	}
	return buf.String(), nil
}

func (p *Page) setReadyState(state string) {
	p.mu.Lock()
	changed := p.readyState != state
	p.readyState = state
	p.mu.Unlock()
	if changed {
		p.notify()
	}
}

// ReadyState mirrors document.readyState.
func (p *Page) ReadyState(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readyState, nil
}

// -- Capture --

// Capture converts the document into a RawNode tree rooted at <html>.
func (p *Page) Capture(ctx context.Context, maxDepth int) (*browser.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	doc := &browser.Document{
		URL:        p.currentURL.String(),
		ReadyState: p.readyState,
	}
	if title := htmlquery.FindOne(p.doc, "//title"); title != nil {
		doc.Title = strings.TrimSpace(htmlquery.InnerText(title))
	}

	rootEl := documentElement(p.doc)
	if rootEl == nil {
		return doc, nil
	}
	doc.Root = convert(rootEl, true, 0, maxDepth)
	doc.Root.LinkParents()
	return doc, nil
}

func convert(n *html.Node, parentVisible bool, depth, maxDepth int) *browser.RawNode {
	raw := &browser.RawNode{
		Kind:    browser.ElementNode,
		Tag:     strings.ToLower(n.Data),
		Attrs:   make(map[string]string, len(n.Attr)),
		Visible: parentVisible && selfVisible(n),
		Key:     nodeKey(n),
	}
	for _, a := range n.Attr {
		if utf8.ValidString(a.Val) {
			raw.Attrs[strings.ToLower(a.Key)] = a.Val
		}
	}
	raw.Value = liveValue(n)
	raw.Checked = hasAttr(n, "checked") || (raw.Tag == "option" && hasAttr(n, "selected"))

	if depth >= maxDepth {
		return raw
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.ElementNode:
			raw.Children = append(raw.Children, convert(c, raw.Visible, depth+1, maxDepth))
		case html.TextNode:
			if strings.TrimSpace(c.Data) == "" {
				continue
			}
			raw.Children = append(raw.Children, &browser.RawNode{
				Kind:    browser.TextNode,
				Text:    c.Data,
				Visible: raw.Visible,
			})
		}
	}
	return raw
}

// -- Matching --

// Match evaluates a CSS or XPath locator against the document and counts
// the visible results.
func (p *Page) Match(ctx context.Context, loc schemas.Locator) (browser.ElementRef, int, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var nodes []*html.Node
	switch loc.Syntax {
	case schemas.SyntaxXPath:
		found, err := htmlquery.QueryAll(p.doc, loc.Value)
		if err != nil {
			return "", 0, fmt.Errorf("invalid XPath '%s': %w", loc.Value, err)
		}
		nodes = found
	case schemas.SyntaxCSS, "":
		nodes = goquery.NewDocumentFromNode(p.doc).Find(loc.Value).Nodes
	default:
		return "", 0, fmt.Errorf("unsupported selector syntax %q", loc.Syntax)
	}

	var visible []*html.Node
	for _, n := range nodes {
		if n.Type == html.ElementNode && isRendered(n) {
			visible = append(visible, n)
		}
	}
	if len(visible) != 1 {
		return "", len(visible), nil
	}

	p.refSeq++
	ref := browser.ElementRef(fmt.Sprintf("ref-%d", p.refSeq))
	p.refs[ref] = visible[0]
	return ref, 1, nil
}

// lookup returns the live node behind ref. Callers hold p.mu.
func (p *Page) lookup(ref browser.ElementRef) (*html.Node, error) {
	n, ok := p.refs[ref]
	if !ok || !attached(n, p.doc) {
		return nil, fmt.Errorf("%w: %s", browser.ErrElementDetached, ref)
	}
	return n, nil
}

// -- Interaction --

// SetValue writes the value the way typing would, truncated at maxlength.
func (p *Page) SetValue(ctx context.Context, ref browser.ElementRef, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	n, err := p.lookup(ref)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	err = writeValue(n, value)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	// input, change and blur all surface as one mutation here.
	p.notify()
	return nil
}

func writeValue(n *html.Node, value string) error {
	if hasAttr(n, "disabled") || hasAttr(n, "readonly") {
		return fmt.Errorf("%w: <%s> is disabled or read-only", browser.ErrNotInteractable, n.Data)
	}
	switch strings.ToLower(n.Data) {
	case "input":
		switch strings.ToLower(attr(n, "type")) {
		case "checkbox", "radio", "submit", "button", "reset", "image", "file", "hidden":
			return fmt.Errorf("%w: input type %q does not take text", browser.ErrNotInteractable, attr(n, "type"))
		}
		setAttr(n, "value", truncateToMaxLength(n, value))
	case "textarea":
		replaceChildrenWithText(n, truncateToMaxLength(n, value))
	default:
		if isContentEditable(n) {
			replaceChildrenWithText(n, value)
			return nil
		}
		return fmt.Errorf("%w: <%s> is not editable", browser.ErrNotInteractable, n.Data)
	}
	return nil
}

// ReadValue reads the live value of a form control or editable element.
func (p *Page) ReadValue(ctx context.Context, ref browser.ElementRef) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	n, err := p.lookup(ref)
	if err != nil {
		return "", err
	}
	return liveValue(n), nil
}

// Click applies the native consequence of clicking the element.
func (p *Page) Click(ctx context.Context, ref browser.ElementRef) error {
	p.mu.Lock()
	n, err := p.lookup(ref)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if hasAttr(n, "disabled") {
		p.mu.Unlock()
		return fmt.Errorf("%w: <%s> is disabled", browser.ErrNotInteractable, n.Data)
	}

	// A label forwards its click to the control it names.
	if strings.EqualFold(n.Data, "label") {
		if target := labelTarget(p.doc, n); target != nil {
			n = target
		}
	}

	tag := strings.ToLower(n.Data)
	inputType := strings.ToLower(attr(n, "type"))

	if href := attr(n, "href"); tag == "a" && href != "" && !strings.HasPrefix(strings.ToLower(href), "javascript:") {
		p.mu.Unlock()
		return p.Navigate(ctx, href)
	}

	isSubmit := (tag == "button" && (inputType == "submit" || inputType == "")) ||
		(tag == "input" && (inputType == "submit" || inputType == "image"))
	if isSubmit {
		if form := findParentForm(n); form != nil {
			req, err := p.buildSubmission(ctx, form, n)
			p.mu.Unlock()
			if err != nil {
				return err
			}
			return p.executeRequest(ctx, req)
		}
	}

	changed := false
	if tag == "input" {
		switch inputType {
		case "checkbox":
			if hasAttr(n, "checked") {
				removeAttr(n, "checked")
			} else {
				setAttr(n, "checked", "checked")
			}
			changed = true
		case "radio":
			selectRadio(n)
			changed = true
		}
	}
	p.mu.Unlock()

	if changed {
		p.notify()
	} else {
		p.logger.Debug("Click has no native consequence without a script engine", zap.String("tag", tag))
	}
	return nil
}

// SelectOption selects the option whose value or visible text equals value.
func (p *Page) SelectOption(ctx context.Context, ref browser.ElementRef, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	n, err := p.lookup(ref)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if !strings.EqualFold(n.Data, "select") {
		p.mu.Unlock()
		return fmt.Errorf("%w: <%s> is not a select element", browser.ErrNotInteractable, n.Data)
	}

	options := htmlquery.Find(n, ".//option")
	var chosen *html.Node
	for _, opt := range options {
		if optionValue(opt) == value {
			chosen = opt
			break
		}
	}
	if chosen == nil {
		for _, opt := range options {
			if strings.EqualFold(strings.TrimSpace(htmlquery.InnerText(opt)), strings.TrimSpace(value)) {
				chosen = opt
				break
			}
		}
	}
	if chosen == nil {
		p.mu.Unlock()
		return fmt.Errorf("option '%s' not found in select element", value)
	}
	for _, opt := range options {
		if opt == chosen {
			setAttr(opt, "selected", "selected")
		} else {
			removeAttr(opt, "selected")
		}
	}
	p.mu.Unlock()
	p.notify()
	return nil
}

// ScrollIntoView only validates the reference; there is no viewport.
func (p *Page) ScrollIntoView(ctx context.Context, ref browser.ElementRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, err := p.lookup(ref)
	return err
}

// ScrollBy is a no-op without a layout engine.
func (p *Page) ScrollBy(ctx context.Context, dy int) error {
	p.logger.Debug("ScrollBy ignored by the static page", zap.Int("dy", dy))
	return ctx.Err()
}

// Screenshot is unsupported.
func (p *Page) Screenshot(context.Context) ([]byte, error) {
	return nil, browser.ErrUnsupported
}

// -- Mutation observation --

// ObserveMutations delivers a signal after every change this page makes to
// its document or ready state.
func (p *Page) ObserveMutations(ctx context.Context) (<-chan struct{}, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	p.obsMu.Lock()
	p.obsSeq++
	id := p.obsSeq
	ch := make(chan struct{}, 1)
	p.observers[id] = ch
	p.obsMu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			p.obsMu.Lock()
			delete(p.observers, id)
			p.obsMu.Unlock()
		})
	}
	return ch, stop, nil
}

// ObserverCount reports live registrations.
func (p *Page) ObserverCount() int {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	return len(p.observers)
}

// Touch signals a mutation to observers without changing the document, the
// way an animation or a timer-driven repaint would.
func (p *Page) Touch() { p.notify() }

func (p *Page) notify() {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	for _, ch := range p.observers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// -- Form submission --

// buildSubmission serializes form as a browser would for a click on submitter.
// Callers hold p.mu.
func (p *Page) buildSubmission(ctx context.Context, form, submitter *html.Node) (*http.Request, error) {
	method := strings.ToUpper(attr(form, "method"))
	if method != http.MethodPost {
		method = http.MethodGet
	}

	base := p.currentURL
	target := base
	if action := attr(form, "action"); action != "" {
		parsed, err := url.Parse(action)
		if err != nil {
			return nil, fmt.Errorf("invalid form action '%s': %w", action, err)
		}
		target = base.ResolveReference(parsed)
	}
	if target == nil || target.Scheme == "about" {
		return nil, fmt.Errorf("failed to determine form submission URL")
	}

	formData := url.Values{}
	for _, field := range htmlquery.Find(form, ".//input | .//textarea | .//select | .//button") {
		name := attr(field, "name")
		if name == "" || hasAttr(field, "disabled") {
			continue
		}
		tag := strings.ToLower(field.Data)
		fieldType := strings.ToLower(attr(field, "type"))

		switch tag {
		case "input":
			switch fieldType {
			case "checkbox", "radio":
				if hasAttr(field, "checked") {
					v := attr(field, "value")
					if v == "" {
						v = "on"
					}
					formData.Add(name, v)
				}
			case "submit", "image":
				if field == submitter {
					formData.Add(name, attr(field, "value"))
				}
			case "button", "reset", "file":
			default:
				formData.Add(name, attr(field, "value"))
			}
		case "button":
			if field == submitter {
				formData.Add(name, attr(field, "value"))
			}
		case "textarea":
			formData.Add(name, htmlquery.InnerText(field))
		case "select":
			formData.Add(name, liveValue(field))
		}
	}

	var req *http.Request
	var err error
	if method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, method, target.String(), strings.NewReader(formData.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		u := *target
		u.RawQuery = formData.Encode()
		req, err = http.NewRequestWithContext(ctx, method, u.String(), nil)
		if err != nil {
			return nil, err
		}
	}
	req.Header.Set("Referer", base.String())
	return req, nil
}
