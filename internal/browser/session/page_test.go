// internal/browser/session/page_test.go
package session

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/browser"
	"github.com/xkilldash9x/webpilot/internal/config"
)

const fixtureHTML = `<!DOCTYPE html>
<html><head><title>Fixture</title></head>
<body>
  <form id="signup">
    <label for="email">Email</label><input id="email" name="email" maxlength="12">
    <input type="checkbox" id="terms" name="terms">
    <select id="plan"><option value="free">Free</option><option value="pro">Pro</option></select>
    <button type="button" id="go" onclick="document.getElementById('out').textContent = 'clicked ' + (++window.clicks)">Go</button>
  </form>
  <p id="out"></p>
  <div style="display:none"><button id="ghost">Ghost</button></div>
  <div id="doomed">bye</div>
  <script>window.clicks = 0;</script>
</body></html>`

func chromeAvailable() bool {
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "headless-shell"} {
		if _, err := exec.LookPath(name); err == nil {
			return true
		}
	}
	return false
}

func setupChrome(t *testing.T) (*Page, string) {
	t.Helper()
	if testing.Short() || !chromeAvailable() {
		t.Skip("Chrome not available; skipping browser integration test")
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, fixtureHTML)
	}))
	t.Cleanup(server.Close)

	cfg := config.NewDefaultConfig().Browser
	cfg.Headless = true
	page, closeFn, err := Launch(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(closeFn)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, page.Navigate(ctx, server.URL))
	return page, server.URL
}

func TestChromeCaptureAndMatch(t *testing.T) {
	page, _ := setupChrome(t)
	ctx := context.Background()

	doc, err := page.Capture(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, "Fixture", doc.Title)
	assert.Equal(t, browser.ReadyComplete, doc.ReadyState)
	require.NotNil(t, doc.Root)
	assert.Equal(t, "html", doc.Root.Tag)

	_, count, err := page.Match(ctx, schemas.Locator{Syntax: schemas.SyntaxCSS, Value: "#ghost"})
	require.NoError(t, err)
	assert.Zero(t, count, "hidden elements never match")

	_, count, err = page.Match(ctx, schemas.Locator{Syntax: schemas.SyntaxXPath, Value: "//button"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, _, err = page.Match(ctx, schemas.Locator{Syntax: schemas.SyntaxCSS, Value: "div[["})
	assert.Error(t, err)
}

func TestChromeElementOperations(t *testing.T) {
	page, _ := setupChrome(t)
	ctx := context.Background()

	email, _, err := page.Match(ctx, schemas.Locator{Syntax: schemas.SyntaxCSS, Value: "#email"})
	require.NoError(t, err)
	require.NoError(t, page.SetValue(ctx, email, "alice@example.test"))
	got, err := page.ReadValue(ctx, email)
	require.NoError(t, err)
	assert.Equal(t, "alice@exampl", got, "maxlength applies")

	plan, _, err := page.Match(ctx, schemas.Locator{Syntax: schemas.SyntaxCSS, Value: "#plan"})
	require.NoError(t, err)
	require.NoError(t, page.SelectOption(ctx, plan, "Pro"))
	got, err = page.ReadValue(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, "pro", got)

	button, _, err := page.Match(ctx, schemas.Locator{Syntax: schemas.SyntaxCSS, Value: "#go"})
	require.NoError(t, err)
	require.NoError(t, page.Click(ctx, button))
	doc, err := page.Capture(ctx, 50)
	require.NoError(t, err)
	assert.Contains(t, doc.Root.InnerText(), "clicked 1")

	doomed, _, err := page.Match(ctx, schemas.Locator{Syntax: schemas.SyntaxCSS, Value: "#doomed"})
	require.NoError(t, err)
	require.NoError(t, page.eval(ctx, "document.getElementById('doomed').remove(); true", nil))
	_, err = page.ReadValue(ctx, doomed)
	assert.ErrorIs(t, err, browser.ErrElementDetached)

	require.NoError(t, page.ScrollBy(ctx, 200))
	png, err := page.Screenshot(ctx)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
}

func TestChromeObserveMutations(t *testing.T) {
	page, _ := setupChrome(t)
	ctx := context.Background()

	events, stop, err := page.ObserveMutations(ctx)
	require.NoError(t, err)
	defer stop()

	// Tagging an element during Match is not page activity.
	_, _, err = page.Match(ctx, schemas.Locator{Syntax: schemas.SyntaxCSS, Value: "#out"})
	require.NoError(t, err)
	select {
	case <-events:
		t.Fatal("ref tagging must not be reported as a mutation")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, page.eval(ctx, "setTimeout(() => { document.getElementById('out').textContent = 'later'; }, 50); true", nil))
	select {
	case <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("expected a mutation from the page")
	}

	stop()
	stop()
}

func TestElementResultErrors(t *testing.T) {
	ref := browser.ElementRef("ref-1")
	assert.NoError(t, elementResult{Status: "ok"}.err(ref))
	assert.ErrorIs(t, elementResult{Status: "detached"}.err(ref), browser.ErrElementDetached)
	assert.ErrorIs(t, elementResult{Status: "not-interactable", Reason: "disabled"}.err(ref), browser.ErrNotInteractable)
	assert.Error(t, elementResult{Status: "exploded"}.err(ref))
}

func TestJSONEncodeQuotesForScripts(t *testing.T) {
	assert.Equal(t, `"a\"b"`, jsonEncode(`a"b`))
}
