package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/browser/dom"
	"github.com/xkilldash9x/webpilot/internal/llmclient"
)

const loginHTML = `<!DOCTYPE html>
<html><head><title>Sign in</title></head>
<body>
  <form method="post" action="/session">
    <label for="user">Username</label>
    <input id="user" name="username" type="text">
    <button type="submit">Submit</button>
  </form>
</body></html>`

const inertHTML = `<!DOCTYPE html>
<html><head><title>Dashboard</title></head>
<body>
  <h1>Dashboard</h1>
  <button type="button" id="refresh">Refresh</button>
</body></html>`

type loginServer struct {
	*httptest.Server
	mu        sync.Mutex
	submitted string
}

func newLoginServer(t *testing.T) *loginServer {
	t.Helper()
	ls := &loginServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, loginHTML)
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseForm()) {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		ls.mu.Lock()
		ls.submitted = r.PostForm.Get("username")
		ls.mu.Unlock()
		http.Redirect(w, r, "/welcome", http.StatusSeeOther)
	})
	mux.HandleFunc("/welcome", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Welcome</title></head><body><h1>Welcome back, alice</h1></body></html>`)
	})
	ls.Server = httptest.NewServer(mux)
	t.Cleanup(ls.Close)
	return ls
}

func (ls *loginServer) username() string {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.submitted
}

func TestRun_LoginEndToEnd(t *testing.T) {
	srv := newLoginServer(t)
	ctx := context.Background()
	page := dom.NewPage(zaptest.NewLogger(t), dom.WithHTTPClient(srv.Client()))
	require.NoError(t, page.Navigate(ctx, srv.URL+"/login"))

	client := newScriptedClient(
		func(req llmclient.Request) scriptStep {
			id := findID(lastPrompt(req), `label="Username"`)
			assert.NotEmpty(t, id, "username field missing from snapshot:\n%s", lastPrompt(req))
			return toolCall("fill", fmt.Sprintf(`{"target":%q,"value":"alice","description":"enter the username"}`, id))
		},
		func(req llmclient.Request) scriptStep {
			id := findID(lastPrompt(req), "button", `"Submit"`)
			assert.NotEmpty(t, id, "submit button missing from snapshot:\n%s", lastPrompt(req))
			return toolCall("click", fmt.Sprintf(`{"target":%q,"description":"submit the form"}`, id))
		},
		func(req llmclient.Request) scriptStep {
			assert.Contains(t, lastPrompt(req), "/welcome")
			return toolCall("complete", `{"description":"signed in as alice","summary":"welcome page shown"}`)
		},
	)

	a := New(testConfig(), page, client, zaptest.NewLogger(t))
	defer a.Close()
	res := a.Run(ctx, "submit the login form as alice")

	require.Equal(t, schemas.StatusCompleted, res.Status, "reason: %s", res.Reason)
	assert.Equal(t, "signed in as alice", res.Reason)
	require.Len(t, res.Outcomes, 3)
	assert.Equal(t, 3, res.Succeeded())
	assert.Equal(t, 3, res.Steps)
	assert.NotEmpty(t, res.RunID)

	fill, click, done := res.Outcomes[0], res.Outcomes[1], res.Outcomes[2]
	assert.Equal(t, schemas.ActionFill, fill.Action.Kind)
	assert.True(t, fill.StateChanged, "a verified fill changes the form digest")
	assert.Equal(t, schemas.ActionClick, click.Action.Kind)
	assert.True(t, click.StateChanged)
	assert.True(t, strings.HasSuffix(click.FingerprintAfter.URL, "/welcome"), "got %s", click.FingerprintAfter.URL)
	assert.Equal(t, schemas.ActionComplete, done.Action.Kind)

	assert.Equal(t, "alice", srv.username())
	assert.True(t, strings.HasSuffix(page.URL(), "/welcome"))

	assert.Len(t, client.requests[0].Tools, len(schemas.ActionKinds))
	assert.Nil(t, client.requests[0].Attachment)
}

func TestRun_SuccessBannerDoesNotBlockCompletion(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/profile", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Profile</title></head><body>
			<form method="post" action="/save"><button type="submit">Save</button></form>
		</body></html>`)
	})
	mux.HandleFunc("/save", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Profile</title></head><body>
			<div class="alert alert-success" role="alert">Profile saved successfully</div>
		</body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	page := dom.NewPage(zaptest.NewLogger(t), dom.WithHTTPClient(srv.Client()))
	require.NoError(t, page.Navigate(ctx, srv.URL+"/profile"))

	client := newScriptedClient(
		func(req llmclient.Request) scriptStep {
			id := findID(lastPrompt(req), "button", `"Save"`)
			assert.NotEmpty(t, id)
			return toolCall("click", fmt.Sprintf(`{"target":%q,"description":"save the profile"}`, id))
		},
		func(req llmclient.Request) scriptStep {
			assert.Contains(t, lastPrompt(req), "Profile saved successfully")
			assert.NotContains(t, lastPrompt(req), "visible errors")
			return toolCall("complete", `{"description":"profile saved"}`)
		},
	)

	a := New(testConfig(), page, client, zaptest.NewLogger(t))
	defer a.Close()
	res := a.Run(ctx, "save my profile")

	require.Equal(t, schemas.StatusCompleted, res.Status, "reason: %s", res.Reason)
	assert.Equal(t, "profile saved", res.Reason)
	require.Len(t, res.Outcomes, 2)
	for _, o := range res.Outcomes {
		assert.False(t, o.GuardOverride)
	}
}

func TestRun_GuardOverridesUnverifiedCompletion(t *testing.T) {
	page := newStaticPage(t, inertHTML)
	clickRefresh := func(req llmclient.Request) scriptStep {
		id := findID(lastPrompt(req), "button", `"Refresh"`)
		assert.NotEmpty(t, id)
		return toolCall("click", fmt.Sprintf(`{"target":%q,"description":"refresh the data"}`, id))
	}
	claimDone := func(llmclient.Request) scriptStep {
		return toolCall("complete", `{"description":"data refreshed"}`)
	}
	client := newScriptedClient(clickRefresh, claimDone, claimDone, claimDone)

	cfg := testConfig()
	cfg.Agent.MaxGuardDeferrals = 2
	a := New(cfg, page, client, zaptest.NewLogger(t))
	defer a.Close()
	res := a.Run(context.Background(), "refresh the dashboard")

	assert.Equal(t, schemas.StatusExhausted, res.Status)
	assert.Contains(t, res.Reason, "completion could not be verified")

	// click, then one forced wait per deferral.
	require.Len(t, res.Outcomes, 3)
	assert.Equal(t, schemas.ActionClick, res.Outcomes[0].Action.Kind)
	assert.False(t, res.Outcomes[0].StateChanged)
	for _, o := range res.Outcomes[1:] {
		assert.Equal(t, schemas.ActionWait, o.Action.Kind, "guard turns the claim into a wait")
		assert.True(t, o.GuardOverride)
		assert.True(t, o.Success)
	}

	assert.Contains(t, client.prompt(2), "completion claim rejected")
	assert.Contains(t, client.prompt(2), "[guard override]")
}

func TestRun_LoopAnnotatedBeforeFourthPlannerCall(t *testing.T) {
	page := newStaticPage(t, inertHTML)
	clickRefresh := func(req llmclient.Request) scriptStep {
		id := findID(lastPrompt(req), "button", `"Refresh"`)
		assert.NotEmpty(t, id)
		return toolCall("click", fmt.Sprintf(`{"target":%q,"description":"refresh"}`, id))
	}
	var fourth string
	client := newScriptedClient(clickRefresh, clickRefresh, clickRefresh,
		func(req llmclient.Request) scriptStep {
			fourth = lastPrompt(req)
			return scriptStep{err: fmt.Errorf("%w: stop here", llmclient.ErrTransport)}
		},
	)

	a := New(testConfig(), page, client, zaptest.NewLogger(t))
	defer a.Close()
	res := a.Run(context.Background(), "refresh the dashboard")

	assert.Equal(t, schemas.StatusTransportError, res.Status)
	assert.Equal(t, 4, client.calls())
	for i := 0; i < 3; i++ {
		assert.NotContains(t, client.prompt(i), "LOOP DETECTED", "call %d", i+1)
	}
	assert.Contains(t, fourth, "LOOP DETECTED")

	require.Len(t, res.Outcomes, 3)
	for _, o := range res.Outcomes {
		assert.True(t, o.LoopFlagged)
		assert.False(t, o.StateChanged)
		assert.NotEqual(t, res.Outcomes[0].Action.Target, "", "targets are fresh ids per snapshot")
	}
	assert.NotEqual(t, res.Outcomes[0].Action.Target, res.Outcomes[2].Action.Target,
		"ids differ across generations yet the loop is still recognized")
}

func TestRun_UnparseableReplyConsumesStepAndSteers(t *testing.T) {
	page := newStaticPage(t, inertHTML)
	client := newScriptedClient(
		func(llmclient.Request) scriptStep { return textReply("The dashboard looks fine to me.") },
		func(llmclient.Request) scriptStep {
			return textReply(`OK. <action>{"name":"complete","arguments":{"description":"dashboard is visible"}}</action>`)
		},
	)

	a := New(testConfig(), page, client, zaptest.NewLogger(t))
	defer a.Close()
	res := a.Run(context.Background(), "open the dashboard")

	assert.Equal(t, schemas.StatusCompleted, res.Status)
	assert.Equal(t, 2, res.Steps)
	require.Len(t, res.Outcomes, 1)
	assert.Contains(t, client.prompt(1), "no usable action")
}

func TestRun_TransportErrorIsTerminal(t *testing.T) {
	page := newStaticPage(t, inertHTML)
	client := newScriptedClient(func(llmclient.Request) scriptStep {
		return scriptStep{err: fmt.Errorf("%w: connection reset", llmclient.ErrTransport)}
	})

	a := New(testConfig(), page, client, zaptest.NewLogger(t))
	defer a.Close()
	res := a.Run(context.Background(), "anything")

	assert.Equal(t, schemas.StatusTransportError, res.Status)
	assert.Contains(t, res.Reason, "connection reset")
	assert.Empty(t, res.Outcomes)
}

func TestRun_BudgetExhaustion(t *testing.T) {
	page := newStaticPage(t, inertHTML)
	scroll := func(llmclient.Request) scriptStep {
		return toolCall("scroll", `{"direction":"down","description":"look around"}`)
	}
	client := newScriptedClient(scroll, scroll)

	cfg := testConfig()
	cfg.Agent.MaxSteps = 2
	a := New(cfg, page, client, zaptest.NewLogger(t))
	defer a.Close()
	res := a.Run(context.Background(), "find the footer")

	assert.Equal(t, schemas.StatusExhausted, res.Status)
	assert.Contains(t, res.Reason, "step budget of 2")
	assert.Len(t, res.Outcomes, 2)
}

func TestRun_CancelledContextAborts(t *testing.T) {
	page := newStaticPage(t, inertHTML)
	client := newScriptedClient()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := New(testConfig(), page, client, zaptest.NewLogger(t))
	defer a.Close()
	res := a.Run(ctx, "anything")

	assert.Equal(t, schemas.StatusAborted, res.Status)
	assert.NotEmpty(t, res.Reason)
	assert.Zero(t, client.calls())
}

// screenshotPage adds screenshots to the static page.
type screenshotPage struct {
	*dom.Page
}

func (screenshotPage) Screenshot(context.Context) ([]byte, error) {
	return []byte{0x89, 'P', 'N', 'G'}, nil
}

func TestRun_RetriesWithoutRejectedAttachment(t *testing.T) {
	page := screenshotPage{newStaticPage(t, inertHTML)}
	client := newScriptedClient(
		func(req llmclient.Request) scriptStep {
			require.NotNil(t, req.Attachment)
			return scriptStep{err: fmt.Errorf("%w: image/png not supported by this model", llmclient.ErrAttachmentRejected)}
		},
		func(req llmclient.Request) scriptStep {
			assert.Nil(t, req.Attachment)
			return toolCall("complete", `{"description":"dashboard open"}`)
		},
	)

	cfg := testConfig()
	cfg.Agent.AttachScreenshot = true
	a := New(cfg, page, client, zaptest.NewLogger(t))
	defer a.Close()
	res := a.Run(context.Background(), "open the dashboard")

	assert.Equal(t, schemas.StatusCompleted, res.Status, res.Reason)
	assert.Equal(t, 2, client.calls())
	assert.Equal(t, 1, res.Steps, "the retry is part of the same step")
}

func TestRun_GoalStackAndMilestones(t *testing.T) {
	page := newStaticPage(t, inertHTML)
	client := newScriptedClient(
		func(llmclient.Request) scriptStep {
			return toolCall("scroll", `{"direction":"down","description":"look","push_subgoal":"find the refresh control"}`)
		},
		func(req llmclient.Request) scriptStep {
			assert.Contains(t, lastPrompt(req), "CURRENT FOCUS: find the refresh control")
			return toolCall("wait", `{"ms":5,"description":"found it","subgoal_done":true}`)
		},
		func(req llmclient.Request) scriptStep {
			assert.Contains(t, lastPrompt(req), "step 2: find the refresh control")
			return toolCall("complete", `{"description":"done"}`)
		},
	)

	a := New(testConfig(), page, client, zaptest.NewLogger(t))
	defer a.Close()
	res := a.Run(context.Background(), "locate the refresh control")

	assert.Equal(t, schemas.StatusCompleted, res.Status)
	assert.Equal(t, []schemas.Milestone{{Label: "find the refresh control", StepIndex: 2}}, res.Milestones)
}

func TestRun_PublishesProgressEvents(t *testing.T) {
	page := newStaticPage(t, inertHTML)
	client := newScriptedClient(
		func(llmclient.Request) scriptStep { return toolCall("wait", `{"ms":1,"description":"settle"}`) },
		func(llmclient.Request) scriptStep { return toolCall("complete", `{"description":"done"}`) },
	)

	a := New(testConfig(), page, client, zaptest.NewLogger(t))
	events, unsubscribe := a.Events().Subscribe()
	defer unsubscribe()

	res := a.Run(context.Background(), "open the dashboard")
	a.Close()

	var got []schemas.EventType
	for ev := range events {
		assert.Equal(t, res.RunID, ev.RunID)
		got = append(got, ev.Type)
	}
	assert.Equal(t, []schemas.EventType{
		schemas.EventRunStarted,
		schemas.EventActionStarted,
		schemas.EventActionCompleted,
		schemas.EventActionCompleted,
		schemas.EventRunFinished,
	}, got)
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) RecordOutcome(ctx context.Context, runID string, o schemas.Outcome) error {
	return m.Called(ctx, runID, o).Error(0)
}

func (m *mockRecorder) RecordRun(ctx context.Context, r schemas.RunResult) error {
	return m.Called(ctx, r).Error(0)
}

func TestRun_RecorderFailuresAreNotFatal(t *testing.T) {
	page := newStaticPage(t, inertHTML)
	client := newScriptedClient(
		func(llmclient.Request) scriptStep { return toolCall("wait", `{"ms":1,"description":"settle"}`) },
		func(llmclient.Request) scriptStep { return toolCall("complete", `{"description":"done"}`) },
	)

	rec := new(mockRecorder)
	rec.On("RecordOutcome", mock.Anything, mock.AnythingOfType("string"), mock.AnythingOfType("schemas.Outcome")).
		Return(errors.New("database unavailable")).Twice()
	rec.On("RecordRun", mock.Anything, mock.MatchedBy(func(r schemas.RunResult) bool {
		return r.Status == schemas.StatusCompleted && len(r.Outcomes) == 2
	})).Return(nil).Once()

	a := New(testConfig(), page, client, zaptest.NewLogger(t), WithRecorder(rec))
	defer a.Close()
	res := a.Run(context.Background(), "open the dashboard")

	assert.Equal(t, schemas.StatusCompleted, res.Status)
	rec.AssertExpectations(t)
}
