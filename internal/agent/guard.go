package agent

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/browser/snapshot"
)

// goalAcceptsErrors lists goal words under which a visible error is the
// expected end state.
var goalAcceptsErrors = []string{"error", "invalid", "fail", "warning"}

// Verdict is the guard's decision on a completion claim.
type Verdict struct {
	Accept bool
	Reason string
}

// CompletionGuard vetoes completion claims that lack evidence in the page.
type CompletionGuard struct{}

// Check accepts a claim only if the most recent interactive step changed the
// fingerprint and the page shows no error indicator the goal does not expect.
func (CompletionGuard) Check(goal string, snap *snapshot.Snapshot, outcomes []schemas.Outcome) Verdict {
	if last, ok := lastInteractive(outcomes); ok && snap != nil {
		if last.FingerprintBefore == snap.Fingerprint {
			return Verdict{Reason: fmt.Sprintf("no observable change since step %d (%s)", last.Step, last.Action.Kind)}
		}
	}

	if snap != nil && len(snap.Indicators) > 0 && !expectsError(goal) {
		return Verdict{Reason: fmt.Sprintf("page shows an error indicator: %q", snap.Indicators[0])}
	}
	return Verdict{Accept: true}
}

func lastInteractive(outcomes []schemas.Outcome) (schemas.Outcome, bool) {
	for i := len(outcomes) - 1; i >= 0; i-- {
		if outcomes[i].Action.Kind.IsInteractive() {
			return outcomes[i], true
		}
	}
	return schemas.Outcome{}, false
}

func expectsError(goal string) bool {
	g := strings.ToLower(goal)
	for _, w := range goalAcceptsErrors {
		if strings.Contains(g, w) {
			return true
		}
	}
	return false
}
