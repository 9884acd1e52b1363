package schemas

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActionKindIsInteractive(t *testing.T) {
	interactive := map[ActionKind]bool{
		ActionNavigate: true,
		ActionFill:     true,
		ActionClick:    true,
		ActionSelect:   true,
	}
	for _, k := range ActionKinds {
		assert.Equal(t, interactive[k], k.IsInteractive(), "kind %s", k)
	}
	assert.False(t, ActionKind("hover").IsInteractive())
}

func TestActionSignature(t *testing.T) {
	a := Action{Kind: ActionClick, Target: "e4", Description: "press submit"}
	b := Action{Kind: ActionClick, Target: "e4", Description: "try submit again"}
	assert.Equal(t, a.Signature(), b.Signature(), "targeted actions compare by target")

	c := Action{Kind: ActionScroll, Description: "look further down"}
	d := Action{Kind: ActionScroll, Description: "look up"}
	assert.NotEqual(t, c.Signature(), d.Signature())
}

func TestActionValueOr(t *testing.T) {
	assert.Equal(t, "def", Action{}.ValueOr("def"))
	assert.Equal(t, "", Action{Value: StringPtr("")}.ValueOr("def"))
	assert.Equal(t, `fill(e1) value="" - clear`, Action{Kind: ActionFill, Target: "e1", Value: StringPtr(""), Description: "clear"}.String())
}

func TestRunResultSucceeded(t *testing.T) {
	r := RunResult{Outcomes: []Outcome{{Success: true}, {Success: false}, {Success: true}}}
	assert.Equal(t, 2, r.Succeeded())
}

func TestFingerprintIsZero(t *testing.T) {
	assert.True(t, Fingerprint{}.IsZero())
	assert.False(t, Fingerprint{URL: "about:blank"}.IsZero())
}

func TestOutcomeSignaturePrefersLocator(t *testing.T) {
	first := Outcome{Action: Action{Kind: ActionClick, Target: "e3"}, TargetLocator: "id:#submit"}
	second := Outcome{Action: Action{Kind: ActionClick, Target: "e17"}, TargetLocator: "id:#submit"}
	assert.Equal(t, first.Signature(), second.Signature())

	untargeted := Outcome{Action: Action{Kind: ActionWait, Description: "let it load"}}
	assert.Equal(t, untargeted.Action.Signature(), untargeted.Signature())
}
