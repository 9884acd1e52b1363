package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/webpilot/internal/config"
)

func TestPersonaFromConfig(t *testing.T) {
	_, ok := PersonaFromConfig(config.BrowserConfig{})
	assert.False(t, ok, "an empty config needs no overrides")

	p, ok := PersonaFromConfig(config.BrowserConfig{Languages: []string{"de-DE", "de", "en"}, Timezone: "Europe/Berlin"})
	assert.True(t, ok)
	assert.Equal(t, "de-DE", p.Locale, "locale falls back to the first language")
	assert.Equal(t, "de-DE,de;q=0.9,en;q=0.8", p.acceptLanguage())
}

func TestPersonaTasks(t *testing.T) {
	logger := zaptest.NewLogger(t)

	tests := []struct {
		name    string
		persona Persona
		want    int
	}{
		{"timezone only", Persona{Timezone: "UTC"}, 1},
		{"locale and timezone", Persona{Timezone: "UTC", Locale: "fr-FR"}, 2},
		{"full", Persona{UserAgent: "webpilot-test", Languages: []string{"en-US"}, Timezone: "UTC", Locale: "en-US"}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, tt.persona.Tasks(logger), tt.want)
		})
	}
}
