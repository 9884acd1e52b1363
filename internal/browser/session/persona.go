package session

import (
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/config"
)

// Persona is the locale the tab presents to sites. Goals phrased in one
// language read better against pages rendered in the same one.
type Persona struct {
	UserAgent string
	Languages []string
	Timezone  string
	Locale    string
}

// PersonaFromConfig returns the persona described by cfg, or false when cfg
// asks for none of it.
func PersonaFromConfig(cfg config.BrowserConfig) (Persona, bool) {
	p := Persona{
		UserAgent: cfg.UserAgent,
		Languages: cfg.Languages,
		Timezone:  cfg.Timezone,
		Locale:    cfg.Locale,
	}
	if p.Locale == "" && len(p.Languages) > 0 {
		p.Locale = p.Languages[0]
	}
	return p, p.UserAgent != "" || len(p.Languages) > 0 || p.Timezone != "" || p.Locale != ""
}

// acceptLanguage renders Languages with descending q-values.
func (p Persona) acceptLanguage() string {
	parts := make([]string, 0, len(p.Languages))
	for i, lang := range p.Languages {
		if i == 0 {
			parts = append(parts, lang)
			continue
		}
		q := 1.0 - 0.1*float64(i)
		if q < 0.1 {
			q = 0.1
		}
		parts = append(parts, fmt.Sprintf("%s;q=%.1f", lang, q))
	}
	return strings.Join(parts, ",")
}

// Tasks returns the CDP overrides for p. Empty fields are left alone.
func (p Persona) Tasks(logger *zap.Logger) chromedp.Tasks {
	logger.Debug("Applying browser persona",
		zap.String("locale", p.Locale),
		zap.String("timezone", p.Timezone),
		zap.Strings("languages", p.Languages))

	var tasks chromedp.Tasks
	if p.UserAgent != "" {
		ua := emulation.SetUserAgentOverride(p.UserAgent)
		if len(p.Languages) > 0 {
			ua = ua.WithAcceptLanguage(p.acceptLanguage())
		}
		tasks = append(tasks, ua)
	}
	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	if p.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(p.Locale))
	}
	if len(p.Languages) > 0 {
		tasks = append(tasks, network.Enable(), network.SetExtraHTTPHeaders(network.Headers{
			"Accept-Language": p.acceptLanguage(),
		}))
	}
	return tasks
}
