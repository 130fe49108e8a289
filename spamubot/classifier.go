package spamubot

import (
	"regexp"
	"strings"
)

// Intent is a recognized support topic
type Intent string

const (
	IntentNone       Intent = ""
	IntentDisconnect Intent = "disconnect"
	IntentTheme      Intent = "theme"
)

func (i Intent) String() string {
	if i == IntentNone {
		return "none"
	}
	return string(i)
}

// themePairs maps each theme verb to the objects it combines with
var themePairs = []struct{ verb, objects string }{
	{`replace`, `(?:wallpaper|assets?|themes?|icon)`},
	{`(?:create|make)`, `(?:themes?|custom themes|cfw)`},
}

var (
	// "ok to disconnect", optionally prefixed with "stuck"/"stuck at",
	// optionally quoted
	patternDisconnect = regexp.MustCompile(
		`(?i)(stuck(?: at)?\s*)?["']?(ok|okay)\s+to\s+disconnect["']?`,
	)

	patternTheme = regexp.MustCompile(`(?i)` + themeAlternation())
)

// themeAlternation matches a verb and one of its objects, in either order
func themeAlternation() string {
	var alts []string
	for _, p := range themePairs {
		alts = append(
			alts,
			p.verb+`.*`+p.objects,
			p.objects+`.*`+p.verb,
		)
	}
	return strings.Join(alts, "|")
}

// intentPatterns is evaluated in order, the first match wins
var intentPatterns = []struct {
	intent  Intent
	pattern *regexp.Regexp
}{
	{IntentDisconnect, patternDisconnect},
	{IntentTheme, patternTheme},
}

// Classify returns the support intent for the given message content,
// or IntentNone.
func Classify(content string) Intent {
	content = strings.ToLower(content)
	for _, p := range intentPatterns {
		if p.pattern.MatchString(content) {
			return p.intent
		}
	}
	return IntentNone
}
