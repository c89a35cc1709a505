package llm

import (
	"regexp"
	"strings"
)

// thinkBlockRe matches reasoning-trace markup that chain-of-thought models
// emit around their internal deliberation.
var thinkBlockRe = regexp.MustCompile(`(?s)<(think|thinking|reasoning)>.*?</(think|thinking|reasoning)>`)

// CleanAnswer strips reasoning-trace markup from a generated answer before
// persistence, returning the cleaned text and the extracted trace (empty
// when the answer carried none).
func CleanAnswer(raw string) (answer, trace string) {
	matches := thinkBlockRe.FindAllString(raw, -1)
	if len(matches) == 0 {
		return strings.TrimSpace(raw), ""
	}

	var traces []string
	for _, m := range matches {
		inner := m
		if open := strings.Index(inner, ">"); open >= 0 {
			inner = inner[open+1:]
		}
		if close := strings.LastIndex(inner, "</"); close >= 0 {
			inner = inner[:close]
		}
		traces = append(traces, strings.TrimSpace(inner))
	}

	cleaned := thinkBlockRe.ReplaceAllString(raw, "")
	return strings.TrimSpace(cleaned), strings.Join(traces, "\n")
}
