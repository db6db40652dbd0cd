// Package extract implements the extractor bank: deterministic, pure-function,
// LLM-free metadata extraction from raw event text. Running any extractor on
// a Raw event transitions taint to Extracted and records the extractor name,
// per spec §4.3. Grounded on internal/context/summarize.go's pure-function
// style (no network or inference calls).
package extract

import (
	"regexp"
	"strings"

	"github.com/aegis-run/aegis/internal/kernel/types"
)

// Metadata is the structured output of running the extractor bank over raw
// text. The planner sees only this, never the raw payload, for non-owner
// principals.
type Metadata struct {
	Intent         *string
	Entities       []string
	DatesMentioned []string
	Extra          map[string]string
	IsGreeting     bool
}

// Extractor is one pure-function metadata deriver.
type Extractor interface {
	Name() string
	Extract(rawText string) Metadata
}

var greetingPattern = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|good morning|good evening|what's up|sup)\b`)
var datePattern = regexp.MustCompile(`(?i)\b(monday|tuesday|wednesday|thursday|friday|saturday|sunday|today|tomorrow|next week)\b`)

// KeywordExtractor is the default, deterministic bank member: greeting
// detection, a closed keyword-to-intent map, and a weekday/relative-date
// scanner. It never calls an LLM.
type KeywordExtractor struct{}

func (KeywordExtractor) Name() string { return "keyword" }

func (KeywordExtractor) Extract(rawText string) Metadata {
	md := Metadata{Extra: map[string]string{}}

	trimmed := strings.TrimSpace(rawText)
	md.IsGreeting = greetingPattern.MatchString(trimmed) && len(strings.Fields(trimmed)) <= 6

	lower := strings.ToLower(trimmed)
	switch {
	case strings.Contains(lower, "email") || strings.Contains(lower, "inbox"):
		intent := "check_email"
		md.Intent = &intent
	case strings.Contains(lower, "schedule") || strings.Contains(lower, "meeting") || strings.Contains(lower, "calendar"):
		intent := "schedule_event"
		md.Intent = &intent
	case strings.Contains(lower, "remind"):
		intent := "set_reminder"
		md.Intent = &intent
	}

	for _, m := range datePattern.FindAllString(trimmed, -1) {
		md.DatesMentioned = append(md.DatesMentioned, strings.ToLower(m))
	}

	return md
}

// Bank runs a sequence of extractors over an event's taint set, applying the
// Raw->Extracted transition and appending each extractor's name to
// touched_by (taint monotonicity, invariant I4).
type Bank struct {
	extractors []Extractor
}

// NewBank builds an extractor bank. With no arguments, a single
// KeywordExtractor is used.
func NewBank(extractors ...Extractor) *Bank {
	if len(extractors) == 0 {
		extractors = []Extractor{KeywordExtractor{}}
	}
	return &Bank{extractors: extractors}
}

// Run applies every extractor in order, returning the merged metadata and
// the taint set advanced per extractor run.
func (b *Bank) Run(rawText string, taint types.TaintSet) (Metadata, types.TaintSet) {
	merged := Metadata{Extra: map[string]string{}}
	for _, ex := range b.extractors {
		md := ex.Extract(rawText)
		if md.Intent != nil {
			merged.Intent = md.Intent
		}
		merged.Entities = append(merged.Entities, md.Entities...)
		merged.DatesMentioned = append(merged.DatesMentioned, md.DatesMentioned...)
		for k, v := range md.Extra {
			merged.Extra[k] = v
		}
		if md.IsGreeting {
			merged.IsGreeting = true
		}
		taint = taint.RaiseTo(types.TaintExtracted, ex.Name())
	}
	return merged, taint
}
