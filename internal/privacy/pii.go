// Package privacy detects and masks personal data in request content.
package privacy

import (
	"context"
	"regexp"

	"github.com/ent0n29/tracerail/internal/routing"
)

// CategoryPII is the content filter category set by Detector.
const CategoryPII = "pii"

const (
	KindEmail = "email"
	KindCard  = "card"
	KindPhone = "phone"
)

type pattern struct {
	kind    string
	re      *regexp.Regexp
	replace string
}

// Card runs before phone so long digit runs are not reported as phone numbers.
var patterns = []pattern{
	{kind: KindEmail, re: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), replace: "[REDACTED_EMAIL]"},
	{kind: KindCard, re: regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), replace: "[REDACTED_CARD]"},
	{kind: KindPhone, re: regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), replace: "[REDACTED_PHONE]"},
}

// Redact masks email addresses, card numbers and phone numbers.
func Redact(input string) (redacted string, changed bool) {
	out := input
	for _, p := range patterns {
		next := p.re.ReplaceAllString(out, p.replace)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// Detect returns the kinds of personal data found in input, in pattern order.
func Detect(input string) []string {
	var kinds []string
	rest := input
	for _, p := range patterns {
		if p.re.MatchString(rest) {
			kinds = append(kinds, p.kind)
			rest = p.re.ReplaceAllString(rest, p.replace)
		}
	}
	return kinds
}

// Severity grades a detection: card numbers are high, anything else medium.
func Severity(kinds []string) string {
	if len(kinds) == 0 {
		return ""
	}
	for _, k := range kinds {
		if k == KindCard {
			return "high"
		}
	}
	return "medium"
}

// Detector flags content carrying personal data as the pii content filter
// category, so content_filter rules can route it without a model call.
type Detector struct{}

func (Detector) Enrich(_ context.Context, rc routing.Context) (routing.Context, error) {
	kinds := Detect(rc.Content)
	if len(kinds) == 0 {
		return rc, nil
	}
	if _, ok := rc.ContentFilter[CategoryPII]; ok {
		return rc, nil
	}
	out := rc.Clone()
	if out.ContentFilter == nil {
		out.ContentFilter = make(map[string]routing.FilterResult, 1)
	}
	out.ContentFilter[CategoryPII] = routing.FilterResult{Filtered: true, Severity: Severity(kinds)}
	return out, nil
}
