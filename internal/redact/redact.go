// Package redact applies shape-preserving PII masking to customer-support
// text. Redaction is pure and deterministic: the same input with the same
// enabled-rule set always produces byte-identical output, and redacting
// already-redacted text is a no-op. Masks reduce specificity but keep a
// positional marker so downstream text structure stays diagnosable.
package redact

import (
	"sort"
	"strings"
)

// Rules selects which PII categories are redacted.
type Rules struct {
	Email   bool `json:"email"`
	Phone   bool `json:"phone"`
	Address bool `json:"address"`
}

// AllRules enables every PII category.
func AllRules() Rules {
	return Rules{Email: true, Phone: true, Address: true}
}

func (r Rules) enabled(c Category) bool {
	switch c {
	case CategoryEmail:
		return r.Email
	case CategoryPhone:
		return r.Phone
	case CategoryAddress:
		return r.Address
	}
	return false
}

type match struct {
	start int
	end   int
	mask  maskStrategy
	cat   Category
}

// Apply redacts the enabled PII categories in text. Patterns are applied in
// their fixed embedded order; overlapping matches are merged with the
// earlier (then longer) match winning.
func Apply(text string, rules Rules) string {
	var found []match
	for _, p := range defaultPatterns {
		if !rules.enabled(p.Entity) {
			continue
		}
		for _, loc := range p.Pattern.FindAllStringIndex(text, -1) {
			found = append(found, match{start: loc[0], end: loc[1], mask: p.Mask, cat: p.Entity})
		}
	}
	if len(found) == 0 {
		return text
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].start != found[j].start {
			return found[i].start < found[j].start
		}
		return found[i].end-found[i].start > found[j].end-found[j].start
	})

	var merged []match
	for _, m := range found {
		if len(merged) > 0 && m.start < merged[len(merged)-1].end {
			continue
		}
		merged = append(merged, m)
	}

	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, m := range merged {
		b.WriteString(text[prev:m.start])
		b.WriteString(maskValue(text[m.start:m.end], m.mask, m.cat))
		prev = m.end
	}
	b.WriteString(text[prev:])
	return b.String()
}

// maskValue reduces the specificity of a matched value per its strategy.
func maskValue(value string, strategy maskStrategy, cat Category) string {
	switch strategy {
	case maskShape:
		return maskShapeValue(value)
	case maskDigits:
		return maskDigitsValue(value)
	case maskPlaceholder:
		return "[" + strings.ToUpper(string(cat)) + "]"
	}
	return value
}

// maskShapeValue masks an email-shaped value: first character of the local
// part and the terminal domain suffix survive ("jane.doe@example.com" →
// "j***@***.com"). The masked form no longer matches the email recognizer,
// which makes redaction idempotent.
func maskShapeValue(value string) string {
	at := strings.LastIndex(value, "@")
	if at <= 0 {
		return "***"
	}
	local := value[:at]
	domain := value[at+1:]

	first, _ := firstRune(local)
	maskedLocal := first + "***"

	dot := strings.LastIndex(domain, ".")
	suffix := ""
	if dot >= 0 {
		suffix = domain[dot:]
	}
	return maskedLocal + "@***" + suffix
}

// maskDigitsValue masks all digits except the trailing two, preserving
// separators and a leading '+' so length and shape stay recognizable.
func maskDigitsValue(value string) string {
	digitsSeen := 0
	for _, ch := range value {
		if ch >= '0' && ch <= '9' {
			digitsSeen++
		}
	}
	keepFrom := digitsSeen - 2

	var b strings.Builder
	b.Grow(len(value))
	seen := 0
	for _, ch := range value {
		if ch >= '0' && ch <= '9' {
			if seen >= keepFrom {
				b.WriteRune(ch)
			} else {
				b.WriteByte('*')
			}
			seen++
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func firstRune(s string) (string, bool) {
	for _, r := range s {
		return string(r), true
	}
	return "", false
}
