// Package redact strips sensitive spans from text before it is stored
// or shipped anywhere. Each match is replaced with a typed sentinel of
// the form [REDACTED:<label>].
package redact

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
)

// Pattern is a caller-supplied redaction rule: a regular expression and
// the label used in its sentinel.
type Pattern struct {
	Regex string
	Label string
}

// Redactor applies the built-in layers followed by any custom patterns.
// It holds no state between calls and is safe for concurrent use.
type Redactor struct {
	custom []customRule
}

type customRule struct {
	re       *regexp.Regexp
	sentinel string
}

// Built-in layers, in application order. Credit cards go first so that
// spaced card numbers are consumed before the phone layer can see them;
// custom patterns always run last.
var (
	creditCardRE = regexp.MustCompile(`\b\d{4}[\s\-]?\d{4}[\s\-]?\d{4}[\s\-]?\d{1,7}\b`)
	apiKeyRE     = regexp.MustCompile(`\b(?:sk-[A-Za-z0-9]{20,}|AKIA[A-Z0-9]{16}|gh[prso]_[A-Za-z0-9]{36,}|xox[bp]-[A-Za-z0-9\-]{10,})\b`)
	emailRE      = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phoneRE      = regexp.MustCompile(`(?:\+\d{1,3}[\s\-]?)?(?:\(\d{2,4}\)|\d{2,4})[\s\-]\d{3,4}[\s\-]\d{3,4}`)
	ipv4RE       = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	ipv6RE       = regexp.MustCompile(`(?:[0-9A-Fa-f]{0,4}:){2,}[0-9A-Fa-f]{0,4}`)
)

// New builds a redactor. Custom patterns are compiled here so that a
// bad expression fails construction instead of the first Redact call.
func New(custom ...Pattern) (*Redactor, error) {
	r := &Redactor{}
	for _, p := range custom {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("compile custom pattern %q: %w", p.Regex, err)
		}
		r.custom = append(r.custom, customRule{
			re:       re,
			sentinel: "[REDACTED:" + p.Label + "]",
		})
	}
	return r, nil
}

// Redact replaces every sensitive span in text with its sentinel.
func (r *Redactor) Redact(text string) string {
	if text == "" {
		return ""
	}
	text = redactCreditCards(text)
	text = apiKeyRE.ReplaceAllString(text, "[REDACTED:api_key]")
	text = emailRE.ReplaceAllString(text, "[REDACTED:email]")
	text = redactPhones(text)
	text = redactIPv4(text)
	text = redactIPv6(text)
	for _, c := range r.custom {
		text = c.re.ReplaceAllString(text, c.sentinel)
	}
	return text
}

var defaultRedactor = &Redactor{}

// String runs the default pipeline, with no custom patterns, over text.
func String(text string) string {
	return defaultRedactor.Redact(text)
}

// redactCreditCards replaces candidate card numbers that have 13 to 19
// digits and pass the Luhn check. Failing candidates stay intact so the
// phone layer can still consider them.
func redactCreditCards(text string) string {
	return creditCardRE.ReplaceAllStringFunc(text, func(match string) string {
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, match)
		if len(digits) < 13 || len(digits) > 19 || !luhnValid(digits) {
			return match
		}
		return "[REDACTED:credit_card]"
	})
}

// luhnValid runs the mod-10 checksum over a digit string.
func luhnValid(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// redactPhones applies the phone pattern with digit guards on both
// sides, so a match embedded in a longer digit run is skipped.
func redactPhones(text string) string {
	locs := phoneRE.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		if start > 0 && isDigit(text[start-1]) {
			continue
		}
		if end < len(text) && isDigit(text[end]) {
			continue
		}
		b.WriteString(text[last:start])
		b.WriteString("[REDACTED:phone]")
		last = end
	}
	b.WriteString(text[last:])
	return b.String()
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// redactIPv4 validates each dotted quad per octet; 999.999.999.999 is
// not an address and stays intact.
func redactIPv4(text string) string {
	return ipv4RE.ReplaceAllStringFunc(text, func(match string) string {
		for _, octet := range strings.Split(match, ".") {
			n, err := strconv.Atoi(octet)
			if err != nil || n > 255 {
				return match
			}
		}
		return "[REDACTED:ip_address]"
	})
}

// redactIPv6 funnels colon-delimited hex candidates through the
// standard parser, which accepts compressed forms such as ::1 and
// rejects timestamps and MAC-style runs.
func redactIPv6(text string) string {
	return ipv6RE.ReplaceAllStringFunc(text, func(match string) string {
		addr, err := netip.ParseAddr(match)
		if err != nil || !addr.Is6() {
			return match
		}
		return "[REDACTED:ip_address]"
	})
}
