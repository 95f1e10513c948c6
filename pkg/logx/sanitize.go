package logx

import "regexp"

type maskRule struct {
	re   *regexp.Regexp
	repl string
}

// Order matters: key=value forms are masked before the bare token shapes.
//
//nolint:gochecknoglobals // compiled once
var maskRules = []maskRule{
	{regexp.MustCompile(`(?i)("?(?:api[_-]?key|secret|access[_-]?token|token|password|passwd|pwd)"?\s*[:=]\s*"?)([^"\s,;&]+)`), `${1}***`},
	{regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._\-]+`), `${1}***`},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{8,}`), `sk-***`},
	{regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`), `***@***`},
	{regexp.MustCompile(`\b\d{13,19}\b`), `****CARD****`},
	{regexp.MustCompile(`\b1[3-9]\d{9}\b`), `1**********`},
	{regexp.MustCompile(`\+?\d{1,3}[\s-]\d{3,4}[\s-]\d{3,4}[\s-]?\d{0,4}\b`), `***PHONE***`},
}

// Sanitize masks API keys, tokens, passwords, emails, phone and card numbers.
func Sanitize(s string) string {
	for _, rule := range maskRules {
		s = rule.re.ReplaceAllString(s, rule.repl)
	}
	return s
}
