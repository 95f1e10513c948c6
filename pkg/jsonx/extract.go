// Package jsonx pulls JSON out of LLM responses that mix prose, code fences and
// slightly malformed syntax.
//
// Strategies run in order until one candidate parses:
//
//  1. ```json fenced block
//  2. generic fenced block containing a brace
//  3. balanced-brace scan from the first '{' (string and escape aware)
//  4. substring from the first '{' to the last '}'
//  5. the same candidates after repair (Chinese quotes, bare keys, comments, trailing commas)
package jsonx

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrNoJSON is returned when no strategy yields a parseable value.
var ErrNoJSON = errors.New("no JSON value found in response")

//nolint:gochecknoglobals // compiled once
var (
	jsonFence    = regexp.MustCompile("(?s)```(?:json|JSON)\\s*\\n?(.*?)\\n?\\s*```")
	genericFence = regexp.MustCompile("(?s)```[A-Za-z0-9_-]*\\s*\\n?(.*?)```")
	bareKey      = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	trailing     = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractObject returns the first JSON object found in text.
func ExtractObject(text string) (map[string]any, error) {
	v, err := extract(text, '{')
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNoJSON
	}
	return obj, nil
}

// ExtractValue returns the first JSON object or array found in text, whichever
// opens first.
func ExtractValue(text string) (any, error) {
	obj := strings.IndexByte(text, '{')
	arr := strings.IndexByte(text, '[')
	if arr >= 0 && (obj < 0 || arr < obj) {
		if v, err := extract(text, '['); err == nil {
			return v, nil
		}
	}
	return extract(text, '{')
}

// Extract decodes the first JSON object in text into v.
func Extract(text string, v any) error {
	obj, err := ExtractObject(text)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return err //nolint:wrapcheck // marshaling a decoded map cannot fail in practice
	}
	return json.Unmarshal(raw, v) //nolint:wrapcheck // caller wraps with context
}

// ObjectOrFallback returns the parsed object, or a copy of fallback tagged with
// "fallback": true when extraction fails. The bool reports whether parsing succeeded.
func ObjectOrFallback(text string, fallback map[string]any) (map[string]any, bool) {
	if obj, err := ExtractObject(text); err == nil {
		return obj, true
	}
	return Fallback(fallback), false
}

// Fallback copies base and marks it as a fallback structure.
func Fallback(base map[string]any) map[string]any {
	out := make(map[string]any, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out["fallback"] = true
	return out
}

func extract(text string, open byte) (any, error) {
	cands := candidates(text, open)
	for _, c := range cands {
		if v, ok := parse(c); ok {
			return v, nil
		}
	}
	for _, c := range cands {
		if v, ok := parse(Repair(c)); ok {
			return v, nil
		}
	}
	return nil, ErrNoJSON
}

func parse(s string) (any, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	switch v.(type) {
	case map[string]any, []any:
		return v, true
	default:
		return nil, false
	}
}

func candidates(text string, open byte) []string {
	closeCh := byte('}')
	if open == '[' {
		closeCh = ']'
	}
	var out []string
	if m := jsonFence.FindStringSubmatch(text); m != nil {
		out = append(out, m[1])
	}
	for _, m := range genericFence.FindAllStringSubmatch(text, -1) {
		if strings.IndexByte(m[1], open) >= 0 {
			out = append(out, m[1])
		}
	}
	if start := strings.IndexByte(text, open); start >= 0 {
		out = append(out, balanced(text[start:]))
		if end := strings.LastIndexByte(text, closeCh); end > start {
			out = append(out, text[start:end+1])
		}
	}
	return out
}

// balanced returns the prefix of s (which starts with '{' or '[') up to its matching
// closer. Truncated input is closed with the missing brackets.
func balanced(s string) string {
	var stack []byte
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			if len(stack) == 0 {
				return s[:i+1]
			}
		}
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(s, " \t\r\n,"))
	if inString {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}

// Repair applies the lossy syntax fixes LLMs most often need.
func Repair(s string) string {
	s = fixQuotes(s)
	s = stripComments(s)
	s = bareKey.ReplaceAllString(s, `$1"$2":`)
	s = trailing.ReplaceAllString(s, "$1")
	return s
}

// fixQuotes turns full-width quotes that delimit keys and values into ASCII
// quotes. Full-width quotes inside a string are content and are kept; an ASCII
// quote inside a string opened by a full-width one is escaped.
func fixQuotes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	const (
		outside = iota
		ascii
		wide
	)
	state, escaped, depth := outside, false, 0
	for _, r := range s {
		switch state {
		case ascii:
			b.WriteRune(r)
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				state = outside
			}
		case wide:
			switch {
			case escaped:
				escaped = false
				b.WriteRune(r)
			case r == '\\':
				escaped = true
				b.WriteRune(r)
			case r == '“':
				depth++
				b.WriteRune(r)
			case (r == '”' || r == '＂') && depth > 0:
				depth--
				b.WriteRune(r)
			case r == '”' || r == '＂':
				state = outside
				b.WriteByte('"')
			case r == '"':
				b.WriteString(`\"`)
			default:
				b.WriteRune(r)
			}
		default:
			switch r {
			case '"':
				state = ascii
				b.WriteRune(r)
			case '“', '”', '＂':
				state, depth = wide, 0
				b.WriteByte('"')
			case '‘', '’':
				b.WriteByte('\'')
			default:
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

// stripComments removes // line and /* */ block comments outside string literals.
func stripComments(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == '/' && i+1 < len(s) {
			switch s[i+1] {
			case '/':
				for i < len(s) && s[i] != '\n' {
					i++
				}
				if i < len(s) {
					b.WriteByte('\n')
				}
				continue
			case '*':
				end := strings.Index(s[i+2:], "*/")
				if end < 0 {
					return b.String()
				}
				i += end + 3
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}
