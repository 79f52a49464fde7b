package codec

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Placeholder tokens recognised in topic patterns.
const (
	TokenProduct    = "pid"
	TokenDevice     = "did"
	TokenIdentifier = "identifier"
)

// segmentWildcard is what every token compiles to: one non-empty path segment.
const segmentWildcard = `([^/]+)`

var tokenRe = regexp.MustCompile(`\$\{([^}]*)\}`)

// ErrInvalidPattern is returned when a topic pattern cannot be compiled.
var ErrInvalidPattern = errors.New("codec: invalid topic pattern")

// Vars holds the token values extracted from a concrete topic.
type Vars map[string]string

// Product returns the ${pid} value.
func (v Vars) Product() string { return v[TokenProduct] }

// Device returns the ${did} value.
func (v Vars) Device() string { return v[TokenDevice] }

// Identifier returns the ${identifier} value.
func (v Vars) Identifier() string { return v[TokenIdentifier] }

// Pattern is a compiled topic pattern.
//
// A concrete topic matches iff the whole string matches the anchored
// expression. Each token matches exactly one non-empty path segment.
type Pattern struct {
	raw      string
	re       *regexp.Regexp
	tokens   []string
	segments []segment
}

// segment is one "/"-separated element of a pattern, kept for overlap checks.
type segment struct {
	literal bool
	text    string // full text when literal
	prefix  string // literal text before the first token
	suffix  string // literal text after the last token
	re      *regexp.Regexp
}

// CompilePattern parses a pattern such as "/iot/${pid}/${did}/config/push".
//
// Returns ErrInvalidPattern for empty patterns, unknown tokens or malformed
// placeholders.
func CompilePattern(raw string) (*Pattern, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}

	p := &Pattern{raw: raw}
	var full strings.Builder
	full.WriteString("^")

	for i, seg := range strings.Split(raw, "/") {
		if i > 0 {
			full.WriteString("/")
		}
		expr, s, names, err := compileSegment(seg)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidPattern, raw, err)
		}
		full.WriteString(expr)
		p.tokens = append(p.tokens, names...)
		p.segments = append(p.segments, s)
	}
	full.WriteString("$")

	re, err := regexp.Compile(full.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidPattern, raw, err)
	}
	p.re = re
	return p, nil
}

// MustCompilePattern is like CompilePattern but panics on error.
func MustCompilePattern(raw string) *Pattern {
	p, err := CompilePattern(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func compileSegment(seg string) (string, segment, []string, error) {
	if strings.Count(seg, "${") != len(tokenRe.FindAllString(seg, -1)) {
		return "", segment{}, nil, fmt.Errorf("unterminated placeholder in %q", seg)
	}

	locs := tokenRe.FindAllStringSubmatchIndex(seg, -1)
	if len(locs) == 0 {
		return regexp.QuoteMeta(seg), segment{literal: true, text: seg}, nil, nil
	}

	var expr strings.Builder
	var names []string
	last := 0
	for _, loc := range locs {
		name := seg[loc[2]:loc[3]]
		switch name {
		case TokenProduct, TokenDevice, TokenIdentifier:
		default:
			return "", segment{}, nil, fmt.Errorf("unknown token ${%s}", name)
		}
		expr.WriteString(regexp.QuoteMeta(seg[last:loc[0]]))
		expr.WriteString(segmentWildcard)
		names = append(names, name)
		last = loc[1]
	}
	expr.WriteString(regexp.QuoteMeta(seg[last:]))

	s := segment{
		prefix: seg[:locs[0][0]],
		suffix: seg[locs[len(locs)-1][1]:],
		re:     regexp.MustCompile("^" + expr.String() + "$"),
	}
	return expr.String(), s, names, nil
}

// String returns the pattern as written.
func (p *Pattern) String() string { return p.raw }

// Matches reports whether topic matches the pattern.
func (p *Pattern) Matches(topic string) bool {
	return p.re.MatchString(topic)
}

// Match extracts token values from topic. The boolean is false when the topic
// does not match. When a token appears more than once the first value wins.
func (p *Pattern) Match(topic string) (Vars, bool) {
	m := p.re.FindStringSubmatch(topic)
	if m == nil {
		return nil, false
	}
	vars := make(Vars, len(p.tokens))
	for i, name := range p.tokens {
		if _, seen := vars[name]; !seen {
			vars[name] = m[i+1]
		}
	}
	return vars, true
}

// Expand substitutes vars into the pattern. Missing tokens are an error.
func (p *Pattern) Expand(vars Vars) (string, error) {
	var missing string
	out := tokenRe.ReplaceAllStringFunc(p.raw, func(tok string) string {
		name := tok[2 : len(tok)-1]
		v, ok := vars[name]
		if !ok || v == "" || strings.Contains(v, "/") {
			missing = name
			return tok
		}
		return v
	})
	if missing != "" {
		return "", fmt.Errorf("%w: no usable value for ${%s} in %q", ErrInvalidPattern, missing, p.raw)
	}
	return out, nil
}

// Overlaps reports whether some concrete topic could match both p and q.
//
// The check is segment-wise and errs on the side of reporting an overlap:
// two segments that both contain tokens overlap whenever their literal
// prefixes and suffixes are compatible.
func (p *Pattern) Overlaps(q *Pattern) bool {
	if len(p.segments) != len(q.segments) {
		return false
	}
	for i := range p.segments {
		if !segmentsOverlap(p.segments[i], q.segments[i]) {
			return false
		}
	}
	return true
}

func segmentsOverlap(a, b segment) bool {
	switch {
	case a.literal && b.literal:
		return a.text == b.text
	case a.literal:
		return b.re.MatchString(a.text)
	case b.literal:
		return a.re.MatchString(b.text)
	default:
		return prefixCompatible(a.prefix, b.prefix) && suffixCompatible(a.suffix, b.suffix)
	}
}

func prefixCompatible(a, b string) bool {
	return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}

func suffixCompatible(a, b string) bool {
	return strings.HasSuffix(a, b) || strings.HasSuffix(b, a)
}
