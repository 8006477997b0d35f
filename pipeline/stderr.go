package pipeline

import "strings"

// StateReason is one `+tag` / `-tag` token parsed off a `STATE:` stderr
// line.
type StateReason struct {
	Add  bool
	Name string
}

// parseStateLine implements spec §4.3's captured-sign-per-line rule: the
// sign of the first non-space character after "STATE:" is captured once
// and applied to every comma/whitespace-separated token in the line,
// unless a token carries its own explicit `+`/`-` prefix. A line that
// doesn't start with "STATE:" (after trimming) is not a state line at
// all and yields (nil, false).
func parseStateLine(line string) ([]StateReason, bool) {
	rest, ok := cutPrefixTrim(line, "STATE:")
	if !ok {
		return nil, false
	}

	rest = strings.TrimSpace(rest)
	if rest == "" {
		return nil, true
	}

	lineSign := true // default to addition if the line never specifies a sign
	if rest[0] == '+' || rest[0] == '-' {
		lineSign = rest[0] == '+'
	}

	fields := strings.FieldsFunc(rest, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})

	var reasons []StateReason
	for _, f := range fields {
		if f == "" {
			continue
		}
		add := lineSign
		switch f[0] {
		case '+':
			add = true
			f = f[1:]
		case '-':
			add = false
			f = f[1:]
		}
		if f == "" {
			continue
		}
		reasons = append(reasons, StateReason{Add: add, Name: f})
	}
	return reasons, true
}

func cutPrefixTrim(s, prefix string) (string, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, prefix) {
		return "", false
	}
	return s[len(prefix):], true
}
