// Package version implements comparison and parsing for component version
// strings, model revision identifiers, and manifest date strings.
package version

import (
	"strconv"
	"strings"

	"github.com/m87-labs/moondream-station/internal/errors"
)

// Ordering is the result of comparing two versions.
type Ordering int

const (
	Less    Ordering = -1
	Equal   Ordering = 0
	Greater Ordering = 1
)

// String returns the ordering as a human-readable word.
func (o Ordering) String() string {
	switch o {
	case Less:
		return "less"
	case Greater:
		return "greater"
	default:
		return "equal"
	}
}

// Parse converts a dotted version string into its numeric segments.
// A single leading 'v' or 'V' is stripped, e.g. "v0.0.10" -> [0 0 10].
// A non-numeric segment is an error; callers must treat such versions as
// incomparable rather than guessing an ordering.
func Parse(v string) ([]int, error) {
	s := v
	if s != "" && (s[0] == 'v' || s[0] == 'V') {
		s = s[1:]
	}
	parts := strings.Split(s, ".")
	segs := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, errors.New(errors.CodeVersionParse).
				WithDetail("segment %q of version %q is not numeric", part, v).
				Wrap(err)
		}
		segs = append(segs, n)
	}
	return segs, nil
}

// Compare orders two dotted version strings element-wise as numeric
// tuples. When the shared prefix is equal, the shorter version is less,
// so "1.2" sorts before "1.2.0".
func Compare(a, b string) (Ordering, error) {
	av, err := Parse(a)
	if err != nil {
		return Equal, err
	}
	bv, err := Parse(b)
	if err != nil {
		return Equal, err
	}
	return compareSegments(av, bv), nil
}

func compareSegments(a, b []int) Ordering {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		switch {
		case a[i] < b[i]:
			return Less
		case a[i] > b[i]:
			return Greater
		}
	}
	switch {
	case len(a) < len(b):
		return Less
	case len(a) > len(b):
		return Greater
	}
	return Equal
}

// ParseRevision reduces a model revision identifier to a single integer
// by concatenating every digit run in order, e.g. "2025-04-14-4bit" ->
// 202504144. Identifiers without digits map to 0.
func ParseRevision(rev string) int64 {
	var digits strings.Builder
	for _, r := range rev {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	s := digits.String()
	if s == "" {
		return 0
	}
	// Clamp to fit int64.
	if len(s) > 18 {
		s = s[:18]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// ParseDate extracts the digit runs of a date string as an integer tuple,
// e.g. "2025-05-21" -> [2025 5 21]. Strings without digits map to [0] so
// the value can still participate in comparisons.
func ParseDate(date string) []int {
	var out []int
	run := -1
	for i := 0; i < len(date); i++ {
		c := date[i]
		if c >= '0' && c <= '9' {
			if run < 0 {
				run = i
			}
			continue
		}
		if run >= 0 {
			n, _ := strconv.Atoi(date[run:i])
			out = append(out, n)
			run = -1
		}
	}
	if run >= 0 {
		n, _ := strconv.Atoi(date[run:])
		out = append(out, n)
	}
	if len(out) == 0 {
		return []int{0}
	}
	return out
}

// CompareDates orders two date strings by their ParseDate tuples.
func CompareDates(a, b string) Ordering {
	return compareSegments(ParseDate(a), ParseDate(b))
}
