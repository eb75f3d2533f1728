package workflow

import (
	"strings"
	"unicode"
)

// NormalizeHolderName uppercases, drops everything that is not a letter and
// collapses whitespace. "ivanov,  ivan" becomes "IVANOV IVAN".
func NormalizeHolderName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	space := false
	for _, r := range name {
		switch {
		case unicode.IsLetter(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(unicode.ToUpper(r))
		case unicode.IsSpace(r) || r == ',' || r == '.' || r == '-':
			space = true
		}
	}
	return b.String()
}

// NamesSimilar reports whether two holder names plausibly belong to the same
// person: equal, one containing the other, or at least half of the shorter
// name's tokens present in the other. Empty names never match.
func NamesSimilar(a, b string) bool {
	a = NormalizeHolderName(a)
	b = NormalizeHolderName(b)
	if a == "" || b == "" {
		return false
	}
	if a == b || strings.Contains(a, b) || strings.Contains(b, a) {
		return true
	}

	ta := strings.Fields(a)
	tb := strings.Fields(b)
	shorter, longer := ta, tb
	if len(tb) < len(ta) {
		shorter, longer = tb, ta
	}
	set := make(map[string]bool, len(longer))
	for _, t := range longer {
		set[t] = true
	}
	hits := 0
	for _, t := range shorter {
		if set[t] {
			hits++
		}
	}
	return hits*2 >= len(shorter)
}
