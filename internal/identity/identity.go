// Package identity canonicalizes freeform phone-number identities. Equality
// of normalized form is the only identity-matching rule in the marketplace.
package identity

import "strings"

// Normalize trims the input and returns it unchanged when it already starts
// with "+". Anything else is reduced to its digits with "+" prepended. The
// function is total: malformed input normalizes to "+" plus whatever digits
// remain, possibly none.
func Normalize(raw string) string {
	p := strings.TrimSpace(raw)
	if strings.HasPrefix(p, "+") {
		return p
	}
	var b strings.Builder
	b.WriteByte('+')
	for _, r := range p {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Equal reports whether two raw identities refer to the same participant.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
