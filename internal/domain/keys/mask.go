package keys

import "strings"

const (
	maskHead = 8
	maskTail = 4
)

// Mask returns the display-safe form of a secret: the first 8 and last 4
// characters with everything in between replaced by '*'. Secrets of 12
// characters or fewer are fully starred. Characters are runes, so the result
// has as many runes as the input, and masking a masked value returns it
// unchanged.
func Mask(secret string) string {
	r := []rune(secret)
	n := len(r)
	if n <= maskHead+maskTail {
		return strings.Repeat("*", n)
	}
	var b strings.Builder
	b.Grow(len(secret))
	b.WriteString(string(r[:maskHead]))
	b.WriteString(strings.Repeat("*", n-maskHead-maskTail))
	b.WriteString(string(r[n-maskTail:]))
	return b.String()
}

// masked returns a copy of k with its secret masked.
func masked(k Key) Key {
	k.Secret = Mask(k.Secret)
	return k
}
