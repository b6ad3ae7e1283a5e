package keys

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestMask(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		want   string
	}{
		{name: "empty", secret: "", want: ""},
		{name: "single char", secret: "a", want: "*"},
		{name: "exactly twelve", secret: "abcdefghijkl", want: "************"},
		{name: "thirteen", secret: "abcdefghijklm", want: "abcdefgh*jklm"},
		{name: "gateway key", secret: "sk-abcdef1234567890", want: "sk-abcde*******7890"},
		{name: "multibyte", secret: "sk-abcdéfghijklmnopé", want: "sk-abcdé********nopé"},
		{name: "multibyte short", secret: "ключ-секрет", want: "***********"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Mask(tt.secret))
		})
	}
}

func TestMaskProperties(t *testing.T) {
	for n := 0; n <= 64; n++ {
		s := strings.Repeat("x", n/2) + strings.Repeat("y", n-n/2)
		m := Mask(s)

		assert.Len(t, m, n, "length preserved for %d", n)
		if n <= 12 {
			assert.Equal(t, strings.Repeat("*", n), m)
			continue
		}
		assert.Equal(t, s[:8], m[:8])
		assert.Equal(t, s[n-4:], m[n-4:])
		assert.Equal(t, strings.Repeat("*", n-12), m[8:n-4])
	}
}

func TestMaskIdempotent(t *testing.T) {
	for _, s := range []string{"", "short", "sk-abcdef1234567890", "sk-" + strings.Repeat("q", 40)} {
		once := Mask(s)
		assert.Equal(t, once, Mask(once))
	}
}

func TestMaskRunes(t *testing.T) {
	for _, s := range []string{"sk-abcdéfghijklmnopé", "日本語のキーはとても長いですよね本当に", "sk-🔑🔑🔑🔑🔑🔑🔑🔑🔑🔑🔑"} {
		m := Mask(s)
		assert.True(t, utf8.ValidString(m), "valid utf-8 for %q", s)
		assert.Equal(t, utf8.RuneCountInString(s), utf8.RuneCountInString(m))

		r, mr := []rune(s), []rune(m)
		assert.Equal(t, string(r[:8]), string(mr[:8]))
		assert.Equal(t, string(r[len(r)-4:]), string(mr[len(mr)-4:]))
		assert.Equal(t, m, Mask(m))
	}
}
