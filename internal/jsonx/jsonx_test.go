package jsonx

import (
	"testing"
	"time"

	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeObject(t *testing.T) {
	d := jx.DecodeStr(`{"team":"research","n":2,"tags":["a","b"],"nested":{"ok":true},"none":null}`)
	m, err := DecodeObject(d)
	require.NoError(t, err)

	assert.Equal(t, "research", m["team"])
	assert.Equal(t, 2.0, m["n"])
	assert.Equal(t, []any{"a", "b"}, m["tags"])
	assert.Equal(t, map[string]any{"ok": true}, m["nested"])
	assert.Nil(t, m["none"])

	m, err = DecodeObject(jx.DecodeStr(`null`))
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestEncodeObjectSortedKeys(t *testing.T) {
	var e jx.Encoder
	EncodeObject(&e, map[string]any{"b": 1, "a": []string{"x"}, "c": nil})
	assert.Equal(t, `{"a":["x"],"b":1,"c":null}`, e.String())
}

func TestDecodeTime(t *testing.T) {
	want := time.Date(2025, 9, 15, 17, 58, 32, 0, time.UTC)

	for _, tc := range []struct {
		name  string
		input string
	}{
		{"rfc3339", `"2025-09-15T17:58:32Z"`},
		{"offset", `"2025-09-15T19:58:32+02:00"`},
		{"naive", `"2025-09-15T17:58:32"`},
		{"unix", `1757959112`},
		{"unix string", `"1757959112"`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeTime(jx.DecodeStr(tc.input))
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.True(t, want.Equal(*got), "got %s", got)
		})
	}

	got, err := DecodeTime(jx.DecodeStr(`null`))
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = DecodeTime(jx.DecodeStr(`"yesterday"`))
	assert.Error(t, err)
}

func TestDecodeDecimal(t *testing.T) {
	v, err := DecodeDecimal(jx.DecodeStr(`12.50`))
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.True(t, decimal.RequireFromString("12.5").Equal(v.Decimal))

	v, err = DecodeDecimal(jx.DecodeStr(`"0.001"`))
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.001").Equal(v.Decimal))

	v, err = DecodeDecimal(jx.DecodeStr(`null`))
	require.NoError(t, err)
	assert.False(t, v.Valid)
}
