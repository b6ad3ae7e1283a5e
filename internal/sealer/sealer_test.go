package sealer

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	return bytes.Repeat([]byte{7}, KeySize)
}

func TestSealOpen(t *testing.T) {
	s, err := New(testKey())
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("sk-abcdef1234567890"), []byte("key-1"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "sk-abcdef")

	plain, err := s.Open(sealed, []byte("key-1"))
	require.NoError(t, err)
	assert.Equal(t, "sk-abcdef1234567890", string(plain))
}

func TestOpen_WrongBinding(t *testing.T) {
	s, err := New(testKey())
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("secret"), []byte("key-1"))
	require.NoError(t, err)

	_, err = s.Open(sealed, []byte("key-2"))
	require.ErrorIs(t, err, ErrOpen)

	_, err = s.Open([]byte("short"), []byte("key-1"))
	require.ErrorIs(t, err, ErrOpen)
}

func TestSeal_NonceIsRandom(t *testing.T) {
	s, err := New(testKey())
	require.NoError(t, err)

	a, err := s.Seal([]byte("same"), nil)
	require.NoError(t, err)
	b, err := s.Seal([]byte("same"), nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestNew_BadKey(t *testing.T) {
	_, err := New([]byte("too short"))
	require.Error(t, err)

	_, err = NewFromHex("zz")
	require.Error(t, err)

	s, err := NewFromHex(hex.EncodeToString(testKey()))
	require.NoError(t, err)
	assert.NotNil(t, s)
}
