package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	B string `json:"b"`
	A int    `json:"a"`
}

func TestHashIsStableAcrossFieldOrder(t *testing.T) {
	h1, err := Hash(sample{A: 1, B: "x"})
	require.NoError(t, err)

	h2, err := Hash(map[string]any{"b": "x", "a": 1})
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "JCS canonicalization sorts object members regardless of struct/map field order")
}

func TestHashIsDeterministic(t *testing.T) {
	v := sample{A: 42, B: "repeatable"}
	h1, err := Hash(v)
	require.NoError(t, err)
	h2, err := Hash(v)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHashDiffersOnContentChange(t *testing.T) {
	h1, err := Hash(sample{A: 1, B: "x"})
	require.NoError(t, err)
	h2, err := Hash(sample{A: 2, B: "x"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestHashHasSHA256Prefix(t *testing.T) {
	h, err := Hash(sample{A: 1, B: "x"})
	require.NoError(t, err)
	assert.Contains(t, h, "sha256:")
}

func TestHashBytesMatchesDirectDigest(t *testing.T) {
	h1, err := HashBytes([]byte("hello"))
	require.NoError(t, err)
	h2, err := HashBytes([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Equal(t, "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", h1)

	h3, err := HashBytes([]byte("different"))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestMustHashPanicsOnUnmarshalableValue(t *testing.T) {
	assert.Panics(t, func() {
		MustHash(make(chan int))
	})
}
