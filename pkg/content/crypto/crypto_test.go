package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	transform, err := NewAESTransform("roundtrip-key")
	require.NoError(t, err)

	cases := [][]byte{
		[]byte(""),
		[]byte("short"),
		[]byte("exactly sixteen!"),
		bytes.Repeat([]byte{0xAB}, 4096),
	}
	for _, plaintext := range cases {
		stored, err := transform.Encode(plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, stored)

		got, err := transform.Decode(stored)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestEncodeRandomizesIV(t *testing.T) {
	transform, err := NewAESTransform("iv-key")
	require.NoError(t, err)

	plaintext := []byte("same plaintext")
	first, err := transform.Encode(plaintext)
	require.NoError(t, err)
	second, err := transform.Encode(plaintext)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestSamePassphraseSameKey(t *testing.T) {
	a, err := NewAESTransform("shared")
	require.NoError(t, err)
	b, err := NewAESTransform("shared")
	require.NoError(t, err)

	stored, err := a.Encode([]byte("portable"))
	require.NoError(t, err)
	got, err := b.Decode(stored)
	require.NoError(t, err)
	assert.Equal(t, []byte("portable"), got)
}

func TestDecodeRejectsTruncated(t *testing.T) {
	transform, err := NewAESTransform("strict")
	require.NoError(t, err)

	_, err = transform.Decode([]byte("too short"))
	assert.Error(t, err)

	stored, err := transform.Encode([]byte("whole"))
	require.NoError(t, err)
	_, err = transform.Decode(stored[:len(stored)-1])
	assert.Error(t, err)
}

func TestEmptyPassphraseRejected(t *testing.T) {
	_, err := NewAESTransform("")
	assert.Error(t, err)
}
