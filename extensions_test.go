package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParentHashExtensionRoundTrip(t *testing.T) {
	hash := []byte{1, 2, 3, 4, 5}
	ext := newParentHashExtension(hash)

	raw, err := ext.toRaw()
	require.NoError(t, err)
	require.Equal(t, ExtensionTypeParentHash, raw.Type)

	decoded, ok, err := parentHashFromRaw(raw)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, hash, decoded.ParentHash)
}

func TestParentHashFromRawWrongType(t *testing.T) {
	raw := rawExtension{Type: ExtensionType(99), Data: []byte{0, 0}}
	_, ok, err := parentHashFromRaw(raw)
	require.NoError(t, err)
	require.False(t, ok)
}
