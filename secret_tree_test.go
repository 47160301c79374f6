package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestSecretTree(size LeafCount) *SecretTree {
	suite := NewCipherSuite(MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	return NewSecretTree(suite, randomBytes(32), size, 128)
}

func TestSecretTreeMatchingLeafKeysAgree(t *testing.T) {
	tree := newTestSecretTree(4)

	gen, key, nonce, err := tree.NextSecret(2, SecretTypeApplication)
	require.NoError(t, err)
	require.Equal(t, uint32(0), gen)

	gotKey, gotNonce, err := tree.GetSecret(2, SecretTypeApplication, 0)
	require.NoError(t, err)
	require.Equal(t, key, gotKey)
	require.Equal(t, nonce, gotNonce)
}

func TestSecretTreeDistinctLeavesDeriveDistinctKeys(t *testing.T) {
	tree := newTestSecretTree(4)

	_, key0, _, err := tree.NextSecret(0, SecretTypeApplication)
	require.NoError(t, err)
	_, key1, _, err := tree.NextSecret(1, SecretTypeApplication)
	require.NoError(t, err)

	require.NotEqual(t, key0, key1)
}

func TestSecretTreeHandshakeAndApplicationDiffer(t *testing.T) {
	tree := newTestSecretTree(2)

	_, hsKey, _, err := tree.NextSecret(0, SecretTypeHandshake)
	require.NoError(t, err)
	_, appKey, _, err := tree.NextSecret(0, SecretTypeApplication)
	require.NoError(t, err)

	require.NotEqual(t, hsKey, appKey)
}

func TestSecretTreeGenerationMonotonic(t *testing.T) {
	tree := newTestSecretTree(2)
	for want := uint32(0); want < 4; want++ {
		gen, _, _, err := tree.NextSecret(0, SecretTypeApplication)
		require.NoError(t, err)
		require.Equal(t, want, gen)
	}
	require.Equal(t, uint32(4), tree.GetGeneration(0, SecretTypeApplication))
}

func TestSecretTreeIndexOutOfBounds(t *testing.T) {
	tree := newTestSecretTree(2)
	_, _, _, err := tree.NextSecret(5, SecretTypeApplication)
	require.ErrorIs(t, err, ErrIndexOutOfBounds)
}

func TestSecretTreeTooDistantInThePast(t *testing.T) {
	tree := newTestSecretTree(2)
	_, _, _, err := tree.NextSecret(0, SecretTypeApplication)
	require.NoError(t, err)

	_, _, err = tree.GetSecret(0, SecretTypeApplication, 0)
	require.NoError(t, err)
	_, _, err = tree.GetSecret(0, SecretTypeApplication, 0)
	require.ErrorIs(t, err, ErrTooDistantInThePast)
}
