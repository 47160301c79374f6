package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyPackageBundleVerifies(t *testing.T) {
	suite := NewCipherSuite(MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	id := NewIdentity(suite, []byte("Alice"))
	bundle := NewKeyPackageBundle(suite, id, nil)

	kp := bundle.GetKeyPackage()
	require.True(t, kp.Verify())
}

func TestKeyPackageVerifyRejectsTamperedSignature(t *testing.T) {
	suite := NewCipherSuite(MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	id := NewIdentity(suite, []byte("Alice"))
	bundle := NewKeyPackageBundle(suite, id, nil)
	kp := bundle.GetKeyPackage()

	other := NewIdentity(suite, []byte("Mallory"))
	tbs, err := kp.tbsBytes()
	require.NoError(t, err)
	kp.Signature = other.Sign(tbs)

	require.False(t, kp.Verify())
}

func TestKeyPackageParentHashRoundTrip(t *testing.T) {
	suite := NewCipherSuite(MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	id := NewIdentity(suite, []byte("Bob"))

	hash := []byte{9, 9, 9}
	ext, err := newParentHashExtension(hash).toRaw()
	require.NoError(t, err)

	bundle := NewKeyPackageBundle(suite, id, []rawExtension{ext})
	kp := bundle.GetKeyPackage()

	got, ok := kp.GetParentHash()
	require.True(t, ok)
	require.Equal(t, hash, got)
	require.True(t, kp.Verify())
}

func TestKeyPackageGetParentHashAbsent(t *testing.T) {
	suite := NewCipherSuite(MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	bundle := NewKeyPackageBundle(suite, NewIdentity(suite, []byte("Bob")), nil)

	_, ok := bundle.GetKeyPackage().GetParentHash()
	require.False(t, ok)
}
