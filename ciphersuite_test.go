package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHpkeSealOpenRoundTrip(t *testing.T) {
	suite := NewCipherSuite(MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	priv, pub := suite.hpkeGenerateKeyPair()

	info := []byte("direct path context")
	aad := []byte("aad")
	plaintext := []byte("path secret")

	ct := suite.hpkeSeal(pub, info, aad, plaintext)
	got := suite.hpkeOpen(priv, info, aad, ct)
	require.Equal(t, plaintext, got)
}

func TestHpkeKeyPairFromSecretDeterministic(t *testing.T) {
	suite := NewCipherSuite(MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	secret := randomBytes(32)

	_, pubA := suite.hpkeKeyPairFromSecret(secret)
	_, pubB := suite.hpkeKeyPairFromSecret(secret)
	require.True(t, pubA.Equal(pubB))
}

func TestAeadSealOpenRoundTrip(t *testing.T) {
	suite := NewCipherSuite(MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	c := suite.constants()
	key := randomBytes(c.KeySize)
	nonce := randomBytes(c.NonceSize)
	aad := []byte("header")
	plaintext := []byte("application data")

	ct, err := suite.aeadSeal(key, nonce, aad, plaintext)
	require.NoError(t, err)

	pt, err := suite.aeadOpen(key, nonce, aad, ct)
	require.NoError(t, err)
	require.Equal(t, plaintext, pt)
}

func TestAeadOpenRejectsTamperedAAD(t *testing.T) {
	suite := NewCipherSuite(MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	c := suite.constants()
	key := randomBytes(c.KeySize)
	nonce := randomBytes(c.NonceSize)

	ct, err := suite.aeadSeal(key, nonce, []byte("aad"), []byte("data"))
	require.NoError(t, err)

	_, err = suite.aeadOpen(key, nonce, []byte("different aad"), ct)
	require.Error(t, err)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	suite := NewCipherSuite(MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	kp := suite.newSignatureKeypair()

	msg := []byte("to be signed")
	sig := suite.sign(kp.Private, msg)
	require.True(t, suite.verify(kp.Public, msg, sig))
	require.False(t, suite.verify(kp.Public, []byte("other"), sig))
}

func TestHPKEPublicKeyBytesRoundTrip(t *testing.T) {
	suite := NewCipherSuite(MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	_, pub := suite.hpkeGenerateKeyPair()

	raw := pub.Bytes()
	decoded, err := hpkePublicKeyFromBytes(suite, raw)
	require.NoError(t, err)
	require.True(t, pub.Equal(decoded))
}

func TestHkdfExpandLabelDeterministicAndLabelSensitive(t *testing.T) {
	suite := NewCipherSuite(MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	secret := randomBytes(32)

	a := suite.hkdfExpandLabel(secret, "label-a", nil, 32)
	b := suite.hkdfExpandLabel(secret, "label-a", nil, 32)
	require.Equal(t, a, b)

	c := suite.hkdfExpandLabel(secret, "label-b", nil, 32)
	require.NotEqual(t, a, c)
}
