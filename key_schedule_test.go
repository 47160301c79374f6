package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextEpochSecretsDeterministic(t *testing.T) {
	suite := NewCipherSuite(MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	initSecret := randomBytes(32)
	commitSecret := randomBytes(32)
	groupContext := randomBytes(16)

	secretsA, epochA := nextEpochSecrets(suite, initSecret, commitSecret, nil, groupContext)
	secretsB, epochB := nextEpochSecrets(suite, initSecret, commitSecret, nil, groupContext)
	require.Equal(t, epochA, epochB)
	require.Equal(t, secretsA, secretsB)
	require.NotEmpty(t, secretsA.WelcomeSecret)
	require.NotEmpty(t, secretsA.ConfirmationKey)
	require.NotEmpty(t, secretsA.InitSecret)

	other, _ := nextEpochSecrets(suite, randomBytes(32), commitSecret, nil, groupContext)
	require.NotEqual(t, epochA, other.InitSecret)
}

func TestNextEpochSecretsWelcomeSecretIndependentOfCommitSecret(t *testing.T) {
	suite := NewCipherSuite(MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	initSecret := randomBytes(32)
	groupContext := randomBytes(16)

	secretsA, _ := nextEpochSecrets(suite, initSecret, randomBytes(32), nil, groupContext)
	secretsB, _ := nextEpochSecrets(suite, initSecret, randomBytes(32), nil, groupContext)

	// welcome_secret (spec.md §4.2 step 1) comes off the prior init_secret
	// alone, before commit_secret enters the chain at step 4.
	require.Equal(t, secretsA.WelcomeSecret, secretsB.WelcomeSecret)
}

func TestWelcomeInfoSecretDeterministicAndInputSensitive(t *testing.T) {
	suite := NewCipherSuite(MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	epochSecret := randomBytes(32)

	a := welcomeInfoSecret(suite, epochSecret)
	b := welcomeInfoSecret(suite, epochSecret)
	require.Equal(t, a, b)
	require.NotEmpty(t, a)

	other := welcomeInfoSecret(suite, randomBytes(32))
	require.NotEqual(t, a, other)
}

func TestDeriveEpochFieldsVaryByGroupContext(t *testing.T) {
	suite := NewCipherSuite(MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	epochSecret := randomBytes(32)
	welcomeSecret := randomBytes(32)

	secretsA := deriveEpochFields(suite, epochSecret, welcomeSecret, []byte("context A"))
	secretsB := deriveEpochFields(suite, epochSecret, welcomeSecret, []byte("context B"))

	require.NotEqual(t, secretsA.HandshakeSecret, secretsB.HandshakeSecret)
	require.Equal(t, secretsA.WelcomeSecret, secretsB.WelcomeSecret)
}

func TestConfirmationTagDeterministic(t *testing.T) {
	suite := NewCipherSuite(MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	key := randomBytes(32)
	transcript := randomBytes(32)

	a := confirmationTag(suite, key, transcript)
	b := confirmationTag(suite, key, transcript)
	require.Equal(t, a, b)

	other := confirmationTag(suite, key, randomBytes(32))
	require.NotEqual(t, a, other)
}

func TestMlsExporterDeterministicByLabelAndContext(t *testing.T) {
	suite := NewCipherSuite(MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	exporterSecret := randomBytes(32)

	a := mlsExporter(suite, exporterSecret, "label", []byte("ctx"), 32)
	b := mlsExporter(suite, exporterSecret, "label", []byte("ctx"), 32)
	require.Equal(t, a, b)
	require.Len(t, a, 32)

	other := mlsExporter(suite, exporterSecret, "other-label", []byte("ctx"), 32)
	require.NotEqual(t, a, other)
}
