package mls

// EpochSecrets holds the seven secrets an epoch's key schedule fans out
// into (spec.md §3/§6), in the field order original_source/src/schedule.rs
// encodes them.
type EpochSecrets struct {
	WelcomeSecret     []byte
	SenderDataSecret  []byte
	HandshakeSecret   []byte
	ApplicationSecret []byte
	ExporterSecret    []byte
	ConfirmationKey   []byte
	InitSecret        []byte
}

// deriveEpochFields runs §4.2 step 5 directly against an already-known
// epoch_secret: the six labeled fields fan out of it, plus the
// caller-supplied welcome_secret (step 1, computed separately since it
// keys off a different input than epoch_secret does). This is also the
// join path's entry point — a joining member is handed epoch_secret
// itself (as GroupSecrets.JoinerSecret, spec.md §4.5 step 7) rather
// than the (current_init_secret, commit_secret) pair that produced it,
// so it starts here instead of at nextEpochSecrets below.
func deriveEpochFields(suite CipherSuite, epochSecret, welcomeSecret, groupContext []byte) EpochSecrets {
	return EpochSecrets{
		WelcomeSecret:     welcomeSecret,
		SenderDataSecret:  suite.deriveSecret(epochSecret, "sender data", groupContext),
		HandshakeSecret:   suite.deriveSecret(epochSecret, "handshake", groupContext),
		ApplicationSecret: suite.deriveSecret(epochSecret, "app", groupContext),
		ExporterSecret:    suite.deriveSecret(epochSecret, "exporter", groupContext),
		ConfirmationKey:   suite.deriveSecret(epochSecret, "confirm", groupContext),
		InitSecret:        suite.deriveSecret(epochSecret, "init", groupContext),
	}
}

// nextEpochSecrets implements spec.md §4.2's next_epoch exactly as
// written, grounded verbatim on original_source/src/schedule.rs's
// get_new_epoch_secrets/derive_epoch_secrets: welcome_secret comes off
// the current (pre-commit) init_secret, early_secret/derived thread an
// optional psk in, and commit_secret only enters at the final
// HKDF-Extract that produces epoch_secret. psk may be nil (no external
// PSK input in scope here).
func nextEpochSecrets(suite CipherSuite, initSecretPrev, commitSecret, psk, groupContext []byte) (EpochSecrets, []byte) {
	welcomeSecret := suite.deriveSecret(initSecretPrev, "group info", nil)
	earlySecret := suite.hkdfExtract(psk, initSecretPrev)
	derived := suite.deriveSecret(earlySecret, "derived", nil)
	epochSecret := suite.hkdfExtract(derived, commitSecret)

	secrets := deriveEpochFields(suite, epochSecret, welcomeSecret, groupContext)

	zeroize(earlySecret)
	zeroize(derived)
	return secrets, epochSecret
}

// welcomeInfoSecret derives the symmetric key protecting a Welcome's
// encrypted_group_info from the raw epoch_secret a joiner is handed as
// GroupSecrets.JoinerSecret (spec.md §4.5 step 7). This layers on top
// of nextEpochSecrets above rather than replacing any of its steps: a
// brand-new joiner has no current_init_secret to re-derive the
// committer's canonical WelcomeSecret field (§4.2 step 1) from, so the
// Welcome ciphertext is instead keyed off the one value both sides
// share at join time.
func welcomeInfoSecret(suite CipherSuite, epochSecret []byte) []byte {
	return suite.deriveSecret(epochSecret, "welcome", nil)
}

// deriveEncryptionSecret derives the secret-tree root from the epoch's
// raw epoch_secret (spec.md §4.3); it is never retained in EpochSecrets
// itself, only consumed once to seed a SecretTree.
func deriveEncryptionSecret(suite CipherSuite, epochSecret, groupContext []byte) []byte {
	return suite.deriveSecret(epochSecret, "encryption", groupContext)
}

// mlsExporter derives application-defined keying material from the
// current epoch's exporter secret (spec.md §4.2's mls_exporter, grounded
// on original_source/src/schedule.rs's mls_exporter).
func mlsExporter(suite CipherSuite, exporterSecret []byte, label string, context []byte, length int) []byte {
	innerContext := suite.hash(context)
	secret := suite.deriveSecret(exporterSecret, label, innerContext)
	return suite.hkdfExpandLabel(secret, "exported", nil, length)
}

// confirmationTag computes the MAC binding a Commit to the epoch it
// produced (spec.md §4.5 step 7): an HKDF-expand over the new
// confirmation_key keyed by the transcript hash, staying within the
// already-wired HKDF dependency surface rather than reaching for a
// separate HMAC import.
func confirmationTag(suite CipherSuite, confirmationKey, confirmedTranscriptHash []byte) []byte {
	return suite.hkdfExpandLabel(confirmationKey, "confirm tag", confirmedTranscriptHash, suite.hashLength())
}

func zeroizeEpochSecrets(s *EpochSecrets) {
	zeroize(s.WelcomeSecret)
	zeroize(s.SenderDataSecret)
	zeroize(s.HandshakeSecret)
	zeroize(s.ApplicationSecret)
	zeroize(s.ExporterSecret)
	zeroize(s.ConfirmationKey)
	zeroize(s.InitSecret)
}
