package mls

// KeyPackage is a signed leaf credential bundle: identity credential,
// signature public key (carried inside the credential), HPKE init key,
// ciphersuite id, optional extensions (including a ParentHash binding
// the leaf to the tree state at its last update), and a signature over
// all of the above (spec.md §3).
type KeyPackage struct {
	CipherSuite CipherSuiteID
	InitKeyRaw  []byte         `tls:"head=2"`
	Cred        Credential
	Extensions  []rawExtension `tls:"head=2"`
	Signature   Signature

	suite   CipherSuite
	initKey HPKEPublicKey
}

// GetHPKEInitKey returns the leaf's HPKE public key.
func (kp KeyPackage) GetHPKEInitKey() HPKEPublicKey {
	return kp.initKey
}

// GetCredential returns the leaf's signing credential.
func (kp KeyPackage) GetCredential() Credential {
	return kp.Cred
}

// GetExtension looks up an extension by type.
func (kp KeyPackage) GetExtension(t ExtensionType) (rawExtension, bool) {
	for _, e := range kp.Extensions {
		if e.Type == t {
			return e, true
		}
	}
	return rawExtension{}, false
}

// GetParentHash returns the ParentHash extension's payload, if present
// (spec.md §4.4.5).
func (kp KeyPackage) GetParentHash() ([]byte, bool) {
	raw, ok := kp.GetExtension(ExtensionTypeParentHash)
	if !ok {
		return nil, false
	}
	ext, ok, err := parentHashFromRaw(raw)
	if err != nil || !ok {
		return nil, false
	}
	return ext.ParentHash, true
}

// tbsBytes is the to-be-signed encoding: every field except the
// signature itself.
func (kp KeyPackage) tbsBytes() ([]byte, error) {
	return marshalTLS(struct {
		CipherSuite CipherSuiteID
		InitKeyRaw  []byte `tls:"head=2"`
		Cred        Credential
		Extensions  []rawExtension `tls:"head=2"`
	}{kp.CipherSuite, kp.InitKeyRaw, kp.Cred, kp.Extensions})
}

// Verify checks the key package's self-signature against its own
// credential (spec.md §4.4.5's verify_integrity, applied per-leaf).
func (kp KeyPackage) Verify() bool {
	tbs, err := kp.tbsBytes()
	if err != nil {
		return false
	}
	suite := kp.suite
	if suite.ID == UnknownCipherSuite {
		suite = NewCipherSuite(kp.CipherSuite)
	}
	return kp.Cred.Verify(suite, tbs, kp.Signature)
}

// resolveInitKey decodes InitKeyRaw into an HPKE public key under
// suite; called after decoding a KeyPackage off the wire, where the
// ciphersuite id must be read before the opaque key bytes mean
// anything.
func (kp *KeyPackage) resolveInitKey(suite CipherSuite) error {
	pub, err := hpkePublicKeyFromBytes(suite, kp.InitKeyRaw)
	if err != nil {
		return err
	}
	kp.suite = suite
	kp.initKey = pub
	return nil
}

// KeyPackageBundle is a KeyPackage plus the matching HPKE private key
// and the owning member's signing identity; held only by that member
// (spec.md §3). Never encoded onto the wire as a whole — only the
// KeyPackage half ever leaves the process.
type KeyPackageBundle struct {
	keyPackage KeyPackage
	privateKey HPKEPrivateKey
	identity   Identity
}

// NewKeyPackageBundle generates a fresh HPKE keypair and signs a new
// KeyPackage for identity under suite.
func NewKeyPackageBundle(suite CipherSuite, identity Identity, extensions []rawExtension) KeyPackageBundle {
	priv, pub := suite.hpkeGenerateKeyPair()
	return newKeyPackageBundleWithKeyPair(suite, identity, extensions, HPKEKeyPair{Private: priv, Public: pub})
}

// newKeyPackageBundleWithKeyPair builds a bundle from an already-derived
// keypair, used when the HPKE keys come from a direct-path update
// rather than fresh randomness (spec.md §4.4.3 step 5).
func newKeyPackageBundleWithKeyPair(suite CipherSuite, identity Identity, extensions []rawExtension, kp HPKEKeyPair) KeyPackageBundle {
	keyPackage := KeyPackage{
		CipherSuite: suite.ID,
		InitKeyRaw:  kp.Public.Bytes(),
		Cred:        newBasicCredential(identity),
		Extensions:  extensions,
		suite:       suite,
		initKey:     kp.Public,
	}
	tbs, err := keyPackage.tbsBytes()
	if err != nil {
		panic("mls: encode key package for signing: " + err.Error())
	}
	keyPackage.Signature = identity.Sign(tbs)
	return KeyPackageBundle{keyPackage: keyPackage, privateKey: kp.Private, identity: identity}
}

func (b KeyPackageBundle) GetKeyPackage() KeyPackage {
	return b.keyPackage
}

func (b KeyPackageBundle) GetPrivateKey() HPKEPrivateKey {
	return b.privateKey
}

func (b KeyPackageBundle) GetIdentity() Identity {
	return b.identity
}
