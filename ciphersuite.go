package mls

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"

	hpke "github.com/cisco/go-hpke"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/hkdf"
)

// CipherSuiteID names a complete MLS ciphersuite: KEM + AEAD + hash +
// signature scheme. Only the one exercised by spec.md §8's literal
// scenarios is wired up, but the type leaves room for more.
type CipherSuiteID uint16

const (
	UnknownCipherSuite CipherSuiteID = 0x0000
	// MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519 is the sole
	// ciphersuite spec.md §8 names explicitly.
	MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519 CipherSuiteID = 0x0001
)

type cipherConstants struct {
	KeySize    int
	NonceSize  int
	SecretSize int // == hash length
}

var cipherConstantsByID = map[CipherSuiteID]cipherConstants{
	MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519: {KeySize: 16, NonceSize: 12, SecretSize: 32},
}

// CipherSuite is the opaque cryptographic collaborator spec.md §1 calls
// out as external: hash, HKDF, HPKE, AEAD, and signatures all hang off
// this value type, mirroring key-schedule.go's CipherSuite receiver
// methods in the teacher.
type CipherSuite struct {
	ID   CipherSuiteID
	hpke hpke.CipherSuite
}

// NewCipherSuite assembles the HPKE suite (KEM/KDF/AEAD) for id via
// cisco/go-hpke, the teacher's HPKE dependency.
func NewCipherSuite(id CipherSuiteID) CipherSuite {
	switch id {
	case MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519:
		suite, err := hpke.AssembleCipherSuite(hpke.DHKEM_X25519, hpke.KDF_HKDF_SHA256, hpke.AEAD_AESGCM128)
		if err != nil {
			panic(fmt.Sprintf("mls: unable to assemble ciphersuite %04x: %v", id, err))
		}
		return CipherSuite{ID: id, hpke: suite}
	default:
		panic(fmt.Sprintf("mls: unknown ciphersuite %04x", id))
	}
}

func (cs CipherSuite) constants() cipherConstants {
	return cipherConstantsByID[cs.ID]
}

func (cs CipherSuite) newHash() func() hash.Hash {
	return sha256.New
}

func (cs CipherSuite) hashLength() int {
	return cs.constants().SecretSize
}

// hash is the bare hash function a ParentHash/LeafNodeHash computation
// runs payload bytes through (spec.md §4.4.5).
func (cs CipherSuite) hash(data []byte) []byte {
	h := cs.newHash()()
	h.Write(data)
	return h.Sum(nil)
}

// hkdfExtract is HKDF-Extract(salt, ikm) (spec.md §4.2 step 2).
func (cs CipherSuite) hkdfExtract(salt, ikm []byte) []byte {
	return hkdf.Extract(cs.newHash(), ikm, salt)
}

// hkdfExpand is raw HKDF-Expand(secret, info, length), with no label
// framing; hkdfExpandLabel below layers the MLS label structure on top.
func (cs CipherSuite) hkdfExpand(secret, info []byte, length int) []byte {
	r := hkdf.Expand(cs.newHash(), secret, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Sprintf("mls: hkdf expand: %v", err))
	}
	return out
}

// hkdfExpandLabel implements the labeled expansion of spec.md §4.2:
// HkdfLabel = u16(length) || VecU8("mls10 " || label) || VecU32(context).
func (cs CipherSuite) hkdfExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	hkdfLabel := HkdfLabel{
		Length:  uint16(length),
		Label:   []byte("mls10 " + label),
		Context: context,
	}
	info, err := hkdfLabel.marshalTLS()
	if err != nil {
		panic(fmt.Sprintf("mls: encode HkdfLabel: %v", err))
	}
	return cs.hkdfExpand(secret, info, length)
}

// deriveSecret is derive_secret(secret, label, context) (spec.md §4.2).
func (cs CipherSuite) deriveSecret(secret []byte, label string, context []byte) []byte {
	return cs.hkdfExpandLabel(secret, label, context, cs.hashLength())
}

// deriveTreeSecret expands with a TreeContext{node, generation} as
// context (spec.md §4.3).
func (cs CipherSuite) deriveTreeSecret(secret []byte, label string, node NodeIndex, generation uint32, length int) []byte {
	tc := TreeContext{Node: uint32(node), Generation: generation}
	context, err := tc.marshalTLS()
	if err != nil {
		panic(fmt.Sprintf("mls: encode TreeContext: %v", err))
	}
	return cs.hkdfExpandLabel(secret, label, context, length)
}

// hpkeGenerateKeyPair produces a fresh HPKE keypair for a leaf or a
// direct-path node.
func (cs CipherSuite) hpkeGenerateKeyPair() (HPKEPrivateKey, HPKEPublicKey) {
	priv, pub, err := cs.hpke.KEM.GenerateKeyPair(rand.Reader)
	if err != nil {
		panic(fmt.Sprintf("mls: hpke keygen: %v", err))
	}
	return HPKEPrivateKey{raw: priv, suite: cs}, HPKEPublicKey{raw: pub, suite: cs}
}

// hpkeKeyPairFromSecret deterministically derives an HPKE keypair from
// a 32-byte (or suite-hash-length) seed, as required by the direct-path
// node-secret-to-keypair step (spec.md §4.4.3 step 3).
func (cs CipherSuite) hpkeKeyPairFromSecret(secret []byte) (HPKEPrivateKey, HPKEPublicKey) {
	priv, pub, err := cs.hpke.KEM.DeriveKeyPair(secret)
	if err != nil {
		panic(fmt.Sprintf("mls: hpke derive keypair: %v", err))
	}
	return HPKEPrivateKey{raw: priv, suite: cs}, HPKEPublicKey{raw: pub, suite: cs}
}

// HpkeCiphertext is the wire form of one HPKE-sealed path secret
// (spec.md §3/§4.4.3).
type HpkeCiphertext struct {
	KEMOutput  []byte `tls:"head=2"`
	Ciphertext []byte `tls:"head=2"`
}

// hpkeSeal encrypts plaintext to pub under info/aad (spec.md §4.4.3 step 6).
func (cs CipherSuite) hpkeSeal(pub HPKEPublicKey, info, aad, plaintext []byte) HpkeCiphertext {
	enc, ctx, err := hpke.SetupBaseS(cs.hpke, rand.Reader, pub.raw, info)
	if err != nil {
		panic(fmt.Sprintf("mls: hpke setup sender: %v", err))
	}
	ct := ctx.Seal(aad, plaintext)
	return HpkeCiphertext{KEMOutput: enc, Ciphertext: ct}
}

// hpkeOpen decrypts an HpkeCiphertext sealed under hpkeSeal (spec.md §4.4.4).
func (cs CipherSuite) hpkeOpen(priv HPKEPrivateKey, info, aad []byte, ct HpkeCiphertext) []byte {
	ctx, err := hpke.SetupBaseR(cs.hpke, priv.raw, ct.KEMOutput, info)
	if err != nil {
		panic(fmt.Sprintf("mls: hpke setup receiver: %v", err))
	}
	pt, err := ctx.Open(aad, ct.Ciphertext)
	if err != nil {
		panic(fmt.Sprintf("mls: hpke open: %v", err))
	}
	return pt
}

// aeadSeal/aeadOpen are used by GroupState's message encryption
// (spec.md §4.6), over the key/nonce produced by a SenderRatchet.
func (cs CipherSuite) aeadSeal(key, nonce, aad, plaintext []byte) ([]byte, error) {
	return cs.hpke.AEAD.New(key).Seal(nil, nonce, plaintext, aad), nil
}

func (cs CipherSuite) aeadOpen(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	return cs.hpke.AEAD.New(key).Open(nil, nonce, ciphertext, aad)
}

// HPKEPrivateKey / HPKEPublicKey wrap cisco/go-hpke's KEM key types with
// the owning suite, so callers never have to juggle the two separately.
type HPKEPrivateKey struct {
	raw   hpke.KEMPrivateKey
	suite CipherSuite
}

type HPKEPublicKey struct {
	raw   hpke.KEMPublicKey
	suite CipherSuite
}

func (k HPKEPublicKey) Bytes() []byte {
	if k.raw == nil {
		return nil
	}
	return k.suite.hpke.KEM.Marshal(k.raw)
}

// Bytes serializes the private key's raw scalar, used to seed the
// direct-path secret chain from a member's own init/update key
// (spec.md §4.4.3).
func (k HPKEPrivateKey) Bytes() []byte {
	if k.raw == nil {
		return nil
	}
	return k.suite.hpke.KEM.MarshalPrivate(k.raw)
}

func (k HPKEPublicKey) Equal(other HPKEPublicKey) bool {
	a, b := k.Bytes(), other.Bytes()
	if len(a) != len(b) || len(a) == 0 {
		return len(a) == 0 && len(b) == 0
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func hpkePublicKeyFromBytes(cs CipherSuite, raw []byte) (HPKEPublicKey, error) {
	pub, err := cs.hpke.KEM.Unmarshal(raw)
	if err != nil {
		return HPKEPublicKey{}, fmt.Errorf("%w: hpke public key: %v", ErrCodecDecoding, err)
	}
	return HPKEPublicKey{raw: pub, suite: cs}, nil
}

// HPKEKeyPair bundles a derived private/public pair (spec.md §4.4.3).
type HPKEKeyPair struct {
	Private HPKEPrivateKey
	Public  HPKEPublicKey
}

// SignaturePrivateKey / SignaturePublicKey / Signature wrap Ed25519 via
// golang.org/x/crypto/ed25519, the teacher's signature dependency.
type SignaturePrivateKey struct {
	raw ed25519.PrivateKey
}

type SignaturePublicKey struct {
	Raw []byte `tls:"head=2"`
}

type Signature struct {
	Raw []byte `tls:"head=2"`
}

// SignatureKeypair is the credential's long-term signing identity.
type SignatureKeypair struct {
	Private SignaturePrivateKey
	Public  SignaturePublicKey
}

func (cs CipherSuite) newSignatureKeypair() SignatureKeypair {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(fmt.Sprintf("mls: ed25519 keygen: %v", err))
	}
	return SignatureKeypair{
		Private: SignaturePrivateKey{raw: priv},
		Public:  SignaturePublicKey{Raw: pub},
	}
}

func (cs CipherSuite) sign(priv SignaturePrivateKey, message []byte) Signature {
	return Signature{Raw: ed25519.Sign(priv.raw, message)}
}

func (cs CipherSuite) verify(pub SignaturePublicKey, message []byte, sig Signature) bool {
	if len(pub.Raw) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub.Raw), message, sig.Raw)
}
