package mls

import "fmt"

// CredentialType tags a Credential's concrete encoding (spec.md §6).
// Only Basic is implemented.
type CredentialType uint8

const (
	CredentialTypeBasic   CredentialType = 0
	CredentialTypeX509    CredentialType = 1
	CredentialTypeDefault CredentialType = 255
)

// Identity is a member's local signing identity: an opaque id plus the
// long-term signature keypair backing its credential (spec.md §3, and
// directly grounded on original_source/src/creds.rs's Identity).
type Identity struct {
	ciphersuite CipherSuite
	id          []byte
	keypair     SignatureKeypair
}

// NewIdentity mints a fresh signing keypair for id under suite.
func NewIdentity(suite CipherSuite, id []byte) Identity {
	return Identity{
		ciphersuite: suite,
		id:          append([]byte(nil), id...),
		keypair:     suite.newSignatureKeypair(),
	}
}

func (i Identity) Sign(payload []byte) Signature {
	return i.ciphersuite.sign(i.keypair.Private, payload)
}

func (i Identity) Verify(payload []byte, sig Signature) bool {
	return i.ciphersuite.verify(i.keypair.Public, payload, sig)
}

// BasicCredential is a signed identity binding: VecU16(identity) ||
// Ciphersuite || SignaturePublicKey (spec.md §6).
type BasicCredential struct {
	Identity    []byte `tls:"head=2"`
	CipherSuite CipherSuiteID
	PublicKey   SignaturePublicKey
}

func basicCredentialFromIdentity(identity Identity) BasicCredential {
	return BasicCredential{
		Identity:    append([]byte(nil), identity.id...),
		CipherSuite: identity.ciphersuite.ID,
		PublicKey:   identity.keypair.Public,
	}
}

func (bc BasicCredential) verify(ciphersuite CipherSuite, payload []byte, sig Signature) bool {
	return ciphersuite.verify(bc.PublicKey, payload, sig)
}

// Credential is the tagged { Basic } union of spec.md §3/§6. Only Basic
// is implemented; decoding any other tag is a DecodingError.
type Credential struct {
	credentialType CredentialType
	basic          BasicCredential
}

func newBasicCredential(identity Identity) Credential {
	return Credential{
		credentialType: CredentialTypeBasic,
		basic:          basicCredentialFromIdentity(identity),
	}
}

func (c Credential) Verify(ciphersuite CipherSuite, payload []byte, sig Signature) bool {
	switch c.credentialType {
	case CredentialTypeBasic:
		return c.basic.verify(ciphersuite, payload, sig)
	default:
		return false
	}
}

// Equal compares credentials by their encoded identity; used by
// MembershipChanges reporting (spec.md §4.4.6).
func (c Credential) Equal(other Credential) bool {
	if c.credentialType != other.credentialType {
		return false
	}
	if len(c.basic.Identity) != len(other.basic.Identity) {
		return false
	}
	for i := range c.basic.Identity {
		if c.basic.Identity[i] != other.basic.Identity[i] {
			return false
		}
	}
	return true
}

func (c Credential) MarshalTLS() ([]byte, error) {
	buf, err := marshalTLS(struct {
		Type CredentialType
	}{c.credentialType})
	if err != nil {
		return nil, err
	}
	switch c.credentialType {
	case CredentialTypeBasic:
		body, err := marshalTLS(c.basic)
		if err != nil {
			return nil, err
		}
		return append(buf, body...), nil
	default:
		return nil, fmt.Errorf("%w: credential type %d", ErrUnknownTag, c.credentialType)
	}
}

func (c *Credential) UnmarshalTLS(data []byte) (int, error) {
	var tagged struct {
		Type CredentialType
	}
	n, err := unmarshalTLS(data, &tagged)
	if err != nil {
		return 0, err
	}
	switch tagged.Type {
	case CredentialTypeBasic:
		var bc BasicCredential
		m, err := unmarshalTLS(data[n:], &bc)
		if err != nil {
			return 0, err
		}
		c.credentialType = CredentialTypeBasic
		c.basic = bc
		return n + m, nil
	default:
		return 0, fmt.Errorf("%w: credential type %d", ErrCodecDecoding, tagged.Type)
	}
}
