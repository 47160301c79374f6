package mls

import "fmt"

// MLSPlaintext is a framed, signed group message: a Proposal, a Commit,
// or raw application data, always carrying the group id/epoch/sender it
// was produced under (spec.md §4.5/§4.6/§6). The content is a tagged
// union dispatched on ContentType, following the same manual-codec
// pattern as Credential/Proposal.
type MLSPlaintext struct {
	GroupID           []byte `tls:"head=1"`
	Epoch             uint64
	Sender            LeafIndex
	AuthenticatedData []byte `tls:"head=4"`

	contentType ContentType
	application []byte
	proposal    Proposal
	commit      Commit

	Signature       Signature
	ConfirmationTag []byte `tls:"head=1"` // set only when contentType == ContentTypeCommit
}

func newApplicationPlaintext(groupID []byte, epoch uint64, sender LeafIndex, aad, data []byte) MLSPlaintext {
	return MLSPlaintext{GroupID: groupID, Epoch: epoch, Sender: sender, AuthenticatedData: aad, contentType: ContentTypeApplication, application: data}
}

func newProposalPlaintext(groupID []byte, epoch uint64, sender LeafIndex, aad []byte, p Proposal) MLSPlaintext {
	return MLSPlaintext{GroupID: groupID, Epoch: epoch, Sender: sender, AuthenticatedData: aad, contentType: ContentTypeProposal, proposal: p}
}

func newCommitPlaintext(groupID []byte, epoch uint64, sender LeafIndex, aad []byte, c Commit) MLSPlaintext {
	return MLSPlaintext{GroupID: groupID, Epoch: epoch, Sender: sender, AuthenticatedData: aad, contentType: ContentTypeCommit, commit: c}
}

func (p MLSPlaintext) ContentType() ContentType { return p.contentType }

func (p MLSPlaintext) AsApplication() ([]byte, bool) {
	if p.contentType != ContentTypeApplication {
		return nil, false
	}
	return p.application, true
}

func (p MLSPlaintext) AsProposal() (Proposal, bool) {
	if p.contentType != ContentTypeProposal {
		return Proposal{}, false
	}
	return p.proposal, true
}

func (p MLSPlaintext) AsCommit() (Commit, bool) {
	if p.contentType != ContentTypeCommit {
		return Commit{}, false
	}
	return p.commit, true
}

// tbsBytes is the to-be-signed encoding: every field but the signature
// itself (spec.md §4.5 step 4's "plaintext_without_confirmation" is this
// minus ConfirmationTag too, see confirmedTranscriptInput).
func (p MLSPlaintext) tbsBytes() ([]byte, error) {
	header, err := marshalTLS(struct {
		GroupID           []byte `tls:"head=1"`
		Epoch             uint64
		Sender            LeafIndex
		AuthenticatedData []byte `tls:"head=4"`
		ContentType       ContentType
	}{p.GroupID, p.Epoch, p.Sender, p.AuthenticatedData, p.contentType})
	if err != nil {
		return nil, err
	}
	body, err := p.marshalContent()
	if err != nil {
		return nil, err
	}
	return append(header, body...), nil
}

// confirmedTranscriptInput is tbsBytes() plus the signature but minus
// the confirmation tag — the exact bytes spec.md §4.5 step 4 hashes
// twice to produce confirmed_transcript_hash.
func (p MLSPlaintext) confirmedTranscriptInput() ([]byte, error) {
	tbs, err := p.tbsBytes()
	if err != nil {
		return nil, err
	}
	sig, err := marshalTLS(p.Signature)
	if err != nil {
		return nil, err
	}
	return append(tbs, sig...), nil
}

func (p MLSPlaintext) marshalContent() ([]byte, error) {
	switch p.contentType {
	case ContentTypeApplication:
		return marshalTLS(struct {
			Data []byte `tls:"head=4"`
		}{p.application})
	case ContentTypeProposal:
		return marshalTLS(p.proposal)
	case ContentTypeCommit:
		return marshalTLS(p.commit)
	default:
		return nil, fmt.Errorf("%w: content type %d", ErrUnknownTag, p.contentType)
	}
}

func (p MLSPlaintext) MarshalTLS() ([]byte, error) {
	tbs, err := p.tbsBytes()
	if err != nil {
		return nil, err
	}
	sig, err := marshalTLS(p.Signature)
	if err != nil {
		return nil, err
	}
	out := append(tbs, sig...)
	confirm, err := marshalTLS(struct {
		ConfirmationTag []byte `tls:"head=1"`
	}{p.ConfirmationTag})
	if err != nil {
		return nil, err
	}
	return append(out, confirm...), nil
}

func (p *MLSPlaintext) UnmarshalTLS(data []byte) (int, error) {
	var header struct {
		GroupID           []byte `tls:"head=1"`
		Epoch             uint64
		Sender            LeafIndex
		AuthenticatedData []byte `tls:"head=4"`
		ContentType       ContentType
	}
	n, err := unmarshalTLS(data, &header)
	if err != nil {
		return 0, err
	}
	p.GroupID, p.Epoch, p.Sender, p.AuthenticatedData, p.contentType =
		header.GroupID, header.Epoch, header.Sender, header.AuthenticatedData, header.ContentType

	switch p.contentType {
	case ContentTypeApplication:
		var body struct {
			Data []byte `tls:"head=4"`
		}
		m, err := unmarshalTLS(data[n:], &body)
		if err != nil {
			return 0, err
		}
		p.application = body.Data
		n += m
	case ContentTypeProposal:
		var prop Proposal
		m, err := unmarshalTLS(data[n:], &prop)
		if err != nil {
			return 0, err
		}
		p.proposal = prop
		n += m
	case ContentTypeCommit:
		var c Commit
		m, err := unmarshalTLS(data[n:], &c)
		if err != nil {
			return 0, err
		}
		p.commit = c
		n += m
	default:
		return 0, fmt.Errorf("%w: content type %d", ErrCodecDecoding, p.contentType)
	}

	var sig Signature
	m, err := unmarshalTLS(data[n:], &sig)
	if err != nil {
		return 0, err
	}
	p.Signature = sig
	n += m

	var confirm struct {
		ConfirmationTag []byte `tls:"head=1"`
	}
	m, err = unmarshalTLS(data[n:], &confirm)
	if err != nil {
		return 0, err
	}
	p.ConfirmationTag = confirm.ConfirmationTag
	n += m
	return n, nil
}

// MLSCiphertext is the AEAD-protected wire form of an MLSPlaintext
// (spec.md §4.6). The AAD binds group id, epoch, content type,
// generation, and sender, so tampering with any of those fails
// decryption even though they travel in the clear.
type MLSCiphertext struct {
	GroupID           []byte `tls:"head=1"`
	Epoch             uint64
	ContentType       ContentType
	Sender            LeafIndex
	Generation        uint32
	AuthenticatedData []byte `tls:"head=4"`
	Ciphertext        []byte `tls:"head=4"`
}

func (c MLSCiphertext) aad() ([]byte, error) {
	return marshalTLS(struct {
		GroupID           []byte `tls:"head=1"`
		Epoch             uint64
		ContentType       ContentType
		Sender            LeafIndex
		Generation        uint32
		AuthenticatedData []byte `tls:"head=4"`
	}{c.GroupID, c.Epoch, c.ContentType, c.Sender, c.Generation, c.AuthenticatedData})
}
