package mls

import "fmt"

// ProposalType tags a Proposal's concrete payload (spec.md §3/§6).
type ProposalType uint8

const (
	ProposalTypeAdd    ProposalType = 1
	ProposalTypeUpdate ProposalType = 2
	ProposalTypeRemove ProposalType = 3
)

// AddProposal introduces a new member via its KeyPackage.
type AddProposal struct {
	KeyPackage KeyPackage
}

// UpdateProposal replaces the sender's own leaf KeyPackage.
type UpdateProposal struct {
	KeyPackage KeyPackage
}

// RemoveProposal evicts a member; Removed is the node index of that
// member's leaf (twice its LeafIndex).
type RemoveProposal struct {
	Removed uint32
}

// Proposal is the tagged { Add, Update, Remove } union of spec.md §3/§6.
// Grounded on Credential's manual tagged-union codec.
type Proposal struct {
	proposalType ProposalType
	add          AddProposal
	update       UpdateProposal
	remove       RemoveProposal
}

func newAddProposal(kp KeyPackage) Proposal {
	return Proposal{proposalType: ProposalTypeAdd, add: AddProposal{KeyPackage: kp}}
}

func newUpdateProposal(kp KeyPackage) Proposal {
	return Proposal{proposalType: ProposalTypeUpdate, update: UpdateProposal{KeyPackage: kp}}
}

func newRemoveProposal(removed uint32) Proposal {
	return Proposal{proposalType: ProposalTypeRemove, remove: RemoveProposal{Removed: removed}}
}

func (p Proposal) AsAdd() (AddProposal, bool) {
	if p.proposalType != ProposalTypeAdd {
		return AddProposal{}, false
	}
	return p.add, true
}

func (p Proposal) AsUpdate() (UpdateProposal, bool) {
	if p.proposalType != ProposalTypeUpdate {
		return UpdateProposal{}, false
	}
	return p.update, true
}

func (p Proposal) AsRemove() (RemoveProposal, bool) {
	if p.proposalType != ProposalTypeRemove {
		return RemoveProposal{}, false
	}
	return p.remove, true
}

func (p Proposal) MarshalTLS() ([]byte, error) {
	tag, err := marshalTLS(struct{ Type ProposalType }{p.proposalType})
	if err != nil {
		return nil, err
	}
	var body []byte
	switch p.proposalType {
	case ProposalTypeAdd:
		body, err = marshalTLS(p.add)
	case ProposalTypeUpdate:
		body, err = marshalTLS(p.update)
	case ProposalTypeRemove:
		body, err = marshalTLS(p.remove)
	default:
		return nil, fmt.Errorf("%w: proposal type %d", ErrUnknownTag, p.proposalType)
	}
	if err != nil {
		return nil, err
	}
	return append(tag, body...), nil
}

func (p *Proposal) UnmarshalTLS(data []byte) (int, error) {
	var tagged struct{ Type ProposalType }
	n, err := unmarshalTLS(data, &tagged)
	if err != nil {
		return 0, err
	}
	switch tagged.Type {
	case ProposalTypeAdd:
		var a AddProposal
		m, err := unmarshalTLS(data[n:], &a)
		if err != nil {
			return 0, err
		}
		*p = Proposal{proposalType: ProposalTypeAdd, add: a}
		return n + m, nil
	case ProposalTypeUpdate:
		var u UpdateProposal
		m, err := unmarshalTLS(data[n:], &u)
		if err != nil {
			return 0, err
		}
		*p = Proposal{proposalType: ProposalTypeUpdate, update: u}
		return n + m, nil
	case ProposalTypeRemove:
		var r RemoveProposal
		m, err := unmarshalTLS(data[n:], &r)
		if err != nil {
			return 0, err
		}
		*p = Proposal{proposalType: ProposalTypeRemove, remove: r}
		return n + m, nil
	default:
		return 0, fmt.Errorf("%w: proposal type %d", ErrCodecDecoding, tagged.Type)
	}
}

// ProposalRef identifies a proposal by the hash of its encoding
// (spec.md §4.4.1's "proposal reference").
type ProposalRef [32]byte

func proposalRef(suite CipherSuite, p Proposal) (ProposalRef, error) {
	enc, err := p.MarshalTLS()
	if err != nil {
		return ProposalRef{}, err
	}
	h := suite.hash(enc)
	var ref ProposalRef
	copy(ref[:], h)
	return ref, nil
}

// QueuedProposal pairs a Proposal with the leaf that sent it.
type QueuedProposal struct {
	Proposal Proposal
	Sender   LeafIndex
}

// ProposalQueue tracks pending proposals for the current epoch, split
// into the public queue (received over the wire) and the member's own
// queue (not yet committed by anyone), preserving insertion order
// (spec.md §4.4.1).
type ProposalQueue struct {
	order   []ProposalRef
	entries map[ProposalRef]QueuedProposal
}

func newProposalQueue() *ProposalQueue {
	return &ProposalQueue{entries: map[ProposalRef]QueuedProposal{}}
}

func (q *ProposalQueue) Add(suite CipherSuite, sender LeafIndex, p Proposal) (ProposalRef, error) {
	ref, err := proposalRef(suite, p)
	if err != nil {
		return ProposalRef{}, err
	}
	if _, exists := q.entries[ref]; !exists {
		q.order = append(q.order, ref)
	}
	q.entries[ref] = QueuedProposal{Proposal: p, Sender: sender}
	return ref, nil
}

func (q *ProposalQueue) Get(ref ProposalRef) (QueuedProposal, error) {
	qp, ok := q.entries[ref]
	if !ok {
		return QueuedProposal{}, ErrUnknownProposalRef
	}
	return qp, nil
}

// ByType returns every proposal ref currently queued, insertion-ordered,
// bucketed by type for apply_proposals' strict update/remove/add order
// (spec.md §4.4.1).
func (q *ProposalQueue) ByType() (updates, removes, adds []ProposalRef) {
	for _, ref := range q.order {
		switch q.entries[ref].Proposal.proposalType {
		case ProposalTypeUpdate:
			updates = append(updates, ref)
		case ProposalTypeRemove:
			removes = append(removes, ref)
		case ProposalTypeAdd:
			adds = append(adds, ref)
		}
	}
	return updates, removes, adds
}

// ProposalIDList is the explicit list of proposal refs a Commit applies,
// grouped by type (spec.md §4.4.1/§6).
type ProposalIDList struct {
	Updates []ProposalRef
	Removes []ProposalRef
	Adds    []ProposalRef
}

// DirectPathNode carries one node's new public key plus the path secret
// re-encrypted under every public key in that node's copath resolution
// (spec.md §4.4.3).
type DirectPathNode struct {
	PublicKey           HPKEPublicKey
	EncryptedPathSecret []HpkeCiphertext `tls:"head=2"`
}

// DirectPath is a sender's direct-path update: a fresh leaf KeyPackage
// plus a re-keyed node for every step from the leaf to the root
// (spec.md §4.4.3/§6).
type DirectPath struct {
	LeafKeyPackage KeyPackage
	Nodes          []DirectPathNode `tls:"head=4"`
}

// CommitSecret is the final path secret of a direct-path update, the
// commit_secret epoch-transition input of spec.md §4.5.
type CommitSecret []byte

// GroupContext is the authenticated state bound into every signature
// and every direct-path encryption, per spec.md §4.1/§6.
type GroupContext struct {
	GroupID                 []byte `tls:"head=1"`
	Epoch                   uint64
	TreeHash                []byte `tls:"head=1"`
	ConfirmedTranscriptHash []byte `tls:"head=1"`
}

// Commit applies a set of already-queued proposals and, optionally, a
// direct-path update (spec.md §4.4.4/§6). UpdatePath is optional on the
// wire; MarshalTLS/UnmarshalTLS encode that with an explicit presence
// flag rather than relying on an unverified codec-tag feature.
type Commit struct {
	ProposalIDList
	UpdatePath *DirectPath
}

func (c Commit) MarshalTLS() ([]byte, error) {
	list, err := marshalTLS(c.ProposalIDList)
	if err != nil {
		return nil, err
	}
	present := byte(0)
	if c.UpdatePath != nil {
		present = 1
	}
	out := append(list, present)
	if c.UpdatePath != nil {
		path, err := marshalTLS(*c.UpdatePath)
		if err != nil {
			return nil, err
		}
		out = append(out, path...)
	}
	return out, nil
}

func (c *Commit) UnmarshalTLS(data []byte) (int, error) {
	var list ProposalIDList
	n, err := unmarshalTLS(data, &list)
	if err != nil {
		return 0, err
	}
	if n >= len(data) {
		return 0, ErrCodecDecoding
	}
	present := data[n]
	n++
	c.ProposalIDList = list
	c.UpdatePath = nil
	if present == 1 {
		var path DirectPath
		m, err := unmarshalTLS(data[n:], &path)
		if err != nil {
			return 0, err
		}
		c.UpdatePath = &path
		n += m
	}
	return n, nil
}

// GroupSecrets is what a Welcome encrypts to each newly-added member:
// the path secret needed to catch its own direct path up to the current
// epoch (absent when the adder's commit carried no direct-path update)
// plus the joiner's freshly derived init_secret source (spec.md §4.4.4).
type GroupSecrets struct {
	JoinerSecret []byte `tls:"head=1"`
	PathSecret   []byte `tls:"head=1"`
}

// EncryptedGroupSecrets is one recipient's GroupSecrets, sealed under
// that recipient's KeyPackage init key.
type EncryptedGroupSecrets struct {
	KeyPackageRef    ProposalRef
	EncryptedSecrets HpkeCiphertext
}

// Welcome carries the epoch secrets a new member needs to join, one
// EncryptedGroupSecrets per invitee plus the group info sealed under a
// key derived by welcomeInfoSecret from the new epoch_secret
// (spec.md §4.4.4). The tree itself is not part of a Welcome.
type Welcome struct {
	CipherSuite        CipherSuiteID
	Secrets            []EncryptedGroupSecrets `tls:"head=4"`
	EncryptedGroupInfo []byte                  `tls:"head=4"`
}

// GroupInfo is the (pre-encryption) payload a Welcome delivers: enough
// of the sender's authenticated group state for a joiner to check a
// separately delivered RatchetTree against the GroupContext's tree hash
// and adopt that GroupContext (spec.md §4.4.4).
type GroupInfo struct {
	GroupContext    GroupContext
	ConfirmationTag []byte `tls:"head=1"`
	Signer          uint32
	Signature       Signature
}
