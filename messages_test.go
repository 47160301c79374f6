package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testKeyPackage(t *testing.T, id string) KeyPackage {
	t.Helper()
	suite := NewCipherSuite(MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	return NewKeyPackageBundle(suite, NewIdentity(suite, []byte(id)), nil).GetKeyPackage()
}

func TestProposalMarshalRoundTripAdd(t *testing.T) {
	p := newAddProposal(testKeyPackage(t, "Bob"))
	enc, err := p.MarshalTLS()
	require.NoError(t, err)

	var decoded Proposal
	n, err := decoded.UnmarshalTLS(enc)
	require.NoError(t, err)
	require.Equal(t, len(enc), n)

	add, ok := decoded.AsAdd()
	require.True(t, ok)
	require.True(t, add.KeyPackage.Verify())
}

func TestProposalMarshalRoundTripRemove(t *testing.T) {
	p := newRemoveProposal(4)
	enc, err := p.MarshalTLS()
	require.NoError(t, err)

	var decoded Proposal
	_, err = decoded.UnmarshalTLS(enc)
	require.NoError(t, err)

	rm, ok := decoded.AsRemove()
	require.True(t, ok)
	require.Equal(t, uint32(4), rm.Removed)
}

func TestProposalUnmarshalUnknownType(t *testing.T) {
	var decoded Proposal
	_, err := decoded.UnmarshalTLS([]byte{0xFF})
	require.Error(t, err)
}

func TestProposalQueueByTypeOrdering(t *testing.T) {
	suite := NewCipherSuite(MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	q := newProposalQueue()

	_, err := q.Add(suite, 0, newUpdateProposal(testKeyPackage(t, "Alice-update")))
	require.NoError(t, err)
	_, err = q.Add(suite, 1, newRemoveProposal(2))
	require.NoError(t, err)
	_, err = q.Add(suite, 0, newAddProposal(testKeyPackage(t, "Bob")))
	require.NoError(t, err)

	updates, removes, adds := q.ByType()
	require.Len(t, updates, 1)
	require.Len(t, removes, 1)
	require.Len(t, adds, 1)
}

func TestProposalQueueGetUnknownRef(t *testing.T) {
	q := newProposalQueue()
	_, err := q.Get(ProposalRef{})
	require.ErrorIs(t, err, ErrUnknownProposalRef)
}

func TestProposalQueueAddIsIdempotentByRef(t *testing.T) {
	suite := NewCipherSuite(MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	q := newProposalQueue()
	p := newRemoveProposal(2)

	ref1, err := q.Add(suite, 0, p)
	require.NoError(t, err)
	ref2, err := q.Add(suite, 0, p)
	require.NoError(t, err)

	require.Equal(t, ref1, ref2)
	updates, removes, adds := q.ByType()
	require.Empty(t, updates)
	require.Len(t, removes, 1)
	require.Empty(t, adds)
}

func TestCommitMarshalRoundTripWithoutUpdatePath(t *testing.T) {
	c := Commit{ProposalIDList: ProposalIDList{Removes: []ProposalRef{{1, 2, 3}}}}
	enc, err := c.MarshalTLS()
	require.NoError(t, err)

	var decoded Commit
	n, err := decoded.UnmarshalTLS(enc)
	require.NoError(t, err)
	require.Equal(t, len(enc), n)
	require.Nil(t, decoded.UpdatePath)
	require.Equal(t, c.Removes, decoded.Removes)
}

func TestGroupContextMarshalRoundTrip(t *testing.T) {
	gc := GroupContext{
		GroupID:                 []byte{1, 2, 3, 4},
		Epoch:                   7,
		TreeHash:                []byte{5, 6, 7},
		ConfirmedTranscriptHash: []byte{8, 9},
	}
	enc, err := marshalTLS(gc)
	require.NoError(t, err)

	var decoded GroupContext
	n, err := unmarshalTLS(enc, &decoded)
	require.NoError(t, err)
	require.Equal(t, len(enc), n)
	require.Equal(t, gc, decoded)
}
