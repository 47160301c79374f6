package mls

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// nodesEqual compares two Nodes() snapshots slot by slot: the same
// length, the same leaves present, and the same leaf init keys. Parent
// nodes are not compared; TreeHash covers those.
func nodesEqual(t *testing.T, a, b []*Node) {
	t.Helper()
	require.Equal(t, len(a), len(b))
	for i := range a {
		aLeaf, aOK := a[i].LeafKeyPackage()
		bLeaf, bOK := b[i].LeafKeyPackage()
		require.Equal(t, aOK, bOK, "node %d blank mismatch", i)
		if aOK {
			require.True(t, bytes.Equal(aLeaf.InitKeyRaw, bLeaf.InitKeyRaw), "node %d key mismatch", i)
		}
	}
}

func findLeafForTest(t *testing.T, nodes []*Node, kp KeyPackage) (int, LeafIndex) {
	t.Helper()
	for i, n := range nodes {
		leaf, ok := n.LeafKeyPackage()
		if !ok {
			continue
		}
		if bytes.Equal(leaf.InitKeyRaw, kp.InitKeyRaw) {
			return i, LeafIndex(i / 2)
		}
	}
	t.Fatal("leaf not found")
	return 0, 0
}

// TestGroupLifecycleScenarios walks the literal §8 end-to-end scenarios
// in one sequential run, the same way test_group.rs scripts its group's
// lifecycle.
func TestGroupLifecycleScenarios(t *testing.T) {
	suite := NewCipherSuite(MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)

	// 1. Alice alone.
	aliceClient := NewClient(suite, []byte("Alice"))
	alice, err := NewGroup(aliceClient, GroupConfig{GroupID: make([]byte, 16)})
	require.NoError(t, err)

	ct, err := alice.CreateApplicationMessage([]byte{4, 5, 6}, []byte{1, 2, 3})
	require.NoError(t, err)
	got, err := alice.ProcessApplicationMessage(ct)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, got)

	// 2. Alice adds Bob.
	bobClient := NewClient(suite, []byte("Bob"))
	bobBundle := bobClient.NewKeyPackageBundle()

	_, err = alice.CreateAddProposal(bobBundle.GetKeyPackage())
	require.NoError(t, err)
	result, err := alice.CreateCommit(nil)
	require.NoError(t, err)
	require.NotNil(t, result.Welcome)

	_, bobIndex := findLeafForTest(t, alice.Nodes(), bobBundle.GetKeyPackage())
	bob, err := NewGroupFromWelcome(bobBundle, *result.Welcome, alice.Nodes(), bobIndex)
	require.NoError(t, err)
	nodesEqual(t, alice.Nodes(), bob.Nodes())
	require.Equal(t, alice.Epoch(), bob.Epoch())

	// 3. Bob updates and commits; Alice processes.
	bobProposalCt, err := bob.CreateUpdateProposal()
	require.NoError(t, err)
	require.NoError(t, alice.ProcessProposal(bobProposalCt))
	bobCommit, err := bob.CreateCommit(nil)
	require.NoError(t, err)
	require.NoError(t, alice.ProcessCommit(bobCommit.Commit))
	require.Equal(t, alice.TreeHash(), bob.TreeHash())
	require.Equal(t, alice.Epoch(), bob.Epoch())

	// 4. Alice proposes an update, Bob commits it.
	aliceProposalCt, err := alice.CreateUpdateProposal()
	require.NoError(t, err)
	require.NoError(t, bob.ProcessProposal(aliceProposalCt))
	aliceCommit, err := bob.CreateCommit(nil)
	require.NoError(t, err)
	require.NoError(t, alice.ProcessCommit(aliceCommit.Commit))
	require.Equal(t, alice.TreeHash(), bob.TreeHash())

	// 5. Alice adds Charlie; Charlie's node index is 4.
	charlieClient := NewClient(suite, []byte("Charlie"))
	charlieBundle := charlieClient.NewKeyPackageBundle()

	charlieAddCt, err := alice.CreateAddProposal(charlieBundle.GetKeyPackage())
	require.NoError(t, err)
	require.NoError(t, bob.ProcessProposal(charlieAddCt))
	addResult, err := alice.CreateCommit(nil)
	require.NoError(t, err)
	require.NoError(t, bob.ProcessCommit(addResult.Commit))
	require.NotNil(t, addResult.Welcome)

	charlieNodeIndex, charlieIndex := findLeafForTest(t, alice.Nodes(), charlieBundle.GetKeyPackage())
	require.Equal(t, 4, charlieNodeIndex)
	charlie, err := NewGroupFromWelcome(charlieBundle, *addResult.Welcome, alice.Nodes(), charlieIndex)
	require.NoError(t, err)
	nodesEqual(t, alice.Nodes(), bob.Nodes())
	nodesEqual(t, alice.Nodes(), charlie.Nodes())

	// 6. Charlie removes Bob; Bob's leaf and direct path are blanked.
	bobLeaf := bob.LeafIndex()
	removeCt, err := charlie.CreateRemoveProposal(bobLeaf)
	require.NoError(t, err)
	require.NoError(t, alice.ProcessProposal(removeCt))
	removeResult, err := charlie.CreateCommit(nil)
	require.NoError(t, err)
	require.NoError(t, alice.ProcessCommit(removeResult.Commit))
	require.Equal(t, alice.TreeHash(), charlie.TreeHash())
	require.Equal(t, alice.Epoch(), charlie.Epoch())

	bobNode := toNodeIndex(bobLeaf)
	_, ok := alice.Nodes()[bobNode].LeafKeyPackage()
	require.False(t, ok, "Bob's leaf should be blank after removal")
}

func TestEncryptDecryptRejectsWrongEpoch(t *testing.T) {
	suite := NewCipherSuite(MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	client := NewClient(suite, []byte("Alice"))
	gs, err := NewGroup(client, GroupConfig{GroupID: make([]byte, 16)})
	require.NoError(t, err)

	ct, err := gs.CreateApplicationMessage(nil, []byte("hi"))
	require.NoError(t, err)
	ct.Epoch = gs.Epoch() + 1

	_, err = gs.ProcessApplicationMessage(ct)
	require.ErrorIs(t, err, ErrEpochMismatch)
}

func TestNewGroupDefaultsGroupID(t *testing.T) {
	suite := NewCipherSuite(MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	client := NewClient(suite, []byte("Alice"))
	gs, err := NewGroup(client, GroupConfig{})
	require.NoError(t, err)
	require.Len(t, gs.GroupID(), 16)
}

func TestCommitSelfRemovalReturnsError(t *testing.T) {
	suite := NewCipherSuite(MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)
	aliceClient := NewClient(suite, []byte("Alice"))
	alice, err := NewGroup(aliceClient, GroupConfig{GroupID: make([]byte, 16)})
	require.NoError(t, err)

	bobClient := NewClient(suite, []byte("Bob"))
	bobBundle := bobClient.NewKeyPackageBundle()
	_, err = alice.CreateAddProposal(bobBundle.GetKeyPackage())
	require.NoError(t, err)
	result, err := alice.CreateCommit(nil)
	require.NoError(t, err)

	_, bobIndex := findLeafForTest(t, alice.Nodes(), bobBundle.GetKeyPackage())
	bob, err := NewGroupFromWelcome(bobBundle, *result.Welcome, alice.Nodes(), bobIndex)
	require.NoError(t, err)

	_, err = alice.CreateRemoveProposal(bob.LeafIndex())
	require.NoError(t, err)
	_, err = alice.CreateCommit(nil)
	require.NoError(t, err)

	// Alice removes herself alone in a later epoch.
	_, err = alice.CreateRemoveProposal(alice.LeafIndex())
	require.NoError(t, err)
	_, err = alice.CreateCommit(nil)
	require.ErrorIs(t, err, ErrSelfRemoved)
}
