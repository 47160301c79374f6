// Command mlsctl drives the engine's end-to-end member lifecycle
// against an in-process simulated set of clients, for manual
// inspection of epoch transitions, tree convergence, and application
// message round-trips. It never touches a network or disk: every
// "delivery" between members is a direct in-memory handoff, since
// transport and persistence stay out of the engine's scope.
package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cruxmls/go-mls"
)

func main() {
	root := &cobra.Command{
		Use:           "mlsctl",
		Short:         "drive the go-mls engine through a scripted group lifecycle",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(demoCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mlsctl:", err)
		os.Exit(1)
	}
}

func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "run Alice/Bob/Charlie through the six scripted scenarios",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo()
		},
	}
}

// member pairs a simulated client with the GroupState it currently
// holds, so the demo can keep several participants' views in sync the
// way a real application would keep one GroupState per local device.
type member struct {
	name   string
	client mls.Client
	gs     *mls.GroupState
}

func runDemo() error {
	suite := mls.NewCipherSuite(mls.MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519)

	// Scenario 1: Alice alone.
	alice := member{name: "Alice", client: mls.NewClient(suite, []byte("Alice"))}
	groupID := make([]byte, 16)
	gs, err := mls.NewGroup(alice.client, mls.GroupConfig{GroupID: groupID})
	if err != nil {
		return fmt.Errorf("scenario 1: create group: %w", err)
	}
	alice.gs = gs

	aad := []byte{4, 5, 6}
	payload := []byte{1, 2, 3}
	ct, err := alice.gs.CreateApplicationMessage(aad, payload)
	if err != nil {
		return fmt.Errorf("scenario 1: encrypt: %w", err)
	}
	got, err := alice.gs.ProcessApplicationMessage(ct)
	if err != nil {
		return fmt.Errorf("scenario 1: decrypt: %w", err)
	}
	if !bytes.Equal(got, payload) {
		return fmt.Errorf("scenario 1: plaintext mismatch: got %v want %v", got, payload)
	}
	fmt.Printf("scenario 1: Alice alone, epoch %d, application round-trip OK\n", alice.gs.Epoch())

	// Scenario 2: Alice adds Bob.
	bob := member{name: "Bob", client: mls.NewClient(suite, []byte("Bob"))}
	bobBundle := bob.client.NewKeyPackageBundle()

	if _, err := alice.gs.CreateAddProposal(bobBundle.GetKeyPackage()); err != nil {
		return fmt.Errorf("scenario 2: propose add: %w", err)
	}
	result, err := alice.gs.CreateCommit(nil)
	if err != nil {
		return fmt.Errorf("scenario 2: commit: %w", err)
	}
	if result.Welcome == nil {
		return fmt.Errorf("scenario 2: commit adding Bob produced no welcome")
	}
	_, bobIndex, ok := findLeaf(alice.gs.Nodes(), bobBundle.GetKeyPackage())
	if !ok {
		return fmt.Errorf("scenario 2: Bob's leaf not found in Alice's post-commit tree")
	}
	bob.gs, err = mls.NewGroupFromWelcome(bobBundle, *result.Welcome, alice.gs.Nodes(), bobIndex)
	if err != nil {
		return fmt.Errorf("scenario 2: Bob joins from welcome: %w", err)
	}
	if !nodesEqual(alice.gs.Nodes(), bob.gs.Nodes()) {
		return fmt.Errorf("scenario 2: Alice and Bob trees diverge after join")
	}
	fmt.Printf("scenario 2: Alice adds Bob, epoch %d, trees converge\n", alice.gs.Epoch())

	// Scenario 3: Bob updates, Alice processes; Bob's commit advances
	// the epoch by one from scenario 2's epoch, and the check below
	// compares the two members' tree hashes.
	bobProposalCt, err := bob.gs.CreateUpdateProposal()
	if err != nil {
		return fmt.Errorf("scenario 3: Bob proposes update: %w", err)
	}
	if err := alice.gs.ProcessProposal(bobProposalCt); err != nil {
		return fmt.Errorf("scenario 3: Alice processes Bob's proposal: %w", err)
	}
	bobCommit, err := bob.gs.CreateCommit(nil)
	if err != nil {
		return fmt.Errorf("scenario 3: Bob commits: %w", err)
	}
	if err := alice.gs.ProcessCommit(bobCommit.Commit); err != nil {
		return fmt.Errorf("scenario 3: Alice processes Bob's commit: %w", err)
	}
	if !bytes.Equal(alice.gs.TreeHash(), bob.gs.TreeHash()) {
		return fmt.Errorf("scenario 3: tree hashes diverge after Bob's update")
	}
	fmt.Printf("scenario 3: Bob updates and commits, epoch %d, tree hashes match\n", alice.gs.Epoch())

	// Scenario 4: Alice proposes an update, Bob commits it. Bob only
	// learns of the proposal by processing the message Alice sent, the
	// same handoff a real delivery service would perform.
	aliceProposalCt, err := alice.gs.CreateUpdateProposal()
	if err != nil {
		return fmt.Errorf("scenario 4: Alice proposes update: %w", err)
	}
	if err := bob.gs.ProcessProposal(aliceProposalCt); err != nil {
		return fmt.Errorf("scenario 4: Bob processes Alice's proposal: %w", err)
	}
	aliceCommit, err := bob.gs.CreateCommit(nil)
	if err != nil {
		return fmt.Errorf("scenario 4: Bob commits Alice's update: %w", err)
	}
	if err := alice.gs.ProcessCommit(aliceCommit.Commit); err != nil {
		return fmt.Errorf("scenario 4: Alice processes Bob's commit: %w", err)
	}
	if !bytes.Equal(alice.gs.TreeHash(), bob.gs.TreeHash()) {
		return fmt.Errorf("scenario 4: tree hashes diverge after Alice's update commit")
	}
	fmt.Printf("scenario 4: Alice's update committed by Bob, epoch %d, both converge\n", alice.gs.Epoch())

	// Scenario 5: Alice adds Charlie.
	charlie := member{name: "Charlie", client: mls.NewClient(suite, []byte("Charlie"))}
	charlieBundle := charlie.client.NewKeyPackageBundle()

	charlieAddCt, err := alice.gs.CreateAddProposal(charlieBundle.GetKeyPackage())
	if err != nil {
		return fmt.Errorf("scenario 5: propose add Charlie: %w", err)
	}
	if err := bob.gs.ProcessProposal(charlieAddCt); err != nil {
		return fmt.Errorf("scenario 5: Bob processes add proposal: %w", err)
	}
	addResult, err := alice.gs.CreateCommit(nil)
	if err != nil {
		return fmt.Errorf("scenario 5: commit adding Charlie: %w", err)
	}
	if err := bob.gs.ProcessCommit(addResult.Commit); err != nil {
		return fmt.Errorf("scenario 5: Bob processes add: %w", err)
	}
	if addResult.Welcome == nil {
		return fmt.Errorf("scenario 5: commit adding Charlie produced no welcome")
	}
	charlieNodeIndex, charlieIndex, ok := findLeaf(alice.gs.Nodes(), charlieBundle.GetKeyPackage())
	if !ok {
		return fmt.Errorf("scenario 5: Charlie's leaf not found in Alice's post-commit tree")
	}
	if charlieNodeIndex != 4 {
		return fmt.Errorf("scenario 5: expected Charlie at node index 4, got %d", charlieNodeIndex)
	}
	charlie.gs, err = mls.NewGroupFromWelcome(charlieBundle, *addResult.Welcome, alice.gs.Nodes(), charlieIndex)
	if err != nil {
		return fmt.Errorf("scenario 5: Charlie joins from welcome: %w", err)
	}
	if !nodesEqual(alice.gs.Nodes(), bob.gs.Nodes()) || !nodesEqual(alice.gs.Nodes(), charlie.gs.Nodes()) {
		return fmt.Errorf("scenario 5: trees diverge after Charlie joins")
	}
	fmt.Printf("scenario 5: Alice adds Charlie at node index %d, all three converge\n", charlieNodeIndex)

	// Scenario 6: Charlie removes Bob.
	removeCt, err := charlie.gs.CreateRemoveProposal(bob.gs.LeafIndex())
	if err != nil {
		return fmt.Errorf("scenario 6: propose remove Bob: %w", err)
	}
	if err := alice.gs.ProcessProposal(removeCt); err != nil {
		return fmt.Errorf("scenario 6: Alice processes remove proposal: %w", err)
	}
	removeResult, err := charlie.gs.CreateCommit(nil)
	if err != nil {
		return fmt.Errorf("scenario 6: commit removing Bob: %w", err)
	}
	if err := alice.gs.ProcessCommit(removeResult.Commit); err != nil {
		return fmt.Errorf("scenario 6: Alice processes removal: %w", err)
	}
	if !bytes.Equal(alice.gs.TreeHash(), charlie.gs.TreeHash()) {
		return fmt.Errorf("scenario 6: tree hashes diverge after removing Bob")
	}
	fmt.Printf("scenario 6: Charlie removes Bob, epoch %d, Alice and Charlie converge\n", alice.gs.Epoch())

	return nil
}

// findLeaf locates kp's leaf in a Nodes() snapshot, returning both its
// raw node index (array position) and the leaf index NewGroupFromWelcome
// expects (half the node index, leaves sitting at even positions).
func findLeaf(nodes []*mls.Node, kp mls.KeyPackage) (nodeIndex int, leafIndex mls.LeafIndex, ok bool) {
	for i, n := range nodes {
		leaf, present := n.LeafKeyPackage()
		if !present {
			continue
		}
		if bytes.Equal(leaf.InitKeyRaw, kp.InitKeyRaw) {
			return i, mls.LeafIndex(i / 2), true
		}
	}
	return 0, 0, false
}

func nodesEqual(a, b []*mls.Node) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		aLeaf, aOK := a[i].LeafKeyPackage()
		bLeaf, bOK := b[i].LeafKeyPackage()
		if aOK != bOK {
			return false
		}
		if aOK && !bytes.Equal(aLeaf.InitKeyRaw, bLeaf.InitKeyRaw) {
			return false
		}
	}
	return true
}
