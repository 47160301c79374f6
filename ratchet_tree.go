package mls

import "fmt"

// Node is a ratchet tree slot: either a leaf (an optional KeyPackage) or
// an interior node (an optional ParentNode); "blank" when both are
// absent. Grounded on original_source/src/tree/mod.rs's Node/NodeType.
type Node struct {
	nodeType NodeType
	leaf     *KeyPackage
	parent   *ParentNode
}

func newLeafNode(kp *KeyPackage) Node {
	return Node{nodeType: NodeTypeLeaf, leaf: kp}
}

func newBlankParentNode() Node {
	return Node{nodeType: NodeTypeParent}
}

func (n Node) isBlank() bool {
	return n.leaf == nil && n.parent == nil
}

func (n Node) blank() Node {
	n.leaf = nil
	n.parent = nil
	return n
}

// LeafKeyPackage returns a leaf node's KeyPackage, for callers outside
// the package (e.g. cmd/mlsctl locating a just-added member's own leaf
// in a Nodes() snapshot) that need to identify a leaf without reaching
// into unexported fields.
func (n *Node) LeafKeyPackage() (KeyPackage, bool) {
	if n == nil || n.nodeType != NodeTypeLeaf || n.leaf == nil {
		return KeyPackage{}, false
	}
	return *n.leaf, true
}

// publicHPKEKey returns the node's direct-path public key, if any.
func (n Node) publicHPKEKey() (HPKEPublicKey, bool) {
	switch n.nodeType {
	case NodeTypeLeaf:
		if n.leaf == nil {
			return HPKEPublicKey{}, false
		}
		return n.leaf.GetHPKEInitKey(), true
	case NodeTypeParent:
		if n.parent == nil {
			return HPKEPublicKey{}, false
		}
		return n.parent.PublicKey, true
	default:
		return HPKEPublicKey{}, false
	}
}

// hash is the node's own contribution to a parent-hash chain: the hash
// of its ParentNode encoding. Leaves contribute nothing here — their
// parent hash comes from their KeyPackage's extension instead.
func (n Node) hash(suite CipherSuite) ([]byte, bool) {
	if n.parent == nil {
		return nil, false
	}
	enc, err := marshalTLS(*n.parent)
	if err != nil {
		return nil, false
	}
	return suite.hash(enc), true
}

// parentHash returns the parent-hash value this node claims: read off
// the ParentNode itself for interior nodes, or off the ParentHash
// extension of a leaf's KeyPackage (spec.md §4.4.5).
func (n Node) parentHash() ([]byte, bool) {
	if n.isBlank() {
		return nil, false
	}
	switch n.nodeType {
	case NodeTypeParent:
		if n.parent == nil {
			return nil, false
		}
		return n.parent.ParentHash, true
	case NodeTypeLeaf:
		if n.leaf == nil {
			return nil, false
		}
		return n.leaf.GetParentHash()
	default:
		return nil, false
	}
}

// ParentNode is an interior ratchet-tree node's payload: its current
// public key, the leaves merged into its resolution by later Adds that
// didn't get their own direct-path update, and its parent-hash chain
// value (spec.md §4.4.2).
type ParentNode struct {
	PublicKey      HPKEPublicKey
	UnmergedLeaves []uint32 `tls:"head=4"`
	ParentHash     []byte   `tls:"head=1"`
}

// pathKeypairs is a sparse NodeIndex -> HPKEKeyPair map: the keypairs a
// member derived for its own most recent direct-path update, kept so it
// can decrypt a later committer's path secret re-encrypted to it
// (spec.md §4.4.3). Grounded on original_source/src/tree/mod.rs's
// PathKeypairs.
type pathKeypairs struct {
	byNode map[NodeIndex]HPKEKeyPair
}

func newPathKeypairs() pathKeypairs {
	return pathKeypairs{byNode: map[NodeIndex]HPKEKeyPair{}}
}

func (p *pathKeypairs) add(keypairs []HPKEKeyPair, path []NodeIndex) {
	for i, n := range path {
		p.byNode[n] = keypairs[i]
	}
}

func (p pathKeypairs) get(n NodeIndex) (HPKEKeyPair, bool) {
	kp, ok := p.byNode[n]
	return kp, ok
}

// ownLeaf is the local member's own leaf state: its signed KeyPackage
// bundle, its position, the keypairs from its last direct-path update,
// and the raw per-node secrets that produced them (kept so a committer
// can hand a just-added joiner the one secret, at their welcome
// ancestor, the joiner needs to continue the same chain — spec.md
// §4.4.4/§4.5 step 7).
type ownLeaf struct {
	suite        CipherSuite
	bundle       KeyPackageBundle
	leafIndex    LeafIndex
	pathKeypairs pathKeypairs
	pathSecrets  map[NodeIndex][]byte
}

func addPathSecrets(dst map[NodeIndex][]byte, secrets [][]byte, path []NodeIndex) {
	for i, n := range path {
		dst[n] = secrets[i]
	}
}

// generatePathSecrets expands startSecret into n chained path secrets
// (one per direct-path step) and the CommitSecret derived from the last
// one, via the "path" label (spec.md §4.4.3).
func generatePathSecrets(suite CipherSuite, startSecret []byte, n int) ([][]byte, CommitSecret) {
	hashLen := suite.hashLength()
	secrets := make([][]byte, 0, n)
	secrets = append(secrets, suite.hkdfExpandLabel(startSecret, "path", nil, hashLen))
	for i := 1; i < n; i++ {
		secrets = append(secrets, suite.hkdfExpandLabel(secrets[i-1], "path", nil, hashLen))
	}
	commitSecret := CommitSecret(suite.hkdfExpandLabel(secrets[len(secrets)-1], "path", nil, hashLen))
	return secrets, commitSecret
}

// continuePathSecrets is generatePathSecrets but starting from an
// already-derived intermediate secret (the recipient side of a
// direct-path update, picking up where a decrypted path secret left
// off).
func continuePathSecrets(suite CipherSuite, intermediateSecret []byte, n int) ([][]byte, CommitSecret) {
	hashLen := suite.hashLength()
	secrets := make([][]byte, 0, n)
	secrets = append(secrets, append([]byte(nil), intermediateSecret...))
	for i := 1; i < n; i++ {
		secrets = append(secrets, suite.hkdfExpandLabel(secrets[i-1], "path", nil, hashLen))
	}
	commitSecret := CommitSecret(suite.hkdfExpandLabel(secrets[len(secrets)-1], "path", nil, hashLen))
	return secrets, commitSecret
}

// generatePathKeypairs derives one HPKE keypair per path secret via the
// "node" label (spec.md §4.4.3).
func generatePathKeypairs(suite CipherSuite, pathSecrets [][]byte) []HPKEKeyPair {
	hashLen := suite.hashLength()
	keypairs := make([]HPKEKeyPair, len(pathSecrets))
	for i, secret := range pathSecrets {
		nodeSecret := suite.hkdfExpandLabel(secret, "node", nil, hashLen)
		priv, pub := suite.hpkeKeyPairFromSecret(nodeSecret)
		keypairs[i] = HPKEKeyPair{Private: priv, Public: pub}
	}
	return keypairs
}

// RatchetTree is the shared, left-balanced binary tree of member leaves
// and blanked/populated interior nodes (spec.md §4.4). Grounded on
// original_source/src/tree/mod.rs's Tree.
type RatchetTree struct {
	suite   CipherSuite
	nodes   []Node
	ownLeaf ownLeaf
}

// NewRatchetTree starts a brand-new one-member tree from a freshly
// minted KeyPackageBundle (spec.md §4.4).
func NewRatchetTree(suite CipherSuite, bundle KeyPackageBundle) *RatchetTree {
	kp := bundle.GetKeyPackage()
	return &RatchetTree{
		suite: suite,
		nodes: []Node{newLeafNode(&kp)},
		ownLeaf: ownLeaf{
			suite:        suite,
			bundle:       bundle,
			leafIndex:    0,
			pathKeypairs: newPathKeypairs(),
			pathSecrets:  map[NodeIndex][]byte{},
		},
	}
}

// NewRatchetTreeFromNodes reconstructs a tree from a Welcome's public
// node list (nil entries are blanks), for the joining member at index.
// welcomeAncestor is the common ancestor of the adder's leaf and this
// new leaf; when welcomePathSecret is non-nil (the adder's commit
// carried a direct-path update), the joiner continues that one
// delivered secret up to the root via continuePathSecrets (spec.md
// §4.4.4/§4.5 step 7), matching the keypairs the adder itself installed
// on the shared path rather than inventing an unrelated chain from its
// own init key. Below welcomeAncestor the new leaf's ancestors are
// still blank (no other member's commit has touched them yet), so no
// keypair is needed there. When welcomePathSecret is nil (an add-only
// commit performed no path update), the joiner installs no path
// keypairs at all; it picks them up the ordinary way, via
// UpdateDirectPath, the first time a later commit updates a path that
// passes through one of its ancestors.
func NewRatchetTreeFromNodes(suite CipherSuite, bundle KeyPackageBundle, nodeOptions []*Node, index LeafIndex, welcomeAncestor NodeIndex, welcomePathSecret []byte) *RatchetTree {
	nodes := make([]Node, len(nodeOptions))
	for i, n := range nodeOptions {
		if n != nil {
			nodes[i] = *n
		} else if i%2 == 0 {
			nodes[i] = newLeafNode(nil)
		} else {
			nodes[i] = newBlankParentNode()
		}
	}
	t := &RatchetTree{suite: suite, nodes: nodes}

	size := leafCountForWidth(uint32(len(nodes)))
	path := dirpathWithRoot(toNodeIndex(index), size)
	pk := newPathKeypairs()
	secretsByNode := map[NodeIndex][]byte{}

	if welcomePathSecret != nil {
		startIdx := -1
		for i, n := range path {
			if n == welcomeAncestor {
				startIdx = i
				break
			}
		}
		if startIdx >= 0 {
			aboveSecrets, _ := continuePathSecrets(suite, welcomePathSecret, len(path)-startIdx)
			abovePath := path[startIdx:]
			keypairs := generatePathKeypairs(suite, aboveSecrets)
			pk.add(keypairs, abovePath)
			addPathSecrets(secretsByNode, aboveSecrets, abovePath)
		}
	}

	t.ownLeaf = ownLeaf{suite: suite, bundle: bundle, leafIndex: index, pathKeypairs: pk, pathSecrets: secretsByNode}
	return t
}

// clone deep-copies enough of the tree (every ParentNode, since
// computeParentHash mutates one in place) that applying proposals to
// the clone can be discarded without touching the original on failure
// (spec.md §4.5 step 2's snapshot-then-apply requirement).
func (t *RatchetTree) clone() *RatchetTree {
	nodes := make([]Node, len(t.nodes))
	for i, n := range t.nodes {
		nodes[i] = n
		if n.parent != nil {
			p := *n.parent
			p.UnmergedLeaves = append([]uint32(nil), n.parent.UnmergedLeaves...)
			p.ParentHash = append([]byte(nil), n.parent.ParentHash...)
			nodes[i].parent = &p
		}
	}
	pk := newPathKeypairs()
	for k, v := range t.ownLeaf.pathKeypairs.byNode {
		pk.byNode[k] = v
	}
	secrets := make(map[NodeIndex][]byte, len(t.ownLeaf.pathSecrets))
	for k, v := range t.ownLeaf.pathSecrets {
		secrets[k] = v
	}
	return &RatchetTree{
		suite: t.suite,
		nodes: nodes,
		ownLeaf: ownLeaf{
			suite:        t.ownLeaf.suite,
			bundle:       t.ownLeaf.bundle,
			leafIndex:    t.ownLeaf.leafIndex,
			pathKeypairs: pk,
			pathSecrets:  secrets,
		},
	}
}

func (t *RatchetTree) treeSize() NodeIndex {
	return NodeIndex(len(t.nodes))
}

// pathSecretAt returns the raw direct-path secret this member derived
// at node n during its most recent own-leaf update, if any (spec.md
// §4.5 step 7: a committer reads this to hand a just-added joiner the
// secret at their shared welcome ancestor).
func (t *RatchetTree) pathSecretAt(n NodeIndex) ([]byte, bool) {
	s, ok := t.ownLeaf.pathSecrets[n]
	return s, ok
}

func (t *RatchetTree) LeafCount() LeafCount {
	return leafCountForWidth(uint32(len(t.nodes)))
}

// resolve returns, in order, the node itself (if populated) plus its
// unmerged leaves, or — if blank — the concatenation of its children's
// resolutions (spec.md §4.4.2).
func (t *RatchetTree) resolve(index NodeIndex) []NodeIndex {
	size := t.LeafCount()
	node := t.nodes[index]

	if node.nodeType == NodeTypeLeaf {
		if node.isBlank() {
			return nil
		}
		return []NodeIndex{index}
	}

	if !node.isBlank() {
		out := []NodeIndex{index}
		for _, leaf := range node.parent.UnmergedLeaves {
			out = append(out, NodeIndex(leaf))
		}
		return out
	}

	out := t.resolve(left(index))
	out = append(out, t.resolve(right(index, size))...)
	return out
}

// blankMember blanks a leaf, its root, and every node on its direct path
// (spec.md §4.4.4's remove handling).
func (t *RatchetTree) blankMember(index NodeIndex) {
	size := t.LeafCount()
	t.nodes[index] = t.nodes[index].blank()
	t.nodes[root(size)] = t.nodes[root(size)].blank()
	for _, n := range dirpath(index, size) {
		t.nodes[n] = t.nodes[n].blank()
	}
	Logger.Debug().Uint32("node", uint32(index)).Msg("blanked member direct path")
}

// freeLeaves returns every blank leaf slot, in tree order, for Add reuse
// (spec.md §4.4.4).
func (t *RatchetTree) freeLeaves() []NodeIndex {
	var free []NodeIndex
	for i := LeafIndex(0); uint32(i) < uint32(t.LeafCount()); i++ {
		n := toNodeIndex(i)
		if int(n) < len(t.nodes) && t.nodes[n].isBlank() {
			free = append(free, n)
		}
	}
	return free
}

// UpdateDirectPath is the recipient side of a Commit's direct-path
// update: locate the resolution node this member can decrypt from,
// recover the shared path secret, continue the chain up to the root,
// and merge the new public (and, where derivable, private) keys into
// the tree (spec.md §4.4.3, step "apply the committer's direct path").
// Grounded on original_source/src/tree/mod.rs's update_direct_path.
func (t *RatchetTree) UpdateDirectPath(sender LeafIndex, path DirectPath, groupContext []byte) (CommitSecret, error) {
	size := t.LeafCount()
	senderNode := toNodeIndex(sender)
	ownIndex := t.ownLeaf.leafIndex
	ownNode := toNodeIndex(ownIndex)

	commonAncestor := commonAncestor(senderNode, ownNode)
	senderDirpath := dirpathWithRoot(senderNode, size)
	senderCopath := copath(senderNode, size)

	stepIndex := -1
	for i, n := range senderDirpath {
		if n == commonAncestor {
			stepIndex = i
			break
		}
	}
	if stepIndex < 0 || stepIndex >= len(path.Nodes) {
		return nil, ErrInvalidDirectPathLen
	}
	copathNode := senderCopath[stepIndex]
	resolution := t.resolve(copathNode)

	if len(resolution) == 0 {
		return nil, ErrParentKeyMismatch
	}
	positionInResolution := 0
	for i, n := range resolution {
		if _, held := t.ownLeaf.pathKeypairs.get(n); n == ownNode || held {
			positionInResolution = i
			break
		}
	}
	if positionInResolution >= len(path.Nodes[stepIndex].EncryptedPathSecret) {
		return nil, ErrInvalidDirectPathLen
	}
	ciphertext := path.Nodes[stepIndex].EncryptedPathSecret[positionInResolution]

	var privateKey HPKEPrivateKey
	if len(resolution) > 0 && resolution[positionInResolution] == ownNode {
		privateKey = t.ownLeaf.bundle.GetPrivateKey()
	} else {
		kp, ok := t.ownLeaf.pathKeypairs.get(resolution[positionInResolution])
		if !ok {
			return nil, ErrParentKeyMismatch
		}
		privateKey = kp.Private
	}

	commonPath := dirpathFromInclusive(commonAncestor, size)
	secret := t.suite.hpkeOpen(privateKey, groupContext, nil, ciphertext)

	pathSecrets, commitSecret := continuePathSecrets(t.suite, secret, len(commonPath))
	keypairs := generatePathKeypairs(t.suite, pathSecrets)

	senderPathOffset := len(senderDirpath) - len(commonPath)
	for i, kp := range keypairs {
		if senderPathOffset+i >= len(path.Nodes) {
			return nil, ErrInvalidDirectPathLen
		}
		if !kp.Public.Equal(path.Nodes[senderPathOffset+i].PublicKey) {
			return nil, ErrParentKeyMismatch
		}
	}

	if err := t.mergePublicKeys(path, senderDirpath); err != nil {
		return nil, err
	}
	t.ownLeaf.pathKeypairs.add(keypairs, commonPath)
	t.mergeKeypairs(keypairs, commonPath)

	t.nodes[senderNode] = newLeafNode(&path.LeafKeyPackage)
	t.computeParentHash(senderNode)

	return commitSecret, nil
}

// UpdateOwnLeaf is the sender side of a direct-path update: derive a
// fresh path from the given (or bundled) private key, install the new
// leaf KeyPackage, and — if withDirectPath — re-encrypt every path
// secret to its copath resolution (spec.md §4.4.3, "generate a direct
// path update"). Grounded on
// original_source/src/tree/mod.rs's update_own_leaf.
func (t *RatchetTree) UpdateOwnLeaf(identity Identity, keyPair *HPKEKeyPair, bundle *KeyPackageBundle, groupContext []byte, withDirectPath bool) (CommitSecret, KeyPackageBundle, *DirectPath, error) {
	if keyPair == nil && bundle == nil {
		return nil, KeyPackageBundle{}, nil, fmt.Errorf("mls: update requires either a keypair or a key package bundle")
	}

	ownIndex := t.ownLeaf.leafIndex
	ownNode := toNodeIndex(ownIndex)

	var privateKey HPKEPrivateKey
	switch {
	case keyPair != nil:
		privateKey = keyPair.Private
	default:
		privateKey = bundle.GetPrivateKey()
	}

	dirpathRoot := dirpathWithRoot(ownNode, t.LeafCount())
	pathSecrets, commitSecret := generatePathSecrets(t.suite, privateKey.Bytes(), len(dirpathRoot))
	keypairs := generatePathKeypairs(t.suite, pathSecrets)
	t.mergeKeypairs(keypairs, dirpathRoot)

	parentHash := t.computeParentHash(ownNode)

	ext, err := newParentHashExtension(parentHash).toRaw()
	if err != nil {
		return nil, KeyPackageBundle{}, nil, err
	}
	var newBundle KeyPackageBundle
	if bundle != nil {
		reused := HPKEKeyPair{Private: bundle.GetPrivateKey(), Public: bundle.GetKeyPackage().GetHPKEInitKey()}
		newBundle = newKeyPackageBundleWithKeyPair(t.suite, bundle.GetIdentity(), []rawExtension{ext}, reused)
	} else {
		newBundle = newKeyPackageBundleWithKeyPair(t.suite, identity, []rawExtension{ext}, *keyPair)
	}

	kp := newBundle.GetKeyPackage()
	t.nodes[ownNode] = newLeafNode(&kp)
	pk := newPathKeypairs()
	pk.add(keypairs, dirpathRoot)
	secretsByNode := map[NodeIndex][]byte{}
	addPathSecrets(secretsByNode, pathSecrets, dirpathRoot)
	t.ownLeaf = ownLeaf{suite: t.suite, bundle: newBundle, leafIndex: ownIndex, pathKeypairs: pk, pathSecrets: secretsByNode}

	if !withDirectPath {
		return commitSecret, newBundle, nil, nil
	}
	directPath, err := t.encryptToCopath(pathSecrets, keypairs, groupContext, kp)
	if err != nil {
		return nil, KeyPackageBundle{}, nil, err
	}
	return commitSecret, newBundle, &directPath, nil
}

// encryptToCopath seals each path secret to every public key in its
// copath node's resolution (spec.md §4.4.3).
func (t *RatchetTree) encryptToCopath(pathSecrets [][]byte, keypairs []HPKEKeyPair, groupContext []byte, leafKeyPackage KeyPackage) (DirectPath, error) {
	cp := copath(toNodeIndex(t.ownLeaf.leafIndex), t.LeafCount())
	if len(pathSecrets) != len(cp) || len(keypairs) != len(cp) {
		return DirectPath{}, ErrInvalidDirectPathLen
	}

	nodes := make([]DirectPathNode, len(cp))
	for i, copathNode := range cp {
		resolution := t.resolve(copathNode)
		ciphertexts := make([]HpkeCiphertext, 0, len(resolution))
		for _, r := range resolution {
			pub, ok := t.nodes[r].publicHPKEKey()
			if !ok {
				return DirectPath{}, ErrParentKeyMismatch
			}
			ciphertexts = append(ciphertexts, t.suite.hpkeSeal(pub, groupContext, nil, pathSecrets[i]))
		}
		nodes[i] = DirectPathNode{PublicKey: keypairs[i].Public, EncryptedPathSecret: ciphertexts}
	}
	return DirectPath{LeafKeyPackage: leafKeyPackage, Nodes: nodes}, nil
}

func (t *RatchetTree) mergePublicKeys(path DirectPath, nodePath []NodeIndex) error {
	if len(path.Nodes) != len(nodePath) {
		return ErrInvalidDirectPathLen
	}
	for i, n := range nodePath {
		t.nodes[n].nodeType = NodeTypeParent
		t.nodes[n].leaf = nil
		t.nodes[n].parent = &ParentNode{PublicKey: path.Nodes[i].PublicKey}
	}
	return nil
}

func (t *RatchetTree) mergeKeypairs(keypairs []HPKEKeyPair, nodePath []NodeIndex) {
	for i, n := range nodePath {
		t.nodes[n].nodeType = NodeTypeParent
		t.nodes[n].leaf = nil
		t.nodes[n].parent = &ParentNode{PublicKey: keypairs[i].Public}
	}
}

// MembershipChanges summarizes the credentials an apply_proposals pass
// added, removed, and updated (spec.md §4.4.6).
type MembershipChanges struct {
	Updates []Credential
	Removes []Credential
	Adds    []Credential
}

// Invitation pairs a just-added leaf index with the AddProposal that put
// it there, for the caller to build that member's GroupSecrets from.
type Invitation struct {
	LeafIndex NodeIndex
	Add       AddProposal
}

// ApplyProposals applies a Commit's proposals in the mandatory
// updates -> removes -> adds order (spec.md §4.4.4/§8's ordering
// invariant), installing pending bundles for the member's own updates
// and growing the tree for adds that don't fit a free leaf. Grounded on
// original_source/src/tree/mod.rs's apply_proposals.
func (t *RatchetTree) ApplyProposals(list ProposalIDList, queue *ProposalQueue, pendingBundles []KeyPackageBundle) (MembershipChanges, []Invitation, bool, error) {
	var changes MembershipChanges
	var invitations []Invitation
	selfRemoved := false

	for _, ref := range list.Updates {
		qp, err := queue.Get(ref)
		if err != nil {
			return changes, nil, false, err
		}
		update, ok := qp.Proposal.AsUpdate()
		if !ok {
			return changes, nil, false, ErrUnknownProposalRef
		}
		index := toNodeIndex(qp.Sender)
		changes.Updates = append(changes.Updates, update.KeyPackage.GetCredential())
		t.blankMember(index)
		kp := update.KeyPackage
		t.nodes[index] = newLeafNode(&kp)

		if qp.Sender == t.ownLeaf.leafIndex {
			found := false
			for _, b := range pendingBundles {
				if keyPackagesEqual(b.GetKeyPackage(), update.KeyPackage) {
					t.ownLeaf = ownLeaf{suite: t.suite, bundle: b, leafIndex: qp.Sender, pathKeypairs: newPathKeypairs(), pathSecrets: map[NodeIndex][]byte{}}
					found = true
					break
				}
			}
			if !found {
				return changes, nil, false, ErrMissingPendingKPB
			}
		}
	}

	for _, ref := range list.Removes {
		qp, err := queue.Get(ref)
		if err != nil {
			return changes, nil, false, err
		}
		remove, ok := qp.Proposal.AsRemove()
		if !ok {
			return changes, nil, false, ErrUnknownProposalRef
		}
		removed := NodeIndex(remove.Removed)
		if toLeafIndex(removed) == t.ownLeaf.leafIndex {
			selfRemoved = true
		}
		removedNode := t.nodes[removed]
		if removedNode.leaf == nil {
			return changes, nil, false, ErrTreeIntegrity
		}
		changes.Removes = append(changes.Removes, removedNode.leaf.GetCredential())
		t.blankMember(removed)
	}

	if len(list.Adds) > 0 {
		type pendingAdd struct {
			ref ProposalRef
			add AddProposal
		}
		adds := make([]pendingAdd, 0, len(list.Adds))
		for _, ref := range list.Adds {
			qp, err := queue.Get(ref)
			if err != nil {
				return changes, nil, false, err
			}
			add, ok := qp.Proposal.AsAdd()
			if !ok {
				return changes, nil, false, ErrUnknownProposalRef
			}
			adds = append(adds, pendingAdd{ref: ref, add: add})
		}

		free := t.freeLeaves()
		splitAt := len(free)
		if splitAt > len(adds) {
			splitAt = len(adds)
		}
		inPlace, appended := adds[:splitAt], adds[splitAt:]

		for i, a := range inPlace {
			leafIndex := free[i]
			kp := a.add.KeyPackage
			t.nodes[leafIndex] = newLeafNode(&kp)
			for _, d := range dirpathWithRoot(leafIndex, t.LeafCount()) {
				if !t.nodes[d].isBlank() && t.nodes[d].parent != nil {
					already := false
					for _, u := range t.nodes[d].parent.UnmergedLeaves {
						if NodeIndex(u) == leafIndex {
							already = true
							break
						}
					}
					if !already {
						t.nodes[d].parent.UnmergedLeaves = append(t.nodes[d].parent.UnmergedLeaves, uint32(leafIndex))
					}
				}
			}
			changes.Adds = append(changes.Adds, a.add.KeyPackage.GetCredential())
			invitations = append(invitations, Invitation{LeafIndex: leafIndex, Add: a.add})
		}

		newNodes := make([]Node, 0, len(appended)*2)
		nextLeaf := NodeIndex(len(t.nodes) + 1)
		for _, a := range appended {
			kp := a.add.KeyPackage
			newNodes = append(newNodes, newBlankParentNode(), newLeafNode(&kp))
			changes.Adds = append(changes.Adds, a.add.KeyPackage.GetCredential())
			invitations = append(invitations, Invitation{LeafIndex: nextLeaf, Add: a.add})
			nextLeaf += 2
		}
		t.nodes = append(t.nodes, newNodes...)
		t.trimTree()
	}

	return changes, invitations, selfRemoved, nil
}

func keyPackagesEqual(a, b KeyPackage) bool {
	if len(a.InitKeyRaw) != len(b.InitKeyRaw) {
		return false
	}
	for i := range a.InitKeyRaw {
		if a.InitKeyRaw[i] != b.InitKeyRaw[i] {
			return false
		}
	}
	return true
}

// trimTree truncates trailing all-blank nodes (spec.md §4.4.4).
func (t *RatchetTree) trimTree() {
	newSize := 0
	for i, n := range t.nodes {
		if !n.isBlank() {
			newSize = i + 1
		}
	}
	if newSize > 0 {
		t.nodes = t.nodes[:newSize]
	}
}

type leafNodeHashInput struct {
	NodeIndex  NodeIndex
	KeyPackage *KeyPackage
}

func (h leafNodeHashInput) hash(suite CipherSuite) []byte {
	enc, err := marshalTLS(struct {
		NodeIndex  NodeIndex
		KeyPackage []byte `tls:"head=2"`
	}{h.NodeIndex, marshalOrEmpty(h.KeyPackage)})
	if err != nil {
		return nil
	}
	return suite.hash(enc)
}

func marshalOrEmpty(kp *KeyPackage) []byte {
	if kp == nil {
		return nil
	}
	enc, err := marshalTLS(*kp)
	if err != nil {
		return nil
	}
	return enc
}

type parentNodeHashInput struct {
	NodeIndex  uint32
	ParentNode *ParentNode
	LeftHash   []byte
	RightHash  []byte
}

func (h parentNodeHashInput) hash(suite CipherSuite) []byte {
	var parentBytes []byte
	if h.ParentNode != nil {
		parentBytes, _ = marshalTLS(*h.ParentNode)
	}
	enc, err := marshalTLS(struct {
		NodeIndex  uint32
		ParentNode []byte `tls:"head=2"`
		LeftHash   []byte `tls:"head=1"`
		RightHash  []byte `tls:"head=1"`
	}{h.NodeIndex, parentBytes, h.LeftHash, h.RightHash})
	if err != nil {
		return nil
	}
	return suite.hash(enc)
}

// ComputeTreeHash recursively hashes the whole tree from the root down
// (spec.md §4.4.5).
func (t *RatchetTree) ComputeTreeHash() []byte {
	var nodeHash func(NodeIndex) []byte
	nodeHash = func(index NodeIndex) []byte {
		n := t.nodes[index]
		switch n.nodeType {
		case NodeTypeLeaf:
			return leafNodeHashInput{NodeIndex: index, KeyPackage: n.leaf}.hash(t.suite)
		case NodeTypeParent:
			l := nodeHash(left(index))
			r := nodeHash(right(index, t.LeafCount()))
			return parentNodeHashInput{NodeIndex: uint32(index), ParentNode: n.parent, LeftHash: l, RightHash: r}.hash(t.suite)
		default:
			return nil
		}
	}
	return nodeHash(root(t.LeafCount()))
}

// computeParentHash recomputes the parent-hash chain from index up to
// the root and stores it on every interior node it passes through,
// returning the hash index's own parent commits to (spec.md §4.4.5).
// Grounded on original_source/src/tree/mod.rs's compute_parent_hash.
func (t *RatchetTree) computeParentHash(index NodeIndex) []byte {
	size := t.LeafCount()
	parentIndex, ok := parentOK(index, size)

	var parentHash []byte
	if !ok || parentIndex == root(size) {
		rootNode := t.nodes[root(size)]
		h, _ := rootNode.hash(t.suite)
		parentHash = h
	} else {
		parentHash = t.computeParentHash(parentIndex)
	}

	n := t.nodes[index]
	if n.parent != nil {
		n.parent.ParentHash = parentHash
		t.nodes[index] = n
		h, _ := t.nodes[index].hash(t.suite)
		return h
	}
	return parentHash
}

// VerifyIntegrity checks every populated interior node's parent-hash
// chain and every leaf's self-signature (spec.md §4.4.5/§8).
func VerifyIntegrity(suite CipherSuite, nodes []*Node) bool {
	count := NodeIndex(len(nodes))
	size := leafCountForWidth(uint32(count))
	for i := 0; i < int(count); i++ {
		n := nodes[i]
		if n == nil {
			continue
		}
		switch n.nodeType {
		case NodeTypeParent:
			leftIndex := left(NodeIndex(i))
			rightIndex := right(NodeIndex(i), size)
			if rightIndex >= count {
				return false
			}
			leftNode := nodes[leftIndex]
			rightNode := nodes[rightIndex]
			ownHash, ok := n.hash(suite)
			if !ok {
				return false
			}
			switch {
			case rightNode != nil && leftNode != nil:
				leftPH, _ := leftNode.parentHash()
				rightPH, _ := rightNode.parentHash()
				if !bytesEqual(leftPH, ownHash) && !bytesEqual(rightPH, ownHash) {
					Logger.Warn().Int("node", i).Msg("parent hash matches neither child")
					return false
				}
				if bytesEqual(leftPH, rightPH) {
					return false
				}
			case rightNode != nil:
				rightPH, ok := rightNode.parentHash()
				if !ok || !bytesEqual(rightPH, ownHash) {
					return false
				}
			case leftNode != nil:
				leftPH, ok := leftNode.parentHash()
				if !ok || !bytesEqual(leftPH, ownHash) {
					return false
				}
			}
		case NodeTypeLeaf:
			if n.leaf != nil {
				if i%2 != 0 {
					return false
				}
				if !n.leaf.Verify() {
					return false
				}
			}
		}
	}
	return true
}

// verifyIntegrity runs VerifyIntegrity over this tree's own nodes.
func (t *RatchetTree) verifyIntegrity() bool {
	ptrs := make([]*Node, len(t.nodes))
	for i := range t.nodes {
		n := t.nodes[i]
		if !n.isBlank() {
			ptrs[i] = &n
		}
	}
	return VerifyIntegrity(t.suite, ptrs)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
