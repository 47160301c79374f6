package mls

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

const defaultOutOfOrderWindow = 128

// GroupConfig collects the per-deployment policy knobs spec.md's Open
// Questions leave to the implementer (SPEC_FULL.md §1.3/§4), grounded
// on original_source/src/group_api.rs's Group/GroupConfig shape.
type GroupConfig struct {
	CipherSuite                CipherSuiteID
	RequirePathOnAddOnlyCommit bool
	OutOfOrderWindow           uint32
	GroupID                    []byte
}

func (c GroupConfig) withDefaults() GroupConfig {
	if c.CipherSuite == UnknownCipherSuite {
		c.CipherSuite = MLS10_128_DHKEMX25519_AES128GCM_SHA256_Ed25519
	}
	if c.OutOfOrderWindow == 0 {
		c.OutOfOrderWindow = defaultOutOfOrderWindow
	}
	if c.GroupID == nil {
		id := uuid.New()
		c.GroupID = append([]byte(nil), id[:]...)
	}
	return c
}

// Client is a prospective or current group member: its long-term
// signing identity, able to mint fresh KeyPackageBundles to hand out
// for others to add it with (spec.md §3, grounded on
// original_source/src/group_api.rs's Client).
type Client struct {
	Identity Identity
	suite    CipherSuite
}

// NewClient mints a fresh signing identity for id under suite.
func NewClient(suite CipherSuite, id []byte) Client {
	return Client{Identity: NewIdentity(suite, id), suite: suite}
}

// NewKeyPackageBundle produces a fresh KeyPackage this client can be
// added to a group with, or can use to update its own leaf.
func (c Client) NewKeyPackageBundle() KeyPackageBundle {
	return NewKeyPackageBundle(c.suite, c.Identity, nil)
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("mls: random bytes: " + err.Error())
	}
	return b
}

// CommitResult bundles a freshly created commit's outputs: the framed
// and encrypted Commit message, and — only when the commit adds
// members — the Welcome they need to join (spec.md §4.5 step 7).
type CommitResult struct {
	Commit  MLSCiphertext
	Welcome *Welcome
}

// GroupState is one member's local view of a group's current epoch: its
// ratchet tree, key-schedule secrets, secret tree, and the two proposal
// queues awaiting the next commit (spec.md §4.6, grounded on
// original_source/src/group_api.rs's Group).
type GroupState struct {
	config GroupConfig
	suite  CipherSuite

	groupContext          GroupContext
	epochSecrets          EpochSecrets
	interimTranscriptHash []byte

	secretTree *SecretTree
	tree       *RatchetTree

	publicQueue    *ProposalQueue
	ownQueue       *ProposalQueue
	pendingBundles []KeyPackageBundle
}

// NewGroup creates a brand-new single-member group (spec.md §4.4,
// grounded on original_source/src/group_api.rs's GroupOps::new).
func NewGroup(client Client, config GroupConfig) (*GroupState, error) {
	config = config.withDefaults()
	suite := NewCipherSuite(config.CipherSuite)

	bundle := NewKeyPackageBundle(suite, client.Identity, nil)
	tree := NewRatchetTree(suite, bundle)

	gs := &GroupState{
		config: config,
		suite:  suite,
		groupContext: GroupContext{
			GroupID:  config.GroupID,
			Epoch:    0,
			TreeHash: tree.ComputeTreeHash(),
		},
		tree:        tree,
		publicQueue: newProposalQueue(),
		ownQueue:    newProposalQueue(),
	}

	initSecret := randomBytes(suite.hashLength())
	commitSecret := make([]byte, suite.hashLength())
	if err := gs.installEpoch(initSecret, commitSecret); err != nil {
		return nil, err
	}
	zeroize(initSecret)

	Logger.Info().Str("group_id", fmt.Sprintf("%x", config.GroupID)).Msg("created group")
	return gs, nil
}

// installEpoch runs the key schedule from initSecretPrev/commitSecret
// against the current groupContext and installs the resulting
// EpochSecrets/SecretTree (spec.md §4.2/§4.3/§4.5 step 5).
func (gs *GroupState) installEpoch(initSecretPrev, commitSecret []byte) error {
	groupContextBytes, err := marshalTLS(gs.groupContext)
	if err != nil {
		return err
	}
	newSecrets, epochSecret := nextEpochSecrets(gs.suite, initSecretPrev, commitSecret, nil, groupContextBytes)
	encryptionSecret := deriveEncryptionSecret(gs.suite, epochSecret, groupContextBytes)

	zeroizeEpochSecrets(&gs.epochSecrets)
	gs.epochSecrets = newSecrets
	gs.secretTree = NewSecretTree(gs.suite, encryptionSecret, gs.tree.LeafCount(), gs.config.OutOfOrderWindow)

	zeroize(epochSecret)
	zeroize(encryptionSecret)
	return nil
}

func keyPackageRef(suite CipherSuite, kp KeyPackage) ProposalRef {
	enc, err := marshalTLS(kp)
	if err != nil {
		panic("mls: encode key package: " + err.Error())
	}
	h := suite.hash(enc)
	var ref ProposalRef
	copy(ref[:], h)
	return ref
}

// NewGroupFromWelcome is the joiner side of spec.md §4.4.4: decrypt the
// member's own GroupSecrets, decrypt and verify GroupInfo, rebuild the
// ratchet tree, and re-derive the current epoch's secrets directly from
// the delivered epoch_secret (GroupSecrets.JoinerSecret). Grounded on
// original_source/src/group_api.rs's GroupOps::new_from_welcome.
func NewGroupFromWelcome(bundle KeyPackageBundle, welcome Welcome, nodeOptions []*Node, index LeafIndex) (*GroupState, error) {
	suite := NewCipherSuite(welcome.CipherSuite)
	ownRef := keyPackageRef(suite, bundle.GetKeyPackage())

	var mySecrets *EncryptedGroupSecrets
	for i := range welcome.Secrets {
		if welcome.Secrets[i].KeyPackageRef == ownRef {
			mySecrets = &welcome.Secrets[i]
			break
		}
	}
	if mySecrets == nil {
		return nil, ErrUnknownProposalRef
	}

	plain := suite.hpkeOpen(bundle.GetPrivateKey(), nil, nil, mySecrets.EncryptedSecrets)
	var groupSecrets GroupSecrets
	if _, err := unmarshalTLS(plain, &groupSecrets); err != nil {
		return nil, err
	}
	epochSecret := groupSecrets.JoinerSecret
	pathSecret := groupSecrets.PathSecret
	if len(pathSecret) == 0 {
		pathSecret = nil
	}

	constants := suite.constants()
	welcomeSecret := welcomeInfoSecret(suite, epochSecret)
	welcomeKey := suite.hkdfExpandLabel(welcomeSecret, "key", nil, constants.KeySize)
	welcomeNonce := suite.hkdfExpandLabel(welcomeSecret, "nonce", nil, constants.NonceSize)
	groupInfoBytes, err := suite.aeadOpen(welcomeKey, welcomeNonce, nil, welcome.EncryptedGroupInfo)
	if err != nil {
		return nil, fmt.Errorf("%w: welcome group info: %v", ErrConfirmationMismatch, err)
	}
	var groupInfo GroupInfo
	if _, err := unmarshalTLS(groupInfoBytes, &groupInfo); err != nil {
		return nil, err
	}

	welcomeAncestor := commonAncestor(toNodeIndex(LeafIndex(groupInfo.Signer)), toNodeIndex(index))
	tree := NewRatchetTreeFromNodes(suite, bundle, nodeOptions, index, welcomeAncestor, pathSecret)
	if !tree.verifyIntegrity() {
		return nil, ErrTreeIntegrity
	}
	if !bytesEqual(tree.ComputeTreeHash(), groupInfo.GroupContext.TreeHash) {
		return nil, ErrTreeIntegrity
	}

	signerNode := tree.nodes[toNodeIndex(LeafIndex(groupInfo.Signer))]
	if signerNode.leaf == nil {
		return nil, ErrTreeIntegrity
	}
	infoTbs, err := marshalTLS(struct {
		GroupContext    GroupContext
		ConfirmationTag []byte `tls:"head=1"`
		Signer          uint32
	}{groupInfo.GroupContext, groupInfo.ConfirmationTag, groupInfo.Signer})
	if err != nil {
		return nil, err
	}
	if !signerNode.leaf.GetCredential().Verify(suite, infoTbs, groupInfo.Signature) {
		return nil, ErrSignatureInvalid
	}

	groupContextBytes, err := marshalTLS(groupInfo.GroupContext)
	if err != nil {
		return nil, err
	}
	newSecrets := deriveEpochFields(suite, epochSecret, nil, groupContextBytes)

	expectedTag := confirmationTag(suite, newSecrets.ConfirmationKey, groupInfo.GroupContext.ConfirmedTranscriptHash)
	if !bytesEqual(expectedTag, groupInfo.ConfirmationTag) {
		zeroizeEpochSecrets(&newSecrets)
		zeroize(epochSecret)
		return nil, ErrConfirmationMismatch
	}

	encryptionSecret := deriveEncryptionSecret(suite, epochSecret, groupContextBytes)
	config := GroupConfig{CipherSuite: welcome.CipherSuite, GroupID: groupInfo.GroupContext.GroupID}.withDefaults()

	gs := &GroupState{
		config:       config,
		suite:        suite,
		groupContext: groupInfo.GroupContext,
		epochSecrets: newSecrets,
		tree:         tree,
		secretTree:   NewSecretTree(suite, encryptionSecret, tree.LeafCount(), config.OutOfOrderWindow),
		publicQueue:  newProposalQueue(),
		ownQueue:     newProposalQueue(),
		interimTranscriptHash: suite.hash(append(
			append([]byte(nil), groupInfo.GroupContext.ConfirmedTranscriptHash...),
			groupInfo.ConfirmationTag...)),
	}

	zeroize(epochSecret)
	zeroize(encryptionSecret)

	Logger.Info().Uint64("epoch", gs.groupContext.Epoch).Msg("joined group from welcome")
	return gs, nil
}

func (gs *GroupState) ownLeafIndex() LeafIndex { return gs.tree.ownLeaf.leafIndex }

// Epoch, GroupID, TreeHash, LeafIndex, MemberCount expose the read-only
// facts about the current epoch a caller (or cmd/mlsctl) needs without
// reaching into package-private fields.
func (gs *GroupState) Epoch() uint64        { return gs.groupContext.Epoch }
func (gs *GroupState) GroupID() []byte      { return gs.groupContext.GroupID }
func (gs *GroupState) TreeHash() []byte     { return gs.groupContext.TreeHash }
func (gs *GroupState) LeafIndex() LeafIndex { return gs.ownLeafIndex() }
func (gs *GroupState) MemberCount() LeafCount {
	return gs.tree.LeafCount()
}

// Nodes snapshots the current public ratchet tree node array, blanks as
// nil, for out-of-band delivery to a joining member alongside a Welcome
// (spec.md §1 leaves tree-snapshot transport out of scope; this is the
// in-process stand-in a caller like cmd/mlsctl uses instead of a wire
// round-trip).
func (gs *GroupState) Nodes() []*Node {
	out := make([]*Node, len(gs.tree.nodes))
	for i := range gs.tree.nodes {
		if gs.tree.nodes[i].isBlank() {
			continue
		}
		n := gs.tree.nodes[i]
		out[i] = &n
	}
	return out
}

// Exporter derives application-defined keying material off the current
// epoch's exporter secret (spec.md §4.2's mls_exporter).
func (gs *GroupState) Exporter(label string, context []byte, length int) []byte {
	return mlsExporter(gs.suite, gs.epochSecrets.ExporterSecret, label, context, length)
}

func (gs *GroupState) signPlaintext(p MLSPlaintext) (Signature, error) {
	tbs, err := p.tbsBytes()
	if err != nil {
		return Signature{}, err
	}
	return gs.tree.ownLeaf.bundle.GetIdentity().Sign(tbs), nil
}

func (gs *GroupState) verifyPlaintextSignature(p MLSPlaintext) error {
	if uint32(p.Sender) >= uint32(gs.tree.LeafCount()) {
		return ErrTreeIntegrity
	}
	senderNode := gs.tree.nodes[toNodeIndex(p.Sender)]
	if senderNode.leaf == nil {
		return ErrTreeIntegrity
	}
	tbs, err := p.tbsBytes()
	if err != nil {
		return err
	}
	if !senderNode.leaf.GetCredential().Verify(gs.suite, tbs, p.Signature) {
		return ErrSignatureInvalid
	}
	return nil
}

// Encrypt frames and AEAD-protects a signed MLSPlaintext over the
// sender's secret-tree ratchet for its content type (spec.md §4.6).
func (gs *GroupState) Encrypt(p MLSPlaintext) (MLSCiphertext, error) {
	secretType, err := secretTypeFromContentType(p.ContentType())
	if err != nil {
		return MLSCiphertext{}, err
	}
	generation, key, nonce, err := gs.secretTree.NextSecret(p.Sender, secretType)
	if err != nil {
		return MLSCiphertext{}, err
	}

	content, err := p.MarshalTLS()
	if err != nil {
		return MLSCiphertext{}, err
	}

	ct := MLSCiphertext{
		GroupID:           gs.groupContext.GroupID,
		Epoch:             gs.groupContext.Epoch,
		ContentType:       p.ContentType(),
		Sender:            p.Sender,
		Generation:        generation,
		AuthenticatedData: p.AuthenticatedData,
	}
	aad, err := ct.aad()
	if err != nil {
		return MLSCiphertext{}, err
	}
	sealed, err := gs.suite.aeadSeal(key, nonce, aad, content)
	if err != nil {
		return MLSCiphertext{}, err
	}
	ct.Ciphertext = sealed

	Logger.Debug().
		Uint64("epoch", ct.Epoch).
		Uint32("sender", uint32(ct.Sender)).
		Uint32("generation", generation).
		Msg("encrypted message")
	return ct, nil
}

// Decrypt reverses Encrypt (spec.md §4.6); the ciphertext's epoch must
// match the recipient's current epoch exactly — MLS does not support
// decrypting across epoch boundaries.
func (gs *GroupState) Decrypt(ct MLSCiphertext) (MLSPlaintext, error) {
	if ct.Epoch != gs.groupContext.Epoch {
		return MLSPlaintext{}, ErrEpochMismatch
	}
	secretType, err := secretTypeFromContentType(ct.ContentType)
	if err != nil {
		return MLSPlaintext{}, err
	}
	key, nonce, err := gs.secretTree.GetSecret(ct.Sender, secretType, ct.Generation)
	if err != nil {
		return MLSPlaintext{}, err
	}
	aad, err := ct.aad()
	if err != nil {
		return MLSPlaintext{}, err
	}
	content, err := gs.suite.aeadOpen(key, nonce, aad, ct.Ciphertext)
	if err != nil {
		return MLSPlaintext{}, err
	}
	var p MLSPlaintext
	if _, err := unmarshalTLS(content, &p); err != nil {
		return MLSPlaintext{}, err
	}
	return p, nil
}

// CreateApplicationMessage signs, frames, and encrypts application data
// under the sender's own leaf (spec.md §4.6).
func (gs *GroupState) CreateApplicationMessage(aad, data []byte) (MLSCiphertext, error) {
	p := newApplicationPlaintext(gs.groupContext.GroupID, gs.groupContext.Epoch, gs.ownLeafIndex(), aad, data)
	sig, err := gs.signPlaintext(p)
	if err != nil {
		return MLSCiphertext{}, err
	}
	p.Signature = sig
	return gs.Encrypt(p)
}

// ProcessApplicationMessage decrypts a ciphertext and returns its
// application payload.
func (gs *GroupState) ProcessApplicationMessage(ct MLSCiphertext) ([]byte, error) {
	p, err := gs.Decrypt(ct)
	if err != nil {
		return nil, err
	}
	data, ok := p.AsApplication()
	if !ok {
		return nil, ErrInvalidContentType
	}
	return data, nil
}

func (gs *GroupState) createProposalMessage(prop Proposal) (MLSCiphertext, error) {
	p := newProposalPlaintext(gs.groupContext.GroupID, gs.groupContext.Epoch, gs.ownLeafIndex(), nil, prop)
	sig, err := gs.signPlaintext(p)
	if err != nil {
		return MLSCiphertext{}, err
	}
	p.Signature = sig
	if _, err := gs.ownQueue.Add(gs.suite, gs.ownLeafIndex(), prop); err != nil {
		return MLSCiphertext{}, err
	}
	return gs.Encrypt(p)
}

// CreateAddProposal queues and frames an Add for kp (a prospective
// member's own KeyPackage, obtained out of band).
func (gs *GroupState) CreateAddProposal(kp KeyPackage) (MLSCiphertext, error) {
	return gs.createProposalMessage(newAddProposal(kp))
}

// CreateUpdateProposal mints a fresh KeyPackageBundle for the sender's
// own leaf and queues an Update carrying it; the bundle is held pending
// until a commit (from anyone) actually installs it (spec.md §4.4.6).
func (gs *GroupState) CreateUpdateProposal() (MLSCiphertext, error) {
	identity := gs.tree.ownLeaf.bundle.GetIdentity()
	newBundle := NewKeyPackageBundle(gs.suite, identity, nil)
	gs.pendingBundles = append(gs.pendingBundles, newBundle)
	return gs.createProposalMessage(newUpdateProposal(newBundle.GetKeyPackage()))
}

// CreateRemoveProposal queues and frames a Remove for the member at
// removed. RemoveProposal.Removed names a node index, not a leaf index,
// matching ApplyProposals' direct t.nodes[removed] lookup.
func (gs *GroupState) CreateRemoveProposal(removed LeafIndex) (MLSCiphertext, error) {
	return gs.createProposalMessage(newRemoveProposal(uint32(toNodeIndex(removed))))
}

// ProcessProposal authenticates a received proposal message and adds it
// to the public queue (spec.md §4.4.1).
func (gs *GroupState) ProcessProposal(ct MLSCiphertext) error {
	p, err := gs.Decrypt(ct)
	if err != nil {
		return err
	}
	prop, ok := p.AsProposal()
	if !ok {
		return ErrInvalidContentType
	}
	if err := gs.verifyPlaintextSignature(p); err != nil {
		return err
	}
	_, err = gs.publicQueue.Add(gs.suite, p.Sender, prop)
	return err
}

func (gs *GroupState) combinedQueue() *ProposalQueue {
	combined := newProposalQueue()
	for _, q := range []*ProposalQueue{gs.ownQueue, gs.publicQueue} {
		for _, ref := range q.order {
			if _, exists := combined.entries[ref]; !exists {
				combined.order = append(combined.order, ref)
			}
			combined.entries[ref] = q.entries[ref]
		}
	}
	return combined
}

func mergeProposalLists(a, b ProposalIDList) ProposalIDList {
	return ProposalIDList{
		Updates: append(append([]ProposalRef{}, a.Updates...), b.Updates...),
		Removes: append(append([]ProposalRef{}, a.Removes...), b.Removes...),
		Adds:    append(append([]ProposalRef{}, a.Adds...), b.Adds...),
	}
}

// CreateCommit runs spec.md §4.5's seven-step epoch transition: resolve
// every queued proposal, apply them to a tree snapshot, optionally
// refresh the sender's own direct path, sign and hash the resulting
// Commit into the transcript, run the key schedule, and build a Welcome
// for anyone just added. On any error the receiver's state is left
// untouched — the tree snapshot is only swapped in on success. Grounded
// on original_source/src/group_api.rs's GroupOps::create_commit.
func (gs *GroupState) CreateCommit(aad []byte) (CommitResult, error) {
	ownUpdates, ownRemoves, ownAdds := gs.ownQueue.ByType()
	pubUpdates, pubRemoves, pubAdds := gs.publicQueue.ByType()
	list := mergeProposalLists(
		ProposalIDList{Updates: ownUpdates, Removes: ownRemoves, Adds: ownAdds},
		ProposalIDList{Updates: pubUpdates, Removes: pubRemoves, Adds: pubAdds},
	)
	queue := gs.combinedQueue()

	workingTree := gs.tree.clone()
	changes, invitations, selfRemoved, err := workingTree.ApplyProposals(list, queue, gs.pendingBundles)
	if err != nil {
		return CommitResult{}, err
	}
	if selfRemoved {
		return CommitResult{}, ErrSelfRemoved
	}

	addOnly := len(list.Updates) == 0 && len(list.Removes) == 0
	withDirectPath := !addOnly || gs.config.RequirePathOnAddOnlyCommit

	var commitSecret CommitSecret
	var updatePath *DirectPath
	if withDirectPath {
		groupContextBytes, err := marshalTLS(gs.groupContext)
		if err != nil {
			return CommitResult{}, err
		}
		identity := workingTree.ownLeaf.bundle.GetIdentity()
		ownBundle := workingTree.ownLeaf.bundle
		cs, _, path, err := workingTree.UpdateOwnLeaf(identity, nil, &ownBundle, groupContextBytes, true)
		if err != nil {
			return CommitResult{}, err
		}
		commitSecret, updatePath = cs, path
	} else {
		commitSecret = make([]byte, gs.suite.hashLength())
	}

	commitMsg := Commit{ProposalIDList: list, UpdatePath: updatePath}
	plaintext := newCommitPlaintext(gs.groupContext.GroupID, gs.groupContext.Epoch, gs.ownLeafIndex(), aad, commitMsg)
	sig, err := func() (Signature, error) {
		tbs, err := plaintext.tbsBytes()
		if err != nil {
			return Signature{}, err
		}
		return workingTree.ownLeaf.bundle.GetIdentity().Sign(tbs), nil
	}()
	if err != nil {
		return CommitResult{}, err
	}
	plaintext.Signature = sig

	confirmedInput, err := plaintext.confirmedTranscriptInput()
	if err != nil {
		return CommitResult{}, err
	}
	confirmedTranscriptHash := gs.suite.hash(gs.suite.hash(append(append([]byte(nil), gs.interimTranscriptHash...), confirmedInput...)))

	newGroupContext := GroupContext{
		GroupID:                 gs.groupContext.GroupID,
		Epoch:                   gs.groupContext.Epoch + 1,
		TreeHash:                workingTree.ComputeTreeHash(),
		ConfirmedTranscriptHash: confirmedTranscriptHash,
	}
	newGroupContextBytes, err := marshalTLS(newGroupContext)
	if err != nil {
		return CommitResult{}, err
	}

	newSecrets, epochSecret := nextEpochSecrets(gs.suite, gs.epochSecrets.InitSecret, commitSecret, nil, newGroupContextBytes)
	encryptionSecret := deriveEncryptionSecret(gs.suite, epochSecret, newGroupContextBytes)

	confirmTag := confirmationTag(gs.suite, newSecrets.ConfirmationKey, confirmedTranscriptHash)
	plaintext.ConfirmationTag = confirmTag
	newInterimTranscriptHash := gs.suite.hash(append(append([]byte(nil), confirmedTranscriptHash...), confirmTag...))

	var welcome *Welcome
	if len(invitations) > 0 {
		welcome, err = gs.buildWelcome(workingTree, newGroupContext, confirmTag, epochSecret, invitations)
		if err != nil {
			zeroizeEpochSecrets(&newSecrets)
			zeroize(epochSecret)
			zeroize(encryptionSecret)
			return CommitResult{}, err
		}
	}

	ciphertext, err := gs.Encrypt(plaintext)
	if err != nil {
		zeroizeEpochSecrets(&newSecrets)
		zeroize(epochSecret)
		zeroize(encryptionSecret)
		return CommitResult{}, err
	}

	gs.tree = workingTree
	gs.groupContext = newGroupContext
	zeroizeEpochSecrets(&gs.epochSecrets)
	gs.epochSecrets = newSecrets
	gs.secretTree = NewSecretTree(gs.suite, encryptionSecret, gs.tree.LeafCount(), gs.config.OutOfOrderWindow)
	gs.interimTranscriptHash = newInterimTranscriptHash
	gs.ownQueue = newProposalQueue()
	gs.publicQueue = newProposalQueue()
	gs.pendingBundles = nil

	zeroize(epochSecret)
	zeroize(encryptionSecret)

	Logger.Info().
		Uint64("epoch", gs.groupContext.Epoch).
		Int("adds", len(changes.Adds)).
		Int("removes", len(changes.Removes)).
		Int("updates", len(changes.Updates)).
		Msg("committed epoch transition")

	return CommitResult{Commit: ciphertext, Welcome: welcome}, nil
}

// buildWelcome seals the new epoch_secret to every invitee's init key and
// the signed GroupInfo under a key/nonce derived from welcomeInfoSecret
// (spec.md §4.5 step 7/§6), not the §4.2 welcome_secret field itself — a
// brand-new joiner has no current_init_secret to re-derive that field
// from, so Welcome stays keyed off the value it is actually handed. Each
// invitee above the tree's root-of-change also gets the raw path secret
// this commit installed at their common ancestor with the committer
// (tree.pathSecretAt, populated by UpdateOwnLeaf/encryptToCopath just
// above in CreateCommit), so it can continue the same secret chain the
// committer used rather than reconstruct a different, mismatched one.
func (gs *GroupState) buildWelcome(tree *RatchetTree, groupContext GroupContext, confirmTag []byte, epochSecret []byte, invitations []Invitation) (*Welcome, error) {
	groupInfo := GroupInfo{
		GroupContext:    groupContext,
		ConfirmationTag: confirmTag,
		Signer:          uint32(tree.ownLeaf.leafIndex),
	}
	infoTbs, err := marshalTLS(struct {
		GroupContext    GroupContext
		ConfirmationTag []byte `tls:"head=1"`
		Signer          uint32
	}{groupInfo.GroupContext, groupInfo.ConfirmationTag, groupInfo.Signer})
	if err != nil {
		return nil, err
	}
	groupInfo.Signature = tree.ownLeaf.bundle.GetIdentity().Sign(infoTbs)

	groupInfoBytes, err := marshalTLS(groupInfo)
	if err != nil {
		return nil, err
	}

	welcomeSecret := welcomeInfoSecret(gs.suite, epochSecret)
	constants := gs.suite.constants()
	welcomeKey := gs.suite.hkdfExpandLabel(welcomeSecret, "key", nil, constants.KeySize)
	welcomeNonce := gs.suite.hkdfExpandLabel(welcomeSecret, "nonce", nil, constants.NonceSize)
	encryptedGroupInfo, err := gs.suite.aeadSeal(welcomeKey, welcomeNonce, nil, groupInfoBytes)
	if err != nil {
		return nil, err
	}

	secrets := make([]EncryptedGroupSecrets, 0, len(invitations))
	for _, inv := range invitations {
		ancestor := commonAncestor(toNodeIndex(tree.ownLeaf.leafIndex), inv.LeafIndex)
		pathSecret, _ := tree.pathSecretAt(ancestor)
		groupSecrets := GroupSecrets{JoinerSecret: epochSecret, PathSecret: pathSecret}
		plain, err := marshalTLS(groupSecrets)
		if err != nil {
			return nil, err
		}
		sealed := gs.suite.hpkeSeal(inv.Add.KeyPackage.GetHPKEInitKey(), nil, nil, plain)
		secrets = append(secrets, EncryptedGroupSecrets{
			KeyPackageRef:    keyPackageRef(gs.suite, inv.Add.KeyPackage),
			EncryptedSecrets: sealed,
		})
	}

	return &Welcome{
		CipherSuite:        gs.suite.ID,
		Secrets:            secrets,
		EncryptedGroupInfo: encryptedGroupInfo,
	}, nil
}

// ProcessCommit applies a received Commit: authenticate it, apply its
// proposals to a tree snapshot, catch the direct path up (if any), run
// the key schedule, and verify the confirmation tag before swapping in
// the new epoch (spec.md §4.5). A self-removal or a confirmation-tag
// mismatch leaves the receiver's state untouched.
func (gs *GroupState) ProcessCommit(ct MLSCiphertext) error {
	p, err := gs.Decrypt(ct)
	if err != nil {
		return err
	}
	commit, ok := p.AsCommit()
	if !ok {
		return ErrInvalidContentType
	}
	if err := gs.verifyPlaintextSignature(p); err != nil {
		return err
	}

	queue := gs.combinedQueue()
	workingTree := gs.tree.clone()
	_, _, selfRemoved, err := workingTree.ApplyProposals(commit.ProposalIDList, queue, gs.pendingBundles)
	if err != nil {
		return err
	}

	groupContextBytes, err := marshalTLS(gs.groupContext)
	if err != nil {
		return err
	}

	commitSecret := CommitSecret(make([]byte, gs.suite.hashLength()))
	if commit.UpdatePath != nil {
		commitSecret, err = workingTree.UpdateDirectPath(p.Sender, *commit.UpdatePath, groupContextBytes)
		if err != nil {
			return err
		}
	}

	confirmedInput, err := p.confirmedTranscriptInput()
	if err != nil {
		return err
	}
	confirmedTranscriptHash := gs.suite.hash(gs.suite.hash(append(append([]byte(nil), gs.interimTranscriptHash...), confirmedInput...)))

	newGroupContext := GroupContext{
		GroupID:                 gs.groupContext.GroupID,
		Epoch:                   gs.groupContext.Epoch + 1,
		TreeHash:                workingTree.ComputeTreeHash(),
		ConfirmedTranscriptHash: confirmedTranscriptHash,
	}
	newGroupContextBytes, err := marshalTLS(newGroupContext)
	if err != nil {
		return err
	}

	newSecrets, epochSecret := nextEpochSecrets(gs.suite, gs.epochSecrets.InitSecret, commitSecret, nil, newGroupContextBytes)

	expectedTag := confirmationTag(gs.suite, newSecrets.ConfirmationKey, confirmedTranscriptHash)
	if !bytesEqual(expectedTag, p.ConfirmationTag) {
		zeroizeEpochSecrets(&newSecrets)
		zeroize(epochSecret)
		return ErrConfirmationMismatch
	}
	if selfRemoved {
		zeroizeEpochSecrets(&newSecrets)
		zeroize(epochSecret)
		return ErrSelfRemoved
	}

	encryptionSecret := deriveEncryptionSecret(gs.suite, epochSecret, newGroupContextBytes)

	gs.tree = workingTree
	gs.groupContext = newGroupContext
	zeroizeEpochSecrets(&gs.epochSecrets)
	gs.epochSecrets = newSecrets
	gs.secretTree = NewSecretTree(gs.suite, encryptionSecret, gs.tree.LeafCount(), gs.config.OutOfOrderWindow)
	gs.interimTranscriptHash = gs.suite.hash(append(append([]byte(nil), confirmedTranscriptHash...), p.ConfirmationTag...))
	gs.ownQueue = newProposalQueue()
	gs.publicQueue = newProposalQueue()
	gs.pendingBundles = nil

	zeroize(epochSecret)
	zeroize(encryptionSecret)

	Logger.Info().Uint64("epoch", gs.groupContext.Epoch).Msg("processed commit")
	return nil
}
