package mls

// SecretType distinguishes the two ratchets each leaf carries — one for
// handshake content, one for application content — per spec.md §4.3.
type SecretType int

const (
	SecretTypeHandshake SecretType = iota
	SecretTypeApplication
)

// secretTypeFromContentType maps framed content to the ratchet that
// protects it (spec.md §4.3/§7; grounded on
// original_source/src/tree/secret_tree.rs's SecretType::try_from).
func secretTypeFromContentType(ct ContentType) (SecretType, error) {
	switch ct {
	case ContentTypeApplication:
		return SecretTypeApplication, nil
	case ContentTypeProposal, ContentTypeCommit:
		return SecretTypeHandshake, nil
	default:
		return 0, ErrInvalidContentType
	}
}

type secretTreeNode struct {
	secret []byte
}

// SecretTree (the "AS-tree") derives per-sender, per-generation AEAD
// keys from a single epoch encryption_secret, lazily materializing only
// the path to whichever leaf first needs it and zeroizing every interior
// secret once consumed (spec.md §4.3). Grounded on
// original_source/src/tree/secret_tree.rs's SecretTree.
type SecretTree struct {
	suite               CipherSuite
	nodes               []*secretTreeNode
	handshakeRatchets   []*SenderRatchet
	applicationRatchets []*SenderRatchet
	size                LeafCount
	window              uint32
}

// NewSecretTree seeds the root with encryptionSecret; window bounds the
// out-of-order cache each leaf's ratchets keep (GroupConfig.OutOfOrderWindow).
func NewSecretTree(suite CipherSuite, encryptionSecret []byte, size LeafCount, window uint32) *SecretTree {
	width := nodeWidth(size)
	nodes := make([]*secretTreeNode, width)
	nodes[root(size)] = &secretTreeNode{secret: append([]byte(nil), encryptionSecret...)}
	return &SecretTree{
		suite:               suite,
		nodes:               nodes,
		handshakeRatchets:   make([]*SenderRatchet, size),
		applicationRatchets: make([]*SenderRatchet, size),
		size:                size,
		window:              window,
	}
}

func (st *SecretTree) ratchet(index LeafIndex, secretType SecretType) *SenderRatchet {
	switch secretType {
	case SecretTypeHandshake:
		return st.handshakeRatchets[index]
	case SecretTypeApplication:
		return st.applicationRatchets[index]
	default:
		return nil
	}
}

func (st *SecretTree) setRatchet(index LeafIndex, secretType SecretType, r *SenderRatchet) {
	switch secretType {
	case SecretTypeHandshake:
		st.handshakeRatchets[index] = r
	case SecretTypeApplication:
		st.applicationRatchets[index] = r
	}
}

// deriveDown expands an interior node's secret into its two children and
// zeroizes the parent — the "tree" label step of spec.md §4.3.
func (st *SecretTree) deriveDown(n NodeIndex) {
	secret := st.nodes[n].secret
	l, r := left(n), right(n, st.size)
	st.nodes[l] = &secretTreeNode{secret: st.suite.deriveTreeSecret(secret, "tree", l, 0, st.suite.hashLength())}
	st.nodes[r] = &secretTreeNode{secret: st.suite.deriveTreeSecret(secret, "tree", r, 0, st.suite.hashLength())}
	zeroize(secret)
	st.nodes[n] = nil
}

// initializeSenderRatchets walks from the nearest populated ancestor of
// index down to its leaf, deriving every node secret along the way, then
// splits the leaf secret into the handshake and application ratchets and
// zeroizes it. A no-op if both ratchets already exist.
func (st *SecretTree) initializeSenderRatchets(index LeafIndex) error {
	if uint32(index) >= uint32(st.size) {
		return ErrIndexOutOfBounds
	}
	if st.handshakeRatchets[index] != nil && st.applicationRatchets[index] != nil {
		return nil
	}

	leaf := toNodeIndex(index)
	path := append([]NodeIndex{leaf}, dirpathWithRoot(leaf, st.size)...)

	var empty []NodeIndex
	for _, n := range path {
		empty = append(empty, n)
		if st.nodes[n] != nil {
			break
		}
	}
	empty = empty[1:] // drop the leaf itself; it is never pre-populated
	for i, j := 0, len(empty)-1; i < j; i, j = i+1, j-1 {
		empty[i], empty[j] = empty[j], empty[i]
	}
	for _, n := range empty {
		st.deriveDown(n)
	}

	leafSecret := st.nodes[leaf].secret
	hashLen := st.suite.hashLength()
	handshakeSecret := st.suite.deriveTreeSecret(leafSecret, "handshake", leaf, 0, hashLen)
	applicationSecret := st.suite.deriveTreeSecret(leafSecret, "application", leaf, 0, hashLen)
	st.setRatchet(index, SecretTypeHandshake, newSenderRatchet(st.suite, leaf, handshakeSecret, st.window))
	st.setRatchet(index, SecretTypeApplication, newSenderRatchet(st.suite, leaf, applicationSecret, st.window))

	zeroize(leafSecret)
	st.nodes[leaf] = nil
	return nil
}

// GetGeneration reports the next generation a leaf's ratchet of
// secretType will produce, 0 if it has not been initialized yet.
func (st *SecretTree) GetGeneration(index LeafIndex, secretType SecretType) uint32 {
	r := st.ratchet(index, secretType)
	if r == nil {
		return 0
	}
	return r.Generation()
}

// GetSecret returns the (key, nonce) for index's secretType ratchet at a
// specific generation — the receive path.
func (st *SecretTree) GetSecret(index LeafIndex, secretType SecretType, generation uint32) ([]byte, []byte, error) {
	if uint32(index) >= uint32(st.size) {
		return nil, nil, ErrIndexOutOfBounds
	}
	if st.ratchet(index, secretType) == nil {
		if err := st.initializeSenderRatchets(index); err != nil {
			return nil, nil, err
		}
	}
	return st.ratchet(index, secretType).Get(generation)
}

// NextSecret advances index's secretType ratchet and returns the
// generation it just produced along with its key/nonce — the send path.
func (st *SecretTree) NextSecret(index LeafIndex, secretType SecretType) (uint32, []byte, []byte, error) {
	if uint32(index) >= uint32(st.size) {
		return 0, nil, nil, ErrIndexOutOfBounds
	}
	if st.ratchet(index, secretType) == nil {
		if err := st.initializeSenderRatchets(index); err != nil {
			return 0, nil, nil, err
		}
	}
	gen, key, nonce := st.ratchet(index, secretType).Next()
	return gen, key, nonce, nil
}
