package mls

// defaultMaxFutureJump bounds how far ahead of its current generation a
// SenderRatchet will fast-forward to satisfy a single request, resolving
// the "exact OOO window size"/"future bound" Open Question of spec.md §9
// with an explicit, generous constant rather than an unbounded loop.
const defaultMaxFutureJump = 1000

type keyNonce struct {
	Key   []byte
	Nonce []byte
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SenderRatchet derives per-generation AEAD keys/nonces for one sender
// leaf and one secret type (handshake or application), caching a bounded
// window of past generations for out-of-order delivery (spec.md §4.3).
// Grounded on key-schedule.go's hashRatchet (Next/Get/Erase, the
// map[uint32]keyAndNonce cache) adapted to the tree-context derivation
// of the maelstrom ancestor's sender_ratchet.rs.
type SenderRatchet struct {
	suite      CipherSuite
	node       NodeIndex
	generation uint32 // generation about to be derived next
	secret     []byte // chain_secret_generation
	cache      map[uint32]keyNonce
	window     uint32
}

func newSenderRatchet(suite CipherSuite, node NodeIndex, baseSecret []byte, window uint32) *SenderRatchet {
	return &SenderRatchet{
		suite:  suite,
		node:   node,
		secret: baseSecret,
		cache:  map[uint32]keyNonce{},
		window: window,
	}
}

// Generation is the next generation this ratchet will produce; 0 before
// any key has been derived.
func (r *SenderRatchet) Generation() uint32 {
	return r.generation
}

// advance derives the (nonce, key) for the current generation, ratchets
// the chain secret forward, caches the result, and evicts anything
// outside the out-of-order window.
func (r *SenderRatchet) advance() (uint32, keyNonce) {
	c := r.suite.constants()
	nonce := r.suite.deriveTreeSecret(r.secret, "nonce", r.node, r.generation, c.NonceSize)
	key := r.suite.deriveTreeSecret(r.secret, "key", r.node, r.generation, c.KeySize)
	next := r.suite.deriveTreeSecret(r.secret, "secret", r.node, r.generation, r.suite.hashLength())

	gen := r.generation
	kn := keyNonce{Key: key, Nonce: nonce}
	r.cache[gen] = kn

	zeroize(r.secret)
	r.secret = next
	r.generation++

	r.evictOutsideWindow()
	return gen, kn
}

func (r *SenderRatchet) evictOutsideWindow() {
	if r.window == 0 {
		return
	}
	for gen, kn := range r.cache {
		if gen+r.window < r.generation {
			zeroize(kn.Key)
			zeroize(kn.Nonce)
			delete(r.cache, gen)
		}
	}
}

// Next derives the next (generation, key, nonce) in the chain — the
// outbound/sending path.
func (r *SenderRatchet) Next() (uint32, []byte, []byte) {
	gen, kn := r.advance()
	return gen, kn.Key, kn.Nonce
}

// Get returns the (key, nonce) for a specific generation — the
// inbound/receiving path — ratcheting forward as needed and evicting the
// entry once consumed (spec.md §4.3: "used keys should be removed from
// the cache once consumed"). Errors per spec.md §4.3/§7.
func (r *SenderRatchet) Get(generation uint32) ([]byte, []byte, error) {
	if kn, ok := r.cache[generation]; ok {
		delete(r.cache, generation)
		return kn.Key, kn.Nonce, nil
	}
	if generation < r.generation {
		return nil, nil, ErrTooDistantInThePast
	}
	if generation-r.generation > defaultMaxFutureJump {
		return nil, nil, ErrTooDistantInTheFuture
	}
	for r.generation < generation {
		r.advance()
	}
	_, kn := r.advance()
	delete(r.cache, generation)
	return kn.Key, kn.Nonce, nil
}
