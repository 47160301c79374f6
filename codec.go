package mls

import (
	syntax "github.com/cisco/go-tls-syntax"
)

// marshalTLS/unmarshalTLS are thin wrappers around cisco/go-tls-syntax,
// the teacher's wire-codec dependency, kept local so every file calls
// the same two names rather than importing the package everywhere.
func marshalTLS(v interface{}) ([]byte, error) {
	return syntax.Marshal(v)
}

func unmarshalTLS(data []byte, v interface{}) (int, error) {
	return syntax.Unmarshal(data, v)
}

// HkdfLabel is the labeled-expansion context of spec.md §4.2/§6:
// u16(length) || VecU8(full_label) || VecU32(context).
type HkdfLabel struct {
	Length  uint16
	Label   []byte `tls:"head=1"`
	Context []byte `tls:"head=4"`
}

func (l HkdfLabel) marshalTLS() ([]byte, error) {
	return marshalTLS(l)
}

// TreeContext is the {node, generation} pair fed into secret-tree
// derivations (spec.md §4.3). The teacher's maelstrom ancestor left the
// decoder unimplemented (an explicit Open Question in spec.md §9); it
// is implemented here so decode(encode(x)) == x holds for it too.
type TreeContext struct {
	Node       uint32
	Generation uint32
}

func (c TreeContext) marshalTLS() ([]byte, error) {
	return marshalTLS(c)
}

func (c *TreeContext) unmarshalTLS(data []byte) (int, error) {
	return unmarshalTLS(data, c)
}

// NodeType tags a ratchet-tree Node's payload kind (spec.md §6).
type NodeType uint8

const (
	NodeTypeLeaf    NodeType = 0
	NodeTypeParent  NodeType = 1
	NodeTypeDefault NodeType = 255
)

// ProtocolVersion is carried in a few framing structures; only Mls10 is
// meaningful here (spec.md §6).
type ProtocolVersion uint8

const (
	ProtocolVersionMls10   ProtocolVersion = 0
	ProtocolVersionDefault ProtocolVersion = 255
)

// ContentType tags the payload an MLSPlaintext/MLSCiphertext frames
// (spec.md §4.3/§6): which secret tree ratchet protects it and how a
// recipient should route it once decrypted.
type ContentType uint8

const (
	ContentTypeApplication ContentType = 1
	ContentTypeProposal    ContentType = 2
	ContentTypeCommit      ContentType = 3
)
