package mls

// ExtensionType tags a KeyPackage extension's payload (spec.md §3).
type ExtensionType uint16

const (
	ExtensionTypeParentHash ExtensionType = 1
)

// ParentHashExtension binds a leaf's key package to the parent-hash of
// its direct parent at the time of its last update (spec.md §4.4.5).
type ParentHashExtension struct {
	ParentHash []byte `tls:"head=1"`
}

func newParentHashExtension(hash []byte) ParentHashExtension {
	return ParentHashExtension{ParentHash: append([]byte(nil), hash...)}
}

// rawExtension encodes a typed extension as a {type, opaque data} pair
// (the wire shape every KeyPackage extension shares).
type rawExtension struct {
	Type ExtensionType
	Data []byte `tls:"head=2"`
}

func (e ParentHashExtension) toRaw() (rawExtension, error) {
	data, err := marshalTLS(e)
	if err != nil {
		return rawExtension{}, err
	}
	return rawExtension{Type: ExtensionTypeParentHash, Data: data}, nil
}

func parentHashFromRaw(raw rawExtension) (ParentHashExtension, bool, error) {
	if raw.Type != ExtensionTypeParentHash {
		return ParentHashExtension{}, false, nil
	}
	var e ParentHashExtension
	if _, err := unmarshalTLS(raw.Data, &e); err != nil {
		return ParentHashExtension{}, false, err
	}
	return e, true, nil
}
