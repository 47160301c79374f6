package mls

import "errors"

// Codec errors (spec.md §6/§7).
var (
	ErrCodecDecoding  = errors.New("mls: decoding error")
	ErrCodecEncoding  = errors.New("mls: encoding error")
	ErrUnknownTag     = errors.New("mls: unrecognized tag")
	ErrTruncatedInput = errors.New("mls: truncated input")
)

// SecretTreeError variants (spec.md §4.3/§7).
var (
	ErrIndexOutOfBounds     = errors.New("mls: secret tree index out of bounds")
	ErrTooDistantInThePast  = errors.New("mls: generation too distant in the past")
	ErrTooDistantInTheFuture = errors.New("mls: generation too distant in the future")
)

// SecretTypeError (spec.md §4.3/§7).
var ErrInvalidContentType = errors.New("mls: content type does not map to a secret type")

// CommitError variants (spec.md §4.5/§7).
var (
	ErrUnknownProposalRef    = errors.New("mls: commit references an unknown proposal")
	ErrInvalidDirectPathLen  = errors.New("mls: direct path length mismatch")
	ErrParentKeyMismatch     = errors.New("mls: recovered public key does not match sender's")
	ErrMissingPendingKPB     = errors.New("mls: no pending key package bundle for own update")
	ErrSelfRemoved           = errors.New("mls: committer was removed by its own commit")
)

// IntegrityError variants (spec.md §4.4.5/§7).
var (
	ErrTreeIntegrity        = errors.New("mls: ratchet tree failed integrity verification")
	ErrConfirmationMismatch = errors.New("mls: confirmation tag mismatch")
	ErrSignatureInvalid     = errors.New("mls: signature verification failed")
)

// GroupStateError variants (spec.md §4.6/§7).
var ErrEpochMismatch = errors.New("mls: ciphertext epoch does not match current epoch")
