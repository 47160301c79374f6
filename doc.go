// Package mls implements the core continuous group key agreement (CGKA)
// engine of the Messaging Layer Security protocol: the ratchet tree, the
// key schedule, the secret tree, and the proposal/commit state machine
// that together let a dynamic group of members converge on a shared,
// continuously evolving set of epoch secrets.
//
// Transport, persistence, and the low-level cryptographic primitives
// (HPKE, AEAD, signatures, hashing) are out of scope; primitives are
// reached through the Ciphersuite collaborator.
package mls

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger is the package-level structured logger. Components log epoch
// transitions, proposal application, and verification failures through
// it; no log line ever carries secret key material.
var Logger zerolog.Logger

func init() {
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
}
