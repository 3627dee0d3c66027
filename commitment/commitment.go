// SPDX-FileCopyrightText: © 2026 The veilroute Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package commitment implements the binding and hiding destination
// commitments that stand in for recipient identities on the wire.  A
// commitment is the BLAKE2b-256 digest of the recipient identity and a
// random opening secret; without the opening, relays and observers learn
// nothing about the recipient, and the prover later demonstrates knowledge
// of the opening inside the routing proof.
package commitment

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"io"

	"github.com/katzenpost/hpqc/hash"
)

const (
	// Size is the size of a destination commitment in bytes.
	Size = hash.HashSize

	// OpeningSize is the size of a commitment opening secret in bytes.
	OpeningSize = 32
)

var domain = []byte("veilroute-commit-v1")

// ErrShortRead is the error returned when the entropy source fails to
// produce a full opening secret.
var ErrShortRead = errors.New("commitment: short read from entropy source")

// Opening is the secret that opens a destination commitment.
type Opening [OpeningSize]byte

// NewOpening generates a fresh opening secret from the provided entropy
// source.
func NewOpening(r io.Reader) (*Opening, error) {
	o := new(Opening)
	n, err := io.ReadFull(r, o[:])
	if err != nil {
		return nil, err
	}
	if n != OpeningSize {
		return nil, ErrShortRead
	}
	return o, nil
}

// Commit computes the commitment to the given recipient identity under the
// opening secret.  The recipient identity is length framed so distinct
// (recipient, opening) pairs can never collide structurally.
func Commit(recipient []byte, opening *Opening) [Size]byte {
	b := make([]byte, 0, len(domain)+2+len(recipient)+OpeningSize)
	b = append(b, domain...)
	b = binary.BigEndian.AppendUint16(b, uint16(len(recipient)))
	b = append(b, recipient...)
	b = append(b, opening[:]...)
	return hash.Sum256(b)
}

// Verify returns true iff the commitment opens to the given recipient
// identity with the provided opening secret.  The comparison is constant
// time.
func Verify(c [Size]byte, recipient []byte, opening *Opening) bool {
	expected := Commit(recipient, opening)
	return subtle.ConstantTimeCompare(c[:], expected[:]) == 1
}
