// SPDX-FileCopyrightText: © 2026 The veilroute Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package packet implements the wire packet structure and its deterministic
// binary codec.  Decoding is strict: every length and bound is checked
// before any cryptographic material is touched, so that malformed input is
// rejected as cheaply as possible.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/sign"

	"github.com/veilroute/veilroute/commitment"
)

const (
	// Version is the wire protocol version.
	Version = 0x01

	// IDLength is the length of a packet identifier in bytes.
	IDLength = hash.HashSize

	// NonceLength is the length of the submit nonce mixed into packet
	// identifier derivation.
	NonceLength = 16

	// WireMaxHops is the absolute bound on the wire hop count field.
	// Individual deployments configure a lower limit.
	WireMaxHops = 16
)

var (
	// ErrMalformedPacket is the error returned when a packet fails
	// structural validation.
	ErrMalformedPacket = errors.New("packet: malformed packet")

	// ErrSignatureInvalid is the error returned when a packet header
	// signature fails to verify.
	ErrSignatureInvalid = errors.New("packet: invalid header signature")

	idDomain = []byte("veilroute-packet-id-v1")
)

// ID is a packet identifier, derived from the packet's content at submit
// time and immutable afterwards.
type ID [IDLength]byte

// String returns a short hex representation of the ID, for logging.
func (id ID) String() string {
	return fmt.Sprintf("%x", id[:8])
}

// NewID derives a packet identifier from the payload, the destination
// commitment and a per-submit nonce.  The nonce makes identifiers unique
// across repeated sends of the same payload; retry attempts reuse the
// identifier assigned at submit time.
func NewID(payload []byte, dest [commitment.Size]byte, nonce [NonceLength]byte) ID {
	payloadDigest := hash.Sum256(payload)

	b := make([]byte, 0, len(idDomain)+IDLength+commitment.Size+NonceLength)
	b = append(b, idDomain...)
	b = append(b, payloadDigest[:]...)
	b = append(b, dest[:]...)
	b = append(b, nonce[:]...)
	return ID(hash.Sum256(b))
}

// Packet is a wire packet.  Layers and HopCount mutate as relays peel the
// onion; ID, DeclaredCost and DestinationCommitment are fixed at submit
// time and covered by the header signature.
type Packet struct {
	// Version is the wire protocol version.
	Version byte

	// ID is the packet identifier.
	ID ID

	// HopCount is the number of onion layers remaining.
	HopCount uint8

	// DeclaredCost is the cumulative hop cost budget the routing proof is
	// bound to.
	DeclaredCost uint64

	// Layers is the nested onion ciphertext.
	Layers []byte

	// DestinationCommitment hides the final recipient.
	DestinationCommitment [commitment.Size]byte

	// Proof is the serialized routing proof, empty until attached.
	Proof []byte

	// SignPublicKey is the ephemeral per-packet signature verification key.
	SignPublicKey sign.PublicKey

	// Signature covers the immutable header fields.
	Signature []byte
}

// headerBytes returns the canonical serialization of the immutable header
// fields, the message covered by the header signature.
func (p *Packet) headerBytes() []byte {
	b := make([]byte, 0, 1+IDLength+8+commitment.Size)
	b = append(b, p.Version)
	b = append(b, p.ID[:]...)
	b = binary.BigEndian.AppendUint64(b, p.DeclaredCost)
	b = append(b, p.DestinationCommitment[:]...)
	return b
}

// Sign signs the immutable header fields with the provided keypair, which
// is expected to be ephemeral and used for exactly one packet.  A long
// lived sender key would let relays link packets to their origin.
func (p *Packet) Sign(sk sign.PrivateKey, pk sign.PublicKey) {
	scheme := pk.Scheme()
	p.SignPublicKey = pk
	p.Signature = scheme.Sign(sk, p.headerBytes(), nil)
}

// VerifySignature checks the header signature against the embedded
// ephemeral public key.
func (p *Packet) VerifySignature() error {
	if p.SignPublicKey == nil || len(p.Signature) == 0 {
		return ErrSignatureInvalid
	}
	scheme := p.SignPublicKey.Scheme()
	if !scheme.Verify(p.SignPublicKey, p.headerBytes(), p.Signature, nil) {
		return ErrSignatureInvalid
	}
	return nil
}
