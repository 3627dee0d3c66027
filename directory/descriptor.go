// SPDX-FileCopyrightText: © 2026 The veilroute Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package directory implements the relay directory: node descriptors,
// epoch stamped documents, and the feed interface through which the
// storage collaborator supplies fresh peer lists.
package directory

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/kem"
	kemschemes "github.com/katzenpost/hpqc/kem/schemes"
	"github.com/katzenpost/hpqc/sign"
	signschemes "github.com/katzenpost/hpqc/sign/schemes"
)

const (
	// NodeIDLength is the length of a node identifier in bytes.
	NodeIDLength = hash.HashSize
)

// NodeID is a node identifier, the BLAKE2b-256 digest of the node's
// identity signature key.
type NodeID [NodeIDLength]byte

// String returns a short hex representation of the NodeID, for logging.
func (id NodeID) String() string {
	return fmt.Sprintf("%x", id[:8])
}

// Capabilities is the set of roles a node advertises.
type Capabilities uint8

const (
	// CapForward marks a node that relays packets.
	CapForward Capabilities = 1 << iota

	// CapProve marks a node accepted as a proof verifier.
	CapProve

	// CapStore marks a storage collaborator node.
	CapStore
)

// Has returns true if all capabilities in c2 are present in c.
func (c Capabilities) Has(c2 Capabilities) bool {
	return c&c2 == c2
}

func (c Capabilities) String() string {
	s := ""
	if c.Has(CapForward) {
		s += "forward,"
	}
	if c.Has(CapProve) {
		s += "prove,"
	}
	if c.Has(CapStore) {
		s += "store,"
	}
	if len(s) == 0 {
		return "none"
	}
	return s[:len(s)-1]
}

var (
	// ErrInvalidDescriptor is the error returned when a descriptor fails
	// validation.
	ErrInvalidDescriptor = errors.New("directory: invalid descriptor")

	// ErrDescriptorSignature is the error returned when a descriptor's
	// signature fails to verify.
	ErrDescriptorSignature = errors.New("directory: descriptor signature verification failed")
)

// NodeDescriptor describes a relay node for one epoch.
type NodeDescriptor struct {
	// Name is the human readable node identifier.
	Name string

	// ID is the node identifier, always the digest of IdentityKey.
	ID NodeID

	// Epoch is the epoch this descriptor was published for.
	Epoch uint64

	// IdentityKey is the node's serialized identity signature key.
	IdentityKey []byte

	// SignScheme names the identity signature scheme.
	SignScheme string

	// KEMKey is the node's serialized KEM public key for this epoch.
	KEMKey []byte

	// KEMScheme names the KEM scheme.
	KEMScheme string

	// Addresses lists the node's reachable transport addresses.
	Addresses []string

	// AdvertisedLatencyMs is the node's self reported forwarding latency.
	AdvertisedLatencyMs uint64

	// Capacity is the node's self reported bandwidth capacity.
	Capacity uint64

	// Capabilities is the node's advertised role set.
	Capabilities Capabilities
}

// KEMPublicKey deserializes the descriptor's KEM public key.
func (d *NodeDescriptor) KEMPublicKey() (kem.PublicKey, error) {
	s := kemschemes.ByName(d.KEMScheme)
	if s == nil {
		return nil, fmt.Errorf("directory: unknown KEM scheme '%v'", d.KEMScheme)
	}
	return s.UnmarshalBinaryPublicKey(d.KEMKey)
}

// IdentityPublicKey deserializes the descriptor's identity signature key.
func (d *NodeDescriptor) IdentityPublicKey() (sign.PublicKey, error) {
	s := signschemes.ByName(d.SignScheme)
	if s == nil {
		return nil, fmt.Errorf("directory: unknown signature scheme '%v'", d.SignScheme)
	}
	return s.UnmarshalBinaryPublicKey(d.IdentityKey)
}

// validate performs structural validation of a descriptor.
func (d *NodeDescriptor) validate() error {
	if len(d.IdentityKey) == 0 || len(d.KEMKey) == 0 {
		return ErrInvalidDescriptor
	}
	if d.ID != NodeID(hash.Sum256(d.IdentityKey)) {
		return ErrInvalidDescriptor
	}
	if len(d.Addresses) == 0 {
		return ErrInvalidDescriptor
	}
	if d.Capabilities == 0 {
		return ErrInvalidDescriptor
	}
	return nil
}

// signedDescriptor is the on-wire form of a descriptor: the CBOR descriptor
// body plus a signature by the node's identity key over that body.
type signedDescriptor struct {
	Body      []byte
	Signature []byte
}

// SignDescriptor serializes and signs a descriptor with the node's identity
// key.
func SignDescriptor(d *NodeDescriptor, sk sign.PrivateKey) ([]byte, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	body, err := cbor.Marshal(d)
	if err != nil {
		return nil, err
	}
	scheme := signschemes.ByName(d.SignScheme)
	if scheme == nil {
		return nil, fmt.Errorf("directory: unknown signature scheme '%v'", d.SignScheme)
	}
	sd := &signedDescriptor{
		Body:      body,
		Signature: scheme.Sign(sk, body, nil),
	}
	return cbor.Marshal(sd)
}

// VerifyDescriptor deserializes a signed descriptor, verifies the identity
// signature, and validates the structure.
func VerifyDescriptor(blob []byte) (*NodeDescriptor, error) {
	sd := new(signedDescriptor)
	if err := cbor.Unmarshal(blob, sd); err != nil {
		return nil, ErrInvalidDescriptor
	}
	d := new(NodeDescriptor)
	if err := cbor.Unmarshal(sd.Body, d); err != nil {
		return nil, ErrInvalidDescriptor
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	pk, err := d.IdentityPublicKey()
	if err != nil {
		return nil, ErrInvalidDescriptor
	}
	scheme := signschemes.ByName(d.SignScheme)
	if !scheme.Verify(pk, sd.Body, sd.Signature, nil) {
		return nil, ErrDescriptorSignature
	}
	return d, nil
}
