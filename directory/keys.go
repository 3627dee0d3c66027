// SPDX-FileCopyrightText: © 2026 The veilroute Authors
// SPDX-License-Identifier: AGPL-3.0-only

package directory

import (
	"fmt"
	"time"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/kem"
	kemschemes "github.com/katzenpost/hpqc/kem/schemes"
	"github.com/katzenpost/hpqc/sign"
	signschemes "github.com/katzenpost/hpqc/sign/schemes"
)

// DefaultRotationInterval is how long a node's KEM keypair remains in
// service before Rotate should be called.
const DefaultRotationInterval = 24 * time.Hour

// NodeKeys bundles a node's long lived identity signature keypair with its
// rotating KEM keypair.  The identity keypair determines the NodeID and is
// never rotated; the KEM keypair is replaced every rotation interval so
// that a compromised decapsulation key exposes a bounded window of traffic.
type NodeKeys struct {
	IdentityPublic  sign.PublicKey
	IdentityPrivate sign.PrivateKey

	KEMPublic  kem.PublicKey
	KEMPrivate kem.PrivateKey

	CreatedAt time.Time
	RotateAt  time.Time

	kemScheme  kem.Scheme
	signScheme sign.Scheme
	interval   time.Duration
}

// GenerateNodeKeys creates a fresh node key bundle using the named schemes.
func GenerateNodeKeys(kemScheme, signScheme string, interval time.Duration) (*NodeKeys, error) {
	ks := kemschemes.ByName(kemScheme)
	if ks == nil {
		return nil, fmt.Errorf("directory: unknown KEM scheme '%v'", kemScheme)
	}
	ss := signschemes.ByName(signScheme)
	if ss == nil {
		return nil, fmt.Errorf("directory: unknown signature scheme '%v'", signScheme)
	}
	if interval <= 0 {
		interval = DefaultRotationInterval
	}

	idPub, idPriv, err := ss.GenerateKey()
	if err != nil {
		return nil, err
	}
	kemPub, kemPriv, err := ks.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &NodeKeys{
		IdentityPublic:  idPub,
		IdentityPrivate: idPriv,
		KEMPublic:       kemPub,
		KEMPrivate:      kemPriv,
		CreatedAt:       now,
		RotateAt:        now.Add(interval),
		kemScheme:       ks,
		signScheme:      ss,
		interval:        interval,
	}, nil
}

// NodeID returns the node identifier derived from the identity key.
func (k *NodeKeys) NodeID() NodeID {
	return NodeID(hash.Sum256From(k.IdentityPublic))
}

// RotationDue returns true if the KEM keypair has outlived its interval.
func (k *NodeKeys) RotationDue(now time.Time) bool {
	return !now.Before(k.RotateAt)
}

// Rotate replaces the KEM keypair and advances the rotation deadline.  The
// identity keypair, and therefore the NodeID, is unchanged.
func (k *NodeKeys) Rotate() error {
	kemPub, kemPriv, err := k.kemScheme.GenerateKeyPair()
	if err != nil {
		return err
	}
	k.KEMPublic = kemPub
	k.KEMPrivate = kemPriv
	now := time.Now()
	k.CreatedAt = now
	k.RotateAt = now.Add(k.interval)
	return nil
}

// Descriptor builds and signs this node's descriptor for the given epoch.
func (k *NodeKeys) Descriptor(name string, epoch uint64, addresses []string, latencyMs, capacity uint64, caps Capabilities) ([]byte, error) {
	idBlob, err := k.IdentityPublic.MarshalBinary()
	if err != nil {
		return nil, err
	}
	kemBlob, err := k.KEMPublic.MarshalBinary()
	if err != nil {
		return nil, err
	}
	d := &NodeDescriptor{
		Name:                name,
		ID:                  k.NodeID(),
		Epoch:               epoch,
		IdentityKey:         idBlob,
		SignScheme:          k.signScheme.Name(),
		KEMKey:              kemBlob,
		KEMScheme:           k.kemScheme.Name(),
		Addresses:           addresses,
		AdvertisedLatencyMs: latencyMs,
		Capacity:            capacity,
		Capabilities:        caps,
	}
	return SignDescriptor(d, k.IdentityPrivate)
}
