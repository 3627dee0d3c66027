// SPDX-FileCopyrightText: © 2026 The veilroute Authors
// SPDX-License-Identifier: AGPL-3.0-only

package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/hash"
)

var (
	// ErrNoDocument is the error returned when the feed has no document
	// for the queried epoch.
	ErrNoDocument = errors.New("directory: no document for epoch")

	// ErrNodeNotFound is the error returned when a node id is absent from
	// a document.
	ErrNodeNotFound = errors.New("directory: node not found")
)

// Document is the directory for one epoch: the set of node descriptors the
// storage collaborator has gathered and scored.
type Document struct {
	// Epoch is the epoch this document describes.
	Epoch uint64

	// Nodes lists the known node descriptors.
	Nodes []*NodeDescriptor
}

// GetNode returns the descriptor for the given node id.
func (d *Document) GetNode(id NodeID) (*NodeDescriptor, error) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, nil
		}
	}
	return nil, ErrNodeNotFound
}

// NodesWithCapability returns the descriptors advertising all capabilities
// in c.
func (d *Document) NodesWithCapability(c Capabilities) []*NodeDescriptor {
	var out []*NodeDescriptor
	for _, n := range d.Nodes {
		if n.Capabilities.Has(c) {
			out = append(out, n)
		}
	}
	return out
}

// String returns a summary of the document, for logging.
func (d *Document) String() string {
	return fmt.Sprintf("Document{Epoch: %d, Nodes: %d}", d.Epoch, len(d.Nodes))
}

// MarshalDocument serializes a document.
func MarshalDocument(d *Document) ([]byte, error) {
	return cbor.Marshal(d)
}

// UnmarshalDocument deserializes a document.
func UnmarshalDocument(b []byte) (*Document, error) {
	d := new(Document)
	if err := cbor.Unmarshal(b, d); err != nil {
		return nil, err
	}
	return d, nil
}

// DocumentDigest returns the digest of the document's canonical
// serialization.
func DocumentDigest(d *Document) ([hash.HashSize]byte, error) {
	b, err := MarshalDocument(d)
	if err != nil {
		return [hash.HashSize]byte{}, err
	}
	return hash.Sum256(b), nil
}

// Feed supplies directory documents.  It is the interface to the external
// discovery/storage collaborator.
type Feed interface {
	// Get returns the document for the given epoch.
	Get(ctx context.Context, epoch uint64) (*Document, error)
}

// StaticFeed is a Feed backed by an in-memory document set.  It serves
// tests and static bootstrap deployments.
type StaticFeed struct {
	sync.RWMutex

	docs map[uint64]*Document
}

// NewStaticFeed constructs a StaticFeed.
func NewStaticFeed() *StaticFeed {
	return &StaticFeed{docs: make(map[uint64]*Document)}
}

// Put installs a document for its epoch.
func (f *StaticFeed) Put(d *Document) {
	f.Lock()
	defer f.Unlock()
	f.docs[d.Epoch] = d
}

// Get implements Feed.
func (f *StaticFeed) Get(ctx context.Context, epoch uint64) (*Document, error) {
	f.RLock()
	defer f.RUnlock()
	if d, ok := f.docs[epoch]; ok {
		return d, nil
	}
	return nil, ErrNoDocument
}
