// SPDX-FileCopyrightText: © 2026 The veilroute Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package relay implements hop-side packet processing: decode, header
// signature check, replay suppression, peeling one onion layer, and the
// forward-or-deliver decision. Terminal hops produce a delivery receipt
// carrying the packet's routing proof back toward the sender.
package relay

import (
	"errors"
	"fmt"

	"gopkg.in/op/go-logging.v1"

	"github.com/veilroute/veilroute/core/log"
	"github.com/veilroute/veilroute/directory"
	"github.com/veilroute/veilroute/internal/instrument"
	"github.com/veilroute/veilroute/internal/replay"
	"github.com/veilroute/veilroute/onion"
	"github.com/veilroute/veilroute/packet"
)

var (
	// ErrReplayDetected is the error returned when a packet's outer layer
	// has been processed by this node before.
	ErrReplayDetected = errors.New("relay: replay detected")

	// ErrCapability is the error returned when a packet asks this node to
	// forward but the node is not forward capable.
	ErrCapability = errors.New("relay: node is not forward capable")
)

// Action is the disposition of a processed packet, either a *Forward or a
// *Deliver.
type Action interface {
	action()
}

// Forward instructs the caller to send the transformed packet onward.
type Forward struct {
	// Next is the identity of the next hop.
	Next directory.NodeID

	// Addr is the next hop's address, as decrypted from this layer.
	Addr string

	// Packet is the re-encoded packet with this node's layer removed.
	Packet []byte
}

func (f *Forward) action() {}

// Deliver terminates the path at this node.
type Deliver struct {
	// Payload is the innermost plaintext.
	Payload []byte

	// Receipt acknowledges the delivery toward the sender.
	Receipt *packet.Receipt
}

func (d *Deliver) action() {}

// Relay processes packets on behalf of one node.
type Relay struct {
	log *logging.Logger

	keys  *directory.NodeKeys
	codec *packet.Codec
	wrap  *onion.Layering
	cache *replay.Cache
	caps  directory.Capabilities
}

// New constructs a Relay for the given node identity.
func New(backend *log.Backend, keys *directory.NodeKeys, codec *packet.Codec, wrap *onion.Layering, cache *replay.Cache, caps directory.Capabilities) *Relay {
	return &Relay{
		log:   backend.GetLogger("relay"),
		keys:  keys,
		codec: codec,
		wrap:  wrap,
		cache: cache,
		caps:  caps,
	}
}

// Process handles one raw packet and returns its disposition. Structural
// checks and replay suppression run before any expensive cryptography.
func (r *Relay) Process(raw []byte) (Action, error) {
	pkt, err := r.codec.Decode(raw)
	if err != nil {
		instrument.PacketDropped("malformed")
		return nil, err
	}
	if err = pkt.VerifySignature(); err != nil {
		instrument.PacketDropped("signature")
		return nil, err
	}

	// The replay tag is the digest of the encapsulation addressed to this
	// node. A retry attempt re-wraps with fresh encapsulations, so it
	// never trips the cache; a byte-replayed packet always does.
	ctSize := r.wrap.Scheme().CiphertextSize()
	if len(pkt.Layers) < ctSize {
		instrument.PacketDropped("malformed")
		return nil, fmt.Errorf("%w: layer shorter than encapsulation", packet.ErrMalformedPacket)
	}
	tag := replay.Tag(pkt.Layers[:ctSize])
	if r.cache.IsReplay(tag[:]) {
		instrument.PacketReplayed()
		r.log.Debugf("packet %v: replay dropped", pkt.ID)
		return nil, fmt.Errorf("%w: packet %v", ErrReplayDetected, pkt.ID)
	}

	instr, rest, err := r.wrap.Unwrap(r.keys.KEMPrivate, pkt.ID, pkt.Layers)
	if err != nil {
		instrument.PacketDropped("decrypt")
		return nil, err
	}

	switch cmd := instr.(type) {
	case *onion.Forward:
		if !r.caps.Has(directory.CapForward) {
			instrument.PacketDropped("capability")
			return nil, ErrCapability
		}
		if pkt.HopCount <= 1 {
			instrument.PacketDropped("malformed")
			return nil, fmt.Errorf("%w: forward with no hops left", packet.ErrMalformedPacket)
		}
		out := &packet.Packet{
			Version:               pkt.Version,
			ID:                    pkt.ID,
			HopCount:              pkt.HopCount - 1,
			DeclaredCost:          pkt.DeclaredCost,
			Layers:                rest,
			DestinationCommitment: pkt.DestinationCommitment,
			Proof:                 pkt.Proof,
			SignPublicKey:         pkt.SignPublicKey,
			Signature:             pkt.Signature,
		}
		rawOut, err := r.codec.Encode(out)
		if err != nil {
			instrument.PacketDropped("encode")
			return nil, err
		}
		instrument.PacketProcessed("forward")
		r.log.Debugf("packet %v: forward to %v", pkt.ID, cmd.Addr)
		return &Forward{Next: cmd.Next, Addr: cmd.Addr, Packet: rawOut}, nil

	case *onion.Deliver:
		instrument.PacketProcessed("deliver")
		r.log.Debugf("packet %v: delivered", pkt.ID)
		rcpt := &packet.Receipt{
			ID:    pkt.ID,
			Proof: append([]byte{}, pkt.Proof...),
		}
		return &Deliver{Payload: rest, Receipt: rcpt}, nil

	default:
		instrument.PacketDropped("instruction")
		return nil, fmt.Errorf("%w: unknown instruction", packet.ErrMalformedPacket)
	}
}

// Flush persists the replay cache's buffered tags, if it is persistent.
func (r *Relay) Flush() error {
	return r.cache.Flush()
}
