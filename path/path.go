// SPDX-FileCopyrightText: © 2026 The veilroute Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package path selects multi-hop relay paths.  Selection is adversarial by
// construction: candidates below the reputation threshold or blamed in a
// prior attempt never appear, and the surviving candidates are drawn by
// weighted random sampling rather than top-k ranking, so an observer
// correlating repeated sends cannot predict the chosen relays.
package path

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/katzenpost/hpqc/kem"
	"github.com/katzenpost/hpqc/rand"

	"github.com/veilroute/veilroute/directory"
)

var (
	// ErrInsufficientPeers is the error returned when fewer eligible
	// candidates remain than the requested path length.
	ErrInsufficientPeers = errors.New("path: insufficient eligible peers")

	// ErrNoDocument is the error returned when selection is attempted
	// without a directory document.
	ErrNoDocument = errors.New("path: no directory document")
)

// Hop is one hop of a selected path.  ReputationSnapshot is the score that
// justified selection, copied by value at selection time; later score
// mutations never retroactively alter a path's validity.
type Hop struct {
	// ID is the hop's node identifier.
	ID directory.NodeID

	// Addr is the transport address the previous hop forwards to.
	Addr string

	// KEMPublicKey is the hop's KEM key used for the onion layer.
	KEMPublicKey kem.PublicKey

	// ExpectedCost is the hop's advertised cost (latency, in ms units).
	ExpectedCost uint64

	// ReputationSnapshot is the hop's score at selection time.
	ReputationSnapshot float64
}

// ReputationSource is the read-side contract the selector requires from the
// reputation tracker.
type ReputationSource interface {
	// Query returns the node's current score, applying lazy decay.
	Query(id directory.NodeID) float64

	// ThresholdFilter returns the subset of ids whose score is at least
	// min.
	ThresholdFilter(ids []directory.NodeID, min float64) []directory.NodeID

	// Latency returns the node's measured delivery latency estimate, if
	// any deliveries through it have been observed.
	Latency(id directory.NodeID) (time.Duration, bool)
}

// Config tunes path selection.
type Config struct {
	// Hops is the path length k.
	Hops int

	// MinReputation is the score threshold a candidate must meet.
	MinReputation float64

	// Temperature is the softmax temperature.  Higher values flatten the
	// distribution toward uniform; lower values sharpen it toward the
	// best scored candidates.
	Temperature float64

	// LatencyPenalty is the score penalty applied per millisecond of
	// expected latency, measured where samples exist and advertised
	// otherwise.
	LatencyPenalty float64
}

// Selector picks paths from directory documents.
type Selector struct {
	cfg Config
	rep ReputationSource
}

// New constructs a Selector.
func New(cfg Config, rep ReputationSource) (*Selector, error) {
	if cfg.Hops < 1 {
		return nil, fmt.Errorf("path: invalid hop count %d", cfg.Hops)
	}
	if cfg.Temperature <= 0 {
		return nil, fmt.Errorf("path: invalid temperature %v", cfg.Temperature)
	}
	return &Selector{cfg: cfg, rep: rep}, nil
}

type candidate struct {
	desc   *directory.NodeDescriptor
	score  float64
	weight float64
}

// Select picks an ordered path of cfg.Hops distinct forward-capable nodes
// from the document, skipping excluded nodes.  Each call draws from a
// freshly seeded CSPRNG.
func (s *Selector) Select(doc *directory.Document, excluded map[directory.NodeID]bool) ([]*Hop, error) {
	if doc == nil {
		return nil, ErrNoDocument
	}

	pool := doc.NodesWithCapability(directory.CapForward)
	ids := make([]directory.NodeID, 0, len(pool))
	byID := make(map[directory.NodeID]*directory.NodeDescriptor, len(pool))
	for _, d := range pool {
		if excluded[d.ID] {
			continue
		}
		if _, ok := byID[d.ID]; ok {
			continue
		}
		byID[d.ID] = d
		ids = append(ids, d.ID)
	}

	eligible := s.rep.ThresholdFilter(ids, s.cfg.MinReputation)

	cands := make([]*candidate, 0, len(eligible))
	for _, id := range eligible {
		score := s.rep.Query(id)
		if score < s.cfg.MinReputation {
			// The score moved between the filter and the snapshot.
			continue
		}
		cands = append(cands, &candidate{desc: byID[id], score: score})
	}
	if len(cands) < s.cfg.Hops {
		return nil, ErrInsufficientPeers
	}

	// Softmax weights over (reputation - latency penalty), shifted by the
	// maximum utility for numeric stability.  A measured latency estimate
	// outranks the node's own advertisement; nodes may lie about cost.
	maxU := math.Inf(-1)
	for _, c := range cands {
		lat := float64(c.desc.AdvertisedLatencyMs)
		if d, ok := s.rep.Latency(c.desc.ID); ok {
			lat = float64(d) / float64(time.Millisecond)
		}
		u := c.score - s.cfg.LatencyPenalty*lat
		c.weight = u
		if u > maxU {
			maxU = u
		}
	}
	for _, c := range cands {
		c.weight = math.Exp((c.weight - maxU) / s.cfg.Temperature)
	}

	rng := rand.NewMath()
	hops := make([]*Hop, 0, s.cfg.Hops)
	for len(hops) < s.cfg.Hops {
		total := 0.0
		for _, c := range cands {
			total += c.weight
		}

		x := rng.Float64() * total
		idx := len(cands) - 1
		for i, c := range cands {
			x -= c.weight
			if x <= 0 {
				idx = i
				break
			}
		}
		chosen := cands[idx]
		cands = append(cands[:idx], cands[idx+1:]...)

		kemKey, err := chosen.desc.KEMPublicKey()
		if err != nil {
			// A descriptor with an unparseable key is unusable; drop it
			// and keep sampling.
			if len(cands)+len(hops) < s.cfg.Hops {
				return nil, ErrInsufficientPeers
			}
			continue
		}

		hops = append(hops, &Hop{
			ID:                 chosen.desc.ID,
			Addr:               chosen.desc.Addresses[0],
			KEMPublicKey:       kemKey,
			ExpectedCost:       chosen.desc.AdvertisedLatencyMs,
			ReputationSnapshot: chosen.score,
		})
	}

	return hops, nil
}

// TotalCost returns the cumulative expected cost of the path.
func TotalCost(hops []*Hop) uint64 {
	var total uint64
	for _, h := range hops {
		total += h.ExpectedCost
	}
	return total
}

// NodeIDs returns the ordered node ids of the path.
func NodeIDs(hops []*Hop) []directory.NodeID {
	ids := make([]directory.NodeID, 0, len(hops))
	for _, h := range hops {
		ids = append(ids, h.ID)
	}
	return ids
}
