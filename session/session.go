// SPDX-FileCopyrightText: © 2026 The veilroute Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package session tracks submitted packets from path selection through
// proof verification, retrying expired attempts on disjoint paths and
// feeding verified outcomes to the reputation tracker.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/veilroute/veilroute/commitment"
	"github.com/veilroute/veilroute/directory"
	"github.com/veilroute/veilroute/packet"
	"github.com/veilroute/veilroute/path"
	"github.com/veilroute/veilroute/proof"
	"github.com/veilroute/veilroute/reputation"
)

var (
	// ErrUnknownSession is returned for a packet identifier with no live
	// session, either never submitted or already garbage collected.
	ErrUnknownSession = errors.New("session: unknown packet id")

	// ErrTerminal is returned when an operation requires a live session
	// but the session has already reached a terminal state.
	ErrTerminal = errors.New("session: already terminal")

	// ErrInvalidTransition is returned for a state change the lifecycle
	// does not permit.
	ErrInvalidTransition = errors.New("session: invalid state transition")
)

// State is a session lifecycle state.
type State int

const (
	// StateCreated is the initial state assigned at submit time.
	StateCreated State = iota

	// StatePathSelected means a relay path has been chosen for the
	// current attempt.
	StatePathSelected

	// StateEncrypted means the onion layers and routing proof have been
	// built and the packet is encoded for the wire.
	StateEncrypted

	// StateInFlight means the packet has been handed to the transport
	// and the attempt deadline is armed.
	StateInFlight

	// StateAwaitingProofVerification means a receipt has arrived and its
	// proof is being checked.  At most one receipt per packet reaches
	// this state at a time.
	StateAwaitingProofVerification

	// StateDelivered is terminal: a receipt carried a proof that
	// verified against the packet's public inputs.
	StateDelivered

	// StateFailed is terminal: the packet cannot be delivered, either
	// because a proof was rejected or because an attempt could not be
	// built.
	StateFailed

	// StateExpired is terminal: every attempt exceeded its deadline.
	StateExpired
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StatePathSelected:
		return "PathSelected"
	case StateEncrypted:
		return "Encrypted"
	case StateInFlight:
		return "InFlight"
	case StateAwaitingProofVerification:
		return "AwaitingProofVerification"
	case StateDelivered:
		return "Delivered"
	case StateFailed:
		return "Failed"
	case StateExpired:
		return "Expired"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal returns true for the absorbing states.
func (s State) Terminal() bool {
	switch s {
	case StateDelivered, StateFailed, StateExpired:
		return true
	default:
		return false
	}
}

// transitions is the set of permitted state changes.  StateInFlight to
// StatePathSelected is the retry edge, taken when an attempt deadline fires
// with attempts remaining.  StateFailed is additionally reachable from any
// non-terminal state via failLocked.
var transitions = map[State][]State{
	StateCreated:                   {StatePathSelected},
	StatePathSelected:              {StateEncrypted},
	StateEncrypted:                 {StateInFlight},
	StateInFlight:                  {StateAwaitingProofVerification, StatePathSelected, StateExpired},
	StateAwaitingProofVerification: {StateDelivered, StateFailed},
}

// attempt is the per-attempt bookkeeping a session accumulates.  Receipts
// are matched to the attempt whose public inputs they embed, so a late
// receipt from a superseded attempt still verifies against the path it
// actually traveled.
type attempt struct {
	pub    *proof.PublicInputs
	hops   []*path.Hop
	sentAt time.Time
}

// Delta is one reputation adjustment applied while a session ran.
type Delta struct {
	// Node is the adjusted node.
	Node directory.NodeID

	// Outcome is the event that triggered the adjustment.
	Outcome reputation.Outcome

	// Score is the node's score after the adjustment.
	Score float64
}

// Outcome is the record emitted on the manager's outcome feed when a
// session reaches a terminal state.
type Outcome struct {
	// PacketID identifies the session.
	PacketID packet.ID

	// State is the terminal state.
	State State

	// Accepted is true iff the packet was delivered with a valid proof.
	Accepted bool

	// Err is the terminal cause for failed and expired sessions.
	Err error

	// Deltas lists every reputation adjustment the session applied,
	// across all attempts, in application order.
	Deltas []Delta
}

// Session is the tracked lifecycle of one submitted packet.  All state
// mutations go through transitionLocked under mu, so concurrent deadline
// fires, receipts and retries serialize into exactly one history.
type Session struct {
	mu sync.Mutex

	id        packet.ID
	state     State
	err       error
	payload   []byte
	recipient []byte
	opening   *commitment.Opening
	dest      [commitment.Size]byte

	// attempt indexes the current attempt; attempts grows by one per
	// retry and is never truncated.
	attempt  int
	attempts []*attempt

	// excluded accumulates every node used by a prior attempt, making
	// retry paths disjoint from the paths that already failed.
	excluded map[directory.NodeID]bool

	deltas []Delta

	createdAt  time.Time
	terminalAt time.Time

	// observed is set once Status reports a terminal state, releasing
	// the session for garbage collection.
	observed bool
}

// ID returns the session's packet identifier.
func (s *Session) ID() packet.ID {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal cause, nil unless the session failed or expired.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// transitionLocked applies a state change under s.mu.  Re-entering the
// current terminal state is an idempotent no-op; any other transition out
// of a terminal state returns ErrTerminal, and transitions absent from the
// lifecycle table return ErrInvalidTransition.
func (s *Session) transitionLocked(to State) error {
	if s.state.Terminal() {
		if s.state == to {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrTerminal, s.state)
	}
	for _, next := range transitions[s.state] {
		if next == to {
			s.state = to
			if to.Terminal() {
				s.terminalAt = time.Now()
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %v -> %v", ErrInvalidTransition, s.state, to)
}

// failLocked forces the session into StateFailed from any non-terminal
// state, recording cause.  It reports whether the transition happened.
func (s *Session) failLocked(cause error) bool {
	if s.state.Terminal() {
		return false
	}
	s.state = StateFailed
	s.err = cause
	s.terminalAt = time.Now()
	return true
}

// excludedSnapshot copies the exclusion set for use outside s.mu.
func (s *Session) excludedSnapshot() map[directory.NodeID]bool {
	out := make(map[directory.NodeID]bool, len(s.excluded))
	for id := range s.excluded {
		out[id] = true
	}
	return out
}

// current returns the attempt bookkeeping for the current attempt, nil
// before the first path is selected.
func (s *Session) current() *attempt {
	if len(s.attempts) == 0 {
		return nil
	}
	return s.attempts[len(s.attempts)-1]
}
