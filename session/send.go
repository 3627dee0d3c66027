// SPDX-FileCopyrightText: © 2026 The veilroute Authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"context"
	"fmt"
	"time"

	"github.com/veilroute/veilroute/core/epochtime"
	"github.com/veilroute/veilroute/packet"
	"github.com/veilroute/veilroute/path"
	"github.com/veilroute/veilroute/proof"
)

// runAttempt drives one delivery attempt: select a path disjoint from the
// session's prior attempts, wrap the onion, prove the path, encode, then
// hand the packet to the transport with the attempt deadline armed.  A
// stale invocation, one whose attempt index the session has moved past,
// returns without touching the session.
func (m *Manager) runAttempt(s *Session, n int) {
	if m.ctx.Err() != nil {
		return
	}

	epoch, _, _ := epochtime.Now()
	doc, err := m.feed.Get(m.ctx, epoch)
	if err != nil {
		m.fail(s, n, fmt.Errorf("session: no directory document for epoch %d: %w", epoch, err))
		return
	}

	s.mu.Lock()
	if s.state.Terminal() || s.attempt != n {
		s.mu.Unlock()
		return
	}
	excluded := s.excludedSnapshot()
	s.mu.Unlock()

	hops, err := m.selector.Select(doc, excluded)
	if err != nil {
		m.fail(s, n, err)
		return
	}

	declared := path.TotalCost(hops) + m.cfg.CostMargin
	pub := &proof.PublicInputs{
		PacketID:              s.id,
		DestinationCommitment: s.dest,
		PathRoot:              proof.PathRoot(hops),
		DeclaredCost:          declared,
		HopCount:              uint8(len(hops)),
		MinReputation:         proof.ReputationBasisPoints(m.cfg.MinReputation),
	}

	s.mu.Lock()
	if s.state.Terminal() || s.attempt != n {
		s.mu.Unlock()
		return
	}
	if err := s.transitionLocked(StatePathSelected); err != nil {
		s.mu.Unlock()
		return
	}
	att := &attempt{pub: pub, hops: hops}
	s.attempts = append(s.attempts, att)
	s.mu.Unlock()

	layers, err := m.wrap.Wrap(s.id, s.payload, hops)
	if err != nil {
		m.fail(s, n, err)
		return
	}
	w := &proof.Witness{Hops: hops, Recipient: s.recipient, Opening: s.opening}
	pr, err := proof.Prove(w, pub)
	if err != nil {
		m.fail(s, n, err)
		return
	}

	pk, sk, err := m.codec.Scheme.GenerateKey()
	if err != nil {
		m.fail(s, n, err)
		return
	}
	pkt := &packet.Packet{
		Version:               packet.Version,
		ID:                    s.id,
		HopCount:              uint8(len(hops)),
		DeclaredCost:          declared,
		Layers:                layers,
		DestinationCommitment: s.dest,
		Proof:                 pr.Bytes(),
	}
	pkt.Sign(sk, pk)
	raw, err := m.codec.Encode(pkt)
	if err != nil {
		m.fail(s, n, err)
		return
	}

	s.mu.Lock()
	if s.state.Terminal() || s.attempt != n {
		s.mu.Unlock()
		return
	}
	if err := s.transitionLocked(StateEncrypted); err != nil {
		s.mu.Unlock()
		return
	}
	if err := s.transitionLocked(StateInFlight); err != nil {
		s.mu.Unlock()
		return
	}
	att.sentAt = time.Now()
	deadline := uint64(att.sentAt.Add(m.cfg.AttemptTimeout).UnixNano())
	s.mu.Unlock()

	m.timers.Push(deadline, &deadlineEntry{id: s.id, attempt: n})

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.AttemptTimeout)
	defer cancel()
	m.log.Debugf("Sending packet %v attempt %d via %v", s.id, n, hops[0].ID)
	rcpt, err := m.transport.Send(ctx, hops[0].Addr, raw)
	if err != nil {
		m.log.Debugf("Send failed for packet %v attempt %d: %v", s.id, n, err)
		m.expireAttempt(s, n)
		return
	}
	if err := m.HandleReceipt(rcpt); err != nil {
		m.log.Debugf("Receipt rejected for packet %v attempt %d: %v", s.id, n, err)
	}
}

// fail terminalizes the session with cause, unless a newer attempt has
// taken over or the session already resolved.
func (m *Manager) fail(s *Session, n int, cause error) {
	s.mu.Lock()
	if s.attempt != n || !s.failLocked(cause) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	m.log.Warningf("Packet %v failed: %v", s.id, cause)
	m.emit(s)
}
