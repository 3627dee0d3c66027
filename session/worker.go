// SPDX-FileCopyrightText: © 2026 The veilroute Authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"errors"
	"time"

	"github.com/veilroute/veilroute/internal/instrument"
	"github.com/veilroute/veilroute/path"
	"github.com/veilroute/veilroute/proof"
	"github.com/veilroute/veilroute/reputation"
)

// onDeadline is the timer queue action.  It runs on the timer worker, so
// retries are spawned onto the manager's worker pool rather than run
// inline.
func (m *Manager) onDeadline(v interface{}) {
	d, ok := v.(*deadlineEntry)
	if !ok {
		return
	}
	s := m.lookup(d.id)
	if s == nil {
		return
	}
	m.expireAttempt(s, d.attempt)
}

// expireAttempt resolves an attempt that exceeded its deadline: the
// attempt's hops are penalized and excluded, then either a retry starts on
// a disjoint path or, with no attempts left, the session expires.  Stale
// calls, for attempts the session already resolved or moved past, are
// no-ops; the deadline and a concurrently arriving receipt race through
// the session lock and exactly one of them decides.
func (m *Manager) expireAttempt(s *Session, n int) {
	if m.ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	if s.state != StateInFlight || s.attempt != n {
		s.mu.Unlock()
		return
	}
	hops := s.current().hops
	if n+1 >= m.cfg.MaxAttempts {
		_ = s.transitionLocked(StateExpired)
		s.err = ErrExpired
		s.mu.Unlock()
		m.applyOutcome(s, hops, reputation.OutcomeTimeout)
		m.log.Debugf("Packet %v expired after %d attempts", s.id, n+1)
		m.emit(s)
		return
	}
	s.attempt = n + 1
	for _, h := range hops {
		s.excluded[h.ID] = true
	}
	s.mu.Unlock()

	m.applyOutcome(s, hops, reputation.OutcomeTimeout)
	instrument.SessionRetried()
	m.log.Debugf("Packet %v attempt %d timed out, retrying disjoint", s.id, n)
	m.Go(func() { m.runAttempt(s, n+1) })
}

// deliver terminalizes a session whose receipt proof verified.  The
// attempt's hops are credited and the measured round trip time, spread
// evenly across the path, feeds each hop's latency estimate.
func (m *Manager) deliver(s *Session, hops []*path.Hop, rtt time.Duration) {
	s.mu.Lock()
	if err := s.transitionLocked(StateDelivered); err != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	m.applyOutcome(s, hops, reputation.OutcomeDelivered)
	if len(hops) > 0 {
		share := rtt / time.Duration(len(hops))
		for _, h := range hops {
			m.rep.RecordLatency(h.ID, share)
		}
	}
	m.log.Debugf("Packet %v delivered, rtt %v", s.id, rtt)
	m.emit(s)
}

// rejectProof terminalizes a session whose receipt proof was rejected.  A
// replayed proof marks the attempt's hops malicious; any other rejection
// counts as a proof failure.
func (m *Manager) rejectProof(s *Session, hops []*path.Hop, cause error) {
	s.mu.Lock()
	if !s.failLocked(cause) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	outcome := reputation.OutcomeProofFailed
	if errors.Is(cause, proof.ErrReplayDetected) {
		outcome = reputation.OutcomeMalicious
	}
	m.applyOutcome(s, hops, outcome)
	m.log.Warningf("Packet %v proof rejected: %v", s.id, cause)
	m.emit(s)
}

// applyOutcome updates every hop's reputation and records the resulting
// deltas on the session for the outcome feed.
func (m *Manager) applyOutcome(s *Session, hops []*path.Hop, o reputation.Outcome) {
	deltas := make([]Delta, 0, len(hops))
	for _, h := range hops {
		deltas = append(deltas, Delta{
			Node:    h.ID,
			Outcome: o,
			Score:   m.rep.Update(h.ID, o),
		})
	}
	s.mu.Lock()
	s.deltas = append(s.deltas, deltas...)
	s.mu.Unlock()
}

// sweepWorker garbage collects terminal sessions.
func (m *Manager) sweepWorker() {
	t := time.NewTicker(m.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-m.HaltCh():
			return
		case <-t.C:
			m.sweep(time.Now())
		}
	}
}

// sweep removes terminal sessions whose state has been observed via Status
// or whose retention window has lapsed, and returns how many it removed.
func (m *Manager) sweep(now time.Time) int {
	m.mapLock.Lock()
	defer m.mapLock.Unlock()
	removed := 0
	for id, s := range m.sessions {
		s.mu.Lock()
		dead := s.state.Terminal() && (s.observed || now.Sub(s.terminalAt) >= m.cfg.RetainTerminal)
		s.mu.Unlock()
		if dead {
			delete(m.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		m.log.Debugf("Swept %d terminal sessions", removed)
	}
	return removed
}
