// SPDX-FileCopyrightText: © 2026 The veilroute Authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilroute/veilroute/commitment"
	"github.com/veilroute/veilroute/core/log"
	"github.com/veilroute/veilroute/core/worker"
	"github.com/veilroute/veilroute/directory"
	"github.com/veilroute/veilroute/internal/instrument"
	"github.com/veilroute/veilroute/onion"
	"github.com/veilroute/veilroute/packet"
	"github.com/veilroute/veilroute/path"
	"github.com/veilroute/veilroute/proof"
	"github.com/veilroute/veilroute/reputation"
	"github.com/veilroute/veilroute/transport"
)

// ErrExpired is the terminal cause recorded when every attempt exceeded its
// deadline.
var ErrExpired = errors.New("session: all attempts expired")

// Config tunes the session manager.
type Config struct {
	// MaxAttempts bounds delivery attempts per packet, the initial send
	// included.
	MaxAttempts int

	// AttemptTimeout is the deadline for one attempt, armed when the
	// packet is handed to the transport.
	AttemptTimeout time.Duration

	// MinReputation is the per-hop score floor the routing proof commits
	// to.  It should match the path selector's threshold; a higher value
	// here makes honestly selected paths unprovable.
	MinReputation float64

	// CostMargin is added to a selected path's total advertised cost to
	// form the packet's declared cost budget.
	CostMargin uint64

	// OutcomeBuffer is the outcome feed capacity.  The feed is lossy:
	// outcomes are dropped when the consumer lags by more than this.
	OutcomeBuffer int

	// SweepInterval is how often terminal sessions are garbage
	// collected.
	SweepInterval time.Duration

	// RetainTerminal is how long an unobserved terminal session is kept
	// for Status queries before the sweeper may collect it.
	RetainTerminal time.Duration
}

// DefaultConfig returns a Config with sane defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:    3,
		AttemptTimeout: 2 * time.Second,
		MinReputation:  50.0,
		CostMargin:     16,
		OutcomeBuffer:  64,
		SweepInterval:  1 * time.Minute,
		RetainTerminal: 5 * time.Minute,
	}
}

func (cfg *Config) validate() error {
	if cfg.MaxAttempts < 1 {
		return fmt.Errorf("session: invalid MaxAttempts %d", cfg.MaxAttempts)
	}
	if cfg.AttemptTimeout <= 0 {
		return fmt.Errorf("session: invalid AttemptTimeout %v", cfg.AttemptTimeout)
	}
	if cfg.MinReputation < 0 {
		return fmt.Errorf("session: invalid MinReputation %v", cfg.MinReputation)
	}
	if cfg.OutcomeBuffer < 1 {
		return fmt.Errorf("session: invalid OutcomeBuffer %d", cfg.OutcomeBuffer)
	}
	if cfg.SweepInterval <= 0 {
		return fmt.Errorf("session: invalid SweepInterval %v", cfg.SweepInterval)
	}
	if cfg.RetainTerminal <= 0 {
		return fmt.Errorf("session: invalid RetainTerminal %v", cfg.RetainTerminal)
	}
	return nil
}

// deadlineEntry keys one scheduled attempt deadline.  Stale entries, left
// behind when an attempt resolves before its deadline, are recognized by
// their attempt index and ignored.
type deadlineEntry struct {
	id      packet.ID
	attempt int
}

// Manager drives submitted packets through their lifecycle: it selects
// paths, wraps onions, generates and later verifies routing proofs, retries
// expired attempts on disjoint paths, and applies verified outcomes to the
// reputation store.
type Manager struct {
	worker.Worker

	log *logging.Logger
	cfg *Config

	selector  *path.Selector
	wrap      *onion.Layering
	codec     *packet.Codec
	transport transport.Transport
	rep       *reputation.Store
	feed      directory.Feed

	timers *TimerQueue

	mapLock  sync.RWMutex
	sessions map[packet.ID]*Session

	outcomeCh chan *Outcome

	ctx      context.Context
	cancel   context.CancelFunc
	haltOnce sync.Once
}

// NewManager constructs a Manager and starts its workers.
func NewManager(backend *log.Backend, cfg *Config, selector *path.Selector, wrap *onion.Layering, codec *packet.Codec, tr transport.Transport, rep *reputation.Store, feed directory.Feed) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		log:       backend.GetLogger("session"),
		cfg:       cfg,
		selector:  selector,
		wrap:      wrap,
		codec:     codec,
		transport: tr,
		rep:       rep,
		feed:      feed,
		sessions:  make(map[packet.ID]*Session),
		outcomeCh: make(chan *Outcome, cfg.OutcomeBuffer),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.timers = NewTimerQueue(m.onDeadline)
	m.timers.Start()
	m.Go(m.sweepWorker)
	return m, nil
}

// Submit registers a payload for delivery to recipient and starts the
// first attempt.  It returns the packet identifier the caller uses with
// Status and sees on the outcome feed; the identifier is stable across
// retry attempts.
func (m *Manager) Submit(payload, recipient []byte) (packet.ID, error) {
	if len(recipient) == 0 {
		return packet.ID{}, errors.New("session: empty recipient")
	}

	opening, err := commitment.NewOpening(rand.Reader)
	if err != nil {
		return packet.ID{}, err
	}
	dest := commitment.Commit(recipient, opening)
	var nonce [packet.NonceLength]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return packet.ID{}, err
	}
	id := packet.NewID(payload, dest, nonce)

	s := &Session{
		id:        id,
		state:     StateCreated,
		payload:   append([]byte{}, payload...),
		recipient: append([]byte{}, recipient...),
		opening:   opening,
		dest:      dest,
		excluded:  make(map[directory.NodeID]bool),
		createdAt: time.Now(),
	}

	m.mapLock.Lock()
	if _, ok := m.sessions[id]; ok {
		m.mapLock.Unlock()
		return packet.ID{}, fmt.Errorf("session: duplicate packet id %v", id)
	}
	m.sessions[id] = s
	m.mapLock.Unlock()

	instrument.SessionStarted()
	m.log.Debugf("Submitted packet %v", id)
	m.Go(func() { m.runAttempt(s, 0) })
	return id, nil
}

// Status returns the session's current lifecycle state.  Observing a
// terminal state releases the session for garbage collection; identifiers
// of collected sessions report ErrUnknownSession.
func (m *Manager) Status(id packet.ID) (State, error) {
	s := m.lookup(id)
	if s == nil {
		return 0, ErrUnknownSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		s.observed = true
	}
	return s.state, nil
}

// Outcomes returns the feed of terminal session outcomes.  The channel is
// closed by Shutdown.
func (m *Manager) Outcomes() <-chan *Outcome {
	return m.outcomeCh
}

// Len returns the number of live sessions, terminal but uncollected ones
// included.
func (m *Manager) Len() int {
	m.mapLock.RLock()
	defer m.mapLock.RUnlock()
	return len(m.sessions)
}

// HandleReceipt processes a delivery receipt.  The embedded proof is
// matched against the attempt whose public inputs it claims, so a late
// receipt from a superseded attempt still verifies against the path it
// actually traveled.  Receipts for terminal sessions are ignored; at most
// one receipt per packet ever reaches verification.
func (m *Manager) HandleReceipt(raw []byte) error {
	rcpt, err := m.codec.DecodeReceipt(raw)
	if err != nil {
		m.log.Debugf("Dropping malformed receipt: %v", err)
		return err
	}
	s := m.lookup(rcpt.ID)
	if s == nil {
		m.log.Debugf("Dropping receipt for unknown packet %v", rcpt.ID)
		return ErrUnknownSession
	}

	pr, perr := proof.FromBytes(rcpt.Proof)

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		m.log.Debugf("Ignoring duplicate receipt for %v", rcpt.ID)
		return nil
	}
	if err := s.transitionLocked(StateAwaitingProofVerification); err != nil {
		s.mu.Unlock()
		m.log.Debugf("Dropping receipt for %v: %v", rcpt.ID, err)
		return err
	}
	var att *attempt
	if perr == nil {
		for _, a := range s.attempts {
			if *a.pub == pr.Inputs {
				att = a
				break
			}
		}
	}
	if att == nil {
		att = s.current()
	}
	pub, hops, sentAt := att.pub, att.hops, att.sentAt
	s.mu.Unlock()

	verr := perr
	if verr == nil {
		verr = proof.Verify(pr, pub)
	}
	if verr == nil {
		m.deliver(s, hops, time.Since(sentAt))
		return nil
	}
	m.rejectProof(s, hops, verr)
	return verr
}

// Shutdown cancels in-flight attempts, stops the workers and closes the
// outcome feed.  No HandleReceipt or Submit call may race Shutdown.
func (m *Manager) Shutdown() {
	m.haltOnce.Do(func() {
		m.cancel()
		m.timers.Halt()
		m.Halt()
		close(m.outcomeCh)
	})
}

func (m *Manager) lookup(id packet.ID) *Session {
	m.mapLock.RLock()
	defer m.mapLock.RUnlock()
	return m.sessions[id]
}

// emit records the terminal outcome on the feed and drops the session's
// pending deadlines.
func (m *Manager) emit(s *Session) {
	s.mu.Lock()
	st := s.state
	cause := s.err
	deltas := append([]Delta(nil), s.deltas...)
	s.mu.Unlock()

	match := func(v interface{}) bool {
		d, ok := v.(*deadlineEntry)
		return ok && d.id == s.id
	}
	for m.timers.Cancel(match) != nil {
	}

	instrument.SessionTerminal(st.String())
	o := &Outcome{
		PacketID: s.id,
		State:    st,
		Accepted: st == StateDelivered,
		Err:      cause,
		Deltas:   deltas,
	}
	select {
	case m.outcomeCh <- o:
	default:
		m.log.Warningf("Outcome feed full, dropping outcome for %v", s.id)
	}
}
