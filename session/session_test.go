// SPDX-FileCopyrightText: © 2026 The veilroute Authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	kemschemes "github.com/katzenpost/hpqc/kem/schemes"
	"github.com/katzenpost/hpqc/rand"
	signschemes "github.com/katzenpost/hpqc/sign/schemes"
	"github.com/stretchr/testify/require"

	"github.com/veilroute/veilroute/commitment"
	"github.com/veilroute/veilroute/core/epochtime"
	"github.com/veilroute/veilroute/core/log"
	"github.com/veilroute/veilroute/directory"
	"github.com/veilroute/veilroute/internal/replay"
	"github.com/veilroute/veilroute/onion"
	"github.com/veilroute/veilroute/packet"
	"github.com/veilroute/veilroute/path"
	"github.com/veilroute/veilroute/proof"
	"github.com/veilroute/veilroute/relay"
	"github.com/veilroute/veilroute/reputation"
	"github.com/veilroute/veilroute/transport"
)

const (
	testKEMScheme  = "x25519"
	testSignScheme = "ed25519"
)

// testBed wires a directory document, a reputation store, and an in-process
// relay chain behind a loopback transport.
type testBed struct {
	backend  *log.Backend
	codec    *packet.Codec
	wrap     *onion.Layering
	rep      *reputation.Store
	selector *path.Selector
	feed     *directory.StaticFeed
	loop     *transport.Loopback
	addrs    []string

	mu        sync.Mutex
	delivered [][]byte
}

func newTestBed(t *testing.T, nodes, hops int) *testBed {
	require := require.New(t)

	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	kemScheme := kemschemes.ByName(testKEMScheme)
	require.NotNil(kemScheme)
	signScheme := signschemes.ByName(testSignScheme)
	require.NotNil(signScheme)

	tb := &testBed{
		backend: backend,
		codec:   packet.NewCodec(signScheme),
		wrap:    onion.New(kemScheme),
		feed:    directory.NewStaticFeed(),
		loop:    transport.NewLoopback(),
	}

	tb.rep, err = reputation.New(reputation.DefaultConfig())
	require.NoError(err)
	tb.selector, err = path.New(path.Config{
		Hops:           hops,
		MinReputation:  10,
		Temperature:    5,
		LatencyPenalty: 0.001,
	}, tb.rep)
	require.NoError(err)

	epoch, _, _ := epochtime.Now()
	doc := &directory.Document{Epoch: epoch}
	for i := 0; i < nodes; i++ {
		keys, err := directory.GenerateNodeKeys(testKEMScheme, testSignScheme, time.Hour)
		require.NoError(err)
		addr := fmt.Sprintf("node-%d", i)
		blob, err := keys.Descriptor(addr, epoch, []string{addr}, uint64(i+1), 1000, directory.CapForward)
		require.NoError(err)
		desc, err := directory.VerifyDescriptor(blob)
		require.NoError(err)
		doc.Nodes = append(doc.Nodes, desc)

		cache, err := replay.New(0)
		require.NoError(err)
		r := relay.New(backend, keys, tb.codec, tb.wrap, cache, directory.CapForward)
		tb.loop.HandleRelay(addr, r, tb.codec, time.Second, tb.onDeliver)
		tb.addrs = append(tb.addrs, addr)
	}
	tb.feed.Put(doc)
	next := *doc
	next.Epoch = epoch + 1
	tb.feed.Put(&next)
	return tb
}

func (tb *testBed) onDeliver(payload []byte) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.delivered = append(tb.delivered, append([]byte{}, payload...))
}

func (tb *testBed) deliveredPayloads() [][]byte {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return append([][]byte(nil), tb.delivered...)
}

// blackhole replaces every relay handler with one that never answers.
func (tb *testBed) blackhole() {
	for _, addr := range tb.addrs {
		tb.loop.Handle(addr, func(ctx context.Context, pkt []byte) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	}
}

func (tb *testBed) newManager(t *testing.T, cfg *Config, tr transport.Transport) *Manager {
	if tr == nil {
		tr = tb.loop
	}
	m, err := NewManager(tb.backend, cfg, tb.selector, tb.wrap, tb.codec, tr, tb.rep, tb.feed)
	require.NoError(t, err)
	return m
}

func testConfig() *Config {
	return &Config{
		MaxAttempts:    3,
		AttemptTimeout: 500 * time.Millisecond,
		MinReputation:  10,
		CostMargin:     4,
		OutcomeBuffer:  8,
		SweepInterval:  time.Hour,
		RetainTerminal: time.Hour,
	}
}

func awaitOutcome(t *testing.T, m *Manager, d time.Duration) *Outcome {
	select {
	case o := <-m.Outcomes():
		return o
	case <-time.After(d):
		t.Fatal("timed out awaiting outcome")
		return nil
	}
}

func requireNoOutcome(t *testing.T, m *Manager, d time.Duration) {
	select {
	case o := <-m.Outcomes():
		t.Fatalf("unexpected outcome for %v in state %v", o.PacketID, o.State)
	case <-time.After(d):
	}
}

// failingTransport records the first hop address of every attempt and
// reports every send as failed.
type failingTransport struct {
	mu    sync.Mutex
	addrs []string
}

func (f *failingTransport) Send(ctx context.Context, addr string, pkt []byte) ([]byte, error) {
	f.mu.Lock()
	f.addrs = append(f.addrs, addr)
	f.mu.Unlock()
	return nil, errors.New("link down")
}

func (f *failingTransport) Close() error { return nil }

func (f *failingTransport) attempts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.addrs...)
}

// flakyTransport fails the first send, then delegates.
type flakyTransport struct {
	inner transport.Transport
	calls int32
}

func (f *flakyTransport) Send(ctx context.Context, addr string, pkt []byte) ([]byte, error) {
	if atomic.AddInt32(&f.calls, 1) == 1 {
		return nil, errors.New("link flap")
	}
	return f.inner.Send(ctx, addr, pkt)
}

func (f *flakyTransport) Close() error { return f.inner.Close() }

// captureTransport keeps the last receipt the inner transport returned.
type captureTransport struct {
	inner transport.Transport

	mu   sync.Mutex
	last []byte
}

func (c *captureTransport) Send(ctx context.Context, addr string, pkt []byte) ([]byte, error) {
	rcpt, err := c.inner.Send(ctx, addr, pkt)
	if err == nil {
		c.mu.Lock()
		c.last = append([]byte(nil), rcpt...)
		c.mu.Unlock()
	}
	return rcpt, err
}

func (c *captureTransport) Close() error { return c.inner.Close() }

func (c *captureTransport) receipt() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.last...)
}

func TestSubmitDeliver(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tb := newTestBed(t, 6, 3)
	m := tb.newManager(t, testConfig(), nil)
	defer m.Shutdown()

	payload := []byte("onions have layers")
	id, err := m.Submit(payload, []byte("alice@example.net"))
	require.NoError(err)

	o := awaitOutcome(t, m, 5*time.Second)
	require.Equal(id, o.PacketID)
	require.Equal(StateDelivered, o.State)
	require.True(o.Accepted)
	require.NoError(o.Err)

	require.Len(o.Deltas, 3)
	for _, d := range o.Deltas {
		require.Equal(reputation.OutcomeDelivered, d.Outcome)
		require.Greater(d.Score, 50.0)
		_, ok := tb.rep.Latency(d.Node)
		require.True(ok, "no latency sample for %v", d.Node)
	}

	st, err := m.Status(id)
	require.NoError(err)
	require.Equal(StateDelivered, st)

	require.Contains(tb.deliveredPayloads(), payload)
}

func TestSubmitEmptyRecipient(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tb := newTestBed(t, 2, 1)
	m := tb.newManager(t, testConfig(), nil)
	defer m.Shutdown()

	_, err := m.Submit([]byte("payload"), nil)
	require.Error(err)
}

func TestRetryDisjointPathsThenExpire(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tb := newTestBed(t, 3, 1)
	ft := new(failingTransport)
	m := tb.newManager(t, testConfig(), ft)
	defer m.Shutdown()

	id, err := m.Submit([]byte("no luck"), []byte("bob@example.net"))
	require.NoError(err)

	o := awaitOutcome(t, m, 5*time.Second)
	require.Equal(id, o.PacketID)
	require.Equal(StateExpired, o.State)
	require.False(o.Accepted)
	require.ErrorIs(o.Err, ErrExpired)

	// Every attempt must enter at a hop no prior attempt used.
	attempts := ft.attempts()
	require.Len(attempts, 3)
	seen := make(map[string]bool)
	for _, addr := range attempts {
		require.False(seen[addr], "address %v reused across attempts", addr)
		seen[addr] = true
	}

	require.Len(o.Deltas, 3)
	nodes := make(map[directory.NodeID]bool)
	for _, d := range o.Deltas {
		require.Equal(reputation.OutcomeTimeout, d.Outcome)
		require.Less(d.Score, 50.0)
		require.False(nodes[d.Node], "node %v penalized twice", d.Node)
		nodes[d.Node] = true
	}

	st, err := m.Status(id)
	require.NoError(err)
	require.Equal(StateExpired, st)
}

func TestRetryThenDeliver(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tb := newTestBed(t, 4, 1)
	m := tb.newManager(t, testConfig(), &flakyTransport{inner: tb.loop})
	defer m.Shutdown()

	id, err := m.Submit([]byte("second time lucky"), []byte("carol@example.net"))
	require.NoError(err)

	o := awaitOutcome(t, m, 5*time.Second)
	require.Equal(id, o.PacketID)
	require.Equal(StateDelivered, o.State)
	require.True(o.Accepted)

	// One timed out hop from the first attempt, one credited hop from the
	// delivering attempt, and they must differ.
	require.Len(o.Deltas, 2)
	require.Equal(reputation.OutcomeTimeout, o.Deltas[0].Outcome)
	require.Equal(reputation.OutcomeDelivered, o.Deltas[1].Outcome)
	require.NotEqual(o.Deltas[0].Node, o.Deltas[1].Node)
}

func TestAttemptDeadlineExpires(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tb := newTestBed(t, 3, 2)
	tb.blackhole()

	cfg := testConfig()
	cfg.MaxAttempts = 1
	cfg.AttemptTimeout = 150 * time.Millisecond
	m := tb.newManager(t, cfg, nil)
	defer m.Shutdown()

	start := time.Now()
	id, err := m.Submit([]byte("void"), []byte("dave@example.net"))
	require.NoError(err)

	o := awaitOutcome(t, m, 5*time.Second)
	require.Equal(id, o.PacketID)
	require.Equal(StateExpired, o.State)
	require.GreaterOrEqual(time.Since(start), cfg.AttemptTimeout)

	require.Len(o.Deltas, 2)
	for _, d := range o.Deltas {
		require.Equal(reputation.OutcomeTimeout, d.Outcome)
	}
}

func TestDuplicateReceiptIgnored(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tb := newTestBed(t, 4, 2)
	ct := &captureTransport{inner: tb.loop}
	m := tb.newManager(t, testConfig(), ct)
	defer m.Shutdown()

	id, err := m.Submit([]byte("once only"), []byte("erin@example.net"))
	require.NoError(err)

	o := awaitOutcome(t, m, 5*time.Second)
	require.Equal(StateDelivered, o.State)

	// Re-feeding the delivery receipt must not re-verify, re-credit, or
	// emit a second outcome.
	rcpt := ct.receipt()
	require.NotEmpty(rcpt)
	require.NoError(m.HandleReceipt(rcpt))
	requireNoOutcome(t, m, 100*time.Millisecond)

	st, err := m.Status(id)
	require.NoError(err)
	require.Equal(StateDelivered, st)
}

func TestReceiptUnknownAndMalformed(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tb := newTestBed(t, 2, 1)
	m := tb.newManager(t, testConfig(), nil)
	defer m.Shutdown()

	require.Error(m.HandleReceipt([]byte("too short")))

	var unknown packet.ID
	_, err := io.ReadFull(rand.Reader, unknown[:])
	require.NoError(err)
	raw, err := tb.codec.EncodeReceipt(&packet.Receipt{ID: unknown, Proof: []byte("junk")})
	require.NoError(err)
	require.ErrorIs(m.HandleReceipt(raw), ErrUnknownSession)
}

func TestForgedProofReceiptFailsSession(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tb := newTestBed(t, 3, 2)
	tb.blackhole()

	cfg := testConfig()
	cfg.MaxAttempts = 1
	cfg.AttemptTimeout = 10 * time.Second
	m := tb.newManager(t, cfg, nil)
	defer m.Shutdown()

	id, err := m.Submit([]byte("bait"), []byte("frank@example.net"))
	require.NoError(err)
	require.Eventually(func() bool {
		st, err := m.Status(id)
		return err == nil && st == StateInFlight
	}, 2*time.Second, 10*time.Millisecond)

	// A receipt whose proof was generated for a different packet: the
	// embedded identifier does not match, which is the replay signature.
	opening, err := commitment.NewOpening(rand.Reader)
	require.NoError(err)
	recipient := []byte("grace@example.net")
	dest := commitment.Commit(recipient, opening)
	var nonce [packet.NonceLength]byte
	_, err = io.ReadFull(rand.Reader, nonce[:])
	require.NoError(err)
	otherID := packet.NewID([]byte("other"), dest, nonce)

	var hopID directory.NodeID
	hopID[0] = 0xAA
	hops := []*path.Hop{{ID: hopID, ExpectedCost: 1, ReputationSnapshot: 90}}
	pub := &proof.PublicInputs{
		PacketID:              otherID,
		DestinationCommitment: dest,
		PathRoot:              proof.PathRoot(hops),
		DeclaredCost:          10,
		HopCount:              1,
	}
	forged, err := proof.Prove(&proof.Witness{Hops: hops, Recipient: recipient, Opening: opening}, pub)
	require.NoError(err)

	raw, err := tb.codec.EncodeReceipt(&packet.Receipt{ID: id, Proof: forged.Bytes()})
	require.NoError(err)
	require.ErrorIs(m.HandleReceipt(raw), proof.ErrReplayDetected)

	o := awaitOutcome(t, m, 2*time.Second)
	require.Equal(StateFailed, o.State)
	require.False(o.Accepted)
	require.ErrorIs(o.Err, proof.ErrReplayDetected)
	require.Len(o.Deltas, 2)
	for _, d := range o.Deltas {
		require.Equal(reputation.OutcomeMalicious, d.Outcome)
	}

	st, err := m.Status(id)
	require.NoError(err)
	require.Equal(StateFailed, st)
}

func TestStatusUnknown(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tb := newTestBed(t, 2, 1)
	m := tb.newManager(t, testConfig(), nil)
	defer m.Shutdown()

	var id packet.ID
	id[3] = 7
	_, err := m.Status(id)
	require.ErrorIs(err, ErrUnknownSession)
}

func TestSweepAfterObservation(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tb := newTestBed(t, 4, 2)
	m := tb.newManager(t, testConfig(), nil)
	defer m.Shutdown()

	id, err := m.Submit([]byte("ephemeral"), []byte("heidi@example.net"))
	require.NoError(err)
	awaitOutcome(t, m, 5*time.Second)

	// Unobserved and within the retention window: kept.
	require.Equal(0, m.sweep(time.Now()))
	require.Equal(1, m.Len())

	// Observed: collectable.
	_, err = m.Status(id)
	require.NoError(err)
	require.Equal(1, m.sweep(time.Now()))
	require.Equal(0, m.Len())

	_, err = m.Status(id)
	require.ErrorIs(err, ErrUnknownSession)
}

func TestSweepAfterRetention(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tb := newTestBed(t, 4, 2)
	m := tb.newManager(t, testConfig(), nil)
	defer m.Shutdown()

	_, err := m.Submit([]byte("stale"), []byte("ivan@example.net"))
	require.NoError(err)
	awaitOutcome(t, m, 5*time.Second)

	require.Equal(0, m.sweep(time.Now()))
	require.Equal(1, m.sweep(time.Now().Add(2*time.Hour)))
}

func TestTransitions(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := &Session{state: StateCreated}
	require.ErrorIs(s.transitionLocked(StateEncrypted), ErrInvalidTransition)
	require.NoError(s.transitionLocked(StatePathSelected))
	require.NoError(s.transitionLocked(StateEncrypted))
	require.NoError(s.transitionLocked(StateInFlight))
	require.NoError(s.transitionLocked(StateAwaitingProofVerification))
	require.NoError(s.transitionLocked(StateDelivered))

	// Terminal states absorb: identical transitions are idempotent
	// no-ops, different ones are rejected.
	require.NoError(s.transitionLocked(StateDelivered))
	require.ErrorIs(s.transitionLocked(StateFailed), ErrTerminal)
	require.ErrorIs(s.transitionLocked(StateInFlight), ErrTerminal)
	require.Equal(StateDelivered, s.state)
	require.False(s.failLocked(errors.New("late")))
	require.Nil(s.err)
}

func TestTransitionRetryEdge(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := &Session{state: StateInFlight}
	require.NoError(s.transitionLocked(StatePathSelected))
	require.Equal(StatePathSelected, s.state)

	s = &Session{state: StateInFlight}
	require.NoError(s.transitionLocked(StateExpired))
	require.True(s.state.Terminal())

	s = &Session{state: StateEncrypted}
	cause := errors.New("prove failed")
	require.True(s.failLocked(cause))
	require.Equal(StateFailed, s.state)
	require.Equal(cause, s.err)
}

func TestStateString(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	require.Equal("Created", StateCreated.String())
	require.Equal("AwaitingProofVerification", StateAwaitingProofVerification.String())
	require.Equal("Expired", StateExpired.String())
	require.False(StateInFlight.Terminal())
	require.True(StateFailed.Terminal())
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	require.NoError(DefaultConfig().validate())

	bad := []func(*Config){
		func(c *Config) { c.MaxAttempts = 0 },
		func(c *Config) { c.AttemptTimeout = 0 },
		func(c *Config) { c.MinReputation = -1 },
		func(c *Config) { c.OutcomeBuffer = 0 },
		func(c *Config) { c.SweepInterval = 0 },
		func(c *Config) { c.RetainTerminal = 0 },
	}
	for i, mutate := range bad {
		cfg := DefaultConfig()
		mutate(cfg)
		require.Error(cfg.validate(), "case %d", i)
	}
}
