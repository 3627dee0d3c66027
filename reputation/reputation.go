// SPDX-FileCopyrightText: © 2026 The veilroute Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package reputation maintains the per-node trust scores that gate and
// weight path selection. Scores move through delivery outcomes only,
// clamped to a fixed range, rate limited per node per window, and decayed
// toward a neutral baseline while a node is inactive.
package reputation

import (
	"bytes"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gitlab.com/yawning/avl.git"
	bolt "go.etcd.io/bbolt"

	"github.com/veilroute/veilroute/directory"
	"github.com/veilroute/veilroute/internal/instrument"
)

const (
	scoresBucket   = "scores"
	metadataBucket = "metadata"
	versionKey     = "version"
)

var dbOptions = &bolt.Options{
	NoFreelistSync: true,
}

// Outcome classifies the terminal result of a delivery attempt for the
// nodes that carried it.
type Outcome int

const (
	// OutcomeDelivered is a verified successful delivery.
	OutcomeDelivered Outcome = iota

	// OutcomeProofFailed is a delivery whose routing proof was rejected.
	OutcomeProofFailed

	// OutcomeTimeout is an attempt that exceeded its deadline.
	OutcomeTimeout

	// OutcomeMalicious is observed protocol abuse.
	OutcomeMalicious
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "Delivered"
	case OutcomeProofFailed:
		return "ProofFailed"
	case OutcomeTimeout:
		return "Timeout"
	case OutcomeMalicious:
		return "Malicious"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Config tunes the score dynamics.
type Config struct {
	// Min and Max bound every score.
	Min float64
	Max float64

	// Baseline is the score of a freshly sighted node and the value
	// inactive nodes decay toward.
	Baseline float64

	// Gain scales every update: a Delivered outcome moves the score by
	// Gain of the remaining headroom, a failure by Gain of the current
	// score times the outcome's severity.
	Gain float64

	// SeverityProofFailed, SeverityTimeout and SeverityMalicious scale
	// the penalty of their outcome.
	SeverityProofFailed float64
	SeverityTimeout     float64
	SeverityMalicious   float64

	// DecayHalfLife is the inactivity half-life of the distance between
	// a score and the baseline.
	DecayHalfLife time.Duration

	// RateWindow and RateBudget cap the total score movement per node
	// per window, against reputation grinding in either direction.
	RateWindow time.Duration
	RateBudget float64

	// LatencyAlpha is the smoothing factor of the per-node latency EMA.
	LatencyAlpha float64

	// Shards is the number of lock shards.
	Shards int
}

// DefaultConfig returns the standard score dynamics.
func DefaultConfig() *Config {
	return &Config{
		Min:                 0,
		Max:                 100,
		Baseline:            50,
		Gain:                0.1,
		SeverityProofFailed: 1.5,
		SeverityTimeout:     1.0,
		SeverityMalicious:   3.0,
		DecayHalfLife:       24 * time.Hour,
		RateWindow:          time.Minute,
		RateBudget:          25,
		LatencyAlpha:        0.1,
		Shards:              16,
	}
}

func (cfg *Config) validate() error {
	if cfg.Max <= cfg.Min {
		return fmt.Errorf("reputation: Max (%v) must exceed Min (%v)", cfg.Max, cfg.Min)
	}
	if cfg.Baseline < cfg.Min || cfg.Baseline > cfg.Max {
		return fmt.Errorf("reputation: Baseline %v outside [%v, %v]", cfg.Baseline, cfg.Min, cfg.Max)
	}
	if cfg.Gain <= 0 || cfg.Gain > 1 {
		return fmt.Errorf("reputation: Gain %v outside (0, 1]", cfg.Gain)
	}
	if cfg.DecayHalfLife <= 0 {
		return fmt.Errorf("reputation: DecayHalfLife must be positive")
	}
	if cfg.RateWindow <= 0 || cfg.RateBudget <= 0 {
		return fmt.Errorf("reputation: rate limit window and budget must be positive")
	}
	if cfg.LatencyAlpha <= 0 || cfg.LatencyAlpha > 1 {
		return fmt.Errorf("reputation: LatencyAlpha %v outside (0, 1]", cfg.LatencyAlpha)
	}
	if cfg.Shards <= 0 {
		return fmt.Errorf("reputation: Shards must be positive")
	}
	return nil
}

// record is the mutable per-node state. Access is serialized by the
// owning shard's lock.
type record struct {
	score       float64
	lastUpdated time.Time

	windowStart time.Time
	windowSpent float64

	latencyEMA float64 // milliseconds
	hasLatency bool

	updates uint64

	entry *indexEntry
	node  *avl.Node
}

type indexEntry struct {
	id    directory.NodeID
	score float64
}

type shard struct {
	sync.Mutex
	records map[directory.NodeID]*record
}

type persistedRecord struct {
	Score       float64
	LastUpdated int64
	LatencyEMA  float64
	HasLatency  bool
	Updates     uint64
}

// Store is the shared owner of live node scores. Updates to the same node
// are serialized; updates to different nodes proceed concurrently.
type Store struct {
	cfg    *Config
	shards []*shard

	// Score-ordered index over all sighted nodes.
	idxMu sync.Mutex
	index *avl.Tree

	db *bolt.DB

	timeNow func() time.Time
}

// New creates an in-memory score store.
func New(cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Store{
		cfg:     cfg,
		shards:  make([]*shard, cfg.Shards),
		timeNow: time.Now,
		index: avl.New(func(a, b interface{}) int {
			ea, eb := a.(*indexEntry), b.(*indexEntry)
			switch {
			case ea.score < eb.score:
				return -1
			case ea.score > eb.score:
				return 1
			default:
				return bytes.Compare(ea.id[:], eb.id[:])
			}
		}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[directory.NodeID]*record)}
	}
	return s, nil
}

// NewPersistent creates (or loads) a score store backed by the database
// file f.
func NewPersistent(cfg *Config, f string) (*Store, error) {
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}

	s.db, err = bolt.Open(f, 0600, dbOptions)
	if err != nil {
		return nil, err
	}

	if err = s.db.Update(func(tx *bolt.Tx) error {
		mBkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		sBkt, err := tx.CreateBucketIfNotExists([]byte(scoresBucket))
		if err != nil {
			return err
		}

		if b := mBkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("reputation: incompatible database version: %d", uint(b[0]))
			}
			return sBkt.ForEach(func(k, v []byte) error {
				if len(k) != directory.NodeIDLength {
					return fmt.Errorf("reputation: malformed node id key in database")
				}
				var p persistedRecord
				if err := cbor.Unmarshal(v, &p); err != nil {
					return err
				}
				var id directory.NodeID
				copy(id[:], k)
				s.loadRecord(id, &p)
				return nil
			})
		}

		return mBkt.Put([]byte(versionKey), []byte{0})
	}); err != nil {
		s.db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) loadRecord(id directory.NodeID, p *persistedRecord) {
	rec := &record{
		score:       clamp(p.Score, s.cfg.Min, s.cfg.Max),
		lastUpdated: time.Unix(0, p.LastUpdated),
		latencyEMA:  p.LatencyEMA,
		hasLatency:  p.HasLatency,
		updates:     p.Updates,
		entry:       &indexEntry{id: id},
	}
	rec.entry.score = rec.score
	s.shardFor(id).records[id] = rec

	s.idxMu.Lock()
	rec.node = s.index.Insert(rec.entry)
	s.idxMu.Unlock()
}

func (s *Store) shardFor(id directory.NodeID) *shard {
	return s.shards[int(id[0])%len(s.shards)]
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// decayed returns the score with lazy inactivity decay applied as of now.
func (s *Store) decayed(rec *record, now time.Time) float64 {
	dt := now.Sub(rec.lastUpdated)
	if dt <= 0 {
		return rec.score
	}
	factor := math.Exp2(-float64(dt) / float64(s.cfg.DecayHalfLife))
	return s.cfg.Baseline + (rec.score-s.cfg.Baseline)*factor
}

// getOrCreate must be called with the shard lock held.
func (s *Store) getOrCreate(sh *shard, id directory.NodeID, now time.Time) *record {
	rec, ok := sh.records[id]
	if ok {
		return rec
	}
	rec = &record{
		score:       s.cfg.Baseline,
		lastUpdated: now,
		entry:       &indexEntry{id: id, score: s.cfg.Baseline},
	}
	sh.records[id] = rec

	s.idxMu.Lock()
	rec.node = s.index.Insert(rec.entry)
	s.idxMu.Unlock()
	return rec
}

// Update applies an outcome to a node's score and returns the new score.
// The delta is clamped to the node's remaining rate budget for the current
// window before being applied.
func (s *Store) Update(id directory.NodeID, outcome Outcome) float64 {
	now := s.timeNow()
	sh := s.shardFor(id)
	sh.Lock()
	defer sh.Unlock()

	rec := s.getOrCreate(sh, id, now)

	// Materialize pending decay before moving the score.
	rec.score = s.decayed(rec, now)
	rec.lastUpdated = now

	var delta float64
	switch outcome {
	case OutcomeDelivered:
		delta = s.cfg.Gain * (s.cfg.Max - rec.score)
	case OutcomeProofFailed:
		delta = -s.cfg.SeverityProofFailed * s.cfg.Gain * (rec.score - s.cfg.Min)
	case OutcomeTimeout:
		delta = -s.cfg.SeverityTimeout * s.cfg.Gain * (rec.score - s.cfg.Min)
	case OutcomeMalicious:
		delta = -s.cfg.SeverityMalicious * s.cfg.Gain * (rec.score - s.cfg.Min)
	}

	if now.Sub(rec.windowStart) >= s.cfg.RateWindow {
		rec.windowStart = now
		rec.windowSpent = 0
	}
	if remaining := s.cfg.RateBudget - rec.windowSpent; math.Abs(delta) > remaining {
		delta = math.Copysign(remaining, delta)
		instrument.OutcomeClipped()
	}

	rec.score = clamp(rec.score+delta, s.cfg.Min, s.cfg.Max)
	rec.windowSpent += math.Abs(delta)
	rec.updates++

	s.idxMu.Lock()
	s.index.Remove(rec.node)
	rec.entry.score = rec.score
	rec.node = s.index.Insert(rec.entry)
	s.idxMu.Unlock()

	instrument.OutcomeRecorded(outcome.String())
	return rec.score
}

// Query returns the node's current score with inactivity decay applied.
// Unknown nodes read as the baseline; a node record is only materialized
// by Update.
func (s *Store) Query(id directory.NodeID) float64 {
	sh := s.shardFor(id)
	sh.Lock()
	defer sh.Unlock()

	rec, ok := sh.records[id]
	if !ok {
		return s.cfg.Baseline
	}
	return s.decayed(rec, s.timeNow())
}

// ThresholdFilter returns the candidates whose current score is at least
// min, preserving order. Purely a read.
func (s *Store) ThresholdFilter(ids []directory.NodeID, min float64) []directory.NodeID {
	var out []directory.NodeID
	for _, id := range ids {
		if s.Query(id) >= min {
			out = append(out, id)
		}
	}
	return out
}

// RecordLatency folds a measured delivery latency into the node's EMA.
func (s *Store) RecordLatency(id directory.NodeID, d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)

	sh := s.shardFor(id)
	sh.Lock()
	defer sh.Unlock()

	rec := s.getOrCreate(sh, id, s.timeNow())
	if !rec.hasLatency {
		rec.latencyEMA = ms
		rec.hasLatency = true
		return
	}
	rec.latencyEMA = s.cfg.LatencyAlpha*ms + (1-s.cfg.LatencyAlpha)*rec.latencyEMA
}

// Latency returns the node's latency EMA, if any samples were recorded.
func (s *Store) Latency(id directory.NodeID) (time.Duration, bool) {
	sh := s.shardFor(id)
	sh.Lock()
	defer sh.Unlock()

	rec, ok := sh.records[id]
	if !ok || !rec.hasLatency {
		return 0, false
	}
	return time.Duration(rec.latencyEMA * float64(time.Millisecond)), true
}

// WorstNodes returns up to n node ids in ascending score order, as of each
// node's last update.
func (s *Store) WorstNodes(n int) []directory.NodeID {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()

	out := make([]directory.NodeID, 0, n)
	iter := s.index.Iterator(avl.Forward)
	for node := iter.First(); node != nil && len(out) < n; node = iter.Next() {
		out = append(out, node.Value.(*indexEntry).id)
	}
	return out
}

// Len returns the number of sighted nodes.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.Lock()
		n += len(sh.records)
		sh.Unlock()
	}
	return n
}

// Flush persists every record. A no-op for in-memory stores.
func (s *Store) Flush() error {
	if s.db == nil {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(scoresBucket))
		for _, sh := range s.shards {
			sh.Lock()
			for id, rec := range sh.records {
				p := &persistedRecord{
					Score:       rec.score,
					LastUpdated: rec.lastUpdated.UnixNano(),
					LatencyEMA:  rec.latencyEMA,
					HasLatency:  rec.hasLatency,
					Updates:     rec.updates,
				}
				blob, err := cbor.Marshal(p)
				if err != nil {
					sh.Unlock()
					return err
				}
				if err := bkt.Put(id[:], blob); err != nil {
					sh.Unlock()
					return err
				}
			}
			sh.Unlock()
		}
		return nil
	})
}

// Close flushes and releases the backing database, if any.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.Flush(); err != nil {
		s.db.Close()
		return err
	}
	s.db.Sync()
	return s.db.Close()
}
