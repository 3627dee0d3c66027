// config.go - Veilroute configuration.
// Copyright (C) 2017  Yawning Angel and David Stainton.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config provides the veilroute configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/katzenpost/hpqc/kem"
	kemschemes "github.com/katzenpost/hpqc/kem/schemes"
	"github.com/katzenpost/hpqc/sign"
	signschemes "github.com/katzenpost/hpqc/sign/schemes"

	"github.com/veilroute/veilroute/path"
	"github.com/veilroute/veilroute/proof"
	"github.com/veilroute/veilroute/reputation"
	"github.com/veilroute/veilroute/session"
)

const (
	defaultAddress         = ":30123"
	defaultLogLevel        = "NOTICE"
	defaultKEMScheme       = "xwing"
	defaultSignatureScheme = "Ed25519-Dilithium2"
	defaultKeyRotation     = 24 * 60 * 60 * 1000 // 24 hours.
	defaultHops            = 3
	defaultMinReputation   = 50.0
	defaultTemperature     = 10.0
	defaultLatencyPenalty  = 0.02
	defaultMaxAttempts     = 3
	defaultAttemptTimeout  = 2 * 1000 // 2 sec.
	defaultCostMargin      = 16
	defaultOutcomeBuffer   = 64
	defaultSweepInterval   = 60 * 1000     // 60 sec.
	defaultRetainTerminal  = 5 * 60 * 1000 // 5 min.
	defaultForwardTimeout  = 1000          // 1 sec.
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the veilroute logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Crypto selects the cryptographic schemes every component agrees on.
type Crypto struct {
	// KEMScheme is the name of the KEM used for the per-hop onion
	// layers and relay KEM identity keys.
	KEMScheme string

	// SignatureScheme is the name of the signature scheme used for the
	// ephemeral packet header signatures and relay identity keys.
	SignatureScheme string

	// KeyRotation is the relay identity key rotation interval in
	// milliseconds.
	KeyRotation int
}

func (cCfg *Crypto) applyDefaults() {
	if cCfg.KEMScheme == "" {
		cCfg.KEMScheme = defaultKEMScheme
	}
	if cCfg.SignatureScheme == "" {
		cCfg.SignatureScheme = defaultSignatureScheme
	}
	if cCfg.KeyRotation <= 0 {
		cCfg.KeyRotation = defaultKeyRotation
	}
}

func (cCfg *Crypto) validate() error {
	if kemschemes.ByName(cCfg.KEMScheme) == nil {
		return fmt.Errorf("config: Crypto: KEMScheme '%v' is not supported", cCfg.KEMScheme)
	}
	if signschemes.ByName(cCfg.SignatureScheme) == nil {
		return fmt.Errorf("config: Crypto: SignatureScheme '%v' is not supported", cCfg.SignatureScheme)
	}
	return nil
}

// KEM returns the resolved KEM scheme. Only valid after FixupAndValidate.
func (cCfg *Crypto) KEM() kem.Scheme {
	return kemschemes.ByName(cCfg.KEMScheme)
}

// Signature returns the resolved signature scheme. Only valid after
// FixupAndValidate.
func (cCfg *Crypto) Signature() sign.Scheme {
	return signschemes.ByName(cCfg.SignatureScheme)
}

// RotationInterval returns the key rotation interval as a time.Duration.
func (cCfg *Crypto) RotationInterval() time.Duration {
	return time.Duration(cCfg.KeyRotation) * time.Millisecond
}

// Reputation is the score dynamics configuration. Zero fields take the
// standard dynamics.
type Reputation struct {
	// Min and Max bound every score.
	Min float64
	Max float64

	// Baseline is the score assigned to freshly sighted nodes.
	Baseline float64

	// Gain scales every score update.
	Gain float64

	// SeverityProofFailed, SeverityTimeout and SeverityMalicious scale
	// the penalty of their outcome.
	SeverityProofFailed float64
	SeverityTimeout     float64
	SeverityMalicious   float64

	// DecayHalfLife is the inactivity half-life in milliseconds.
	DecayHalfLife int

	// RateWindow is the rate limit window in milliseconds, RateBudget
	// the score movement allowed per node per window.
	RateWindow int
	RateBudget float64

	// LatencyAlpha is the smoothing factor of the per-node latency EMA.
	LatencyAlpha float64

	// Shards is the number of lock shards in the store.
	Shards int

	// File is the bbolt score database. If omitted scores are held in
	// memory only.
	File string
}

func (rCfg *Reputation) applyDefaults() {
	std := reputation.DefaultConfig()
	if rCfg.Max <= rCfg.Min {
		rCfg.Min = std.Min
		rCfg.Max = std.Max
	}
	if rCfg.Baseline == 0 {
		rCfg.Baseline = std.Baseline
	}
	if rCfg.Gain <= 0 {
		rCfg.Gain = std.Gain
	}
	if rCfg.SeverityProofFailed <= 0 {
		rCfg.SeverityProofFailed = std.SeverityProofFailed
	}
	if rCfg.SeverityTimeout <= 0 {
		rCfg.SeverityTimeout = std.SeverityTimeout
	}
	if rCfg.SeverityMalicious <= 0 {
		rCfg.SeverityMalicious = std.SeverityMalicious
	}
	if rCfg.DecayHalfLife <= 0 {
		rCfg.DecayHalfLife = int(std.DecayHalfLife / time.Millisecond)
	}
	if rCfg.RateWindow <= 0 {
		rCfg.RateWindow = int(std.RateWindow / time.Millisecond)
	}
	if rCfg.RateBudget <= 0 {
		rCfg.RateBudget = std.RateBudget
	}
	if rCfg.LatencyAlpha <= 0 {
		rCfg.LatencyAlpha = std.LatencyAlpha
	}
	if rCfg.Shards <= 0 {
		rCfg.Shards = std.Shards
	}
}

func (rCfg *Reputation) validate() error {
	if rCfg.Baseline < rCfg.Min || rCfg.Baseline > rCfg.Max {
		return fmt.Errorf("config: Reputation: Baseline %v outside [%v, %v]", rCfg.Baseline, rCfg.Min, rCfg.Max)
	}
	if rCfg.Gain > 1 {
		return fmt.Errorf("config: Reputation: Gain %v exceeds 1", rCfg.Gain)
	}
	if rCfg.LatencyAlpha > 1 {
		return fmt.Errorf("config: Reputation: LatencyAlpha %v exceeds 1", rCfg.LatencyAlpha)
	}
	if rCfg.File != "" && !filepath.IsAbs(rCfg.File) {
		return fmt.Errorf("config: Reputation: File '%v' is not an absolute path", rCfg.File)
	}
	return nil
}

// Dynamics returns the score dynamics for the reputation store.
func (rCfg *Reputation) Dynamics() *reputation.Config {
	return &reputation.Config{
		Min:                 rCfg.Min,
		Max:                 rCfg.Max,
		Baseline:            rCfg.Baseline,
		Gain:                rCfg.Gain,
		SeverityProofFailed: rCfg.SeverityProofFailed,
		SeverityTimeout:     rCfg.SeverityTimeout,
		SeverityMalicious:   rCfg.SeverityMalicious,
		DecayHalfLife:       time.Duration(rCfg.DecayHalfLife) * time.Millisecond,
		RateWindow:          time.Duration(rCfg.RateWindow) * time.Millisecond,
		RateBudget:          rCfg.RateBudget,
		LatencyAlpha:        rCfg.LatencyAlpha,
		Shards:              rCfg.Shards,
	}
}

// PathSelection is the path selector configuration.
type PathSelection struct {
	// Hops is the path length.
	Hops int

	// MinReputation is the score threshold a candidate must meet.
	MinReputation float64

	// Temperature is the softmax temperature of the sampling weights.
	Temperature float64

	// LatencyPenalty is the score penalty per millisecond of advertised
	// latency.
	LatencyPenalty float64
}

func (pCfg *PathSelection) applyDefaults() {
	if pCfg.Hops <= 0 {
		pCfg.Hops = defaultHops
	}
	if pCfg.MinReputation <= 0 {
		pCfg.MinReputation = defaultMinReputation
	}
	if pCfg.Temperature <= 0 {
		pCfg.Temperature = defaultTemperature
	}
	if pCfg.LatencyPenalty <= 0 {
		pCfg.LatencyPenalty = defaultLatencyPenalty
	}
}

// SelectorConfig returns the selector's view of this section.
func (pCfg *PathSelection) SelectorConfig() path.Config {
	return path.Config{
		Hops:           pCfg.Hops,
		MinReputation:  pCfg.MinReputation,
		Temperature:    pCfg.Temperature,
		LatencyPenalty: pCfg.LatencyPenalty,
	}
}

// Proof is the routing proof configuration.
type Proof struct {
	// MaxPathLength bounds the provable path length. The circuit fixes
	// the hard ceiling; this only lowers it.
	MaxPathLength int
}

func (prCfg *Proof) applyDefaults() {
	if prCfg.MaxPathLength <= 0 {
		prCfg.MaxPathLength = proof.MaxHops
	}
}

func (prCfg *Proof) validate() error {
	if prCfg.MaxPathLength > proof.MaxHops {
		return fmt.Errorf("config: Proof: MaxPathLength %d exceeds the %d circuit slots", prCfg.MaxPathLength, proof.MaxHops)
	}
	return nil
}

// Session is the session manager configuration.
type Session struct {
	// MaxAttempts bounds delivery attempts per packet.
	MaxAttempts int

	// AttemptTimeout is the per-attempt deadline in milliseconds.
	AttemptTimeout int

	// MinReputation is the per-hop score floor committed to in routing
	// proofs. If omitted it follows PathSelection.MinReputation.
	MinReputation float64

	// CostMargin is added to a selected path's advertised cost to form
	// the declared cost bound.
	CostMargin uint64

	// OutcomeBuffer is the outcome feed capacity.
	OutcomeBuffer int

	// SweepInterval is the terminal session sweep interval in
	// milliseconds.
	SweepInterval int

	// RetainTerminal is how long an unobserved terminal session is kept
	// before sweeping, in milliseconds.
	RetainTerminal int
}

func (sCfg *Session) applyDefaults(pCfg *PathSelection) {
	if sCfg.MaxAttempts <= 0 {
		sCfg.MaxAttempts = defaultMaxAttempts
	}
	if sCfg.AttemptTimeout <= 0 {
		sCfg.AttemptTimeout = defaultAttemptTimeout
	}
	if sCfg.MinReputation <= 0 {
		sCfg.MinReputation = pCfg.MinReputation
	}
	if sCfg.CostMargin == 0 {
		sCfg.CostMargin = defaultCostMargin
	}
	if sCfg.OutcomeBuffer <= 0 {
		sCfg.OutcomeBuffer = defaultOutcomeBuffer
	}
	if sCfg.SweepInterval <= 0 {
		sCfg.SweepInterval = defaultSweepInterval
	}
	if sCfg.RetainTerminal <= 0 {
		sCfg.RetainTerminal = defaultRetainTerminal
	}
}

// ManagerConfig returns the session manager's view of this section.
func (sCfg *Session) ManagerConfig() session.Config {
	return session.Config{
		MaxAttempts:    sCfg.MaxAttempts,
		AttemptTimeout: time.Duration(sCfg.AttemptTimeout) * time.Millisecond,
		MinReputation:  sCfg.MinReputation,
		CostMargin:     sCfg.CostMargin,
		OutcomeBuffer:  sCfg.OutcomeBuffer,
		SweepInterval:  time.Duration(sCfg.SweepInterval) * time.Millisecond,
		RetainTerminal: time.Duration(sCfg.RetainTerminal) * time.Millisecond,
	}
}

// Transport is the hop transport configuration.
type Transport struct {
	// Address is the QUIC listener address a relay binds to and
	// advertises in its descriptor.
	Address string

	// ForwardTimeout is the per-hop forward timeout in milliseconds.
	ForwardTimeout int
}

func (tCfg *Transport) applyDefaults() {
	if tCfg.Address == "" {
		tCfg.Address = defaultAddress
	}
	if tCfg.ForwardTimeout <= 0 {
		tCfg.ForwardTimeout = defaultForwardTimeout
	}
}

func (tCfg *Transport) validate() error {
	if _, _, err := net.SplitHostPort(tCfg.Address); err != nil {
		return fmt.Errorf("config: Transport: Address '%v' is invalid: %v", tCfg.Address, err)
	}
	return nil
}

// ForwardTimeoutDuration returns the forward timeout as a time.Duration.
func (tCfg *Transport) ForwardTimeoutDuration() time.Duration {
	return time.Duration(tCfg.ForwardTimeout) * time.Millisecond
}

// Replay is the relay replay cache configuration.
type Replay struct {
	// SizeLog2 is the bloom filter size in bits as a power of two. 0
	// selects the package default.
	SizeLog2 int

	// File is the bbolt tag database. If omitted replay detection does
	// not survive restarts.
	File string
}

func (rCfg *Replay) validate() error {
	if rCfg.SizeLog2 < 0 {
		return fmt.Errorf("config: Replay: SizeLog2 %d is negative", rCfg.SizeLog2)
	}
	if rCfg.File != "" && !filepath.IsAbs(rCfg.File) {
		return fmt.Errorf("config: Replay: File '%v' is not an absolute path", rCfg.File)
	}
	return nil
}

// Config is the top level veilroute configuration.
type Config struct {
	Logging       *Logging
	Crypto        *Crypto
	Reputation    *Reputation
	PathSelection *PathSelection
	Proof         *Proof
	Session       *Session
	Transport     *Transport
	Replay        *Replay
}

// FixupAndValidate applies defaults to missing sections and fields and
// validates the configuration.
func (cfg *Config) FixupAndValidate() error {
	// Every section is optional; absent sections take their defaults.
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Crypto == nil {
		cfg.Crypto = &Crypto{}
	}
	if cfg.Reputation == nil {
		cfg.Reputation = &Reputation{}
	}
	if cfg.PathSelection == nil {
		cfg.PathSelection = &PathSelection{}
	}
	if cfg.Proof == nil {
		cfg.Proof = &Proof{}
	}
	if cfg.Session == nil {
		cfg.Session = &Session{}
	}
	if cfg.Transport == nil {
		cfg.Transport = &Transport{}
	}
	if cfg.Replay == nil {
		cfg.Replay = &Replay{}
	}

	cfg.Crypto.applyDefaults()
	cfg.Reputation.applyDefaults()
	cfg.PathSelection.applyDefaults()
	cfg.Proof.applyDefaults()
	cfg.Session.applyDefaults(cfg.PathSelection)
	cfg.Transport.applyDefaults()

	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Crypto.validate(); err != nil {
		return err
	}
	if err := cfg.Reputation.validate(); err != nil {
		return err
	}
	if err := cfg.Proof.validate(); err != nil {
		return err
	}
	if err := cfg.Transport.validate(); err != nil {
		return err
	}
	if err := cfg.Replay.validate(); err != nil {
		return err
	}

	// Cross section checks. The selection threshold lives inside the
	// score bounds, paths must fit the circuit, and the proof threshold
	// must not exceed the selection threshold or honestly selected
	// paths become unprovable.
	if cfg.PathSelection.MinReputation < cfg.Reputation.Min || cfg.PathSelection.MinReputation > cfg.Reputation.Max {
		return fmt.Errorf("config: PathSelection: MinReputation %v outside score bounds [%v, %v]",
			cfg.PathSelection.MinReputation, cfg.Reputation.Min, cfg.Reputation.Max)
	}
	if cfg.PathSelection.Hops > cfg.Proof.MaxPathLength {
		return fmt.Errorf("config: PathSelection: Hops %d exceeds Proof MaxPathLength %d",
			cfg.PathSelection.Hops, cfg.Proof.MaxPathLength)
	}
	if cfg.Session.MinReputation > cfg.PathSelection.MinReputation {
		return fmt.Errorf("config: Session: MinReputation %v exceeds the selection threshold %v",
			cfg.Session.MinReputation, cfg.PathSelection.MinReputation)
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: no nil buffer as config file")
	}

	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
