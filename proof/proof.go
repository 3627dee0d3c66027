// SPDX-FileCopyrightText: © 2026 The veilroute Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package proof implements the routing proofs: succinct arguments that a
// delivered packet traveled an agreed path whose total cost stays under
// the declared bound, whose hops all cleared the reputation threshold,
// and whose destination commitment opens to the claimed recipient, all
// without revealing the hop identities.
//
// The argument commits the per-hop wires (hop digests, costs, reputation
// snapshots, slot activity) as blinded polynomials over BN254, opens them
// at a Fiat-Shamir challenge bound to the packet's public inputs, and
// opens the cost/reputation/activity wires at one to expose their sums.
// The circuit has a fixed number of slots, so proof size and verification
// cost are independent of the path length.
package proof

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/veilroute/veilroute/commitment"
	"github.com/veilroute/veilroute/directory"
	"github.com/veilroute/veilroute/internal/instrument"
	"github.com/veilroute/veilroute/packet"
	"github.com/veilroute/veilroute/path"
)

const (
	// MaxHops is the number of hop slots in the circuit. Shorter paths
	// are padded; longer paths cannot be proven.
	MaxHops = 8

	// One extra coefficient per wire carries the hiding blinder.
	srsSize = MaxHops + 1

	g1Size = bn254.SizeOfG1AffineUncompressed
	frSize = fr.Bytes

	publicInputsSize = packet.IDLength + commitment.Size + 32 + 8 + 1 + 8

	// KeyIDLength is the length of a verifying key identifier.
	KeyIDLength = 8

	// Size is the length of a serialized RoutingProof.
	Size = publicInputsSize + 6*g1Size + 4*frSize + 3*8 + KeyIDLength
)

var (
	// ErrProofGenerationFailure is returned when the witness does not
	// satisfy the circuit constraints. A proof is never produced for an
	// invalid witness.
	ErrProofGenerationFailure = errors.New("proof: generation failure")

	// ErrProofVerificationFailure is returned when a proof fails any
	// verification check.
	ErrProofVerificationFailure = errors.New("proof: verification failure")

	// ErrReplayDetected is returned when an otherwise well-formed proof
	// is presented against a packet it was not generated for.
	ErrReplayDetected = errors.New("proof: replay detected")
)

// PublicInputs are the values a proof is checked against. Both prover and
// verifier must derive them from the packet independently.
type PublicInputs struct {
	PacketID              packet.ID
	DestinationCommitment [commitment.Size]byte
	PathRoot              [32]byte
	DeclaredCost          uint64
	HopCount              uint8
	MinReputation         uint64 // basis points
}

func (p *PublicInputs) bytes() []byte {
	b := make([]byte, 0, publicInputsSize)
	b = append(b, p.PacketID[:]...)
	b = append(b, p.DestinationCommitment[:]...)
	b = append(b, p.PathRoot[:]...)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], p.DeclaredCost)
	b = append(b, tmp[:]...)
	b = append(b, p.HopCount)
	binary.BigEndian.PutUint64(tmp[:], p.MinReputation)
	b = append(b, tmp[:]...)
	return b
}

// Witness is the prover's private knowledge: the actual hop sequence with
// each hop's cost and reputation snapshot, and the opening of the
// destination commitment.
type Witness struct {
	Hops      []*path.Hop
	Recipient []byte
	Opening   *commitment.Opening
}

// RoutingProof is a fixed-size routing proof. It carries the public
// inputs it was generated for; Verify compares them against the packet
// being checked.
type RoutingProof struct {
	Inputs PublicInputs

	// Wire commitments: hop digests, costs, reputation snapshots, slot
	// activity.
	CID   bn254.G1Affine
	CCost bn254.G1Affine
	CRep  bn254.G1Affine
	CAct  bn254.G1Affine

	// Openings at the Fiat-Shamir challenge.
	EvalID   fr.Element
	EvalCost fr.Element
	EvalRep  fr.Element
	EvalAct  fr.Element
	QZ       bn254.G1Affine

	// Openings at one: the wire sums.
	TotalCost   uint64
	TotalRep    uint64
	ActiveCount uint64
	QOne        bn254.G1Affine

	// KeyID names the setup the proof was generated under.
	KeyID [KeyIDLength]byte
}

// hopDigest maps a node identity into the field.
func hopDigest(id directory.NodeID) fr.Element {
	return hashToField(dsHop, id[:])
}

// PathRoot folds the hop digests into the order-preserving accumulator
// root that binds a proof to one hop sequence.
func PathRoot(hops []*path.Hop) [32]byte {
	r := hashToField(dsRootInit)
	for _, h := range hops {
		d := hopDigest(h.ID)
		rb, db := r.Bytes(), d.Bytes()
		r = hashToField(dsRoot, rb[:], db[:])
	}
	return r.Bytes()
}

// ReputationBasisPoints converts a reputation score to the integer basis
// points used inside the circuit.
func ReputationBasisPoints(score float64) uint64 {
	if score <= 0 {
		return 0
	}
	return uint64(math.Round(score * 100))
}

func validateWitness(w *Witness, pub *PublicInputs) error {
	if w == nil || pub == nil {
		return fmt.Errorf("%w: nil witness or inputs", ErrProofGenerationFailure)
	}
	k := len(w.Hops)
	if k == 0 {
		return fmt.Errorf("%w: empty path", ErrProofGenerationFailure)
	}
	if k > MaxHops {
		return fmt.Errorf("%w: path length %d exceeds %d slots", ErrProofGenerationFailure, k, MaxHops)
	}
	if int(pub.HopCount) != k {
		return fmt.Errorf("%w: hop count %d does not match path length %d", ErrProofGenerationFailure, pub.HopCount, k)
	}

	var total uint64
	for i, h := range w.Hops {
		if h.ExpectedCost > math.MaxUint64-total {
			return fmt.Errorf("%w: cost overflow", ErrProofGenerationFailure)
		}
		total += h.ExpectedCost
		if ReputationBasisPoints(h.ReputationSnapshot) < pub.MinReputation {
			return fmt.Errorf("%w: hop %d reputation below threshold", ErrProofGenerationFailure, i)
		}
	}
	if total > pub.DeclaredCost {
		return fmt.Errorf("%w: path cost %d exceeds declared cost %d", ErrProofGenerationFailure, total, pub.DeclaredCost)
	}

	if PathRoot(w.Hops) != pub.PathRoot {
		return fmt.Errorf("%w: path root mismatch", ErrProofGenerationFailure)
	}
	if !commitment.Verify(pub.DestinationCommitment, w.Recipient, w.Opening) {
		return fmt.Errorf("%w: destination commitment does not open", ErrProofGenerationFailure)
	}
	return nil
}

// challengePoint derives the opening challenge from the public inputs and
// wire commitments, binding the proof to this packet.
func challengePoint(transcript []byte) fr.Element {
	z := hashToField(dsChallenge, transcript)
	for z.IsZero() || z.IsOne() {
		zb := z.Bytes()
		z = hashToField(dsChallenge, zb[:])
	}
	return z
}

func transcriptBytes(pub *PublicInputs, cID, cCost, cRep, cAct *bn254.G1Affine) []byte {
	t := pub.bytes()
	t = append(t, cID.Marshal()...)
	t = append(t, cCost.Marshal()...)
	t = append(t, cRep.Marshal()...)
	t = append(t, cAct.Marshal()...)
	return t
}

func gammaZ(transcript []byte, z *fr.Element, evals ...*fr.Element) fr.Element {
	data := [][]byte{transcript}
	zb := z.Bytes()
	data = append(data, zb[:])
	for _, e := range evals {
		eb := e.Bytes()
		data = append(data, eb[:])
	}
	return hashToField(dsGammaZ, data...)
}

func gammaOne(transcript []byte, totals ...uint64) fr.Element {
	data := [][]byte{transcript}
	for _, v := range totals {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v)
		data = append(data, b[:])
	}
	return hashToField(dsGammaOne, data...)
}

// aggregate folds commitments and matching evaluations with powers of
// gamma.
func aggregate(gamma *fr.Element, cs []*bn254.G1Affine, es []*fr.Element) (bn254.G1Affine, fr.Element) {
	var cAgg bn254.G1Affine
	cAgg.X.SetZero()
	cAgg.Y.SetZero()
	var eAgg, pow fr.Element
	pow.SetOne()
	for i := range cs {
		var ct bn254.G1Affine
		ct.ScalarMultiplication(cs[i], pow.BigInt(new(big.Int)))
		cAgg.Add(&cAgg, &ct)
		var et fr.Element
		et.Mul(es[i], &pow)
		eAgg.Add(&eAgg, &et)
		pow.Mul(&pow, gamma)
	}
	return cAgg, eAgg
}

// aggregatePolys folds coefficient vectors with powers of gamma.
func aggregatePolys(gamma *fr.Element, polys ...[]fr.Element) []fr.Element {
	agg := make([]fr.Element, srsSize)
	var pow fr.Element
	pow.SetOne()
	for _, p := range polys {
		for i := range p {
			var t fr.Element
			t.Mul(&p[i], &pow)
			agg[i].Add(&agg[i], &t)
		}
		pow.Mul(&pow, gamma)
	}
	return agg
}

// Prove generates a routing proof for the witness. The witness is checked
// against every circuit constraint first; an invalid witness yields
// ErrProofGenerationFailure, never a proof.
func Prove(w *Witness, pub *PublicInputs) (*RoutingProof, error) {
	if err := validateWitness(w, pub); err != nil {
		return nil, err
	}

	// Wire polynomials: slot values as coefficients, one blinder
	// coefficient on top. The summed wires use a blinder that vanishes
	// at one so the exposed sums stay exact.
	pID := make([]fr.Element, srsSize)
	pCost := make([]fr.Element, srsSize)
	pRep := make([]fr.Element, srsSize)
	pAct := make([]fr.Element, srsSize)

	var totalCost, totalRep uint64
	for i, h := range w.Hops {
		pID[i] = hopDigest(h.ID)
		pCost[i].SetUint64(h.ExpectedCost)
		rep := ReputationBasisPoints(h.ReputationSnapshot)
		pRep[i].SetUint64(rep)
		pAct[i].SetOne()
		totalCost += h.ExpectedCost
		totalRep += rep
	}

	if _, err := pID[MaxHops].SetRandom(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProofGenerationFailure, err)
	}
	for _, p := range [][]fr.Element{pCost, pRep, pAct} {
		if _, err := p[MaxHops].SetRandom(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProofGenerationFailure, err)
		}
		p[MaxHops-1].Sub(&p[MaxHops-1], &p[MaxHops])
	}

	cID, cCost, cRep, cAct := commit(pID), commit(pCost), commit(pRep), commit(pAct)

	transcript := transcriptBytes(pub, &cID, &cCost, &cRep, &cAct)
	z := challengePoint(transcript)

	eID := evalAt(pID, &z)
	eCost := evalAt(pCost, &z)
	eRep := evalAt(pRep, &z)
	eAct := evalAt(pAct, &z)

	gz := gammaZ(transcript, &z, &eID, &eCost, &eRep, &eAct)
	aggZ := aggregatePolys(&gz, pID, pCost, pRep, pAct)
	qZ := commit(divByLinear(aggZ, &z))

	g1 := gammaOne(transcript, totalCost, totalRep, uint64(len(w.Hops)))
	var one fr.Element
	one.SetOne()
	aggOne := aggregatePolys(&g1, pCost, pRep, pAct)
	qOne := commit(divByLinear(aggOne, &one))

	instrument.ProofGenerated()

	return &RoutingProof{
		Inputs:      *pub,
		CID:         cID,
		CCost:       cCost,
		CRep:        cRep,
		CAct:        cAct,
		EvalID:      eID,
		EvalCost:    eCost,
		EvalRep:     eRep,
		EvalAct:     eAct,
		QZ:          qZ,
		TotalCost:   totalCost,
		TotalRep:    totalRep,
		ActiveCount: uint64(len(w.Hops)),
		QOne:        qOne,
		KeyID:       srsKeyID,
	}, nil
}

// Verify checks a proof against the public inputs of the packet in hand.
// A proof generated for a different packet fails with ErrReplayDetected;
// any other mismatch or failed opening yields
// ErrProofVerificationFailure. Verification cost does not depend on the
// path length.
func Verify(p *RoutingProof, pub *PublicInputs) error {
	if p == nil || pub == nil {
		return fmt.Errorf("%w: nil proof or inputs", ErrProofVerificationFailure)
	}
	if p.KeyID != srsKeyID {
		instrument.ProofVerified("invalid")
		return fmt.Errorf("%w: unknown verifying key %x", ErrProofVerificationFailure, p.KeyID)
	}
	if p.Inputs.PacketID != pub.PacketID {
		instrument.ProofVerified("replay")
		return fmt.Errorf("%w: proof bound to packet %v", ErrReplayDetected, p.Inputs.PacketID)
	}
	if p.Inputs != *pub {
		instrument.ProofVerified("invalid")
		return fmt.Errorf("%w: public input mismatch", ErrProofVerificationFailure)
	}
	if pub.HopCount == 0 || int(pub.HopCount) > MaxHops {
		instrument.ProofVerified("invalid")
		return fmt.Errorf("%w: hop count %d out of range", ErrProofVerificationFailure, pub.HopCount)
	}
	if p.ActiveCount != uint64(pub.HopCount) {
		instrument.ProofVerified("invalid")
		return fmt.Errorf("%w: active slots %d, expected %d", ErrProofVerificationFailure, p.ActiveCount, pub.HopCount)
	}
	if p.TotalCost > pub.DeclaredCost {
		instrument.ProofVerified("invalid")
		return fmt.Errorf("%w: path cost %d exceeds declared cost %d", ErrProofVerificationFailure, p.TotalCost, pub.DeclaredCost)
	}
	if p.TotalRep < uint64(pub.HopCount)*pub.MinReputation {
		instrument.ProofVerified("invalid")
		return fmt.Errorf("%w: aggregate reputation below threshold", ErrProofVerificationFailure)
	}

	transcript := transcriptBytes(pub, &p.CID, &p.CCost, &p.CRep, &p.CAct)
	z := challengePoint(transcript)

	gz := gammaZ(transcript, &z, &p.EvalID, &p.EvalCost, &p.EvalRep, &p.EvalAct)
	cAgg, eAgg := aggregate(&gz,
		[]*bn254.G1Affine{&p.CID, &p.CCost, &p.CRep, &p.CAct},
		[]*fr.Element{&p.EvalID, &p.EvalCost, &p.EvalRep, &p.EvalAct})
	if !checkOpening(&cAgg, &eAgg, &p.QZ, &z) {
		instrument.ProofVerified("invalid")
		return fmt.Errorf("%w: challenge opening rejected", ErrProofVerificationFailure)
	}

	g1 := gammaOne(transcript, p.TotalCost, p.TotalRep, p.ActiveCount)
	var tCost, tRep, tAct, one fr.Element
	tCost.SetUint64(p.TotalCost)
	tRep.SetUint64(p.TotalRep)
	tAct.SetUint64(p.ActiveCount)
	one.SetOne()
	cAgg1, eAgg1 := aggregate(&g1,
		[]*bn254.G1Affine{&p.CCost, &p.CRep, &p.CAct},
		[]*fr.Element{&tCost, &tRep, &tAct})
	if !checkOpening(&cAgg1, &eAgg1, &p.QOne, &one) {
		instrument.ProofVerified("invalid")
		return fmt.Errorf("%w: sum opening rejected", ErrProofVerificationFailure)
	}

	instrument.ProofVerified("ok")
	return nil
}

// Bytes serializes the proof to its fixed-length wire form.
func (p *RoutingProof) Bytes() []byte {
	out := make([]byte, 0, Size)
	out = append(out, p.Inputs.bytes()...)
	out = append(out, p.CID.Marshal()...)
	out = append(out, p.CCost.Marshal()...)
	out = append(out, p.CRep.Marshal()...)
	out = append(out, p.CAct.Marshal()...)
	for _, e := range []*fr.Element{&p.EvalID, &p.EvalCost, &p.EvalRep, &p.EvalAct} {
		eb := e.Bytes()
		out = append(out, eb[:]...)
	}
	out = append(out, p.QZ.Marshal()...)
	var tmp [8]byte
	for _, v := range []uint64{p.TotalCost, p.TotalRep, p.ActiveCount} {
		binary.BigEndian.PutUint64(tmp[:], v)
		out = append(out, tmp[:]...)
	}
	out = append(out, p.QOne.Marshal()...)
	out = append(out, p.KeyID[:]...)
	return out
}

// FromBytes deserializes a proof. Any structural defect fails closed.
func FromBytes(b []byte) (*RoutingProof, error) {
	if len(b) != Size {
		return nil, fmt.Errorf("%w: malformed proof: %d bytes, expected %d", ErrProofVerificationFailure, len(b), Size)
	}

	p := new(RoutingProof)
	off := 0

	copy(p.Inputs.PacketID[:], b[off:off+packet.IDLength])
	off += packet.IDLength
	copy(p.Inputs.DestinationCommitment[:], b[off:off+commitment.Size])
	off += commitment.Size
	copy(p.Inputs.PathRoot[:], b[off:off+32])
	off += 32
	p.Inputs.DeclaredCost = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	p.Inputs.HopCount = b[off]
	off++
	p.Inputs.MinReputation = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	for _, c := range []*bn254.G1Affine{&p.CID, &p.CCost, &p.CRep, &p.CAct} {
		if err := c.Unmarshal(b[off : off+g1Size]); err != nil {
			return nil, fmt.Errorf("%w: malformed commitment: %v", ErrProofVerificationFailure, err)
		}
		off += g1Size
	}
	for _, e := range []*fr.Element{&p.EvalID, &p.EvalCost, &p.EvalRep, &p.EvalAct} {
		e.SetBytes(b[off : off+frSize])
		off += frSize
	}
	if err := p.QZ.Unmarshal(b[off : off+g1Size]); err != nil {
		return nil, fmt.Errorf("%w: malformed opening: %v", ErrProofVerificationFailure, err)
	}
	off += g1Size
	p.TotalCost = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	p.TotalRep = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	p.ActiveCount = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	if err := p.QOne.Unmarshal(b[off : off+g1Size]); err != nil {
		return nil, fmt.Errorf("%w: malformed opening: %v", ErrProofVerificationFailure, err)
	}
	off += g1Size
	copy(p.KeyID[:], b[off:off+KeyIDLength])

	return p, nil
}
