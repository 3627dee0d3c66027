// SPDX-FileCopyrightText: © 2026 The veilroute Authors
// SPDX-License-Identifier: AGPL-3.0-only

package proof

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// The polynomial commitment SRS: powers of tau in G1 for the prover, tau
// in G2 for the opening checks. Tau is derived from a fixed public seed,
// so this setup verifies openings correctly but offers no soundness
// against a prover who uses the seed; a deployment replaces it with the
// output of a ceremony, the rest of the code is unchanged.
var (
	g1Gen bn254.G1Affine
	g2Gen bn254.G2Affine

	srsG1    []bn254.G1Affine
	srsG2Tau bn254.G2Affine
	srsKeyID [KeyIDLength]byte
)

func init() {
	_, _, g1Gen, g2Gen = bn254.Generators()

	tau := hashToField(dsSRS)

	srsG1 = make([]bn254.G1Affine, srsSize)
	var power fr.Element
	power.SetOne()
	for i := 0; i < srsSize; i++ {
		srsG1[i].ScalarMultiplication(&g1Gen, power.BigInt(new(big.Int)))
		power.Mul(&power, &tau)
	}
	srsG2Tau.ScalarMultiplication(&g2Gen, tau.BigInt(new(big.Int)))

	// The G2 element determines the whole setup, so its digest names it.
	sum := sha256.Sum256(srsG2Tau.Marshal())
	copy(srsKeyID[:], sum[:KeyIDLength])
}

// VerifyingKeyID identifies the setup in use. Proofs carry it so a
// verifier holding a different setup rejects outright instead of failing
// an opening check.
func VerifyingKeyID() [KeyIDLength]byte {
	return srsKeyID
}

// Domain separation tags. Every field derivation hashes its tag first so
// values from different contexts can never collide.
const (
	dsSRS       = "veilroute-srs-tau-v1"
	dsHop       = "veilroute-hop-v1"
	dsRoot      = "veilroute-root-v1"
	dsRootInit  = "veilroute-root-init-v1"
	dsChallenge = "veilroute-challenge-v1"
	dsGammaZ    = "veilroute-gamma-z-v1"
	dsGammaOne  = "veilroute-gamma-one-v1"
)

// hashToField maps a domain tag and length-framed data chunks to a field
// element via SHA-256.
func hashToField(domain string, data ...[]byte) fr.Element {
	h := sha256.New()
	h.Write([]byte(domain))
	var frame [8]byte
	for _, d := range data {
		binary.BigEndian.PutUint64(frame[:], uint64(len(d)))
		h.Write(frame[:])
		h.Write(d)
	}
	var e fr.Element
	e.SetBytes(h.Sum(nil))
	return e
}

// commit returns the SRS commitment to the coefficient vector p.
func commit(p []fr.Element) bn254.G1Affine {
	var c bn254.G1Affine
	c.X.SetZero()
	c.Y.SetZero()
	for i := range p {
		if p[i].IsZero() {
			continue
		}
		var term bn254.G1Affine
		term.ScalarMultiplication(&srsG1[i], p[i].BigInt(new(big.Int)))
		c.Add(&c, &term)
	}
	return c
}

// evalAt evaluates the coefficient vector p at x by Horner's rule.
func evalAt(p []fr.Element, x *fr.Element) fr.Element {
	var acc fr.Element
	for i := len(p) - 1; i >= 0; i-- {
		acc.Mul(&acc, x)
		acc.Add(&acc, &p[i])
	}
	return acc
}

// divByLinear returns q with p(X) - p(z) = q(X)(X - z). The division is
// exact for any p and z.
func divByLinear(p []fr.Element, z *fr.Element) []fr.Element {
	if len(p) < 2 {
		return []fr.Element{}
	}
	q := make([]fr.Element, len(p)-1)
	q[len(q)-1] = p[len(p)-1]
	for i := len(q) - 2; i >= 0; i-- {
		q[i].Mul(&q[i+1], z)
		q[i].Add(&q[i], &p[i+1])
	}
	return q
}

// checkOpening verifies that q opens cAgg to eAgg at point z, via the
// pairing identity e(C - e·G1, G2) = e(Q, tau·G2 - z·G2).
func checkOpening(cAgg *bn254.G1Affine, eAgg *fr.Element, q *bn254.G1Affine, z *fr.Element) bool {
	var eG, lhs, qNeg bn254.G1Affine
	eG.ScalarMultiplication(&g1Gen, eAgg.BigInt(new(big.Int)))
	eG.Neg(&eG)
	lhs.Add(cAgg, &eG)
	qNeg.Neg(q)

	var zG2, rhs bn254.G2Affine
	zG2.ScalarMultiplication(&g2Gen, z.BigInt(new(big.Int)))
	zG2.Neg(&zG2)
	rhs.Add(&srsG2Tau, &zG2)

	ok, err := bn254.PairingCheck(
		[]bn254.G1Affine{lhs, qNeg},
		[]bn254.G2Affine{g2Gen, rhs},
	)
	return err == nil && ok
}
