// SPDX-FileCopyrightText: © 2026 The veilroute Authors
// SPDX-License-Identifier: AGPL-3.0-only

package proof

import (
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veilroute/veilroute/commitment"
	"github.com/veilroute/veilroute/directory"
	"github.com/veilroute/veilroute/packet"
	"github.com/veilroute/veilroute/path"
)

func testHops(costs []uint64, reps []float64) []*path.Hop {
	hops := make([]*path.Hop, len(costs))
	for i := range costs {
		var id directory.NodeID
		for j := range id {
			id[j] = byte(i + 1)
		}
		hops[i] = &path.Hop{
			ID:                 id,
			Addr:               fmt.Sprintf("127.0.0.1:%d", 36000+i),
			ExpectedCost:       costs[i],
			ReputationSnapshot: reps[i],
		}
	}
	return hops
}

func newFixture(t *testing.T, costs []uint64, reps []float64, declaredCost, minRep uint64) (*Witness, *PublicInputs) {
	require := require.New(t)

	hops := testHops(costs, reps)

	opening, err := commitment.NewOpening(rand.Reader)
	require.NoError(err)
	recipient := []byte("recipient@example.net")
	dest := commitment.Commit(recipient, opening)

	var nonce [packet.NonceLength]byte
	_, err = rand.Read(nonce[:])
	require.NoError(err)
	id := packet.NewID([]byte("proof test payload"), dest, nonce)

	w := &Witness{
		Hops:      hops,
		Recipient: recipient,
		Opening:   opening,
	}
	pub := &PublicInputs{
		PacketID:              id,
		DestinationCommitment: dest,
		PathRoot:              PathRoot(hops),
		DeclaredCost:          declaredCost,
		HopCount:              uint8(len(hops)),
		MinReputation:         minRep,
	}
	return w, pub
}

func TestProveVerify(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// Three hops totalling 4 against a declared bound of 5.
	w, pub := newFixture(t, []uint64{1, 2, 1}, []float64{92.5, 80, 71.2}, 5, 5000)

	p, err := Prove(w, pub)
	require.NoError(err)
	require.NotNil(p)

	require.Equal(uint64(4), p.TotalCost)
	require.Equal(uint64(9250+8000+7120), p.TotalRep)
	require.Equal(uint64(3), p.ActiveCount)

	require.NoError(Verify(p, pub))
}

func TestProveVerifyFullWidth(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	costs := make([]uint64, MaxHops)
	reps := make([]float64, MaxHops)
	for i := range costs {
		costs[i] = 1
		reps[i] = 60
	}
	w, pub := newFixture(t, costs, reps, MaxHops, 5000)

	p, err := Prove(w, pub)
	require.NoError(err)
	require.NoError(Verify(p, pub))
}

func TestProveCostExceedsDeclared(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// Total 6 against a declared bound of 5.
	w, pub := newFixture(t, []uint64{2, 2, 2}, []float64{90, 90, 90}, 5, 5000)

	p, err := Prove(w, pub)
	require.ErrorIs(err, ErrProofGenerationFailure)
	require.Nil(p)
}

func TestProveLowReputation(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	w, pub := newFixture(t, []uint64{1, 1, 1}, []float64{90, 40, 90}, 10, 5000)

	_, err := Prove(w, pub)
	require.ErrorIs(err, ErrProofGenerationFailure)
}

func TestProveReputationBoundary(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// Exactly at the threshold passes.
	w, pub := newFixture(t, []uint64{1}, []float64{50.0}, 1, 5000)
	p, err := Prove(w, pub)
	require.NoError(err)
	require.NoError(Verify(p, pub))

	// A hundredth of a point below does not.
	w, pub = newFixture(t, []uint64{1}, []float64{49.99}, 1, 5000)
	_, err = Prove(w, pub)
	require.ErrorIs(err, ErrProofGenerationFailure)
}

func TestProveHopCountMismatch(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	w, pub := newFixture(t, []uint64{1, 1}, []float64{90, 90}, 5, 5000)
	pub.HopCount++
	_, err := Prove(w, pub)
	require.ErrorIs(err, ErrProofGenerationFailure)
}

func TestProveTooManyHops(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	costs := make([]uint64, MaxHops+1)
	reps := make([]float64, MaxHops+1)
	for i := range costs {
		costs[i] = 1
		reps[i] = 90
	}
	w, pub := newFixture(t, costs, reps, 20, 5000)
	_, err := Prove(w, pub)
	require.ErrorIs(err, ErrProofGenerationFailure)
}

func TestProveEmptyPath(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	w, pub := newFixture(t, nil, nil, 5, 5000)
	_, err := Prove(w, pub)
	require.ErrorIs(err, ErrProofGenerationFailure)
}

func TestProvePathRootMismatch(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	w, pub := newFixture(t, []uint64{1, 1}, []float64{90, 90}, 5, 5000)
	pub.PathRoot[0] ^= 0x01
	_, err := Prove(w, pub)
	require.ErrorIs(err, ErrProofGenerationFailure)
}

func TestProveCommitmentMismatch(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	w, pub := newFixture(t, []uint64{1, 1}, []float64{90, 90}, 5, 5000)
	w.Recipient = []byte("somebody-else@example.net")
	_, err := Prove(w, pub)
	require.ErrorIs(err, ErrProofGenerationFailure)
}

func TestVerifyReplay(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	wA, pubA := newFixture(t, []uint64{1, 1}, []float64{90, 90}, 5, 5000)
	_, pubB := newFixture(t, []uint64{1, 1}, []float64{90, 90}, 5, 5000)
	require.NotEqual(pubA.PacketID, pubB.PacketID)

	p, err := Prove(wA, pubA)
	require.NoError(err)

	err = Verify(p, pubB)
	require.ErrorIs(err, ErrReplayDetected)
}

func TestVerifyInputMismatch(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	w, pub := newFixture(t, []uint64{1, 1}, []float64{90, 90}, 5, 5000)
	p, err := Prove(w, pub)
	require.NoError(err)

	// Same packet, different declared cost. Not a replay, just invalid.
	other := *pub
	other.DeclaredCost++
	err = Verify(p, &other)
	require.ErrorIs(err, ErrProofVerificationFailure)
	require.NotErrorIs(err, ErrReplayDetected)
}

func TestVerifyTamperedEvaluation(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	w, pub := newFixture(t, []uint64{1, 1}, []float64{90, 90}, 5, 5000)
	p, err := Prove(w, pub)
	require.NoError(err)

	p.EvalID.SetUint64(123456789)
	require.ErrorIs(Verify(p, pub), ErrProofVerificationFailure)
}

func TestVerifyTamperedTotals(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	w, pub := newFixture(t, []uint64{2, 2}, []float64{90, 90}, 10, 5000)

	// Understating the cost clears the integer bound but not the sum
	// opening.
	p, err := Prove(w, pub)
	require.NoError(err)
	p.TotalCost = 1
	require.ErrorIs(Verify(p, pub), ErrProofVerificationFailure)

	// Overstating the reputation likewise.
	p, err = Prove(w, pub)
	require.NoError(err)
	p.TotalRep += 100
	require.ErrorIs(Verify(p, pub), ErrProofVerificationFailure)

	// The slot count is cross-checked against the public hop count
	// before any pairing work.
	p, err = Prove(w, pub)
	require.NoError(err)
	p.ActiveCount++
	require.ErrorIs(Verify(p, pub), ErrProofVerificationFailure)
}

func TestVerifyHopCountOutOfRange(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, pub := newFixture(t, []uint64{1}, []float64{90}, 5, 5000)
	pub.HopCount = 0
	p := &RoutingProof{Inputs: *pub, KeyID: VerifyingKeyID()}
	require.ErrorIs(Verify(p, pub), ErrProofVerificationFailure)
}

func TestVerifyWrongKeyID(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	w, pub := newFixture(t, []uint64{1, 1}, []float64{90, 90}, 5, 5000)
	p, err := Prove(w, pub)
	require.NoError(err)
	require.Equal(VerifyingKeyID(), p.KeyID)

	// A proof generated under some other setup is rejected before any
	// pairing work.
	p.KeyID[0] ^= 0x01
	err = Verify(p, pub)
	require.ErrorIs(err, ErrProofVerificationFailure)
	require.NotErrorIs(err, ErrReplayDetected)
}

func TestVerifyNil(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, pub := newFixture(t, []uint64{1}, []float64{90}, 5, 5000)
	require.ErrorIs(Verify(nil, pub), ErrProofVerificationFailure)
}

func TestProofHiding(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	w, pub := newFixture(t, []uint64{1, 2}, []float64{90, 80}, 5, 5000)

	p1, err := Prove(w, pub)
	require.NoError(err)
	p2, err := Prove(w, pub)
	require.NoError(err)

	// Fresh blinders, fresh commitments. Both still verify.
	require.False(p1.CID.Equal(&p2.CID))
	require.NoError(Verify(p1, pub))
	require.NoError(Verify(p2, pub))
}

func TestBytesRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	w, pub := newFixture(t, []uint64{1, 2, 1}, []float64{92.5, 80, 71.2}, 5, 5000)
	p, err := Prove(w, pub)
	require.NoError(err)

	b := p.Bytes()
	require.Len(b, Size)

	p2, err := FromBytes(b)
	require.NoError(err)
	require.Equal(p.Inputs, p2.Inputs)
	require.Equal(p.TotalCost, p2.TotalCost)
	require.Equal(p.KeyID, p2.KeyID)
	require.NoError(Verify(p2, pub))
}

func TestFromBytesMalformed(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	w, pub := newFixture(t, []uint64{1, 1}, []float64{90, 90}, 5, 5000)
	p, err := Prove(w, pub)
	require.NoError(err)
	b := p.Bytes()

	_, err = FromBytes(nil)
	require.ErrorIs(err, ErrProofVerificationFailure)

	_, err = FromBytes(b[:len(b)-1])
	require.ErrorIs(err, ErrProofVerificationFailure)

	_, err = FromBytes(append(append([]byte{}, b...), 0))
	require.ErrorIs(err, ErrProofVerificationFailure)
}

func TestBytesTamperRejected(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	w, pub := newFixture(t, []uint64{2, 2}, []float64{90, 90}, 10, 5000)
	p, err := Prove(w, pub)
	require.NoError(err)
	b := p.Bytes()

	// Flip a bit inside the first challenge evaluation. The field
	// element still parses, the opening no longer holds.
	evalOff := publicInputsSize + 4*g1Size
	tampered := append([]byte{}, b...)
	tampered[evalOff+frSize-1] ^= 0x01
	p2, err := FromBytes(tampered)
	require.NoError(err)
	require.ErrorIs(Verify(p2, pub), ErrProofVerificationFailure)

	// Flip the low bit of the total cost. Still under the declared
	// bound, still rejected by the sum opening.
	costOff := publicInputsSize + 5*g1Size + 4*frSize
	tampered = append([]byte{}, b...)
	tampered[costOff+7] ^= 0x01
	p2, err = FromBytes(tampered)
	require.NoError(err)
	require.ErrorIs(Verify(p2, pub), ErrProofVerificationFailure)

	// Mangle a commitment. Depending on the bit this either fails to
	// parse as a curve point or fails the pairing check.
	tampered = append([]byte{}, b...)
	tampered[publicInputsSize+1] ^= 0x40
	p2, err = FromBytes(tampered)
	if err == nil {
		require.ErrorIs(Verify(p2, pub), ErrProofVerificationFailure)
	} else {
		require.ErrorIs(err, ErrProofVerificationFailure)
	}

	// Flip the trailing key id byte. Parses, then rejected outright.
	tampered = append([]byte{}, b...)
	tampered[len(tampered)-1] ^= 0x01
	p2, err = FromBytes(tampered)
	require.NoError(err)
	require.ErrorIs(Verify(p2, pub), ErrProofVerificationFailure)
}

func TestPathRootOrderSensitive(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	hops := testHops([]uint64{1, 1}, []float64{90, 90})
	fwd := PathRoot(hops)
	rev := PathRoot([]*path.Hop{hops[1], hops[0]})
	require.NotEqual(fwd, rev)
	require.NotEqual(fwd, PathRoot(hops[:1]))

	// Deterministic for the same sequence.
	require.Equal(fwd, PathRoot(hops))
}

func TestReputationBasisPoints(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	require.Equal(uint64(5000), ReputationBasisPoints(50))
	require.Equal(uint64(7125), ReputationBasisPoints(71.249))
	require.Equal(uint64(10000), ReputationBasisPoints(100))
	require.Equal(uint64(0), ReputationBasisPoints(0))
	require.Equal(uint64(0), ReputationBasisPoints(-3))
}
