// SPDX-FileCopyrightText: © 2026 The veilroute Authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"fmt"
	"testing"

	"github.com/katzenpost/hpqc/kem"
	kemschemes "github.com/katzenpost/hpqc/kem/schemes"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign"
	signschemes "github.com/katzenpost/hpqc/sign/schemes"
	"github.com/stretchr/testify/require"

	"github.com/veilroute/veilroute/commitment"
	"github.com/veilroute/veilroute/core/log"
	"github.com/veilroute/veilroute/directory"
	"github.com/veilroute/veilroute/internal/replay"
	"github.com/veilroute/veilroute/onion"
	"github.com/veilroute/veilroute/packet"
	"github.com/veilroute/veilroute/path"
)

const (
	testKEMScheme  = "x25519"
	testSignScheme = "ed25519"
)

type testNet struct {
	kemScheme  kem.Scheme
	signScheme sign.Scheme
	codec      *packet.Codec
	wrap       *onion.Layering
	relays     []*Relay
	hops       []*path.Hop
}

func newTestNet(t *testing.T, n int, caps ...directory.Capabilities) *testNet {
	require := require.New(t)

	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)

	net := &testNet{
		kemScheme:  kemschemes.ByName(testKEMScheme),
		signScheme: signschemes.ByName(testSignScheme),
	}
	require.NotNil(net.kemScheme)
	require.NotNil(net.signScheme)
	net.codec = packet.NewCodec(net.signScheme)
	net.wrap = onion.New(net.kemScheme)

	for i := 0; i < n; i++ {
		keys, err := directory.GenerateNodeKeys(testKEMScheme, testSignScheme, 0)
		require.NoError(err)
		cache, err := replay.New(0)
		require.NoError(err)

		c := directory.CapForward
		if i < len(caps) {
			c = caps[i]
		}
		net.relays = append(net.relays, New(backend, keys, net.codec, net.wrap, cache, c))
		net.hops = append(net.hops, &path.Hop{
			ID:                 keys.NodeID(),
			Addr:               fmt.Sprintf("127.0.0.1:%d", 37000+i),
			KEMPublicKey:       keys.KEMPublic,
			ExpectedCost:       1,
			ReputationSnapshot: 80,
		})
	}
	return net
}

func (n *testNet) buildPacket(t *testing.T, payload, proofBytes []byte, hopCount uint8) []byte {
	require := require.New(t)

	opening, err := commitment.NewOpening(rand.Reader)
	require.NoError(err)
	dest := commitment.Commit([]byte("recipient@example.net"), opening)

	var nonce [packet.NonceLength]byte
	_, err = rand.Reader.Read(nonce[:])
	require.NoError(err)
	id := packet.NewID(payload, dest, nonce)

	layers, err := n.wrap.Wrap(id, payload, n.hops)
	require.NoError(err)

	pkt := &packet.Packet{
		Version:               packet.Version,
		ID:                    id,
		HopCount:              hopCount,
		DeclaredCost:          uint64(len(n.hops)) + 1,
		Layers:                layers,
		DestinationCommitment: dest,
		Proof:                 proofBytes,
	}
	pk, sk, err := n.signScheme.GenerateKey()
	require.NoError(err)
	pkt.Sign(sk, pk)

	raw, err := n.codec.Encode(pkt)
	require.NoError(err)
	return raw
}

func TestProcessChain(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	net := newTestNet(t, 3)
	payload := []byte("onion routed application payload")
	proofBytes := []byte("opaque proof blob")
	raw := net.buildPacket(t, payload, proofBytes, 3)

	a, err := net.relays[0].Process(raw)
	require.NoError(err)
	fwd, ok := a.(*Forward)
	require.True(ok)
	require.Equal(net.hops[1].ID, fwd.Next)
	require.Equal(net.hops[1].Addr, fwd.Addr)

	a, err = net.relays[1].Process(fwd.Packet)
	require.NoError(err)
	fwd, ok = a.(*Forward)
	require.True(ok)
	require.Equal(net.hops[2].ID, fwd.Next)
	require.Equal(net.hops[2].Addr, fwd.Addr)

	a, err = net.relays[2].Process(fwd.Packet)
	require.NoError(err)
	del, ok := a.(*Deliver)
	require.True(ok)
	require.Equal(payload, del.Payload)
	require.Equal(proofBytes, del.Receipt.Proof)
}

func TestProcessReplay(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	net := newTestNet(t, 2)
	raw := net.buildPacket(t, []byte("payload"), nil, 2)

	_, err := net.relays[0].Process(raw)
	require.NoError(err)

	_, err = net.relays[0].Process(raw)
	require.ErrorIs(err, ErrReplayDetected)
}

func TestProcessTamper(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	net := newTestNet(t, 2)
	raw := net.buildPacket(t, []byte("payload"), nil, 2)

	// Flip a bit inside the onion ciphertext. The header signature does
	// not cover the layers, so the damage must be caught by the AEAD.
	layersOff := 1 + packet.IDLength + 1 + 8 + 4
	tampered := append([]byte{}, raw...)
	tampered[layersOff+net.kemScheme.CiphertextSize()] ^= 0x01
	_, err := net.relays[0].Process(tampered)
	require.ErrorIs(err, onion.ErrDecryptionFailure)
}

func TestProcessWrongNode(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	net := newTestNet(t, 2)
	raw := net.buildPacket(t, []byte("payload"), nil, 2)

	// The outermost layer is addressed to relay 0.
	_, err := net.relays[1].Process(raw)
	require.ErrorIs(err, onion.ErrDecryptionFailure)
}

func TestProcessMalformed(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	net := newTestNet(t, 1)

	_, err := net.relays[0].Process(nil)
	require.ErrorIs(err, packet.ErrMalformedPacket)

	_, err = net.relays[0].Process([]byte{0xff, 0x00, 0x01})
	require.ErrorIs(err, packet.ErrMalformedPacket)

	raw := net.buildPacket(t, []byte("payload"), nil, 1)
	_, err = net.relays[0].Process(raw[:len(raw)-4])
	require.ErrorIs(err, packet.ErrMalformedPacket)
}

func TestProcessCapabilityGate(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// First hop is store-only; asking it to forward must fail.
	net := newTestNet(t, 2, directory.CapStore, directory.CapForward)
	raw := net.buildPacket(t, []byte("payload"), nil, 2)
	_, err := net.relays[0].Process(raw)
	require.ErrorIs(err, ErrCapability)
}

func TestProcessDeliverWithoutForwardCap(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// Terminal delivery does not require forward capability.
	net := newTestNet(t, 1, directory.CapStore)
	payload := []byte("payload")
	raw := net.buildPacket(t, payload, nil, 1)

	a, err := net.relays[0].Process(raw)
	require.NoError(err)
	del, ok := a.(*Deliver)
	require.True(ok)
	require.Equal(payload, del.Payload)
}

func TestProcessHopCountLie(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// Two layers but a header claiming one. The forward instruction
	// inside the first layer contradicts the exhausted hop count.
	net := newTestNet(t, 2)
	raw := net.buildPacket(t, []byte("payload"), nil, 1)
	_, err := net.relays[0].Process(raw)
	require.ErrorIs(err, packet.ErrMalformedPacket)
}
