// SPDX-FileCopyrightText: © 2026 The veilroute Authors
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"encoding/binary"
	"errors"

	"github.com/katzenpost/hpqc/sign"

	"github.com/veilroute/veilroute/commitment"
)

const (
	// DefaultMaxLayersSize bounds the onion ciphertext a codec will accept.
	DefaultMaxLayersSize = 1 << 20

	// DefaultMaxProofSize bounds the serialized proof a codec will accept.
	DefaultMaxProofSize = 1 << 16
)

// Codec is a wire packet codec bound to a signature scheme, which fixes the
// width of the signature region.
type Codec struct {
	// Scheme is the header signature scheme.
	Scheme sign.Scheme

	// MaxLayersSize bounds the onion ciphertext length on decode.
	MaxLayersSize int

	// MaxProofSize bounds the proof length on decode.
	MaxProofSize int
}

// NewCodec constructs a Codec for the given signature scheme with the
// default size bounds.
func NewCodec(s sign.Scheme) *Codec {
	return &Codec{
		Scheme:        s,
		MaxLayersSize: DefaultMaxLayersSize,
		MaxProofSize:  DefaultMaxProofSize,
	}
}

// sigRegionSize is the fixed width of the trailing signature region:
// the ephemeral public key followed by the signature.
func (c *Codec) sigRegionSize() int {
	return c.Scheme.PublicKeySize() + c.Scheme.SignatureSize()
}

// minPacketSize is the encoded size of a packet with empty layers and no
// proof.
func (c *Codec) minPacketSize() int {
	return 1 + IDLength + 1 + 8 + 4 + commitment.Size + 4 + c.sigRegionSize()
}

// Encode serializes the packet.  The packet must be signed, and its
// variable length fields must be inside the codec's bounds.
func (c *Codec) Encode(p *Packet) ([]byte, error) {
	if p.SignPublicKey == nil || len(p.Signature) != c.Scheme.SignatureSize() {
		return nil, errors.New("packet: encode of unsigned packet")
	}
	if len(p.Layers) > c.MaxLayersSize || len(p.Proof) > c.MaxProofSize {
		return nil, ErrMalformedPacket
	}
	if p.HopCount == 0 || p.HopCount > WireMaxHops {
		return nil, ErrMalformedPacket
	}

	pkBlob, err := p.SignPublicKey.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if len(pkBlob) != c.Scheme.PublicKeySize() {
		return nil, ErrMalformedPacket
	}

	b := make([]byte, 0, c.minPacketSize()+len(p.Layers)+len(p.Proof))
	b = append(b, p.Version)
	b = append(b, p.ID[:]...)
	b = append(b, p.HopCount)
	b = binary.BigEndian.AppendUint64(b, p.DeclaredCost)
	b = binary.BigEndian.AppendUint32(b, uint32(len(p.Layers)))
	b = append(b, p.Layers...)
	b = append(b, p.DestinationCommitment[:]...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(p.Proof)))
	b = append(b, p.Proof...)
	b = append(b, pkBlob...)
	b = append(b, p.Signature...)
	return b, nil
}

// Decode deserializes a packet, rejecting malformed input before any
// cryptographic operation.  The returned packet aliases b's backing array.
func (c *Codec) Decode(b []byte) (*Packet, error) {
	if len(b) < c.minPacketSize() {
		return nil, ErrMalformedPacket
	}

	p := new(Packet)
	off := 0

	p.Version = b[off]
	off++
	if p.Version != Version {
		return nil, ErrMalformedPacket
	}

	copy(p.ID[:], b[off:off+IDLength])
	off += IDLength

	p.HopCount = b[off]
	off++
	if p.HopCount == 0 || p.HopCount > WireMaxHops {
		return nil, ErrMalformedPacket
	}

	p.DeclaredCost = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	rawLayersLen := binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	if uint64(rawLayersLen) > uint64(c.MaxLayersSize) {
		return nil, ErrMalformedPacket
	}
	layersLen := int(rawLayersLen)
	if len(b)-off < layersLen+commitment.Size+4+c.sigRegionSize() {
		return nil, ErrMalformedPacket
	}
	p.Layers = b[off : off+layersLen]
	off += layersLen

	copy(p.DestinationCommitment[:], b[off:off+commitment.Size])
	off += commitment.Size

	rawProofLen := binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	if uint64(rawProofLen) > uint64(c.MaxProofSize) {
		return nil, ErrMalformedPacket
	}
	proofLen := int(rawProofLen)
	if len(b)-off != proofLen+c.sigRegionSize() {
		return nil, ErrMalformedPacket
	}
	p.Proof = b[off : off+proofLen]
	off += proofLen

	pk, err := c.Scheme.UnmarshalBinaryPublicKey(b[off : off+c.Scheme.PublicKeySize()])
	if err != nil {
		return nil, ErrMalformedPacket
	}
	p.SignPublicKey = pk
	off += c.Scheme.PublicKeySize()

	p.Signature = b[off:]
	return p, nil
}
