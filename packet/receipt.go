// SPDX-FileCopyrightText: © 2026 The veilroute Authors
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"encoding/binary"
)

// Receipt is the delivery acknowledgement a terminal hop sends back: the
// packet identifier plus the routing proof that traveled with the packet.
// The sender verifies the proof before treating the packet as delivered,
// so receipts need no signature of their own.
type Receipt struct {
	ID    ID
	Proof []byte
}

const receiptMinSize = IDLength + 4

// EncodeReceipt serializes a receipt.
func (c *Codec) EncodeReceipt(r *Receipt) ([]byte, error) {
	if len(r.Proof) > c.MaxProofSize {
		return nil, ErrMalformedPacket
	}
	b := make([]byte, 0, receiptMinSize+len(r.Proof))
	b = append(b, r.ID[:]...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(r.Proof)))
	b = append(b, r.Proof...)
	return b, nil
}

// DecodeReceipt deserializes a receipt. The returned receipt aliases b's
// backing array.
func (c *Codec) DecodeReceipt(b []byte) (*Receipt, error) {
	if len(b) < receiptMinSize {
		return nil, ErrMalformedPacket
	}
	r := new(Receipt)
	copy(r.ID[:], b[:IDLength])
	rawLen := binary.BigEndian.Uint32(b[IDLength : IDLength+4])
	if uint64(rawLen) > uint64(c.MaxProofSize) {
		return nil, ErrMalformedPacket
	}
	if len(b)-receiptMinSize != int(rawLen) {
		return nil, ErrMalformedPacket
	}
	r.Proof = b[receiptMinSize:]
	return r, nil
}
