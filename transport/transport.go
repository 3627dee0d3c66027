// SPDX-FileCopyrightText: © 2026 The veilroute Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport moves packets between hops and relays delivery
// receipts back along the reverse path. The session manager talks to the
// Transport interface only; a QUIC implementation carries real traffic
// and an in-process loopback serves tests.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/veilroute/veilroute/internal/instrument"
	"github.com/veilroute/veilroute/packet"
	"github.com/veilroute/veilroute/relay"
)

const (
	// FramePacket carries an encoded packet toward the destination.
	FramePacket byte = 0x01

	// FrameReceipt carries an encoded delivery receipt back to the sender.
	FrameReceipt byte = 0x02

	frameHeaderSize = 1 + 4

	// maxFrameSize bounds a frame payload; it must admit a packet at the
	// codec's maximum layers size plus headers and proof.
	maxFrameSize = 1 << 21
)

var (
	// ErrMalformedFrame is the error returned when a frame fails
	// structural validation.
	ErrMalformedFrame = errors.New("transport: malformed frame")

	// ErrUnexpectedFrame is the error returned when the peer responds
	// with the wrong frame type.
	ErrUnexpectedFrame = errors.New("transport: unexpected frame type")

	// ErrNoRoute is the error returned when no peer is reachable at the
	// requested address.
	ErrNoRoute = errors.New("transport: no route to address")
)

// Transport sends a packet to the hop at addr and returns the delivery
// receipt relayed back along the held-open reverse path. The context
// bounds the whole exchange.
type Transport interface {
	Send(ctx context.Context, addr string, pkt []byte) ([]byte, error)
	Close() error
}

func frameName(t byte) string {
	switch t {
	case FramePacket:
		return "packet"
	case FrameReceipt:
		return "receipt"
	default:
		return "unknown"
	}
}

// writeFrame writes one frame: type byte, big endian length, payload.
func writeFrame(w io.Writer, frameType byte, payload []byte) error {
	if len(payload) > maxFrameSize {
		return ErrMalformedFrame
	}
	hdr := make([]byte, frameHeaderSize)
	hdr[0] = frameType
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	instrument.FrameSent(frameName(frameType))
	return nil
}

// readFrame reads one frame, rejecting oversized payloads before
// allocating for them.
func readFrame(r io.Reader) (byte, []byte, error) {
	hdr := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	frameLen := binary.BigEndian.Uint32(hdr[1:])
	if frameLen > maxFrameSize {
		return 0, nil, ErrMalformedFrame
	}
	payload := make([]byte, frameLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	instrument.FrameReceived(frameName(hdr[0]))
	return hdr[0], payload, nil
}

// HandlePacket runs one inbound packet through the relay and returns the
// receipt bytes to write back upstream. A forward disposition sends the
// transformed packet onward via next and waits up to timeout for the
// downstream receipt; a deliver disposition hands the payload to deliver
// and acknowledges immediately.
func HandlePacket(r *relay.Relay, codec *packet.Codec, next Transport, timeout time.Duration, deliver func([]byte), pkt []byte) ([]byte, error) {
	action, err := r.Process(pkt)
	if err != nil {
		return nil, err
	}

	switch a := action.(type) {
	case *relay.Forward:
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		rcpt, err := next.Send(ctx, a.Addr, a.Packet)
		if err != nil {
			return nil, fmt.Errorf("transport: forward to %v: %v", a.Addr, err)
		}
		return rcpt, nil

	case *relay.Deliver:
		if deliver != nil {
			deliver(a.Payload)
		}
		return codec.EncodeReceipt(a.Receipt)

	default:
		return nil, fmt.Errorf("transport: unhandled relay action %T", action)
	}
}
