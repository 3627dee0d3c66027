// SPDX-FileCopyrightText: © 2026 The veilroute Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/veilroute/veilroute/packet"
	"github.com/veilroute/veilroute/relay"
)

// PacketHandler is the receiving side of a loopback address: it consumes
// an encoded packet and returns the receipt bytes.
type PacketHandler func(ctx context.Context, pkt []byte) ([]byte, error)

// Loopback is an in-process Transport for tests and single-process
// deployments. Addresses map to registered handlers; a whole relay chain
// runs as nested calls.
type Loopback struct {
	sync.RWMutex
	handlers map[string]PacketHandler
}

// NewLoopback constructs an empty loopback transport.
func NewLoopback() *Loopback {
	return &Loopback{handlers: make(map[string]PacketHandler)}
}

// Handle registers the handler for addr, replacing any previous one.
func (l *Loopback) Handle(addr string, h PacketHandler) {
	l.Lock()
	defer l.Unlock()
	l.handlers[addr] = h
}

// HandleRelay registers a relay at addr, with forwards flowing back
// through this loopback.
func (l *Loopback) HandleRelay(addr string, r *relay.Relay, codec *packet.Codec, timeout time.Duration, deliver func([]byte)) {
	l.Handle(addr, func(ctx context.Context, pkt []byte) ([]byte, error) {
		return HandlePacket(r, codec, l, timeout, deliver, pkt)
	})
}

// Send implements Transport.
func (l *Loopback) Send(ctx context.Context, addr string, pkt []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.RLock()
	h := l.handlers[addr]
	l.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("%w: %v", ErrNoRoute, addr)
	}

	type result struct {
		rcpt []byte
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		rcpt, err := h(ctx, pkt)
		resCh <- result{rcpt, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resCh:
		return res.rcpt, res.err
	}
}

// Close implements Transport.
func (l *Loopback) Close() error {
	return nil
}
