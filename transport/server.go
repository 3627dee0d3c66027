// SPDX-FileCopyrightText: © 2026 The veilroute Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilroute/veilroute/core/log"
	"github.com/veilroute/veilroute/core/worker"
	"github.com/veilroute/veilroute/packet"
	"github.com/veilroute/veilroute/relay"
)

// Server accepts packets over QUIC on behalf of one relay, forwards or
// delivers them, and writes the receipt back on the inbound stream.
type Server struct {
	worker.Worker

	log *logging.Logger

	relay   *relay.Relay
	codec   *packet.Codec
	next    Transport
	deliver func([]byte)
	timeout time.Duration

	ql     *quic.Listener
	ctx    context.Context
	cancel context.CancelFunc
}

// Listen starts a relay server on addr. Inbound packets flow through r;
// forwards go out via next with the given per-hop timeout; delivered
// payloads are handed to deliver, which may be nil.
func Listen(backend *log.Backend, addr string, r *relay.Relay, codec *packet.Codec, next Transport, deliver func([]byte), timeout time.Duration) (*Server, error) {
	ql, err := quic.ListenAddr(addr, GenerateTLSConfig(), quicConfig())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		log:     backend.GetLogger("transport"),
		relay:   r,
		codec:   codec,
		next:    next,
		deliver: deliver,
		timeout: timeout,
		ql:      ql,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.Go(s.acceptWorker)
	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.ql.Addr()
}

func (s *Server) acceptWorker() {
	// Halt cancels the accept context and closes the listener, which
	// unblocks Accept.
	go func() {
		<-s.HaltCh()
		s.cancel()
		s.ql.Close()
	}()

	for {
		conn, err := s.ql.Accept(s.ctx)
		if err != nil {
			return
		}
		s.Go(func() {
			s.handleConn(conn)
		})
	}
}

func (s *Server) handleConn(conn quic.Connection) {
	stream, err := conn.AcceptStream(s.ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return
	}
	c := &QuicConn{Conn: conn, Stream: stream}
	defer c.Close()

	// The inbound read is quick; the deadline mostly bounds the time an
	// upstream waits while this node's own forward is in flight.
	c.SetDeadline(time.Now().Add(2 * s.timeout))

	ft, payload, err := readFrame(c)
	if err != nil {
		s.log.Debugf("inbound frame: %v", err)
		return
	}
	if ft != FramePacket {
		s.log.Debugf("inbound frame: unexpected type 0x%02x", ft)
		return
	}

	rcpt, err := HandlePacket(s.relay, s.codec, s.next, s.timeout, s.deliver, payload)
	if err != nil {
		// No response: the upstream hop times out. A drop reason is
		// never echoed to the network.
		s.log.Debugf("packet dropped: %v", err)
		return
	}
	if err = writeFrame(c, FrameReceipt, rcpt); err != nil {
		s.log.Debugf("receipt write: %v", err)
	}
}

// Shutdown halts the accept loop and all in-flight handlers.
func (s *Server) Shutdown() {
	s.Halt()
}
