// quic.go - QUIC hop transport.
// Copyright (C) 2023  Masala.
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

package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilroute/veilroute/core/log"
	"github.com/veilroute/veilroute/internal/constants"
)

// QuicConn wraps a connection and a single stream and implements net.Conn.
type QuicConn struct {
	Stream quic.Stream
	Conn   quic.Connection
}

// LocalAddr implements net.Conn.
func (q *QuicConn) LocalAddr() net.Addr {
	return q.Conn.LocalAddr()
}

// RemoteAddr implements net.Conn.
func (q *QuicConn) RemoteAddr() net.Addr {
	return q.Conn.RemoteAddr()
}

// SetDeadline implements net.Conn.
func (q *QuicConn) SetDeadline(t time.Time) error {
	return q.Stream.SetDeadline(t)
}

// SetReadDeadline implements net.Conn.
func (q *QuicConn) SetReadDeadline(t time.Time) error {
	return q.Stream.SetReadDeadline(t)
}

// SetWriteDeadline implements net.Conn.
func (q *QuicConn) SetWriteDeadline(t time.Time) error {
	return q.Stream.SetWriteDeadline(t)
}

// Close implements net.Conn.
func (q *QuicConn) Close() error {
	return q.Stream.Close()
}

// Read implements net.Conn.
func (q *QuicConn) Read(b []byte) (n int, err error) {
	return q.Stream.Read(b)
}

// Write implements net.Conn.
func (q *QuicConn) Write(b []byte) (n int, err error) {
	return q.Stream.Write(b)
}

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: constants.KeepAliveInterval,
	}
}

// GenerateTLSConfig sets up a bare-bones TLS config for a hop listener.
// Hop security rests on the onion layers, not on the link; the certificate
// is self-signed and peers do not verify it.
func GenerateTLSConfig() *tls.Config {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pubKey, privKey)
	if err != nil {
		panic(err)
	}
	pkb, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		panic(err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "ED25519 PRIVATE KEY", Bytes: pkb})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		panic(err)
	}
	// ALPN (NextProtos) is externally visible as part of the QUIC TLS
	// handshake, in the client/server hello, so pick a common protocol
	// rather than something uniquely fingerprintable.
	return &tls.Config{Certificates: []tls.Certificate{tlsCert}, NextProtos: []string{http3.NextProtoH3}}
}

// ClientTLSConfig returns the dialing counterpart of GenerateTLSConfig.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{http3.NextProtoH3},
	}
}

// QUIC is the QUIC client transport used by the session manager and by
// relays forwarding to the next hop.
type QUIC struct {
	log     *logging.Logger
	tlsConf *tls.Config
	qConf   *quic.Config
}

// NewQUIC constructs a QUIC client transport.
func NewQUIC(backend *log.Backend) *QUIC {
	return &QUIC{
		log:     backend.GetLogger("transport"),
		tlsConf: ClientTLSConfig(),
		qConf:   quicConfig(),
	}
}

// Send implements Transport. One stream per packet; the receipt comes
// back on the same stream.
func (q *QUIC) Send(ctx context.Context, addr string, pkt []byte) ([]byte, error) {
	conn, err := quic.DialAddr(ctx, addr, q.tlsConf, q.qConf)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %v: %v", addr, err)
	}
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: open stream: %v", err)
	}
	c := &QuicConn{Conn: conn, Stream: stream}
	defer c.Close()
	if dl, ok := ctx.Deadline(); ok {
		c.SetDeadline(dl)
	}

	if err = writeFrame(c, FramePacket, pkt); err != nil {
		return nil, err
	}
	ft, payload, err := readFrame(c)
	if err != nil {
		return nil, err
	}
	if ft != FrameReceipt {
		return nil, ErrUnexpectedFrame
	}
	return payload, nil
}

// Close implements Transport.
func (q *QUIC) Close() error {
	return nil
}
