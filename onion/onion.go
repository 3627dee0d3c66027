// SPDX-FileCopyrightText: © 2026 The veilroute Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package onion implements the layered packet encryption. Each layer is a
// KEM encapsulation to one hop followed by an AEAD over the inner content,
// so a relay learns only its own routing instruction and the blob it must
// pass on.
package onion

import (
	"crypto/cipher"
	"errors"
	"fmt"
	stdhash "hash"
	"io"

	"github.com/katzenpost/chacha20poly1305"
	"github.com/katzenpost/hpqc/kem"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"

	"github.com/veilroute/veilroute/directory"
	"github.com/veilroute/veilroute/packet"
	"github.com/veilroute/veilroute/path"
)

const (
	// KeySize is the length of a derived per-layer AEAD key.
	KeySize = chacha20poly1305.KeySize

	forwardCmd byte = 0x01
	deliverCmd byte = 0x02

	forwardBaseLength = 1 + directory.NodeIDLength + 1
)

var (
	// ErrEncryptionFailure is returned when a layer cannot be built.
	ErrEncryptionFailure = errors.New("onion: encryption failure")

	// ErrDecryptionFailure is returned when a layer fails to decapsulate,
	// authenticate, or parse.
	ErrDecryptionFailure = errors.New("onion: decryption failure")

	layerInfo = []byte("veilroute-layer-v1")

	// Per-layer keys are single use, each derived from a fresh
	// encapsulation, so a fixed nonce is safe.
	zeroNonce = make([]byte, chacha20poly1305.NonceSize)
)

// Instruction is what a hop recovers from its layer: either forward the
// remaining blob to the next node, or deliver the enclosed payload.
type Instruction interface {
	// ToBytes appends the wire encoding to b and returns the result.
	ToBytes(b []byte) []byte
}

// Forward tells a relay to send the remaining layers to the next hop.
type Forward struct {
	Next directory.NodeID
	Addr string
}

// ToBytes appends the wire encoding to b and returns the result.
func (c *Forward) ToBytes(b []byte) []byte {
	b = append(b, forwardCmd)
	b = append(b, c.Next[:]...)
	b = append(b, byte(len(c.Addr)))
	b = append(b, c.Addr...)
	return b
}

// Deliver tells the final hop that the remainder of the plaintext is the
// payload for local delivery.
type Deliver struct{}

// ToBytes appends the wire encoding to b and returns the result.
func (c *Deliver) ToBytes(b []byte) []byte {
	return append(b, deliverCmd)
}

// instructionFromBytes parses the instruction at the front of a decrypted
// layer and returns it along with the remaining bytes.
func instructionFromBytes(b []byte) (Instruction, []byte, error) {
	if len(b) == 0 {
		return nil, nil, ErrDecryptionFailure
	}
	cmd, b := b[0], b[1:]
	switch cmd {
	case forwardCmd:
		if len(b) < directory.NodeIDLength+1 {
			return nil, nil, ErrDecryptionFailure
		}
		c := new(Forward)
		copy(c.Next[:], b[:directory.NodeIDLength])
		b = b[directory.NodeIDLength:]
		addrLen := int(b[0])
		b = b[1:]
		if len(b) < addrLen {
			return nil, nil, ErrDecryptionFailure
		}
		c.Addr = string(b[:addrLen])
		return c, b[addrLen:], nil
	case deliverCmd:
		return new(Deliver), b, nil
	default:
		return nil, nil, ErrDecryptionFailure
	}
}

// Layering wraps and unwraps packet layers for one KEM scheme. All hops of
// a path use the same scheme.
type Layering struct {
	scheme kem.Scheme
}

// New constructs a Layering for the given KEM scheme.
func New(scheme kem.Scheme) *Layering {
	if scheme == nil {
		panic("onion: nil KEM scheme")
	}
	return &Layering{scheme: scheme}
}

// Scheme returns the KEM scheme in use.
func (l *Layering) Scheme() kem.Scheme {
	return l.scheme
}

// LayerOverhead is the per-layer expansion in bytes: the KEM ciphertext
// plus the AEAD tag.
func (l *Layering) LayerOverhead() int {
	return l.scheme.CiphertextSize() + chacha20poly1305.Overhead
}

func deriveKey(sharedSecret []byte) ([]byte, error) {
	h := func() stdhash.Hash {
		h, err := blake2b.New256(nil)
		if err != nil {
			panic(err)
		}
		return h
	}
	key := make([]byte, KeySize)
	kdf := hkdf.New(h, sharedSecret, nil, layerInfo)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	return chacha20poly1305.New(key)
}

// Wrap builds the layered ciphertext for a path. The innermost layer is
// encrypted to the final hop and carries a Deliver instruction followed by
// the payload; every outer layer is encrypted to the preceding hop and
// carries a Forward instruction naming its successor. Each AEAD is bound
// to the packet ID so layers cannot be spliced between packets.
func (l *Layering) Wrap(id packet.ID, payload []byte, hops []*path.Hop) ([]byte, error) {
	if len(hops) == 0 {
		return nil, fmt.Errorf("%w: empty path", ErrEncryptionFailure)
	}

	var inner []byte
	for i := len(hops) - 1; i >= 0; i-- {
		var instr Instruction
		if i == len(hops)-1 {
			instr = new(Deliver)
		} else {
			next := hops[i+1]
			if len(next.Addr) > 255 {
				return nil, fmt.Errorf("%w: address too long", ErrEncryptionFailure)
			}
			instr = &Forward{Next: next.ID, Addr: next.Addr}
		}

		plaintext := instr.ToBytes(make([]byte, 0, forwardBaseLength+255+len(inner)))
		if i == len(hops)-1 {
			plaintext = append(plaintext, payload...)
		} else {
			plaintext = append(plaintext, inner...)
		}

		kemCT, sharedSecret, err := l.scheme.Encapsulate(hops[i].KEMPublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
		}
		key, err := deriveKey(sharedSecret)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
		}
		aead, err := newAEAD(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
		}

		layer := make([]byte, 0, len(kemCT)+len(plaintext)+chacha20poly1305.Overhead)
		layer = append(layer, kemCT...)
		inner = aead.Seal(layer, zeroNonce, plaintext, id[:])
	}
	return inner, nil
}

// Unwrap strips the outermost layer with the hop's KEM private key and
// returns the routing instruction together with the remaining bytes: the
// inner layers for a Forward, the payload for a Deliver.
func (l *Layering) Unwrap(privateKey kem.PrivateKey, id packet.ID, layers []byte) (Instruction, []byte, error) {
	ctSize := l.scheme.CiphertextSize()
	if len(layers) < ctSize+chacha20poly1305.Overhead+1 {
		return nil, nil, fmt.Errorf("%w: truncated layer", ErrDecryptionFailure)
	}

	sharedSecret, err := l.scheme.Decapsulate(privateKey, layers[:ctSize])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}
	key, err := deriveKey(sharedSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}

	plaintext, err := aead.Open(nil, zeroNonce, layers[ctSize:], id[:])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}
	return instructionFromBytes(plaintext)
}
