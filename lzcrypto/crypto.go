// This file is part of lzcore
// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

// Package lzcrypto wraps the fixed cryptographic suite used by the boot
// chain: SHA-256, HMAC-SHA256, ECDSA over P-256 and deterministic ECC key
// derivation from a seed.
package lzcrypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
)

// ErrorKind classifies a façade failure.
type ErrorKind int

const (
	HashFailed ErrorKind = iota
	SignFailed
	VerifyFailed
	KeyParse
	Format
)

func (k ErrorKind) String() string {
	switch k {
	case HashFailed:
		return "hash failed"
	case SignFailed:
		return "sign failed"
	case VerifyFailed:
		return "verify failed"
	case KeyParse:
		return "key parse"
	case Format:
		return "format"
	}
	return "unknown"
}

// Error is returned for all failures originating in this package.
type Error struct {
	Kind ErrorKind
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("lzcrypto: %v", e.Kind)
	}
	return fmt.Sprintf("lzcrypto: %v: %v", e.Kind, e.err)
}

func (e *Error) Unwrap() error { return e.err }

func newError(kind ErrorKind, err error) *Error { return &Error{Kind: kind, err: err} }

// Keypair holds an ECC keypair for the lifetime of a single boot.
type Keypair struct {
	Private *ecdsa.PrivateKey
}

// Public returns the public half.
func (kp *Keypair) Public() *ecdsa.PublicKey {
	return &kp.Private.PublicKey
}

// Zeroize clears the private scalar. The keypair is unusable afterwards.
func (kp *Keypair) Zeroize() {
	if kp == nil || kp.Private == nil {
		return
	}
	if d := kp.Private.D; d != nil {
		bits := d.Bits()
		for i := range bits {
			bits[i] = 0
		}
	}
	kp.Private = nil
}

// Sha256 hashes buf.
func Sha256(buf []byte) [sha256.Size]byte {
	return sha256.Sum256(buf)
}

// Sha256Concat hashes a ‖ b.
func Sha256Concat(a, b []byte) [sha256.Size]byte {
	h := sha256.New()
	h.Write(a)
	h.Write(b)
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HmacSha256 computes HMAC-SHA256 over msg with key.
func HmacSha256(key, msg []byte) [sha256.Size]byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	var out [sha256.Size]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// Sign hashes msg with SHA-256 and signs the digest, returning an ASN.1
// DER encoded ECDSA signature. rand is the platform RNG.
func Sign(rand io.Reader, kp *Keypair, msg []byte) ([]byte, error) {
	if kp == nil || kp.Private == nil {
		return nil, newError(SignFailed, fmt.Errorf("no private key"))
	}
	digest := sha256.Sum256(msg)
	sig, err := ecdsa.SignASN1(rand, kp.Private, digest[:])
	if err != nil {
		return nil, newError(SignFailed, err)
	}
	return sig, nil
}

// Verify hashes msg with SHA-256 and checks the ASN.1 DER signature
// against pub. A bad signature is reported as an Error of kind
// VerifyFailed.
func Verify(pub *ecdsa.PublicKey, msg, sig []byte) error {
	if pub == nil {
		return newError(VerifyFailed, fmt.Errorf("no public key"))
	}
	digest := sha256.Sum256(msg)
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		return newError(VerifyFailed, fmt.Errorf("signature mismatch"))
	}
	return nil
}

// ComparePublic reports whether two public keys are the same point on the
// same curve.
func ComparePublic(a, b *ecdsa.PublicKey) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Equal(b)
}

// keypairLabel separates the key derivation from other HMAC uses of the
// same seed material.
var keypairLabel = []byte("lz-ecc-keypair")

// DeriveKeypair deterministically derives a P-256 keypair from seed: the
// seed is expanded with HMAC-SHA256 counter blocks; the first block below
// N-1, plus one, becomes the private scalar in [1, N-1]. The same
// seed always yields the same keypair.
func DeriveKeypair(seed []byte) (*Keypair, error) {
	if len(seed) == 0 {
		return nil, newError(Format, fmt.Errorf("empty seed"))
	}

	curve := elliptic.P256()
	n := curve.Params().N
	nMinusOne := new(big.Int).Sub(n, big.NewInt(1))

	var ctr [4]byte
	for i := uint32(0); i < 1000; i++ {
		binary.LittleEndian.PutUint32(ctr[:], i)
		mac := hmac.New(sha256.New, seed)
		mac.Write(keypairLabel)
		mac.Write(ctr[:])
		cand := new(big.Int).SetBytes(mac.Sum(nil))

		// Candidates >= N-1 are rejected rather than reduced to keep
		// the scalar distribution uniform.
		if cand.Cmp(nMinusOne) >= 0 {
			continue
		}
		cand.Add(cand, big.NewInt(1))

		priv := new(ecdsa.PrivateKey)
		priv.Curve = curve
		priv.D = cand
		priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(cand.Bytes())
		return &Keypair{Private: priv}, nil
	}

	return nil, newError(Format, fmt.Errorf("no scalar candidate found"))
}
