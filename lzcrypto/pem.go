// This file is part of lzcore
// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package lzcrypto

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

const (
	pubPEMBlock  = "PUBLIC KEY"
	privPEMBlock = "EC PRIVATE KEY"
)

// PubToPEM encodes pub as a PKIX PEM block.
func PubToPEM(pub *ecdsa.PublicKey) ([]byte, error) {
	if pub == nil {
		return nil, newError(Format, fmt.Errorf("no public key"))
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, newError(Format, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pubPEMBlock, Bytes: der}), nil
}

// PrivToPEM encodes the private key of kp as a SEC 1 PEM block.
func PrivToPEM(kp *Keypair) ([]byte, error) {
	if kp == nil || kp.Private == nil {
		return nil, newError(Format, fmt.Errorf("no private key"))
	}
	der, err := x509.MarshalECPrivateKey(kp.Private)
	if err != nil {
		return nil, newError(Format, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: privPEMBlock, Bytes: der}), nil
}

// PEMToPub parses a PKIX PEM block into an ECDSA public key. Trailing NUL
// padding from fixed-size flash slots is accepted.
func PEMToPub(data []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(trimPEM(data))
	if block == nil || block.Type != pubPEMBlock {
		return nil, newError(KeyParse, fmt.Errorf("no %q PEM block", pubPEMBlock))
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, newError(KeyParse, err)
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, newError(KeyParse, fmt.Errorf("not an ECDSA public key"))
	}
	return pub, nil
}

// PEMToPriv parses a SEC 1 PEM block into a keypair.
func PEMToPriv(data []byte) (*Keypair, error) {
	block, _ := pem.Decode(trimPEM(data))
	if block == nil || block.Type != privPEMBlock {
		return nil, newError(KeyParse, fmt.Errorf("no %q PEM block", privPEMBlock))
	}
	priv, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, newError(KeyParse, err)
	}
	return &Keypair{Private: priv}, nil
}

// trimPEM cuts data at the first NUL so fixed-size flash slots can be
// passed in directly.
func trimPEM(data []byte) []byte {
	for i, b := range data {
		if b == 0 {
			return data[:i]
		}
	}
	return data
}
