// This file is part of lzcore
// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package lzcore

import (
	"fmt"

	"github.com/canonical/lzcore/lzcrypto"
	"github.com/canonical/lzcore/lzflash"
)

// DeriveDeviceID derives the long-lived DeviceID keypair from CDI'. The
// derivation is deterministic: the same CDI' always yields the same
// DeviceID, so the key changes exactly when Lazarus Core itself was
// updated.
func DeriveDeviceID(cdiPrime []byte) (*lzcrypto.Keypair, error) {
	kp, err := lzcrypto.DeriveKeypair(cdiPrime)
	if err != nil {
		return nil, fmt.Errorf("cannot derive DeviceID keypair: %w", err)
	}
	return kp, nil
}

// DeriveAliasID derives the boot-scoped AliasID keypair from the
// measurement of the next stage and the DeviceID private key:
// seed = SHA256(next_layer_digest ‖ pem(device_id_priv)), with the
// private key PEM NUL-padded to its fixed slot size. Only a Core holding
// the same CDI' can reproduce an AliasID for a given measurement.
func DeriveAliasID(nextLayerDigest [lzflash.DigestSize]byte, devID *lzcrypto.Keypair) (*lzcrypto.Keypair, error) {
	pem, err := lzcrypto.PrivToPEM(devID)
	if err != nil {
		return nil, fmt.Errorf("cannot encode DeviceID private key: %w", err)
	}
	var slot [lzflash.PrivKeyPEMSize]byte
	if len(pem) > len(slot) {
		return nil, fmt.Errorf("DeviceID private key PEM exceeds slot size")
	}
	copy(slot[:], pem)
	zeroize(pem)

	seed := lzcrypto.Sha256Concat(nextLayerDigest[:], slot[:])
	zeroize(slot[:])

	kp, err := lzcrypto.DeriveKeypair(seed[:])
	zeroize(seed[:])
	if err != nil {
		return nil, fmt.Errorf("cannot derive AliasID keypair: %w", err)
	}
	return kp, nil
}

// zeroize clears key material from a buffer on exit paths.
func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
