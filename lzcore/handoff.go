// This file is part of lzcore
// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package lzcore

import (
	"fmt"

	"github.com/canonical/lzcore/lzcrypto"
	"github.com/canonical/lzcore/lzflash"
)

// deriveDevAuth computes dev_auth = HMAC-SHA256(core_auth,
// pem(device_id_pub) ‖ dev_uuid) with the public key PEM padded to its
// fixed slot size. Only stages allowed to talk to the hub about this
// Core receive it.
func (c *Core) deriveDevAuth(devID *lzcrypto.Keypair) ([lzflash.DigestSize]byte, error) {
	var out [lzflash.DigestSize]byte

	pubPEM, err := lzcrypto.PubToPEM(devID.Public())
	if err != nil {
		return out, err
	}
	if len(pubPEM) > lzflash.PubKeyPEMSize {
		return out, fmt.Errorf("DeviceID public key PEM exceeds slot size")
	}

	msg := make([]byte, lzflash.PubKeyPEMSize+lzflash.UUIDSize)
	copy(msg, pubPEM)
	copy(msg[lzflash.PubKeyPEMSize:], c.params.DevUUID[:])

	out = lzcrypto.HmacSha256(c.params.CoreAuth[:], msg)
	return out, nil
}

// buildImgBootParams assembles the next stage's parameter block in a
// local value under the need-to-know policy. The shared RAM region still
// holds the Core's own inputs at this point and is not touched.
func (c *Core) buildImgBootParams(mode BootMode, coreUpdated, firmwareUpdateNecessary bool, alias, devID *lzcrypto.Keypair) (*ImgBootParams, error) {
	p := &ImgBootParams{}

	aliasPub, err := lzcrypto.PubToPEM(alias.Public())
	if err != nil {
		return nil, err
	}
	aliasPriv, err := lzcrypto.PrivToPEM(alias)
	if err != nil {
		return nil, err
	}
	if len(aliasPub) > len(p.AliasPubPEM) || len(aliasPriv) > len(p.AliasPrivPEM) {
		return nil, fmt.Errorf("AliasID key PEM exceeds slot size")
	}
	copy(p.AliasPubPEM[:], aliasPub)
	copy(p.AliasPrivPEM[:], aliasPriv)
	zeroize(aliasPriv)

	// App and Update Downloader get the next nonce for requesting new
	// boot and deferral tickets; the Core Patcher does not need it.
	if mode == ModeApp || mode == ModeDownloader {
		p.DevUUID = c.params.DevUUID
		p.NextNonce = c.params.NextNonce
	}

	// The App must not be able to request a Core re-association, so it
	// gets neither the current nonce nor dev_auth.
	if mode == ModeDownloader || mode == ModePatcher {
		p.DevUUID = c.params.DevUUID
		p.CurNonce = c.params.CurNonce

		devAuth, err := c.deriveDevAuth(devID)
		if err != nil {
			return nil, err
		}
		p.DevAuth = devAuth

		if coreUpdated {
			p.DevReassociationNecessary = 1
		}
		if firmwareUpdateNecessary {
			p.FirmwareUpdateNecessary = 1
		}
	}

	// The Update Downloader gets the stored network credentials when
	// present.
	if mode == ModeDownloader {
		cfg, err := c.store.ReadConfigData()
		if err != nil {
			return nil, err
		}
		if cfg.NwInfo.Magic == lzflash.Magic {
			p.NwInfo = cfg.NwInfo
		}
	}

	p.Magic = lzflash.Magic
	return p, nil
}

// handoff atomically replaces the Core's own boot parameters in the
// shared RAM region with the next stage's block. The Core must not read
// its inputs after this returns.
func (c *Core) handoff(p *ImgBootParams) error {
	blob, err := lzflash.Encode(p)
	if err != nil {
		return err
	}
	if len(blob) > len(c.paramRAM) {
		return fmt.Errorf("parameter RAM block too small for handoff")
	}

	zeroize(c.paramRAM)
	copy(c.paramRAM, blob)
	return nil
}
