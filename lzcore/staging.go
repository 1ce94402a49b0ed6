// This file is part of lzcore
// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package lzcore

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"

	"github.com/canonical/lzcore/lzcrypto"
	"github.com/canonical/lzcore/lzflash"
)

// CountElements walks the staging area from the start, stepping by
// header size plus payload size, and returns the number of valid-looking
// records. Iteration terminates at the region end or at the first header
// without the magic value. Signatures are not checked here.
func CountElements(area []byte) int {
	hdrSize := lzflash.AuthHeaderSize
	cursor := 0
	count := 0

	for cursor+hdrSize <= len(area) {
		var hdr lzflash.AuthHeader
		if err := lzflash.Decode(area[cursor:cursor+hdrSize], &hdr); err != nil {
			break
		}
		if hdr.Content.Magic != lzflash.Magic {
			break
		}
		count++
		cursor += hdrSize + int(hdr.Content.PayloadSize)
	}

	logger.Info().Int("elements", count).Msg("staging area scanned")
	return count
}

// FindHeader walks the staging area like CountElements and returns the
// first record whose type matches and whose nonce equals nonce, along
// with its payload. Returns ErrNotFound when no such record exists.
func FindHeader(area []byte, t lzflash.TicketType, nonce [lzflash.NonceSize]byte) (*lzflash.AuthHeader, []byte, error) {
	hdrSize := lzflash.AuthHeaderSize
	cursor := 0

	for cursor+hdrSize <= len(area) {
		var hdr lzflash.AuthHeader
		if err := lzflash.Decode(area[cursor:cursor+hdrSize], &hdr); err != nil {
			break
		}
		if hdr.Content.Magic != lzflash.Magic {
			break
		}

		end := cursor + hdrSize + int(hdr.Content.PayloadSize)
		if end > len(area) {
			break
		}
		if hdr.Content.Type == t && bytes.Equal(hdr.Content.Nonce[:], nonce[:]) {
			return &hdr, area[cursor+hdrSize : end], nil
		}
		cursor = end
	}

	return nil, nil, fmt.Errorf("%w: no %v record for current nonce", ErrNotFound, t)
}

// VerifyHeader checks a staging record against the management trust
// anchor. The checks run in a fixed order: magic, payload size, payload
// digest, nonce, signature over the header content. Any failure rejects
// the record.
func VerifyHeader(hdr *lzflash.AuthHeader, payload []byte, nonce [lzflash.NonceSize]byte, management *ecdsa.PublicKey) error {
	if hdr.Content.Magic != lzflash.Magic {
		return fmt.Errorf("%w: header corrupted", ErrStagingInvalid)
	}
	if hdr.Content.PayloadSize == 0 {
		return fmt.Errorf("%w: zero payload size", ErrStagingInvalid)
	}
	if int(hdr.Content.PayloadSize) != len(payload) {
		return fmt.Errorf("%w: payload size mismatch", ErrStagingInvalid)
	}

	digest := lzcrypto.Sha256(payload)
	if !bytes.Equal(digest[:], hdr.Content.Digest[:]) {
		return fmt.Errorf("%w: payload digest mismatch", ErrStagingInvalid)
	}

	if !bytes.Equal(hdr.Content.Nonce[:], nonce[:]) {
		return fmt.Errorf("%w: stale nonce", ErrStagingInvalid)
	}

	content, err := lzflash.Encode(&hdr.Content)
	if err != nil {
		return err
	}
	if err := lzcrypto.Verify(management, content, hdr.Signature.Bytes()); err != nil {
		return fmt.Errorf("%w: signature: %v", ErrStagingInvalid, err)
	}

	logger.Info().Stringer("type", hdr.Content.Type).Msg("staging record verified")
	return nil
}

// hasValidStagingElement looks up a record of the given type for the
// current nonce and fully verifies it.
func (c *Core) hasValidStagingElement(area []byte, t lzflash.TicketType) error {
	hdr, payload, err := FindHeader(area, t, c.params.CurNonce)
	if err != nil {
		return err
	}
	return VerifyHeader(hdr, payload, c.params.CurNonce, c.managementKey)
}

// stagingElemContent returns the payload of a fully verified record of
// the given type.
func (c *Core) stagingElemContent(area []byte, t lzflash.TicketType) ([]byte, error) {
	hdr, payload, err := FindHeader(area, t, c.params.CurNonce)
	if err != nil {
		return nil, err
	}
	if err := VerifyHeader(hdr, payload, c.params.CurNonce, c.managementKey); err != nil {
		return nil, err
	}
	return payload, nil
}

// deferralTime returns the watchdog deferral time from a verified
// deferral ticket, or the default with a warning when none is present.
func (c *Core) deferralTime(area []byte) uint32 {
	payload, err := c.stagingElemContent(area, lzflash.DeferralTicket)
	if err != nil || len(payload) < 4 {
		logger.Warn().Uint32("default_s", DefaultWatchdogTimeout).
			Msg("no valid deferral ticket, using default deferral time")
		return DefaultWatchdogTimeout
	}
	return binary.LittleEndian.Uint32(payload)
}
