// This file is part of lzcore
// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package lzcore

import (
	"crypto/rand"
	"errors"

	"gopkg.in/check.v1"

	"github.com/canonical/lzcore/lzcrypto"
	"github.com/canonical/lzcore/lzflash"
)

func (s *coreSuite) decodeTicket(c *check.C, rec []byte) (*lzflash.AuthHeader, []byte) {
	var hdr lzflash.AuthHeader
	c.Assert(lzflash.Decode(rec[:lzflash.AuthHeaderSize], &hdr), check.IsNil)
	return &hdr, rec[lzflash.AuthHeaderSize:]
}

func (s *coreSuite) TestCountElementsErased(c *check.C) {
	area := make([]byte, 4096)
	for i := range area {
		area[i] = lzflash.ErasedByte
	}
	c.Check(CountElements(area), check.Equals, 0)
}

func (s *coreSuite) TestCountElementsGarbage(c *check.C) {
	// Arbitrary bytes with no valid magic anywhere.
	area := make([]byte, 4096)
	for i := range area {
		area[i] = byte(i * 7)
	}
	c.Check(CountElements(area), check.Equals, 0)
}

func (s *coreSuite) TestCountElementsWalksRecords(c *check.C) {
	a := s.ticket(c, lzflash.BootTicket, []byte("boot"), s.curNonce)
	b := s.ticket(c, lzflash.DeferralTicket, []byte{1, 2, 3, 4}, s.curNonce)

	area := make([]byte, 4096)
	for i := range area {
		area[i] = lzflash.ErasedByte
	}
	copy(area, append(append([]byte{}, a...), b...))

	c.Check(CountElements(area), check.Equals, 2)
}

func (s *coreSuite) TestCountElementsEmptyArea(c *check.C) {
	c.Check(CountElements(nil), check.Equals, 0)
}

func (s *coreSuite) TestFindHeaderSkipsOtherTypes(c *check.C) {
	a := s.ticket(c, lzflash.DeferralTicket, []byte{1, 2, 3, 4}, s.curNonce)
	b := s.ticket(c, lzflash.BootTicket, []byte("boot"), s.curNonce)
	area := append(append([]byte{}, a...), b...)

	hdr, payload, err := FindHeader(area, lzflash.BootTicket, s.curNonce)
	c.Assert(err, check.IsNil)
	c.Check(hdr.Content.Type, check.Equals, lzflash.BootTicket)
	c.Check(string(payload), check.Equals, "boot")
}

func (s *coreSuite) TestFindHeaderWrongNonce(c *check.C) {
	area := s.ticket(c, lzflash.BootTicket, []byte("boot"), s.curNonce)

	var other [lzflash.NonceSize]byte
	copy(other[:], "some other nonce")
	_, _, err := FindHeader(area, lzflash.BootTicket, other)
	c.Check(errors.Is(err, ErrNotFound), check.Equals, true)
}

func (s *coreSuite) TestFindHeaderTruncatedPayload(c *check.C) {
	rec := s.ticket(c, lzflash.BootTicket, []byte("boot"), s.curNonce)
	// Cut the record short of its declared payload size.
	_, _, err := FindHeader(rec[:len(rec)-2], lzflash.BootTicket, s.curNonce)
	c.Check(errors.Is(err, ErrNotFound), check.Equals, true)
}

func (s *coreSuite) TestVerifyHeaderAccepts(c *check.C) {
	hdr, payload := s.decodeTicket(c, s.ticket(c, lzflash.BootTicket, []byte("boot"), s.curNonce))
	c.Check(VerifyHeader(hdr, payload, s.curNonce, s.mgmt.Public()), check.IsNil)
}

func (s *coreSuite) TestVerifyHeaderRejectsBadMagic(c *check.C) {
	hdr, payload := s.decodeTicket(c, s.ticket(c, lzflash.BootTicket, []byte("boot"), s.curNonce))
	hdr.Content.Magic = 0xdeadbeef

	err := VerifyHeader(hdr, payload, s.curNonce, s.mgmt.Public())
	c.Check(errors.Is(err, ErrStagingInvalid), check.Equals, true)
}

func (s *coreSuite) TestVerifyHeaderRejectsZeroPayload(c *check.C) {
	hdr, payload := s.decodeTicket(c, s.ticket(c, lzflash.BootTicket, []byte("boot"), s.curNonce))
	hdr.Content.PayloadSize = 0

	err := VerifyHeader(hdr, payload, s.curNonce, s.mgmt.Public())
	c.Check(errors.Is(err, ErrStagingInvalid), check.Equals, true)
}

func (s *coreSuite) TestVerifyHeaderRejectsWrongDigest(c *check.C) {
	hdr, payload := s.decodeTicket(c, s.ticket(c, lzflash.BootTicket, []byte("boot"), s.curNonce))
	tampered := append([]byte{}, payload...)
	tampered[0] ^= 0xff

	err := VerifyHeader(hdr, tampered, s.curNonce, s.mgmt.Public())
	c.Check(errors.Is(err, ErrStagingInvalid), check.Equals, true)
}

func (s *coreSuite) TestVerifyHeaderRejectsStaleNonce(c *check.C) {
	// Correctly signed, but for a nonce that has already been consumed.
	var stale [lzflash.NonceSize]byte
	copy(stale[:], "previous nonce !")
	hdr, payload := s.decodeTicket(c, s.ticket(c, lzflash.BootTicket, []byte("boot"), stale))

	err := VerifyHeader(hdr, payload, s.curNonce, s.mgmt.Public())
	c.Check(errors.Is(err, ErrStagingInvalid), check.Equals, true)
}

func (s *coreSuite) TestVerifyHeaderRejectsWrongSigner(c *check.C) {
	rec := s.ticket(c, lzflash.BootTicket, []byte("boot"), s.curNonce)
	hdr, payload := s.decodeTicket(c, rec)

	// Re-sign the content with a key that is not the management anchor.
	rogue, err := lzcrypto.DeriveKeypair([]byte("rogue key"))
	c.Assert(err, check.IsNil)
	content, err := lzflash.Encode(&hdr.Content)
	c.Assert(err, check.IsNil)
	der, err := lzcrypto.Sign(rand.Reader, rogue, content)
	c.Assert(err, check.IsNil)
	hdr.Signature, err = lzflash.NewSignature(der)
	c.Assert(err, check.IsNil)

	verr := VerifyHeader(hdr, payload, s.curNonce, s.mgmt.Public())
	c.Check(errors.Is(verr, ErrStagingInvalid), check.Equals, true)
}

func (s *coreSuite) TestVerifyHeaderRejectsTamperedContent(c *check.C) {
	hdr, payload := s.decodeTicket(c, s.ticket(c, lzflash.DeferralTicket, []byte{1, 2, 3, 4}, s.curNonce))
	// Change the signed type field after signing.
	hdr.Content.Type = lzflash.BootTicket

	err := VerifyHeader(hdr, payload, s.curNonce, s.mgmt.Public())
	c.Check(errors.Is(err, ErrStagingInvalid), check.Equals, true)
}
