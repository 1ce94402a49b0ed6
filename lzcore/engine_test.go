// This file is part of lzcore
// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package lzcore

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"

	"gopkg.in/check.v1"

	"github.com/canonical/lzcore/lzcrypto"
	"github.com/canonical/lzcore/lzflash"
)

func (s *coreSuite) TestFirstBootHappyPath(c *check.C) {
	s.setBootParams(c, true)

	_, err := s.newCore(c).Run()
	c.Assert(err, check.Equals, ErrAwaitingProvisioning)

	// static_symm and dev_uuid persisted for the hub to pick up.
	cfg, err := s.store.ReadConfigData()
	c.Assert(err, check.IsNil)
	c.Check(cfg.StaticSymmInfo.Magic, check.Equals, lzflash.Magic)
	c.Check(cfg.StaticSymmInfo.StaticSymm, check.Equals, s.static)
	c.Check(cfg.StaticSymmInfo.DevUUID, check.Equals, s.devUUID)

	// A DeviceID CSR over the freshly derived key is in the trust
	// anchors.
	ta, err := s.store.ReadTrustAnchors()
	c.Assert(err, check.IsNil)
	slot := ta.Info.CertTable[lzflash.CertDeviceID]
	c.Assert(slot.Size, check.Not(check.Equals), uint32(0))

	block, _ := pem.Decode(ta.CertBag[slot.Start : slot.Start+slot.Size])
	c.Assert(block, check.NotNil)
	c.Check(block.Type, check.Equals, "CERTIFICATE REQUEST")
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	c.Assert(err, check.IsNil)
	c.Check(csr.Subject.CommonName, check.Equals, "DeviceID")
	c.Check(csr.CheckSignature(), check.IsNil)

	devID, err := DeriveDeviceID(s.cdiPrime[:])
	c.Assert(err, check.IsNil)
	defer devID.Zeroize()
	stored, err := lzcrypto.PEMToPub(ta.Info.DevPubKey[:])
	c.Assert(err, check.IsNil)
	c.Check(lzcrypto.ComparePublic(stored, devID.Public()), check.Equals, true)

	// Staging was erased.
	area, err := s.store.ReadStagingArea()
	c.Assert(err, check.IsNil)
	c.Check(CountElements(area), check.Equals, 0)

	// The watchdog is only armed on a completed boot pass.
	c.Check(s.awdt.armed, check.Equals, false)
}

func (s *coreSuite) TestNormalAppBoot(c *check.C) {
	s.provision(c)
	appCode := []byte("application code bytes")
	s.writeImage(c, lzflash.StageApp, 0x00010000, 1000, appCode)
	s.stageRecords(c, s.ticket(c, lzflash.BootTicket, []byte("boot"), s.curNonce))
	s.setBootParams(c, false)

	mode, err := s.newCore(c).Run()
	c.Assert(err, check.IsNil)
	c.Check(mode, check.Equals, ModeApp)
	c.Check(s.awdt.armed, check.Equals, true)
	c.Check(s.awdt.timeout, check.Equals, DefaultWatchdogTimeout)

	// Need to know: the App gets the alias keys, dev_uuid and the next
	// nonce, and none of the re-association material.
	p := s.imgParams(c)
	c.Check(p.Magic, check.Equals, lzflash.Magic)
	c.Check(p.DevUUID, check.Equals, s.devUUID)
	c.Check(p.NextNonce, check.Equals, s.nextNonce)
	c.Check(p.CurNonce, check.Equals, [lzflash.NonceSize]byte{})
	c.Check(p.DevAuth, check.Equals, [lzflash.DigestSize]byte{})
	c.Check(p.DevReassociationNecessary, check.Equals, uint32(0))
	c.Check(p.FirmwareUpdateNecessary, check.Equals, uint32(0))
	c.Check(p.NwInfo.Magic, check.Not(check.Equals), lzflash.Magic)

	// The AliasID is bound to the measurement of the app image and the
	// DeviceID.
	devID, err := DeriveDeviceID(s.cdiPrime[:])
	c.Assert(err, check.IsNil)
	defer devID.Zeroize()
	wantAlias, err := DeriveAliasID(lzcrypto.Sha256(appCode), devID)
	c.Assert(err, check.IsNil)
	defer wantAlias.Zeroize()

	gotPub, err := lzcrypto.PEMToPub(p.AliasPubPEM[:])
	c.Assert(err, check.IsNil)
	c.Check(lzcrypto.ComparePublic(gotPub, wantAlias.Public()), check.Equals, true)
	gotPriv, err := lzcrypto.PEMToPriv(p.AliasPrivPEM[:])
	c.Assert(err, check.IsNil)
	c.Check(gotPriv.Private.D.Cmp(wantAlias.Private.D), check.Equals, 0)

	// The cert store carries hub, DeviceID and a minted AliasID cert.
	cs := s.certStore(c)
	c.Check(cs.Info.Magic, check.Equals, lzflash.Magic)
	c.Check(cs.Cert(lzflash.CertHub), check.NotNil)
	c.Check(cs.Cert(lzflash.CertDeviceID), check.NotNil)

	aliasPEM := cs.Cert(lzflash.CertAliasID)
	c.Assert(aliasPEM, check.NotNil)
	block, _ := pem.Decode(aliasPEM)
	c.Assert(block, check.NotNil)
	cert, err := x509.ParseCertificate(block.Bytes)
	c.Assert(err, check.IsNil)
	c.Check(cert.Subject.CommonName, check.Equals, "AliasID")
	c.Check(cert.Issuer.CommonName, check.Equals, "DeviceID")

	certPub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	c.Assert(ok, check.Equals, true)
	c.Check(lzcrypto.ComparePublic(certPub, wantAlias.Public()), check.Equals, true)
}

func (s *coreSuite) TestPendingCoreUpdate(c *check.C) {
	s.provision(c)
	s.writeImage(c, lzflash.StageApp, 0x00010000, 1000, []byte("application code"))
	update := s.signedImage(c, "core", 0x00020000, 2000, []byte("new core code"))
	s.stageRecords(c, s.ticket(c, lzflash.CoreUpdate, update, s.curNonce))
	s.setBootParams(c, false)

	mode, err := s.newCore(c).Run()
	c.Assert(err, check.IsNil)
	c.Check(mode, check.Equals, ModePatcher)

	// The patcher gets the current nonce and dev_auth, but not the next
	// nonce.
	p := s.imgParams(c)
	c.Check(p.CurNonce, check.Equals, s.curNonce)
	c.Check(p.NextNonce, check.Equals, [lzflash.NonceSize]byte{})
	c.Check(p.DevAuth, check.Not(check.Equals), [lzflash.DigestSize]byte{})
}

func (s *coreSuite) TestCorruptedAppImage(c *check.C) {
	s.provision(c)
	s.writeImage(c, lzflash.StageApp, 0x00010000, 1000, []byte("application code"))

	// Flip one code byte behind the signed header.
	off, err := s.layout.ImageCodeOff(lzflash.StageApp)
	c.Assert(err, check.IsNil)
	_, err = s.dev.WriteAt([]byte{0xff}, off)
	c.Assert(err, check.IsNil)

	s.stageRecords(c, s.ticket(c, lzflash.BootTicket, []byte("boot"), s.curNonce))
	s.setBootParams(c, false)

	mode, err := s.newCore(c).Run()
	c.Assert(err, check.IsNil)
	c.Check(mode, check.Equals, ModeDownloader)

	p := s.imgParams(c)
	c.Check(p.FirmwareUpdateNecessary, check.Equals, uint32(1))
	c.Check(p.CurNonce, check.Equals, s.curNonce)

	// dev_auth = HMAC(core_auth, pem(dev_pub) ‖ dev_uuid).
	devID, err := DeriveDeviceID(s.cdiPrime[:])
	c.Assert(err, check.IsNil)
	defer devID.Zeroize()
	pubPEM, err := lzcrypto.PubToPEM(devID.Public())
	c.Assert(err, check.IsNil)
	msg := make([]byte, lzflash.PubKeyPEMSize+lzflash.UUIDSize)
	copy(msg, pubPEM)
	copy(msg[lzflash.PubKeyPEMSize:], s.devUUID[:])
	c.Check(p.DevAuth, check.Equals, lzcrypto.HmacSha256(s.coreAuth[:], msg))
}

func (s *coreSuite) TestRollbackRejected(c *check.C) {
	s.provision(c)

	// Stored metadata says 2.0 was already deployed.
	cfg, err := s.store.ReadConfigData()
	c.Assert(err, check.IsNil)
	cfg.ImgInfo.App = lzflash.ImageMeta{LastVersion: 0x00020000, LastIssueTime: 1000, Magic: lzflash.Magic}
	c.Assert(s.store.WriteConfigData(cfg), check.IsNil)

	s.writeImage(c, lzflash.StageApp, 0x00010000, 1000, []byte("old application"))
	s.stageRecords(c, s.ticket(c, lzflash.BootTicket, []byte("boot"), s.curNonce))
	s.setBootParams(c, false)

	mode, err := s.newCore(c).Run()
	c.Assert(err, check.IsNil)
	c.Check(mode, check.Equals, ModeDownloader)
	c.Check(s.imgParams(c).FirmwareUpdateNecessary, check.Equals, uint32(1))
}

func (s *coreSuite) TestNonceReplayIgnored(c *check.C) {
	s.provision(c)
	s.writeImage(c, lzflash.StageApp, 0x00010000, 1000, []byte("application code"))

	var stale [lzflash.NonceSize]byte
	copy(stale[:], "previous nonce !")
	s.stageRecords(c, s.ticket(c, lzflash.BootTicket, []byte("boot"), stale))
	s.setBootParams(c, false)

	mode, err := s.newCore(c).Run()
	c.Assert(err, check.IsNil)

	// The replayed ticket authorizes nothing; the downloader has to
	// fetch a fresh one. The app itself is fine, so no update flag.
	c.Check(mode, check.Equals, ModeDownloader)
	c.Check(s.imgParams(c).FirmwareUpdateNecessary, check.Equals, uint32(0))
}

func (s *coreSuite) TestAppUpdateApplied(c *check.C) {
	s.provision(c)
	s.writeImage(c, lzflash.StageApp, 0x00010000, 1000, []byte("old application"))

	newCode := []byte("new application code")
	update := s.signedImage(c, "app", 0x00020000, 2000, newCode)
	s.stageRecords(c,
		s.ticket(c, lzflash.AppUpdate, update, s.curNonce),
		s.ticket(c, lzflash.BootTicket, []byte("boot"), s.curNonce))
	s.setBootParams(c, false)

	mode, err := s.newCore(c).Run()
	c.Assert(err, check.IsNil)
	c.Check(mode, check.Equals, ModeApp)

	// The new image is in flash and the rollback window advanced.
	hdr, err := s.store.ReadImageHeader(lzflash.StageApp)
	c.Assert(err, check.IsNil)
	c.Check(hdr.Content.Version, check.Equals, uint32(0x00020000))

	cfg, err := s.store.ReadConfigData()
	c.Assert(err, check.IsNil)
	c.Check(cfg.ImgInfo.App.LastVersion, check.Equals, uint32(0x00020000))
	c.Check(cfg.ImgInfo.App.LastIssueTime, check.Equals, uint32(2000))
}

func (s *coreSuite) TestEmptyStagingBootsDownloader(c *check.C) {
	s.provision(c)

	// Network credentials are present and flow to the downloader.
	cfg, err := s.store.ReadConfigData()
	c.Assert(err, check.IsNil)
	cfg.NwInfo.Magic = lzflash.Magic
	copy(cfg.NwInfo.Data[:], "ssid and psk")
	c.Assert(s.store.WriteConfigData(cfg), check.IsNil)

	s.setBootParams(c, false)

	mode, err := s.newCore(c).Run()
	c.Assert(err, check.IsNil)
	c.Check(mode, check.Equals, ModeDownloader)

	p := s.imgParams(c)
	c.Check(p.NwInfo.Magic, check.Equals, lzflash.Magic)
	c.Check(bytes.HasPrefix(p.NwInfo.Data[:], []byte("ssid and psk")), check.Equals, true)
	c.Check(p.NextNonce, check.Equals, s.nextNonce)
	c.Check(p.CurNonce, check.Equals, s.curNonce)
}

func (s *coreSuite) TestDeferralTicketHonored(c *check.C) {
	s.provision(c)

	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, 1234)
	s.stageRecords(c, s.ticket(c, lzflash.DeferralTicket, payload, s.curNonce))
	s.setBootParams(c, false)

	mode, err := s.newCore(c).Run()
	c.Assert(err, check.IsNil)
	c.Check(mode, check.Equals, ModeDownloader)
	c.Check(s.awdt.timeout, check.Equals, uint32(1234))
}

func (s *coreSuite) TestStaticSymmWipedOnSubsequentBoot(c *check.C) {
	s.provision(c)

	cfg, err := s.store.ReadConfigData()
	c.Assert(err, check.IsNil)
	copy(cfg.StaticSymmInfo.StaticSymm[:], "leftover secret from first boot")
	c.Assert(s.store.WriteConfigData(cfg), check.IsNil)

	s.setBootParams(c, false)
	_, err = s.newCore(c).Run()
	c.Assert(err, check.IsNil)

	cfg, err = s.store.ReadConfigData()
	c.Assert(err, check.IsNil)
	c.Check(cfg.StaticSymmInfo.StaticSymm, check.Equals, [lzflash.SymmKeySize]byte{})
}

func (s *coreSuite) TestCoreUpdateCreatesNewCSR(c *check.C) {
	s.provision(c)

	// Store a different DeviceID public key, as left behind by the
	// previous Core version.
	other, err := lzcrypto.DeriveKeypair([]byte("previous core cdi"))
	c.Assert(err, check.IsNil)
	otherPEM, err := lzcrypto.PubToPEM(other.Public())
	c.Assert(err, check.IsNil)

	ta, err := s.store.ReadTrustAnchors()
	c.Assert(err, check.IsNil)
	ta.Info.DevPubKey = [lzflash.PubKeyPEMSize]byte{}
	copy(ta.Info.DevPubKey[:], otherPEM)
	c.Assert(s.store.WriteTrustAnchors(ta), check.IsNil)

	s.setBootParams(c, false)
	mode, err := s.newCore(c).Run()
	c.Assert(err, check.IsNil)
	c.Check(mode, check.Equals, ModeDownloader)

	// The handoff tells the downloader to run the re-association
	// protocol.
	c.Check(s.imgParams(c).DevReassociationNecessary, check.Equals, uint32(1))

	// The stored key was replaced with the freshly derived one.
	ta, err = s.store.ReadTrustAnchors()
	c.Assert(err, check.IsNil)
	devID, err := DeriveDeviceID(s.cdiPrime[:])
	c.Assert(err, check.IsNil)
	defer devID.Zeroize()
	stored, err := lzcrypto.PEMToPub(ta.Info.DevPubKey[:])
	c.Assert(err, check.IsNil)
	c.Check(lzcrypto.ComparePublic(stored, devID.Public()), check.Equals, true)

	slot := ta.Info.CertTable[lzflash.CertDeviceID]
	block, _ := pem.Decode(ta.CertBag[slot.Start : slot.Start+slot.Size])
	c.Assert(block, check.NotNil)
	c.Check(block.Type, check.Equals, "CERTIFICATE REQUEST")
}

func (s *coreSuite) TestConfigUpdateApplied(c *check.C) {
	s.provision(c)

	nw := lzflash.NwInfo{Magic: lzflash.Magic}
	copy(nw.Data[:], "fresh credentials")
	payload, err := lzflash.Encode(&nw)
	c.Assert(err, check.IsNil)
	s.stageRecords(c, s.ticket(c, lzflash.ConfigUpdate, payload, s.curNonce))
	s.setBootParams(c, false)

	mode, err := s.newCore(c).Run()
	c.Assert(err, check.IsNil)
	c.Check(mode, check.Equals, ModeDownloader)

	cfg, err := s.store.ReadConfigData()
	c.Assert(err, check.IsNil)
	c.Check(cfg.NwInfo.Magic, check.Equals, lzflash.Magic)
	c.Check(bytes.HasPrefix(cfg.NwInfo.Data[:], []byte("fresh credentials")), check.Equals, true)
}

func (s *coreSuite) TestTamperedUpdateNotApplied(c *check.C) {
	s.provision(c)
	s.writeImage(c, lzflash.StageApp, 0x00010000, 1000, []byte("old application"))

	update := s.signedImage(c, "app", 0x00020000, 2000, []byte("new application code"))
	rec := s.ticket(c, lzflash.AppUpdate, update, s.curNonce)
	// Corrupt the payload after signing.
	rec[len(rec)-1] ^= 0xff
	s.stageRecords(c, rec,
		s.ticket(c, lzflash.BootTicket, []byte("boot"), s.curNonce))
	s.setBootParams(c, false)

	mode, err := s.newCore(c).Run()
	c.Assert(err, check.IsNil)
	c.Check(mode, check.Equals, ModeApp)

	hdr, err := s.store.ReadImageHeader(lzflash.StageApp)
	c.Assert(err, check.IsNil)
	c.Check(hdr.Content.Version, check.Equals, uint32(0x00010000))
}
