// This file is part of lzcore
// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package lzcore

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/canonical/lzcore/lzcrypto"
	"github.com/canonical/lzcore/lzflash"
)

// Certificate subject constants shared with the hub.
const (
	certOrg     = "Lazarus"
	certCountry = "DE"
	deviceIDCN  = "DeviceID"
	aliasIDCN   = "AliasID"
)

// aliasCertValidity bounds the AliasID certificate lifetime, anchored at
// the next stage's issue time since the Core has no wall clock.
const aliasCertValidity = 10 * 365 * 24 * time.Hour

// ImgCertStoreInfo is the fixed part of the certificate bundle handed to
// the next stage.
type ImgCertStoreInfo struct {
	DevPubKey        [lzflash.PubKeyPEMSize]byte
	ManagementPubKey [lzflash.PubKeyPEMSize]byte
	CertTable        [3]lzflash.CertSlot
	Cursor           uint32
	Magic            uint32
}

// ImgCertStore is the RAM certificate bundle for the next stage: the hub
// certificate, the DeviceID certificate and a freshly minted AliasID
// certificate as NUL-terminated PEM blobs.
type ImgCertStore struct {
	Info    ImgCertStoreInfo
	CertBag [lzflash.CertBagSize]byte
}

// ImgCertStoreSize is the binary size of the RAM certificate bundle.
var ImgCertStoreSize = binary.Size(ImgCertStore{})

// appendCert places blob into the certBag at the cursor, records the
// slot, and NUL-terminates it.
func (cs *ImgCertStore) appendCert(index int, blob []byte) error {
	if int(cs.Info.Cursor)+len(blob)+1 > len(cs.CertBag) {
		return fmt.Errorf("%w: slot %d", ErrCertStoreOverflow, index)
	}
	copy(cs.CertBag[cs.Info.Cursor:], blob)
	cs.Info.CertTable[index] = lzflash.CertSlot{Start: cs.Info.Cursor, Size: uint32(len(blob))}
	cs.Info.Cursor += uint32(len(blob))
	cs.CertBag[cs.Info.Cursor] = 0
	cs.Info.Cursor++
	return nil
}

// Cert returns the PEM blob recorded at the given table index.
func (cs *ImgCertStore) Cert(index int) []byte {
	slot := cs.Info.CertTable[index]
	if slot.Size == 0 || int(slot.Start)+int(slot.Size) > len(cs.CertBag) {
		return nil
	}
	return cs.CertBag[slot.Start : slot.Start+slot.Size]
}

// keySerial derives a deterministic serial number string from a public
// key PEM.
func keySerial(pubPEM []byte) string {
	digest := lzcrypto.Sha256(pubPEM)
	return hex.EncodeToString(digest[:8])
}

// createDeviceIDCSR stores the freshly derived DeviceID public key and a
// matching certificate signing request in the trust anchors. The CSR is
// signed by the hub during provisioning or through the update protocol.
func (c *Core) createDeviceIDCSR(firstBoot bool, devID *lzcrypto.Keypair) error {
	logger.Info().Msg("generating new DeviceID certificate signing request")

	ta := &lzflash.TrustAnchors{}
	if firstBoot {
		// Leave erased flash in the certBag so later appends can avoid
		// a full page erase.
		for i := range ta.CertBag {
			ta.CertBag[i] = lzflash.ErasedByte
		}
	} else {
		stored, err := c.store.ReadTrustAnchors()
		if err != nil {
			return err
		}
		*ta = *stored
	}

	pubPEM, err := lzcrypto.PubToPEM(devID.Public())
	if err != nil {
		return err
	}
	if len(pubPEM) > len(ta.Info.DevPubKey) {
		return fmt.Errorf("DeviceID public key PEM exceeds slot size")
	}
	ta.Info.DevPubKey = [lzflash.PubKeyPEMSize]byte{}
	copy(ta.Info.DevPubKey[:], pubPEM)

	tmpl := x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:   deviceIDCN,
			Organization: []string{certOrg},
			Country:      []string{certCountry},
			SerialNumber: keySerial(pubPEM),
		},
	}
	der, err := x509.CreateCertificateRequest(c.rng, &tmpl, devID.Private)
	if err != nil {
		return fmt.Errorf("cannot create DeviceID CSR: %w", err)
	}
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})

	if firstBoot {
		ta.Info.Cursor = 0
	} else {
		if ta.Info.Cursor == 0 {
			return fmt.Errorf("trust anchors cursor is zero, previous DeviceID CSR was not stored")
		}
		if c.provisioningComplete() {
			// Overwrite the DeviceID slot in place.
			ta.Info.Cursor = ta.Info.CertTable[lzflash.CertDeviceID].Start
		} else {
			ta.Info.Cursor = 0
		}
	}

	if int(ta.Info.Cursor)+len(csrPEM)+1 > len(ta.CertBag) {
		return fmt.Errorf("%w: DeviceID CSR does not fit", ErrCertStoreOverflow)
	}
	copy(ta.CertBag[ta.Info.Cursor:], csrPEM)
	ta.Info.CertTable[lzflash.CertDeviceID] = lzflash.CertSlot{
		Start: ta.Info.Cursor,
		Size:  uint32(len(csrPEM)),
	}
	ta.Info.Cursor += uint32(len(csrPEM))
	ta.CertBag[ta.Info.Cursor] = 0
	ta.Info.Cursor++

	if err := c.store.WriteTrustAnchors(ta); err != nil {
		return err
	}
	logger.Info().Msg("DeviceID CSR written to trust anchors")
	return nil
}

// createCertStore composes the next stage's certificate bundle and
// writes it to its RAM block: DeviceID public key, management key, hub
// certificate, DeviceID certificate, and a freshly minted AliasID
// certificate issued by the DeviceID key over the next stage's
// measurement-bound AliasID.
func (c *Core) createCertStore(mode BootMode, alias, devID *lzcrypto.Keypair) error {
	stage, err := mode.stage()
	if err != nil {
		return err
	}
	hdr, err := c.store.ReadImageHeader(stage)
	if err != nil {
		return err
	}
	ta, err := c.store.ReadTrustAnchors()
	if err != nil {
		return err
	}

	cs := &ImgCertStore{}

	devPubPEM, err := lzcrypto.PubToPEM(devID.Public())
	if err != nil {
		return err
	}
	copy(cs.Info.DevPubKey[:], devPubPEM)
	cs.Info.ManagementPubKey = ta.Info.ManagementPubKey

	// Hub certificate, if the hub installed one.
	hub := ta.Info.CertTable[lzflash.CertHub]
	if hub.Size != 0 {
		if int(hub.Start)+int(hub.Size) > len(ta.CertBag) {
			return fmt.Errorf("%w: hub certificate slot out of range", ErrCertStoreOverflow)
		}
		if err := cs.appendCert(lzflash.CertHub, ta.CertBag[hub.Start:hub.Start+hub.Size]); err != nil {
			return err
		}
	}

	// DeviceID certificate (or CSR before provisioning signed it).
	dev := ta.Info.CertTable[lzflash.CertDeviceID]
	if int(dev.Start)+int(dev.Size) > len(ta.CertBag) {
		return fmt.Errorf("%w: DeviceID certificate slot out of range", ErrCertStoreOverflow)
	}
	if err := cs.appendCert(lzflash.CertDeviceID, ta.CertBag[dev.Start:dev.Start+dev.Size]); err != nil {
		return err
	}

	aliasPEM, err := c.mintAliasCert(hdr, alias, devID, ta)
	if err != nil {
		return err
	}
	if err := cs.appendCert(lzflash.CertAliasID, aliasPEM); err != nil {
		return err
	}

	cs.Info.Magic = lzflash.Magic

	blob, err := lzflash.Encode(cs)
	if err != nil {
		return err
	}
	if len(blob) > len(c.certRAM) {
		return fmt.Errorf("%w: cert store RAM block too small", ErrCertStoreOverflow)
	}
	copy(c.certRAM, blob)
	return nil
}

// mintAliasCert issues the boot-scoped AliasID certificate: issuer
// DeviceID, subject AliasID, serial derived from the AliasID public key,
// validity anchored at the next stage's issue time.
func (c *Core) mintAliasCert(hdr *lzflash.ImageHeader, alias, devID *lzcrypto.Keypair, ta *lzflash.TrustAnchors) ([]byte, error) {
	aliasPubPEM, err := lzcrypto.PubToPEM(alias.Public())
	if err != nil {
		return nil, err
	}
	serialDigest := lzcrypto.Sha256(aliasPubPEM)
	serial := new(big.Int).SetBytes(serialDigest[:20])

	notBefore := time.Unix(int64(hdr.Content.IssueTime), 0).UTC()
	tmpl := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   aliasIDCN,
			Organization: []string{certOrg},
			Country:      []string{certCountry},
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(aliasCertValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}

	parent := c.deviceIDParent(ta)
	der, err := x509.CreateCertificate(c.rng, &tmpl, parent, alias.Public(), devID.Private)
	if err != nil {
		return nil, fmt.Errorf("cannot mint AliasID certificate: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

// deviceIDParent returns the issuer certificate for the AliasID cert:
// the hub-issued DeviceID certificate when present, otherwise a
// synthesized template carrying the DeviceID subject.
func (c *Core) deviceIDParent(ta *lzflash.TrustAnchors) *x509.Certificate {
	slot := ta.Info.CertTable[lzflash.CertDeviceID]
	if slot.Size != 0 && int(slot.Start)+int(slot.Size) <= len(ta.CertBag) {
		if block, _ := pem.Decode(ta.CertBag[slot.Start : slot.Start+slot.Size]); block != nil && block.Type == "CERTIFICATE" {
			if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
				return cert
			}
		}
	}

	return &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   deviceIDCN,
			Organization: []string{certOrg},
			Country:      []string{certCountry},
		},
	}
}
