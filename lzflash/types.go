// This file is part of lzcore
// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package lzflash

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Magic marks every initialized persistent structure. A region without it
// is treated as blank or corrupted.
const Magic uint32 = 0x4c5a4d43

// Fixed sizes of the persisted formats. All of these are part of the
// platform contract shared with the hub and the later boot stages.
const (
	DigestSize     = 32
	NonceSize      = 16
	UUIDSize       = 16
	SymmKeySize    = 32
	PubKeyPEMSize  = 256
	PrivKeyPEMSize = 384
	MaxSigSize     = 72
	CertBagSize    = 4096
	NwDataSize     = 128
)

// TicketType identifies a staging area record.
type TicketType uint32

const (
	BootTicket TicketType = iota + 1
	DeferralTicket
	CoreUpdate
	DownloaderUpdate
	PatcherUpdate
	AppUpdate
	DeviceIDReassocRes
	ConfigUpdate
)

func (t TicketType) String() string {
	switch t {
	case BootTicket:
		return "BOOT_TICKET"
	case DeferralTicket:
		return "DEFERRAL_TICKET"
	case CoreUpdate:
		return "LZ_CORE_UPDATE"
	case DownloaderUpdate:
		return "LZ_UDOWNLOADER_UPDATE"
	case PatcherUpdate:
		return "LZ_CPATCHER_UPDATE"
	case AppUpdate:
		return "APP_UPDATE"
	case DeviceIDReassocRes:
		return "DEVICE_ID_REASSOC_RES"
	case ConfigUpdate:
		return "CONFIG_UPDATE"
	}
	return fmt.Sprintf("TICKET(%d)", uint32(t))
}

// IsUpdate reports whether records of this type carry an update payload.
// The Core's update applier consumes all of them except CoreUpdate, whose
// payload is left for the Core Patcher.
func (t TicketType) IsUpdate() bool {
	switch t {
	case CoreUpdate, DownloaderUpdate, PatcherUpdate, AppUpdate, DeviceIDReassocRes, ConfigUpdate:
		return true
	}
	return false
}

// Signature is an ASN.1 DER encoded ECDSA signature in a fixed-size slot.
type Signature struct {
	Len uint32
	Raw [MaxSigSize]byte
}

// NewSignature stores der into a fixed-size slot.
func NewSignature(der []byte) (Signature, error) {
	var s Signature
	if len(der) > MaxSigSize {
		return s, fmt.Errorf("signature too large: %d bytes", len(der))
	}
	s.Len = uint32(len(der))
	copy(s.Raw[:], der)
	return s, nil
}

// Bytes returns the DER signature without slot padding.
func (s *Signature) Bytes() []byte {
	n := s.Len
	if n > MaxSigSize {
		n = MaxSigSize
	}
	return s.Raw[:n]
}

// AuthHeaderContent is the signed portion of a staging record header.
type AuthHeaderContent struct {
	Magic       uint32
	Type        TicketType
	PayloadSize uint32
	Digest      [DigestSize]byte
	Nonce       [NonceSize]byte
	IssueTime   uint32
}

// AuthHeader prefixes every staging record; the payload follows
// immediately after it.
type AuthHeader struct {
	Content   AuthHeaderContent
	Signature Signature
}

// ImageHeaderContent is the signed portion of a stage image header.
type ImageHeaderContent struct {
	Magic     uint32
	Name      [32]byte
	Version   uint32
	IssueTime uint32
	Size      uint32
	HdrSize   uint32
	Digest    [DigestSize]byte
}

// ImageHeader sits at the start of every stage image region; the code
// begins at header address + HdrSize.
type ImageHeader struct {
	Content   ImageHeaderContent
	Signature Signature
}

// ImageMeta is the persisted anti-rollback state of one stage image.
type ImageMeta struct {
	LastVersion   uint32
	LastIssueTime uint32
	Magic         uint32
}

// StaticSymmInfo holds the provisioning secret delivered on the very
// first boot. static_symm is wiped after the hub has read it.
type StaticSymmInfo struct {
	Magic      uint32
	DevUUID    [UUIDSize]byte
	StaticSymm [SymmKeySize]byte
}

// ImgInfo carries the anti-rollback metadata of all mutable stages.
type ImgInfo struct {
	App        ImageMeta
	Downloader ImageMeta
	Patcher    ImageMeta
}

// NwInfo is an opaque network credentials record consumed by the Update
// Downloader.
type NwInfo struct {
	Magic uint32
	Data  [NwDataSize]byte
}

// ConfigData is the first Data Store region, rewritten whole on update.
type ConfigData struct {
	StaticSymmInfo StaticSymmInfo
	ImgInfo        ImgInfo
	NwInfo         NwInfo
}

// Indexes into the certificate tables.
const (
	CertHub = iota
	CertDeviceID
	CertAliasID
)

// CertSlot locates one PEM blob inside a certBag.
type CertSlot struct {
	Start uint32
	Size  uint32
}

// TrustAnchorsInfo is the fixed part of the trust anchors region.
type TrustAnchorsInfo struct {
	DevPubKey        [PubKeyPEMSize]byte
	ManagementPubKey [PubKeyPEMSize]byte
	CodeAuthPubKey   [PubKeyPEMSize]byte
	CertTable        [2]CertSlot
	Cursor           uint32
	Magic            uint32
}

// TrustAnchors is the second Data Store region, rewritten whole on
// update. The certBag holds the hub certificate and the DeviceID
// certificate or CSR as NUL-terminated PEM blobs.
type TrustAnchors struct {
	Info    TrustAnchorsInfo
	CertBag [CertBagSize]byte
}

// Binary sizes of the wire structures, fixed by the platform contract.
var (
	AuthHeaderSize   = binary.Size(AuthHeader{})
	ImageHeaderSize  = binary.Size(ImageHeader{})
	ConfigDataSize   = binary.Size(ConfigData{})
	TrustAnchorsSize = binary.Size(TrustAnchors{})
)

// Encode serializes v into the little-endian flash representation.
func Encode(v interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("cannot encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes the little-endian flash representation into v.
func Decode(data []byte, v interface{}) error {
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, v); err != nil {
		return fmt.Errorf("cannot decode %T: %w", v, err)
	}
	return nil
}
