// This file is part of lzcore
// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package lzcore

import (
	"encoding/binary"
	"fmt"

	"github.com/canonical/lzcore/lzflash"
)

// ParamRAMSize is the size of the shared RAM parameter block. The block
// holds this stage's CoreBootParams on entry and the next stage's
// ImgBootParams after the handoff.
const ParamRAMSize = 1024

// CoreBootParams is the input parameter block populated by the
// first-stage boot code. static_symm is only present on the very first
// boot.
type CoreBootParams struct {
	Magic       uint32
	InitialBoot uint32
	CDIPrime    [lzflash.SymmKeySize]byte
	StaticSymm  [lzflash.SymmKeySize]byte
	DevUUID     [lzflash.UUIDSize]byte
	CoreAuth    [lzflash.SymmKeySize]byte
	CurNonce    [lzflash.NonceSize]byte
	NextNonce   [lzflash.NonceSize]byte
}

// Valid reports whether the first-stage boot code delivered a usable
// parameter block.
func (p *CoreBootParams) Valid() bool {
	return p.Magic == lzflash.Magic
}

// InitialBootSet reports whether this is the very first boot of the
// device.
func (p *CoreBootParams) InitialBootSet() bool {
	return p.InitialBoot != 0
}

// ImgBootParams is the parameter block handed to the next stage. Fields
// are populated under the need-to-know policy of the boot mode.
type ImgBootParams struct {
	Magic                     uint32
	AliasPubPEM               [lzflash.PubKeyPEMSize]byte
	AliasPrivPEM              [lzflash.PrivKeyPEMSize]byte
	DevUUID                   [lzflash.UUIDSize]byte
	CurNonce                  [lzflash.NonceSize]byte
	NextNonce                 [lzflash.NonceSize]byte
	DevAuth                   [lzflash.DigestSize]byte
	DevReassociationNecessary uint32
	FirmwareUpdateNecessary   uint32
	NwInfo                    lzflash.NwInfo
}

// Binary sizes of the RAM parameter structures.
var (
	CoreBootParamsSize = binary.Size(CoreBootParams{})
	ImgBootParamsSize  = binary.Size(ImgBootParams{})
)

// DecodeCoreBootParams reads the input parameter block from the shared
// RAM region.
func DecodeCoreBootParams(ram []byte) (*CoreBootParams, error) {
	if len(ram) < CoreBootParamsSize {
		return nil, fmt.Errorf("%w: parameter RAM too small (%d bytes)", ErrBootParamsCorrupt, len(ram))
	}
	var p CoreBootParams
	if err := lzflash.Decode(ram[:CoreBootParamsSize], &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBootParamsCorrupt, err)
	}
	return &p, nil
}

// DecodeImgBootParams reads the next stage's parameter block from the
// shared RAM region. Used by tests and later-stage front ends.
func DecodeImgBootParams(ram []byte) (*ImgBootParams, error) {
	if len(ram) < ImgBootParamsSize {
		return nil, fmt.Errorf("%w: parameter RAM too small (%d bytes)", ErrBootParamsCorrupt, len(ram))
	}
	var p ImgBootParams
	if err := lzflash.Decode(ram[:ImgBootParamsSize], &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBootParamsCorrupt, err)
	}
	return &p, nil
}
