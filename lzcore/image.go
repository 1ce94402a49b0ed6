// This file is part of lzcore
// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package lzcore

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"

	"github.com/canonical/lzcore/lzcrypto"
	"github.com/canonical/lzcore/lzflash"
)

// VerifyImage checks a stage image against the code-signing trust anchor
// and the persisted anti-rollback metadata. The checks run in a fixed
// order: header magic, layout sanity, code digest, header signature,
// metadata magic, version and issue time monotonicity. On success the
// computed code digest is returned as the measurement of the image.
func VerifyImage(hdr *lzflash.ImageHeader, code []byte, meta *lzflash.ImageMeta, codeAuth *ecdsa.PublicKey) ([lzflash.DigestSize]byte, error) {
	var digest [lzflash.DigestSize]byte

	if hdr.Content.Magic != lzflash.Magic {
		return digest, fmt.Errorf("%w: header magic", ErrImageInvalid)
	}

	// The code must start directly after the header.
	if hdr.Content.HdrSize != uint32(lzflash.ImageHeaderSize) {
		return digest, fmt.Errorf("%w: unexpected code start offset %#x", ErrImageInvalid, hdr.Content.HdrSize)
	}

	if int(hdr.Content.Size) > len(code) {
		return digest, fmt.Errorf("%w: code region shorter than header size field", ErrImageInvalid)
	}
	digest = lzcrypto.Sha256(code[:hdr.Content.Size])
	if !bytes.Equal(digest[:], hdr.Content.Digest[:]) {
		return digest, fmt.Errorf("%w: code digest mismatch for image %q", ErrImageInvalid, imageName(hdr))
	}

	content, err := lzflash.Encode(&hdr.Content)
	if err != nil {
		return digest, err
	}
	if err := lzcrypto.Verify(codeAuth, content, hdr.Signature.Bytes()); err != nil {
		return digest, fmt.Errorf("%w: signature: %v", ErrImageInvalid, err)
	}

	// The first deployment of an image persists its metadata, so it has
	// to be present here.
	if meta.Magic != lzflash.Magic {
		return digest, fmt.Errorf("%w: stored image metadata invalid", ErrImageInvalid)
	}

	if meta.LastVersion > hdr.Content.Version || meta.LastIssueTime > hdr.Content.IssueTime {
		return digest, fmt.Errorf("%w: version rollback for image %q (%d.%d < %d.%d)",
			ErrImageInvalid, imageName(hdr),
			hdr.Content.Version>>16, hdr.Content.Version&0xffff,
			meta.LastVersion>>16, meta.LastVersion&0xffff)
	}

	logger.Info().Str("image", imageName(hdr)).
		Uint32("version", hdr.Content.Version).
		Msg("image verified")

	return digest, nil
}

// verifyNextLayer reads the header, code and metadata of the image the
// chosen boot mode will enter, and verifies it.
func (c *Core) verifyNextLayer(mode BootMode) ([lzflash.DigestSize]byte, error) {
	var digest [lzflash.DigestSize]byte

	stage, err := mode.stage()
	if err != nil {
		return digest, err
	}

	hdr, err := c.store.ReadImageHeader(stage)
	if err != nil {
		return digest, err
	}
	code, err := c.store.ReadImageCode(stage, hdr.Content.Size)
	if err != nil {
		return digest, err
	}
	cfg, err := c.store.ReadConfigData()
	if err != nil {
		return digest, err
	}

	meta := stageMeta(&cfg.ImgInfo, stage)
	if meta == nil {
		return digest, fmt.Errorf("%w: no metadata slot for stage %v", ErrImageInvalid, stage)
	}
	return VerifyImage(hdr, code, meta, c.codeAuthKey)
}

// stageMeta returns the metadata slot for a stage inside ImgInfo. The
// Core's own metadata is not tracked here; only the patchable stages
// are.
func stageMeta(info *lzflash.ImgInfo, stage lzflash.Stage) *lzflash.ImageMeta {
	switch stage {
	case lzflash.StageApp:
		return &info.App
	case lzflash.StageDownloader:
		return &info.Downloader
	case lzflash.StagePatcher:
		return &info.Patcher
	}
	return nil
}

func imageName(hdr *lzflash.ImageHeader) string {
	name := hdr.Content.Name[:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return string(name)
}
