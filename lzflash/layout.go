// This file is part of lzcore
// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package lzflash

import "fmt"

// Stage identifies one of the linker-placed boot images.
type Stage int

const (
	StageCore Stage = iota
	StageDownloader
	StagePatcher
	StageApp
)

func (s Stage) String() string {
	switch s {
	case StageCore:
		return "core"
	case StageDownloader:
		return "udownloader"
	case StagePatcher:
		return "cpatcher"
	case StageApp:
		return "app"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Layout describes where the linker placed each region inside the flash
// part. Offsets, sizes and alignment are a platform contract; the
// defaults model the reference board.
type Layout struct {
	CoreHeader       int64 `envconfig:"core_header" default:"0x0"`
	DownloaderHeader int64 `envconfig:"downloader_header" default:"0x10000"`
	PatcherHeader    int64 `envconfig:"patcher_header" default:"0x20000"`
	AppHeader        int64 `envconfig:"app_header" default:"0x30000"`
	ImageRegionSize  int64 `envconfig:"image_region_size" default:"0x10000"`
	Config           int64 `envconfig:"config" default:"0x40000"`
	TrustAnchors     int64 `envconfig:"trust_anchors" default:"0x41000"`
	Staging          int64 `envconfig:"staging" default:"0x50000"`
	StagingSize      int64 `envconfig:"staging_size" default:"0x8000"`
	FlashSize        int64 `envconfig:"flash_size" default:"0x58000"`
}

// DefaultLayout returns the reference board memory map.
func DefaultLayout() Layout {
	return Layout{
		CoreHeader:       0x0,
		DownloaderHeader: 0x10000,
		PatcherHeader:    0x20000,
		AppHeader:        0x30000,
		ImageRegionSize:  0x10000,
		Config:           0x40000,
		TrustAnchors:     0x41000,
		Staging:          0x50000,
		StagingSize:      0x8000,
		FlashSize:        0x58000,
	}
}

// ImageHeaderOff returns the flash offset of the stage's image header.
func (l Layout) ImageHeaderOff(s Stage) (int64, error) {
	switch s {
	case StageCore:
		return l.CoreHeader, nil
	case StageDownloader:
		return l.DownloaderHeader, nil
	case StagePatcher:
		return l.PatcherHeader, nil
	case StageApp:
		return l.AppHeader, nil
	}
	return 0, fmt.Errorf("unknown stage %d", int(s))
}

// ImageCodeOff returns the flash offset of the stage's code, which
// directly follows the image header.
func (l Layout) ImageCodeOff(s Stage) (int64, error) {
	off, err := l.ImageHeaderOff(s)
	if err != nil {
		return 0, err
	}
	return off + int64(ImageHeaderSize), nil
}

// CodeCap returns the maximum code size that fits into a stage's image
// region.
func (l Layout) CodeCap() int64 {
	return l.ImageRegionSize - int64(ImageHeaderSize)
}

// Validate checks that the regions are page-aligned and fit into the
// part.
func (l Layout) Validate() error {
	for _, r := range []struct {
		name string
		off  int64
	}{
		{"core header", l.CoreHeader},
		{"udownloader header", l.DownloaderHeader},
		{"cpatcher header", l.PatcherHeader},
		{"app header", l.AppHeader},
		{"config", l.Config},
		{"trust anchors", l.TrustAnchors},
		{"staging", l.Staging},
	} {
		if r.off%PageSize != 0 {
			return fmt.Errorf("%s offset %#x is not page aligned", r.name, r.off)
		}
		if r.off >= l.FlashSize {
			return fmt.Errorf("%s offset %#x beyond flash size %#x", r.name, r.off, l.FlashSize)
		}
	}
	if l.StagingSize%PageSize != 0 {
		return fmt.Errorf("staging size %#x is not page aligned", l.StagingSize)
	}
	if l.Staging+l.StagingSize > l.FlashSize {
		return fmt.Errorf("staging area extends beyond flash size")
	}
	if l.TrustAnchors+int64(TrustAnchorsSize) > l.Staging {
		return fmt.Errorf("trust anchors region overlaps staging area")
	}
	if l.Config+int64(ConfigDataSize) > l.TrustAnchors {
		return fmt.Errorf("config region overlaps trust anchors")
	}
	return nil
}
