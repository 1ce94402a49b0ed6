// This file is part of lzcore
// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package lzflash

import (
	"fmt"
)

// Store provides typed reads and whole-region rewrites over a flash
// device using a fixed memory map. A failed write is fatal for the
// caller; nothing here retries.
type Store struct {
	dev    Device
	layout Layout
}

// NewStore wraps dev with the given layout.
func NewStore(dev Device, layout Layout) (*Store, error) {
	if err := layout.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flash layout: %w", err)
	}
	return &Store{dev: dev, layout: layout}, nil
}

// Layout returns the memory map the store operates on.
func (s *Store) Layout() Layout { return s.layout }

// ReadConfigData reads the Config region of the Data Store.
func (s *Store) ReadConfigData() (*ConfigData, error) {
	buf := make([]byte, ConfigDataSize)
	if _, err := s.dev.ReadAt(buf, s.layout.Config); err != nil {
		return nil, fmt.Errorf("cannot read config data: %w", err)
	}
	var cfg ConfigData
	if err := Decode(buf, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WriteConfigData rewrites the whole Config region from cfg.
func (s *Store) WriteConfigData(cfg *ConfigData) error {
	buf, err := Encode(cfg)
	if err != nil {
		return err
	}
	if _, err := s.dev.WriteAt(buf, s.layout.Config); err != nil {
		return fmt.Errorf("cannot write config data: %w", err)
	}
	return nil
}

// ReadTrustAnchors reads the trust anchors region of the Data Store.
func (s *Store) ReadTrustAnchors() (*TrustAnchors, error) {
	buf := make([]byte, TrustAnchorsSize)
	if _, err := s.dev.ReadAt(buf, s.layout.TrustAnchors); err != nil {
		return nil, fmt.Errorf("cannot read trust anchors: %w", err)
	}
	var ta TrustAnchors
	if err := Decode(buf, &ta); err != nil {
		return nil, err
	}
	return &ta, nil
}

// WriteTrustAnchors rewrites the whole trust anchors region from ta.
func (s *Store) WriteTrustAnchors(ta *TrustAnchors) error {
	buf, err := Encode(ta)
	if err != nil {
		return err
	}
	if _, err := s.dev.WriteAt(buf, s.layout.TrustAnchors); err != nil {
		return fmt.Errorf("cannot write trust anchors: %w", err)
	}
	return nil
}

// ReadStagingArea returns a copy of the whole staging area.
func (s *Store) ReadStagingArea() ([]byte, error) {
	buf := make([]byte, s.layout.StagingSize)
	if _, err := s.dev.ReadAt(buf, s.layout.Staging); err != nil {
		return nil, fmt.Errorf("cannot read staging area: %w", err)
	}
	return buf, nil
}

// EraseStaging erases the staging area page by page.
func (s *Store) EraseStaging() error {
	page := make([]byte, PageSize)
	for i := range page {
		page[i] = ErasedByte
	}
	for off := int64(0); off < s.layout.StagingSize; off += PageSize {
		if _, err := s.dev.WriteAt(page, s.layout.Staging+off); err != nil {
			return fmt.Errorf("cannot erase staging page at %#x: %w", s.layout.Staging+off, err)
		}
	}
	return nil
}

// EraseDataStore erases both Data Store regions. Only used on the initial
// boot so the regions can be programmed afterwards.
func (s *Store) EraseDataStore() error {
	for _, r := range []struct {
		off  int64
		size int
	}{
		{s.layout.Config, ConfigDataSize},
		{s.layout.TrustAnchors, TrustAnchorsSize},
	} {
		blank := make([]byte, r.size)
		for i := range blank {
			blank[i] = ErasedByte
		}
		if _, err := s.dev.WriteAt(blank, r.off); err != nil {
			return fmt.Errorf("cannot erase data store region at %#x: %w", r.off, err)
		}
	}
	return nil
}

// ReadImageHeader reads the image header of the given stage. A blank or
// corrupted header decodes fine; callers check the magic.
func (s *Store) ReadImageHeader(stage Stage) (*ImageHeader, error) {
	off, err := s.layout.ImageHeaderOff(stage)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, ImageHeaderSize)
	if _, err := s.dev.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("cannot read %v image header: %w", stage, err)
	}
	var hdr ImageHeader
	if err := Decode(buf, &hdr); err != nil {
		return nil, err
	}
	return &hdr, nil
}

// ReadImageCode reads size bytes of the stage's code, which follows the
// image header.
func (s *Store) ReadImageCode(stage Stage, size uint32) ([]byte, error) {
	if int64(size) > s.layout.CodeCap() {
		return nil, fmt.Errorf("%v code size %#x exceeds region cap %#x", stage, size, s.layout.CodeCap())
	}
	off, err := s.layout.ImageCodeOff(stage)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := s.dev.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("cannot read %v image code: %w", stage, err)
	}
	return buf, nil
}

// WriteImageRegion rewrites a stage's image region from blob, which
// carries the image header immediately followed by the code.
func (s *Store) WriteImageRegion(stage Stage, blob []byte) error {
	if int64(len(blob)) > s.layout.ImageRegionSize {
		return fmt.Errorf("%v image blob %#x exceeds region size %#x", stage, len(blob), s.layout.ImageRegionSize)
	}
	off, err := s.layout.ImageHeaderOff(stage)
	if err != nil {
		return err
	}
	if _, err := s.dev.WriteAt(blob, off); err != nil {
		return fmt.Errorf("cannot write %v image region: %w", stage, err)
	}
	return nil
}
