// This file is part of lzcore
// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

// Package lzflash provides typed access to the persistent flash regions of
// the device: the Data Store (config data and trust anchors), the staging
// area and the per-stage image regions.
package lzflash

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
)

// PageSize is the programming granularity of the flash part.
const PageSize = 512

// ErasedByte is the value flash cells hold after an erase.
const ErasedByte = 0xFF

// Device is the low-level flash access used by the Store. Writes are
// page-atomic at the hardware layer; higher-level consistency comes from
// whole-region rewrites.
type Device interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() int64
}

// fileDevice backs a Device with a file on an afero filesystem. Used both
// for flash image files on disk and for mem-backed test devices.
type fileDevice struct {
	file afero.File
	size int64
}

// OpenFileDevice opens path on fs as a flash device of the given size,
// creating and erasing it if it does not exist yet.
func OpenFileDevice(fs afero.Fs, path string, size int64) (Device, error) {
	file, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("cannot open flash image %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("cannot stat flash image %s: %w", path, err)
	}
	if info.Size() < size {
		// Fresh or truncated image: fill the remainder with erased
		// flash so region reads behave like a blank part.
		blank := make([]byte, size-info.Size())
		for i := range blank {
			blank[i] = ErasedByte
		}
		if _, err := file.WriteAt(blank, info.Size()); err != nil {
			file.Close()
			return nil, fmt.Errorf("cannot initialize flash image %s: %w", path, err)
		}
	}

	return &fileDevice{file: file, size: size}, nil
}

func (d *fileDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > d.size {
		return 0, fmt.Errorf("flash read out of range: off %#x len %#x", off, len(p))
	}
	return d.file.ReadAt(p, off)
}

func (d *fileDevice) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > d.size {
		return 0, fmt.Errorf("flash write out of range: off %#x len %#x", off, len(p))
	}
	return d.file.WriteAt(p, off)
}

func (d *fileDevice) Size() int64 { return d.size }

// Close releases the backing file if the device is file-backed.
func Close(d Device) error {
	if fd, ok := d.(*fileDevice); ok {
		return fd.file.Close()
	}
	return nil
}
