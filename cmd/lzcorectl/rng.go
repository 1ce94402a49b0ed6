// This file is part of lzcore
// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"crypto/rand"
	"io"
)

// platformRNG wraps the host entropy source as the peripheral the engine
// deinitializes before the jump.
type platformRNG struct {
	r io.Reader
}

func newRNG() *platformRNG { return &platformRNG{r: rand.Reader} }

func (p *platformRNG) Read(b []byte) (int, error) {
	if p.r == nil {
		return 0, io.ErrClosedPipe
	}
	return p.r.Read(b)
}

// Close models the RNG deinit of the reset path.
func (p *platformRNG) Close() error {
	p.r = nil
	return nil
}
