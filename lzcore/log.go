// This file is part of lzcore
// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package lzcore

import (
	"io"

	"github.com/rs/zerolog"
)

// logger emits the debug UART stream. The library is silent by default;
// front ends install a console writer via SetLogger.
var logger = zerolog.New(io.Discard)

// SetLogger replaces the package logger.
func SetLogger(l zerolog.Logger) {
	logger = l
}
