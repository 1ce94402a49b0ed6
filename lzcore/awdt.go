// This file is part of lzcore
// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package lzcore

// DefaultWatchdogTimeout is the deferral time in seconds used when no
// valid deferral ticket is present on the staging area.
const DefaultWatchdogTimeout uint32 = 300

// AWDT is the authenticated watchdog peripheral. Init is one-shot and
// irreversible: once armed, the watchdog can only be deferred by signed
// deferral tickets fetched by later stages.
type AWDT interface {
	Init(timeoutSeconds uint32) error
	LastResetWasWatchdog() bool
}
