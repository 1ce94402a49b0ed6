// This file is part of lzcore
// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package lzcore

import "errors"

var (
	// ErrBootParamsCorrupt means the parameters handed over by the
	// first-stage boot code are unusable. Not recoverable.
	ErrBootParamsCorrupt = errors.New("boot parameters corrupt")

	// ErrStagingInvalid covers all staging record rejections: magic,
	// payload size, digest, nonce or signature.
	ErrStagingInvalid = errors.New("staging record invalid")

	// ErrImageInvalid covers all image verification rejections: magic,
	// layout, digest, signature or rollback.
	ErrImageInvalid = errors.New("image verification failed")

	// ErrCertStoreOverflow means a certificate did not fit into the
	// image cert store. Fatal.
	ErrCertStoreOverflow = errors.New("image cert store overflow")

	// ErrNotFound means no staging record of the requested type and
	// nonce exists.
	ErrNotFound = errors.New("staging record not found")

	// ErrAwaitingProvisioning is returned on the very first boot after
	// the DeviceID CSR has been persisted. The device must block until
	// the hub completes provisioning out of band.
	ErrAwaitingProvisioning = errors.New("awaiting provisioning by hub")
)
