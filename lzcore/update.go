// This file is part of lzcore
// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package lzcore

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/canonical/lzcore/lzflash"
)

// updatesPending reports whether the staging area holds any update-path
// record for the current nonce. Signatures are not checked here; the
// applier verifies each record before consuming it.
func (c *Core) updatesPending(area []byte) bool {
	for _, t := range []lzflash.TicketType{
		lzflash.DownloaderUpdate,
		lzflash.PatcherUpdate,
		lzflash.AppUpdate,
		lzflash.DeviceIDReassocRes,
		lzflash.ConfigUpdate,
	} {
		if _, _, err := FindHeader(area, t, c.params.CurNonce); err == nil {
			return true
		}
	}
	return false
}

// verifiedCoreUpdatePending reports whether a fully verified Core update
// ticket is staged. The Core cannot rewrite itself; the boot-mode
// selector sends the device into the Core Patcher instead.
func (c *Core) verifiedCoreUpdatePending(area []byte) bool {
	return c.hasValidStagingElement(area, lzflash.CoreUpdate) == nil
}

// applyUpdates consumes all verified update records from the staging
// area and rewrites the corresponding flash regions. Records that fail
// verification are skipped and reported together; a flash write failure
// aborts immediately.
func (c *Core) applyUpdates(area []byte) error {
	var skipped *multierror.Error

	for _, u := range []struct {
		ticket lzflash.TicketType
		stage  lzflash.Stage
	}{
		{lzflash.DownloaderUpdate, lzflash.StageDownloader},
		{lzflash.PatcherUpdate, lzflash.StagePatcher},
		{lzflash.AppUpdate, lzflash.StageApp},
	} {
		payload, err := c.stagingElemContent(area, u.ticket)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			logger.Warn().Stringer("type", u.ticket).Err(err).Msg("skipping staged update")
			skipped = multierror.Append(skipped, err)
			continue
		}
		if len(payload) < lzflash.ImageHeaderSize {
			skipped = multierror.Append(skipped,
				fmt.Errorf("%w: %v payload too small for an image", ErrStagingInvalid, u.ticket))
			continue
		}
		if err := c.store.WriteImageRegion(u.stage, payload); err != nil {
			return err
		}
		logger.Info().Stringer("type", u.ticket).Int("bytes", len(payload)).Msg("image update applied")
	}

	if err := c.applyConfigUpdate(area); err != nil {
		if errors.Is(err, ErrStagingInvalid) {
			skipped = multierror.Append(skipped, err)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
	}

	if err := c.applyReassociationResult(area); err != nil {
		if errors.Is(err, ErrStagingInvalid) {
			skipped = multierror.Append(skipped, err)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
	}

	if err := skipped.ErrorOrNil(); err != nil {
		logger.Warn().Err(err).Msg("some staged updates were not applied")
	}
	return nil
}

// applyConfigUpdate merges a verified network credentials record into
// the Config region, preserving the rest of the region.
func (c *Core) applyConfigUpdate(area []byte) error {
	payload, err := c.stagingElemContent(area, lzflash.ConfigUpdate)
	if err != nil {
		return err
	}

	var nw lzflash.NwInfo
	if err := lzflash.Decode(payload, &nw); err != nil {
		return fmt.Errorf("%w: bad config update payload: %v", ErrStagingInvalid, err)
	}
	if nw.Magic != lzflash.Magic {
		return fmt.Errorf("%w: config update payload magic", ErrStagingInvalid)
	}

	cfg, err := c.store.ReadConfigData()
	if err != nil {
		return err
	}
	cfg.NwInfo = nw
	if err := c.store.WriteConfigData(cfg); err != nil {
		return err
	}
	logger.Info().Msg("network credentials updated")
	return nil
}

// applyReassociationResult stores a hub-issued DeviceID certificate from
// a verified reassociation record into the trust anchors.
func (c *Core) applyReassociationResult(area []byte) error {
	payload, err := c.stagingElemContent(area, lzflash.DeviceIDReassocRes)
	if err != nil {
		return err
	}

	ta, err := c.store.ReadTrustAnchors()
	if err != nil {
		return err
	}

	slot := &ta.Info.CertTable[lzflash.CertDeviceID]
	if slot.Start != 0 && int(slot.Start) < len(ta.CertBag) {
		// Rewrite the bag from the DeviceID slot onward.
		ta.Info.Cursor = slot.Start
	}
	if int(ta.Info.Cursor)+len(payload)+1 > len(ta.CertBag) {
		return fmt.Errorf("%w: DeviceID certificate does not fit", ErrCertStoreOverflow)
	}
	copy(ta.CertBag[ta.Info.Cursor:], payload)
	slot.Start = ta.Info.Cursor
	slot.Size = uint32(len(payload))
	ta.Info.Cursor += uint32(len(payload))
	ta.CertBag[ta.Info.Cursor] = 0
	ta.Info.Cursor++

	if err := c.store.WriteTrustAnchors(ta); err != nil {
		return err
	}
	logger.Info().Msg("DeviceID certificate reassociated")
	return nil
}

// updateImageMeta recomputes the persisted anti-rollback metadata from
// the image headers currently in flash. The rollback window only ever
// advances.
func (c *Core) updateImageMeta() error {
	cfg, err := c.store.ReadConfigData()
	if err != nil {
		return err
	}

	changed := false
	for _, stage := range []lzflash.Stage{lzflash.StageApp, lzflash.StageDownloader, lzflash.StagePatcher} {
		hdr, err := c.store.ReadImageHeader(stage)
		if err != nil {
			return err
		}
		if hdr.Content.Magic != lzflash.Magic {
			continue
		}

		meta := stageMeta(&cfg.ImgInfo, stage)
		if meta.Magic != lzflash.Magic {
			*meta = lzflash.ImageMeta{
				LastVersion:   hdr.Content.Version,
				LastIssueTime: hdr.Content.IssueTime,
				Magic:         lzflash.Magic,
			}
			changed = true
			continue
		}
		if hdr.Content.Version > meta.LastVersion {
			meta.LastVersion = hdr.Content.Version
			changed = true
		}
		if hdr.Content.IssueTime > meta.LastIssueTime {
			meta.LastIssueTime = hdr.Content.IssueTime
			changed = true
		}
	}

	if !changed {
		return nil
	}
	return c.store.WriteConfigData(cfg)
}
