// This file is part of lzcore
// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

// Package lzcore implements the boot-time trust engine of the Lazarus
// secure-boot pipeline: DICE-style key derivation from the compound
// device identity secret, the authenticated staging-area ticket
// protocol, image verification with rollback prevention, certificate
// store construction, and the boot-mode state machine that selects the
// next stage and hands over a scoped parameter block.
package lzcore

import (
	"crypto/ecdsa"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/canonical/lzcore/lzcrypto"
	"github.com/canonical/lzcore/lzflash"
)

// BootMode is the stage the device enters after Lazarus Core.
type BootMode int

const (
	// ModeApp enters the application firmware.
	ModeApp BootMode = iota
	// ModeDownloader enters the Update Downloader to fetch tickets or
	// firmware from the hub.
	ModeDownloader
	// ModePatcher enters the Core Patcher to apply a staged Core
	// update in place.
	ModePatcher
)

func (m BootMode) String() string {
	switch m {
	case ModeApp:
		return "APP"
	case ModeDownloader:
		return "UPDATE_DOWNLOADER"
	case ModePatcher:
		return "CORE_PATCHER"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// stage maps the boot mode to the flash image it enters.
func (m BootMode) stage() (lzflash.Stage, error) {
	switch m {
	case ModeApp:
		return lzflash.StageApp, nil
	case ModeDownloader:
		return lzflash.StageDownloader, nil
	case ModePatcher:
		return lzflash.StagePatcher, nil
	}
	return 0, fmt.Errorf("unknown boot mode %d", int(m))
}

// rngDeinit shuts the platform RNG down before the jump into the next
// stage.
var rngDeinit = func(r io.Reader) {
	if c, ok := r.(io.Closer); ok {
		c.Close()
	}
}

// Core is the boot-time trust engine. It runs exactly once per boot.
type Core struct {
	store    *lzflash.Store
	paramRAM []byte
	certRAM  []byte
	rng      io.Reader
	awdt     AWDT

	params        *CoreBootParams
	managementKey *ecdsa.PublicKey
	codeAuthKey   *ecdsa.PublicKey
}

// New builds the engine over its platform collaborators. paramRAM is the
// shared RAM block holding the Core's input parameters; certRAM is the
// RAM block the certificate bundle is written into. Returns
// ErrBootParamsCorrupt when the first stage delivered an invalid block.
func New(store *lzflash.Store, paramRAM, certRAM []byte, rng io.Reader, wdt AWDT) (*Core, error) {
	if len(paramRAM) < ParamRAMSize {
		return nil, fmt.Errorf("%w: parameter RAM block too small", ErrBootParamsCorrupt)
	}
	if len(certRAM) < ImgCertStoreSize {
		return nil, fmt.Errorf("cert store RAM block too small")
	}

	params, err := DecodeCoreBootParams(paramRAM)
	if err != nil {
		return nil, err
	}
	if !params.Valid() {
		return nil, fmt.Errorf("%w: bad magic", ErrBootParamsCorrupt)
	}

	return &Core{
		store:    store,
		paramRAM: paramRAM,
		certRAM:  certRAM,
		rng:      rng,
		awdt:     wdt,
		params:   params,
	}, nil
}

// Run executes one pass of the boot-mode state machine and returns the
// chosen next stage. On success the next stage's parameter block has
// replaced the Core's own in the shared RAM region, the certificate
// bundle is in its RAM block and the watchdog is armed. Returns
// ErrAwaitingProvisioning on the first-boot blocking state; any other
// error means the device must halt.
func (c *Core) Run() (BootMode, error) {
	devID, err := DeriveDeviceID(c.params.CDIPrime[:])
	if err != nil {
		return 0, err
	}
	defer devID.Zeroize()

	logger.Info().Str("dev_uuid", uuid.UUID(c.params.DevUUID).String()).Msg("DeviceID keypair derived")

	initialBoot := c.params.InitialBootSet()
	if initialBoot {
		logger.Info().Msg("initial boot, erasing data store and staging area")
		if err := c.store.EraseDataStore(); err != nil {
			return 0, err
		}
		if err := c.store.EraseStaging(); err != nil {
			return 0, err
		}
		if err := c.storeStaticSymm(); err != nil {
			return 0, err
		}
		if err := c.updateImageMeta(); err != nil {
			return 0, err
		}
	} else {
		// static_symm may only ever exist in flash during the single
		// initial boot.
		if err := c.wipeStaticSymm(); err != nil {
			return 0, err
		}
	}

	coreUpdated := c.coreWasUpdated(devID)
	if coreUpdated {
		logger.Info().Msg("new DeviceID public key, this Core version runs for the first time")
		if err := c.createDeviceIDCSR(initialBoot, devID); err != nil {
			return 0, err
		}
	}

	if !c.provisioningComplete() {
		logger.Warn().Msg("device is not provisioned yet, waiting for the hub")
		return 0, ErrAwaitingProvisioning
	}
	logger.Info().Msg("device is provisioned")

	if err := c.loadTrustAnchorKeys(); err != nil {
		return 0, err
	}

	area, err := c.store.ReadStagingArea()
	if err != nil {
		return 0, err
	}

	// Without staging elements there is nothing to authorize a boot, so
	// the Update Downloader has to fetch a boot ticket from the hub.
	var mode BootMode
	if CountElements(area) == 0 {
		mode = ModeDownloader
	} else {
		if c.updatesPending(area) {
			if err := c.applyUpdates(area); err != nil {
				return 0, err
			}
		}
		// Metadata must advance before mode selection.
		if err := c.updateImageMeta(); err != nil {
			return 0, err
		}

		switch {
		case c.verifiedCoreUpdatePending(area):
			mode = ModePatcher
		case c.hasValidStagingElement(area, lzflash.BootTicket) == nil:
			mode = ModeApp
		default:
			mode = ModeDownloader
		}
	}

	deferralTime := c.deferralTime(area)

	// Trusted boot: verify the next layer. If verification of the App
	// fails, fall through to the Update Downloader to fetch a new one.
	// If the Core Patcher or Update Downloader fails, the device is
	// bricked.
	firmwareUpdateNecessary := false
	nextLayerDigest, err := c.verifyNextLayer(mode)
	if err != nil {
		if mode != ModeApp {
			return 0, fmt.Errorf("verification of %v failed, not recoverable: %w", mode, err)
		}
		logger.Error().Err(err).Msg("verification of App failed, requiring App update")
		mode = ModeDownloader
		firmwareUpdateNecessary = true
		nextLayerDigest, err = c.verifyNextLayer(mode)
		if err != nil {
			return 0, fmt.Errorf("verification of %v failed, not recoverable: %w", mode, err)
		}
	}

	alias, err := DeriveAliasID(nextLayerDigest, devID)
	if err != nil {
		return 0, err
	}
	defer alias.Zeroize()

	imgParams, err := c.buildImgBootParams(mode, coreUpdated, firmwareUpdateNecessary, alias, devID)
	if err != nil {
		return 0, err
	}
	if err := c.createCertStore(mode, alias, devID); err != nil {
		return 0, err
	}
	if err := c.handoff(imgParams); err != nil {
		return 0, err
	}

	// Once armed, the watchdog can never be stopped again; later stages
	// must keep fetching deferral tickets in time.
	if err := c.awdt.Init(deferralTime); err != nil {
		return 0, fmt.Errorf("cannot arm watchdog: %w", err)
	}
	if c.awdt.LastResetWasWatchdog() {
		logger.Warn().Msg("last device reset was through expired watchdog")
	}

	logger.Info().Stringer("mode", mode).Msg("launching next layer")

	zeroize(nextLayerDigest[:])
	rngDeinit(c.rng)

	return mode, nil
}

// storeStaticSymm persists static_symm and dev_uuid into the Config
// region. May only be called during the initial boot.
func (c *Core) storeStaticSymm() error {
	cfg := &lzflash.ConfigData{}
	cfg.StaticSymmInfo.StaticSymm = c.params.StaticSymm
	cfg.StaticSymmInfo.DevUUID = c.params.DevUUID
	cfg.StaticSymmInfo.Magic = lzflash.Magic

	if err := c.store.WriteConfigData(cfg); err != nil {
		return err
	}
	logger.Info().Msg("static_symm stored for provisioning")
	return nil
}

// wipeStaticSymm ensures static_symm is no longer present in flash on
// any boot after the first.
func (c *Core) wipeStaticSymm() error {
	cfg, err := c.store.ReadConfigData()
	if err != nil {
		return err
	}

	wiped := true
	for _, b := range cfg.StaticSymmInfo.StaticSymm {
		if b != 0 {
			wiped = false
			break
		}
	}
	if wiped {
		logger.Info().Msg("static_symm already wiped")
		return nil
	}

	cfg.StaticSymmInfo.StaticSymm = [lzflash.SymmKeySize]byte{}
	cfg.StaticSymmInfo.Magic = lzflash.Magic
	if err := c.store.WriteConfigData(cfg); err != nil {
		return err
	}
	logger.Info().Msg("static_symm wiped")
	return nil
}

// coreWasUpdated reports whether the freshly derived DeviceID public key
// differs from the one stored in the trust anchors. That happens exactly
// when the Core image changed: after an update, or on the very first
// run. An unparseable stored key counts as updated.
func (c *Core) coreWasUpdated(devID *lzcrypto.Keypair) bool {
	ta, err := c.store.ReadTrustAnchors()
	if err != nil {
		return true
	}
	stored, err := lzcrypto.PEMToPub(ta.Info.DevPubKey[:])
	if err != nil {
		return true
	}
	return !lzcrypto.ComparePublic(stored, devID.Public())
}

// loadTrustAnchorKeys parses the management and code-signing trust
// anchors. Only callable once provisioning is complete.
func (c *Core) loadTrustAnchorKeys() error {
	ta, err := c.store.ReadTrustAnchors()
	if err != nil {
		return err
	}
	management, err := lzcrypto.PEMToPub(ta.Info.ManagementPubKey[:])
	if err != nil {
		return fmt.Errorf("cannot parse management trust anchor: %w", err)
	}
	codeAuth, err := lzcrypto.PEMToPub(ta.Info.CodeAuthPubKey[:])
	if err != nil {
		return fmt.Errorf("cannot parse code-signing trust anchor: %w", err)
	}
	c.managementKey = management
	c.codeAuthKey = codeAuth
	return nil
}

// provisioningComplete reports whether the hub finished flashing the
// trust anchors and the signed stage images.
func (c *Core) provisioningComplete() bool {
	ta, err := c.store.ReadTrustAnchors()
	if err != nil {
		return false
	}
	if ta.Info.Magic != lzflash.Magic {
		return false
	}
	for _, stage := range []lzflash.Stage{lzflash.StageCore, lzflash.StageDownloader, lzflash.StagePatcher} {
		hdr, err := c.store.ReadImageHeader(stage)
		if err != nil || hdr.Content.Magic != lzflash.Magic {
			return false
		}
	}
	return true
}
