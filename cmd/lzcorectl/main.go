// This file is part of lzcore
// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

// lzcorectl runs one Lazarus Core boot pass against a flash image file.
// It stands in for the on-device reset path during development and
// provisioning tests: the first-stage parameter block is read from a
// file, the trust engine runs once, and the resulting parameter block
// and certificate bundle are written out for the next stage.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/canonical/lzcore/lzcore"
	"github.com/canonical/lzcore/lzflash"
)

// simulatedAWDT stands in for the watchdog peripheral.
type simulatedAWDT struct {
	log zerolog.Logger
}

func (w *simulatedAWDT) Init(timeoutSeconds uint32) error {
	w.log.Info().Uint32("timeout_s", timeoutSeconds).Msg("watchdog armed")
	return nil
}

func (w *simulatedAWDT) LastResetWasWatchdog() bool { return false }

func run() error {
	flashPath := flag.String("flash", "lz-flash.img", "flash image file")
	paramsPath := flag.String("params", "lz-boot-params.bin", "boot parameter block file")
	certsPath := flag.String("certs", "lz-cert-store.bin", "output file for the image cert store")
	verbose := flag.Bool("v", false, "verbose output")
	flag.Parse()

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)
	lzcore.SetLogger(log)

	layout := lzflash.DefaultLayout()
	if err := envconfig.Process("lzcore", &layout); err != nil {
		return fmt.Errorf("cannot read layout overrides: %w", err)
	}

	fs := afero.NewOsFs()
	dev, err := lzflash.OpenFileDevice(fs, *flashPath, layout.FlashSize)
	if err != nil {
		return err
	}
	defer lzflash.Close(dev)

	store, err := lzflash.NewStore(dev, layout)
	if err != nil {
		return err
	}

	paramRAM := make([]byte, lzcore.ParamRAMSize)
	blob, err := afero.ReadFile(fs, *paramsPath)
	if err != nil {
		return fmt.Errorf("cannot read boot parameters: %w", err)
	}
	copy(paramRAM, blob)
	certRAM := make([]byte, lzcore.ImgCertStoreSize)

	core, err := lzcore.New(store, paramRAM, certRAM, newRNG(), &simulatedAWDT{log: log})
	if err != nil {
		return err
	}

	mode, err := core.Run()
	if errors.Is(err, lzcore.ErrAwaitingProvisioning) {
		log.Warn().Msg("device is waiting for provisioning; flash trust anchors and images, then run again")
		fmt.Println("AWAITING_PROVISIONING")
		return nil
	}
	if err != nil {
		return err
	}

	if err := afero.WriteFile(fs, *paramsPath, paramRAM, 0600); err != nil {
		return fmt.Errorf("cannot write handoff parameters: %w", err)
	}
	if err := afero.WriteFile(fs, *certsPath, certRAM, 0600); err != nil {
		return fmt.Errorf("cannot write cert store: %w", err)
	}

	fmt.Println(mode)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
