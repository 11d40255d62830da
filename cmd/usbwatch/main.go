// Usb Events Core
// Copyright (c) 2026 The Usb Events Project Contributors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of Usb Events Core.
//
// Usb Events Core is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Usb Events Core is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with Usb Events Core.  If not, see <http://www.gnu.org/licenses/>.

// usbwatch prints USB attach and detach events until interrupted. It is
// a thin demo over the watcher API; all state lives in the library.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/UsbEventsProject/usbevents-core/pkg/host"
	"github.com/UsbEventsProject/usbevents-core/pkg/usbevents"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	debugMode := flag.Bool("debug", false, "enable debug logging")
	resolve := flag.Bool("resolve", true, "resolve mount points for inserted devices")
	interval := flag.Duration("interval", 2*time.Second, "usb poll interval")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debugMode {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	var watcher *usbevents.Watcher

	onInserted := func(d usbevents.DeviceDescriptor) {
		fmt.Printf("inserted: %s [%s:%s] serial=%q\n",
			d.DeviceName, d.VendorID, d.ProductID, d.SerialNumber)
		if *resolve {
			watcher.ResolveMountPoint(d.DeviceSystemPath, func(mount string) {
				if mount != "" {
					fmt.Printf("  mounted at %s\n", mount)
				}
			})
		}
	}
	onRemoved := func(d usbevents.DeviceDescriptor) {
		fmt.Printf("removed: %s [%s:%s]\n", d.DeviceName, d.VendorID, d.ProductID)
	}

	watcher = usbevents.New(onInserted, onRemoved,
		usbevents.WithHostOptions(host.WithPollInterval(*interval)))

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		watcher.Stop()
	}()

	if err := watcher.Run(); err != nil {
		log.Error().Err(err).Msg("usb watcher failed")
		os.Exit(1)
	}
	if err := watcher.Close(); err != nil {
		log.Error().Err(err).Msg("close watcher")
	}
}
