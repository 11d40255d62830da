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

package usbevents

import (
	"strings"

	"github.com/UsbEventsProject/usbevents-core/pkg/devreg"
	"github.com/UsbEventsProject/usbevents-core/pkg/diskarb"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Resolver maps a device-registry path to an active disk mount. It is a
// pure query: every call opens and closes one disk-arbitration session
// and never mutates device state. Calls are reentrant and safe from any
// goroutine, including concurrently with a running watcher.
type Resolver struct {
	registry   devreg.Registry
	arbitrator diskarb.Arbitrator
	logger     zerolog.Logger
}

// NewResolver builds a resolver over the given backends.
func NewResolver(registry devreg.Registry, arbitrator diskarb.Arbitrator, opts ...Option) *Resolver {
	o := options{logger: log.Logger}
	for _, opt := range opts {
		opt(&o)
	}
	return &Resolver{registry: registry, arbitrator: arbitrator, logger: o.logger}
}

// ResolveMountPoint finds the mount directory for a USB mass-storage
// device identified by its registry path. The result callback fires
// exactly once: with the mount path, or with an empty string when no
// interface matched, no block-device identifier was found, or no mount
// is active.
//
// Matching scans mass-storage interface nodes and takes the first whose
// registry path has the input as a string prefix. Scanning stops at that
// first prefix match whether or not a mount was found; a path that
// prefix-matches several interfaces only ever considers the first in
// iteration order.
func (r *Resolver) ResolveMountPoint(registryPath string, onResult func(string)) {
	mountPath := ""
	defer func() { onResult(mountPath) }()

	if registryPath == "" {
		return
	}

	it, err := r.registry.Matching(devreg.MassStorageInterfaceFilter())
	if err != nil {
		r.logger.Warn().Err(err).Msg("mass-storage interface query failed")
		return
	}
	defer it.Release()

	for {
		entry, ok := it.Next()
		if !ok {
			return
		}

		path, pathErr := entry.Path()
		if pathErr != nil || !strings.HasPrefix(path, registryPath) {
			entry.Release()
			continue
		}

		if v, found := entry.LookupProperty(devreg.KeyBSDName, devreg.SearchOptions{Recurse: true}); found {
			if bsdName, isText := v.Text(); isText {
				mountPath = r.mountPointForBSDName(bsdName)
			}
			v.Release()
		}
		entry.Release()
		return
	}
}

// mountPointForBSDName asks the disk-arbitration service for the mount
// of a block device. A physical device is often exposed as a parent node
// whose mountable partitions are children, so each child's identifier is
// tried first; the device's own identifier is the fallback.
func (r *Resolver) mountPointForBSDName(bsdName string) string {
	session, err := r.arbitrator.OpenSession()
	if err != nil {
		r.logger.Warn().Err(err).Msg("open disk-arbitration session failed")
		return ""
	}
	defer session.Close()

	it, err := r.registry.Matching(devreg.BSDNameFilter(bsdName))
	if err != nil {
		r.logger.Warn().Err(err).Str("bsd_name", bsdName).Msg("block-device query failed")
		return ""
	}
	defer it.Release()

	found := ""
	for found == "" {
		entry, ok := it.Next()
		if !ok {
			break
		}
		found = r.firstMountedChild(session, entry)
		entry.Release()
	}

	if found == "" {
		if path, ok := session.MountPoint(bsdName); ok {
			found = path
		}
	}
	return found
}

// firstMountedChild returns the mount of the first child partition with
// an active mount, or empty.
func (r *Resolver) firstMountedChild(session diskarb.Session, entry devreg.Entry) string {
	children, err := entry.Children()
	if err != nil {
		return ""
	}
	defer children.Release()

	for {
		child, ok := children.Next()
		if !ok {
			return ""
		}

		mount := ""
		if v, found := child.LookupProperty(devreg.KeyBSDName, devreg.SearchOptions{Recurse: true}); found {
			if name, isText := v.Text(); isText {
				if path, active := session.MountPoint(name); active {
					mount = path
				}
			}
			v.Release()
		}
		child.Release()

		if mount != "" {
			return mount
		}
	}
}
