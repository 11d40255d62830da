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

// Package host backs the device-registry and disk-arbitration ports with
// the macOS host. Registry snapshots come from
// `system_profiler SPUSBDataType -json`; hot-plug notifications are
// produced by diffing successive snapshots on a poll ticker, with a
// filesystem watch on /Volumes nudging an immediate re-poll since mount
// activity usually trails a storage device's attach. Mount lookups read
// the host's partition table.
package host

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/UsbEventsProject/usbevents-core/pkg/devreg"
	"github.com/UsbEventsProject/usbevents-core/pkg/diskarb"
	"github.com/jonboulle/clockwork"
	"github.com/shirou/gopsutil/v4/disk"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultExecTimeout  = 30 * time.Second
	volumesPath         = "/Volumes"
)

// Host implements devreg.Registry and diskarb.Arbitrator against the
// running system. A Host holds no resources itself; notification ports
// created from it own their poll goroutines.
type Host struct {
	clock        clockwork.Clock
	snapshotFn   func(context.Context) ([]*node, error)
	volumesDir   string
	pollInterval time.Duration
	execTimeout  time.Duration
}

// Option configures a Host.
type Option func(*Host)

// WithPollInterval sets the snapshot poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(h *Host) { h.pollInterval = d }
}

// WithClock injects the clock driving the poll ticker.
func WithClock(c clockwork.Clock) Option {
	return func(h *Host) { h.clock = c }
}

// New returns a host backend.
func New(opts ...Option) (*Host, error) {
	h := &Host{
		clock:        clockwork.NewRealClock(),
		volumesDir:   volumesPath,
		pollInterval: defaultPollInterval,
		execTimeout:  defaultExecTimeout,
	}
	h.snapshotFn = h.profilerSnapshot
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *Host) snapshot(ctx context.Context) ([]*node, error) {
	return h.snapshotFn(ctx)
}

func (h *Host) profilerSnapshot(ctx context.Context) ([]*node, error) {
	ctx, cancel := context.WithTimeout(ctx, h.execTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "system_profiler", "SPUSBDataType", "-json").Output()
	if err != nil {
		return nil, fmt.Errorf("run system_profiler: %w", err)
	}
	return parseSystemProfiler(out), nil
}

// Matching implements devreg.Registry over a fresh snapshot.
func (h *Host) Matching(f devreg.Filter) (devreg.Iterator, error) {
	roots, err := h.snapshot(context.Background())
	if err != nil {
		return nil, err
	}
	var matches []*node
	for _, root := range roots {
		walk(root, func(n *node) {
			if matchFilter(f, n) {
				matches = append(matches, n)
			}
		})
	}
	return newIterator(matches), nil
}

// NewNotificationPort implements devreg.Registry.
func (h *Host) NewNotificationPort() (devreg.NotificationPort, error) {
	return newPort(h)
}

// OpenSession implements diskarb.Arbitrator. The session snapshots the
// host partition table; block devices are keyed by their short name, so
// "/dev/disk4s1" resolves for the identifier "disk4s1".
func (h *Host) OpenSession() (diskarb.Session, error) {
	parts, err := disk.PartitionsWithContext(context.Background(), false)
	if err != nil {
		return nil, fmt.Errorf("read partition table: %w", err)
	}
	mounts := make(map[string]string, len(parts))
	for _, p := range parts {
		name := strings.TrimPrefix(p.Device, "/dev/")
		if name == "" || p.Mountpoint == "" {
			continue
		}
		mounts[name] = p.Mountpoint
	}
	return &session{mounts: mounts}, nil
}

type session struct {
	mounts map[string]string
}

func (s *session) MountPoint(bsdName string) (string, bool) {
	path, ok := s.mounts[bsdName]
	return path, ok
}

func (*session) Close() {}
