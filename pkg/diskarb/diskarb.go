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

// Package diskarb defines the disk-arbitration port: the subsystem that
// tracks mount state for block devices. The mount resolver opens one
// short-lived session per query and never mutates device state.
package diskarb

// Session is a short-lived handle to the disk-arbitration service.
type Session interface {
	// MountPoint returns the active mount directory for a block-device
	// identifier such as "disk4s1". The second return is false when the
	// device is unknown or has no active mount.
	MountPoint(bsdName string) (string, bool)
	Close()
}

// Arbitrator opens arbitration sessions.
type Arbitrator interface {
	OpenSession() (Session, error)
}
