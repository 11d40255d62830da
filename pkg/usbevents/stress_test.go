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
	"testing"

	"github.com/UsbEventsProject/usbevents-core/pkg/devreg"
	"github.com/UsbEventsProject/usbevents-core/pkg/devreg/simreg"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// Property lookups hand back retained values; a missed release shows up
// only under prolonged device churn. This drives thousands of
// extractions and resolutions and asserts the handle table is flat.
func TestPropertyHandleStress(t *testing.T) {
	t.Parallel()

	sim := simreg.New()
	r := NewResolver(sim, sim, WithLogger(zerolog.Nop()))

	for i := 0; i < 2000; i++ {
		id := sim.Attach(massStorageStick("disk4", "disk4s1"))
		sim.SetMount("disk4s1", "/Volumes/STRESS")

		it, err := sim.Matching(devreg.USBDeviceFilter())
		require.NoError(t, err)
		for {
			entry, ok := it.Next()
			if !ok {
				break
			}
			_, extractErr := extractDescriptor(entry, zerolog.Nop())
			entry.Release()
			require.NoError(t, extractErr)
		}
		it.Release()

		r.ResolveMountPoint(stickPath, func(string) {})

		sim.ClearMount("disk4s1")
		sim.Detach(id)

		if sim.LiveHandles() != 0 {
			t.Fatalf("iteration %d: %d handles leaked", i, sim.LiveHandles())
		}
	}

	require.Zero(t, sim.LiveHandles())
}
