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

package host

import (
	"testing"

	"github.com/UsbEventsProject/usbevents-core/pkg/devreg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProfile = `{
  "SPUSBDataType" : [
    {
      "_name" : "USB31Bus",
      "host_controller" : "AppleT8103USBXHCI",
      "_items" : [
        {
          "_name" : "USB3.1 Hub",
          "location_id" : "0x01100000 / 1",
          "manufacturer" : "Genesys Logic, Inc.",
          "product_id" : "0x0620",
          "serial_num" : "GL3510E",
          "vendor_id" : "0x05e3  (Genesys Logic, Inc.)",
          "_items" : [
            {
              "_name" : "USB DISK 3.0",
              "bcd_device" : "1.10",
              "location_id" : "0x01140000 / 4",
              "manufacturer" : "Kingston",
              "product_id" : "0x1625",
              "serial_num" : "0019E06B9C85F971",
              "vendor_id" : "0x0951  (Kingston Technology Company)",
              "Media" : [
                {
                  "_name" : "USB DISK 3.0",
                  "bsd_name" : "disk4",
                  "volumes" : [
                    {
                      "_name" : "TEST",
                      "bsd_name" : "disk4s1",
                      "file_system" : "MS-DOS FAT32",
                      "mount_point" : "/Volumes/TEST"
                    }
                  ]
                }
              ]
            }
          ]
        }
      ]
    }
  ]
}`

func findNode(roots []*node, name string) *node {
	var found *node
	for _, root := range roots {
		walk(root, func(n *node) {
			if found == nil && n.name == name && n.class == devreg.ClassUSBDevice {
				found = n
			}
		})
	}
	return found
}

func TestParseSystemProfilerTree(t *testing.T) {
	t.Parallel()

	roots := parseSystemProfiler([]byte(sampleProfile))
	require.Len(t, roots, 1)

	bus := roots[0]
	assert.Equal(t, "USB31Bus", bus.name)
	assert.Equal(t, "IOService:/AppleT8103USBXHCI", bus.path)
	assert.Empty(t, bus.key, "controllers do not participate in hot-plug diffing")

	hub := findNode(roots, "USB3.1 Hub")
	require.NotNil(t, hub)
	assert.Equal(t, "IOService:/AppleT8103USBXHCI/USB3.1Hub@01100000", hub.path)
	assert.Equal(t, int64(0x05e3), hub.props[devreg.KeyVendorID])
	assert.Equal(t, "Genesys Logic, Inc.", hub.props[devreg.KeyVendorName])

	stick := findNode(roots, "USB DISK 3.0")
	require.NotNil(t, stick)
	assert.Equal(t, hub.path+"/USBDISK3.0@01140000", stick.path)
	assert.Equal(t, stick.path+"#0019E06B9C85F971", stick.key)
	assert.Equal(t, int64(0x0951), stick.props[devreg.KeyVendorID])
	assert.Equal(t, int64(0x1625), stick.props[devreg.KeyProductID])
	assert.Equal(t, "0019E06B9C85F971", stick.props[devreg.KeySerialNumber])
	assert.Equal(t, "USB DISK 3.0", stick.props[devreg.KeyProductName])
}

func TestParseSystemProfilerSynthesizesMassStorageInterface(t *testing.T) {
	t.Parallel()

	roots := parseSystemProfiler([]byte(sampleProfile))
	stick := findNode(roots, "USB DISK 3.0")
	require.NotNil(t, stick)
	require.NotEmpty(t, stick.children)

	iface := stick.children[0]
	assert.Equal(t, devreg.ClassUSBInterface, iface.class)
	assert.Equal(t, int64(devreg.InterfaceClassMassStorage), iface.props[devreg.KeyInterfaceClass])
	assert.Equal(t, int64(devreg.InterfaceSubClassSCSI), iface.props[devreg.KeyInterfaceSubClass])
	assert.Equal(t, stick.path+"/IOUSBInterface@0", iface.path)

	require.Len(t, iface.children, 1)
	media := iface.children[0]
	assert.Equal(t, "disk4", media.props[devreg.KeyBSDName])

	require.Len(t, media.children, 1)
	assert.Equal(t, "disk4s1", media.children[0].props[devreg.KeyBSDName])
}

func TestFlattenKeysDevicesOnly(t *testing.T) {
	t.Parallel()

	known := flatten(parseSystemProfiler([]byte(sampleProfile)))
	assert.Len(t, known, 2, "hub and stick carry diff keys")
}

func TestMatchFilterOverSnapshot(t *testing.T) {
	t.Parallel()

	roots := parseSystemProfiler([]byte(sampleProfile))

	var interfaces, media []*node
	for _, root := range roots {
		walk(root, func(n *node) {
			if matchFilter(devreg.MassStorageInterfaceFilter(), n) {
				interfaces = append(interfaces, n)
			}
			if matchFilter(devreg.BSDNameFilter("disk4"), n) {
				media = append(media, n)
			}
		})
	}
	assert.Len(t, interfaces, 1)
	assert.Len(t, media, 1)
}

func TestParseHexID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"0x05ac  (Apple Inc.)", 0x05ac, true},
		{"0x8406", 0x8406, true},
		{"apple_vendor_id", 0, false},
		{"", 0, false},
		{"0x", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseHexID(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseLocationID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "01100000", parseLocationID("0x01100000 / 1"))
	assert.Equal(t, "00100000", parseLocationID("0x00100000"))
	assert.Equal(t, "0", parseLocationID(""))
}
