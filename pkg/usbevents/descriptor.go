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
	"fmt"
	"strconv"

	"github.com/UsbEventsProject/usbevents-core/pkg/devreg"
	"github.com/rs/zerolog"
)

// Field capacities of the native descriptor layout. Usable payload is
// one byte short of the capacity, matching the C string buffers the
// record is ABI-compatible with.
const (
	fieldCap     = 512
	pathFieldCap = 1024
)

// DeviceDescriptor is the fixed record handed to event callbacks. Every
// field is either a valid bounded string or empty, never uninitialized.
// The record is constructed fresh per event, passed by value to exactly
// one callback invocation, and holds no references to native resources.
//
// ProductID and VendorID are decimal renderings of 32-bit signed
// integers. ProductDescription and VendorDescription duplicate Product
// and Vendor; downstream consumers rely on the duplicated field
// semantics, so the duplication is kept as is.
type DeviceDescriptor struct {
	DeviceName         string
	DeviceSystemPath   string
	Product            string
	ProductDescription string
	ProductID          string
	SerialNumber       string
	Vendor             string
	VendorDescription  string
	VendorID           string
}

// clip bounds a field to its capacity. Truncation is byte-wise and
// silent, as in the native layout.
func clip(s string, capacity int) string {
	if len(s) < capacity {
		return s
	}
	return s[:capacity-1]
}

// searchUp is the property search used for descriptor fields: upward
// through parent entries and recursively through children until a match
// is found.
var searchUp = devreg.SearchOptions{Recurse: true, Parents: true}

// extractDescriptor reads a device's properties into a descriptor. An
// unreadable display name is the one hard failure: the event is dropped
// by the caller. Every other miss leaves the corresponding field empty.
//
// Each successful property lookup hands back a retained value that must
// be released after the copy, including on recursive search paths. Under
// prolonged device churn a missed release is a process-lifetime resource
// leak rather than a logic error, so releases are unconditional.
func extractDescriptor(entry devreg.Entry, logger zerolog.Logger) (DeviceDescriptor, error) {
	name, err := entry.Name()
	if err != nil {
		return DeviceDescriptor{}, fmt.Errorf("read device name: %w", err)
	}

	var desc DeviceDescriptor
	desc.DeviceName = clip(name, fieldCap)

	if path, pathErr := entry.Path(); pathErr == nil {
		desc.DeviceSystemPath = clip(path, pathFieldCap)
	}

	logger.Debug().
		Str("name", name).
		Str("class", entry.ClassName()).
		Msg("reading usb device properties")

	if v, ok := entry.LookupProperty(devreg.KeyVendorName, searchUp); ok {
		if s, isText := v.Text(); isText {
			desc.Vendor = clip(s, fieldCap)
			desc.VendorDescription = desc.Vendor
		}
		v.Release()
	}

	if v, ok := entry.LookupProperty(devreg.KeyVendorID, searchUp); ok {
		if n, isNum := v.Int32(); isNum {
			desc.VendorID = strconv.FormatInt(int64(n), 10)
		}
		v.Release()
	}

	if v, ok := entry.LookupProperty(devreg.KeyProductName, searchUp); ok {
		if s, isText := v.Text(); isText {
			desc.Product = clip(s, fieldCap)
			desc.ProductDescription = desc.Product
		}
		v.Release()
	}

	if v, ok := entry.LookupProperty(devreg.KeyProductID, searchUp); ok {
		if n, isNum := v.Int32(); isNum {
			desc.ProductID = strconv.FormatInt(int64(n), 10)
		}
		v.Release()
	}

	if v, ok := entry.LookupProperty(devreg.KeySerialNumber, searchUp); ok {
		if s, isText := v.Text(); isText {
			desc.SerialNumber = clip(s, fieldCap)
		}
		v.Release()
	}

	return desc, nil
}
