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

// Package devreg defines the device-registry port: the live tree of
// attached hardware service nodes, each exposing key/value properties and
// parent/child relationships, plus hot-plug match notifications.
//
// Implementations back this interface with a real host registry or an
// in-memory simulation (see simreg). Handle ownership follows the
// registry convention: every Entry, Iterator and Value handed out is
// retained and must be released exactly once by the receiver.
package devreg

// EventKind is one of the two hot-plug notification kinds.
type EventKind int

const (
	// EventMatched fires for a device newly satisfying a match filter.
	EventMatched EventKind = iota
	// EventTerminated fires for a previously matching device that
	// disappeared.
	EventTerminated
)

func (k EventKind) String() string {
	switch k {
	case EventMatched:
		return "matched"
	case EventTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Registry node classes and property keys used by the watcher and the
// mount resolver.
const (
	ClassUSBDevice    = "IOUSBDevice"
	ClassUSBInterface = "IOUSBInterface"

	KeyBSDName           = "BSD Name"
	KeyVendorName        = "USB Vendor Name"
	KeyVendorID          = "idVendor"
	KeyProductName       = "USB Product Name"
	KeyProductID         = "idProduct"
	KeySerialNumber      = "USB Serial Number"
	KeyInterfaceClass    = "bInterfaceClass"
	KeyInterfaceSubClass = "bInterfaceSubClass"
)

// USB interface class codes for mass-storage matching.
const (
	InterfaceClassMassStorage int32 = 8
	InterfaceSubClassSCSI     int32 = 6
)

// Filter is a registry matching query: a node class plus property values
// that must all be present and equal on the node.
type Filter struct {
	Properties map[string]any
	Class      string
}

// USBDeviceFilter matches every USB device node.
func USBDeviceFilter() Filter {
	return Filter{Class: ClassUSBDevice}
}

// MassStorageInterfaceFilter matches USB mass-storage interface nodes.
// The SCSI subclass is always specified: a class-only query returns zero
// matches on the host registry, even though it narrows matching to the
// one subclass value seen in practice.
func MassStorageInterfaceFilter() Filter {
	return Filter{
		Class: ClassUSBInterface,
		Properties: map[string]any{
			KeyInterfaceClass:    InterfaceClassMassStorage,
			KeyInterfaceSubClass: InterfaceSubClassSCSI,
		},
	}
}

// BSDNameFilter matches any node carrying the given block-device
// identifier, regardless of class.
func BSDNameFilter(bsdName string) Filter {
	return Filter{Properties: map[string]any{KeyBSDName: bsdName}}
}

// SearchOptions controls how far a property lookup walks from the
// starting node.
type SearchOptions struct {
	// Recurse extends the search through child entries.
	Recurse bool
	// Parents extends the search upward through parent entries.
	Parents bool
}

// Value is a retained property value. The receiver owns it and must call
// Release exactly once after copying the contents out; holding a Value
// past Release is a use-after-free in host-backed registries.
type Value interface {
	// Text returns the value as a string, if it is string-typed.
	Text() (string, bool)
	// Int32 returns the value as a 32-bit signed integer, if numeric.
	Int32() (int32, bool)
	Release()
}

// Entry is a retained handle to one registry node.
type Entry interface {
	// Name returns the node's display name. This is the only property
	// whose absence makes a device unreadable.
	Name() (string, error)
	// Path returns the node's registry path in the service plane.
	Path() (string, error)
	// ClassName returns the node's class, for diagnostics.
	ClassName() string
	// LookupProperty searches for a property starting at this node,
	// walking children and/or parents per opts. A successful lookup
	// returns a retained Value the caller must release.
	LookupProperty(key string, opts SearchOptions) (Value, bool)
	// Children returns a retained iterator over the node's direct
	// children.
	Children() (Iterator, error)
	Release()
}

// Iterator walks a set of registry entries in registry iteration order.
// Entries returned by Next are retained and owned by the caller.
type Iterator interface {
	Next() (Entry, bool)
	Release()
}

// Registry is the device-registry service boundary.
type Registry interface {
	// Matching returns a retained iterator over all nodes satisfying
	// the filter, in registry iteration order.
	Matching(f Filter) (Iterator, error)
	// NewNotificationPort creates a notification channel for hot-plug
	// subscriptions. The caller owns the port and must close it.
	NewNotificationPort() (NotificationPort, error)
}

// NotificationPort is a registry notification channel. Subscriptions
// registered on it stay live until cancelled or the port is closed.
type NotificationPort interface {
	Subscribe(kind EventKind, f Filter) (Subscription, error)
	Close()
}

// Subscription is one live matched/terminated registration.
type Subscription interface {
	// Initial returns the entries that already satisfied the filter at
	// registration time. Draining it arms live delivery; the watcher
	// uses it to synthesize events for already-connected devices.
	Initial() Iterator
	// Batches delivers one iterator per registry event batch. The
	// channel is closed by Cancel.
	Batches() <-chan Iterator
	Cancel()
}
