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
	"errors"

	"github.com/UsbEventsProject/usbevents-core/pkg/devreg"
)

// Snapshot-backed handles are garbage-collected Go values, so Release is
// a no-op here; the contract still requires callers to release, which
// keeps them correct against refcounted backends.

type entry struct {
	node *node
}

func (e *entry) Name() (string, error) {
	if e.node.name == "" {
		return "", errors.New("host: device name unavailable")
	}
	return e.node.name, nil
}

func (e *entry) Path() (string, error) {
	return e.node.path, nil
}

func (e *entry) ClassName() string {
	return e.node.class
}

func (e *entry) LookupProperty(key string, opts devreg.SearchOptions) (devreg.Value, bool) {
	raw, ok := searchProperty(e.node, key, opts)
	if !ok {
		return nil, false
	}
	return &value{raw: raw}, true
}

func searchProperty(n *node, key string, opts devreg.SearchOptions) (any, bool) {
	if raw, ok := n.props[key]; ok {
		return raw, true
	}
	if opts.Recurse {
		for _, child := range n.children {
			if raw, ok := searchProperty(child, key, devreg.SearchOptions{Recurse: true}); ok {
				return raw, true
			}
		}
	}
	if opts.Parents {
		for parent := n.parent; parent != nil; parent = parent.parent {
			if raw, ok := parent.props[key]; ok {
				return raw, true
			}
			if !opts.Recurse {
				break
			}
		}
	}
	return nil, false
}

func (e *entry) Children() (devreg.Iterator, error) {
	return &iterator{entries: e.node.children}, nil
}

func (*entry) Release() {}

type iterator struct {
	entries []*node
	idx     int
}

func newIterator(entries []*node) *iterator {
	return &iterator{entries: entries}
}

func (it *iterator) Next() (devreg.Entry, bool) {
	if it.idx >= len(it.entries) {
		return nil, false
	}
	n := it.entries[it.idx]
	it.idx++
	return &entry{node: n}, true
}

func (*iterator) Release() {}

type value struct {
	raw any
}

func (v *value) Text() (string, bool) {
	s, ok := v.raw.(string)
	return s, ok
}

func (v *value) Int32() (int32, bool) {
	n, ok := v.raw.(int64)
	if !ok {
		return 0, false
	}
	return int32(n), true
}

func (*value) Release() {}
