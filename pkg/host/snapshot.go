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
	"strconv"
	"strings"

	"github.com/UsbEventsProject/usbevents-core/pkg/devreg"
	"github.com/tidwall/gjson"
)

// node is one snapshot registry node. Snapshots are immutable once
// built; a new poll produces a fresh tree.
type node struct {
	props    map[string]any
	parent   *node
	name     string
	class    string
	path     string
	key      string
	children []*node
}

// parseSystemProfiler builds a registry tree from the JSON output of
// `system_profiler SPUSBDataType -json`. Bus entries become controller
// nodes, their "_items" become USB device nodes, and devices exposing
// Media grow a synthesized mass-storage interface node whose children
// carry the media and partition block-device identifiers.
func parseSystemProfiler(data []byte) []*node {
	var buses []*node
	gjson.GetBytes(data, "SPUSBDataType").ForEach(func(_, bus gjson.Result) bool {
		controller := bus.Get("host_controller").String()
		if controller == "" {
			controller = "IOUSBHostController"
		}
		busNode := &node{
			name:  bus.Get("_name").String(),
			class: "IOUSBHostController",
			path:  "IOService:/" + controller,
			props: map[string]any{},
		}
		bus.Get("_items").ForEach(func(_, item gjson.Result) bool {
			busNode.children = append(busNode.children, parseDevice(item, busNode))
			return true
		})
		buses = append(buses, busNode)
		return true
	})
	return buses
}

func parseDevice(item gjson.Result, parent *node) *node {
	name := item.Get("_name").String()
	props := map[string]any{}

	if s := item.Get("manufacturer").String(); s != "" {
		props[devreg.KeyVendorName] = s
	}
	if name != "" {
		props[devreg.KeyProductName] = name
	}
	if s := item.Get("serial_num").String(); s != "" {
		props[devreg.KeySerialNumber] = s
	}
	if id, ok := parseHexID(item.Get("vendor_id").String()); ok {
		props[devreg.KeyVendorID] = id
	}
	if id, ok := parseHexID(item.Get("product_id").String()); ok {
		props[devreg.KeyProductID] = id
	}

	location := parseLocationID(item.Get("location_id").String())
	dev := &node{
		name:   name,
		class:  devreg.ClassUSBDevice,
		parent: parent,
		props:  props,
		path:   parent.path + "/" + pathSegment(name) + "@" + location,
	}
	dev.key = dev.path + "#" + item.Get("serial_num").String()

	if media := item.Get("Media"); media.IsArray() {
		dev.children = append(dev.children, parseMassStorage(media, dev))
	}
	item.Get("_items").ForEach(func(_, child gjson.Result) bool {
		dev.children = append(dev.children, parseDevice(child, dev))
		return true
	})
	return dev
}

// parseMassStorage synthesizes the interface node the mount resolver
// matches against. The registry proper exposes a SCSI mass-storage
// interface for these devices; system_profiler flattens it into the
// Media array, so the class and subclass codes are filled in here.
func parseMassStorage(media gjson.Result, dev *node) *node {
	iface := &node{
		name:   "IOUSBMassStorageInterface",
		class:  devreg.ClassUSBInterface,
		parent: dev,
		path:   dev.path + "/IOUSBInterface@0",
		props: map[string]any{
			devreg.KeyInterfaceClass:    int64(devreg.InterfaceClassMassStorage),
			devreg.KeyInterfaceSubClass: int64(devreg.InterfaceSubClassSCSI),
		},
	}
	media.ForEach(func(_, m gjson.Result) bool {
		bsd := m.Get("bsd_name").String()
		mediaNode := &node{
			name:   m.Get("_name").String(),
			class:  "IOMedia",
			parent: iface,
			path:   iface.path + "/" + pathSegment(bsd),
			props:  map[string]any{},
		}
		if bsd != "" {
			mediaNode.props[devreg.KeyBSDName] = bsd
		}
		m.Get("volumes").ForEach(func(_, vol gjson.Result) bool {
			volBSD := vol.Get("bsd_name").String()
			volNode := &node{
				name:   vol.Get("_name").String(),
				class:  "IOMedia",
				parent: mediaNode,
				path:   mediaNode.path + "/" + pathSegment(volBSD),
				props:  map[string]any{},
			}
			if volBSD != "" {
				volNode.props[devreg.KeyBSDName] = volBSD
			}
			mediaNode.children = append(mediaNode.children, volNode)
			return true
		})
		iface.children = append(iface.children, mediaNode)
		return true
	})
	return iface
}

// parseHexID reads ids of the form "0x05ac  (Apple Inc.)" or "0x8406".
func parseHexID(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") {
		return 0, false
	}
	hex := s[2:]
	if i := strings.IndexAny(hex, " \t("); i >= 0 {
		hex = hex[:i]
	}
	n, err := strconv.ParseInt(hex, 16, 32)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseLocationID reads the hex half of "0x01100000 / 1".
func parseLocationID(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	if i := strings.IndexAny(s, " /"); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "0"
	}
	return s
}

// pathSegment keeps registry path segments free of separators.
func pathSegment(s string) string {
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return "unknown"
	}
	return s
}

// walk visits n and its descendants depth-first, matching registry
// iteration order.
func walk(n *node, visit func(*node)) {
	visit(n)
	for _, child := range n.children {
		walk(child, visit)
	}
}

// flatten returns every node of a snapshot keyed by stable identity.
// Only nodes with a key (USB devices) participate in hot-plug diffing.
func flatten(roots []*node) map[string]*node {
	out := make(map[string]*node)
	for _, root := range roots {
		walk(root, func(n *node) {
			if n.key != "" {
				out[n.key] = n
			}
		})
	}
	return out
}

func matchFilter(f devreg.Filter, n *node) bool {
	if f.Class != "" && f.Class != n.class {
		return false
	}
	for key, want := range f.Properties {
		have, ok := n.props[key]
		if !ok || have != normalizeProp(want) {
			return false
		}
	}
	return true
}

func normalizeProp(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	default:
		return v
	}
}
