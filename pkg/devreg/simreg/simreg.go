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

// Package simreg is an in-memory device registry and disk-arbitration
// backend. It implements both service ports against one shared device
// tree, so the registry and the disk side always agree on block-device
// identifiers. It exists for tests and for the demo harness.
//
// The simulator enforces the registry handle contract: every Entry,
// Iterator, Value and Session is counted while retained, LiveHandles
// reports the outstanding total, and releasing a handle twice panics.
package simreg

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/UsbEventsProject/usbevents-core/pkg/devreg"
	"github.com/UsbEventsProject/usbevents-core/pkg/diskarb"
	"github.com/UsbEventsProject/usbevents-core/pkg/helpers/syncutil"
	"github.com/rs/zerolog/log"
)

// batchBuffer bounds undelivered notification batches per subscription.
const batchBuffer = 64

// DeviceID identifies an attached device tree within the simulator.
type DeviceID int

// DeviceSpec describes one registry node to attach. Children become
// child nodes of the same device.
type DeviceSpec struct {
	Properties map[string]any
	Name       string
	Class      string
	// Location is the node's registry path segment, such as
	// "IOUSBHostDevice@01100000". Defaults to the class name.
	Location string
	Children []DeviceSpec
	// Unreadable simulates a node whose display name cannot be read.
	Unreadable bool
}

type node struct {
	props      map[string]any
	parent     *node
	name       string
	class      string
	location   string
	children   []*node
	id         DeviceID
	unreadable bool
}

func (n *node) path() string {
	if n.parent == nil {
		return "IOService:/" + n.segment()
	}
	return n.parent.path() + "/" + n.segment()
}

func (n *node) segment() string {
	if n.location != "" {
		return n.location
	}
	return n.class
}

// Sim is a simulated host: a device registry plus disk-arbitration state.
// It implements devreg.Registry and diskarb.Arbitrator.
type Sim struct {
	subs         map[*subscription]struct{}
	mounts       map[string]string
	subscribeErr error
	subscribeOK  int
	roots        []*node
	nextID       DeviceID
	handles      atomic.Int64
	mu           syncutil.RWMutex
}

// New returns an empty simulated host.
func New() *Sim {
	return &Sim{
		subs:   make(map[*subscription]struct{}),
		mounts: make(map[string]string),
	}
}

// LiveHandles returns the number of retained registry handles. A caller
// that releases everything it was handed leaves this at its baseline.
func (s *Sim) LiveHandles() int64 {
	return s.handles.Load()
}

// SetSubscribeErr makes subsequent Subscribe calls fail with err until
// cleared with nil. Used to exercise the fatal-registration path.
func (s *Sim) SetSubscribeErr(err error) {
	s.SetSubscribeErrAfter(0, err)
}

// SetSubscribeErrAfter lets n Subscribe calls succeed before the
// injected failure applies.
func (s *Sim) SetSubscribeErrAfter(n int, err error) {
	s.mu.Lock()
	s.subscribeErr = err
	s.subscribeOK = n
	s.mu.Unlock()
}

// Attach adds a device tree to the registry and delivers a matched batch
// to every live subscription whose filter the new nodes satisfy.
func (s *Sim) Attach(spec DeviceSpec) DeviceID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	root := s.buildNode(spec, nil, s.nextID)
	s.roots = append(s.roots, root)

	s.notify(devreg.EventMatched, root)
	return root.id
}

// Detach removes a previously attached device tree and delivers a
// terminated batch to matching subscriptions. Unknown ids are ignored.
func (s *Sim) Detach(id DeviceID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, root := range s.roots {
		if root.id != id {
			continue
		}
		s.roots = append(s.roots[:i], s.roots[i+1:]...)
		s.notify(devreg.EventTerminated, root)
		return
	}
}

// SetMount records an active mount for a block-device identifier.
func (s *Sim) SetMount(bsdName, mountPath string) {
	s.mu.Lock()
	s.mounts[bsdName] = mountPath
	s.mu.Unlock()
}

// ClearMount removes an active mount.
func (s *Sim) ClearMount(bsdName string) {
	s.mu.Lock()
	delete(s.mounts, bsdName)
	s.mu.Unlock()
}

func (s *Sim) buildNode(spec DeviceSpec, parent *node, id DeviceID) *node {
	props := make(map[string]any, len(spec.Properties))
	for k, v := range spec.Properties {
		props[k] = normalizeProp(v)
	}
	n := &node{
		id:         id,
		name:       spec.Name,
		class:      spec.Class,
		location:   spec.Location,
		props:      props,
		parent:     parent,
		unreadable: spec.Unreadable,
	}
	for _, child := range spec.Children {
		n.children = append(n.children, s.buildNode(child, n, id))
	}
	return n
}

// notify delivers the nodes of a subtree matching each live subscription
// of the given kind, in registry iteration order. Callers hold s.mu.
func (s *Sim) notify(kind devreg.EventKind, root *node) {
	for sub := range s.subs {
		if sub.kind != kind {
			continue
		}
		var matches []*node
		walk(root, func(n *node) {
			if matchFilter(sub.filter, n) {
				matches = append(matches, n)
			}
		})
		if len(matches) == 0 {
			continue
		}
		select {
		case sub.ch <- s.newIterator(matches):
		default:
			log.Warn().
				Str("kind", kind.String()).
				Msg("simreg: subscription batch buffer full, dropping batch")
		}
	}
}

// Matching implements devreg.Registry.
func (s *Sim) Matching(f devreg.Filter) (devreg.Iterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []*node
	for _, root := range s.roots {
		walk(root, func(n *node) {
			if matchFilter(f, n) {
				matches = append(matches, n)
			}
		})
	}
	return s.newIterator(matches), nil
}

// NewNotificationPort implements devreg.Registry.
func (s *Sim) NewNotificationPort() (devreg.NotificationPort, error) {
	return &port{sim: s}, nil
}

// OpenSession implements diskarb.Arbitrator. The session snapshots the
// mount table, matching the short-lived per-query session the resolver
// opens against the real arbitration service.
func (s *Sim) OpenSession() (diskarb.Session, error) {
	s.mu.RLock()
	mounts := make(map[string]string, len(s.mounts))
	for k, v := range s.mounts {
		mounts[k] = v
	}
	s.mu.RUnlock()

	s.handles.Add(1)
	return &session{sim: s, mounts: mounts}, nil
}

func walk(n *node, visit func(*node)) {
	visit(n)
	for _, child := range n.children {
		walk(child, visit)
	}
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

// normalizeProp folds integer property values to int64 so filters and
// node properties compare regardless of the literal type used.
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

func (s *Sim) release(released *atomic.Bool, what string) {
	if !released.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("simreg: double release of %s", what))
	}
	s.handles.Add(-1)
}

// port implements devreg.NotificationPort.
type port struct {
	sim    *Sim
	subs   []*subscription
	closed bool
	mu     syncutil.Mutex
}

func (p *port) Subscribe(kind devreg.EventKind, f devreg.Filter) (devreg.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("simreg: notification port is closed")
	}

	s := p.sim
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subscribeErr != nil {
		if s.subscribeOK == 0 {
			return nil, s.subscribeErr
		}
		s.subscribeOK--
	}

	// The initial iterator drains devices already present for matched
	// subscriptions; a terminated subscription starts empty.
	var initial []*node
	if kind == devreg.EventMatched {
		for _, root := range s.roots {
			walk(root, func(n *node) {
				if matchFilter(f, n) {
					initial = append(initial, n)
				}
			})
		}
	}

	sub := &subscription{
		sim:     s,
		kind:    kind,
		filter:  f,
		ch:      make(chan devreg.Iterator, batchBuffer),
		initial: s.newIterator(initial),
	}
	s.subs[sub] = struct{}{}
	p.subs = append(p.subs, sub)
	return sub, nil
}

func (p *port) Close() {
	p.mu.Lock()
	subs := p.subs
	p.subs = nil
	p.closed = true
	p.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}

// subscription implements devreg.Subscription.
type subscription struct {
	sim       *Sim
	initial   devreg.Iterator
	ch        chan devreg.Iterator
	kind      devreg.EventKind
	filter    devreg.Filter
	cancelled bool
}

func (s *subscription) Initial() devreg.Iterator {
	return s.initial
}

func (s *subscription) Batches() <-chan devreg.Iterator {
	return s.ch
}

func (s *subscription) Cancel() {
	s.sim.mu.Lock()
	defer s.sim.mu.Unlock()
	if s.cancelled {
		return
	}
	s.cancelled = true
	delete(s.sim.subs, s)

	// A subscription torn down before its initial iterator was drained
	// still owns that handle.
	if it, ok := s.initial.(*iterator); ok && it.released.CompareAndSwap(false, true) {
		s.sim.handles.Add(-1)
	}

	// Release undelivered batches before closing so cancelled
	// subscriptions do not strand handles.
	for {
		select {
		case it := <-s.ch:
			it.Release()
		default:
			close(s.ch)
			return
		}
	}
}

// iterator implements devreg.Iterator over a fixed match set.
type iterator struct {
	sim      *Sim
	entries  []*node
	idx      int
	released atomic.Bool
}

func (s *Sim) newIterator(entries []*node) *iterator {
	s.handles.Add(1)
	return &iterator{sim: s, entries: entries}
}

func (it *iterator) Next() (devreg.Entry, bool) {
	if it.released.Load() || it.idx >= len(it.entries) {
		return nil, false
	}
	n := it.entries[it.idx]
	it.idx++
	it.sim.handles.Add(1)
	return &entry{sim: it.sim, node: n}, true
}

func (it *iterator) Release() {
	it.sim.release(&it.released, "iterator")
}

// entry implements devreg.Entry.
type entry struct {
	sim      *Sim
	node     *node
	released atomic.Bool
}

func (e *entry) Name() (string, error) {
	if e.node.unreadable {
		return "", errors.New("simreg: device name unavailable")
	}
	return e.node.name, nil
}

func (e *entry) Path() (string, error) {
	return e.node.path(), nil
}

func (e *entry) ClassName() string {
	return e.node.class
}

func (e *entry) LookupProperty(key string, opts devreg.SearchOptions) (devreg.Value, bool) {
	e.sim.mu.RLock()
	defer e.sim.mu.RUnlock()

	raw, ok := searchProperty(e.node, key, opts)
	if !ok {
		return nil, false
	}
	e.sim.handles.Add(1)
	return &value{sim: e.sim, raw: raw}, true
}

// searchProperty checks the node itself, then child entries recursively,
// then parent entries, per the search options.
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
	e.sim.mu.RLock()
	defer e.sim.mu.RUnlock()
	return e.sim.newIterator(e.node.children), nil
}

func (e *entry) Release() {
	e.sim.release(&e.released, "entry")
}

// value implements devreg.Value.
type value struct {
	sim      *Sim
	raw      any
	released atomic.Bool
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

func (v *value) Release() {
	v.sim.release(&v.released, "value")
}

// session implements diskarb.Session.
type session struct {
	sim      *Sim
	mounts   map[string]string
	released atomic.Bool
}

func (s *session) MountPoint(bsdName string) (string, bool) {
	path, ok := s.mounts[bsdName]
	if !ok || path == "" {
		return "", false
	}
	return path, true
}

func (s *session) Close() {
	s.sim.release(&s.released, "session")
}
