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
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/UsbEventsProject/usbevents-core/pkg/devreg"
	"github.com/UsbEventsProject/usbevents-core/pkg/helpers/syncutil"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const batchBuffer = 64

// notificationPort produces hot-plug batches by diffing successive host
// snapshots. Devices are identified across polls by registry path plus
// serial number.
type notificationPort struct {
	h     *Host
	subs  map[*subscription]struct{}
	known map[string]*node
	roots []*node
	fs    *fsnotify.Watcher
	stop  chan struct{}
	nudge chan struct{}

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    bool
	mu        syncutil.Mutex
}

func newPort(h *Host) (*notificationPort, error) {
	p := &notificationPort{
		h:     h,
		subs:  make(map[*subscription]struct{}),
		known: make(map[string]*node),
		stop:  make(chan struct{}),
		nudge: make(chan struct{}, 1),
	}

	roots, err := h.snapshot(context.Background())
	if err != nil {
		log.Warn().Err(err).Msg("initial usb snapshot failed, starting empty")
	} else {
		p.roots = roots
		p.known = flatten(roots)
	}

	// Mount activity trails a storage device's attach; watching the
	// volumes directory cuts poll latency for the common case. The port
	// still works on the ticker alone when the watch cannot be set up.
	fs, err := fsnotify.NewWatcher()
	if err == nil {
		if addErr := fs.Add(h.volumesDir); addErr != nil {
			log.Debug().Err(addErr).Str("dir", h.volumesDir).Msg("volumes watch unavailable")
			_ = fs.Close()
		} else {
			p.fs = fs
			p.wg.Add(1)
			go p.watchVolumes()
		}
	}

	p.wg.Add(1)
	go p.run()
	return p, nil
}

func (p *notificationPort) Subscribe(kind devreg.EventKind, f devreg.Filter) (devreg.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("host: notification port is closed")
	}

	var initial []*node
	if kind == devreg.EventMatched {
		for _, root := range p.roots {
			walk(root, func(n *node) {
				if matchFilter(f, n) {
					initial = append(initial, n)
				}
			})
		}
	}

	sub := &subscription{
		port:    p,
		kind:    kind,
		filter:  f,
		ch:      make(chan devreg.Iterator, batchBuffer),
		initial: newIterator(initial),
	}
	p.subs[sub] = struct{}{}
	return sub, nil
}

func (p *notificationPort) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		subs := make([]*subscription, 0, len(p.subs))
		for sub := range p.subs {
			subs = append(subs, sub)
		}
		p.mu.Unlock()

		close(p.stop)
		if p.fs != nil {
			_ = p.fs.Close()
		}
		p.wg.Wait()

		for _, sub := range subs {
			sub.Cancel()
		}
	})
}

func (p *notificationPort) run() {
	defer p.wg.Done()

	ticker := p.h.clock.NewTicker(p.h.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.Chan():
		case <-p.nudge:
		}
		p.refresh()
	}
}

func (p *notificationPort) watchVolumes() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stop:
			return
		case _, ok := <-p.fs.Events:
			if !ok {
				return
			}
			select {
			case p.nudge <- struct{}{}:
			default:
			}
		case err, ok := <-p.fs.Errors:
			if !ok {
				return
			}
			log.Debug().Err(err).Msg("volumes watch error")
		}
	}
}

// refresh polls a snapshot and delivers matched batches for new devices
// and terminated batches for vanished ones.
func (p *notificationPort) refresh() {
	roots, err := p.h.snapshot(context.Background())
	if err != nil {
		log.Debug().Err(err).Msg("usb snapshot failed")
		return
	}
	now := flatten(roots)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	var added []*node
	for _, root := range roots {
		walk(root, func(n *node) {
			if n.key == "" {
				return
			}
			if _, ok := p.known[n.key]; !ok {
				added = append(added, n)
			}
		})
	}

	var removed []*node
	for key, n := range p.known {
		if _, ok := now[key]; !ok {
			removed = append(removed, n)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].path < removed[j].path })

	p.roots = roots
	p.known = now

	if len(added) > 0 {
		p.deliver(devreg.EventMatched, added)
	}
	if len(removed) > 0 {
		p.deliver(devreg.EventTerminated, removed)
	}
}

// deliver fans one event batch out to matching subscriptions. Callers
// hold p.mu.
func (p *notificationPort) deliver(kind devreg.EventKind, nodes []*node) {
	for sub := range p.subs {
		if sub.kind != kind {
			continue
		}
		var matches []*node
		for _, n := range nodes {
			if matchFilter(sub.filter, n) {
				matches = append(matches, n)
			}
		}
		if len(matches) == 0 {
			continue
		}
		select {
		case sub.ch <- newIterator(matches):
		default:
			log.Warn().
				Str("kind", kind.String()).
				Msg("subscription batch buffer full, dropping batch")
		}
	}
}

type subscription struct {
	port    *notificationPort
	initial devreg.Iterator
	ch      chan devreg.Iterator
	kind    devreg.EventKind
	filter  devreg.Filter

	cancelled bool
}

func (s *subscription) Initial() devreg.Iterator {
	return s.initial
}

func (s *subscription) Batches() <-chan devreg.Iterator {
	return s.ch
}

func (s *subscription) Cancel() {
	s.port.mu.Lock()
	defer s.port.mu.Unlock()
	if s.cancelled {
		return
	}
	s.cancelled = true
	delete(s.port.subs, s)
	close(s.ch)
}
