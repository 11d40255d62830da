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

// Package usbevents watches USB device attach and detach events and
// resolves the filesystem mount point of a mass-storage device from its
// device-registry path. It is the native backend of a higher-level
// event-notification library: callers register an inserted and a removed
// callback and receive one populated DeviceDescriptor per event.
package usbevents

import (
	"errors"
	"fmt"

	"github.com/UsbEventsProject/usbevents-core/pkg/devreg"
	"github.com/UsbEventsProject/usbevents-core/pkg/diskarb"
	"github.com/UsbEventsProject/usbevents-core/pkg/helpers/syncutil"
	"github.com/UsbEventsProject/usbevents-core/pkg/host"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrAlreadyRunning is returned by Run when the context's event
	// loop is already executing on another goroutine.
	ErrAlreadyRunning = errors.New("usbevents: watcher is already running")
	// ErrRunning is returned by Close while the event loop is running.
	ErrRunning = errors.New("usbevents: watcher is running")
	// ErrClosed is returned by Run after the context has been released.
	ErrClosed = errors.New("usbevents: watcher is closed")
)

// Callback receives one device descriptor per event. The descriptor is
// passed by value and must not be assumed valid past the callback's
// return in any way that outlives the record itself; it retains no
// native resources.
type Callback func(DeviceDescriptor)

// Option configures a Watcher or a Resolver.
type Option func(*options)

type options struct {
	registry   devreg.Registry
	arbitrator diskarb.Arbitrator
	logger     zerolog.Logger
	hostOpts   []host.Option
}

// WithRegistry injects a device-registry backend. Defaults to the host
// registry.
func WithRegistry(r devreg.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithArbitrator injects a disk-arbitration backend. Defaults to the
// host arbitrator.
func WithArbitrator(a diskarb.Arbitrator) Option {
	return func(o *options) { o.arbitrator = a }
}

// WithLogger overrides the package-global logger for diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithHostOptions passes options through to the default host backend.
// Ignored when both backends are injected.
func WithHostOptions(opts ...host.Option) Option {
	return func(o *options) { o.hostOpts = append(o.hostOpts, opts...) }
}

// Watcher is one watcher context: the owned aggregate of the two event
// callbacks and every live registry resource acquired by a run of the
// event loop. A context starts inert, acquires resources only inside
// Run, and returns to inert when Run returns, so it may be run again.
// It must not be run concurrently with itself.
type Watcher struct {
	onInserted Callback
	onRemoved  Callback
	registry   devreg.Registry
	arbitrator diskarb.Arbitrator
	logger     zerolog.Logger
	hostOpts   []host.Option

	// wake is the cancellable stop source. It exists only while the
	// event loop is executing; Stop outside a run finds nil and is a
	// no-op.
	wake    chan struct{}
	running bool
	closed  bool
	mu      syncutil.Mutex
}

// New allocates an inert watcher context bound to the two callbacks.
// Nil callbacks are allowed and skip dispatch for that event kind.
func New(onInserted, onRemoved Callback, opts ...Option) *Watcher {
	o := options{logger: log.Logger}
	for _, opt := range opts {
		opt(&o)
	}
	return &Watcher{
		onInserted: onInserted,
		onRemoved:  onRemoved,
		registry:   o.registry,
		arbitrator: o.arbitrator,
		logger:     o.logger,
		hostOpts:   o.hostOpts,
	}
}

// ports returns the injected backends, building the host backend for
// whichever side was left unset.
func (w *Watcher) ports() (devreg.Registry, diskarb.Arbitrator, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.registry == nil || w.arbitrator == nil {
		h, err := host.New(w.hostOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("create host backend: %w", err)
		}
		if w.registry == nil {
			w.registry = h
		}
		if w.arbitrator == nil {
			w.arbitrator = h
		}
	}
	return w.registry, w.arbitrator, nil
}

// Run executes the event loop on the calling goroutine and blocks until
// Stop is called or a subscription registration fails. Registration
// failure is fatal to this invocation only: the error is returned and
// the context stays reusable for another Run.
//
// Devices already present when the subscriptions register are drained as
// insertion events before any live hot-plug event, so callers observe
// connected devices without a separate enumeration call.
func (w *Watcher) Run() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.running {
		w.mu.Unlock()
		return ErrAlreadyRunning
	}
	w.running = true
	wake := make(chan struct{}, 1)
	w.wake = wake
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.wake = nil
		w.mu.Unlock()
	}()

	registry, _, err := w.ports()
	if err != nil {
		return err
	}

	port, err := registry.NewNotificationPort()
	if err != nil {
		return fmt.Errorf("create notification port: %w", err)
	}
	defer port.Close()

	matched, err := port.Subscribe(devreg.EventMatched, devreg.USBDeviceFilter())
	if err != nil {
		return fmt.Errorf("register matched subscription: %w", err)
	}
	defer matched.Cancel()
	w.dispatchBatch(matched.Initial(), devreg.EventMatched)

	terminated, err := port.Subscribe(devreg.EventTerminated, devreg.USBDeviceFilter())
	if err != nil {
		return fmt.Errorf("register terminated subscription: %w", err)
	}
	defer terminated.Cancel()
	w.dispatchBatch(terminated.Initial(), devreg.EventTerminated)

	w.logger.Debug().Msg("usb watcher running")

	for {
		select {
		case <-wake:
			w.logger.Debug().Msg("usb watcher stop requested")
			return nil
		case batch, ok := <-matched.Batches():
			if !ok {
				return nil
			}
			w.dispatchBatch(batch, devreg.EventMatched)
		case batch, ok := <-terminated.Batches():
			if !ok {
				return nil
			}
			w.dispatchBatch(batch, devreg.EventTerminated)
		}
	}
}

// dispatchBatch extracts and delivers every device of one registry
// batch, in iteration order, on the loop goroutine. Unreadable devices
// are skipped without aborting the batch.
func (w *Watcher) dispatchBatch(batch devreg.Iterator, kind devreg.EventKind) {
	defer batch.Release()

	cb := w.onInserted
	if kind == devreg.EventTerminated {
		cb = w.onRemoved
	}

	for {
		entry, ok := batch.Next()
		if !ok {
			return
		}
		desc, err := extractDescriptor(entry, w.logger)
		entry.Release()
		if err != nil {
			w.logger.Warn().
				Err(err).
				Str("event", kind.String()).
				Msg("dropping unreadable usb device")
			continue
		}
		w.logger.Debug().
			Str("event", kind.String()).
			Str("name", desc.DeviceName).
			Str("path", desc.DeviceSystemPath).
			Msg("usb device event")
		if cb != nil {
			cb(desc)
		}
	}
}

// Stop requests loop exit. It is non-blocking, safe from any goroutine
// concurrently with a running loop, and a no-op when the loop is not
// running or was never started. It is the only way to exit Run short of
// process termination.
func (w *Watcher) Stop() {
	w.mu.Lock()
	wake := w.wake
	w.mu.Unlock()
	if wake == nil {
		return
	}
	// Coalesce repeated stop requests; the loop needs one wake.
	select {
	case wake <- struct{}{}:
	default:
	}
}

// ResolveMountPoint resolves the mount directory for a device-registry
// path using this watcher's backends. It is independent of the event
// loop's lifecycle and safe to call concurrently with it; each call uses
// only locally scoped resources. The result callback fires exactly once
// with the mount path or an empty string.
func (w *Watcher) ResolveMountPoint(registryPath string, onResult func(string)) {
	registry, arbitrator, err := w.ports()
	if err != nil {
		w.logger.Warn().Err(err).Msg("mount resolution unavailable")
		onResult("")
		return
	}
	r := Resolver{registry: registry, arbitrator: arbitrator, logger: w.logger}
	r.ResolveMountPoint(registryPath, onResult)
}

// Close releases the watcher context aggregate. It must only be called
// when the event loop is not running. Closing a context that was never
// run releases no registry subscriptions; it is idempotent.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrRunning
	}
	w.closed = true
	return nil
}
