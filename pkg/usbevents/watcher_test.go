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
	"errors"
	"testing"
	"time"

	"github.com/UsbEventsProject/usbevents-core/pkg/devreg"
	"github.com/UsbEventsProject/usbevents-core/pkg/devreg/simreg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type recorder struct {
	inserted chan DeviceDescriptor
	removed  chan DeviceDescriptor
}

func newRecorder() *recorder {
	return &recorder{
		inserted: make(chan DeviceDescriptor, 32),
		removed:  make(chan DeviceDescriptor, 32),
	}
}

func (r *recorder) onInserted(d DeviceDescriptor) { r.inserted <- d }
func (r *recorder) onRemoved(d DeviceDescriptor)  { r.removed <- d }

func (r *recorder) nextInserted(t *testing.T) DeviceDescriptor {
	t.Helper()
	select {
	case d := <-r.inserted:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for insertion callback")
		return DeviceDescriptor{}
	}
}

func (r *recorder) nextRemoved(t *testing.T) DeviceDescriptor {
	t.Helper()
	select {
	case d := <-r.removed:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for removal callback")
		return DeviceDescriptor{}
	}
}

func newSimWatcher(sim *simreg.Sim, rec *recorder) *Watcher {
	return New(rec.onInserted, rec.onRemoved,
		WithRegistry(sim), WithArbitrator(sim))
}

// runAsync starts the event loop on its own goroutine and returns the
// channel carrying Run's result.
func runAsync(w *Watcher) chan error {
	done := make(chan error, 1)
	go func() { done <- w.Run() }()
	return done
}

func waitDone(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return")
		return nil
	}
}

func usbStick(name, serial string) simreg.DeviceSpec {
	return simreg.DeviceSpec{
		Name:  name,
		Class: devreg.ClassUSBDevice,
		Properties: map[string]any{
			devreg.KeyVendorName:   "Kingston",
			devreg.KeySerialNumber: serial,
		},
	}
}

func TestDrainOnSubscribeBeforeLiveEvents(t *testing.T) {
	t.Parallel()

	sim := simreg.New()
	sim.Attach(usbStick("Stick A", "A"))
	sim.Attach(usbStick("Stick B", "B"))

	rec := newRecorder()
	w := newSimWatcher(sim, rec)
	done := runAsync(w)

	// The two pre-attached devices arrive as insertions before any
	// live hot-plug event.
	assert.Equal(t, "Stick A", rec.nextInserted(t).DeviceName)
	assert.Equal(t, "Stick B", rec.nextInserted(t).DeviceName)

	sim.Attach(usbStick("Stick C", "C"))
	assert.Equal(t, "Stick C", rec.nextInserted(t).DeviceName)

	w.Stop()
	require.NoError(t, waitDone(t, done))
}

func TestRemovalCallback(t *testing.T) {
	t.Parallel()

	sim := simreg.New()
	rec := newRecorder()
	w := newSimWatcher(sim, rec)
	done := runAsync(w)

	id := sim.Attach(usbStick("Stick A", "A"))
	assert.Equal(t, "Stick A", rec.nextInserted(t).DeviceName)

	sim.Detach(id)
	assert.Equal(t, "Stick A", rec.nextRemoved(t).DeviceName)

	w.Stop()
	require.NoError(t, waitDone(t, done))
}

func TestUnreadableDeviceSkippedInBatch(t *testing.T) {
	t.Parallel()

	sim := simreg.New()
	// One batch of three matched devices, the second unreadable.
	sim.Attach(simreg.DeviceSpec{
		Name:  "First",
		Class: devreg.ClassUSBDevice,
		Children: []simreg.DeviceSpec{
			{Name: "Second", Class: devreg.ClassUSBDevice, Unreadable: true},
			{Name: "Third", Class: devreg.ClassUSBDevice},
		},
	})

	rec := newRecorder()
	w := newSimWatcher(sim, rec)
	done := runAsync(w)

	// Exactly two callbacks, in registry order, no crash.
	assert.Equal(t, "First", rec.nextInserted(t).DeviceName)
	assert.Equal(t, "Third", rec.nextInserted(t).DeviceName)

	w.Stop()
	require.NoError(t, waitDone(t, done))
	assert.Empty(t, rec.inserted)
}

func TestStopBeforeRunIsNoOp(t *testing.T) {
	t.Parallel()

	sim := simreg.New()
	rec := newRecorder()
	w := newSimWatcher(sim, rec)

	// Never started: nothing to stop, nothing to deadlock later.
	w.Stop()
	w.Stop()

	done := runAsync(w)
	time.Sleep(50 * time.Millisecond)
	w.Stop()
	require.NoError(t, waitDone(t, done))
}

func TestStopFromSecondGoroutineAndRerun(t *testing.T) {
	defer goleak.VerifyNone(t)

	sim := simreg.New()
	rec := newRecorder()
	w := newSimWatcher(sim, rec)

	for i := 0; i < 2; i++ {
		done := runAsync(w)
		go func() {
			time.Sleep(50 * time.Millisecond)
			w.Stop()
		}()
		require.NoError(t, waitDone(t, done))
	}

	assert.Zero(t, sim.LiveHandles(), "teardown must release all registry resources")
}

func TestRunTwiceConcurrently(t *testing.T) {
	t.Parallel()

	sim := simreg.New()
	rec := newRecorder()
	w := newSimWatcher(sim, rec)

	done := runAsync(w)
	time.Sleep(50 * time.Millisecond)

	err := w.Run()
	require.ErrorIs(t, err, ErrAlreadyRunning)

	w.Stop()
	require.NoError(t, waitDone(t, done))
}

func TestSubscriptionFailureIsFatalButContextReusable(t *testing.T) {
	t.Parallel()

	sim := simreg.New()
	rec := newRecorder()
	w := newSimWatcher(sim, rec)

	boom := errors.New("registration refused")
	sim.SetSubscribeErr(boom)

	err := w.Run()
	require.ErrorIs(t, err, boom)
	assert.Zero(t, sim.LiveHandles(), "failed run must not strand resources")

	// A second attempt may re-run the same context.
	sim.SetSubscribeErr(nil)
	done := runAsync(w)
	time.Sleep(50 * time.Millisecond)
	w.Stop()
	require.NoError(t, waitDone(t, done))
}

func TestSecondSubscriptionFailureAlsoFatal(t *testing.T) {
	t.Parallel()

	sim := simreg.New()
	sim.Attach(usbStick("Stick A", "A"))

	rec := newRecorder()
	w := newSimWatcher(sim, rec)

	boom := errors.New("registration refused")
	sim.SetSubscribeErrAfter(1, boom)

	err := w.Run()
	require.ErrorIs(t, err, boom)

	// The matched subscription's drain already delivered its insertion
	// before the terminated registration failed.
	assert.Equal(t, "Stick A", rec.nextInserted(t).DeviceName)
	assert.Zero(t, sim.LiveHandles(), "failed run must not strand resources")
}

func TestCloseNeverRunReleasesNothing(t *testing.T) {
	t.Parallel()

	sim := simreg.New()
	rec := newRecorder()
	w := newSimWatcher(sim, rec)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "close is idempotent")
	assert.Zero(t, sim.LiveHandles())

	require.ErrorIs(t, w.Run(), ErrClosed)
}

func TestCloseWhileRunning(t *testing.T) {
	t.Parallel()

	sim := simreg.New()
	rec := newRecorder()
	w := newSimWatcher(sim, rec)

	done := runAsync(w)
	time.Sleep(50 * time.Millisecond)

	require.ErrorIs(t, w.Close(), ErrRunning)

	w.Stop()
	require.NoError(t, waitDone(t, done))
	require.NoError(t, w.Close())
}
