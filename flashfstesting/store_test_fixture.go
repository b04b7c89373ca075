// Copyright 2016 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package flashfstesting provides shared scaffolding for tests exercising
// the storage engine against an in-memory NOR device.
package flashfstesting

import (
	"fmt"
	"sync"
	"time"

	"github.com/jacobsa/flashfs"
	"github.com/jacobsa/flashfs/memflash"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"golang.org/x/net/context"
)

// Default geometry for test devices: a small part with 4 KiB sectors and
// 256-byte pages.
const (
	DeviceSize = 256 * 1024
	SectorSize = 4096
	PageSize   = 256
)

// A struct that implements common behavior needed by tests of the
// storage engine. Embed it in your test fixture, calling its Initialize
// method from your SetUp method.
type StoreTest struct {
	// An in-memory NOR device with fault injection, wired into the store.
	Device *memflash.Device

	// A clock with a fixed initial time, wired into the store.
	Clock timeutil.SimulatedClock

	// Records watchdog extensions requested by the engine.
	Watchdog *WatchdogRecorder

	// Counts flash-safe exclusive sections entered by the engine.
	Executor *CountingExecutor

	// The store under test, formatted with a one-sector directory.
	Store *flashfs.Store
}

// Initialize creates the device and store and formats a one-sector
// directory. Panics on error.
func (st *StoreTest) Initialize() {
	syncutil.EnableInvariantChecking()

	st.Clock.SetTime(time.Date(2016, 7, 18, 16, 0, 0, 0, time.UTC))
	st.Device = memflash.NewDevice(DeviceSize, SectorSize, PageSize)
	st.Watchdog = &WatchdogRecorder{}
	st.Executor = &CountingExecutor{}

	var err error
	st.Store, err = flashfs.New(flashfs.StoreConfig{
		Medium:   st.Device,
		Executor: st.Executor,
		Watchdog: st.Watchdog,
		Clock:    &st.Clock,
	})
	if err != nil {
		panic(fmt.Sprintf("flashfs.New: %v", err))
	}

	if err := st.Store.Format(SectorSize); err != nil {
		panic(fmt.Sprintf("Format: %v", err))
	}
}

// Remount creates a fresh store over the same device, as a reboot would,
// and mounts it. Panics on construction errors; returns Mount's error.
func (st *StoreTest) Remount() error {
	st.Device.RestorePower()

	var err error
	st.Store, err = flashfs.New(flashfs.StoreConfig{
		Medium:   st.Device,
		Executor: st.Executor,
		Watchdog: st.Watchdog,
		Clock:    &st.Clock,
	})
	if err != nil {
		panic(fmt.Sprintf("flashfs.New: %v", err))
	}

	return st.Store.Mount(SectorSize)
}

// A WatchdogRecorder is a flashfs.Watchdog that records what the engine
// asks of it.
type WatchdogRecorder struct {
	mu sync.Mutex

	extensions []time.Duration // GUARDED_BY(mu)
	keepAlives int             // GUARDED_BY(mu)
}

func (w *WatchdogRecorder) Extend(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.extensions = append(w.extensions, d)
}

func (w *WatchdogRecorder) KeepAlive() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.keepAlives++
}

// Extensions returns a copy of the recorded deadline extensions.
func (w *WatchdogRecorder) Extensions() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([]time.Duration(nil), w.extensions...)
}

// KeepAlives returns how many times the default deadline was re-armed.
func (w *WatchdogRecorder) KeepAlives() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.keepAlives
}

// A CountingExecutor is a flashfs.SafeExecutor for single-threaded tests
// that simply runs the closure, counting invocations so tests can assert
// that every mutation went through the flash-safe wrapper.
type CountingExecutor struct {
	mu    sync.Mutex
	count int // GUARDED_BY(mu)
}

func (e *CountingExecutor) RunExclusive(ctx context.Context, f func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	e.count++
	e.mu.Unlock()

	return f()
}

// Count returns how many exclusive sections have run.
func (e *CountingExecutor) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.count
}
