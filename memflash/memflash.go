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

// Package memflash provides a RAM-backed flashfs.Medium with true NOR
// semantics: a program operation may only clear bits, and restoring a
// bit to 1 requires erasing its whole sector. The device also keeps
// per-sector erase counters and supports fault injection, which is what
// the engine's power-loss tests are built on.
package memflash

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrBitSet is returned by Program when the requested contents would
	// require setting a 0 bit back to 1.
	ErrBitSet = errors.New("memflash: program attempts to set a bit")

	// ErrPowerCut is returned by Program and Erase once a simulated
	// power cut has triggered.
	ErrPowerCut = errors.New("memflash: power cut")

	// ErrFaultInjected is returned by Program for ranges registered with
	// FailProgramsTouching.
	ErrFaultInjected = errors.New("memflash: injected program fault")
)

// A Device is an in-memory NOR flash part. The zero value is not usable;
// construct with NewDevice. Safe for concurrent use.
type Device struct {
	sectorSize int
	pageSize   int

	mu sync.Mutex

	mem []byte // GUARDED_BY(mu)

	eraseCounts []int // GUARDED_BY(mu)
	programs    int   // GUARDED_BY(mu)
	erases      int   // GUARDED_BY(mu)

	// Remaining mutating operations before the simulated power cut, or
	// -1 when no cut is armed.
	opsUntilCut int // GUARDED_BY(mu)

	// Byte range whose programs always fail, or lo == hi for none.
	brokenLo int // GUARDED_BY(mu)
	brokenHi int // GUARDED_BY(mu)
}

// NewDevice creates a device of the given geometry with every bit
// erased. size must be a multiple of sectorSize, and sectorSize a
// multiple of pageSize.
func NewDevice(size, sectorSize, pageSize int) *Device {
	if size <= 0 || sectorSize <= 0 || pageSize <= 0 ||
		size%sectorSize != 0 || sectorSize%pageSize != 0 {
		panic(fmt.Sprintf("memflash: bad geometry %d/%d/%d", size, sectorSize, pageSize))
	}

	d := &Device{
		sectorSize:  sectorSize,
		pageSize:    pageSize,
		mem:         make([]byte, size),
		eraseCounts: make([]int, size/sectorSize),
		opsUntilCut: -1,
	}

	for i := range d.mem {
		d.mem[i] = 0xFF
	}

	return d
}

func (d *Device) Size() int       { return len(d.mem) }
func (d *Device) SectorSize() int { return d.sectorSize }
func (d *Device) PageSize() int   { return d.pageSize }

// View returns a window aliasing the device's memory. It reflects later
// programs and erases, exactly like a memory-mapped read of real flash.
func (d *Device) View(off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+n > len(d.mem) {
		return nil, fmt.Errorf("memflash: view [%#x, %#x) out of range", off, off+n)
	}

	return d.mem[off : off+n : off+n], nil
}

// Program clears bits within [off, off+len(p)). The range must lie
// within a single page unless it is page-aligned and a whole number of
// pages long.
func (d *Device) Program(off int, p []byte, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if off < 0 || off+len(p) > len(d.mem) {
		return fmt.Errorf("memflash: program [%#x, %#x) out of range", off, off+len(p))
	}

	if off%d.pageSize != 0 {
		if off/d.pageSize != (off+len(p)-1)/d.pageSize {
			return fmt.Errorf("memflash: unaligned program [%#x, %#x) crosses a page", off, off+len(p))
		}
	} else if len(p) > d.pageSize && len(p)%d.pageSize != 0 {
		return fmt.Errorf("memflash: program of %d bytes is not whole pages", len(p))
	}

	if d.brokenLo < d.brokenHi && off < d.brokenHi && off+len(p) > d.brokenLo {
		return ErrFaultInjected
	}

	if err := d.consumeOpLocked(); err != nil {
		return err
	}

	for i, b := range p {
		if b&^d.mem[off+i] != 0 {
			return fmt.Errorf("%w at %#x: %02x over %02x", ErrBitSet, off+i, b, d.mem[off+i])
		}
	}

	for i, b := range p {
		d.mem[off+i] = b
	}

	d.programs++
	return nil
}

// Erase resets [off, off+n) to all-1 bits. Both bounds must be
// sector-aligned.
func (d *Device) Erase(off, n int, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if off < 0 || n < 0 || off+n > len(d.mem) ||
		off%d.sectorSize != 0 || n%d.sectorSize != 0 {
		return fmt.Errorf("memflash: bad erase range [%#x, %#x)", off, off+n)
	}

	if err := d.consumeOpLocked(); err != nil {
		return err
	}

	for i := off; i < off+n; i++ {
		d.mem[i] = 0xFF
	}

	for sec := off / d.sectorSize; sec < (off+n)/d.sectorSize; sec++ {
		d.eraseCounts[sec]++
	}

	d.erases++
	return nil
}

// LOCKS_REQUIRED(mu)
func (d *Device) consumeOpLocked() error {
	if d.opsUntilCut == 0 {
		return ErrPowerCut
	}

	if d.opsUntilCut > 0 {
		d.opsUntilCut--
	}

	return nil
}

// EraseCount returns how many times the sector containing off has been
// erased.
func (d *Device) EraseCount(off int) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.eraseCounts[off/d.sectorSize]
}

// Counters returns the total numbers of successful programs and erases.
func (d *Device) Counters() (programs, erases int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.programs, d.erases
}

// CutPowerAfter arms a simulated power cut: the next n mutating
// operations succeed and every one after that fails with ErrPowerCut,
// leaving memory exactly as the last successful operation left it.
func (d *Device) CutPowerAfter(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.opsUntilCut = n
}

// RestorePower clears a simulated power cut, modelling a reboot with the
// device contents preserved.
func (d *Device) RestorePower() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.opsUntilCut = -1
}

// FailProgramsTouching makes every program overlapping [off, off+n)
// fail, leaving memory unchanged. Useful for killing a header patch
// while letting payload writes through.
func (d *Device) FailProgramsTouching(off, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.brokenLo, d.brokenHi = off, off+n
}

// ClearFaults removes any injected program fault.
func (d *Device) ClearFaults() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.brokenLo, d.brokenHi = 0, 0
}

// Corrupt overwrites a single byte directly, bypassing NOR rules, for
// tests that need to simulate media corruption.
func (d *Device) Corrupt(off int, b byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.mem[off] = b
}
