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

package flashfs

import (
	"fmt"
	"log"
	"time"

	"github.com/jacobsa/flashfs/internal/layout"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"golang.org/x/net/context"
)

// NumWriteHandles is the size of the write-handle pool, which bounds how
// many different files may have in-flight write sessions at once.
const NumWriteHandles = 4

// StoreConfig carries the collaborators and tuning knobs for a Store.
type StoreConfig struct {
	// The flash part to run on. Required.
	Medium Medium

	// The flash-safe execution wrapper. On a single-core target this may
	// be left nil, in which case closures run inline.
	Executor SafeExecutor

	// The shared watchdog. May be left nil.
	Watchdog Watchdog

	// The clock used for bookkeeping such as the mount timestamp. May be
	// left nil for the real clock.
	Clock timeutil.Clock

	// MinContentOffset is the floor of the content area, modelling the
	// top of the program image. Allocations never extend below it.
	MinContentOffset int

	// Timeouts handed to the medium's program and erase primitives. Zero
	// values select defaults suitable for common SPI NOR parts.
	ProgramTimeout time.Duration
	EraseTimeout   time.Duration

	// ErrorLogger receives messages about flash I/O failures and
	// append-recovery fallbacks. May be nil.
	ErrorLogger *log.Logger

	// DebugLogger receives informational messages, including reformat
	// notices. May be nil, in which case the package's flag-gated debug
	// logger is used.
	DebugLogger *log.Logger
}

// A Store is the flash storage engine: it owns the central directory at
// the top of the flash address space, the volatile sector-allocation
// bitmap derived from it, and the write-handle pool. Construct with New;
// nothing else may touch the managed flash range while the store
// considers itself mounted.
type Store struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	medium   Medium
	exec     SafeExecutor
	watchdog Watchdog
	clock    timeutil.Clock

	errorLogger *log.Logger
	debugLogger *log.Logger

	/////////////////////////
	// Constant data
	/////////////////////////

	size       int
	sectorSize int
	pageSize   int
	minContent int

	programTimeout time.Duration
	eraseTimeout   time.Duration

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	mounted   bool      // GUARDED_BY(mu)
	mountedAt time.Time // GUARDED_BY(mu)

	// Directory geometry, valid while mounted. The directory occupies
	// [dirOff, size), a whole number of sectors.
	//
	// INVARIANT: dirOff % sectorSize == 0
	// INVARIANT: dirOff + dirBytes == size
	dirOff   int // GUARDED_BY(mu)
	dirBytes int // GUARDED_BY(mu)

	// One bit per flash sector, derived from the directory at mount time
	// and never persisted.
	//
	// INVARIANT: len(bitmap) == size / sectorSize
	// INVARIANT: every directory sector is marked used
	bitmap []bool // GUARDED_BY(mu)

	// The lowest allocated content offset seen, used to extend the
	// content area downward.
	//
	// INVARIANT: minContent <= lowWater && lowWater <= dirOff
	// INVARIANT: lowWater % sectorSize == 0
	lowWater int // GUARDED_BY(mu)

	// The write-handle pool. A nil slot is free.
	handles [NumWriteHandles]*WriteHandle // GUARDED_BY(mu)
}

// New creates a store over the supplied medium. The store starts
// unmounted; call Mount or Format before using the file API.
func New(cfg StoreConfig) (*Store, error) {
	m := cfg.Medium
	if m == nil {
		return nil, fmt.Errorf("flashfs: config lacks a medium")
	}

	size, ss, ps := m.Size(), m.SectorSize(), m.PageSize()
	switch {
	case ss <= 0 || ps <= 0 || size <= 0:
		return nil, fmt.Errorf("flashfs: bad medium geometry %d/%d/%d", size, ss, ps)

	case size%ss != 0 || ss%ps != 0:
		return nil, fmt.Errorf("flashfs: misaligned medium geometry %d/%d/%d", size, ss, ps)

	case ps%layout.EntrySize != 0:
		return nil, fmt.Errorf("flashfs: page size %d not a multiple of the directory entry size", ps)

	case cfg.MinContentOffset < 0 || cfg.MinContentOffset%ss != 0:
		return nil, fmt.Errorf("flashfs: bad content floor %#x", cfg.MinContentOffset)
	}

	s := &Store{
		medium:     m,
		exec:       cfg.Executor,
		watchdog:   cfg.Watchdog,
		clock:      cfg.Clock,
		size:       size,
		sectorSize: ss,
		pageSize:   ps,
		minContent: cfg.MinContentOffset,

		programTimeout: cfg.ProgramTimeout,
		eraseTimeout:   cfg.EraseTimeout,

		errorLogger: cfg.ErrorLogger,
		debugLogger: cfg.DebugLogger,
	}

	if s.exec == nil {
		s.exec = inlineExecutor{}
	}

	if s.watchdog == nil {
		s.watchdog = nopWatchdog{}
	}

	if s.clock == nil {
		s.clock = timeutil.RealClock()
	}

	if s.programTimeout == 0 {
		s.programTimeout = 100 * time.Millisecond
	}

	if s.eraseTimeout == 0 {
		s.eraseTimeout = 2 * time.Second
	}

	s.mu = syncutil.NewInvariantMutex(s.checkInvariants)

	return s, nil
}

func (s *Store) checkInvariants() {
	if !s.mounted {
		return
	}

	// INVARIANT: dirOff % sectorSize == 0
	// INVARIANT: dirOff + dirBytes == size
	if s.dirOff%s.sectorSize != 0 || s.dirOff+s.dirBytes != s.size {
		panic(fmt.Sprintf("Bad directory geometry: %#x + %#x != %#x", s.dirOff, s.dirBytes, s.size))
	}

	// INVARIANT: len(bitmap) == size / sectorSize
	if len(s.bitmap) != s.size/s.sectorSize {
		panic(fmt.Sprintf("Bad bitmap length: %d", len(s.bitmap)))
	}

	// INVARIANT: every directory sector is marked used
	for sec := s.dirOff / s.sectorSize; sec < len(s.bitmap); sec++ {
		if !s.bitmap[sec] {
			panic(fmt.Sprintf("Directory sector %d not marked used", sec))
		}
	}

	// INVARIANT: minContent <= lowWater && lowWater <= dirOff
	// INVARIANT: lowWater % sectorSize == 0
	if s.lowWater < s.minContent || s.lowWater > s.dirOff || s.lowWater%s.sectorSize != 0 {
		panic(fmt.Sprintf("Bad low-water mark: %#x", s.lowWater))
	}
}

// Mount locates the central directory in the top dirBytes (rounded up to
// a whole number of sectors) of the flash address space, validates it,
// and derives the sector allocation bitmap. Any integrity failure causes
// a reformat: there is no partial-repair strategy that can be proven safe
// without risking silent data loss, and consumers are expected to
// regenerate default content for a fresh store.
func (s *Store) Mount(dirBytes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirBytes, err := s.directoryBytes(dirBytes)
	if err != nil {
		return err
	}

	s.mounted = false
	s.dirBytes = dirBytes
	s.dirOff = s.size - dirBytes

	if !s.deriveLocked() {
		s.debugf("Mount: directory invalid; reformatting.")
		return s.formatLocked()
	}

	s.mounted = true
	s.mountedAt = s.clock.Now()

	// The derive scan ran on borrowed time; re-arm the default deadline
	// now that the store is serviceable.
	s.watchdog.KeepAlive()

	return nil
}

// Format erases the directory's sector range, writes the format marker
// entry, and re-derives the allocation bitmap. All previously stored
// files become unreachable.
func (s *Store) Format(dirBytes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirBytes, err := s.directoryBytes(dirBytes)
	if err != nil {
		return err
	}

	s.mounted = false
	s.dirBytes = dirBytes
	s.dirOff = s.size - dirBytes

	return s.formatLocked()
}

// directoryBytes rounds the requested directory size up to a whole
// number of sectors and sanity-checks it against the medium.
func (s *Store) directoryBytes(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("flashfs: bad directory size %d", n)
	}

	n = roundUp(n, s.sectorSize)
	if s.size-n < s.minContent {
		return 0, fmt.Errorf("flashfs: directory size %d leaves no content area", n)
	}

	return n, nil
}

// LOCKS_REQUIRED(mu)
func (s *Store) formatLocked() error {
	s.mounted = false

	if err := s.erase(s.dirOff, s.dirBytes); err != nil {
		return fmt.Errorf("erasing directory: %w", err)
	}

	// Entry zero carries the reserved marker name and the first sequence
	// value. It is a format marker only, never an openable file.
	marker := layout.DirEntry{Sequence: 1}
	marker.SetName(layout.MarkerName)
	marker.Sum = marker.ComputeSum()

	var rec [layout.EntrySize]byte
	marker.Marshal(rec[:])

	if err := s.program(s.dirOff, rec[:]); err != nil {
		return fmt.Errorf("writing format marker: %w", err)
	}

	if !s.deriveLocked() {
		return fmt.Errorf("flashfs: freshly formatted directory failed validation")
	}

	s.mounted = true
	s.mountedAt = s.clock.Now()
	s.debugf("Format: initialized %d-byte directory at %#x.", s.dirBytes, s.dirOff)
	s.watchdog.KeepAlive()

	return nil
}

// deriveLocked walks the directory once, validating every entry and
// accumulating the allocation bitmap and low-water mark. It returns
// false on the first sign of corruption, leaving the previous state
// untouched.
//
// LOCKS_REQUIRED(mu)
func (s *Store) deriveLocked() bool {
	bitmap := make([]bool, s.size/s.sectorSize)
	lowWater := s.dirOff

	entryCount := s.dirBytes / layout.EntrySize
	entriesPerSector := s.sectorSize / layout.EntrySize

	for i := 0; i < entryCount; i++ {
		if i%entriesPerSector == 0 {
			s.extendWatchdog(s.sectorSize)
		}

		rec, err := s.medium.View(s.entryOffset(i), layout.EntrySize)
		if err != nil {
			s.errorf("Directory read at entry %d: %v", i, err)
			return false
		}

		// The first all-erased record marks the unused tail of the
		// directory. A store with no marker entry at all is simply
		// unformatted.
		if layout.Erased(rec) {
			if i == 0 {
				s.debugf("No format marker; store is unformatted.")
				return false
			}
			break
		}

		e := layout.ParseDirEntry(rec)

		// Sequence numbers are positional; any mismatch means the
		// directory was torn mid-rewrite.
		if e.Sequence != uint32(i+1) {
			s.debugf("Entry %d carries sequence %d; directory corrupt.", i, e.Sequence)
			return false
		}

		// A slot freed by the directory rebuild keeps only its sequence
		// number and claims nothing.
		if e.FreeName() {
			continue
		}

		// Replaced entries intentionally skip CRC revalidation: zeroing
		// the name made the stored sum stale. Their allocation is still
		// claimed until the next rebuild reclaims it.
		if !e.Replaced() && e.Sum != e.ComputeSum() {
			s.debugf("Entry %d fails its checksum; directory corrupt.", i)
			return false
		}

		if i == 0 {
			if e.NameString() != layout.MarkerName {
				s.debugf("Entry 0 is %q, not the format marker.", e.NameString())
				return false
			}
			continue
		}

		off, n := int(e.Offset), int(e.MaxSize)
		if n == 0 || off%s.sectorSize != 0 || n%s.sectorSize != 0 ||
			off < s.minContent || off+n > s.dirOff {
			s.debugf("Entry %d claims bad allocation [%#x, %#x); directory corrupt.", i, off, off+n)
			return false
		}

		for sec := off / s.sectorSize; sec < (off+n)/s.sectorSize; sec++ {
			if bitmap[sec] {
				s.debugf("Entry %d overlaps an earlier allocation; directory corrupt.", i)
				return false
			}
			bitmap[sec] = true
		}

		if off < lowWater {
			lowWater = off
		}
	}

	for sec := s.dirOff / s.sectorSize; sec < len(bitmap); sec++ {
		bitmap[sec] = true
	}

	s.bitmap = bitmap
	s.lowWater = lowWater

	return true
}

// entryOffset returns the flash offset of directory entry i.
//
// LOCKS_REQUIRED(mu)
func (s *Store) entryOffset(i int) int {
	return s.dirOff + i*layout.EntrySize
}

// lookupLocked finds the live directory entry carrying name.
//
// LOCKS_REQUIRED(mu)
func (s *Store) lookupLocked(name string) (idx int, e layout.DirEntry, found bool) {
	entryCount := s.dirBytes / layout.EntrySize
	for i := 0; i < entryCount; i++ {
		rec, err := s.medium.View(s.entryOffset(i), layout.EntrySize)
		if err != nil || layout.Erased(rec) {
			return
		}

		cand := layout.ParseDirEntry(rec)
		if cand.FreeName() || cand.Replaced() {
			continue
		}

		if cand.NameString() == name {
			return i, cand, true
		}
	}

	return
}

// program runs a flash program inside the flash-safe wrapper, logging
// and returning any failure. Failures are never fatal to the engine.
func (s *Store) program(off int, p []byte) error {
	err := s.exec.RunExclusive(context.Background(), func() error {
		return s.medium.Program(off, p, s.programTimeout)
	})

	if err != nil {
		s.errorf("Program of %d bytes at %#x: %v", len(p), off, err)
	}

	return err
}

// erase runs a sector erase inside the flash-safe wrapper, logging and
// returning any failure.
func (s *Store) erase(off, n int) error {
	err := s.exec.RunExclusive(context.Background(), func() error {
		return s.medium.Erase(off, n, s.eraseTimeout)
	})

	if err != nil {
		s.errorf("Erase of %d bytes at %#x: %v", n, off, err)
	}

	return err
}

// extendWatchdog pushes the watchdog deadline out proportionally to the
// data volume about to be processed.
func (s *Store) extendWatchdog(bytes int) {
	s.watchdog.Extend(time.Duration(bytes/4096+1) * time.Millisecond)
}

func (s *Store) errorf(format string, v ...interface{}) {
	if s.errorLogger != nil {
		s.errorLogger.Printf(format, v...)
		return
	}

	getLogger().Printf(format, v...)
}

func (s *Store) debugf(format string, v ...interface{}) {
	if s.debugLogger != nil {
		s.debugLogger.Printf(format, v...)
		return
	}

	getLogger().Printf(format, v...)
}

func roundUp(n, multiple int) int {
	return (n + multiple - 1) / multiple * multiple
}
