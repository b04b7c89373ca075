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

	"github.com/jacobsa/flashfs/internal/layout"
)

// replaceEntryLocked marks the entry at idx as superseded by zeroing its
// filename in place. Zeroing only clears bits, so no erase is needed.
// The stored checksum becomes intentionally stale; mount skips
// revalidating replaced entries for exactly this reason.
//
// LOCKS_REQUIRED(mu)
func (s *Store) replaceEntryLocked(idx int) error {
	zeros := make([]byte, layout.NameLen)
	if err := s.program(s.entryOffset(idx)+4, zeros); err != nil {
		return fmt.Errorf("replacing entry %d: %w", idx, err)
	}

	return nil
}

// freeSlotLocked returns the index of the first usable directory slot: a
// slot cleared by a previous rebuild (sequence programmed, all other
// fields erased) or the first all-erased record of the directory's
// unused tail. Returns -1 if the directory is full.
//
// LOCKS_REQUIRED(mu)
func (s *Store) freeSlotLocked() int {
	entryCount := s.dirBytes / layout.EntrySize
	for i := 1; i < entryCount; i++ {
		rec, err := s.medium.View(s.entryOffset(i), layout.EntrySize)
		if err != nil {
			return -1
		}

		if layout.Erased(rec) {
			return i
		}

		if e := layout.ParseDirEntry(rec); e.FreeName() {
			return i
		}
	}

	return -1
}

// createEntryLocked allocates sectors and programs a new directory entry
// for name. When no free slot or no room for the allocation exists it
// rebuilds the directory and retries once, but only if the rebuild
// actually reclaimed something.
//
// LOCKS_REQUIRED(mu)
func (s *Store) createEntryLocked(name string, maxSize int) (layout.DirEntry, error) {
	idx := s.freeSlotLocked()

	off := -1
	var err error
	if idx >= 0 {
		off, err = s.allocateLocked(maxSize)
	}

	if idx < 0 || err != nil {
		changed, rerr := s.rebuildLocked()
		if rerr != nil {
			return layout.DirEntry{}, rerr
		}
		if !changed {
			if err != nil {
				return layout.DirEntry{}, err
			}
			return layout.DirEntry{}, ErrNoSpace
		}

		idx = s.freeSlotLocked()
		if idx < 0 {
			return layout.DirEntry{}, ErrNoSpace
		}
		if off, err = s.allocateLocked(maxSize); err != nil {
			return layout.DirEntry{}, err
		}
	}

	e := layout.DirEntry{
		Sequence: uint32(idx + 1),
		MaxSize:  uint32(maxSize),
		Offset:   uint32(off),
	}
	e.SetName(name)
	e.Sum = e.ComputeSum()

	var rec [layout.EntrySize]byte
	e.Marshal(rec[:])

	// A rebuilt slot already carries its positional sequence number;
	// programming the identical value clears no bits. A tail slot is
	// fully erased and takes the whole record.
	if err := s.program(s.entryOffset(idx), rec[:]); err != nil {
		return layout.DirEntry{}, fmt.Errorf("writing entry %d: %w", idx, err)
	}

	for sec := off / s.sectorSize; sec < (off+maxSize)/s.sectorSize; sec++ {
		s.bitmap[sec] = true
	}
	if off < s.lowWater {
		s.lowWater = off
	}

	return e, nil
}

// allocateLocked finds a home for a maxSize-byte allocation: first a
// contiguous free run among sectors reclaimed by past rebuilds, then by
// extending the low-water mark downward. It fails only when extension
// would collide with the reserved region below the content area.
//
// LOCKS_REQUIRED(mu)
func (s *Store) allocateLocked(maxSize int) (int, error) {
	n := maxSize / s.sectorSize

	run := 0
	for sec := s.lowWater / s.sectorSize; sec < s.dirOff/s.sectorSize; sec++ {
		if s.bitmap[sec] {
			run = 0
			continue
		}

		run++
		if run == n {
			return (sec - n + 1) * s.sectorSize, nil
		}
	}

	off := s.lowWater - maxSize
	if off < s.minContent {
		return 0, ErrNoSpace
	}

	return off, nil
}

// RebuildCentralDirectory reclaims directory slots whose files were
// replaced or deleted: each directory sector is copied to RAM, dead
// entries have everything but their positional sequence number cleared
// to erased values, and the sector is erased and rewritten. The freed
// slots can then be re-programmed in place by later creates. Reports
// whether anything changed.
//
// OpenWrite invokes this lazily when it finds no free slot; it is
// exported for diagnostic tooling.
func (s *Store) RebuildCentralDirectory() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.mounted {
		return false, ErrNotMounted
	}

	return s.rebuildLocked()
}

// LOCKS_REQUIRED(mu)
func (s *Store) rebuildLocked() (changed bool, err error) {
	entriesPerSector := s.sectorSize / layout.EntrySize
	buf := make([]byte, s.sectorSize)

	done := false
	for secOff := s.dirOff; secOff < s.size && !done; secOff += s.sectorSize {
		s.extendWatchdog(s.sectorSize)

		cur, verr := s.medium.View(secOff, s.sectorSize)
		if verr != nil {
			return changed, verr
		}
		copy(buf, cur)

		secChanged := false
		for j := 0; j < entriesPerSector; j++ {
			idx := (secOff-s.dirOff)/layout.EntrySize + j
			rec := buf[j*layout.EntrySize : (j+1)*layout.EntrySize]

			if layout.Erased(rec) {
				done = true
				break
			}

			if idx == 0 {
				continue
			}

			e := layout.ParseDirEntry(rec)
			if e.FreeName() {
				continue
			}

			if !s.reclaimableLocked(e) {
				continue
			}

			// Clear everything but the sequence number, which is
			// positional and must survive for the slot to revalidate.
			for k := 4; k < layout.EntrySize; k++ {
				rec[k] = 0xFF
			}
			secChanged = true
		}

		if !secChanged {
			continue
		}

		// Power loss between the erase and the rewrite below corrupts
		// the directory; the next mount detects that and reformats.
		if err = s.erase(secOff, s.sectorSize); err != nil {
			return changed, err
		}

		for o := 0; o < s.sectorSize; o += s.pageSize {
			if err = s.program(secOff+o, buf[o:o+s.pageSize]); err != nil {
				return changed, err
			}
		}

		changed = true
	}

	if changed {
		if !s.deriveLocked() {
			return changed, fmt.Errorf("flashfs: directory inconsistent after rebuild")
		}
		s.debugf("Directory rebuild reclaimed slots; low-water mark now %#x.", s.lowWater)
	}

	return changed, nil
}

// reclaimableLocked reports whether the entry's slot and sectors may be
// reclaimed: it was replaced in place, or its file was logically deleted
// (first header reads as the erased sentinel).
//
// LOCKS_REQUIRED(mu)
func (s *Store) reclaimableLocked(e layout.DirEntry) bool {
	// An allocation with an in-flight write session looks deleted until
	// its header is patched; it must not be reclaimed under the writer.
	for _, h := range s.handles {
		if h != nil && h.base == int(e.Offset) {
			return false
		}
	}

	if e.Replaced() {
		return true
	}

	if e.MaxSize == 0 {
		return false
	}

	raw, err := s.medium.View(int(e.Offset), layout.HeaderSize)
	if err != nil {
		return false
	}

	hdr := layout.ParseFileHeader(raw)
	return hdr.Erased()
}

// Remove logically deletes the named file by erasing the first sector of
// its allocation, so the stream's first header reads as the erased
// sentinel. The directory entry survives until the next rebuild reclaims
// it. When silent is set, a missing file is not logged.
func (s *Store) Remove(name string, silent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.mounted {
		return ErrNotMounted
	}

	if !layout.ValidName(name) {
		return ErrInvalidName
	}

	_, e, found := s.lookupLocked(name)
	if !found {
		if !silent {
			s.debugf("Remove %q: no such file.", name)
		}
		return ErrNotFound
	}

	raw, err := s.medium.View(int(e.Offset), layout.HeaderSize)
	if err != nil {
		return ErrBadDirEntry
	}

	if h := layout.ParseFileHeader(raw); h.Erased() {
		// Already deleted.
		if !silent {
			s.debugf("Remove %q: already deleted.", name)
		}
		return ErrNotFound
	}

	if err := s.erase(int(e.Offset), s.sectorSize); err != nil {
		return err
	}

	return nil
}
