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
	"hash/crc32"

	"github.com/jacobsa/flashfs/internal/layout"
)

// A WriteHandle is an in-flight write session for one file, buffering
// one flash page of pending output. Obtain one from OpenWrite; it is
// returned to the pool by Close, or abandoned automatically on a fatal
// write error. A handle must not be shared between goroutines.
type WriteHandle struct {
	s    *Store
	slot int

	// Allocation bounds and the offset of this session's header block.
	base      int
	limit     int
	headerOff int

	// The sector base that must never be erased by a flush because it
	// holds the tail of the previous version (append mode), or -1.
	appendSector int

	// cursor is the flash offset at which buf will be programmed. buf is
	// always one page, kept erased (0xFF) beyond bufLen so that a partial
	// tail flush leaves the remainder of the page writable later.
	cursor int
	buf    []byte
	bufLen int

	written int
	sum     uint32
	closed  bool
}

// OpenWrite begins writing a new version of the named file. curSize is
// the caller's known size of the content about to be written, used to
// decide whether the new version fits in the allocation's unused tail
// (append mode, which avoids erasing the prior version before the new
// one is committed). maxSize is the total allocation to reserve, rounded
// up to a whole number of sectors.
//
// If an entry already exists with a smaller allocation it is replaced in
// place and a fresh entry is created at the new size. The placeholder
// header written here reads as erased until Close patches it, so the new
// version becomes current only at that instant.
func (s *Store) OpenWrite(name string, curSize, maxSize int) (*WriteHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.mounted {
		return nil, ErrNotMounted
	}

	if !layout.ValidName(name) {
		return nil, ErrInvalidName
	}

	if curSize < 0 || maxSize <= 0 {
		return nil, ErrNoSpace
	}

	maxSize = roundUp(maxSize, s.sectorSize)
	if curSize+layout.HeaderSize > maxSize {
		return nil, ErrNoSpace
	}

	slot := -1
	for i := range s.handles {
		if s.handles[i] == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, ErrNoFreeHandles
	}

	idx, e, found := s.lookupLocked(name)
	if found && int(e.MaxSize) < maxSize {
		// The existing allocation is too small. Mark the entry replaced;
		// its sectors stay claimed until the next directory rebuild.
		if err := s.replaceEntryLocked(idx); err != nil {
			return nil, err
		}
		found = false
	}

	if !found {
		var err error
		e, err = s.createEntryLocked(name, maxSize)
		if err != nil {
			return nil, err
		}
	}

	base := int(e.Offset)
	limit := base + int(e.MaxSize)

	blockOff := base
	appendSector := -1

	if found {
		if end, ok := s.streamEndLocked(e); ok {
			cand := layout.AlignBlock(end)
			if cand+layout.HeaderSize+curSize <= limit && s.prepareAppendLocked(cand) {
				blockOff = cand
				appendSector = cand &^ (s.sectorSize - 1)
			}
		}
	}

	h := &WriteHandle{
		s:            s,
		slot:         slot,
		base:         base,
		limit:        limit,
		headerOff:    blockOff,
		appendSector: appendSector,
		cursor:       blockOff &^ (s.pageSize - 1),
		buf:          erasedPage(s.pageSize),
	}

	// Preserve any already-programmed bytes sharing the header's page:
	// re-programming identical values clears no bits.
	if h.cursor < blockOff {
		old, err := s.medium.View(h.cursor, blockOff-h.cursor)
		if err != nil {
			return nil, err
		}
		h.bufLen = copy(h.buf, old)
	}

	// The all-erased placeholder header. Flushing it programs only 1
	// bits, which is what later allows Close to patch the real header in
	// place without an erase.
	var placeholder [layout.HeaderSize]byte
	for i := range placeholder {
		placeholder[i] = 0xFF
	}
	if err := h.fill(placeholder[:]); err != nil {
		return nil, err
	}

	s.handles[slot] = h
	return h, nil
}

// streamEndLocked returns the offset one past the current version's
// payload, or ok == false if the entry holds no resolvable stream.
//
// LOCKS_REQUIRED(mu)
func (s *Store) streamEndLocked(e layout.DirEntry) (int, bool) {
	off, hdr, err := s.resolveStreamLocked(e)
	if err != nil {
		return 0, false
	}

	return off + layout.HeaderSize + int(hdr.Size), true
}

// prepareAppendLocked verifies that the flash from off to the end of its
// sector is fully erased, which is a precondition for appending there.
// A dirty segment is evidence of a prior interrupted append; in that
// case the untouched prefix of the sector is preserved in RAM, the
// sector is erased, and the prefix is programmed back. Returns false if
// the segment cannot be made appendable, in which case the caller falls
// back to rewriting from the start of the allocation.
//
// LOCKS_REQUIRED(mu)
func (s *Store) prepareAppendLocked(off int) bool {
	secBase := off &^ (s.sectorSize - 1)
	secEnd := secBase + s.sectorSize

	seg, err := s.medium.View(off, secEnd-off)
	if err != nil {
		return false
	}

	if layout.Erased(seg) {
		return true
	}

	s.errorf("Dirty append segment at %#x; recovering sector %#x.", off, secBase)

	// Best-effort copy-erase-restore of the sector's live prefix. A
	// failure here loses nothing the fallback path would have kept.
	prefix := make([]byte, off-secBase)
	old, err := s.medium.View(secBase, len(prefix))
	if err != nil {
		return false
	}
	copy(prefix, old)

	if err := s.erase(secBase, s.sectorSize); err != nil {
		return false
	}

	page := erasedPage(s.pageSize)
	for o := 0; o < len(prefix); o += s.pageSize {
		for i := range page {
			page[i] = 0xFF
		}
		copy(page, prefix[o:])

		if err := s.program(secBase+o, page); err != nil {
			return false
		}
	}

	seg, err = s.medium.View(off, secEnd-off)
	return err == nil && layout.Erased(seg)
}

// Write buffers p into the session, programming a full page to flash
// whenever the buffer fills. A flash failure abandons the handle; the
// previous version of the file remains current.
func (h *WriteHandle) Write(p []byte) error {
	if h == nil || h.closed {
		return ErrHandleClosed
	}

	if h.headerOff+layout.HeaderSize+h.written+len(p) > h.limit {
		h.abandon()
		return ErrNoSpace
	}

	h.sum = crc32.Update(h.sum, crc32.IEEETable, p)

	if err := h.fill(p); err != nil {
		h.abandon()
		return err
	}

	h.written += len(p)
	return nil
}

// fill appends p to the page buffer, flushing as pages complete.
func (h *WriteHandle) fill(p []byte) error {
	for len(p) > 0 {
		n := copy(h.buf[h.bufLen:], p)
		h.bufLen += n
		p = p[n:]

		if h.bufLen == len(h.buf) {
			if err := h.flush(); err != nil {
				return err
			}
		}
	}

	return nil
}

// flush programs the page buffer at the cursor. A flush landing on a
// sector boundary erases that sector first, except for the sector an
// append session started in, which is known erased past the append point
// and still holds the prior version before it.
func (h *WriteHandle) flush() error {
	secBase := h.cursor &^ (h.s.sectorSize - 1)
	if h.cursor == secBase && secBase != h.appendSector {
		if err := h.s.erase(secBase, h.s.sectorSize); err != nil {
			return err
		}
	}

	if err := h.s.program(h.cursor, h.buf); err != nil {
		return err
	}

	h.cursor += len(h.buf)
	h.bufLen = 0
	for i := range h.buf {
		h.buf[i] = 0xFF
	}

	return nil
}

// Close commits the session: it flushes the buffered tail (padded with
// erased bits so the rest of the page stays writable), erases the
// following sector when the stream ends flush against a boundary (so a
// future open sees a clean erased terminator), and finally patches the
// real header over the placeholder. The header patch is the engine's
// sole atomicity mechanism: the new version becomes current the instant
// the size field stops reading as the erased sentinel.
func (h *WriteHandle) Close() error {
	if h == nil || h.closed {
		return ErrHandleClosed
	}

	// The handle is spent on every exit path.
	defer h.abandon()

	if h.bufLen > 0 {
		if err := h.flush(); err != nil {
			return err
		}
	}

	streamEnd := h.headerOff + layout.HeaderSize + h.written
	nextBlock := layout.AlignBlock(streamEnd)
	if nextBlock%h.s.sectorSize == 0 && nextBlock < h.limit {
		if err := h.s.erase(nextBlock, h.s.sectorSize); err != nil {
			return err
		}
	}

	return h.patchHeader()
}

// patchHeader rewrites only the page(s) containing the header, with the
// real size and CRC substituted for the placeholder. Every other byte of
// those pages is re-programmed with its current value, which a
// clear-bits-only program leaves untouched.
func (h *WriteHandle) patchHeader() error {
	hdr := layout.FileHeader{Size: uint32(h.written), Sum: h.sum}

	var raw [layout.HeaderSize]byte
	hdr.Marshal(raw[:])

	s := h.s
	for pageBase := h.headerOff &^ (s.pageSize - 1); pageBase < h.headerOff+layout.HeaderSize; pageBase += s.pageSize {
		cur, err := s.medium.View(pageBase, s.pageSize)
		if err != nil {
			return err
		}

		page := make([]byte, s.pageSize)
		copy(page, cur)

		for i := 0; i < layout.HeaderSize; i++ {
			off := h.headerOff + i - pageBase
			if off >= 0 && off < s.pageSize {
				page[off] = raw[i]
			}
		}

		if err := s.program(pageBase, page); err != nil {
			return err
		}
	}

	return nil
}

// abandon releases the handle's pool slot and marks it unusable.
func (h *WriteHandle) abandon() {
	if h.closed {
		return
	}
	h.closed = true

	h.s.mu.Lock()
	h.s.handles[h.slot] = nil
	h.s.mu.Unlock()
}

func erasedPage(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = 0xFF
	}
	return p
}
