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

// FileExists reports whether a live directory entry carries the given
// name. This is entry presence, not readability: the format marker "/"
// and files removed but not yet reclaimed by a directory rebuild both
// report true while OpenRead reports ErrNotFound.
func (s *Store) FileExists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.mounted {
		return false
	}

	_, _, found := s.lookupLocked(name)
	return found
}

// OpenRead resolves the current version of the named file and returns a
// zero-copy view of its payload along with the stored CRC. The returned
// slice aliases the flash medium and remains valid only until the file
// is next rewritten or removed.
//
// Errors: ErrNotMounted; ErrNotFound if no entry carries the name or the
// file was logically deleted; ErrBadDirEntry if the entry resolves to a
// stream that does not fit its allocation; ErrBadChecksum if the payload
// fails CRC verification. Only a nil error guarantees the returned data
// is trustworthy.
func (s *Store) OpenRead(name string) (data []byte, crc uint32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.mounted {
		err = ErrNotMounted
		return
	}

	_, e, found := s.lookupLocked(name)
	if !found {
		err = ErrNotFound
		return
	}

	// The format marker claims no allocation and is not a real file.
	if e.MaxSize == 0 {
		err = ErrNotFound
		return
	}

	blockOff, hdr, err := s.resolveStreamLocked(e)
	if err != nil {
		return
	}

	data, verr := s.medium.View(blockOff+layout.HeaderSize, int(hdr.Size))
	if verr != nil {
		err = ErrBadDirEntry
		return
	}

	// CRC verification over a large payload can take a while.
	s.extendWatchdog(len(data))
	if crc32.ChecksumIEEE(data) != hdr.Sum {
		data = nil
		err = ErrBadChecksum
		return
	}

	crc = hdr.Sum
	return
}

// resolveStreamLocked scans forward through the entry's allocation and
// returns the offset and header of the current version: the last block
// whose header is not the erased sentinel and whose payload fits inside
// the allocation. Scanning stops at the first erased or out-of-bounds
// header, which is what makes the append-then-patch protocol atomic: an
// interrupted update's block still reads as erased and the previous
// version stays current.
//
// LOCKS_REQUIRED(mu)
func (s *Store) resolveStreamLocked(e layout.DirEntry) (int, layout.FileHeader, error) {
	base := int(e.Offset)
	end := base + int(e.MaxSize)

	cur := -1
	var curHdr layout.FileHeader

	for off := base; off+layout.HeaderSize <= end; {
		raw, err := s.medium.View(off, layout.HeaderSize)
		if err != nil {
			return 0, layout.FileHeader{}, ErrBadDirEntry
		}

		hdr := layout.ParseFileHeader(raw)
		if hdr.Erased() {
			break
		}

		if off+layout.HeaderSize+int(hdr.Size) > end {
			// The first block overflowing the allocation means the entry
			// itself is untrustworthy. A later block overflowing merely
			// terminates the scan with the previous version current.
			if cur < 0 {
				return 0, layout.FileHeader{}, ErrBadDirEntry
			}
			break
		}

		cur, curHdr = off, hdr
		off = layout.AlignBlock(off + layout.HeaderSize + int(hdr.Size))
	}

	if cur < 0 {
		return 0, layout.FileHeader{}, ErrNotFound
	}

	return cur, curHdr, nil
}
