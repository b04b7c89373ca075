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
	"io"

	"github.com/jacobsa/flashfs/internal/layout"
)

// A StagedFile accumulates a file's contents in lazily-allocated RAM
// pages before a single atomic commit to flash. Regions never written
// read back as zero. This is the tool for content assembled
// incrementally over multiple steps: the flash-resident file changes
// only at Commit, and then atomically.
//
// Not safe for concurrent use.
type StagedFile struct {
	pageSize int
	size     int

	// Page index to page contents. Absent pages are all-zero.
	pages map[int][]byte
}

// NewStagedFile creates an empty staged file using pageSize-byte RAM
// pages. A non-positive pageSize selects a reasonable default.
func NewStagedFile(pageSize int) *StagedFile {
	if pageSize <= 0 {
		pageSize = 256
	}

	return &StagedFile{
		pageSize: pageSize,
		pages:    make(map[int][]byte),
	}
}

// Size returns the current staged size: one past the highest byte ever
// written.
func (f *StagedFile) Size() int {
	return f.size
}

// WriteAt stores p at the given offset, extending the staged size as
// needed and materializing only the pages actually touched.
func (f *StagedFile) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, fmt.Errorf("flashfs: negative staged offset %d", off)
	}

	pos := int(off)
	for n < len(p) {
		pageIdx := pos / f.pageSize
		pageOff := pos % f.pageSize

		page, ok := f.pages[pageIdx]
		if !ok {
			page = make([]byte, f.pageSize)
			f.pages[pageIdx] = page
		}

		c := copy(page[pageOff:], p[n:])
		n += c
		pos += c
	}

	if pos > f.size {
		f.size = pos
	}

	return n, nil
}

// ReadAt fills p from the given offset. Unwritten regions within the
// staged size read as zero; reads crossing the end return io.EOF with
// the bytes that were available.
func (f *StagedFile) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, fmt.Errorf("flashfs: negative staged offset %d", off)
	}

	pos := int(off)
	for n < len(p) && pos < f.size {
		pageIdx := pos / f.pageSize
		pageOff := pos % f.pageSize

		limit := f.pageSize
		if pageIdx == f.size/f.pageSize {
			limit = f.size % f.pageSize
			if limit == 0 {
				limit = f.pageSize
			}
		}

		var c int
		if page, ok := f.pages[pageIdx]; ok {
			c = copy(p[n:], page[pageOff:limit])
		} else {
			c = limit - pageOff
			if rem := len(p) - n; c > rem {
				c = rem
			}
			for i := 0; i < c; i++ {
				p[n+i] = 0
			}
		}

		n += c
		pos += c
	}

	if n < len(p) {
		err = io.EOF
	}

	return
}

// Commit writes the staged contents to the named flash file. The staged
// file is left intact and may be modified and committed again. The full
// size is known up front, which makes the write eligible for append mode
// when the existing allocation has room. allocSize may be zero to
// allocate just enough sectors for the staged contents.
func (f *StagedFile) Commit(s *Store, name string, allocSize int) error {
	if allocSize == 0 {
		allocSize = f.size + layout.HeaderSize
	}

	h, err := s.OpenWrite(name, f.size, allocSize)
	if err != nil {
		return err
	}

	zero := make([]byte, f.pageSize)
	for off := 0; off < f.size; off += f.pageSize {
		n := f.pageSize
		if off+n > f.size {
			n = f.size - off
		}

		chunk := zero[:n]
		if page, ok := f.pages[off/f.pageSize]; ok {
			chunk = page[:n]
		}

		if err := h.Write(chunk); err != nil {
			return err
		}
	}

	return h.Close()
}
