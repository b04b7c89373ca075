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

// Package layout defines the fixed on-media record formats used by the
// store: the central directory entry and the per-block file header. The
// formats are versionless; all multi-byte fields are little-endian, and
// reserved or padding bytes are written as zero so that they read back as
// zero if a later revision assigns them meaning.
//
// Both records are designed around NOR flash physics: a record slot that
// has never been programmed reads as all-1 bits, and any field may later
// be programmed in place as long as the change only clears bits.
package layout

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
)

const (
	// EntrySize is the size in bytes of a marshalled directory entry.
	EntrySize = 32

	// NameLen is the fixed width of the filename field. Shorter names are
	// zero-padded on the right.
	NameLen = 16

	// HeaderSize is the size in bytes of a marshalled file header.
	HeaderSize = 8

	// BlockAlign is the alignment of each (header, payload) block within a
	// file's allocation.
	BlockAlign = 4

	// ErasedWord is the value a 32-bit field reads as when its flash bytes
	// have never been programmed. A file header whose size field reads as
	// ErasedWord marks a deleted file or the unused tail of an allocation.
	ErasedWord = 0xFFFFFFFF

	// MarkerName is the reserved filename carried by entry zero of a
	// freshly formatted directory. It exists purely as a format marker and
	// is not an openable file.
	MarkerName = "/"
)

// entrySumLen is the number of leading marshalled bytes covered by a
// directory entry's checksum: everything preceding the Sum field itself.
const entrySumLen = EntrySize - 4

// A DirEntry is one record of the central directory.
type DirEntry struct {
	// Sequence is positional: the entry at index i always carries i+1,
	// starting from 1 for the format marker. The directory rebuild leaves
	// it in place when it clears a slot, so a freed slot can be
	// re-programmed without erasing its sector.
	Sequence uint32

	// Name is the fixed-width filename. All-0xFF bytes mean the slot is
	// free; all-zero bytes mean the entry was replaced in place by a newer
	// entry elsewhere.
	Name [NameLen]byte

	// MaxSize is the allocation size in bytes, a whole multiple of the
	// flash sector size.
	MaxSize uint32

	// Offset is the byte offset of the allocation within the flash
	// address space.
	Offset uint32

	// Sum is a CRC-32 over every marshalled byte preceding it.
	Sum uint32
}

// ParseDirEntry decodes the entry marshalled in the first EntrySize bytes
// of src.
func ParseDirEntry(src []byte) (e DirEntry) {
	e.Sequence = binary.LittleEndian.Uint32(src)
	copy(e.Name[:], src[4:4+NameLen])
	e.MaxSize = binary.LittleEndian.Uint32(src[4+NameLen:])
	e.Offset = binary.LittleEndian.Uint32(src[8+NameLen:])
	e.Sum = binary.LittleEndian.Uint32(src[entrySumLen:])
	return
}

// Marshal encodes the entry into the first EntrySize bytes of dst.
func (e *DirEntry) Marshal(dst []byte) {
	binary.LittleEndian.PutUint32(dst, e.Sequence)
	copy(dst[4:4+NameLen], e.Name[:])
	binary.LittleEndian.PutUint32(dst[4+NameLen:], e.MaxSize)
	binary.LittleEndian.PutUint32(dst[8+NameLen:], e.Offset)
	binary.LittleEndian.PutUint32(dst[entrySumLen:], e.Sum)
}

// ComputeSum returns the checksum the entry's Sum field should carry
// given its other fields.
func (e *DirEntry) ComputeSum() uint32 {
	var buf [EntrySize]byte
	e.Marshal(buf[:])
	return crc32.ChecksumIEEE(buf[:entrySumLen])
}

// SetName replaces the entry's filename, zero-padding to NameLen.
func (e *DirEntry) SetName(name string) {
	for i := range e.Name {
		e.Name[i] = 0
	}
	copy(e.Name[:], name)
}

// NameString returns the filename with zero padding stripped.
func (e *DirEntry) NameString() string {
	i := bytes.IndexByte(e.Name[:], 0)
	if i < 0 {
		i = NameLen
	}
	return string(e.Name[:i])
}

// FreeName reports whether the name field marks the slot as free.
func (e *DirEntry) FreeName() bool {
	for _, b := range e.Name {
		if b != 0xFF {
			return false
		}
	}
	return true
}

// Replaced reports whether the entry was superseded in place. A replaced
// entry's checksum is intentionally stale and must not be revalidated.
func (e *DirEntry) Replaced() bool {
	for _, b := range e.Name {
		if b != 0 {
			return false
		}
	}
	return true
}

// ValidName reports whether name may be stored in a directory entry. The
// free and replaced slot states reserve the all-0xFF and empty encodings,
// and the format marker is not a legal user filename.
func ValidName(name string) bool {
	if len(name) == 0 || len(name) > NameLen || name == MarkerName {
		return false
	}
	for i := 0; i < len(name); i++ {
		if name[i] == 0 || name[i] == 0xFF {
			return false
		}
	}
	return true
}

// A FileHeader precedes each content block within a file's allocation.
type FileHeader struct {
	// Size is the payload length in bytes, or ErasedWord if the header
	// has not been programmed.
	Size uint32

	// Sum is a CRC-32 over the payload only.
	Sum uint32
}

// ParseFileHeader decodes the header marshalled in the first HeaderSize
// bytes of src.
func ParseFileHeader(src []byte) (h FileHeader) {
	h.Size = binary.LittleEndian.Uint32(src)
	h.Sum = binary.LittleEndian.Uint32(src[4:])
	return
}

// Marshal encodes the header into the first HeaderSize bytes of dst.
func (h *FileHeader) Marshal(dst []byte) {
	binary.LittleEndian.PutUint32(dst, h.Size)
	binary.LittleEndian.PutUint32(dst[4:], h.Sum)
}

// Erased reports whether the header marks a deleted file or the unused
// tail of an allocation.
func (h *FileHeader) Erased() bool {
	return h.Size == ErasedWord
}

// Erased reports whether every byte of b reads as unprogrammed flash.
func Erased(b []byte) bool {
	for _, v := range b {
		if v != 0xFF {
			return false
		}
	}
	return true
}

// AlignBlock rounds n up to the next block boundary.
func AlignBlock(n int) int {
	return (n + BlockAlign - 1) &^ (BlockAlign - 1)
}
