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
	"time"

	"github.com/jacobsa/flashfs/internal/layout"
)

// FileState classifies a directory entry's content stream as seen by the
// diagnostic scan.
type FileState int

const (
	// FileValid means the current version resolved and passed CRC
	// verification.
	FileValid FileState = iota

	// FileDeleted means the entry exists but the stream's first header
	// reads as erased.
	FileDeleted

	// FileBadEntry means the stream does not fit the allocation.
	FileBadEntry

	// FileBadChecksum means the current version failed CRC verification.
	FileBadChecksum
)

func (fs FileState) String() string {
	switch fs {
	case FileValid:
		return "valid"
	case FileDeleted:
		return "deleted"
	case FileBadEntry:
		return "bad-entry"
	case FileBadChecksum:
		return "bad-checksum"
	default:
		return "unknown"
	}
}

// FileInfo describes one live directory entry in a StorageReport.
type FileInfo struct {
	Name     string
	Sequence uint32
	Offset   int
	MaxSize  int

	// Size and Sum describe the current version, when State is FileValid
	// or FileBadChecksum.
	Size int
	Sum  uint32

	State FileState
}

// A StorageReport summarizes the store for external tooling. Console
// commands and remote status queries are thin wrappers over this.
type StorageReport struct {
	Mounted   bool
	MountedAt time.Time

	MediumBytes int
	SectorBytes int

	DirectoryOffset int
	DirectoryBytes  int

	// LowWaterMark is the lowest allocated content offset; the region
	// between the reserved floor and it is contiguous free space.
	LowWaterMark int

	// AllocatedBytes counts every content sector claimed in the bitmap,
	// including allocations awaiting reclamation. FreeBytes counts the
	// rest of the content area.
	AllocatedBytes int
	FreeBytes      int

	Files []FileInfo
}

// Report scans the directory and returns a point-in-time summary. The
// per-file CRC verification makes this proportional to the volume of
// stored data.
func (s *Store) Report() StorageReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := StorageReport{
		Mounted:     s.mounted,
		MediumBytes: s.size,
		SectorBytes: s.sectorSize,
	}

	if !s.mounted {
		return r
	}

	r.MountedAt = s.mountedAt
	r.DirectoryOffset = s.dirOff
	r.DirectoryBytes = s.dirBytes
	r.LowWaterMark = s.lowWater

	for sec := s.minContent / s.sectorSize; sec < s.dirOff/s.sectorSize; sec++ {
		if s.bitmap[sec] {
			r.AllocatedBytes += s.sectorSize
		} else {
			r.FreeBytes += s.sectorSize
		}
	}

	entryCount := s.dirBytes / layout.EntrySize
	for i := 1; i < entryCount; i++ {
		rec, err := s.medium.View(s.entryOffset(i), layout.EntrySize)
		if err != nil || layout.Erased(rec) {
			break
		}

		e := layout.ParseDirEntry(rec)
		if e.FreeName() || e.Replaced() {
			continue
		}

		info := FileInfo{
			Name:     e.NameString(),
			Sequence: e.Sequence,
			Offset:   int(e.Offset),
			MaxSize:  int(e.MaxSize),
		}

		blockOff, hdr, err := s.resolveStreamLocked(e)
		switch err {
		case nil:
			info.Size = int(hdr.Size)
			info.Sum = hdr.Sum
			info.State = FileValid

			payload, verr := s.medium.View(blockOff+layout.HeaderSize, int(hdr.Size))
			s.extendWatchdog(int(hdr.Size))
			if verr != nil || crc32.ChecksumIEEE(payload) != hdr.Sum {
				info.State = FileBadChecksum
			}

		case ErrNotFound:
			info.State = FileDeleted

		default:
			info.State = FileBadEntry
		}

		r.Files = append(r.Files, info)
	}

	return r
}
