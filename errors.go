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

import "errors"

var (
	// ErrNotMounted is returned when an operation requires a mounted
	// store and Mount has not succeeded.
	ErrNotMounted = errors.New("flashfs: not mounted")

	// ErrNotFound is returned when no directory entry carries the
	// requested name, or when the entry exists but the file was
	// logically deleted.
	ErrNotFound = errors.New("flashfs: file not found")

	// ErrBadDirEntry is returned when a directory entry resolves to a
	// content stream that does not fit its allocation.
	ErrBadDirEntry = errors.New("flashfs: bad directory entry")

	// ErrBadChecksum is returned when a file's stored CRC does not match
	// its payload.
	ErrBadChecksum = errors.New("flashfs: bad checksum")

	// ErrNoFreeHandles is returned by OpenWrite when every slot of the
	// write-handle pool is in use.
	ErrNoFreeHandles = errors.New("flashfs: no free write handles")

	// ErrNoSpace is returned when an allocation cannot be satisfied, for
	// space or for a directory slot, without colliding with the reserved
	// region below the content area.
	ErrNoSpace = errors.New("flashfs: no space")

	// ErrInvalidName is returned for filenames that cannot be stored in
	// a directory entry.
	ErrInvalidName = errors.New("flashfs: invalid file name")

	// ErrHandleClosed is returned when writing to a handle that has been
	// closed or abandoned after a fatal write error.
	ErrHandleClosed = errors.New("flashfs: write handle closed")
)
