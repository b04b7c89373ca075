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

// Package flashfs implements a minimal log-structured file store built
// directly on raw NOR flash sectors, for firmware that must persist
// configuration and calibration data across power cycles without a disk
// or an OS beneath it.
//
// The primary elements of interest are:
//
//  *  The Medium interface, which abstracts the flash part's
//     memory-mapped reads and its program/erase primitives.
//
//  *  The Store struct, which owns the central directory, the sector
//     allocation bitmap, and the write-handle pool. Construct one with
//     New and pass it by reference to all call sites.
//
//  *  StagedFile, an in-memory paged buffer for assembling a file's
//     contents incrementally before a single atomic commit to flash.
//
// Updates commit atomically without a journal: a new version of a file
// is appended after the current one, its payload is written first, and
// its header is patched in last. A power failure at any earlier point
// leaves the previous version intact and discoverable.
package flashfs
