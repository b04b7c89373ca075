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
	"time"

	"golang.org/x/net/context"
)

// A Medium is a raw NOR flash part, or something that behaves like one.
// Reads are memory-mapped and free; mutation happens through exactly two
// primitives with asymmetric physics: Program may only clear bits (1→0),
// and Erase resets whole sectors to all-1 bits.
//
// Implementations must be safe for concurrent reads. Callers serialize
// Program and Erase through a SafeExecutor.
type Medium interface {
	// Size returns the addressable size of the part in bytes.
	Size() int

	// SectorSize returns the erase granularity in bytes. Size must be a
	// whole multiple of it.
	SectorSize() int

	// PageSize returns the preferred program granularity in bytes. The
	// sector size must be a whole multiple of it.
	PageSize() int

	// View returns a zero-copy window onto the part's contents. The
	// returned slice aliases the medium; it remains valid until the
	// underlying range is next programmed or erased.
	View(off, n int) ([]byte, error)

	// Program clears bits within [off, off+len(p)). For every byte, the
	// result must equal p's value; attempting to set a 0 bit back to 1 is
	// an error and requires Erase instead. The range must not cross a
	// page boundary unless off is page-aligned and len(p) is a whole
	// number of pages.
	Program(off int, p []byte, timeout time.Duration) error

	// Erase resets [off, off+n) to all-1 bits. Both off and n must be
	// sector-aligned.
	Erase(off, n int, timeout time.Duration) error
}

// A SafeExecutor runs a closure in a context where flash mutation is
// safe. On a dual-core target the real implementation parks the other
// core in a non-flash-resident spin loop for the closure's duration,
// because any flash read during a program or erase is a fault condition.
//
// There is no cancellation once the closure starts; ctx bounds only the
// wait to acquire exclusivity.
type SafeExecutor interface {
	RunExclusive(ctx context.Context, f func() error) error
}

// A Watchdog is the firmware's shared watchdog timer. Long-running scans
// call Extend proportionally to the data volume they are about to
// process, so a legitimately busy engine is not mistaken for a hang.
type Watchdog interface {
	// Extend pushes the reset deadline at least d into the future.
	Extend(d time.Duration)

	// KeepAlive re-arms the deadline to its configured default.
	KeepAlive()
}

// inlineExecutor is the single-core degenerate SafeExecutor: there is no
// other execution unit to park.
type inlineExecutor struct{}

func (inlineExecutor) RunExclusive(ctx context.Context, f func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return f()
}

// nopWatchdog is used when the caller wires no watchdog.
type nopWatchdog struct{}

func (nopWatchdog) Extend(d time.Duration) {}
func (nopWatchdog) KeepAlive()             {}
