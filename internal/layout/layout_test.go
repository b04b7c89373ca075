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

package layout_test

import (
	"bytes"
	"testing"

	"github.com/jacobsa/flashfs/internal/layout"
	. "github.com/jacobsa/ogletest"
)

func TestLayout(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type LayoutTest struct {
}

func init() { RegisterTestSuite(&LayoutTest{}) }

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *LayoutTest) DirEntrySlotStates() {
	var e layout.DirEntry

	// An unprogrammed slot.
	erased := bytes.Repeat([]byte{0xFF}, layout.EntrySize)
	e = layout.ParseDirEntry(erased)
	ExpectTrue(e.FreeName())
	ExpectFalse(e.Replaced())

	// A live entry.
	e.SetName("cfg")
	ExpectFalse(e.FreeName())
	ExpectFalse(e.Replaced())
	ExpectEq("cfg", e.NameString())

	// The in-place zeroing that marks an entry superseded.
	e.SetName("")
	ExpectTrue(e.Replaced())
	ExpectFalse(e.FreeName())
}

func (t *LayoutTest) SetNameClearsStalePadding() {
	var e layout.DirEntry
	e.SetName("enchilada")
	e.SetName("taco")

	ExpectEq("taco", e.NameString())
	for i := 4; i < layout.NameLen; i++ {
		ExpectEq(0, e.Name[i], "i: %d", i)
	}
}

func (t *LayoutTest) NameStringOfMaxLengthName() {
	var e layout.DirEntry
	e.SetName("0123456789abcdef")
	ExpectEq("0123456789abcdef", e.NameString())
}

func (t *LayoutTest) SumCoversEverythingButItself() {
	e := layout.DirEntry{
		Sequence: 7,
		MaxSize:  4096,
		Offset:   0x1000,
	}
	e.SetName("cfg")
	e.Sum = e.ComputeSum()

	// The stored sum does not feed back into the computation.
	ExpectEq(e.Sum, e.ComputeSum())

	// Every other field does.
	mutated := e
	mutated.Sequence++
	ExpectNe(e.Sum, mutated.ComputeSum())

	mutated = e
	mutated.Name[0] ^= 0x01
	ExpectNe(e.Sum, mutated.ComputeSum())

	mutated = e
	mutated.MaxSize += 4096
	ExpectNe(e.Sum, mutated.ComputeSum())

	mutated = e
	mutated.Offset += 0x1000
	ExpectNe(e.Sum, mutated.ComputeSum())
}

func (t *LayoutTest) DirEntryRoundTripPreservesSum() {
	e := layout.DirEntry{
		Sequence: 3,
		MaxSize:  8192,
		Offset:   0x3C000,
	}
	e.SetName("blob")
	e.Sum = e.ComputeSum()

	var buf [layout.EntrySize]byte
	e.Marshal(buf[:])

	parsed := layout.ParseDirEntry(buf[:])
	ExpectEq(e.Sum, parsed.Sum)
	ExpectEq(parsed.Sum, parsed.ComputeSum())
}

func (t *LayoutTest) ValidNames() {
	ExpectTrue(layout.ValidName("a"))
	ExpectTrue(layout.ValidName("config.bin"))
	ExpectTrue(layout.ValidName("0123456789abcdef"))

	ExpectFalse(layout.ValidName(""))
	ExpectFalse(layout.ValidName("0123456789abcdefg"))
	ExpectFalse(layout.ValidName(layout.MarkerName))
	ExpectFalse(layout.ValidName("a\x00b"))
	ExpectFalse(layout.ValidName("a\xffb"))
}

func (t *LayoutTest) ErasedHeaderIsTheDeletionSentinel() {
	raw := bytes.Repeat([]byte{0xFF}, layout.HeaderSize)
	h := layout.ParseFileHeader(raw)
	ExpectTrue(h.Erased())

	h = layout.FileHeader{Size: 0, Sum: 0}
	ExpectFalse(h.Erased())
}

func (t *LayoutTest) ErasedScan() {
	ExpectTrue(layout.Erased(nil))
	ExpectTrue(layout.Erased(bytes.Repeat([]byte{0xFF}, 64)))

	b := bytes.Repeat([]byte{0xFF}, 64)
	b[63] = 0xFE
	ExpectFalse(layout.Erased(b))
}

func (t *LayoutTest) AlignBlock() {
	ExpectEq(0, layout.AlignBlock(0))
	ExpectEq(4, layout.AlignBlock(1))
	ExpectEq(4, layout.AlignBlock(4))
	ExpectEq(108, layout.AlignBlock(105))
	ExpectEq(108, layout.AlignBlock(108))
}
