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

package flashfs_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/jacobsa/flashfs"
	"github.com/jacobsa/flashfs/flashfstesting"
	. "github.com/jacobsa/ogletest"
)

func TestStaged(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type StagedFileTest struct {
	flashfstesting.StoreTest
}

func init() { RegisterTestSuite(&StagedFileTest{}) }

func (t *StagedFileTest) SetUp(ti *TestInfo) {
	t.Initialize()
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *StagedFileTest) InitiallyEmpty() {
	f := flashfs.NewStagedFile(0)
	ExpectEq(0, f.Size())

	buf := make([]byte, 4)
	n, err := f.ReadAt(buf, 0)
	ExpectEq(0, n)
	ExpectEq(io.EOF, err)
}

func (t *StagedFileTest) WritesGrowTheFile() {
	f := flashfs.NewStagedFile(16)

	n, err := f.WriteAt([]byte("taco"), 0)
	AssertEq(nil, err)
	AssertEq(4, n)
	ExpectEq(4, f.Size())

	// Writing past the end extends it, crossing page boundaries.
	n, err = f.WriteAt([]byte("burrito"), 30)
	AssertEq(nil, err)
	AssertEq(7, n)
	ExpectEq(37, f.Size())
}

func (t *StagedFileTest) UnwrittenRegionsReadAsZero() {
	f := flashfs.NewStagedFile(16)

	_, err := f.WriteAt([]byte{0xAB}, 40)
	AssertEq(nil, err)

	buf := make([]byte, 41)
	n, err := f.ReadAt(buf, 0)
	AssertEq(nil, err)
	AssertEq(41, n)

	for i := 0; i < 40; i++ {
		AssertEq(0, buf[i], "i: %d", i)
	}
	ExpectEq(0xAB, buf[40])
}

func (t *StagedFileTest) ReadCrossingTheEndReturnsEOF() {
	f := flashfs.NewStagedFile(16)

	_, err := f.WriteAt([]byte("taco"), 0)
	AssertEq(nil, err)

	buf := make([]byte, 8)
	n, err := f.ReadAt(buf, 2)
	ExpectEq(2, n)
	ExpectEq(io.EOF, err)
	ExpectTrue(bytes.Equal([]byte("co"), buf[:n]))
}

func (t *StagedFileTest) NegativeOffsetsAreRejected() {
	f := flashfs.NewStagedFile(16)

	_, err := f.WriteAt([]byte("taco"), -1)
	ExpectNe(nil, err)

	_, err = f.ReadAt(make([]byte, 4), -1)
	ExpectNe(nil, err)
}

func (t *StagedFileTest) CommitRoundTrip() {
	f := flashfs.NewStagedFile(0)

	// Assemble out of order, the way a multi-step import would.
	_, err := f.WriteAt(bytes.Repeat([]byte{0x02}, 500), 500)
	AssertEq(nil, err)
	_, err = f.WriteAt(bytes.Repeat([]byte{0x01}, 500), 0)
	AssertEq(nil, err)

	AssertEq(nil, f.Commit(t.Store, "blob", 0))

	data, _, err := t.Store.OpenRead("blob")
	AssertEq(nil, err)
	AssertEq(1000, len(data))
	ExpectTrue(bytes.Equal(bytes.Repeat([]byte{0x01}, 500), data[:500]))
	ExpectTrue(bytes.Equal(bytes.Repeat([]byte{0x02}, 500), data[500:]))
}

func (t *StagedFileTest) CommitOfSparseFileStoresZeros() {
	f := flashfs.NewStagedFile(0)

	_, err := f.WriteAt([]byte{0xEE}, 999)
	AssertEq(nil, err)

	AssertEq(nil, f.Commit(t.Store, "sparse", 0))

	data, _, err := t.Store.OpenRead("sparse")
	AssertEq(nil, err)
	AssertEq(1000, len(data))
	ExpectTrue(bytes.Equal(make([]byte, 999), data[:999]))
	ExpectEq(0xEE, data[999])
}

func (t *StagedFileTest) RecommitUsesAppendMode() {
	f := flashfs.NewStagedFile(0)
	_, err := f.WriteAt(bytes.Repeat([]byte{0x11}, 100), 0)
	AssertEq(nil, err)

	// Give the allocation room for several versions.
	AssertEq(nil, f.Commit(t.Store, "cfg", 4096))

	var off int
	for _, fi := range t.Store.Report().Files {
		if fi.Name == "cfg" {
			off = fi.Offset
		}
	}
	erases := t.Device.EraseCount(off)

	_, err = f.WriteAt(bytes.Repeat([]byte{0x22}, 100), 0)
	AssertEq(nil, err)
	AssertEq(nil, f.Commit(t.Store, "cfg", 4096))

	// The second commit appended; no erase happened.
	ExpectEq(erases, t.Device.EraseCount(off))

	data, _, err := t.Store.OpenRead("cfg")
	AssertEq(nil, err)
	ExpectTrue(bytes.Equal(bytes.Repeat([]byte{0x22}, 100), data))
}

func (t *StagedFileTest) StagedContentsSurviveCommit() {
	f := flashfs.NewStagedFile(0)
	_, err := f.WriteAt([]byte("taco"), 0)
	AssertEq(nil, err)

	AssertEq(nil, f.Commit(t.Store, "a", 0))

	buf := make([]byte, 4)
	n, err := f.ReadAt(buf, 0)
	AssertEq(nil, err)
	AssertEq(4, n)
	ExpectTrue(bytes.Equal([]byte("taco"), buf))
}

var _ io.ReaderAt = &flashfs.StagedFile{}
var _ io.WriterAt = &flashfs.StagedFile{}
