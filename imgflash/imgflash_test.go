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

package imgflash

import (
	"bytes"
	"path"
	"testing"
	"time"
)

const (
	testSize       = 64 * 1024
	testSectorSize = 4096
	testPageSize   = 256
)

func TestCreateStartsErased(t *testing.T) {
	p := path.Join(t.TempDir(), "flash.img")

	d, err := Create(p, testSize, testSectorSize, testPageSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer d.Close()

	if d.Size() != testSize {
		t.Errorf("Size: got %d, want %d", d.Size(), testSize)
	}

	v, err := d.View(0, testSize)
	if err != nil {
		t.Fatalf("View: %v", err)
	}

	if !bytes.Equal(v, bytes.Repeat([]byte{0xFF}, testSize)) {
		t.Error("new image is not fully erased")
	}
}

func TestCreateRefusesExistingFile(t *testing.T) {
	p := path.Join(t.TempDir(), "flash.img")

	d, err := Create(p, testSize, testSectorSize, testPageSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	d.Close()

	if _, err := Create(p, testSize, testSectorSize, testPageSize); err == nil {
		t.Error("second Create of the same path succeeded")
	}
}

func TestBadGeometryRejected(t *testing.T) {
	p := path.Join(t.TempDir(), "flash.img")

	cases := []struct {
		size, sectorSize, pageSize int
	}{
		{0, testSectorSize, testPageSize},
		{testSize + 1, testSectorSize, testPageSize},
		{testSize, 1000, testPageSize},
		{testSize, testSectorSize, 1000},
	}

	for _, c := range cases {
		if _, err := Create(p, c.size, c.sectorSize, c.pageSize); err == nil {
			t.Errorf("Create(%d/%d/%d) succeeded", c.size, c.sectorSize, c.pageSize)
		}
	}
}

func TestContentsSurviveReopen(t *testing.T) {
	p := path.Join(t.TempDir(), "flash.img")

	d, err := Create(p, testSize, testSectorSize, testPageSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	payload := []byte("taco")
	if err := d.Program(100, payload, time.Second); err != nil {
		t.Fatalf("Program: %v", err)
	}

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d, err = Open(p, testSectorSize, testPageSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	v, err := d.View(100, len(payload))
	if err != nil {
		t.Fatalf("View: %v", err)
	}

	if !bytes.Equal(v, payload) {
		t.Errorf("got %q, want %q", v, payload)
	}
}

func TestOpenChecksDeclaredGeometry(t *testing.T) {
	p := path.Join(t.TempDir(), "flash.img")

	d, err := Create(p, testSize, testSectorSize, testPageSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	d.Close()

	// The file's size is not a multiple of this sector size.
	if _, err := Open(p, 3000, testPageSize); err == nil {
		t.Error("Open with mismatched geometry succeeded")
	}
}

func TestProgramRefusesToSetBits(t *testing.T) {
	p := path.Join(t.TempDir(), "flash.img")

	d, err := Create(p, testSize, testSectorSize, testPageSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer d.Close()

	if err := d.Program(0, []byte{0x0F}, time.Second); err != nil {
		t.Fatalf("Program: %v", err)
	}

	if err := d.Program(0, []byte{0xF0}, time.Second); err == nil {
		t.Error("bit-setting program succeeded")
	}

	v, _ := d.View(0, 1)
	if v[0] != 0x0F {
		t.Errorf("failed program modified memory: %02x", v[0])
	}
}

func TestEraseRestoresErasedState(t *testing.T) {
	p := path.Join(t.TempDir(), "flash.img")

	d, err := Create(p, testSize, testSectorSize, testPageSize)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer d.Close()

	if err := d.Program(testSectorSize, make([]byte, 16), time.Second); err != nil {
		t.Fatalf("Program: %v", err)
	}

	if err := d.Erase(0, testSectorSize, time.Second); err == nil {
		// Erasing sector zero must not touch sector one.
		v, _ := d.View(testSectorSize, 1)
		if v[0] != 0x00 {
			t.Errorf("erase leaked into the next sector: %02x", v[0])
		}
	} else {
		t.Fatalf("Erase: %v", err)
	}

	if err := d.Erase(testSectorSize, testSectorSize, time.Second); err != nil {
		t.Fatalf("Erase: %v", err)
	}

	v, _ := d.View(testSectorSize, 16)
	if !bytes.Equal(v, bytes.Repeat([]byte{0xFF}, 16)) {
		t.Error("erase did not restore erased state")
	}

	if err := d.Erase(100, testSectorSize, time.Second); err == nil {
		t.Error("unaligned erase succeeded")
	}
}
