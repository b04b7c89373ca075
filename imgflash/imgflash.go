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

// Package imgflash provides a flashfs.Medium backed by a memory-mapped
// flash image file, for host-side tooling that builds or inspects images
// destined for a real part. It enforces the same clear-bits-only program
// rule as hardware, so an image assembled here behaves identically when
// flashed.
package imgflash

import (
	"fmt"
	"os"
	"time"

	fallocate "github.com/detailyang/go-fallocate"
)

// A Device is a flash image file mapped into memory.
type Device struct {
	f          *os.File
	mem        []byte
	sectorSize int
	pageSize   int
}

// Create makes a new image file of the given geometry, preallocated on
// disk and filled with erased (0xFF) bytes, and maps it. Fails if the
// file already exists.
func Create(path string, size, sectorSize, pageSize int) (*Device, error) {
	if err := checkGeometry(size, sectorSize, pageSize); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}

	if err := fallocate.Fallocate(f, 0, int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("preallocating %s: %w", path, err)
	}

	// A new image starts fully erased, not zeroed as fallocate leaves it.
	buf := make([]byte, 64*1024)
	for i := range buf {
		buf[i] = 0xFF
	}
	for off := 0; off < size; off += len(buf) {
		n := len(buf)
		if off+n > size {
			n = size - off
		}
		if _, err := f.WriteAt(buf[:n], int64(off)); err != nil {
			f.Close()
			os.Remove(path)
			return nil, err
		}
	}

	mem, err := mapShared(f, size)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	return &Device{f: f, mem: mem, sectorSize: sectorSize, pageSize: pageSize}, nil
}

// Open maps an existing image file. The file's size must match the
// declared geometry.
func Open(path string, sectorSize, pageSize int) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	size := int(fi.Size())
	if err := checkGeometry(size, sectorSize, pageSize); err != nil {
		f.Close()
		return nil, err
	}

	mem, err := mapShared(f, size)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Device{f: f, mem: mem, sectorSize: sectorSize, pageSize: pageSize}, nil
}

func checkGeometry(size, sectorSize, pageSize int) error {
	if size <= 0 || sectorSize <= 0 || pageSize <= 0 ||
		size%sectorSize != 0 || sectorSize%pageSize != 0 {
		return fmt.Errorf("imgflash: bad geometry %d/%d/%d", size, sectorSize, pageSize)
	}

	return nil
}

func (d *Device) Size() int       { return len(d.mem) }
func (d *Device) SectorSize() int { return d.sectorSize }
func (d *Device) PageSize() int   { return d.pageSize }

// View returns a window aliasing the mapped image.
func (d *Device) View(off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+n > len(d.mem) {
		return nil, fmt.Errorf("imgflash: view [%#x, %#x) out of range", off, off+n)
	}

	return d.mem[off : off+n : off+n], nil
}

// Program clears bits within [off, off+len(p)), refusing requests that
// would set a bit, exactly as the real part would.
func (d *Device) Program(off int, p []byte, timeout time.Duration) error {
	if off < 0 || off+len(p) > len(d.mem) {
		return fmt.Errorf("imgflash: program [%#x, %#x) out of range", off, off+len(p))
	}

	for i, b := range p {
		if b&^d.mem[off+i] != 0 {
			return fmt.Errorf("imgflash: program at %#x sets a bit: %02x over %02x", off+i, b, d.mem[off+i])
		}
	}

	copy(d.mem[off:], p)
	return nil
}

// Erase resets [off, off+n) to all-1 bits. Both bounds must be
// sector-aligned.
func (d *Device) Erase(off, n int, timeout time.Duration) error {
	if off < 0 || n < 0 || off+n > len(d.mem) ||
		off%d.sectorSize != 0 || n%d.sectorSize != 0 {
		return fmt.Errorf("imgflash: bad erase range [%#x, %#x)", off, off+n)
	}

	for i := off; i < off+n; i++ {
		d.mem[i] = 0xFF
	}

	return nil
}

// Sync flushes the mapped image to disk.
func (d *Device) Sync() error {
	return syncMap(d.mem)
}

// Close syncs, unmaps, and closes the image file. The device is unusable
// afterward.
func (d *Device) Close() error {
	if err := d.Sync(); err != nil {
		d.f.Close()
		return err
	}

	if err := unmap(d.mem); err != nil {
		d.f.Close()
		return err
	}

	d.mem = nil
	return d.f.Close()
}
