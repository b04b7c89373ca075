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

// mkimage builds a flash image file from a YAML manifest, writing each
// listed file through the storage engine so the result is byte-for-byte
// what the firmware would have produced on the part. Example manifest:
//
//	image:
//	  size: 2097152
//	  sector_size: 4096
//	  page_size: 256
//	  directory_bytes: 4096
//	  min_content_offset: 0
//	files:
//	  - name: cfg
//	    source: config.bin
//	    max_size: 8192
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"

	"github.com/jacobsa/flashfs"
	"github.com/jacobsa/flashfs/imgflash"
	"github.com/jacobsa/flashfs/internal/layout"
	yaml "gopkg.in/yaml.v3"
)

var fManifest = flag.String("manifest", "", "Path to the YAML manifest.")
var fOut = flag.String("out", "", "Path of the image file to create.")

type manifestImage struct {
	Size             int `yaml:"size"`
	SectorSize       int `yaml:"sector_size"`
	PageSize         int `yaml:"page_size"`
	DirectoryBytes   int `yaml:"directory_bytes"`
	MinContentOffset int `yaml:"min_content_offset"`
}

type manifestFile struct {
	Name    string `yaml:"name"`
	Source  string `yaml:"source"`
	MaxSize int    `yaml:"max_size"`
}

type manifest struct {
	Image manifestImage  `yaml:"image"`
	Files []manifestFile `yaml:"files"`
}

func loadManifest(path string) (m manifest, err error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return
	}

	if err = yaml.Unmarshal(raw, &m); err != nil {
		err = fmt.Errorf("parsing %s: %w", path, err)
		return
	}

	if m.Image.SectorSize == 0 {
		m.Image.SectorSize = 4096
	}
	if m.Image.PageSize == 0 {
		m.Image.PageSize = 256
	}
	if m.Image.DirectoryBytes == 0 {
		m.Image.DirectoryBytes = m.Image.SectorSize
	}
	if m.Image.Size == 0 {
		err = fmt.Errorf("%s: image.size is required", path)
	}

	return
}

func build(m manifest, out string) (err error) {
	dev, err := imgflash.Create(out, m.Image.Size, m.Image.SectorSize, m.Image.PageSize)
	if err != nil {
		return
	}

	defer func() {
		if cerr := dev.Close(); err == nil {
			err = cerr
		}
	}()

	store, err := flashfs.New(flashfs.StoreConfig{
		Medium:           dev,
		MinContentOffset: m.Image.MinContentOffset,
		ErrorLogger:      log.New(os.Stderr, "mkimage: ", 0),
	})
	if err != nil {
		return
	}

	if err = store.Format(m.Image.DirectoryBytes); err != nil {
		return
	}

	for _, mf := range m.Files {
		var data []byte
		if data, err = ioutil.ReadFile(mf.Source); err != nil {
			return
		}

		maxSize := mf.MaxSize
		if maxSize == 0 {
			maxSize = len(data) + layout.HeaderSize
		}

		var h *flashfs.WriteHandle
		if h, err = store.OpenWrite(mf.Name, len(data), maxSize); err != nil {
			return fmt.Errorf("opening %q: %w", mf.Name, err)
		}

		if err = h.Write(data); err != nil {
			return fmt.Errorf("writing %q: %w", mf.Name, err)
		}

		if err = h.Close(); err != nil {
			return fmt.Errorf("closing %q: %w", mf.Name, err)
		}
	}

	printReport(store.Report())
	return
}

func printReport(r flashfs.StorageReport) {
	fmt.Printf("directory: %d bytes at %#x\n", r.DirectoryBytes, r.DirectoryOffset)
	fmt.Printf("allocated: %d bytes, free: %d bytes, low-water mark %#x\n",
		r.AllocatedBytes, r.FreeBytes, r.LowWaterMark)

	for _, fi := range r.Files {
		fmt.Printf("  %-16s seq %3d  %7d/%7d bytes at %#x  crc %08x  %s\n",
			fi.Name, fi.Sequence, fi.Size, fi.MaxSize, fi.Offset, fi.Sum, fi.State)
	}
}

func main() {
	flag.Parse()

	if *fManifest == "" || *fOut == "" {
		fmt.Fprintln(os.Stderr, "You must set --manifest and --out.")
		os.Exit(1)
	}

	m, err := loadManifest(*fManifest)
	if err != nil {
		log.Fatal(err)
	}

	if err := build(m, *fOut); err != nil {
		log.Fatal(err)
	}
}
