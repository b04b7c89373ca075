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

package main

import (
	"bytes"
	"io/ioutil"
	"path"
	"testing"

	"github.com/jacobsa/flashfs"
	"github.com/jacobsa/flashfs/imgflash"
)

func writeTempFile(t *testing.T, dir, name string, contents []byte) string {
	t.Helper()

	p := path.Join(dir, name)
	if err := ioutil.WriteFile(p, contents, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	return p
}

func TestLoadManifestAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	p := writeTempFile(t, dir, "manifest.yaml", []byte(
		"image:\n"+
			"  size: 65536\n"))

	m, err := loadManifest(p)
	if err != nil {
		t.Fatalf("loadManifest: %v", err)
	}

	if m.Image.Size != 65536 {
		t.Errorf("Size: got %d, want 65536", m.Image.Size)
	}
	if m.Image.SectorSize != 4096 {
		t.Errorf("SectorSize: got %d, want 4096", m.Image.SectorSize)
	}
	if m.Image.PageSize != 256 {
		t.Errorf("PageSize: got %d, want 256", m.Image.PageSize)
	}
	if m.Image.DirectoryBytes != 4096 {
		t.Errorf("DirectoryBytes: got %d, want 4096", m.Image.DirectoryBytes)
	}
}

func TestLoadManifestRequiresSize(t *testing.T) {
	dir := t.TempDir()
	p := writeTempFile(t, dir, "manifest.yaml", []byte(
		"files:\n"+
			"  - name: cfg\n"+
			"    source: cfg.bin\n"))

	if _, err := loadManifest(p); err == nil {
		t.Error("loadManifest of a sizeless manifest succeeded")
	}
}

func TestLoadManifestRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	p := writeTempFile(t, dir, "manifest.yaml", []byte("{not yaml"))

	if _, err := loadManifest(p); err == nil {
		t.Error("loadManifest of malformed input succeeded")
	}
}

func TestBuildProducesMountableImage(t *testing.T) {
	dir := t.TempDir()
	cfg := []byte("threshold = 42\n")
	cal := bytes.Repeat([]byte{0xC0}, 3000)

	manifestPath := writeTempFile(t, dir, "manifest.yaml", []byte(
		"image:\n"+
			"  size: 65536\n"+
			"files:\n"+
			"  - name: cfg\n"+
			"    source: "+writeTempFile(t, dir, "cfg.bin", cfg)+"\n"+
			"  - name: cal\n"+
			"    source: "+writeTempFile(t, dir, "cal.bin", cal)+"\n"+
			"    max_size: 8192\n"))

	m, err := loadManifest(manifestPath)
	if err != nil {
		t.Fatalf("loadManifest: %v", err)
	}

	out := path.Join(dir, "flash.img")
	if err := build(m, out); err != nil {
		t.Fatalf("build: %v", err)
	}

	// The image must mount and serve the listed files byte for byte.
	dev, err := imgflash.Open(out, m.Image.SectorSize, m.Image.PageSize)
	if err != nil {
		t.Fatalf("imgflash.Open: %v", err)
	}
	defer dev.Close()

	store, err := flashfs.New(flashfs.StoreConfig{Medium: dev})
	if err != nil {
		t.Fatalf("flashfs.New: %v", err)
	}
	if err := store.Mount(m.Image.DirectoryBytes); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	for _, tc := range []struct {
		name     string
		contents []byte
	}{
		{"cfg", cfg},
		{"cal", cal},
	} {
		data, _, err := store.OpenRead(tc.name)
		if err != nil {
			t.Fatalf("OpenRead(%q): %v", tc.name, err)
		}
		if !bytes.Equal(data, tc.contents) {
			t.Errorf("%q: image contents differ from source", tc.name)
		}
	}

	r := store.Report()
	if len(r.Files) != 2 {
		t.Errorf("Files: got %d entries, want 2", len(r.Files))
	}
	for _, fi := range r.Files {
		if fi.State != flashfs.FileValid {
			t.Errorf("%q: state %v", fi.Name, fi.State)
		}
	}
}
