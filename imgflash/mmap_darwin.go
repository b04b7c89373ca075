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
	"os"

	"golang.org/x/sys/unix"
)

func mapShared(f *os.File, n int) ([]byte, error) {
	return unix.Mmap(
		int(f.Fd()),
		0,
		n,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED)
}

func syncMap(mem []byte) error {
	return unix.Msync(mem, unix.MS_SYNC)
}

func unmap(mem []byte) error {
	return unix.Munmap(mem)
}
