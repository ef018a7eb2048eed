// Copyright 2025 UMH Systems GmbH
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

//go:build darwin

package persistence

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// IsNetworkFilesystem reports whether path lives on a network mount,
// judged by the filesystem type name macOS reports.
func IsNetworkFilesystem(path string) (bool, string, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return false, "", fmt.Errorf("failed to stat filesystem at %s: %w", path, err)
	}

	var name [16]byte
	for i, v := range stat.Fstypename {
		name[i] = byte(v)
	}

	fsType := string(name[:clen(name[:])])

	return IsNetworkFSType(fsType), fsType, nil
}

func clen(n []byte) int {
	for i := range n {
		if n[i] == 0 {
			return i
		}
	}

	return len(n)
}
