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

//go:build linux

package persistence

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Linux filesystem magic numbers, see linux/magic.h
const (
	nfsMagic     = 0x6969
	nfs4Magic    = 0x6e667332
	cifsMagic    = 0xff534d42
	smbMagic     = 0x517b
	smb2Magic    = 0xfe534d42
	fuseblkMagic = 0x65735546
)

// IsNetworkFilesystem reports whether path lives on NFS, CIFS or SMB.
// FUSE mounts are reported as local since they cannot be told apart.
func IsNetworkFilesystem(path string) (bool, string, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return false, "", fmt.Errorf("failed to stat filesystem at %s: %w", path, err)
	}

	fsType, isNetwork := fsTypeFromMagic(uint32(stat.Type)) //nolint:gosec // magic numbers fit in 32 bits

	return isNetwork, fsType, nil
}

func fsTypeFromMagic(magic uint32) (string, bool) {
	switch magic {
	case nfsMagic:
		return "nfs", true
	case nfs4Magic:
		return "nfs4", true
	case cifsMagic:
		return "cifs", true
	case smbMagic:
		return "smb", true
	case smb2Magic:
		return "smb2", true
	case fuseblkMagic:
		return "fuse", false
	case 0xef53:
		return "ext4", false
	case 0x58465342:
		return "xfs", false
	case 0x9123683e:
		return "btrfs", false
	case 0x01021994:
		return "tmpfs", false
	case 0x794c7630:
		return "overlayfs", false
	default:
		return fmt.Sprintf("unknown(0x%x)", magic), false
	}
}
