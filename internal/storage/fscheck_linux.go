//go:build linux

package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	linuxNFSMagic  = 0x6969
	linuxCIFSMagic = 0xFF534D42
	linuxSMBMagic  = 0x517B
	linuxSMB2Magic = 0xFE534D42
	linuxCephMagic = 0x00C36400
	linux9PMagic   = 0x01021997
	linuxAFSMagic  = 0x5346414F
)

func detectFilesystemType(path string) (string, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}

	switch uint64(stat.Type) {
	case linuxNFSMagic:
		return "nfs", nil
	case linuxCIFSMagic:
		return "cifs", nil
	case linuxSMBMagic:
		return "smbfs", nil
	case linuxSMB2Magic:
		return "smb2", nil
	case linuxCephMagic:
		return "ceph", nil
	case linux9PMagic:
		return "9p", nil
	case linuxAFSMagic:
		return "afs", nil
	default:
		return fmt.Sprintf("0x%x", uint64(stat.Type)), nil
	}
}
