//go:build windows

package preflight

import (
	"fmt"
	"path/filepath"
	"strings"
)

// sameDevice approximates the device check by comparing volume names.
// NTFS hardlinks work within one volume.
func sameDevice(src, dest string) (bool, error) {
	srcAbs, err := filepath.Abs(src)
	if err != nil {
		return false, fmt.Errorf("failed to resolve %s: %w", src, err)
	}
	destAbs, err := filepath.Abs(dest)
	if err != nil {
		return false, fmt.Errorf("failed to resolve %s: %w", dest, err)
	}
	return strings.EqualFold(filepath.VolumeName(srcAbs), filepath.VolumeName(destAbs)), nil
}
