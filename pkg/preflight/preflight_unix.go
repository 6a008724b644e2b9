//go:build !windows

package preflight

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// sameDevice compares the device IDs of both paths.
func sameDevice(src, dest string) (bool, error) {
	var srcStat, destStat unix.Stat_t
	if err := unix.Stat(src, &srcStat); err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", src, err)
	}
	if err := unix.Stat(dest, &destStat); err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", dest, err)
	}
	return srcStat.Dev == destStat.Dev, nil
}
