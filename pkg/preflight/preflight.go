// Package preflight validates a library mapping before reconciliation
// touches it. Hardlinks cannot cross filesystem boundaries, so a mapping
// whose roots live on different devices would fail midway through a run
// with half the tree mutated; checking upfront turns that into a clean
// per-mapping error.
package preflight

import "fmt"

// CheckSameFilesystem verifies that the source and destination roots are
// on the same filesystem.
func CheckSameFilesystem(src, dest string) error {
	same, err := sameDevice(src, dest)
	if err != nil {
		return err
	}
	if !same {
		return fmt.Errorf("source %s and destination %s are on different filesystems, hardlinks cannot cross devices", src, dest)
	}
	return nil
}
