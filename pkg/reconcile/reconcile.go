// Package reconcile mirrors a library's source tree into its destination
// tree using hardlinks.
//
// --- ARCHITECTURAL OVERVIEW ---
// Reconciliation runs as two sequential passes over the trees:
//
// --- Pass 1: Removals and changes (destination walk) ---
//
// The destination tree is walked with an explicit directory stack. Every
// entry is mapped back onto the source tree:
//   - If the source counterpart is gone, the destination entry is deleted
//     (recursively for directories) and recorded as removed. A removed
//     directory is never pushed onto the stack, so the walk never touches
//     paths that were just deleted underneath it.
//   - If both sides are regular files and their sizes differ, the
//     destination file is unlinked and re-linked from the source and
//     recorded as changed. Size is taken as sufficient evidence of content
//     drift; hardlinked copies cannot diverge in content at equal size.
//
// --- Pass 2: Additions (source walk) ---
//
// The source tree is walked the same way. Every entry missing from the
// destination is created there: directories with mkdir, files as hardlinks
// of their source counterpart, both recorded as added. Freshly created
// directories are pushed like any other, so their children are added in
// the same pass.
//
// All mutating operations are suppressed under dry-run but still recorded
// in the metrics and logged, so a dry run is a faithful preview. Any
// filesystem operation failure aborts the run; mutations already applied
// are not rolled back.
package reconcile

import (
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/plexmirror/plexmirror/pkg/config"
	"github.com/plexmirror/plexmirror/pkg/plog"
	"github.com/plexmirror/plexmirror/pkg/util"
)

// Reconciler performs the two-pass reconciliation for one mapping at a
// time. Execution is strictly sequential; metrics need no locking.
type Reconciler struct {
	dryRun bool
}

// New creates a Reconciler. With dryRun set, no filesystem mutation is
// performed.
func New(dryRun bool) *Reconciler {
	return &Reconciler{dryRun: dryRun}
}

// Reconcile brings the mapping's destination tree in line with its source
// tree and reports what was done. Running it twice without intervening
// source changes yields empty metrics on the second run.
func (r *Reconciler) Reconcile(m config.Mapping) (*Metrics, error) {
	metrics := &Metrics{}

	if err := r.removePass(m, metrics); err != nil {
		return nil, err
	}
	if err := r.addPass(m, metrics); err != nil {
		return nil, err
	}

	return metrics, nil
}

// absPath converts a forward-slash relative key back to a filesystem path
// under the given root.
func absPath(root, relPath string) string {
	return filepath.Join(root, filepath.FromSlash(relPath))
}

// removePass walks the destination tree and handles entries whose source
// counterpart vanished or drifted in size.
func (r *Reconciler) removePass(m config.Mapping, metrics *Metrics) error {
	// Explicit stack instead of filepath.WalkDir: directories removed
	// mid-walk must never be descended into, and a worklist makes that a
	// matter of not pushing them.
	stack := []string{"."}

	for len(stack) > 0 {
		relDir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(absPath(m.Dest, relDir))
		if err != nil {
			return fmt.Errorf("failed to read destination directory %s: %w", relDir, err)
		}

		for _, entry := range entries {
			relPath := path.Join(relDir, entry.Name())
			destPath := absPath(m.Dest, relPath)
			srcPath := absPath(m.Source, relPath)

			plog.Debug("Checking destination entry", "path", relPath)

			srcInfo, err := os.Stat(srcPath)
			if os.IsNotExist(err) {
				if err := r.remove(relPath, destPath, entry.IsDir(), metrics); err != nil {
					return err
				}
				continue // A removed directory is not pushed.
			}
			if err != nil {
				return fmt.Errorf("failed to stat source path %s: %w", srcPath, err)
			}

			if entry.IsDir() != srcInfo.IsDir() {
				// A file replaced by a same-name directory (or vice versa)
				// is unsupported input; leave it alone rather than guess.
				plog.Warn("Entry changed type between source and destination, skipping", "path", relPath)
				continue
			}

			if entry.IsDir() {
				stack = append(stack, relPath)
				continue
			}

			if err := r.relinkIfChanged(relPath, srcPath, destPath, srcInfo, entry, metrics); err != nil {
				return err
			}
		}
	}
	return nil
}

// remove deletes a destination entry whose source counterpart is gone and
// records it.
func (r *Reconciler) remove(relPath, destPath string, isDir bool, metrics *Metrics) error {
	if isDir {
		if !r.dryRun {
			if err := os.RemoveAll(destPath); err != nil {
				return fmt.Errorf("failed to remove destination directory %s: %w", destPath, err)
			}
		}
		r.notice("RMDIR", "path", relPath)
		metrics.Removed.Dirs = append(metrics.Removed.Dirs, relPath)
		return nil
	}

	if !r.dryRun {
		if err := os.Remove(destPath); err != nil {
			return fmt.Errorf("failed to remove destination file %s: %w", destPath, err)
		}
	}
	r.notice("UNLINK", "path", relPath)
	metrics.Removed.Files = append(metrics.Removed.Files, relPath)
	return nil
}

// relinkIfChanged compares file sizes and refreshes the hardlink on a
// mismatch. A size mismatch means the source file was replaced: a plain
// hardlink of the original cannot differ in size from it.
func (r *Reconciler) relinkIfChanged(relPath, srcPath, destPath string, srcInfo os.FileInfo, entry os.DirEntry, metrics *Metrics) error {
	if !entry.Type().IsRegular() || !srcInfo.Mode().IsRegular() {
		return nil // Symlinks, pipes etc. are not mirrored content.
	}

	destInfo, err := entry.Info()
	if err != nil {
		return fmt.Errorf("failed to stat destination file %s: %w", destPath, err)
	}
	if srcInfo.Size() == destInfo.Size() {
		return nil
	}

	if !r.dryRun {
		if err := os.Remove(destPath); err != nil {
			return fmt.Errorf("failed to remove outdated destination file %s: %w", destPath, err)
		}
		if err := os.Link(srcPath, destPath); err != nil {
			return fmt.Errorf("failed to re-link %s: %w", destPath, err)
		}
	}
	r.notice("RELINK", "path", relPath,
		"size", fmt.Sprintf("%s => %s", util.ByteCountIEC(destInfo.Size()), util.ByteCountIEC(srcInfo.Size())))
	metrics.Changed.Files = append(metrics.Changed.Files, relPath)
	return nil
}

// addPass walks the source tree and creates everything missing from the
// destination.
func (r *Reconciler) addPass(m config.Mapping, metrics *Metrics) error {
	stack := []string{"."}

	for len(stack) > 0 {
		relDir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(absPath(m.Source, relDir))
		if err != nil {
			return fmt.Errorf("failed to read source directory %s: %w", relDir, err)
		}

		for _, entry := range entries {
			relPath := path.Join(relDir, entry.Name())
			srcPath := absPath(m.Source, relPath)
			destPath := absPath(m.Dest, relPath)

			plog.Debug("Checking source entry", "path", relPath)

			if entry.IsDir() {
				// Directories are always pushed: a directory created just
				// now still needs its children linked in this same walk.
				stack = append(stack, relPath)
			}

			_, err := os.Stat(destPath)
			if err == nil {
				continue // Already present; pass 1 handled content drift.
			}
			if !os.IsNotExist(err) {
				return fmt.Errorf("failed to stat destination path %s: %w", destPath, err)
			}

			if entry.IsDir() {
				if !r.dryRun {
					if err := os.Mkdir(destPath, util.UserWritableDirPerms); err != nil {
						return fmt.Errorf("failed to create destination directory %s: %w", destPath, err)
					}
				}
				r.notice("MKDIR", "path", relPath)
				metrics.Added.Dirs = append(metrics.Added.Dirs, relPath)
				continue
			}

			if !entry.Type().IsRegular() {
				plog.Notice("SKIP", "type", entry.Type().String(), "path", relPath)
				continue
			}

			if !r.dryRun {
				if err := os.Link(srcPath, destPath); err != nil {
					return fmt.Errorf("failed to create hardlink %s: %w", destPath, err)
				}
			}
			r.notice("LINK", "path", relPath)
			metrics.Added.Files = append(metrics.Added.Files, relPath)
		}
	}
	return nil
}

// notice logs a per-path action, prefixed when no mutation was performed.
func (r *Reconciler) notice(msg string, args ...any) {
	if r.dryRun {
		plog.Notice("[DRY RUN] "+msg, args...)
		return
	}
	plog.Notice(msg, args...)
}
