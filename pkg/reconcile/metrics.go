package reconcile

import (
	"github.com/plexmirror/plexmirror/pkg/library"
	"github.com/plexmirror/plexmirror/pkg/plog"
)

// PathSet records the relative paths of the directory and file entries
// that shared one outcome (added, removed or changed) during a
// reconciliation pass. Paths use forward slashes regardless of platform
// so they can be matched against server-side paths.
type PathSet struct {
	Dirs  []string
	Files []string
}

// HasValues reports whether the set recorded anything.
func (s *PathSet) HasValues() bool {
	return len(s.Dirs) > 0 || len(s.Files) > 0
}

// Metrics aggregates the outcomes of reconciling one library kind.
// It is populated by a single reconciliation pass and read-only afterwards.
type Metrics struct {
	Added   PathSet
	Removed PathSet
	Changed PathSet
}

// Merge appends the other metrics' paths, preserving their recorded order.
// Used when several mappings share one library kind.
func (m *Metrics) Merge(other *Metrics) {
	m.Added.Dirs = append(m.Added.Dirs, other.Added.Dirs...)
	m.Added.Files = append(m.Added.Files, other.Added.Files...)
	m.Removed.Dirs = append(m.Removed.Dirs, other.Removed.Dirs...)
	m.Removed.Files = append(m.Removed.Files, other.Removed.Files...)
	m.Changed.Dirs = append(m.Changed.Dirs, other.Changed.Dirs...)
	m.Changed.Files = append(m.Changed.Files, other.Changed.Files...)
}

// LogSummary prints the per-kind entry counts after a pass.
func (m *Metrics) LogSummary(kind library.Kind) {
	plog.Info("SUM",
		"lib", kind,
		"added_dirs", len(m.Added.Dirs),
		"added_files", len(m.Added.Files),
		"removed_dirs", len(m.Removed.Dirs),
		"removed_files", len(m.Removed.Files),
		"changed_files", len(m.Changed.Files),
	)
}
