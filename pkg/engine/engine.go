// Package engine orchestrates one full sync run: reconcile every
// configured library mapping, then notify the Plex server about exactly
// the parts of the destination that changed.
//
// The run is strictly sequential: one reconciliation pass, one cache
// resolution pass, one set of orchestration decisions. Structural changes
// (added or removed entries) trigger a broad library refresh; content
// changes (re-linked files) trigger targeted analyze calls scoped through
// the media cache.
package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/plexmirror/plexmirror/pkg/config"
	"github.com/plexmirror/plexmirror/pkg/library"
	"github.com/plexmirror/plexmirror/pkg/mediacache"
	"github.com/plexmirror/plexmirror/pkg/plexapi"
	"github.com/plexmirror/plexmirror/pkg/plog"
	"github.com/plexmirror/plexmirror/pkg/preflight"
	"github.com/plexmirror/plexmirror/pkg/reconcile"
	"github.com/plexmirror/plexmirror/pkg/resolve"
)

// Options are the per-invocation behavioral switches.
type Options struct {
	// DryRun suppresses every mutation, local and remote. Verification
	// reads against the server are still performed so the preview is
	// faithful.
	DryRun bool
	// SkipRefresh suppresses the broad library refresh.
	SkipRefresh bool
	// SkipAnalyze suppresses the targeted analyze calls.
	SkipAnalyze bool
	// RebuildCache forces a full cache rebuild before resolution, which
	// then runs permissively (a fresh cache needs no verification).
	RebuildCache bool
}

// Engine drives one run. Construct with New, then call Run once.
type Engine struct {
	cfg      config.Config
	plex     plexapi.Service
	resolver *resolve.Resolver
	opts     Options
}

// New wires the engine. The store stays owned by the caller, which opens
// it before the run and closes it after.
func New(cfg config.Config, plex plexapi.Service, store *mediacache.Store, opts Options) *Engine {
	return &Engine{
		cfg:      cfg,
		plex:     plex,
		resolver: resolve.New(store, plex),
		opts:     opts,
	}
}

// Run reconciles all mappings and updates the server. It returns the
// per-kind metrics even when the server update fails, so callers can
// still report what was synced.
func (e *Engine) Run(ctx context.Context) (map[library.Kind]*reconcile.Metrics, error) {
	if len(e.cfg.Libraries) == 0 {
		plog.Warn("No libraries to sync")
		return nil, nil
	}

	metrics, err := e.syncLibraries()
	if err != nil {
		return nil, err
	}

	if e.opts.RebuildCache {
		// A forced rebuild is a local action and runs even under dry-run;
		// it only reads from the server.
		if err := e.resolver.Rebuild(ctx); err != nil {
			return metrics, err
		}
	}

	if err := e.updateServer(ctx, metrics); err != nil {
		return metrics, err
	}
	return metrics, nil
}

// syncLibraries reconciles every mapping and merges the results per kind.
func (e *Engine) syncLibraries() (map[library.Kind]*reconcile.Metrics, error) {
	plog.Info("Syncing libraries")

	metrics := make(map[library.Kind]*reconcile.Metrics)
	reconciler := reconcile.New(e.opts.DryRun)

	for _, m := range e.cfg.Libraries {
		if err := preflight.CheckSameFilesystem(m.Source, m.Dest); err != nil {
			return nil, err
		}

		libMetrics, err := reconciler.Reconcile(m)
		if err != nil {
			return nil, fmt.Errorf("sync failed for %s: %w", m.Dest, err)
		}

		if existing, ok := metrics[m.Kind]; ok {
			existing.Merge(libMetrics)
		} else {
			metrics[m.Kind] = libMetrics
		}
	}

	for _, kind := range sortedKeys(metrics) {
		metrics[kind].LogSummary(kind)
	}
	return metrics, nil
}

// updateServer decides which remote actions the metrics warrant. Analyze
// runs before refresh so the targeted re-index is not raced by the broad
// scan.
func (e *Engine) updateServer(ctx context.Context, metrics map[library.Kind]*reconcile.Metrics) error {
	changed := make(map[library.Kind][]string)
	structural := false
	for kind, m := range metrics {
		if m.Changed.HasValues() {
			changed[kind] = m.Changed.Files
		}
		if m.Added.HasValues() || m.Removed.HasValues() {
			structural = true
		}
	}

	if len(changed) > 0 {
		if err := e.analyzeChanged(ctx, changed); err != nil {
			return err
		}
	}
	if structural {
		if err := e.refreshLibraries(ctx); err != nil {
			return err
		}
	}
	return nil
}

// analyzeChanged resolves the changed paths to live items and triggers
// analyze for each. Cache verification failure is an expected condition:
// the cache is rebuilt wholesale and resolution retried permissively.
func (e *Engine) analyzeChanged(ctx context.Context, changed map[library.Kind][]string) error {
	if e.opts.SkipAnalyze {
		plog.Warn("Skipping analyze")
		return nil
	}

	// A forced rebuild already produced a fresh cache; only an aged cache
	// needs the strict verification pass.
	result, err := e.resolver.Resolve(ctx, changed, !e.opts.RebuildCache)
	if errors.Is(err, resolve.ErrVerificationFailed) {
		plog.Warn("Media cache is stale, rebuilding")
		if err := e.resolver.Rebuild(ctx); err != nil {
			return err
		}
		result, err = e.resolver.Resolve(ctx, changed, false)
	}
	if err != nil {
		return err
	}

	for _, key := range sortedKeys(result.Items) {
		item := result.Items[key]
		if e.opts.DryRun {
			plog.Notice("[DRY RUN] ANALYZE", "item", item.String())
			continue
		}
		if err := item.Analyze(ctx); err != nil {
			return fmt.Errorf("failed to trigger analyze for %s: %w", item, err)
		}
		plog.Notice("ANALYZE", "item", item.String())
	}

	// Unresolved paths degrade to warnings; the broad refresh (if any)
	// will eventually pick these up.
	for _, kind := range sortedKeys(result.Unresolved) {
		for _, relPath := range result.Unresolved[kind] {
			plog.Warn("Analyze skipped, path not resolvable", "path", fmt.Sprintf("[%s]/%s", kind, relPath))
		}
	}
	return nil
}

// refreshLibraries triggers the broad library scan for structural changes.
func (e *Engine) refreshLibraries(ctx context.Context) error {
	if e.opts.SkipRefresh {
		plog.Warn("Skipping refresh")
		return nil
	}
	if e.opts.DryRun {
		plog.Notice("[DRY RUN] REFRESH")
		return nil
	}

	if err := e.plex.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to trigger library refresh: %w", err)
	}
	plog.Info("Refresh triggered")
	return nil
}

// sortedKeys returns the map's keys in sorted order.
func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
