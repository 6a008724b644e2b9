// Package resolve translates changed destination-relative paths into the
// live Plex items to re-analyze, using the media cache and a
// verify-or-rebuild protocol.
//
// Resolution runs in one of two modes:
//
//   - Strict mode is the optimistic fast path: it trusts the cache only if
//     every candidate it names still checks out against the live server.
//     The first vanished item, part mismatch or unverifiable path aborts
//     with ErrVerificationFailed. A single inconsistency invalidates trust
//     in the whole cache, because the cache carries no generation marker
//     that could bound staleness to a subset of records.
//
//   - Permissive mode runs after a rebuild (or a forced one): paths that
//     cannot be resolved to a confirmed live item land in the result's
//     Unresolved set instead of failing the operation.
package resolve

import (
	"context"
	"errors"
	"path"
	"slices"

	"github.com/plexmirror/plexmirror/pkg/library"
	"github.com/plexmirror/plexmirror/pkg/mediacache"
	"github.com/plexmirror/plexmirror/pkg/plexapi"
	"github.com/plexmirror/plexmirror/pkg/plog"
)

// ErrVerificationFailed reports that strict resolution found the cache
// inconsistent with the live server. The caller is expected to Rebuild and
// retry permissively; it is a recognized condition, not a run failure.
var ErrVerificationFailed = errors.New("media cache failed verification")

// Result is the outcome of a resolution pass.
type Result struct {
	// Items maps rating keys to the live items confirmed for analysis.
	// De-duplicated: a path whose rating key was already resolved counts
	// as resolved without another server fetch.
	Items map[int]plexapi.Item
	// Unresolved lists the changed paths no confirmed item could be found
	// for, per library kind. Always empty in strict mode.
	Unresolved map[library.Kind][]string
}

// Resolver binds the cache store to the server it is a cache of.
type Resolver struct {
	store *mediacache.Store
	plex  plexapi.Service
}

// New creates a Resolver over the given store and server.
func New(store *mediacache.Store, plex plexapi.Service) *Resolver {
	return &Resolver{store: store, plex: plex}
}

// Resolve maps the changed relative paths onto live Plex items. In strict
// mode it returns ErrVerificationFailed on the first inconsistency and
// never a partial result; in permissive mode it resolves what it can and
// reports the rest as unresolved.
func (r *Resolver) Resolve(ctx context.Context, changed map[library.Kind][]string, strict bool) (*Result, error) {
	result := &Result{
		Items:      make(map[int]plexapi.Item),
		Unresolved: make(map[library.Kind][]string),
	}

	kinds := make([]library.Kind, 0, len(changed))
	for kind := range changed {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)

	for _, kind := range kinds {
		for _, relPath := range changed[kind] {
			resolved, err := r.resolvePath(ctx, kind, relPath, strict, result)
			if err != nil {
				return nil, err
			}
			if !resolved {
				if strict {
					plog.Debug("Strict verification failed", "lib", kind, "path", relPath)
					return nil, ErrVerificationFailed
				}
				result.Unresolved[kind] = append(result.Unresolved[kind], relPath)
			}
		}
	}
	return result, nil
}

// resolvePath tries every cached candidate record for one changed path.
func (r *Resolver) resolvePath(ctx context.Context, kind library.Kind, relPath string, strict bool, result *Result) (bool, error) {
	records, err := r.store.Lookup(ctx, kind, relPath)
	if err != nil {
		return false, err
	}

	resolved := false
	for _, rec := range records {
		if _, ok := result.Items[rec.Key]; ok {
			resolved = true
			continue
		}

		item, err := r.plex.FetchItem(ctx, rec.Key)
		if err != nil {
			if errors.Is(err, plexapi.ErrNotFound) {
				// The cached item vanished from the server.
				if strict {
					return false, ErrVerificationFailed
				}
				continue
			}
			if strict {
				return false, err // Transport failures are real errors.
			}
			plog.Warn("Failed to fetch item during resolution", "key", rec.Key, "error", err)
			continue
		}

		if strict && !hasPart(item, rec.Path) {
			// The item is alive but no longer owns the cached file path.
			return false, ErrVerificationFailed
		}

		resolved = true
		result.Items[rec.Key] = item
	}
	return resolved, nil
}

// hasPart reports whether the live item still owns the expected media
// path.
func hasPart(item plexapi.Item, expected string) bool {
	for _, p := range item.PartPaths() {
		if path.Clean(p) == path.Clean(expected) {
			return true
		}
	}
	return false
}

// Rebuild discards the cached record set and re-derives it wholesale from
// the server's live section listing. This is a full scan of remote state
// and is only invoked when verification failed or a rebuild was forced.
func (r *Resolver) Rebuild(ctx context.Context) error {
	plog.Info("Rebuilding media cache")

	sections, err := r.plex.Sections(ctx)
	if err != nil {
		return err
	}

	var records []mediacache.Record
	for _, sec := range sections {
		kind, ok := sec.Kind()
		if !ok {
			plog.Debug("Skipping unsupported section", "title", sec.Title, "type", sec.Type)
			continue
		}

		items, err := r.plex.SectionItems(ctx, sec)
		if err != nil {
			return err
		}
		for _, item := range items {
			for _, partPath := range item.PartPaths() {
				records = append(records, mediacache.Record{
					Kind: kind,
					Key:  item.RatingKey(),
					Path: partPath,
				})
			}
		}
	}

	if err := r.store.ReplaceAll(ctx, records); err != nil {
		return err
	}
	plog.Info("Media cache rebuilt", "records", len(records))
	return nil
}
