package resolve

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/plexmirror/plexmirror/pkg/library"
	"github.com/plexmirror/plexmirror/pkg/mediacache"
	"github.com/plexmirror/plexmirror/pkg/plexapi"
)

// fakeItem is a minimal plexapi.Item for resolution tests.
type fakeItem struct {
	key   int
	kind  library.Kind
	parts []string
}

func (i *fakeItem) RatingKey() int                    { return i.key }
func (i *fakeItem) Kind() library.Kind                { return i.kind }
func (i *fakeItem) PartPaths() []string               { return i.parts }
func (i *fakeItem) Analyze(ctx context.Context) error { return nil }
func (i *fakeItem) String() string                    { return fmt.Sprintf("<fake %d>", i.key) }

// fakeService serves a fixed set of sections and items and counts fetches.
type fakeService struct {
	sections []plexapi.Section
	items    map[string][]plexapi.Item // keyed by section key
	byKey    map[int]plexapi.Item
	fetches  int
	fetchErr error
}

func (s *fakeService) Sections(ctx context.Context) ([]plexapi.Section, error) {
	return s.sections, nil
}

func (s *fakeService) SectionItems(ctx context.Context, sec plexapi.Section) ([]plexapi.Item, error) {
	if _, ok := sec.Kind(); !ok {
		return nil, fmt.Errorf("unsupported section type %q", sec.Type)
	}
	return s.items[sec.Key], nil
}

func (s *fakeService) FetchItem(ctx context.Context, ratingKey int) (plexapi.Item, error) {
	s.fetches++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	item, ok := s.byKey[ratingKey]
	if !ok {
		return nil, fmt.Errorf("item %d: %w", ratingKey, plexapi.ErrNotFound)
	}
	return item, nil
}

func (s *fakeService) Refresh(ctx context.Context) error { return nil }

func newStore(t *testing.T, records []mediacache.Record) *mediacache.Store {
	t.Helper()
	s, err := mediacache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.ReplaceAll(context.Background(), records); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestResolve_StrictAllVerified(t *testing.T) {
	item := &fakeItem{key: 42, kind: library.Movie, parts: []string{"/data/movies/A.mkv"}}
	plex := &fakeService{byKey: map[int]plexapi.Item{42: item}}
	store := newStore(t, []mediacache.Record{
		{Kind: library.Movie, Key: 42, Path: "/data/movies/A.mkv"},
	})

	changed := map[library.Kind][]string{library.Movie: {"movies/A.mkv"}}
	result, err := New(store, plex).Resolve(context.Background(), changed, true)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(result.Items) != 1 || result.Items[42] != item {
		t.Errorf("expected item 42 resolved, got %v", result.Items)
	}
	if len(result.Unresolved) != 0 {
		t.Errorf("expected no unresolved paths, got %v", result.Unresolved)
	}
}

func TestResolve_StrictVanishedItem(t *testing.T) {
	plex := &fakeService{byKey: map[int]plexapi.Item{}}
	store := newStore(t, []mediacache.Record{
		{Kind: library.Movie, Key: 42, Path: "/data/movies/A.mkv"},
	})

	changed := map[library.Kind][]string{library.Movie: {"movies/A.mkv"}}
	_, err := New(store, plex).Resolve(context.Background(), changed, true)
	if !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("expected ErrVerificationFailed, got %v", err)
	}
}

func TestResolve_StrictPartMismatch(t *testing.T) {
	// The item is alive but the server moved its file elsewhere.
	item := &fakeItem{key: 42, kind: library.Movie, parts: []string{"/other/place/A.mkv"}}
	plex := &fakeService{byKey: map[int]plexapi.Item{42: item}}
	store := newStore(t, []mediacache.Record{
		{Kind: library.Movie, Key: 42, Path: "/data/movies/A.mkv"},
	})

	changed := map[library.Kind][]string{library.Movie: {"movies/A.mkv"}}
	_, err := New(store, plex).Resolve(context.Background(), changed, true)
	if !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("expected ErrVerificationFailed, got %v", err)
	}
}

func TestResolve_StrictNoCandidates(t *testing.T) {
	plex := &fakeService{}
	store := newStore(t, nil)

	changed := map[library.Kind][]string{library.Movie: {"movies/A.mkv"}}
	_, err := New(store, plex).Resolve(context.Background(), changed, true)
	if !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("expected ErrVerificationFailed, got %v", err)
	}
	if plex.fetches != 0 {
		t.Errorf("expected no server fetches for an unknown path, got %d", plex.fetches)
	}
}

func TestResolve_StrictTransportError(t *testing.T) {
	transportErr := errors.New("connection refused")
	plex := &fakeService{fetchErr: transportErr}
	store := newStore(t, []mediacache.Record{
		{Kind: library.Movie, Key: 42, Path: "/data/movies/A.mkv"},
	})

	changed := map[library.Kind][]string{library.Movie: {"movies/A.mkv"}}
	_, err := New(store, plex).Resolve(context.Background(), changed, true)
	if !errors.Is(err, transportErr) {
		t.Errorf("expected the transport error, got %v", err)
	}
	// A broken connection says nothing about cache staleness.
	if errors.Is(err, ErrVerificationFailed) {
		t.Error("transport failure must not look like a stale cache")
	}
}

func TestResolve_PermissiveCollectsUnresolved(t *testing.T) {
	item := &fakeItem{key: 42, kind: library.Movie, parts: []string{"/data/movies/A.mkv"}}
	plex := &fakeService{byKey: map[int]plexapi.Item{42: item}}
	store := newStore(t, []mediacache.Record{
		{Kind: library.Movie, Key: 42, Path: "/data/movies/A.mkv"},
		{Kind: library.Movie, Key: 99, Path: "/data/movies/Gone.mkv"},
	})

	changed := map[library.Kind][]string{
		library.Movie: {"movies/A.mkv", "movies/Gone.mkv", "movies/Unknown.mkv"},
	}
	result, err := New(store, plex).Resolve(context.Background(), changed, false)
	if err != nil {
		t.Fatalf("expected no error in permissive mode, got %v", err)
	}

	if len(result.Items) != 1 || result.Items[42] != item {
		t.Errorf("expected only item 42 resolved, got %v", result.Items)
	}
	want := []string{"movies/Gone.mkv", "movies/Unknown.mkv"}
	got := result.Unresolved[library.Movie]
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("expected unresolved %v, got %v", want, got)
	}
}

func TestResolve_PermissiveSkipsPartVerification(t *testing.T) {
	// After a rebuild the cache is fresh; a part mismatch can only mean the
	// server rearranged its files mid-run, and the item is still the best
	// analysis target.
	item := &fakeItem{key: 42, kind: library.Movie, parts: []string{"/other/place/A.mkv"}}
	plex := &fakeService{byKey: map[int]plexapi.Item{42: item}}
	store := newStore(t, []mediacache.Record{
		{Kind: library.Movie, Key: 42, Path: "/data/movies/A.mkv"},
	})

	changed := map[library.Kind][]string{library.Movie: {"movies/A.mkv"}}
	result, err := New(store, plex).Resolve(context.Background(), changed, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Items) != 1 || result.Items[42] != item {
		t.Errorf("expected item 42 resolved despite part mismatch, got %v", result.Items)
	}
}

func TestResolve_DeduplicatesByRatingKey(t *testing.T) {
	// A two-part movie: both changed paths resolve to the same rating key,
	// which is fetched exactly once and analyzed exactly once.
	item := &fakeItem{key: 42, kind: library.Movie, parts: []string{
		"/data/movies/A-pt1.mkv",
		"/data/movies/A-pt2.mkv",
	}}
	plex := &fakeService{byKey: map[int]plexapi.Item{42: item}}
	store := newStore(t, []mediacache.Record{
		{Kind: library.Movie, Key: 42, Path: "/data/movies/A-pt1.mkv"},
		{Kind: library.Movie, Key: 42, Path: "/data/movies/A-pt2.mkv"},
	})

	changed := map[library.Kind][]string{
		library.Movie: {"movies/A-pt1.mkv", "movies/A-pt2.mkv"},
	}
	result, err := New(store, plex).Resolve(context.Background(), changed, true)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(result.Items) != 1 {
		t.Errorf("expected one resolved item, got %d", len(result.Items))
	}
	if plex.fetches != 1 {
		t.Errorf("expected exactly one server fetch, got %d", plex.fetches)
	}
	if len(result.Unresolved) != 0 {
		t.Errorf("expected no unresolved paths, got %v", result.Unresolved)
	}
}

func TestRebuild_ReplacesRecordSet(t *testing.T) {
	movie := &fakeItem{key: 1, kind: library.Movie, parts: []string{"/data/movies/A.mkv"}}
	episode := &fakeItem{key: 2, kind: library.Show, parts: []string{
		"/data/shows/S/S01E01.mkv",
		"/data/shows/S/S01E01-extra.mkv",
	}}
	plex := &fakeService{
		sections: []plexapi.Section{
			{Key: "1", Type: "movie", Title: "Movies"},
			{Key: "2", Type: "show", Title: "Shows"},
			{Key: "3", Type: "artist", Title: "Music"}, // ignored
		},
		items: map[string][]plexapi.Item{
			"1": {movie},
			"2": {episode},
		},
	}
	// The stale record must not survive the rebuild.
	store := newStore(t, []mediacache.Record{
		{Kind: library.Movie, Key: 99, Path: "/data/movies/Stale.mkv"},
	})

	ctx := context.Background()
	if err := New(store, plex).Rebuild(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if got, err := store.Lookup(ctx, library.Movie, "Stale.mkv"); err != nil || len(got) != 0 {
		t.Errorf("expected stale record to be gone, got %v (err %v)", got, err)
	}
	if got, err := store.Lookup(ctx, library.Movie, "movies/A.mkv"); err != nil || len(got) != 1 || got[0].Key != 1 {
		t.Errorf("expected movie record, got %v (err %v)", got, err)
	}
	// Multi-part items produce one record per part.
	for _, rel := range []string{"S/S01E01.mkv", "S/S01E01-extra.mkv"} {
		if got, err := store.Lookup(ctx, library.Show, rel); err != nil || len(got) != 1 || got[0].Key != 2 {
			t.Errorf("expected episode record for %s, got %v (err %v)", rel, got, err)
		}
	}
}
