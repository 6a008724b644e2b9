// Package mediacache persists the mapping from server-side media file
// paths to Plex rating keys, so a changed local path can be translated to
// the item to re-analyze without querying the server path-by-path.
//
// The cache is an embedded sqlite database. Its record set is only ever
// replaced wholesale: a rebuild deletes every row and inserts the fresh
// listing in one transaction, so the store can never hold a partially
// stale mixture of generations.
package mediacache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/plexmirror/plexmirror/pkg/library"
)

// Record is one known media file part: the library kind of its section,
// the owning item's rating key and the absolute file path the server
// currently reports for it. A rating key appears once per file part, so
// multi-part items produce multiple records.
type Record struct {
	Kind library.Kind
	Key  int
	Path string
}

// Store is an open handle to the cache database. It is opened for the
// duration of one run; concurrent writers are not supported and must be
// excluded externally.
type Store struct {
	conn *sql.DB
	path string
}

// Open opens (or creates) the cache database at the given path and makes
// sure the schema exists. The caller must Close the store at the end of
// the run.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
		}
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database %s: %w", path, err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping cache database %s: %w", path, err)
	}

	// One run is single-threaded; a single connection keeps transaction
	// semantics trivial.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(
		`CREATE TABLE IF NOT EXISTS media (lib TEXT NOT NULL, key INTEGER NOT NULL, path TEXT NOT NULL)`,
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}
	if _, err := conn.Exec(
		`CREATE INDEX IF NOT EXISTS media_lib_idx ON media (lib)`,
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create cache index: %w", err)
	}

	return &Store{conn: conn, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close cache database: %w", err)
	}
	return nil
}

// ReplaceAll swaps the entire record set for the given one in a single
// transaction. Readers never observe a mixture of the old and new sets.
func (s *Store) ReplaceAll(ctx context.Context, records []Record) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin cache rebuild transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM media`); err != nil {
		return fmt.Errorf("failed to clear cache records: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO media (lib, key, path) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare cache insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, string(rec.Kind), rec.Key, rec.Path); err != nil {
			return fmt.Errorf("failed to insert cache record for %s: %w", rec.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache rebuild: %w", err)
	}
	return nil
}

// Lookup returns every record of the given kind whose path ends with the
// relative path on a separator boundary. The server's absolute path
// convention may differ arbitrarily from the local roots; only the
// trailing structure has to match.
func (s *Store) Lookup(ctx context.Context, kind library.Kind, relPath string) ([]Record, error) {
	// The boundary check rules out accidental basename suffix matches
	// ("B.mkv" must not match ".../AB.mkv").
	pattern := `%/` + escapeLike(relPath)

	rows, err := s.conn.QueryContext(ctx,
		`SELECT lib, key, path FROM media WHERE lib = ? AND (path = ? OR path LIKE ? ESCAPE '\')`,
		string(kind), relPath, pattern,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache for %s: %w", relPath, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var lib string
		if err := rows.Scan(&lib, &rec.Key, &rec.Path); err != nil {
			return nil, fmt.Errorf("failed to scan cache record: %w", err)
		}
		rec.Kind = library.Kind(lib)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read cache records: %w", err)
	}
	return records, nil
}

// escapeLike escapes the LIKE metacharacters in a literal path so media
// files containing '%' or '_' match exactly.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
