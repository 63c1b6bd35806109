// Package index stores message fingerprints and where each record lives.
//
// Rows are appended without any uniqueness constraint: every parsed record
// is kept and uniqueness is discovered afterwards with DISTINCT queries over
// either the parsed hash (hashid) or the disk hash (diskhashid). Ideally both
// yield the same unique count; when they do not, the caller picks which one
// is authoritative.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/dhcgn/mbox-dedup/index/migrations"
	"github.com/dhcgn/mbox-dedup/model"
)

// ErrStorage marks failures of the backing store. They are fatal to the
// run that owns the index.
var ErrStorage = errors.New("dedup index storage failure")

// MemoryPath selects a private in-memory store.
const MemoryPath = ""

const distinctPageSize = 512

// Record is one row of the messages table.
type Record struct {
	Hash            string
	DiskHash        string
	MessageIndex    int
	MessageIDHeader string
	MessageIDHash   string
	Location        string
	StartOffset     int64
	EndOffset       int64
}

// Index is a single-owner fingerprint store. All statements go through one
// pooled connection, so concurrent Add calls are serialised.
type Index struct {
	db   *sql.DB
	path string

	mu     sync.Mutex
	insert *sql.Stmt
}

// Open opens or creates the index at path and upgrades its schema. An
// empty path opens an in-memory store that disappears on Close.
func Open(ctx context.Context, path string) (*Index, error) {
	dsn := ":memory:"
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, storageErr("create index directory", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(OFF)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storageErr("open", err)
	}
	// An in-memory database lives exactly as long as its connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	idx := &Index{db: db, path: path}
	if err := idx.migrate(ctx, migrations.FS); err != nil {
		db.Close()
		return nil, err
	}

	idx.insert, err = db.PrepareContext(ctx, `
		INSERT INTO messages (hashid, diskhashid, messageid, messageid2, hashid2, location, startOffset, endOffset)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, storageErr("prepare insert", err)
	}

	return idx, nil
}

// Path returns the store location, empty for in-memory stores.
func (i *Index) Path() string {
	return i.path
}

// Close releases the store. In-memory contents are discarded.
func (i *Index) Close() error {
	var firstErr error
	if i.insert != nil {
		if err := i.insert.Close(); err != nil {
			firstErr = storageErr("close insert", err)
		}
	}
	if err := i.db.Close(); err != nil && firstErr == nil {
		firstErr = storageErr("close", err)
	}
	return firstErr
}

func (i *Index) migrate(ctx context.Context, fsys fs.FS) error {
	if _, err := i.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INT)`); err != nil {
		return storageErr("create schema_version", err)
	}

	current, err := i.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return storageErr("read migrations", err)
	}

	type migration struct {
		version int
		name    string
	}
	var pending []migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			return storageErr("parse migration name", fmt.Errorf("%s has no version prefix", name))
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return storageErr("parse migration version", fmt.Errorf("%s: %w", name, err))
		}
		if version > current {
			pending = append(pending, migration{version: version, name: name})
		}
	}
	sort.Slice(pending, func(a, b int) bool { return pending[a].version < pending[b].version })

	for _, m := range pending {
		body, err := fs.ReadFile(fsys, m.name)
		if err != nil {
			return storageErr("read migration "+m.name, err)
		}
		if err := i.applyMigration(ctx, m.version, string(body)); err != nil {
			return storageErr("apply migration "+m.name, err)
		}
	}
	return nil
}

func (i *Index) applyMigration(ctx context.Context, version int, body string) error {
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, version); err != nil {
		return err
	}
	return tx.Commit()
}

// SchemaVersion returns the highest applied schema version, -1 when none.
func (i *Index) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	row := i.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err := row.Scan(&version); err != nil {
		return -1, storageErr("read schema version", err)
	}
	return version, nil
}

// Add appends one record.
func (i *Index) Add(ctx context.Context, rec Record) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	_, err := i.insert.ExecContext(ctx,
		rec.Hash,
		rec.DiskHash,
		rec.MessageIndex,
		rec.MessageIDHeader,
		rec.MessageIDHash,
		rec.Location,
		rec.StartOffset,
		rec.EndOffset,
	)
	if err != nil {
		return storageErr("insert", err)
	}
	return nil
}

// Reset removes every stored record. The schema is kept.
func (i *Index) Reset(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("reset", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return storageErr("reset", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("reset", err)
	}
	return nil
}

// Count returns the total number of stored records.
func (i *Index) Count(ctx context.Context) (int, error) {
	var count int
	if err := i.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		return 0, storageErr("count", err)
	}
	return count, nil
}

// UniqueCount counts distinct values of the selected hash column.
func (i *Index) UniqueCount(ctx context.Context, byDisk bool) (int, error) {
	var count int
	query := `SELECT COUNT(DISTINCT ` + hashColumn(byDisk) + `) FROM messages`
	if err := i.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, storageErr("unique count", err)
	}
	return count, nil
}

// DistinctHashes yields each distinct hash once, in the storage order of
// its first record. Pages are read and released one at a time, so callers
// may query the index while iterating.
func (i *Index) DistinctHashes(ctx context.Context, byDisk bool) iter.Seq2[string, error] {
	column := hashColumn(byDisk)
	query := `
		SELECT m.rowid, m.` + column + `
		FROM messages AS m
		WHERE m.rowid > ?
		  AND NOT EXISTS (
			SELECT 1 FROM messages AS p
			WHERE p.` + column + ` = m.` + column + ` AND p.rowid < m.rowid
		  )
		ORDER BY m.rowid
		LIMIT ?`

	return func(yield func(string, error) bool) {
		var cursor int64
		for {
			page, last, err := i.distinctPage(ctx, query, cursor)
			if err != nil {
				yield("", err)
				return
			}
			for _, hash := range page {
				if !yield(hash, nil) {
					return
				}
			}
			if len(page) < distinctPageSize {
				return
			}
			cursor = last
		}
	}
}

func (i *Index) distinctPage(ctx context.Context, query string, cursor int64) ([]string, int64, error) {
	rows, err := i.db.QueryContext(ctx, query, cursor, distinctPageSize)
	if err != nil {
		return nil, 0, storageErr("distinct hashes", err)
	}
	defer rows.Close()

	page := make([]string, 0, distinctPageSize)
	last := cursor
	for rows.Next() {
		var hash string
		if err := rows.Scan(&last, &hash); err != nil {
			return nil, 0, storageErr("scan distinct hash", err)
		}
		page = append(page, hash)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storageErr("distinct hashes", err)
	}
	return page, last, nil
}

// RecordsForHash returns every record sharing hash, in storage order.
func (i *Index) RecordsForHash(ctx context.Context, hash string, byDisk bool) ([]model.Location, error) {
	query := `
		SELECT messageid, location, startOffset, endOffset, diskhashid
		FROM messages
		WHERE ` + hashColumn(byDisk) + ` = ?
		ORDER BY rowid`

	rows, err := i.db.QueryContext(ctx, query, hash)
	if err != nil {
		return nil, storageErr("records for hash", err)
	}
	defer rows.Close()

	var locations []model.Location
	for rows.Next() {
		loc := model.Location{Hash: hash}
		if err := rows.Scan(&loc.MessageIndex, &loc.Location, &loc.StartOffset, &loc.EndOffset, &loc.DiskHash); err != nil {
			return nil, storageErr("scan record", err)
		}
		loc.Length = loc.EndOffset - loc.StartOffset
		locations = append(locations, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("records for hash", err)
	}
	return locations, nil
}

func hashColumn(byDisk bool) string {
	if byDisk {
		return "diskhashid"
	}
	return "hashid"
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
