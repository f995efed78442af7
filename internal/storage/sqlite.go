package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeFormat keeps sub-second precision so updated_at watermark comparisons
// are not flattened to whole seconds. The fractional part is zero-padded:
// timestamps are compared as strings inside SQL, so they must be fixed width.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps a SQLite database with methods for canonical entries and
// idempotency records.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "mealsync.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Entries ---

const entryColumns = "id, owner_id, food_name, quantity, unit, calories, meal_type, created_at, updated_at, deleted, deleted_at"

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var e Entry
	var createdAt, updatedAt string
	var deletedAt sql.NullString
	err := row.Scan(&e.ID, &e.OwnerID, &e.FoodName, &e.Quantity, &e.Unit, &e.Calories, &e.MealType,
		&createdAt, &updatedAt, &e.Deleted, &deletedAt)
	if err != nil {
		return Entry{}, err
	}
	if e.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return Entry{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if e.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return Entry{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	if deletedAt.Valid {
		t, err := time.Parse(timeFormat, deletedAt.String)
		if err != nil {
			return Entry{}, fmt.Errorf("parsing deleted_at: %w", err)
		}
		e.DeletedAt = &t
	}
	return e, nil
}

// InsertEntry stores a new entry. The caller is responsible for assigning ID,
// CreatedAt, and UpdatedAt.
func (s *Store) InsertEntry(e Entry) error {
	var deletedAt any
	if e.DeletedAt != nil {
		deletedAt = e.DeletedAt.UTC().Format(timeFormat)
	}
	_, err := s.db.Exec(`
		INSERT INTO entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OwnerID, e.FoodName, e.Quantity, e.Unit, e.Calories, e.MealType,
		e.CreatedAt.UTC().Format(timeFormat), e.UpdatedAt.UTC().Format(timeFormat),
		e.Deleted, deletedAt,
	)
	return err
}

// GetEntry returns the entry with the given id scoped to ownerID. Soft-deleted
// rows are still returned (with Deleted set) so callers can distinguish
// "missing" from "deleted".
func (s *Store) GetEntry(id, ownerID string) (Entry, error) {
	row := s.db.QueryRow(`SELECT `+entryColumns+` FROM entries WHERE id = ? AND owner_id = ?`, id, ownerID)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

// patchableColumns maps wire field names to entry columns. Anything not
// listed here is silently dropped from a patch.
var patchableColumns = map[string]string{
	"foodName": "food_name",
	"quantity": "quantity",
	"unit":     "unit",
	"calories": "calories",
	"mealType": "meal_type",
}

// PatchEntry applies the given fields to an entry, but only if its updated_at
// watermark is not newer than ifNotModifiedSince. The watermark check and the
// write are a single conditional UPDATE, so the compare-and-set is atomic at
// the storage layer. On success the entry gets a fresh updated_at.
//
// Returns ErrStale when the row exists (and is not soft-deleted) but the
// watermark condition failed, ErrNotFound when the row is missing or deleted.
func (s *Store) PatchEntry(id, ownerID string, fields map[string]any, ifNotModifiedSince time.Time) (Entry, error) {
	sets := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+4)
	for name, value := range fields {
		col, ok := patchableColumns[name]
		if !ok {
			continue
		}
		sets = append(sets, col+" = ?")
		args = append(args, value)
	}
	sort.Strings(sets) // deterministic statement text
	now := time.Now().UTC()
	sets = append(sets, "updated_at = ?")
	args = append(args, now.Format(timeFormat))
	args = append(args, id, ownerID, ifNotModifiedSince.UTC().Format(timeFormat))

	res, err := s.db.Exec(
		`UPDATE entries SET `+strings.Join(sets, ", ")+
			` WHERE id = ? AND owner_id = ? AND deleted = 0 AND updated_at <= ?`,
		args...,
	)
	if err != nil {
		return Entry{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Entry{}, err
	}
	if n == 0 {
		// Distinguish a stale watermark from a missing/deleted row.
		current, getErr := s.GetEntry(id, ownerID)
		if getErr != nil {
			return Entry{}, ErrNotFound
		}
		if current.Deleted {
			return Entry{}, ErrNotFound
		}
		return current, ErrStale
	}
	return s.GetEntry(id, ownerID)
}

// SoftDeleteEntry marks an entry deleted and stamps deleted_at. Deleting a
// missing or already-deleted entry returns ErrNotFound.
func (s *Store) SoftDeleteEntry(id, ownerID string) error {
	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.Exec(`
		UPDATE entries SET deleted = 1, deleted_at = ?, updated_at = ?
		WHERE id = ? AND owner_id = ? AND deleted = 0`,
		now, now, id, ownerID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEntries returns all non-deleted entries for an owner, most recently
// updated first.
func (s *Store) ListEntries(ownerID string) ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT `+entryColumns+` FROM entries
		WHERE owner_id = ? AND deleted = 0
		ORDER BY updated_at DESC`, ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// --- Idempotency records ---

// PutIdempotencyRecord inserts a record unless one already exists for the
// key. Returns true if this call stored the record — the first writer for a
// key wins, later writers are ignored.
func (s *Store) PutIdempotencyRecord(rec IdempotencyRecord) (bool, error) {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO idempotency_records (key, http_status, response_body, response_headers, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.Key, rec.HTTPStatus, rec.Body, rec.HeadersJSON, createdAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetIdempotencyRecord looks up a stored response by key.
func (s *Store) GetIdempotencyRecord(key string) (IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var createdAt string
	err := s.db.QueryRow(`
		SELECT key, http_status, response_body, response_headers, created_at
		FROM idempotency_records WHERE key = ?`, key,
	).Scan(&rec.Key, &rec.HTTPStatus, &rec.Body, &rec.HeadersJSON, &createdAt)
	if err == sql.ErrNoRows {
		return IdempotencyRecord{}, ErrNotFound
	}
	if err != nil {
		return IdempotencyRecord{}, err
	}
	if rec.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return IdempotencyRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return rec, nil
}

// PurgeIdempotencyRecords deletes records created before the cutoff and
// returns how many were removed.
func (s *Store) PurgeIdempotencyRecords(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM idempotency_records WHERE created_at < ?`,
		olderThan.UTC().Format(timeFormat))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
