package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// schemaVersion is bumped whenever the schema below changes shape.
const schemaVersion = 1

// Schema for the keypadd commit journal.
const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
    version     INTEGER PRIMARY KEY,
    applied_ns  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS commits (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    session       TEXT NOT NULL,
    value         TEXT,
    digits        INTEGER NOT NULL,
    secret        INTEGER NOT NULL DEFAULT 0,
    policy        TEXT NOT NULL DEFAULT '',
    committed_ns  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_commits_session ON commits(session, committed_ns);

CREATE TABLE IF NOT EXISTS rejections (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    session      TEXT NOT NULL,
    op           TEXT NOT NULL,
    digits       INTEGER NOT NULL,
    policy       TEXT NOT NULL DEFAULT '',
    rejected_ns  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rejections_session ON rejections(session, rejected_ns);
`

// Options tune the underlying connection pool.
type Options struct {
	// MaxConnections caps pooled connections. Zero means 4.
	MaxConnections int

	// BusyTimeoutMs is the sqlite busy timeout. Zero means 5000.
	BusyTimeoutMs int
}

// Journal is the SQLite commit journal.
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal database at the given path. The
// parent directory and the database file are restricted to the owner.
func Open(path string, opts Options) (*Journal, error) {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 4
	}
	if opts.BusyTimeoutMs <= 0 {
		opts.BusyTimeoutMs = 5000
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, opts.BusyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxConnections)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_ns) VALUES (?, ?)`,
		schemaVersion, time.Now().UnixNano(),
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("record schema version: %w", err)
	}

	// The exec above created the file if it was missing.
	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("restrict journal file: %w", err)
	}

	return &Journal{db: db}, nil
}

// SchemaVersion reports the schema version recorded in the database.
func (j *Journal) SchemaVersion() (int, error) {
	var v int
	if err := j.db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return v, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Ping verifies the database is reachable.
func (j *Journal) Ping() error {
	return j.db.Ping()
}

// RecordCommit inserts a commit and returns its ID. Secret commits
// are stored without their value regardless of what the caller set.
func (j *Journal) RecordCommit(c *Commit) (int64, error) {
	value := sql.NullString{String: c.Value, Valid: !c.Secret}

	result, err := j.db.Exec(`
		INSERT INTO commits (session, value, digits, secret, policy, committed_ns)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.Session, value, c.Digits, c.Secret, c.Policy, c.CommittedNs,
	)
	if err != nil {
		return 0, fmt.Errorf("insert commit: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	return id, nil
}

// RecordRejection inserts a rejection and returns its ID.
func (j *Journal) RecordRejection(r *Rejection) (int64, error) {
	result, err := j.db.Exec(`
		INSERT INTO rejections (session, op, digits, policy, rejected_ns)
		VALUES (?, ?, ?, ?, ?)`,
		r.Session, r.Op, r.Digits, r.Policy, r.RejectedNs,
	)
	if err != nil {
		return 0, fmt.Errorf("insert rejection: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	return id, nil
}

// GetCommit retrieves a commit by ID. Returns nil when not found.
func (j *Journal) GetCommit(id int64) (*Commit, error) {
	var c Commit
	var value sql.NullString

	err := j.db.QueryRow(`
		SELECT id, session, value, digits, secret, policy, committed_ns
		FROM commits WHERE id = ?`, id,
	).Scan(&c.ID, &c.Session, &value, &c.Digits, &c.Secret, &c.Policy, &c.CommittedNs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get commit: %w", err)
	}

	c.Value = value.String
	return &c, nil
}

// LastCommit retrieves the most recent commit for a session.
// Returns nil when the session has none.
func (j *Journal) LastCommit(session string) (*Commit, error) {
	var c Commit
	var value sql.NullString

	err := j.db.QueryRow(`
		SELECT id, session, value, digits, secret, policy, committed_ns
		FROM commits
		WHERE session = ?
		ORDER BY committed_ns DESC, id DESC
		LIMIT 1`, session,
	).Scan(&c.ID, &c.Session, &value, &c.Digits, &c.Secret, &c.Policy, &c.CommittedNs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get last commit: %w", err)
	}

	c.Value = value.String
	return &c, nil
}

// RecentCommits retrieves up to limit commits for a session, newest
// first. An empty session selects across all sessions.
func (j *Journal) RecentCommits(session string, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 20
	}

	var rows *sql.Rows
	var err error
	if session == "" {
		rows, err = j.db.Query(`
			SELECT id, session, value, digits, secret, policy, committed_ns
			FROM commits
			ORDER BY committed_ns DESC, id DESC
			LIMIT ?`, limit)
	} else {
		rows, err = j.db.Query(`
			SELECT id, session, value, digits, secret, policy, committed_ns
			FROM commits
			WHERE session = ?
			ORDER BY committed_ns DESC, id DESC
			LIMIT ?`, session, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query commits: %w", err)
	}
	defer rows.Close()

	return scanCommits(rows)
}

// RecentRejections retrieves up to limit rejections for a session,
// newest first. An empty session selects across all sessions.
func (j *Journal) RecentRejections(session string, limit int) ([]Rejection, error) {
	if limit <= 0 {
		limit = 20
	}

	var rows *sql.Rows
	var err error
	if session == "" {
		rows, err = j.db.Query(`
			SELECT id, session, op, digits, policy, rejected_ns
			FROM rejections
			ORDER BY rejected_ns DESC, id DESC
			LIMIT ?`, limit)
	} else {
		rows, err = j.db.Query(`
			SELECT id, session, op, digits, policy, rejected_ns
			FROM rejections
			WHERE session = ?
			ORDER BY rejected_ns DESC, id DESC
			LIMIT ?`, session, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query rejections: %w", err)
	}
	defer rows.Close()

	var rejections []Rejection
	for rows.Next() {
		var r Rejection
		if err := rows.Scan(&r.ID, &r.Session, &r.Op, &r.Digits, &r.Policy, &r.RejectedNs); err != nil {
			return nil, fmt.Errorf("scan rejection: %w", err)
		}
		rejections = append(rejections, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rejections: %w", err)
	}
	return rejections, nil
}

// CountCommits returns the number of commits recorded for a session.
// An empty session counts across all sessions.
func (j *Journal) CountCommits(session string) (int64, error) {
	var n int64
	var err error
	if session == "" {
		err = j.db.QueryRow(`SELECT COUNT(*) FROM commits`).Scan(&n)
	} else {
		err = j.db.QueryRow(`SELECT COUNT(*) FROM commits WHERE session = ?`, session).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count commits: %w", err)
	}
	return n, nil
}

// Prune deletes commits and rejections recorded before the cutoff and
// returns how many rows were removed.
func (j *Journal) Prune(before time.Time) (int64, error) {
	cutoff := before.UnixNano()

	var total int64
	for _, table := range []string{"commits", "rejections"} {
		col := "committed_ns"
		if table == "rejections" {
			col = "rejected_ns"
		}
		result, err := j.db.Exec(
			fmt.Sprintf(`DELETE FROM %s WHERE %s < ?`, table, col), cutoff,
		)
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("prune %s rows affected: %w", table, err)
		}
		total += n
	}
	return total, nil
}

// scanCommits is a helper to scan commit rows into a slice.
func scanCommits(rows *sql.Rows) ([]Commit, error) {
	var commits []Commit

	for rows.Next() {
		var c Commit
		var value sql.NullString

		if err := rows.Scan(&c.ID, &c.Session, &value, &c.Digits, &c.Secret, &c.Policy, &c.CommittedNs); err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		c.Value = value.String
		commits = append(commits, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commits: %w", err)
	}

	return commits, nil
}
