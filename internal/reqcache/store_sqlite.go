package reqcache

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type sqliteBackend struct {
	db       *sql.DB
	maxBytes int64
}

// OpenSQLite opens (or creates) a sqlite backend at path. maxBytes <= 0
// disables eviction.
func OpenSQLite(path string, maxBytes int64) (Backend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer keeps sqlite from returning SQLITE_BUSY under concurrent puts
	db.SetMaxOpenConns(1)

	stmts := []string{
		"CREATE TABLE IF NOT EXISTS partitions (id TEXT PRIMARY KEY, name TEXT, generation TEXT, created_at INTEGER)",
		"CREATE TABLE IF NOT EXISTS entries (partition TEXT, key TEXT, bytes BLOB, size INTEGER, written_at INTEGER, PRIMARY KEY (partition, key))",
		"CREATE INDEX IF NOT EXISTS entries_written_idx ON entries (written_at)",
		"CREATE TABLE IF NOT EXISTS tasks (seq INTEGER PRIMARY KEY, bytes BLOB)",
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &sqliteBackend{db: db, maxBytes: maxBytes}, nil
}

func (s *sqliteBackend) Get(p Partition, key CacheKey) ([]byte, bool, error) {
	var b []byte
	err := s.db.QueryRow("SELECT bytes FROM entries WHERE partition = ? AND key = ?", p.ID(), string(key)).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *sqliteBackend) Put(p Partition, key CacheKey, b []byte) error {
	now := time.Now().UnixNano()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("INSERT OR IGNORE INTO partitions (id, name, generation, created_at) VALUES (?, ?, ?, ?)",
		p.ID(), p.Name, p.Generation, now); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT OR REPLACE INTO entries (partition, key, bytes, size, written_at) VALUES (?, ?, ?, ?, ?)",
		p.ID(), string(key), b, len(b), now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if s.maxBytes > 0 && s.TotalSize() > s.maxBytes {
		if err := s.evictSome(p, key); err != nil {
			return &evictError{err}
		}
	}
	return nil
}

// evictSome drops the oldest written 10% of entries, sparing the one just
// written. Reads are not tracked.
func (s *sqliteBackend) evictSome(p Partition, keep CacheKey) error {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM entries").Scan(&count); err != nil {
		return err
	}
	n := (count + 1) / 10
	if n < 1 {
		n = 1
	}
	_, err := s.db.Exec(`DELETE FROM entries WHERE rowid IN (
		SELECT rowid FROM entries WHERE NOT (partition = ? AND key = ?) ORDER BY written_at ASC LIMIT ?)`,
		p.ID(), string(keep), n)
	return err
}

func (s *sqliteBackend) Delete(p Partition, key CacheKey) error {
	_, err := s.db.Exec("DELETE FROM entries WHERE partition = ? AND key = ?", p.ID(), string(key))
	return err
}

func (s *sqliteBackend) Partitions() ([]PartitionInfo, error) {
	rows, err := s.db.Query(`SELECT p.name, p.generation, COUNT(e.key), COALESCE(SUM(e.size), 0)
		FROM partitions p LEFT JOIN entries e ON e.partition = p.id
		GROUP BY p.id ORDER BY p.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PartitionInfo
	for rows.Next() {
		var info PartitionInfo
		if err := rows.Scan(&info.Name, &info.Generation, &info.Entries, &info.Bytes); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *sqliteBackend) DropPartition(p Partition) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM entries WHERE partition = ?", p.ID()); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM partitions WHERE id = ?", p.ID()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteBackend) Scan(p Partition, fn func(key CacheKey, b []byte) bool) error {
	rows, err := s.db.Query("SELECT key, bytes FROM entries WHERE partition = ? ORDER BY key", p.ID())
	if err != nil {
		return err
	}
	type row struct {
		key string
		b   []byte
	}
	// collect first: fn may write, and the single connection is held by rows
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.key, &r.b); err != nil {
			rows.Close()
			return err
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	if err := rows.Close(); err != nil {
		return err
	}
	for _, r := range all {
		if !fn(CacheKey(r.key), r.b) {
			break
		}
	}
	return nil
}

func (s *sqliteBackend) TotalSize() int64 {
	var total int64
	if err := s.db.QueryRow("SELECT COALESCE(SUM(size), 0) FROM entries").Scan(&total); err != nil {
		return 0
	}
	return total
}

func (s *sqliteBackend) PutTask(seq uint64, b []byte) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO tasks (seq, bytes) VALUES (?, ?)", int64(seq), b)
	return err
}

func (s *sqliteBackend) DeleteTask(seq uint64) error {
	_, err := s.db.Exec("DELETE FROM tasks WHERE seq = ?", int64(seq))
	return err
}

func (s *sqliteBackend) Tasks(fn func(seq uint64, b []byte) bool) error {
	rows, err := s.db.Query("SELECT seq, bytes FROM tasks ORDER BY seq ASC")
	if err != nil {
		return err
	}
	type row struct {
		seq int64
		b   []byte
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.seq, &r.b); err != nil {
			rows.Close()
			return err
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	if err := rows.Close(); err != nil {
		return err
	}
	for _, r := range all {
		if !fn(uint64(r.seq), r.b) {
			break
		}
	}
	return nil
}

func (s *sqliteBackend) Close() error {
	return s.db.Close()
}
