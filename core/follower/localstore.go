package follower

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotCached is returned when the local store has no entry.
var ErrNotCached = errors.New("not cached")

const playlistKey = "playlist"

// LocalStore is the follower's on-disk cache of media bytes and the last
// known playlist. It is only read when the network fails.
type LocalStore struct {
	db *sql.DB
}

// OpenLocalStore opens (or creates) the SQLite file at path.
func OpenLocalStore(path string) (*LocalStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open local store %s: %w", path, err)
	}
	// 单连接，避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		`CREATE TABLE IF NOT EXISTS media (
			track_id     INTEGER PRIMARY KEY,
			content_type TEXT NOT NULL DEFAULT '',
			data         BLOB NOT NULL,
			stored_at    INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key       TEXT PRIMARY KEY,
			value     BLOB NOT NULL,
			stored_at INTEGER NOT NULL
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init local store: %w", err)
		}
	}
	return &LocalStore{db: db}, nil
}

// Close closes the database.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

// PutMedia stores the bytes of a track, replacing any older copy.
func (s *LocalStore) PutMedia(ctx context.Context, m Media) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO media (track_id, content_type, data, stored_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(track_id) DO UPDATE SET
			content_type=excluded.content_type,
			data=excluded.data,
			stored_at=excluded.stored_at`,
		m.TrackID, m.ContentType, m.Data, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("cache media %d: %w", m.TrackID, err)
	}
	return nil
}

// Media returns the cached bytes of a track or ErrNotCached.
func (s *LocalStore) Media(ctx context.Context, trackID int64) (Media, error) {
	m := Media{TrackID: trackID, FromCache: true}
	err := s.db.QueryRowContext(ctx,
		`SELECT content_type, data FROM media WHERE track_id = ?`, trackID).
		Scan(&m.ContentType, &m.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return Media{}, ErrNotCached
	}
	if err != nil {
		return Media{}, fmt.Errorf("read cached media %d: %w", trackID, err)
	}
	return m, nil
}

// DeleteMedia drops a cached track.
func (s *LocalStore) DeleteMedia(ctx context.Context, trackID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM media WHERE track_id = ?`, trackID)
	return err
}

// Put stores value under key.
func (s *LocalStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv (key, value, stored_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, stored_at=excluded.stored_at`,
		key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("cache %s: %w", key, err)
	}
	return nil
}

// Get returns the value under key or ErrNotCached.
func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotCached
	}
	if err != nil {
		return nil, fmt.Errorf("read cached %s: %w", key, err)
	}
	return value, nil
}
