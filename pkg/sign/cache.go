package sign

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNoSnapshot is returned when no snapshot has been stored for an org
var ErrNoSnapshot = errors.New("no snapshot stored")

// Cache persists the sign user snapshot between runs. The daemon uses it to
// report drift between scheduled runs without hitting the API, and the health
// endpoint pings its backing store.
type Cache interface {
	// SaveSnapshot replaces the stored snapshot for an org
	SaveSnapshot(ctx context.Context, org string, users []*UserInfo) error

	// Snapshot returns the stored users and when they were taken.
	// Returns ErrNoSnapshot when nothing has been stored.
	Snapshot(ctx context.Context, org string) ([]*UserInfo, time.Time, error)

	Close() error
}

// SQLiteCache stores snapshots in a local sqlite database, the default
// backend for single-host deployments.
type SQLiteCache struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS user_snapshots (
	org TEXT NOT NULL,
	email TEXT NOT NULL,
	user_id TEXT NOT NULL,
	status TEXT NOT NULL,
	is_account_admin INTEGER NOT NULL,
	first_name TEXT NOT NULL DEFAULT '',
	last_name TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (org, email)
);
CREATE TABLE IF NOT EXISTS snapshot_meta (
	org TEXT PRIMARY KEY,
	taken_at INTEGER NOT NULL
);`

// NewSQLiteCache opens (and if needed initializes) a sqlite cache at path.
// Use ":memory:" for an ephemeral cache.
func NewSQLiteCache(path string) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}
	return &SQLiteCache{db: db}, nil
}

// NewSQLiteCacheFromDB wraps an existing database handle; the schema must
// already exist. Used by tests.
func NewSQLiteCacheFromDB(db *sql.DB) *SQLiteCache {
	return &SQLiteCache{db: db}
}

// DB exposes the handle for health checks
func (c *SQLiteCache) DB() *sql.DB {
	return c.db
}

func (c *SQLiteCache) SaveSnapshot(ctx context.Context, org string, users []*UserInfo) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_snapshots WHERE org = ?`, org); err != nil {
		return fmt.Errorf("failed to clear previous snapshot: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO user_snapshots
		(org, email, user_id, status, is_account_admin, first_name, last_name)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare snapshot insert: %w", err)
	}
	defer stmt.Close()
	for _, u := range users {
		if _, err := stmt.ExecContext(ctx, org, u.Email, u.ID, u.Status, u.IsAccountAdmin, u.FirstName, u.LastName); err != nil {
			return fmt.Errorf("failed to store snapshot row for %q: %w", u.Email, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO snapshot_meta (org, taken_at) VALUES (?, ?)
		ON CONFLICT(org) DO UPDATE SET taken_at = excluded.taken_at`,
		org, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to store snapshot metadata: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

func (c *SQLiteCache) Snapshot(ctx context.Context, org string) ([]*UserInfo, time.Time, error) {
	var takenAt int64
	err := c.db.QueryRowContext(ctx, `SELECT taken_at FROM snapshot_meta WHERE org = ?`, org).Scan(&takenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrNoSnapshot
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read snapshot metadata: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, `SELECT email, user_id, status, is_account_admin, first_name, last_name
		FROM user_snapshots WHERE org = ? ORDER BY email`, org)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read snapshot rows: %w", err)
	}
	defer rows.Close()

	var users []*UserInfo
	for rows.Next() {
		u := &UserInfo{}
		if err := rows.Scan(&u.Email, &u.ID, &u.Status, &u.IsAccountAdmin, &u.FirstName, &u.LastName); err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to iterate snapshot rows: %w", err)
	}
	return users, time.Unix(takenAt, 0), nil
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

// RedisCache stores snapshots in redis, for deployments where several daemon
// replicas share state.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

type redisSnapshot struct {
	TakenAt int64       `json:"taken_at"`
	Users   []*UserInfo `json:"users"`
}

// NewRedisCache connects to redis and verifies the connection. ttl of zero
// keeps snapshots forever.
func NewRedisCache(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %q: %w", addr, err)
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

// Client exposes the redis client for health checks
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func redisSnapshotKey(org string) string {
	return "signsync:snapshot:" + org
}

func (c *RedisCache) SaveSnapshot(ctx context.Context, org string, users []*UserInfo) error {
	payload, err := json.Marshal(redisSnapshot{TakenAt: time.Now().Unix(), Users: users})
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := c.client.Set(ctx, redisSnapshotKey(org), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store snapshot in redis: %w", err)
	}
	return nil
}

func (c *RedisCache) Snapshot(ctx context.Context, org string) ([]*UserInfo, time.Time, error) {
	data, err := c.client.Get(ctx, redisSnapshotKey(org)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, time.Time{}, ErrNoSnapshot
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read snapshot from redis: %w", err)
	}
	var snap redisSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap.Users, time.Unix(snap.TakenAt, 0), nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
