// Package sqlite is a single-host store backed by an SQLite file. Workers on
// the same machine share it through WAL mode and a busy timeout.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/clusterd/internal/model"
	"github.com/t77yq/clusterd/internal/shard"
	"github.com/t77yq/clusterd/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store implements store.Store using SQLite
type Store struct {
	logger *zap.Logger
	db     *sql.DB
}

// dsn adds the connection parameters for a file shared by several processes.
// Transactions take the write lock at BEGIN so the busy timeout covers them;
// a deferred transaction that reads first gets SQLITE_BUSY on its first write.
func dsn(path string) string {
	return path + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
}

// New opens the database file at path, creating it when missing
func New(logger *zap.Logger, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers inside this process
	db.SetMaxOpenConns(1)

	return &Store{
		logger: logger,
		db:     db,
	}, nil
}

// Migrate creates the necessary tables if they don't exist
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS shard_status (
			cluster_id INTEGER PRIMARY KEY,
			document TEXT NOT NULL,
			last_updated INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_shard_status_last_updated ON shard_status(last_updated);

		CREATE TABLE IF NOT EXISTS shard_events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			payload TEXT,
			source_cluster INTEGER NOT NULL,
			target_shards TEXT,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_shard_events_created_at ON shard_events(created_at);
		CREATE INDEX IF NOT EXISTS idx_shard_events_expires_at ON shard_events(expires_at);

		CREATE TABLE IF NOT EXISTS shard_events_processed (
			event_id TEXT NOT NULL,
			cluster_id INTEGER NOT NULL,
			PRIMARY KEY (event_id, cluster_id)
		);

		CREATE TABLE IF NOT EXISTS cache (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB,
			compressed INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (namespace, key)
		);
		CREATE INDEX IF NOT EXISTS idx_cache_expires_at ON cache(expires_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Ping checks the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close(ctx context.Context) error {
	return s.db.Close()
}

func (s *Store) UpsertStatus(ctx context.Context, rec *model.ShardStatusRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO shard_status (cluster_id, document, last_updated)
		VALUES (?, ?, ?)
		ON CONFLICT(cluster_id) DO UPDATE SET
			document = excluded.document,
			last_updated = excluded.last_updated`,
		rec.ClusterID,
		string(doc),
		nanos(rec.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert status: %w", err)
	}
	return nil
}

func (s *Store) ListStatuses(ctx context.Context, since time.Time) ([]*model.ShardStatusRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document FROM shard_status
		WHERE last_updated > ?
		ORDER BY cluster_id`, nanos(since))
	if err != nil {
		return nil, fmt.Errorf("failed to list statuses: %w", err)
	}
	defer rows.Close()

	var recs []*model.ShardStatusRecord
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan status: %w", err)
		}

		rec := &model.ShardStatusRecord{}
		if err := json.Unmarshal([]byte(doc), rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal status: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return recs, nil
}

func (s *Store) InsertEvent(ctx context.Context, evt *model.CrossClusterEvent) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	var targets sql.NullString
	if evt.TargetShards != nil {
		data, err := json.Marshal(evt.TargetShards)
		if err != nil {
			return fmt.Errorf("failed to marshal targets: %w", err)
		}
		targets = sql.NullString{String: string(data), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO shard_events (
			id, event_type, payload, source_cluster, target_shards, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		evt.ID,
		evt.Type,
		string(payload),
		evt.SourceCluster,
		targets,
		nanos(evt.CreatedAt),
		nanos(evt.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	for _, clusterID := range evt.ProcessedBy {
		_, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO shard_events_processed (event_id, cluster_id) VALUES (?, ?)",
			evt.ID, clusterID)
		if err != nil {
			return fmt.Errorf("failed to insert processed marker: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event: %w", err)
	}
	return nil
}

func (s *Store) PendingEvents(ctx context.Context, q store.EventQuery) ([]*model.CrossClusterEvent, error) {
	query := `
		SELECT
			e.id, e.event_type, e.payload, e.source_cluster, e.target_shards,
			e.created_at, e.expires_at,
			(SELECT group_concat(p.cluster_id) FROM shard_events_processed p WHERE p.event_id = e.id)
		FROM shard_events e
		WHERE e.expires_at > ?
			AND NOT EXISTS (
				SELECT 1 FROM shard_events_processed p
				WHERE p.event_id = e.id AND p.cluster_id = ?
			)`
	args := []any{nanos(q.Now), q.ClusterID}
	if len(q.Exclude) > 0 {
		query += ` AND e.id NOT IN (?` + strings.Repeat(`, ?`, len(q.Exclude)-1) + `)`
		for _, id := range q.Exclude {
			args = append(args, id)
		}
	}
	query += ` ORDER BY e.created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*model.CrossClusterEvent
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}

		// Target sets are small, so intersection is checked here rather than in SQL
		if !evt.Targets(q.ShardIDs) {
			continue
		}
		events = append(events, evt)
		if q.Limit > 0 && len(events) == q.Limit {
			break
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (*model.CrossClusterEvent, error) {
	var (
		evt                  model.CrossClusterEvent
		payload, targets     sql.NullString
		processed            sql.NullString
		createdAt, expiresAt int64
	)

	err := rows.Scan(
		&evt.ID,
		&evt.Type,
		&payload,
		&evt.SourceCluster,
		&targets,
		&createdAt,
		&expiresAt,
		&processed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	if payload.Valid && payload.String != "" {
		// Numbers stay json.Number so integer ids above 2^53 survive
		dec := json.NewDecoder(strings.NewReader(payload.String))
		dec.UseNumber()
		if err := dec.Decode(&evt.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	if targets.Valid {
		evt.TargetShards = []int{}
		if err := json.Unmarshal([]byte(targets.String), &evt.TargetShards); err != nil {
			return nil, fmt.Errorf("failed to unmarshal targets: %w", err)
		}
	}
	if processed.Valid {
		ids, err := shard.Parse(processed.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse processed set: %w", err)
		}
		evt.ProcessedBy = ids
	}
	evt.CreatedAt = time.Unix(0, createdAt).UTC()
	evt.ExpiresAt = time.Unix(0, expiresAt).UTC()

	return &evt, nil
}

func (s *Store) MarkProcessed(ctx context.Context, eventID string, clusterID int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM shard_events WHERE id = ?", eventID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, store.ErrEventNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up event: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO shard_events_processed (event_id, cluster_id) VALUES (?, ?)",
		eventID, clusterID)
	if err != nil {
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit marker: %w", err)
	}
	return affected == 1, nil
}

func (s *Store) DeleteExpiredEvents(ctx context.Context, now time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM shard_events_processed
		WHERE event_id IN (SELECT id FROM shard_events WHERE expires_at <= ?)`, nanos(now))
	if err != nil {
		return 0, fmt.Errorf("failed to delete processed markers: %w", err)
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM shard_events WHERE expires_at <= ?", nanos(now))
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit delete: %w", err)
	}

	if affected > 0 {
		s.logger.Debug("Deleted expired events",
			zap.Time("before", now),
			zap.Int64("deleted", affected))
	}
	return affected, nil
}

func (s *Store) GetCache(ctx context.Context, namespace, key string, now time.Time) (*model.CacheDocument, error) {
	doc := &model.CacheDocument{Namespace: namespace, Key: key}
	var createdAt, expiresAt int64

	err := s.db.QueryRowContext(ctx, `
		SELECT value, compressed, created_at, expires_at
		FROM cache
		WHERE namespace = ? AND key = ? AND expires_at > ?`,
		namespace, key, nanos(now)).Scan(
		&doc.Value,
		&doc.Compressed,
		&createdAt,
		&expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}

	doc.CreatedAt = time.Unix(0, createdAt).UTC()
	doc.ExpiresAt = time.Unix(0, expiresAt).UTC()
	return doc, nil
}

func (s *Store) SetCache(ctx context.Context, doc *model.CacheDocument) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache (namespace, key, value, compressed, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			compressed = excluded.compressed,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		doc.Namespace,
		doc.Key,
		doc.Value,
		doc.Compressed,
		nanos(doc.CreatedAt),
		nanos(doc.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

func (s *Store) DeleteCache(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM cache WHERE namespace = ? AND key = ?", namespace, key)
	if err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

func (s *Store) DeleteCacheNamespace(ctx context.Context, namespace string) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM cache WHERE namespace = ?", namespace)
	if err != nil {
		return 0, fmt.Errorf("failed to delete cache namespace: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected, nil
}

func (s *Store) ClearCache(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cache"); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

// nanos maps t to a sortable integer. The zero time sorts before everything.
func nanos(t time.Time) int64 {
	if t.IsZero() {
		return math.MinInt64
	}
	return t.UnixNano()
}
