package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// ListUserIDs returns every user with at least one connected account.
func (s *PostgresStore) ListUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM connected_accounts ORDER BY user_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user ids: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context, userID int64) ([]Credentials, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, source_type, access_token, refresh_token, token_expiry, COALESCE(settings::text, '{}'), updated_at
		FROM connected_accounts
		WHERE user_id=$1
		ORDER BY source_type ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	items := make([]Credentials, 0)
	for rows.Next() {
		var item Credentials
		var settingsRaw string
		if err := rows.Scan(
			&item.UserID,
			&item.SourceType,
			&item.AccessToken,
			&item.RefreshToken,
			&item.TokenExpiry,
			&settingsRaw,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		_ = json.Unmarshal([]byte(settingsRaw), &item.Settings)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SaveCredentials(ctx context.Context, creds Credentials) error {
	if err := saveCredentialsTx(ctx, s.db, creds); err != nil {
		return err
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveCredentialsTx(ctx context.Context, e execer, creds Credentials) error {
	settings := creds.Settings
	if settings == nil {
		settings = map[string]string{}
	}
	encoded, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal account settings: %w", err)
	}
	_, err = e.ExecContext(ctx, `
		INSERT INTO connected_accounts (user_id, source_type, access_token, refresh_token, token_expiry, settings)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		ON CONFLICT (user_id, source_type)
		DO UPDATE SET access_token=EXCLUDED.access_token, refresh_token=EXCLUDED.refresh_token,
			token_expiry=EXCLUDED.token_expiry, settings=EXCLUDED.settings, updated_at=NOW()
	`, creds.UserID, creds.SourceType, creds.AccessToken, creds.RefreshToken, creds.TokenExpiry, string(encoded))
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// GetWatermarks returns all cursors for one (user, source) keyed by scope.
// The whole-account cursor lives under the empty scope key.
func (s *PostgresStore) GetWatermarks(ctx context.Context, userID int64, sourceType string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope_key, cursor
		FROM sync_watermarks
		WHERE user_id=$1 AND source_type=$2
	`, userID, sourceType)
	if err != nil {
		return nil, fmt.Errorf("get watermarks: %w", err)
	}
	defer rows.Close()

	marks := make(map[string]string)
	for rows.Next() {
		var scope, cursor string
		if err := rows.Scan(&scope, &cursor); err != nil {
			return nil, fmt.Errorf("scan watermark: %w", err)
		}
		marks[scope] = cursor
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate watermarks: %w", err)
	}
	return marks, nil
}

// AdvanceWatermarks writes the given cursors and, when creds is non-nil,
// writes rotated credentials back in the same transaction. Concurrent passes
// for the same (user, source) are serialized with a transaction-scoped
// advisory lock; cursors are opaque strings so monotonicity is enforced by
// that serialization, not by comparing values.
func (s *PostgresStore) AdvanceWatermarks(ctx context.Context, userID int64, sourceType string, marks map[string]string, creds *Credentials) error {
	if len(marks) == 0 && creds == nil {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin watermark tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, scopeLockKey(userID, sourceType)); err != nil {
		return fmt.Errorf("acquire watermark lock: %w", err)
	}

	for scope, cursor := range marks {
		if cursor == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_watermarks (user_id, source_type, scope_key, cursor)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, source_type, scope_key)
			DO UPDATE SET cursor=EXCLUDED.cursor, updated_at=NOW()
		`, userID, sourceType, scope, cursor); err != nil {
			return fmt.Errorf("advance watermark %s scope %q user %d: %w", sourceType, scope, userID, err)
		}
	}

	if creds != nil {
		if err := saveCredentialsTx(ctx, tx, *creds); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit watermark tx: %w", err)
	}
	return nil
}

func scopeLockKey(userID int64, sourceType string) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%s", userID, sourceType)
	return int64(h.Sum64())
}

// UpsertTask inserts or updates the task for (user_id, source_id). On
// conflict every mutable field is overwritten: last write wins per canonical
// id. Returns the task id and whether a new row was created.
func (s *PostgresStore) UpsertTask(ctx context.Context, userID int64, u TaskUpsert) (string, bool, error) {
	metadata := u.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "", false, fmt.Errorf("marshal task metadata: %w", err)
	}

	var taskID string
	var inserted bool
	// xmax = 0 distinguishes a fresh insert from a conflict update.
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (id, user_id, title, description, priority, due_date, source_id, source_metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
		ON CONFLICT (user_id, source_id)
		DO UPDATE SET title=EXCLUDED.title, description=EXCLUDED.description, priority=EXCLUDED.priority,
			due_date=EXCLUDED.due_date, source_metadata=EXCLUDED.source_metadata, updated_at=NOW()
		RETURNING id, (xmax = 0)
	`, uuid.NewString(), userID, u.Title, u.Description, NormalizePriority(u.Priority), u.DueDate, u.SourceID, string(encoded)).Scan(&taskID, &inserted)
	if err != nil {
		return "", false, fmt.Errorf("upsert task user %d source %s: %w", userID, u.SourceID, err)
	}
	return taskID, inserted, nil
}

func (s *PostgresStore) GetTaskBySource(ctx context.Context, userID int64, sourceID string) (Task, error) {
	var item Task
	var metadataRaw string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, description, priority, due_date, is_completed, source_id, COALESCE(source_metadata::text, '{}'), created_at, updated_at
		FROM tasks
		WHERE user_id=$1 AND source_id=$2
	`, userID, sourceID).Scan(
		&item.ID,
		&item.UserID,
		&item.Title,
		&item.Description,
		&item.Priority,
		&item.DueDate,
		&item.IsCompleted,
		&item.SourceID,
		&metadataRaw,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Task{}, err
	}
	_ = json.Unmarshal([]byte(metadataRaw), &item.SourceMetadata)
	return item, nil
}

var ErrNotFound = errors.New("not found")

// GetWatermark reads one cursor. Returns ErrNotFound when no pass has
// completed for this scope yet.
func (s *PostgresStore) GetWatermark(ctx context.Context, userID int64, sourceType, scope string) (Watermark, error) {
	var item Watermark
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, source_type, scope_key, cursor, updated_at
		FROM sync_watermarks
		WHERE user_id=$1 AND source_type=$2 AND scope_key=$3
	`, userID, sourceType, scope).Scan(&item.UserID, &item.SourceType, &item.ScopeKey, &item.Cursor, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Watermark{}, ErrNotFound
	}
	if err != nil {
		return Watermark{}, fmt.Errorf("get watermark: %w", err)
	}
	return item, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
