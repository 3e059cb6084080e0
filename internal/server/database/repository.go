package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Pool is the subset of pgxpool.Pool used by the repository.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

const messageColumns = `
	token, slug, ciphertext, iv, salt, created_at, expires_at, accessed,
	view_count, max_views, password_attempts, max_password_attempts,
	require_geo_match, creator_country, auto_burn_on_suspicious,
	require_2fa, totp_secret, media_file_ids, group_id`

const groupColumns = `
	group_id, total_links, accessed_count, max_views, burn_on_first_view,
	created_at, expires_at`

// Repository is the Postgres implementation of Store.
type Repository struct {
	pool Pool
}

// NewRepository creates a new Repository.
func NewRepository(db *DB) *Repository {
	return &Repository{pool: db.Pool}
}

// NewRepositoryWithPool creates a Repository over any Pool implementation.
func NewRepositoryWithPool(pool Pool) *Repository {
	return &Repository{pool: pool}
}

func insertMessage(ctx context.Context, db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}, m *Message) error {
	media := m.MediaFileIDs
	if media == nil {
		media = []string{}
	}
	_, err := db.Exec(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`,
		m.Token,
		m.Slug,
		m.Ciphertext,
		m.IV,
		m.Salt,
		m.CreatedAt,
		m.ExpiresAt,
		m.Accessed,
		m.ViewCount,
		m.MaxViews,
		m.PasswordAttempts,
		m.MaxPasswordAttempts,
		m.RequireGeoMatch,
		m.CreatorCountry,
		m.AutoBurnOnSuspicious,
		m.Require2FA,
		m.TOTPSecret,
		media,
		m.GroupID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "messages_slug_key" {
			return ErrSlugTaken
		}
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// CreateMessage inserts a new message record.
func (r *Repository) CreateMessage(ctx context.Context, m *Message) error {
	return insertMessage(ctx, r.pool, m)
}

// CreateGroup inserts the group row and all siblings in one transaction.
func (r *Repository) CreateGroup(ctx context.Context, g *MessageGroup, siblings []*Message) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO message_groups (`+groupColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`,
			g.GroupID,
			g.TotalLinks,
			g.AccessedCount,
			g.MaxViews,
			g.BurnOnFirstView,
			g.CreatedAt,
			g.ExpiresAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create message group: %w", err)
		}

		for _, m := range siblings {
			if err := insertMessage(ctx, tx, m); err != nil {
				return err
			}
		}
		return nil
	})
}

func scanMessage(row pgx.Row) (*Message, error) {
	m := &Message{}
	err := row.Scan(
		&m.Token,
		&m.Slug,
		&m.Ciphertext,
		&m.IV,
		&m.Salt,
		&m.CreatedAt,
		&m.ExpiresAt,
		&m.Accessed,
		&m.ViewCount,
		&m.MaxViews,
		&m.PasswordAttempts,
		&m.MaxPasswordAttempts,
		&m.RequireGeoMatch,
		&m.CreatorCountry,
		&m.AutoBurnOnSuspicious,
		&m.Require2FA,
		&m.TOTPSecret,
		&m.MediaFileIDs,
		&m.GroupID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return m, nil
}

func scanGroup(row pgx.Row) (*MessageGroup, error) {
	g := &MessageGroup{}
	err := row.Scan(
		&g.GroupID,
		&g.TotalLinks,
		&g.AccessedCount,
		&g.MaxViews,
		&g.BurnOnFirstView,
		&g.CreatedAt,
		&g.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGroupNotFound
		}
		return nil, err
	}
	return g, nil
}

// GetMessage retrieves an unaccessed message by token or slug.
func (r *Repository) GetMessage(ctx context.Context, id Identifier) (*Message, error) {
	m, err := scanMessage(r.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages WHERE `+id.column()+` = $1 AND accessed = FALSE
	`, id.Value))
	if err != nil && !errors.Is(err, ErrMessageNotFound) {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, err
}

// SlugExists reports whether any message currently holds slug.
func (r *Repository) SlugExists(ctx context.Context, slug string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM messages WHERE slug = $1)", slug,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check slug: %w", err)
	}
	return exists, nil
}

// IncrementPasswordAttempts atomically increments the attempt counter and
// returns the new value.
func (r *Repository) IncrementPasswordAttempts(ctx context.Context, token string) (int, error) {
	var attempts int
	err := r.pool.QueryRow(ctx, `
		UPDATE messages SET password_attempts = password_attempts + 1
		WHERE token = $1 AND accessed = FALSE
		RETURNING password_attempts
	`, token).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrMessageNotFound
		}
		return 0, fmt.Errorf("failed to increment password attempts: %w", err)
	}
	return attempts, nil
}

// ConsumeMessage is a single conditional UPDATE ... RETURNING. Postgres
// serializes concurrent updates on the row, so only callers that still see
// accessed = FALSE after the lock is released get a row back.
func (r *Repository) ConsumeMessage(ctx context.Context, id Identifier, now time.Time) (*Message, error) {
	m, err := scanMessage(r.pool.QueryRow(ctx, `
		UPDATE messages
		SET view_count = view_count + 1,
		    accessed = (view_count + 1 >= max_views)
		WHERE `+id.column()+` = $1
		  AND accessed = FALSE
		  AND (expires_at IS NULL OR expires_at > $2)
		RETURNING `+messageColumns,
		id.Value, now,
	))
	if err != nil && !errors.Is(err, ErrMessageNotFound) {
		return nil, fmt.Errorf("failed to consume message: %w", err)
	}
	return m, err
}

// DeleteMessage removes a message record by token.
func (r *Repository) DeleteMessage(ctx context.Context, token string) ([]string, error) {
	var media []string
	err := r.pool.QueryRow(ctx,
		"DELETE FROM messages WHERE token = $1 RETURNING media_file_ids", token,
	).Scan(&media)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to delete message: %w", err)
	}
	return media, nil
}

// AppendMediaFile links a finalized attachment to a still-pending message.
func (r *Repository) AppendMediaFile(ctx context.Context, token, fileID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE messages SET media_file_ids = array_append(media_file_ids, $2)
		WHERE token = $1 AND accessed = FALSE
	`, token, fileID)
	if err != nil {
		return fmt.Errorf("failed to append media file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// GetGroup retrieves a message group.
func (r *Repository) GetGroup(ctx context.Context, groupID string) (*MessageGroup, error) {
	g, err := scanGroup(r.pool.QueryRow(ctx,
		"SELECT "+groupColumns+" FROM message_groups WHERE group_id = $1", groupID))
	if err != nil && !errors.Is(err, ErrGroupNotFound) {
		return nil, fmt.Errorf("failed to get message group: %w", err)
	}
	return g, err
}

// IncrementGroupAccess bumps accessed_count and returns the updated group.
func (r *Repository) IncrementGroupAccess(ctx context.Context, groupID string) (*MessageGroup, error) {
	g, err := scanGroup(r.pool.QueryRow(ctx, `
		UPDATE message_groups SET accessed_count = accessed_count + 1
		WHERE group_id = $1
		RETURNING `+groupColumns,
		groupID,
	))
	if err != nil && !errors.Is(err, ErrGroupNotFound) {
		return nil, fmt.Errorf("failed to increment group access: %w", err)
	}
	return g, err
}

// DeleteGroupCascade deletes siblings first, then the group row.
func (r *Repository) DeleteGroupCascade(ctx context.Context, groupID string) ([]string, error) {
	var media []string
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			"DELETE FROM messages WHERE group_id = $1 RETURNING media_file_ids", groupID)
		if err != nil {
			return fmt.Errorf("failed to delete group siblings: %w", err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[[]string])
		if err != nil {
			return fmt.Errorf("failed to read deleted siblings: %w", err)
		}
		for _, list := range ids {
			media = append(media, list...)
		}

		if _, err := tx.Exec(ctx, "DELETE FROM message_groups WHERE group_id = $1", groupID); err != nil {
			return fmt.Errorf("failed to delete message group: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return media, nil
}

// CreateCleanupMarker schedules a blob for deletion. Re-marking a file
// keeps the later deadline.
func (r *Repository) CreateCleanupMarker(ctx context.Context, marker *MediaCleanupMarker) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO media_cleanup_markers (file_id, delete_after, marked_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (file_id) DO UPDATE
		SET delete_after = GREATEST(media_cleanup_markers.delete_after, EXCLUDED.delete_after)
	`, marker.FileID, marker.DeleteAfter, marker.MarkedAt)
	if err != nil {
		return fmt.Errorf("failed to create cleanup marker: %w", err)
	}
	return nil
}

// DeleteCleanupMarker removes a marker. Missing markers are reported as
// ErrMarkerNotFound so callers can decide whether that matters.
func (r *Repository) DeleteCleanupMarker(ctx context.Context, fileID string) error {
	tag, err := r.pool.Exec(ctx, "DELETE FROM media_cleanup_markers WHERE file_id = $1", fileID)
	if err != nil {
		return fmt.Errorf("failed to delete cleanup marker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMarkerNotFound
	}
	return nil
}

// DueCleanupMarkers returns markers whose grace window has elapsed.
func (r *Repository) DueCleanupMarkers(ctx context.Context, now time.Time) ([]*MediaCleanupMarker, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT file_id, delete_after, marked_at
		FROM media_cleanup_markers WHERE delete_after <= $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query cleanup markers: %w", err)
	}
	defer rows.Close()

	var markers []*MediaCleanupMarker
	for rows.Next() {
		m := &MediaCleanupMarker{}
		if err := rows.Scan(&m.FileID, &m.DeleteAfter, &m.MarkedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cleanup marker: %w", err)
		}
		markers = append(markers, m)
	}
	return markers, rows.Err()
}

// DeleteExpiredMessages removes standalone messages past expires_at and
// returns them. Grouped messages are removed with their group.
func (r *Repository) DeleteExpiredMessages(ctx context.Context, now time.Time) ([]*Message, error) {
	rows, err := r.pool.Query(ctx, `
		DELETE FROM messages
		WHERE expires_at IS NOT NULL AND expires_at <= $1 AND group_id IS NULL
		RETURNING `+messageColumns,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to delete expired messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expired message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// ExpiredGroupIDs lists groups past expires_at.
func (r *Repository) ExpiredGroupIDs(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT group_id FROM message_groups
		WHERE expires_at IS NOT NULL AND expires_at <= $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired groups: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan expired groups: %w", err)
	}
	return ids, nil
}

// AddUsage applies a delta to the aggregate counters.
func (r *Repository) AddUsage(ctx context.Context, delta UsageDelta) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE usage_counters SET
			messages_created = messages_created + $1,
			messages_burned  = messages_burned + $2,
			files_uploaded   = files_uploaded + $3,
			bytes_uploaded   = bytes_uploaded + $4
		WHERE id = 1
	`, delta.MessagesCreated, delta.MessagesBurned, delta.FilesUploaded, delta.BytesUploaded)
	if err != nil {
		return fmt.Errorf("failed to update usage counters: %w", err)
	}
	return nil
}

// GetStats returns aggregate server statistics.
func (r *Repository) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := r.pool.QueryRow(ctx, `
		SELECT
			u.messages_created,
			u.messages_burned,
			u.files_uploaded,
			u.bytes_uploaded,
			(SELECT COUNT(*) FROM messages WHERE accessed = FALSE),
			(SELECT COUNT(*) FROM message_groups),
			(SELECT COUNT(*) FROM media_cleanup_markers)
		FROM usage_counters u WHERE u.id = 1
	`).Scan(
		&stats.MessagesCreated,
		&stats.MessagesBurned,
		&stats.FilesUploaded,
		&stats.BytesUploaded,
		&stats.ActiveMessages,
		&stats.ActiveGroups,
		&stats.PendingCleanup,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}

// HealthCheck verifies the database connection is alive.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
