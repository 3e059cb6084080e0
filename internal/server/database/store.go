package database

import (
	"context"
	"errors"
	"time"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrGroupNotFound   = errors.New("message group not found")
	ErrMarkerNotFound  = errors.New("cleanup marker not found")
	ErrSlugTaken       = errors.New("slug already taken")
)

// Store is the persistence contract for messages, groups, cleanup markers
// and usage counters. Implemented by Repository (Postgres) and MemoryStore.
//
// ConsumeMessage is the only operation that must be atomic with respect to
// concurrent callers; every delete is idempotent.
type Store interface {
	CreateMessage(ctx context.Context, m *Message) error
	CreateGroup(ctx context.Context, g *MessageGroup, siblings []*Message) error
	GetMessage(ctx context.Context, id Identifier) (*Message, error)
	SlugExists(ctx context.Context, slug string) (bool, error)
	IncrementPasswordAttempts(ctx context.Context, token string) (int, error)

	// ConsumeMessage counts one view and returns the row as updated, only if
	// the message was still unaccessed and unexpired at now. When the view
	// count reaches max_views the row flips to accessed.
	ConsumeMessage(ctx context.Context, id Identifier, now time.Time) (*Message, error)

	// DeleteMessage removes the message and returns its attachment ids.
	DeleteMessage(ctx context.Context, token string) ([]string, error)
	AppendMediaFile(ctx context.Context, token, fileID string) error

	GetGroup(ctx context.Context, groupID string) (*MessageGroup, error)
	IncrementGroupAccess(ctx context.Context, groupID string) (*MessageGroup, error)

	// DeleteGroupCascade removes every sibling and the group row, returning
	// the attachment ids of deleted siblings. Absent rows are not an error.
	DeleteGroupCascade(ctx context.Context, groupID string) ([]string, error)

	CreateCleanupMarker(ctx context.Context, marker *MediaCleanupMarker) error
	DeleteCleanupMarker(ctx context.Context, fileID string) error
	DueCleanupMarkers(ctx context.Context, now time.Time) ([]*MediaCleanupMarker, error)

	DeleteExpiredMessages(ctx context.Context, now time.Time) ([]*Message, error)
	ExpiredGroupIDs(ctx context.Context, now time.Time) ([]string, error)

	AddUsage(ctx context.Context, delta UsageDelta) error
	GetStats(ctx context.Context) (*Stats, error)
	HealthCheck(ctx context.Context) error
}

var (
	_ Store = (*Repository)(nil)
	_ Store = (*MemoryStore)(nil)
)
