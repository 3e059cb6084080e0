package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"burnlink/internal/server/database"
)

// CleanupService periodically removes expired messages and groups and
// deletes attachment blobs whose grace window has elapsed.
type CleanupService struct {
	repo     database.Store
	store    BlobStore
	interval time.Duration
	now      func() time.Time
	done     chan struct{}
}

// CleanupReport summarizes one sweep.
type CleanupReport struct {
	ExpiredMessages int
	ExpiredGroups   int
	BlobsDeleted    int
	Failed          int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(repo database.Store, store BlobStore, interval time.Duration) *CleanupService {
	return &CleanupService{
		repo:     repo,
		store:    store,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		done:     make(chan struct{}),
	}
}

// Start begins the cleanup loop in a background goroutine.
func (cs *CleanupService) Start(ctx context.Context) {
	slog.Info("cleanup service started", "interval", cs.interval)

	go func() {
		ticker := time.NewTicker(cs.interval)
		defer ticker.Stop()

		// Run once immediately on start
		cs.RunOnce(ctx)

		for {
			select {
			case <-ticker.C:
				cs.RunOnce(ctx)
			case <-ctx.Done():
				slog.Info("cleanup service stopping")
				close(cs.done)
				return
			}
		}
	}()
}

// Wait blocks until the cleanup service has fully stopped.
func (cs *CleanupService) Wait() {
	<-cs.done
}

// RunOnce performs a single sweep. Per-item failures are logged and skipped.
func (cs *CleanupService) RunOnce(ctx context.Context) CleanupReport {
	var report CleanupReport
	now := cs.now()

	expired, err := cs.repo.DeleteExpiredMessages(ctx, now)
	if err != nil {
		slog.Error("failed to delete expired messages", "error", err)
	}
	for _, m := range expired {
		report.ExpiredMessages++
		cs.deleteBlobs(ctx, m.MediaFileIDs, &report)
		slog.Info("cleaned up expired message",
			"message_token", m.Token,
			"expired_at", m.ExpiresAt,
		)
	}

	groupIDs, err := cs.repo.ExpiredGroupIDs(ctx, now)
	if err != nil {
		slog.Error("failed to get expired groups", "error", err)
	}
	for _, id := range groupIDs {
		media, err := cs.repo.DeleteGroupCascade(ctx, id)
		if err != nil {
			slog.Error("failed to delete expired group", "group_id", id, "error", err)
			report.Failed++
			continue
		}
		report.ExpiredGroups++
		cs.deleteBlobs(ctx, media, &report)
		slog.Info("cleaned up expired group", "group_id", id)
	}

	markers, err := cs.repo.DueCleanupMarkers(ctx, now)
	if err != nil {
		slog.Error("failed to get due cleanup markers", "error", err)
	}
	for _, marker := range markers {
		if err := cs.store.Delete(ctx, marker.FileID); err != nil {
			slog.Error("failed to delete file",
				"file_id", marker.FileID,
				"error", err,
			)
			report.Failed++
			continue
		}
		if err := cs.repo.DeleteCleanupMarker(ctx, marker.FileID); err != nil && !errors.Is(err, database.ErrMarkerNotFound) {
			slog.Error("failed to delete cleanup marker",
				"file_id", marker.FileID,
				"error", err,
			)
			report.Failed++
			continue
		}
		report.BlobsDeleted++
	}

	slog.Info("cleanup cycle complete",
		"expired_messages", report.ExpiredMessages,
		"expired_groups", report.ExpiredGroups,
		"blobs_deleted", report.BlobsDeleted,
		"failed", report.Failed,
	)
	return report
}

func (cs *CleanupService) deleteBlobs(ctx context.Context, fileIDs []string, report *CleanupReport) {
	for _, id := range fileIDs {
		if err := cs.store.Delete(ctx, id); err != nil {
			slog.Error("failed to delete file", "file_id", id, "error", err)
			report.Failed++
			continue
		}
		report.BlobsDeleted++
	}
}
