package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
)

func newRepoWithMock(t *testing.T) (*Repository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool error: %v", err)
	}
	t.Cleanup(mock.Close)
	return NewRepositoryWithPool(mock), mock
}

func TestRepository_ConsumeMessage_LostRace(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	now := time.Now()

	mock.ExpectQuery(`UPDATE messages\s+SET view_count = view_count \+ 1`).
		WithArgs("tok", now).
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.ConsumeMessage(context.Background(), Token("tok"), now)
	if !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("expected ErrMessageNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRepository_ConsumeMessage_BySlugUsesSlugColumn(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	now := time.Now()

	mock.ExpectQuery(`WHERE slug = \$1\s+AND accessed = FALSE`).
		WithArgs("my-note", now).
		WillReturnError(pgx.ErrNoRows)

	repo.ConsumeMessage(context.Background(), Slug("my-note"), now)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRepository_AppendMediaFile(t *testing.T) {
	t.Run("appends to pending message", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		mock.ExpectExec(`UPDATE messages SET media_file_ids = array_append`).
			WithArgs("tok", "file-1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		if err := repo.AppendMediaFile(context.Background(), "tok", "file-1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	})

	t.Run("burned message reports not found", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		mock.ExpectExec(`UPDATE messages SET media_file_ids = array_append`).
			WithArgs("tok", "file-1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := repo.AppendMediaFile(context.Background(), "tok", "file-1")
		if !errors.Is(err, ErrMessageNotFound) {
			t.Errorf("expected ErrMessageNotFound, got %v", err)
		}
	})
}

func TestRepository_IncrementPasswordAttempts(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectQuery(`UPDATE messages SET password_attempts = password_attempts \+ 1`).
		WithArgs("tok").
		WillReturnRows(pgxmock.NewRows([]string{"password_attempts"}).AddRow(3))

	n, err := repo.IncrementPasswordAttempts(context.Background(), "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestRepository_DeleteCleanupMarker(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectExec(`DELETE FROM media_cleanup_markers WHERE file_id = \$1`).
		WithArgs("file-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err := repo.DeleteCleanupMarker(context.Background(), "file-1")
	if !errors.Is(err, ErrMarkerNotFound) {
		t.Errorf("expected ErrMarkerNotFound, got %v", err)
	}
}

func TestRepository_AddUsage(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectExec(`UPDATE usage_counters SET`).
		WithArgs(int64(1), int64(0), int64(2), int64(4096)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := repo.AddUsage(context.Background(), UsageDelta{MessagesCreated: 1, FilesUploaded: 2, BytesUploaded: 4096})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
