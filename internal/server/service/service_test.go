package service

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"burnlink/internal/server/config"
	"burnlink/internal/server/database"
	"burnlink/internal/server/storage"

	"github.com/stretchr/testify/require"
)

type fixture struct {
	repo     *database.MemoryStore
	blobs    *storage.FileSystemStore
	cfg      *config.Config
	messages *MessageService
	uploads  *UploadCoordinator
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.Defaults()
	cfg.BaseURL = "https://burn.test"
	cfg.CreatorSecret = "test-secret"
	cfg.ChunkSize = 4
	cfg.SingleUploadLimit = 64
	cfg.StreamThreshold = 16
	cfg.ChunkTimeout = time.Second

	blobs := storage.NewFileSystemStore(t.TempDir())
	require.NoError(t, blobs.EnsureReady(context.Background()))

	f := &fixture{
		repo:  database.NewMemoryStore(),
		blobs: blobs,
		cfg:   cfg,
		now:   time.Now().UTC().Truncate(time.Second),
	}
	f.messages = NewMessageService(f.repo, f.blobs, cfg)
	f.messages.now = func() time.Time { return f.now }
	f.uploads = NewUploadCoordinator(f.repo, f.blobs, cfg)
	f.uploads.retryBackoff = time.Millisecond
	return f
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func envelope() CreateRequest {
	return CreateRequest{
		EncryptedData: b64("ciphertext"),
		IV:            b64("123456789012"),
		Salt:          b64("1234567890123456"),
	}
}

func ptr[T any](v T) *T {
	return &v
}

func (f *fixture) create(t *testing.T, req CreateRequest) *CreateResult {
	t.Helper()
	res, err := f.messages.Create(context.Background(), req)
	require.NoError(t, err)
	return res
}
