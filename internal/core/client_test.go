package core

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"burnlink/internal/server/api"
	"burnlink/internal/server/config"
	"burnlink/internal/server/database"
	"burnlink/internal/server/service"
	"burnlink/internal/server/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestBackend runs the real API over an in-memory store and a temp dir.
// wrap, when given, sits in front of the router.
func newTestBackend(t *testing.T, wrap func(http.Handler) http.Handler) *Client {
	t.Helper()

	cfg := config.Defaults()
	cfg.CreatorSecret = "client-test"
	cfg.ChunkSize = 8
	cfg.StreamThreshold = 24
	cfg.RateLimitRPS = 1000
	cfg.RateLimitBurst = 1000

	repo := database.NewMemoryStore()
	blobs := storage.NewFileSystemStore(t.TempDir())
	require.NoError(t, blobs.EnsureReady(context.Background()))

	handler := api.NewHandler(
		service.NewMessageService(repo, blobs, cfg),
		service.NewUploadCoordinator(repo, blobs, cfg),
		repo,
		cfg,
	)

	var h http.Handler = api.SetupRouter(handler, cfg)
	if wrap != nil {
		h = wrap(h)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return NewClient(srv.URL+"/", srv.Client())
}

func sendMessage(t *testing.T, c *Client, plaintext, password string, tweak ...func(*CreateMessageRequest)) *CreateMessageResponse {
	t.Helper()

	env, err := Encrypt([]byte(plaintext), password)
	require.NoError(t, err)

	req := CreateMessageRequest{WireEnvelope: env.EncodeWire()}
	for _, fn := range tweak {
		fn(&req)
	}

	created, err := c.CreateMessage(context.Background(), req)
	require.NoError(t, err)
	return created
}

func TestClient_MessageLifecycle(t *testing.T) {
	c := newTestBackend(t, nil)
	ctx := context.Background()

	created := sendMessage(t, c, "the vault code is 4417", "pw")
	assert.Len(t, created.Token, 32)
	assert.NotEmpty(t, created.CreatorToken)

	msg, err := c.FetchMessage(ctx, created.Token)
	require.NoError(t, err)
	assert.Equal(t, 1, msg.ViewsRemaining)
	assert.Empty(t, msg.MediaFiles)

	env, err := DecodeWire(msg.WireEnvelope)
	require.NoError(t, err)
	plain, err := Decrypt(env, "pw")
	require.NoError(t, err)
	assert.Equal(t, "the vault code is 4417", string(plain))

	_, err = Decrypt(env, "nope")
	assert.ErrorIs(t, err, ErrDecryption)

	consumed, err := c.ConsumeMessage(ctx, created.Token)
	require.NoError(t, err)
	assert.True(t, consumed.Success)
	assert.True(t, consumed.Burned)

	_, err = c.FetchMessage(ctx, created.Token)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.ConsumeMessage(ctx, created.Token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_CreatorStatusAndRevoke(t *testing.T) {
	c := newTestBackend(t, nil)
	ctx := context.Background()

	created := sendMessage(t, c, "revocable", "pw", func(r *CreateMessageRequest) {
		r.CustomSlug = "take-it-back"
	})
	require.NotNil(t, created.Slug)
	assert.True(t, strings.HasSuffix(created.URL, "/m/take-it-back"))

	status, err := c.MessageStatus(ctx, "take-it-back", created.CreatorToken)
	require.NoError(t, err)
	assert.Equal(t, "pending", status.Status)

	_, err = c.MessageStatus(ctx, "take-it-back", "garbage")
	assert.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, c.RevokeMessage(ctx, "take-it-back", created.CreatorToken))

	status, err = c.MessageStatus(ctx, created.Token, created.CreatorToken)
	require.NoError(t, err)
	assert.Equal(t, "burned", status.Status)
}

func TestClient_Group(t *testing.T) {
	c := newTestBackend(t, nil)
	ctx := context.Background()

	env, err := Encrypt([]byte("for the team"), "pw")
	require.NoError(t, err)

	group, err := c.CreateGroup(ctx, CreateGroupRequest{
		WireEnvelope:    env.EncodeWire(),
		RecipientCount:  3,
		BurnOnFirstView: true,
	})
	require.NoError(t, err)
	require.Len(t, group.Links, 3)

	consumed, err := c.ConsumeMessage(ctx, group.Links[0].Token)
	require.NoError(t, err)
	assert.True(t, consumed.GroupBurned)

	_, err = c.FetchMessage(ctx, group.Links[2].Token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_ValidationError(t *testing.T) {
	c := newTestBackend(t, nil)

	_, err := c.CreateMessage(context.Background(), CreateMessageRequest{})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.NotEmpty(t, apiErr.Message)
	assert.False(t, apiErr.Temporary())
}

func TestUploader_SingleAndBufferedDownload(t *testing.T) {
	c := newTestBackend(t, nil)
	ctx := context.Background()
	created := sendMessage(t, c, "see attached", "pw")

	file := setupTestFile(t, "tiny.txt", "tiny")
	att, err := EncryptAttachment([]ParsedPath{{FullPath: file, Kind: PathFile}}, "pw", 0)
	require.NoError(t, err)

	up := NewUploader(c, DefaultUploaderOptions())
	fileID, err := up.Upload(ctx, att, created.Token)
	require.NoError(t, err)

	msg, err := c.FetchMessage(ctx, created.Token)
	require.NoError(t, err)
	assert.Equal(t, []string{fileID}, msg.MediaFiles)

	dl, err := c.DownloadFile(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, "tiny.txt", dl.FileName)

	plain, err := Decrypt(dl.Envelope, "pw")
	require.NoError(t, err)
	assert.Equal(t, "tiny", string(plain))

	require.NoError(t, c.ConfirmDownload(ctx, fileID))
	_, err = c.DownloadFile(ctx, fileID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUploader_ChunkedAndStreamedDownload(t *testing.T) {
	c := newTestBackend(t, nil)
	ctx := context.Background()
	created := sendMessage(t, c, "big attachment", "pw")

	content := strings.Repeat("chunked payload ", 8)
	file := setupTestFile(t, "big.txt", content)
	att, err := EncryptAttachment([]ParsedPath{{FullPath: file, Kind: PathFile}}, "pw", 0)
	require.NoError(t, err)

	var progress []int
	opts := DefaultUploaderOptions()
	opts.SingleUploadLimit = 8
	opts.Progress = func(done, total int) { progress = append(progress, done) }

	fileID, err := NewUploader(c, opts).Upload(ctx, att, created.Token)
	require.NoError(t, err)

	wantChunks := int((att.Size() + 7) / 8)
	assert.Len(t, progress, wantChunks)

	dl, err := c.DownloadFile(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, "big.txt", dl.FileName)
	assert.Equal(t, created.Token, dl.MessageToken)

	plain, err := Decrypt(dl.Envelope, "pw")
	require.NoError(t, err)
	assert.Equal(t, content, string(plain))
}

func TestUploader_RetriesTemporaryFailures(t *testing.T) {
	var failures atomic.Int32
	failures.Store(2)

	c := newTestBackend(t, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPut && failures.Add(-1) >= 0 {
				http.Error(w, `{"error":"try later"}`, http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	ctx := context.Background()
	created := sendMessage(t, c, "flaky network", "pw")

	file := setupTestFile(t, "flaky.bin", strings.Repeat("x", 40))
	att, err := EncryptAttachment([]ParsedPath{{FullPath: file, Kind: PathFile}}, "pw", 0)
	require.NoError(t, err)

	opts := DefaultUploaderOptions()
	opts.SingleUploadLimit = 8
	opts.RetryBase = time.Millisecond

	fileID, err := NewUploader(c, opts).Upload(ctx, att, created.Token)
	require.NoError(t, err)
	assert.NotEmpty(t, fileID)
}

func TestUploader_GivesUpOnPermanentFailure(t *testing.T) {
	var puts atomic.Int32

	c := newTestBackend(t, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPut {
				puts.Add(1)
				http.Error(w, `{"error":"bad chunk"}`, http.StatusBadRequest)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	ctx := context.Background()
	created := sendMessage(t, c, "doomed", "pw")

	file := setupTestFile(t, "doomed.bin", strings.Repeat("y", 40))
	att, err := EncryptAttachment([]ParsedPath{{FullPath: file, Kind: PathFile}}, "pw", 0)
	require.NoError(t, err)

	opts := DefaultUploaderOptions()
	opts.SingleUploadLimit = 8
	opts.RetryBase = time.Millisecond

	_, err = NewUploader(c, opts).Upload(ctx, att, created.Token)
	require.Error(t, err)
	assert.Equal(t, int32(1), puts.Load())
}

func TestUploader_ExhaustsRetries(t *testing.T) {
	var puts atomic.Int32

	c := newTestBackend(t, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPut {
				puts.Add(1)
				http.Error(w, `{"error":"down"}`, http.StatusBadGateway)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	ctx := context.Background()
	created := sendMessage(t, c, "outage", "pw")

	file := setupTestFile(t, "outage.bin", strings.Repeat("z", 40))
	att, err := EncryptAttachment([]ParsedPath{{FullPath: file, Kind: PathFile}}, "pw", 0)
	require.NoError(t, err)

	opts := DefaultUploaderOptions()
	opts.SingleUploadLimit = 8
	opts.RetryBase = time.Millisecond

	_, err = NewUploader(c, opts).Upload(ctx, att, created.Token)
	require.Error(t, err)
	assert.Equal(t, int32(opts.ChunkRetries+1), puts.Load())
}
