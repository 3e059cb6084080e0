package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"burnlink/internal/server/config"
	"burnlink/internal/server/database"
	"burnlink/internal/server/storage"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// maxParts is the S3 limit on parts per multipart upload.
const maxParts = 10000

// InitRequest starts a chunked upload of an encrypted attachment.
type InitRequest struct {
	FileName     string `json:"fileName"`
	FileType     string `json:"fileType"`
	FileSize     int64  `json:"fileSize"`
	IV           string `json:"iv"`
	Salt         string `json:"salt"`
	MessageToken string `json:"messageToken"`
}

type InitResult struct {
	FileID      string `json:"fileId"`
	UploadID    string `json:"uploadId"`
	ChunkSize   int64  `json:"chunkSize"`
	TotalChunks int    `json:"totalChunks"`
}

type ChunkRequest struct {
	FileID     string
	UploadID   string
	ChunkIndex int
	Data       []byte
}

type ChunkResult struct {
	PartNumber int32  `json:"partNumber"`
	ETag       string `json:"etag"`
}

type CompleteRequest struct {
	FileID       string         `json:"-"`
	UploadID     string         `json:"uploadId"`
	Parts        []storage.Part `json:"parts"`
	FileName     string         `json:"fileName"`
	MessageToken string         `json:"messageToken"`
	FileSize     int64          `json:"fileSize"`
}

type CompleteResult struct {
	Success bool   `json:"success"`
	FileID  string `json:"fileId"`
}

// SingleRequest uploads a whole attachment at once.
type SingleRequest struct {
	FileName     string
	FileType     string
	IV           string
	Salt         string
	MessageToken string
	Size         int64
	Body         io.Reader
}

type SingleResult struct {
	FileID string `json:"fileId"`
	Size   int64  `json:"size"`
}

// Download is an attachment ready to be served. Large objects are streamed
// from Body; small ones are read into Data and Body is nil.
type Download struct {
	FileID       string
	FileName     string
	FileType     string
	IV           string
	Salt         string
	MessageToken string
	Size         int64
	Stream       bool
	Body         io.ReadCloser
	Data         []byte
}

// UploadCoordinator moves encrypted attachments in and out of the blob store.
type UploadCoordinator struct {
	repo         database.Store
	blobs        storage.BlobStore
	cfg          *config.Config
	retryBackoff time.Duration
}

// NewUploadCoordinator creates a new upload coordinator.
func NewUploadCoordinator(repo database.Store, blobs storage.BlobStore, cfg *config.Config) *UploadCoordinator {
	return &UploadCoordinator{
		repo:         repo,
		blobs:        blobs,
		cfg:          cfg,
		retryBackoff: time.Second,
	}
}

// Init allocates a file id and opens a multipart upload carrying the
// attachment's metadata.
func (u *UploadCoordinator) Init(ctx context.Context, req InitRequest) (*InitResult, error) {
	if req.FileSize <= 0 {
		return nil, invalid("fileSize must be positive")
	}
	if req.FileSize > u.cfg.MaxFileSize {
		return nil, ErrFileTooLarge
	}
	if u.totalChunks(req.FileSize) > maxParts {
		return nil, ErrFileTooLarge
	}
	if req.IV == "" || req.Salt == "" {
		return nil, invalid("iv and salt are required")
	}
	if err := u.requireMessage(ctx, req.MessageToken); err != nil {
		return nil, err
	}

	fileID := uuid.NewString()
	meta := attachmentMetadata(req.FileName, req.FileType, req.IV, req.Salt, req.MessageToken, req.FileSize)
	uploadID, err := u.blobs.CreateMultipartUpload(ctx, fileID, meta)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpload, err)
	}

	total := u.totalChunks(req.FileSize)
	slog.Info("upload started",
		"file_id", fileID,
		"message_token", req.MessageToken,
		"file_size", req.FileSize,
		"total_chunks", total,
	)

	return &InitResult{
		FileID:      fileID,
		UploadID:    uploadID,
		ChunkSize:   u.cfg.ChunkSize,
		TotalChunks: total,
	}, nil
}

// UploadChunk stores chunk ChunkIndex as part ChunkIndex+1. The index and
// length must fit the size declared at Init. Each attempt is bounded by the
// chunk timeout and failed attempts are retried with linear backoff. Chunks
// may arrive in any order.
func (u *UploadCoordinator) UploadChunk(ctx context.Context, req ChunkRequest) (*ChunkResult, error) {
	if _, err := uuid.Parse(req.FileID); err != nil {
		return nil, invalid("invalid file id")
	}
	if req.UploadID == "" {
		return nil, invalid("uploadId is required")
	}
	if req.ChunkIndex < 0 || req.ChunkIndex >= maxParts {
		return nil, invalid("chunk index out of range")
	}
	if len(req.Data) == 0 {
		return nil, invalid("chunk is empty")
	}
	if int64(len(req.Data)) > u.cfg.ChunkSize {
		return nil, ErrFileTooLarge
	}

	pending, err := u.pendingUpload(ctx, req.FileID, req.UploadID)
	if err != nil {
		return nil, err
	}
	if req.ChunkIndex >= pending.totalChunks {
		return nil, invalid("chunk index %d out of range for %d chunks", req.ChunkIndex, pending.totalChunks)
	}
	if want := pending.chunkLength(req.ChunkIndex, u.cfg.ChunkSize); int64(len(req.Data)) != want {
		return nil, invalid("chunk %d must be %d bytes, got %d", req.ChunkIndex, want, len(req.Data))
	}

	partNumber := int32(req.ChunkIndex + 1)
	backoff := retry.WithMaxRetries(u.cfg.ChunkRetries, linearBackoff(u.retryBackoff))

	attempt := 0
	etag, err := retry.DoValue(ctx, backoff, func(ctx context.Context) (string, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, u.cfg.ChunkTimeout)
		defer cancel()

		etag, err := u.blobs.UploadPart(attemptCtx, req.FileID, req.UploadID, partNumber, req.Data)
		if err != nil {
			if errors.Is(err, storage.ErrUploadNotFound) || errors.Is(err, storage.ErrInvalidKey) {
				return "", err
			}
			slog.Warn("chunk upload attempt failed",
				"file_id", req.FileID,
				"part_number", partNumber,
				"attempt", attempt,
				"error", err,
			)
			return "", retry.RetryableError(err)
		}
		return etag, nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrUploadNotFound) {
			return nil, fmt.Errorf("%w: upload %s", ErrNotFound, req.UploadID)
		}
		return nil, fmt.Errorf("%w: part %d after %d attempts: %v", ErrChunkFailed, partNumber, attempt, err)
	}

	return &ChunkResult{PartNumber: partNumber, ETag: etag}, nil
}

// Complete finalizes the upload only when parts covers exactly 1..N for the
// size declared at Init, then links the file to the message it was started
// for. Nothing is finalized for an incomplete part list.
func (u *UploadCoordinator) Complete(ctx context.Context, req CompleteRequest) (*CompleteResult, error) {
	if _, err := uuid.Parse(req.FileID); err != nil {
		return nil, invalid("invalid file id")
	}
	if req.UploadID == "" {
		return nil, invalid("uploadId is required")
	}
	if req.FileSize <= 0 {
		return nil, invalid("fileSize must be positive")
	}

	pending, err := u.pendingUpload(ctx, req.FileID, req.UploadID)
	if err != nil {
		return nil, err
	}
	if req.MessageToken != pending.messageToken {
		return nil, invalid("messageToken does not match the upload")
	}
	if req.FileSize != pending.size {
		return nil, fmt.Errorf("%w: fileSize %d does not match %d declared at init", ErrIncompleteParts, req.FileSize, pending.size)
	}

	parts, err := u.orderedParts(req.Parts, pending.totalChunks)
	if err != nil {
		return nil, err
	}

	if err := u.blobs.CompleteMultipartUpload(ctx, req.FileID, req.UploadID, parts); err != nil {
		switch {
		case errors.Is(err, storage.ErrUploadNotFound):
			return nil, fmt.Errorf("%w: upload %s", ErrNotFound, req.UploadID)
		case errors.Is(err, storage.ErrInvalidPart):
			return nil, fmt.Errorf("%w: %v", ErrIncompleteParts, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrUpload, err)
		}
	}

	if err := u.attach(ctx, pending.messageToken, req.FileID, pending.size); err != nil {
		return nil, err
	}

	slog.Info("upload completed",
		"file_id", req.FileID,
		"message_token", pending.messageToken,
		"file_name", pending.fileName,
		"parts", len(parts),
		"file_size", pending.size,
	)
	return &CompleteResult{Success: true, FileID: req.FileID}, nil
}

// UploadSingle stores a small attachment in one request.
func (u *UploadCoordinator) UploadSingle(ctx context.Context, req SingleRequest) (*SingleResult, error) {
	if req.Size <= 0 {
		return nil, invalid("file is empty")
	}
	if req.Size > u.cfg.SingleUploadLimit {
		return nil, ErrFileTooLarge
	}
	if req.IV == "" || req.Salt == "" {
		return nil, invalid("iv and salt are required")
	}
	if err := u.requireMessage(ctx, req.MessageToken); err != nil {
		return nil, err
	}

	fileID := uuid.NewString()
	meta := attachmentMetadata(req.FileName, req.FileType, req.IV, req.Salt, req.MessageToken, req.Size)
	body := io.LimitReader(req.Body, req.Size)
	if err := u.blobs.Put(ctx, fileID, body, req.Size, meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpload, err)
	}

	if err := u.attach(ctx, req.MessageToken, fileID, req.Size); err != nil {
		return nil, err
	}

	slog.Info("file uploaded",
		"file_id", fileID,
		"message_token", req.MessageToken,
		"size", req.Size,
	)
	return &SingleResult{FileID: fileID, Size: req.Size}, nil
}

// Open returns an attachment for download, streamed above the stream
// threshold and buffered below it.
func (u *UploadCoordinator) Open(ctx context.Context, fileID string) (*Download, error) {
	if _, err := uuid.Parse(fileID); err != nil {
		return nil, invalid("invalid file id")
	}

	obj, err := u.blobs.Get(ctx, fileID)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	dl := &Download{
		FileID:       fileID,
		FileName:     obj.Metadata[storage.MetaFileName],
		FileType:     obj.Metadata[storage.MetaFileType],
		IV:           obj.Metadata[storage.MetaIV],
		Salt:         obj.Metadata[storage.MetaSalt],
		MessageToken: obj.Metadata[storage.MetaMessageToken],
		Size:         obj.Size,
		Stream:       obj.Size > u.cfg.StreamThreshold,
	}

	if dl.Stream {
		dl.Body = obj.Body
		return dl, nil
	}

	defer obj.Body.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, obj.Body); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	dl.Data = buf.Bytes()
	return dl, nil
}

// ConfirmDownload deletes the blob and its cleanup marker once the recipient
// has the file. Confirming twice is harmless.
func (u *UploadCoordinator) ConfirmDownload(ctx context.Context, fileID string) error {
	if _, err := uuid.Parse(fileID); err != nil {
		return invalid("invalid file id")
	}
	if err := u.blobs.Delete(ctx, fileID); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	if err := u.repo.DeleteCleanupMarker(ctx, fileID); err != nil && !errors.Is(err, database.ErrMarkerNotFound) {
		slog.Error("failed to delete cleanup marker", "file_id", fileID, "error", err)
	}
	slog.Info("download confirmed", "file_id", fileID)
	return nil
}

// orderedParts checks that parts holds each of 1..total exactly once and
// returns them sorted by part number.
func (u *UploadCoordinator) orderedParts(parts []storage.Part, total int) ([]storage.Part, error) {
	if len(parts) != total {
		return nil, fmt.Errorf("%w: got %d of %d parts", ErrIncompleteParts, len(parts), total)
	}
	sorted := append([]storage.Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })
	for i, p := range sorted {
		if p.Number != int32(i+1) {
			return nil, fmt.Errorf("%w: missing part %d", ErrIncompleteParts, i+1)
		}
		if p.ETag == "" {
			return nil, fmt.Errorf("%w: part %d has no etag", ErrIncompleteParts, p.Number)
		}
	}
	return sorted, nil
}

// pendingUpload is what Init bound to a multipart upload.
type pendingUpload struct {
	messageToken string
	fileName     string
	size         int64
	totalChunks  int
}

func (p *pendingUpload) chunkLength(index int, chunkSize int64) int64 {
	return min(chunkSize, p.size-int64(index)*chunkSize)
}

func (u *UploadCoordinator) pendingUpload(ctx context.Context, fileID, uploadID string) (*pendingUpload, error) {
	meta, err := u.blobs.UploadMetadata(ctx, fileID, uploadID)
	if err != nil {
		if errors.Is(err, storage.ErrUploadNotFound) || errors.Is(err, storage.ErrInvalidKey) {
			return nil, fmt.Errorf("%w: upload %s", ErrNotFound, uploadID)
		}
		return nil, fmt.Errorf("%w: %v", ErrUpload, err)
	}

	size, err := strconv.ParseInt(meta[storage.MetaFileSize], 10, 64)
	if err != nil || size <= 0 {
		return nil, fmt.Errorf("%w: upload %s has no declared size", ErrUpload, uploadID)
	}
	return &pendingUpload{
		messageToken: meta[storage.MetaMessageToken],
		fileName:     meta[storage.MetaFileName],
		size:         size,
		totalChunks:  u.totalChunks(size),
	}, nil
}

func (u *UploadCoordinator) totalChunks(size int64) int {
	return int((size + u.cfg.ChunkSize - 1) / u.cfg.ChunkSize)
}

func (u *UploadCoordinator) requireMessage(ctx context.Context, token string) error {
	if !database.IsTokenShaped(token) {
		return invalid("messageToken is invalid")
	}
	if _, err := u.repo.GetMessage(ctx, database.Token(token)); err != nil {
		if errors.Is(err, database.ErrMessageNotFound) {
			return fmt.Errorf("%w: message %s", ErrNotFound, token)
		}
		return fmt.Errorf("failed to get message: %w", err)
	}
	return nil
}

// attach links a stored blob to its message. If the message is gone the
// blob is removed again.
func (u *UploadCoordinator) attach(ctx context.Context, token, fileID string, size int64) error {
	if err := u.repo.AppendMediaFile(ctx, token, fileID); err != nil {
		if delErr := u.blobs.Delete(ctx, fileID); delErr != nil {
			slog.Error("failed to delete orphaned file", "file_id", fileID, "error", delErr)
		}
		if errors.Is(err, database.ErrMessageNotFound) {
			return fmt.Errorf("%w: message %s", ErrNotFound, token)
		}
		return fmt.Errorf("failed to attach file: %w", err)
	}

	if err := u.repo.AddUsage(ctx, database.UsageDelta{FilesUploaded: 1, BytesUploaded: size}); err != nil {
		slog.Error("failed to update usage counters", "error", err)
	}
	return nil
}

func attachmentMetadata(fileName, fileType, iv, salt, messageToken string, size int64) storage.Metadata {
	return storage.Metadata{
		storage.MetaFileName:     sanitizeFilename(fileName),
		storage.MetaFileType:     fileType,
		storage.MetaFileSize:     strconv.FormatInt(size, 10),
		storage.MetaIV:           iv,
		storage.MetaSalt:         salt,
		storage.MetaMessageToken: messageToken,
	}
}

// linearBackoff waits base, 2*base, 3*base, ... between attempts.
func linearBackoff(base time.Duration) retry.Backoff {
	var n int64
	return retry.BackoffFunc(func() (time.Duration, bool) {
		n++
		return time.Duration(n) * base, false
	})
}

// sanitizeFilename strips directory components and limits the name to
// maxFilenameBytes without splitting a UTF-8 sequence.
func sanitizeFilename(name string) string {
	// Normalize Windows-style backslashes to forward slashes before
	// calling filepath.Base, which is platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")

	// Take only the base name
	name = filepath.Base(name)

	if len(name) > maxFilenameBytes {
		ext := filepath.Ext(name)
		if len(ext) >= maxFilenameBytes/2 {
			ext = ""
		}
		name = truncateUTF8(name[:len(name)-len(ext)], maxFilenameBytes-len(ext)) + ext
	}

	if name == "" || name == "." || name == ".." || name == "/" {
		name = "attachment.bin"
	}

	return name
}

const maxFilenameBytes = 255

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
