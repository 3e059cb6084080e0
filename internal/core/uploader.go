package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

type UploaderOptions struct {
	// Attachments at or below this size go up in one request.
	SingleUploadLimit int64
	ChunkTimeout      time.Duration
	ChunkRetries      uint64
	RetryBase         time.Duration
	// Progress, when set, is called after every acknowledged chunk.
	Progress func(done, total int)
}

func DefaultUploaderOptions() UploaderOptions {
	return UploaderOptions{
		SingleUploadLimit: 100 * 1024 * 1024,
		ChunkTimeout:      120 * time.Second,
		ChunkRetries:      3,
		RetryBase:         time.Second,
	}
}

// Uploader sends encrypted attachments, switching to chunked uploads for
// large blobs.
type Uploader struct {
	client *Client
	opts   UploaderOptions
}

func NewUploader(client *Client, opts UploaderOptions) *Uploader {
	return &Uploader{client: client, opts: opts}
}

// Upload sends att and links it to the message. It returns the file id.
func (u *Uploader) Upload(ctx context.Context, att *Attachment, messageToken string) (string, error) {
	if att.Size() <= u.opts.SingleUploadLimit {
		return u.client.UploadSingle(ctx, att, messageToken)
	}
	return u.uploadChunked(ctx, att, messageToken)
}

func (u *Uploader) uploadChunked(ctx context.Context, att *Attachment, messageToken string) (string, error) {
	wire := att.Envelope.EncodeWire()
	size := att.Size()

	session, err := u.client.InitUpload(ctx, InitUploadRequest{
		FileName:     att.FileName,
		FileType:     att.FileType,
		FileSize:     size,
		IV:           wire.IV,
		Salt:         wire.Salt,
		MessageToken: messageToken,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start upload: %w", err)
	}
	if session.ChunkSize <= 0 {
		return "", fmt.Errorf("server returned invalid chunk size %d", session.ChunkSize)
	}

	data := att.Envelope.Ciphertext
	parts := make([]UploadedPart, 0, session.TotalChunks)
	for index := 0; index < session.TotalChunks; index++ {
		start := int64(index) * session.ChunkSize
		end := min(start+session.ChunkSize, size)

		part, err := u.sendChunk(ctx, session, index, data[start:end])
		if err != nil {
			return "", fmt.Errorf("chunk %d of %d: %w", index+1, session.TotalChunks, err)
		}
		parts = append(parts, *part)

		if u.opts.Progress != nil {
			u.opts.Progress(index+1, session.TotalChunks)
		}
	}

	err = u.client.CompleteUpload(ctx, session.FileID, CompleteUploadRequest{
		UploadID:     session.UploadID,
		Parts:        parts,
		FileName:     att.FileName,
		MessageToken: messageToken,
		FileSize:     size,
	})
	if err != nil {
		return "", fmt.Errorf("failed to complete upload: %w", err)
	}

	return session.FileID, nil
}

// sendChunk bounds every attempt by ChunkTimeout and retries transport
// failures and temporary server errors.
func (u *Uploader) sendChunk(ctx context.Context, session *InitUploadResponse, index int, chunk []byte) (*UploadedPart, error) {
	backoff := retry.NewExponential(u.opts.RetryBase)
	backoff = retry.WithCappedDuration(10*u.opts.RetryBase, backoff)
	backoff = retry.WithMaxRetries(u.opts.ChunkRetries, backoff)

	return retry.DoValue(ctx, backoff, func(ctx context.Context) (*UploadedPart, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, u.opts.ChunkTimeout)
		defer cancel()

		part, err := u.client.UploadChunk(attemptCtx, session.FileID, session.UploadID, index, chunk)
		if err == nil {
			return part, nil
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return nil, err
		}
		return nil, retry.RetryableError(err)
	})
}
