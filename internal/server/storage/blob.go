package storage

import (
	"context"
	"errors"
	"io"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadNotFound = errors.New("multipart upload not found")
	ErrInvalidPart    = errors.New("invalid multipart part")
	ErrInvalidKey     = errors.New("invalid object key")
)

// Metadata keys bound to every attachment object. Values are stored
// verbatim so a download can rebuild its headers without a database lookup.
const (
	MetaFileName     = "file-name"
	MetaFileType     = "file-type"
	MetaFileSize     = "file-size"
	MetaIV           = "iv"
	MetaSalt         = "salt"
	MetaMessageToken = "message-token"
)

// Metadata is custom key/value metadata stored alongside an object.
type Metadata map[string]string

// Part identifies one uploaded part of a multipart upload.
type Part struct {
	Number int32  `json:"partNumber"`
	ETag   string `json:"etag"`
}

// Object is an opened blob. The caller must close Body.
type Object struct {
	Body     io.ReadCloser
	Size     int64
	Metadata Metadata
}

// BlobStore defines the interface for attachment storage backends.
type BlobStore interface {
	CreateMultipartUpload(ctx context.Context, key string, meta Metadata) (string, error)
	// UploadMetadata returns the metadata bound to a pending upload when it
	// was created. It fails with ErrUploadNotFound once the upload is gone.
	UploadMetadata(ctx context.Context, key, uploadID string) (Metadata, error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int32, data []byte) (string, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) error
	Put(ctx context.Context, key string, data io.Reader, size int64, meta Metadata) error
	Get(ctx context.Context, key string) (*Object, error)
	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
	EnsureReady(ctx context.Context) error
}
