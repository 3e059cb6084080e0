package core

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"
)

const (
	zipContentType     = "application/zip"
	defaultContentType = "application/octet-stream"
)

var ErrAttachmentTooLarge = errors.New("attachment exceeds size limit")

// Attachment is an encrypted file ready for upload. Multiple paths or a
// directory are zipped first, so every attachment is exactly one blob.
type Attachment struct {
	FileName  string
	FileType  string
	PlainSize int64
	Envelope  *Envelope
	CreatedAt time.Time
}

// NewAttachment encrypts the tree under password. maxSize bounds the
// uncompressed input; zero disables the check.
func NewAttachment(tree *Filetree, password string, maxSize int64) (*Attachment, error) {
	size := tree.UncompressedSize()
	if maxSize > 0 && size > maxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrAttachmentTooLarge, size)
	}

	var (
		name, contentType string
		data              []byte
		err               error
	)

	if tree.IsSingleFile() {
		name = tree.Root.Name()
		contentType = mime.TypeByExtension(filepath.Ext(name))
		if contentType == "" {
			contentType = defaultContentType
		}
		data, err = os.ReadFile(tree.Root.Path())
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", tree.Root.Path(), err)
		}
	} else {
		name = tree.Root.Name() + ".zip"
		contentType = zipContentType
		data, err = tree.ToZipBytes()
		if err != nil {
			return nil, fmt.Errorf("failed to bundle attachments: %w", err)
		}
	}

	env, err := Encrypt(data, password)
	if err != nil {
		return nil, err
	}

	return &Attachment{
		FileName:  name,
		FileType:  contentType,
		PlainSize: int64(len(data)),
		Envelope:  env,
		CreatedAt: time.Now(),
	}, nil
}

// EncryptAttachment walks paths and produces a single encrypted attachment.
func EncryptAttachment(paths []ParsedPath, password string, maxSize int64) (*Attachment, error) {
	tree, err := BuildFiletree(paths)
	if err != nil {
		return nil, err
	}
	return NewAttachment(tree, password, maxSize)
}

// Size is the number of ciphertext bytes that go over the wire.
func (a *Attachment) Size() int64 {
	return int64(len(a.Envelope.Ciphertext))
}
