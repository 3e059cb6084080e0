package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// FileSystemStore stores attachment blobs on the local filesystem.
//
// Layout under basePath:
//
//	objects/{key}.bin        finalized blob
//	objects/{key}.meta.json  its metadata
//	multipart/{uploadID}/    staged parts and the pending metadata
type FileSystemStore struct {
	basePath string
}

type multipartManifest struct {
	Key      string   `json:"key"`
	Metadata Metadata `json:"metadata"`
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: basePath}
}

// EnsureReady creates the storage directories if they don't exist.
func (fs *FileSystemStore) EnsureReady(ctx context.Context) error {
	for _, dir := range []string{fs.objectsDir(), fs.multipartDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory %s: %w", dir, err)
		}
	}
	return nil
}

// CreateMultipartUpload stages a new upload and records its target key and metadata.
func (fs *FileSystemStore) CreateMultipartUpload(ctx context.Context, key string, meta Metadata) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}

	uploadID := uuid.NewString()
	dir := fs.uploadDir(uploadID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}

	manifest, err := json.Marshal(multipartManifest{Key: key, Metadata: meta})
	if err != nil {
		return "", fmt.Errorf("failed to encode upload manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), manifest, 0644); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("failed to write upload manifest: %w", err)
	}
	return uploadID, nil
}

// UploadPart writes one part. Re-uploading a part number replaces it.
// The returned ETag is the hex MD5 of the part, as S3 does for
// unencrypted single-part uploads.
func (fs *FileSystemStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, data []byte) (string, error) {
	if partNumber < 1 {
		return "", fmt.Errorf("%w: part number %d", ErrInvalidPart, partNumber)
	}
	if _, err := fs.readManifest(key, uploadID); err != nil {
		return "", err
	}

	path := fs.partPath(uploadID, partNumber)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write part %d: %w", partNumber, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to commit part %d: %w", partNumber, err)
	}

	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

func (fs *FileSystemStore) UploadMetadata(ctx context.Context, key, uploadID string) (Metadata, error) {
	manifest, err := fs.readManifest(key, uploadID)
	if err != nil {
		return nil, err
	}
	return manifest.Metadata, nil
}

// CompleteMultipartUpload concatenates the listed parts in part-number
// order. Every listed part must exist with a matching ETag; otherwise
// nothing is written.
func (fs *FileSystemStore) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) error {
	manifest, err := fs.readManifest(key, uploadID)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return fmt.Errorf("%w: no parts", ErrInvalidPart)
	}

	sorted := append([]Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	for i, p := range sorted {
		if i > 0 && sorted[i-1].Number == p.Number {
			return fmt.Errorf("%w: duplicate part %d", ErrInvalidPart, p.Number)
		}
		etag, err := fileMD5(fs.partPath(uploadID, p.Number))
		if err != nil {
			return fmt.Errorf("%w: part %d: %v", ErrInvalidPart, p.Number, err)
		}
		if etag != strings.Trim(p.ETag, `"`) {
			return fmt.Errorf("%w: etag mismatch for part %d", ErrInvalidPart, p.Number)
		}
	}

	tmp := fs.objectPath(key) + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create object %s: %w", key, err)
	}

	for _, p := range sorted {
		if _, err := appendFile(out, fs.partPath(uploadID, p.Number)); err != nil {
			out.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to assemble part %d: %w", p.Number, err)
		}
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close object %s: %w", key, err)
	}

	if err := fs.writeMeta(key, manifest.Metadata); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, fs.objectPath(key)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit object %s: %w", key, err)
	}

	os.RemoveAll(fs.uploadDir(uploadID))
	return nil
}

// Put writes data from a reader to {key}.bin along with its metadata.
func (fs *FileSystemStore) Put(ctx context.Context, key string, data io.Reader, size int64, meta Metadata) error {
	if err := validateKey(key); err != nil {
		return err
	}

	filePath := fs.objectPath(key)
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", filePath, err)
	}
	defer file.Close()

	if _, err := io.Copy(file, data); err != nil {
		// Clean up partial file on error
		os.Remove(filePath)
		return fmt.Errorf("failed to write file: %w", err)
	}

	if err := fs.writeMeta(key, meta); err != nil {
		os.Remove(filePath)
		return err
	}
	return nil
}

// Get opens a stored object with its metadata.
func (fs *FileSystemStore) Get(ctx context.Context, key string) (*Object, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	file, err := os.Open(fs.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to open object %s: %w", key, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}

	meta, err := fs.readMeta(key)
	if err != nil {
		file.Close()
		return nil, err
	}

	return &Object{Body: file, Size: info.Size(), Metadata: meta}, nil
}

// Delete removes the stored blob and its metadata.
func (fs *FileSystemStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	for _, path := range []string{fs.objectPath(key), fs.metaPath(key)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete file %s: %w", path, err)
		}
	}
	return nil
}

func (fs *FileSystemStore) readManifest(key, uploadID string) (*multipartManifest, error) {
	if err := validateKey(uploadID); err != nil {
		return nil, ErrUploadNotFound
	}
	raw, err := os.ReadFile(filepath.Join(fs.uploadDir(uploadID), "manifest.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrUploadNotFound
		}
		return nil, fmt.Errorf("failed to read upload manifest: %w", err)
	}
	var m multipartManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode upload manifest: %w", err)
	}
	if m.Key != key {
		return nil, ErrUploadNotFound
	}
	return &m, nil
}

func (fs *FileSystemStore) writeMeta(key string, meta Metadata) error {
	if meta == nil {
		meta = Metadata{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := os.WriteFile(fs.metaPath(key), raw, 0644); err != nil {
		return fmt.Errorf("failed to write metadata for %s: %w", key, err)
	}
	return nil
}

func (fs *FileSystemStore) readMeta(key string) (Metadata, error) {
	raw, err := os.ReadFile(fs.metaPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, nil
		}
		return nil, fmt.Errorf("failed to read metadata for %s: %w", key, err)
	}
	meta := Metadata{}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata for %s: %w", key, err)
	}
	return meta, nil
}

func (fs *FileSystemStore) objectsDir() string   { return filepath.Join(fs.basePath, "objects") }
func (fs *FileSystemStore) multipartDir() string { return filepath.Join(fs.basePath, "multipart") }

func (fs *FileSystemStore) objectPath(key string) string {
	return filepath.Join(fs.objectsDir(), key+".bin")
}

func (fs *FileSystemStore) metaPath(key string) string {
	return filepath.Join(fs.objectsDir(), key+".meta.json")
}

func (fs *FileSystemStore) uploadDir(uploadID string) string {
	return filepath.Join(fs.multipartDir(), uploadID)
}

func (fs *FileSystemStore) partPath(uploadID string, partNumber int32) string {
	return filepath.Join(fs.uploadDir(uploadID), fmt.Sprintf("part-%05d", partNumber))
}

// validateKey rejects anything that could escape the storage directory.
func validateKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func appendFile(dst io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(dst, f)
}
