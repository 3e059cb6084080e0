package core

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
)

// ToZipBytes bundles the whole tree into an in-memory zip archive.
func (ft *Filetree) ToZipBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := ft.WriteZip(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteZip streams the tree as a zip archive. Entry names use forward
// slashes and are rooted at the tree's top-level name.
func (ft *Filetree) WriteZip(w io.Writer) error {
	zw := zip.NewWriter(w)

	if err := compressNode(zw, ft.Root, ""); err != nil {
		zw.Close()
		return err
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to close zip writer: %w", err)
	}
	return nil
}

func compressNode(zw *zip.Writer, node Node, base string) error {
	archivePath := path.Join(base, node.Name())

	switch n := node.(type) {
	case *File:
		return addFileToZip(zw, n.Path(), archivePath)
	case *Dir:
		if len(n.Children()) == 0 {
			// keep empty directories visible in the bundle
			_, err := zw.Create(archivePath + "/")
			return err
		}
		for _, child := range n.Children() {
			if err := compressNode(zw, child, archivePath); err != nil {
				return err
			}
		}
	}
	return nil
}

func addFileToZip(zw *zip.Writer, srcPath, archivePath string) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", srcPath, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to create zip header: %w", err)
	}
	header.Name = archivePath
	header.Method = zip.Deflate

	writer, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to create zip entry: %w", err)
	}

	if _, err := io.Copy(writer, file); err != nil {
		return fmt.Errorf("failed to write file to zip: %w", err)
	}

	return nil
}

// UncompressedSize is the sum of file sizes recorded while walking the tree.
func (ft *Filetree) UncompressedSize() int64 {
	return ft.Root.Size()
}
