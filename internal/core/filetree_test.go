package core

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// Helpers

func setupTestFile(t *testing.T, name string, content string) string {
	t.Helper()
	filePath := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(filePath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}
	return filePath
}

func setupTestDir(t *testing.T, name string, files map[string]string) string {
	t.Helper()
	dirPath := filepath.Join(t.TempDir(), name)
	if err := os.Mkdir(dirPath, 0755); err != nil {
		t.Fatalf("failed to create test directory: %v", err)
	}

	for filename, content := range files {
		if err := os.WriteFile(filepath.Join(dirPath, filename), []byte(content), 0644); err != nil {
			t.Fatalf("failed to create file %s: %v", filename, err)
		}
	}
	return dirPath
}

func setupNestedTestDir(t *testing.T, structure map[string]any) string {
	t.Helper()
	rootDir := t.TempDir()
	createStructure(t, rootDir, structure)
	return rootDir
}

func createStructure(t *testing.T, basePath string, structure map[string]any) {
	t.Helper()
	for name, content := range structure {
		path := filepath.Join(basePath, name)

		switch v := content.(type) {
		case string:
			if err := os.WriteFile(path, []byte(v), 0644); err != nil {
				t.Fatalf("failed to create file %s: %v", path, err)
			}
		case map[string]any:
			if err := os.Mkdir(path, 0755); err != nil {
				t.Fatalf("failed to create directory %s: %v", path, err)
			}
			createStructure(t, path, v)
		default:
			t.Fatalf("unsupported structure type for %s", name)
		}
	}
}

func assertDirChildCount(t *testing.T, dir *Dir, expected int) {
	t.Helper()
	if len(dir.children) != expected {
		t.Errorf("expected %d children, got %d", expected, len(dir.children))
	}
}

// Tests

func TestBuildFiletree(t *testing.T) {
	t.Run("single file", func(t *testing.T) {
		testFile := setupTestFile(t, "contract.pdf", "signed")

		tree, err := BuildFiletree([]ParsedPath{{FullPath: testFile, Kind: PathFile}})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		if !tree.IsSingleFile() {
			t.Fatalf("expected single file root, got %T", tree.Root)
		}
		if tree.Root.Name() != "contract.pdf" {
			t.Errorf("expected name 'contract.pdf', got %s", tree.Root.Name())
		}
		if tree.Root.Size() != int64(len("signed")) {
			t.Errorf("expected size %d, got %d", len("signed"), tree.Root.Size())
		}
	})

	t.Run("single directory", func(t *testing.T) {
		dirPath := setupTestDir(t, "keys", map[string]string{
			"a.pem": "aaa",
			"b.pem": "bbbb",
		})

		tree, err := BuildFiletree([]ParsedPath{{FullPath: dirPath, Kind: PathDir}})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		dir, ok := tree.Root.(*Dir)
		if !ok {
			t.Fatalf("expected dir root, got %T", tree.Root)
		}
		if dir.Name() != "keys" {
			t.Errorf("expected name 'keys', got %s", dir.Name())
		}
		assertDirChildCount(t, dir, 2)
		if dir.Size() != 7 {
			t.Errorf("expected size 7, got %d", dir.Size())
		}
	})

	t.Run("multiple paths get a virtual root", func(t *testing.T) {
		file1 := setupTestFile(t, "one.txt", "1")
		file2 := setupTestFile(t, "two.txt", "2")

		tree, err := BuildFiletree([]ParsedPath{
			{FullPath: file1, Kind: PathFile},
			{FullPath: file2, Kind: PathFile},
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		if tree.IsSingleFile() {
			t.Fatal("expected a directory root")
		}
		dir := tree.Root.(*Dir)
		assertDirChildCount(t, dir, 2)
		if !strings.HasPrefix(dir.Name(), "attachments_") {
			t.Errorf("expected virtual root name to start with 'attachments_', got %s", dir.Name())
		}
	})

	t.Run("nested directories", func(t *testing.T) {
		rootDir := setupNestedTestDir(t, map[string]any{
			"level1": map[string]any{
				"level2": map[string]any{
					"deep.txt": "deep content",
				},
			},
		})

		tree, err := BuildFiletree([]ParsedPath{{FullPath: filepath.Join(rootDir, "level1"), Kind: PathDir}})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		level1 := tree.Root.(*Dir)
		assertDirChildCount(t, level1, 1)

		level2 := level1.children[0].(*Dir)
		assertDirChildCount(t, level2, 1)
		if level2.parent != level1 {
			t.Error("expected level2 parent to be level1")
		}

		file := level2.children[0].(*File)
		if file.Name() != "deep.txt" {
			t.Errorf("expected file name 'deep.txt', got %s", file.Name())
		}
		if file.dir != level2 {
			t.Error("expected file dir to point to level2")
		}
	})

	t.Run("no paths", func(t *testing.T) {
		tree, err := BuildFiletree(nil)
		if !errors.Is(err, ErrEmptyBundle) {
			t.Fatalf("expected ErrEmptyBundle, got %v", err)
		}
		if tree != nil {
			t.Error("expected nil tree")
		}
	})

	t.Run("directory without files", func(t *testing.T) {
		rootDir := setupNestedTestDir(t, map[string]any{
			"empty": map[string]any{
				"still-empty": map[string]any{},
			},
		})

		_, err := BuildFiletree([]ParsedPath{{FullPath: filepath.Join(rootDir, "empty"), Kind: PathDir}})
		if !errors.Is(err, ErrEmptyBundle) {
			t.Fatalf("expected ErrEmptyBundle, got %v", err)
		}
	})

	t.Run("skips symlinks", func(t *testing.T) {
		dirPath := setupTestDir(t, "mixed", map[string]string{"real.txt": "x"})
		if err := os.Symlink(filepath.Join(dirPath, "real.txt"), filepath.Join(dirPath, "link.txt")); err != nil {
			t.Skipf("symlinks unsupported: %v", err)
		}

		tree, err := BuildFiletree([]ParsedPath{{FullPath: dirPath, Kind: PathDir}})
		if err != nil {
			t.Fatal(err)
		}
		assertDirChildCount(t, tree.Root.(*Dir), 1)
	})
}

func TestFlattenTree(t *testing.T) {
	rootDir := setupNestedTestDir(t, map[string]any{
		"project": map[string]any{
			"README.md": "# Project",
			"src": map[string]any{
				"main.go": "package main",
			},
		},
	})

	tree, err := BuildFiletree([]ParsedPath{{FullPath: filepath.Join(rootDir, "project"), Kind: PathDir}})
	if err != nil {
		t.Fatal(err)
	}

	files := tree.FlattenTree()
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	// os.ReadDir sorts by name
	if files[0].Name() != "README.md" || files[1].Name() != "main.go" {
		t.Errorf("unexpected order: %s, %s", files[0].Name(), files[1].Name())
	}
}

func TestCreateVirtualRoot(t *testing.T) {
	file := &File{path: "/tmp/one.txt", name: "one.txt", size: 3}
	dir := &Dir{path: "/tmp/keys", name: "keys"}
	now := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)

	root := createVirtualRoot([]Node{file, dir}, now)

	assertDirChildCount(t, root, 2)
	if root.Name() != "attachments_2024_03_09_140507" {
		t.Errorf("unexpected virtual root name %s", root.Name())
	}
	if file.dir != root {
		t.Error("expected file dir to be the virtual root")
	}
	if dir.parent != root {
		t.Error("expected dir parent to be the virtual root")
	}
	if root.parent != nil {
		t.Error("expected virtual root to have no parent")
	}
	if root.Size() != 3 {
		t.Errorf("expected size 3, got %d", root.Size())
	}
}
