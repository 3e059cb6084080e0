package core

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func setupTestFiles(t *testing.T, files map[string]string) []string {
	t.Helper()
	tmpDir := t.TempDir()
	var paths []string

	for filename, content := range files {
		filePath := filepath.Join(tmpDir, filename)
		if err := os.WriteFile(filePath, []byte(content), 0644); err != nil {
			t.Fatalf("failed to create test file %s: %v", filename, err)
		}
		paths = append(paths, filePath)
	}

	return paths
}

func assertParsedPath(t *testing.T, parsed ParsedPath, expectedPath string, expectedKind PathKind) {
	t.Helper()
	if parsed.FullPath != expectedPath {
		t.Errorf("expected path %s, got %s", expectedPath, parsed.FullPath)
	}
	if parsed.Kind != expectedKind {
		t.Errorf("expected kind %v, got %v", expectedKind, parsed.Kind)
	}
}

func assertValidationError(t *testing.T, err error, expectedArg string, expectedCause string) {
	t.Helper()
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if expectedArg != "" && validationErr.Arg != expectedArg {
		t.Errorf("expected Arg to be %q, got %q", expectedArg, validationErr.Arg)
	}
	if expectedCause != "" && validationErr.Cause != expectedCause {
		t.Errorf("expected Cause to be %q, got %q", expectedCause, validationErr.Cause)
	}
}

func TestParseAttachmentArgs(t *testing.T) {
	t.Run("empty args", func(t *testing.T) {
		result, err := ParseAttachmentArgs(nil)
		if result != nil {
			t.Error("expected nil result")
		}
		assertValidationError(t, err, "<attachments>", "no files provided")
	})

	t.Run("mixed files and directories", func(t *testing.T) {
		tmpDir := t.TempDir()
		subDir := filepath.Join(tmpDir, "keys")
		if err := os.Mkdir(subDir, 0755); err != nil {
			t.Fatal(err)
		}
		testFile := filepath.Join(tmpDir, "note.txt")
		if err := os.WriteFile(testFile, []byte("content"), 0644); err != nil {
			t.Fatal(err)
		}

		result, err := ParseAttachmentArgs([]string{testFile, subDir})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if len(result) != 2 {
			t.Fatalf("expected 2 results, got %d", len(result))
		}
		assertParsedPath(t, result[0], testFile, PathFile)
		assertParsedPath(t, result[1], subDir, PathDir)
	})

	t.Run("duplicates collapse after cleaning", func(t *testing.T) {
		paths := setupTestFiles(t, map[string]string{"dup.txt": "x"})
		messy := filepath.Join(filepath.Dir(paths[0]), ".", "dup.txt")

		result, err := ParseAttachmentArgs([]string{paths[0], messy})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if len(result) != 1 {
			t.Fatalf("expected 1 result, got %d", len(result))
		}
		assertParsedPath(t, result[0], paths[0], PathFile)
	})

	t.Run("nonexistent path", func(t *testing.T) {
		result, err := ParseAttachmentArgs([]string{"/nonexistent/path/file.txt"})
		if result != nil {
			t.Error("expected nil result")
		}
		assertValidationError(t, err, "/nonexistent/path/file.txt", "not found or not accessible")
	})
}

func TestParseMessageLink(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantServer string
		wantID     string
		wantErr    bool
	}{
		{"full link", "https://burn.example.com/m/AbCdEfGhIjKlMnOpQrStUvWxYz012345", "https://burn.example.com", "AbCdEfGhIjKlMnOpQrStUvWxYz012345", false},
		{"slug link", "http://localhost:8080/m/my-secret", "http://localhost:8080", "my-secret", false},
		{"link under prefix", "https://example.com/burn/m/abc", "https://example.com/burn", "abc", false},
		{"trailing slash", "https://example.com/m/abc/", "https://example.com", "abc", false},
		{"bare token", "  my-secret  ", "http://default:8080", "my-secret", false},
		{"empty", "", "", "", true},
		{"wrong path", "https://example.com/files/abc", "", "", true},
		{"relative path", "m/abc", "", "", true},
		{"missing host", "https:///m/abc", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			link, err := ParseMessageLink(tt.raw, "http://default:8080/")
			if tt.wantErr {
				assertValidationError(t, err, "", "")
				return
			}
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if link.Server != tt.wantServer {
				t.Errorf("expected server %q, got %q", tt.wantServer, link.Server)
			}
			if link.ID != tt.wantID {
				t.Errorf("expected id %q, got %q", tt.wantID, link.ID)
			}
		})
	}
}

func TestValidationError(t *testing.T) {
	err := &ValidationError{Arg: "test.txt", Cause: "file not found"}

	expected := `invalid argument "test.txt": file not found`
	if err.Error() != expected {
		t.Errorf("expected error message %q, got %q", expected, err.Error())
	}
}
