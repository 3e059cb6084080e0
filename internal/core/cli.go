package core

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

type ValidationError struct {
	Arg   string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

type PathKind int

const (
	PathFile PathKind = iota
	PathDir
)

type ParsedPath struct {
	FullPath string
	Kind     PathKind
}

// ParseAttachmentArgs resolves attachment arguments to existing files or
// directories. Repeated paths are sent once.
func ParseAttachmentArgs(args []string) ([]ParsedPath, error) {
	if len(args) == 0 {
		return nil, &ValidationError{Arg: "<attachments>", Cause: "no files provided"}
	}

	seen := make(map[string]bool, len(args))
	var out []ParsedPath

	for _, raw := range args {
		p := filepath.Clean(raw)
		if seen[p] {
			continue
		}
		seen[p] = true

		info, err := os.Stat(p)
		if err != nil {
			return nil, &ValidationError{Arg: raw, Cause: "not found or not accessible"}
		}

		kind := PathFile
		switch {
		case info.IsDir():
			kind = PathDir
		case !info.Mode().IsRegular():
			return nil, &ValidationError{Arg: raw, Cause: "not a regular file or directory"}
		}

		out = append(out, ParsedPath{FullPath: p, Kind: kind})
	}

	return out, nil
}

// MessageLink is a share link split into the server it lives on and the
// token or slug it names.
type MessageLink struct {
	Server string
	ID     string
}

// ParseMessageLink accepts a full share link (https://host/m/<id>) or a bare
// token or slug, which is resolved against defaultServer.
func ParseMessageLink(raw, defaultServer string) (*MessageLink, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &ValidationError{Arg: "<link>", Cause: "no link provided"}
	}

	if !strings.Contains(raw, "://") {
		if strings.Contains(raw, "/") {
			return nil, &ValidationError{Arg: raw, Cause: "expected a link or a bare token"}
		}
		return &MessageLink{Server: strings.TrimRight(defaultServer, "/"), ID: raw}, nil
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, &ValidationError{Arg: raw, Cause: "malformed link"}
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 || segments[len(segments)-2] != "m" || segments[len(segments)-1] == "" {
		return nil, &ValidationError{Arg: raw, Cause: "link does not point at a message"}
	}

	prefix := strings.Join(segments[:len(segments)-2], "/")
	server := u.Scheme + "://" + u.Host
	if prefix != "" {
		server += "/" + prefix
	}

	return &MessageLink{Server: server, ID: segments[len(segments)-1]}, nil
}
