package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var ErrEmptyBundle = errors.New("no attachment files found")

// Filetree is the set of local files that become one attachment.
type Filetree struct {
	Root Node
}

// BuildFiletree walks the given paths. Several paths are grouped under a
// synthetic root so the bundle always has a single top-level entry.
// Symlinks and special files are skipped.
func BuildFiletree(paths []ParsedPath) (*Filetree, error) {
	return buildFiletree(paths, time.Now())
}

func buildFiletree(paths []ParsedPath, now time.Time) (*Filetree, error) {
	var roots []Node

	for _, p := range paths {
		if p.Kind == PathDir {
			dir, err := buildDirTree(p.FullPath)
			if err != nil {
				return nil, err
			}
			roots = append(roots, dir)
			continue
		}

		info, err := os.Stat(p.FullPath)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", p.FullPath, err)
		}
		roots = append(roots, &File{
			path: p.FullPath,
			name: filepath.Base(p.FullPath),
			size: info.Size(),
		})
	}

	if len(roots) == 0 {
		return nil, ErrEmptyBundle
	}

	tree := &Filetree{Root: roots[0]}
	if len(roots) > 1 {
		tree.Root = createVirtualRoot(roots, now)
	}

	if len(tree.FlattenTree()) == 0 {
		return nil, ErrEmptyBundle
	}
	return tree, nil
}

func buildDirTree(dirPath string) (*Dir, error) {
	dir := &Dir{
		path:     dirPath,
		name:     filepath.Base(dirPath),
		children: []Node{},
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dirPath, err)
	}

	for _, entry := range entries {
		childPath := filepath.Join(dirPath, entry.Name())

		switch {
		case entry.IsDir():
			child, err := buildDirTree(childPath)
			if err != nil {
				return nil, err
			}
			child.parent = dir
			dir.children = append(dir.children, child)

		case entry.Type().IsRegular():
			info, err := entry.Info()
			if err != nil {
				return nil, fmt.Errorf("failed to stat %s: %w", childPath, err)
			}
			dir.children = append(dir.children, &File{
				path: childPath,
				name: entry.Name(),
				size: info.Size(),
				dir:  dir,
			})
		}
	}

	return dir, nil
}

func createVirtualRoot(children []Node, now time.Time) *Dir {
	name := fmt.Sprintf("attachments_%s", now.Format("2006_01_02_150405"))
	root := &Dir{
		path:     name,
		name:     name,
		children: children,
	}

	for _, child := range children {
		switch c := child.(type) {
		case *Dir:
			c.parent = root
		case *File:
			c.dir = root
		}
	}

	return root
}

// FlattenTree returns every file in the tree in depth-first order.
func (ft *Filetree) FlattenTree() []*File {
	var files []*File
	var walk func(Node)
	walk = func(n Node) {
		switch v := n.(type) {
		case *File:
			files = append(files, v)
		case *Dir:
			for _, child := range v.children {
				walk(child)
			}
		}
	}
	walk(ft.Root)
	return files
}

// IsSingleFile reports whether the tree is one plain file that can be sent
// without zipping.
func (ft *Filetree) IsSingleFile() bool {
	_, ok := ft.Root.(*File)
	return ok
}
