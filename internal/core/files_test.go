package core

import "testing"

func newTestFile(path, name string, size int64) *File {
	return &File{
		path: path,
		name: name,
		size: size,
	}
}

func newTestDir(path, name string, children ...Node) *Dir {
	dir := &Dir{
		path:     path,
		name:     name,
		children: []Node{},
	}
	for _, child := range children {
		switch c := child.(type) {
		case *File:
			c.dir = dir
		case *Dir:
			c.parent = dir
		}
		dir.children = append(dir.children, child)
	}
	return dir
}

func TestFile(t *testing.T) {
	file := newTestFile("/home/user/passport.jpg", "passport.jpg", 2048)

	if file.Path() != "/home/user/passport.jpg" {
		t.Errorf("expected '/home/user/passport.jpg', got %s", file.Path())
	}
	if file.Name() != "passport.jpg" {
		t.Errorf("expected 'passport.jpg', got %s", file.Name())
	}
	if file.Size() != 2048 {
		t.Errorf("expected size 2048, got %d", file.Size())
	}
}

func TestDir(t *testing.T) {
	t.Run("empty dir has zero size", func(t *testing.T) {
		dir := newTestDir("/keys", "keys")

		if dir.Size() != 0 {
			t.Errorf("expected size 0, got %d", dir.Size())
		}
		if len(dir.Children()) != 0 {
			t.Errorf("expected no children, got %d", len(dir.Children()))
		}
	})

	t.Run("size sums nested files", func(t *testing.T) {
		inner := newTestDir("/keys/ssh", "ssh",
			newTestFile("/keys/ssh/id_ed25519", "id_ed25519", 400),
			newTestFile("/keys/ssh/id_ed25519.pub", "id_ed25519.pub", 100),
		)
		outer := newTestDir("/keys", "keys",
			inner,
			newTestFile("/keys/gpg.asc", "gpg.asc", 3000),
		)

		if outer.Size() != 3500 {
			t.Errorf("expected size 3500, got %d", outer.Size())
		}
		if inner.parent != outer {
			t.Error("expected inner dir parent to be outer")
		}
	})
}

func TestNode(t *testing.T) {
	var _ Node = &File{}
	var _ Node = &Dir{}
}
