package core

// Node is one entry of an attachment tree.
type Node interface {
	Path() string
	Name() string
	Size() int64
}

type File struct {
	path string
	name string
	size int64
	dir  *Dir
}

type Dir struct {
	path     string
	name     string
	children []Node
	parent   *Dir
}

func (f *File) Path() string {
	return f.path
}

func (f *File) Name() string {
	return f.name
}

func (f *File) Size() int64 {
	return f.size
}

func (d *Dir) Path() string {
	return d.path
}

func (d *Dir) Name() string {
	return d.name
}

func (d *Dir) Children() []Node {
	return d.children
}

// Size is the total size of every file below d.
func (d *Dir) Size() int64 {
	var total int64
	for _, child := range d.children {
		total += child.Size()
	}
	return total
}
