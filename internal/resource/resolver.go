// Package resource classifies request paths against a document root and
// renders directory listings.
package resource

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Kind tags an Entry.
type Kind int

const (
	KindMissing Kind = iota
	KindFile
	KindDirectory
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	default:
		return "missing"
	}
}

// Child is one immediate entry of a directory.
type Child struct {
	Name string
	Dir  bool
	Size int64
}

// Entry is the classification of one path. It is computed fresh for every
// request; nothing is cached.
type Entry struct {
	Kind     Kind
	AbsPath  string
	Size     int64   // files only
	Children []Child // directories only: files first, then directories, each by name
}

// Missing is the Entry for paths that do not exist or are not served.
var Missing = Entry{Kind: KindMissing}

// Resolver maps request paths to filesystem entries under a root directory.
// Paths that resolve outside the root, including through symlinks, are Missing.
type Resolver struct {
	root string
}

// NewResolver returns a Resolver for root. root must exist and be a directory.
func NewResolver(root string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to make document root %s absolute: %w", root, err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve document root %s: %w", abs, err)
	}
	fi, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("failed to stat document root %s: %w", canonical, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("document root %s is not a directory", canonical)
	}
	return &Resolver{root: canonical}, nil
}

// Root returns the canonical document root.
func (r *Resolver) Root() string { return r.root }

// Resolve classifies urlPath. The leading "/" is stripped and the rest is
// joined to the root; no percent-decoding is applied.
func (r *Resolver) Resolve(urlPath string) Entry {
	target, ok := r.contain(urlPath)
	if !ok {
		return Missing
	}

	fi, err := os.Stat(target)
	if err != nil {
		return Missing
	}
	switch {
	case fi.Mode().IsRegular():
		return Entry{Kind: KindFile, AbsPath: target, Size: fi.Size()}
	case fi.IsDir():
		children, err := readChildren(target)
		if err != nil {
			return Missing
		}
		return Entry{Kind: KindDirectory, AbsPath: target, Children: children}
	default:
		return Missing
	}
}

// contain joins urlPath to the root, evaluates symlinks and reports whether the
// result is the root itself or lies below it.
func (r *Resolver) contain(urlPath string) (string, bool) {
	joined := filepath.Join(r.root, filepath.FromSlash(strings.TrimPrefix(urlPath, "/")))
	if !within(r.root, joined) {
		return "", false
	}
	canonical, err := filepath.EvalSymlinks(joined)
	if err != nil {
		return "", false
	}
	if !within(r.root, canonical) {
		return "", false
	}
	return canonical, true
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// readChildren lists dir with files first and directories second. os.ReadDir
// sorts by name, so each group keeps name order. Symlinks are classified by
// their target; anything that is neither a regular file nor a directory is
// left out.
func readChildren(dir string) ([]Child, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files, dirs []Child
	for _, e := range entries {
		fi, err := os.Stat(filepath.Join(dir, e.Name()))
		if err != nil {
			continue // dangling symlink or removed concurrently
		}
		switch {
		case fi.Mode().IsRegular():
			files = append(files, Child{Name: e.Name(), Size: fi.Size()})
		case fi.IsDir():
			dirs = append(dirs, Child{Name: e.Name(), Dir: true})
		}
	}
	return append(files, dirs...), nil
}
