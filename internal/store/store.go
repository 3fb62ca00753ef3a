// Package store resolves request file names to decodable sources.
//
// Plain names are confined to the docroot; http(s) URLs pass straight
// through to the demuxer; s3 URLs are spooled to local disk once and
// served from there.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrForbidden = errors.New("store: forbidden")
)

// Source is a resolved media source.
type Source struct {
	// Path is what the decoder opens: a local file or a URL.
	Path string

	// MTime is the file's modification time; zero for live URLs.
	MTime time.Time

	// Live is true for pass-through URLs that cannot be stat'd.
	Live bool
}

// Store is safe for concurrent use.
type Store struct {
	docroot string
	spool   string

	mu      sync.Mutex
	fetches map[string]*fetch // in-flight s3 downloads by URL
}

type fetch struct {
	done chan struct{}
	src  Source
	err  error
}

// New returns a store rooted at docroot. Remote sources are spooled under
// spool, which is created on demand.
func New(docroot, spool string) *Store {
	return &Store{
		docroot: docroot,
		spool:   spool,
		fetches: make(map[string]*fetch),
	}
}

// Resolve maps a request file name to a source, enforcing the docroot.
func (s *Store) Resolve(name string) (Source, error) {
	switch {
	case strings.HasPrefix(name, "http://"), strings.HasPrefix(name, "https://"):
		return Source{Path: name, Live: true}, nil
	case strings.HasPrefix(name, "s3://"):
		return s.resolveS3(name)
	}

	if !pathOK(name) {
		return Source{}, fmt.Errorf("%w: illegal path %q", ErrNotFound, name)
	}
	full := filepath.Join(s.docroot, filepath.FromSlash(name))
	fi, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return Source{}, fmt.Errorf("%w: %s", ErrForbidden, name)
		}
		return Source{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if fi.IsDir() {
		return Source{}, fmt.Errorf("%w: %s is a directory", ErrNotFound, name)
	}
	f, err := os.Open(full)
	if err != nil {
		return Source{}, fmt.Errorf("%w: %s", ErrForbidden, name)
	}
	f.Close()
	return Source{Path: full, MTime: fi.ModTime()}, nil
}

// Docroot returns the configured document root.
func (s *Store) Docroot() string { return s.docroot }

// pathOK rejects absolute paths and docroot-escape trickery.
func pathOK(name string) bool {
	if name == "" || name[0] == '/' || name[0] == '\\' {
		return false
	}
	if name == ".." || strings.HasPrefix(name, "../") ||
		strings.Contains(name, "/../") || strings.HasSuffix(name, "/..") {
		return false
	}
	return true
}
