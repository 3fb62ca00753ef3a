//go:build !ios && !android && (amd64 || arm64)

package server

import (
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

type indexEntry struct {
	Name string // docroot-relative, forward slashes
	Size int64
	Dir  bool
}

// handleIndex lists a docroot directory as HTML or CSV. The flatindex flag
// switches to a recursive listing of files only.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if s.cfg.NoIndex {
		s.writeError(w, r, ErrForbidden)
		return
	}
	rel := strings.TrimPrefix(r.URL.Path, "/index/")
	rel = strings.Trim(rel, "/")
	if rel == ".." || strings.HasPrefix(rel, "../") || strings.Contains(rel, "/../") ||
		strings.HasSuffix(rel, "/..") {
		s.writeError(w, r, fmt.Errorf("%w: illegal path", ErrBadRequest))
		return
	}

	q := r.URL.Query()
	flat := q.Has("flatindex")
	format, ok := parseInfoFormat(q.Get("format"))
	if !ok {
		s.writeError(w, r, fmt.Errorf("%w: unknown format", ErrBadRequest))
		return
	}

	entries, err := s.listDir(rel, flat)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if format == InfoCSV {
		w.Header().Set("Content-Type", "text/csv")
		for _, e := range entries {
			if e.Dir {
				continue
			}
			fmt.Fprintf(w, "%s,%d\n", e.Name, e.Size)
		}
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!DOCTYPE html><html><head><title>index /%s</title></head><body>\n<h2>/%s</h2>\n<ul>\n",
		htmlEscape(rel), htmlEscape(rel))
	for _, e := range entries {
		if e.Dir {
			fmt.Fprintf(w, "<li>[DIR] <a href=\"/index/%s/\">%s/</a></li>\n",
				urlEscapePath(e.Name), htmlEscape(path.Base(e.Name)))
		} else {
			fmt.Fprintf(w, "<li><a href=\"/?file=%s&frame=0\">%s</a> (%d bytes)</li>\n",
				url.QueryEscape(e.Name), htmlEscape(e.Name), e.Size)
		}
	}
	fmt.Fprintf(w, "</ul>\n</body></html>\n")
}

func (s *Server) listDir(rel string, flat bool) ([]indexEntry, error) {
	root := filepath.Join(s.cfg.Docroot, filepath.FromSlash(rel))
	fi, err := os.Stat(root)
	if err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: /%s", ErrNotFound, rel)
	}

	var entries []indexEntry
	if flat {
		err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil // unreadable subtrees are skipped, not fatal
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			name, err := filepath.Rel(s.cfg.Docroot, p)
			if err != nil {
				return nil
			}
			entries = append(entries, indexEntry{
				Name: filepath.ToSlash(name),
				Size: info.Size(),
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInternal, err)
		}
	} else {
		dirents, err := os.ReadDir(root)
		if err != nil {
			return nil, fmt.Errorf("%w: /%s", ErrForbidden, rel)
		}
		for _, d := range dirents {
			name := path.Join(rel, d.Name())
			if d.IsDir() {
				entries = append(entries, indexEntry{Name: name, Dir: true})
				continue
			}
			info, err := d.Info()
			if err != nil {
				continue
			}
			entries = append(entries, indexEntry{Name: name, Size: info.Size()})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Dir != entries[j].Dir {
			return entries[i].Dir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// urlEscapePath escapes a slash-separated path for use inside an href.
func urlEscapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
