//go:build !ios && !android && (amd64 || arm64)

package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/obinnaokechukwu/vframed/internal/config"
)

// Version is reported on the homepage and /status.
const Version = "0.1.0"

// InfoFormat selects the representation of /info and /index/.
type InfoFormat int

const (
	InfoHTML InfoFormat = iota
	InfoJSON
	InfoCSV
	InfoPlain
)

func parseInfoFormat(val string) (InfoFormat, bool) {
	switch val {
	case "", "html", "xhtml":
		return InfoHTML, true
	case "json":
		return InfoJSON, true
	case "csv":
		return InfoCSV, true
	case "plain":
		return InfoPlain, true
	}
	return 0, false
}

// Handler returns the HTTP surface of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/info", s.handleInfo)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/index/", s.handleIndex)
	mux.HandleFunc("/admin/", s.handleAdmin)
	return mux
}

// handleRoot serves the homepage for a bare GET and decodes a frame when
// query parameters name one.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.URL.RawQuery == "" {
		s.writeHomepage(w)
		return
	}

	req, format, err := parseFrameRequest(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.RenderFrame(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	blob, ctype, err := EncodeRaster(v, format, s.cfg.JPEGQuality)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Length", strconv.Itoa(len(blob)))
	w.Write(blob)
}

// parseFrameRequest applies the query grammar: file and frame are
// required, w/h default to -1 (auto), format defaults to png.
func parseFrameRequest(q url.Values) (Request, RenderFormat, error) {
	req := Request{Width: -1, Height: -1}

	req.File = q.Get("file")
	frameStr := q.Get("frame")
	if req.File == "" || frameStr == "" {
		return req, 0, fmt.Errorf("%w: file and frame parameters are required", ErrBadRequest)
	}
	frame, err := strconv.ParseInt(frameStr, 10, 64)
	if err != nil || frame < 0 {
		return req, 0, fmt.Errorf("%w: invalid frame %q", ErrBadRequest, frameStr)
	}
	req.Frame = frame

	if req.Width, err = parseDim(q.Get("w")); err != nil {
		return req, 0, err
	}
	if req.Height, err = parseDim(q.Get("h")); err != nil {
		return req, 0, err
	}

	format, pixFmt, ok := ParseRenderFormat(q.Get("format"))
	if !ok {
		return req, 0, fmt.Errorf("%w: unknown format %q", ErrBadRequest, q.Get("format"))
	}
	req.DecodeFormat = pixFmt
	return req, format, nil
}

func parseDim(val string) (int, error) {
	if val == "" {
		return -1, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil || n == 0 || n < -1 || n > 8192 {
		return 0, fmt.Errorf("%w: invalid dimension %q", ErrBadRequest, val)
	}
	return n, nil
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	file := r.URL.Query().Get("file")
	if file == "" {
		s.writeError(w, r, fmt.Errorf("%w: file parameter is required", ErrBadRequest))
		return
	}
	format, ok := parseInfoFormat(r.URL.Query().Get("format"))
	if !ok {
		s.writeError(w, r, fmt.Errorf("%w: unknown format", ErrBadRequest))
		return
	}
	info, err := s.FileInfo(r.Context(), file)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	fps := info.FrameRate.Float64()
	switch format {
	case InfoJSON:
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w,
			`{"width":%d,"height":%d,"aspect":%.6f,"framerate":{"num":%d,"den":%d,"drop":%t},"fps":%.3f,"frames":%d,"duration":%.3f,"buffersize":%d}`+"\n",
			info.Width, info.Height, info.AspectRatio,
			info.FrameRate.Num, info.FrameRate.Den, info.FrameRate.Drop,
			fps, info.Frames, info.Duration, info.BufferBytes)
	case InfoCSV:
		w.Header().Set("Content-Type", "text/csv")
		fmt.Fprintf(w, "%d,%d,%.6f,%.3f,%d,%.3f\n",
			info.Width, info.Height, info.AspectRatio, fps, info.Frames, info.Duration)
	case InfoPlain:
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "geometry: %dx%d\naspect: %.6f\nframerate: %d/%d%s\nframes: %d\nduration: %.3f\n",
			info.Width, info.Height, info.AspectRatio,
			info.FrameRate.Num, info.FrameRate.Den, dropSuffix(info.FrameRate.Drop),
			info.Frames, info.Duration)
	default:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<!DOCTYPE html><html><head><title>file info</title></head><body>\n"+
			"<h2>%s</h2>\n<table>\n"+
			"<tr><td>geometry</td><td>%dx%d</td></tr>\n"+
			"<tr><td>aspect</td><td>%.6f</td></tr>\n"+
			"<tr><td>framerate</td><td>%d/%d%s</td></tr>\n"+
			"<tr><td>frames</td><td>%d</td></tr>\n"+
			"<tr><td>duration</td><td>%.3fs</td></tr>\n"+
			"</table>\n</body></html>\n",
			htmlEscape(file), info.Width, info.Height, info.AspectRatio,
			info.FrameRate.Num, info.FrameRate.Den, dropSuffix(info.FrameRate.Drop),
			info.Frames, info.Duration)
	}
}

func dropSuffix(drop bool) string {
	if drop {
		return " (drop)"
	}
	return ""
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	d := s.Diagnostics()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!DOCTYPE html><html><head><title>vframed status</title></head><body>\n"+
		"<h2>vframed %s</h2>\n"+
		"<p>uptime: %s</p>\n"+
		"<p>decoders: %d open, %d busy, %d idle (%d created, %d evicted)</p>\n"+
		"<p>cache: %d entries, %d/%d bytes, %d hits, %d misses, %d evictions</p>\n"+
		"</body></html>\n",
		Version, d.Uptime.Round(1e9),
		d.Pool.Open, d.Pool.Busy, d.Pool.Idle, d.Pool.Created, d.Pool.Evicted,
		d.Cache.Entries, d.Cache.Bytes, d.Cache.MaxBytes,
		d.Cache.Hits, d.Cache.Misses, d.Cache.Evictions)
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/admin/flush_cache"):
		if s.cfg.AdminMask&config.AdminFlush == 0 {
			s.writeError(w, r, ErrForbidden)
			return
		}
		s.FlushCache()
		fmt.Fprintln(w, "ok")

	case strings.HasPrefix(r.URL.Path, "/admin/purge_cache"):
		if s.cfg.AdminMask&config.AdminFlush == 0 {
			s.writeError(w, r, ErrForbidden)
			return
		}
		file := r.URL.Query().Get("file")
		if file == "" {
			s.FlushCache()
		} else if err := s.PurgeFile(file); err != nil {
			s.writeError(w, r, err)
			return
		}
		fmt.Fprintln(w, "ok")

	case strings.HasPrefix(r.URL.Path, "/admin/shutdown"):
		if s.cfg.AdminMask&config.AdminShutdown == 0 {
			s.writeError(w, r, ErrForbidden)
			return
		}
		fmt.Fprintln(w, "ok")
		s.requestShutdown()

	default:
		s.writeError(w, r, fmt.Errorf("%w: nonexistent admin command", ErrBadRequest))
	}
}

func (s *Server) writeHomepage(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!DOCTYPE html><html><head><title>vframed</title></head><body>\n"+
		"<h2>vframed</h2>\n<ul>\n"+
		"<li><a href=\"status\">Server Status</a></li>\n")
	if !s.cfg.NoIndex {
		fmt.Fprintf(w, "<li><a href=\"index/\">File Index</a></li>\n")
	}
	fmt.Fprintf(w, "</ul>\n<hr/><p>vframed %s</p>\n</body></html>\n", Version)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Client went away; nothing useful to send.
		return
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, ErrBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, ErrUnsupported):
		status = http.StatusUnsupportedMediaType
	}
	if s.cfg.Verbose {
		log.Printf("%s %s: %v", r.Method, r.URL.RequestURI(), err)
	}
	http.Error(w, err.Error(), status)
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}
