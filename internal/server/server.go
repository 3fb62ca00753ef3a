//go:build !ios && !android && (amd64 || arm64)

// Package server coordinates frame requests across the store, the frame
// cache and the decoder pool, and exposes the HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/obinnaokechukwu/ffgo/avutil"

	"github.com/obinnaokechukwu/vframed/internal/cache"
	"github.com/obinnaokechukwu/vframed/internal/config"
	"github.com/obinnaokechukwu/vframed/internal/decoder"
	"github.com/obinnaokechukwu/vframed/internal/pool"
	"github.com/obinnaokechukwu/vframed/internal/store"
)

// Error kinds visible to the HTTP layer.
var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrBadRequest   = errors.New("bad request")
	ErrUnsupported  = errors.New("unsupported media")
	ErrDecodeFailed = errors.New("decode failed")
	ErrInternal     = errors.New("internal error")
)

// Request names one frame of one file at one output geometry.
type Request struct {
	File         string
	Frame        int64
	Width        int // -1 derives from height / intrinsic geometry
	Height       int
	DecodeFormat avutil.PixelFormat
}

// Diagnostics is the /status snapshot.
type Diagnostics struct {
	Pool   pool.Stats
	Cache  cache.Stats
	Uptime time.Duration
}

// Server is safe for concurrent use.
type Server struct {
	cfg   *config.Config
	store *store.Store
	cache *cache.Cache
	pool  *pool.Pool
	start time.Time

	quitOnce sync.Once
	quit     chan struct{}
}

// New wires a server from the configuration.
func New(cfg *config.Config) *Server {
	s := &Server{
		cfg:   cfg,
		store: store.New(cfg.Docroot, cfg.SpoolDir),
		cache: cache.New(cfg.CacheBytes()),
		start: time.Now(),
		quit:  make(chan struct{}),
	}
	s.pool = pool.New(
		pool.Options{MaxDecoders: cfg.MaxDecoders, MaxIdle: cfg.MaxIdleDecoders},
		func(path string, pixFmt int32) (pool.Instance, error) {
			d := decoder.New(decoder.Options{
				PixelFormat:   avutil.PixelFormat(pixFmt),
				Mode:          seekMode(cfg.SeekMode),
				IgnoreStart:   cfg.IgnoreStart,
				GenPTS:        cfg.GenPTS,
				SeekThreshold: cfg.SeekThreshold,
				ScanLimit:     cfg.ScanLimit,
			})
			if err := d.Open(path); err != nil {
				return nil, err
			}
			return d, nil
		},
	)
	return s
}

// RenderFrame returns the decoded raster for the request, served from the
// cache when possible. Concurrent requests for the same key decode once.
func (s *Server) RenderFrame(ctx context.Context, req Request) (cache.Value, error) {
	if req.Frame < 0 {
		return cache.Value{}, fmt.Errorf("%w: negative frame index", ErrBadRequest)
	}
	if req.DecodeFormat == 0 {
		req.DecodeFormat = avutil.PixelFormatRGB24
	}
	src, err := s.store.Resolve(req.File)
	if err != nil {
		return cache.Value{}, classify(err)
	}
	key := cache.Key{
		Path:   src.Path,
		MTime:  src.MTime.UnixNano(),
		Frame:  req.Frame,
		Width:  req.Width,
		Height: req.Height,
		Format: int32(req.DecodeFormat),
	}
	return s.cache.GetOrCompute(ctx, key, func() (cache.Value, error) {
		return s.decodeOne(ctx, src.Path, req)
	})
}

func (s *Server) decodeOne(ctx context.Context, path string, req Request) (cache.Value, error) {
	l, err := s.pool.Lease(ctx, path, int32(req.DecodeFormat), req.Width, req.Height)
	if err != nil {
		return cache.Value{}, classify(err)
	}
	defer s.pool.Release(l)

	d := l.Decoder()
	if err := d.Render(req.Frame); err != nil {
		kind := classify(err)
		if errors.Is(kind, ErrInternal) {
			// The decoder may be wedged; drop it from the pool.
			l.Discard()
		}
		return cache.Value{}, kind
	}
	info := d.Info()
	return cache.Value{
		Data:   append([]byte(nil), d.Raster()...),
		Width:  info.OutWidth,
		Height: info.OutHeight,
		Format: int32(req.DecodeFormat),
	}, nil
}

// FileInfo opens (or reuses) a decoder for the file and reports its
// geometry, frame rate and frame count.
func (s *Server) FileInfo(ctx context.Context, name string) (decoder.Info, error) {
	src, err := s.store.Resolve(name)
	if err != nil {
		return decoder.Info{}, classify(err)
	}
	l, err := s.pool.Lease(ctx, src.Path, int32(avutil.PixelFormatRGB24), -1, -1)
	if err != nil {
		return decoder.Info{}, classify(err)
	}
	defer s.pool.Release(l)
	return l.Decoder().Info(), nil
}

// Diagnostics returns pool and cache counters for /status.
func (s *Server) Diagnostics() Diagnostics {
	return Diagnostics{
		Pool:   s.pool.Stats(),
		Cache:  s.cache.Stats(),
		Uptime: time.Since(s.start),
	}
}

// FlushCache drops every cached raster.
func (s *Server) FlushCache() {
	s.cache.Clear()
}

// PurgeFile drops cached rasters and idle decoders for one file.
func (s *Server) PurgeFile(name string) error {
	src, err := s.store.Resolve(name)
	if err != nil {
		return classify(err)
	}
	s.cache.Invalidate(src.Path)
	s.pool.Purge(src.Path)
	return nil
}

// Close shuts the pool down.
func (s *Server) Close() {
	s.pool.Close()
	s.cache.Clear()
}

// ShutdownRequested is closed when /admin/shutdown fires.
func (s *Server) ShutdownRequested() <-chan struct{} { return s.quit }

func (s *Server) requestShutdown() {
	s.quitOnce.Do(func() { close(s.quit) })
}

func seekMode(name string) decoder.SeekMode {
	switch name {
	case "any":
		return decoder.SeekAny
	case "key":
		return decoder.SeekKey
	case "continuous":
		return decoder.SeekContinuous
	case "livestream":
		return decoder.SeekLivestream
	}
	return decoder.SeekAuto
}

// classify maps store/decoder/pool failures onto the error kinds the HTTP
// layer understands. Context errors pass through for the handler to drop
// the connection silently.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, store.ErrForbidden):
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	case errors.Is(err, decoder.ErrNoVideoStream), errors.Is(err, decoder.ErrNoCodec),
		avutil.IsInvalidData(err):
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	case errors.Is(err, decoder.ErrNoTimestamps),
		errors.Is(err, decoder.ErrScanBudget),
		errors.Is(err, decoder.ErrSeekFailed):
		return fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrForbidden),
		errors.Is(err, ErrBadRequest), errors.Is(err, ErrUnsupported),
		errors.Is(err, ErrDecodeFailed), errors.Is(err, ErrInternal):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
}
