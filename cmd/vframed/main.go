//go:build !ios && !android && (amd64 || arm64)

// vframed is an HTTP video frame server: given a file, a frame index and an
// output geometry, it answers with that single decoded frame as png, jpeg,
// ppm or raw pixels. Designed for non-linear editors and timeline clients
// that need random access to arbitrary frames of remote media.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/obinnaokechukwu/vframed/internal/config"
	"github.com/obinnaokechukwu/vframed/internal/decoder"
	"github.com/obinnaokechukwu/vframed/internal/server"
)

func main() {
	var (
		cfgPath  = flag.String("config", "", "YAML configuration file")
		bind     = flag.String("bind", "", "listen address (host:port)")
		docroot  = flag.String("docroot", "", "document root for media files")
		cacheMB  = flag.Int("cache-size", 0, "frame cache size in MB")
		decoders = flag.Int("decoders", 0, "maximum concurrent decoders")
		admin    = flag.Int("admin", 0, "admin endpoint mask (1=flush, 2=shutdown)")
		noindex  = flag.Bool("noindex", false, "disable the /index/ listing")
		quiet    = flag.Bool("quiet", false, "suppress all log output")
		verbose  = flag.Bool("verbose", false, "log every failed request")
		version  = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("vframed " + server.Version)
		return
	}

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	// AWS credentials and other environment overrides live in .env.
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg := config.Default()
	if *cfgPath != "" {
		if err := cfg.FromFile(*cfgPath); err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "bind":
			cfg.Bind = *bind
		case "docroot":
			cfg.Docroot = *docroot
		case "cache-size":
			cfg.CacheSizeMB = *cacheMB
		case "decoders":
			cfg.MaxDecoders = *decoders
		case "admin":
			cfg.AdminMask = *admin
		case "noindex":
			cfg.NoIndex = *noindex
		case "quiet":
			cfg.Quiet = *quiet
		case "verbose":
			cfg.Verbose = *verbose
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("%v", err)
	}
	if cfg.Quiet {
		log.SetOutput(io.Discard)
	}

	if err := decoder.Init(); err != nil {
		log.Fatalf("ffmpeg libraries: %v", err)
	}

	srv := server.New(cfg)
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:    cfg.Bind,
		Handler: srv.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		select {
		case <-ctx.Done():
		case <-srv.ShutdownRequested():
			log.Printf("shutdown requested via /admin/shutdown")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	log.Printf("vframed %s serving %s on %s (cache %d MB, %d decoders)",
		server.Version, cfg.Docroot, cfg.Bind, cfg.CacheSizeMB, cfg.MaxDecoders)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("listen: %v", err)
	}
	log.Printf("vframed exiting")
}
