package store

import (
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// resolveS3 maps s3://bucket/key to a spooled local file, downloading it
// on first use. Concurrent requests for the same URL share one download.
func (s *Store) resolveS3(rawURL string) (Source, error) {
	spoolPath, err := s.spoolPath(rawURL)
	if err != nil {
		return Source{}, err
	}
	if fi, statErr := os.Stat(spoolPath); statErr == nil {
		return Source{Path: spoolPath, MTime: fi.ModTime()}, nil
	}

	s.mu.Lock()
	if f, ok := s.fetches[rawURL]; ok {
		s.mu.Unlock()
		<-f.done
		return f.src, f.err
	}
	f := &fetch{done: make(chan struct{})}
	s.fetches[rawURL] = f
	s.mu.Unlock()

	f.src, f.err = s.download(rawURL, spoolPath)

	s.mu.Lock()
	delete(s.fetches, rawURL)
	s.mu.Unlock()
	close(f.done)
	return f.src, f.err
}

func (s *Store) spoolPath(rawURL string) (string, error) {
	_, key, err := splitS3URL(rawURL)
	if err != nil {
		return "", err
	}
	h := fnv.New32a()
	h.Write([]byte(rawURL))
	return filepath.Join(s.spool, fmt.Sprintf("%08x%s", h.Sum32(), path.Ext(key))), nil
}

func (s *Store) download(rawURL, spoolPath string) (Source, error) {
	bucket, key, err := splitS3URL(rawURL)
	if err != nil {
		return Source{}, err
	}

	// Credentials and region come from the environment, loaded from .env
	// at startup.
	region := os.Getenv("AWS_DEFAULT_REGION")
	accessKey := os.Getenv("AWS_ACCESS_KEY_ID")
	secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY")
	if region == "" || accessKey == "" || secretKey == "" {
		return Source{}, fmt.Errorf("%w: s3 credentials not configured", ErrForbidden)
	}

	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(region),
		Credentials: credentials.NewStaticCredentials(accessKey, secretKey, ""),
	})
	if err != nil {
		return Source{}, fmt.Errorf("store: s3 session: %w", err)
	}

	out, err := s3.New(sess).GetObject(&s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Source{}, fmt.Errorf("%w: s3://%s/%s: %v", ErrNotFound, bucket, key, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(s.spool, 0o755); err != nil {
		return Source{}, fmt.Errorf("store: spool dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.spool, "fetch-*")
	if err != nil {
		return Source{}, fmt.Errorf("store: spool file: %w", err)
	}
	if _, err := io.Copy(tmp, out.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return Source{}, fmt.Errorf("store: s3 download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return Source{}, fmt.Errorf("store: spool file: %w", err)
	}
	if err := os.Rename(tmp.Name(), spoolPath); err != nil {
		os.Remove(tmp.Name())
		return Source{}, fmt.Errorf("store: spool file: %w", err)
	}

	fi, err := os.Stat(spoolPath)
	if err != nil {
		return Source{}, fmt.Errorf("%w: %s", ErrNotFound, rawURL)
	}
	return Source{Path: spoolPath, MTime: fi.ModTime()}, nil
}

func splitS3URL(rawURL string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(rawURL, "s3://")
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: malformed s3 url %q", ErrNotFound, rawURL)
	}
	return bucket, key, nil
}
