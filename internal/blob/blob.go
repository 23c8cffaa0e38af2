// Package blob is the attachment store: content-addressed bytes for form
// payloads and media, behind one of the memory, fs or s3 drivers.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dimagi/caseledger/internal/blob/core"
	"github.com/dimagi/caseledger/internal/blob/fs"
	"github.com/dimagi/caseledger/internal/blob/memory"
	"github.com/dimagi/caseledger/internal/blob/s3"
	"github.com/dimagi/caseledger/internal/model"
)

// Re-exported core types so callers need a single import.
type (
	Store      = core.Store
	Info       = core.Info
	PutOptions = core.PutOptions
	Driver     = core.Driver
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrNotFound = core.ErrNotFound
	ErrExists   = core.ErrExists
)

// Config selects and configures a driver.
type Config struct {
	Driver Driver    `yaml:"driver"`
	Root   string    `yaml:"root"`
	S3     s3.Config `yaml:"s3"`
}

// Open returns the store described by cfg. An empty driver means fs.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFilesystem:
		return fs.New(cfg.Root)
	case DriverS3:
		return s3.New(ctx, cfg.S3)
	case DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return memory.New()
}

// PutContent stores data under its content address. Storing bytes that are
// already present is a no-op returning the existing blob's info.
func PutContent(ctx context.Context, s Store, data []byte, contentType string) (Info, error) {
	key := model.BlobKey(data)
	if info, err := s.Head(ctx, key); err == nil {
		return info, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Info{}, err
	}
	info, err := s.Put(ctx, key, bytes.NewReader(data), PutOptions{ContentType: contentType})
	if errors.Is(err, ErrExists) {
		// Lost a race with an identical write.
		return s.Head(ctx, key)
	}
	return info, err
}

// ReadAll returns the full content of key.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, error) {
	_, rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return data, nil
}
