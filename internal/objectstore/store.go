// Package objectstore reads and deletes blobs: ad-hoc media for sentinel
// items and the background clips used for composition.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "chanpost/pkg/logx"
)

var (
	ErrNotFound      = errors.New("object not found")
	ErrUnknownDriver = errors.New("unknown object store driver")
)

// Blob describes one stored object.
type Blob struct {
	Key     string
	Size    int64
	Updated time.Time
}

// Store is the blob API used by dispatch and composition.
type Store interface {
	// List returns blobs under prefix. Directory placeholder keys (ending
	// in "/") are skipped.
	List(ctx context.Context, prefix string) ([]Blob, error)
	// Download writes the blob to a local file at dst.
	Download(ctx context.Context, key, dst string) error
	// ReadAll returns the blob contents.
	ReadAll(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

type Config struct {
	Driver          string // "gcs" or "dir"
	Bucket          string
	CredentialsFile string
	Dir             string
}

// Open initializes the configured object store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "gcs", "firebase":
		g, err := openGCS(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return g, nil
	case "dir", "local":
		d, err := NewDir(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

func isDirKey(key string) bool {
	return key == "" || strings.HasSuffix(key, "/")
}
