package app

import (
	"context"
	"errors"
	"fmt"

	"chanpost/internal/compose"
	"chanpost/internal/config"
	"chanpost/internal/deps"
	"chanpost/internal/objectstore"
	"chanpost/internal/storage"
	logx "chanpost/pkg/logx"
)

// ErrNoObjectStore is returned by OpenCompositor when object_store is unset.
var ErrNoObjectStore = errors.New("object_store is not configured")

// OpenStore opens only the item store. CLI commands that never talk to
// Telegram use it.
func OpenStore(ctx context.Context, cfg *config.Config, log logx.Logger) (storage.ItemStore, error) {
	sc, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(ctx, sc, log)
}

// OpenCompositor builds a compositor backed by the configured object store.
// The returned close func releases the object store.
func OpenCompositor(ctx context.Context, cfg *config.Config, log logx.Logger) (*compose.Compositor, func() error, error) {
	cc, err := mapComposeConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	oc, ok, err := mapObjectStoreConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, ErrNoObjectStore
	}
	blobs, err := objectstore.Open(ctx, oc, log)
	if err != nil {
		return nil, nil, fmt.Errorf("open object store: %w", err)
	}
	return compose.New(cc, compose.Deps{Clips: blobs, Log: log}), blobs.Close, nil
}

// ComposeRequirements returns the external binaries compose needs. They
// are optional when compose is disabled.
func ComposeRequirements(cfg *config.Config) []deps.Requirement {
	cc, _ := mapComposeConfig(cfg)
	reqs := cc.Requirements()
	for i := range reqs {
		reqs[i].Optional = !cfg.Compose.Enabled
	}
	return reqs
}
