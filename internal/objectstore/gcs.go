package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	logx "chanpost/pkg/logx"
)

// GCS is a Google Cloud Storage bucket (Firebase storage buckets included).
type GCS struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
	log    logx.Logger
}

func openGCS(ctx context.Context, cfg Config, log logx.Logger) (*GCS, error) {
	name := strings.TrimSpace(cfg.Bucket)
	if name == "" {
		return nil, errors.New("object_store.bucket is required for the gcs driver")
	}
	var opts []option.ClientOption
	if cf := strings.TrimSpace(cfg.CredentialsFile); cf != "" {
		opts = append(opts, option.WithCredentialsFile(cf))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	log.Debug("gcs object store opened", logx.String("bucket", name))
	return &GCS{client: client, bucket: client.Bucket(name), log: log}, nil
}

func (g *GCS) List(ctx context.Context, prefix string) ([]Blob, error) {
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	var out []Blob
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %q: %w", prefix, err)
		}
		if isDirKey(attrs.Name) {
			continue
		}
		out = append(out, Blob{Key: attrs.Name, Size: attrs.Size, Updated: attrs.Updated})
	}
	return out, nil
}

func (g *GCS) reader(ctx context.Context, key string) (*gcs.Reader, error) {
	r, err := g.bucket.Object(key).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", key, err)
	}
	return r, nil
}

func (g *GCS) Download(ctx context.Context, key, dst string) error {
	r, err := g.reader(ctx, key)
	if err != nil {
		return err
	}
	defer r.Close()
	return writeFile(dst, r)
}

func (g *GCS) ReadAll(ctx context.Context, key string) ([]byte, error) {
	r, err := g.reader(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (g *GCS) Delete(ctx context.Context, key string) error {
	err := g.bucket.Object(key).Delete(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return err
}

func (g *GCS) Close() error { return g.client.Close() }
