package objectstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	logx "chanpost/pkg/logx"
)

func TestDirListDownloadDelete(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	for _, p := range []string{"video_generation/a.mp4", "video_generation/b.mp4", "memes/x.jpg"} {
		full := filepath.Join(root, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(p), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	d, err := NewDir(root)
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}

	blobs, err := d.List(ctx, "video_generation")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(blobs) != 2 || blobs[0].Key != "video_generation/a.mp4" || blobs[1].Key != "video_generation/b.mp4" {
		t.Fatalf("List = %+v", blobs)
	}

	dst := filepath.Join(t.TempDir(), "out", "clip.mp4")
	if err := d.Download(ctx, "video_generation/a.mp4", dst); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if b, _ := os.ReadFile(dst); string(b) != "video_generation/a.mp4" {
		t.Fatalf("downloaded content = %q", b)
	}

	data, err := d.ReadAll(ctx, "memes/x.jpg")
	if err != nil || string(data) != "memes/x.jpg" {
		t.Fatalf("ReadAll = %q, %v", data, err)
	}

	if err := d.Delete(ctx, "memes/x.jpg"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := d.ReadAll(ctx, "memes/x.jpg"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ReadAll after delete err = %v, want ErrNotFound", err)
	}
	if err := d.Delete(ctx, "memes/x.jpg"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete err = %v, want ErrNotFound", err)
	}
}

func TestDirRejectsEscapingKeys(t *testing.T) {
	t.Parallel()
	d, err := NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	for _, key := range []string{"../etc/passwd", "..", "/abs/path"} {
		if _, err := d.ReadAll(context.Background(), key); err == nil || errors.Is(err, ErrNotFound) {
			t.Fatalf("ReadAll(%q) err = %v, want invalid key", key, err)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Config{Driver: "s3"}, logx.Nop()); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("err = %v, want ErrUnknownDriver", err)
	}
}
