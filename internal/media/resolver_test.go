package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "chanpost/pkg/logx"
)

func TestResolveFileIDPassesThrough(t *testing.T) {
	t.Parallel()
	r := NewResolver(t.TempDir(), 0, logx.Nop())
	got, ok := r.Resolve(context.Background(), Ref{FileID: "AgAD123", URL: "http://unused.invalid/x.jpg"})
	if !ok || got.FileID != "AgAD123" || got.Path != "" {
		t.Fatalf("Resolve = %+v ok=%v", got, ok)
	}
}

func TestResolveDownloadsURL(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.jpg":
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write([]byte("jpegdata"))
		case "/empty-type":
			w.Header()["Content-Type"] = nil
			_, _ = w.Write([]byte("x"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	r := NewResolver(dir, 5*time.Second, logx.Nop())

	got, ok := r.Resolve(context.Background(), Ref{URL: srv.URL + "/ok.jpg"})
	if !ok {
		t.Fatal("expected resolved media")
	}
	if filepath.Dir(got.Path) != dir || !strings.HasSuffix(got.Path, ".jpg") {
		t.Fatalf("path = %q", got.Path)
	}
	data, err := os.ReadFile(got.Path)
	if err != nil || string(data) != "jpegdata" {
		t.Fatalf("downloaded data = %q err=%v", data, err)
	}
	if err := got.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(got.Path); !os.IsNotExist(err) {
		t.Fatalf("file should be removed, stat err=%v", err)
	}

	if _, ok := r.Resolve(context.Background(), Ref{URL: srv.URL + "/missing"}); ok {
		t.Fatal("404 should not resolve")
	}
	if _, ok := r.Resolve(context.Background(), Ref{URL: srv.URL + "/empty-type"}); ok {
		t.Fatal("missing content-type should not resolve")
	}
	if _, ok := r.Resolve(context.Background(), Ref{}); ok {
		t.Fatal("empty ref should not resolve")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("failed downloads left %d files behind", len(entries))
	}
}

func TestExtensionFor(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"image/jpeg":                 ".jpg",
		"image/png":                  ".png",
		"video/mp4":                  ".mp4",
		"video/quicktime":            ".mov",
		"image/jpeg; charset=binary": ".jpg",
		"application/x-chanpost":     ".x-chanpost",
	}
	for in, want := range tests {
		if got := ExtensionFor(in); got != want {
			t.Fatalf("ExtensionFor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsVideo(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want bool
	}{
		{"https://i.example/a.mp4", true},
		{"clip.MOV", true},
		{"memes/b.avi", true},
		{"https://i.example/a.mp4?x=1", true},
		{"https://i.example/a.jpg", false},
		{"AgADBAADbqcxG", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsVideo(tt.in); got != tt.want {
			t.Fatalf("IsVideo(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
