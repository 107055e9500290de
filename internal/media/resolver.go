// Package media turns item media references into something a transport can
// send: a transport-native handle as-is, or a URL downloaded to a local file.
package media

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	logx "chanpost/pkg/logx"
)

// Ref is an item's media reference. FileID wins over URL.
type Ref struct {
	FileID string
	URL    string
}

// Resolved is sendable media. Exactly one of FileID or Path is set.
type Resolved struct {
	FileID string
	Path   string
}

// Remove deletes a downloaded file. Inline handles are left alone.
func (r Resolved) Remove() error {
	if r.Path == "" {
		return nil
	}
	if err := os.Remove(r.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Resolver downloads URL media into Dir.
type Resolver struct {
	Client *http.Client
	// Dir holds downloaded files. Empty means os.TempDir().
	Dir string
	Log logx.Logger
}

// NewResolver builds a resolver. timeout <= 0 leaves the HTTP client unbounded;
// callers still bound the request through ctx.
func NewResolver(dir string, timeout time.Duration, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{
		Client: &http.Client{Timeout: timeout},
		Dir:    dir,
		Log:    log,
	}
}

// Resolve returns sendable media for ref. ok is false when nothing could be
// produced; the reason is logged.
func (r *Resolver) Resolve(ctx context.Context, ref Ref) (Resolved, bool) {
	if id := strings.TrimSpace(ref.FileID); id != "" {
		return Resolved{FileID: id}, true
	}
	u := strings.TrimSpace(ref.URL)
	if u == "" {
		return Resolved{}, false
	}
	p, err := r.download(ctx, u)
	if err != nil {
		r.Log.Warn("media download failed", logx.String("url", u), logx.Err(err))
		return Resolved{}, false
	}
	return Resolved{Path: p}, true
}

func (r *Resolver) download(ctx context.Context, u string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	ct := strings.TrimSpace(resp.Header.Get("Content-Type"))
	if ct == "" {
		return "", fmt.Errorf("response has no content-type")
	}

	dir := r.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, "media-*"+ExtensionFor(ct))
	if err != nil {
		return "", err
	}
	name := f.Name()
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("write body: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	r.Log.Debug("media downloaded", logx.String("url", u), logx.String("path", name), logx.String("content_type", ct))
	return name, nil
}

// ExtensionFor maps a content-type to a file extension with a leading dot.
// Unknown types use their subtype ("video/x-foo" -> ".x-foo").
func ExtensionFor(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	switch mt {
	case "image/jpeg", "image/jpg", "image/pjpeg":
		return ".jpg"
	case "video/mp4":
		return ".mp4"
	case "video/quicktime":
		return ".mov"
	}
	if exts, _ := mime.ExtensionsByType(mt); len(exts) > 0 {
		return exts[0]
	}
	if i := strings.IndexByte(mt, '/'); i >= 0 && i < len(mt)-1 {
		return "." + mt[i+1:]
	}
	return ""
}

var videoExts = map[string]bool{".mp4": true, ".mov": true, ".avi": true}

// IsVideo reports whether a media reference (URL, key or path) names a video
// by its extension. Query strings and fragments on URLs are ignored.
func IsVideo(ref string) bool {
	ref = strings.TrimSpace(ref)
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	return videoExts[strings.ToLower(path.Ext(ref))]
}
