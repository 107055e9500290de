package compose

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"chanpost/internal/eventbus"
	"chanpost/internal/objectstore"
	logx "chanpost/pkg/logx"
)

const probeJSON = `{"streams":[{"width":200,"height":400,"duration":"3.0"}]}`

type fixture struct {
	cfg      Config
	clips    *objectstore.Dir
	source   string
	workDir  string
	outDir   string
	argsFile string
}

func writeScript(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
	_ = f.Close()
}

func newFixture(t *testing.T, ffmpegBody string) *fixture {
	t.Helper()
	root := t.TempDir()
	bin := filepath.Join(root, "bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		t.Fatal(err)
	}
	fx := &fixture{
		source:   filepath.Join(root, "meme.png"),
		workDir:  filepath.Join(root, "work"),
		outDir:   filepath.Join(root, "out"),
		argsFile: filepath.Join(root, "ffmpeg.args"),
	}
	writePNG(t, fx.source, 40, 20)
	icon := filepath.Join(root, "icon.png")
	writePNG(t, icon, 10, 10)

	writeScript(t, filepath.Join(bin, "ffprobe"), "echo '"+probeJSON+"'\n")
	writeScript(t, filepath.Join(bin, "ffmpeg"), strings.ReplaceAll(ffmpegBody, "ARGS_FILE", fx.argsFile))

	clips, err := objectstore.NewDir(filepath.Join(root, "bucket"))
	if err != nil {
		t.Fatal(err)
	}
	fx.clips = clips
	fx.cfg = Config{
		FFmpeg:      filepath.Join(bin, "ffmpeg"),
		FFprobe:     filepath.Join(bin, "ffprobe"),
		WorkDir:     fx.workDir,
		OutputDir:   fx.outDir,
		IconPath:    icon,
		CaptionText: "chanpost",
	}
	return fx
}

func (fx *fixture) addClip(t *testing.T, key string) {
	t.Helper()
	p := filepath.Join(fx.clips.Root(), filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte("clip"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("read %s: %v", dir, err)
	}
	if len(entries) != 0 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("%s not empty: %v", dir, names)
	}
}

const okFFmpeg = "echo \"$@\" > ARGS_FILE\nfor last; do :; done\nprintf video > \"$last\"\n"

func TestComposeSuccess(t *testing.T) {
	fx := newFixture(t, okFFmpeg)
	fx.addClip(t, "video_generation/a.mp4")
	fx.addClip(t, "video_generation/b.mp4")
	fx.addClip(t, "other/c.mp4")

	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	c := New(fx.cfg, Deps{
		Clips: fx.clips,
		IntN:  func(n int) int { return n - 1 },
		Bus:   bus,
		Log:   logx.Nop(),
	})
	out, err := c.Compose(context.Background(), fx.source)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if filepath.Dir(out) != fx.outDir {
		t.Fatalf("output %q not in %q", out, fx.outDir)
	}
	base := filepath.Base(out)
	if !strings.HasPrefix(base, "result-") || !strings.HasSuffix(base, "-b.mp4") {
		t.Fatalf("output name = %q", base)
	}
	if data, err := os.ReadFile(out); err != nil || string(data) != "video" {
		t.Fatalf("output data = %q err=%v", data, err)
	}
	assertEmptyDir(t, fx.workDir)

	args, err := os.ReadFile(fx.argsFile)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	// 200px clip: image 180px wide, icon 12px wide.
	if !strings.Contains(string(args), "[1]scale=w=180:h=-1[overlay1];[2]scale=w=12:h=-1[overlay2]") {
		t.Fatalf("ffmpeg args = %s", args)
	}

	// Background clips are reused, never deleted.
	if blobs, _ := fx.clips.List(context.Background(), "video_generation"); len(blobs) != 2 {
		t.Fatalf("clips after compose = %d, want 2", len(blobs))
	}

	ev := <-events
	done, ok := ev.Data.(Done)
	if ev.Type != eventbus.ComposeDone || !ok || done.Stage != "" || done.Output != out {
		t.Fatalf("event = %+v", ev)
	}
}

func TestComposeAbortPaths(t *testing.T) {
	tests := []struct {
		name      string
		ffmpeg    string
		clip      bool
		badSource bool
		mutate    func(*Config)
		wantStage Stage
		wantErr   error
	}{
		{name: "no clips", ffmpeg: okFFmpeg, wantStage: StageSelect, wantErr: ErrNoClips},
		{
			name:      "ffprobe missing",
			ffmpeg:    okFFmpeg,
			clip:      true,
			mutate:    func(c *Config) { c.FFprobe = filepath.Join(t.TempDir(), "nope") },
			wantStage: StageProbe,
			wantErr:   ErrBinaryMissing,
		},
		{
			name:   "ffprobe output without streams",
			ffmpeg: okFFmpeg,
			clip:   true,
			mutate: func(c *Config) {
				c.FFprobe = filepath.Join(t.TempDir(), "ffprobe")
				writeScript(t, c.FFprobe, "echo '{}'\n")
			},
			wantStage: StageProbe,
		},
		{
			name:      "source is not an image",
			ffmpeg:    okFFmpeg,
			clip:      true,
			badSource: true,
			wantStage: StageImage,
		},
		{
			name:      "icon missing",
			ffmpeg:    okFFmpeg,
			clip:      true,
			mutate:    func(c *Config) { c.IconPath = filepath.Join(t.TempDir(), "none.png") },
			wantStage: StageIcon,
		},
		{
			name:      "ffmpeg fails",
			ffmpeg:    "for last; do :; done\nprintf partial > \"$last\"\necho broken >&2\nexit 1\n",
			clip:      true,
			wantStage: StageComposite,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, tt.ffmpeg)
			if tt.clip {
				fx.addClip(t, "video_generation/a.mp4")
			}
			if tt.badSource {
				if err := os.WriteFile(fx.source, []byte("not an image"), 0o644); err != nil {
					t.Fatal(err)
				}
			}
			cfg := fx.cfg
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			c := New(cfg, Deps{Clips: fx.clips, Log: logx.Nop()})
			out, err := c.Compose(context.Background(), fx.source)
			if err == nil {
				t.Fatalf("expected error, got output %q", out)
			}
			var ce *Error
			if !errors.As(err, &ce) || ce.Stage != tt.wantStage {
				t.Fatalf("err = %v, want stage %s", err, tt.wantStage)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			assertEmptyDir(t, fx.workDir)
			assertEmptyDir(t, fx.outDir)
		})
	}
}

type listOnly []objectstore.Blob

func (l listOnly) List(context.Context, string) ([]objectstore.Blob, error) { return l, nil }
func (l listOnly) Download(context.Context, string, string) error           { return errors.New("unexpected download") }

func TestComposeSkipsDirectoryKeys(t *testing.T) {
	fx := newFixture(t, okFFmpeg)
	c := New(fx.cfg, Deps{Clips: listOnly{{Key: "video_generation/"}}, Log: logx.Nop()})
	if _, err := c.Compose(context.Background(), fx.source); !errors.Is(err, ErrNoClips) {
		t.Fatalf("err = %v, want ErrNoClips", err)
	}
}

func TestRenderCaptionFallbackFont(t *testing.T) {
	t.Parallel()
	face := loadFace("", 10, logx.Nop())
	canvas, size := renderCaption("abc", face, 200, 10)
	if canvas.Bounds().Dx() != 200 || canvas.Bounds().Dy() != 30 {
		t.Fatalf("canvas = %v", canvas.Bounds())
	}
	if size.X <= 0 || size.X > 21 || size.Y <= 0 || size.Y > 13 {
		t.Fatalf("text size = %v", size)
	}
	_, longer := renderCaption("abcdef", face, 200, 10)
	if longer.X <= size.X {
		t.Fatalf("longer caption width %d <= %d", longer.X, size.X)
	}
}
