// Package compose builds the derived video: a random background clip with the
// source image, an icon and a caption overlaid by ffmpeg.
package compose

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"chanpost/internal/deps"
	"chanpost/internal/eventbus"
	"chanpost/internal/media/ffprobe"
	"chanpost/internal/objectstore"
	logx "chanpost/pkg/logx"
)

var (
	ErrNoClips = errors.New("no background clips available")
	// ErrBinaryMissing is deps.ErrMissing, so either sentinel matches.
	ErrBinaryMissing = deps.ErrMissing
)

// Stage names the step that aborted a composition.
type Stage string

const (
	StageSelect    Stage = "select"
	StageProbe     Stage = "probe"
	StageImage     Stage = "image"
	StageIcon      Stage = "icon"
	StageCaption   Stage = "caption"
	StageComposite Stage = "composite"
)

// Error is returned for every aborted composition.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("compose %s: %v", e.Stage, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func stageErr(s Stage, err error) error { return &Error{Stage: s, Err: err} }

// Config controls composition. Zero fractions use the defaults.
type Config struct {
	FFmpeg    string
	FFprobe   string
	WorkDir   string
	OutputDir string
	// ClipPrefix selects background clips in the object store.
	ClipPrefix  string
	IconPath    string
	FontPath    string
	CaptionText string

	ImageWidthFraction float64 // default 0.9
	IconWidthFraction  float64 // default 0.06
	FontSizeFraction   float64 // default 0.05

	Timeout time.Duration
}

const (
	DefaultClipPrefix         = "video_generation"
	DefaultImageWidthFraction = 0.9
	DefaultIconWidthFraction  = 0.06
	DefaultFontSizeFraction   = 0.05
)

// Requirements lists the binaries a composition shells out to.
func (c Config) Requirements() []deps.Requirement {
	c = c.withDefaults()
	return []deps.Requirement{
		{Name: "FFmpeg", Command: c.FFmpeg, Description: "renders the derived video"},
		{Name: "FFprobe", Command: c.FFprobe, Description: "reads background clip size"},
	}
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.FFmpeg) == "" {
		c.FFmpeg = "ffmpeg"
	}
	if strings.TrimSpace(c.FFprobe) == "" {
		c.FFprobe = "ffprobe"
	}
	if c.WorkDir == "" {
		c.WorkDir = os.TempDir()
	}
	if c.OutputDir == "" {
		c.OutputDir = c.WorkDir
	}
	if c.ClipPrefix == "" {
		c.ClipPrefix = DefaultClipPrefix
	}
	if c.ImageWidthFraction <= 0 {
		c.ImageWidthFraction = DefaultImageWidthFraction
	}
	if c.IconWidthFraction <= 0 {
		c.IconWidthFraction = DefaultIconWidthFraction
	}
	if c.FontSizeFraction <= 0 {
		c.FontSizeFraction = DefaultFontSizeFraction
	}
	return c
}

// ClipSource lists and downloads background clips. objectstore.Store
// satisfies it.
type ClipSource interface {
	List(ctx context.Context, prefix string) ([]objectstore.Blob, error)
	Download(ctx context.Context, key, dst string) error
}

// ProbeFunc reads clip metadata.
type ProbeFunc func(ctx context.Context, binary, path string) (ffprobe.Info, error)

// Done is published on eventbus.ComposeDone after every invocation.
type Done struct {
	Output  string
	Stage   Stage // empty on success
	Elapsed time.Duration
}

// Deps are the compositor's collaborators. Nil fields get defaults except
// Clips, which is required.
type Deps struct {
	Clips ClipSource
	Probe ProbeFunc
	IntN  func(n int) int
	Bus   eventbus.Bus
	Log   logx.Logger
}

type Compositor struct {
	cfg   Config
	clips ClipSource
	probe ProbeFunc
	intN  func(n int) int
	bus   eventbus.Bus
	log   logx.Logger
}

func New(cfg Config, d Deps) *Compositor {
	c := &Compositor{
		cfg:   cfg.withDefaults(),
		clips: d.Clips,
		probe: d.Probe,
		intN:  d.IntN,
		bus:   d.Bus,
		log:   d.Log,
	}
	if c.probe == nil {
		c.probe = ffprobe.Probe
	}
	if c.intN == nil {
		c.intN = rand.IntN
	}
	if c.bus == nil {
		c.bus = eventbus.Nop()
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.log = c.log.With(logx.String("comp", "compose"))
	return c
}

// Compose renders sourceImage over a random background clip and returns the
// path of the result in the output directory. Intermediates never outlive the
// call; on error no output file is left behind.
func (c *Compositor) Compose(ctx context.Context, sourceImage string) (string, error) {
	start := time.Now()
	out, err := c.compose(ctx, sourceImage)
	done := Done{Output: out, Elapsed: time.Since(start)}
	var ce *Error
	if errors.As(err, &ce) {
		done.Stage = ce.Stage
	}
	c.bus.Publish(eventbus.Event{Type: eventbus.ComposeDone, Data: done})
	if err != nil {
		c.log.Warn("composition aborted", logx.String("source", sourceImage), logx.Err(err))
		return "", err
	}
	c.log.Info("composition done", logx.String("output", out), logx.Duration("elapsed", done.Elapsed))
	return out, nil
}

func (c *Compositor) compose(ctx context.Context, sourceImage string) (string, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	if c.clips == nil {
		return "", stageErr(StageSelect, errors.New("no clip source configured"))
	}
	if err := os.MkdirAll(c.cfg.WorkDir, 0o755); err != nil {
		return "", stageErr(StageSelect, err)
	}
	work, err := os.MkdirTemp(c.cfg.WorkDir, "compose-*")
	if err != nil {
		return "", stageErr(StageSelect, err)
	}
	defer func() {
		if err := os.RemoveAll(work); err != nil {
			c.log.Warn("remove compose work dir failed", logx.String("dir", work), logx.Err(err))
		}
	}()

	clipKey, clipPath, err := c.selectClip(ctx, work)
	if err != nil {
		return "", stageErr(StageSelect, err)
	}
	c.log.Debug("background clip selected", logx.String("key", clipKey))

	if _, err := deps.Check(c.cfg.FFprobe); err != nil {
		return "", stageErr(StageProbe, err)
	}
	info, err := c.probe(ctx, c.cfg.FFprobe, clipPath)
	if err != nil {
		return "", stageErr(StageProbe, err)
	}
	c.log.Debug("clip probed",
		logx.Int("width", info.Width),
		logx.Int("height", info.Height),
		logx.Duration("duration", info.Duration),
	)

	clip := sizeOf(info.Width, info.Height)

	imgPath := filepath.Join(work, "overlay.jpg")
	imgSize, err := resizeFile(sourceImage, imgPath, scaledWidth(info.Width, c.cfg.ImageWidthFraction), formatJPEG)
	if err != nil {
		return "", stageErr(StageImage, err)
	}

	iconPath := filepath.Join(work, "icon.png")
	iconSize, err := resizeFile(c.cfg.IconPath, iconPath, scaledWidth(info.Width, c.cfg.IconWidthFraction), formatPNG)
	if err != nil {
		return "", stageErr(StageIcon, err)
	}

	captionPath := filepath.Join(work, "caption.png")
	fontSize := scaledWidth(info.Width, c.cfg.FontSizeFraction)
	textSize, err := c.writeCaption(captionPath, info.Width, fontSize)
	if err != nil {
		return "", stageErr(StageCaption, err)
	}

	lay := ComputeLayout(clip, imgSize, textSize, c.cfg.IconWidthFraction)
	c.log.Debug("overlay layout", logx.Any("layout", lay), logx.Any("text", textSize))

	if _, err := deps.Check(c.cfg.FFmpeg); err != nil {
		return "", stageErr(StageComposite, err)
	}
	if err := os.MkdirAll(c.cfg.OutputDir, 0o755); err != nil {
		return "", stageErr(StageComposite, err)
	}
	out := filepath.Join(c.cfg.OutputDir, "result-"+uuid.NewString()+"-"+path.Base(clipKey))
	args := ffmpegArgs(clipPath, imgPath, iconPath, captionPath, out, imgSize.X, iconSize.X, lay)
	if err := c.runFFmpeg(ctx, args); err != nil {
		if rmErr := os.Remove(out); rmErr != nil && !os.IsNotExist(rmErr) {
			c.log.Warn("remove partial output failed", logx.String("path", out), logx.Err(rmErr))
		}
		return "", stageErr(StageComposite, err)
	}
	return out, nil
}

func (c *Compositor) selectClip(ctx context.Context, work string) (string, string, error) {
	blobs, err := c.clips.List(ctx, c.cfg.ClipPrefix)
	if err != nil {
		return "", "", fmt.Errorf("list clips: %w", err)
	}
	keys := make([]string, 0, len(blobs))
	for _, b := range blobs {
		if b.Key == "" || strings.HasSuffix(b.Key, "/") {
			continue
		}
		keys = append(keys, b.Key)
	}
	if len(keys) == 0 {
		return "", "", fmt.Errorf("%w under %q", ErrNoClips, c.cfg.ClipPrefix)
	}
	key := keys[c.intN(len(keys))]
	dst := filepath.Join(work, "clip-"+path.Base(key))
	if err := c.clips.Download(ctx, key, dst); err != nil {
		return "", "", fmt.Errorf("download clip %s: %w", key, err)
	}
	return key, dst, nil
}
