// Package dispatch publishes the next eligible queue item to the primary
// channel, falling back through lower-ranked items when delivery fails.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/google/uuid"

	"chanpost/internal/clock"
	"chanpost/internal/eventbus"
	"chanpost/internal/media"
	"chanpost/internal/storage"
	"chanpost/internal/transport"
	logx "chanpost/pkg/logx"
)

const (
	DefaultMaxAttempts       = 3
	DefaultBlobFetchAttempts = 3
	DefaultBlobFetchBackoff  = 3 * time.Second
)

type Config struct {
	MaxAttempts       int
	SentinelRank      int
	BlobFetchAttempts int
	BlobFetchBackoff  time.Duration

	Primary   transport.ChatTarget
	Secondary transport.ChatTarget

	// MediaDir receives files fetched through the transport for composition.
	MediaDir string
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.SentinelRank == 0 {
		c.SentinelRank = storage.DefaultSentinelRank
	}
	if c.BlobFetchAttempts <= 0 {
		c.BlobFetchAttempts = DefaultBlobFetchAttempts
	}
	if c.BlobFetchBackoff < 0 {
		c.BlobFetchBackoff = 0
	} else if c.BlobFetchBackoff == 0 {
		c.BlobFetchBackoff = DefaultBlobFetchBackoff
	}
	return c
}

// Blobs is the object-store subset used for sentinel items.
type Blobs interface {
	ReadAll(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

type Resolver interface {
	Resolve(ctx context.Context, ref media.Ref) (media.Resolved, bool)
}

// Composer builds the derived video from a local image.
type Composer interface {
	Compose(ctx context.Context, sourceImage string) (string, error)
}

// Deps are the orchestrator's collaborators. Composer and Fetcher are
// optional; without a Composer no derived artifact is produced.
type Deps struct {
	Store    storage.ItemStore
	Sender   transport.Sender
	Blobs    Blobs
	Resolver Resolver
	Composer Composer
	Fetcher  transport.FileFetcher
	Bus      eventbus.Bus
	Clock    clock.Clock
	Log      logx.Logger
	NewRunID func() string
}

type Orchestrator struct {
	cfg Config
	d   Deps
	log logx.Logger
}

func New(cfg Config, d Deps) (*Orchestrator, error) {
	if d.Store == nil {
		return nil, errors.New("dispatch: store is required")
	}
	if d.Sender == nil {
		return nil, errors.New("dispatch: sender is required")
	}
	if d.Resolver == nil {
		return nil, errors.New("dispatch: resolver is required")
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.NewRunID == nil {
		d.NewRunID = uuid.NewString
	}
	return &Orchestrator{
		cfg: cfg.withDefaults(),
		d:   d,
		log: d.Log.With(logx.String("comp", "dispatch")),
	}, nil
}

// Dispatch delivers at most one item. It tries up to MaxAttempts distinct
// items; each failed item is marked ineligible before the next query.
func (o *Orchestrator) Dispatch(ctx context.Context) Report {
	rep := Report{RunID: o.d.NewRunID(), Started: o.d.Clock.Now()}
	log := o.log.With(logx.String("run_id", rep.RunID))

	tried := make(map[int64]bool, o.cfg.MaxAttempts)
	for i := 0; i < o.cfg.MaxAttempts && rep.Result == ""; i++ {
		it, ok, err := o.d.Store.NextEligible(ctx)
		if err != nil {
			rep.Result, rep.Err = ResultStoreError, err
			log.Error("select next item failed", logx.Err(err))
			break
		}
		if !ok {
			rep.Result = ResultIdle
			log.Info("no eligible items")
			break
		}
		if tried[it.ID] {
			rep.Attempts = append(rep.Attempts, Outcome{ItemID: it.ID, Rank: it.Rank, Reason: ReasonStoreFailed})
			rep.Result = ResultStoreError
			rep.Err = fmt.Errorf("item %d returned again after failing; ineligible mark not persisted", it.ID)
			log.Error("store returned a failed item again", logx.Int64("item_id", it.ID))
			break
		}
		tried[it.ID] = true

		out := o.deliver(ctx, log, rep.RunID, it)
		rep.Attempts = append(rep.Attempts, out)
		o.d.Bus.Publish(eventbus.Event{Type: eventbus.DispatchAttempt, Data: AttemptEvent{RunID: rep.RunID, Outcome: out}})

		if out.Delivered {
			rep.Result = ResultDelivered
			break
		}
		log.Warn("delivery failed",
			logx.Int64("item_id", it.ID),
			logx.Int("rank", it.Rank),
			logx.String("reason", string(out.Reason)),
			logx.Err(out.Err),
		)
		o.markIneligible(ctx, log, it.ID)
	}
	if rep.Result == "" {
		rep.Result = ResultExhausted
		log.Error("no item delivered", logx.Int("attempts", len(rep.Attempts)))
	}
	rep.Elapsed = o.d.Clock.Now().Sub(rep.Started)
	o.d.Bus.Publish(eventbus.Event{Type: eventbus.DispatchRun, Data: rep})
	log.Info("dispatch run finished",
		logx.String("result", string(rep.Result)),
		logx.Int("attempts", len(rep.Attempts)),
		logx.Duration("elapsed", rep.Elapsed),
	)
	return rep
}

func (o *Orchestrator) markIneligible(ctx context.Context, log logx.Logger, id int64) {
	if err := o.d.Store.SetChecked(ctx, id, true); err != nil {
		log.Error("mark item checked failed", logx.Int64("item_id", id), logx.Err(err))
	}
	if err := o.d.Store.SetApproved(ctx, id, false); err != nil {
		log.Error("mark item unapproved failed", logx.Int64("item_id", id), logx.Err(err))
	}
}

func (o *Orchestrator) deliver(ctx context.Context, log logx.Logger, runID string, it storage.Item) Outcome {
	out := Outcome{ItemID: it.ID, Rank: it.Rank}
	log = log.With(logx.Int64("item_id", it.ID), logx.Int("rank", it.Rank))
	if !it.HasMedia() {
		out.Reason = ReasonNoMedia
		return out
	}
	if it.Rank == o.cfg.SentinelRank {
		out.Video = media.IsVideo(it.MediaRef())
		return o.deliverBlob(ctx, log, it, out)
	}

	res, ok := o.d.Resolver.Resolve(ctx, media.Ref{FileID: it.FileID, URL: it.URL})
	if !ok {
		out.Reason = ReasonResolveFailed
		return out
	}
	defer func() {
		if err := res.Remove(); err != nil {
			log.Warn("remove downloaded media failed", logx.String("path", res.Path), logx.Err(err))
		}
	}()
	// A download is classified by the extension its content-type produced.
	if res.Path != "" {
		out.Video = media.IsVideo(res.Path)
	} else {
		out.Video = media.IsVideo(it.MediaRef())
	}

	m := transport.Media{FileID: res.FileID, Path: res.Path}
	if err := o.send(ctx, o.cfg.Primary, m, it.Caption, out.Video); err != nil {
		out.Reason, out.Err = ReasonSendFailed, err
		return out
	}
	out.Delivered = true
	log.Info("item delivered", logx.Bool("video", out.Video))

	o.deliverDerived(ctx, log, runID, it, res, out.Video)
	o.markPublished(ctx, log, it.ID)
	return out
}

func (o *Orchestrator) deliverBlob(ctx context.Context, log logx.Logger, it storage.Item, out Outcome) Outcome {
	key := it.MediaRef()
	data, err := o.fetchBlob(ctx, log, key)
	if err != nil {
		out.Reason, out.Err = ReasonBlobFetchFailed, err
		log.Critical("blob fetch failed", logx.String("key", key), logx.Err(err))
		return out
	}
	m := transport.Media{Data: data, Name: path.Base(key)}
	if err := o.send(ctx, o.cfg.Primary, m, it.Caption, out.Video); err != nil {
		out.Reason, out.Err = ReasonSendFailed, err
		return out
	}
	out.Delivered = true
	log.Info("blob item delivered", logx.String("key", key), logx.Bool("video", out.Video))

	if o.d.Blobs != nil {
		if err := o.d.Blobs.Delete(ctx, key); err != nil {
			log.Error("delete blob failed", logx.String("key", key), logx.Err(err))
		}
	}
	o.markPublished(ctx, log, it.ID)
	return out
}

// fetchBlob reads key with a fixed backoff between attempts.
func (o *Orchestrator) fetchBlob(ctx context.Context, log logx.Logger, key string) ([]byte, error) {
	if o.d.Blobs == nil {
		return nil, errors.New("no object store configured")
	}
	var lastErr error
	for attempt := 1; attempt <= o.cfg.BlobFetchAttempts; attempt++ {
		data, err := o.d.Blobs.ReadAll(ctx, key)
		if err == nil {
			return data, nil
		}
		lastErr = err
		log.Warn("blob fetch attempt failed",
			logx.String("key", key),
			logx.Int("attempt", attempt),
			logx.Err(err),
		)
		if attempt == o.cfg.BlobFetchAttempts {
			break
		}
		if err := o.d.Clock.Sleep(ctx, o.cfg.BlobFetchBackoff); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", o.cfg.BlobFetchAttempts, lastErr)
}

func (o *Orchestrator) send(ctx context.Context, to transport.ChatTarget, m transport.Media, caption string, video bool) error {
	var err error
	if video {
		_, err = o.d.Sender.SendVideo(ctx, to, m, caption)
	} else {
		_, err = o.d.Sender.SendPhoto(ctx, to, m, caption)
	}
	return err
}

func (o *Orchestrator) markPublished(ctx context.Context, log logx.Logger, id int64) {
	if err := o.d.Store.SetPublished(ctx, id, true); err != nil {
		// The post is already live; a later run may repeat it.
		log.Error("mark item published failed", logx.Int64("item_id", id), logx.Err(err))
	}
}

// deliverDerived sends the composed video to the secondary channel. Failures
// are logged and never affect the primary outcome.
func (o *Orchestrator) deliverDerived(ctx context.Context, log logx.Logger, runID string, it storage.Item, res media.Resolved, video bool) {
	ev := DerivedEvent{RunID: runID, ItemID: it.ID, Status: DerivedSkipped}
	defer func() {
		o.d.Bus.Publish(eventbus.Event{Type: eventbus.DispatchDerived, Data: ev})
	}()

	switch {
	case video:
		log.Debug("derived artifact skipped: primary media is a video")
		return
	case o.d.Composer == nil:
		return
	case o.cfg.Secondary.ChatID == 0:
		log.Debug("derived artifact skipped: no secondary channel")
		return
	}

	source := res.Path
	if source == "" {
		p, err := o.fetchInline(ctx, res.FileID)
		if err != nil {
			ev.Status, ev.Err = DerivedFailed, err
			log.Warn("fetch source for derived artifact failed", logx.Err(err))
			return
		}
		if p == "" {
			log.Debug("derived artifact skipped: transport cannot fetch files")
			return
		}
		source = p
		defer removeFile(log, p)
	}

	out, err := o.d.Composer.Compose(ctx, source)
	if err != nil {
		ev.Status, ev.Err = DerivedFailed, err
		log.Warn("derived artifact composition failed", logx.Err(err))
		return
	}
	defer removeFile(log, out)

	if _, err := o.d.Sender.SendVideo(ctx, o.cfg.Secondary, transport.Media{Path: out}, ""); err != nil {
		ev.Status, ev.Err = DerivedFailed, err
		log.Warn("derived artifact send failed", logx.Err(err))
		return
	}
	ev.Status = DerivedSent
	log.Info("derived artifact sent", logx.Int64("chat_id", o.cfg.Secondary.ChatID))
}

// fetchInline downloads a transport-native file into MediaDir. It returns ""
// without error when the transport cannot fetch files.
func (o *Orchestrator) fetchInline(ctx context.Context, fileID string) (string, error) {
	if o.d.Fetcher == nil {
		return "", nil
	}
	dir := o.cfg.MediaDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, "inline-*.jpg")
	if err != nil {
		return "", err
	}
	p := f.Name()
	_ = f.Close()
	if err := o.d.Fetcher.FetchFile(ctx, fileID, p); err != nil {
		_ = os.Remove(p)
		return "", err
	}
	return p, nil
}

func removeFile(log logx.Logger, p string) {
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		log.Warn("remove temp file failed", logx.String("path", p), logx.Err(err))
	}
}
