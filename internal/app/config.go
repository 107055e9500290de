package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chanpost/internal/compose"
	"chanpost/internal/config"
	"chanpost/internal/dispatch"
	"chanpost/internal/objectstore"
	"chanpost/internal/ops"
	"chanpost/internal/scheduler"
	"chanpost/internal/storage"
	"chanpost/internal/sweep"
	kit "chanpost/internal/transport"
	logx "chanpost/pkg/logx"
)

const defaultPollTimeout = 10 * time.Second

// parseChatID reads a numeric chat id. Empty means "not configured".
func parseChatID(path, raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid chat id %q", path, raw)
	}
	return id, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// logTarget is the chat Telegram log lines go to: group_log, else the status channel.
func logTarget(cfg *config.Config) int64 {
	if id, err := parseChatID("telegram.group_log", cfg.Telegram.GroupLog); err == nil && id != 0 {
		return id
	}
	id, _ := parseChatID("channels.status", cfg.Channels.Status)
	return id
}

func mapStoreConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Store
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), DSN: strings.TrimSpace(sc.DSN), MaxConns: sc.MaxConns}
	switch driver {
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, fmt.Errorf("store.path is required when store.driver=%s", driver)
		}
		busy, err := config.ParseDurationOrDefault("store.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	case "postgres", "postgresql", "pgx":
		if out.DSN == "" {
			return storage.Config{}, fmt.Errorf("store.dsn is required when store.driver=%s", driver)
		}
		if sc.MaxConns < 0 {
			return storage.Config{}, fmt.Errorf("store.max_conns must be >= 0")
		}
	case "memory":
	default:
		return storage.Config{}, fmt.Errorf("%w: %s", storage.ErrUnknownDriver, sc.Driver)
	}
	return out, nil
}

// mapObjectStoreConfig returns ok=false when no object store is configured.
func mapObjectStoreConfig(cfg *config.Config) (objectstore.Config, bool, error) {
	oc := cfg.ObjectStore
	driver := strings.ToLower(strings.TrimSpace(oc.Driver))
	switch driver {
	case "", "none":
		return objectstore.Config{}, false, nil
	case "gcs", "firebase":
		if strings.TrimSpace(oc.Bucket) == "" {
			return objectstore.Config{}, false, fmt.Errorf("object_store.bucket is required when object_store.driver=%s", driver)
		}
	case "dir", "local":
		if strings.TrimSpace(oc.Dir) == "" {
			return objectstore.Config{}, false, fmt.Errorf("object_store.dir is required when object_store.driver=%s", driver)
		}
	default:
		return objectstore.Config{}, false, fmt.Errorf("%w: %q", objectstore.ErrUnknownDriver, oc.Driver)
	}
	return objectstore.Config{
		Driver:          driver,
		Bucket:          strings.TrimSpace(oc.Bucket),
		CredentialsFile: strings.TrimSpace(oc.CredentialsFile),
		Dir:             strings.TrimSpace(oc.Dir),
	}, true, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, time.Duration, error) {
	dc := cfg.Dispatch
	if dc.MaxAttempts < 0 || dc.BlobFetchAttempts < 0 {
		return dispatch.Config{}, 0, fmt.Errorf("dispatch attempts must be >= 0")
	}
	backoff, err := config.ParseDurationOrDefault("dispatch.blob_fetch_backoff", dc.BlobFetchBackoff, dispatch.DefaultBlobFetchBackoff)
	if err != nil {
		return dispatch.Config{}, 0, err
	}
	httpTimeout, err := config.ParseDurationOrDefault("dispatch.http_timeout", dc.HTTPTimeout, 60*time.Second)
	if err != nil {
		return dispatch.Config{}, 0, err
	}
	primary, err := parseChatID("channels.primary", cfg.Channels.Primary)
	if err != nil {
		return dispatch.Config{}, 0, err
	}
	if primary == 0 {
		return dispatch.Config{}, 0, fmt.Errorf("channels.primary is required")
	}
	secondary, err := parseChatID("channels.secondary", cfg.Channels.Secondary)
	if err != nil {
		return dispatch.Config{}, 0, err
	}
	return dispatch.Config{
		MaxAttempts:       dc.MaxAttempts,
		SentinelRank:      dc.SentinelRank,
		BlobFetchAttempts: dc.BlobFetchAttempts,
		BlobFetchBackoff:  backoff,
		Primary:           kit.ChatTarget{ChatID: primary},
		Secondary:         kit.ChatTarget{ChatID: secondary},
		MediaDir:          strings.TrimSpace(dc.MediaDir),
	}, httpTimeout, nil
}

func mapComposeConfig(cfg *config.Config) (compose.Config, error) {
	cc := cfg.Compose
	for name, f := range map[string]float64{
		"compose.image_width_fraction": cc.ImageWidthFraction,
		"compose.icon_width_fraction":  cc.IconWidthFraction,
		"compose.font_size_fraction":   cc.FontSizeFraction,
	} {
		if f < 0 || f > 1 {
			return compose.Config{}, fmt.Errorf("%s must be within [0, 1]", name)
		}
	}
	timeout, err := config.ParseDurationField("compose.timeout", cc.Timeout)
	if err != nil {
		return compose.Config{}, err
	}
	if cc.Enabled && strings.TrimSpace(cc.IconPath) == "" {
		return compose.Config{}, fmt.Errorf("compose.icon_path is required when compose is enabled")
	}
	return compose.Config{
		FFmpeg:             cc.FFmpeg,
		FFprobe:            cc.FFprobe,
		WorkDir:            cc.WorkDir,
		OutputDir:          cc.OutputDir,
		ClipPrefix:         cc.ClipPrefix,
		IconPath:           cc.IconPath,
		FontPath:           cc.FontPath,
		CaptionText:        cc.CaptionText,
		ImageWidthFraction: cc.ImageWidthFraction,
		IconWidthFraction:  cc.IconWidthFraction,
		FontSizeFraction:   cc.FontSizeFraction,
		Timeout:            timeout,
	}, nil
}

func mapSweepConfig(cfg *config.Config) (sweep.Config, error) {
	maxAge, err := config.ParseDurationOrDefault("retention.max_age", cfg.Retention.MaxAge, sweep.DefaultMaxAge)
	if err != nil {
		return sweep.Config{}, err
	}
	status, err := parseChatID("channels.status", cfg.Channels.Status)
	if err != nil {
		return sweep.Config{}, err
	}
	return sweep.Config{MaxAge: maxAge, Status: kit.ChatTarget{ChatID: status}}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	timeout, err := config.ParseDurationField("scheduler.job_timeout", cfg.Scheduler.JobTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:         cfg.Scheduler.Enabled,
		SourceTimezone:  cfg.Scheduler.SourceTimezone,
		DisplayTimezone: cfg.Scheduler.DisplayTimezone,
		JobTimeout:      timeout,
	}, nil
}

func dispatchTimes(cfg *config.Config) []string {
	if len(cfg.Scheduler.DispatchTimes) > 0 {
		return cfg.Scheduler.DispatchTimes
	}
	return scheduler.DefaultDispatchTimes
}

func sweepTimes(cfg *config.Config) []string {
	if t := strings.TrimSpace(cfg.Scheduler.SweepTime); t != "" {
		return []string{t}
	}
	return []string{scheduler.DefaultSweepTime}
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	addr := strings.TrimSpace(oc.Addr)
	if addr == "" {
		addr = ops.DefaultAddr
	}
	out := ops.Config{
		Enabled:       oc.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
	}
	if out.Enabled && out.Token == "" && !out.AllowInsecure && !ops.IsLoopbackAddr(addr) {
		return ops.Config{}, fmt.Errorf("ops.addr %q is not loopback; set ops.token or ops.allow_insecure", addr)
	}
	return out, nil
}

// Validate checks everything the pipeline maps from cfg. It backs both
// startup and hot-reload validation.
func Validate(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := parseChatID("telegram.group_log", cfg.Telegram.GroupLog); err != nil {
		return err
	}
	for path, lvl := range map[string]string{
		"logging.level":              cfg.Logging.Level,
		"logging.telegram.min_level": cfg.Logging.Telegram.MinLevel,
	} {
		if strings.TrimSpace(lvl) == "" {
			continue
		}
		if _, err := logx.ParseLevel(lvl); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	if _, err := mapStoreConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapObjectStoreConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapComposeConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSweepConfig(cfg); err != nil {
		return err
	}
	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	if _, err := scheduler.New(sc, nil, logx.Nop()); err != nil {
		return err
	}
	if err := scheduler.ValidateTimes(append(dispatchTimes(cfg), sweepTimes(cfg)...)); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	return nil
}
