package config

// Config is the on-disk configuration. Files may be JSON, YAML or TOML; all
// formats are decoded through the strict JSON decoder, so unknown keys fail.
//
// All durations are Go duration strings (e.g. "3s", "720h").
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Channels    ChannelsConfig    `json:"channels"`
	Logging     LoggingConfig     `json:"logging"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Store       StoreConfig       `json:"store"`
	ObjectStore ObjectStoreConfig `json:"object_store"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Compose     ComposeConfig     `json:"compose"`
	Retention   RetentionConfig   `json:"retention"`
	Ops         OpsConfig         `json:"ops,omitempty"`

	// LockPath is the cross-process run lock. Default: <compose.work_dir>/chanpost.lock
	LockPath string `json:"lock_path,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog receives log lines when logging.telegram is enabled.
	// Falls back to channels.status.
	GroupLog string `json:"group_log,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// ChannelsConfig holds numeric Telegram chat IDs as strings ("-100123...").
type ChannelsConfig struct {
	Primary   string `json:"primary"`
	Secondary string `json:"secondary"`
	Status    string `json:"status"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls trigger times. Times are HH:MM in SourceTimezone.
//
// Defaults:
//   - source_timezone: "Europe/Moscow"
//   - dispatch_times: ["08:45", "15:45", "20:45"]
//   - sweep_time: "03:00"
type SchedulerConfig struct {
	Enabled         bool     `json:"enabled"`
	SourceTimezone  string   `json:"source_timezone,omitempty"`
	DisplayTimezone string   `json:"display_timezone,omitempty"`
	DispatchTimes   []string `json:"dispatch_times,omitempty"`
	SweepTime       string   `json:"sweep_time,omitempty"`
	JobTimeout      string   `json:"job_timeout,omitempty"`
}

// StoreConfig selects the item store.
//
// Example:
//
//	"store": { "driver": "sqlite", "path": "./data/chanpost.db" }
//	"store": { "driver": "postgres", "dsn": "${CHANPOST_DSN}" }
type StoreConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxConns    int32  `json:"max_conns,omitempty"`    // postgres
}

// ObjectStoreConfig selects the blob store holding ad-hoc media and
// background clips.
type ObjectStoreConfig struct {
	Driver          string `json:"driver"` // "gcs" or "dir"
	Bucket          string `json:"bucket,omitempty"`
	CredentialsFile string `json:"credentials_file,omitempty"`
	Dir             string `json:"dir,omitempty"`
}

type DispatchConfig struct {
	MaxAttempts       int    `json:"max_attempts,omitempty"`
	SentinelRank      int    `json:"sentinel_rank,omitempty"`
	BlobFetchAttempts int    `json:"blob_fetch_attempts,omitempty"`
	BlobFetchBackoff  string `json:"blob_fetch_backoff,omitempty"`
	MediaDir          string `json:"media_dir,omitempty"`
	HTTPTimeout       string `json:"http_timeout,omitempty"`
}

type ComposeConfig struct {
	Enabled            bool    `json:"enabled"`
	FFmpeg             string  `json:"ffmpeg,omitempty"`
	FFprobe            string  `json:"ffprobe,omitempty"`
	WorkDir            string  `json:"work_dir,omitempty"`
	OutputDir          string  `json:"output_dir,omitempty"`
	ClipPrefix         string  `json:"clip_prefix,omitempty"`
	IconPath           string  `json:"icon_path,omitempty"`
	FontPath           string  `json:"font_path,omitempty"`
	CaptionText        string  `json:"caption_text,omitempty"`
	ImageWidthFraction float64 `json:"image_width_fraction,omitempty"`
	IconWidthFraction  float64 `json:"icon_width_fraction,omitempty"`
	FontSizeFraction   float64 `json:"font_size_fraction,omitempty"`
	Timeout            string  `json:"timeout,omitempty"`
}

type RetentionConfig struct {
	// MaxAge defaults to 720h (30 days).
	MaxAge string `json:"max_age,omitempty"`
}

// OpsConfig controls the ops HTTP server (/healthz, /metrics, /debug/pprof).
//
// Prefer binding to localhost; a non-loopback addr requires a token or
// allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:9470"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}
