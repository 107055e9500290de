package config

import (
	"reflect"
	"sort"
	"strings"

	logx "chanpost/pkg/logx"
)

// restartSections are wired into the pipeline at startup. Only logging,
// telegram owners, scheduler and ops are applied live.
var restartSections = map[string]bool{
	"telegram.token": true,
	"channels":       true,
	"store":          true,
	"object_store":   true,
	"dispatch":       true,
	"compose":        true,
	"retention":      true,
	"lock_path":      true,
}

// SummarizeConfigChange returns the changed sections, safe structured attrs
// for logging (never secrets), and whether any change needs a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram.token")
	}
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
		)
	}
	if oldCfg.Channels != newCfg.Channels {
		changed = append(changed, "channels")
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.source_timezone", newCfg.Scheduler.SourceTimezone),
			logx.Any("scheduler.dispatch_times", newCfg.Scheduler.DispatchTimes),
			logx.String("scheduler.sweep_time", newCfg.Scheduler.SweepTime),
		)
	}
	if oldCfg.Store.Driver != newCfg.Store.Driver || oldCfg.Store.Path != newCfg.Store.Path ||
		oldCfg.Store.DSN != newCfg.Store.DSN || oldCfg.Store.BusyTimeout != newCfg.Store.BusyTimeout ||
		oldCfg.Store.MaxConns != newCfg.Store.MaxConns {
		changed = append(changed, "store")
		attrs = append(attrs, logx.String("store.driver", newCfg.Store.Driver))
	}
	if oldCfg.ObjectStore != newCfg.ObjectStore {
		changed = append(changed, "object_store")
		attrs = append(attrs, logx.String("object_store.driver", newCfg.ObjectStore.Driver))
	}
	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
	}
	if oldCfg.Compose != newCfg.Compose {
		changed = append(changed, "compose")
		attrs = append(attrs, logx.Bool("compose.enabled", newCfg.Compose.Enabled))
	}
	if oldCfg.Retention != newCfg.Retention {
		changed = append(changed, "retention")
	}
	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
		)
	}
	if oldCfg.LockPath != newCfg.LockPath {
		changed = append(changed, "lock_path")
	}

	restart := false
	for _, s := range changed {
		if restartSections[s] {
			restart = true
		}
	}
	sort.Strings(changed)
	return changed, attrs, restart
}
