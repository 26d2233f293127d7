package config

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	logx "myschedule/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		s := newCfg.Scheduler
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(s.Timezone)),
			logx.String("scheduler.tick_interval", strings.TrimSpace(s.TickInterval)),
			logx.String("scheduler.misfire_threshold", strings.TrimSpace(s.MisfireThreshold)),
			logx.Int("scheduler.batch_size", s.BatchSize),
		)
		if oldCfg.Scheduler.InstanceID != s.InstanceID {
			attrs = append(attrs, logx.Bool("scheduler.instance_id_changed", true))
		}
	}

	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		e := newCfg.Engine
		attrs = append(attrs,
			logx.Int("engine.workers", e.Workers),
			logx.String("engine.default_timeout", strings.TrimSpace(e.DefaultTimeout)),
			logx.Int("engine.history_size", e.HistorySize),
		)
	}

	oldS, newS := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(oldS.Driver) != strings.TrimSpace(newS.Driver) ||
		strings.TrimSpace(oldS.Path) != strings.TrimSpace(newS.Path) ||
		strings.TrimSpace(oldS.BusyTimeout) != strings.TrimSpace(newS.BusyTimeout) ||
		oldS.HistorySize != newS.HistorySize ||
		oldS.CompactEvery != newS.CompactEvery {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
		)
	}

	oa, na := oldCfg.Admin, newCfg.Admin
	tokenChanged := strings.TrimSpace(oa.Token) != strings.TrimSpace(na.Token)
	oa.Token, na.Token = "", ""
	if tokenChanged || oa != na {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", na.Enabled),
			logx.String("admin.addr", strings.TrimSpace(na.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(newCfg.Admin.Token) != ""),
			logx.Bool("admin.allow_insecure", na.AllowInsecure),
			logx.Bool("admin.pprof", na.Pprof),
		)
	}

	if hashJobs(oldCfg) != hashJobs(newCfg) {
		changed = append(changed, "jobs")
		attrs = append(attrs, logx.Int("jobs.count", len(newCfg.Jobs)))
	}

	sort.Strings(changed)
	return changed, attrs
}

func hashJobs(cfg *Config) uint64 {
	if len(cfg.Jobs) == 0 {
		return 0
	}
	b, err := json.Marshal(cfg.Jobs)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
