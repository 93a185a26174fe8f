package config

import (
	"fmt"
	"strings"
)

// 默认值常量
const (
	defaultAppEnv          = "dev"
	defaultAppLogLevel     = "info"
	defaultAppHTTPAddr     = ":9993"
	defaultAppLogPath      = "/data/logs/arena.log"
	defaultAppModelLogPath = "/data/logs/arena-models.log"
	defaultArenaHarness    = "paper"
	defaultArenaBudget     = 10000
	defaultArenaInterval   = "1h"
	defaultArenaKlines     = 200
	defaultArenaTimeout    = 120
	defaultArenaParallel   = 4
	defaultMarketName      = "binance"
	defaultMarketREST      = "https://fapi.binance.com"
	defaultRunArchivePath  = "/data/arena/runs.db"
	defaultEventLogPath    = "/data/arena/events.db"
	defaultReportDir       = "/data/arena/reports"
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Arena.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Store.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.model_log_path", &a.ModelLog, defaultAppModelLogPath),
	)
}

func (a *ArenaConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("arena.harness", &a.Harness, defaultArenaHarness),
		stringFieldDefault("arena.interval", &a.Interval, defaultArenaInterval),
		fieldDefault{
			key:   "arena.budget_usd",
			need:  func() bool { return a.BudgetUSD <= 0 },
			apply: func() { a.BudgetUSD = defaultArenaBudget },
		},
		fieldDefault{
			key:   "arena.kline_limit",
			need:  func() bool { return a.KlineLimit <= 0 },
			apply: func() { a.KlineLimit = defaultArenaKlines },
		},
		fieldDefault{
			key:   "arena.call_timeout_seconds",
			need:  func() bool { return a.CallTimeoutSeconds <= 0 },
			apply: func() { a.CallTimeoutSeconds = defaultArenaTimeout },
		},
		fieldDefault{
			key:   "arena.parallel",
			need:  func() bool { return a.Parallel <= 0 },
			apply: func() { a.Parallel = defaultArenaParallel },
		},
	)
	if len(a.Symbols) == 0 {
		a.Symbols = []string{"BTCUSDT"}
	}
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	if len(m.Sources) == 0 {
		m.Sources = []MarketSource{{
			Name:        defaultMarketName,
			Enabled:     true,
			RESTBaseURL: defaultMarketREST,
		}}
	}
	for i := range m.Sources {
		src := &m.Sources[i]
		src.Proxy.normalize()
		if strings.TrimSpace(src.Name) == "" {
			if i == 0 {
				src.Name = defaultMarketName
			} else {
				src.Name = fmt.Sprintf("market_%d", i)
			}
		}
		if src.RESTBaseURL == "" {
			src.RESTBaseURL = defaultMarketREST
		}
	}
	if strings.TrimSpace(m.ActiveSource) == "" {
		m.ActiveSource = firstEnabledMarket(m.Sources)
	}
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.run_archive_path", &s.RunArchivePath, defaultRunArchivePath),
		stringFieldDefault("store.event_log_path", &s.EventLogPath, defaultEventLogPath),
		stringFieldDefault("store.report_dir", &s.ReportDir, defaultReportDir),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func firstEnabledMarket(sources []MarketSource) string {
	for _, src := range sources {
		name := strings.TrimSpace(src.Name)
		if src.Enabled && name != "" {
			return name
		}
	}
	if len(sources) > 0 {
		if name := strings.TrimSpace(sources[0].Name); name != "" {
			return name
		}
	}
	return defaultMarketName
}
