package config

import "strings"

// Config 是竞技场服务的主配置载体。
type Config struct {
	App    AppConfig    `toml:"app"`
	Arena  ArenaConfig  `toml:"arena"`
	Market MarketConfig `toml:"market"`
	Store  StoreConfig  `toml:"store"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	HTTPAddr  string `toml:"http_addr"`
	LogPath   string `toml:"log_path"`
	ModelLog  string `toml:"model_log_path"`
	ModelDump bool   `toml:"model_dump_payload"`
}

// ArenaConfig 包含运行编排与模型名册相关的所有设置。
type ArenaConfig struct {
	Harness            string                 `toml:"harness"`
	BudgetUSD          float64                `toml:"budget_usd"`
	Symbols            []string               `toml:"symbols"`
	Interval           string                 `toml:"interval"`
	KlineLimit         int                    `toml:"kline_limit"`
	CallTimeoutSeconds int                    `toml:"call_timeout_seconds"`
	Parallel           int                    `toml:"parallel"`
	Weights            map[string]float64     `toml:"weights"`
	ProviderPresets    map[string]ModelPreset `toml:"provider_presets"`
	Models             []ModelConfig          `toml:"models"`
	RosterPath         string                 `toml:"roster_path"`
}

// ModelPreset 描述可复用的 API 连接配置。
type ModelPreset struct {
	APIURL     string            `toml:"api_url"`
	APIKey     string            `toml:"api_key"`
	Headers    map[string]string `toml:"headers"`
	ExpectJSON bool              `toml:"expect_json"`
}

// ModelConfig 代表一个参与竞技场运行的模型条目。
type ModelConfig struct {
	ID       string            `toml:"id"`
	Provider string            `toml:"provider"`
	Preset   string            `toml:"preset"`
	Enabled  bool              `toml:"enabled"`
	APIURL   string            `toml:"api_url"`
	APIKey   string            `toml:"api_key"`
	Model    string            `toml:"model"`
	Headers  map[string]string `toml:"headers"`
	// ExpectJSON 使用指针以区分"显式 false"与"沿用预设值"。
	ExpectJSON *bool `toml:"expect_json"`
}

// ResolvedModelConfig 是合并预设后的最终模型配置。
type ResolvedModelConfig struct {
	ID         string
	Provider   string
	Enabled    bool
	APIURL     string
	APIKey     string
	Model      string
	Headers    map[string]string
	ExpectJSON bool
}

// WorkerID 返回该模型在运行状态机中的标识，形如 provider:model。
func (r ResolvedModelConfig) WorkerID() string {
	return r.Provider + ":" + r.Model
}

type MarketConfig struct {
	ActiveSource string         `toml:"active_source"`
	Sources      []MarketSource `toml:"sources"`
}

type MarketSource struct {
	Name        string      `toml:"name"`
	Enabled     bool        `toml:"enabled"`
	RESTBaseURL string      `toml:"rest_base_url"`
	Proxy       ProxyConfig `toml:"proxy"`
}

type ProxyConfig struct {
	Enabled bool   `toml:"enabled"`
	RESTURL string `toml:"rest_url"`
}

func (p *ProxyConfig) normalize() {
	if p == nil {
		return
	}
	p.RESTURL = strings.TrimSpace(p.RESTURL)
}

func (m MarketConfig) ResolveActiveSource() MarketSource {
	if len(m.Sources) == 0 {
		return MarketSource{
			Name:        "binance",
			Enabled:     true,
			RESTBaseURL: "https://fapi.binance.com",
		}
	}
	active := strings.ToLower(strings.TrimSpace(m.ActiveSource))
	var fallback MarketSource
	for _, src := range m.Sources {
		if fallback.Name == "" {
			fallback = src
		}
		if strings.ToLower(strings.TrimSpace(src.Name)) == active {
			return src
		}
	}
	return fallback
}

// StoreConfig 指定各持久化层的落盘位置。
type StoreConfig struct {
	RunArchivePath string `toml:"run_archive_path"`
	EventLogPath   string `toml:"event_log_path"`
	ReportDir      string `toml:"report_dir"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
