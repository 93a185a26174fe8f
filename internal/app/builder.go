package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	arenacfg "arena/internal/config"
	cfgloader "arena/internal/config/loader"
	"arena/internal/gateway/binance"
	"arena/internal/gateway/gate"
	"arena/internal/gateway/provider"
	"arena/internal/logger"
	"arena/internal/market"
	"arena/internal/pipeline"
	"arena/internal/run"
	"arena/internal/store/eventlog"
	"arena/internal/store/runstore"
	arenahttp "arena/internal/transport/http/arena"

	"github.com/shopspring/decimal"
)

// AppBuilder 按配置装配竞技场服务。各构建函数可被测试替换。
type AppBuilder struct {
	cfg *arenacfg.Config

	marketSourceFn func(arenacfg.MarketConfig) (market.Source, error)
	rosterFn       func(*arenacfg.Config) (rosterProvider, error)
	journalFn      func(string) (*eventlog.Store, error)
	archiveFn      func(string) (*runstore.Store, error)
}

type AppBuilderOption func(*AppBuilder)

// rosterProvider 统一静态名册与热更新名册的取用方式。
type rosterProvider interface {
	Snapshot() cfgloader.RosterSnapshot
}

func NewAppBuilder(cfg *arenacfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:            cfg,
		marketSourceFn: buildMarketSource,
		rosterFn:       buildRoster,
		journalFn:      eventlog.New,
		archiveFn:      runstore.New,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// WithMarketSource 替换行情源构建逻辑（测试用）。
func WithMarketSource(fn func(arenacfg.MarketConfig) (market.Source, error)) AppBuilderOption {
	return func(b *AppBuilder) { b.marketSourceFn = fn }
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	roster, err := b.rosterFn(cfg)
	if err != nil {
		return nil, err
	}
	snap := roster.Snapshot()
	logger.Infof("✓ 已加载 %d 个模型: %s", len(snap.Models), rosterSummary(snap))

	source, err := b.marketSourceFn(cfg.Market)
	if err != nil {
		return nil, fmt.Errorf("构建行情源失败: %w", err)
	}

	journal, err := b.journalFn(cfg.Store.EventLogPath)
	if err != nil {
		return nil, fmt.Errorf("打开事件日志失败: %w", err)
	}
	archive, err := b.archiveFn(cfg.Store.RunArchivePath)
	if err != nil {
		_ = journal.Close()
		return nil, fmt.Errorf("打开运行归档失败: %w", err)
	}

	defaults := pipeline.Params{
		Harness:     cfg.Arena.Harness,
		BudgetUSD:   decimal.NewFromFloat(cfg.Arena.BudgetUSD),
		Symbols:     cfg.Arena.Symbols,
		Interval:    cfg.Arena.Interval,
		KlineLimit:  cfg.Arena.KlineLimit,
		Parallel:    cfg.Arena.Parallel,
		CallTimeout: time.Duration(cfg.Arena.CallTimeoutSeconds) * time.Second,
	}
	factory := buildExecutorFactory(roster, source, archive, defaults.CallTimeout)
	manager := arenahttp.NewManager(factory, journal, archive, defaults)
	manager.ReportDir = cfg.Store.ReportDir

	server, err := arenahttp.NewServer(arenahttp.ServerConfig{
		Addr:    cfg.App.HTTPAddr,
		Manager: manager,
		Journal: journal,
		Archive: archive,
	})
	if err != nil {
		_ = journal.Close()
		_ = archive.Close()
		return nil, err
	}

	return &App{
		cfg:     cfg,
		server:  server,
		manager: manager,
		journal: journal,
		archive: archive,
		source:  source,
	}, nil
}

// buildExecutorFactory 每次运行时重新取名册快照，热更新从下一次运行生效。
func buildExecutorFactory(roster rosterProvider, source market.Source, memory pipeline.Memory, timeout time.Duration) arenahttp.ExecutorFactory {
	return func(params pipeline.Params, models []run.ModelRef) (arenahttp.Executor, error) {
		snap := roster.Snapshot()
		selected := selectModels(snap.Models, models)
		if len(selected) == 0 {
			return nil, fmt.Errorf("没有可用的参赛模型")
		}
		providers := provider.BuildProvidersFromConfig(toProviderCfgs(selected), timeout)
		return pipeline.New(params, providers, source, memory), nil
	}
}

// selectModels 按请求里的 models 过滤名册；请求为空时全员参赛。
func selectModels(roster []arenacfg.ResolvedModelConfig, refs []run.ModelRef) []arenacfg.ResolvedModelConfig {
	if len(refs) == 0 {
		return roster
	}
	wanted := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		wanted[ref.WorkerID()] = struct{}{}
	}
	var out []arenacfg.ResolvedModelConfig
	for _, m := range roster {
		if _, ok := wanted[m.WorkerID()]; ok {
			out = append(out, m)
		}
	}
	return out
}

func toProviderCfgs(models []arenacfg.ResolvedModelConfig) []provider.ModelCfg {
	out := make([]provider.ModelCfg, 0, len(models))
	for _, m := range models {
		out = append(out, provider.ModelCfg{
			ID:         m.ID,
			Provider:   m.Provider,
			APIURL:     m.APIURL,
			APIKey:     m.APIKey,
			Model:      m.Model,
			Headers:    m.Headers,
			ExpectJSON: m.ExpectJSON,
		})
	}
	return out
}

// staticRoster 把主配置里的模型列表包装成名册快照，不支持热更新。
type staticRoster struct {
	snap cfgloader.RosterSnapshot
}

func (s staticRoster) Snapshot() cfgloader.RosterSnapshot { return s.snap }

func buildRoster(cfg *arenacfg.Config) (rosterProvider, error) {
	if strings.TrimSpace(cfg.Arena.RosterPath) != "" {
		return cfgloader.NewRosterLoader(cfg.Arena.RosterPath)
	}
	models, err := cfg.Arena.ResolveModelConfigs()
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("配置中没有启用的模型")
	}
	return staticRoster{snap: cfgloader.RosterSnapshot{
		Version:  1,
		LoadedAt: time.Now(),
		Models:   models,
		Weights:  cfg.Arena.Weights,
	}}, nil
}

func buildMarketSource(cfg arenacfg.MarketConfig) (market.Source, error) {
	src := cfg.ResolveActiveSource()
	switch strings.ToLower(strings.TrimSpace(src.Name)) {
	case "gate":
		return gate.New(gate.Config{
			RESTBaseURL:  src.RESTBaseURL,
			ProxyEnabled: src.Proxy.Enabled,
			RESTProxyURL: src.Proxy.RESTURL,
		})
	default:
		return binance.New(binance.Config{
			RESTBaseURL:  src.RESTBaseURL,
			ProxyEnabled: src.Proxy.Enabled,
			RESTProxyURL: src.Proxy.RESTURL,
		})
	}
}

func rosterSummary(snap cfgloader.RosterSnapshot) string {
	ids := make([]string, 0, len(snap.Models))
	for _, m := range snap.Models {
		ids = append(ids, m.WorkerID())
	}
	return strings.Join(ids, ", ")
}
