package app

import (
	"context"

	arenacfg "arena/internal/config"
	"arena/internal/logger"
	"arena/internal/market"
	"arena/internal/store/eventlog"
	"arena/internal/store/runstore"
	arenahttp "arena/internal/transport/http/arena"
)

// App 是装配完成的竞技场服务。
type App struct {
	cfg     *arenacfg.Config
	server  *arenahttp.Server
	manager *arenahttp.Manager
	journal *eventlog.Store
	archive *runstore.Store
	source  market.Source
}

// NewApp 按配置构建完整服务。
func NewApp(cfg *arenacfg.Config) (*App, error) {
	return NewAppBuilder(cfg).Build(context.Background())
}

// Manager 暴露运行管理器，供内嵌场景直接开启运行。
func (a *App) Manager() *arenahttp.Manager {
	return a.manager
}

// Run 启动 HTTP 服务并阻塞到 ctx 取消，退出前释放持久化资源。
func (a *App) Run(ctx context.Context) error {
	defer a.closeAll()
	logger.Infof("arena 服务启动: addr=%s harness=%s", a.server.Addr(), a.cfg.Arena.Harness)
	return a.server.Start(ctx)
}

func (a *App) closeAll() {
	if active := a.manager.ActiveRunID(); active != "" {
		a.manager.Cancel(active)
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			logger.Warnf("关闭事件日志失败: %v", err)
		}
	}
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			logger.Warnf("关闭运行归档失败: %v", err)
		}
	}
	if a.source != nil {
		_ = a.source.Close()
	}
}
