package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	arenacfg "arena/internal/config"
	"arena/internal/market"
	"arena/internal/run"
)

type noopSource struct{}

func (noopSource) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	return nil, nil
}
func (noopSource) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}
func (noopSource) Close() error { return nil }

func testConfig(t *testing.T) *arenacfg.Config {
	t.Helper()
	dir := t.TempDir()
	return &arenacfg.Config{
		App: arenacfg.AppConfig{LogLevel: "error", HTTPAddr: ":0"},
		Arena: arenacfg.ArenaConfig{
			Harness:            "paper",
			BudgetUSD:          10000,
			Symbols:            []string{"BTCUSDT"},
			Interval:           "1h",
			KlineLimit:         200,
			CallTimeoutSeconds: 120,
			Parallel:           4,
			Models: []arenacfg.ModelConfig{
				{ID: "deepseek", Provider: "deepseek", Model: "deepseek-chat", Enabled: true, APIURL: "https://api.deepseek.com", APIKey: "k"},
				{ID: "qwen", Provider: "qwen", Model: "qwen-max", Enabled: true, APIURL: "https://api.qwen.example", APIKey: "k"},
			},
		},
		Store: arenacfg.StoreConfig{
			RunArchivePath: filepath.Join(dir, "runs.db"),
			EventLogPath:   filepath.Join(dir, "events.db"),
		},
	}
}

func TestBuildAssemblesService(t *testing.T) {
	cfg := testConfig(t)
	b := NewAppBuilder(cfg, WithMarketSource(func(arenacfg.MarketConfig) (market.Source, error) {
		return noopSource{}, nil
	}))
	a, err := b.Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(a.closeAll)

	require.NotNil(t, a.Manager())
	assert.Empty(t, a.Manager().ActiveRunID())
}

func TestBuildRequiresEnabledModel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Arena.Models = nil
	b := NewAppBuilder(cfg, WithMarketSource(func(arenacfg.MarketConfig) (market.Source, error) {
		return noopSource{}, nil
	}))
	_, err := b.Build(context.Background())
	assert.Error(t, err)
}

func TestSelectModelsFiltersByWorkerID(t *testing.T) {
	roster := []arenacfg.ResolvedModelConfig{
		{ID: "a", Provider: "deepseek", Model: "deepseek-chat"},
		{ID: "b", Provider: "qwen", Model: "qwen-max"},
	}

	all := selectModels(roster, nil)
	assert.Len(t, all, 2)

	subset := selectModels(roster, []run.ModelRef{{Provider: "qwen", Model: "qwen-max"}})
	require.Len(t, subset, 1)
	assert.Equal(t, "b", subset[0].ID)

	none := selectModels(roster, []run.ModelRef{{Provider: "ghost", Model: "x"}})
	assert.Empty(t, none)
}
