package loader

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"arena/internal/config"
	"arena/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// rosterFile 是名册文件的完整结构，字段沿用主配置的模型条目格式。
type rosterFile struct {
	Presets map[string]config.ModelPreset `toml:"provider_presets"`
	Models  []config.ModelConfig          `toml:"models"`
	Weights map[string]float64            `toml:"weights"`
}

// RosterSnapshot 对外暴露的只读快照。
type RosterSnapshot struct {
	Version  int64
	LoadedAt time.Time
	Models   []config.ResolvedModelConfig
	Weights  map[string]float64
}

// ChangeListener 在名册变更时被调用。
type ChangeListener func(RosterSnapshot)

// RosterLoader 从 YAML 文件加载模型名册，并监听热更新。
// 运行中的对局不受影响，新名册从下一次运行开始生效。
type RosterLoader struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  RosterSnapshot
	listeners []ChangeListener
}

// NewRosterLoader 读取名册文件并开始监听 FS 事件。
func NewRosterLoader(path string) (*RosterLoader, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("roster loader requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read roster config failed: %w", err)
	}
	loader := &RosterLoader{path: path, v: v}
	if err := loader.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := loader.reload(); err != nil {
			logger.Errorf("roster reload failed (%s): %v", evt.Name, err)
			return
		}
		loader.notify()
	})
	v.WatchConfig()
	return loader, nil
}

// Snapshot 返回当前名册快照（深拷贝）。
func (l *RosterLoader) Snapshot() RosterSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneSnapshot(l.snapshot)
}

// Subscribe 注册监听器，并立即收到一次完整快照。
func (l *RosterLoader) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	snap := cloneSnapshot(l.snapshot)
	l.mu.Unlock()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("roster listener panic: %v", r)
			}
		}()
		fn(snap)
	}()
}

func (l *RosterLoader) notify() {
	l.mu.RLock()
	snap := cloneSnapshot(l.snapshot)
	listeners := append([]ChangeListener(nil), l.listeners...)
	l.mu.RUnlock()
	for _, fn := range listeners {
		if fn == nil {
			continue
		}
		go func(cb ChangeListener) {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("roster listener panic: %v", r)
				}
			}()
			cb(snap)
		}(fn)
	}
}

func (l *RosterLoader) reload() error {
	var file rosterFile
	if err := l.v.Unmarshal(&file, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return fmt.Errorf("parse roster config failed: %w", err)
	}
	arena := config.ArenaConfig{
		ProviderPresets: file.Presets,
		Models:          file.Models,
		Weights:         file.Weights,
	}
	models, err := arena.ResolveModelConfigs()
	if err != nil {
		return err
	}
	if len(models) == 0 {
		return fmt.Errorf("roster file has no enabled model: %s", l.path)
	}
	l.mu.Lock()
	l.snapshot = RosterSnapshot{
		Version:  l.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Models:   models,
		Weights:  file.Weights,
	}
	l.mu.Unlock()
	logger.Infof("Roster loader reloaded %d models from %s", len(models), filepath.Base(l.path))
	return nil
}

func cloneSnapshot(in RosterSnapshot) RosterSnapshot {
	out := RosterSnapshot{
		Version:  in.Version,
		LoadedAt: in.LoadedAt,
	}
	if len(in.Models) > 0 {
		out.Models = append([]config.ResolvedModelConfig(nil), in.Models...)
	}
	if len(in.Weights) > 0 {
		out.Weights = make(map[string]float64, len(in.Weights))
		for k, v := range in.Weights {
			out.Weights[k] = v
		}
	}
	return out
}
