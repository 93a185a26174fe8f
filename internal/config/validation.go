package config

import (
	"fmt"
	"strings"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Arena.validate(); err != nil {
		return err
	}
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Store.validate(); err != nil {
		return err
	}
	return nil
}

func (a *ArenaConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(a.Harness)) {
	case "paper", "live":
	default:
		return fmt.Errorf("arena.harness must be paper or live")
	}
	if a.BudgetUSD <= 0 {
		return fmt.Errorf("arena.budget_usd must be > 0")
	}
	if a.CallTimeoutSeconds <= 0 {
		return fmt.Errorf("arena.call_timeout_seconds must be > 0")
	}
	if a.Parallel <= 0 {
		return fmt.Errorf("arena.parallel must be > 0")
	}
	models, err := a.ResolveModelConfigs()
	if err != nil {
		return err
	}
	if len(models) == 0 {
		return fmt.Errorf("arena.models requires at least one enabled model")
	}
	workerIDs := make(map[string]bool, len(models))
	for _, m := range models {
		if strings.TrimSpace(m.Model) == "" {
			return fmt.Errorf("arena.models contains entry without model (id=%s)", m.ID)
		}
		if strings.TrimSpace(m.Provider) == "" {
			return fmt.Errorf("arena.models.%s missing provider", m.ID)
		}
		if strings.TrimSpace(m.APIURL) == "" {
			return fmt.Errorf("arena.models.%s missing api_url (can inherit from preset)", m.ID)
		}
		if workerIDs[m.WorkerID()] {
			return fmt.Errorf("arena.models resolves duplicate worker id: %s", m.WorkerID())
		}
		workerIDs[m.WorkerID()] = true
	}
	modelSet := make(map[string]struct{}, len(models))
	for _, m := range models {
		modelSet[m.ID] = struct{}{}
	}
	for id, w := range a.Weights {
		if _, ok := modelSet[id]; !ok {
			return fmt.Errorf("arena.weights contains unconfigured model id: %s", id)
		}
		if w < 0 {
			return fmt.Errorf("arena.weights.%s must be >= 0", id)
		}
	}
	return nil
}

func (m *MarketConfig) validate() error {
	if len(m.Sources) == 0 {
		return fmt.Errorf("market.sources requires at least one source")
	}
	active := m.ResolveActiveSource()
	if strings.TrimSpace(active.RESTBaseURL) == "" {
		return fmt.Errorf("market source %s missing rest_base_url", active.Name)
	}
	return nil
}

func (s *StoreConfig) validate() error {
	if strings.TrimSpace(s.RunArchivePath) == "" {
		return fmt.Errorf("store.run_archive_path cannot be empty")
	}
	if strings.TrimSpace(s.EventLogPath) == "" {
		return fmt.Errorf("store.event_log_path cannot be empty")
	}
	return nil
}
