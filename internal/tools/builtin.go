package tools

import (
	"log/slog"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// FromConfig registers the enabled built-in tools.
func FromConfig(cfg config.ToolsConfig, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry()
	if cfg.Clock {
		if err := reg.Register(NewClock()); err != nil {
			return nil, err
		}
	}
	if cfg.WebSearch.Enabled {
		if cfg.WebSearch.APIKey == "" {
			logger.Warn("web_search enabled without an API key, skipping")
			return reg, nil
		}
		search, err := NewWebSearch(cfg.WebSearch.APIKey, cfg.WebSearch.Count, logger)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(search); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
