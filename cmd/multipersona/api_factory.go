package main

import (
	"fmt"

	"github.com/deniskropp/t170/internal/api"
	"github.com/deniskropp/t170/internal/config"
	"github.com/deniskropp/t170/internal/orchestrator/policy"
)

// createCompleter builds the completion service used for role synthesis.
// It returns nil, nil when no credentials are configured, which makes every
// synthesis fall back to the dynamic specialist.
func createCompleter(cfg *config.Config, p policy.SynthesisPolicy) (*api.Completer, error) {
	if !config.HasCompletionService(cfg) {
		return nil, nil
	}

	key, err := config.GetAPIKey(cfg)
	if err != nil {
		return nil, err
	}

	c, err := api.New(api.Endpoint{
		APIKey:  key,
		BaseURL: cfg.Anthropic.BaseURL,
		Bedrock: cfg.Anthropic.UseBedrock,
		Region:  cfg.Anthropic.Region,
		Profile: cfg.Anthropic.Profile,
	}, p)
	if err != nil {
		return nil, fmt.Errorf("create completion service: %w", err)
	}
	return c, nil
}
