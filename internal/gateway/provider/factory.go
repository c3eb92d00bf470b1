package provider

import (
	"fmt"
	"strings"
	"time"

	"alphapilot/internal/config"
	"alphapilot/internal/logger"
)

// BuildProvidersFromConfig turns the configured model list into
// providers, preserving configuration order (primary first, then
// backups). Disabled entries are dropped.
func BuildProvidersFromConfig(models []config.AIModelConfig, timeout time.Duration) []ModelProvider {
	out := make([]ModelProvider, 0, len(models))
	for _, m := range models {
		if !m.Enabled {
			continue
		}
		id := strings.TrimSpace(m.ID)
		if id == "" {
			id = fmt.Sprintf("openai:%s", strings.TrimSpace(m.Model))
			logger.Warnf("ai.models entry missing id, generated %q", id)
		}
		client := &OpenAIChatClient{
			BaseURL:      m.APIURL,
			APIKey:       m.APIKey,
			Model:        m.Model,
			ExtraHeaders: m.Headers,
		}
		if timeout > 0 {
			client.Timeout = timeout
		}
		out = append(out, NewOpenAIModelProvider(id, true, client))
	}
	return out
}
