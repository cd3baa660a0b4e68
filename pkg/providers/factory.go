package providers

import (
	"fmt"
	"strings"

	"github.com/smallbets/smallbot/pkg/config"
)

const (
	ProviderOpenAI       = "openai"
	defaultOpenAIAPIBase = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-4"
)

// CreateClient builds the chat client from providers.openai. An api_key
// starting with "file:" is read from that path on every request.
func CreateClient(cfg *config.Config) (*ChatCompletionsClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	pc := cfg.Providers.OpenAI

	apiKey := strings.TrimSpace(pc.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required (set providers.openai.api_key or SMALLBOT_PROVIDERS_OPENAI_API_KEY)")
	}
	var key KeySource
	if path, ok := strings.CutPrefix(apiKey, "file:"); ok {
		key = FileKey(path)
	} else {
		key = StaticKey(apiKey, "providers.openai.api_key")
	}

	apiBase := strings.TrimSpace(pc.APIBase)
	if apiBase == "" {
		apiBase = defaultOpenAIAPIBase
	}
	model := strings.TrimSpace(pc.Model)
	if model == "" {
		model = defaultOpenAIModel
	}

	extraHeaders := map[string]string{}
	if org := strings.TrimSpace(pc.Organization); org != "" {
		extraHeaders["OpenAI-Organization"] = org
	}

	return NewChatCompletionsClient(ClientOptions{
		ProviderName: ProviderOpenAI,
		APIBase:      apiBase,
		Sampling:     DefaultSampling(model),
		Auth:         NewBearerAuth(key),
		Proxy:        pc.Proxy,
		Timeout:      cfg.ProviderTimeout(),
		ExtraHeaders: extraHeaders,
	})
}
