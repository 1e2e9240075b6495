package llm

// compatibleEndpoint describes a vendor that speaks the OpenAI chat
// completions protocol under its own base URL and model names.
type compatibleEndpoint struct {
	baseURL string
	model   string
}

var compatibleEndpoints = map[string]compatibleEndpoint{
	"deepseek": {baseURL: "https://api.deepseek.com/v1", model: "deepseek-chat"},
	"zhipu":    {baseURL: "https://open.bigmodel.cn/api/paas/v4", model: "glm-4-flash"},
	"glm":      {baseURL: "https://open.bigmodel.cn/api/paas/v4", model: "glm-4-flash"},
}

func init() {
	for name, ep := range compatibleEndpoints {
		Register(name, compatibleFactory(ep))
	}
}

func compatibleFactory(ep compatibleEndpoint) ProviderFactory {
	return func(cfg ProviderConfig) (Provider, error) {
		if cfg.BaseURL == "" {
			cfg.BaseURL = ep.baseURL
		}
		if cfg.Model == "" {
			cfg.Model = ep.model
		}
		return NewOpenAIProvider(cfg)
	}
}

// DefaultModel returns the model used when none is configured for the given
// provider type, or "" when the type has no preset.
func DefaultModel(providerType string) string {
	if ep, ok := compatibleEndpoints[providerType]; ok {
		return ep.model
	}
	switch providerType {
	case "openai":
		return "gpt-4o-mini"
	case "gemini":
		return defaultGeminiModel
	}
	return ""
}

// DefaultBaseURL returns the preset base URL for providerType, if any.
func DefaultBaseURL(providerType string) string {
	if ep, ok := compatibleEndpoints[providerType]; ok {
		return ep.baseURL
	}
	if providerType == "openai" {
		return "https://api.openai.com/v1"
	}
	return ""
}
