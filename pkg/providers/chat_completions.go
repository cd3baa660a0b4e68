package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHTTPTimeout = 60 * time.Second

// ChatCompletionsClient talks to an OpenAI-compatible /chat/completions
// endpoint with a fixed sampling configuration. It does not retry and does
// not trim the message list.
type ChatCompletionsClient struct {
	providerName string
	apiBase      string
	sampling     Sampling
	auth         AuthStrategy
	httpClient   *http.Client
	extraHeaders map[string]string
}

type ClientOptions struct {
	ProviderName string
	APIBase      string
	Sampling     Sampling
	Auth         AuthStrategy
	Proxy        string
	Timeout      time.Duration
	ExtraHeaders map[string]string
}

func NewChatCompletionsClient(opts ClientOptions) (*ChatCompletionsClient, error) {
	providerName := strings.TrimSpace(strings.ToLower(opts.ProviderName))
	if providerName == "" {
		providerName = "openai"
	}
	apiBase := strings.TrimRight(strings.TrimSpace(opts.APIBase), "/")
	if apiBase == "" {
		return nil, fmt.Errorf("%s API base not configured", providerName)
	}
	if opts.Auth == nil {
		return nil, fmt.Errorf("%s auth is not configured", providerName)
	}
	if strings.TrimSpace(opts.Sampling.Model) == "" {
		return nil, fmt.Errorf("%s model is not configured", providerName)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	client := &http.Client{Timeout: timeout}
	if proxy := strings.TrimSpace(opts.Proxy); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse %s proxy: %w", providerName, err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	cleanHeaders := map[string]string{}
	for k, v := range opts.ExtraHeaders {
		name := strings.TrimSpace(k)
		value := strings.TrimSpace(v)
		if name == "" || value == "" {
			continue
		}
		cleanHeaders[name] = value
	}

	return &ChatCompletionsClient{
		providerName: providerName,
		apiBase:      apiBase,
		sampling:     opts.Sampling,
		auth:         opts.Auth,
		httpClient:   client,
		extraHeaders: cleanHeaders,
	}, nil
}

type chatRequest struct {
	Model            string    `json:"model"`
	Temperature      float64   `json:"temperature"`
	TopP             float64   `json:"top_p"`
	FrequencyPenalty float64   `json:"frequency_penalty"`
	PresencePenalty  float64   `json:"presence_penalty"`
	Messages         []Message `json:"messages"`
}

func (p *ChatCompletionsClient) Model() string {
	if p == nil {
		return ""
	}
	return p.sampling.Model
}

func (p *ChatCompletionsClient) Chat(ctx context.Context, messages []Message) (*ChatResponse, error) {
	if p == nil {
		return nil, fmt.Errorf("provider not initialized")
	}

	jsonData, err := json.Marshal(chatRequest{
		Model:            p.sampling.Model,
		Temperature:      p.sampling.Temperature,
		TopP:             p.sampling.TopP,
		FrequencyPenalty: p.sampling.FrequencyPenalty,
		PresencePenalty:  p.sampling.PresencePenalty,
		Messages:         messages,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", p.providerName, err)
	}

	endpoint := p.apiBase + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", p.providerName, err)
	}

	req.Header.Set("Content-Type", "application/json")
	if err := p.auth.Apply(ctx, req); err != nil {
		return nil, fmt.Errorf("apply %s auth: %w", p.providerName, err)
	}
	for name, value := range p.extraHeaders {
		req.Header.Set(name, value)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, AsProviderError(p.providerName, fmt.Errorf("send %s request: %w", p.providerName, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, AsProviderError(p.providerName, fmt.Errorf("read %s response: %w", p.providerName, err))
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &ProviderError{
			Provider:   p.providerName,
			StatusCode: resp.StatusCode,
			Reason:     reasonPhrase(resp),
			Detail:     extractAPIError(body),
		}
	}

	result, err := parseChatResponse(body)
	if err != nil {
		return nil, AsProviderError(p.providerName, fmt.Errorf("parse %s response: %w", p.providerName, err))
	}
	return result, nil
}

// reasonPhrase strips the status code from resp.Status ("429 Too Many
// Requests" -> "Too Many Requests").
func reasonPhrase(resp *http.Response) string {
	status := strings.TrimSpace(resp.Status)
	if _, rest, ok := strings.Cut(status, " "); ok && strings.TrimSpace(rest) != "" {
		return strings.TrimSpace(rest)
	}
	if text := http.StatusText(resp.StatusCode); text != "" {
		return text
	}
	return fmt.Sprintf("status %d", resp.StatusCode)
}

// parseChatResponse decodes strictly: the choices field must be present and
// every returned message must carry a known role.
func parseChatResponse(body []byte) (*ChatResponse, error) {
	var probe struct {
		Choices json.RawMessage `json:"choices"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(probe.Choices) == 0 || string(probe.Choices) == "null" {
		return nil, fmt.Errorf("%w: missing choices", ErrMalformedResponse)
	}

	var out ChatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	for i, c := range out.Choices {
		if !ValidRole(c.Message.Role) {
			return nil, fmt.Errorf("%w: choice %d has role %q", ErrMalformedResponse, i, c.Message.Role)
		}
	}
	return &out, nil
}

func extractAPIError(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "empty response body"
	}

	var payload struct {
		Error struct {
			Message string      `json:"message"`
			Type    string      `json:"type"`
			Code    interface{} `json:"code"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := strings.TrimSpace(payload.Error.Message); msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(payload.Message); msg != "" {
			return msg
		}
	}

	if len(trimmed) > 2000 {
		return trimmed[:2000] + "..."
	}
	return trimmed
}
