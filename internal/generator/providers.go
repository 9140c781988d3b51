package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"autopress/internal/config"

	"github.com/sashabaranov/go-openai"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"

	anthropicEndpoint = "https://api.anthropic.com/v1/messages"
	anthropicVersion  = "2023-06-01"
	geminiEndpoint    = "https://generativelanguage.googleapis.com/v1beta/models"
)

// NewProvider selects the provider named in cfg and binds it to credential.
func NewProvider(cfg config.GenerationConfig, credential string) (Provider, error) {
	if strings.TrimSpace(credential) == "" {
		return nil, errors.New("generation credential is empty")
	}
	client := &http.Client{Timeout: cfg.Timeout}

	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderOpenAI:
		return NewOpenAIProvider(credential, cfg.Model, cfg.Endpoint, client), nil
	case ProviderAnthropic:
		return NewAnthropicProvider(credential, cfg.Model, cfg.Endpoint, client), nil
	case ProviderGemini:
		return NewGeminiProvider(credential, cfg.Model, cfg.Endpoint, client), nil
	default:
		return nil, fmt.Errorf("unknown generation provider: %s", cfg.Provider)
	}
}

// OpenAIProvider uses the chat completions API.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider builds a client; baseURL overrides the API root
// (e.g. an OpenAI-compatible gateway).
func NewOpenAIProvider(apiKey, model, baseURL string, httpClient *http.Client) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg), model: model}
}

func (p *OpenAIProvider) Name() string { return ProviderOpenAI }

func (p *OpenAIProvider) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.7,
	})
	if err != nil {
		genErr := &GenerationError{Provider: ProviderOpenAI, Err: err}
		var apiErr *openai.APIError
		var reqErr *openai.RequestError
		switch {
		case errors.As(err, &apiErr):
			genErr.StatusCode = apiErr.HTTPStatusCode
		case errors.As(err, &reqErr):
			genErr.StatusCode = reqErr.HTTPStatusCode
		}
		return "", genErr
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// AnthropicProvider uses the messages API.
type AnthropicProvider struct {
	endpoint string
	apiKey   string
	model    string
	http     *http.Client
}

var _ Provider = (*AnthropicProvider)(nil)

func NewAnthropicProvider(apiKey, model, endpoint string, httpClient *http.Client) *AnthropicProvider {
	if endpoint == "" {
		endpoint = anthropicEndpoint
	}
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &AnthropicProvider{endpoint: endpoint, apiKey: apiKey, model: model, http: httpClient}
}

func (p *AnthropicProvider) Name() string { return ProviderAnthropic }

func (p *AnthropicProvider) Complete(ctx context.Context, prompt string) (string, error) {
	payload := map[string]any{
		"model":      p.model,
		"max_tokens": 4096,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	headers := map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicVersion,
	}

	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := postJSON(ctx, p.http, ProviderAnthropic, p.endpoint, headers, payload, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

// GeminiProvider uses the generateContent API.
type GeminiProvider struct {
	endpoint string
	apiKey   string
	model    string
	http     *http.Client
}

var _ Provider = (*GeminiProvider)(nil)

// NewGeminiProvider builds a client; endpoint is the models collection URL.
func NewGeminiProvider(apiKey, model, endpoint string, httpClient *http.Client) *GeminiProvider {
	if endpoint == "" {
		endpoint = geminiEndpoint
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &GeminiProvider{endpoint: strings.TrimSuffix(endpoint, "/"), apiKey: apiKey, model: model, http: httpClient}
}

func (p *GeminiProvider) Name() string { return ProviderGemini }

func (p *GeminiProvider) Complete(ctx context.Context, prompt string) (string, error) {
	payload := map[string]any{
		"contents": []map[string]any{
			{"parts": []map[string]string{{"text": prompt}}},
		},
	}
	headers := map[string]string{"x-goog-api-key": p.apiKey}
	url := fmt.Sprintf("%s/%s:generateContent", p.endpoint, p.model)

	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := postJSON(ctx, p.http, ProviderGemini, url, headers, payload, &resp); err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String(), nil
}

// postJSON sends payload and decodes a 2xx reply into out. Transport and
// status failures come back as *GenerationError, an undecodable 2xx body as
// ErrMalformedEnvelope.
func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &GenerationError{Provider: provider, Err: fmt.Errorf("marshal payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &GenerationError{Provider: provider, Err: fmt.Errorf("new request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return &GenerationError{Provider: provider, Err: fmt.Errorf("do request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &GenerationError{
			Provider:   provider,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg))),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return nil
}
