package llm

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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"AdvisoryScanner/internal/config"
	"AdvisoryScanner/internal/domain"
	"AdvisoryScanner/internal/ports"
	"AdvisoryScanner/internal/throttle"
)

const (
	defaultRateLimitWait = 10 * time.Second
	contentFilterCode    = "content_filter"
)

var (
	callCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "advisoryscanner",
			Subsystem: "ai",
			Name:      "calls_total",
			Help:      "Chat completion calls by outcome.",
		},
		[]string{"outcome"},
	)
	tokenCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "advisoryscanner",
			Subsystem: "ai",
			Name:      "tokens_total",
			Help:      "Tokens consumed by kind.",
		},
		[]string{"kind"},
	)
	callDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "advisoryscanner",
			Subsystem: "ai",
			Name:      "call_duration_seconds",
			Help:      "Duration of chat completion calls.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 9),
		},
	)
)

// ChatGPTClient implements ports.ChatCompleter for OpenAI-compatible chat
// completion APIs. Setting an API version switches to Azure OpenAI conventions.
type ChatGPTClient struct {
	endpoint     string
	model        string
	apiKey       string
	apiVersion   string
	systemPrompt string
	maxTokens    int
	httpClient   *http.Client
}

var _ ports.ChatCompleter = (*ChatGPTClient)(nil)

// NewChatGPTClient builds a client from configuration.
func NewChatGPTClient(cfg config.AIConfig, httpClient *http.Client) *ChatGPTClient {
	if httpClient == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &ChatGPTClient{
		endpoint:     cfg.Endpoint,
		model:        cfg.Model,
		apiKey:       cfg.APIKey,
		apiVersion:   cfg.APIVersion,
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    cfg.MaxTokens,
		httpClient:   httpClient,
	}
}

type chatRequest struct {
	Model          string              `json:"model,omitempty"`
	Messages       []ports.ChatMessage `json:"messages"`
	MaxTokens      int                 `json:"max_tokens,omitempty"`
	Temperature    float64             `json:"temperature"`
	ResponseFormat map[string]string   `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Complete sends the conversation and returns the first choice. Throttling is
// reported as *ports.RateLimitError and policy blocks as ports.ErrContentFiltered.
func (c *ChatGPTClient) Complete(ctx context.Context, req ports.ChatRequest) (ports.ChatCompletion, error) {
	if c == nil {
		return ports.ChatCompletion{}, fmt.Errorf("chatgpt client is nil")
	}
	if c.apiKey == "" || c.endpoint == "" || (c.model == "" && c.apiVersion == "") {
		return ports.ChatCompletion{}, fmt.Errorf("chatgpt client misconfigured")
	}

	start := time.Now()
	out, outcome, err := c.complete(ctx, req)
	callDuration.Observe(time.Since(start).Seconds())
	callCounter.WithLabelValues(outcome).Inc()
	if err == nil {
		tokenCounter.WithLabelValues("prompt").Add(float64(out.Usage.PromptTokens))
		tokenCounter.WithLabelValues("completion").Add(float64(out.Usage.CompletionTokens))
	}
	return out, err
}

func (c *ChatGPTClient) complete(ctx context.Context, req ports.ChatRequest) (ports.ChatCompletion, string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	payload := chatRequest{
		Messages:       c.withSystemPrompt(req.Messages),
		MaxTokens:      maxTokens,
		Temperature:    0.2,
		ResponseFormat: map[string]string{"type": "json_object"},
	}
	if c.apiVersion == "" {
		payload.Model = c.model
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return ports.ChatCompletion{}, "error", fmt.Errorf("marshal chatgpt payload: %w", err)
	}

	target, err := c.url()
	if err != nil {
		return ports.ChatCompletion{}, "error", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return ports.ChatCompletion{}, "error", fmt.Errorf("new request: %w", err)
	}
	if c.apiVersion != "" {
		httpReq.Header.Set("api-key", c.apiKey)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return ports.ChatCompletion{}, "error", fmt.Errorf("send completion: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return ports.ChatCompletion{}, "rate_limited", &ports.RateLimitError{
			Provider:   c.provider(),
			RetryAfter: throttle.RetryAfter(resp.Header, defaultRateLimitWait),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return ports.ChatCompletion{}, "error", fmt.Errorf("read completion: %w", err)
	}
	var decoded chatResponse
	decodeErr := json.Unmarshal(raw, &decoded)

	if resp.StatusCode >= http.StatusBadRequest {
		if decodeErr == nil && decoded.Error != nil && decoded.Error.Code == contentFilterCode {
			return ports.ChatCompletion{}, "filtered", fmt.Errorf("%w: %s", ports.ErrContentFiltered, decoded.Error.Message)
		}
		snippet := string(raw)
		if len(snippet) > 1024 {
			snippet = snippet[:1024]
		}
		return ports.ChatCompletion{}, "error", fmt.Errorf("chatgpt error %s: %s", resp.Status, strings.TrimSpace(snippet))
	}
	if decodeErr != nil {
		return ports.ChatCompletion{}, "error", fmt.Errorf("decode completion: %w", decodeErr)
	}
	if len(decoded.Choices) == 0 {
		return ports.ChatCompletion{}, "error", fmt.Errorf("completion has no choices")
	}

	usage := domain.Usage{
		PromptTokens:     decoded.Usage.PromptTokens,
		CompletionTokens: decoded.Usage.CompletionTokens,
	}
	choice := decoded.Choices[0]
	if choice.FinishReason == contentFilterCode {
		return ports.ChatCompletion{Usage: usage}, "filtered", fmt.Errorf("%w: completion stopped by filter", ports.ErrContentFiltered)
	}
	return ports.ChatCompletion{Content: choice.Message.Content, Usage: usage}, "ok", nil
}

func (c *ChatGPTClient) url() (string, error) {
	if c.apiVersion == "" {
		return c.endpoint, nil
	}
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("ai endpoint: %w", err)
	}
	q := u.Query()
	q.Set("api-version", c.apiVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *ChatGPTClient) provider() string {
	if c.apiVersion != "" {
		return "azure-openai"
	}
	return "openai"
}

func (c *ChatGPTClient) withSystemPrompt(msgs []ports.ChatMessage) []ports.ChatMessage {
	if len(msgs) > 0 && msgs[0].Role == "system" {
		return msgs
	}
	out := make([]ports.ChatMessage, 0, len(msgs)+1)
	out = append(out, ports.ChatMessage{Role: "system", Content: safePrompt(c.systemPrompt)})
	return append(out, msgs...)
}

func safePrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "You are a cybersecurity analyst. Answer with a single JSON object only."
	}
	return prompt
}
