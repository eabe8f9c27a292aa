// Package narrative はLLMによる事業計画の物語文生成を提供する。
// OpenAI互換の /chat/completions を非ストリーミングで呼び出し、
// 生成結果をサニタイズしてから返す。
package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultBaseURL はOpenAI APIのベースURL。
	DefaultBaseURL = "https://api.openai.com/v1"
	// DefaultModel は既定のモデル名。
	DefaultModel = "gpt-4o-mini"

	maxResponseSize = 4 << 20
	maxPromptLength = 8000

	systemPrompt = "Eres un asesor de negocios. Redacta un resumen narrativo breve del plan " +
		"descrito por el usuario usando solo HTML simple (p, h2, h3, ul, ol, li, strong, em)."
)

var (
	// ErrEmptyPrompt はプロンプトが空であることを表す。
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrPromptTooLong はプロンプトが長すぎることを表す。
	ErrPromptTooLong = errors.New("prompt is too long")
	// ErrGeneration は生成に失敗したことを表す。
	ErrGeneration = errors.New("narrative generation failed")
)

// Config は生成クライアントの設定。
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Message はチャットメッセージ。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// HTMLSanitizer は生成HTMLを安全なマークアップに絞り込む。security.NarrativeSanitizer が満たす。
type HTMLSanitizer interface {
	Sanitize(rawHTML string) string
}

// Client はOpenAI互換APIの生成クライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	sanitizer  HTMLSanitizer
	baseURL    string
	apiKey     string
	model      string
}

// NewClient はClientの新しいインスタンスを生成する。
// httpClientがnilの場合は cfg.Timeout（既定60秒）のクライアントを使う。
func NewClient(httpClient *http.Client, logger *slog.Logger, sanitizer HTMLSanitizer, cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		sanitizer:  sanitizer,
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		model:      model,
	}
}

// Generate はプロンプトから物語文を生成し、サニタイズ済みHTMLを返す。
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}
	if len(prompt) > maxPromptLength {
		return "", ErrPromptTooLong
	}

	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("リクエストのエンコードに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("LLM APIの呼び出しに失敗しました",
			slog.String("model", c.model),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		c.logger.Error("LLM APIがエラーステータスを返しました",
			slog.String("model", c.model),
			slog.Int("http_status", resp.StatusCode),
		)
		return "", fmt.Errorf("%w: unexpected status %s", ErrGeneration, resp.Status)
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrGeneration, err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("%w: empty completion", ErrGeneration)
	}

	// 許可外のマークアップしか無かった場合は生成失敗として扱い、クレジットを返金させる
	html := c.sanitizer.Sanitize(out.Choices[0].Message.Content)
	if html == "" {
		c.logger.Warn("生成結果がサニタイズ後に空になりました", slog.String("model", c.model))
		return "", fmt.Errorf("%w: completion empty after sanitizing", ErrGeneration)
	}
	return html, nil
}
