package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/arete-app/arete/internal/security"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return NewClient(server.Client(), logger, security.NewContentSanitizer(), Config{
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "gpt-test",
	})
}

func TestClient_Generate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("stream must be false")
		}
		if req.Model != "gpt-test" || len(req.Messages) != 2 || req.Messages[1].Content != "Cafetería en Valparaíso" {
			t.Errorf("request = %+v", req)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"<p>Plan <strong>viable</strong></p><script>alert(1)</script>"},"finish_reason":"stop"}]}`))
	})

	got, err := c.Generate(context.Background(), "  Cafetería en Valparaíso ")
	if err != nil {
		t.Fatalf("Generate がエラーを返した: %v", err)
	}
	if got != "<p>Plan <strong>viable</strong></p>" {
		t.Errorf("Generate() = %q, want sanitized html", got)
	}
}

func TestClient_Generate_InvalidPrompt(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true })

	if _, err := c.Generate(context.Background(), "   "); !errors.Is(err, ErrEmptyPrompt) {
		t.Errorf("err = %v, want ErrEmptyPrompt", err)
	}
	if _, err := c.Generate(context.Background(), strings.Repeat("a", maxPromptLength+1)); !errors.Is(err, ErrPromptTooLong) {
		t.Errorf("err = %v, want ErrPromptTooLong", err)
	}
	if called {
		t.Error("invalid prompts must not reach the provider")
	}
}

func TestClient_Generate_ProviderErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"5xx", http.StatusServiceUnavailable, `{"error":{"message":"overloaded"}}`},
		{"choicesなし", http.StatusOK, `{"choices":[]}`},
		{"空の本文", http.StatusOK, `{"choices":[{"message":{"content":"  "}}]}`},
		{"壊れたJSON", http.StatusOK, `{"choices":`},
		{"サニタイズ後に空", http.StatusOK, `{"choices":[{"message":{"content":"<script>alert(1)</script>"}}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			if _, err := c.Generate(context.Background(), "plan"); !errors.Is(err, ErrGeneration) {
				t.Errorf("err = %v, want ErrGeneration", err)
			}
		})
	}
}

func TestNewClient_Defaults(t *testing.T) {
	var buf bytes.Buffer
	c := NewClient(nil, slog.New(slog.NewJSONHandler(&buf, nil)), security.NewContentSanitizer(), Config{})
	if c.baseURL != DefaultBaseURL || c.model != DefaultModel {
		t.Errorf("defaults = %q/%q", c.baseURL, c.model)
	}
	if c.httpClient.Timeout <= 0 {
		t.Error("default http client must have a timeout")
	}
}
