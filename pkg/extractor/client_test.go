package extractor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"personet/pkg/config"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(config.ExtractorConfig{APIBase: "https://example.com"}); err == nil {
		t.Fatal("expected error for missing API key")
	}
	if _, err := NewClient(config.ExtractorConfig{APIKey: "sk-test"}); err == nil {
		t.Fatal("expected error for missing API base")
	}
	if _, err := NewClient(config.ExtractorConfig{APIBase: "https://example.com", APIKey: "sk-test", Proxy: "://bad"}); err == nil {
		t.Fatal("expected error for malformed proxy URL")
	}
}

func TestExtractSendsSingleTurnPrompt(t *testing.T) {
	var seenAuth string
	var seenPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		seenPath = r.URL.Path

		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if got := req["model"]; got != "test-model" {
			t.Fatalf("expected model test-model, got %v", got)
		}
		messages, ok := req["messages"].([]interface{})
		if !ok || len(messages) != 1 {
			t.Fatalf("expected one message, got %v", req["messages"])
		}
		msg := messages[0].(map[string]interface{})
		if msg["role"] != "user" || msg["content"] != "who is 大佬?" {
			t.Fatalf("unexpected message: %v", msg)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"analysis result"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	client, err := NewClient(config.ExtractorConfig{APIBase: server.URL, APIKey: "sk-test", Model: "test-model"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	got, err := client.Extract(context.Background(), "who is 大佬?")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got != "analysis result" {
		t.Fatalf("expected response content, got %q", got)
	}
	if seenAuth != "Bearer sk-test" {
		t.Fatalf("expected bearer auth, got %q", seenAuth)
	}
	if seenPath != "/chat/completions" {
		t.Fatalf("expected /chat/completions path, got %q", seenPath)
	}
}

func TestExtractStructuredContentParts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":[{"type":"text","text":"part one "},{"type":"text","text":"part two"}]}}]}`))
	}))
	defer server.Close()

	client, err := NewClient(config.ExtractorConfig{APIBase: server.URL, APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	got, err := client.Extract(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got != "part one part two" {
		t.Fatalf("expected flattened parts, got %q", got)
	}
}

func TestExtractAPIErrorSurfaced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited, slow down"}}`))
	}))
	defer server.Close()

	client, err := NewClient(config.ExtractorConfig{APIBase: server.URL, APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Extract(context.Background(), "prompt")
	if err == nil {
		t.Fatal("expected error for non-2xx status")
	}
	if !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("expected status and API message in error, got %v", err)
	}
}
