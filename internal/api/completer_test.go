package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/deniskropp/t170/internal/orchestrator/policy"
)

const okReply = `{"id":"m","type":"message","role":"assistant","model":"x",
	"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn",
	"usage":{"input_tokens":1,"output_tokens":1}}`

func newTestCompleter(t *testing.T, p policy.SynthesisPolicy, handler http.HandlerFunc) *Completer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Endpoint{APIKey: "test-key", BaseURL: srv.URL}, p, option.WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_DefaultsFromPolicy(t *testing.T) {
	c, err := New(Endpoint{APIKey: "test-key"}, policy.SynthesisPolicy{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d := policy.Default().Synthesis
	if string(c.Model()) != d.Model {
		t.Errorf("Model = %q, want %q", c.Model(), d.Model)
	}
	if c.maxTokens != d.MaxTokens {
		t.Errorf("maxTokens = %d, want %d", c.maxTokens, d.MaxTokens)
	}
}

func TestNew_NoAPIKey(t *testing.T) {
	if _, err := New(Endpoint{}, policy.Default().Synthesis); err == nil {
		t.Fatal("New should fail without an API key")
	}
}

func TestBedrockModel(t *testing.T) {
	if got := bedrockModel("claude-sonnet-4-5-20250929"); got != "us.anthropic.claude-sonnet-4-5-20250929-v1:0" {
		t.Errorf("bedrockModel = %q", got)
	}
	profile := "eu.anthropic.claude-haiku-4-5-20251001-v1:0"
	if got := bedrockModel(anthropic.Model(profile)); string(got) != profile {
		t.Errorf("Bedrock ids should pass through, got %q", got)
	}
}

func TestComplete(t *testing.T) {
	var body map[string]any
	c := newTestCompleter(t, policy.SynthesisPolicy{Model: "claude-haiku-4-5", MaxTokens: 300},
		func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
				t.Errorf("path = %s", r.URL.Path)
			}
			raw, _ := io.ReadAll(r.Body)
			json.Unmarshal(raw, &body)

			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{
				"id": "msg_1",
				"type": "message",
				"role": "assistant",
				"model": "claude-haiku-4-5",
				"content": [{"type": "text", "text": "{\"role\": \"Archivist\"}"}],
				"stop_reason": "end_turn",
				"usage": {"input_tokens": 12, "output_tokens": 7}
			}`)
		})

	out, err := c.Complete(context.Background(), "define a role", "be terse", 0.7)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != `{"role": "Archivist"}` {
		t.Errorf("Complete = %q", out)
	}

	if body["model"] != "claude-haiku-4-5" {
		t.Errorf("model = %v, want policy model", body["model"])
	}
	if body["max_tokens"] != float64(300) {
		t.Errorf("max_tokens = %v, want 300", body["max_tokens"])
	}
	if body["temperature"] != 0.7 {
		t.Errorf("temperature = %v, want 0.7", body["temperature"])
	}
	if _, ok := body["system"]; !ok {
		t.Error("system prompt not sent")
	}
	in, outTok := c.Usage().Tokens()
	if c.Usage().Calls() != 1 || in != 12 || outTok != 7 {
		t.Errorf("usage = %d calls, %d/%d tokens", c.Usage().Calls(), in, outTok)
	}
}

func TestComplete_OmitsEmptySystem(t *testing.T) {
	var body map[string]any
	c := newTestCompleter(t, policy.SynthesisPolicy{}, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, okReply)
	})

	if _, err := c.Complete(context.Background(), "hi", "", 0); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, ok := body["system"]; ok {
		t.Error("empty system prompt should be omitted")
	}
	if _, ok := body["temperature"]; ok {
		t.Error("zero temperature should be omitted")
	}
}

func TestComplete_PolicyTimeout(t *testing.T) {
	c := newTestCompleter(t, policy.SynthesisPolicy{Timeout: 50 * time.Millisecond},
		func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, okReply)
		})

	start := time.Now()
	_, err := c.Complete(context.Background(), "hi", "", 0)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Complete took %s, policy timeout not applied", elapsed)
	}
	if c.Usage().Calls() != 0 {
		t.Error("failed call counted in usage")
	}
}

func TestComplete_Error(t *testing.T) {
	c := newTestCompleter(t, policy.SynthesisPolicy{}, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`)
	})

	_, err := c.Complete(context.Background(), "hi", "", 0.5)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "API call failed") {
		t.Errorf("error = %v", err)
	}
}
