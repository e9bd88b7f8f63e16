package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/haasonsaas/codeagent/internal/agent"
	"github.com/haasonsaas/codeagent/pkg/models"
)

const anthropicEvents = `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-20250514","stop_reason":null,"usage":{"input_tokens":12,"output_tokens":1}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi "}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"there"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":5}}

event: message_stop
data: {"type":"message_stop"}

`

func TestAnthropicStream(t *testing.T) {
	var calls atomic.Int32
	bodies := &recordedBodies{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(529)
			fmt.Fprint(w, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies.add(body)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, anthropicEvents)
	}))
	defer srv.Close()

	client, err := NewAnthropic(AnthropicConfig{APIKey: "sk-ant-test", BaseURL: srv.URL, Retry: fastRetry})
	if err != nil {
		t.Fatal(err)
	}
	text, tokens, err := agent.Complete(context.Background(), client, &agent.CompletionRequest{
		System:   "be brief",
		Messages: []models.Message{{Role: models.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "Hi there" || tokens.Input != 12 || tokens.Output != 5 {
		t.Fatalf("unexpected %q %+v", text, tokens)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected a retry after overload, got %d calls", calls.Load())
	}
	body := bodies.get(0)
	if body["model"] != "claude-sonnet-4-20250514" {
		t.Fatalf("unexpected model %v", body["model"])
	}
	system, _ := body["system"].([]any)
	if len(system) != 1 {
		t.Fatalf("expected system block, got %v", body["system"])
	}
}

func TestAnthropicRequiresKey(t *testing.T) {
	if _, err := NewAnthropic(AnthropicConfig{}); err == nil {
		t.Fatal("expected error without API key")
	}
}
