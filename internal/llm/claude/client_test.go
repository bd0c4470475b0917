package claude

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/warden/internal/triage"
)

func TestToSDKMessages_Roles(t *testing.T) {
	t.Parallel()

	msgs := []triage.Message{
		{Role: "user", Content: []triage.ContentBlock{{Type: "text", Text: "alarm fired"}}},
		{Role: "assistant", Content: []triage.ContentBlock{{Type: "text", Text: "{}"}}},
	}

	result := toSDKMessages(msgs)

	if len(result) != 2 {
		t.Fatalf("len = %d, want 2", len(result))
	}
	if result[0].Role != anthropic.MessageParamRoleUser {
		t.Errorf("role[0] = %q, want user", result[0].Role)
	}
	if result[1].Role != anthropic.MessageParamRoleAssistant {
		t.Errorf("role[1] = %q, want assistant", result[1].Role)
	}
	if result[0].Content[0].OfText == nil || result[0].Content[0].OfText.Text != "alarm fired" {
		t.Errorf("content = %+v", result[0].Content)
	}
}

func TestFromSDKResponse(t *testing.T) {
	t.Parallel()

	msg := &anthropic.Message{
		Model: anthropic.Model("claude-sonnet-4-20250514"),
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: `{"actions":[],`},
			{Type: "text", Text: `"confidence":0.5}`},
		},
		StopReason: anthropic.StopReasonEndTurn,
		Usage:      anthropic.Usage{InputTokens: 1234, OutputTokens: 567},
	}

	result := fromSDKResponse(msg)

	if result.Text() != `{"actions":[],"confidence":0.5}` {
		t.Errorf("text = %q", result.Text())
	}
	if result.StopReason != triage.StopEnd {
		t.Errorf("stop reason = %q", result.StopReason)
	}
	if result.Usage.InputTokens != 1234 || result.Usage.OutputTokens != 567 {
		t.Errorf("usage = %+v", result.Usage)
	}
	if result.Model != "claude-sonnet-4-20250514" {
		t.Errorf("model = %q", result.Model)
	}
}

func TestSend_RoundTrip(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "test-key" {
			t.Errorf("api key header = %q", r.Header.Get("X-Api-Key"))
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "msg_01",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"content": [{"type": "text", "text": "{\"actions\":[],\"confidence\":0.9}"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 42, "output_tokens": 7}
		}`)
	}))
	defer srv.Close()

	c := New("test-key", "claude-test", option.WithBaseURL(srv.URL))
	resp, err := c.Send(context.Background(), &triage.LLMRequest{
		MaxTokens: 256,
		System:    "be terse",
		Messages:  []triage.Message{{Role: "user", Content: []triage.ContentBlock{{Type: "text", Text: "hi"}}}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Text() != `{"actions":[],"confidence":0.9}` || resp.Usage.InputTokens != 42 {
		t.Errorf("resp = %+v", resp)
	}
	if gotBody["model"] != "claude-test" || gotBody["max_tokens"] != float64(256) {
		t.Errorf("request body = %v", gotBody)
	}
}

func TestSend_APIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}`)
	}))
	defer srv.Close()

	c := New("test-key", "", option.WithBaseURL(srv.URL))
	if c.Model() != DefaultModel {
		t.Errorf("model = %q, want default", c.Model())
	}
	_, err := c.Send(context.Background(), &triage.LLMRequest{
		MaxTokens: 16,
		Messages:  []triage.Message{{Role: "user", Content: []triage.ContentBlock{{Type: "text", Text: "hi"}}}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
}
