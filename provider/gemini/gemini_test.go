package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nevindra/meander"
)

func testAgent(t *testing.T, handler http.HandlerFunc) meander.Agent {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	origBaseURL := baseURL
	t.Cleanup(func() { baseURL = origBaseURL })
	baseURL = server.URL

	p := New("test-key")
	a, err := p.CreateAgent("writer", meander.AgentBinding{
		AgentID:      "writer",
		Model:        "gemini-2.5-flash",
		Instructions: "You write things.",
	}, nil)
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	return a
}

func candidateBody(parts ...map[string]any) string {
	b, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{
			{"content": map[string]any{"parts": parts}},
		},
	})
	return string(b)
}

func TestSupportsModel(t *testing.T) {
	p := New("key")
	if !p.SupportsModel("gemini-2.5-flash") {
		t.Error("should support gemini models")
	}
	if p.SupportsModel("gpt-4o") {
		t.Error("should not support non-gemini models")
	}
}

func TestCreateAgentNoKey(t *testing.T) {
	p := New("")
	_, err := p.CreateAgent("a", meander.AgentBinding{AgentID: "a", Model: "gemini-2.5-flash"}, nil)
	if err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestCreateAgentCredentialKey(t *testing.T) {
	p := New("")
	a, err := p.CreateAgent("a", meander.AgentBinding{AgentID: "a", Model: "gemini-2.5-flash"},
		meander.Credentials{"api_key": "tenant-key"})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if a.ID() != "a" {
		t.Errorf("expected id a, got %s", a.ID())
	}
}

func TestExecuteText(t *testing.T) {
	a := testAgent(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["systemInstruction"] == nil {
			t.Error("expected systemInstruction from binding instructions")
		}
		w.Write([]byte(candidateBody(map[string]any{"text": "hello"})))
	})

	resp, err := a.Execute(context.Background(), "say hello", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Type != meander.ResponseText {
		t.Fatalf("expected TEXT, got %s", resp.Type)
	}
	if resp.Content != "hello" {
		t.Errorf("expected hello, got %q", resp.Content)
	}
}

func TestExecuteToolRequest(t *testing.T) {
	a := testAgent(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(candidateBody(map[string]any{
			"functionCall": map[string]any{
				"name": "web_search",
				"args": map[string]any{"query": "go generics"},
			},
		})))
	})

	resp, err := a.Execute(context.Background(), "find docs", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Type != meander.ResponseToolRequest {
		t.Fatalf("expected TOOL_REQUEST, got %s", resp.Type)
	}
	if resp.ToolName != "web_search" {
		t.Errorf("expected web_search, got %s", resp.ToolName)
	}
	if resp.Args["query"] != "go generics" {
		t.Errorf("unexpected args: %v", resp.Args)
	}
}

func TestExecutePlanProposal(t *testing.T) {
	a := testAgent(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(candidateBody(map[string]any{
			"functionCall": map[string]any{
				"name": proposePlanTool,
				"args": map[string]any{
					"reasoning": "two lookups then combine",
					"steps": []any{
						map[string]any{"toolName": "fetch", "args": map[string]any{"url": "a"}},
						map[string]any{"toolName": "fetch", "args": map[string]any{"url": "b"}},
					},
				},
			},
		})))
	})

	resp, err := a.Execute(context.Background(), "research", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Type != meander.ResponsePlanProposal {
		t.Fatalf("expected PLAN_PROPOSAL, got %s", resp.Type)
	}
	if len(resp.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(resp.Steps))
	}
	if resp.Steps[1].Index != 1 || resp.Steps[1].ToolName != "fetch" {
		t.Errorf("unexpected step: %+v", resp.Steps[1])
	}
}

func TestExecuteBlocked(t *testing.T) {
	a := testAgent(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"promptFeedback":{"blockReason":"SAFETY"}}`))
	})

	resp, err := a.Execute(context.Background(), "bad prompt", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Type != meander.ResponseError {
		t.Fatalf("expected ERROR, got %s", resp.Type)
	}
}

func TestExecuteRateLimited(t *testing.T) {
	a := testAgent(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"quota"}}`))
	})

	_, err := a.Execute(context.Background(), "p", nil)
	var agentErr *meander.ErrAgent
	if !errors.As(err, &agentErr) {
		t.Fatalf("expected ErrAgent, got %v", err)
	}
	if agentErr.Status != 429 {
		t.Errorf("expected 429, got %d", agentErr.Status)
	}
	if agentErr.RetryAfter != 7*time.Second {
		t.Errorf("expected 7s retry-after, got %s", agentErr.RetryAfter)
	}
}

func TestExecuteRetryInfoBody(t *testing.T) {
	a := testAgent(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"30s"}]}}`))
	})

	_, err := a.Execute(context.Background(), "p", nil)
	var agentErr *meander.ErrAgent
	if !errors.As(err, &agentErr) {
		t.Fatalf("expected ErrAgent, got %v", err)
	}
	if agentErr.RetryAfter != 30*time.Second {
		t.Errorf("expected 30s from RetryInfo, got %s", agentErr.RetryAfter)
	}
}

func TestMaintainContextAppendsJSON(t *testing.T) {
	var gotText string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Contents []struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"contents"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		gotText = body.Contents[0].Parts[0].Text
		w.Write([]byte(candidateBody(map[string]any{"text": "ok"})))
	}))
	defer server.Close()

	origBaseURL := baseURL
	defer func() { baseURL = origBaseURL }()
	baseURL = server.URL

	p := New("k")
	a, err := p.CreateAgent("ctx", meander.AgentBinding{
		AgentID: "ctx", Model: "gemini-2.5-flash", MaintainContext: true,
	}, nil)
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	if _, err := a.Execute(context.Background(), "prompt", map[string]any{"topic": "dogs"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotText == "prompt" {
		t.Error("expected context block appended to prompt")
	}
}
