// Package openaicompat implements a meander.AgentProvider for any service
// speaking the OpenAI chat completions protocol: OpenAI itself, Groq,
// DeepSeek, Together, Mistral, or a local Ollama. One Provider instance
// serves one upstream; register several instances for several upstreams.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nevindra/meander"
)

// proposePlanTool is the function agents expose so the model can answer
// with a structured tool-call plan instead of prose.
const proposePlanTool = "propose_plan"

// Provider implements meander.AgentProvider over a chat completions API.
type Provider struct {
	name       string
	apiKey     string
	baseURL    string
	priority   int
	httpClient *http.Client

	temperature float64
	topP        float64
	prefixes    []string
}

var _ meander.AgentProvider = (*Provider)(nil)

// New creates a provider for one upstream. name tags the provider in the
// registry and selects default model prefixes; baseURL is the API root
// without the /chat/completions suffix.
func New(name, apiKey, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		name:        name,
		apiKey:      apiKey,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		httpClient:  &http.Client{},
		temperature: 0.1,
		topP:        0.9,
	}
	for _, opt := range opts {
		opt(p)
	}
	if len(p.prefixes) == 0 {
		p.prefixes = defaultPrefixes(name)
	}
	return p
}

// Name returns the upstream name the provider was created with.
func (p *Provider) Name() string { return p.name }

// Priority returns the registry priority.
func (p *Provider) Priority() int { return p.priority }

// SupportsModel matches the model id against the provider's prefixes.
func (p *Provider) SupportsModel(model string) bool {
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// defaultPrefixes maps known upstream names to the model families they
// serve. Unknown names match models prefixed with the name itself.
func defaultPrefixes(name string) []string {
	switch name {
	case "openai":
		return []string{"gpt", "o1", "o3", "o4", "chatgpt"}
	case "groq":
		return []string{"llama", "qwen", "gemma", "deepseek-r1-distill"}
	case "deepseek":
		return []string{"deepseek"}
	case "mistral":
		return []string{"mistral", "ministral", "codestral", "magistral"}
	default:
		return []string{name}
	}
}

// CreateAgent builds an agent for the binding. The tenant credential
// "api_key" overrides the provider's default key. Ollama-style upstreams
// without authentication pass an empty key.
func (p *Provider) CreateAgent(id string, config meander.AgentBinding, creds meander.Credentials) (meander.Agent, error) {
	if p.baseURL == "" {
		return nil, fmt.Errorf("%s: agent %s: provider has no base URL", p.name, id)
	}
	key := creds["api_key"]
	if key == "" {
		key = p.apiKey
	}
	return &agent{id: id, config: config, apiKey: key, provider: p}, nil
}

// agent implements meander.Agent on the chat completions endpoint.
type agent struct {
	id       string
	config   meander.AgentBinding
	apiKey   string
	provider *Provider
}

var _ meander.Agent = (*agent)(nil)

func (a *agent) ID() string                   { return a.id }
func (a *agent) Config() meander.AgentBinding { return a.config }

// Execute sends the rendered prompt to the model. Transport and HTTP
// failures come back as *meander.ErrAgent so WithRetry can classify them;
// empty completions come back as ERROR responses.
func (a *agent) Execute(ctx context.Context, prompt string, execContext map[string]any) (meander.AgentResponse, error) {
	payload, err := json.Marshal(a.buildBody(prompt, execContext))
	if err != nil {
		return meander.AgentResponse{}, fmt.Errorf("%s: agent %s: marshal body: %w", a.provider.name, a.id, err)
	}

	url := a.provider.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return meander.AgentResponse{}, fmt.Errorf("%s: agent %s: create request: %w", a.provider.name, a.id, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.provider.httpClient.Do(httpReq)
	if err != nil {
		return meander.AgentResponse{}, &meander.ErrAgent{AgentID: a.id, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return meander.AgentResponse{}, &meander.ErrAgent{AgentID: a.id, Message: "read response: " + err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return meander.AgentResponse{}, &meander.ErrAgent{
			AgentID:    a.id,
			Status:     resp.StatusCode,
			Message:    string(respBody),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return meander.AgentResponse{}, &meander.ErrAgent{AgentID: a.id, Message: "parse response: " + err.Error()}
	}
	return toResponse(parsed), nil
}

// buildBody assembles the chat completions request. Binding instructions
// become the system message; with MaintainContext set, the execution
// context is appended to the prompt as a JSON block.
func (a *agent) buildBody(prompt string, execContext map[string]any) map[string]any {
	text := prompt
	if a.config.MaintainContext && len(execContext) > 0 {
		if ctxJSON, err := json.Marshal(execContext); err == nil {
			text = prompt + "\n\nContext:\n```json\n" + string(ctxJSON) + "\n```"
		}
	}

	var messages []map[string]any
	if a.config.Instructions != "" {
		messages = append(messages, map[string]any{"role": "system", "content": a.config.Instructions})
	}
	messages = append(messages, map[string]any{"role": "user", "content": text})

	return map[string]any{
		"model":       a.config.Model,
		"messages":    messages,
		"temperature": a.provider.temperature,
		"top_p":       a.provider.topP,
		"tools": []map[string]any{
			{"type": "function", "function": planDeclaration()},
		},
	}
}

// planDeclaration is the propose_plan function schema.
func planDeclaration() map[string]any {
	return map[string]any{
		"name":        proposePlanTool,
		"description": "Propose an ordered plan of tool calls to complete the task.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"steps": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"toolName":    map[string]any{"type": "string"},
							"args":        map[string]any{"type": "object"},
							"description": map[string]any{"type": "string"},
						},
					},
				},
				"reasoning": map[string]any{"type": "string"},
			},
		},
	}
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// toResponse maps the first choice onto the engine's response variants.
// Tool call arguments arrive as a JSON string in this protocol.
func toResponse(parsed chatResponse) meander.AgentResponse {
	if len(parsed.Choices) == 0 {
		return meander.ErrorResponse("no choices in response")
	}
	msg := parsed.Choices[0].Message

	for _, tc := range msg.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return meander.ErrorResponse("malformed tool call arguments: " + err.Error())
			}
		}
		if tc.Function.Name == proposePlanTool {
			return planFromArgs(args)
		}
		return meander.ToolRequestResponse(tc.Function.Name, args, msg.Content)
	}

	if msg.Content == "" {
		return meander.ErrorResponse("empty completion")
	}
	return meander.TextResponse(msg.Content)
}

// planFromArgs converts a propose_plan call into a plan proposal response.
func planFromArgs(args map[string]any) meander.AgentResponse {
	reasoning, _ := args["reasoning"].(string)
	rawSteps, _ := args["steps"].([]any)
	steps := make([]meander.PlannedStep, 0, len(rawSteps))
	for i, raw := range rawSteps {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		step := meander.PlannedStep{Index: i}
		step.ToolName, _ = m["toolName"].(string)
		step.Description, _ = m["description"].(string)
		if sa, ok := m["args"].(map[string]any); ok {
			step.Args = sa
		}
		steps = append(steps, step)
	}
	if len(steps) == 0 {
		return meander.ErrorResponse("plan proposal with no steps")
	}
	return meander.PlanProposalResponse(steps, reasoning)
}

// parseRetryAfter handles the delay-seconds form of the Retry-After header.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
