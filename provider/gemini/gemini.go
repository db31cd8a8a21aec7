// Package gemini implements a meander.AgentProvider for Google Gemini
// models. Agents created by the provider call the generateContent endpoint
// and translate the response into the engine's tagged response variants:
// plain text, a tool request, or a plan proposal.
package gemini

import (
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

var baseURL = "https://generativelanguage.googleapis.com/v1beta"

// proposePlanTool is the function declaration agents expose so the model
// can answer with a structured tool-call plan instead of prose.
const proposePlanTool = "propose_plan"

// Provider implements meander.AgentProvider for Gemini models.
type Provider struct {
	apiKey     string
	priority   int
	httpClient *http.Client

	temperature float64
	topP        float64
}

var _ meander.AgentProvider = (*Provider)(nil)

// New creates a Gemini provider. apiKey is the default key used when a
// tenant's credentials carry no "api_key" entry.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:      apiKey,
		httpClient:  &http.Client{},
		temperature: 0.1,
		topP:        0.9,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns "gemini".
func (p *Provider) Name() string { return "gemini" }

// Priority returns the provider's registry priority.
func (p *Provider) Priority() int { return p.priority }

// SupportsModel reports whether model is a Gemini model id.
func (p *Provider) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "gemini")
}

// CreateAgent builds an agent for the binding. The tenant credential
// "api_key" overrides the provider's default key.
func (p *Provider) CreateAgent(id string, config meander.AgentBinding, creds meander.Credentials) (meander.Agent, error) {
	key := creds["api_key"]
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: agent %s: no api key in credentials or provider", id)
	}
	return &agent{id: id, config: config, apiKey: key, provider: p}, nil
}

// agent implements meander.Agent on the generateContent endpoint.
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
// in-band model refusals come back as ERROR responses.
func (a *agent) Execute(ctx context.Context, prompt string, execContext map[string]any) (meander.AgentResponse, error) {
	body := a.buildBody(prompt, execContext)

	payload, err := json.Marshal(body)
	if err != nil {
		return meander.AgentResponse{}, fmt.Errorf("gemini: agent %s: marshal body: %w", a.id, err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", baseURL, a.config.Model, a.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return meander.AgentResponse{}, fmt.Errorf("gemini: agent %s: create request: %w", a.id, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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
		return meander.AgentResponse{}, httpErr(a.id, resp, string(respBody))
	}

	var parsed generateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return meander.AgentResponse{}, &meander.ErrAgent{AgentID: a.id, Message: "parse response: " + err.Error()}
	}

	return a.toResponse(parsed)
}

// buildBody assembles the generateContent request. Binding instructions
// become the system instruction; with MaintainContext set, the execution
// context is appended to the prompt as a JSON block.
func (a *agent) buildBody(prompt string, execContext map[string]any) map[string]any {
	text := prompt
	if a.config.MaintainContext && len(execContext) > 0 {
		if ctxJSON, err := json.Marshal(execContext); err == nil {
			text = prompt + "\n\nContext:\n```json\n" + string(ctxJSON) + "\n```"
		}
	}

	body := map[string]any{
		"contents": []map[string]any{
			{"role": "user", "parts": []map[string]any{{"text": text}}},
		},
		"generationConfig": map[string]any{
			"temperature": a.provider.temperature,
			"topP":        a.provider.topP,
		},
		"tools": []map[string]any{
			{"functionDeclarations": []map[string]any{planDeclaration()}},
		},
	}
	if a.config.Instructions != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": a.config.Instructions}},
		}
	}
	return body
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

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text         *string `json:"text"`
				FunctionCall *struct {
					Name string         `json:"name"`
					Args map[string]any `json:"args"`
				} `json:"functionCall"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// toResponse maps the parsed candidate onto the engine's response variants.
func (a *agent) toResponse(parsed generateResponse) (meander.AgentResponse, error) {
	if parsed.PromptFeedback != nil && parsed.PromptFeedback.BlockReason != "" {
		return meander.ErrorResponse("blocked: " + parsed.PromptFeedback.BlockReason), nil
	}
	if len(parsed.Candidates) == 0 {
		return meander.ErrorResponse("no candidates in response"), nil
	}

	var content strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		if part.FunctionCall != nil {
			fc := part.FunctionCall
			if fc.Name == proposePlanTool {
				return planFromArgs(fc.Args), nil
			}
			return meander.ToolRequestResponse(fc.Name, fc.Args, ""), nil
		}
		if part.Text != nil {
			content.WriteString(*part.Text)
		}
	}
	return meander.TextResponse(content.String()), nil
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

// httpErr creates an ErrAgent from a non-2xx response, extracting the retry
// delay from the Retry-After header or from the google.rpc.RetryInfo detail
// in the JSON error body.
func httpErr(agentID string, resp *http.Response, body string) *meander.ErrAgent {
	ra := parseRetryAfter(resp.Header.Get("Retry-After"))
	if ra == 0 {
		ra = parseRetryInfo(body)
	}
	return &meander.ErrAgent{
		AgentID:    agentID,
		Status:     resp.StatusCode,
		Message:    body,
		RetryAfter: ra,
	}
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

// parseRetryInfo extracts the retryDelay from an error body containing a
// google.rpc.RetryInfo detail. Returns 0 if not found or unparseable.
func parseRetryInfo(body string) time.Duration {
	var envelope struct {
		Error struct {
			Details []json.RawMessage `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(body), &envelope) != nil {
		return 0
	}
	for _, raw := range envelope.Error.Details {
		var detail struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		}
		if json.Unmarshal(raw, &detail) != nil {
			continue
		}
		if detail.Type == "type.googleapis.com/google.rpc.RetryInfo" && detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
	}
	return 0
}
