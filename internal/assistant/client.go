package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/replydesk/internal/config"
)

// Message is one chat message in OpenAI wire shape.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
}

// ToolDef describes an action the model may call.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Completer produces a Reply for a conversation.
type Completer interface {
	Complete(ctx context.Context, messages []Message, tools []ToolDef) (Reply, error)
}

// Client talks to an OpenAI-compatible /chat/completions endpoint.
type Client struct {
	apiKey      string
	apiBase     string
	model       string
	temperature float64
	client      *http.Client
}

func NewClient(cfg config.AssistantConfig) *Client {
	c := &Client{
		apiKey:      cfg.APIKey,
		apiBase:     cfg.BaseURL,
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}
	if c.apiBase == "" {
		c.apiBase = "https://api.openai.com/v1"
	}
	if c.model == "" {
		c.model = "gpt-4o-mini"
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	c.client = &http.Client{Timeout: timeout}
	return c
}

func (c *Client) Model() string { return c.model }

// --- wire types ---

type chatRequest struct {
	Model       string     `json:"model"`
	Messages    []Message  `json:"messages"`
	Tools       []wireTool `json:"tools,omitempty"`
	Temperature float64    `json:"temperature"`
}

type wireTool struct {
	Type     string          `json:"type"`
	Function wireFunctionDef `json:"function"`
}

type wireFunctionDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type toolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string     `json:"content"`
			Refusal   string     `json:"refusal,omitempty"`
			ToolCalls []toolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Complete sends one non-streaming request and decodes the first choice.
func (c *Client) Complete(ctx context.Context, messages []Message, tools []ToolDef) (Reply, error) {
	req := chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, wireTool{
			Type:     "function",
			Function: wireFunctionDef{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}

	bodyJSON, err := json.Marshal(req)
	if err != nil {
		return Reply{}, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/chat/completions", bytes.NewReader(bodyJSON))
	if err != nil {
		return Reply{}, fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Reply{}, fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Reply{}, &APIError{StatusCode: resp.StatusCode, Body: string(errBody)}
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Reply{}, fmt.Errorf("decode chat response: %w", err)
	}
	return decodeReply(out), nil
}

func decodeReply(out chatResponse) Reply {
	if len(out.Choices) == 0 {
		return FailureReply("no choices in response")
	}
	choice := out.Choices[0]
	msg := choice.Message

	if len(msg.ToolCalls) > 0 {
		actions := make([]Action, 0, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			args := map[string]interface{}{}
			if tc.Function.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
					slog.Warn("assistant: malformed action arguments", "action", tc.Function.Name, "error", err)
				}
			}
			actions = append(actions, Action{ID: tc.ID, Name: tc.Function.Name, Args: args})
		}
		return ActionReply(actions...)
	}

	switch {
	case msg.Refusal != "":
		return FailureReply("refused: " + msg.Refusal)
	case choice.FinishReason == "content_filter":
		return FailureReply("content filtered")
	case msg.Content == "" && choice.FinishReason == "length":
		return FailureReply("context length exceeded")
	}
	return TextReply(msg.Content)
}

// assistantCallMessage echoes the model's action request back into the
// conversation, as the API requires before the tool results.
func assistantCallMessage(actions []Action) Message {
	m := Message{Role: "assistant"}
	for _, a := range actions {
		argsJSON, _ := json.Marshal(a.Args)
		var tc toolCall
		tc.ID = a.ID
		tc.Type = "function"
		tc.Function.Name = a.Name
		tc.Function.Arguments = string(argsJSON)
		m.ToolCalls = append(m.ToolCalls, tc)
	}
	return m
}
