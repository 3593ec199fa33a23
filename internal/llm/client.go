package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const DefaultModel = "gemini-2.0-flash"

// Client is a thin wrapper over the Gemini API used for concept discovery,
// merge classification, and long-form generation. It is constructed once in
// the entry point and injected wherever needed.
type Client struct {
	gClient *genai.Client
	model   string
}

// Completion carries the model text plus the average token log-probability
// when the API reports one.
type Completion struct {
	Text        string
	AvgLogprobs *float64
}

func NewClient(ctx context.Context, apiKey, model string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("LLM API key is required")
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}

	gClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return &Client{
		gClient: gClient,
		model:   model,
	}, nil
}

func (c *Client) Model() string {
	if c == nil {
		return ""
	}
	return c.model
}

// Generate runs a plain text completion with the client's default model.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	completion, err := c.GenerateWithModel(ctx, c.model, prompt, false)
	if err != nil {
		return "", err
	}
	return completion.Text, nil
}

// GenerateJSON asks for a JSON-typed response body.
func (c *Client) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	if c == nil || c.gClient == nil {
		return "", fmt.Errorf("llm client is not initialized")
	}

	contents := []*genai.Content{{
		Parts: []*genai.Part{{Text: prompt}},
		Role:  "user",
	}}
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	}

	resp, err := c.gClient.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("empty response from model %s", c.model)
	}
	return text, nil
}

// GenerateWithModel runs a completion against a specific model, optionally
// requesting token log-probabilities.
func (c *Client) GenerateWithModel(ctx context.Context, model, prompt string, withLogprobs bool) (Completion, error) {
	if c == nil || c.gClient == nil {
		return Completion{}, fmt.Errorf("llm client is not initialized")
	}
	if strings.TrimSpace(model) == "" {
		model = c.model
	}

	contents := []*genai.Content{{
		Parts: []*genai.Part{{Text: prompt}},
		Role:  "user",
	}}

	var config *genai.GenerateContentConfig
	if withLogprobs {
		config = &genai.GenerateContentConfig{
			ResponseLogprobs: true,
		}
	}

	resp, err := c.gClient.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return Completion{}, fmt.Errorf("generate content: %w", err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return Completion{}, fmt.Errorf("empty response from model %s", model)
	}

	return Completion{
		Text:        text,
		AvgLogprobs: avgLogprobs(resp, withLogprobs),
	}, nil
}

// avgLogprobs trusts the candidate field only when log-probabilities were
// requested. Zero is a valid average (probability 1.0), not an absence
// marker, so it cannot be used as a sentinel.
func avgLogprobs(resp *genai.GenerateContentResponse, requested bool) *float64 {
	if !requested || resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil
	}
	avg := resp.Candidates[0].AvgLogprobs
	return &avg
}
