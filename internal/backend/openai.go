package backend

import (
	"context"
	"fmt"
	"net/http"
	"os"

	openai "github.com/meguminnnnnnnnn/go-openai"
)

// GrokBaseURL is the OpenAI-compatible xAI endpoint
const GrokBaseURL = "https://api.x.ai/v1"

// OpenAI calls an OpenAI-compatible chat completions API
type OpenAI struct {
	name       string
	baseURL    string
	keyEnv     string
	httpClient *http.Client
}

// NewOpenAI creates an OpenAI-compatible provider. keyEnv names the
// environment variable holding the API key; baseURL may be empty for OpenAI itself.
func NewOpenAI(name, baseURL, keyEnv string, opts ...Option) *OpenAI {
	o := buildOptions(opts)
	return &OpenAI{
		name:       name,
		baseURL:    baseURL,
		keyEnv:     keyEnv,
		httpClient: o.httpClient,
	}
}

// Complete implements Provider
func (p *OpenAI) Complete(ctx context.Context, req Request) (Completion, error) {
	apiKey := os.Getenv(p.keyEnv)
	if apiKey == "" {
		return Completion{}, fmt.Errorf("%w: %s not set", ErrAuthentication, p.keyEnv)
	}

	cfg := openai.DefaultConfig(apiKey)
	cfg.HTTPClient = p.httpClient
	if p.baseURL != "" {
		cfg.BaseURL = p.baseURL
	}
	if req.APIBase != "" {
		cfg.BaseURL = req.APIBase
	}
	client := openai.NewClientWithConfig(cfg)

	msgs := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		msgs[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: msgs,
	})
	if err != nil {
		return Completion{}, fmt.Errorf("%s request failed: %w", p.name, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return Completion{}, ErrEmptyResponse
	}

	return Completion{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}
