package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

// Option configures a provider
type Option func(*options)

type options struct {
	httpClient *http.Client
}

// WithHTTPClient sets the HTTP client providers use, e.g. one with an
// instrumented transport
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

func buildOptions(opts []Option) options {
	o := options{httpClient: &http.Client{Timeout: 120 * time.Second}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Ollama calls a local or remote Ollama server
type Ollama struct {
	host       string
	httpClient *http.Client
}

// NewOllama creates an Ollama provider. Requests with an APIBase use that
// server instead of host.
func NewOllama(host string, opts ...Option) *Ollama {
	o := buildOptions(opts)
	return &Ollama{host: host, httpClient: o.httpClient}
}

// Complete implements Provider
func (o *Ollama) Complete(ctx context.Context, req Request) (Completion, error) {
	base := req.APIBase
	if base == "" {
		base = o.host
	}
	u, err := url.Parse(base)
	if err != nil {
		return Completion{}, fmt.Errorf("invalid ollama host %q: %w", base, err)
	}
	client := api.NewClient(u, o.httpClient)

	messages := make([]api.Message, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = api.Message{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	stream := false
	chatReq := &api.ChatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   &stream,
	}

	var (
		out        strings.Builder
		completion Completion
	)
	err = client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		out.WriteString(resp.Message.Content)
		if resp.Done {
			completion.InputTokens = resp.PromptEvalCount
			completion.OutputTokens = resp.EvalCount
		}
		return nil
	})
	if err != nil {
		return Completion{}, fmt.Errorf("ollama chat failed: %w", err)
	}

	completion.Text = out.String()
	if completion.Text == "" {
		return Completion{}, ErrEmptyResponse
	}
	return completion, nil
}
