package backend

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"ChatPortal/internal/session"

	anthropic "github.com/liushuangls/go-anthropic/v2"
)

const anthropicMaxTokens = 1024

// Anthropic calls the Anthropic Messages API
type Anthropic struct {
	httpClient *http.Client
}

// NewAnthropic creates an Anthropic provider. The API key is read from
// ANTHROPIC_API_KEY on every call.
func NewAnthropic(opts ...Option) *Anthropic {
	o := buildOptions(opts)
	return &Anthropic{httpClient: o.httpClient}
}

// Complete implements Provider
func (a *Anthropic) Complete(ctx context.Context, req Request) (Completion, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return Completion{}, fmt.Errorf("%w: ANTHROPIC_API_KEY not set", ErrAuthentication)
	}

	clientOpts := []anthropic.ClientOption{anthropic.WithHTTPClient(a.httpClient)}
	if req.APIBase != "" {
		clientOpts = append(clientOpts, anthropic.WithBaseURL(req.APIBase))
	}
	client := anthropic.NewClient(apiKey, clientOpts...)

	// System messages travel outside the message list
	var systemParts []string
	var msgs []anthropic.Message
	for _, msg := range req.Messages {
		switch msg.Role {
		case session.RoleSystem:
			systemParts = append(systemParts, msg.Content)
		case session.RoleAssistant:
			msgs = append(msgs, anthropic.Message{
				Role:    anthropic.RoleAssistant,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(msg.Content)},
			})
		default:
			msgs = append(msgs, anthropic.Message{
				Role:    anthropic.RoleUser,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(msg.Content)},
			})
		}
	}

	msgReq := anthropic.MessagesRequest{
		Model:     anthropic.Model(req.Model),
		Messages:  msgs,
		MaxTokens: anthropicMaxTokens,
	}
	if len(systemParts) > 0 {
		msgReq.System = strings.Join(systemParts, "\n\n")
	}

	resp, err := client.CreateMessages(ctx, msgReq)
	if err != nil {
		return Completion{}, fmt.Errorf("anthropic request failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == anthropic.MessagesContentTypeText && block.Text != nil {
			text.WriteString(*block.Text)
		}
	}
	if text.Len() == 0 {
		return Completion{}, ErrEmptyResponse
	}

	return Completion{
		Text:         text.String(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}
