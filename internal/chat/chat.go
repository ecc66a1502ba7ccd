package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"ChatPortal/internal/config"
	"ChatPortal/internal/session"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MessageTimeout bounds a single model call
const MessageTimeout = 120 * time.Second

// ErrInvalidHistory means the caller sent a history entry with an unknown role
var ErrInvalidHistory = errors.New("invalid history")

// Completer produces an answer for a conversation
type Completer interface {
	Complete(ctx context.Context, model config.Model, messages []session.Message) (string, error)
}

// Reply is the outcome of one exchange
type Reply struct {
	Message string
	Model   string
	History []session.Message
}

// Service runs multi-turn conversations against the configured models
type Service struct {
	models config.ModelSet
	llm    Completer
	tracer trace.Tracer
	logger *slog.Logger
}

// NewService creates a chat service
func NewService(models config.ModelSet, llm Completer, tracer trace.Tracer, logger *slog.Logger) *Service {
	return &Service{models: models, llm: llm, tracer: tracer, logger: logger}
}

// Models returns the accepted model set
func (s *Service) Models() config.ModelSet {
	return s.models
}

// Send appends message to history, asks the model and returns the reply with
// the history extended by the user message and the answer. history is not modified.
func (s *Service) Send(ctx context.Context, message string, history []session.Message, modelID string) (Reply, error) {
	if modelID == "" {
		modelID = s.models.Default
	}
	model, ok := s.models.Lookup(modelID)
	if !ok {
		return Reply{}, &config.UnknownModelError{Model: modelID, Available: s.models.IDs()}
	}
	for _, m := range history {
		if !session.ValidRole(m.Role) {
			return Reply{}, fmt.Errorf("%w: unknown role %q", ErrInvalidHistory, m.Role)
		}
	}

	ctx, span := s.tracer.Start(ctx, "chat.message")
	defer span.End()
	span.SetAttributes(
		attribute.String("chat.model", modelID),
		attribute.Int("chat.history_length", len(history)),
		attribute.Int("chat.message_length", len(message)),
	)

	user := session.Message{Role: session.RoleUser, Content: message}
	messages := make([]session.Message, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, session.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, user)

	span.AddEvent("Calling chat model", trace.WithAttributes(attribute.String("model", modelID)))

	ctx, cancel := context.WithTimeout(ctx, MessageTimeout)
	defer cancel()

	answer, err := s.llm.Complete(ctx, model, messages)
	if err != nil {
		span.RecordError(err)
		return Reply{}, fmt.Errorf("chat completion failed: %w", err)
	}
	span.SetAttributes(attribute.Int("chat.response_length", len(answer)))

	updated := slices.Clone(history)
	updated = append(updated, user, session.Message{
		Role:    session.RoleAssistant,
		Content: answer,
		Model:   modelID,
	})

	s.logger.Info("chat message answered", "model", modelID, "history_length", len(updated))
	return Reply{Message: answer, Model: modelID, History: updated}, nil
}
