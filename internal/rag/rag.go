package rag

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ChatPortal/internal/config"
	"ChatPortal/internal/session"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// QueryTimeout bounds a single model call
const QueryTimeout = 60 * time.Second

// Completer produces an answer for a conversation
type Completer interface {
	Complete(ctx context.Context, model config.Model, messages []session.Message) (string, error)
}

// Result is an answered query
type Result struct {
	Query     string
	Answer    string
	Documents []string
	Model     string
}

// Service answers questions grounded on the corpus
type Service struct {
	retriever *Retriever
	models    config.ModelSet
	llm       Completer
	tracer    trace.Tracer
	logger    *slog.Logger
	topK      int
}

// NewService creates a retrieval service
func NewService(retriever *Retriever, models config.ModelSet, llm Completer, tracer trace.Tracer, logger *slog.Logger) *Service {
	return &Service{
		retriever: retriever,
		models:    models,
		llm:       llm,
		tracer:    tracer,
		logger:    logger,
		topK:      DefaultTopK,
	}
}

// Models returns the accepted model set
func (s *Service) Models() config.ModelSet {
	return s.models
}

// Query retrieves supporting documents and asks the model. An empty model
// selects the default; unknown models return *config.UnknownModelError.
func (s *Service) Query(ctx context.Context, query, modelID string) (Result, error) {
	if modelID == "" {
		modelID = s.models.Default
	}
	model, ok := s.models.Lookup(modelID)
	if !ok {
		return Result{}, &config.UnknownModelError{Model: modelID, Available: s.models.IDs()}
	}

	ctx, span := s.tracer.Start(ctx, "rag.query")
	defer span.End()
	span.SetAttributes(
		attribute.String("rag.model", modelID),
		attribute.Int("rag.query_length", len(query)),
	)

	docs := s.retriever.TopK(query, s.topK)
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	span.AddEvent("Retrieved context", trace.WithAttributes(attribute.Int("rag.documents", len(docs))))

	messages := []session.Message{{Role: session.RoleUser, Content: BuildPrompt(query, docs)}}

	ctx, cancel := context.WithTimeout(ctx, QueryTimeout)
	defer cancel()

	answer, err := s.llm.Complete(ctx, model, messages)
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("rag completion failed: %w", err)
	}

	s.logger.Info("rag query answered", "model", modelID, "documents", len(texts))
	return Result{
		Query:     query,
		Answer:    answer,
		Documents: texts,
		Model:     modelID,
	}, nil
}
