package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ChatPortal/internal/cache"
	"ChatPortal/internal/config"
	"ChatPortal/internal/session"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Request is one completion call against a single provider
type Request struct {
	Model    string // Provider-local model name, e.g. "llama3.2:latest"
	APIBase  string // Optional endpoint override
	Messages []session.Message
}

// Completion is a provider's answer plus token usage when reported
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Provider talks to one LLM vendor
type Provider interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// Registry routes "provider/name" model ids to providers and wraps each call
// with tracing, metrics and the response cache.
type Registry struct {
	providers map[string]Provider
	cache     *cache.Cache
	logger    *slog.Logger
	tracer    trace.Tracer

	duration     metric.Float64Histogram
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	cacheHits    metric.Int64Counter
}

// NewRegistry creates a registry. Register providers before use.
func NewRegistry(logger *slog.Logger, tracer trace.Tracer, meter metric.Meter, c *cache.Cache) (*Registry, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	duration, err := meter.Float64Histogram(
		"llm.request.duration",
		metric.WithDescription("LLM request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	inputTokens, err := meter.Int64Counter(
		"llm.usage.input_tokens",
		metric.WithDescription("Prompt tokens reported by the provider"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create input token counter: %w", err)
	}
	outputTokens, err := meter.Int64Counter(
		"llm.usage.output_tokens",
		metric.WithDescription("Completion tokens reported by the provider"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create output token counter: %w", err)
	}
	cacheHits, err := meter.Int64Counter(
		"llm.cache.hits",
		metric.WithDescription("Completions served from the response cache"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache counter: %w", err)
	}

	return &Registry{
		providers:    make(map[string]Provider),
		cache:        c,
		logger:       logger,
		tracer:       tracer,
		duration:     duration,
		inputTokens:  inputTokens,
		outputTokens: outputTokens,
		cacheHits:    cacheHits,
	}, nil
}

// Register adds a provider under its prefix ("ollama", "anthropic", ...)
func (r *Registry) Register(name string, p Provider) {
	r.providers[name] = p
}

// RegisterDefaults registers every built-in provider
func (r *Registry) RegisterDefaults(ollamaHost string, opts ...Option) {
	r.Register(config.ProviderOllama, NewOllama(ollamaHost, opts...))
	r.Register(config.ProviderAnthropic, NewAnthropic(opts...))
	r.Register(config.ProviderOpenAI, NewOpenAI(config.ProviderOpenAI, "", "OPENAI_API_KEY", opts...))
	r.Register(config.ProviderGrok, NewOpenAI(config.ProviderGrok, GrokBaseURL, "GROK_API_KEY", opts...))
}

// Complete sends messages to the model and returns the trimmed answer
func (r *Registry) Complete(ctx context.Context, model config.Model, messages []session.Message) (string, error) {
	providerName, name, ok := config.SplitModel(model.ID)
	if !ok {
		return "", fmt.Errorf("invalid model id: %s", model.ID)
	}
	provider, ok := r.providers[providerName]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, providerName)
	}

	cacheKey := cache.GenerateCacheKey(model.ID, messages)
	if cached, ok := r.cache.Get(cacheKey); ok {
		r.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("llm.model", model.ID)))
		r.logger.Info("cache hit", "model", model.ID, "key", cacheKey[:16])
		return cached, nil
	}

	ctx, span := r.tracer.Start(ctx, providerName+"_api_call")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", model.ID),
		attribute.Int("llm.message_count", len(messages)),
	)

	start := time.Now()
	completion, err := provider.Complete(ctx, Request{
		Model:    name,
		APIBase:  model.APIBase,
		Messages: messages,
	})
	attrs := metric.WithAttributes(
		attribute.String("llm.model", model.ID),
		attribute.Bool("error", err != nil),
	)
	r.duration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)

	if err != nil {
		err = classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("completion failed", "model", model.ID, "error", err)
		return "", err
	}

	modelAttr := metric.WithAttributes(attribute.String("llm.model", model.ID))
	if completion.InputTokens > 0 {
		r.inputTokens.Add(ctx, int64(completion.InputTokens), modelAttr)
	}
	if completion.OutputTokens > 0 {
		r.outputTokens.Add(ctx, int64(completion.OutputTokens), modelAttr)
	}

	answer := strings.TrimSpace(completion.Text)
	span.SetAttributes(attribute.Int("llm.response_length", len(answer)))

	r.cache.Put(cacheKey, answer)
	return answer, nil
}
