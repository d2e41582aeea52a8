// Package responder issues generation requests under a bounded exponential
// backoff and always resolves to text: the generated answer or a fallback.
package responder

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"VoiceChat/internal/backend"
	"VoiceChat/internal/config"
)

// Reply is the terminal resolution of one request.
type Reply struct {
	Text     string
	Fallback bool  // Text is a fallback apology
	Attempts int   // generation calls made
	Cause    error // why the fallback was used
}

// RetryNotify is told about each retry before its delay starts.
type RetryNotify func(attempt int, delay time.Duration)

// Client wraps a Generator with the retry and fallback policy.
type Client struct {
	gen           backend.Generator
	policy        config.RetryPolicy
	fallbackEmpty string
	fallbackError string
	logger        *slog.Logger
	tracer        trace.Tracer
	newTimer      func() backoff.Timer

	attempts     metric.Int64Counter
	fallbacks    metric.Int64Counter
	duration     metric.Float64Histogram
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
}

type Option func(*Client)

// WithTelemetry records spans and metrics with the given tracer and meter.
func WithTelemetry(tracer trace.Tracer, meter metric.Meter) Option {
	return func(c *Client) {
		if tracer != nil {
			c.tracer = tracer
		}
		if meter != nil {
			c.instrument(meter)
		}
	}
}

// WithTimer replaces the timer used to wait between retries.
func WithTimer(newTimer func() backoff.Timer) Option {
	return func(c *Client) { c.newTimer = newTimer }
}

func New(gen backend.Generator, cfg config.Config, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		gen:           gen,
		policy:        cfg.Retry,
		fallbackEmpty: cfg.FallbackEmpty,
		fallbackError: cfg.FallbackError,
		logger:        logger,
		tracer:        tracenoop.NewTracerProvider().Tracer("voicechat"),
		newTimer:      func() backoff.Timer { return nil },
	}
	if c.fallbackEmpty == "" {
		c.fallbackEmpty = config.FallbackEmptyText
	}
	if c.fallbackError == "" {
		c.fallbackError = config.FallbackErrorText
	}
	c.instrument(metricnoop.NewMeterProvider().Meter("voicechat"))
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) instrument(meter metric.Meter) {
	var err error
	if c.attempts, err = meter.Int64Counter("voicechat.generation.attempts",
		metric.WithDescription("Generation calls including retries")); err != nil {
		c.logger.Warn("failed to create counter", "name", "voicechat.generation.attempts", "error", err)
	}
	if c.fallbacks, err = meter.Int64Counter("voicechat.generation.fallbacks",
		metric.WithDescription("Requests resolved with fallback text")); err != nil {
		c.logger.Warn("failed to create counter", "name", "voicechat.generation.fallbacks", "error", err)
	}
	if c.inputTokens, err = meter.Int64Counter("llm.usage.input_tokens",
		metric.WithDescription("LLM usage metric: input_tokens")); err != nil {
		c.logger.Warn("failed to create counter", "name", "llm.usage.input_tokens", "error", err)
	}
	if c.outputTokens, err = meter.Int64Counter("llm.usage.output_tokens",
		metric.WithDescription("LLM usage metric: output_tokens")); err != nil {
		c.logger.Warn("failed to create counter", "name", "llm.usage.output_tokens", "error", err)
	}
	if c.duration, err = meter.Float64Histogram("http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds")); err != nil {
		c.logger.Warn("failed to create histogram", "name", "http.client.request.duration", "error", err)
	}
}

// newBackOff builds the retry state of a single request. It is never shared.
func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.policy.MaxRetries)), ctx)
}

// generate calls the generator, recording token usage when it reports any.
func (c *Client) generate(ctx context.Context, question string, backendAttr attribute.KeyValue) (string, error) {
	reporter, ok := c.gen.(backend.UsageReporter)
	if !ok {
		return c.gen.Generate(ctx, question)
	}
	text, usage, err := reporter.GenerateWithUsage(ctx, question)
	if err != nil {
		return "", err
	}
	if c.inputTokens != nil && usage.InputTokens > 0 {
		c.inputTokens.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(backendAttr))
	}
	if c.outputTokens != nil && usage.OutputTokens > 0 {
		c.outputTokens.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(backendAttr))
	}
	return text, nil
}

// Request asks the generator for an answer. It never fails: transport errors
// are retried and then replaced by fallback text, and a malformed response is
// replaced immediately.
func (c *Client) Request(ctx context.Context, question string, onRetry RetryNotify) Reply {
	backendAttr := attribute.String("backend", c.gen.Name())
	ctx, span := c.tracer.Start(ctx, "generation_request", trace.WithAttributes(backendAttr))
	defer span.End()

	var (
		attempts int
		text     string
	)
	op := func() error {
		attempts++
		if c.attempts != nil {
			c.attempts.Add(ctx, 1, metric.WithAttributes(backendAttr))
		}
		start := time.Now()
		out, err := c.generate(ctx, question, backendAttr)
		if c.duration != nil {
			c.duration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(backendAttr))
		}
		if errors.Is(err, backend.ErrResponseMalformed) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		text = out
		return nil
	}
	notify := func(err error, delay time.Duration) {
		c.logger.Warn("generation request failed, retrying",
			"backend", c.gen.Name(), "attempt", attempts, "delay_ms", delay.Milliseconds(), "error", err)
		if onRetry != nil {
			onRetry(attempts, delay)
		}
	}

	err := backoff.RetryNotifyWithTimer(op, c.newBackOff(ctx), notify, c.newTimer())
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err == nil {
		c.logger.Info("generation request succeeded", "backend", c.gen.Name(), "attempts", attempts)
		return Reply{Text: text, Attempts: attempts}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if c.fallbacks != nil {
		c.fallbacks.Add(ctx, 1, metric.WithAttributes(backendAttr))
	}
	if errors.Is(err, backend.ErrResponseMalformed) {
		c.logger.Warn("generation response malformed", "backend", c.gen.Name(), "error", err)
		return Reply{Text: c.fallbackEmpty, Fallback: true, Attempts: attempts, Cause: err}
	}
	c.logger.Error("generation request failed", "backend", c.gen.Name(), "attempts", attempts, "error", err)
	return Reply{Text: c.fallbackError, Fallback: true, Attempts: attempts, Cause: err}
}
