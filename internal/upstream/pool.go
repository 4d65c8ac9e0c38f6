package upstream

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const tracerName = "github.com/joelkehle/symptomatch/internal/upstream"

type PoolConfig struct {
	Workers   int
	Timeout   time.Duration
	MaxTries  uint
	BaseDelay time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:   4,
		Timeout:   30 * time.Second,
		MaxTries:  3,
		BaseDelay: time.Second,
	}
}

// Pool issues generator calls through a fixed number of workers. Callers
// block until a worker is free, the call finishes, or the timeout expires.
type Pool struct {
	gen      Generator
	cfg      PoolConfig
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	logger   zerolog.Logger
	tracer   trace.Tracer
}

func NewPool(gen Generator, cfg PoolConfig, logger zerolog.Logger) *Pool {
	def := DefaultPoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = def.MaxTries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	return &Pool{
		gen:    gen,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.Workers)),
		logger: logger.With().Str("component", "upstream").Logger(),
		tracer: otel.Tracer(tracerName),
	}
}

func (p *Pool) Config() PoolConfig { return p.cfg }

// InFlight is the number of calls currently holding a worker.
func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

// Generate runs one upstream call. The returned error is always an *Error
// whose Kind is ErrTimeout or ErrFailure.
func (p *Pool) Generate(ctx context.Context, parts []string, hint *FormatHint) (string, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	ctx, span := p.tracer.Start(ctx, "upstream.generate", trace.WithAttributes(
		attribute.Int("prompt.parts", len(parts)),
		attribute.Bool("format.json", hint != nil && hint.JSON),
	))
	defer span.End()

	start := time.Now()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", p.fail(parent, span, err, 0, start)
	}
	p.inFlight.Add(1)
	defer func() {
		p.inFlight.Add(-1)
		p.sem.Release(1)
	}()

	attempts := 0
	op := func() (string, error) {
		attempts++
		attemptStart := time.Now()
		out, err := p.gen.Generate(ctx, parts, hint)
		if err == nil {
			p.logger.Debug().Int("attempt", attempts).Dur("elapsed", time.Since(attemptStart)).Int("response_chars", len(out)).Msg("upstream attempt succeeded")
			return out, nil
		}
		class := Classify(err)
		p.logger.Warn().Err(err).Int("attempt", attempts).Str("class", class.String()).Dur("elapsed", time.Since(attemptStart)).Msg("upstream attempt failed")
		if !class.Retryable() {
			return "", backoff.Permanent(err)
		}
		return "", err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.BaseDelay
	b.MaxInterval = 4 * p.cfg.BaseDelay
	out, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(p.cfg.MaxTries))
	if err != nil {
		return "", p.fail(parent, span, err, attempts, start)
	}
	span.SetAttributes(attribute.Int("attempts", attempts))
	return out, nil
}

func (p *Pool) fail(parent context.Context, span trace.Span, err error, attempts int, start time.Time) error {
	class := Classify(err)
	kind := ErrFailure
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		// the caller went away; this is not an upstream timeout
		err = errors.Join(parent.Err(), err)
	case class == FailureTimeout:
		kind = ErrTimeout
	}
	uerr := &Error{Kind: kind, Class: class, Attempts: attempts, Err: err}
	span.RecordError(uerr)
	span.SetStatus(codes.Error, kind.Error())
	span.SetAttributes(attribute.Int("attempts", attempts), attribute.String("failure.class", class.String()))
	p.logger.Error().Err(err).Int("attempts", attempts).Str("class", class.String()).Dur("elapsed", time.Since(start)).Msg("upstream call failed")
	return uerr
}
