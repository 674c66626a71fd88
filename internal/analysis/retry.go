package analysis

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"

	"github.com/hpungsan/casegate/internal/config"
	"github.com/hpungsan/casegate/internal/errors"
)

// Outcome tags the result of one adapter attempt.
type Outcome int

const (
	Success Outcome = iota
	Transient
	Permanent
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Transient:
		return "transient"
	default:
		return "permanent"
	}
}

// ErrMalformedOutput marks model output that did not parse. The model may
// well answer correctly on the next attempt, so it is transient.
var ErrMalformedOutput = stderrors.New("malformed model output")

// Classify decides whether err is worth another attempt.
func Classify(err error) Outcome {
	if err == nil {
		return Success
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return Permanent
	}
	if stderrors.Is(err, ErrMalformedOutput) {
		return Transient
	}

	var cErr *errors.CaseError
	if stderrors.As(err, &cErr) {
		if cErr.Code == errors.ErrAdapterTransient {
			return Transient
		}
		return Permanent
	}

	var antErr *anthropic.Error
	if stderrors.As(err, &antErr) {
		return statusOutcome(antErr.StatusCode)
	}
	var oaiErr *openai.Error
	if stderrors.As(err, &oaiErr) {
		return statusOutcome(oaiErr.StatusCode)
	}

	// No API response at all: network trouble.
	return Transient
}

func statusOutcome(status int) Outcome {
	switch {
	case status == 408, status == 409, status == 429, status >= 500:
		return Transient
	default:
		return Permanent
	}
}

// Policy is bounded exponential backoff without jitter.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64

	// after is swapped out in tests.
	after func(time.Duration) <-chan time.Time
}

// NewPolicy builds a Policy from retry configuration.
func NewPolicy(cfg config.RetryConfig) Policy {
	return Policy{
		MaxAttempts: cfg.MaxAttempts,
		Initial:     cfg.InitialBackoff.Std(),
		Max:         cfg.MaxBackoff.Std(),
		Multiplier:  cfg.Multiplier,
		after:       time.After,
	}
}

// Backoff returns the wait before attempt n+1, for n >= 1.
func (p Policy) Backoff(n int) time.Duration {
	d := p.Initial
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Do runs fn until it succeeds, fails permanently or runs out of attempts.
// It returns the number of attempts made and, on failure, an
// ADAPTER_TRANSIENT or ADAPTER_PERMANENT error for stage.
func (p Policy) Do(ctx context.Context, stage string, fn func(context.Context) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	after := p.after
	if after == nil {
		after = time.After
	}

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		switch Classify(err) {
		case Success:
			return attempt, nil
		case Permanent:
			return attempt, asAdapterError(stage, err, errors.ErrAdapterPermanent)
		}

		if attempt >= maxAttempts {
			return attempt, asAdapterError(stage, err, errors.ErrAdapterTransient)
		}

		wait := p.Backoff(attempt)
		slog.WarnContext(ctx, "analysis attempt failed, retrying",
			"attempt", attempt,
			"backoff_ms", wait.Milliseconds(),
			"error", err)

		select {
		case <-ctx.Done():
			return attempt, errors.NewAdapterPermanent(stage, ctx.Err())
		case <-after(wait):
		}
	}
}

// asAdapterError returns err unchanged when it already carries code and
// wraps it otherwise.
func asAdapterError(stage string, err error, code errors.ErrorCode) error {
	var cErr *errors.CaseError
	if stderrors.As(err, &cErr) && cErr.Code == code {
		return cErr
	}
	if code == errors.ErrAdapterTransient {
		return errors.NewAdapterTransient(stage, err)
	}
	return errors.NewAdapterPermanent(stage, err)
}
