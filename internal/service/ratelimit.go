package service

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammadhprp/offgrid/internal/limiter"
	"github.com/mohammadhprp/offgrid/internal/metrics"
	"go.uber.org/zap"
)

// CheckLimitResponse is the wire form of a limiter decision.
type CheckLimitResponse struct {
	Allowed   bool  `json:"allowed"`
	Remaining int64 `json:"remaining"`
	ResetAt   int64 `json:"resetAt"` // Unix milliseconds
}

// NewCheckLimitResponse converts a limiter result to its wire form.
func NewCheckLimitResponse(res limiter.Result) *CheckLimitResponse {
	resp := &CheckLimitResponse{
		Allowed:   res.Allowed,
		Remaining: res.Remaining,
	}
	if !res.ResetAt.IsZero() {
		resp.ResetAt = res.ResetAt.UnixMilli()
	}
	return resp
}

// RateLimitService provides business logic for rate limiting
type RateLimitService struct {
	limiter limiter.RateLimiter
	timeout time.Duration
	metrics *metrics.Recorder
	Logger  *zap.Logger
}

// NewRateLimitService creates a new rate limit service.
// timeout bounds every storage round trip; a zero timeout disables the bound.
func NewRateLimitService(lim limiter.RateLimiter, timeout time.Duration, rec *metrics.Recorder, logger *zap.Logger) *RateLimitService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimitService{
		limiter: lim,
		timeout: timeout,
		metrics: rec,
		Logger:  logger,
	}
}

// ValidateKey rejects empty and oversized client identities.
func (s *RateLimitService) ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: %s", ErrInvalidKey, ErrKeyRequired)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: "+ErrKeyTooLong, ErrInvalidKey, MaxKeyLength)
	}
	return nil
}

func (s *RateLimitService) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// CheckLimit counts one request for key. A storage failure returns a denied
// result together with the error; the counter is left as it was.
func (s *RateLimitService) CheckLimit(ctx context.Context, key string) (limiter.Result, error) {
	if err := s.ValidateKey(key); err != nil {
		return limiter.Result{}, err
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	started := time.Now()
	res, err := s.limiter.Check(ctx, key)
	elapsed := time.Since(started).Seconds()

	switch {
	case err != nil:
		s.metrics.LimiterDecision(ctx, metrics.OutcomeError, elapsed)
		s.Logger.Error("rate limit check failed", zap.String("key", key), zap.Error(err))
		return limiter.Result{Allowed: false, Limit: res.Limit}, fmt.Errorf("check rate limit: %w", err)
	case res.Allowed:
		s.metrics.LimiterDecision(ctx, metrics.OutcomeAllowed, elapsed)
	default:
		s.metrics.LimiterDecision(ctx, metrics.OutcomeDenied, elapsed)
		s.Logger.Debug("request rate limited", zap.String("key", key), zap.Time("reset_at", res.ResetAt))
	}

	return res, nil
}

// Enforce is CheckLimit for gatekeeping callers: a rejection is returned as a
// *limiter.RateLimitError carrying the reset time.
func (s *RateLimitService) Enforce(ctx context.Context, key string) (limiter.Result, error) {
	res, err := s.CheckLimit(ctx, key)
	if err != nil {
		return res, err
	}
	if !res.Allowed {
		return res, &limiter.RateLimitError{Key: key, Result: res}
	}
	return res, nil
}

// ResetLimit unconditionally clears the window for key.
func (s *RateLimitService) ResetLimit(ctx context.Context, key string) error {
	if err := s.ValidateKey(key); err != nil {
		return err
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	if err := s.limiter.Reset(ctx, key); err != nil {
		s.Logger.Error("rate limit reset failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("reset rate limit: %w", err)
	}

	s.Logger.Info("rate limit reset", zap.String("key", key))
	return nil
}
