// Package ratelimit implements a per-identity fixed-window send quota.
//
// A window starts lazily on the first check for an identity and lasts
// exactly Config.Window. Once it has elapsed, the next check or consume
// resets it in place.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Default quota values.
const (
	DefaultLimit  = 100
	DefaultWindow = time.Hour
)

// Window is the stored counter for one identity.
type Window struct {
	Identity    string
	Count       int
	WindowStart time.Time
}

// Status is the result of a quota check.
type Status struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Config holds the quota settings.
type Config struct {
	Limit  int
	Window time.Duration
}

// DefaultConfig returns a Config with 100 sends per hour.
func DefaultConfig() Config {
	return Config{Limit: DefaultLimit, Window: DefaultWindow}
}

// Store persists rate windows. Every method is a single atomic operation
// against one identity's window.
type Store interface {
	// Load returns the window for identity, creating it with
	// WindowStart=now and Count=0 when absent.
	Load(ctx context.Context, identity string, now time.Time) (Window, error)

	// Reset sets Count to 0 and WindowStart to now.
	Reset(ctx context.Context, identity string, now time.Time) (Window, error)

	// Increment adds one to Count, creating the window at now when absent.
	Increment(ctx context.Context, identity string, now time.Time) (Window, error)

	// Consume resets the window when it has expired at now, then adds one
	// to Count only if Count < limit. ok reports whether a unit was taken.
	Consume(ctx context.Context, identity string, now time.Time, limit int, period time.Duration) (w Window, ok bool, err error)

	// Release subtracts one from Count if the window still starts at
	// windowStart and Count is positive. It is a no-op otherwise.
	Release(ctx context.Context, identity string, windowStart time.Time) error
}

// Reservation is a unit of quota taken by Reserve.
type Reservation struct {
	Identity    string
	WindowStart time.Time
}

// Limiter enforces Config against a Store.
type Limiter struct {
	store  Store
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New creates a Limiter. Zero Config fields fall back to the defaults.
func New(store Store, cfg Config, opts ...Option) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	l := &Limiter{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the effective quota settings.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Check reports the quota state for identity without consuming it.
// An expired window is reset as part of the check.
func (l *Limiter) Check(ctx context.Context, identity string) (Status, error) {
	now := l.now()
	w, err := l.store.Load(ctx, identity, now)
	if err != nil {
		return Status{}, fmt.Errorf("failed to load rate window: %w", err)
	}

	if l.expired(w, now) {
		w, err = l.store.Reset(ctx, identity, now)
		if err != nil {
			return Status{}, fmt.Errorf("failed to reset rate window: %w", err)
		}
		l.logger.Debug("rate window reset", "identity", identity)
	}

	return l.status(w), nil
}

// Increment records one send for identity. It does not check the limit.
func (l *Limiter) Increment(ctx context.Context, identity string) error {
	if _, err := l.store.Increment(ctx, identity, l.now()); err != nil {
		return fmt.Errorf("failed to increment rate window: %w", err)
	}
	return nil
}

// Reserve atomically takes one unit of quota. When the quota is exhausted
// it returns a Status with Allowed=false and a zero Reservation.
func (l *Limiter) Reserve(ctx context.Context, identity string) (Reservation, Status, error) {
	w, ok, err := l.store.Consume(ctx, identity, l.now(), l.cfg.Limit, l.cfg.Window)
	if err != nil {
		return Reservation{}, Status{}, fmt.Errorf("failed to consume rate window: %w", err)
	}

	st := l.status(w)
	st.Allowed = ok
	if !ok {
		return Reservation{}, st, nil
	}
	return Reservation{Identity: identity, WindowStart: w.WindowStart}, st, nil
}

// Release returns a unit taken by Reserve. Releasing into a window that
// has since been reset does nothing.
func (l *Limiter) Release(ctx context.Context, r Reservation) error {
	if r.Identity == "" {
		return nil
	}
	if err := l.store.Release(ctx, r.Identity, r.WindowStart); err != nil {
		return fmt.Errorf("failed to release rate reservation: %w", err)
	}
	return nil
}

func (l *Limiter) expired(w Window, now time.Time) bool {
	return !now.Before(w.WindowStart.Add(l.cfg.Window))
}

func (l *Limiter) status(w Window) Status {
	return Status{
		Allowed:   w.Count < l.cfg.Limit,
		Remaining: max(0, l.cfg.Limit-w.Count),
		ResetAt:   w.WindowStart.Add(l.cfg.Window),
	}
}
