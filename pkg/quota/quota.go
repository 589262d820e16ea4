// Package quota implements the rolling usage counter gating free-tier
// actions. The window does not slide per action: it starts at the first
// counted use and resets wholesale once it is older than the window length.
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultWindow is the rolling window length for free-tier usage.
const DefaultWindow = 30 * 24 * time.Hour

// DefaultFreeLimit is the number of free actions per window.
const DefaultFreeLimit = 3

// ErrUserNotFound is returned when no usage row exists for the user.
var ErrUserNotFound = errors.New("quota: user not found")

// Usage is one user's position in the current window.
type Usage struct {
	Count   int       `json:"count"`
	ResetAt time.Time `json:"reset_at"` // start of the current window
}

// Store persists per-user counters. Both methods must read and write the same
// row the premium flag lives on so a single snapshot answers the whole
// "premium or under quota" question.
type Store interface {
	// IncrementUsage counts one use. When the stored window start is older
	// than the window length the counter restarts at 1 with a fresh window,
	// otherwise the count increments in place. The update must be atomic.
	IncrementUsage(ctx context.Context, userID uuid.UUID, now time.Time, window time.Duration) (Usage, error)

	// Usage reads the counter without consuming anything.
	Usage(ctx context.Context, userID uuid.UUID) (Usage, error)
}

// Counter applies the free-tier limit on top of a Store.
type Counter struct {
	store  Store
	limit  int
	window time.Duration
	now    func() time.Time
}

// Option configures a Counter.
type Option func(*Counter)

// WithLimit overrides the free action limit.
func WithLimit(n int) Option {
	return func(c *Counter) {
		if n > 0 {
			c.limit = n
		}
	}
}

// WithWindow overrides the rolling window length.
func WithWindow(d time.Duration) Option {
	return func(c *Counter) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Counter) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCounter creates a Counter with the default window and limit.
func NewCounter(store Store, opts ...Option) *Counter {
	if store == nil {
		panic("quota: Store is required")
	}
	c := &Counter{
		store:  store,
		limit:  DefaultFreeLimit,
		window: DefaultWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Limit returns the configured free action limit.
func (c *Counter) Limit() int { return c.limit }

// Increment counts one use and returns the resulting usage. The count keeps
// advancing past the limit so the window start stays truthful.
func (c *Counter) Increment(ctx context.Context, userID uuid.UUID) (Usage, error) {
	return c.store.IncrementUsage(ctx, userID, c.now().UTC(), c.window)
}

// Peek returns the current usage without consuming an action. A window that
// has already aged out reads as empty even though the stored row still holds
// the old count.
func (c *Counter) Peek(ctx context.Context, userID uuid.UUID) (Usage, error) {
	u, err := c.store.Usage(ctx, userID)
	if err != nil {
		return Usage{}, err
	}
	now := c.now().UTC()
	if u.ResetAt.IsZero() || now.Sub(u.ResetAt) >= c.window {
		return Usage{Count: 0, ResetAt: now}, nil
	}
	return u, nil
}

// Remaining returns how many free actions are left in the current window.
func (c *Counter) Remaining(ctx context.Context, userID uuid.UUID) (int, error) {
	u, err := c.Peek(ctx, userID)
	if err != nil {
		return 0, err
	}
	if u.Count >= c.limit {
		return 0, nil
	}
	return c.limit - u.Count, nil
}
