// Package allocator hands out daily registration numbers.
//
// Numbering policy (explicit, not emergent):
//   - numbers reset every clinic day (Asia/Kuala_Lumpur);
//   - the first number issued during clinic hour H is H*100+1, e.g. the
//     first registration at 14:32 gets 1401;
//   - within an hour bucket numbers increase by exactly 1 per registration;
//   - a later hour never reuses an earlier hour's range because the counter
//     only moves forward.
//
// Allocation is serialized through the Counter, so two concurrent
// registrations can never receive the same number.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinic-backend/internal/models"
)

// ErrBusy is returned when the allocation lock cannot be obtained in time.
// Callers should surface it as a retryable failure, not allocate anyway.
var ErrBusy = errors.New("allocator: allocation lock busy")

// Counter issues the next registration number for a clinic day.
//
// Next must behave as an atomic "raise-to-floor then increment": if the
// current value for day is below floor the counter first jumps to floor,
// then returns current+1. Implementations must be safe for concurrent use,
// including across processes.
type Counter interface {
	Next(ctx context.Context, day string, floor int64) (int64, error)
}

type Option func(*Allocator)

// WithClock overrides the time source. Tests use this to pin "now".
func WithClock(now func() time.Time) Option {
	return func(a *Allocator) { a.now = now }
}

type Allocator struct {
	counter Counter
	loc     *time.Location
	now     func() time.Time
}

func New(counter Counter, loc *time.Location, opts ...Option) *Allocator {
	a := &Allocator{
		counter: counter,
		loc:     loc,
		now:     time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Allocation is one issued registration number with its display form.
type Allocation struct {
	RegistrationNumber int64
	QueueNumber        string
	At                 time.Time
}

// Next issues the next registration number for the current clinic day.
// A group registration calls this once and shares the result.
func (a *Allocator) Next(ctx context.Context) (Allocation, error) {
	now := a.now().In(a.loc)
	base := int64(now.Hour()*100 + 1)
	day := now.Format("2006-01-02")

	n, err := a.counter.Next(ctx, day, base-1)
	if err != nil {
		return Allocation{}, fmt.Errorf("allocate registration number for %s: %w", day, err)
	}

	return Allocation{
		RegistrationNumber: n,
		QueueNumber:        models.FormatQueueNumber(n),
		At:                 now,
	}, nil
}
