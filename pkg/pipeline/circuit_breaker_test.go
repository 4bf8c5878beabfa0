package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var errDown = errors.New("downstream unavailable")

func succeed(context.Context) error { return nil }
func failing(context.Context) error { return errDown }

// fakeClock lets tests move past the cooldown without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures uint32, successes uint32) (*CircuitBreaker, *fakeClock, *[]string) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker("sink", maxFailures, time.Second, successes)
	cb.now = clock.now
	var transitions []string
	cb.OnStateChange(func(_ string, s CircuitState) { transitions = append(transitions, s.String()) })
	return cb, clock, &transitions
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb, _, transitions := newTestBreaker(3, 1)
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, succeed) // resets the run
	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, failing)
	}
	if cb.State() != StateClosed {
		t.Fatalf("opened before 3 consecutive failures: %v", cb.State())
	}
	if err := cb.Execute(ctx, failing); !errors.Is(err, errDown) {
		t.Fatalf("expected downstream error got %v", err)
	}
	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrBreakerOpen) || called {
		t.Fatalf("open breaker let call through: err=%v called=%v", err, called)
	}
	if diff := cmp.Diff([]string{"open"}, *transitions); diff != "" {
		t.Fatalf("transitions (-want +got):\n%s", diff)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb, clock, transitions := newTestBreaker(1, 2)
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	clock.advance(999 * time.Millisecond)
	if err := cb.Execute(ctx, succeed); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("cooldown not respected: %v", err)
	}
	clock.advance(time.Millisecond)
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state after one probe %v", cb.State())
	}
	_ = cb.Execute(ctx, succeed)

	want := []string{"open", "half-open", "closed"}
	if diff := cmp.Diff(want, *transitions); diff != "" {
		t.Fatalf("transitions (-want +got):\n%s", diff)
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	cb, clock, transitions := newTestBreaker(1, 2)
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	clock.advance(time.Second)
	_ = cb.Execute(ctx, failing)
	if cb.State() != StateOpen {
		t.Fatalf("state %v want open", cb.State())
	}
	// the cooldown restarts from the failed probe
	clock.advance(500 * time.Millisecond)
	if err := cb.Execute(ctx, succeed); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected open got %v", err)
	}
	want := []string{"open", "half-open", "open"}
	if diff := cmp.Diff(want, *transitions); diff != "" {
		t.Fatalf("transitions (-want +got):\n%s", diff)
	}
}

func TestBreakerIgnoresCallerCancellation(t *testing.T) {
	cb, _, _ := newTestBreaker(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("cancellation tripped the breaker")
	}
}

func TestBreakerDefaults(t *testing.T) {
	cb := NewCircuitBreaker("d", 0, 0, 0)
	if cb.maxFailures != 5 || cb.cooldown != 10*time.Second || cb.successes != 2 || cb.Name() != "d" {
		t.Fatalf("unexpected defaults %+v", cb)
	}
}

func TestBreakerCountsDeadlines(t *testing.T) {
	cb, _, _ := newTestBreaker(1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	_ = cb.Execute(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if cb.State() != StateOpen {
		t.Fatalf("hung downstream did not trip the breaker: %v", cb.State())
	}
}

func BenchmarkBreakerClosed(b *testing.B) {
	cb := NewCircuitBreaker("bench", 5, time.Second, 2)
	ctx := context.Background()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = cb.Execute(ctx, succeed)
	}
}
