package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"ingestq/pkg/queue"
)

// countingSource wraps a queue and records Dequeue calls.
type countingSource struct {
	*queue.Bounded
	dequeues atomic.Int64
}

func (s *countingSource) Dequeue(ctx context.Context) (queue.Message, error) {
	s.dequeues.Add(1)
	return s.Bounded.Dequeue(ctx)
}

func newSource(t *testing.T, capacity int) *countingSource {
	t.Helper()
	q, err := queue.NewBounded(capacity)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	return &countingSource{Bounded: q}
}

// recorder collects processed payloads in order.
type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) Process(_ context.Context, msg queue.Message) error {
	r.mu.Lock()
	r.got = append(r.got, string(msg))
	r.mu.Unlock()
	return nil
}

func (r *recorder) items() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWorkerProcessesFIFO(t *testing.T) {
	src := newSource(t, 32)
	rec := &recorder{}
	w, err := NewWorker(src, rec, WorkerConfig{})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	var want []string
	for i := 0; i < 20; i++ {
		s := fmt.Sprintf("msg-%d", i)
		want = append(want, s)
		src.TryEnqueue(queue.Message(s))
	}
	w.Start(context.Background())
	waitFor(t, func() bool { return len(rec.items()) == len(want) })
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if diff := cmp.Diff(want, rec.items()); diff != "" {
		t.Fatalf("processing order (-want +got):\n%s", diff)
	}
	if w.State() != WorkerStopped {
		t.Fatalf("state %v", w.State())
	}
}

func TestWorkerIsolatesFailures(t *testing.T) {
	src := newSource(t, 8)
	var seen []string
	var mu sync.Mutex
	proc := ProcessorFunc(func(_ context.Context, msg queue.Message) error {
		mu.Lock()
		seen = append(seen, string(msg))
		mu.Unlock()
		switch string(msg) {
		case "fail":
			return errors.New("boom")
		case "panic":
			panic("kaboom")
		}
		return nil
	})
	var statuses []string
	hooks := Hooks{OnProcessed: func(status string, _ int, _ time.Duration) {
		mu.Lock()
		statuses = append(statuses, status)
		mu.Unlock()
	}}
	w, _ := NewWorker(src, proc, WorkerConfig{Hooks: hooks})
	for _, s := range []string{"ok1", "fail", "panic", "ok2"} {
		src.TryEnqueue(queue.Message(s))
	}
	w.Start(context.Background())
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(seen) == 4 })
	_ = w.Stop(context.Background())

	want := []string{"success", "error", "panic", "success"}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff(want, statuses); diff != "" {
		t.Fatalf("statuses (-want +got):\n%s", diff)
	}
	snap := w.Snapshot()
	if snap.Processed != 2 || snap.Failed != 2 || snap.Panicked != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

// blockingProcessor holds the first message until release is closed.
type blockingProcessor struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	rec     recorder
}

func newBlocking() *blockingProcessor {
	return &blockingProcessor{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingProcessor) Process(ctx context.Context, msg queue.Message) error {
	first := false
	b.once.Do(func() { first = true; close(b.started) })
	if first {
		<-b.release
		if ctx.Err() != nil {
			return fmt.Errorf("in-flight context cancelled: %w", ctx.Err())
		}
	}
	return b.rec.Process(ctx, msg)
}

func TestWorkerShutdownDiscardLeavesQueue(t *testing.T) {
	src := newSource(t, 8)
	bp := newBlocking()
	w, _ := NewWorker(src, bp, WorkerConfig{Policy: ShutdownDiscard})
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	src.TryEnqueue(queue.Message("inflight"))
	<-bp.started
	for _, s := range []string{"a", "b", "c"} {
		src.TryEnqueue(queue.Message(s))
	}
	cancel()
	calls := src.dequeues.Load()
	close(bp.release)
	<-w.Done()

	if got := bp.rec.items(); len(got) != 1 || got[0] != "inflight" {
		t.Fatalf("in-flight message not completed cleanly: %v", got)
	}
	if src.dequeues.Load() != calls {
		t.Fatalf("dequeue called after shutdown: %d -> %d", calls, src.dequeues.Load())
	}
	if src.Len() != 3 {
		t.Fatalf("queue len %d want 3", src.Len())
	}
	if snap := w.Snapshot(); snap.Discarded != 3 || snap.State != "stopped" {
		t.Fatalf("snapshot %+v", snap)
	}
}

func TestWorkerShutdownDrainEmptiesQueue(t *testing.T) {
	src := newSource(t, 8)
	bp := newBlocking()
	var discarded atomic.Int64
	w, _ := NewWorker(src, bp, WorkerConfig{
		Policy: ShutdownDrain,
		Hooks:  Hooks{OnDiscarded: func(n int) { discarded.Add(int64(n)) }},
	})
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	src.TryEnqueue(queue.Message("inflight"))
	<-bp.started
	for _, s := range []string{"a", "b", "c"} {
		src.TryEnqueue(queue.Message(s))
	}
	cancel()
	calls := src.dequeues.Load()
	close(bp.release)
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	want := []string{"inflight", "a", "b", "c"}
	if diff := cmp.Diff(want, bp.rec.items()); diff != "" {
		t.Fatalf("drain order (-want +got):\n%s", diff)
	}
	if src.dequeues.Load() != calls {
		t.Fatalf("blocking dequeue used while draining")
	}
	if src.Len() != 0 || discarded.Load() != 0 {
		t.Fatalf("len=%d discarded=%d", src.Len(), discarded.Load())
	}
	if snap := w.Snapshot(); snap.Drained != 3 {
		t.Fatalf("drained %d want 3", snap.Drained)
	}
}

func TestWorkerDrainTimeoutDiscardsRest(t *testing.T) {
	src := newSource(t, 8)
	slow := ProcessorFunc(func(context.Context, queue.Message) error {
		time.Sleep(30 * time.Millisecond)
		return nil
	})
	var hookDiscarded atomic.Int64
	w, _ := NewWorker(src, slow, WorkerConfig{
		Policy:       ShutdownDrain,
		DrainTimeout: 50 * time.Millisecond,
		Hooks:        Hooks{OnDiscarded: func(n int) { hookDiscarded.Add(int64(n)) }},
	})
	for i := 0; i < 6; i++ {
		src.TryEnqueue(queue.Message(fmt.Sprintf("m%d", i)))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Start(ctx)
	<-w.Done()

	// each message takes 30ms, so a 50ms window fits one or two
	snap := w.Snapshot()
	if snap.Drained < 1 || snap.Drained > 2 {
		t.Fatalf("drained %d want 1 or 2", snap.Drained)
	}
	left := uint64(src.Len())
	if left == 0 || left+snap.Drained != 6 {
		t.Fatalf("queue len %d after draining %d of 6", left, snap.Drained)
	}
	if snap.Discarded != left || uint64(hookDiscarded.Load()) != left {
		t.Fatalf("discarded snapshot=%d hook=%d want %d", snap.Discarded, hookDiscarded.Load(), left)
	}
	if snap.Processed != snap.Drained || snap.State != "stopped" {
		t.Fatalf("snapshot %+v", snap)
	}
}

func TestWorkerProcessTimeoutReleasesStuckMessage(t *testing.T) {
	src := newSource(t, 4)
	errs := make(chan error, 1)
	rec := &recorder{}
	proc := ProcessorFunc(func(ctx context.Context, msg queue.Message) error {
		if string(msg) == "hang" {
			<-ctx.Done()
			errs <- ctx.Err()
			return ctx.Err()
		}
		return rec.Process(ctx, msg)
	})
	w, _ := NewWorker(src, proc, WorkerConfig{ProcessTimeout: 20 * time.Millisecond})
	src.TryEnqueue(queue.Message("hang"))
	src.TryEnqueue(queue.Message("next"))
	w.Start(context.Background())
	defer w.Stop(context.Background())

	select {
	case err := <-errs:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("stuck processor saw %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("process timeout never fired")
	}
	waitFor(t, func() bool { return len(rec.items()) == 1 })
	if snap := w.Snapshot(); snap.Failed != 1 || snap.Processed != 1 {
		t.Fatalf("snapshot %+v", snap)
	}
}

func TestWorkerStartedReportsLifecycle(t *testing.T) {
	src := newSource(t, 1)
	w, _ := NewWorker(src, &recorder{}, WorkerConfig{})
	if w.Started() {
		t.Fatal("new worker reports started")
	}
	w.Start(context.Background())
	if !w.Started() {
		t.Fatal("worker not started after Start")
	}
	_ = w.Stop(context.Background())
}

func TestWorkerStopWhileIdle(t *testing.T) {
	src := newSource(t, 2)
	w, _ := NewWorker(src, &recorder{}, WorkerConfig{Policy: ShutdownDiscard})
	w.Start(context.Background())
	waitFor(t, func() bool { return src.dequeues.Load() == 1 })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	src.TryEnqueue(queue.Message("after"))
	time.Sleep(10 * time.Millisecond)
	if src.Len() != 1 || src.dequeues.Load() != 1 {
		t.Fatalf("worker consumed after stop: len=%d dequeues=%d", src.Len(), src.dequeues.Load())
	}
}

func TestWorkerParentContextCancel(t *testing.T) {
	src := newSource(t, 2)
	w, _ := NewWorker(src, &recorder{}, WorkerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	cancel()
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on parent cancel")
	}
}

func TestWorkerStartOnce(t *testing.T) {
	src := newSource(t, 2)
	w, _ := NewWorker(src, &recorder{}, WorkerConfig{})
	if !w.Start(context.Background()) {
		t.Fatal("first start should succeed")
	}
	if w.Start(context.Background()) {
		t.Fatal("second start should be a no-op")
	}
	_ = w.Stop(context.Background())
}

func TestWorkerStopTimeout(t *testing.T) {
	src := newSource(t, 2)
	bp := newBlocking()
	w, _ := NewWorker(src, bp, WorkerConfig{})
	w.Start(context.Background())
	src.TryEnqueue(queue.Message("slow"))
	<-bp.started
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error got %v", err)
	}
	close(bp.release)
	<-w.Done()
}

func TestNewWorkerValidation(t *testing.T) {
	src := newSource(t, 1)
	if _, err := NewWorker(nil, &recorder{}, WorkerConfig{}); err == nil {
		t.Fatal("expected error for nil source")
	}
	if _, err := NewWorker(src, nil, WorkerConfig{}); err == nil {
		t.Fatal("expected error for nil processor")
	}
	if _, err := NewWorker(src, &recorder{}, WorkerConfig{Policy: "later"}); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}

func TestParseShutdownPolicy(t *testing.T) {
	for in, want := range map[string]ShutdownPolicy{"": ShutdownDrain, "drain": ShutdownDrain, "discard": ShutdownDiscard} {
		got, err := ParseShutdownPolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParseShutdownPolicy(%q)=%q,%v", in, got, err)
		}
	}
	if _, err := ParseShutdownPolicy("flush"); err == nil {
		t.Fatal("expected error")
	}
}

func TestWithBreakerFailsFast(t *testing.T) {
	cb := NewCircuitBreaker("downstream", 2, time.Minute, 1)
	var transitions []string
	cb.OnStateChange(func(_ string, s CircuitState) { transitions = append(transitions, s.String()) })
	calls := 0
	p := WithBreaker(cb, ProcessorFunc(func(context.Context, queue.Message) error {
		calls++
		return errors.New("down")
	}))
	for i := 0; i < 4; i++ {
		_ = p.Process(context.Background(), queue.Message("x"))
	}
	if calls != 2 {
		t.Fatalf("downstream called %d times want 2", calls)
	}
	if err := p.Process(context.Background(), queue.Message("x")); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected ErrBreakerOpen got %v", err)
	}
	if diff := cmp.Diff([]string{"open"}, transitions); diff != "" {
		t.Fatalf("transitions (-want +got):\n%s", diff)
	}
}
