package redis

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"priceoracle/internal/model"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time { return c.t }

func newTestBreaker(maxFailures int, reset time.Duration) (*CircuitBreaker, *manualClock) {
	clk := &manualClock{t: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker(maxFailures, reset)
	cb.now = clk.now
	return cb, clk
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)
	if cb.CurrentState() != StateClosed {
		t.Errorf("expected Closed, got %v", cb.CurrentState())
	}
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)
	errFail := errors.New("fail")

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return errFail }); err != errFail {
			t.Fatalf("expected errFail, got %v", err)
		}
	}
	if cb.CurrentState() != StateOpen {
		t.Errorf("expected Open after 3 failures, got %v", cb.CurrentState())
	}

	called := false
	if err := cb.Execute(func() error { called = true; return nil }); err != ErrCircuitOpen {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("fn must not run while open")
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, clk := newTestBreaker(2, time.Second)
	errFail := errors.New("fail")
	cb.Execute(func() error { return errFail })
	cb.Execute(func() error { return errFail })

	clk.t = clk.t.Add(time.Second)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected probe to pass, got %v", err)
	}
	if cb.CurrentState() != StateClosed {
		t.Errorf("expected Closed after successful probe, got %v", cb.CurrentState())
	}
}

func TestCircuitBreaker_HalfOpenFailure(t *testing.T) {
	cb, clk := newTestBreaker(2, time.Second)
	errFail := errors.New("fail")
	cb.Execute(func() error { return errFail })
	cb.Execute(func() error { return errFail })

	clk.t = clk.t.Add(2 * time.Second)
	cb.Execute(func() error { return errFail })
	if cb.CurrentState() != StateOpen {
		t.Errorf("expected Open after failed probe, got %v", cb.CurrentState())
	}
	// reopened at the probe time, so still rejecting
	if err := cb.Execute(func() error { return nil }); err != ErrCircuitOpen {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_SingleProbe(t *testing.T) {
	cb, clk := newTestBreaker(1, time.Second)
	cb.Execute(func() error { return errors.New("fail") })
	clk.t = clk.t.Add(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cb.Execute(func() error { close(started); <-release; return nil })
	}()
	<-started

	if err := cb.Execute(func() error { return nil }); err != ErrCircuitOpen {
		t.Errorf("second call during probe: expected ErrCircuitOpen, got %v", err)
	}
	close(release)
	wg.Wait()
	if cb.CurrentState() != StateClosed {
		t.Errorf("expected Closed, got %v", cb.CurrentState())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)
	errFail := errors.New("fail")

	cb.Execute(func() error { return errFail })
	cb.Execute(func() error { return errFail })
	cb.Execute(func() error { return nil })
	cb.Execute(func() error { return errFail })
	cb.Execute(func() error { return errFail })

	if cb.CurrentState() != StateClosed {
		t.Errorf("expected Closed (counter should have reset), got %v", cb.CurrentState())
	}
}

func TestCircuitBreaker_OnStateChangeCallback(t *testing.T) {
	var transitions []State
	cb, clk := newTestBreaker(1, time.Second)
	cb.OnStateChange = func(from, to State) {
		transitions = append(transitions, to)
	}

	cb.Execute(func() error { return errors.New("fail") })
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("expected [Open], got %v", transitions)
	}

	clk.t = clk.t.Add(time.Second)
	cb.Execute(func() error { return nil })

	if len(transitions) != 3 {
		t.Fatalf("expected 3 transitions, got %d: %v", len(transitions), transitions)
	}
	if transitions[1] != StateHalfOpen || transitions[2] != StateClosed {
		t.Errorf("expected [Open, HalfOpen, Closed], got %v", transitions)
	}
}

// ── buffered writer ──

type flakySink struct {
	mu      sync.Mutex
	fail    bool
	written []uint64
}

func (s *flakySink) WriteRound(_ context.Context, res model.RoundResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("redis down")
	}
	s.written = append(s.written, res.Round)
	return nil
}

func (s *flakySink) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func round(n uint64) model.RoundResult {
	return model.RoundResult{Round: n, Price: big.NewInt(int64(n + 1)), TS: time.Unix(1700000000, 0)}
}

func TestBufferedWriter_BuffersAndFlushes(t *testing.T) {
	cb, clk := newTestBreaker(1, time.Second)
	sink := &flakySink{fail: true}
	bw := NewBufferedWriter(context.Background(), sink, cb, 0)

	flushedCh := make(chan int, 1)
	bw.OnFlush = func(n int) { flushedCh <- n }

	bw.WriteRound(round(0)) // fails and opens the breaker
	bw.WriteRound(round(1)) // rejected by open breaker
	if bw.PendingCount() != 2 {
		t.Fatalf("expected 2 pending, got %d", bw.PendingCount())
	}

	sink.setFail(false)
	clk.t = clk.t.Add(time.Second)
	if err := bw.WriteRound(round(2)); err != nil {
		t.Fatal(err)
	}

	select {
	case n := <-flushedCh:
		if n != 2 {
			t.Errorf("expected 2 flushed, got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("flush did not run after circuit closed")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.written) != 3 {
		t.Fatalf("expected 3 rounds written, got %v", sink.written)
	}
}

func TestBufferedWriter_DropsOldest(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Hour)
	sink := &flakySink{fail: true}
	bw := NewBufferedWriter(context.Background(), sink, cb, 2)
	drops := 0
	bw.OnDrop = func() { drops++ }

	for i := uint64(0); i < 4; i++ {
		bw.WriteRound(round(i))
	}
	if bw.PendingCount() != 2 || drops != 2 {
		t.Errorf("pending=%d drops=%d, want 2 and 2", bw.PendingCount(), drops)
	}
}

func TestCircuitBreaker_IgnoresCancellation(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Second)
	for i := 0; i < 3; i++ {
		err := cb.Execute(func() error { return fmt.Errorf("xadd: %w", context.Canceled) })
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancellation to pass through, got %v", err)
		}
	}
	if cb.CurrentState() != StateClosed {
		t.Errorf("cancelled calls must not open the breaker, state=%v", cb.CurrentState())
	}
}
