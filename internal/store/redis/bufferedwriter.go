package redis

import (
	"context"
	"log"
	"sync"

	"priceoracle/internal/model"
)

// roundSink is the part of Writer the buffered writer needs.
type roundSink interface {
	WriteRound(ctx context.Context, res model.RoundResult) error
}

// BufferedWriter wraps a round writer with a circuit breaker. While the
// circuit is open, rounds are buffered locally and flushed in order when it
// closes again.
type BufferedWriter struct {
	writer roundSink
	cb     *CircuitBreaker
	ctx    context.Context

	mu     sync.Mutex
	buffer []model.RoundResult
	maxBuf int // max buffered rounds before dropping oldest (default: 10000)

	// Callbacks
	OnBuffer func()          // called when a round is buffered (for metrics)
	OnDrop   func()          // called when the oldest buffered round is dropped
	OnFlush  func(count int) // called after flushing buffered rounds
}

// NewBufferedWriter creates a BufferedWriter wrapping the given writer.
func NewBufferedWriter(ctx context.Context, w roundSink, cb *CircuitBreaker, maxBufferSize int) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bw := &BufferedWriter{
		writer: w,
		cb:     cb,
		ctx:    ctx,
		buffer: make([]model.RoundResult, 0, 64),
		maxBuf: maxBufferSize,
	}

	// flush on circuit close
	prevCallback := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prevCallback != nil {
			prevCallback(from, to)
		}
		if to == StateClosed {
			go bw.Flush()
		}
	}

	return bw
}

// Run reads finalized rounds from roundCh and writes them through the breaker.
// Blocks until ctx is cancelled or roundCh is closed.
func (bw *BufferedWriter) Run(ctx context.Context, roundCh <-chan model.RoundResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-roundCh:
			if !ok {
				return
			}
			if err := bw.WriteRound(res); err != nil {
				log.Printf("[buffered-writer] %v", err)
			}
		}
	}
}

// WriteRound writes one round through the circuit breaker. A round that
// fails or meets an open circuit is buffered, not lost.
func (bw *BufferedWriter) WriteRound(res model.RoundResult) error {
	err := bw.cb.Execute(func() error {
		return bw.writer.WriteRound(bw.ctx, res)
	})
	if err != nil {
		bw.bufferWrite(res)
		if err == ErrCircuitOpen {
			return nil
		}
	}
	return err
}

func (bw *BufferedWriter) bufferWrite(res model.RoundResult) {
	bw.mu.Lock()
	dropped := false
	if len(bw.buffer) >= bw.maxBuf {
		bw.buffer = bw.buffer[1:]
		dropped = true
	}
	bw.buffer = append(bw.buffer, res)
	bw.mu.Unlock()

	if dropped && bw.OnDrop != nil {
		bw.OnDrop()
	}
	if bw.OnBuffer != nil {
		bw.OnBuffer()
	}
}

// Flush replays buffered rounds through the underlying writer. Rounds that
// fail again stay buffered.
func (bw *BufferedWriter) Flush() {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return
	}
	toFlush := bw.buffer
	bw.buffer = make([]model.RoundResult, 0, 64)
	bw.mu.Unlock()

	flushed := 0
	for i, res := range toFlush {
		if err := bw.writer.WriteRound(bw.ctx, res); err != nil {
			log.Printf("[buffered-writer] flush stopped after %d rounds: %v", flushed, err)
			bw.mu.Lock()
			bw.buffer = append(append([]model.RoundResult{}, toFlush[i:]...), bw.buffer...)
			bw.mu.Unlock()
			break
		}
		flushed++
	}

	log.Printf("[buffered-writer] flushed %d buffered rounds", flushed)
	if bw.OnFlush != nil {
		bw.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered rounds waiting to be flushed.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}
