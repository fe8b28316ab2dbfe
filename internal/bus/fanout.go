package bus

import (
	"context"
	"log"
	"sync"

	"priceoracle/internal/model"
)

// FanOut broadcasts finalized rounds from a single input channel to N named
// subscribers (SQLite journal, Redis distribution, WebSocket hub). If a
// subscriber's channel is full the round is dropped for that subscriber only,
// so a slow consumer never blocks the engine.
type FanOut struct {
	mu      sync.RWMutex
	outputs []chan model.RoundResult
	names   []string
	bufSize int

	// OnDrop is called when a round is dropped for a subscriber.
	OnDrop func(subscriber string)
}

// New creates a FanOut with the given buffer size for output channels.
func New(outputBufferSize int) *FanOut {
	return &FanOut{
		bufSize: outputBufferSize,
	}
}

// Subscribe registers a named subscriber and returns its channel.
// Subscribe before Run; channels are closed when Run returns.
func (f *FanOut) Subscribe(name string) <-chan model.RoundResult {
	ch := make(chan model.RoundResult, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, ch)
	f.names = append(f.names, name)
	f.mu.Unlock()
	return ch
}

// Run reads from input and fans out to all subscribers.
// Blocks until ctx is cancelled or input is closed.
func (f *FanOut) Run(ctx context.Context, input <-chan model.RoundResult) {
	defer func() {
		f.mu.RLock()
		for _, ch := range f.outputs {
			close(ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-input:
			if !ok {
				return
			}
			f.mu.RLock()
			for i, ch := range f.outputs {
				select {
				case ch <- res:
				default:
					if f.OnDrop != nil {
						f.OnDrop(f.names[i])
					} else {
						log.Printf("[bus] subscriber %s full, dropping round %s#%d", f.names[i], res.Key(), res.Round)
					}
				}
			}
			f.mu.RUnlock()
		}
	}
}

// ChannelStat is the (length, capacity) of one subscriber channel.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

// ChannelStats reports subscriber saturation for metrics.
func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, ch := range f.outputs {
		stats[i] = ChannelStat{Name: f.names[i], Len: len(ch), Cap: cap(ch)}
	}
	return stats
}
