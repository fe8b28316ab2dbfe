// Package notification delivers oracle alerts (circuit breaker trips, stale
// assets, governance changes) to external channels.
package notification

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"priceoracle/internal/model"
	"priceoracle/internal/oracle"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// KindStaleAsset is the alert kind raised by the staleness monitor.
const KindStaleAsset = "StaleAsset"

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Kind    string     `json:"kind"`
	Asset   string     `json:"asset,omitempty"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
	TS      time.Time  `json:"ts"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier logs alerts. Always enabled so alerts are never silent.
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

// Multi sends to every backend and returns the first error.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var first error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// AlertFromEvent maps an engine event to an alert. Routine events
// (submissions, finalizations, registrations) produce none.
func AlertFromEvent(ev oracle.Event) (Alert, bool) {
	asset := model.AssetKey(ev.Asset)
	a := Alert{Kind: string(ev.Type), Asset: asset, TS: ev.TS}
	switch ev.Type {
	case oracle.EventCircuitBreakerTripped:
		a.Level = AlertWarning
		a.Title = "Circuit breaker tripped"
		a.Message = fmt.Sprintf("asset %s round %d: submission from %s at %s deviates from latest %s",
			asset, ev.Round, model.AssetKey(ev.Submitter), formatUnits(ev.Price), formatUnits(ev.Previous))
	case oracle.EventParametersUpdated:
		a.Level = AlertInfo
		a.Asset = ""
		a.Title = "Oracle parameters updated"
		if ev.Params != nil {
			a.Message = fmt.Sprintf("%+v", *ev.Params)
		}
	case oracle.EventReferenceFeedConfigured:
		a.Level = AlertInfo
		a.Title = "Reference feed configured"
		a.Message = fmt.Sprintf("asset %s reference enabled=%v", asset, ev.Enabled)
	default:
		return Alert{}, false
	}
	return a, true
}

// StaleAlert builds the alert for an asset whose consensus is too old.
func StaleAlert(asset string, lastFinalized time.Time, now time.Time) Alert {
	msg := fmt.Sprintf("asset %s has no consensus yet", asset)
	if !lastFinalized.IsZero() {
		msg = fmt.Sprintf("asset %s last finalized %s ago", asset, now.Sub(lastFinalized).Round(time.Second))
	}
	return Alert{
		Level:   AlertCritical,
		Kind:    KindStaleAsset,
		Asset:   asset,
		Title:   "Stale price",
		Message: msg,
		TS:      now,
	}
}

func formatUnits(p *big.Int) string {
	if p == nil {
		return "n/a"
	}
	return model.FormatUnits(p)
}

// Dispatcher delivers alerts asynchronously with a per-(kind, asset)
// cooldown. It implements oracle.EventSink; OnEvent never blocks.
type Dispatcher struct {
	notifier Notifier
	ch       chan Alert
	cooldown time.Duration
	timeout  time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	// OnSendError is called when delivery fails.
	OnSendError func(alert Alert, err error)
}

// NewDispatcher creates a Dispatcher. cooldown <= 0 disables suppression.
func NewDispatcher(n Notifier, cooldown time.Duration) *Dispatcher {
	return &Dispatcher{
		notifier: n,
		ch:       make(chan Alert, 256),
		cooldown: cooldown,
		timeout:  10 * time.Second,
		limiters: make(map[string]*rate.Limiter),
	}
}

// OnEvent queues an alert for events that warrant one.
func (d *Dispatcher) OnEvent(ev oracle.Event) {
	if a, ok := AlertFromEvent(ev); ok {
		d.Notify(a)
	}
}

// Notify queues an alert. Returns false if it was suppressed by the
// cooldown or the queue is full.
func (d *Dispatcher) Notify(a Alert) bool {
	if !d.allow(a.Kind + "|" + a.Asset) {
		return false
	}
	select {
	case d.ch <- a:
		return true
	default:
		log.Printf("[notify] queue full, dropping alert %s", a.Title)
		return false
	}
}

func (d *Dispatcher) allow(key string) bool {
	if d.cooldown <= 0 {
		return true
	}
	d.mu.Lock()
	lim, ok := d.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(d.cooldown), 1)
		d.limiters[key] = lim
	}
	d.mu.Unlock()
	return lim.Allow()
}

// Run delivers queued alerts until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-d.ch:
			sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
			err := d.notifier.Send(sendCtx, a)
			cancel()
			if err != nil {
				if d.OnSendError != nil {
					d.OnSendError(a, err)
				} else {
					log.Printf("[notify] delivery failed for %s: %v", a.Title, err)
				}
			}
		}
	}
}
