// Package monitor runs the periodic staleness sweep. It only reads engine
// state; staleness is never stored.
package monitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"

	"priceoracle/internal/model"
	"priceoracle/internal/notification"
)

// Engine is the read-only view of the oracle the monitor needs.
type Engine interface {
	Assets() []common.Address
	IsStale(asset common.Address) (bool, error)
	LastFinalizedAt(asset common.Address) (time.Time, error)
}

// Alerter queues alerts (notification.Dispatcher).
type Alerter interface {
	Notify(a notification.Alert) bool
}

// Report is the result of one sweep.
type Report struct {
	Total      int
	Stale      int
	NewlyStale []common.Address
	Recovered  []common.Address
	LastFinal  time.Time // most recent finalization across all assets
}

// Monitor sweeps every registered asset on a cron schedule and alerts on the
// fresh -> stale edge. Assets that never reached consensus count as stale
// but do not alert.
type Monitor struct {
	eng     Engine
	alerter Alerter
	now     func() time.Time

	mu    sync.Mutex
	stale map[common.Address]bool

	// OnReport is called after every sweep (metrics, health).
	OnReport func(Report)
}

// New creates a Monitor. alerter may be nil.
func New(eng Engine, alerter Alerter) *Monitor {
	return &Monitor{
		eng:     eng,
		alerter: alerter,
		now:     time.Now,
		stale:   make(map[common.Address]bool),
	}
}

// Check runs one sweep.
func (m *Monitor) Check() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rep Report
	now := m.now()
	for _, asset := range m.eng.Assets() {
		stale, err := m.eng.IsStale(asset)
		if err != nil {
			log.Printf("[monitor] staleness check for %s: %v", model.AssetKey(asset), err)
			continue
		}
		last, _ := m.eng.LastFinalizedAt(asset)
		if last.After(rep.LastFinal) {
			rep.LastFinal = last
		}
		rep.Total++

		was := m.stale[asset]
		m.stale[asset] = stale
		if !stale {
			if was {
				rep.Recovered = append(rep.Recovered, asset)
				log.Printf("[monitor] %s fresh again", model.AssetKey(asset))
			}
			continue
		}
		rep.Stale++
		if was || last.IsZero() {
			continue
		}
		rep.NewlyStale = append(rep.NewlyStale, asset)
		log.Printf("[monitor] %s turned stale (last finalized %s)", model.AssetKey(asset), last.Format(time.RFC3339))
		if m.alerter != nil {
			m.alerter.Notify(notification.StaleAlert(model.AssetKey(asset), last, now))
		}
	}

	if m.OnReport != nil {
		m.OnReport(rep)
	}
	return rep
}

// Start schedules Check with a cron spec ("@every 1m", "*/5 * * * *") and
// stops the scheduler when ctx is cancelled. An immediate sweep runs first.
func (m *Monitor) Start(ctx context.Context, spec string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(spec, func() { m.Check() }); err != nil {
		return fmt.Errorf("monitor: invalid schedule %q: %w", spec, err)
	}
	m.Check()
	c.Start()
	log.Printf("[monitor] staleness sweep scheduled (%s)", spec)

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}
