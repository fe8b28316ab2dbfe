package oracled

import (
	"context"
	"log"
	"time"
)

// retentionLoop periodically prunes journaled rounds older than
// RETENTION_DAYS. Each asset's latest round is always kept.
func (svc *Service) retentionLoop(ctx context.Context) {
	if svc.cfg.RetentionDays <= 0 {
		return
	}
	ticker := time.NewTicker(retentionEvery)
	defer ticker.Stop()

	svc.prune()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.prune()
		}
	}
}

func (svc *Service) prune() {
	cutoff := time.Now().AddDate(0, 0, -svc.cfg.RetentionDays)
	n, err := svc.sqlW.PruneRounds(cutoff)
	if err != nil {
		log.Printf("[oracled] retention prune error: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[oracled] pruned %d rounds older than %s", n, cutoff.Format(time.RFC3339))
	}
}
