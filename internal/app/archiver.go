/**
 * @description
 * Cron-driven housekeeping for the ledger log. The archiver flags transaction
 * records older than the retention horizon as archived; records are never
 * deleted, and the flag is not consumed anywhere else in the service.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: For scheduled job execution.
 * - internal/store: For the archive update.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/velora/credit-service/internal/store"
)

const defaultArchiveSchedule = "0 3 * * *"

// Archiver periodically marks old ledger records as archived.
type Archiver struct {
	repo      store.Repository
	cron      *cron.Cron
	schedule  string
	retention time.Duration
}

// NewArchiver builds an archiver that keeps records unarchived for
// `retentionDays` and runs on the given cron schedule (daily at 03:00 when
// empty).
func NewArchiver(repo store.Repository, schedule string, retentionDays int) *Archiver {
	if schedule == "" {
		schedule = defaultArchiveSchedule
	}
	if retentionDays <= 0 {
		retentionDays = 180
	}
	return &Archiver{
		repo:      repo,
		cron:      cron.New(),
		schedule:  schedule,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}
}

// Start registers the archive job and starts the scheduler in the background.
func (a *Archiver) Start() error {
	if _, err := a.cron.AddFunc(a.schedule, a.runOnce); err != nil {
		return err
	}
	a.cron.Start()
	log.Printf("level=info component=archiver msg=\"archiver scheduled\" schedule=%q retention=%s", a.schedule, a.retention)
	return nil
}

// Stop halts the scheduler and returns a context that is done once any
// running job has finished.
func (a *Archiver) Stop() context.Context {
	return a.cron.Stop()
}

func (a *Archiver) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-a.retention)
	archived, err := a.repo.ArchiveTransactionsBefore(ctx, cutoff)
	if err != nil {
		log.Printf("level=error component=archiver msg=\"archive pass failed\" cutoff=%s err=%v", cutoff.Format(time.RFC3339), err)
		return
	}
	log.Printf("level=info component=archiver msg=\"archive pass complete\" cutoff=%s archived=%d", cutoff.Format(time.RFC3339), archived)
}
