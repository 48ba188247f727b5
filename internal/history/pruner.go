package history

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/MimeLyc/vidgen-client/pkg/icron"
	"github.com/MimeLyc/vidgen-client/pkg/log"
)

// Pruner deletes history entries older than the retention on a cron schedule.
type Pruner struct {
	db        *SQLiteStore
	retention time.Duration
	expr      string
	now       func() time.Time
}

func NewPruner(db *SQLiteStore, retention time.Duration, expr string) (*Pruner, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive")
	}
	if _, err := icron.Parse(expr); err != nil {
		return nil, err
	}
	return &Pruner{db: db, retention: retention, expr: expr, now: time.Now}, nil
}

// PruneNow removes everything that finished before now minus the retention.
func (p *Pruner) PruneNow(ctx context.Context) (int64, error) {
	cutoff := p.now().Add(-p.retention)
	removed, err := p.db.Prune(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	if removed > 0 {
		log.Info("Pruned %d history entries finished before %s", removed, cutoff.Format(time.RFC3339))
	}
	return removed, nil
}

// Run prunes once, then on every trigger until ctx is cancelled.
func (p *Pruner) Run(ctx context.Context) error {
	if _, err := p.PruneNow(ctx); err != nil {
		log.Warn("%v", err)
	}

	scheduler := cron.New()
	_, err := scheduler.AddFunc(p.expr, func() {
		if _, err := p.PruneNow(ctx); err != nil {
			log.Warn("%v", err)
		}
		p.logNext()
	})
	if err != nil {
		return fmt.Errorf("schedule history prune: %w", err)
	}

	scheduler.Start()
	p.logNext()

	<-ctx.Done()
	<-scheduler.Stop().Done()
	return nil
}

func (p *Pruner) logNext() {
	info, err := icron.GetTriggerInfo(p.expr, p.now())
	if err != nil {
		return
	}
	log.Debug("History prune schedule %s", info)
}
