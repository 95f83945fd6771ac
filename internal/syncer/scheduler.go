package syncer

import (
	"context"
	"time"

	"github.com/coachpo/custos/errs"
	"github.com/coachpo/custos/internal/observability"
	"github.com/coachpo/custos/internal/schema"
	"github.com/coachpo/custos/lib/async"
)

// Scheduler periodically refreshes every connected account through the
// service. Work is bounded by a worker pool; accounts refreshed recently are
// skipped by the service's minimum-interval rule, so scheduled and manual
// syncs stay idempotent.
type Scheduler struct {
	service  *Service
	interval time.Duration
	pool     *async.Pool
	stop     chan struct{}
	done     chan struct{}
}

// NewScheduler constructs a Scheduler ticking at interval with the given
// worker concurrency.
func NewScheduler(service *Service, interval time.Duration, workers int) (*Scheduler, error) {
	if service == nil {
		return nil, errs.New("syncer", errs.CodeInvalid, errs.WithMessage("service required"))
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if workers <= 0 {
		workers = 4
	}
	pool, err := async.NewPool(workers, workers*4)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		service:  service,
		interval: interval,
		pool:     pool,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Run ticks until ctx is cancelled or Shutdown is called.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Shutdown stops the loop and waits for in-flight syncs to finish.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return s.pool.Shutdown(ctx)
}

func (s *Scheduler) sweep(ctx context.Context) {
	accounts, err := s.service.store.Accounts().ListByStatus(ctx, schema.AccountConnected)
	if err != nil {
		observability.Log().Error("scheduler account listing failed",
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	for _, account := range accounts {
		accountID := account.ID
		submitErr := s.pool.Submit(ctx, func(taskCtx context.Context) error {
			_, syncErr := s.service.Sync(taskCtx, accountID, false)
			if syncErr != nil && !errs.Is(syncErr, errs.CodeConflict) {
				observability.Log().Warn("scheduled sync failed",
					observability.Field{Key: "account_id", Value: accountID.String()},
					observability.Field{Key: "error", Value: syncErr.Error()})
			}
			return syncErr
		})
		if submitErr != nil {
			observability.Log().Warn("scheduler pool saturated",
				observability.Field{Key: "account_id", Value: accountID.String()},
				observability.Field{Key: "error", Value: submitErr.Error()})
		}
	}
}
