package expiry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
)

type SweepHoldsArgs struct{}

func (SweepHoldsArgs) Kind() string { return "sweep_expired_holds" }

type SweepTradesArgs struct{}

func (SweepTradesArgs) Kind() string { return "sweep_expired_trades" }

// HoldSweeper defines the contract the hold worker needs to release lapsed holds.
type HoldSweeper interface {
	ExpireHolds(ctx context.Context, now time.Time) (int, error)
}

// TradeSweeper defines the contract the trade worker needs to expire stale trades.
type TradeSweeper interface {
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}

type SweepHoldsWorker struct {
	river.WorkerDefaults[SweepHoldsArgs]
	holds HoldSweeper
	log   *slog.Logger
}

func NewSweepHoldsWorker(holds HoldSweeper, log *slog.Logger) *SweepHoldsWorker {
	if log == nil {
		log = slog.Default()
	}
	return &SweepHoldsWorker{holds: holds, log: log}
}

func (w *SweepHoldsWorker) Work(ctx context.Context, job *river.Job[SweepHoldsArgs]) error {
	n, err := w.holds.ExpireHolds(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sweep expired holds: %w", err)
	}
	if n > 0 {
		w.log.Info("released expired holds", "count", n)
	}
	return nil
}

type SweepTradesWorker struct {
	river.WorkerDefaults[SweepTradesArgs]
	trades TradeSweeper
	log    *slog.Logger
}

func NewSweepTradesWorker(trades TradeSweeper, log *slog.Logger) *SweepTradesWorker {
	if log == nil {
		log = slog.Default()
	}
	return &SweepTradesWorker{trades: trades, log: log}
}

func (w *SweepTradesWorker) Work(ctx context.Context, job *river.Job[SweepTradesArgs]) error {
	n, err := w.trades.ExpireStale(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sweep expired trades: %w", err)
	}
	if n > 0 {
		w.log.Info("expired stale trades", "count", n)
	}
	return nil
}

// PeriodicJobs returns the recurring sweep schedule for the River client.
func PeriodicJobs(interval time.Duration) []*river.PeriodicJob {
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(interval),
			func() (river.JobArgs, *river.InsertOpts) { return SweepHoldsArgs{}, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(interval),
			func() (river.JobArgs, *river.InsertOpts) { return SweepTradesArgs{}, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}
}
