// Package crawl runs the outer harvest loop over the destination list.
package crawl

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tgharvest/internal/config"
	"tgharvest/internal/fetch"
	"tgharvest/internal/govern"
	"tgharvest/internal/groups"
	"tgharvest/internal/logging"
	"tgharvest/internal/metrics"
	"tgharvest/internal/model"
)

// Processor handles one destination per call. Satisfied by fetch.Engine.
type Processor interface {
	ProcessDestination(ctx context.Context, dest model.Destination) error
}

// Scheduler iterates the destination list in cycles until the configured
// run length elapses, the context is cancelled, or every account runs out
// of quota for the day.
type Scheduler struct {
	proc       Processor
	limits     config.RateLimits
	groupsFile string

	// Pauses, exported so tests can collapse them.
	CheckInterval     time.Duration
	OutsideHoursPause time.Duration
	ExhaustedPause    time.Duration
	ErrorPause        time.Duration

	now func() time.Time
}

// NewScheduler wires a scheduler from config. The groups file is re-read
// every cycle so the list can be edited mid-run.
func NewScheduler(proc Processor, cfg config.Config) *Scheduler {
	return &Scheduler{
		proc:              proc,
		limits:            cfg.RateLimits,
		groupsFile:        cfg.Storage.GroupsFile,
		CheckInterval:     time.Duration(cfg.Runtime.CheckIntervalSec) * time.Second,
		OutsideHoursPause: govern.OutsideHoursPause,
		ExhaustedPause:    time.Hour,
		ErrorPause:        5 * time.Minute,
		now:               time.Now,
	}
}

// Run drives repeated cycles over the destination list for the given number
// of days. It returns nil on clean shutdown, early quota exhaustion, or the
// deadline passing.
func (s *Scheduler) Run(ctx context.Context, days int) error {
	runID := uuid.NewString()
	deadline := s.now().Add(time.Duration(days) * 24 * time.Hour)
	logging.Info("run_started",
		zap.String("run_id", runID),
		zap.Int("days", days),
		zap.Time("deadline", deadline))

	for ctx.Err() == nil && s.now().Before(deadline) {
		start := time.Now()
		done, err := s.cycle(ctx, runID)
		metrics.Cycles.Inc()
		metrics.ObserveCycleDuration(start)
		if done {
			logging.Info("run_ended_early", zap.String("run_id", runID))
			return nil
		}
		if err != nil {
			logging.Error("cycle_failed", zap.String("run_id", runID), zap.Error(err))
			if serr := govern.Sleep(ctx, s.ErrorPause); serr != nil {
				break
			}
			continue
		}
		if err := govern.Sleep(ctx, s.CheckInterval); err != nil {
			break
		}
	}
	logging.Info("run_finished", zap.String("run_id", runID))
	return nil
}

// cycle makes one full pass over the destination list. done reports that
// the whole run should end because no account has quota left today.
func (s *Scheduler) cycle(ctx context.Context, runID string) (done bool, err error) {
	dests, err := groups.Load(s.groupsFile)
	if err != nil {
		return false, err
	}
	logging.Info("cycle_started", zap.String("run_id", runID), zap.Int("destinations", len(dests)))

	for _, dest := range dests {
		// Hold position until the working window opens; the pending
		// destination is not skipped by the wait.
		for !govern.WithinWorkingHours(s.now(), s.limits.WorkingHoursStart, s.limits.WorkingHoursEnd) {
			logging.Info("outside_working_hours", zap.String("run_id", runID))
			if serr := govern.Sleep(ctx, s.OutsideHoursPause); serr != nil {
				return false, nil
			}
		}
		if ctx.Err() != nil {
			return false, nil
		}

		perr := s.proc.ProcessDestination(ctx, dest)
		if errors.Is(perr, fetch.ErrAllAccountsExhausted) {
			logging.Warn("quota_exhausted_pausing", zap.String("run_id", runID))
			if serr := govern.Sleep(ctx, s.ExhaustedPause); serr != nil {
				return false, nil
			}
			perr = s.proc.ProcessDestination(ctx, dest)
			if errors.Is(perr, fetch.ErrAllAccountsExhausted) {
				logging.Warn("quota_exhausted_ending_run", zap.String("run_id", runID))
				return true, nil
			}
		}
		if perr != nil {
			// One destination failing never aborts the pass.
			metrics.DestinationErrors.Inc()
			logging.Error("destination_failed",
				zap.String("run_id", runID),
				zap.String("link", dest.Link),
				zap.Error(perr))
		}
	}
	return false, nil
}
