// Package fetch implements the per-destination join-then-stream loop.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"tgharvest/internal/classify"
	"tgharvest/internal/config"
	"tgharvest/internal/govern"
	"tgharvest/internal/logging"
	"tgharvest/internal/metrics"
	"tgharvest/internal/model"
	"tgharvest/internal/retry"
	"tgharvest/internal/session"
	"tgharvest/internal/store"
	"tgharvest/internal/tgram"
)

// ErrAllAccountsExhausted signals that no session has join quota left today.
var ErrAllAccountsExhausted = errors.New("all accounts exhausted for today")

// consecutiveOldThreshold stops a streaming pass early: this many
// already-seen keys in a row means the rest is ingested history.
const consecutiveOldThreshold = 10

// Engine drives one destination at a time. It is single-flight by design;
// the processed index needs no lock because only the active pass mutates it.
type Engine struct {
	store      *store.Store
	pool       *session.Pool
	classifier classify.Classifier
	verifier   classify.Verifier
	limits     config.RateLimits
	filters    config.FiltersConfig

	// NetRetry bounds transient-network retries around join and history
	// calls. Flood waits pass through it without consuming attempts.
	NetRetry retry.Config

	processed map[string]struct{}
	joined    map[string]model.JoinedDestination
	skipped   map[string]struct{} // permanent failures, for this run only

	now func() time.Time
}

// DefaultNetRetry is the transient-network policy at the join/fetch sites.
func DefaultNetRetry() retry.Config {
	return retry.Config{
		MaxAttempts:  5,
		InitialDelay: 10 * time.Second,
		MaxDelay:     2 * time.Minute,
		Multiplier:   2.0,
		IsRetryable: func(err error) bool {
			return !tgram.IsPermanentDestination(err) && !errors.Is(err, tgram.ErrUnauthorized)
		},
		MandatoryWait: func(err error) (time.Duration, bool) {
			wait, ok := tgram.AsFloodWait(err)
			if ok {
				metrics.FloodWaits.Inc()
				logging.Warn("flood_wait", zap.Duration("wait", wait))
			}
			return wait, ok
		},
	}
}

// NewEngine builds an engine and rehydrates the dedup index and joined set
// from the store.
func NewEngine(ctx context.Context, st *store.Store, pool *session.Pool, cls classify.Classifier, ver classify.Verifier, cfg config.Config) (*Engine, error) {
	processed, err := st.ProcessedMessageKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("rehydrate processed keys: %w", err)
	}
	joinedList, err := st.JoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("rehydrate joined groups: %w", err)
	}
	joined := make(map[string]model.JoinedDestination, len(joinedList))
	for _, j := range joinedList {
		joined[j.Link] = j
	}
	logging.Info("engine_ready",
		zap.Int("processed_keys", len(processed)),
		zap.Int("joined_groups", len(joined)))
	return &Engine{
		store:      st,
		pool:       pool,
		classifier: cls,
		verifier:   ver,
		limits:     cfg.RateLimits,
		filters:    cfg.Filters,
		NetRetry:   DefaultNetRetry(),
		processed:  processed,
		joined:     joined,
		skipped:    make(map[string]struct{}),
		now:        time.Now,
	}, nil
}

// ProcessDestination runs one full pass over a destination: acquire a
// session, join if needed, stream history, persist new job messages.
func (e *Engine) ProcessDestination(ctx context.Context, dest model.Destination) error {
	if _, bad := e.skipped[dest.Link]; bad {
		logging.Debug("destination_skipped", zap.String("link", dest.Link))
		return nil
	}

	s, err := e.pool.Acquire(ctx, e.now())
	if err != nil {
		return fmt.Errorf("acquire session: %w", err)
	}
	if s == nil {
		return ErrAllAccountsExhausted
	}

	if err := e.pool.EnsureConnected(ctx, s); err != nil {
		return fmt.Errorf("reconnect %s: %w", s.Account.Name, err)
	}

	ch, err := e.ensureJoined(ctx, s, dest)
	if err != nil {
		if tgram.IsPermanentDestination(err) {
			e.skipped[dest.Link] = struct{}{}
			logging.Error("destination_unjoinable", zap.String("link", dest.Link), zap.Error(err))
		}
		return err
	}

	return e.stream(ctx, s, dest, ch)
}

// ensureJoined resolves the destination handle, joining it first if this is
// the first time any account sees it. The join is recorded only after
// resolution succeeds.
func (e *Engine) ensureJoined(ctx context.Context, s *session.Session, dest model.Destination) (tgram.Channel, error) {
	if _, ok := e.joined[dest.Link]; ok {
		var ch tgram.Channel
		err := retry.Do(ctx, e.NetRetry, func() error {
			var rerr error
			ch, rerr = s.Client.ResolveChannel(ctx, dest.Slug())
			return rerr
		})
		return ch, err
	}

	minD, maxD := govern.JoinDelayRange(e.limits)
	if err := govern.RandomDelay(ctx, minD, maxD); err != nil {
		return tgram.Channel{}, err
	}

	var ch tgram.Channel
	err := retry.Do(ctx, e.NetRetry, func() error {
		var jerr error
		if dest.IsInvite() {
			// Importing an invite joins in the same call.
			ch, jerr = s.Client.ImportInvite(ctx, dest.Slug())
			return jerr
		}
		ch, jerr = s.Client.ResolveChannel(ctx, dest.Slug())
		if jerr != nil {
			return jerr
		}
		return s.Client.JoinChannel(ctx, ch.ID)
	})
	if err != nil {
		return tgram.Channel{}, fmt.Errorf("join %s: %w", dest.Link, err)
	}

	name := ch.Title
	if name == "" {
		name = dest.Name
	}
	j := model.JoinedDestination{Link: dest.Link, Name: name, AccountUsed: s.Account.Name, JoinedAt: e.now()}
	if err := e.store.InsertJoinedGroup(ctx, j); err != nil {
		return tgram.Channel{}, fmt.Errorf("record join %s: %w", dest.Link, err)
	}
	if err := e.store.AddAccountUsage(ctx, s.Account.Name, e.now(), 1, 0); err != nil {
		logging.Error("usage_update_failed", zap.String("account", s.Account.Name), zap.Error(err))
	}
	if err := e.store.AddDailyStats(ctx, e.now(), model.DailyStats{GroupsJoined: 1, AccountsUsed: s.Account.Name}); err != nil {
		logging.Error("daily_stats_failed", zap.Error(err))
	}
	e.joined[dest.Link] = j
	metrics.GroupsJoined.Inc()
	logging.Info("destination_joined",
		zap.String("group", name),
		zap.String("account", s.Account.Name))
	return ch, nil
}

// stream iterates the destination's recent history, newest first, and
// ingests every genuinely new job posting.
func (e *Engine) stream(ctx context.Context, s *session.Session, dest model.Destination, ch tgram.Channel) error {
	var msgs []tgram.ChatMessage
	err := retry.Do(ctx, e.NetRetry, func() error {
		var herr error
		msgs, herr = s.Client.History(ctx, ch.ID, e.limits.DailyMessageLimit)
		return herr
	})
	if err != nil {
		return fmt.Errorf("history %s: %w", dest.Link, err)
	}

	minD, maxD := govern.FetchDelayRange(e.limits)
	consecutiveOld := 0
	newCount := 0
	var stats model.DailyStats

	for i, m := range msgs {
		if ctx.Err() != nil {
			break
		}
		// The first message of a batch is free; pacing only matters
		// once requests start flowing.
		if i > 0 {
			if err := govern.RandomDelay(ctx, minD, maxD); err != nil {
				break
			}
		}
		if m.Text == "" {
			continue
		}
		if m.Date.Year() != e.filters.MessageYear {
			continue
		}
		key := model.MessageKey(ch.ID, m.ID)
		if _, seen := e.processed[key]; seen {
			consecutiveOld++
			if consecutiveOld >= consecutiveOldThreshold {
				logging.Debug("history_exhausted",
					zap.String("group", ch.Title),
					zap.Int("consecutive_old", consecutiveOld))
				break
			}
			continue
		}
		consecutiveOld = 0

		jobType, keywords := e.classifier.Classify(m.Text)
		if jobType == "" {
			continue
		}
		facts := e.verifier.Extract(m.Text)

		msg := model.Message{
			Key:         key,
			GroupName:   ch.Title,
			GroupLink:   dest.Link,
			Sender:      strconv.FormatInt(m.SenderID, 10),
			Date:        m.Date,
			Text:        m.Text,
			JobType:     jobType,
			Keywords:    keywords,
			AccountUsed: s.Account.Name,
			Facts:       facts,
		}
		inserted, err := e.store.InsertMessage(ctx, msg)
		if err != nil {
			// Soft failure: remember the key so the crawl cannot spin on
			// it; a fresh process will retry it after rehydration.
			logging.Error("message_write_failed", zap.String("key", key), zap.Error(err))
			e.processed[key] = struct{}{}
			continue
		}
		e.processed[key] = struct{}{}
		if !inserted {
			continue
		}
		newCount++
		metrics.MessagesIngested.WithLabelValues(jobType).Inc()
		switch {
		case jobType == "tech":
			stats.TechJobs++
		case jobType == "non_tech":
			stats.NonTechJobs++
		default:
			stats.FreelanceJobs++
		}
		logging.Info("job_message_ingested",
			zap.String("group", ch.Title),
			zap.String("job_type", jobType))
	}

	if newCount == 0 {
		logging.Info("no_new_messages", zap.String("group", ch.Title))
		return nil
	}
	if err := e.store.AddAccountUsage(ctx, s.Account.Name, e.now(), 0, newCount); err != nil {
		logging.Error("usage_update_failed", zap.String("account", s.Account.Name), zap.Error(err))
	}
	stats.MessagesFetched = newCount
	stats.AccountsUsed = s.Account.Name
	if err := e.store.AddDailyStats(ctx, e.now(), stats); err != nil {
		logging.Error("daily_stats_failed", zap.Error(err))
	}
	if err := e.store.TouchJoinedGroup(ctx, dest.Link, newCount); err != nil {
		logging.Error("joined_group_touch_failed", zap.String("link", dest.Link), zap.Error(err))
	}
	logging.Info("streaming_done", zap.String("group", ch.Title), zap.Int("new_messages", newCount))
	return nil
}
