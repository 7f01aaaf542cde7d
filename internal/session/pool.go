// Package session manages the pool of credentialed gateway sessions.
package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"tgharvest/internal/config"
	"tgharvest/internal/govern"
	"tgharvest/internal/logging"
	"tgharvest/internal/model"
	"tgharvest/internal/retry"
	"tgharvest/internal/store"
	"tgharvest/internal/tgram"
)

// disconnectTimeout bounds teardown per session so one unresponsive
// session cannot hang shutdown.
const disconnectTimeout = 10 * time.Second

// reconnectPause is the short pause between a teardown of a half-dead
// connection and the reconnect attempt.
const reconnectPause = 2 * time.Second

// Session pairs an account with its live gateway client. Each session is
// owned by exactly one pool slot.
type Session struct {
	Account model.Account
	Client  tgram.Client
}

// Factory builds a client for an account; swapped for fakes in tests.
type Factory func(model.Account) tgram.Client

// Pool holds the connected sessions and hands them out round-robin,
// skipping accounts whose daily quota is spent.
type Pool struct {
	store   *store.Store
	limits  config.RateLimits
	stagger [2]time.Duration
	factory Factory

	// ConnectRetry governs per-account init attempts. Auth failures are
	// never retried regardless of this config.
	ConnectRetry retry.Config

	sessions []*Session
	cursor   int
}

// DefaultConnectRetry is the per-account init policy: 5 attempts, 10s base,
// capped at 3 minutes.
func DefaultConnectRetry() retry.Config {
	return retry.Config{
		MaxAttempts:  5,
		InitialDelay: 10 * time.Second,
		MaxDelay:     3 * time.Minute,
		Multiplier:   2.0,
		IsRetryable:  func(err error) bool { return !errors.Is(err, tgram.ErrUnauthorized) },
	}
}

// NewPool builds an empty pool; call Init to connect accounts.
func NewPool(st *store.Store, cfg config.Config, factory Factory) *Pool {
	return &Pool{
		store:  st,
		limits: cfg.RateLimits,
		stagger: [2]time.Duration{
			time.Duration(cfg.Runtime.StartupDelayMin) * time.Second,
			time.Duration(cfg.Runtime.StartupDelayMax) * time.Second,
		},
		factory:      factory,
		ConnectRetry: DefaultConnectRetry(),
	}
}

// Init attempts to connect every configured account. Partial success is
// fine: failed accounts are logged and skipped, and the pool proceeds with
// whoever connected. Returns the number of live sessions.
func (p *Pool) Init(ctx context.Context, accounts []config.AccountConfig) int {
	for i, ac := range accounts {
		if ctx.Err() != nil {
			break
		}
		if i > 0 {
			// Stagger account bring-up to avoid colliding on shared local state.
			if err := govern.RandomDelay(ctx, p.stagger[0], p.stagger[1]); err != nil {
				break
			}
		}
		acct := model.Account{
			Name:        ac.Name,
			Phone:       ac.Phone,
			APIID:       ac.APIID,
			APIHash:     ac.APIHash,
			SessionName: ac.SessionName,
		}
		client := p.factory(acct)
		err := retry.Do(ctx, p.ConnectRetry, func() error {
			if err := client.Connect(ctx); err != nil {
				return err
			}
			ok, err := client.Authorized(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return tgram.ErrUnauthorized
			}
			return nil
		})
		if err != nil {
			logging.Error("session_init_failed", zap.String("account", acct.Name), zap.Error(err))
			continue
		}
		p.sessions = append(p.sessions, &Session{Account: acct, Client: client})
		logging.Info("session_ready", zap.String("account", acct.Name))
	}
	logging.Info("pool_initialized", zap.Int("sessions", len(p.sessions)), zap.Int("configured", len(accounts)))
	return len(p.sessions)
}

// Len reports the number of live sessions.
func (p *Pool) Len() int { return len(p.sessions) }

// Acquire returns the next session whose account still has join quota for
// today, advancing the round-robin cursor past it. Returns nil when every
// account is exhausted.
func (p *Pool) Acquire(ctx context.Context, now time.Time) (*Session, error) {
	for i := 0; i < len(p.sessions); i++ {
		idx := (p.cursor + i) % len(p.sessions)
		s := p.sessions[idx]
		usage, err := p.store.AccountUsage(ctx, s.Account.Name, now)
		if err != nil {
			return nil, err
		}
		if govern.HasQuota(usage, p.limits) {
			p.cursor = (idx + 1) % len(p.sessions)
			return s, nil
		}
	}
	logging.Warn("all_accounts_exhausted")
	return nil, nil
}

// EnsureConnected performs one reconnect attempt on a session that reports
// itself disconnected. Failures propagate as normal transient errors.
func (p *Pool) EnsureConnected(ctx context.Context, s *Session) error {
	if s.Client.Connected() {
		return nil
	}
	logging.Warn("session_reconnecting", zap.String("account", s.Account.Name))
	_ = s.Client.Disconnect(ctx)
	if err := govern.Sleep(ctx, reconnectPause); err != nil {
		return err
	}
	return s.Client.Connect(ctx)
}

// CloseAll disconnects every session with a bounded timeout each. Errors
// are logged and do not stop the teardown of remaining sessions.
func (p *Pool) CloseAll() {
	for _, s := range p.sessions {
		ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		if err := s.Client.Disconnect(ctx); err != nil {
			logging.Warn("session_disconnect_failed", zap.String("account", s.Account.Name), zap.Error(err))
		}
		cancel()
	}
	logging.Info("pool_closed", zap.Int("sessions", len(p.sessions)))
}
