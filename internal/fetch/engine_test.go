package fetch

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgharvest/internal/config"
	"tgharvest/internal/model"
	"tgharvest/internal/session"
	"tgharvest/internal/store"
	"tgharvest/internal/tgram"
)

const testYear = 2025

func msgDate() time.Time { return time.Date(testYear, 4, 1, 12, 0, 0, 0, time.UTC) }

// fakeGateway implements tgram.Client with scripted history.
type fakeGateway struct {
	channel      tgram.Channel
	history      []tgram.ChatMessage
	historyErrs  []error // consumed before history succeeds
	resolveErr   error
	resolveCalls int
	joinCalls    int
	historyCalls int
}

func (f *fakeGateway) Connect(ctx context.Context) error            { return nil }
func (f *fakeGateway) Authorized(ctx context.Context) (bool, error) { return true, nil }
func (f *fakeGateway) ResolveChannel(ctx context.Context, username string) (tgram.Channel, error) {
	f.resolveCalls++
	if f.resolveErr != nil {
		return tgram.Channel{}, f.resolveErr
	}
	return f.channel, nil
}
func (f *fakeGateway) ImportInvite(ctx context.Context, hash string) (tgram.Channel, error) {
	return f.channel, nil
}
func (f *fakeGateway) JoinChannel(ctx context.Context, channelID int64) error {
	f.joinCalls++
	return nil
}
func (f *fakeGateway) History(ctx context.Context, channelID int64, limit int) ([]tgram.ChatMessage, error) {
	f.historyCalls++
	if len(f.historyErrs) > 0 {
		err := f.historyErrs[0]
		f.historyErrs = f.historyErrs[1:]
		return nil, err
	}
	return f.history, nil
}
func (f *fakeGateway) Connected() bool                      { return true }
func (f *fakeGateway) Disconnect(ctx context.Context) error { return nil }

// countingClassifier labels texts starting with "JOB" and counts calls.
type countingClassifier struct{ calls int }

func (c *countingClassifier) Classify(text string) (string, []string) {
	c.calls++
	if strings.HasPrefix(text, "JOB") {
		return "tech", []string{"golang"}
	}
	return "", nil
}

type nopVerifier struct{}

func (nopVerifier) Extract(text string) *model.JobFacts { return nil }

func fastConfig(maxGroups int) config.Config {
	cfg := config.Default()
	cfg.Accounts = []config.AccountConfig{{Name: "acct1", SessionName: "acct1", APIID: 1, APIHash: "h"}}
	cfg.RateLimits.JoinDelayMin = 0
	cfg.RateLimits.JoinDelayMax = 0
	cfg.RateLimits.FetchDelayMin = 0
	cfg.RateLimits.FetchDelayMax = 0
	cfg.RateLimits.MaxGroupsPerDay = maxGroups
	cfg.Runtime.StartupDelayMin = 0
	cfg.Runtime.StartupDelayMax = 0
	return cfg
}

func fastNetRetry() func(*Engine) {
	return func(e *Engine) {
		e.NetRetry.InitialDelay = time.Millisecond
		e.NetRetry.MaxDelay = 5 * time.Millisecond
	}
}

func newTestEngine(t *testing.T, cfg config.Config, gw *fakeGateway, cls *countingClassifier) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	pool := session.NewPool(st, cfg, func(model.Account) tgram.Client { return gw })
	require.Equal(t, len(cfg.Accounts), pool.Init(context.Background(), cfg.Accounts))

	e, err := NewEngine(context.Background(), st, pool, cls, nopVerifier{}, cfg)
	require.NoError(t, err)
	fastNetRetry()(e)
	return e, st
}

func scriptedHistory(n int) []tgram.ChatMessage {
	msgs := make([]tgram.ChatMessage, 0, n)
	for i := 0; i < n; i++ {
		text := "JOB: hiring golang dev #" + string(rune('a'+i))
		if i >= 3 { // last two are non-job chatter in the 5-message script
			text = "what time is the meetup?"
		}
		msgs = append(msgs, tgram.ChatMessage{ID: int64(100 - i), SenderID: 7, Date: msgDate(), Text: text})
	}
	return msgs
}

func TestProcessDestinationScenarioA(t *testing.T) {
	cfg := fastConfig(2)
	gw := &fakeGateway{channel: tgram.Channel{ID: 55, Title: "Go Jobs"}, history: scriptedHistory(5)}
	cls := &countingClassifier{}
	e, st := newTestEngine(t, cfg, gw, cls)
	ctx := context.Background()
	dest := model.Destination{Name: "Go Jobs", Link: "https://t.me/gojobs"}

	require.NoError(t, e.ProcessDestination(ctx, dest))

	n, err := st.CountRows(ctx, "messages")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "three job-labeled messages persisted")

	u, err := st.AccountUsage(ctx, "acct1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.Usage{GroupsJoined: 1, MessagesFetched: 3}, u)
	assert.Equal(t, 1, gw.joinCalls)
}

func TestProcessDestinationScenarioBRerunIsFree(t *testing.T) {
	cfg := fastConfig(5)
	gw := &fakeGateway{channel: tgram.Channel{ID: 55, Title: "Go Jobs"}, history: scriptedHistory(5)}
	cls := &countingClassifier{}
	e, st := newTestEngine(t, cfg, gw, cls)
	ctx := context.Background()
	dest := model.Destination{Name: "Go Jobs", Link: "https://t.me/gojobs"}

	require.NoError(t, e.ProcessDestination(ctx, dest))
	require.NoError(t, e.ProcessDestination(ctx, dest))

	n, err := st.CountRows(ctx, "messages")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "rerun persists nothing new")

	u, err := st.AccountUsage(ctx, "acct1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, u.MessagesFetched, "messages_fetched unchanged by rerun")
	assert.Equal(t, 1, gw.joinCalls, "join happens once")
}

func TestEarlyExitAtConsecutiveOldThreshold(t *testing.T) {
	cfg := fastConfig(2)
	var history []tgram.ChatMessage
	for i := 0; i < 11; i++ {
		history = append(history, tgram.ChatMessage{ID: int64(200 - i), SenderID: 7, Date: msgDate(), Text: "JOB: old posting"})
	}
	gw := &fakeGateway{channel: tgram.Channel{ID: 9, Title: "Stale"}, history: history}
	cls := &countingClassifier{}
	e, st := newTestEngine(t, cfg, gw, cls)
	ctx := context.Background()

	// First 10 keys are already ingested history; the 11th is new.
	for i := 0; i < 10; i++ {
		e.processed[model.MessageKey(9, int64(200-i))] = struct{}{}
	}
	dest := model.Destination{Name: "Stale", Link: "https://t.me/stale"}
	require.NoError(t, e.ProcessDestination(ctx, dest))

	assert.Equal(t, 0, cls.calls, "cutoff fires at the threshold, before the 11th message")
	_, seen := e.processed[model.MessageKey(9, 190)]
	assert.False(t, seen, "the 11th message was never reached")
	n, err := st.CountRows(ctx, "messages")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFreshMessageResetsOldCounter(t *testing.T) {
	cfg := fastConfig(2)
	var history []tgram.ChatMessage
	for i := 0; i < 18; i++ {
		history = append(history, tgram.ChatMessage{ID: int64(300 - i), SenderID: 7, Date: msgDate(), Text: "JOB: posting"})
	}
	gw := &fakeGateway{channel: tgram.Channel{ID: 9, Title: "Mixed"}, history: history}
	cls := &countingClassifier{}
	e, st := newTestEngine(t, cfg, gw, cls)
	ctx := context.Background()

	// Nine old, one fresh, eight old: the fresh key must reset the counter
	// so the pass reaches the end without an early cut.
	for i := 0; i < 18; i++ {
		if i == 9 {
			continue
		}
		e.processed[model.MessageKey(9, int64(300-i))] = struct{}{}
	}
	dest := model.Destination{Name: "Mixed", Link: "https://t.me/mixed"}
	require.NoError(t, e.ProcessDestination(ctx, dest))

	n, err := st.CountRows(ctx, "messages")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the single fresh message is ingested")
	assert.Equal(t, 1, cls.calls)
}

func TestFloodWaitHonoredWithoutBurningRetries(t *testing.T) {
	cfg := fastConfig(2)
	wait := 60 * time.Millisecond
	gw := &fakeGateway{
		channel:     tgram.Channel{ID: 3, Title: "Floody"},
		history:     scriptedHistory(1),
		historyErrs: []error{&tgram.FloodWaitError{RetryAfter: wait}},
	}
	cls := &countingClassifier{}
	e, st := newTestEngine(t, cfg, gw, cls)
	// A single-attempt budget proves the flood wait is not counted.
	e.NetRetry.MaxAttempts = 1
	ctx := context.Background()

	start := time.Now()
	err := e.ProcessDestination(ctx, model.Destination{Name: "Floody", Link: "https://t.me/floody"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), wait, "engine must suspend for the declared wait")
	assert.Equal(t, 2, gw.historyCalls)

	n, err := st.CountRows(ctx, "messages")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPermanentDestinationSkippedForRun(t *testing.T) {
	cfg := fastConfig(5)
	gw := &fakeGateway{resolveErr: tgram.ErrChannelPrivate}
	cls := &countingClassifier{}
	e, _ := newTestEngine(t, cfg, gw, cls)
	ctx := context.Background()
	dest := model.Destination{Name: "Private", Link: "https://t.me/private"}

	err := e.ProcessDestination(ctx, dest)
	require.ErrorIs(t, err, tgram.ErrChannelPrivate)
	calls := gw.resolveCalls
	assert.Equal(t, 1, calls, "permanent errors are not retried")

	// Later passes in the same run skip it without touching the network.
	require.NoError(t, e.ProcessDestination(ctx, dest))
	assert.Equal(t, calls, gw.resolveCalls)
}

func TestStreamSkipsEmptyAndWrongYear(t *testing.T) {
	cfg := fastConfig(2)
	gw := &fakeGateway{channel: tgram.Channel{ID: 4, Title: "Misc"}, history: []tgram.ChatMessage{
		{ID: 30, SenderID: 1, Date: msgDate(), Text: ""},
		{ID: 29, SenderID: 1, Date: time.Date(testYear-1, 12, 30, 0, 0, 0, 0, time.UTC), Text: "JOB: from last year"},
		{ID: 28, SenderID: 1, Date: msgDate(), Text: "JOB: current"},
	}}
	cls := &countingClassifier{}
	e, st := newTestEngine(t, cfg, gw, cls)
	ctx := context.Background()

	require.NoError(t, e.ProcessDestination(ctx, model.Destination{Name: "Misc", Link: "https://t.me/misc"}))

	n, err := st.CountRows(ctx, "messages")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, cls.calls, "empty and wrong-year messages never reach the classifier")
}

func TestProcessDestinationReportsExhaustion(t *testing.T) {
	cfg := fastConfig(1)
	gw := &fakeGateway{channel: tgram.Channel{ID: 2, Title: "A"}, history: nil}
	cls := &countingClassifier{}
	e, st := newTestEngine(t, cfg, gw, cls)
	ctx := context.Background()

	require.NoError(t, st.AddAccountUsage(ctx, "acct1", time.Now(), 1, 0))
	err := e.ProcessDestination(ctx, model.Destination{Name: "A", Link: "https://t.me/a"})
	assert.ErrorIs(t, err, ErrAllAccountsExhausted)
}
