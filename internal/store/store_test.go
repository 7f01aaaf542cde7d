package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgharvest/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleMessage(key, jobType string) model.Message {
	return model.Message{
		Key:         key,
		GroupName:   "Go Jobs",
		GroupLink:   "https://t.me/gojobs",
		Sender:      "42",
		Date:        time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC),
		Text:        "Hiring a backend developer, golang, remote",
		JobType:     jobType,
		Keywords:    []string{"golang", "developer"},
		AccountUsed: "acct1",
	}
}

func TestInsertMessageIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inserted, err := s.InsertMessage(ctx, sampleMessage("100_1", "tech"))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertMessage(ctx, sampleMessage("100_1", "tech"))
	require.NoError(t, err)
	assert.False(t, inserted, "second insert of same key must be a no-op")

	n, err := s.CountRows(ctx, "messages")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInsertMessageCategoryPartitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cases := []struct {
		key, jobType, table string
	}{
		{"1_1", "tech", "tech_jobs"},
		{"1_2", "non_tech", "non_tech_jobs"},
		{"1_3", "freelance", "freelance_jobs"},
		{"1_4", "freelance_tech", "freelance_jobs"},
		{"1_5", "freelance_non_tech", "freelance_jobs"},
	}
	for _, c := range cases {
		_, err := s.InsertMessage(ctx, sampleMessage(c.key, c.jobType))
		require.NoError(t, err)
	}

	counts := map[string]int{"tech_jobs": 1, "non_tech_jobs": 1, "freelance_jobs": 3}
	for table, want := range counts {
		n, err := s.CountRows(ctx, table)
		require.NoError(t, err)
		assert.Equal(t, want, n, table)
	}
}

func TestInsertMessageKeepsVerifierFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := sampleMessage("7_9", "tech")
	m.Facts = &model.JobFacts{CompanyName: "Acme", SalaryRange: "10-15 LPA", Location: "Bangalore", Verified: true, Score: 80}
	_, err := s.InsertMessage(ctx, m)
	require.NoError(t, err)

	var company string
	var score float64
	row := s.db.QueryRow(`SELECT company_name, verification_score FROM tech_jobs WHERE message_key=?`, "7_9")
	require.NoError(t, row.Scan(&company, &score))
	assert.Equal(t, "Acme", company)
	assert.Equal(t, 80.0, score)
}

func TestJoinedGroupReplaceSemantics(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	j := model.JoinedDestination{Link: "https://t.me/gojobs", Name: "Go Jobs", AccountUsed: "acct1", JoinedAt: time.Now()}
	require.NoError(t, s.InsertJoinedGroup(ctx, j))
	j.AccountUsed = "acct2"
	require.NoError(t, s.InsertJoinedGroup(ctx, j))

	groups, err := s.JoinedGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "acct2", groups[0].AccountUsed)
}

func TestAccountUsageAccumulates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	day := time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC)

	u, err := s.AccountUsage(ctx, "acct1", day)
	require.NoError(t, err)
	assert.Equal(t, model.Usage{}, u, "missing row reads as zero")

	require.NoError(t, s.AddAccountUsage(ctx, "acct1", day, 1, 0))
	require.NoError(t, s.AddAccountUsage(ctx, "acct1", day, 0, 5))
	require.NoError(t, s.AddAccountUsage(ctx, "acct1", day, 1, 3))

	u, err = s.AccountUsage(ctx, "acct1", day)
	require.NoError(t, err)
	assert.Equal(t, model.Usage{GroupsJoined: 2, MessagesFetched: 8}, u)

	// Another day starts fresh.
	u, err = s.AccountUsage(ctx, "acct1", day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, model.Usage{}, u)
}

func TestProcessedKeysRehydration(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"1_1", "1_2", "2_9"} {
		_, err := s.InsertMessage(ctx, sampleMessage(key, "tech"))
		require.NoError(t, err)
	}
	keys, err := s.ProcessedMessageKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 3)
	_, ok := keys["2_9"]
	assert.True(t, ok)
}

func TestWriteSectionNeverOverlaps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var inSection atomic.Int32
	var maxSeen atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.withWriteSection(ctx, func(tx *sql.Tx) error {
				n := inSection.Add(1)
				for {
					m := maxSeen.Load()
					if n <= m || maxSeen.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inSection.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load(), "write section must be exclusive")
}

func TestDailyStatsRollup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.AddDailyStats(ctx, day, model.DailyStats{GroupsJoined: 1, MessagesFetched: 3, TechJobs: 2, AccountsUsed: "acct1"}))
	require.NoError(t, s.AddDailyStats(ctx, day, model.DailyStats{MessagesFetched: 2, FreelanceJobs: 2, AccountsUsed: "acct2"}))

	var groups, msgs, tech, freelance int
	var accounts string
	row := s.db.QueryRow(`SELECT groups_joined, messages_fetched, tech_jobs, freelance_jobs, accounts_used FROM daily_stats WHERE date=?`, dateKey(day))
	require.NoError(t, row.Scan(&groups, &msgs, &tech, &freelance, &accounts))
	assert.Equal(t, 1, groups)
	assert.Equal(t, 5, msgs)
	assert.Equal(t, 2, tech)
	assert.Equal(t, 2, freelance)
	assert.Equal(t, "acct2", accounts)
}
