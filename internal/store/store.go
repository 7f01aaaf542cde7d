// Package store is the persistence layer: one mutex-guarded SQLite handle
// per database file. All writes go through a single global write section so
// sqlite lock contention shows up as queueing, not errors.
package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"tgharvest/internal/metrics"
	"tgharvest/internal/model"
	"tgharvest/internal/retry"
)

// minWriteGap keeps writes at least this far apart to reduce contention.
const minWriteGap = 200 * time.Millisecond

var writeRetry = retry.Config{
	MaxAttempts:  10,
	InitialDelay: 2 * time.Second,
	MaxDelay:     15 * time.Second,
	Multiplier:   1.5,
	IsRetryable:  isLockErr,
	OnRetry:      func(int, error) { metrics.StoreRetries.Inc() },
}

func isLockErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// Store wraps the SQLite database. Construct one per process and pass it
// explicitly to everything that writes.
type Store struct {
	db        *sql.DB
	mu        sync.Mutex
	lastWrite time.Time
}

// Open opens (creating if needed) the database at path with the
// concurrency-friendly settings every connection must share.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := d.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=60000; PRAGMA cache_size=-64000;`); err != nil {
		_ = d.Close()
		return nil, err
	}
	s := &Store{db: d}
	if err := s.migrate(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// jobTableColumns is shared by the category partitions.
const jobTableColumns = `(
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  message_key TEXT UNIQUE NOT NULL,
  group_name TEXT NOT NULL,
  group_link TEXT,
  sender TEXT,
  date INTEGER,
  message_text TEXT,
  keywords_found TEXT,
  account_used TEXT,
  company_name TEXT,
  company_website TEXT,
  company_linkedin TEXT,
  skills_required TEXT,
  salary_range TEXT,
  job_location TEXT,
  work_mode TEXT,
  experience_required TEXT,
  job_type TEXT,
  application_deadline TEXT,
  contact_info TEXT,
  is_verified INTEGER DEFAULT 0,
  verification_score REAL DEFAULT 0.0,
  created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
		  id INTEGER PRIMARY KEY AUTOINCREMENT,
		  message_key TEXT UNIQUE NOT NULL,
		  group_name TEXT NOT NULL,
		  group_link TEXT,
		  sender TEXT,
		  date INTEGER,
		  message_text TEXT,
		  job_type TEXT,
		  keywords_found TEXT,
		  account_used TEXT,
		  created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS tech_jobs ` + jobTableColumns,
		`CREATE TABLE IF NOT EXISTS non_tech_jobs ` + jobTableColumns,
		`CREATE TABLE IF NOT EXISTS freelance_jobs ` + jobTableColumns,
		`CREATE TABLE IF NOT EXISTS joined_destinations (
		  id INTEGER PRIMARY KEY AUTOINCREMENT,
		  group_link TEXT UNIQUE NOT NULL,
		  group_name TEXT NOT NULL,
		  account_used TEXT,
		  join_date INTEGER,
		  messages_fetched INTEGER DEFAULT 0,
		  last_checked INTEGER,
		  created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS account_usage (
		  id INTEGER PRIMARY KEY AUTOINCREMENT,
		  account_name TEXT NOT NULL,
		  date TEXT NOT NULL,
		  groups_joined INTEGER DEFAULT 0,
		  messages_fetched INTEGER DEFAULT 0,
		  last_action INTEGER,
		  UNIQUE(account_name, date)
		)`,
		`CREATE TABLE IF NOT EXISTS daily_stats (
		  id INTEGER PRIMARY KEY AUTOINCREMENT,
		  date TEXT UNIQUE NOT NULL,
		  groups_joined INTEGER DEFAULT 0,
		  messages_fetched INTEGER DEFAULT 0,
		  tech_jobs INTEGER DEFAULT 0,
		  non_tech_jobs INTEGER DEFAULT 0,
		  freelance_jobs INTEGER DEFAULT 0,
		  accounts_used TEXT,
		  created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, q := range stmts {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// withWriteSection runs fn inside the global write section: one writer at a
// time across the whole process, spaced at least minWriteGap apart, with
// bounded retry on lock contention.
func (s *Store) withWriteSection(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gap := minWriteGap - time.Since(s.lastWrite); gap > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(gap):
		}
	}

	err := retry.Do(ctx, writeRetry, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
	s.lastWrite = time.Now()
	return err
}

// partitionFor picks the single category partition for a job-type label.
// Precedence: freelance compounds first, then non_tech, then tech.
func partitionFor(jobType string) string {
	jt := strings.ToLower(jobType)
	switch {
	case strings.HasPrefix(jt, "freelance"):
		return "freelance_jobs"
	case strings.HasPrefix(jt, "non_tech"):
		return "non_tech_jobs"
	case strings.Contains(jt, "tech"):
		return "tech_jobs"
	}
	return ""
}

// InsertMessage persists a message idempotently: if the composite key is
// already present, it reports inserted=false with no error. An error return
// is a soft failure; the caller must not treat it as fatal.
func (s *Store) InsertMessage(ctx context.Context, m model.Message) (bool, error) {
	var inserted bool
	err := s.withWriteSection(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO messages
			(message_key, group_name, group_link, sender, date, message_text, job_type, keywords_found, account_used)
			VALUES (?,?,?,?,?,?,?,?,?)`,
			m.Key, m.GroupName, m.GroupLink, m.Sender, m.Date.Unix(), m.Text,
			m.JobType, strings.Join(m.Keywords, ","), m.AccountUsed)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n > 0

		table := partitionFor(m.JobType)
		if table == "" {
			return nil
		}
		facts := m.Facts
		if facts == nil {
			facts = &model.JobFacts{}
		}
		verified := 0
		if facts.Verified {
			verified = 1
		}
		_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO `+table+`
			(message_key, group_name, group_link, sender, date, message_text, keywords_found, account_used,
			 company_name, company_website, company_linkedin, skills_required, salary_range, job_location,
			 work_mode, experience_required, job_type, application_deadline, contact_info, is_verified, verification_score)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			m.Key, m.GroupName, m.GroupLink, m.Sender, m.Date.Unix(), m.Text,
			strings.Join(m.Keywords, ","), m.AccountUsed,
			facts.CompanyName, facts.Website, facts.LinkedIn, facts.Skills, facts.SalaryRange,
			facts.Location, facts.WorkMode, facts.Experience, m.JobType, facts.Deadline,
			facts.Contact, verified, facts.Score)
		return err
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// InsertJoinedGroup records a join with replace semantics.
func (s *Store) InsertJoinedGroup(ctx context.Context, j model.JoinedDestination) error {
	return s.withWriteSection(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO joined_destinations
			(group_link, group_name, account_used, join_date, last_checked)
			VALUES (?,?,?,?,?)`,
			j.Link, j.Name, j.AccountUsed, j.JoinedAt.Unix(), time.Now().Unix())
		return err
	})
}

// TouchJoinedGroup bumps the per-destination fetch counters after a pass.
func (s *Store) TouchJoinedGroup(ctx context.Context, link string, fetched int) error {
	return s.withWriteSection(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE joined_destinations
			SET messages_fetched = messages_fetched + ?, last_checked = ?
			WHERE group_link = ?`, fetched, time.Now().Unix(), link)
		return err
	})
}

// ProcessedMessageKeys returns every ingested message key, used to
// rehydrate the in-memory dedup index at startup.
func (s *Store) ProcessedMessageKeys(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT message_key FROM messages`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out[k] = struct{}{}
	}
	return out, rows.Err()
}

// JoinedGroups returns all recorded joins.
func (s *Store) JoinedGroups(ctx context.Context) ([]model.JoinedDestination, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT group_link, group_name, account_used, join_date FROM joined_destinations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.JoinedDestination
	for rows.Next() {
		var j model.JoinedDestination
		var joined int64
		if err := rows.Scan(&j.Link, &j.Name, &j.AccountUsed, &joined); err != nil {
			return nil, err
		}
		j.JoinedAt = time.Unix(joined, 0).UTC()
		out = append(out, j)
	}
	return out, rows.Err()
}

func dateKey(day time.Time) string { return day.UTC().Format("2006-01-02") }

// AccountUsage returns the usage counters for an account on a calendar day.
// Missing rows read as zero.
func (s *Store) AccountUsage(ctx context.Context, account string, day time.Time) (model.Usage, error) {
	var u model.Usage
	row := s.db.QueryRowContext(ctx,
		`SELECT groups_joined, messages_fetched FROM account_usage WHERE account_name=? AND date=?`,
		account, dateKey(day))
	err := row.Scan(&u.GroupsJoined, &u.MessagesFetched)
	if err == sql.ErrNoRows {
		return model.Usage{}, nil
	}
	if err != nil {
		return model.Usage{}, err
	}
	return u, nil
}

// AddAccountUsage additively bumps an account's counters for a day,
// creating the row on first action.
func (s *Store) AddAccountUsage(ctx context.Context, account string, day time.Time, groups, messages int) error {
	return s.withWriteSection(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO account_usage
			(account_name, date, groups_joined, messages_fetched, last_action)
			VALUES (?,?,?,?,?)
			ON CONFLICT(account_name, date) DO UPDATE SET
			  groups_joined = groups_joined + excluded.groups_joined,
			  messages_fetched = messages_fetched + excluded.messages_fetched,
			  last_action = excluded.last_action`,
			account, dateKey(day), groups, messages, time.Now().Unix())
		return err
	})
}

// AddDailyStats additively folds a pass's counts into the day's rollup.
func (s *Store) AddDailyStats(ctx context.Context, day time.Time, st model.DailyStats) error {
	return s.withWriteSection(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO daily_stats
			(date, groups_joined, messages_fetched, tech_jobs, non_tech_jobs, freelance_jobs, accounts_used)
			VALUES (?,?,?,?,?,?,?)
			ON CONFLICT(date) DO UPDATE SET
			  groups_joined = groups_joined + excluded.groups_joined,
			  messages_fetched = messages_fetched + excluded.messages_fetched,
			  tech_jobs = tech_jobs + excluded.tech_jobs,
			  non_tech_jobs = non_tech_jobs + excluded.non_tech_jobs,
			  freelance_jobs = freelance_jobs + excluded.freelance_jobs,
			  accounts_used = excluded.accounts_used`,
			dateKey(day), st.GroupsJoined, st.MessagesFetched, st.TechJobs, st.NonTechJobs,
			st.FreelanceJobs, st.AccountsUsed)
		return err
	})
}

// CountRows is a small test/status helper.
func (s *Store) CountRows(ctx context.Context, table string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n)
	return n, err
}
