package model

import (
	"fmt"
	"strings"
	"time"
)

// Account is one credential set from the config. Each account owns a single
// long-lived gateway session for the duration of a run.
type Account struct {
	Name        string
	Phone       string
	APIID       int
	APIHash     string
	SessionName string
}

// Destination is an external group/channel reference from the input list.
// Read-only: the harvester never mutates the list.
type Destination struct {
	Name string `json:"name"`
	Link string `json:"link"`
}

// IsInvite reports whether the destination link addresses a private group
// via invite hash rather than a public username.
func (d Destination) IsInvite() bool {
	return strings.Contains(d.Link, "joinchat") || strings.Contains(d.Link, "+")
}

// Slug returns the last path segment of the link: the public username or
// the invite hash with any leading '+' stripped.
func (d Destination) Slug() string {
	s := d.Link
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimPrefix(s, "+")
}

// JoinedDestination records that an account has joined a destination.
type JoinedDestination struct {
	Link        string
	Name        string
	AccountUsed string
	JoinedAt    time.Time
}

// Message is the unit of ingestion. Key identifies it globally.
type Message struct {
	Key         string // composite "<destination_id>_<remote_message_id>"
	GroupName   string
	GroupLink   string
	Sender      string
	Date        time.Time
	Text        string
	JobType     string
	Keywords    []string
	AccountUsed string
	Facts       *JobFacts // optional, from the verifier
}

// MessageKey renders the composite dedup key for a message.
func MessageKey(destinationID, remoteMessageID int64) string {
	return fmt.Sprintf("%d_%d", destinationID, remoteMessageID)
}

// JobFacts is the structured record extracted from a job posting by the
// verifier collaborator. All fields are best-effort.
type JobFacts struct {
	CompanyName string
	Website     string
	LinkedIn    string
	Skills      string
	SalaryRange string
	Location    string
	WorkMode    string
	Experience  string
	Deadline    string
	Contact     string
	Verified    bool
	Score       float64 // 0-100 completeness
}

// Usage is one account's counters for a calendar day.
type Usage struct {
	GroupsJoined    int
	MessagesFetched int
}

// DailyStats is the per-day rollup across all accounts.
type DailyStats struct {
	GroupsJoined    int
	MessagesFetched int
	TechJobs        int
	NonTechJobs     int
	FreelanceJobs   int
	AccountsUsed    string
}
