// Package tgram talks to the Telegram gateway on behalf of one account.
package tgram

import (
	"context"
	"time"
)

// Channel is a resolved destination handle.
type Channel struct {
	ID       int64
	Title    string
	Username string
}

// ChatMessage is one message from a channel's history.
type ChatMessage struct {
	ID       int64
	SenderID int64
	Date     time.Time
	Text     string
}

// Client defines the gateway operations the harvester uses. One Client is
// owned by exactly one session slot and never shared.
type Client interface {
	// Connect establishes the session and performs the handshake.
	Connect(ctx context.Context) error
	// Authorized reports whether the account's credentials are accepted.
	Authorized(ctx context.Context) (bool, error)
	// ResolveChannel resolves a public destination by username.
	ResolveChannel(ctx context.Context, username string) (Channel, error)
	// ImportInvite joins a private destination by invite hash and returns
	// the resulting channel.
	ImportInvite(ctx context.Context, hash string) (Channel, error)
	// JoinChannel joins a resolved public channel.
	JoinChannel(ctx context.Context, channelID int64) error
	// History returns up to limit messages, newest first.
	History(ctx context.Context, channelID int64, limit int) ([]ChatMessage, error)
	// Connected reports the live connection state.
	Connected() bool
	// Disconnect tears the session down.
	Disconnect(ctx context.Context) error
}
