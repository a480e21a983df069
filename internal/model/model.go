// Package model defines the domain types used across the application.
package model

import (
	"strconv"
	"time"
)

// ChatRef is an opaque reference to a chat on the messaging platform.
// Numeric references carry ID; everything else (usernames, the "me"
// self-chat token, feed URLs) is kept verbatim in Alias.
type ChatRef struct {
	ID    int64
	Alias string
}

// IsNumeric reports whether the reference is a numeric chat id.
func (c ChatRef) IsNumeric() bool {
	return c.Alias == ""
}

func (c ChatRef) String() string {
	if c.IsNumeric() {
		return strconv.FormatInt(c.ID, 10)
	}
	return c.Alias
}

// Bot is a platform account whose rules and schedules are executed by one engine.
type Bot struct {
	ID        int64
	OwnerID   int64
	Name      string
	Token     string
	IsActive  bool
	CreatedAt time.Time
}

// ForwardingRule watches one or more source chats and forwards matching
// messages to a destination.
//
// Source is a comma-separated list of chat references. Replacement is the
// regex substitution when FilterPattern is set; otherwise it holds literal
// pairs in the form "find->replace|find2->replace2".
type ForwardingRule struct {
	ID            int64
	BotID         int64
	Name          string
	Source        string
	Destination   string
	BlockTerms    string
	RequireTerms  string
	FilterPattern string
	Replacement   string
	LinkRewrite   bool
	IsActive      bool
	CreatedAt     time.Time
}

// SendMode controls how a scheduled send picks its source message.
type SendMode string

// Supported send modes.
const (
	SendFixed      SendMode = "fixed"
	SendSequential SendMode = "sequential"
)

// ScheduledSend replays a stored message from Source into Destination at the
// configured HH:MM times (comma-separated in Times).
type ScheduledSend struct {
	ID               int64
	BotID            int64
	Name             string
	Source           string
	Destination      string
	CurrentMessageID int
	Mode             SendMode
	Times            string
	IsActive         bool
	CreatedAt        time.Time
}

// LogStatus is the outcome recorded for an execution log entry.
type LogStatus string

// Supported log statuses.
const (
	StatusSuccess LogStatus = "success"
	StatusError   LogStatus = "error"
	StatusBlocked LogStatus = "blocked"
)

// ExecutionLogEntry records the outcome of a forward or scheduled send.
type ExecutionLogEntry struct {
	ID          int64
	BotID       int64
	BotName     string
	Source      string
	Destination string
	Status      LogStatus
	Detail      string
	CreatedAt   time.Time
}

// AffiliateCredentials are the per-owner keys for the short-link API.
type AffiliateCredentials struct {
	OwnerID int64
	AppID   string
	Secret  string
}

// Configured reports whether both halves of the credentials are present.
func (c AffiliateCredentials) Configured() bool {
	return c.AppID != "" && c.Secret != ""
}
