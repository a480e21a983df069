// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"

	"forward_bot/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Storage is the interface for all persistence operations.
type Storage interface {
	CreateBot(ctx context.Context, b *model.Bot) error
	GetBot(ctx context.Context, id int64) (*model.Bot, error)
	ListActiveBots(ctx context.Context) ([]model.Bot, error)
	SetBotActive(ctx context.Context, id int64, active bool) error

	CreateRule(ctx context.Context, r *model.ForwardingRule) error
	UpdateRule(ctx context.Context, r *model.ForwardingRule) error
	DeleteRule(ctx context.Context, id int64) error
	ListActiveRules(ctx context.Context, botID int64) ([]model.ForwardingRule, error)

	CreateSchedule(ctx context.Context, s *model.ScheduledSend) error
	GetSchedule(ctx context.Context, id int64) (*model.ScheduledSend, error)
	ListActiveSchedules(ctx context.Context, botID int64) ([]model.ScheduledSend, error)
	// AdvanceScheduleMessage moves the message pointer from "from" to from+1.
	// It reports false when the pointer was no longer at "from".
	AdvanceScheduleMessage(ctx context.Context, id int64, from int) (bool, error)

	AppendLog(ctx context.Context, e *model.ExecutionLogEntry) error
	ListLogs(ctx context.Context, botID int64, limit int) ([]model.ExecutionLogEntry, error)

	SetAffiliateCredentials(ctx context.Context, c model.AffiliateCredentials) error
	GetAffiliateCredentials(ctx context.Context, ownerID int64) (*model.AffiliateCredentials, error)

	Close() error
}
