// Package scheduler replays stored messages into their destination at the
// configured times of day.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"forward_bot/internal/channel"
	"forward_bot/internal/chatref"
	"forward_bot/internal/dispatch"
	"forward_bot/internal/model"
)

// Store is the persistence used by the scheduler.
type Store interface {
	ListActiveSchedules(ctx context.Context, botID int64) ([]model.ScheduledSend, error)
	AdvanceScheduleMessage(ctx context.Context, id int64, from int) (bool, error)
	AppendLog(ctx context.Context, e *model.ExecutionLogEntry) error
}

// Fetcher reads a stored message from a chat.
type Fetcher interface {
	FetchMessage(ctx context.Context, chat model.ChatRef, id int) (*channel.Message, error)
}

// Scheduler checks a bot's scheduled sends once per wall-clock minute.
type Scheduler struct {
	store   Store
	fetcher Fetcher
	queue   *dispatch.Queue
	bot     model.Bot
	loc     *time.Location
	log     *slog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	lastMinute string
}

// New creates a Scheduler evaluating trigger times in loc.
func New(store Store, fetcher Fetcher, queue *dispatch.Queue, bot model.Bot, loc *time.Location, log *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		store:   store,
		fetcher: fetcher,
		queue:   queue,
		bot:     bot,
		loc:     loc,
		log:     log,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// Run checks the current minute, then sleeps until the next minute boundary,
// until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		now := s.now()
		s.CheckAt(ctx, now)

		if err := s.sleep(ctx, untilNextMinute(now)); err != nil {
			return nil
		}
	}
}

// CheckAt fires every active schedule whose times include now's HH:MM and
// returns the number of items enqueued. A minute that was already checked
// is skipped; one whose schedules could not be listed is retried.
func (s *Scheduler) CheckAt(ctx context.Context, now time.Time) int {
	local := now.In(s.loc)
	minute := local.Format("2006-01-02 15:04")
	if minute == s.lastMinute {
		return 0
	}

	schedules, err := s.store.ListActiveSchedules(ctx, s.bot.ID)
	if err != nil {
		s.log.Error("list schedules", "error", err)
		return 0
	}
	s.lastMinute = minute

	hhmm := local.Format("15:04")
	fired := 0
	for _, sc := range schedules {
		if ctx.Err() != nil {
			return fired
		}
		if !Due(sc.Times, hhmm) {
			continue
		}
		if s.fire(ctx, sc) {
			fired++
		}
	}
	return fired
}

func (s *Scheduler) fire(ctx context.Context, sc model.ScheduledSend) bool {
	source := chatref.Parse(sc.Source)
	dest := chatref.Parse(sc.Destination)

	msg, err := s.fetcher.FetchMessage(ctx, source, sc.CurrentMessageID)
	if err != nil {
		s.log.Error("fetch scheduled message", "schedule", sc.Name, "message_id", sc.CurrentMessageID, "error", err)
		s.fail(ctx, sc, fmt.Sprintf("fetch message %d: %v", sc.CurrentMessageID, err))
		return false
	}
	if msg == nil {
		s.log.Warn("scheduled message not found", "schedule", sc.Name, "message_id", sc.CurrentMessageID)
		s.fail(ctx, sc, fmt.Sprintf("message %d not found", sc.CurrentMessageID))
		return false
	}

	item := dispatch.NewItem(dest, msg.Text, msg.Media, sc.Name, sc.Source)
	item.Scheduled = true
	s.queue.Push(item)
	s.log.Info("scheduled send enqueued", "schedule", sc.Name, "message_id", sc.CurrentMessageID, "item", item.ID)

	if sc.Mode == model.SendSequential {
		ok, err := s.store.AdvanceScheduleMessage(ctx, sc.ID, sc.CurrentMessageID)
		switch {
		case err != nil:
			s.log.Error("advance schedule", "schedule", sc.Name, "error", err)
		case !ok:
			s.log.Warn("schedule pointer moved concurrently", "schedule", sc.Name)
		}
	}
	return true
}

func (s *Scheduler) fail(ctx context.Context, sc model.ScheduledSend, text string) {
	entry := &model.ExecutionLogEntry{
		BotID:       s.bot.ID,
		BotName:     s.bot.Name,
		Source:      sc.Source,
		Destination: sc.Destination,
		Status:      model.StatusError,
		Detail:      dispatch.Truncate(fmt.Sprintf("[schedule: %s] %s", sc.Name, text), 200),
	}
	if err := s.store.AppendLog(ctx, entry); err != nil {
		s.log.Error("append execution log", "schedule", sc.Name, "error", err)
	}
}

// Due reports whether the comma-separated times list contains hhmm.
// Entries like "9:05" are accepted.
func Due(times, hhmm string) bool {
	for _, t := range strings.Split(times, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if parsed, err := time.Parse("15:04", t); err == nil {
			t = parsed.Format("15:04")
		}
		if t == hhmm {
			return true
		}
	}
	return false
}

func untilNextMinute(now time.Time) time.Duration {
	next := now.Truncate(time.Minute).Add(time.Minute)
	return next.Sub(now)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
