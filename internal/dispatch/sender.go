package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"forward_bot/internal/channel"
	"forward_bot/internal/model"
)

const detailLimit = 200

// Sender is the send primitive of a channel client.
type Sender interface {
	Send(ctx context.Context, dest model.ChatRef, text string, media *channel.Media) error
}

// LogWriter persists execution log entries.
type LogWriter interface {
	AppendLog(ctx context.Context, e *model.ExecutionLogEntry) error
}

// WorkerOptions tunes the pacing between sends.
type WorkerOptions struct {
	DelayMin time.Duration
	DelayMax time.Duration
}

// Worker is the single consumer of a bot's queue.
type Worker struct {
	queue  *Queue
	sender Sender
	logs   LogWriter
	bot    model.Bot
	log    *slog.Logger
	opts   WorkerOptions
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewWorker creates a worker draining queue through sender.
func NewWorker(queue *Queue, sender Sender, logs LogWriter, bot model.Bot, opts WorkerOptions, log *slog.Logger) *Worker {
	if opts.DelayMax < opts.DelayMin {
		opts.DelayMax = opts.DelayMin
	}
	return &Worker{
		queue:  queue,
		sender: sender,
		logs:   logs,
		bot:    bot,
		log:    log,
		opts:   opts,
		sleep:  sleepContext,
	}
}

// Run sends queued items one at a time until ctx is cancelled. Items still
// queued on return are discarded with the queue.
func (w *Worker) Run(ctx context.Context) error {
	for {
		it, err := w.queue.Pop(ctx)
		if err != nil {
			return nil
		}
		if err := w.process(ctx, it); err != nil {
			return nil
		}
	}
}

// process sends one item. It only returns an error when ctx ended while waiting.
func (w *Worker) process(ctx context.Context, it Item) error {
	it.Attempts++
	err := w.sender.Send(ctx, it.Destination, it.Text, it.Media)

	if rl, ok := channel.AsRateLimit(err); ok {
		w.log.Warn("rate limited, backing off",
			"item", it.ID, "destination", it.Destination.String(), "retry_after", rl.RetryAfter, "attempt", it.Attempts)
		if err := w.sleep(ctx, rl.RetryAfter); err != nil {
			return err
		}
		w.queue.PushFront(it)
		return nil
	}

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.log.Error("send message", "item", it.ID, "label", it.Label,
			"source", it.Source, "destination", it.Destination.String(), "error", err)
		w.record(ctx, it, model.StatusError, detail(it, err.Error()))
		return nil
	}

	w.log.Info("message forwarded", "item", it.ID, "label", it.Label,
		"source", it.Source, "destination", it.Destination.String())
	w.record(ctx, it, model.StatusSuccess, detail(it, it.Text))
	return w.sleep(ctx, w.pace())
}

func (w *Worker) record(ctx context.Context, it Item, status model.LogStatus, text string) {
	entry := &model.ExecutionLogEntry{
		BotID:       w.bot.ID,
		BotName:     w.bot.Name,
		Source:      it.Source,
		Destination: it.Destination.String(),
		Status:      status,
		Detail:      text,
	}
	if err := w.logs.AppendLog(ctx, entry); err != nil {
		w.log.Error("append execution log", "item", it.ID, "error", err)
	}
}

func (w *Worker) pace() time.Duration {
	span := w.opts.DelayMax - w.opts.DelayMin
	if span <= 0 {
		return w.opts.DelayMin
	}
	return w.opts.DelayMin + rand.N(span+1)
}

func detail(it Item, text string) string {
	if it.Scheduled {
		return Truncate(fmt.Sprintf("[schedule: %s] %s", it.Label, text), detailLimit)
	}
	return Truncate(text, detailLimit)
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
