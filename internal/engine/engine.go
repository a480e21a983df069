// Package engine runs the forwarding pipeline of a single bot: rule hot
// reload, inbound message matching, the send queue and the scheduler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"forward_bot/internal/channel"
	"forward_bot/internal/dispatch"
	"forward_bot/internal/filter"
	"forward_bot/internal/linkrewrite"
	"forward_bot/internal/model"
	"forward_bot/internal/scheduler"
	"forward_bot/internal/snapshot"
	"forward_bot/internal/storage"
)

// Store is the persistence used by one engine.
type Store interface {
	snapshot.RuleSource
	scheduler.Store
	GetAffiliateCredentials(ctx context.Context, ownerID int64) (*model.AffiliateCredentials, error)
}

// Options tunes an engine.
type Options struct {
	ReloadInterval time.Duration
	Worker         dispatch.WorkerOptions
	Location       *time.Location
	Affiliate      linkrewrite.ShopeeOptions
}

// Engine owns all per-bot state. Bots share nothing but the store.
type Engine struct {
	bot    model.Bot
	client channel.Client
	store  Store
	opts   Options
	log    *slog.Logger

	queue *dispatch.Queue
	snap  *snapshot.Snapshot

	// swap serialises rule swaps; subs is only touched under it.
	swap sync.Mutex
	subs []channel.SubscriptionID

	credMu       sync.Mutex
	shortener    linkrewrite.Shortener
	creds        model.AffiliateCredentials
	credsMissing bool

	newShortener func(appID, secret string) linkrewrite.Shortener
}

// New creates an engine for bot using client for all platform access.
func New(bot model.Bot, client channel.Client, store Store, opts Options, log *slog.Logger) *Engine {
	if opts.ReloadInterval <= 0 {
		opts.ReloadInterval = 3 * time.Second
	}
	e := &Engine{
		bot:    bot,
		client: client,
		store:  store,
		opts:   opts,
		log:    log.With("bot_id", bot.ID, "bot", bot.Name),
		queue:  dispatch.NewQueue(),
		snap:   snapshot.New(store, bot.ID),
	}
	e.newShortener = func(appID, secret string) linkrewrite.Shortener {
		return linkrewrite.NewShopee(appID, secret, e.opts.Affiliate)
	}
	return e
}

// Queue exposes the engine's dispatch queue.
func (e *Engine) Queue() *dispatch.Queue {
	return e.queue
}

// Run connects the client and blocks until ctx is cancelled or a task fails.
// It returns channel.ErrNotAuthorized without starting any task when the
// client session is not authorized.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.client.Connect(ctx); err != nil {
		return fmt.Errorf("connect client: %w", err)
	}
	defer func() {
		if err := e.client.Disconnect(); err != nil {
			e.log.Warn("disconnect client", "error", err)
		}
	}()

	ok, err := e.client.IsAuthorized(ctx)
	if err != nil {
		return fmt.Errorf("check authorization: %w", err)
	}
	if !ok {
		return channel.ErrNotAuthorized
	}

	if err := e.Reload(ctx); err != nil {
		return fmt.Errorf("initial reload: %w", err)
	}

	worker := dispatch.NewWorker(e.queue, e.client, e.store, e.bot, e.opts.Worker, e.log)
	sched := scheduler.New(e.store, e.client, e.queue, e.bot, e.opts.Location, e.log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(e.guard("listen", func() error { return e.client.Listen(gctx) }))
	g.Go(e.guard("reload", func() error { return e.reloadLoop(gctx) }))
	g.Go(e.guard("sender", func() error { return worker.Run(gctx) }))
	g.Go(e.guard("scheduler", func() error { return sched.Run(gctx) }))

	e.log.Info("engine started")
	err = g.Wait()
	e.unsubscribeAll()
	if dropped := e.queue.Len(); dropped > 0 {
		e.log.Info("discarding queued items", "count", dropped)
	}
	e.log.Info("engine stopped")
	return err
}

// guard turns a panic in one task into an error for this bot only.
func (e *Engine) guard(name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("task panicked", "task", name, "panic", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("%s: panic: %v", name, r)
			}
		}()
		if err := fn(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}
}

func (e *Engine) reloadLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.ReloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.Reload(ctx); err != nil && ctx.Err() == nil {
				e.log.Error("reload rules", "error", err)
			}
		}
	}
}

// Reload refreshes affiliate credentials and, when the active rule set
// changed, swaps the installed subscriptions.
func (e *Engine) Reload(ctx context.Context) error {
	e.refreshCredentials(ctx)

	changed, rules, err := e.snap.Refresh(ctx)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	e.applyRules(rules)
	e.log.Info("rules reloaded", "rules", len(rules))
	return nil
}

// applyRules replaces every installed subscription with the new rules, in
// rule order, as a single swap.
func (e *Engine) applyRules(rules []filter.Rule) {
	add := make([]channel.Subscription, 0, len(rules))
	for _, rule := range rules {
		if len(rule.Sources) == 0 {
			e.log.Warn("rule has no sources", "rule", rule.Name)
			continue
		}
		add = append(add, channel.Subscription{Chats: rule.Sources, Handler: e.handlerFor(rule)})
	}

	e.swap.Lock()
	defer e.swap.Unlock()
	e.subs = e.client.Swap(e.subs, add)
}

func (e *Engine) unsubscribeAll() {
	e.swap.Lock()
	defer e.swap.Unlock()
	e.client.Swap(e.subs, nil)
	e.subs = nil
}

// handlerFor builds the inbound handler of one compiled rule.
func (e *Engine) handlerFor(rule filter.Rule) channel.Handler {
	return func(ctx context.Context, msg channel.Message) {
		source := msg.Chat.String()
		res := rule.Evaluate(msg.Text)

		switch res.Outcome {
		case filter.Blocked:
			e.log.Info("message blocked", "rule", rule.Name, "source", source, "term", res.Term)
			e.appendLog(ctx, model.ExecutionLogEntry{
				Source:      source,
				Destination: rule.Destination.String(),
				Status:      model.StatusBlocked,
				Detail:      dispatch.Truncate("blocked term: "+res.Term, 200),
			})
			return
		case filter.Skipped:
			e.log.Debug("message skipped", "rule", rule.Name, "source", source, "reason", res.Reason)
			return
		}

		text := res.Text
		if rule.LinkRewrite {
			if s := e.currentShortener(); s != nil {
				text = linkrewrite.Rewrite(ctx, text, s, e.log)
			}
		}

		item := dispatch.NewItem(rule.Destination, text, msg.Media, rule.Name, source)
		e.queue.Push(item)
		e.log.Debug("message enqueued", "rule", rule.Name, "source", source, "item", item.ID)
	}
}

func (e *Engine) appendLog(ctx context.Context, entry model.ExecutionLogEntry) {
	entry.BotID = e.bot.ID
	entry.BotName = e.bot.Name
	if err := e.store.AppendLog(ctx, &entry); err != nil {
		e.log.Error("append execution log", "error", err)
	}
}

func (e *Engine) currentShortener() linkrewrite.Shortener {
	e.credMu.Lock()
	defer e.credMu.Unlock()
	return e.shortener
}

// refreshCredentials rebuilds the short-link client when the owner's
// credentials change. Missing credentials disable link rewriting and are
// logged once until they reappear.
func (e *Engine) refreshCredentials(ctx context.Context) {
	creds, err := e.store.GetAffiliateCredentials(ctx, e.bot.OwnerID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.log.Error("load affiliate credentials", "error", err)
		return
	}

	e.credMu.Lock()
	defer e.credMu.Unlock()

	if creds == nil || !creds.Configured() {
		e.shortener = nil
		e.creds = model.AffiliateCredentials{}
		if !e.credsMissing {
			e.credsMissing = true
			e.log.Info("affiliate credentials not configured, link rewriting disabled")
		}
		return
	}

	e.credsMissing = false
	if e.shortener != nil && *creds == e.creds {
		return
	}
	e.creds = *creds
	e.shortener = e.newShortener(creds.AppID, creds.Secret)
	e.log.Info("affiliate credentials loaded")
}
