// Package manager runs one forwarding engine per active bot.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"forward_bot/internal/channel"
	"forward_bot/internal/engine"
	"forward_bot/internal/model"
)

// Store is the persistence used by the manager and its engines.
type Store interface {
	engine.Store
	ListActiveBots(ctx context.Context) ([]model.Bot, error)
}

// ClientFactory builds the channel client of one bot.
type ClientFactory func(bot model.Bot) channel.Client

// Manager starts and supervises the engines.
type Manager struct {
	store   Store
	clients ClientFactory
	opts    engine.Options
	log     *slog.Logger
}

// New creates a Manager.
func New(store Store, clients ClientFactory, opts engine.Options, log *slog.Logger) *Manager {
	return &Manager{store: store, clients: clients, opts: opts, log: log}
}

// Run starts an engine for every active bot and blocks until ctx is
// cancelled and all engines have stopped. A failing bot is logged and does
// not affect the others.
func (m *Manager) Run(ctx context.Context) error {
	bots, err := m.store.ListActiveBots(ctx)
	if err != nil {
		return fmt.Errorf("list active bots: %w", err)
	}
	if len(bots) == 0 {
		m.log.Warn("no active bots configured")
		<-ctx.Done()
		return nil
	}

	var wg sync.WaitGroup
	for _, b := range bots {
		wg.Go(func() { m.runBot(ctx, b) })
	}
	m.log.Info("engines started", "count", len(bots))
	wg.Wait()
	return nil
}

func (m *Manager) runBot(ctx context.Context, b model.Bot) {
	log := m.log.With("bot_id", b.ID, "bot", b.Name)
	defer func() {
		if r := recover(); r != nil {
			log.Error("engine panicked", "panic", r)
		}
	}()

	err := engine.New(b, m.clients(b), m.store, m.opts, m.log).Run(ctx)
	switch {
	case errors.Is(err, channel.ErrNotAuthorized):
		log.Error("bot session not authorized, engine not started")
	case err != nil && ctx.Err() == nil:
		log.Error("engine stopped", "error", err)
	}
}
