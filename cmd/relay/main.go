package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"forward_bot/internal/channel"
	"forward_bot/internal/channel/feed"
	"forward_bot/internal/channel/telegram"
	"forward_bot/internal/chatref"
	"forward_bot/internal/config"
	"forward_bot/internal/dispatch"
	"forward_bot/internal/engine"
	"forward_bot/internal/linkrewrite"
	"forward_bot/internal/manager"
	"forward_bot/internal/model"
	"forward_bot/internal/storage"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("load .env", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	tgOpts := telegram.Options{
		Scratch:  chatref.Parse(cfg.ScratchChat),
		Endpoint: cfg.TelegramEndpoint,
	}

	clients := func(b model.Bot) channel.Client {
		tg := telegram.New(b.Token, tgOpts, log.With("bot_id", b.ID, "client", "telegram"))
		feeds := feed.New(http.DefaultClient, cfg.FeedPollInterval, log.With("bot_id", b.ID, "client", "feed"))
		return channel.NewRouter(tg, feeds, chatref.IsFeedURL)
	}

	mgr := manager.New(store, clients, engine.Options{
		ReloadInterval: cfg.RuleReloadInterval,
		Worker: dispatch.WorkerOptions{
			DelayMin: cfg.SendDelayMin,
			DelayMax: cfg.SendDelayMax,
		},
		Location: cfg.Location(),
		Affiliate: linkrewrite.ShopeeOptions{
			Endpoint:   cfg.AffiliateAPIURL,
			SubIDs:     cfg.AffiliateSubIDs,
			RatePerSec: cfg.AffiliateRate,
		},
	}, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("starting relay", "database", cfg.DatabasePath, "timezone", cfg.Location().String())

	if err := mgr.Run(ctx); err != nil {
		log.Error("run manager", "error", err)
		cancel()
		_ = store.Close()
		os.Exit(1) //nolint:gocritic // resources released above
	}

	log.Info("relay stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
