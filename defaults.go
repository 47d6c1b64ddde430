package muse

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jxucoder/muse/internal/config"
	"github.com/jxucoder/muse/internal/logging"
	"github.com/jxucoder/muse/notify"
	"github.com/jxucoder/muse/notify/slack"
	"github.com/jxucoder/muse/store"
	redisStore "github.com/jxucoder/muse/store/redis"
	sqliteStore "github.com/jxucoder/muse/store/sqlite"
)

// applyDefaults fills in missing fields on the builder from the config.
func applyDefaults(b *Builder) error {
	// Config.
	if b.config == nil {
		cfg, err := config.Load("")
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		b.config = cfg
	}

	// Logger.
	if b.logger == nil {
		logger, err := logging.NewFromConfig(b.config)
		if err != nil {
			return err
		}
		b.logger = logger
	}

	if b.client == nil {
		b.client = &http.Client{Timeout: 60 * time.Second}
	}

	// Store.
	if b.store == nil {
		st, err := sqliteStore.New(b.config.DatabasePath())
		if err != nil {
			return fmt.Errorf("initializing store: %w", err)
		}
		b.store = st
		b.closers = append(b.closers, st)
	}

	// Conversation history, shared through Redis when configured.
	if b.history == nil && b.config.RedisEnabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hist, err := redisStore.Dial(ctx, b.config.Redis.Addr, b.config.Session.HistoryCap*2, b.config.RedisTTL())
		if err != nil {
			return err
		}
		b.history = hist
		b.closers = append(b.closers, hist)
		b.logger.Info("conversation history in redis", zap.String("addr", b.config.Redis.Addr))
	}
	if b.history == nil {
		if hs, ok := b.store.(store.HistoryStore); ok {
			b.history = hs
		}
	}

	// Notifications.
	if b.notifier == nil {
		if b.config.SlackEnabled() {
			b.notifier = slack.New(b.config.Slack.WebhookURL)
		} else {
			b.notifier = notify.Noop()
		}
	}
	return nil
}
