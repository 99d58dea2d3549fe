// Package pocketcrypto assembles the Telegram price bot: the CoinMarketCap
// client, the listing snapshot cache, symbol resolution, automation storage,
// the delivery scheduler, and the chat transport.
package pocketcrypto

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mahdi-Habibi/pocket-crypto/config"
	"github.com/Mahdi-Habibi/pocket-crypto/core"
	"github.com/Mahdi-Habibi/pocket-crypto/dispatcher"
	"github.com/Mahdi-Habibi/pocket-crypto/listing"
	"github.com/Mahdi-Habibi/pocket-crypto/market"
	"github.com/Mahdi-Habibi/pocket-crypto/notification"
	"github.com/Mahdi-Habibi/pocket-crypto/pkg/logger"
	"github.com/Mahdi-Habibi/pocket-crypto/pkg/logger/zerolog"
	"github.com/Mahdi-Habibi/pocket-crypto/resolver"
	"github.com/Mahdi-Habibi/pocket-crypto/scheduler"
	"github.com/Mahdi-Habibi/pocket-crypto/storage"
	"github.com/Mahdi-Habibi/pocket-crypto/webapi"
)

// Bot wires every component behind a single entry point.
type Bot struct {
	cfg    *config.Config
	logger logger.Logger

	source    core.MarketSource
	snapshots *listing.Store
	resolver  core.Resolver
	storage   core.AutomationStorage
	telegram  *notification.Telegram
	notifier  core.Notifier

	dispatcher *dispatcher.Dispatcher
	scheduler  *scheduler.Scheduler
	server     *webapi.Server
}

type Option func(*Bot)

// NewBot creates a bot instance from the given configuration and options.
func NewBot(ctx context.Context, cfg *config.Config, options ...Option) (*Bot, error) {
	bot := &Bot{cfg: cfg}

	if err := initializeLogger(bot); err != nil {
		return nil, err
	}

	// Apply custom options
	for _, option := range options {
		option(bot)
	}

	if bot.source == nil {
		bot.source = market.NewClient(market.Config{}, bot.logger)
	}

	if err := initializeStorage(bot); err != nil {
		return nil, err
	}

	bot.snapshots = listing.NewStore(bot.source, bot.logger,
		listing.WithLimit(cfg.Market.ListingLimit),
		listing.WithFreshness(cfg.Market.SnapshotTTL),
	)
	bot.resolver = resolver.New(bot.snapshots, bot.logger)

	if err := initializeNotifications(bot); err != nil {
		return nil, err
	}

	bot.dispatcher = dispatcher.New(bot.source, bot.notifier, bot.logger)
	bot.scheduler = scheduler.New(bot.storage, bot.dispatcher, bot.logger,
		scheduler.WithInterval(cfg.Schedule.TickInterval),
		scheduler.WithLease(cfg.Schedule.ClaimLease),
	)

	var sink webapi.UpdateSink
	if cfg.Telegram.UseWebhook && bot.telegram != nil {
		sink = bot.telegram
	}
	bot.server = webapi.NewServer(sink, bot.scheduler, cfg.Telegram.WebhookPath,
		cfg.Schedule.TickSecret, bot.logger)

	return bot, nil
}

// initializeLogger sets up the logging system.
func initializeLogger(bot *Bot) error {
	if bot.logger != nil {
		return nil
	}
	log, err := zerolog.New(bot.cfg.LogLevel, "2006-01-02 15:04:05", true, false)
	if err != nil {
		return err
	}
	bot.logger = log
	return nil
}

// initializeStorage opens the automation store selected by configuration.
func initializeStorage(bot *Bot) error {
	if bot.storage != nil {
		return nil
	}

	var err error
	switch bot.cfg.Storage.Driver {
	case config.DriverSQLite:
		bot.storage, err = storage.NewFromSQLite(bot.cfg.Storage.Path, storage.SQLConfig{})
	default:
		bot.storage, err = storage.NewFromFile(bot.cfg.Storage.Path)
	}
	if err != nil {
		return fmt.Errorf("failed to open %s storage: %w", bot.cfg.Storage.Driver, err)
	}
	return nil
}

// initializeNotifications sets up the Telegram transport unless a custom
// notifier was injected.
func initializeNotifications(bot *Bot) error {
	if bot.notifier != nil {
		return nil
	}

	telegram, err := notification.NewTelegram(notification.TelegramSettings{
		Token:   bot.cfg.Telegram.Token,
		Webhook: bot.cfg.Telegram.UseWebhook,
	}, bot.resolver, bot.storage, bot.source, bot.logger)
	if err != nil {
		return err
	}

	bot.telegram = telegram
	bot.notifier = telegram
	return nil
}

// WithStorage sets the automation store, overriding the configured driver.
func WithStorage(store core.AutomationStorage) Option {
	return func(bot *Bot) {
		bot.storage = store
	}
}

// WithMarketSource replaces the CoinMarketCap client.
func WithMarketSource(source core.MarketSource) Option {
	return func(bot *Bot) {
		bot.source = source
	}
}

// WithNotifier replaces the Telegram transport for deliveries. The chat
// surface is disabled when this is used.
func WithNotifier(notifier core.Notifier) Option {
	return func(bot *Bot) {
		bot.notifier = notifier
	}
}

// WithLogger replaces the default zerolog logger.
func WithLogger(log logger.Logger) Option {
	return func(bot *Bot) {
		bot.logger = log
	}
}

// WithLogLevel sets the log level.
func WithLogLevel(level logger.Level) Option {
	return func(bot *Bot) {
		bot.logger.SetLevel(level)
	}
}

// Storage exposes the automation store for maintenance commands.
func (b *Bot) Storage() core.AutomationStorage {
	return b.storage
}

// Snapshots exposes the listing cache.
func (b *Bot) Snapshots() *listing.Store {
	return b.snapshots
}

// warmup pulls the first listing snapshot so early messages resolve without
// paying the fetch latency. Failure is logged, not fatal; the resolver
// refreshes on demand.
func (b *Bot) warmup(ctx context.Context) {
	if _, err := b.snapshots.Refresh(ctx); err != nil {
		b.logger.WithError(err).Warn("initial listing refresh failed")
	}
}

// Run starts the bot in long-polling mode: the Telegram update loop, the
// in-process scheduler, and the HTTP server for health checks. It blocks
// until ctx is cancelled or a termination signal arrives.
func (b *Bot) Run(ctx context.Context) error {
	b.warmup(ctx)

	if err := b.scheduler.Start(ctx); err != nil {
		return err
	}
	defer b.scheduler.Stop()

	if b.telegram != nil {
		b.telegram.Start()
		defer b.telegram.Stop()
	}

	go func() {
		if err := b.server.Run(b.cfg.Server.Port); err != nil {
			b.logger.WithError(err).Error("http server stopped")
		}
	}()

	b.logger.WithField("port", b.cfg.Server.Port).Info("bot started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-ctx.Done():
	case <-sigCh:
	}

	b.logger.Info("shutting down")
	return b.storage.Close()
}

// Serve starts the bot in stateless webhook mode: Telegram updates arrive on
// the webhook route and deliveries run when the tick endpoint is called. No
// background loops are started.
func (b *Bot) Serve(ctx context.Context) error {
	b.warmup(ctx)

	if b.telegram != nil {
		if err := b.telegram.SetWebhookURL(b.cfg.WebhookURL()); err != nil {
			return fmt.Errorf("failed to register webhook: %w", err)
		}
	}

	b.logger.WithField("port", b.cfg.Server.Port).Info("webhook server started")
	return b.server.Run(b.cfg.Server.Port)
}
