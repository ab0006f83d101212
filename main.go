// Package main runs the RNS watchlist notifier: it applies chat commands to
// the shared ticker watchlist, scans today's regulatory announcements for
// watched tickers and notifies each new match once.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	gcs "cloud.google.com/go/storage"
	"github.com/joho/godotenv"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"rns-notifier/command"
	"rns-notifier/dispatch"
	"rns-notifier/email"
	"rns-notifier/github"
	"rns-notifier/ledger"
	"rns-notifier/match"
	"rns-notifier/poll"
	"rns-notifier/scraper"
	"rns-notifier/server"
	"rns-notifier/storage"
	"rns-notifier/telegram"
	"rns-notifier/watchlist"
)

func main() {
	// A .env file is optional; deployments set the environment directly.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration:\n%v\n", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.logLevel,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Run failed", "mode", cfg.runMode, "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config, logger *slog.Logger) error {
	httpClient := &http.Client{Timeout: cfg.httpTimeout}

	var bot *telegram.Client
	if cfg.telegramToken != "" {
		var err error
		bot, err = telegram.New(telegram.Config{Token: cfg.telegramToken, HTTPClient: httpClient, Logger: logger})
		if err != nil {
			return err
		}
	}

	out, err := newDispatcher(ctx, cfg, bot, httpClient, logger)
	if err != nil {
		return err
	}

	if cfg.runMode == runModeHealth {
		logger.Info("Sending health ping", "destinations", len(cfg.notifyDests))
		return healthPing(ctx, out, cfg.notifyDests, cfg.botName)
	}

	store, closeStore, err := newConfigStore(ctx, cfg, httpClient, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	list := watchlist.New(store, cfg.tickersPath, cfg.tickersCache, logger)

	var backend ledger.Backend = ledger.NewFileBackend(cfg.ledgerPath)
	if cfg.ledgerStore == ledgerObject {
		backend = ledger.NewObjectBackend(store, cfg.ledgerPath, logger)
	}

	inv := &invocation{
		backend:   backend,
		retention: cfg.ledgerRetention,
		logger:    logger,
		scan: poll.Config{
			Source:       scraper.New(httpClient, cfg.sourceURL, cfg.sourcePageSize, logger),
			Watchlist:    list,
			Matcher:      match.New(match.Options{TrailingDot: cfg.trailingDot}),
			Out:          out,
			Policy:       cfg.admitPolicy,
			Destinations: cfg.notifyDests,
			Logger:       logger,
		},
	}

	if bot != nil && len(cfg.commandIDs) > 0 {
		inv.commands = command.New(command.Config{
			Inbox:     bot,
			Watchlist: list,
			Out:       out,
			Allowed:   cfg.commandIDs,
			Logger:    logger,
		})
	} else {
		logger.Info("Chat commands disabled, no COMMAND_CHAT_IDS or TELEGRAM_TOKEN")
	}

	if cfg.runMode == runModeServe {
		return server.New(inv, logger).ListenAndServe(ctx, cfg.port)
	}
	return inv.Run(ctx)
}

func newDispatcher(ctx context.Context, cfg *config, bot *telegram.Client, httpClient *http.Client, logger *slog.Logger) (*dispatch.Dispatcher, error) {
	provider, err := newEmailProvider(ctx, cfg, httpClient, logger)
	if err != nil {
		return nil, err
	}

	dcfg := dispatch.Config{
		Routes:   map[string]dispatch.Channel{email.Scheme: email.New(provider, logger)},
		Interval: cfg.sendInterval,
		Logger:   logger,
	}
	if bot != nil {
		dcfg.Routes[telegram.Scheme] = bot
		dcfg.Default = bot
	}
	return dispatch.New(dcfg), nil
}

func newEmailProvider(ctx context.Context, cfg *config, httpClient *http.Client, logger *slog.Logger) (email.Provider, error) {
	switch cfg.emailProvider {
	case "gmail":
		service, err := initGmailService(ctx, cfg.googleCreds)
		if err != nil {
			return nil, fmt.Errorf("initialize Gmail service: %w", err)
		}
		return email.NewGmailProvider(service, logger), nil
	case "brevo":
		return email.NewBrevoProvider(httpClient, cfg.brevoAPIKey, cfg.emailFrom, cfg.botName, logger), nil
	case "smtp":
		return email.NewSMTPProvider(cfg.smtp, logger), nil
	default:
		return email.NewMockProvider(logger), nil
	}
}

// initGmailService uses explicit credentials when given, otherwise
// Application Default Credentials.
func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	return gmail.NewService(ctx)
}

func newConfigStore(ctx context.Context, cfg *config, httpClient *http.Client, logger *slog.Logger) (storage.Store, func(), error) {
	switch cfg.configStore {
	case storeGCS:
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize Storage client: %w", err)
		}
		closeFn := func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}
		logger.Info("Using Cloud Storage config store", "bucket", cfg.bucket)
		return storage.NewGCS(client, cfg.bucket, cfg.httpTimeout, logger), closeFn, nil

	case storeGitHub:
		contents, err := github.New(github.Config{
			Repo:       cfg.githubRepo,
			Branch:     cfg.githubBranch,
			Token:      cfg.githubToken,
			HTTPClient: httpClient,
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using GitHub config store", "repo", cfg.githubRepo)
		return contents, func() {}, nil

	default:
		local, err := storage.NewLocal(cfg.localStorage, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using local config store", "storage_path", cfg.localStorage)
		return local, func() {}, nil
	}
}
