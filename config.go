package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"rns-notifier/email"
	"rns-notifier/poll"
	"rns-notifier/scraper"
	"rns-notifier/telegram"
)

const (
	runModeScan   = "scan"
	runModeHealth = "health"
	runModeServe  = "serve"

	storeLocal  = "local"
	storeGCS    = "gcs"
	storeGitHub = "github"

	ledgerFile   = "file"
	ledgerObject = "object"
)

// config is everything read from the environment.
type config struct {
	runMode  string
	port     string
	logLevel slog.Level
	botName  string

	telegramToken string
	notifyDests   []string // Alert destinations
	commandIDs    []string // Command allow-list, also receives confirmations

	configStore  string
	localStorage string
	bucket       string
	githubRepo   string
	githubToken  string
	githubBranch string
	tickersPath  string
	tickersCache string

	ledgerStore     string
	ledgerPath      string
	ledgerRetention time.Duration
	admitPolicy     poll.AdmitPolicy

	sourceURL      string
	sourcePageSize int
	trailingDot    bool
	sendInterval   time.Duration
	httpTimeout    time.Duration

	emailProvider string
	emailFrom     string
	brevoAPIKey   string
	googleCreds   string
	smtp          email.SMTPConfig
}

// loadConfig reads and validates configuration through getenv.
func loadConfig(getenv func(string) string) (*config, error) {
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := &config{
		runMode:       strings.ToLower(env("RUN_MODE", runModeScan)),
		port:          env("PORT", "8080"),
		botName:       env("BOT_NAME", "RNS Monitor"),
		telegramToken: env("TELEGRAM_TOKEN", ""),
		// The singular names are what single-chat deployments used.
		notifyDests:   splitList(env("NOTIFICATION_CHAT_IDS", env("NOTIFICATION_CHAT_ID", ""))),
		commandIDs:    chatIDs(splitList(env("COMMAND_CHAT_IDS", env("COMMAND_CHAT_ID", "")))),
		configStore:   strings.ToLower(env("CONFIG_STORE", storeLocal)),
		localStorage:  env("LOCAL_STORAGE", "./data"),
		bucket:        env("STORAGE_BUCKET", ""),
		githubRepo:    env("GITHUB_REPO", ""),
		githubToken:   env("GH_PAT", ""),
		githubBranch:  env("GITHUB_BRANCH", ""),
		tickersPath:   env("TICKERS_PATH", "tickers.txt"),
		tickersCache:  env("TICKERS_CACHE", "tickers.cache.txt"),
		ledgerStore:   strings.ToLower(env("LEDGER_STORE", ledgerFile)),
		ledgerPath:    env("LEDGER_PATH", "rns_ledger.txt"),
		sourceURL:     env("SOURCE_URL", scraper.DefaultURL),
		emailProvider: strings.ToLower(env("EMAIL_PROVIDER", "mock")),
		emailFrom:     env("EMAIL_FROM", ""),
		brevoAPIKey:   env("BREVO_API_KEY", ""),
		googleCreds:   env("GOOGLE_CREDENTIALS_JSON", ""),
	}

	var errs []error
	parse := func(key string, fn func(string) error, def string) {
		if err := fn(env(key, def)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	parse("LOG_LEVEL", func(s string) error { return cfg.logLevel.UnmarshalText([]byte(s)) }, "info")
	parse("LEDGER_RETENTION", durationInto(&cfg.ledgerRetention), "0")
	parse("SEND_INTERVAL", durationInto(&cfg.sendInterval), "1s")
	parse("HTTP_TIMEOUT", durationInto(&cfg.httpTimeout), "15s")
	parse("SOURCE_PAGE_SIZE", intInto(&cfg.sourcePageSize), "300")
	parse("TRAILING_DOT", func(s string) (err error) {
		cfg.trailingDot, err = strconv.ParseBool(s)
		return err
	}, "false")
	parse("ADMIT_POLICY", func(s string) (err error) {
		cfg.admitPolicy, err = poll.ParseAdmitPolicy(strings.ToLower(s))
		return err
	}, string(poll.AdmitAfterDelivery))
	parse("SMTP_PORT", intInto(&cfg.smtp.Port), "587")

	cfg.smtp.Server = env("SMTP_SERVER", "")
	cfg.smtp.User = env("SMTP_USER", "")
	cfg.smtp.Password = env("SMTP_PASS", "")
	cfg.smtp.From = cfg.emailFrom
	cfg.smtp.FromName = cfg.botName
	cfg.smtp.Timeout = cfg.httpTimeout

	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func (c *config) validate() []error {
	var errs []error

	switch c.runMode {
	case runModeScan, runModeHealth, runModeServe:
	default:
		errs = append(errs, fmt.Errorf("RUN_MODE: unknown mode %q", c.runMode))
	}

	switch c.configStore {
	case storeLocal:
	case storeGCS:
		if c.bucket == "" {
			errs = append(errs, errors.New("STORAGE_BUCKET required when CONFIG_STORE=gcs"))
		}
	case storeGitHub:
		if c.githubRepo == "" || c.githubToken == "" {
			errs = append(errs, errors.New("GITHUB_REPO and GH_PAT required when CONFIG_STORE=github"))
		}
	default:
		errs = append(errs, fmt.Errorf("CONFIG_STORE: unknown store %q", c.configStore))
	}

	if c.ledgerStore != ledgerFile && c.ledgerStore != ledgerObject {
		errs = append(errs, fmt.Errorf("LEDGER_STORE: unknown store %q", c.ledgerStore))
	}
	if c.ledgerRetention < 0 {
		errs = append(errs, errors.New("LEDGER_RETENTION must not be negative"))
	}

	if c.telegramToken == "" && (needsTelegram(c.notifyDests) || len(c.commandIDs) > 0) {
		errs = append(errs, errors.New("TELEGRAM_TOKEN required for chat destinations and commands"))
	}
	if c.runMode != runModeServe && len(c.notifyDests) == 0 {
		errs = append(errs, errors.New("NOTIFICATION_CHAT_IDS must name at least one destination"))
	}

	switch c.emailProvider {
	case "mock":
		if needsEmail(c.notifyDests) {
			errs = append(errs, errors.New("EMAIL_PROVIDER must be set for mailto: destinations"))
		}
	case "gmail":
	case "brevo":
		if c.brevoAPIKey == "" || c.emailFrom == "" {
			errs = append(errs, errors.New("BREVO_API_KEY and EMAIL_FROM required when EMAIL_PROVIDER=brevo"))
		}
	case "smtp":
		if c.smtp.Server == "" || c.emailFrom == "" {
			errs = append(errs, errors.New("SMTP_SERVER and EMAIL_FROM required when EMAIL_PROVIDER=smtp"))
		}
	default:
		errs = append(errs, fmt.Errorf("EMAIL_PROVIDER: unknown provider %q", c.emailProvider))
	}

	return errs
}

// needsTelegram reports whether any destination is a chat rather than email.
func needsTelegram(dests []string) bool {
	for _, d := range dests {
		if !strings.HasPrefix(d, email.Scheme) {
			return true
		}
	}
	return false
}

// needsEmail reports whether any destination is an email address.
func needsEmail(dests []string) bool {
	for _, d := range dests {
		if strings.HasPrefix(d, email.Scheme) {
			return true
		}
	}
	return false
}

// chatIDs strips the optional telegram: prefix so ids compare equal to
// sender ids.
func chatIDs(ids []string) []string {
	for i, id := range ids {
		ids[i] = telegram.ChatID(id)
	}
	return ids
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func durationInto(d *time.Duration) func(string) error {
	return func(s string) error {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = v
		return nil
	}
}

func intInto(n *int) func(string) error {
	return func(s string) error {
		v, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*n = v
		return nil
	}
}
