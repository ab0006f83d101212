// Package notifier contains the core domain types for the RNS watchlist notifier.
package notifier

import "time"

// Announcement is a single regulatory news row as rendered by the source.
// It carries no stable identifier; identity is derived by the matcher.
type Announcement struct {
	Time         string // Display-formatted publication time, source specific
	CompanyLabel string // Raw company field, e.g. "Vodafone Group (VOD)"
	Title        string
	Link         string // Absolute URL to the full release
}

// Match is an announcement that belongs to a watched ticker.
type Match struct {
	Announcement *Announcement
	Ticker       string
	DedupKey     string
	CleanCompany string // Company label without the ticker suffix, for display
}

// Command is an inbound chat message addressed to the bot.
type Command struct {
	ArrivedAt  time.Time
	SenderID   string
	SenderName string
	Text       string
	ID         int64 // Monotonic inbox identifier used for acknowledgement
}

// Format selects how a delivery channel interprets a message body.
type Format string

const (
	FormatPlain Format = "plain"
	FormatHTML  Format = "html"
)

// Message is a rendered notification ready for delivery.
type Message struct {
	Subject     string // Used by channels with a subject line (email)
	Body        string
	Format      Format
	LinkPreview bool
}
