// Package dispatch fans a message out to a list of destinations.
//
// Each destination is attempted independently: a failure is recorded in the
// result for that destination and never stops the others. Consecutive sends
// are spaced by a minimum interval to stay under channel rate limits.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"rns-notifier/pkg/notifier"
)

// TruncationMarker ends a body that was cut to fit a channel.
const TruncationMarker = "\n…[truncated]"

// Channel delivers messages to destinations of one kind.
type Channel interface {
	Send(ctx context.Context, dest string, msg notifier.Message) error
	// MaxLength is the longest body the channel accepts, or 0 for no limit.
	MaxLength() int
}

// Measurer is implemented by channels whose length limit is not counted in
// runes.
type Measurer interface {
	// Measure returns the length of s in the units MaxLength is given in.
	Measure(s string) int
}

// DeliveryResult is the outcome for one destination.
type DeliveryResult struct {
	Err         error
	Destination string
}

// Delivered counts successful results.
func Delivered(results []DeliveryResult) int {
	n := 0
	for _, r := range results {
		if r.Err == nil {
			n++
		}
	}
	return n
}

// Config holds dispatcher configuration.
type Config struct {
	// Routes maps a destination prefix such as "mailto:" to its channel.
	Routes map[string]Channel

	// Default handles destinations matching no route.
	Default Channel

	// Interval is the minimum delay between consecutive sends.
	Interval time.Duration

	Logger *slog.Logger
}

// Dispatcher broadcasts messages.
type Dispatcher struct {
	routes   map[string]Channel
	fallback Channel
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	limit := rate.Inf
	if cfg.Interval > 0 {
		limit = rate.Every(cfg.Interval)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		routes:   cfg.Routes,
		fallback: cfg.Default,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
	}
}

func (d *Dispatcher) route(dest string) (Channel, error) {
	for prefix, ch := range d.routes {
		if strings.HasPrefix(dest, prefix) {
			return ch, nil
		}
	}
	if d.fallback == nil {
		return nil, fmt.Errorf("no channel for destination %q", dest)
	}
	return d.fallback, nil
}

// Broadcast sends msg to every destination and returns one result per
// destination, in order.
func (d *Dispatcher) Broadcast(ctx context.Context, msg notifier.Message, dests []string) []DeliveryResult {
	results := make([]DeliveryResult, 0, len(dests))
	for _, dest := range dests {
		dest = strings.TrimSpace(dest)
		res := DeliveryResult{Destination: dest}

		ch, err := d.route(dest)
		if err != nil {
			res.Err = err
			results = append(results, res)
			d.logger.Warn("Delivery skipped", "destination", dest, "error", err)
			continue
		}

		if err := d.limiter.Wait(ctx); err != nil {
			res.Err = fmt.Errorf("wait for send slot: %w", err)
			results = append(results, res)
			continue
		}

		startTime := time.Now()
		res.Err = ch.Send(ctx, dest, Fit(msg, ch.MaxLength(), measureFor(ch)))
		results = append(results, res)

		if res.Err != nil {
			d.logger.Warn("Delivery failed",
				"destination", dest,
				"duration_ms", time.Since(startTime).Milliseconds(),
				"error", res.Err)
			continue
		}
		d.logger.Info("Delivery succeeded",
			"destination", dest,
			"duration_ms", time.Since(startTime).Milliseconds())
	}
	return results
}

// Errors joins the failures in results, or returns nil.
func Errors(results []DeliveryResult) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Destination, r.Err))
		}
	}
	return errors.Join(errs...)
}

func measureFor(ch Channel) func(string) int {
	if m, ok := ch.(Measurer); ok {
		return m.Measure
	}
	return utf8.RuneCountInString
}

// Fit returns msg with its body cut to max units of measure, ending in
// TruncationMarker. HTML bodies are flattened to plain text before cutting
// so that no tag is split. max <= 0 means no limit; a nil measure counts
// runes.
func Fit(msg notifier.Message, max int, measure func(string) int) notifier.Message {
	if measure == nil {
		measure = utf8.RuneCountInString
	}
	if max <= 0 || measure(msg.Body) <= max {
		return msg
	}

	if msg.Format == notifier.FormatHTML {
		msg.Body = Flatten(msg.Body)
		msg.Format = notifier.FormatPlain
		if measure(msg.Body) <= max {
			return msg
		}
	}

	keep := max - measure(TruncationMarker)
	if keep < 0 {
		msg.Body = cut(TruncationMarker, max, measure)
		return msg
	}
	msg.Body = strings.TrimRight(cut(msg.Body, keep, measure), " \n") + TruncationMarker
	return msg
}

// cut returns the longest prefix of s whose measure is at most budget.
func cut(s string, budget int, measure func(string) int) string {
	used := 0
	for i, r := range s {
		used += measure(string(r))
		if used > budget {
			return s[:i]
		}
	}
	return s
}

// Flatten converts a chat HTML body to plain text. Links keep their target
// in parentheses.
func Flatten(body string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<body>" + body + "</body>"))
	if err != nil {
		return body
	}
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		a.SetText(a.Text() + " (" + href + ")")
	})
	return doc.Find("body").Text()
}
