// Package match decides whether an announcement belongs to a watched ticker
// and derives the stable key used to notify it only once.
package match

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"

	"rns-notifier/pkg/notifier"
)

// keyDomain separates dedup digests from any other BLAKE3 use of the same bytes.
// Changing it invalidates every ledger written so far.
const keyDomain = "rns-notifier.dedup.v1"

// Options tunes the boundary rule.
type Options struct {
	// TrailingDot lets ticker "RR" match a label rendered as "(RR.)",
	// the LSE convention for some symbols.
	TrailingDot bool
}

// Matcher matches announcements against a watchlist.
type Matcher struct {
	opts Options
}

// New creates a matcher.
func New(opts Options) *Matcher {
	return &Matcher{opts: opts}
}

// group is one parenthesized token in a company label.
type group struct {
	token      string // Upper-cased, trimmed contents
	start, end int    // Byte offsets of "(" and just past ")"
}

// Match returns one result per watched ticker found in the announcement's
// company label. Labels without a parenthesized ticker never match.
func (m *Matcher) Match(ann *notifier.Announcement, tickers []string) []notifier.Match {
	if ann == nil {
		return nil
	}
	groups := parenGroups(ann.CompanyLabel)
	if len(groups) == 0 {
		return nil
	}

	var matches []notifier.Match
	for _, ticker := range tickers {
		ticker = strings.ToUpper(strings.TrimSpace(ticker))
		if ticker == "" {
			continue
		}
		g, ok := m.find(groups, ticker)
		if !ok {
			continue
		}
		matches = append(matches, notifier.Match{
			Announcement: ann,
			Ticker:       ticker,
			DedupKey:     DedupKey(ticker, ann.Title, ann.Time),
			CleanCompany: cleanLabel(ann.CompanyLabel, g),
		})
	}
	return matches
}

func (m *Matcher) find(groups []group, ticker string) (group, bool) {
	for _, g := range groups {
		if g.token == ticker {
			return g, true
		}
		if m.opts.TrailingDot && g.token == ticker+"." {
			return g, true
		}
	}
	return group{}, false
}

// parenGroups extracts the non-nested parenthesized tokens of a label.
func parenGroups(label string) []group {
	var groups []group
	open := -1
	for i := 0; i < len(label); i++ {
		switch label[i] {
		case '(':
			open = i
		case ')':
			if open < 0 {
				continue
			}
			token := strings.ToUpper(strings.TrimSpace(label[open+1 : i]))
			if token != "" {
				groups = append(groups, group{token: token, start: open, end: i + 1})
			}
			open = -1
		}
	}
	return groups
}

// cleanLabel removes the matched ticker group and collapses whitespace.
func cleanLabel(label string, g group) string {
	stripped := label[:g.start] + " " + label[g.end:]
	return strings.Join(strings.Fields(stripped), " ")
}

// DedupKey derives the ledger key for an announcement of ticker.
// Fields are length-prefixed so ("AB","C") and ("A","BC") never collide.
// The publication time is mixed in only when the source provided one.
func DedupKey(ticker, title, published string) string {
	buf := make([]byte, 0, len(keyDomain)+len(ticker)+len(title)+len(published)+3*binary.MaxVarintLen64)
	buf = append(buf, keyDomain...)
	for _, field := range []string{
		strings.ToUpper(strings.TrimSpace(ticker)),
		strings.TrimSpace(title),
		strings.TrimSpace(published),
	} {
		buf = binary.AppendUvarint(buf, uint64(len(field)))
		buf = append(buf, field...)
	}
	sum := blake3.Sum256(buf)
	return hex.EncodeToString(sum[:])
}
