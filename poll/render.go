package poll

import (
	"fmt"
	"html"
	"strings"

	"rns-notifier/pkg/notifier"
)

// Render formats a match as a chat notification.
func Render(match notifier.Match) notifier.Message {
	ann := match.Announcement

	var b strings.Builder
	if ann.Time != "" {
		fmt.Fprintf(&b, "🕒 <b>%s</b>\n", html.EscapeString(ann.Time))
	}
	fmt.Fprintf(&b, "📰 <b>#%s - %s</b>\n", html.EscapeString(match.Ticker), html.EscapeString(match.CleanCompany))
	b.WriteString(html.EscapeString(ann.Title))
	if ann.Link != "" {
		fmt.Fprintf(&b, "\n\n🔗 <a href=\"%s\">Read Full Release</a>", html.EscapeString(ann.Link))
	}

	return notifier.Message{
		Subject:     fmt.Sprintf("#%s - %s: %s", match.Ticker, match.CleanCompany, ann.Title),
		Body:        b.String(),
		Format:      notifier.FormatHTML,
		LinkPreview: true,
	}
}
