// Package scraper fetches and parses the day's regulatory announcement list.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"

	"rns-notifier/pkg/notifier"
)

// DefaultURL is the Investegate list of today's announcements.
const DefaultURL = "https://www.investegate.co.uk/today-announcements/"

// ErrUnreachable is returned when the source could not be fetched.
var ErrUnreachable = errors.New("scraper: announcement source unreachable")

// HTTPError is a non-200 response from the source.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// isClientError reports whether err is a 4xx response, which retrying won't fix.
func isClientError(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 &&
		httpErr.StatusCode != http.StatusTooManyRequests
}

// Scraper fetches announcement lists.
type Scraper struct {
	client  *http.Client
	logger  *slog.Logger
	url     string
	perPage int
}

// New creates a scraper for pageURL. perPage sets the page size query
// parameter when positive, so that the whole morning fits in one request.
func New(client *http.Client, pageURL string, perPage int, logger *slog.Logger) *Scraper {
	if pageURL == "" {
		pageURL = DefaultURL
	}
	return &Scraper{
		client:  client,
		url:     pageURL,
		perPage: perPage,
		logger:  logger,
	}
}

func (s *Scraper) pageURL() (string, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return "", fmt.Errorf("parse source URL: %w", err)
	}
	if s.perPage > 0 {
		q := u.Query()
		q.Set("perPage", strconv.Itoa(s.perPage))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Fetch returns today's announcements in page order. A page without an
// announcements table yields no announcements and no error.
func (s *Scraper) Fetch(ctx context.Context) ([]*notifier.Announcement, error) {
	pageURL, err := s.pageURL()
	if err != nil {
		return nil, err
	}

	var anns []*notifier.Announcement
	var lastHTTPErr *HTTPError
	err = retry.Do(
		func() error {
			s.logger.Info("HTTP request starting",
				"method", "GET",
				"url", pageURL,
				"purpose", "fetch_announcements")

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
			req.Header.Set("Accept-Language", "en-GB,en;q=0.9")

			startTime := time.Now()
			resp, err := s.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				s.logger.Warn("HTTP request failed",
					"url", pageURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			s.logger.Info("HTTP request completed",
				"url", pageURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds(),
				"content_length", resp.ContentLength)

			if resp.StatusCode != http.StatusOK {
				lastHTTPErr = &HTTPError{URL: pageURL, StatusCode: resp.StatusCode}
				return lastHTTPErr
			}

			anns, err = parseAnnouncements(resp.Body, pageURL)
			if err != nil {
				s.logger.Error("Failed to parse HTML", "error", err)
				return retry.Unrecoverable(err)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying fetch after error", "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !isClientError(err)
		}),
	)
	if err != nil {
		if lastHTTPErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnreachable, lastHTTPErr)
		}
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	s.logger.Info("Announcements parsed", "url", pageURL, "rows", len(anns))
	return anns, nil
}

// parseAnnouncements reads the first table on the page. Columns are
// 0: time, 1: type, 2: company, 3: headline link. Rows with fewer cells or
// no headline link are skipped.
func parseAnnouncements(body io.Reader, pageURL string) ([]*notifier.Announcement, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page URL: %w", err)
	}

	table := doc.Find("table").First()
	if table.Length() == 0 {
		return nil, nil
	}

	var anns []*notifier.Announcement
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cols := row.Find("td")
		if cols.Length() < 4 {
			return
		}

		link := cols.Eq(3).Find("a[href]").First()
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}

		anns = append(anns, &notifier.Announcement{
			Time:         strings.TrimSpace(cols.Eq(0).Text()),
			CompanyLabel: strings.TrimSpace(cols.Eq(2).Text()),
			Title:        strings.TrimSpace(link.Text()),
			Link:         base.ResolveReference(ref).String(),
		})
	})
	return anns, nil
}
