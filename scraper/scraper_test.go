package scraper

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
)

const todayPage = `<html><body>
<table class="table-investegate">
  <tr><th>Time</th><th>Source</th><th>Company</th><th>Announcement</th></tr>
  <tr>
    <td>07:00</td><td>RNS</td>
    <td><a href="/company/VOD">Vodafone Group
        (VOD)</a></td>
    <td><a href="/announcement/rns/vodafone--vod/trading-update/123">Trading Update</a></td>
  </tr>
  <tr>
    <td>07:05</td><td>RNS</td>
    <td>BP PLC (BP.)</td>
    <td><a href="https://example.com/abs/456">Final Results</a></td>
  </tr>
  <tr><td>07:10</td><td>RNS</td><td>No Link Co (NLC)</td><td>Withdrawn</td></tr>
  <tr><td colspan="4">Advertisement</td></tr>
</table>
<table><tr><td>1</td><td>2</td><td>3</td><td><a href="/x">other table</a></td></tr></table>
</body></html>`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestParseAnnouncements(t *testing.T) {
	anns, err := parseAnnouncements(strings.NewReader(todayPage), "https://www.investegate.co.uk/today-announcements/?perPage=300")
	if err != nil {
		t.Fatalf("parseAnnouncements() error = %v", err)
	}
	if len(anns) != 2 {
		t.Fatalf("got %d announcements, want 2", len(anns))
	}

	vod := anns[0]
	if vod.Time != "07:00" {
		t.Errorf("Time = %q, want 07:00", vod.Time)
	}
	if !strings.HasPrefix(vod.CompanyLabel, "Vodafone Group") || !strings.HasSuffix(vod.CompanyLabel, "(VOD)") {
		t.Errorf("CompanyLabel = %q", vod.CompanyLabel)
	}
	if vod.Title != "Trading Update" {
		t.Errorf("Title = %q, want Trading Update", vod.Title)
	}
	if want := "https://www.investegate.co.uk/announcement/rns/vodafone--vod/trading-update/123"; vod.Link != want {
		t.Errorf("Link = %q, want %q", vod.Link, want)
	}

	if anns[1].Link != "https://example.com/abs/456" {
		t.Errorf("absolute link rewritten: %q", anns[1].Link)
	}
}

func TestParseNoTable(t *testing.T) {
	anns, err := parseAnnouncements(strings.NewReader("<html><body><p>Maintenance</p></body></html>"), "https://example.com/")
	if err != nil {
		t.Fatalf("parseAnnouncements() error = %v", err)
	}
	if len(anns) != 0 {
		t.Errorf("got %d announcements, want 0", len(anns))
	}
}

func TestFetch(t *testing.T) {
	var gotPerPage string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPerPage = r.URL.Query().Get("perPage")
		_, _ = w.Write([]byte(todayPage))
	}))
	defer srv.Close()

	s := New(srv.Client(), srv.URL+"/today-announcements/", 300, testLogger())
	anns, err := s.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(anns) != 2 {
		t.Errorf("got %d announcements, want 2", len(anns))
	}
	if gotPerPage != "300" {
		t.Errorf("perPage = %q, want 300", gotPerPage)
	}
	if !strings.HasPrefix(anns[0].Link, srv.URL+"/announcement/") {
		t.Errorf("relative link not resolved against source: %q", anns[0].Link)
	}
}

func TestFetchClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := New(srv.Client(), srv.URL, 0, testLogger()).Fetch(context.Background())
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("Fetch() error = %v, want ErrUnreachable", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusForbidden {
		t.Errorf("Fetch() error = %v, want HTTP 403", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("source called %d times, want 1", n)
	}
}
