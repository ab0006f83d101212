package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rns-notifier/command"
	"rns-notifier/dispatch"
	"rns-notifier/ledger"
	"rns-notifier/match"
	"rns-notifier/pkg/notifier"
	"rns-notifier/poll"
	"rns-notifier/watchlist"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// trace records the order in which invocation steps happen.
type trace []string

type fakeCommands struct {
	trace *trace
	err   error
}

func (f *fakeCommands) Run(context.Context) (command.Result, error) {
	*f.trace = append(*f.trace, "commands")
	return command.Result{}, f.err
}

type fakeSource struct {
	trace *trace
	anns  []*notifier.Announcement
}

func (f *fakeSource) Fetch(context.Context) ([]*notifier.Announcement, error) {
	*f.trace = append(*f.trace, "fetch")
	return f.anns, nil
}

type staticWatchlist []string

func (s staticWatchlist) Load(context.Context) watchlist.Snapshot {
	return watchlist.Snapshot{Entries: s}
}

type recordingOut struct {
	fail bool
	sent []notifier.Message
	to   [][]string
}

func (r *recordingOut) Broadcast(_ context.Context, msg notifier.Message, dests []string) []dispatch.DeliveryResult {
	results := make([]dispatch.DeliveryResult, len(dests))
	for i, d := range dests {
		results[i].Destination = d
		if r.fail {
			results[i].Err = errors.New("telegram: HTTP 502")
		}
	}
	if !r.fail {
		r.sent = append(r.sent, msg)
		r.to = append(r.to, dests)
	}
	return results
}

func newTestInvocation(tr *trace, ledgerPath string, out *recordingOut) *invocation {
	return &invocation{
		commands: &fakeCommands{trace: tr},
		backend:  ledger.NewFileBackend(ledgerPath),
		logger:   testLogger(),
		scan: poll.Config{
			Source: &fakeSource{trace: tr, anns: []*notifier.Announcement{{
				Time:         "07:00",
				CompanyLabel: "Vodafone Group (VOD)",
				Title:        "Trading Update",
				Link:         "https://example.com/vod",
			}}},
			Watchlist:    staticWatchlist{"VOD"},
			Matcher:      match.New(match.Options{TrailingDot: true}),
			Out:          out,
			Destinations: []string{"-1001"},
			Logger:       testLogger(),
		},
	}
}

func TestInvocationRunsCommandsBeforeScan(t *testing.T) {
	var tr trace
	out := &recordingOut{}
	inv := newTestInvocation(&tr, filepath.Join(t.TempDir(), "rns_ledger.txt"), out)

	if err := inv.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := strings.Join(tr, ","); got != "commands,fetch" {
		t.Errorf("order = %s, want commands,fetch", got)
	}
	if len(out.sent) != 1 {
		t.Errorf("sent %d notifications, want 1", len(out.sent))
	}
}

func TestInvocationContinuesAfterCommandFailure(t *testing.T) {
	var tr trace
	out := &recordingOut{}
	inv := newTestInvocation(&tr, filepath.Join(t.TempDir(), "rns_ledger.txt"), out)
	inv.commands = &fakeCommands{trace: &tr, err: errors.New("getUpdates: HTTP 502")}

	if err := inv.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(out.sent) != 1 {
		t.Errorf("scan skipped after command failure")
	}
}

func TestInvocationWithoutCommands(t *testing.T) {
	var tr trace
	inv := newTestInvocation(&tr, filepath.Join(t.TempDir(), "rns_ledger.txt"), &recordingOut{})
	inv.commands = nil

	if err := inv.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := strings.Join(tr, ","); got != "fetch" {
		t.Errorf("order = %s, want fetch", got)
	}
}

func TestInvocationLedgerUnreadable(t *testing.T) {
	var tr trace
	out := &recordingOut{}
	// A directory cannot be read as a ledger file.
	inv := newTestInvocation(&tr, t.TempDir(), out)

	if err := inv.Run(context.Background()); err == nil {
		t.Fatal("Run() succeeded with an unreadable ledger")
	}
	if len(out.sent) != 0 {
		t.Error("notified without a ledger")
	}
}

func TestInvocationIsStatelessAcrossRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rns_ledger.txt")
	out := &recordingOut{}

	for i := range 3 {
		var tr trace
		if err := newTestInvocation(&tr, path, out).Run(context.Background()); err != nil {
			t.Fatalf("run %d: Run() error = %v", i, err)
		}
	}
	if len(out.sent) != 1 {
		t.Errorf("sent %d notifications over 3 runs, want 1", len(out.sent))
	}
}

func TestInvocationCompactsLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rns_ledger.txt")
	stale := "stale-key\t" + time.Now().Add(-48*time.Hour).UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(path, []byte("legacy-key\n"+stale), 0o600); err != nil {
		t.Fatal(err)
	}

	var tr trace
	inv := newTestInvocation(&tr, path, &recordingOut{})
	inv.retention = 24 * time.Hour
	if err := inv.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	got := string(data)
	if strings.Contains(got, "stale-key") {
		t.Error("stale entry survived compaction")
	}
	if !strings.Contains(got, "legacy-key") {
		t.Error("untimestamped entry was dropped")
	}
	if strings.Count(got, "\n") != 2 {
		t.Errorf("ledger = %q, want legacy key and today's match", got)
	}
}

func TestHealthPing(t *testing.T) {
	out := &recordingOut{}
	if err := healthPing(context.Background(), out, []string{"-1001", "mailto:ops@example.com"}, "RNS Monitor"); err != nil {
		t.Fatalf("healthPing() error = %v", err)
	}
	if len(out.sent) != 1 || len(out.to[0]) != 2 {
		t.Fatalf("sent = %v to %v", out.sent, out.to)
	}
	if !strings.Contains(out.sent[0].Body, "RNS Monitor is active and scanning") {
		t.Errorf("Body = %q", out.sent[0].Body)
	}

	if err := healthPing(context.Background(), &recordingOut{fail: true}, []string{"-1001"}, "RNS Monitor"); err == nil {
		t.Error("healthPing() succeeded with no delivery")
	}
}
