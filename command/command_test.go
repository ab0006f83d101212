package command

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"slices"
	"strings"
	"testing"

	"rns-notifier/dispatch"
	"rns-notifier/pkg/notifier"
	"rns-notifier/storage"
	"rns-notifier/watchlist"
)

type fakeInbox struct {
	cmds       []notifier.Command
	advancedTo int64
	advanceErr error
	pollErr    error
}

func (f *fakeInbox) Poll(context.Context, int, int64) ([]notifier.Command, error) {
	return f.cmds, f.pollErr
}

func (f *fakeInbox) Advance(_ context.Context, offset int64) error {
	f.advancedTo = offset
	return f.advanceErr
}

type sent struct {
	body  string
	dests []string
}

type fakeOut struct {
	sent []sent
}

func (f *fakeOut) Broadcast(_ context.Context, msg notifier.Message, dests []string) []dispatch.DeliveryResult {
	f.sent = append(f.sent, sent{body: msg.Body, dests: dests})
	results := make([]dispatch.DeliveryResult, len(dests))
	for i, d := range dests {
		results[i] = dispatch.DeliveryResult{Destination: d}
	}
	return results
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	inbox *fakeInbox
	out   *fakeOut
	store *storage.Local
	proc  *Processor
}

func newFixture(t *testing.T, cmds ...notifier.Command) *fixture {
	t.Helper()
	store, err := storage.NewLocal(t.TempDir(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{inbox: &fakeInbox{cmds: cmds}, out: &fakeOut{}, store: store}
	f.proc = New(Config{
		Inbox:     f.inbox,
		Watchlist: watchlist.New(store, "tickers.txt", "", testLogger()),
		Out:       f.out,
		Allowed:   []string{"111", "222"},
		Logger:    testLogger(),
	})
	return f
}

func (f *fixture) stored(t *testing.T) string {
	t.Helper()
	data, _, err := f.store.Read(context.Background(), "tickers.txt")
	if err != nil && !storage.IsNotFound(err) {
		t.Fatal(err)
	}
	return string(data)
}

func TestAddDeduplicatesBatch(t *testing.T) {
	f := newFixture(t, notifier.Command{ID: 5, SenderID: "111", SenderName: "Ann", Text: "/add VOD, BP, VOD"})

	res, err := f.proc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Applied != 1 {
		t.Errorf("Applied = %d, want 1", res.Applied)
	}
	if got := f.stored(t); got != "VOD\nBP\n" {
		t.Errorf("watchlist = %q, want VOD and BP once", got)
	}
	if len(f.out.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(f.out.sent))
	}
	msg := f.out.sent[0]
	if !strings.Contains(msg.body, "<b>VOD, BP</b>") {
		t.Errorf("confirmation = %q, want it to name VOD, BP", msg.body)
	}
	if !slices.Equal(msg.dests, []string{"111", "222"}) {
		t.Errorf("confirmation sent to %v, want every allowed sender", msg.dests)
	}
	if f.inbox.advancedTo != 6 {
		t.Errorf("advanced to %d, want 6", f.inbox.advancedTo)
	}
}

func TestUnauthorizedSenderIsDropped(t *testing.T) {
	f := newFixture(t, notifier.Command{ID: 9, SenderID: "999", SenderName: "Mallory", Text: "/add EVIL"})

	res, err := f.proc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", res.Rejected)
	}
	if got := f.stored(t); got != "" {
		t.Errorf("unauthorized command mutated watchlist: %q", got)
	}
	if len(f.out.sent) != 0 {
		t.Errorf("unauthorized command got %d replies", len(f.out.sent))
	}
	if f.inbox.advancedTo != 10 {
		t.Errorf("unauthorized command not acknowledged: advanced to %d", f.inbox.advancedTo)
	}
}

func TestRemoveAndList(t *testing.T) {
	f := newFixture(t,
		notifier.Command{ID: 1, SenderID: "111", SenderName: "Ann", Text: "/add@RNSBot lloy,vod"},
		notifier.Command{ID: 2, SenderID: "222", SenderName: "Bob", Text: "/REMOVE vod"},
		notifier.Command{ID: 3, SenderID: "222", SenderName: "Bob", Text: "/remove XYZ"},
		notifier.Command{ID: 4, SenderID: "111", SenderName: "Ann", Text: "/list"},
		notifier.Command{ID: 5, SenderID: "111", SenderName: "Ann", Text: "good morning"},
		notifier.Command{ID: 6},
	)

	res, err := f.proc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Applied != 4 || res.Ignored != 2 {
		t.Errorf("Result = %+v, want 4 applied and 2 ignored", res)
	}
	if got := f.stored(t); got != "LLOY\n" {
		t.Errorf("watchlist = %q, want LLOY", got)
	}

	if len(f.out.sent) != 4 {
		t.Fatalf("sent %d messages, want 4", len(f.out.sent))
	}
	if !strings.Contains(f.out.sent[1].body, "removed: <b>VOD</b>") {
		t.Errorf("remove confirmation = %q", f.out.sent[1].body)
	}
	if !strings.Contains(f.out.sent[2].body, "<b>XYZ</b> (not found)") {
		t.Errorf("not-found confirmation = %q", f.out.sent[2].body)
	}
	if !strings.Contains(f.out.sent[3].body, "• LLOY") {
		t.Errorf("list = %q", f.out.sent[3].body)
	}
	if f.inbox.advancedTo != 7 {
		t.Errorf("advanced to %d, want 7", f.inbox.advancedTo)
	}
}

func TestAddNothingNew(t *testing.T) {
	f := newFixture(t,
		notifier.Command{ID: 1, SenderID: "111", SenderName: "Ann", Text: "/add VOD"},
		notifier.Command{ID: 2, SenderID: "111", SenderName: "Ann", Text: "/add vod"},
	)
	if _, err := f.proc.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(f.out.sent[1].body, "already in list") {
		t.Errorf("second add reply = %q", f.out.sent[1].body)
	}
}

type downWatchlist struct{}

func (downWatchlist) Load(context.Context) watchlist.Snapshot { return watchlist.Snapshot{} }
func (downWatchlist) Add(context.Context, []string) (watchlist.AddResult, error) {
	return watchlist.AddResult{}, watchlist.ErrUnavailable
}
func (downWatchlist) Remove(context.Context, string) (bool, error) {
	return false, storage.ErrConflict
}

func TestErrorsGoToSenderOnly(t *testing.T) {
	inbox := &fakeInbox{
		cmds: []notifier.Command{
			{ID: 1, SenderID: "222", SenderName: "Bob", Text: "/add VOD"},
			{ID: 2, SenderID: "222", SenderName: "Bob", Text: "/remove VOD"},
		},
		advanceErr: errors.New("network down"),
	}
	out := &fakeOut{}
	p := New(Config{Inbox: inbox, Watchlist: downWatchlist{}, Out: out, Allowed: []string{"111", "222"}, Logger: testLogger()})

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v, acknowledgement failure must not fail the run", err)
	}
	if len(out.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(out.sent))
	}
	for _, s := range out.sent {
		if !slices.Equal(s.dests, []string{"222"}) {
			t.Errorf("error reply sent to %v, want only the sender", s.dests)
		}
	}
	if !strings.Contains(out.sent[0].body, "unavailable") || !strings.Contains(out.sent[1].body, "retry") {
		t.Errorf("unexpected error replies: %q / %q", out.sent[0].body, out.sent[1].body)
	}
}

func TestPollFailure(t *testing.T) {
	inbox := &fakeInbox{pollErr: errors.New("timeout")}
	p := New(Config{Inbox: inbox, Watchlist: downWatchlist{}, Out: &fakeOut{}, Logger: testLogger()})
	if _, err := p.Run(context.Background()); err == nil {
		t.Error("Run() should fail when commands cannot be fetched")
	}
	if inbox.advancedTo != 0 {
		t.Error("nothing fetched, nothing should be acknowledged")
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		text, keyword, args string
	}{
		{"/add VOD, BP", "/add", "VOD, BP"},
		{"/ADD@RNSBot  vod ", "/add", "vod"},
		{"/list", "/list", ""},
		{"/list@RNSBot", "/list", ""},
		{"hello /add", "", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			keyword, args := Parse(tt.text)
			if keyword != tt.keyword || args != tt.args {
				t.Errorf("Parse(%q) = %q, %q; want %q, %q", tt.text, keyword, args, tt.keyword, tt.args)
			}
		})
	}
}

func TestSplitTickers(t *testing.T) {
	got := SplitTickers(" vod, BP ,,VOD, bt.a")
	if !slices.Equal(got, []string{"VOD", "BP", "BT.A"}) {
		t.Errorf("SplitTickers() = %v", got)
	}
}
