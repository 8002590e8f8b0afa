package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NullMeDev/rsmn/internal/news"
	"github.com/NullMeDev/rsmn/internal/store/memstore"
	"github.com/NullMeDev/rsmn/internal/subscriber"
	"github.com/NullMeDev/rsmn/internal/testutil"
)

type fakeNews struct {
	entry     *news.Entry
	err       error
	stale     bool
	refreshes atomic.Int32
}

func (f *fakeNews) Refresh(context.Context) (*news.Entry, error) {
	f.refreshes.Add(1)
	return f.entry, f.err
}

func (f *fakeNews) Current(context.Context) (*news.Entry, error) { return f.entry, f.err }

func (f *fakeNews) NeedsRefresh(context.Context) (bool, error) { return f.stale, nil }

type fakeSender struct {
	mu           sync.Mutex
	disconnected bool
	fail         map[string]bool
	sent         []string
}

func (f *fakeSender) Send(_ context.Context, to, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to)
	if f.fail[to] {
		return errors.New("not delivered")
	}
	return nil
}

func (f *fakeSender) Connected() bool { return !f.disconnected }

func (f *fakeSender) destinations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeNotifier) Notify(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func sampleEntry() *news.Entry {
	return &news.Entry{ID: "e1", Articles: []news.Article{
		{Category: news.Principales, Title: "Paro general", Description: "Sin transporte."},
	}}
}

type fixture struct {
	sched    *Scheduler
	news     *fakeNews
	sender   *fakeSender
	notifier *fakeNotifier
	store    *memstore.Store
	sleeps   []time.Duration
}

func newFixture(t *testing.T, phones ...string) *fixture {
	t.Helper()
	f := &fixture{
		news:     &fakeNews{entry: sampleEntry()},
		sender:   &fakeSender{fail: map[string]bool{}},
		notifier: &fakeNotifier{},
		store:    memstore.New(),
	}
	for _, p := range phones {
		_, err := f.store.Upsert(context.Background(), subscriber.UpsertParams{Phone: p})
		testutil.AssertNoError(t, err)
	}
	// The cron specs never fire while a test runs.
	f.sched = New(Options{
		News:        f.news,
		Registry:    f.store,
		Sender:      f.sender,
		Notifier:    f.notifier,
		Domain:      "rsm.ar",
		RefreshSpec: "0 0 29 2 *",
		PreSendSpec: "0 0 29 2 *",
		SendSpec:    "0 0 29 2 *",
		Pacing:      3 * time.Second,
		Backoff:     5 * time.Second,
	})
	f.sched.sleep = func(_ context.Context, d time.Duration) { f.sleeps = append(f.sleeps, d) }
	return f
}

func TestSendDailyDigestContinuesAfterFailure(t *testing.T) {
	f := newFixture(t, "111", "222", "333")
	f.sender.fail["222@s.whatsapp.net"] = true

	report := f.sched.SendDailyDigest(context.Background())

	testutil.AssertEqual(t, report, Report{Sent: []string{"111", "333"}, Failed: []string{"222"}})
	testutil.AssertEqual(t, f.sender.destinations(), []string{
		"111@s.whatsapp.net", "222@s.whatsapp.net", "333@s.whatsapp.net",
	})
	testutil.AssertEqual(t, f.sleeps, []time.Duration{3 * time.Second, 5 * time.Second})
	testutil.AssertEqual(t, report.String(), "Daily send completed: 2 sent, 1 failed (222)")
}

func TestSendDailyDigestNoWaitAfterLastRecipient(t *testing.T) {
	f := newFixture(t, "111")
	f.sched.SendDailyDigest(context.Background())
	testutil.AssertEqual(t, len(f.sleeps), 0)

	f = newFixture(t, "111", "222")
	f.sender.fail["222@s.whatsapp.net"] = true
	f.sched.SendDailyDigest(context.Background())
	testutil.AssertEqual(t, f.sleeps, []time.Duration{3 * time.Second})
}

func TestSendDailyDigestPrefersLID(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Upsert(context.Background(), subscriber.UpsertParams{Phone: "5491122334455", LID: "777"})
	testutil.AssertNoError(t, err)

	report := f.sched.SendDailyDigest(context.Background())
	testutil.AssertEqual(t, report.Sent, []string{"5491122334455"})
	testutil.AssertEqual(t, f.sender.destinations(), []string{"777@lid"})
}

func TestSendDailyDigestSkips(t *testing.T) {
	t.Run("disconnected", func(t *testing.T) {
		f := newFixture(t, "111")
		f.sender.disconnected = true
		report := f.sched.SendDailyDigest(context.Background())
		testutil.AssertEqual(t, report.Skipped, "channel not connected")
		testutil.AssertEqual(t, len(f.sender.destinations()), 0)
		testutil.AssertEqual(t, f.notifier.texts, []string{"Daily send skipped: channel not connected"})
	})

	t.Run("no subscribers", func(t *testing.T) {
		f := newFixture(t)
		report := f.sched.SendDailyDigest(context.Background())
		testutil.AssertEqual(t, report, Report{})
		testutil.AssertEqual(t, len(f.notifier.texts), 0)
	})

	t.Run("paused subscribers", func(t *testing.T) {
		f := newFixture(t, "111")
		testutil.AssertNoError(t, f.store.SetSubscribed(context.Background(), "111", false))
		f.sched.SendDailyDigest(context.Background())
		testutil.AssertEqual(t, len(f.sender.destinations()), 0)
	})

	t.Run("no news", func(t *testing.T) {
		f := newFixture(t, "111")
		f.news.entry, f.news.err = nil, news.ErrNoCache
		report := f.sched.SendDailyDigest(context.Background())
		testutil.AssertEqual(t, report.Skipped, "no news available")
		testutil.AssertEqual(t, len(f.sender.destinations()), 0)
	})
}

func TestSendDailyDigestNotifiesOperators(t *testing.T) {
	f := newFixture(t, "111")
	f.sched.SendDailyDigest(context.Background())

	testutil.AssertEqual(t, len(f.notifier.texts), 2)
	if !strings.HasPrefix(f.notifier.texts[0], "Daily digest:\n") || !strings.Contains(f.notifier.texts[0], "PARO GENERAL") {
		t.Errorf("unexpected digest notification: %q", f.notifier.texts[0])
	}
	testutil.AssertEqual(t, f.notifier.texts[1], "Daily send completed: 1 sent, 0 failed")
}

func TestSendDailyDigestStopsWhenCancelled(t *testing.T) {
	f := newFixture(t, "111", "222")
	ctx, cancel := context.WithCancel(context.Background())
	f.sched.sleep = func(context.Context, time.Duration) { cancel() }

	report := f.sched.SendDailyDigest(ctx)
	testutil.AssertEqual(t, report.Sent, []string{"111"})
	testutil.AssertEqual(t, f.sender.destinations(), []string{"111@s.whatsapp.net"})
}

func TestStartupRefresh(t *testing.T) {
	cases := map[string]struct {
		stale bool
		want  int32
	}{
		"stale cache": {stale: true, want: 1},
		"fresh cache": {stale: false, want: 0},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.news.stale = tc.stale
			testutil.AssertNoError(t, f.sched.Start(context.Background()))
			f.sched.Stop()
			testutil.AssertEqual(t, f.news.refreshes.Load(), tc.want)
		})
	}
}

func TestStartupRefreshFailureNotifies(t *testing.T) {
	f := newFixture(t)
	f.news.stale = true
	f.news.err = errors.New("all portals down")

	testutil.AssertNoError(t, f.sched.Start(context.Background()))
	f.sched.Stop()
	testutil.AssertEqual(t, f.notifier.texts, []string{"Cache refresh failed: all portals down"})
}

func TestDevSend(t *testing.T) {
	f := newFixture(t, "111")
	f.sched.devSendDelay = time.Millisecond

	testutil.AssertNoError(t, f.sched.Start(context.Background()))
	deadline := time.Now().Add(2 * time.Second)
	for len(f.sender.destinations()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	f.sched.Stop()
	testutil.AssertEqual(t, f.sender.destinations(), []string{"111@s.whatsapp.net"})
	testutil.AssertEqual(t, f.sleeps, []time.Duration{time.Millisecond})
}

func TestStartRejectsInvalidSpec(t *testing.T) {
	f := newFixture(t)
	f.sched.sendSpec = "every morning"
	err := f.sched.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "scheduling daily send [every morning]") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReportString(t *testing.T) {
	testutil.AssertEqual(t, Report{Skipped: "no news available"}.String(), "Daily send skipped: no news available")
	testutil.AssertEqual(t, Report{Sent: []string{"1"}}.String(), "Daily send completed: 1 sent, 0 failed")
}
