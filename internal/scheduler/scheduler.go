// Package scheduler drives cache refreshes and the daily digest fan-out.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/NullMeDev/rsmn/internal/digest"
	"github.com/NullMeDev/rsmn/internal/logging"
	"github.com/NullMeDev/rsmn/internal/news"
	"github.com/NullMeDev/rsmn/internal/opsnotify"
	"github.com/NullMeDev/rsmn/internal/subscriber"
)

const (
	DefaultRefreshSpec = "*/30 * * * *"
	DefaultPreSendSpec = "55 5 * * *"
	DefaultSendSpec    = "0 6 * * *"

	DefaultPacing  = 3 * time.Second
	DefaultBackoff = 5 * time.Second
)

var tracer = otel.Tracer("github.com/NullMeDev/rsmn/internal/scheduler")

// News is the part of the refresh orchestrator the scheduler drives.
type News interface {
	Refresh(ctx context.Context) (*news.Entry, error)
	Current(ctx context.Context) (*news.Entry, error)
	NeedsRefresh(ctx context.Context) (bool, error)
}

// Sender is the outbound channel.
type Sender interface {
	Send(ctx context.Context, to, text string) error
	Connected() bool
}

// Options configures a Scheduler.
type Options struct {
	News     News
	Registry subscriber.Registry
	Sender   Sender
	Notifier opsnotify.Notifier
	Logger   *logging.Logger

	Location    *time.Location
	RefreshSpec string
	PreSendSpec string
	SendSpec    string
	Domain      string

	Pacing  time.Duration
	Backoff time.Duration
	// DevSendDelay, when positive, sends the digest once that long after the
	// startup check.
	DevSendDelay time.Duration
}

// Report summarises one daily send.
type Report struct {
	Skipped string
	Sent    []string
	Failed  []string
}

func (r Report) String() string {
	if r.Skipped != "" {
		return "Daily send skipped: " + r.Skipped
	}
	s := fmt.Sprintf("Daily send completed: %d sent, %d failed", len(r.Sent), len(r.Failed))
	if len(r.Failed) > 0 {
		s += " (" + strings.Join(r.Failed, ", ") + ")"
	}
	return s
}

// Scheduler runs the refresh and send jobs.
type Scheduler struct {
	news     News
	registry subscriber.Registry
	sender   Sender
	notifier opsnotify.Notifier
	log      *logging.Logger

	cron        *cron.Cron
	refreshSpec string
	preSendSpec string
	sendSpec    string
	domain      string

	pacing       time.Duration
	backoff      time.Duration
	devSendDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sleep  func(ctx context.Context, d time.Duration)
}

// New creates a new scheduler instance
func New(opts Options) *Scheduler {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	s := &Scheduler{
		news:         opts.News,
		registry:     opts.Registry,
		sender:       opts.Sender,
		notifier:     opts.Notifier,
		log:          opts.Logger,
		cron:         cron.New(cron.WithLocation(loc)),
		refreshSpec:  opts.RefreshSpec,
		preSendSpec:  opts.PreSendSpec,
		sendSpec:     opts.SendSpec,
		domain:       opts.Domain,
		pacing:       opts.Pacing,
		backoff:      opts.Backoff,
		devSendDelay: opts.DevSendDelay,
		sleep:        sleepCtx,
	}
	if s.notifier == nil {
		s.notifier = opsnotify.Nop{}
	}
	if s.log == nil {
		s.log = logging.Discard()
	}
	if s.refreshSpec == "" {
		s.refreshSpec = DefaultRefreshSpec
	}
	if s.preSendSpec == "" {
		s.preSendSpec = DefaultPreSendSpec
	}
	if s.sendSpec == "" {
		s.sendSpec = DefaultSendSpec
	}
	if s.pacing == 0 {
		s.pacing = DefaultPacing
	}
	if s.backoff == 0 {
		s.backoff = DefaultBackoff
	}
	return s
}

// Start registers the jobs, starts the cron runner and launches the startup
// check in the background. It returns once the timers are scheduled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	jobs := []struct {
		spec string
		name string
		fn   func()
	}{
		{s.refreshSpec, "Cache refresh", func() { s.refresh("Running scheduled cache refresh...") }},
		{s.preSendSpec, "Pre-daily refresh", func() { s.refresh("Pre-daily refresh...") }},
		{s.sendSpec, "Daily send", func() { s.SendDailyDigest(s.ctx) }},
	}
	for _, job := range jobs {
		if _, err := s.cron.AddFunc(job.spec, job.fn); err != nil {
			s.cancel()
			return fmt.Errorf("scheduling %s [%s]: %w", strings.ToLower(job.name), job.spec, err)
		}
		s.log.Info("%s scheduled: %s", job.name, job.spec)
	}
	s.cron.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.startup()
	}()
	return nil
}

// Stop halts the timers, cancels in-flight jobs and waits for them.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

func (s *Scheduler) startup() {
	stale, err := s.news.NeedsRefresh(s.ctx)
	switch {
	case err != nil:
		s.log.Error("Error checking cache age: %v", err)
		s.refresh("Refreshing after failed cache check...")
	case stale:
		s.refresh("Cache is old or missing, refreshing...")
	default:
		s.log.Info("Cache is recent, skipping initial refresh")
	}

	if s.devSendDelay > 0 {
		s.log.Info("DEV MODE: Will send to subscribers in %s...", s.devSendDelay)
		s.sleep(s.ctx, s.devSendDelay)
		if s.ctx.Err() != nil {
			return
		}
		s.log.Info("DEV MODE: Sending to subscribers now...")
		s.SendDailyDigest(s.ctx)
	}
}

func (s *Scheduler) refresh(msg string) {
	s.log.Info("%s", msg)
	if _, err := s.news.Refresh(s.ctx); err != nil {
		s.log.Error("Error in cache refresh job: %v", err)
		s.notify(fmt.Sprintf("Cache refresh failed: %v", err))
	}
}

// SendDailyDigest sends the digest to every subscribed recipient, one after
// another. A failed recipient is logged and skipped.
func (s *Scheduler) SendDailyDigest(ctx context.Context) Report {
	ctx, span := tracer.Start(ctx, "scheduler.SendDailyDigest")
	defer span.End()

	report := s.sendDailyDigest(ctx)
	span.SetAttributes(
		attribute.Int("sent", len(report.Sent)),
		attribute.Int("failed", len(report.Failed)),
	)
	s.log.Info("%s", report)
	if len(report.Sent) > 0 || len(report.Failed) > 0 || report.Skipped != "" {
		s.notify(report.String())
	}
	return report
}

func (s *Scheduler) sendDailyDigest(ctx context.Context) Report {
	if !s.sender.Connected() {
		s.log.Warning("WhatsApp not connected, skipping daily send")
		return Report{Skipped: "channel not connected"}
	}

	s.log.Info("Starting daily news summary job...")
	recipients, err := s.registry.Subscribed(ctx)
	if err != nil {
		s.log.Error("Error loading subscribers: %v", err)
		return Report{Skipped: "could not load subscribers"}
	}
	if len(recipients) == 0 {
		s.log.Info("No subscribers found")
		return Report{}
	}

	entry, err := s.news.Current(ctx)
	if err != nil {
		s.log.Error("Error getting news for daily send: %v", err)
		return Report{Skipped: "no news available"}
	}
	text := digest.Format(entry.Articles, s.domain)
	s.notify("Daily digest:\n" + text)

	s.log.Info("Sending to %d subscribers...", len(recipients))
	var report Report
	for i, r := range recipients {
		if ctx.Err() != nil {
			s.log.Warning("Daily send interrupted after %d/%d recipients", i, len(recipients))
			break
		}
		last := i == len(recipients)-1

		if err := s.sender.Send(ctx, r.Address(), text); err != nil {
			s.log.Error("Failed to send to %s: %v", r.Phone, err)
			report.Failed = append(report.Failed, r.Phone)
			if !last {
				s.sleep(ctx, s.backoff)
			}
			continue
		}

		s.log.Info("Sent to %s (%d/%d)", r.Phone, i+1, len(recipients))
		report.Sent = append(report.Sent, r.Phone)
		if !last {
			s.sleep(ctx, s.pacing)
		}
	}
	return report
}

func (s *Scheduler) notify(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.notifier.Notify(ctx, text); err != nil {
		s.log.Warning("Could not notify operators: %v", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
