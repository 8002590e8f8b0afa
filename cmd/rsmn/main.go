package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/NullMeDev/rsmn/internal/api"
	"github.com/NullMeDev/rsmn/internal/commands"
	"github.com/NullMeDev/rsmn/internal/config"
	"github.com/NullMeDev/rsmn/internal/logging"
	"github.com/NullMeDev/rsmn/internal/news"
	"github.com/NullMeDev/rsmn/internal/opsnotify"
	"github.com/NullMeDev/rsmn/internal/outbound"
	"github.com/NullMeDev/rsmn/internal/portal"
	"github.com/NullMeDev/rsmn/internal/scheduler"
	"github.com/NullMeDev/rsmn/internal/store/memstore"
	"github.com/NullMeDev/rsmn/internal/store/mongostore"
	"github.com/NullMeDev/rsmn/internal/store/sqlitestore"
	"github.com/NullMeDev/rsmn/internal/subscriber"
	"github.com/NullMeDev/rsmn/internal/tracing"
	"github.com/NullMeDev/rsmn/internal/transform"
	"github.com/NullMeDev/rsmn/internal/whatsapp"
)

const devSendDelay = 10 * time.Second

// store is what every backend provides.
type store interface {
	news.Store
	subscriber.Registry
	Close() error
}

func main() {
	envFile := flag.String("env", ".env", "path to the .env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config:\n%v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(logging.Options{Level: logging.ParseLevel(cfg.LogLevel), File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("%v", err)
	}
	log.Info("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	log.Info("RSMN starting up with %d portals", len(cfg.Portals))
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	shutdownTracing, err := tracing.Setup(ctx, "rsmn", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Warning("Tracing shutdown: %v", err)
		}
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	log.Info("Store ready (%s)", cfg.StoreDriver)

	completer, err := newCompleter(ctx, cfg)
	if err != nil {
		return err
	}
	if c, ok := completer.(io.Closer); ok {
		defer c.Close()
	}

	notifier, err := newNotifier(cfg)
	if err != nil {
		return err
	}

	scraper := portal.NewScraper(portal.Options{
		UserAgent: cfg.UserAgent,
		Logger:    log.With("portal"),
	})

	var srv *api.Server
	processor := news.NewProcessor(news.Options{
		Portals:     cfg.Portals,
		Source:      scraper,
		Details:     scraper,
		Transformer: transform.NewService(completer, log.With("transform")),
		Store:       st,
		Logger:      log.With("news"),
		OnRefresh: func(e news.Entry) {
			if srv != nil {
				srv.NotifyRefresh(e)
			}
		},
		OnFallback: func(err error) {
			notifyCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := notifier.Notify(notifyCtx, fmt.Sprintf("Refresh failed, serving the previous entry: %v", err)); err != nil {
				log.Warning("Could not notify operators: %v", err)
			}
		},
	})

	wa, err := whatsapp.New(ctx, whatsapp.Options{SessionPath: cfg.WhatsAppSessionPath, Logger: log.With("whatsapp")})
	if err != nil {
		return err
	}
	defer wa.Close()

	queue := outbound.NewQueue(outbound.Options{
		Transport: wa,
		Limiter:   outbound.PerMinute(cfg.OutboundRatePerMinute),
		Logger:    log.With("outbound"),
	})
	wa.SetHandler(commands.NewDispatcher(commands.Options{
		Registry: st,
		News:     processor,
		Sender:   queue,
		Domain:   cfg.AppDomain,
		Logger:   log.With("commands"),
	}))

	srv = api.New(api.Options{
		News:        processor,
		Registry:    st,
		Sender:      queue,
		FrontendURL: cfg.FrontendURL,
		Logger:      log.With("api"),
	})

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	opts := scheduler.Options{
		News:        processor,
		Registry:    st,
		Sender:      queue,
		Notifier:    notifier,
		Logger:      log.With("scheduler"),
		Location:    loc,
		RefreshSpec: cfg.RefreshCron,
		PreSendSpec: cfg.PreSendCron,
		SendSpec:    cfg.SendCron,
		Domain:      cfg.AppDomain,
	}
	if cfg.DevSendOnStart {
		opts.DevSendDelay = devSendDelay
	}
	sched := scheduler.New(opts)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errc := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := wa.Run(ctx); err != nil {
			errc <- err
		}
	}()
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(ctx, fmt.Sprintf(":%d", cfg.Port)); err != nil {
			errc <- err
		}
	}()

	if err := sched.Start(ctx); err != nil {
		cancel()
		wg.Wait()
		return err
	}
	log.Info("Scheduler started (timezone %s)", loc)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down...")
	case runErr = <-errc:
	}
	cancel()
	sched.Stop()
	wg.Wait()
	return runErr
}

func openStore(ctx context.Context, cfg *config.Config) (store, error) {
	switch cfg.StoreDriver {
	case "mongo":
		return mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
	case "memory":
		return memstore.New(), nil
	default:
		return sqlitestore.Open(cfg.SQLitePath)
	}
}

func newCompleter(ctx context.Context, cfg *config.Config) (transform.Completer, error) {
	if cfg.AIProvider == "gemini" {
		return transform.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	}
	return transform.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL), nil
}

func newNotifier(cfg *config.Config) (opsnotify.Notifier, error) {
	if cfg.DiscordBotToken == "" {
		return opsnotify.Nop{}, nil
	}
	return opsnotify.NewDiscord(cfg.DiscordBotToken, cfg.DiscordOpsChannelID)
}
