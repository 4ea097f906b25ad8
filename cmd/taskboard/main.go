package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"taskboard/internal/api"
	"taskboard/internal/channel/inapp"
	"taskboard/internal/channel/whatsapp"
	"taskboard/internal/config"
	"taskboard/internal/domain"
	"taskboard/internal/metrics"
	"taskboard/internal/monitor"
	"taskboard/internal/notify"
	"taskboard/internal/policy"
	"taskboard/internal/queue"
	"taskboard/internal/recurrence"
	"taskboard/internal/scheduler"
	"taskboard/internal/store"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "path to a YAML config file")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		debug   = flag.Bool("debug", false, "expose pprof handlers")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	setupLogging(cfg.Server)

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	if err := store.EnsureSchema(context.Background(), db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	st := store.New(db)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var signaler inapp.Signaler = inapp.Nop{}
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("parse redis url")
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		signaler = inapp.NewRedisSignaler(rdb)
	}

	wa := whatsapp.New(whatsapp.Config{
		Enabled:       cfg.WhatsApp.Enabled,
		BaseURL:       cfg.WhatsApp.BaseURL,
		PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
		Token:         cfg.WhatsApp.Token,
		RatePerSecond: cfg.WhatsApp.RatePerSecond,
		Timeout:       cfg.WhatsApp.Timeout,
	})
	var sender notify.Sender
	if wa.Configured() {
		sender = wa
	} else {
		log.Info().Msg("whatsapp channel disabled")
	}

	retry := queue.NewRetryQueue(queue.NewRepository(db), wa, queue.Config{
		BatchSize:   cfg.Queue.BatchSize,
		MaxAttempts: cfg.Queue.MaxAttempts,
	}, m)
	dispatcher := notify.New(st, signaler, sender, retry, templates(cfg.WhatsApp.Templates), m)
	policies := policy.NewStore(st)
	loc := cfg.Location()

	digestCron, err := scheduler.ParseCron(cfg.Monitors.DigestCron)
	if err != nil {
		log.Fatal().Err(err).Msg("digest schedule")
	}

	sched := scheduler.NewService(m)
	jobs := []scheduler.Job{
		{Name: "sla", Schedule: scheduler.Dynamic(policies.ScanInterval), Run: monitor.NewSLA(st, policies, dispatcher).Run},
		{Name: "outbound", Schedule: scheduler.Every(cfg.Queue.PollInterval), Run: func(ctx context.Context) error {
			if !wa.Configured() {
				return nil
			}
			_, err := retry.DrainOnce(ctx)
			return err
		}},
		{Name: "review", Schedule: scheduler.Every(cfg.Monitors.ReviewInterval), Run: monitor.NewReview(st, dispatcher, cfg.Monitors.ReviewAfter, loc).Run},
		{Name: "digest", Schedule: scheduler.InLocation(digestCron, loc), Run: monitor.NewDigest(st, dispatcher, loc).Run},
	}
	for _, j := range jobs {
		if err := sched.Register(j); err != nil {
			log.Fatal().Err(err).Msg("register job")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.NewServer(api.Deps{
			Users:    st,
			Policy:   policies,
			Outbound: retry,
			Notifier: dispatcher,
			Jobs:     sched,
			Calendar: recurrence.NewCalendar(st),
			Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			Debug:    *debug,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	cancel()
	sched.Stop()
}

func setupLogging(cfg config.ServerConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func templates(in []config.TemplateConfig) map[domain.NotificationType]notify.Template {
	out := make(map[domain.NotificationType]notify.Template, len(in))
	for _, t := range in {
		typ, err := domain.ParseNotificationType(t.Type)
		if err != nil {
			log.Warn().Err(err).Msg("ignoring whatsapp template")
			continue
		}
		out[typ] = notify.Template{Name: t.Name, Language: t.Language}
	}
	return out
}
