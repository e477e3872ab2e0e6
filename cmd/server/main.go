package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"posledger/backend/internal/analytics"
	"posledger/backend/internal/cache"
	"posledger/backend/internal/config"
	"posledger/backend/internal/httpapi"
	"posledger/backend/internal/insights"
	"posledger/backend/internal/ledger"
	"posledger/backend/internal/service"
	"posledger/backend/internal/store"
	"posledger/backend/internal/store/memory"
	pgstore "posledger/backend/internal/store/postgres"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.WithError(err).Fatal("posledger stopped")
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:   "posledger",
		Usage:  "point-of-sale backend with an auditable stock ledger",
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "apply database migrations and exit",
				Action: runMigrate,
			},
			{
				Name:   "verify-ledger",
				Usage:  "replay every product's movement history and report drift",
				Action: verifyLedger,
			},
		},
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, errors.Wrap(err, "load config")
	}
	cfg.ConfigureLogging()
	return cfg, nil
}

// app holds the wired components and whatever must be closed on exit.
type app struct {
	service *service.Service
	api     *httpapi.API
	closers []func() error
}

func (a *app) close() {
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			log.WithError(err).Warn("close error")
		}
	}
}

func build(ctx context.Context, cfg config.Config) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	a := &app{}

	var repo store.Repository
	if cfg.DatabaseURL != "" {
		if cfg.AutoMigrate {
			if err := pgstore.Migrate(cfg.DatabaseURL); err != nil {
				return nil, err
			}
		}
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pg, err := pgstore.New(connectCtx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			return nil, errors.Wrap(err, "postgres unavailable and DATABASE_URL is set; refusing in-memory fallback")
		}
		repo = pg
		a.closers = append(a.closers, pg.Close)
		log.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Info("repository: in-memory (seeded)")
	}

	reportCache := cache.ReportCache(cache.NoopReportCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisReportCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.WithError(err).Warn("redis unavailable, using noop cache")
			_ = redisCache.Close()
		} else {
			reportCache = redisCache
			a.closers = append(a.closers, redisCache.Close)
			log.Info("cache: redis")
		}
	} else {
		log.Info("cache: noop")
	}

	assistant := insights.NewAssistant(nil)
	if cfg.InsightsURL != "" {
		assistant = insights.NewAssistant(insights.NewHTTPGenerator(cfg.InsightsURL, cfg.InsightsAPIKey, cfg.InsightsTimeout()))
		log.WithField("url", cfg.InsightsURL).Info("insights: remote generator")
	}

	l := ledger.New(repo)
	processor, err := ledger.NewProcessor(ctx, l)
	if err != nil {
		a.close()
		return nil, err
	}
	engine := analytics.NewEngine(repo,
		analytics.WithLocation(loc),
		analytics.WithCache(reportCache, cfg.AnalyticsCacheTTL()),
	)

	a.service = service.New(repo, l, processor, engine, assistant, cfg.LowStockDefault)
	a.api = httpapi.New(a.service, cfg.AllowedOrigin, loc)
	return a, nil
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", cfg.Address()).Info("POS backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server error")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}

func runMigrate(_ *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return cli.Exit("DATABASE_URL is required for migrate", 1)
	}
	return pgstore.Migrate(cfg.DatabaseURL)
}

func verifyLedger(c *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := build(c.Context, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	drifted, err := checkLedger(c.Context, a.service)
	if err != nil {
		return err
	}
	if drifted > 0 {
		return cli.Exit(errors.Errorf("ledger drift in %d product(s)", drifted), 2)
	}
	return nil
}

func checkLedger(ctx context.Context, svc *service.Service) (int, error) {
	reports, err := svc.VerifyLedger(ctx)
	if err != nil {
		return 0, err
	}
	drifted := 0
	for _, r := range reports {
		entry := log.WithFields(log.Fields{
			"product_id":     r.ProductID,
			"movements":      r.Movements,
			"replayed_stock": r.ReplayedStock,
			"current_stock":  r.CurrentStock,
		})
		if r.Consistent {
			entry.Debug("ledger consistent")
			continue
		}
		drifted++
		entry.WithField("mismatch", r.Mismatch).Warn("ledger drift")
	}
	log.WithFields(log.Fields{"products": len(reports), "drifted": drifted}).Info("ledger verified")
	return drifted, nil
}
