package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/sudo-init-do/gighub/internal/alerts"
	"github.com/sudo-init-do/gighub/internal/config"
	"github.com/sudo-init-do/gighub/internal/db"
	"github.com/sudo-init-do/gighub/internal/logging"
	"github.com/sudo-init-do/gighub/internal/marketplace"
	"github.com/sudo-init-do/gighub/internal/messaging"
	mware "github.com/sudo-init-do/gighub/internal/middleware"
	"github.com/sudo-init-do/gighub/internal/wallet"
)

// stores bundles the backends picked by STORE
type stores struct {
	registry marketplace.Store
	ledger   wallet.Store
	inbox    alerts.Inbox
	pool     *pgxpool.Pool
}

func openStores(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (stores, error) {
	if cfg.Store == "memory" {
		log.Warn("Using in-memory stores; state is lost on restart")
		return stores{
			registry: marketplace.NewMemoryRegistry(),
			ledger:   wallet.NewMemoryLedger(),
			inbox:    alerts.NewMemoryInbox(),
		}, nil
	}

	pool, err := db.Connect(ctx, cfg.DB.DSN(), log)
	if err != nil {
		return stores{}, err
	}
	if err := db.EnsureSchema(ctx, pool, log); err != nil {
		pool.Close()
		return stores{}, err
	}
	return stores{
		registry: marketplace.NewPGRegistry(pool),
		ledger:   wallet.NewPGLedger(pool),
		inbox:    alerts.NewPGInbox(pool),
		pool:     pool,
	}, nil
}

func requestLogger(log logrus.FieldLogger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := log.WithFields(logrus.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
			})
			if v.Error != nil {
				entry.WithError(v.Error).Error("request failed")
				return nil
			}
			entry.Debug("request")
			return nil
		},
	})
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("could not load configuration")
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.WithError(err).Fatal("could not build logger")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("could not open stores")
	}
	if st.pool != nil {
		defer st.pool.Close()
	}

	basis, err := marketplace.ParseSalaryBasis(cfg.SalaryBasis)
	if err != nil {
		log.WithError(err).Fatal("invalid salary basis")
	}

	// Inbox delivery goes through asynq when alerts are enabled, inline otherwise
	var inboxNotifier marketplace.Notifier = alerts.NewDirectNotifier(st.inbox)
	if cfg.AlertsEnabled {
		svc, err := alerts.Start(cfg.RedisAddr, st.inbox, log)
		if err != nil {
			log.WithError(err).Fatal("could not start alerts service")
		}
		defer svc.Close()
		inboxNotifier = svc.Notifier()
	}

	// The hub checks participants through the coordinator it is notified by
	var hub *messaging.Hub
	liveEvents := marketplace.NotifierFunc(func(ctx context.Context, ev marketplace.Event) error {
		return hub.Notify(ctx, ev)
	})

	agent := wallet.NewEscrowAgent(st.ledger,
		wallet.WithTimeout(cfg.LedgerTimeout),
		wallet.WithLogger(log),
	)
	coord := marketplace.NewCoordinator(st.registry, agent,
		marketplace.WithNotifier(marketplace.FanOut{liveEvents, inboxNotifier}),
		marketplace.WithSalaryBasis(basis),
		marketplace.WithAcceptAttempts(cfg.AcceptMaxAttempts),
		marketplace.WithStaleAfter(2*cfg.LedgerTimeout),
		marketplace.WithLogger(log),
	)
	hub = messaging.NewHub(coord, log)

	jobs := marketplace.NewHandler(coord, log)
	wallets := wallet.NewHandler(agent, st.ledger, log)
	inbox := alerts.NewHandler(st.inbox, log)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(log))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
	})
	e.GET("/ready", func(c echo.Context) error {
		if st.pool != nil {
			if err := st.pool.Ping(c.Request().Context()); err != nil {
				return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "not_ready", "error": "db unreachable"})
			}
		}
		return c.JSON(http.StatusOK, echo.Map{"status": "ready", "store": cfg.Store})
	})

	// Protected routes
	api := e.Group("")
	api.Use(mware.JWT([]byte(cfg.JWTSecret)))

	api.POST("/jobs", jobs.CreateJob)
	api.GET("/jobs/:id", jobs.GetJob)
	api.POST("/jobs/:id/apply", jobs.Apply)
	api.POST("/jobs/:id/applicants/:uid/accept", jobs.Accept)
	api.POST("/jobs/:id/applicants/:uid/reject", jobs.Reject)
	api.POST("/jobs/:id/start", jobs.Start)
	api.POST("/jobs/:id/finish", jobs.Finish)
	api.POST("/jobs/:id/cancel", jobs.Cancel)
	api.POST("/jobs/:id/payouts/retry", jobs.RetryPayouts)
	api.GET("/jobs/:id/ratings", jobs.Ratings)
	api.POST("/jobs/:id/ratings", jobs.SubmitRatings)
	api.GET("/jobs/:id/ws", hub.ServeJob)

	api.GET("/wallet/balance", wallets.Balance)
	api.GET("/wallet/transactions", wallets.Transactions)

	api.GET("/notifications", inbox.ListNotifications)
	api.POST("/notifications/:id/read", inbox.MarkNotificationRead)

	// Admin routes
	admin := e.Group("/admin")
	admin.Use(mware.JWT([]byte(cfg.JWTSecret)))
	admin.Use(mware.RequireRoles(mware.RoleAdmin, mware.RoleOperator))
	admin.POST("/wallet/:id/topup", wallets.Topup)

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}
