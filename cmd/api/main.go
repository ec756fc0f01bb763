package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"bizdesk.io/internal/auth"
	"bizdesk.io/internal/config"
	"bizdesk.io/internal/guard"
	"bizdesk.io/internal/httpapi"
	"bizdesk.io/internal/maintenance"
	"bizdesk.io/internal/migrate"
	"bizdesk.io/internal/obs"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	log := obs.Logger()
	if err := run(); err != nil {
		log.WithError(err).Fatal("bizdesk-api stopped with error")
	}
}

func run() error {
	log := obs.Logger()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	obs.SetLevel(cfg.Log.Level)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	svc, err := buildService(store, cfg)
	if err != nil {
		return err
	}
	if err := svc.EnsureSeedRoles(ctx); err != nil {
		return fmt.Errorf("seed roles: %w", err)
	}
	if err := svc.CheckDefaultRole(ctx); err != nil {
		return fmt.Errorf("registration default role (%s): %w", cfg.Auth.DefaultCategory, err)
	}
	if cfg.Auth.BootstrapAdminEmail != "" {
		created, err := svc.BootstrapAdmin(ctx, cfg.Auth.BootstrapAdminName, cfg.Auth.BootstrapAdminEmail, cfg.Auth.BootstrapAdminPassword)
		if err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		if created {
			log.WithField("email", cfg.Auth.BootstrapAdminEmail).Info("bootstrap super admin created")
		}
	}

	loginGuard, forgotGuard, closeGuards, err := buildGuards(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeGuards()

	api := httpapi.New(svc, httpapi.Options{
		Version:       version,
		TrustProxy:    cfg.Server.TrustProxy,
		CORSOrigins:   cfg.Server.CORSOrigins,
		MaxBodyBytes:  cfg.Server.MaxBodyBytes,
		ThrottleRPS:   cfg.Server.ThrottleRPS,
		ThrottleBurst: cfg.Server.ThrottleBurst,
		LoginGuard:    loginGuard,
		ForgotGuard:   forgotGuard,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	var sched *maintenance.Scheduler
	if cfg.Maintenance.Enabled {
		if sched, err = maintenance.New(cfg.Maintenance.Schedule, maintenance.SweepJob(svc)); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(logrus.Fields{"version": version, "addr": srv.Addr}).Info("starting bizdesk-api")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if sched != nil {
		g.Go(func() error { return sched.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("stopped")
	return nil
}

// openStore picks Postgres when a DSN is configured and the in-memory store
// otherwise.
func openStore(ctx context.Context, cfg *config.Config) (auth.Store, func(), error) {
	if cfg.Database.DSN == "" {
		obs.Logger().Warn("BIZDESK_PG_DSN not set, using in-memory store; data is lost on restart")
		return auth.NewMemoryStore(), func() {}, nil
	}
	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxOpenConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping db: %w", err)
	}
	if cfg.Database.AutoMigrate {
		applied, err := migrate.NewManager(db).Up(ctx)
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		for _, name := range applied {
			obs.Logger().WithField("migration", name).Info("applied migration")
		}
	}
	return auth.NewPGStore(db), func() { _ = db.Close() }, nil
}

func buildService(store auth.Store, cfg *config.Config) (*auth.Service, error) {
	tokens, err := auth.NewTokenService(cfg.Auth.AccessSecret, cfg.Auth.RefreshSecret,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAudience(cfg.Auth.Audience),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
	)
	if err != nil {
		return nil, err
	}
	hasher, err := auth.NewPasswordHasher(cfg.Auth.PasswordHash, cfg.Auth.BcryptCost)
	if err != nil {
		return nil, err
	}
	return auth.NewService(store, tokens,
		auth.WithHasher(hasher),
		auth.WithNotifier(auth.LogNotifier{}),
		auth.WithLockout(cfg.Auth.LockThreshold, cfg.Auth.LockDuration),
		auth.WithResetTTL(cfg.Auth.ResetTTL),
		auth.WithDefaultCategory(auth.RoleCategory(cfg.Auth.DefaultCategory)),
	)
}

// buildGuards creates the login and forgot-password budgets. The memory
// backend counts per process; with several replicas each one keeps its own
// budget.
func buildGuards(ctx context.Context, cfg *config.Config) (login, forgot *guard.Guard, closeFn func(), err error) {
	closeFn = func() {}
	key := httpapi.ClientIPFunc(cfg.Server.TrustProxy)

	var loginStore, forgotStore guard.Store
	switch cfg.Guard.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Guard.RedisAddr,
			Password: cfg.Guard.RedisPassword,
			DB:       cfg.Guard.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		shared := guard.NewRedisStore(client)
		loginStore, forgotStore = shared, shared
		closeFn = func() { _ = client.Close() }
	default:
		loginStore = guard.NewMemoryStore(cfg.Guard.MaxKeys, cfg.Guard.LoginWindow)
		forgotStore = guard.NewMemoryStore(cfg.Guard.MaxKeys, cfg.Guard.ForgotWindow)
	}

	login, err = guard.New(guard.Config{
		Scope:   "login",
		Max:     cfg.Guard.LoginMax,
		Window:  cfg.Guard.LoginWindow,
		Prefix:  "bizdesk:guard",
		KeyFunc: key,
	}, loginStore)
	if err != nil {
		closeFn()
		return nil, nil, nil, err
	}
	forgot, err = guard.New(guard.Config{
		Scope:   "forgot_password",
		Max:     cfg.Guard.ForgotMax,
		Window:  cfg.Guard.ForgotWindow,
		Prefix:  "bizdesk:guard",
		KeyFunc: key,
	}, forgotStore)
	if err != nil {
		closeFn()
		return nil, nil, nil, err
	}
	return login, forgot, closeFn, nil
}
