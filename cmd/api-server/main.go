package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/hackgods/clinic-scheduling/internal/access"
	"github.com/hackgods/clinic-scheduling/internal/api"
	"github.com/hackgods/clinic-scheduling/internal/billing"
	"github.com/hackgods/clinic-scheduling/internal/clinic"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/domain"
	"github.com/hackgods/clinic-scheduling/internal/identity"
	"github.com/hackgods/clinic-scheduling/internal/lock"
	"github.com/hackgods/clinic-scheduling/internal/logger"
	"github.com/hackgods/clinic-scheduling/internal/observability/metrics"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
	"github.com/hackgods/clinic-scheduling/internal/snapshot"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("info", "dev").WithError(err).Fatal("config load error")
	}
	log := logger.New(cfg.LogLevel, cfg.Env)
	log.WithField("env", cfg.Env).WithField("http_port", cfg.HTTPPort).
		WithField("lock_backend", cfg.LockBackend).Info("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	coreMetrics := metrics.NewCoreMetrics(reg)

	var grants map[domain.Role][]access.Operation
	if cfg.PermissionsFile != "" {
		grants, err = access.LoadGrants(cfg.PermissionsFile)
		if err != nil {
			log.WithError(err).Fatal("permissions file error")
		}
		log.WithField("path", cfg.PermissionsFile).Info("loaded permission table")
	}

	var (
		locker     lock.Locker = lock.NewLocal()
		redisCheck api.Pinger
	)
	if cfg.LockBackend == config.LockBackendRedis {
		redisCtx, cancelRedis := context.WithTimeout(rootCtx, 5*time.Second)
		rdb, err := redisclient.NewRedisClient(redisCtx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		cancelRedis()
		if err != nil {
			log.WithError(err).Fatal("redis connection error")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				log.WithError(err).Warn("error closing redis")
			}
		}()
		log.Info("connected to Redis")
		locker = redisclient.NewRedisLocker(rdb, cfg.LockTTL, cfg.LockWait)
		redisCheck = pingRedis(rdb)
	}

	core, err := clinic.New(clinic.Options{
		Grants: grants,
		Hasher: identity.NewBcryptHasher(bcrypt.DefaultCost),
		Locker: locker,
		Billing: billing.Config{
			DefaultConsultationFee: billing.Cents(cfg.DefaultConsultationFee),
			PaymentTerms:           cfg.PaymentTerms,
		},
		Log:      log,
		Metrics:  coreMetrics,
		Location: cfg.Location,
	})
	if err != nil {
		log.WithError(err).Fatal("core setup error")
	}

	var (
		store    snapshot.Store
		pgCheck  api.Pinger
		saver    *snapshot.Saver
		saveDone = make(chan struct{})
	)
	if cfg.Persistent() {
		if err := db.Migrate(cfg.PostgresDSN); err != nil {
			log.WithError(err).Fatal("postgres migration error")
		}
		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{})
		cancelPg()
		if err != nil {
			log.WithError(err).Fatal("postgres connection error")
		}
		defer pgPool.Close()
		log.Info("connected to Postgres")

		store = snapshot.NewPgStore(pgPool, 0)
		pgCheck = pgPool

		restored, err := snapshot.Restore(rootCtx, core, store)
		if err != nil {
			log.WithError(err).Fatal("snapshot restore error")
		}
		log.WithField("restored", restored).Info("snapshot restore finished")

		saver = snapshot.NewSaver(core, store, cfg.SnapshotInterval, log, coreMetrics)
		go func() {
			defer close(saveDone)
			saver.Run(rootCtx)
		}()
	} else {
		close(saveDone)
		log.Warn("POSTGRES_DSN not set, state lives in memory only")
	}

	created, err := core.Bootstrap(rootCtx, cfg.BootstrapAdminEmail, cfg.BootstrapAdminPassword)
	if err != nil {
		log.WithError(err).Fatal("bootstrap administrator error")
	}
	if created {
		log.WithField("email", cfg.BootstrapAdminEmail).Info("bootstrap administrator created")
	}

	secret := cfg.SessionSecret
	if secret == "" {
		secret = uuid.NewString() + uuid.NewString()
		log.Warn("SESSION_SECRET not set, sessions will not survive a restart")
	}

	srv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.NewRouter(api.RouterConfig{
			Core:     core,
			Sessions: api.NewSessions(secret, cfg.SessionTTL),
			Log:      log,
			Postgres: pgCheck,
			Redis:    redisCheck,
			Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			Env:      cfg.Env,
			Version:  version,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("addr", srv.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server error")
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http shutdown error")
	}

	<-saveDone
	if saver != nil {
		if err := saver.SaveNow(shutdownCtx); err != nil {
			log.WithError(err).Error("final snapshot failed")
		} else {
			log.Info("final snapshot saved")
		}
	}
}

func pingRedis(rdb *redis.Client) api.Pinger {
	return api.PingFunc(func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
}
