package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/r3e-cellvault/cellserver/internal/authn"
	"github.com/r3e-cellvault/cellserver/internal/cache"
	"github.com/r3e-cellvault/cellserver/internal/catalog"
	"github.com/r3e-cellvault/cellserver/internal/cellstore"
	"github.com/r3e-cellvault/cellserver/internal/cryptocore"
	"github.com/r3e-cellvault/cellserver/internal/eventbus"
	"github.com/r3e-cellvault/cellserver/internal/httpapi"
	"github.com/r3e-cellvault/cellserver/pkg/config"
	"github.com/r3e-cellvault/cellserver/pkg/logger"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to config or :8080)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env; in-memory catalog when empty)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log0 := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	rootCtx := context.Background()

	dsnVal := resolveDSN(*dsn, cfg)

	var cat catalog.Catalog
	if dsnVal != "" {
		cat, err = catalog.OpenPostgres(rootCtx, catalog.PostgresConfig{
			DSN:              dsnVal,
			MigrateOnStart:   cfg.Database.MigrateOnStart,
			LockoutThreshold: cfg.Auth.LockoutThreshold,
			LockoutWindow:    time.Duration(cfg.Auth.LockoutWindowMin) * time.Minute,
			LockoutDuration:  time.Duration(cfg.Auth.LockoutDurationMin) * time.Minute,
		})
		if err != nil {
			log0.WithField("error", err).Fatal("connect to postgres catalog")
		}
	} else {
		cat = catalog.NewMemory(catalog.MemoryConfig{
			LockoutThreshold: cfg.Auth.LockoutThreshold,
			LockoutWindow:    time.Duration(cfg.Auth.LockoutWindowMin) * time.Minute,
			LockoutDuration:  time.Duration(cfg.Auth.LockoutDurationMin) * time.Minute,
		})
	}
	defer cat.Close()

	cells, err := cellstore.New(cfg.CellStore.Dir)
	if err != nil {
		log0.WithField("error", err).Fatal("open cell store")
	}
	defer cells.Close()

	crypto, err := cryptocore.New(cryptocore.Config{
		Enabled:       cfg.Crypto.Enabled,
		MasterKeyPath: cfg.Crypto.MasterKeyPath,
	}, log0)
	if err != nil {
		log0.WithField("error", err).Fatal("initialise cryptocore")
	}

	var cryptoSched *cryptocore.Scheduler
	if cfg.Crypto.Enabled && cfg.Crypto.RotationCron != "" {
		cryptoSched, err = cryptocore.NewScheduler(crypto, cfg.Crypto.RotationCron)
		if err != nil {
			log0.WithField("error", err).Fatal("schedule key rotation")
		}
		cryptoSched.Start()
		defer cryptoSched.Stop()
	}

	var liquid *cache.Cache
	var cacheSched *cache.Scheduler
	if cfg.Cache.Enabled {
		liquid, err = cache.New(cache.Config{
			Layers:       cfg.Cache.Layers,
			MaxSize:      cfg.Cache.Size,
			DefaultTTL:   time.Duration(cfg.Cache.TTLSeconds) * time.Second,
			PatternsPath: cfg.Cache.PatternsFile,
		})
		if err != nil {
			log0.WithField("error", err).Fatal("initialise cache")
		}
		if err := liquid.LoadPatterns(); err != nil {
			log0.WithField("error", err).Warn("load cached query patterns")
		}
		if cfg.Cache.PersistCron != "" {
			cacheSched, err = cache.NewScheduler(liquid, cfg.Cache.PersistCron, log0)
			if err != nil {
				log0.WithField("error", err).Fatal("schedule pattern persistence")
			}
			cacheSched.Start()
			defer cacheSched.Stop()
		}
	}

	bus := newEventBus(cfg, log0)
	if err := bus.Start(rootCtx); err != nil {
		log0.WithField("error", err).Fatal("start event bus")
	}
	defer bus.Stop(context.Background())

	if ring, ok := bus.(*eventbus.Ring); ok {
		replayed := 0
		err := ring.ReplaySpill(rootCtx, func(ctx context.Context, topic eventbus.Topic, event eventbus.Event) {
			replayed++
		})
		if err != nil {
			log0.WithField("error", err).Warn("replay spilled events")
		} else if replayed > 0 {
			log0.WithField("count", replayed).Info("replayed spilled events")
		}
	}

	authMgr := authn.NewManager(authn.Config{
		SigningKey: cfg.Auth.TokenSigningKey,
		TokenTTL:   time.Duration(cfg.Auth.TokenTTLMinutes) * time.Minute,
	})

	svc := httpapi.NewService(httpapi.Config{
		Catalog:           cat,
		Cells:             cells,
		Crypto:            crypto,
		Cache:             liquid,
		Bus:               bus,
		Authn:             authMgr,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		Log:               log0,
	})

	listenAddr := determineAddr(*addr, cfg)
	server := &http.Server{
		Addr:    listenAddr,
		Handler: httpapi.NewHandler(svc),
	}

	go func() {
		log0.WithField("addr", listenAddr).Info("cellserver listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log0.WithField("error", err).Fatal("serve http")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log0.WithField("error", err).Fatal("shutdown http server")
	}
}

func newEventBus(cfg *config.Config, log0 *logger.Logger) eventbus.Bus {
	if strings.TrimSpace(cfg.EventBus.Bootstrap) != "" {
		return eventbus.NewRedis(eventbus.RedisConfig{Addr: cfg.EventBus.Bootstrap}, log0)
	}
	return eventbus.NewRing(eventbus.RingConfig{
		Size:      cfg.EventBus.RingSize,
		SpillPath: cfg.EventBus.SpillPath,
	}, log0)
}

func determineAddr(flagAddr string, cfg *config.Config) string {
	addr := strings.TrimSpace(flagAddr)
	if addr != "" {
		return addr
	}
	if cfg.Server.Port != 0 {
		host := cfg.Server.Host
		if host == "" {
			host = "0.0.0.0"
		}
		return host + ":" + strconv.Itoa(cfg.Server.Port)
	}
	return ":8080"
}

func resolveDSN(flagDSN string, cfg *config.Config) string {
	if trimmed := strings.TrimSpace(flagDSN); trimmed != "" {
		return trimmed
	}
	if envDSN := strings.TrimSpace(os.Getenv("DATABASE_URL")); envDSN != "" {
		return envDSN
	}
	return strings.TrimSpace(cfg.Database.URL)
}
