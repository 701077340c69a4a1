package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/cardbot/internal/auth"
	"github.com/MarcoPoloResearchLab/cardbot/internal/cards"
	"github.com/MarcoPoloResearchLab/cardbot/internal/collection"
	"github.com/MarcoPoloResearchLab/cardbot/internal/config"
	"github.com/MarcoPoloResearchLab/cardbot/internal/cooldown"
	"github.com/MarcoPoloResearchLab/cardbot/internal/database"
	"github.com/MarcoPoloResearchLab/cardbot/internal/drops"
	"github.com/MarcoPoloResearchLab/cardbot/internal/engine"
	"github.com/MarcoPoloResearchLab/cardbot/internal/logging"
	"github.com/MarcoPoloResearchLab/cardbot/internal/rarity"
	"github.com/MarcoPoloResearchLab/cardbot/internal/server"
	"github.com/MarcoPoloResearchLab/cardbot/internal/stages"
	"github.com/MarcoPoloResearchLab/cardbot/internal/upload"
	"github.com/MarcoPoloResearchLab/cardbot/internal/users"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	table, err := loadRarityTable(appConfig.RarityFile)
	if err != nil {
		return err
	}

	db, err := database.Open(database.Config{
		DSN:     appConfig.DatabaseDSN,
		PoolMin: appConfig.PoolMin,
		PoolMax: appConfig.PoolMax,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	if appConfig.OwnerID != 0 {
		if _, err := userService.SetRole(ctx, appConfig.OwnerID, users.RoleOwner); err != nil {
			return err
		}
	}
	collectionService, err := collection.NewService(collection.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	catalog, err := cards.NewCatalog(cards.CatalogConfig{Database: db, Tiers: table, Logger: logger})
	if err != nil {
		return err
	}
	unknownTiers, err := catalog.UnknownTiers(ctx)
	if err != nil {
		return err
	}
	if len(unknownTiers) > 0 {
		return fmt.Errorf("active cards use rarity tiers %v missing from the rarity table", unknownTiers)
	}
	picker, err := cards.NewPicker(cards.PickerConfig{Table: table, Source: catalog, Random: rarity.NewSource(), Logger: logger})
	if err != nil {
		return err
	}
	gate, err := cooldown.NewGate(cooldown.Config{Store: userService, Window: appConfig.CooldownWindow, Logger: logger})
	if err != nil {
		return err
	}

	var counters drops.CounterStore = drops.NewMemoryCounter()
	readiness := func(ctx context.Context) error { return database.Ping(ctx, db) }
	if appConfig.RedisAddr != "" {
		redisCounter, err := drops.NewRedisCounter(drops.RedisCounterConfig{
			Addr:     appConfig.RedisAddr,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
			Prefix:   appConfig.RedisPrefix,
		})
		if err != nil {
			return err
		}
		defer redisCounter.Close()
		counters = redisCounter
		readiness = func(ctx context.Context) error {
			if err := database.Ping(ctx, db); err != nil {
				return err
			}
			return redisCounter.Ping(ctx)
		}
		logger.Info("drop counters backed by redis", zap.String("addr", appConfig.RedisAddr))
	}
	mirror, err := drops.NewRepository(db)
	if err != nil {
		return err
	}
	scheduler, err := drops.NewScheduler(drops.SchedulerConfig{
		Counters:         counters,
		Settings:         mirror,
		DefaultThreshold: appConfig.DropThreshold,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	arbiter, err := drops.NewArbiter(drops.ArbiterConfig{
		Crediter:       engine.CreditOwnership(collectionService),
		Mirror:         mirror,
		DropTTL:        appConfig.DropTTL,
		CreditAttempts: appConfig.DropCreditAttempts,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	stageManager := stages.NewManager(stages.Config{TTL: appConfig.StageTTL, Logger: logger})
	sweeper, err := stages.NewSweeper(stageManager, appConfig.StageSweep, logger)
	if err != nil {
		return err
	}
	workflow, err := upload.NewWorkflow(upload.Config{
		Stages:   stageManager,
		Catalog:  catalog,
		Roles:    userService,
		Tiers:    table,
		Cooldown: appConfig.UploadCooldown,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewEventDispatcher()
	gameEngine, err := engine.New(engine.Config{
		Users:         userService,
		Collection:    collectionService,
		Catalog:       catalog,
		Cooldown:      gate,
		Scheduler:     scheduler,
		Arbiter:       arbiter,
		Picker:        picker,
		Workflow:      workflow,
		Publisher:     dispatcher,
		Ledger:        mirror,
		Tiers:         table,
		ClaimKeyword:  appConfig.ClaimKeyword,
		ClaimCooldown: appConfig.ClaimCooldown,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	tokenManager, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:         gameEngine,
		TokenManager:   tokenManager,
		Dispatcher:     dispatcher,
		Readiness:      readiness,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	group, groupCtx := errgroup.WithContext(signalCtx)

	sweeper.Start()
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("server stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(httpServer.Shutdown(shutdownCtx), sweeper.Shutdown())
	})
	return group.Wait()
}

func loadRarityTable(path string) (*rarity.Table, error) {
	tiers := rarity.DefaultTiers()
	if path != "" {
		loaded, err := rarity.LoadFile(path)
		if err != nil {
			return nil, err
		}
		tiers = loaded
	}
	return rarity.NewTable(tiers, rarity.NewSource())
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}
