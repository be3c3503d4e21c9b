package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"cascade/internal/api"
	"cascade/internal/config"
	"cascade/internal/nodeclient"
	"cascade/internal/publisher"
	"cascade/internal/service"
	"cascade/internal/storage/memory"
	"cascade/internal/storage/postgres"
)

type stores struct {
	nodes       service.NodeStore
	allocations service.AllocationStore
	syncLogs    service.SyncLogStore
	tasks       service.TaskSource
	feeds       service.FeedStore
	txManager   service.TransactionManager
}

// app holds the wired services of one coordinator process.
type app struct {
	registry   *service.NodeRegistry
	heartbeat  *service.HeartbeatTracker
	dispatcher *service.Dispatcher
	lifecycle  *service.Lifecycle
	audit      *service.AuditTrail
	feeds      *service.FeedStatusService
	catalog    *service.Catalog
	tasks      service.TaskSource
	logger     *slog.Logger
	closers    []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("failed to close resource", "error", err)
		}
	}
}

func (a *app) server() *api.Server {
	return api.NewServer(a.registry, a.heartbeat, a.dispatcher, a.lifecycle, a.audit, a.feeds, a.catalog, a.logger)
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}

	st, err := a.openStores(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	var pub service.Publisher
	if cfg.RabbitMQ.Enabled {
		rabbitMQ, err := publisher.NewRabbitMQ(publisher.Config{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
			QueueName:  cfg.RabbitMQ.QueueName,
		}, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to rabbitmq: %w", err)
		}
		a.closers = append(a.closers, rabbitMQ.Close)
		pub = rabbitMQ
	}

	selector, err := service.NewSelector(cfg.Cascade.SelectionPolicy)
	if err != nil {
		a.Close()
		return nil, err
	}

	prober := nodeclient.New(nodeclient.Config{
		Timeout:        cfg.Cascade.Probe.Timeout,
		MaxAttempts:    cfg.Cascade.Probe.MaxAttempts,
		InitialBackoff: cfg.Cascade.Probe.InitialBackoff,
		MaxBackoff:     cfg.Cascade.Probe.MaxBackoff,
	}, logger)

	a.audit = service.NewAuditTrail(st.syncLogs, logger)
	a.registry = service.NewNodeRegistry(st.nodes, a.audit, prober, cfg.Cascade.Probe.Timeout, logger)
	a.heartbeat = service.NewHeartbeatTracker(st.nodes, a.audit, cfg.Cascade.HeartbeatTimeout, logger)
	a.dispatcher = service.NewDispatcher(st.tasks, st.allocations, st.txManager, a.heartbeat, selector, pub, a.audit, logger)
	a.lifecycle = service.NewLifecycle(st.allocations, st.nodes, a.audit, cfg.Cascade.MaxAllocationDuration, logger)
	a.feeds = service.NewFeedStatusService(st.feeds, st.allocations, cfg.Cascade.FreshnessWindow)
	a.catalog = service.NewCatalog(st.tasks, st.feeds)
	a.tasks = st.tasks

	coordinator, err := a.registry.EnsureCoordinator(ctx, cfg.Cascade.CoordinatorName, cfg.Cascade.PublicURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("ensure coordinator: %w", err)
	}
	logger.Info("coordinator ready", "node_id", coordinator.ID, "name", coordinator.Name)

	return a, nil
}

func (a *app) openStores(cfg *config.Config, logger *slog.Logger) (*stores, error) {
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		store := memory.New()
		if cfg.Storage.SeedFile != "" {
			if err := store.LoadSeed(cfg.Storage.SeedFile); err != nil {
				return nil, err
			}
		}
		logger.Info("using in-memory storage", "seed_file", cfg.Storage.SeedFile)
		return &stores{
			nodes:       store.Nodes(),
			allocations: store.Allocations(),
			syncLogs:    store.SyncLogs(),
			tasks:       store.Tasks(),
			feeds:       store.Tasks(),
			txManager:   store,
		}, nil

	default:
		db, err := sqlx.Connect("postgres", cfg.Database.DSN())
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.closers = append(a.closers, db.Close)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("ping database: %w", err)
		}
		logger.Info("connected to database")

		taskStore := postgres.NewTaskStore(db)
		return &stores{
			nodes:       postgres.NewNodeStore(db),
			allocations: postgres.NewAllocationStore(db),
			syncLogs:    postgres.NewSyncLogStore(db),
			tasks:       taskStore,
			feeds:       taskStore,
			txManager:   postgres.NewTransactionManager(db),
		}, nil
	}
}
