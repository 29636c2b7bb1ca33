package main

import (
	"context"
	"log/slog"

	"github.com/workmirror/workmirror/internal/config"
	"github.com/workmirror/workmirror/internal/engine"
	"github.com/workmirror/workmirror/internal/logging"
	"github.com/workmirror/workmirror/internal/queue"
	"github.com/workmirror/workmirror/internal/relay"
	"github.com/workmirror/workmirror/internal/remote"
	"github.com/workmirror/workmirror/internal/service"
	"github.com/workmirror/workmirror/internal/store"
)

// app bundles the wired components a command needs. Built once per
// invocation; Close releases the database.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	client  *remote.Client
	engine  *engine.Engine
	service *service.Service
	drainer *queue.Drainer
	poller  *relay.Poller
}

// newApp loads config, opens the database, runs pending migrations and the
// snapshot back-fill, and wires the sync components.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDB != "" {
		cfg.DatabasePath = flagDB
	}

	logger := logging.New(cfg.Log)

	st, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	if err := st.RunMigrations(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	if _, err := st.BackfillFromSnapshots(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	client := remote.NewClient(remote.Config{
		BaseURL:        cfg.Remote.BaseURL,
		Token:          cfg.Remote.Token,
		APIVersion:     cfg.Remote.APIVersion,
		MaxRetries:     cfg.Remote.MaxRetries,
		RetryBase:      cfg.Remote.RetryBase,
		RequestTimeout: cfg.Remote.RequestTimeout,
		Logger:         logger,
	})

	eng := engine.New(client, st, engine.Config{
		Collections: engine.CollectionIDs{
			Tasks:       cfg.Remote.Collections.Tasks,
			Projects:    cfg.Remote.Collections.Projects,
			TimeEntries: cfg.Remote.Collections.TimeEntries,
		},
	}, logger)

	svc := service.New(st, eng, logger)

	drainer := queue.New(client, st, queue.Resources{
		store.EntityTask:    cfg.Remote.Collections.Tasks,
		store.EntityProject: cfg.Remote.Collections.Projects,
	}, logger)

	var poller *relay.Poller
	if cfg.Relay.BaseURL != "" {
		poller = relay.NewPoller(relay.Config{
			BaseURL: cfg.Relay.BaseURL,
			Subject: cfg.Relay.Subject,
			Token:   cfg.Relay.Token,
		}, client, st, logger)
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		client:  client,
		engine:  eng,
		service: svc,
		drainer: drainer,
		poller:  poller,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
