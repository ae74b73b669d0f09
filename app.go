package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rsmtech/servicereport_backend/config"
	"github.com/rsmtech/servicereport_backend/memstore"
	"github.com/rsmtech/servicereport_backend/models"
	"github.com/rsmtech/servicereport_backend/workflow"
	"github.com/sirupsen/logrus"
)

// App holds the explicitly constructed engine: nothing here is a package global.
type App struct {
	Settings   config.Settings
	Store      models.Repository
	Authority  *workflow.Authority
	Executor   *workflow.Executor
	Dispatcher *workflow.NotificationDispatcher
	Health     *workflow.HealthMonitor
	Logger     *logrus.Logger
}

func NewApp(store models.Repository, settings config.Settings, policy *config.AuthorityPolicy, logger *logrus.Logger) (*App, error) {
	authority, err := workflow.NewAuthority(store, policy)
	if err != nil {
		return nil, err
	}
	broadcaster := workflow.NewBroadcaster(store, store, settings.FanoutChunkSize)
	dispatcher := workflow.NewNotificationDispatcher(store, broadcaster, logger)
	dispatcher.ApplySettings(settings)
	if config.PubSubEnabled() {
		dispatcher.Publisher = workflow.PubSubPublisher{}
	}

	var notifier workflow.Notifier
	if settings.FanoutInline {
		notifier = dispatcher
	}

	return &App{
		Settings:   settings,
		Store:      store,
		Authority:  authority,
		Executor:   workflow.NewExecutor(store, authority, notifier, logger),
		Dispatcher: dispatcher,
		Health:     workflow.NewHealthMonitor(time.Minute, logger),
		Logger:     logger,
	}, nil
}

// openStore picks the persistence backend named by STORE_DRIVER.
// For mysql it blocks until the database is reachable.
func openStore(ctx context.Context, settings config.Settings, logger *logrus.Logger) (models.Repository, func(ctx context.Context) error, error) {
	switch settings.StoreDriver {
	case "memory":
		logger.WithFields(logrus.Fields{"field": "store"}).Warn("STORE_DRIVER=memory; data is not persisted")
		return memstore.New(), func(context.Context) error { return nil }, nil
	case "mysql":
		db, err := config.ConnectDatabase(ctx, logger)
		if err != nil {
			return nil, nil, err
		}
		ping := func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
		return models.NewStore(db), ping, nil
	}
	return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", strings.TrimSpace(settings.StoreDriver))
}
