// Package app wires the engine's components together for the CLI.
package app

import (
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/Technical-1/Git-Archiver/internal/archiver"
	"github.com/Technical-1/Git-Archiver/internal/config"
	"github.com/Technical-1/Git-Archiver/internal/database"
	"github.com/Technical-1/Git-Archiver/internal/events"
	"github.com/Technical-1/Git-Archiver/internal/forge"
	"github.com/Technical-1/Git-Archiver/internal/gitmirror"
	"github.com/Technical-1/Git-Archiver/internal/secrets"
	"github.com/Technical-1/Git-Archiver/internal/tasks"
)

// App owns the process-wide services (store, bus, task manager, worker)
// and hands front ends the service facade. The caller must call Close.
type App struct {
	cfg        *config.Config
	store      *database.Store
	manager    *tasks.Manager
	bus        *events.Bus
	reconciler *archiver.Reconciler
	service    *archiver.Service
	keeper     secrets.Keeper
	logFile    *os.File
	workerDone chan struct{}
}

// NewApp constructs a fully wired App from the given config.
func NewApp(cfg *config.Config) (*App, error) {
	sessionID := uuid.New().String()[:8]
	logger, logFile, err := newLogger(cfg.LogDir, sessionID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	log := &slogAdapter{l: logger}

	store, err := database.NewStore(cfg.DatabasePath)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}

	// Seed the data directory setting on first run so workers and the
	// config file agree.
	if v, err := store.GetSetting("data_dir"); err == nil && v == "" {
		if err := store.SetSetting("data_dir", cfg.DataDir); err != nil {
			store.Close()
			logFile.Close()
			return nil, fmt.Errorf("seeding data_dir setting: %w", err)
		}
	}

	settings, err := store.LoadSettings()
	if err != nil {
		store.Close()
		logFile.Close()
		return nil, fmt.Errorf("loading settings: %w", err)
	}

	keeper := secrets.NewKeeper(cfg.Forge.TokenService)
	tokenSource := func() string {
		token, err := keeper.GetToken(cfg.Forge.TokenService)
		if err != nil {
			log.Warn("reading forge token failed", "error", err)
			return ""
		}
		return token
	}

	forgeClient, err := forge.NewClient(cfg.Forge.BaseURL, tokenSource, cfg.Forge.AllowPrivateHosts)
	if err != nil {
		store.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating forge client: %w", err)
	}

	manager := tasks.NewManager(settings.MaxConcurrentTasks)
	bus := events.NewBus()
	clock := archiver.RealClock{}

	worker := archiver.NewWorker(store, gitmirror.NewDriver(), forgeClient, manager, bus, log, clock)
	workerDone := make(chan struct{})
	go func() {
		worker.Run()
		close(workerDone)
	}()

	reconciler := archiver.NewReconciler(manager, log)
	if err := reconciler.Start(settings.AutoCheckMinutes); err != nil {
		log.Warn("auto reconcile not started", "error", err)
	}

	service := archiver.NewService(store, manager, forgeClient, keeper, cfg.Forge.TokenService, log, clock)

	return &App{
		cfg:        cfg,
		store:      store,
		manager:    manager,
		bus:        bus,
		reconciler: reconciler,
		service:    service,
		keeper:     keeper,
		logFile:    logFile,
		workerDone: workerDone,
	}, nil
}

// Service returns the inbound facade.
func (a *App) Service() *archiver.Service { return a.service }

// Bus returns the event bus for subscribers.
func (a *App) Bus() *events.Bus { return a.bus }

// Close shuts the engine down: the timer stops, queued tasks drain, and
// the store closes last.
func (a *App) Close() error {
	a.reconciler.Stop()
	a.manager.Close()
	<-a.workerDone
	a.bus.Close()

	err := a.store.Close()
	if a.logFile != nil {
		a.logFile.Close()
	}
	return err
}
