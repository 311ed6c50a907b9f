package archiver

import (
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/Technical-1/Git-Archiver/internal/tasks"
)

// Reconciler drives periodic status reconciliation. On each tick it
// enqueues a ReconcileStatus task; the manager's identity dedup suppresses
// a tick while a reconcile is already queued or running.
type Reconciler struct {
	manager *tasks.Manager
	logger  Logger
	cron    *cron.Cron
	entry   cron.EntryID
}

// NewReconciler creates a stopped reconciler.
func NewReconciler(manager *tasks.Manager, logger Logger) *Reconciler {
	return &Reconciler{
		manager: manager,
		logger:  logger,
		cron:    cron.New(),
	}
}

// Start schedules reconciliation every intervalMinutes. A zero or negative
// interval disables the timer.
func (r *Reconciler) Start(intervalMinutes int) error {
	if intervalMinutes <= 0 {
		return nil
	}

	spec := fmt.Sprintf("@every %dm", intervalMinutes)
	entry, err := r.cron.AddFunc(spec, r.tick)
	if err != nil {
		return fmt.Errorf("scheduling reconcile timer: %w", err)
	}
	r.entry = entry
	r.cron.Start()
	r.logger.Info("auto reconcile enabled", "interval_minutes", intervalMinutes)
	return nil
}

func (r *Reconciler) tick() {
	err := r.manager.Enqueue(tasks.NewReconcile(nil))
	switch {
	case err == nil:
	case errors.Is(err, tasks.ErrAlreadyInProgress):
		r.logger.Debug("reconcile already in progress, timer tick skipped")
	default:
		r.logger.Warn("enqueueing scheduled reconcile failed", "error", err)
	}
}

// Stop halts the timer; a reconcile already enqueued still runs.
func (r *Reconciler) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}
