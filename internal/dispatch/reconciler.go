package dispatch

import (
	"time"

	"github.com/tmasuda/dropherd/internal/logging"
	"github.com/tmasuda/dropherd/internal/model"
	"github.com/tmasuda/dropherd/internal/queue"
)

// Reconciler detects tasks stuck in running past the configured
// timeout and fails them through the normal outcome path, which
// retries them on a fresh proxy when attempts remain. Worker crashes
// and lost result messages both surface this way.
type Reconciler struct {
	cfg        model.WatcherConfig
	tasks      *queue.Store
	dispatcher *Dispatcher
	logger     *logging.Logger

	now func() time.Time
}

// ReconcileRepair describes one repair performed by a sweep.
type ReconcileRepair struct {
	TaskID string
	Detail string
}

func NewReconciler(cfg model.WatcherConfig, tasks *queue.Store, dispatcher *Dispatcher, logger *logging.Logger) *Reconciler {
	return &Reconciler{
		cfg:        cfg,
		tasks:      tasks,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// Sweep scans running tasks and reports stale ones as failed.
func (r *Reconciler) Sweep() []ReconcileRepair {
	timeout := time.Duration(r.cfg.RunningTimeoutMin) * time.Minute
	now := r.now().UTC()

	var repairs []ReconcileRepair
	for _, task := range r.tasks.ListRunning() {
		if task.StartedAt == nil {
			continue
		}
		started, err := time.Parse(time.RFC3339, *task.StartedAt)
		if err != nil {
			r.logger.Warnf("stale sweep: bad started_at on task=%s: %v", task.ID, err)
			continue
		}
		age := now.Sub(started)
		if age < timeout {
			continue
		}

		r.logger.Warnf("stale running task=%s age=%s owner=%v, failing for retry", task.ID, age.Round(time.Second), derefOr(task.LeaseOwner, "?"))
		if err := r.dispatcher.ReportOutcome(task.ID, false, model.FailureReasonStaleRunning); err != nil {
			r.logger.Errorf("stale sweep report task=%s: %v", task.ID, err)
			continue
		}
		repairs = append(repairs, ReconcileRepair{
			TaskID: task.ID,
			Detail: "stale running task failed after " + age.Round(time.Second).String(),
		})
	}
	return repairs
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}
