// Package worker consumes task descriptors from the shared transport,
// runs the platform automation for each, and reports every attempt's
// outcome exactly once.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tmasuda/dropherd/internal/logging"
	"github.com/tmasuda/dropherd/internal/model"
)

// Outcome is what an automation run produced. FailureReason uses the
// structured reasons from the model package where one applies.
type Outcome struct {
	Success       bool
	FailureReason string
}

// Automator performs the platform-specific action for one descriptor,
// routed through the assigned proxy. One implementation per platform.
type Automator interface {
	Execute(ctx context.Context, desc model.TaskDescriptor) Outcome
}

// TaskSource hands out the next descriptor, blocking up to timeout.
// A nil descriptor with nil error means nothing arrived in time.
type TaskSource interface {
	PopTask(timeout time.Duration) (*model.TaskDescriptor, error)
}

// OutcomeSink receives attempt reports.
type OutcomeSink interface {
	PushOutcome(report model.OutcomeReport) error
}

// Worker is one consumer loop. Several workers can share a source; the
// transport's pop is the arbitration point.
type Worker struct {
	ID string

	source TaskSource
	sink   OutcomeSink
	logger *logging.Logger

	automators map[string]Automator

	pollTimeout time.Duration
	now         func() time.Time
}

func New(source TaskSource, sink OutcomeSink, logger *logging.Logger) *Worker {
	return &Worker{
		ID:          "worker-" + uuid.NewString()[:8],
		source:      source,
		sink:        sink,
		logger:      logger,
		automators:  make(map[string]Automator),
		pollTimeout: 2 * time.Second,
		now:         time.Now,
	}
}

// Register installs the automator for a platform.
func (w *Worker) Register(platform string, a Automator) {
	w.automators[platform] = a
}

// Run consumes tasks until ctx is cancelled. A descriptor already
// popped when cancellation arrives is still executed and reported, so
// no attempt goes unaccounted.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Infof("worker %s started", w.ID)
	for {
		select {
		case <-ctx.Done():
			w.logger.Infof("worker %s stopping", w.ID)
			return ctx.Err()
		default:
		}

		desc, err := w.source.PopTask(w.pollTimeout)
		if err != nil {
			w.logger.Errorf("worker %s pop: %v", w.ID, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.pollTimeout):
			}
			continue
		}
		if desc == nil {
			continue
		}
		w.handle(ctx, *desc)
	}
}

func (w *Worker) handle(ctx context.Context, desc model.TaskDescriptor) {
	w.logger.Infof("worker %s task=%s kind=%s platform=%s attempt=%d proxy=%s:%d",
		w.ID, desc.TaskID, desc.Kind, desc.Platform, desc.Attempt, desc.ProxyHost, desc.ProxyPort)

	outcome := w.execute(ctx, desc)

	report := model.OutcomeReport{
		TaskID:        desc.TaskID,
		WorkerID:      w.ID,
		Success:       outcome.Success,
		FailureReason: outcome.FailureReason,
		ReportedAt:    w.now().UTC().Format(time.RFC3339),
	}
	if err := w.sink.PushOutcome(report); err != nil {
		// The stale-running sweep recovers the task if this report is
		// lost for good.
		w.logger.Errorf("worker %s report task=%s: %v", w.ID, desc.TaskID, err)
		return
	}
	w.logger.Infof("worker %s reported task=%s success=%t reason=%s", w.ID, desc.TaskID, outcome.Success, outcome.FailureReason)
}

func (w *Worker) execute(ctx context.Context, desc model.TaskDescriptor) Outcome {
	automator, ok := w.automators[desc.Platform]
	if !ok {
		w.logger.Warnf("worker %s task=%s: no automator for platform %q", w.ID, desc.TaskID, desc.Platform)
		return Outcome{Success: false, FailureReason: fmt.Sprintf("unsupported_platform:%s", desc.Platform)}
	}
	return automator.Execute(ctx, desc)
}
