package dispatch

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmasuda/dropherd/internal/logging"
	"github.com/tmasuda/dropherd/internal/model"
	"github.com/tmasuda/dropherd/internal/store"
)

func newReconciler(f *fixture) *Reconciler {
	return NewReconciler(f.cfg.Watcher, f.tasks, f.dispatcher, logging.New(io.Discard, "reconciler", logging.LevelError))
}

func TestSweep_FailsStaleRunningTask(t *testing.T) {
	f := newFixture(t, 1, []string{"10.0.0.1:8080", "10.0.0.2:8080"})

	_, err := f.dispatcher.PlanRegistration(context.Background(), []string{"twitter"}, store.AccountFilter{})
	require.NoError(t, err)
	leased, err := f.tasks.Lease("worker-crashed")
	require.NoError(t, err)

	r := newReconciler(f)
	r.now = func() time.Time {
		return time.Now().Add(time.Duration(f.cfg.Watcher.RunningTimeoutMin+1) * time.Minute)
	}

	repairs := r.Sweep()
	require.Len(t, repairs, 1)
	assert.Equal(t, leased.ID, repairs[0].TaskID)

	// The stale task went back through the failure path: retried on the
	// second proxy since an attempt remained.
	task, err := f.tasks.Get(leased.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateQueued, task.State)
	assert.Contains(t, task.ExcludedProxyIDs, leased.ProxyID)
}

func TestSweep_LeavesFreshRunningTasksAlone(t *testing.T) {
	f := newFixture(t, 1, []string{"10.0.0.1:8080"})

	_, err := f.dispatcher.PlanRegistration(context.Background(), []string{"twitter"}, store.AccountFilter{})
	require.NoError(t, err)
	leased, err := f.tasks.Lease("worker-live")
	require.NoError(t, err)

	repairs := newReconciler(f).Sweep()
	assert.Empty(t, repairs)

	task, err := f.tasks.Get(leased.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateRunning, task.State)
}

func TestSweep_NoRunningTasks(t *testing.T) {
	f := newFixture(t, 0, nil)
	assert.Empty(t, newReconciler(f).Sweep())
}
