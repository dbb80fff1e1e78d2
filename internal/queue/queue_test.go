package queue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmasuda/dropherd/internal/model"
)

func newTestQueue(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "tasks.yaml"))
	require.NoError(t, err)
	return s
}

func enqueueRegistration(t *testing.T, s *Store, accountID, proxyID string) *model.Task {
	t.Helper()
	task, err := s.Enqueue(model.Task{
		AccountID: accountID,
		Kind:      model.TaskKindRegisterPlatform,
		Platform:  "twitter",
		ProxyID:   proxyID,
	})
	require.NoError(t, err)
	return task
}

func TestQueue_EnqueueStampsFields(t *testing.T) {
	s := newTestQueue(t)

	task := enqueueRegistration(t, s, "acct_1700000000_00000001", "prx_1700000000_00000001")

	assert.True(t, model.ValidateID(task.ID))
	assert.Equal(t, model.TaskStateQueued, task.State)
	assert.Equal(t, 0, task.Attempts)
	assert.Nil(t, task.LeaseOwner)
	assert.Equal(t, 1, s.Depth())
}

func TestQueue_InstancesShareFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	s1, err := NewStore(path)
	require.NoError(t, err)
	s2, err := NewStore(path)
	require.NoError(t, err)

	// Two instances over one file stand in for a CLI enqueue racing a
	// daemon lease.
	first := enqueueRegistration(t, s1, "acct_1700000000_00000001", "prx_1700000000_00000001")
	enqueueRegistration(t, s2, "acct_1700000000_00000002", "prx_1700000000_00000002")

	fresh, err := NewStore(path)
	require.NoError(t, err)
	require.Len(t, fresh.ListAll(), 2, "neither enqueue may overwrite the other")

	leased, err := s2.Lease("daemon")
	require.NoError(t, err)
	assert.Equal(t, first.ID, leased.ID)

	second, err := s1.Lease("daemon")
	require.NoError(t, err)
	assert.NotEqual(t, leased.ID, second.ID)

	_, err = s2.Lease("daemon")
	assert.ErrorIs(t, err, ErrNoQueuedTask)
}

func TestQueue_LeaseClaimsOldestFirst(t *testing.T) {
	s := newTestQueue(t)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	first := enqueueRegistration(t, s, "acct_1700000000_00000001", "prx_1700000000_00000001")
	enqueueRegistration(t, s, "acct_1700000000_00000002", "prx_1700000000_00000002")

	leased, err := s.Lease("worker-a")
	require.NoError(t, err)
	assert.Equal(t, first.ID, leased.ID)
	assert.Equal(t, model.TaskStateRunning, leased.State)
	assert.Equal(t, 1, leased.Attempts)
	require.NotNil(t, leased.LeaseOwner)
	assert.Equal(t, "worker-a", *leased.LeaseOwner)
	require.NotNil(t, leased.StartedAt)
	assert.Equal(t, 1, s.Depth())
}

func TestQueue_LeaseEmpty(t *testing.T) {
	s := newTestQueue(t)
	_, err := s.Lease("worker-a")
	assert.ErrorIs(t, err, ErrNoQueuedTask)
}

func TestQueue_LeaseSkipsRunning(t *testing.T) {
	s := newTestQueue(t)
	enqueueRegistration(t, s, "acct_1700000000_00000001", "prx_1700000000_00000001")

	_, err := s.Lease("worker-a")
	require.NoError(t, err)

	_, err = s.Lease("worker-b")
	assert.ErrorIs(t, err, ErrNoQueuedTask)
}

func TestQueue_RequeueExcludesBurnedProxy(t *testing.T) {
	s := newTestQueue(t)
	task := enqueueRegistration(t, s, "acct_1700000000_00000001", "prx_1700000000_00000001")

	_, err := s.Lease("worker-a")
	require.NoError(t, err)

	require.NoError(t, s.Requeue(task.ID, "prx_1700000000_00000002"))

	got, err := s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateQueued, got.State)
	assert.Equal(t, "prx_1700000000_00000002", got.ProxyID)
	assert.Equal(t, []string{"prx_1700000000_00000001"}, got.ExcludedProxyIDs)
	assert.Nil(t, got.LeaseOwner)
	assert.Nil(t, got.StartedAt)
	assert.Equal(t, 1, got.Attempts, "attempts survive the requeue")

	// Second lease advances the attempt counter.
	leased, err := s.Lease("worker-b")
	require.NoError(t, err)
	assert.Equal(t, 2, leased.Attempts)
}

func TestQueue_RequeueRequiresRunning(t *testing.T) {
	s := newTestQueue(t)
	task := enqueueRegistration(t, s, "acct_1700000000_00000001", "prx_1700000000_00000001")

	err := s.Requeue(task.ID, "prx_1700000000_00000002")
	require.Error(t, err)

	var ite *model.InvalidTransitionError
	assert.ErrorAs(t, err, &ite)
}

func TestQueue_MarkTerminal(t *testing.T) {
	s := newTestQueue(t)
	task := enqueueRegistration(t, s, "acct_1700000000_00000001", "prx_1700000000_00000001")

	_, err := s.Lease("worker-a")
	require.NoError(t, err)

	require.NoError(t, s.MarkTerminal(task.ID, model.TaskStateFailed, model.FailureReasonCaptchaBlock))

	got, err := s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateFailed, got.State)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, model.FailureReasonCaptchaBlock, *got.FailureReason)
	assert.Nil(t, got.LeaseOwner)

	// Terminal states are final.
	err = s.MarkTerminal(task.ID, model.TaskStateSucceeded, "")
	require.Error(t, err)
}

func TestQueue_MarkTerminalRejectsNonTerminalState(t *testing.T) {
	s := newTestQueue(t)
	task := enqueueRegistration(t, s, "acct_1700000000_00000001", "prx_1700000000_00000001")

	err := s.MarkTerminal(task.ID, model.TaskStateRunning, "")
	require.Error(t, err)
}

func TestQueue_ListRunningOrderedByStart(t *testing.T) {
	s := newTestQueue(t)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	a := enqueueRegistration(t, s, "acct_1700000000_00000001", "prx_1700000000_00000001")
	b := enqueueRegistration(t, s, "acct_1700000000_00000002", "prx_1700000000_00000002")

	_, err := s.Lease("worker-a")
	require.NoError(t, err)
	_, err = s.Lease("worker-b")
	require.NoError(t, err)

	running := s.ListRunning()
	require.Len(t, running, 2)
	assert.Equal(t, a.ID, running[0].ID)
	assert.Equal(t, b.ID, running[1].ID)
}

func TestQueue_ReloadFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")

	s, err := NewStore(path)
	require.NoError(t, err)
	task := enqueueRegistration(t, s, "acct_1700000000_00000001", "prx_1700000000_00000001")
	_, err = s.Lease("worker-a")
	require.NoError(t, err)

	reloaded, err := NewStore(path)
	require.NoError(t, err)
	got, err := reloaded.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateRunning, got.State)
	require.NotNil(t, got.LeaseOwner)
	assert.Equal(t, "worker-a", *got.LeaseOwner)
}
