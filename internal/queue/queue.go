// Package queue persists dispatch tasks and moves them through the
// queued/running lifecycle. A Redis transport mirrors tasks to
// out-of-process workers when enabled; the YAML file stays the source
// of truth either way.
package queue

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/tmasuda/dropherd/internal/lock"
	"github.com/tmasuda/dropherd/internal/model"
	yamlutil "github.com/tmasuda/dropherd/internal/yaml"
)

// ErrNoQueuedTask is returned by Lease when nothing is waiting.
var ErrNoQueuedTask = fmt.Errorf("no queued task")

// Store owns queue/tasks.yaml. Mutations follow the same
// persist-then-commit discipline as the record stores, and take the
// same cross-process flock so a CLI enqueue never races a daemon lease
// over the file.
type Store struct {
	path string
	flk  *lock.FileLock

	mu    sync.Mutex
	tasks []model.Task

	now func() time.Time
}

// NewStore loads path, or starts empty when the file does not exist.
func NewStore(path string) (*Store, error) {
	s := &Store{
		path: path,
		flk:  lock.NewFileLock(path + ".lock"),
		now:  time.Now,
	}
	if err := s.reloadLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// lockAndReload takes the cross-process file lock and refreshes the
// working set from disk. The caller unlocks s.flk.
func (s *Store) lockAndReload() error {
	if err := s.flk.Lock(); err != nil {
		return fmt.Errorf("lock task queue: %w", err)
	}
	if err := s.reloadLocked(); err != nil {
		s.flk.Unlock()
		return err
	}
	return nil
}

// reloadLocked replaces the working set with the file contents. A
// missing file keeps the current set.
func (s *Store) reloadLocked() error {
	var file model.TaskQueueFile
	if err := yamlutil.Load(s.path, &file); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load task queue: %w", err)
	}
	if err := yamlutil.ValidateSchemaHeader(s.path, model.FileTypeTaskQueue); err != nil {
		return fmt.Errorf("task queue header: %w", err)
	}
	s.tasks = file.Tasks
	return nil
}

// Enqueue appends a new queued task. ID, timestamps, and initial state
// are stamped here; the caller supplies the work description.
func (s *Store) Enqueue(task model.Task) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lockAndReload(); err != nil {
		return nil, err
	}
	defer s.flk.Unlock()

	id, err := model.GenerateID(model.IDTypeTask)
	if err != nil {
		return nil, fmt.Errorf("generate task id: %w", err)
	}

	ts := s.now().UTC().Format(time.RFC3339)
	task.ID = id
	task.State = model.TaskStateQueued
	task.Attempts = 0
	task.LeaseOwner = nil
	task.StartedAt = nil
	task.CreatedAt = ts
	task.UpdatedAt = ts

	snapshot := s.snapshot()
	s.tasks = append(s.tasks, task)
	if err := s.persistLocked(); err != nil {
		s.restore(snapshot)
		return nil, err
	}
	out := task
	return &out, nil
}

// Lease claims the oldest queued task for owner: the task moves to
// running, the attempt counter advances, and the claim is persisted
// before the task is handed out. A crashed worker's claim is recovered
// by the stale-running sweep, not by lease expiry.
func (s *Store) Lease(owner string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lockAndReload(); err != nil {
		return nil, err
	}
	defer s.flk.Unlock()

	idx := -1
	for i := range s.tasks {
		if s.tasks[i].State != model.TaskStateQueued {
			continue
		}
		if idx == -1 || s.tasks[i].CreatedAt < s.tasks[idx].CreatedAt {
			idx = i
		}
	}
	if idx == -1 {
		return nil, ErrNoQueuedTask
	}

	snapshot := s.snapshot()
	t := &s.tasks[idx]
	ts := s.now().UTC().Format(time.RFC3339)
	t.State = model.TaskStateRunning
	t.Attempts++
	t.LeaseOwner = &owner
	t.StartedAt = &ts
	t.UpdatedAt = ts

	if err := s.persistLocked(); err != nil {
		s.restore(snapshot)
		return nil, err
	}
	out := cloneTask(*t)
	return &out, nil
}

// Requeue sends a running task back to queued for another attempt on a
// fresh proxy. The burned proxy joins the task's exclusion list.
func (s *Store) Requeue(taskID, newProxyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lockAndReload(); err != nil {
		return err
	}
	defer s.flk.Unlock()

	idx, err := s.indexOfLocked(taskID)
	if err != nil {
		return err
	}

	t := &s.tasks[idx]
	if err := model.ValidateTaskTransition(t.State, model.TaskStateQueued); err != nil {
		return err
	}

	snapshot := s.snapshot()
	if t.ProxyID != "" {
		t.ExcludedProxyIDs = append(t.ExcludedProxyIDs, t.ProxyID)
	}
	t.ProxyID = newProxyID
	t.State = model.TaskStateQueued
	t.LeaseOwner = nil
	t.StartedAt = nil
	t.FailureReason = nil
	t.UpdatedAt = s.now().UTC().Format(time.RFC3339)

	if err := s.persistLocked(); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

// MarkTerminal finishes a task as succeeded or failed. failureReason is
// recorded only on the failed path.
func (s *Store) MarkTerminal(taskID string, state model.TaskState, failureReason string) error {
	if !model.IsTaskTerminal(state) {
		return fmt.Errorf("state %q is not terminal", state)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lockAndReload(); err != nil {
		return err
	}
	defer s.flk.Unlock()

	idx, err := s.indexOfLocked(taskID)
	if err != nil {
		return err
	}

	t := &s.tasks[idx]
	if err := model.ValidateTaskTransition(t.State, state); err != nil {
		return err
	}

	snapshot := s.snapshot()
	t.State = state
	t.LeaseOwner = nil
	if state == model.TaskStateFailed && failureReason != "" {
		reason := failureReason
		t.FailureReason = &reason
	}
	t.UpdatedAt = s.now().UTC().Format(time.RFC3339)

	if err := s.persistLocked(); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

// Get returns a copy of the task by ID.
func (s *Store) Get(taskID string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.indexOfLocked(taskID)
	if err != nil {
		return nil, err
	}
	out := cloneTask(s.tasks[idx])
	return &out, nil
}

// ListRunning returns running tasks, oldest start first. The
// reconciler walks this to find stale claims.
func (s *Store) ListRunning() []model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Task
	for i := range s.tasks {
		if s.tasks[i].State == model.TaskStateRunning {
			out = append(out, cloneTask(s.tasks[i]))
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		sa, sb := out[a].StartedAt, out[b].StartedAt
		if (sa == nil) != (sb == nil) {
			return sa == nil
		}
		if sa == nil {
			return out[a].ID < out[b].ID
		}
		return *sa < *sb
	})
	return out
}

// ListAll returns a copy of every task.
func (s *Store) ListAll() []model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Task, 0, len(s.tasks))
	for i := range s.tasks {
		out = append(out, cloneTask(s.tasks[i]))
	}
	return out
}

// Depth counts tasks still waiting in queued.
func (s *Store) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for i := range s.tasks {
		if s.tasks[i].State == model.TaskStateQueued {
			n++
		}
	}
	return n
}

func (s *Store) indexOfLocked(taskID string) (int, error) {
	for i := range s.tasks {
		if s.tasks[i].ID == taskID {
			return i, nil
		}
	}
	return 0, fmt.Errorf("task not found: %s", taskID)
}

func cloneTask(t model.Task) model.Task {
	out := t
	out.Actions = append([]string(nil), t.Actions...)
	out.ExcludedProxyIDs = append([]string(nil), t.ExcludedProxyIDs...)
	return out
}

func (s *Store) snapshot() []model.Task {
	snap := make([]model.Task, len(s.tasks))
	for i := range s.tasks {
		snap[i] = cloneTask(s.tasks[i])
	}
	return snap
}

func (s *Store) restore(snap []model.Task) {
	s.tasks = snap
}

func (s *Store) persistLocked() error {
	file := model.TaskQueueFile{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      model.FileTypeTaskQueue,
		Tasks:         s.tasks,
	}
	if err := yamlutil.AtomicWrite(s.path, file); err != nil {
		return fmt.Errorf("persist task queue: %w", err)
	}
	return nil
}
