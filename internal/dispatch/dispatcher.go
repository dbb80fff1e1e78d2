// Package dispatch turns operator commands into per-account tasks and
// applies worker outcome reports back onto the stores.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tmasuda/dropherd/internal/logging"
	"github.com/tmasuda/dropherd/internal/model"
	"github.com/tmasuda/dropherd/internal/queue"
	"github.com/tmasuda/dropherd/internal/selector"
	"github.com/tmasuda/dropherd/internal/store"
)

// BatchSummary reports how a plan call went. Skipped counts
// account/platform pairs that found no usable proxy; they are not
// errors, the batch continues past them.
type BatchSummary struct {
	Created int
	Skipped int
	Errors  []string
}

// Dispatcher coordinates the stores, the selector, and the task queue.
// ReportOutcome is serialized so concurrent worker callbacks cannot
// interleave a read-modify-write on the same task.
type Dispatcher struct {
	cfg      model.Config
	accounts *store.AccountStore
	proxies  *store.ProxyStore
	sel      *selector.Selector
	tasks    *queue.Store
	logger   *logging.Logger

	reportMu sync.Mutex

	now func() time.Time
}

func NewDispatcher(cfg model.Config, accounts *store.AccountStore, proxies *store.ProxyStore, sel *selector.Selector, tasks *queue.Store, logger *logging.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		accounts: accounts,
		proxies:  proxies,
		sel:      sel,
		tasks:    tasks,
		logger:   logger,
		now:      time.Now,
	}
}

// PlanRegistration creates one register_platform task per matching
// account and requested platform whose status is not_started or failed.
// Pairs that cannot get a proxy are skipped, not failed. Cancelling ctx
// stops new task creation; tasks already enqueued stand.
func (d *Dispatcher) PlanRegistration(ctx context.Context, platforms []string, filter store.AccountFilter) (*BatchSummary, error) {
	if len(platforms) == 0 {
		return nil, fmt.Errorf("no platforms requested")
	}

	summary := &BatchSummary{}
	for _, acct := range d.accounts.Query(filter) {
		for _, platform := range platforms {
			if err := ctx.Err(); err != nil {
				d.logger.Infof("registration batch cancelled created=%d skipped=%d", summary.Created, summary.Skipped)
				return summary, err
			}

			state, ok := acct.Platforms[platform]
			if !ok {
				summary.Errors = append(summary.Errors, fmt.Sprintf("%s: unknown platform %q", acct.ID, platform))
				continue
			}
			if state.Status != model.PlatformStatusNotStarted && state.Status != model.PlatformStatusFailed {
				continue
			}

			d.planOne(summary, model.Task{
				AccountID: acct.ID,
				Kind:      model.TaskKindRegisterPlatform,
				Platform:  platform,
			})
		}
	}

	d.logger.Infof("registration batch done platforms=%v created=%d skipped=%d errors=%d",
		platforms, summary.Created, summary.Skipped, len(summary.Errors))
	return summary, nil
}

// PlanAirdrop creates one airdrop_action task per matching account that
// is registered on the airdrop's platform.
func (d *Dispatcher) PlanAirdrop(ctx context.Context, name, platform string, actions []string, filter store.AccountFilter) (*BatchSummary, error) {
	if name == "" {
		return nil, fmt.Errorf("airdrop name required")
	}
	if platform == "" {
		return nil, fmt.Errorf("airdrop platform required")
	}

	summary := &BatchSummary{}
	for _, acct := range d.accounts.Query(filter) {
		if err := ctx.Err(); err != nil {
			d.logger.Infof("airdrop batch cancelled created=%d skipped=%d", summary.Created, summary.Skipped)
			return summary, err
		}

		state, ok := acct.Platforms[platform]
		if !ok || state.Status != model.PlatformStatusRegistered {
			continue
		}

		d.planOne(summary, model.Task{
			AccountID: acct.ID,
			Kind:      model.TaskKindAirdropAction,
			Platform:  platform,
			Airdrop:   name,
			Actions:   actions,
		})
	}

	d.logger.Infof("airdrop batch done airdrop=%s created=%d skipped=%d errors=%d",
		name, summary.Created, summary.Skipped, len(summary.Errors))
	return summary, nil
}

// planOne assigns a proxy, advances account state for registrations,
// and enqueues the task.
func (d *Dispatcher) planOne(summary *BatchSummary, task model.Task) {
	proxy, err := d.sel.SelectFor(task.AccountID, nil)
	if errors.Is(err, selector.ErrNoProxyAvailable) {
		d.logger.Debugf("skip account=%s platform=%s: no proxy available", task.AccountID, task.Platform)
		summary.Skipped++
		return
	}
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("%s/%s: select proxy: %v", task.AccountID, task.Platform, err))
		return
	}
	task.ProxyID = proxy.ID

	if task.Kind == model.TaskKindRegisterPlatform {
		if err := d.accounts.UpdateStatus(task.AccountID, task.Platform, model.PlatformStatusInProgress); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s/%s: %v", task.AccountID, task.Platform, err))
			return
		}
	}

	created, err := d.tasks.Enqueue(task)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("%s/%s: enqueue: %v", task.AccountID, task.Platform, err))
		// No task carries this pair forward, so revert to failed to
		// keep it eligible for the next plan.
		if task.Kind == model.TaskKindRegisterPlatform {
			if rerr := d.accounts.UpdateStatus(task.AccountID, task.Platform, model.PlatformStatusFailed); rerr != nil {
				d.logger.Warnf("revert account=%s platform=%s after enqueue failure: %v", task.AccountID, task.Platform, rerr)
			}
		}
		return
	}
	summary.Created++
	d.logger.Debugf("task enqueued id=%s account=%s kind=%s proxy=%s", created.ID, task.AccountID, task.Kind, proxy.ID)
}

// ReportOutcome applies one worker attempt result. It is idempotent:
// a report against a task already terminal, or already requeued for
// the next attempt, is a no-op.
func (d *Dispatcher) ReportOutcome(taskID string, success bool, failureReason string) error {
	d.reportMu.Lock()
	defer d.reportMu.Unlock()

	task, err := d.tasks.Get(taskID)
	if err != nil {
		return err
	}
	if task.State != model.TaskStateRunning {
		d.logger.Debugf("duplicate outcome ignored task=%s state=%s", taskID, task.State)
		return nil
	}

	if success {
		return d.applySuccess(task)
	}
	return d.applyFailure(task, failureReason)
}

func (d *Dispatcher) applySuccess(task *model.Task) error {
	if err := d.tasks.MarkTerminal(task.ID, model.TaskStateSucceeded, ""); err != nil {
		return err
	}
	if err := d.proxies.RecordOutcome(task.ProxyID, true); err != nil {
		d.logger.Warnf("record proxy success task=%s proxy=%s: %v", task.ID, task.ProxyID, err)
	}

	switch task.Kind {
	case model.TaskKindRegisterPlatform:
		if err := d.accounts.UpdateStatus(task.AccountID, task.Platform, model.PlatformStatusRegistered); err != nil {
			d.logger.Warnf("mark registered task=%s account=%s: %v", task.ID, task.AccountID, err)
		}
	case model.TaskKindAirdropAction:
		note := fmt.Sprintf("airdrop %s completed on %s", task.Airdrop, task.Platform)
		if err := d.accounts.AppendNote(task.AccountID, note); err != nil {
			d.logger.Warnf("note airdrop task=%s account=%s: %v", task.ID, task.AccountID, err)
		}
	}

	d.logger.Infof("task succeeded id=%s account=%s kind=%s attempts=%d", task.ID, task.AccountID, task.Kind, task.Attempts)
	return nil
}

func (d *Dispatcher) applyFailure(task *model.Task, reason string) error {
	// rate_limited says nothing about proxy health: sideline it for a
	// cooldown instead of counting it toward the dead threshold.
	if reason == model.FailureReasonRateLimited {
		if err := d.proxies.MarkCoolingDown(task.ProxyID); err != nil {
			d.logger.Warnf("cooldown proxy task=%s proxy=%s: %v", task.ID, task.ProxyID, err)
		}
	} else {
		if err := d.proxies.RecordOutcome(task.ProxyID, false); err != nil {
			d.logger.Warnf("record proxy failure task=%s proxy=%s: %v", task.ID, task.ProxyID, err)
		}
	}

	if task.Attempts < d.cfg.Retry.Limit {
		exclude := append(append([]string(nil), task.ExcludedProxyIDs...), task.ProxyID)
		proxy, err := d.sel.SelectFor(task.AccountID, exclude)
		if err == nil {
			if err := d.tasks.Requeue(task.ID, proxy.ID); err != nil {
				return err
			}
			d.logger.Infof("task requeued id=%s attempt=%d reason=%s proxy=%s", task.ID, task.Attempts, reason, proxy.ID)
			return nil
		}
		if !errors.Is(err, selector.ErrNoProxyAvailable) {
			return err
		}
		d.logger.Warnf("no proxy for retry task=%s, failing terminally", task.ID)
	}

	if err := d.tasks.MarkTerminal(task.ID, model.TaskStateFailed, reason); err != nil {
		return err
	}
	if task.Kind == model.TaskKindRegisterPlatform {
		if err := d.accounts.UpdateStatus(task.AccountID, task.Platform, model.PlatformStatusFailed); err != nil {
			d.logger.Warnf("mark failed task=%s account=%s: %v", task.ID, task.AccountID, err)
		}
	}
	d.logger.Infof("task failed id=%s account=%s reason=%s attempts=%d", task.ID, task.AccountID, reason, task.Attempts)
	return nil
}

// AbortTask fails a running task that never reached a worker. The
// account platform moves to failed rather than staying stranded at
// in_progress, so the pair stays plannable.
func (d *Dispatcher) AbortTask(task model.Task, reason string) error {
	if err := d.tasks.MarkTerminal(task.ID, model.TaskStateFailed, reason); err != nil {
		return err
	}
	if task.Kind == model.TaskKindRegisterPlatform {
		if err := d.accounts.UpdateStatus(task.AccountID, task.Platform, model.PlatformStatusFailed); err != nil {
			d.logger.Warnf("mark failed task=%s account=%s: %v", task.ID, task.AccountID, err)
		}
	}
	d.logger.Infof("task aborted id=%s account=%s reason=%s", task.ID, task.AccountID, reason)
	return nil
}

// BuildDescriptor resolves a task's account and proxy references into
// the self-contained wire form workers consume. Called by the daemon
// after leasing, so Attempt reflects the attempt being handed out.
func (d *Dispatcher) BuildDescriptor(task model.Task) (*model.TaskDescriptor, error) {
	acct, err := d.accounts.Get(task.AccountID)
	if err != nil {
		return nil, fmt.Errorf("descriptor account: %w", err)
	}
	proxy, err := d.proxies.Get(task.ProxyID)
	if err != nil {
		return nil, fmt.Errorf("descriptor proxy: %w", err)
	}
	return &model.TaskDescriptor{
		TaskID:        task.ID,
		AccountID:     acct.ID,
		AccountEmail:  acct.Email,
		Kind:          task.Kind,
		Platform:      task.Platform,
		Airdrop:       task.Airdrop,
		Actions:       task.Actions,
		ProxyHost:     proxy.Host,
		ProxyPort:     proxy.Port,
		ProxyScheme:   proxy.Scheme,
		ProxyUsername: proxy.Username,
		ProxyPassword: proxy.Password,
		Attempt:       task.Attempts,
		EnqueuedAt:    d.now().UTC().Format(time.RFC3339),
	}, nil
}
