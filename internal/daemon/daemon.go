// Package daemon runs the coordinating process: it watches the queue,
// announces leased tasks to workers, applies outcome reports, and
// sweeps stale state on a timer.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tmasuda/dropherd/internal/dispatch"
	"github.com/tmasuda/dropherd/internal/lock"
	"github.com/tmasuda/dropherd/internal/logging"
	"github.com/tmasuda/dropherd/internal/model"
	"github.com/tmasuda/dropherd/internal/queue"
	"github.com/tmasuda/dropherd/internal/selector"
	"github.com/tmasuda/dropherd/internal/store"
	"github.com/tmasuda/dropherd/internal/worker"
	yamlutil "github.com/tmasuda/dropherd/internal/yaml"
)

const announceOwner = "daemon"

// heartbeatFile is the daemon's liveness record in state/daemon.yaml.
type heartbeatFile struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	PID           int    `yaml:"pid"`
	Heartbeat     string `yaml:"heartbeat"`
	QueueDepth    int    `yaml:"queue_depth"`
	RunningTasks  int    `yaml:"running_tasks"`
}

// Daemon is the main dropherd daemon process. State lives in the YAML
// files; every scan reopens the stores so operator CLI writes between
// scans are picked up.
type Daemon struct {
	baseDir string
	config  model.Config
	logger  *logging.Logger
	logFile io.Closer

	fileLock *lock.FileLock
	lockMap  *lock.MutexMap
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	// transport is set when Redis is enabled; localTasks carries
	// descriptors to the in-process worker otherwise.
	transport  *queue.RedisTransport
	localTasks chan model.TaskDescriptor

	// Debounce state for queue file events.
	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	forceExit atomic.Bool
}

// New creates a Daemon logging to logs/daemon.log under baseDir.
func New(baseDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(baseDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(baseDir, cfg, logFile, logFile), nil
}

// newDaemon is the internal constructor for testing.
func newDaemon(baseDir string, cfg model.Config, w io.Writer, closer io.Closer) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())

	scanInterval := cfg.Watcher.ScanIntervalSec
	if scanInterval <= 0 {
		scanInterval = 30
	}

	return &Daemon{
		baseDir:  baseDir,
		config:   cfg,
		logger:   logging.New(w, "daemon", logging.ParseLevel(cfg.Logging.Level)),
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(baseDir, "locks", "daemon.lock")),
		lockMap:  lock.NewMutexMap(),
		ticker:   time.NewTicker(time.Duration(scanInterval) * time.Second),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logger.Infof("daemon starting pid=%d project=%s", os.Getpid(), d.config.Project.Name)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.fileLock.Unlock()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher

	queueDir := filepath.Join(d.baseDir, "queue")
	storeDir := filepath.Join(d.baseDir, "store")
	for _, dir := range []string{queueDir, storeDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			d.cleanup()
			return fmt.Errorf("ensure dir %s: %w", dir, err)
		}
		if err := watcher.Add(dir); err != nil {
			d.cleanup()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	if d.config.Redis.Enabled {
		transport, err := queue.NewRedisTransport(d.config.Redis)
		if err != nil {
			d.cleanup()
			return err
		}
		d.transport = transport
		d.logger.Infof("redis transport connected addr=%s db=%d", d.config.Redis.Addr, d.config.Redis.DB)

		d.wg.Add(1)
		go d.outcomeDrainLoop()
	} else {
		d.localTasks = make(chan model.TaskDescriptor, 64)
		d.wg.Add(1)
		go d.localWorkerLoop()
		d.logger.Infof("redis disabled, running in-process worker")
	}

	d.wg.Add(2)
	go d.fsnotifyLoop()
	go d.tickerLoop()

	d.scan()
	d.logger.Infof("daemon ready")

	d.waitSignals()
	return nil
}

// fsnotifyLoop reacts to queue and store file writes from the CLI.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				d.logger.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
				d.debounceScan()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Errorf("fsnotify error=%v", err)
		}
	}
}

// debounceScan coalesces bursts of file events into one scan.
func (d *Daemon) debounceScan() {
	d.debounceMu.Lock()
	defer d.debounceMu.Unlock()

	if d.debounceTimer != nil {
		d.debounceTimer.Stop()
	}
	d.debounceTimer = time.AfterFunc(500*time.Millisecond, func() {
		if d.ctx.Err() != nil {
			return
		}
		d.logger.Debugf("debounced scan")
		d.scan()
	})
}

func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.logger.Debugf("periodic scan")
			d.scan()
		}
	}
}

// scan is the daemon's main unit of work: reload state, repair it, and
// hand queued tasks to workers. Serialized via the state lock so a
// timer scan and a debounced scan never interleave.
func (d *Daemon) scan() {
	d.lockMap.Lock("state")
	defer d.lockMap.Unlock("state")

	dispatcher, tasks, proxies, err := d.open()
	if err != nil {
		d.logger.Errorf("scan open stores: %v", err)
		return
	}

	if err := proxies.ExpireCooldowns(); err != nil {
		d.logger.Warnf("expire cooldowns: %v", err)
	}

	reconciler := dispatch.NewReconciler(d.config.Watcher, tasks, dispatcher, d.logger.WithComponent("reconciler"))
	for _, repair := range reconciler.Sweep() {
		d.logger.Infof("repair task=%s %s", repair.TaskID, repair.Detail)
	}

	d.announce(dispatcher, tasks)
	d.writeHeartbeat(tasks)
}

// announce leases queued tasks and pushes their descriptors to the
// worker transport. The lease happens first so an outcome report can
// only ever arrive for a running task.
func (d *Daemon) announce(dispatcher *dispatch.Dispatcher, tasks *queue.Store) {
	if d.transport == nil && d.localTasks == nil {
		return
	}
	for {
		if d.ctx.Err() != nil {
			return
		}
		task, err := tasks.Lease(announceOwner)
		if errors.Is(err, queue.ErrNoQueuedTask) {
			return
		}
		if err != nil {
			d.logger.Errorf("announce lease: %v", err)
			return
		}

		desc, err := dispatcher.BuildDescriptor(*task)
		if err != nil {
			d.logger.Errorf("announce descriptor task=%s: %v", task.ID, err)
			if aerr := dispatcher.AbortTask(*task, "descriptor_error"); aerr != nil {
				d.logger.Errorf("announce abort task=%s: %v", task.ID, aerr)
			}
			continue
		}

		if d.transport != nil {
			if err := d.transport.PushTask(*desc); err != nil {
				// The task stays running; the stale sweep recycles it.
				d.logger.Errorf("announce push task=%s: %v", task.ID, err)
				return
			}
		} else {
			select {
			case d.localTasks <- *desc:
			case <-d.ctx.Done():
				return
			}
		}
		d.logger.Infof("task announced id=%s kind=%s attempt=%d", task.ID, task.Kind, task.Attempts)
	}
}

// outcomeDrainLoop pulls worker reports off Redis and applies them.
func (d *Daemon) outcomeDrainLoop() {
	defer d.wg.Done()

	for {
		if d.ctx.Err() != nil {
			return
		}
		report, err := d.transport.PopOutcome(2 * time.Second)
		if err != nil {
			d.logger.Errorf("outcome drain: %v", err)
			select {
			case <-d.ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}
		if report == nil {
			continue
		}
		d.applyOutcome(*report)
	}
}

// localWorkerLoop runs the in-process worker when Redis is disabled.
func (d *Daemon) localWorkerLoop() {
	defer d.wg.Done()

	w := worker.New(
		localSource{ch: d.localTasks},
		outcomeFunc(d.applyOutcome),
		d.logger.WithComponent("worker"),
	)
	target := "https://www.google.com"
	if len(d.config.Checker.TestURLs) > 0 {
		target = d.config.Checker.TestURLs[0]
	}
	timeout := time.Duration(d.config.Checker.TimeoutSec) * time.Second
	for _, platform := range d.config.Accounts.Platforms {
		w.Register(platform, worker.NewProbeAutomator(target, timeout))
	}

	if err := w.Run(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Errorf("local worker: %v", err)
	}
}

// applyOutcome routes one report through a fresh dispatcher.
func (d *Daemon) applyOutcome(report model.OutcomeReport) error {
	d.lockMap.Lock("state")
	defer d.lockMap.Unlock("state")

	dispatcher, tasks, _, err := d.open()
	if err != nil {
		d.logger.Errorf("outcome open stores: %v", err)
		return err
	}
	if err := dispatcher.ReportOutcome(report.TaskID, report.Success, report.FailureReason); err != nil {
		d.logger.Errorf("outcome apply task=%s worker=%s: %v", report.TaskID, report.WorkerID, err)
		return err
	}
	d.logger.Infof("outcome applied task=%s worker=%s success=%t reason=%s",
		report.TaskID, report.WorkerID, report.Success, report.FailureReason)
	d.writeHeartbeat(tasks)
	return nil
}

// open loads fresh store instances over the state files.
func (d *Daemon) open() (*dispatch.Dispatcher, *queue.Store, *store.ProxyStore, error) {
	proxies, err := store.NewProxyStore(filepath.Join(d.baseDir, "store", "proxies.yaml"), d.config.Proxy)
	if err != nil {
		return nil, nil, nil, err
	}
	accounts, err := store.NewAccountStore(filepath.Join(d.baseDir, "store", "accounts.yaml"), d.config.Accounts)
	if err != nil {
		return nil, nil, nil, err
	}
	tasks, err := queue.NewStore(filepath.Join(d.baseDir, "queue", "tasks.yaml"))
	if err != nil {
		return nil, nil, nil, err
	}
	dispatcher := dispatch.NewDispatcher(d.config, accounts, proxies, selector.New(proxies), tasks, d.logger.WithComponent("dispatch"))
	return dispatcher, tasks, proxies, nil
}

func (d *Daemon) writeHeartbeat(tasks *queue.Store) {
	hb := heartbeatFile{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      "state_daemon",
		PID:           os.Getpid(),
		Heartbeat:     time.Now().UTC().Format(time.RFC3339),
		QueueDepth:    tasks.Depth(),
		RunningTasks:  len(tasks.ListRunning()),
	}
	path := filepath.Join(d.baseDir, "state", "daemon.yaml")
	if err := yamlutil.AtomicWrite(path, hb); err != nil {
		d.logger.Warnf("write heartbeat: %v", err)
	}
}

// waitSignals blocks until a shutdown signal arrives. A second signal
// forces immediate exit.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.logger.Infof("received signal=%s, initiating graceful shutdown", sig)

	go func() {
		<-sigCh
		d.logger.Warnf("received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Infof("shutdown started")

		d.cancel()

		d.ticker.Stop()
		if d.watcher != nil {
			d.watcher.Close()
		}

		timeout := d.config.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			d.logger.Infof("all goroutines drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.logger.Warnf("shutdown timeout after %ds, some operations may be incomplete", timeout)
		}

		d.cleanup()
		d.logger.Infof("daemon stopped")
	})
}

func (d *Daemon) cleanup() {
	if d.transport != nil {
		d.transport.Close()
	}
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

// localSource adapts the in-process channel to the worker's TaskSource.
type localSource struct {
	ch chan model.TaskDescriptor
}

func (s localSource) PopTask(timeout time.Duration) (*model.TaskDescriptor, error) {
	select {
	case desc := <-s.ch:
		return &desc, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

// outcomeFunc adapts a function to the worker's OutcomeSink.
type outcomeFunc func(model.OutcomeReport) error

func (f outcomeFunc) PushOutcome(report model.OutcomeReport) error {
	return f(report)
}
