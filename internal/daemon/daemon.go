// Package daemon hosts the long-running arbiter process: the flock
// singleton, the fsnotify/ticker triggers, the UDS control server, and
// the engine supervisor.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/arbiterhq/arbiter/internal/agent"
	"github.com/arbiterhq/arbiter/internal/engine"
	"github.com/arbiterhq/arbiter/internal/events"
	"github.com/arbiterhq/arbiter/internal/lock"
	"github.com/arbiterhq/arbiter/internal/logging"
	"github.com/arbiterhq/arbiter/internal/model"
	"github.com/arbiterhq/arbiter/internal/notify"
	"github.com/arbiterhq/arbiter/internal/store"
	"github.com/arbiterhq/arbiter/internal/uds"
)

// Daemon is the arbiter background process. One instance per working
// directory, enforced by a flock.
type Daemon struct {
	arbiterDir string
	config     model.Config
	logger     *log.Logger
	logFile    io.Closer
	logc       *logging.Component

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher

	taskStore  store.TaskStore
	bus        *events.Bus
	audit      *events.AuditLogger
	supervisor *engine.Supervisor

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	superErr chan error
	shutdown sync.Once
}

// New builds a daemon logging to <dir>/logs/daemon.log.
func New(arbiterDir string, cfg model.Config, st store.TaskStore) (*Daemon, error) {
	logPath := filepath.Join(arbiterDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(arbiterDir, cfg, st, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(arbiterDir string, cfg model.Config, st store.TaskStore, w io.Writer, closer io.Closer) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	logger := log.New(w, "", 0)
	level := logging.ParseLevel(cfg.Logging.Level)
	bus := events.NewBus(0)

	d := &Daemon{
		arbiterDir: arbiterDir,
		config:     cfg,
		logger:     logger,
		logFile:    closer,
		logc:       logging.NewComponent("daemon", logger, level),
		fileLock:   lock.NewFileLock(filepath.Join(arbiterDir, "locks", "daemon.lock")),
		server:     uds.NewServer(filepath.Join(arbiterDir, uds.DefaultSocketName)),
		taskStore:  st,
		bus:        bus,
		ctx:        ctx,
		cancel:     cancel,
		superErr:   make(chan error, 1),
	}
	return d, nil
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logc.Logf(logging.LevelInfo, "daemon starting pid=%d dir=%s", os.Getpid(), d.arbiterDir)

	audit, err := events.NewAuditLogger(filepath.Join(d.arbiterDir, "logs", "audit.jsonl"), 0)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("open audit log: %w", err)
	}
	d.audit = audit
	d.audit.Attach(d.bus)

	// No configured executor is a degraded start, not a fatal one: the
	// agent loops idle while the resolution jobs and UDS keep running.
	var executor agent.Executor
	if d.config.Executor.Command == "" {
		d.logc.Logf(logging.LevelWarn, "no executor command configured, agent loops will idle")
	} else {
		ex, err := agent.DefaultFactory(d.config.Executor)
		if err != nil {
			d.cleanup()
			return fmt.Errorf("build executor: %w", err)
		}
		executor = ex
	}
	notifier := notify.New(d.config.Notify)
	d.supervisor = engine.NewSupervisor(d.config, d.taskStore, executor, notifier, d.bus,
		logging.NewComponent("engine", d.logger, logging.ParseLevel(d.config.Logging.Level)))

	// The file backend gets an fsnotify watch on its task records so an
	// external write wakes the loops before the next tick.
	if fs, ok := d.taskStore.(*store.FileStore); ok {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			d.cleanup()
			return fmt.Errorf("create fsnotify watcher: %w", err)
		}
		d.watcher = watcher
		if err := watcher.Add(fs.TasksDir()); err != nil {
			d.cleanup()
			return fmt.Errorf("watch %s: %w", fs.TasksDir(), err)
		}
		d.wg.Add(1)
		go d.fsnotifyLoop()
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.logc.Logf(logging.LevelInfo, "UDS server listening on %s",
		filepath.Join(d.arbiterDir, uds.DefaultSocketName))

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.superErr <- d.supervisor.Run(d.ctx)
	}()

	// Initial sweep: anything that resolved while the daemon was down is
	// requeued before the first tick fires.
	d.supervisor.Resolver().Sweep(d.ctx)
	d.logc.Logf(logging.LevelInfo, "daemon ready agents=%d", len(d.supervisor.Agents()))

	d.waitSignals()

	select {
	case err := <-d.superErr:
		return err
	default:
		return nil
	}
}

func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle("scan", func(req *uds.Request) *uds.Response {
		d.supervisor.Resolver().Sweep(d.ctx)
		d.supervisor.Nudge()
		return uds.SuccessResponse(map[string]string{"status": "scanned"})
	})

	d.server.Handle("status", d.handleStatus)
	d.server.Handle("decide", d.handleDecide)

	d.server.Handle("shutdown", func(req *uds.Request) *uds.Response {
		d.logc.Logf(logging.LevelInfo, "shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) handleStatus(req *uds.Request) *uds.Response {
	tasks, err := d.taskStore.ListTasks(d.ctx, store.ListFilter{})
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	counts := make(map[string]int)
	for _, t := range tasks {
		counts[string(t.Status)]++
	}
	return uds.SuccessResponse(map[string]any{
		"agents": d.supervisor.Agents(),
		"tasks":  counts,
		"total":  len(tasks),
	})
}

type decideParams struct {
	DecisionID string `json:"decision_id"`
	Option     string `json:"option"`
	Notes      string `json:"notes,omitempty"`
}

func (d *Daemon) handleDecide(req *uds.Request) *uds.Response {
	var p decideParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("bad params: %v", err))
	}
	if p.DecisionID == "" || p.Option == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "decision_id and option are required")
	}
	if err := d.supervisor.Decisions().Resolve(d.ctx, p.DecisionID, p.Option, p.Notes); err != nil {
		return uds.ErrorResponse(uds.ErrCodeConflict, err.Error())
	}
	d.supervisor.Nudge()
	return uds.SuccessResponse(map[string]string{
		"status":      "resolved",
		"decision_id": p.DecisionID,
		"option":      p.Option,
	})
}

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
				d.logc.Logf(logging.LevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				d.supervisor.Nudge()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logc.Logf(logging.LevelError, "fsnotify error=%v", err)
		}
	}
}

func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		d.logc.Logf(logging.LevelInfo, "received signal=%s, initiating graceful shutdown", sig)
		go func() {
			<-sigCh
			d.logc.Logf(logging.LevelWarn, "received second signal, forcing exit")
			os.Exit(1)
		}()
	case <-d.ctx.Done():
		// Shutdown already triggered via UDS.
	}
	d.Shutdown()
}

// Shutdown performs graceful shutdown; safe to call more than once.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logc.Logf(logging.LevelInfo, "shutdown started")
		d.cancel()

		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
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
			d.logc.Logf(logging.LevelInfo, "all goroutines drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.logc.Logf(logging.LevelWarn, "shutdown timeout after %ds, some operations may be incomplete", timeout)
		}

		d.cleanup()
		d.logc.Logf(logging.LevelInfo, "daemon stopped")
	})
}

func (d *Daemon) cleanup() {
	if d.audit != nil {
		d.audit.Close()
	}
	if d.bus != nil {
		d.bus.Close()
	}
	os.Remove(filepath.Join(d.arbiterDir, uds.DefaultSocketName))
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}
