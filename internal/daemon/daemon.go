// Package daemon wires the store, engine, event sinks and socket server into
// the long-running phasegraph service.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/phasegraph/internal/api"
	"github.com/msageha/phasegraph/internal/coherence"
	"github.com/msageha/phasegraph/internal/events"
	"github.com/msageha/phasegraph/internal/lock"
	"github.com/msageha/phasegraph/internal/logging"
	"github.com/msageha/phasegraph/internal/metrics"
	"github.com/msageha/phasegraph/internal/model"
	"github.com/msageha/phasegraph/internal/store"
	"github.com/msageha/phasegraph/internal/store/memstore"
	"github.com/msageha/phasegraph/internal/store/sqlite"
	"github.com/msageha/phasegraph/internal/uds"
	"github.com/msageha/phasegraph/internal/workflow"
)

const CmdShutdown = "shutdown"

// Daemon is the phasegraph service process.
type Daemon struct {
	dir        string
	configPath string

	mu     sync.Mutex
	config model.Config

	logger *logging.Logger

	fileLock *lock.FileLock
	store    store.Store
	bus      *events.Bus
	audit    *events.AuditLogger
	nats     *events.NATSForwarder
	metrics  *metrics.Metrics
	engine   *workflow.Engine
	monitor  *coherence.Monitor
	service  *api.Service
	server   *uds.Server
	httpSrv  *http.Server
	httpAddr net.Addr
	watcher  *fsnotify.Watcher

	ready    chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

// New prepares a daemon rooted at dir. Relative paths in cfg resolve
// against dir. configPath is watched for reloads when non-empty.
func New(dir, configPath string, cfg model.Config, w io.Writer) *Daemon {
	cfg.ApplyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		dir:        dir,
		configPath: configPath,
		config:     cfg,
		logger:     logging.New(w, logging.ParseLevel(cfg.Logging.Level)),
		fileLock:   lock.NewFileLock(filepath.Join(dir, "phasegraph.lock")),
		ready:      make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	d.server = uds.NewServer(d.path(cfg.Daemon.Socket))
	d.server.SetLogger(d.logger)
	return d
}

func (d *Daemon) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.dir, p)
}

func (d *Daemon) log() *logging.Logger {
	return d.logger.Component("daemon")
}

// SocketPath is where the daemon serves requests.
func (d *Daemon) SocketPath() string {
	return d.server.SocketPath()
}

// Ready is closed once the daemon accepts requests.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// MetricsAddr is the bound metrics listener, nil when metrics are disabled.
func (d *Daemon) MetricsAddr() net.Addr {
	return d.httpAddr
}

// Config returns the currently applied config.
func (d *Daemon) Config() model.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// Run starts the daemon and blocks until ctx is canceled or a shutdown
// command arrives.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log().Infof("daemon starting pid=%d dir=%s", os.Getpid(), d.dir)

	if err := d.start(); err != nil {
		d.Shutdown()
		return err
	}
	close(d.ready)
	d.log().Infof("daemon ready socket=%s", d.SocketPath())

	select {
	case <-ctx.Done():
		d.log().Infof("context canceled, initiating graceful shutdown")
	case <-d.ctx.Done():
	}
	d.Shutdown()
	return nil
}

func (d *Daemon) start() error {
	cfg := d.Config()

	s, err := d.openStore(cfg.Store)
	if err != nil {
		return err
	}
	d.store = s

	d.bus = events.NewBus(cfg.Events.BusBuffer)
	d.bus.OnPanic(func(t events.EventType, r any) {
		d.logger.Component("events").Errorf("subscriber panic event=%s: %v", t, r)
	})
	if err := d.wireEventSinks(cfg); err != nil {
		return err
	}

	d.metrics = metrics.New()
	d.metrics.WatchBus(d.bus)
	d.bus.Subscribe(events.AllEvents, d.metrics.Observe)

	d.engine = workflow.NewEngine(s,
		workflow.WithEmitter(d.bus),
		workflow.WithLogger(d.logger),
		workflow.WithOpTimeout(cfg.Store.OpTimeout()),
		workflow.WithErrorObserver(d.metrics.ObserveError),
	)
	d.monitor = coherence.NewMonitor(s,
		coherence.WithEmitter(d.bus),
		coherence.WithLogger(d.logger),
		coherence.WithThresholds(coherence.ThresholdsFromConfig(cfg.Coherence)),
		coherence.WithSweepConcurrency(cfg.Coherence.SweepConcurrency),
		coherence.WithOpTimeout(cfg.Store.OpTimeout()),
		coherence.WithResultTTL(cfg.Coherence.ResultTTL()),
	)
	d.service = api.NewService(d.engine, workflow.NewBranchManager(d.engine), d.monitor)

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		return fmt.Errorf("start socket server: %w", err)
	}

	if cfg.Metrics.ListenAddr != "" {
		if err := d.startMetrics(cfg.Metrics.ListenAddr); err != nil {
			return err
		}
	}

	if d.configPath != "" {
		if err := d.watchConfig(); err != nil {
			return err
		}
	}

	d.wg.Add(1)
	go d.sweepLoop(cfg.Coherence.SweepInterval())
	return nil
}

func (d *Daemon) openStore(cfg model.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		d.log().Warnf("using in-memory store, state is lost on exit")
		return memstore.New(), nil
	case "sqlite", "":
		s, err := sqlite.Open(d.path(cfg.Path))
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func (d *Daemon) wireEventSinks(cfg model.Config) error {
	if cfg.Events.AuditLog != "" {
		audit, err := events.NewAuditLogger(d.path(cfg.Events.AuditLog), cfg.Events.AuditMaxBytes)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		audit.OnError(func(err error) {
			d.logger.Component("audit").Warnf("write failed: %v", err)
		})
		d.audit = audit
		d.bus.Subscribe(events.AllEvents, audit.Subscriber())
	}

	if cfg.Events.NATS.URL != "" {
		fwd, err := events.DialNATS(cfg.Events.NATS.URL, cfg.Events.NATS.SubjectPrefix)
		if err != nil {
			return err
		}
		fwd.OnError(func(err error) {
			d.logger.Component("nats").Warnf("publish failed: %v", err)
		})
		d.nats = fwd
		d.bus.Subscribe(events.AllEvents, fwd.Subscriber())
		d.log().Infof("forwarding events to nats url=%s prefix=%s", cfg.Events.NATS.URL, cfg.Events.NATS.SubjectPrefix)
	}
	return nil
}

func (d *Daemon) registerHandlers() {
	rpc := d.logger.Component("rpc")
	api.Register(d.server, d.service, func(command string, err error) {
		rpc.Debugf("command_failed command=%s code=%s err=%v", command, workflow.Code(err), err)
	})

	d.server.Handle(CmdShutdown, func(ctx context.Context, req *uds.Request) *uds.Response {
		d.log().Infof("shutdown requested via socket")
		d.cancel()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) startMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen metrics %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	d.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	d.httpAddr = ln.Addr()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log().Errorf("metrics server: %v", err)
		}
	}()
	d.log().Infof("metrics listening addr=%s", d.httpAddr)
	return nil
}

// sweepLoop runs the coherence sweep and the graph integrity check on
// every tick.
func (d *Daemon) sweepLoop(interval time.Duration) {
	defer d.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

func (d *Daemon) tick() {
	l := d.log()
	res, err := d.monitor.Sweep(d.ctx)
	if err != nil {
		l.Warnf("sweep: %v", err)
	}
	l.Debugf("sweep executions=%d anomalies=%d failed=%d", res.Executions, res.Anomalies, res.Failed)

	ids, err := d.engine.ListExecutions(d.ctx)
	if err != nil {
		l.Warnf("integrity check: %v", err)
		return
	}
	for _, id := range ids {
		if d.engine.Corrupted(id) {
			continue
		}
		if err := d.engine.CheckExecution(d.ctx, id); err != nil {
			l.Errorf("integrity check execution=%s: %v", id, err)
		}
	}
}

// Shutdown stops producers, drains in-flight work and releases resources.
// It is idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		l := d.log()
		l.Infof("shutdown started")
		d.cancel()

		if d.watcher != nil {
			_ = d.watcher.Close()
		}
		_ = d.server.Stop()

		timeout := time.Duration(d.Config().Daemon.ShutdownTimeoutSec) * time.Second
		if d.httpSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			if err := d.httpSrv.Shutdown(ctx); err != nil {
				l.Warnf("metrics shutdown: %v", err)
			}
			cancel()
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			l.Infof("all goroutines drained")
		case <-time.After(timeout):
			l.Warnf("shutdown timeout after %s, some operations may be incomplete", timeout)
		}

		d.cleanup()
		l.Infof("daemon stopped")
	})
}

func (d *Daemon) cleanup() {
	l := d.log()
	if d.bus != nil {
		d.bus.Close()
	}
	if d.nats != nil {
		if err := d.nats.Close(); err != nil {
			l.Warnf("close nats: %v", err)
		}
	}
	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			l.Warnf("close audit log: %v", err)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			l.Warnf("close store: %v", err)
		}
	}
	_ = os.Remove(d.SocketPath())
	if err := d.fileLock.Unlock(); err != nil {
		l.Warnf("release lock: %v", err)
	}
}
