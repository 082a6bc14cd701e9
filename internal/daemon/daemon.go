package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tutu-network/conductor/internal/api"
	"github.com/tutu-network/conductor/internal/app/control"
	"github.com/tutu-network/conductor/internal/app/credit"
	"github.com/tutu-network/conductor/internal/app/orchestrator"
	"github.com/tutu-network/conductor/internal/app/sequencer"
	"github.com/tutu-network/conductor/internal/domain"
	"github.com/tutu-network/conductor/internal/health"
	"github.com/tutu-network/conductor/internal/infra/catalog"
	_ "github.com/tutu-network/conductor/internal/infra/metrics" // Register Prometheus metrics
	"github.com/tutu-network/conductor/internal/infra/redisstore"
	"github.com/tutu-network/conductor/internal/infra/sqlite"
	"github.com/tutu-network/conductor/internal/security"
	"github.com/tutu-network/conductor/internal/transport"
)

// Version is reported by /api/version.
var Version = "dev"

// ErrStopped is returned by Dispatch once the event loop has exited.
var ErrStopped = errors.New("node is shutting down")

// eventsBuffer bounds queued peer events and requests.
const eventsBuffer = 256

// Daemon is the conductor node runtime. It wires together all services and
// owns the single goroutine that mutates orchestrator and sequencer state.
type Daemon struct {
	Config       Config
	Store        domain.Store
	Key          *security.ManagerKey
	Orchestrator *orchestrator.Orchestrator
	Sequencer    *sequencer.Sequencer
	Credit       *credit.Service
	Control      *control.Service
	Hub          *transport.Hub
	Server       *api.Server
	Health       *health.Checker

	events    chan event
	done      chan struct{}
	heartbeat atomic.Int64 // unix nanos of the last loop iteration
	started   bool
	logFile   *os.File
	cancel    context.CancelFunc
}

type eventKind int

const (
	eventConnected eventKind = iota
	eventDisconnected
	eventFrame
	eventRequest
)

// event is one unit of work for the loop. Requests carry a reply channel.
type event struct {
	kind  eventKind
	peer  string
	frame transport.Frame
	req   control.Request
	reply chan domain.Ack
}

// New creates and initializes a Daemon with all services wired.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	home := cfg.Store.Dir
	if home == "" {
		home = conductorHome()
	}

	d := &Daemon{
		Config: cfg,
		events: make(chan event, eventsBuffer),
		done:   make(chan struct{}),
	}

	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		log.SetOutput(f)
		d.logFile = f
	}

	store, err := openStore(cfg.Store, home)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Store = store

	// Completion receipts (Ed25519)
	var receipts domain.ReceiptBuilder
	if cfg.Receipts.Enabled {
		key, err := security.LoadOrCreateManagerKey(home)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("load manager key: %w", err)
		}
		d.Key = key
		receipts = security.NewReceiptBuilder(key)
	}

	seed := cfg.Orchestrator.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	orch, err := orchestrator.New(store, receipts, orchestrator.Options{
		DefaultTimeLimit: time.Duration(cfg.Orchestrator.DefaultTimeLimitMs) * time.Millisecond,
		DefaultReward:    cfg.Orchestrator.DefaultReward,
		Rand:             rand.New(rand.NewSource(seed)),
	})
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}
	d.Orchestrator = orch
	d.Sequencer = sequencer.New(store, orch)
	d.Credit = credit.NewService(store)
	d.Control = control.New(orch, d.Sequencer, d.Credit)

	if err := d.loadCatalog(); err != nil {
		d.Close()
		return nil, err
	}

	d.Hub = transport.NewHub(d, transport.HubConfig{
		WriteTimeout:    parseDuration(cfg.Transport.WriteTimeout, transport.DefaultWriteTimeout),
		MaxMessageBytes: cfg.Transport.MaxMessageBytes,
	})

	tick := parseDuration(cfg.Orchestrator.TickInterval, 250*time.Millisecond)
	d.Health = health.NewChecker(store, home, d.lastBeat, 20*tick+5*time.Second)

	d.Server = api.NewServer(d, Version)
	d.Server.SetHealth(d.Health)
	d.Server.SetWorkerHandler(d.Hub)
	if cfg.Telemetry.Prometheus {
		d.Server.EnableMetrics()
	}

	return d, nil
}

func openStore(cfg StoreConfig, home string) (domain.Store, error) {
	switch cfg.Backend {
	case "redis":
		s, err := redisstore.Open(cfg.RedisAddr,
			redisstore.WithPrefix(cfg.RedisPrefix),
			redisstore.WithTimeout(parseDuration(cfg.RedisTimeout, 5*time.Second)))
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return s, nil
	default:
		db, err := sqlite.Open(home)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		return db, nil
	}
}

// loadCatalog registers file applications, then built-ins the store does not
// already hold. It runs before recovery, which reloads them from the store.
func (d *Daemon) loadCatalog() error {
	apps, err := catalog.LoadDir(d.Config.Catalog.Dir)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	if err := d.Control.RegisterApplications(apps); err != nil {
		return err
	}
	if !d.Config.Catalog.Builtin {
		return nil
	}
	for _, app := range catalog.Builtin {
		existing, err := d.Store.GetApplication(app.ID)
		if err != nil {
			return fmt.Errorf("lookup application %s: %w", app.ID, err)
		}
		if existing != nil {
			continue
		}
		if err := d.Control.RegisterApplications([]domain.Application{app}); err != nil {
			return err
		}
	}
	return nil
}

// ─── Event Loop ─────────────────────────────────────────────────────────────

// Start recovers persisted state. Call it once before the loop runs.
func (d *Daemon) Start() error {
	if d.started {
		return nil
	}
	report, actions, err := d.Control.Start()
	if err != nil {
		return err
	}
	d.started = true
	log.Printf("[daemon] recovered %d applications, %d tasks (%d requeued, %d rearmed, %d finished, %d skipped)",
		report.Applications, report.Restored, report.Requeued, report.Rearmed, report.Finished, report.Skipped)
	d.execute(actions)
	return nil
}

// Run drives the event loop until ctx ends.
func (d *Daemon) Run(ctx context.Context) error {
	defer close(d.done)
	if err := d.Start(); err != nil {
		return err
	}

	ticker := time.NewTicker(parseDuration(d.Config.Orchestrator.TickInterval, 250*time.Millisecond))
	defer ticker.Stop()

	d.beat()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			d.execute(d.Control.Tick(now.UnixMilli()))
		case ev := <-d.events:
			d.handle(ev)
		}
		d.beat()
	}
}

func (d *Daemon) handle(ev event) {
	switch ev.kind {
	case eventConnected:
		d.execute(d.Control.WorkerConnected(ev.peer))
	case eventDisconnected:
		d.execute(d.Control.WorkerDisconnected(ev.peer))
	case eventRequest:
		ack, actions := d.Control.HandleRequest(ev.peer, ev.req)
		ev.reply <- ack
		d.execute(actions)
	case eventFrame:
		d.handleFrame(ev.peer, ev.frame)
	}
}

func (d *Daemon) handleFrame(peer string, f transport.Frame) {
	switch f.Type {
	case transport.FrameTaskMessage:
		if f.Message == nil {
			log.Printf("[daemon] task_message from %s without message", peer)
			return
		}
		actions, err := d.Control.TaskMessage(peer, *f.Message)
		if err != nil {
			log.Printf("[daemon] %s %s from %s: %v", f.Message.Type, f.Message.TaskID, peer, err)
		}
		d.execute(actions)

	case transport.FrameRequest:
		var req control.Request
		if err := json.Unmarshal(f.Request, &req); err != nil {
			ack := domain.Fail(fmt.Errorf("%w: decode request: %v", domain.ErrInvalidArgument, err))
			d.reply(peer, f.ID, ack)
			return
		}
		if req.ID == "" {
			req.ID = f.ID
		}
		ack, actions := d.Control.HandleRequest(peer, req)
		d.reply(peer, f.ID, ack)
		d.execute(actions)

	default:
		log.Printf("[daemon] ignoring %s frame from %s", f.Type, peer)
	}
}

func (d *Daemon) reply(peer, id string, ack domain.Ack) {
	if err := d.Hub.Send(peer, transport.Frame{Type: transport.FrameAck, ID: id, Ack: &ack}); err != nil {
		log.Printf("[daemon] ack %s to %s: %v", id, peer, err)
	}
}

func (d *Daemon) execute(actions []domain.NetworkAction) {
	if len(actions) == 0 {
		return
	}
	if failed := d.Hub.Execute(actions); failed > 0 {
		log.Printf("[daemon] %d of %d network actions failed", failed, len(actions))
	}
}

func (d *Daemon) beat() { d.heartbeat.Store(time.Now().UnixNano()) }

func (d *Daemon) lastBeat() time.Time {
	n := d.heartbeat.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// enqueue hands an event to the loop unless it has stopped.
func (d *Daemon) enqueue(ev event) {
	select {
	case d.events <- ev:
	case <-d.done:
	}
}

// ─── transport.Handler ──────────────────────────────────────────────────────

// PeerConnected implements transport.Handler.
func (d *Daemon) PeerConnected(peer string) {
	d.enqueue(event{kind: eventConnected, peer: peer})
}

// PeerDisconnected implements transport.Handler.
func (d *Daemon) PeerDisconnected(peer string) {
	d.enqueue(event{kind: eventDisconnected, peer: peer})
}

// PeerFrame implements transport.Handler.
func (d *Daemon) PeerFrame(peer string, f transport.Frame) {
	d.enqueue(event{kind: eventFrame, peer: peer, frame: f})
}

// ─── api.Dispatcher ─────────────────────────────────────────────────────────

// Dispatch implements api.Dispatcher by running req on the event loop.
func (d *Daemon) Dispatch(ctx context.Context, req control.Request) (domain.Ack, error) {
	reply := make(chan domain.Ack, 1)
	select {
	case d.events <- event{kind: eventRequest, req: req, reply: reply}:
	case <-d.done:
		return domain.Ack{}, ErrStopped
	case <-ctx.Done():
		return domain.Ack{}, ctx.Err()
	}
	select {
	case ack := <-reply:
		return ack, nil
	case <-d.done:
		return domain.Ack{}, ErrStopped
	case <-ctx.Done():
		return domain.Ack{}, ctx.Err()
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// Serve starts the HTTP server and blocks until shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return d.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx ends or SIGINT/SIGTERM arrives.
func (d *Daemon) ServeListener(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	// Recover before any worker can connect.
	if err := d.Start(); err != nil {
		ln.Close()
		return fmt.Errorf("start: %w", err)
	}

	httpServer := &http.Server{
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.Run(gctx) })
	g.Go(func() error {
		d.Health.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := httpServer.Serve(ln); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	// Graceful shutdown on signal
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case <-sigCh:
			cancel()
		case <-gctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		d.Hub.Close()
		return httpServer.Shutdown(shutdownCtx)
	})

	fmt.Printf("Conductor serving on http://%s\n", ln.Addr())
	fmt.Printf("  Workers: ws://%s/ws/worker?peer=<id>\n", ln.Addr())
	if d.Config.Telemetry.Prometheus {
		fmt.Printf("  Metrics: http://%s/metrics\n", ln.Addr())
	}
	if d.Key != nil {
		fmt.Printf("  Receipts signed by %s\n", d.Key.PublicKeyHex())
	}

	return g.Wait()
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.Hub != nil {
		d.Hub.Close()
	}
	if d.Store != nil {
		_ = d.Store.Close()
	}
	if d.logFile != nil {
		log.SetOutput(os.Stderr)
		_ = d.logFile.Close()
	}
}
