package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/gateway"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/presence"
	"github.com/loqalabs/loqa-voice/internal/recorder"
	"github.com/loqalabs/loqa-voice/internal/session"
	"github.com/loqalabs/loqa-voice/internal/skills/service"
	"github.com/loqalabs/loqa-voice/internal/tools"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	addrOnce sync.Once
	addrCh   chan string
	addr     string

	store    *eventstore.Store
	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	skills   *service.Service
	presence *presence.Registry
	manager  *session.Manager
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		addrCh: make(chan string),
	}
}

// Addr blocks until the HTTP listener is bound or ctx ends.
func (r *Runtime) Addr(ctx context.Context) (string, error) {
	select {
	case <-r.addrCh:
		return r.addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Start wires every component, serves until ctx is cancelled, then shuts
// down in reverse order.
func (r *Runtime) Start(ctx context.Context) (err error) {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = errors.Join(err, r.teardown(shutdownCtx), shutdownTelemetry(shutdownCtx))
	}()

	if err := r.wire(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/nodes", r.handleNodes)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	mux.Handle(r.cfg.HTTP.VoicePath, gateway.New(r.manager, r.cfg.HTTP, r.logger))

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		r.pruneLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		if err := r.manager.CloseAll(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("close sessions: %w", err))
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	r.addr = ln.Addr().String()
	r.addrOnce.Do(func() { close(r.addrCh) })
	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", r.addr), slog.String("voice_path", r.cfg.HTTP.VoicePath))

	return g.Wait()
}

// wire builds the long-lived components. Anything built before a failure
// is released by teardown.
func (r *Runtime) wire(ctx context.Context) error {
	var err error
	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	var pub recorder.Publisher
	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		r.embedded, err = natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		if r.embedded != nil {
			busCfg.Servers = []string{r.embedded.ClientURL()}
		}
		r.bus, err = bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return err
		}
		pub = r.bus
	}

	registry, err := tools.FromConfig(r.cfg.Tools, r.logger)
	if err != nil {
		return fmt.Errorf("build tools: %w", err)
	}
	r.skills, err = service.New(ctx, r.cfg.Skills, r.store, r.logger)
	if err != nil {
		return fmt.Errorf("start skills: %w", err)
	}
	if err := r.skills.Register(registry); err != nil {
		return err
	}

	metrics, err := session.NewMetrics(otel.Meter(session.MeterName))
	if err != nil {
		return fmt.Errorf("create session metrics: %w", err)
	}
	observers := []session.Observer{metrics}
	if pub != nil || r.store.Enabled() {
		observers = append(observers, recorder.New(pub, r.store, r.cfg.Bus.SubjectPrefix, r.logger))
	}

	r.manager, err = session.NewManager(r.cfg, registry, r.logger, observers...)
	if err != nil {
		return fmt.Errorf("build session manager: %w", err)
	}

	if r.bus != nil {
		r.presence, err = presence.New(ctx, r.bus, presence.Options{
			Node:         r.cfg.Node,
			Prefix:       r.cfg.Bus.SubjectPrefix,
			Capabilities: presence.LocalCapabilities(r.cfg, registry),
			Sessions:     r.manager.Len,
		}, r.logger)
		if err != nil {
			return fmt.Errorf("start presence: %w", err)
		}
	}
	return nil
}

func (r *Runtime) teardown(ctx context.Context) error {
	var errs []error
	if r.presence != nil {
		r.presence.Close()
	}
	if r.skills != nil {
		if err := r.skills.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close skills: %w", err))
		}
	}
	r.bus.Close()
	r.embedded.Shutdown()
	if err := r.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close event store: %w", err))
	}
	return errors.Join(errs...)
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	if !r.store.Enabled() {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleNodes(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	nodes := []presence.NodeInfo{}
	if r.presence != nil {
		if found := r.presence.Query(nil); found != nil {
			nodes = found
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(nodes)
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := r.ready.Load()
	if r.cfg.Bus.Enabled && !r.bus.Healthy() {
		ready = false
	}
	if r.cfg.Skills.Enabled && !r.skills.Healthy() {
		ready = false
	}
	if r.presence != nil && !r.presence.Healthy() {
		ready = false
	}
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
