package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	configpkg "github.com/fly-cli/flybridge/internal/runtime/config"
	rterrors "github.com/fly-cli/flybridge/internal/runtime/errors"
	"github.com/fly-cli/flybridge/internal/runtime/jsoncodec"
	loggingpkg "github.com/fly-cli/flybridge/internal/runtime/logging"
	"github.com/fly-cli/flybridge/internal/runtime/resources"
	"github.com/fly-cli/flybridge/transport"
	"github.com/fly-cli/flybridge/wire"
)

// Dependencies holds the optional collaborators a Server can use. Leave
// fields nil or zero to take the defaults.
type Dependencies struct {
	// Emitter overrides the bus-backed progress emitter. When set, progress
	// events go to it directly and nothing is forwarded to the connection.
	Emitter Emitter

	// ExtraStages are added to the pipeline after the standard stages. Each
	// stage lands at the position its priority dictates.
	ExtraStages []Stage

	// DisableDefaultStages skips the standard pipeline when true. The caller
	// owns the full stage list via ExtraStages.
	DisableDefaultStages bool

	// Hooks observe the tool-call lifecycle.
	Hooks RequestHooks

	// Providers are additional resource providers registered alongside the
	// built-in file and log providers.
	Providers []resources.Provider

	// Registerer receives the Prometheus collectors. Nil falls back to the
	// default registerer.
	Registerer prometheus.Registerer
}

// Server owns the request-execution machinery for one configured instance:
// operation registry, pipeline, limiter, cancellation registry, resource
// store, progress bus, and the debug/metrics HTTP surfaces. Register
// operations on the returned Server before calling Serve.
type Server struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	registry *Registry
	pipeline *Pipeline
	limiter  *Limiter
	cancels  *CancelRegistry
	store    *resources.Store
	logs     *resources.LogStore

	bus        *gochannel.GoChannel
	emitter    Emitter
	busEmitter bool

	metrics    *Metrics
	sampler    *runtimeSampler
	hooks      RequestHooks
	registerer prometheus.Registerer

	mu         sync.Mutex
	stats      *Stats
	dispatcher *Dispatcher

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	startOnce    sync.Once
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// NewServer wires a server for the supplied configuration. The configuration
// is validated up front so misconfigurations surface before any request.
func NewServer(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps Dependencies) (*Server, error) {
	if conf == nil {
		conf = &configpkg.Config{}
	}
	if err := conf.Validate(); err != nil {
		return nil, rterrors.NewConfigValidationError(err)
	}
	if log == nil {
		log = loggingpkg.Nop()
	}

	log.Info("Creating server", loggingpkg.LogFields{
		"server_name":    conf.ServerName,
		"server_version": conf.ServerVersion,
		"config":         conf,
	})

	s := &Server{
		Conf:       conf,
		Logger:     log,
		registry:   NewRegistry(),
		limiter:    NewLimiter(conf.GlobalLimit(), conf.OperationConcurrencyLimits),
		cancels:    NewCancelRegistry(),
		store:      resources.NewStore(conf.PageSize(), configpkg.MaxPageSize),
		sampler:    newRuntimeSampler(),
		hooks:      deps.Hooks,
		registerer: deps.Registerer,
		shutdownCh: make(chan struct{}),
	}

	if conf.MetricsEnabled {
		s.metrics = NewMetrics(deps.Registerer)
		if err := s.metrics.Register(); err != nil {
			return nil, fmt.Errorf("flybridge: registering metrics: %w", err)
		}
	}

	s.logs = resources.NewLogStore(int64(conf.StreamBytes()), conf.StreamEntries(), func(stream string) {
		s.metrics.RingEviction(stream)
	})
	if err := s.store.Register(s.logs); err != nil {
		return nil, err
	}

	if conf.SandboxRoot != "" {
		files, err := resources.NewFileProvider(conf.SandboxRoot, conf.ResourceSuffixes)
		if err != nil {
			return nil, fmt.Errorf("flybridge: opening sandbox root: %w", err)
		}
		if err := s.store.Register(files); err != nil {
			return nil, err
		}
	}
	for _, provider := range deps.Providers {
		if err := s.store.Register(provider); err != nil {
			return nil, err
		}
	}

	s.bus = gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 64},
		loggingpkg.NewWatermillAdapter(log),
	)
	if deps.Emitter != nil {
		s.emitter = deps.Emitter
	} else {
		s.emitter = NewBusEmitter(s.bus, ProgressTopic)
		s.busEmitter = true
	}

	pipeline, err := s.buildPipeline(deps)
	if err != nil {
		return nil, err
	}
	s.pipeline = pipeline

	s.registerDebugEndpoints()
	return s, nil
}

func (s *Server) buildPipeline(deps Dependencies) (*Pipeline, error) {
	var stages []Stage
	if !deps.DisableDefaultStages {
		stages = StandardStages(s.Conf, s.Logger, s.limiter, s.cancels, s.emitter)
	}
	stages = append(stages, deps.ExtraStages...)
	return NewPipeline(stages...)
}

// Register adds an operation definition. Registration closes once Serve
// starts.
func (s *Server) Register(def *Definition) error {
	return s.registry.Register(def)
}

// MustRegister is Register that panics on error, for static operation sets
// wired at startup.
func (s *Server) MustRegister(def *Definition) {
	if err := s.Register(def); err != nil {
		panic(err)
	}
}

// Pipeline exposes the stage list for surgery before Serve: InsertBefore,
// InsertAfter, Replace, Remove.
func (s *Server) Pipeline() *Pipeline { return s.pipeline }

// Operations lists the registered operation names.
func (s *Server) Operations() []string { return s.registry.Names() }

// Resources exposes the resource store for providers registered after
// construction.
func (s *Server) Resources() *resources.Store { return s.store }

// Logs exposes the capped log streams. Long-running operations write their
// captured output here and clients read it back through resources/read.
func (s *Server) Logs() *resources.LogStore { return s.logs }

// Emitter returns the progress emitter handlers are bound to.
func (s *Server) Emitter() Emitter { return s.emitter }

// Shutdown asks a running Serve loop to drain and return. Safe to call more
// than once and before Serve.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// start freezes the mutable surfaces the first time Serve runs: the registry
// is sealed, per-operation concurrency caps are merged, and the dispatcher
// and stats collector come up over the final operation set.
func (s *Server) start() {
	s.registry.Seal()

	for _, def := range s.registry.Definitions() {
		if def.ConcurrencyLimit > 0 && s.Conf.LimitFor(def.Name) == 0 {
			s.limiter.SetOperationLimit(def.Name, def.ConcurrencyLimit)
		}
	}

	stats := NewStats(s.registry.Names()...)
	dispatcher := NewDispatcher(
		s.Conf, s.Logger, s.registry, s.pipeline, s.cancels, s.store,
		stats, s.metrics, s.hooks, s.Shutdown,
	)

	s.mu.Lock()
	s.stats = stats
	s.dispatcher = dispatcher
	s.mu.Unlock()

	s.Logger.Info("Server ready", loggingpkg.LogFields{
		"operations": s.registry.Names(),
		"schemes":    s.store.Schemes(),
	})
}

// Serve drives one connection until the context is canceled, the peer closes
// the stream, or a shutdown request is accepted. Requests dispatch
// concurrently; the connection serializes writes internally.
func (s *Server) Serve(ctx context.Context, conn transport.Conn) error {
	s.startOnce.Do(s.start)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	var inflight sync.WaitGroup

	// Closing the connection is what unblocks a Receive in progress. On
	// shutdown the in-flight responses are drained first so the shutdown
	// reply reaches the wire.
	g.Go(func() error {
		select {
		case <-s.shutdownCh:
			inflight.Wait()
		case <-gctx.Done():
		}
		if err := conn.Close(); err != nil {
			s.Logger.Debug("closing connection", loggingpkg.LogFields{"error": err.Error()})
		}
		return nil
	})

	if s.busEmitter {
		messages, err := s.bus.Subscribe(gctx, ProgressTopic)
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("flybridge: subscribing to progress topic: %w", err)
		}
		g.Go(func() error {
			s.forwardProgress(conn, messages)
			return nil
		})
	}

	s.startHTTPServers(gctx, g)

	g.Go(func() error {
		defer cancel()
		return s.readLoop(gctx, conn, &inflight)
	})

	err := g.Wait()
	inflight.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// readLoop receives requests and dispatches each on its own goroutine.
// Oversized and unparseable lines get an error response with a null id and
// the loop keeps reading; only stream errors end it.
func (s *Server) readLoop(ctx context.Context, conn transport.Conn, inflight *sync.WaitGroup) error {
	for {
		req, err := conn.Receive()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, transport.ErrClosed), errors.Is(err, io.ErrClosedPipe):
				return nil
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, wire.ErrMessageTooLarge):
				if sendErr := s.refuseLine(conn, err); sendErr != nil {
					return sendErr
				}
				continue
			default:
				// Undecodable line; the framing is intact so keep reading.
				if sendErr := s.refuseLine(conn, err); sendErr != nil {
					return sendErr
				}
				continue
			}
		}

		receivedAt := time.Now().UTC()
		inflight.Add(1)
		go func(req *wire.Request) {
			defer inflight.Done()
			resp := s.dispatcher.Dispatch(ctx, req, receivedAt)
			if resp == nil {
				return
			}
			if err := conn.Send(resp); err != nil && !errors.Is(err, transport.ErrClosed) {
				s.Logger.Error("writing response failed", err, loggingpkg.LogFields{
					"method": req.Method,
				})
			}
		}(req)
	}
}

func (s *Server) refuseLine(conn transport.Conn, cause error) error {
	typed := rterrors.Malformed(cause)
	s.Logger.Error("request refused before parsing", typed, nil)
	err := conn.Send(wire.NewErrorResponse(nil, WireError(typed)))
	if err != nil && !errors.Is(err, transport.ErrClosed) {
		return err
	}
	return nil
}

// forwardProgress relays bus progress events to the client as notifications.
// The subscription channel closes when the serve context ends.
func (s *Server) forwardProgress(conn transport.Conn, messages <-chan *message.Message) {
	for msg := range messages {
		var event ProgressEvent
		if err := jsoncodec.Unmarshal(msg.Payload, &event); err != nil {
			s.Logger.Error("decoding progress event failed", err, nil)
			msg.Ack()
			continue
		}

		notification, err := wire.NewNotification(wire.MethodProgress, event)
		if err != nil {
			s.Logger.Error("encoding progress notification failed", err, nil)
			msg.Ack()
			continue
		}
		if err := conn.Notify(notification); err != nil && !errors.Is(err, transport.ErrClosed) {
			s.Logger.Error("writing progress notification failed", err, loggingpkg.LogFields{
				"operation":  event.Operation,
				"request_id": event.RequestID,
			})
		}
		msg.Ack()
	}
}

// Diagnostics assembles the health view served by the debug endpoint and the
// doctor operation.
func (s *Server) Diagnostics() DiagnosticsReport {
	s.mu.Lock()
	stats := s.stats
	s.mu.Unlock()

	_, global := s.limiter.InFlight("")
	return DiagnosticsReport{
		Host:        collectHostInfo(),
		Resource:    s.sampler.Snapshot(),
		Stats:       stats.Snapshot(),
		InFlight:    global,
		LiveCancels: s.cancels.Live(),
		Checks:      s.healthChecks(global),
	}
}

func (s *Server) healthChecks(inFlight int) []HealthCheck {
	var checks []HealthCheck

	if root := s.Conf.SandboxRoot; root != "" {
		check := HealthCheck{Name: "sandbox", Status: HealthStatusOK, Details: root}
		info, err := os.Stat(root)
		switch {
		case err != nil:
			check.Status = HealthStatusFailed
			check.Details = err.Error()
		case !info.IsDir():
			check.Status = HealthStatusFailed
			check.Details = root + " is not a directory"
		}
		checks = append(checks, check)
	}

	limit := s.Conf.GlobalLimit()
	limiterCheck := HealthCheck{
		Name:    "limiter",
		Status:  HealthStatusOK,
		Details: fmt.Sprintf("%d of %d slots in use", inFlight, limit),
	}
	if inFlight >= limit {
		limiterCheck.Status = HealthStatusDegraded
	}
	checks = append(checks, limiterCheck)

	return checks
}

// RegisterHTTPHandler mounts handler at pattern on the mux for port. Servers
// for all registered ports start when Serve runs.
func (s *Server) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Server) registerDebugEndpoints() {
	if s.Conf.MetricsEnabled {
		port := s.Conf.MetricsPort
		if port == 0 {
			port = configpkg.DefaultMetricsPort
		}
		handler := promhttp.Handler()
		if gatherer, ok := s.registerer.(prometheus.Gatherer); ok {
			handler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
		}
		s.RegisterHTTPHandler(port, "/metrics", handler)
	}

	s.registerDebugAPI()
}

func (s *Server) startHTTPServers(ctx context.Context, g *errgroup.Group) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		srv := &http.Server{Addr: addr, Handler: mux}
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})

		g.Go(func() error {
			err := srv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				// A busy debug port should not take the serve loop down.
				s.Logger.Error("HTTP server stopped", err, loggingpkg.LogFields{"address": addr})
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
}
