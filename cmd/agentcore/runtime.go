package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentcore/internal/supervisor"
	"agentcore/pkg/agent"
	"agentcore/pkg/corerr"
	"agentcore/pkg/dispatch"
	"agentcore/pkg/llm"
	"agentcore/pkg/logx"
	"agentcore/pkg/memory"
	"agentcore/pkg/metrics"
	"agentcore/pkg/persistence"
	"agentcore/pkg/registry"
)

// supervisorType marks the registry entry of the built-in supervisor.
const supervisorType = "supervisor"

// runtimeOptions select what the run command starts.
type runtimeOptions struct {
	policy        agent.Policy
	reasoner      llm.Reasoner // overrides the configured provider when set
	workerIDs     []string     // all non-removed workers when empty
	metricsAddr   string
	purgeInterval time.Duration
}

// runtime owns a started router, the worker loops and the optional metrics endpoint.
type runtime struct {
	app        *app
	memory     *memory.Store
	release    func()
	recorder   *metrics.Recorder
	server     *http.Server
	logger     *logx.Logger
	supervisor *supervisor.Supervisor
	workers    map[string]*agent.BaseAgent
	cancel     context.CancelFunc
	stopped    chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// startRuntime wires every component, attaches one worker per registered id and starts
// delivery. Pending messages from earlier runs are recovered by the router on start.
func startRuntime(ctx context.Context, opts *rootOptions, ro runtimeOptions) (*runtime, error) {
	logger := logx.NewLogger("runtime")

	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg, cfg.Metrics.Namespace)

	var sinks []dispatch.AlertSink
	if len(cfg.Alerts.KafkaBrokers) > 0 {
		sink, err := dispatch.NewKafkaAlertSink(cfg.Alerts.KafkaBrokers, cfg.Alerts.KafkaTopic)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
		logger.Info("Publishing alerts to Kafka topic %s", cfg.Alerts.KafkaTopic)
	}

	a, err := opts.open(func(o *dispatch.Options) {
		o.Metrics = rec
		o.Sinks = sinks
	})
	if err != nil {
		for _, s := range sinks {
			_ = s.Close()
		}
		return nil, err
	}
	rt := &runtime{
		app:      a,
		recorder: rec,
		logger:   logger,
		workers:  make(map[string]*agent.BaseAgent),
		stopped:  make(chan struct{}),
	}
	if err := rt.init(ctx, ro, reg); err != nil {
		rt.Shutdown(context.Background())
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) init(ctx context.Context, ro runtimeOptions, reg *prometheus.Registry) error {
	a := rt.app
	store, release, err := a.memory(ctx, rt.recorder)
	if err != nil {
		return err
	}
	rt.memory, rt.release = store, release

	reasoner := ro.reasoner
	if reasoner == nil {
		secrets, err := a.secrets()
		if err != nil {
			return err
		}
		if reasoner, err = llm.NewReasoner(a.cfg.LLM, secrets); err != nil {
			return fmt.Errorf("failed to build reasoner: %w", err)
		}
	}

	ids := ro.workerIDs
	if len(ids) == 0 {
		workers, err := a.registry.List(ctx)
		if err != nil {
			return err
		}
		for _, w := range workers {
			if w.Status != persistence.WorkerInactive && w.Type != supervisorType {
				ids = append(ids, w.ID)
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel

	deps := agent.Deps{
		Router:        a.router,
		Conversations: a.conversations,
		Memory:        store,
		Activity:      a.activity,
		Registry:      a.registry,
		Reasoner:      reasoner,
		Metrics:       rt.recorder,
	}
	for _, id := range ids {
		if _, err := a.registry.Get(ctx, id); err != nil {
			return err
		}
		w, err := agent.New(deps, ro.policy, agent.ConfigFrom(id, a.cfg))
		if err != nil {
			return err
		}
		if err := a.router.RegisterInbox(id, w); err != nil {
			w.Close()
			return err
		}
		rt.workers[id] = w
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			if err := w.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				rt.logger.Error("Worker %s exited: %v", id, err)
			}
		}()
	}

	if err := rt.attachSupervisor(ctx); err != nil {
		return err
	}

	if ro.purgeInterval > 0 {
		rt.wg.Add(1)
		go rt.purgeLoop(runCtx, ro.purgeInterval)
	}
	if ro.metricsAddr != "" {
		rt.serveMetrics(ro.metricsAddr, reg)
	}

	if err := a.router.Start(runCtx); err != nil {
		return err
	}
	rt.logger.Info("✅ Runtime started with %d workers", len(rt.workers))
	return nil
}

// attachSupervisor registers the built-in supervisor under the configured id unless a
// worker already runs as that id.
func (rt *runtime) attachSupervisor(ctx context.Context) error {
	a := rt.app
	id := a.cfg.Worker.SupervisorID
	if _, running := rt.workers[id]; running {
		return nil
	}
	policy, err := supervisor.PolicyFromConfig(a.cfg.Supervisor)
	if err != nil {
		return corerr.Wrap(corerr.KindValidation, "supervisor", err, "invalid supervisor policy")
	}
	w, err := a.registry.Get(ctx, id)
	switch {
	case corerr.IsKind(err, corerr.KindNotFound):
		spec := registry.Spec{ID: id, Type: supervisorType, Name: "built-in supervisor"}
		if _, err := a.registry.Register(ctx, spec); err != nil {
			return err
		}
	case err != nil:
		return err
	case w.Status == persistence.WorkerInactive:
		if err := a.registry.SetStatus(ctx, id, persistence.WorkerActive); err != nil {
			return err
		}
	}

	sup := supervisor.New(id, policy, a.registry, a.activity, rt.requestStop)
	for wid, w := range rt.workers {
		sup.Track(wid, w)
	}
	if err := a.router.RegisterInbox(id, sup); err != nil {
		sup.Close()
		return err
	}
	rt.supervisor = sup
	return nil
}

// requestStop asks the run command to shut the runtime down.
func (rt *runtime) requestStop(reason string) {
	rt.stopOnce.Do(func() {
		rt.logger.Error("🛑 Shutdown requested: %s", reason)
		close(rt.stopped)
	})
}

// Stopped is closed when the supervisor asks for shutdown.
func (rt *runtime) Stopped() <-chan struct{} { return rt.stopped }

func (rt *runtime) serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	rt.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := rt.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error("Metrics endpoint failed: %v", err)
		}
	}()
	rt.logger.Info("Serving metrics on %s/metrics", addr)
}

// purgeLoop drops expired memory items on a fixed interval.
func (rt *runtime) purgeLoop(ctx context.Context, every time.Duration) {
	defer rt.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := rt.memory.PurgeExpired(ctx); err != nil {
				rt.logger.Warn("Memory purge failed: %v", err)
			} else if n > 0 {
				rt.logger.Info("Purged %d expired memory items", n)
			}
		}
	}
}

// Worker returns a running worker by id.
func (rt *runtime) Worker(id string) *agent.BaseAgent {
	return rt.workers[id]
}

// Shutdown stops delivery first so no message is handed to a stopping worker, then the
// worker loops, then releases storage. Undelivered messages stay pending for the next run.
func (rt *runtime) Shutdown(ctx context.Context) {
	if err := rt.app.router.Stop(ctx); err != nil {
		rt.logger.Warn("Router stop: %v", err)
	}
	if rt.cancel != nil {
		rt.cancel()
	}
	if rt.supervisor != nil {
		rt.supervisor.Close()
	}
	rt.wg.Wait()
	for _, w := range rt.workers {
		w.Close()
	}
	if rt.server != nil {
		if err := rt.server.Shutdown(ctx); err != nil {
			rt.logger.Warn("Metrics endpoint shutdown: %v", err)
		}
	}
	if rt.release != nil {
		rt.release()
	}
	if err := rt.app.Close(); err != nil {
		rt.logger.Warn("Close: %v", err)
	}
	rt.logger.Info("Runtime stopped")
}
