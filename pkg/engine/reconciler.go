package engine

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/hostforge/hostforge/pkg/domain"
	"github.com/hostforge/hostforge/pkg/telemetry"
)

// ReconcilerConfig tunes the background reconciliation loop.
type ReconcilerConfig struct {
	// Interval is the base delay between reconciliation passes.
	Interval time.Duration `yaml:"interval"`

	// Jitter is the fraction of Interval by which each tick is randomly
	// shifted, in [0, 1). A value of 0.2 spreads ticks across
	// Interval +/- 20% so many instances never poll the backend in
	// lockstep.
	Jitter float64 `yaml:"jitter"`

	// Workers bounds how many requests are dispatched or reconciled
	// concurrently in one pass, capping outstanding backend calls.
	Workers int `yaml:"workers"`
}

// DefaultReconcilerConfig returns the reconciliation defaults.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval: 30 * time.Second,
		Jitter:   0.2,
		Workers:  4,
	}
}

// Reconciler periodically sweeps all non-terminal requests: pending
// requests are dispatched, running requests are polled and folded. Each
// pass works from a fresh listing, so a reconciler can be restarted at
// any time without losing track of in-flight work.
type Reconciler struct {
	engine  *Engine
	cfg     ReconcilerConfig
	log     zerolog.Logger
	metrics *telemetry.Metrics
}

// NewReconciler builds a Reconciler around eng. Zero config fields fall
// back to DefaultReconcilerConfig values.
func NewReconciler(eng *Engine, cfg ReconcilerConfig, logger zerolog.Logger, metrics *telemetry.Metrics) *Reconciler {
	def := DefaultReconcilerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = def.Jitter
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	return &Reconciler{
		engine:  eng,
		cfg:     cfg,
		log:     logger.With().Str("component", "reconciler").Logger(),
		metrics: metrics,
	}
}

// Run executes reconciliation passes until ctx is cancelled. Errors
// from individual passes are logged and do not stop the loop.
func (r *Reconciler) Run(ctx context.Context) error {
	r.log.Info().
		Dur("interval", r.cfg.Interval).
		Float64("jitter", r.cfg.Jitter).
		Int("workers", r.cfg.Workers).
		Msg("Reconciler started")

	timer := time.NewTimer(r.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("Reconciler stopped")
			return ctx.Err()
		case <-timer.C:
		}

		if _, err := r.Pass(ctx); err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Msg("Reconciliation pass failed")
		}

		timer.Reset(r.nextDelay())
	}
}

// Pass runs one reconciliation sweep and returns the number of
// requests processed. Pending requests are dispatched, running ones
// reconciled; failures on individual requests are logged and counted
// but never abort the sweep.
func (r *Reconciler) Pass(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		r.metrics.ObserveReconcilePass(time.Since(start).Seconds())
	}()

	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		var span trace.Span
		ctx, span = tel.Tracer.StartReconcileSpan(ctx)
		defer span.End()
	}

	// Health probes feed RequireHealthy selection for the dispatches in
	// this pass.
	r.engine.registry.RefreshHealth(ctx)

	reqs, err := r.engine.ListRequests(ctx)
	if err != nil {
		return 0, err
	}

	var work []*domain.Request
	for _, req := range reqs {
		switch req.Status {
		case domain.RequestStatusPending, domain.RequestStatusRunning:
			work = append(work, req)
		}
	}
	if len(work) == 0 {
		return 0, nil
	}

	var (
		wg     sync.WaitGroup
		slots  = make(chan struct{}, r.cfg.Workers)
		failed int64
		mu     sync.Mutex
	)
	for _, req := range work {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		slots <- struct{}{}
		go func(req *domain.Request) {
			defer wg.Done()
			defer func() { <-slots }()
			if err := r.step(ctx, req); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				r.log.Warn().Err(err).
					Str("request_id", req.ID).
					Str("status", string(req.Status)).
					Msg("Request reconciliation failed")
			}
		}(req)
	}
	wg.Wait()

	r.log.Debug().
		Int("requests", len(work)).
		Int64("failed", failed).
		Dur("elapsed", time.Since(start)).
		Msg("Reconciliation pass complete")
	return len(work), ctx.Err()
}

func (r *Reconciler) step(ctx context.Context, req *domain.Request) error {
	// Reconcile dispatches pending requests itself and tolerates a
	// foreground caller winning that race. The span status is the one
	// observed when the sweep listed the request.
	ctx = telemetry.WithRequestContext(ctx, req.ID, string(req.Kind))
	err := r.engine.Reconcile(ctx, req.ID)
	telemetry.EndRequestContext(ctx, string(req.Status), err)
	return err
}

func (r *Reconciler) nextDelay() time.Duration {
	if r.cfg.Jitter == 0 {
		return r.cfg.Interval
	}
	spread := (rand.Float64()*2 - 1) * r.cfg.Jitter
	return time.Duration(float64(r.cfg.Interval) * (1 + spread))
}
