package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/customsportal/portal/internal/gateway/metrics"
	"github.com/customsportal/portal/internal/session"
)

const (
	// DefaultOpportunisticThreshold is used right before serving an online listing
	DefaultOpportunisticThreshold = 5 * time.Minute

	// DefaultPeriodicThreshold is used by the background sweep
	DefaultPeriodicThreshold = 30 * time.Minute

	// DefaultSweepInterval is the background sweep period
	DefaultSweepInterval = 5 * time.Minute

	// DefaultSweepTimeout bounds the sweep run before an online listing
	DefaultSweepTimeout = 5 * time.Second
)

// Sweep triggers, used as metric labels
const (
	TriggerOpportunistic = "opportunistic"
	TriggerPeriodic      = "periodic"
	TriggerManual        = "manual"
)

// ErrInvalidThreshold is returned for non-positive sweep thresholds
var ErrInvalidThreshold = errors.New("sweep threshold must be positive")

// SweepResult summarizes one reconciliation sweep
type SweepResult struct {
	Threshold time.Duration `json:"threshold"`
	Scanned   int           `json:"scanned"`
	Demoted   int           `json:"demoted"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// Reconciler demotes active sessions whose last activity is older than a
// threshold. Demotion is conditional on the row still being active, so
// sweeps may overlap each other and late disconnects.
type Reconciler struct {
	store             session.Store
	periodicThreshold time.Duration
	interval          time.Duration
	timeout           time.Duration
	metrics           *metrics.Metrics
	logger            *zap.Logger
	now               func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// ReconcilerConfig reconciler configuration
type ReconcilerConfig struct {
	Store             session.Store
	PeriodicThreshold time.Duration
	Interval          time.Duration
	Timeout           time.Duration // per periodic sweep
	Metrics           *metrics.Metrics
	Logger            *zap.Logger
	Now               func() time.Time
}

// NewReconciler creates a reconciler
func NewReconciler(config *ReconcilerConfig) (*Reconciler, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if config.PeriodicThreshold <= 0 {
		config.PeriodicThreshold = DefaultPeriodicThreshold
	}
	if config.Interval <= 0 {
		config.Interval = DefaultSweepInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Reconciler{
		store:             config.Store,
		periodicThreshold: config.PeriodicThreshold,
		interval:          config.Interval,
		timeout:           config.Timeout,
		metrics:           config.Metrics,
		logger:            config.Logger,
		now:               config.Now,
	}, nil
}

// Sweep demotes every active session idle for longer than threshold.
// Sessions without a usable last activity are always demoted.
func (r *Reconciler) Sweep(ctx context.Context, threshold time.Duration) (SweepResult, error) {
	return r.sweep(ctx, TriggerManual, threshold)
}

// SweepPeriodic runs one sweep with the periodic threshold
func (r *Reconciler) SweepPeriodic(ctx context.Context) (SweepResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.sweep(ctx, TriggerPeriodic, r.periodicThreshold)
}

func (r *Reconciler) sweep(ctx context.Context, trigger string, threshold time.Duration) (result SweepResult, err error) {
	result.Threshold = threshold
	if threshold <= 0 {
		return result, ErrInvalidThreshold
	}

	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
		r.metrics.RecordSweep(trigger, result.Demoted, result.Duration, err)
	}()

	sessions, err := r.store.ListActive(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list active sessions: %w", err)
	}
	result.Scanned = len(sessions)

	now := r.now()
	for _, s := range sessions {
		if !s.IsStale(now, threshold) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		demoted, err := r.store.Deactivate(ctx, s.ConnectionID, now)
		if err != nil {
			result.Failed++
			r.logger.Warn("Failed to demote stale session",
				zap.String("connection_id", s.ConnectionID),
				zap.String("user_id", s.UserID),
				zap.Error(err))
			continue
		}
		if !demoted {
			// disconnected or demoted by someone else in the meantime
			continue
		}

		result.Demoted++
		r.logger.Debug("Stale session demoted",
			zap.String("trigger", trigger),
			zap.String("connection_id", s.ConnectionID),
			zap.String("user_id", s.UserID),
			zap.Time("last_activity", s.LastActivity))
	}

	if result.Demoted > 0 || result.Failed > 0 {
		r.logger.Info("Reconciliation sweep finished",
			zap.String("trigger", trigger),
			zap.Duration("threshold", threshold),
			zap.Int("scanned", result.Scanned),
			zap.Int("demoted", result.Demoted),
			zap.Int("failed", result.Failed))
	}

	return result, nil
}

// Run sweeps every interval until ctx is done
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.SweepPeriodic(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("Periodic sweep failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Start runs the periodic sweep in the background
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Run(ctx)
	}()

	r.logger.Info("Reconciler started",
		zap.Duration("interval", r.interval),
		zap.Duration("threshold", r.periodicThreshold))
}

// Stop stops the background sweep and waits for it to exit
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("Reconciler stopped")
}
