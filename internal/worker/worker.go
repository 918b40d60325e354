package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/birdhaus/roost/internal/clock"
	"github.com/birdhaus/roost/internal/config"
	obsmetrics "github.com/birdhaus/roost/internal/observability/metrics"
	paymentdomain "github.com/birdhaus/roost/internal/payment/domain"
	"github.com/birdhaus/roost/internal/payment/providers"
	paymentservice "github.com/birdhaus/roost/internal/payment/service"
	"github.com/birdhaus/roost/internal/reconciliation"
	"github.com/birdhaus/roost/internal/treasury"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	AppConfig  config.Config
	Repo       paymentdomain.Repository
	Providers  *providers.Registry
	PaymentSvc *paymentservice.Service
	Movers     *treasury.Movers
	Reconciler *reconciliation.Engine
	Locker     *Locker             `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
	Config     Config              `optional:"true"`
}

// Pool runs the settlement background jobs on a shared ticker. Jobs
// share the durable store with the request path and own no exclusive
// lock on it; every transition is a conditional write.
type Pool struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	appCfg     config.Config
	clock      clock.Clock
	repo       paymentdomain.Repository
	providers  *providers.Registry
	paymentSvc *paymentservice.Service
	movers     *treasury.Movers
	reconciler *reconciliation.Engine
	locker     *Locker
	obsMetrics *obsmetrics.Metrics

	lastReconcile time.Time
}

func New(p Params) (*Pool, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Repo == nil || p.Providers == nil || p.PaymentSvc == nil || p.Movers == nil || p.Reconciler == nil {
		return nil, ErrInvalidConfig
	}
	return &Pool{
		db:         p.DB,
		log:        p.Log.Named("worker").With(zap.String("component", "worker")),
		cfg:        p.Config.withDefaults(),
		appCfg:     p.AppConfig,
		clock:      p.Clock,
		repo:       p.Repo,
		providers:  p.Providers,
		paymentSvc: p.PaymentSvc,
		movers:     p.Movers,
		reconciler: p.Reconciler,
		locker:     p.Locker,
		obsMetrics: p.ObsMetrics,
	}, nil
}

func (w *Pool) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := w.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	log := w.log.With(zap.String("job", name))
	wm := obsmetrics.Worker()
	wm.IncJobRun(name)

	err := fn(ctx)
	wm.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		wm.IncJobTimeout(name)
	}
	wm.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (w *Pool) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"confirmation", w.isJobEnabled("confirmation"), func(ctx context.Context) error {
			return w.runJob(ctx, "confirmation", 2*time.Minute, w.ConfirmationJob)
		}},
		{"timeout", w.isJobEnabled("timeout"), func(ctx context.Context) error {
			return w.runJob(ctx, "timeout", 30*time.Second, w.TimeoutJob)
		}},
		{"sweep_eligibility", w.isJobEnabled("sweep_eligibility"), func(ctx context.Context) error {
			return w.runJob(ctx, "sweep_eligibility", 30*time.Second, w.SweepEligibilityJob)
		}},
		{"sweep", w.isJobEnabled("sweep"), func(ctx context.Context) error {
			return w.runJob(ctx, "sweep", 2*time.Minute, w.SweepJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	if w.isJobEnabled("reconciliation") && w.reconcileDue() {
		err = errors.Join(err, w.runJob(parent, "reconciliation", 5*time.Minute, func(ctx context.Context) error {
			_, runErr := w.reconciler.Run(ctx)
			return runErr
		}))
		w.lastReconcile = w.clock.Now()
	}

	return err
}

func (w *Pool) reconcileDue() bool {
	if w.lastReconcile.IsZero() {
		return true
	}
	return w.clock.Now().Sub(w.lastReconcile) >= w.cfg.ReconcileInterval
}

func (w *Pool) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := w.RunOnce(ctx); err != nil {
			w.log.Warn("worker run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Pool) isJobEnabled(jobName string) bool {
	// Empty EnabledJobs enables everything (monolith mode).
	if len(w.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range w.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
