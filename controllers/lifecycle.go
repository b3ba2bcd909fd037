package controllers

import (
	"context"
	"errors"
	"time"

	"k8s.io/apimachinery/pkg/api/equality"
	"k8s.io/client-go/tools/record"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	gamev1alpha1 "github.com/SystemCraftsman/kubegame/api/v1alpha1"
	"github.com/SystemCraftsman/kubegame/internal/monitoring"
)

// Options tunes the reconcile loop shared by both controllers.
type Options struct {
	// Workers bounds concurrent reconciles per controller. Each key is still
	// reconciled by at most one worker at a time.
	Workers int
	// ReconcileTimeout aborts a pass that runs longer; the key is retried with backoff.
	ReconcileTimeout time.Duration
	// RecheckInterval is the requeue delay while waiting on another resource.
	RecheckInterval time.Duration
	// PermanentFailureRecheck is the requeue delay after a database rejects us.
	PermanentFailureRecheck time.Duration
	// TeardownWait is how long deletion may take before it is reported as stalled.
	TeardownWait time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	Clock        clock.PassiveClock
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.ReconcileTimeout <= 0 {
		o.ReconcileTimeout = 30 * time.Second
	}
	if o.RecheckInterval <= 0 {
		o.RecheckInterval = 15 * time.Second
	}
	if o.PermanentFailureRecheck <= 0 {
		o.PermanentFailureRecheck = 5 * time.Minute
	}
	if o.TeardownWait <= 0 {
		o.TeardownWait = 2 * time.Minute
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = 5 * time.Minute
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	return o
}

func (o Options) controllerOptions() controller.Options {
	o = o.withDefaults()
	return controller.Options{
		MaxConcurrentReconciles: o.Workers,
		RateLimiter:             workqueue.NewTypedItemExponentialFailureRateLimiter[reconcile.Request](o.BackoffBase, o.BackoffMax),
	}
}

// phases supplies the kind-specific steps of a reconcile pass.
type phases[T statusAware] interface {
	// converge drives obj toward its spec and records the outcome on obj's status.
	converge(ctx context.Context, obj T) (ctrl.Result, error)
	// teardown removes what obj owns outside its own object. It re-checks actual
	// state on every call and reports done only once everything is confirmed gone.
	teardown(ctx context.Context, obj T) (done bool, err error)
}

// lifecycle runs one pass for a finalizer-guarded, status-bearing resource:
// Active (converge, publish status) or Terminating (teardown, then release).
type lifecycle[T statusAware] struct {
	client.Client
	recorder  record.EventRecorder
	name      string
	newObject func() T
	phases    phases[T]
	opts      Options
}

func (l *lifecycle[T]) Reconcile(ctx context.Context, req ctrl.Request) (result ctrl.Result, retErr error) {
	start := time.Now()
	kubegameControllerReconcileTotal.WithLabelValues(l.name).Inc()

	ctx, cancel := context.WithTimeout(ctx, l.opts.ReconcileTimeout)
	defer cancel()
	ctx, span := monitoring.StartReconcileSpan(ctx, l.name+".Reconcile", req.Name, req.Namespace, l.name)

	logger := log.FromContext(ctx).WithValues(
		"controller", l.name,
		"namespace", req.Namespace,
		"name", req.Name,
	)
	ctx = log.IntoContext(ctx, logger)

	defer func() {
		if retErr != nil {
			kubegameControllerReconcileErrorTotal.WithLabelValues(l.name).Inc()
			if errors.Is(retErr, context.DeadlineExceeded) {
				logger.Info("reconcile pass exceeded its deadline; requeueing", "timeout", l.opts.ReconcileTimeout)
			}
		}
		monitoring.RecordSpanError(span, retErr)
		span.End()
		kubegameControllerReconcileDuration.WithLabelValues(l.name).Observe(time.Since(start).Seconds())
	}()

	obj := l.newObject()
	if err := l.Get(ctx, req.NamespacedName, obj); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	if !obj.GetDeletionTimestamp().IsZero() {
		return l.finalize(ctx, obj)
	}

	if !controllerutil.ContainsFinalizer(obj, gamev1alpha1.Finalizer) {
		controllerutil.AddFinalizer(obj, gamev1alpha1.Finalizer)
		if err := l.Update(ctx, obj); err != nil {
			return ctrl.Result{}, err
		}
	}

	before := obj.DeepCopyObject().(T)
	res, err := l.phases.converge(ctx, obj)

	var term *terminalError
	switch {
	case err == nil:
	case errors.As(err, &term):
		logger.Info("spec cannot be applied; waiting for it to change", "reason", term.Reason, "message", term.Message)
		res = ctrl.Result{}
	default:
		// Transient: leave status alone and let the rate limiter back off.
		return ctrl.Result{}, err
	}

	if err := l.patchStatus(ctx, before, obj); err != nil {
		return ctrl.Result{}, err
	}
	return res, nil
}

func (l *lifecycle[T]) finalize(ctx context.Context, obj T) (ctrl.Result, error) {
	if !controllerutil.ContainsFinalizer(obj, gamev1alpha1.Finalizer) {
		return ctrl.Result{}, nil
	}
	logger := log.FromContext(ctx)

	before := obj.DeepCopyObject().(T)
	done, err := l.phases.teardown(ctx, obj)
	if err != nil || !done {
		waited := l.opts.Clock.Since(obj.GetDeletionTimestamp().Time)
		if waited > l.opts.TeardownWait {
			kubegameTeardownStalledTotal.WithLabelValues(l.name).Inc()
			logger.Error(err, "teardown still incomplete; retrying", "waited", waited.Round(time.Second), "budget", l.opts.TeardownWait)
			recordWarningf(l.recorder, obj, "TeardownStalled", "Teardown has not completed after %s", waited.Round(time.Second))
		}
		if err != nil {
			return ctrl.Result{}, err
		}
		if err := l.patchStatus(ctx, before, obj); err != nil {
			return ctrl.Result{}, err
		}
		return ctrl.Result{RequeueAfter: l.opts.RecheckInterval}, nil
	}

	controllerutil.RemoveFinalizer(obj, gamev1alpha1.Finalizer)
	if err := l.Update(ctx, obj); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}
	logger.Info("teardown complete; finalizer released")
	return ctrl.Result{}, nil
}

// patchStatus writes obj's status only when the pass changed it.
func (l *lifecycle[T]) patchStatus(ctx context.Context, before, obj T) error {
	obj.SetObservedGeneration(obj.GetGeneration())
	if equality.Semantic.DeepEqual(before, obj) {
		return nil
	}
	return l.Status().Patch(ctx, obj, client.MergeFrom(before))
}
