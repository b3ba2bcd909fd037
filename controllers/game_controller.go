package controllers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	gamev1alpha1 "github.com/SystemCraftsman/kubegame/api/v1alpha1"
	"github.com/SystemCraftsman/kubegame/internal/postgres"
	"github.com/SystemCraftsman/kubegame/internal/readiness"
)

// DeletionPolicy decides what deleting a Game does while Worlds still reference it.
type DeletionPolicy string

const (
	// DeletionPolicyOrphan tears the Game down regardless; its Worlds stay pending
	// until they are deleted or the Game is recreated.
	DeletionPolicyOrphan DeletionPolicy = "Orphan"
	// DeletionPolicyBlock holds the Game in Terminating until no World references it.
	DeletionPolicyBlock DeletionPolicy = "Block"
)

const gameKind = "game"

// GameReconciler keeps a Game's Postgres Deployment and Service in place and
// publishes whether the database is ready.
//
// RBAC:
// +kubebuilder:rbac:groups=kubegame.systemcraftsman.com,resources=games,verbs=get;list;watch;update;patch
// +kubebuilder:rbac:groups=kubegame.systemcraftsman.com,resources=games/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=kubegame.systemcraftsman.com,resources=games/finalizers,verbs=update
// +kubebuilder:rbac:groups=kubegame.systemcraftsman.com,resources=worlds,verbs=get;list;watch
// +kubebuilder:rbac:groups=apps,resources=deployments,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="",resources=services,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch;update
type GameReconciler struct {
	client.Client
	Scheme         *runtime.Scheme
	Recorder       record.EventRecorder
	Health         ReadinessPublisher
	DeletionPolicy DeletionPolicy
	Options        Options
}

func (r *GameReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	l := &lifecycle[*gamev1alpha1.Game]{
		Client:    r.Client,
		recorder:  r.Recorder,
		name:      "Game",
		newObject: func() *gamev1alpha1.Game { return &gamev1alpha1.Game{} },
		phases:    r,
		opts:      r.Options.withDefaults(),
	}
	return l.Reconcile(ctx, req)
}

func (r *GameReconciler) converge(ctx context.Context, game *gamev1alpha1.Game) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	desired, err := postgres.BuildDeployment(game)
	var invalid *postgres.ValidationError
	if errors.As(err, &invalid) {
		return ctrl.Result{}, r.rejectSpec(ctx, game, invalid.Reason, invalid.Message)
	}
	if err != nil {
		return ctrl.Result{}, err
	}

	// Each dependent is checked on its own so a pass that failed halfway only
	// creates what is still missing.
	svcErr := r.ensureService(ctx, game, postgres.BuildService(game))
	dep, depErr := r.ensureDeployment(ctx, game, desired)

	var owned *controllerutil.AlreadyOwnedError
	if errors.As(svcErr, &owned) || errors.As(depErr, &owned) {
		// The other object can go away without any event reaching this Game.
		msg := fmt.Sprintf("%s already exists and is not controlled by this game", owned.Object.GetName())
		if prev := findCondition(game, readiness.TypeSpecValid); prev == nil || prev.Reason != reasonNameConflict {
			recordWarningf(r.Recorder, game, reasonNameConflict, "%s", msg)
		}
		setCondition(game, metav1.Condition{
			Type:    readiness.TypeSpecValid,
			Status:  metav1.ConditionFalse,
			Reason:  reasonNameConflict,
			Message: msg,
		})
		logger.Info("dependent name taken; rechecking later", "dependent", owned.Object.GetName())
		r.publishReadiness(game, nil)
		return ctrl.Result{RequeueAfter: r.Options.withDefaults().PermanentFailureRecheck}, nil
	}
	for _, err := range []error{svcErr, depErr} {
		if apierrors.IsInvalid(err) {
			return ctrl.Result{}, r.rejectSpec(ctx, game, reasonDependentInvalid, err.Error())
		}
	}
	if err := errors.Join(svcErr, depErr); err != nil {
		return ctrl.Result{}, err
	}
	setCondition(game, metav1.Condition{
		Type:    readiness.TypeSpecValid,
		Status:  metav1.ConditionTrue,
		Reason:  reasonSpecValid,
		Message: "database spec is valid",
	})
	game.Status.Endpoint = postgres.Endpoint(game.Name, game.Namespace)
	if !r.publishReadiness(game, dep) {
		logger.V(1).Info("database not ready yet", "readyReplicas", dep.Status.ReadyReplicas)
		return ctrl.Result{RequeueAfter: r.Options.withDefaults().RecheckInterval}, nil
	}
	return ctrl.Result{}, nil
}

// rejectSpec reports a spec that cannot be applied until it is edited. Whatever was
// created from an earlier valid spec keeps running and keeps reporting its readiness.
func (r *GameReconciler) rejectSpec(ctx context.Context, game *gamev1alpha1.Game, reason, msg string) error {
	if prev := findCondition(game, readiness.TypeSpecValid); prev == nil || prev.Status != metav1.ConditionFalse || prev.Reason != reason {
		recordWarningf(r.Recorder, game, "InvalidSpec", "%s", msg)
	}
	setCondition(game, metav1.Condition{
		Type:    readiness.TypeSpecValid,
		Status:  metav1.ConditionFalse,
		Reason:  reason,
		Message: msg,
	})
	dep, err := r.observeDeployment(ctx, game)
	if err != nil {
		return err
	}
	r.publishReadiness(game, dep)
	return terminal(reason, msg)
}

// publishReadiness records the workload condition and Ready summary on game and
// reports them to metrics and the health server.
func (r *GameReconciler) publishReadiness(game *gamev1alpha1.Game, dep *appsv1.Deployment) bool {
	ready := applyReadiness(game, readiness.Workload(dep))
	v := 0.0
	if ready {
		v = 1
	}
	kubegameGameReady.WithLabelValues(game.Namespace, game.Name).Set(v)
	publish(r.Health, gameKind, game)
	return ready
}

func (r *GameReconciler) observeDeployment(ctx context.Context, game *gamev1alpha1.Game) (*appsv1.Deployment, error) {
	var dep appsv1.Deployment
	key := types.NamespacedName{Namespace: game.Namespace, Name: postgres.ResourceName(game.Name)}
	if err := r.Get(ctx, key, &dep); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &dep, nil
}

func (r *GameReconciler) ensureDeployment(ctx context.Context, game *gamev1alpha1.Game, desired *appsv1.Deployment) (*appsv1.Deployment, error) {
	dep := &appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: desired.Name, Namespace: desired.Namespace}}
	op, err := controllerutil.CreateOrUpdate(ctx, r.Client, dep, func() error {
		if dep.ResourceVersion != "" && !metav1.IsControlledBy(dep, game) {
			return &controllerutil.AlreadyOwnedError{Object: dep}
		}
		postgres.MergeDeployment(dep, desired)
		return controllerutil.SetControllerReference(game, dep, r.Scheme)
	})
	if err != nil {
		return nil, err
	}
	r.recordWrite(ctx, game, "Deployment", dep.Name, op)
	return dep, nil
}

func (r *GameReconciler) ensureService(ctx context.Context, game *gamev1alpha1.Game, desired *corev1.Service) error {
	svc := &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: desired.Name, Namespace: desired.Namespace}}
	op, err := controllerutil.CreateOrUpdate(ctx, r.Client, svc, func() error {
		if svc.ResourceVersion != "" && !metav1.IsControlledBy(svc, game) {
			return &controllerutil.AlreadyOwnedError{Object: svc}
		}
		postgres.MergeService(svc, desired)
		return controllerutil.SetControllerReference(game, svc, r.Scheme)
	})
	if err != nil {
		return err
	}
	r.recordWrite(ctx, game, "Service", svc.Name, op)
	return nil
}

func (r *GameReconciler) recordWrite(ctx context.Context, game *gamev1alpha1.Game, kind, name string, op controllerutil.OperationResult) {
	if op == controllerutil.OperationResultNone {
		return
	}
	kubegameDependentWritesTotal.WithLabelValues(kind, string(op)).Inc()
	log.FromContext(ctx).Info("dependent "+string(op), "kind", kind, "dependent", name)
	switch op {
	case controllerutil.OperationResultCreated:
		recordEventf(r.Recorder, game, corev1.EventTypeNormal, "Created", "Created %s %s", kind, name)
	default:
		recordEventf(r.Recorder, game, corev1.EventTypeNormal, "Updated", "Updated %s %s", kind, name)
	}
}

func (r *GameReconciler) teardown(ctx context.Context, game *gamev1alpha1.Game) (bool, error) {
	logger := log.FromContext(ctx)

	if r.DeletionPolicy == DeletionPolicyBlock {
		worlds, err := referencingWorlds(ctx, r.Client, game)
		if err != nil {
			return false, err
		}
		if len(worlds) > 0 {
			setCondition(game, metav1.Condition{
				Type:    readiness.TypeDeletionBlocked,
				Status:  metav1.ConditionTrue,
				Reason:  reasonWorldsRemain,
				Message: "worlds still reference this game: " + strings.Join(worlds, ", "),
			})
			logger.Info("deletion blocked by referencing worlds", "worlds", worlds)
			return false, nil
		}
		if findCondition(game, readiness.TypeDeletionBlocked) != nil {
			setCondition(game, metav1.Condition{
				Type:    readiness.TypeDeletionBlocked,
				Status:  metav1.ConditionFalse,
				Reason:  reasonNoReferences,
				Message: "no worlds reference this game",
			})
		}
	}

	name := postgres.ResourceName(game.Name)
	depGone, err := r.deleteOwned(ctx, game, "Deployment", &appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: game.Namespace}})
	if err != nil {
		return false, err
	}
	svcGone, err := r.deleteOwned(ctx, game, "Service", &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: game.Namespace}})
	if err != nil {
		return false, err
	}
	if !depGone || !svcGone {
		logger.V(1).Info("waiting for dependents to disappear", "deploymentGone", depGone, "serviceGone", svcGone)
		return false, nil
	}

	kubegameGameReady.DeleteLabelValues(game.Namespace, game.Name)
	forget(r.Health, gameKind, game)
	return true, nil
}

// deleteOwned deletes obj if game controls it and reports whether it is gone.
// Objects owned by someone else are left in place and count as gone.
func (r *GameReconciler) deleteOwned(ctx context.Context, game *gamev1alpha1.Game, kind string, obj client.Object) (bool, error) {
	key := client.ObjectKeyFromObject(obj)
	if err := r.Get(ctx, key, obj); err != nil {
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		return false, err
	}
	if !metav1.IsControlledBy(obj, game) {
		return true, nil
	}
	if obj.GetDeletionTimestamp().IsZero() {
		if err := r.Delete(ctx, obj, client.PropagationPolicy(metav1.DeletePropagationBackground)); err != nil {
			if apierrors.IsNotFound(err) {
				return true, nil
			}
			return false, err
		}
		kubegameDependentWritesTotal.WithLabelValues(kind, "deleted").Inc()
		recordEventf(r.Recorder, game, corev1.EventTypeNormal, "Deleted", "Deleted %s %s", kind, key.Name)
	}

	// Confirm against the store rather than trusting the delete call.
	if err := r.Get(ctx, key, obj); err != nil {
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// referencingWorlds lists the names of Worlds that point at game, sorted.
func referencingWorlds(ctx context.Context, c client.Client, game *gamev1alpha1.Game) ([]string, error) {
	var worlds gamev1alpha1.WorldList
	if err := c.List(ctx, &worlds,
		client.InNamespace(game.Namespace),
		client.MatchingFields{worldGameField: game.Name},
	); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(worlds.Items))
	for i := range worlds.Items {
		names = append(names, worlds.Items[i].Name)
	}
	sort.Strings(names)
	return names, nil
}

func (r *GameReconciler) SetupWithManager(mgr ctrl.Manager) error {
	b := ctrl.NewControllerManagedBy(mgr).
		For(&gamev1alpha1.Game{}).
		Owns(&appsv1.Deployment{}).
		Owns(&corev1.Service{}).
		WithOptions(r.Options.controllerOptions())

	// A blocked deletion resumes as soon as the last referencing World goes away.
	if r.DeletionPolicy == DeletionPolicyBlock {
		b = b.Watches(
			&gamev1alpha1.World{},
			handler.EnqueueRequestsFromMapFunc(func(ctx context.Context, obj client.Object) []reconcile.Request {
				w, ok := obj.(*gamev1alpha1.World)
				if !ok || w.Spec.Game == "" {
					return nil
				}
				return []reconcile.Request{{NamespacedName: types.NamespacedName{Namespace: w.Namespace, Name: w.Spec.Game}}}
			}),
		)
	}
	return b.Complete(r)
}
