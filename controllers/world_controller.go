package controllers

import (
	"context"
	"fmt"
	"net"
	"strconv"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	gamev1alpha1 "github.com/SystemCraftsman/kubegame/api/v1alpha1"
	"github.com/SystemCraftsman/kubegame/internal/database"
	"github.com/SystemCraftsman/kubegame/internal/postgres"
	"github.com/SystemCraftsman/kubegame/internal/readiness"
)

const (
	worldKind = "world"

	// worldGameField indexes Worlds by the Game they reference.
	worldGameField = ".spec.game"

	reasonWaitingForGame = "WaitingForGame"

	// DefaultDatabaseHostFormat renders the in-cluster host of a Game's Service.
	DefaultDatabaseHostFormat = "%s.%s.svc"
)

// DatabaseAccessor is the membership storage the World reconciler needs.
type DatabaseAccessor interface {
	EnsureSchema(ctx context.Context, ci database.ConnInfo) error
	UpsertMembership(ctx context.Context, ci database.ConnInfo, game, world string) error
	DeleteMembership(ctx context.Context, ci database.ConnInfo, game, world string) error
	RowExists(ctx context.Context, ci database.ConnInfo, game, world string) (bool, error)
}

// WorldReconciler records each World as a row in its Game's database once the Game
// is ready, and removes the row when the World is deleted.
//
// RBAC:
// +kubebuilder:rbac:groups=kubegame.systemcraftsman.com,resources=worlds,verbs=get;list;watch;update;patch
// +kubebuilder:rbac:groups=kubegame.systemcraftsman.com,resources=worlds/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=kubegame.systemcraftsman.com,resources=worlds/finalizers,verbs=update
// +kubebuilder:rbac:groups=kubegame.systemcraftsman.com,resources=games,verbs=get;list;watch
// +kubebuilder:rbac:groups=apps,resources=deployments,verbs=get;list;watch
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch;update
type WorldReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Recorder record.EventRecorder
	Database DatabaseAccessor
	Health   ReadinessPublisher
	// DatabaseHostFormat receives a Game's Service name and namespace.
	DatabaseHostFormat string
	// DialAddress, when set, is used as host:port for every Game database.
	DialAddress string
	Options            Options
}

func (r *WorldReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	l := &lifecycle[*gamev1alpha1.World]{
		Client:    r.Client,
		recorder:  r.Recorder,
		name:      "World",
		newObject: func() *gamev1alpha1.World { return &gamev1alpha1.World{} },
		phases:    r,
		opts:      r.Options.withDefaults(),
	}
	return l.Reconcile(ctx, req)
}

func (r *WorldReconciler) converge(ctx context.Context, world *gamev1alpha1.World) (ctrl.Result, error) {
	logger := log.FromContext(ctx).WithValues("game", world.Spec.Game)
	opts := r.Options.withDefaults()

	if world.Spec.Game == "" {
		applyReadiness(world,
			metav1.Condition{
				Type:    readiness.TypeGameResolved,
				Status:  metav1.ConditionFalse,
				Reason:  reasonInvalidReference,
				Message: "spec.game is required",
			},
			r.membershipPending(world),
		)
		publish(r.Health, worldKind, world)
		return ctrl.Result{}, terminal(reasonInvalidReference, "spec.game is required")
	}

	game, err := r.lookupGame(ctx, world)
	if err != nil {
		return ctrl.Result{}, err
	}

	gameCond := readiness.GameReference(world.Spec.Game, game)
	if gameCond.Status != metav1.ConditionTrue {
		// No database write until the Game's endpoint can be expected to answer.
		applyReadiness(world, gameCond, r.membershipPending(world))
		publish(r.Health, worldKind, world)
		logger.V(1).Info("waiting for game", "reason", gameCond.Reason)
		return ctrl.Result{RequeueAfter: opts.RecheckInterval}, nil
	}

	ci := r.connInfo(game)
	if err := r.Database.EnsureSchema(ctx, ci); err != nil {
		return r.databaseFailure(ctx, world, gameCond, err)
	}
	if err := r.Database.UpsertMembership(ctx, ci, game.Name, world.Name); err != nil {
		return r.databaseFailure(ctx, world, gameCond, err)
	}
	present, err := r.Database.RowExists(ctx, ci, game.Name, world.Name)
	if err != nil {
		return r.databaseFailure(ctx, world, gameCond, err)
	}

	wasReady := world.Status.Ready
	ready := applyReadiness(world, gameCond, readiness.Membership(present))
	publish(r.Health, worldKind, world)
	if !ready {
		return ctrl.Result{RequeueAfter: opts.RecheckInterval}, nil
	}
	if !wasReady {
		logger.Info("world recorded in game database", "database", ci.String())
		recordEventf(r.Recorder, world, corev1.EventTypeNormal, "Recorded", "Recorded in game %s", game.Name)
	}
	return ctrl.Result{}, nil
}

// databaseFailure maps an Accessor error onto the pass outcome. Transient failures
// leave status untouched and back off; rejections are published and rechecked slowly.
func (r *WorldReconciler) databaseFailure(ctx context.Context, world *gamev1alpha1.World, gameCond metav1.Condition, err error) (ctrl.Result, error) {
	if !database.IsPermanent(err) {
		return ctrl.Result{}, err
	}
	if prev := findCondition(world, readiness.TypeMembershipRecorded); prev == nil || prev.Reason != readiness.ReasonDatabaseRejected {
		recordWarningf(r.Recorder, world, readiness.ReasonDatabaseRejected, "Game database rejected the request: %v", err)
	}
	log.FromContext(ctx).Info("game database rejected the request", "error", err.Error())
	applyReadiness(world, gameCond, readiness.MembershipRejected(err.Error()))
	publish(r.Health, worldKind, world)
	return ctrl.Result{RequeueAfter: r.Options.withDefaults().PermanentFailureRecheck}, nil
}

// membershipPending keeps an earlier membership observation, since the row outlives
// a Game that is briefly unavailable.
func (r *WorldReconciler) membershipPending(world *gamev1alpha1.World) metav1.Condition {
	if prev := findCondition(world, readiness.TypeMembershipRecorded); prev != nil {
		c := *prev
		c.LastTransitionTime = metav1.Time{}
		return c
	}
	return metav1.Condition{
		Type:    readiness.TypeMembershipRecorded,
		Status:  metav1.ConditionFalse,
		Reason:  reasonWaitingForGame,
		Message: "waiting for the game database",
	}
}

// lookupGame returns the referenced Game, or nil if it does not exist.
func (r *WorldReconciler) lookupGame(ctx context.Context, world *gamev1alpha1.World) (*gamev1alpha1.Game, error) {
	var game gamev1alpha1.Game
	if err := r.Get(ctx, types.NamespacedName{Namespace: world.Namespace, Name: world.Spec.Game}, &game); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &game, nil
}

func (r *WorldReconciler) connInfo(game *gamev1alpha1.Game) database.ConnInfo {
	format := r.DatabaseHostFormat
	if format == "" {
		format = DefaultDatabaseHostFormat
	}
	db := postgres.WithDefaults(game.Spec.Database)
	ci := database.ConnInfo{
		Host:     fmt.Sprintf(format, postgres.ResourceName(game.Name), game.Namespace),
		Port:     postgres.Port,
		Database: db.Name,
		Username: db.Username,
		Password: db.Password,
	}
	if r.DialAddress != "" {
		if host, port, err := net.SplitHostPort(r.DialAddress); err == nil {
			if p, err := strconv.ParseInt(port, 10, 32); err == nil {
				ci.Host, ci.Port = host, int32(p)
			}
		}
	}
	return ci
}

func (r *WorldReconciler) teardown(ctx context.Context, world *gamev1alpha1.World) (bool, error) {
	logger := log.FromContext(ctx).WithValues("game", world.Spec.Game)

	if world.Spec.Game == "" {
		forget(r.Health, worldKind, world)
		return true, nil
	}
	game, err := r.lookupGame(ctx, world)
	if err != nil {
		return false, err
	}
	if game == nil {
		logger.Info("game is gone; its database went with it")
		forget(r.Health, worldKind, world)
		return true, nil
	}
	if !game.DeletionTimestamp.IsZero() {
		gone, err := r.databaseGone(ctx, game)
		if err != nil {
			return false, err
		}
		if gone {
			logger.Info("game database already torn down")
			forget(r.Health, worldKind, world)
			return true, nil
		}
	}

	if err := r.Database.DeleteMembership(ctx, r.connInfo(game), game.Name, world.Name); err != nil {
		// A row is only written after the Game was ready; if it never was and the
		// database cannot be reached, there is nothing to remove.
		if !game.Status.Ready && !membershipEverRecorded(world) {
			logger.Info("game database unreachable and world was never recorded", "error", err.Error())
			forget(r.Health, worldKind, world)
			return true, nil
		}
		return false, err
	}
	forget(r.Health, worldKind, world)
	return true, nil
}

func membershipEverRecorded(world *gamev1alpha1.World) bool {
	c := findCondition(world, readiness.TypeMembershipRecorded)
	return c != nil && (c.Status == metav1.ConditionTrue || c.Reason == readiness.ReasonDatabaseRejected)
}

func (r *WorldReconciler) databaseGone(ctx context.Context, game *gamev1alpha1.Game) (bool, error) {
	var dep appsv1.Deployment
	err := r.Get(ctx, types.NamespacedName{Namespace: game.Namespace, Name: postgres.ResourceName(game.Name)}, &dep)
	if apierrors.IsNotFound(err) {
		return true, nil
	}
	return false, err
}

// IndexWorldsByGame registers the field index used to find a Game's Worlds.
func IndexWorldsByGame(ctx context.Context, indexer client.FieldIndexer) error {
	return indexer.IndexField(ctx, &gamev1alpha1.World{}, worldGameField, worldGameIndexer)
}

func worldGameIndexer(obj client.Object) []string {
	w, ok := obj.(*gamev1alpha1.World)
	if !ok || w.Spec.Game == "" {
		return nil
	}
	return []string{w.Spec.Game}
}

func (r *WorldReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&gamev1alpha1.World{}).
		Watches(&gamev1alpha1.Game{}, enqueueWorldsForGame(mgr.GetClient())).
		WithOptions(r.Options.controllerOptions()).
		Complete(r)
}

func enqueueWorldsForGame(c client.Client) handler.EventHandler {
	return handler.EnqueueRequestsFromMapFunc(worldsForGame(c))
}

// worldsForGame maps a Game event to every World that references it.
func worldsForGame(c client.Client) handler.MapFunc {
	return func(ctx context.Context, obj client.Object) []reconcile.Request {
		game, ok := obj.(*gamev1alpha1.Game)
		if !ok {
			return nil
		}

		var worlds gamev1alpha1.WorldList
		if err := c.List(ctx, &worlds,
			client.InNamespace(game.Namespace),
			client.MatchingFields{worldGameField: game.Name},
		); err != nil {
			log.FromContext(ctx).Error(err, "list worlds for game", "game", game.Name)
			return nil
		}

		out := make([]reconcile.Request, 0, len(worlds.Items))
		for i := range worlds.Items {
			w := &worlds.Items[i]
			out = append(out, reconcile.Request{NamespacedName: types.NamespacedName{Namespace: w.Namespace, Name: w.Name}})
		}
		return out
	}
}
