package controllers

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/envtest"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	gamev1alpha1 "github.com/SystemCraftsman/kubegame/api/v1alpha1"
	"github.com/SystemCraftsman/kubegame/internal/logging"
)

func TestIntegration_GameAndWorlds(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in -short")
	}
	if os.Getenv("KUBEGAME_INTEGRATION") != "1" {
		t.Skip("set KUBEGAME_INTEGRATION=1 to enable envtest integration tests")
	}

	ctx, cancel := context.WithTimeout(logging.NewTestLoggerIntoContext(context.Background()), 90*time.Second)
	defer cancel()

	testEnv := &envtest.Environment{
		CRDDirectoryPaths:     []string{filepath.Join("..", "config", "crd", "bases")},
		ErrorIfCRDPathMissing: true,
	}
	cfg, err := testEnv.Start()
	if err != nil {
		t.Fatalf("start envtest: %v", err)
	}
	defer func() { _ = testEnv.Stop() }()

	scheme := newTestScheme(t)
	k8sClient, err := client.New(cfg, client.Options{Scheme: scheme})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	mgr, err := ctrl.NewManager(cfg, ctrl.Options{
		Scheme:  scheme,
		Metrics: metricsserver.Options{BindAddress: "0"},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := IndexWorldsByGame(ctx, mgr.GetFieldIndexer()); err != nil {
		t.Fatalf("index worlds: %v", err)
	}

	opts := Options{RecheckInterval: time.Second, BackoffBase: 50 * time.Millisecond, BackoffMax: time.Second}
	if err := (&GameReconciler{
		Client:         mgr.GetClient(),
		Scheme:         mgr.GetScheme(),
		Recorder:       mgr.GetEventRecorderFor("game-controller"),
		DeletionPolicy: DeletionPolicyOrphan,
		Options:        opts,
	}).SetupWithManager(mgr); err != nil {
		t.Fatalf("setup game controller: %v", err)
	}
	db := newMemoryDatabase()
	if err := (&WorldReconciler{
		Client:   mgr.GetClient(),
		Scheme:   mgr.GetScheme(),
		Recorder: mgr.GetEventRecorderFor("world-controller"),
		Database: db,
		Options:  opts,
	}).SetupWithManager(mgr); err != nil {
		t.Fatalf("setup world controller: %v", err)
	}

	go func() {
		_ = mgr.Start(ctx)
	}()

	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "kubegame-it"}}
	if err := k8sClient.Create(ctx, ns); err != nil {
		t.Fatalf("create namespace: %v", err)
	}

	game := &gamev1alpha1.Game{
		ObjectMeta: metav1.ObjectMeta{Name: "oasis", Namespace: ns.Name},
		Spec: gamev1alpha1.GameSpec{
			Database: gamev1alpha1.DatabaseSpec{Username: "oasis", Password: "oasispass"},
		},
	}
	if err := k8sClient.Create(ctx, game); err != nil {
		t.Fatalf("create game: %v", err)
	}
	for _, name := range []string{"archaide", "incipio", "chthonia"} {
		w := &gamev1alpha1.World{
			ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns.Name},
			Spec:       gamev1alpha1.WorldSpec{Game: "oasis"},
		}
		if err := k8sClient.Create(ctx, w); err != nil {
			t.Fatalf("create world %s: %v", name, err)
		}
	}

	// No kube-controller-manager runs under envtest; report the replica ready by hand.
	depKey := types.NamespacedName{Namespace: ns.Name, Name: "oasis-postgres"}
	var dep appsv1.Deployment
	if err := poll(ctx, func() (bool, error) {
		err := k8sClient.Get(ctx, depKey, &dep)
		return err == nil, client.IgnoreNotFound(err)
	}); err != nil {
		t.Fatalf("deployment not created: %v", err)
	}
	dep.Status.Replicas = 1
	dep.Status.ReadyReplicas = 1
	if err := k8sClient.Status().Update(ctx, &dep); err != nil {
		t.Fatalf("update deployment status: %v", err)
	}

	if err := poll(ctx, func() (bool, error) {
		var g gamev1alpha1.Game
		if err := k8sClient.Get(ctx, client.ObjectKeyFromObject(game), &g); err != nil {
			return false, err
		}
		return g.Status.Ready, nil
	}); err != nil {
		t.Fatalf("game never became ready: %v", err)
	}

	if err := poll(ctx, func() (bool, error) {
		var worlds gamev1alpha1.WorldList
		if err := k8sClient.List(ctx, &worlds, client.InNamespace(ns.Name)); err != nil {
			return false, err
		}
		for i := range worlds.Items {
			if !worlds.Items[i].Status.Ready {
				return false, nil
			}
		}
		return len(worlds.Items) == 3, nil
	}); err != nil {
		t.Fatalf("worlds never became ready: %v", err)
	}
	if got := db.members("oasis-postgres.kubegame-it.svc"); len(got) != 3 {
		t.Fatalf("expected 3 rows, got %v", got)
	}

	if err := k8sClient.DeleteAllOf(ctx, &gamev1alpha1.World{}, client.InNamespace(ns.Name)); err != nil {
		t.Fatalf("delete worlds: %v", err)
	}
	if err := poll(ctx, func() (bool, error) {
		var worlds gamev1alpha1.WorldList
		err := k8sClient.List(ctx, &worlds, client.InNamespace(ns.Name))
		return err == nil && len(worlds.Items) == 0, err
	}); err != nil {
		t.Fatalf("worlds not released: %v", err)
	}
	if got := db.members("oasis-postgres.kubegame-it.svc"); len(got) != 0 {
		t.Fatalf("expected rows removed, got %v", got)
	}

	if err := k8sClient.Delete(ctx, game); err != nil {
		t.Fatalf("delete game: %v", err)
	}
	if err := poll(ctx, func() (bool, error) {
		err := k8sClient.Get(ctx, client.ObjectKeyFromObject(game), &gamev1alpha1.Game{})
		return apierrors.IsNotFound(err), client.IgnoreNotFound(err)
	}); err != nil {
		t.Fatalf("game not released: %v", err)
	}
	if err := k8sClient.Get(ctx, depKey, &appsv1.Deployment{}); !apierrors.IsNotFound(err) {
		t.Fatalf("expected deployment gone, got %v", err)
	}
	if err := k8sClient.Get(ctx, depKey, &corev1.Service{}); !apierrors.IsNotFound(err) {
		t.Fatalf("expected service gone, got %v", err)
	}
}

func poll(ctx context.Context, cond func() (bool, error)) error {
	return wait.PollUntilContextTimeout(ctx, 200*time.Millisecond, 30*time.Second, true, func(context.Context) (bool, error) {
		return cond()
	})
}
