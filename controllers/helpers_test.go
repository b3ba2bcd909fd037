package controllers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	gamev1alpha1 "github.com/SystemCraftsman/kubegame/api/v1alpha1"
	"github.com/SystemCraftsman/kubegame/internal/database"
	"github.com/SystemCraftsman/kubegame/internal/postgres"
)

const testNamespace = "kubegame"

func newTestScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme := runtime.NewScheme()
	_ = clientgoscheme.AddToScheme(scheme)
	if err := gamev1alpha1.AddToScheme(scheme); err != nil {
		t.Fatalf("AddToScheme(kubegame): %v", err)
	}
	return scheme
}

func newTestClient(t *testing.T, scheme *runtime.Scheme, objs ...client.Object) client.Client {
	t.Helper()
	return newTestClientBuilder(scheme, objs...).Build()
}

func newTestClientBuilder(scheme *runtime.Scheme, objs ...client.Object) *fake.ClientBuilder {
	return fake.NewClientBuilder().
		WithScheme(scheme).
		WithObjects(objs...).
		WithStatusSubresource(&gamev1alpha1.Game{}, &gamev1alpha1.World{}, &appsv1.Deployment{}).
		WithIndex(&gamev1alpha1.World{}, worldGameField, worldGameIndexer)
}

func newGame(name string) *gamev1alpha1.Game {
	return &gamev1alpha1.Game{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: testNamespace,
			UID:       types.UID(name + "-uid"),
		},
		Spec: gamev1alpha1.GameSpec{
			Database: gamev1alpha1.DatabaseSpec{Username: "admin", Password: "secret"},
		},
	}
}

func newWorld(name, game string) *gamev1alpha1.World {
	return &gamev1alpha1.World{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: testNamespace,
			UID:       types.UID(name + "-uid"),
		},
		Spec: gamev1alpha1.WorldSpec{Game: game},
	}
}

func reconcileKey(name string) ctrl.Request {
	return ctrl.Request{NamespacedName: types.NamespacedName{Namespace: testNamespace, Name: name}}
}

func getGame(t *testing.T, c client.Client, name string) *gamev1alpha1.Game {
	t.Helper()
	var g gamev1alpha1.Game
	if err := c.Get(context.Background(), types.NamespacedName{Namespace: testNamespace, Name: name}, &g); err != nil {
		t.Fatalf("Get game %s: %v", name, err)
	}
	return &g
}

func getWorld(t *testing.T, c client.Client, name string) *gamev1alpha1.World {
	t.Helper()
	var w gamev1alpha1.World
	if err := c.Get(context.Background(), types.NamespacedName{Namespace: testNamespace, Name: name}, &w); err != nil {
		t.Fatalf("Get world %s: %v", name, err)
	}
	return &w
}

func getDependents(t *testing.T, c client.Client, game string) (*appsv1.Deployment, *corev1.Service) {
	t.Helper()
	key := types.NamespacedName{Namespace: testNamespace, Name: postgres.ResourceName(game)}
	var dep appsv1.Deployment
	if err := c.Get(context.Background(), key, &dep); err != nil {
		t.Fatalf("Get deployment: %v", err)
	}
	var svc corev1.Service
	if err := c.Get(context.Background(), key, &svc); err != nil {
		t.Fatalf("Get service: %v", err)
	}
	return &dep, &svc
}

// markDatabaseReady reports the game's Deployment as having its replica ready.
func markDatabaseReady(t *testing.T, c client.Client, game string) {
	t.Helper()
	dep, _ := getDependents(t, c, game)
	dep.Status.Replicas = 1
	dep.Status.ReadyReplicas = 1
	if err := c.Status().Update(context.Background(), dep); err != nil {
		t.Fatalf("update deployment status: %v", err)
	}
}

func testOptions() Options {
	return Options{RecheckInterval: 5 * time.Second, PermanentFailureRecheck: time.Minute}
}

func drainEvents(rec *record.FakeRecorder) []string {
	var out []string
	for {
		select {
		case e := <-rec.Events:
			out = append(out, e)
		default:
			return out
		}
	}
}

// recordingHealth keeps the last published readiness per resource.
type recordingHealth struct {
	mu     sync.Mutex
	status map[string]bool
}

func newRecordingHealth() *recordingHealth {
	return &recordingHealth{status: map[string]bool{}}
}

func (h *recordingHealth) Publish(kind, namespace, name string, ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status[kind+"/"+namespace+"/"+name] = ready
}

func (h *recordingHealth) Forget(kind, namespace, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.status, kind+"/"+namespace+"/"+name)
}

func (h *recordingHealth) lookup(kind, name string) (ready, known bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ready, known = h.status[kind+"/"+testNamespace+"/"+name]
	return ready, known
}

// memoryDatabase is an in-memory game database keyed by host. Setting err makes
// every call fail with it.
type memoryDatabase struct {
	mu    sync.Mutex
	rows  map[string]map[string]bool
	calls int
	err   error
}

func newMemoryDatabase() *memoryDatabase {
	return &memoryDatabase{rows: map[string]map[string]bool{}}
}

func (m *memoryDatabase) begin() error {
	m.calls++
	return m.err
}

func (m *memoryDatabase) EnsureSchema(_ context.Context, ci database.ConnInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(); err != nil {
		return err
	}
	if m.rows[ci.Host] == nil {
		m.rows[ci.Host] = map[string]bool{}
	}
	return nil
}

func (m *memoryDatabase) UpsertMembership(_ context.Context, ci database.ConnInfo, game, world string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(); err != nil {
		return err
	}
	if m.rows[ci.Host] == nil {
		return fmt.Errorf("table World does not exist on %s", ci.Host)
	}
	m.rows[ci.Host][game+"/"+world] = true
	return nil
}

func (m *memoryDatabase) DeleteMembership(_ context.Context, ci database.ConnInfo, game, world string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(); err != nil {
		return err
	}
	delete(m.rows[ci.Host], game+"/"+world)
	return nil
}

func (m *memoryDatabase) RowExists(_ context.Context, ci database.ConnInfo, game, world string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(); err != nil {
		return false, err
	}
	return m.rows[ci.Host][game+"/"+world], nil
}

func (m *memoryDatabase) members(host string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.rows[host] {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *memoryDatabase) failWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *memoryDatabase) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
