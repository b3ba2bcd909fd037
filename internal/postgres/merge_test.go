package postgres

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	"k8s.io/utils/ptr"

	gamev1alpha1 "github.com/SystemCraftsman/kubegame/api/v1alpha1"
)

func TestMergeDeployment_ConvergedIsNoop(t *testing.T) {
	game := newGame("oasis", gamev1alpha1.DatabaseSpec{Username: "admin", Password: "secret"})
	desired, err := BuildDeployment(game)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	// Simulate fields the API server fills in.
	observed := desired.DeepCopy()
	observed.Spec.RevisionHistoryLimit = ptr.To(int32(10))
	observed.Spec.Template.Spec.RestartPolicy = corev1.RestartPolicyAlways
	observed.Spec.Template.Spec.Containers[0].TerminationMessagePath = "/dev/termination-log"
	observed.Spec.Template.Spec.Containers[0].ImagePullPolicy = corev1.PullIfNotPresent
	before := observed.DeepCopy()

	MergeDeployment(observed, desired)
	if !equality.Semantic.DeepEqual(before, observed) {
		t.Fatalf("merge changed a converged deployment:\n%s", cmp.Diff(before, observed))
	}
}

func TestMergeDeployment_RepairsDrift(t *testing.T) {
	game := newGame("oasis", gamev1alpha1.DatabaseSpec{Username: "admin", Password: "secret", Version: "16"})
	desired, err := BuildDeployment(game)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	observed := desired.DeepCopy()
	observed.Spec.Replicas = ptr.To(int32(3))
	observed.Spec.Template.Spec.Containers[0].Image = "postgres:14"
	observed.Spec.Strategy = appsv1.DeploymentStrategy{Type: appsv1.RollingUpdateDeploymentStrategyType, RollingUpdate: &appsv1.RollingUpdateDeployment{}}
	observed.Labels["team"] = "infra"

	MergeDeployment(observed, desired)

	if *observed.Spec.Replicas != 1 {
		t.Fatalf("replicas=%d", *observed.Spec.Replicas)
	}
	if observed.Spec.Template.Spec.Containers[0].Image != "postgres:16" {
		t.Fatalf("image=%q", observed.Spec.Template.Spec.Containers[0].Image)
	}
	if observed.Spec.Strategy.RollingUpdate != nil || observed.Spec.Strategy.Type != appsv1.RecreateDeploymentStrategyType {
		t.Fatalf("strategy=%+v", observed.Spec.Strategy)
	}
	if observed.Labels["team"] != "infra" {
		t.Fatalf("foreign label dropped")
	}
}

func TestMergeDeployment_Empty(t *testing.T) {
	game := newGame("oasis", gamev1alpha1.DatabaseSpec{Username: "admin", Password: "secret"})
	desired, err := BuildDeployment(game)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	observed := &appsv1.Deployment{}
	observed.Name, observed.Namespace = desired.Name, desired.Namespace
	MergeDeployment(observed, desired)

	if diff := cmp.Diff(desired.Spec, observed.Spec); diff != "" {
		t.Errorf("merge into empty deployment mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeService_PreservesAllocatedFields(t *testing.T) {
	desired := BuildService(newGame("oasis", gamev1alpha1.DatabaseSpec{}))
	observed := desired.DeepCopy()
	observed.Spec.ClusterIP = "10.0.0.12"
	observed.Spec.ClusterIPs = []string{"10.0.0.12"}
	observed.Spec.SessionAffinity = corev1.ServiceAffinityNone
	before := observed.DeepCopy()

	MergeService(observed, desired)
	if !equality.Semantic.DeepEqual(before, observed) {
		t.Fatalf("merge changed a converged service:\n%s", cmp.Diff(before, observed))
	}

	observed.Spec.Ports[0].Port = 15432
	MergeService(observed, desired)
	if observed.Spec.Ports[0].Port != Port {
		t.Fatalf("port=%d", observed.Spec.Ports[0].Port)
	}
	if observed.Spec.ClusterIP != "10.0.0.12" {
		t.Fatalf("clusterIP lost")
	}
}
