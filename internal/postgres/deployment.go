package postgres

import (
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	gamev1alpha1 "github.com/SystemCraftsman/kubegame/api/v1alpha1"
	"github.com/SystemCraftsman/kubegame/internal/semver"
)

const (
	ContainerName  = "postgres"
	DataVolumeName = "data"
	DataMountPath  = "/var/lib/postgresql/data"
)

// BuildDeployment returns the single-replica database workload for game.
func BuildDeployment(game *gamev1alpha1.Game) (*appsv1.Deployment, error) {
	if err := ValidateName(game.Name); err != nil {
		return nil, err
	}
	if err := Validate(game.Spec.Database); err != nil {
		return nil, err
	}
	db := WithDefaults(game.Spec.Database)
	version, err := semver.CheckPostgres(db.Version)
	if err != nil {
		return nil, &ValidationError{Reason: ReasonInvalidVersion, Message: err.Error()}
	}

	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ResourceName(game.Name),
			Namespace: game.Namespace,
			Labels:    Labels(game.Name),
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(int32(1)),
			Selector: &metav1.LabelSelector{
				MatchLabels: Labels(game.Name),
			},
			// Two instances must never share the data directory.
			Strategy: appsv1.DeploymentStrategy{
				Type: appsv1.RecreateDeploymentStrategyType,
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: Labels(game.Name),
				},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						buildContainer(db, version.Tag()),
					},
					Volumes: buildVolumes(),
				},
			},
		},
	}
	return dep, nil
}

func buildContainer(db gamev1alpha1.DatabaseSpec, tag string) corev1.Container {
	return corev1.Container{
		Name:  ContainerName,
		Image: DefaultImage + ":" + tag,
		Env: []corev1.EnvVar{
			{Name: "POSTGRES_USER", Value: db.Username},
			{Name: "POSTGRES_PASSWORD", Value: db.Password},
			{Name: "POSTGRES_DB", Value: db.Name},
		},
		Ports: []corev1.ContainerPort{
			{
				Name:          PortName,
				ContainerPort: Port,
				Protocol:      corev1.ProtocolTCP,
			},
		},
		ReadinessProbe: buildReadinessProbe(db),
		VolumeMounts: []corev1.VolumeMount{
			{Name: DataVolumeName, MountPath: DataMountPath},
		},
	}
}

// The image's init phase runs a socket-only server, so probing over TCP only
// succeeds once the final server accepts remote connections.
func buildReadinessProbe(db gamev1alpha1.DatabaseSpec) *corev1.Probe {
	return &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			Exec: &corev1.ExecAction{
				Command: []string{"pg_isready", "-h", "127.0.0.1", "-U", db.Username, "-d", db.Name},
			},
		},
		InitialDelaySeconds: 2,
		TimeoutSeconds:      1,
		PeriodSeconds:       5,
		SuccessThreshold:    1,
		FailureThreshold:    6,
	}
}

func buildVolumes() []corev1.Volume {
	return []corev1.Volume{
		{
			Name: DataVolumeName,
			VolumeSource: corev1.VolumeSource{
				EmptyDir: &corev1.EmptyDirVolumeSource{},
			},
		},
	}
}
