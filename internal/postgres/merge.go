package postgres

import (
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
)

// MergeDeployment copies the fields this controller owns from desired into observed.
// Fields filled in by the API server are left alone, so merging a desired object into
// an already converged one changes nothing.
func MergeDeployment(observed, desired *appsv1.Deployment) {
	observed.Labels = mergeLabels(observed.Labels, desired.Labels)
	observed.Spec.Replicas = desired.Spec.Replicas
	if observed.Spec.Selector == nil {
		// The selector is immutable once created.
		observed.Spec.Selector = desired.Spec.Selector
	}
	observed.Spec.Strategy.Type = desired.Spec.Strategy.Type
	if desired.Spec.Strategy.Type == appsv1.RecreateDeploymentStrategyType {
		observed.Spec.Strategy.RollingUpdate = nil
	}
	observed.Spec.Template.Labels = mergeLabels(observed.Spec.Template.Labels, desired.Spec.Template.Labels)

	want := desired.Spec.Template.Spec.Containers[0]
	idx := -1
	for i := range observed.Spec.Template.Spec.Containers {
		if observed.Spec.Template.Spec.Containers[i].Name == want.Name {
			idx = i
			break
		}
	}
	if idx < 0 {
		observed.Spec.Template.Spec.Containers = append(observed.Spec.Template.Spec.Containers, want)
	} else {
		c := &observed.Spec.Template.Spec.Containers[idx]
		c.Image = want.Image
		c.Env = want.Env
		c.Ports = want.Ports
		c.ReadinessProbe = want.ReadinessProbe
		c.VolumeMounts = want.VolumeMounts
	}
	observed.Spec.Template.Spec.Volumes = mergeVolumes(observed.Spec.Template.Spec.Volumes, desired.Spec.Template.Spec.Volumes)
}

// MergeService copies the fields this controller owns from desired into observed.
// ClusterIP and other allocated fields are preserved.
func MergeService(observed, desired *corev1.Service) {
	observed.Labels = mergeLabels(observed.Labels, desired.Labels)
	observed.Spec.Selector = desired.Spec.Selector
	if observed.Spec.Type == "" {
		observed.Spec.Type = desired.Spec.Type
	}
	ports := make([]corev1.ServicePort, 0, len(desired.Spec.Ports))
	for _, want := range desired.Spec.Ports {
		for _, have := range observed.Spec.Ports {
			if have.Name == want.Name {
				// NodePort is allocated server side.
				want.NodePort = have.NodePort
				break
			}
		}
		ports = append(ports, want)
	}
	observed.Spec.Ports = ports
}

func mergeLabels(dst, src map[string]string) map[string]string {
	if dst == nil {
		dst = map[string]string{}
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func mergeVolumes(observed, desired []corev1.Volume) []corev1.Volume {
	for _, want := range desired {
		found := false
		for i := range observed {
			if observed[i].Name == want.Name {
				observed[i].VolumeSource = want.VolumeSource
				found = true
				break
			}
		}
		if !found {
			observed = append(observed, want)
		}
	}
	return observed
}
