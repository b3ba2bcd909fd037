package postgres

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	gamev1alpha1 "github.com/SystemCraftsman/kubegame/api/v1alpha1"
)

// BuildService returns the ClusterIP Service that exposes game's database.
func BuildService(game *gamev1alpha1.Game) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ResourceName(game.Name),
			Namespace: game.Namespace,
			Labels:    Labels(game.Name),
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: Labels(game.Name),
			Ports: []corev1.ServicePort{
				{
					Name:       PortName,
					Port:       Port,
					TargetPort: intstr.FromString(PortName),
					Protocol:   corev1.ProtocolTCP,
				},
			},
		},
	}
}
