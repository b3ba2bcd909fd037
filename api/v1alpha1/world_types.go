package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// World belongs to exactly one Game and is recorded as a row in that Game's database.
//
// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope=Namespaced,shortName=wd
// +kubebuilder:printcolumn:name="Game",type=string,JSONPath=`.spec.game`
// +kubebuilder:printcolumn:name="Ready",type=boolean,JSONPath=`.status.ready`
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`
type World struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   WorldSpec   `json:"spec"`
	Status WorldStatus `json:"status,omitempty"`
}

type WorldSpec struct {
	// Game is the name of a Game in the same namespace.
	// +kubebuilder:validation:MinLength=1
	Game string `json:"game"`
}

type WorldStatus struct {
	ObservedGeneration int64              `json:"observedGeneration,omitempty"`
	Ready              bool               `json:"ready"`
	Conditions         []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
type WorldList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []World `json:"items"`
}

func (w *World) IsReady() bool                          { return w.Status.Ready }
func (w *World) SetReady(ready bool)                    { w.Status.Ready = ready }
func (w *World) GetConditions() []metav1.Condition      { return w.Status.Conditions }
func (w *World) SetConditions(conds []metav1.Condition) { w.Status.Conditions = conds }
func (w *World) SetObservedGeneration(gen int64)        { w.Status.ObservedGeneration = gen }

func init() {
	SchemeBuilder.Register(&World{}, &WorldList{})
}
