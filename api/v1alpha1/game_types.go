package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Game owns a dedicated Postgres instance that its Worlds are recorded in.
//
// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope=Namespaced,shortName=gm
// +kubebuilder:printcolumn:name="Ready",type=boolean,JSONPath=`.status.ready`
// +kubebuilder:printcolumn:name="Endpoint",type=string,JSONPath=`.status.endpoint`
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`
type Game struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   GameSpec   `json:"spec"`
	Status GameStatus `json:"status,omitempty"`
}

type GameSpec struct {
	Database DatabaseSpec `json:"database"`
}

// DatabaseSpec declares the credentials and flavour of the Game's database.
type DatabaseSpec struct {
	// +kubebuilder:validation:MinLength=1
	Username string `json:"username"`
	// +kubebuilder:validation:MinLength=1
	Password string `json:"password"`
	// Name of the database to create. Defaults to "postgres".
	// +optional
	Name string `json:"name,omitempty"`
	// Version of Postgres, used as the image tag. Defaults to "15".
	// +optional
	Version string `json:"version,omitempty"`
}

type GameStatus struct {
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`
	// Ready is true once the database workload is fully available.
	Ready bool `json:"ready"`
	// Endpoint is the in-cluster address of the database Service.
	Endpoint   string             `json:"endpoint,omitempty"`
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
type GameList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Game `json:"items"`
}

func (g *Game) IsReady() bool                          { return g.Status.Ready }
func (g *Game) SetReady(ready bool)                    { g.Status.Ready = ready }
func (g *Game) GetConditions() []metav1.Condition      { return g.Status.Conditions }
func (g *Game) SetConditions(conds []metav1.Condition) { g.Status.Conditions = conds }
func (g *Game) SetObservedGeneration(gen int64)        { g.Status.ObservedGeneration = gen }

func init() {
	SchemeBuilder.Register(&Game{}, &GameList{})
}
