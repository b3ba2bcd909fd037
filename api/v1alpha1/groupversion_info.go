// Package v1alpha1 contains the Game and World API types.
//
// +kubebuilder:object:generate=true
// +groupName=kubegame.systemcraftsman.com
package v1alpha1

import (
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/scheme"
)

var (
	// GroupVersion is group version used to register these objects.
	GroupVersion = schema.GroupVersion{Group: "kubegame.systemcraftsman.com", Version: "v1alpha1"}

	// SchemeBuilder is used to add go types to the GroupVersionKind scheme.
	SchemeBuilder = &scheme.Builder{GroupVersion: GroupVersion}

	// AddToScheme adds the types in this group-version to the given scheme.
	AddToScheme = SchemeBuilder.AddToScheme
)

// Finalizer guards Games and Worlds until their external state is torn down.
const Finalizer = "kubegame.systemcraftsman.com/finalizer"
