package controllers

import (
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/SystemCraftsman/kubegame/internal/readiness"
)

const (
	reasonSpecValid    = "Valid"
	reasonWorldsRemain = "WorldsRemain"
	reasonNoReferences = "NoReferences"
	reasonNameConflict = "NameConflict"

	// The API server refused a dependent built from the Game.
	reasonDependentInvalid = "DependentInvalid"
	reasonInvalidReference = "InvalidReference"
)

// statusAware is the status surface shared by Game and World.
type statusAware interface {
	client.Object
	IsReady() bool
	SetReady(bool)
	GetConditions() []metav1.Condition
	SetConditions([]metav1.Condition)
	SetObservedGeneration(int64)
}

func setCondition(obj statusAware, condition metav1.Condition) {
	conds := obj.GetConditions()
	condition.ObservedGeneration = obj.GetGeneration()
	meta.SetStatusCondition(&conds, condition)
	obj.SetConditions(conds)
}

// applyReadiness records conds and the Ready summary derived from them, and returns
// the resulting readiness.
func applyReadiness(obj statusAware, conds ...metav1.Condition) bool {
	for _, c := range conds {
		setCondition(obj, c)
	}
	ready, summary := readiness.Summarize(conds...)
	setCondition(obj, summary)
	obj.SetReady(ready)
	return ready
}

func findCondition(obj statusAware, conditionType string) *metav1.Condition {
	return meta.FindStatusCondition(obj.GetConditions(), conditionType)
}
