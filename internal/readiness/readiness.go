// Package readiness maps observed dependent state to readiness conditions.
//
// Game and World reconcilers both derive their Ready condition through Summarize, so a
// resource is ready exactly when every condition feeding it is True.
package readiness

import (
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	gamev1alpha1 "github.com/SystemCraftsman/kubegame/api/v1alpha1"
)

// Condition types.
const (
	TypeReady              = "Ready"
	TypeDatabaseReady      = "DatabaseReady"
	TypeSpecValid          = "SpecValid"
	TypeDeletionBlocked    = "DeletionBlocked"
	TypeGameResolved       = "GameResolved"
	TypeMembershipRecorded = "MembershipRecorded"
)

// Condition reasons.
const (
	ReasonAvailable         = "Available"
	ReasonReplicasNotReady  = "ReplicasNotReady"
	ReasonDeploymentMissing = "DeploymentMissing"

	ReasonGameFound       = "GameFound"
	ReasonGameNotFound    = "GameNotFound"
	ReasonGameTerminating = "GameTerminating"
	ReasonGameNotReady    = "GameNotReady"

	ReasonRowPresent       = "RowPresent"
	ReasonRowMissing       = "RowMissing"
	ReasonDatabaseRejected = "DatabaseRejected"

	ReasonAllReady = "AllConditionsReady"
	ReasonUnknown  = "Unknown"
)

// Workload reports whether the database Deployment has its desired replicas ready.
// A nil Deployment is reported as missing.
func Workload(dep *appsv1.Deployment) metav1.Condition {
	if dep == nil {
		return falseCondition(TypeDatabaseReady, ReasonDeploymentMissing, "database deployment does not exist yet")
	}
	desired := int32(1)
	if dep.Spec.Replicas != nil {
		desired = *dep.Spec.Replicas
	}
	msg := fmt.Sprintf("%d/%d replicas ready", dep.Status.ReadyReplicas, desired)
	if desired > 0 && dep.Status.ReadyReplicas == desired {
		return trueCondition(TypeDatabaseReady, ReasonAvailable, msg)
	}
	return falseCondition(TypeDatabaseReady, ReasonReplicasNotReady, msg)
}

// GameReference reports whether the Game a World points at can be used. A nil
// Game means it does not exist.
func GameReference(name string, game *gamev1alpha1.Game) metav1.Condition {
	switch {
	case game == nil:
		return falseCondition(TypeGameResolved, ReasonGameNotFound, fmt.Sprintf("game %q not found", name))
	case !game.DeletionTimestamp.IsZero():
		return falseCondition(TypeGameResolved, ReasonGameTerminating, fmt.Sprintf("game %q is being deleted", name))
	case !game.Status.Ready:
		return falseCondition(TypeGameResolved, ReasonGameNotReady, fmt.Sprintf("game %q is not ready", name))
	default:
		return trueCondition(TypeGameResolved, ReasonGameFound, fmt.Sprintf("game %q is ready", name))
	}
}

// Membership reports whether the World's row was confirmed in the Game's database.
func Membership(present bool) metav1.Condition {
	if present {
		return trueCondition(TypeMembershipRecorded, ReasonRowPresent, "world row present")
	}
	return falseCondition(TypeMembershipRecorded, ReasonRowMissing, "world row not recorded yet")
}

// MembershipRejected reports a database that refuses the controller's requests.
func MembershipRejected(message string) metav1.Condition {
	return falseCondition(TypeMembershipRecorded, ReasonDatabaseRejected, message)
}

// Summarize folds conds into the aggregate Ready condition. The result is True only
// when conds is non-empty and every entry is True; otherwise it carries the reason and
// message of the first entry that is not.
func Summarize(conds ...metav1.Condition) (bool, metav1.Condition) {
	if len(conds) == 0 {
		return false, falseCondition(TypeReady, ReasonUnknown, "no readiness signals observed")
	}
	for _, c := range conds {
		if c.Status != metav1.ConditionTrue {
			return false, falseCondition(TypeReady, c.Reason, c.Message)
		}
	}
	return true, trueCondition(TypeReady, ReasonAllReady, "all readiness signals are true")
}

func trueCondition(t, reason, msg string) metav1.Condition {
	return metav1.Condition{Type: t, Status: metav1.ConditionTrue, Reason: reason, Message: msg}
}

func falseCondition(t, reason, msg string) metav1.Condition {
	return metav1.Condition{Type: t, Status: metav1.ConditionFalse, Reason: reason, Message: msg}
}
