package controllers

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// terminalError ends a pass without a retry. The resource's conditions already
// describe the problem and only a spec edit can clear it.
type terminalError struct {
	Reason  string
	Message string
}

func (e *terminalError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func terminal(reason, message string) error {
	return &terminalError{Reason: reason, Message: message}
}

// ReadinessPublisher receives readiness changes for external health reporting.
type ReadinessPublisher interface {
	Publish(kind, namespace, name string, ready bool)
	Forget(kind, namespace, name string)
}

func publish(p ReadinessPublisher, kind string, obj statusAware) {
	if p == nil {
		return
	}
	p.Publish(kind, obj.GetNamespace(), obj.GetName(), obj.IsReady())
}

func forget(p ReadinessPublisher, kind string, obj client.Object) {
	if p == nil {
		return
	}
	p.Forget(kind, obj.GetNamespace(), obj.GetName())
}

func recordEventf(rec record.EventRecorder, obj client.Object, eventType, reason, messageFmt string, args ...any) {
	if rec == nil || obj == nil {
		return
	}
	rec.Eventf(obj, eventType, reason, messageFmt, args...)
}

func recordWarningf(rec record.EventRecorder, obj client.Object, reason, messageFmt string, args ...any) {
	recordEventf(rec, obj, corev1.EventTypeWarning, reason, messageFmt, args...)
}
