package postgres

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

const (
	// Port is the well-known port the database listens on.
	Port int32 = 5432

	// PortName names the container and Service port.
	PortName = "postgres"

	// ComponentName is the component label value for dependents.
	ComponentName = "database"

	// ManagedBy identifies this controller on dependents.
	ManagedBy = "kubegame-controller"

	nameSuffix = "-postgres"

	// Service names must be DNS-1035 labels.
	maxNameLen = 63
)

const (
	LabelAppName      = "app.kubernetes.io/name"
	LabelAppInstance  = "app.kubernetes.io/instance"
	LabelAppComponent = "app.kubernetes.io/component"
	LabelAppManagedBy = "app.kubernetes.io/managed-by"
)

var reNonDNS = regexp.MustCompile(`[^a-z0-9-]+`)

// ResourceName returns the name shared by a Game's Deployment and Service.
func ResourceName(game string) string {
	base := strings.ToLower(game + nameSuffix)
	base = reNonDNS.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-")
	if len(base) <= maxNameLen {
		return base
	}
	h := sha1.Sum([]byte(base))
	suffix := "-" + hex.EncodeToString(h[:])[:8] + nameSuffix
	base = strings.Trim(base[:maxNameLen-len(suffix)], "-")
	return base + suffix
}

// Labels returns the labels stamped on dependents and used as the pod selector.
func Labels(game string) map[string]string {
	instance := game
	if len(instance) > maxNameLen {
		instance = ResourceName(game)
	}
	return map[string]string{
		LabelAppName:      "postgres",
		LabelAppInstance:  instance,
		LabelAppComponent: ComponentName,
		LabelAppManagedBy: ManagedBy,
	}
}

// ServiceHost returns the in-cluster DNS name of a Game's Service.
func ServiceHost(game, namespace string) string {
	return fmt.Sprintf("%s.%s.svc", ResourceName(game), namespace)
}

// Endpoint returns host:port of a Game's Service, as published on Game status.
func Endpoint(game, namespace string) string {
	return fmt.Sprintf("%s:%d", ServiceHost(game, namespace), Port)
}
