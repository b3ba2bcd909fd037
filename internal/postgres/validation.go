package postgres

import (
	"fmt"
	"regexp"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"

	gamev1alpha1 "github.com/SystemCraftsman/kubegame/api/v1alpha1"
	"github.com/SystemCraftsman/kubegame/internal/semver"
)

const (
	DefaultDatabase = "postgres"
	DefaultVersion  = "15"
	DefaultImage    = "postgres"
)

const (
	ReasonMissingCredentials = "MissingCredentials"
	ReasonInvalidDatabase    = "InvalidDatabaseName"
	ReasonInvalidVersion     = "InvalidVersion"
	ReasonInvalidName        = "InvalidName"
)

var reIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidationError reports a Game spec that cannot produce a database workload.
// It does not clear until the spec is edited.
type ValidationError struct {
	Reason  string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Validate checks the database section of a Game spec.
func Validate(spec gamev1alpha1.DatabaseSpec) error {
	switch {
	case spec.Username == "" && spec.Password == "":
		return &ValidationError{Reason: ReasonMissingCredentials, Message: "spec.database.username and spec.database.password are required"}
	case spec.Username == "":
		return &ValidationError{Reason: ReasonMissingCredentials, Message: "spec.database.username is required"}
	case spec.Password == "":
		return &ValidationError{Reason: ReasonMissingCredentials, Message: "spec.database.password is required"}
	}
	if !reIdentifier.MatchString(spec.Username) {
		return &ValidationError{Reason: ReasonMissingCredentials, Message: fmt.Sprintf("spec.database.username %q is not a valid role name", spec.Username)}
	}
	if spec.Name != "" && !reIdentifier.MatchString(spec.Name) {
		return &ValidationError{Reason: ReasonInvalidDatabase, Message: fmt.Sprintf("spec.database.name %q is not a valid identifier", spec.Name)}
	}
	if spec.Version != "" {
		if _, err := semver.CheckPostgres(spec.Version); err != nil {
			return &ValidationError{Reason: ReasonInvalidVersion, Message: err.Error()}
		}
	}
	return nil
}

// ValidateName checks that a Game called game yields dependent names the API
// server accepts. Services need DNS-1035 labels, so e.g. a leading digit is refused.
func ValidateName(game string) error {
	name := ResourceName(game)
	if errs := validation.IsDNS1035Label(name); len(errs) > 0 {
		return &ValidationError{
			Reason:  ReasonInvalidName,
			Message: fmt.Sprintf("game name %q gives dependent name %q: %s", game, name, strings.Join(errs, "; ")),
		}
	}
	return nil
}

// WithDefaults fills the optional database fields.
func WithDefaults(spec gamev1alpha1.DatabaseSpec) gamev1alpha1.DatabaseSpec {
	if spec.Name == "" {
		spec.Name = DefaultDatabase
	}
	if spec.Version == "" {
		spec.Version = DefaultVersion
	}
	return spec
}
