// Package semver validates the Postgres versions a Game may request.
package semver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	mm "github.com/Masterminds/semver/v3"
)

// SupportedPostgres is the range of Postgres releases the dependent workload is built for.
const SupportedPostgres = ">=12.0.0 <18.0.0"

var supported = MustParseConstraint(SupportedPostgres)

// The postgres image publishes MAJOR and MAJOR.MINOR tags only.
var rePostgresTag = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// Version is a semantic version.
//
// This is a thin wrapper around github.com/Masterminds/semver/v3. Short forms such as
// "15" or "16.2" are accepted and coerced.
type Version struct {
	v *mm.Version
}

// Constraint is a semantic version constraint such as ">=12 <18".
type Constraint struct {
	c *mm.Constraints
}

func ParseVersion(raw string) (Version, error) {
	v, err := mm.NewVersion(raw)
	if err != nil {
		return Version{}, fmt.Errorf("semver: parse version %q: %w", raw, err)
	}
	return Version{v: v}, nil
}

func ParseConstraint(raw string) (Constraint, error) {
	c, err := mm.NewConstraint(raw)
	if err != nil {
		return Constraint{}, fmt.Errorf("semver: parse constraint %q: %w", raw, err)
	}
	return Constraint{c: c}, nil
}

func MustParseConstraint(raw string) Constraint {
	c, err := ParseConstraint(raw)
	if err != nil {
		panic(err)
	}
	return c
}

func Satisfies(v Version, c Constraint) bool {
	if v.v == nil || c.c == nil {
		return false
	}
	return c.c.Check(v.v)
}

// Major returns the major component, or 0 for the zero Version.
func (v Version) Major() uint64 {
	if v.v == nil {
		return 0
	}
	return v.v.Major()
}

// Original returns the string the version was parsed from.
func (v Version) Original() string {
	if v.v == nil {
		return ""
	}
	return v.v.Original()
}

// Tag renders v as an image tag: MAJOR, or MAJOR.MINOR when a minor was given.
func (v Version) Tag() string {
	if v.v == nil {
		return ""
	}
	if strings.Contains(v.Original(), ".") {
		return fmt.Sprintf("%d.%d", v.Major(), v.v.Minor())
	}
	return strconv.FormatUint(v.Major(), 10)
}

// CheckPostgres parses raw and verifies it names a published release line in
// SupportedPostgres.
func CheckPostgres(raw string) (Version, error) {
	v, err := ParseVersion(raw)
	if err != nil {
		return Version{}, err
	}
	if v.v.Prerelease() != "" {
		return Version{}, fmt.Errorf("semver: prerelease postgres version %q is not supported", raw)
	}
	if !rePostgresTag.MatchString(v.Original()) {
		return Version{}, fmt.Errorf("semver: postgres version %q must be MAJOR or MAJOR.MINOR, e.g. \"15\" or \"16.2\"", raw)
	}
	if !Satisfies(v, supported) {
		return Version{}, fmt.Errorf("semver: postgres version %q outside %s", raw, SupportedPostgres)
	}
	return v, nil
}
