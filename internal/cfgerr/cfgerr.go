package cfgerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates configuration failures surfaced while loading actors.
type Kind int

const (
	ActorYAML Kind = iota + 1
	MissingTags
	MergeConflict
	PolicyYAML
	PolicyViolation
	IncludeCycle
	InvalidValue
)

// Code returns the numeric code used as the process exit status.
func (k Kind) Code() int {
	switch k {
	case ActorYAML:
		return 200
	case MissingTags:
		return 201
	case MergeConflict:
		return 202
	case PolicyYAML:
		return 203
	case PolicyViolation:
		return 204
	case IncludeCycle:
		return 205
	case InvalidValue:
		return 206
	default:
		return 1
	}
}

func (k Kind) String() string {
	switch k {
	case ActorYAML:
		return "actor_yaml"
	case MissingTags:
		return "missing_tags"
	case MergeConflict:
		return "merge_conflict"
	case PolicyYAML:
		return "policy_yaml"
	case PolicyViolation:
		return "policy_violation"
	case IncludeCycle:
		return "include_cycle"
	case InvalidValue:
		return "invalid_value"
	default:
		return "unknown"
	}
}

// Error carries the structured details of a configuration failure.
// Only the fields relevant to Kind are populated.
type Error struct {
	Kind     Kind
	Path     string
	Key      string
	Location string
	Missing  []string
	Chain    []string
	Err      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case ActorYAML:
		return fmt.Sprintf("actor definition %s is not valid YAML: %v", e.Path, e.Err)
	case MissingTags:
		return fmt.Sprintf("actor definition %s is missing tags: %s", e.Path, strings.Join(e.Missing, ", "))
	case MergeConflict:
		return fmt.Sprintf("cannot merge key %q: mapping and non-mapping values", e.Key)
	case PolicyYAML:
		return fmt.Sprintf("policy file %s is not valid YAML: %v", e.Path, e.Err)
	case PolicyViolation:
		return fmt.Sprintf("archive location %s is not allowed by the policy", e.Location)
	case IncludeCycle:
		return fmt.Sprintf("include cycle: %s", strings.Join(e.Chain, " -> "))
	case InvalidValue:
		return fmt.Sprintf("invalid value for %s in %s: %v", e.Key, e.Path, e.Err)
	default:
		if e.Err != nil {
			return e.Err.Error()
		}
		return "configuration error"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns the numeric code of the error kind.
func (e *Error) Code() int { return e.Kind.Code() }

// As extracts a configuration error from an error chain.
func As(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Is reports whether err is a configuration error of the given kind.
func Is(err error, kind Kind) bool {
	ce, ok := As(err)
	return ok && ce.Kind == kind
}

// ExitCode maps an error to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if ce, ok := As(err); ok {
		return ce.Code()
	}
	return 1
}
