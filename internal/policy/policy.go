package policy

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"coveriteam/internal/cfgerr"
)

// EnvVar names the environment variable consulted when no policy file is given.
const EnvVar = "COVERITEAM_POLICY"

// Policy restricts where actor archives may be downloaded from. A nil
// AllowedLocations means no restriction.
type Policy struct {
	AllowedLocations []string `yaml:"allowed_locations" json:"allowed_locations,omitempty"`
	Source           string   `yaml:"-" json:"source,omitempty"`
}

// ArchiveLocator is implemented by anything that knows its archive location.
type ArchiveLocator interface {
	ArchiveLocation() string
}

// Load reads the policy at path, falling back to $COVERITEAM_POLICY. With
// neither set the empty policy is returned.
func Load(path string) (Policy, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvVar))
	}
	if path == "" {
		return Policy{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy %s: %w", path, err)
	}
	return FromYAML(path, data)
}

// FromYAML parses raw policy YAML; source is used in error messages.
func FromYAML(source string, data []byte) (Policy, error) {
	p := Policy{Source: source}
	if len(bytes.TrimSpace(data)) == 0 {
		return p, nil
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, &cfgerr.Error{Kind: cfgerr.PolicyYAML, Path: source, Err: err}
	}
	return p, nil
}

// Restricted reports whether the policy limits archive locations.
func (p Policy) Restricted() bool {
	return len(p.AllowedLocations) > 0
}

// Check applies the policy to an archive location.
func (p Policy) Check(location string) error {
	if !p.Restricted() {
		return nil
	}
	return CheckAllowedLocations(p.AllowedLocations, location)
}

// CheckAllowedLocations requires location to start with one of the allowed
// prefixes. An empty list allows nothing.
func CheckAllowedLocations(allowed []string, location string) error {
	parts := make([]string, 0, len(allowed)+1)
	// a^ never matches; it keeps the alternation valid for an empty list.
	parts = append(parts, "a^")
	for _, loc := range allowed {
		parts = append(parts, "("+regexp.QuoteMeta(loc)+")")
	}
	re, err := regexp.Compile("^(?:" + strings.Join(parts, "|") + ")")
	if err != nil {
		return fmt.Errorf("compile allowed locations: %w", err)
	}
	if !re.MatchString(location) {
		return &cfgerr.Error{Kind: cfgerr.PolicyViolation, Location: location}
	}
	return nil
}

// CheckCompliance loads the policy (see Load) and checks the archive location
// of the actor against it.
func CheckCompliance(actor ArchiveLocator, policyFile string) error {
	p, err := Load(policyFile)
	if err != nil {
		return err
	}
	return p.Check(actor.ArchiveLocation())
}
