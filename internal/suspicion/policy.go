// Package suspicion decides whether a request looks like scanning or
// automated probing. It only classifies, the quota package decides what a
// suspicious request costs.
package suspicion

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/maplecatch/maplecatch-web/internal/xerrors"
)

// ErrInvalidPolicy wraps every policy parse or validation failure.
var ErrInvalidPolicy = errors.New("invalid suspicion policy")

//go:embed default_policy.yaml
var defaultPolicyYAML []byte

// Policy is the on-disk and over-the-wire form of a classifier.
type Policy struct {
	Version           string   `yaml:"version"`
	PathPatterns      []string `yaml:"path_patterns"`
	UserAgentPatterns []string `yaml:"user_agent_patterns"`
}

// Parse decodes and validates a YAML policy. Unknown fields are rejected.
func Parse(data []byte) (Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Policy{}, fmt.Errorf("%w: decode yaml: %w", ErrInvalidPolicy, err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// LoadFile reads a policy from a local path supplied by the operator.
func LoadFile(path string) (Policy, error) {
	// #nosec G304 -- path comes from operator config
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, xerrors.Wrapf(err, "read policy %s", path)
	}
	p, err := Parse(data)
	if err != nil {
		return Policy{}, xerrors.Wrapf(err, "load policy %s", path)
	}
	return p, nil
}

// Default is the built-in policy.
func Default() Policy {
	p, err := Parse(defaultPolicyYAML)
	if err != nil {
		panic("suspicion: built-in policy is invalid: " + err.Error())
	}
	return p
}

// Validate requires at least one pattern and that every pattern compiles.
func (p Policy) Validate() error {
	var errs []error
	if len(p.PathPatterns) == 0 && len(p.UserAgentPatterns) == 0 {
		errs = append(errs, errors.New("no patterns"))
	}
	check := func(kind string, pats []string) {
		for i, pat := range pats {
			if strings.TrimSpace(pat) == "" {
				errs = append(errs, fmt.Errorf("%s[%d]: empty pattern", kind, i))
				continue
			}
			if _, err := regexp.Compile("(?i)" + pat); err != nil {
				errs = append(errs, fmt.Errorf("%s[%d]: %w", kind, i, err))
			}
		}
	}
	check("path_patterns", p.PathPatterns)
	check("user_agent_patterns", p.UserAgentPatterns)
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidPolicy, errors.Join(errs...))
	}
	return nil
}
