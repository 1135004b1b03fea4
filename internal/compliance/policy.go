// Package compliance defines compliance policies and the reports produced by scanning them.
package compliance

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy is a named set of rules evaluated together in one scan.
type Policy struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Rules       []Rule `yaml:"rules" json:"rules"`
}

// Rule is one compliance check. Command is run as a probe and its output must
// satisfy Expect according to the rule's matcher.
type Rule struct {
	ID          uint32 `yaml:"id" json:"id"`
	Title       string `yaml:"title" json:"title"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Command     string `yaml:"command" json:"command"`
	Expect      string `yaml:"expect" json:"expect"`
	Remediation string `yaml:"remediation,omitempty" json:"remediation,omitempty"`
	// Match selects the matcher ("contains" when empty, or "regex").
	Match string `yaml:"match,omitempty" json:"match,omitempty"`
}

// PolicyLoadError reports a policy file that is missing or malformed.
type PolicyLoadError struct {
	Path string
	Err  error
}

func (e *PolicyLoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("load policy: %v", e.Err)
	}
	return fmt.Sprintf("load policy %s: %v", e.Path, e.Err)
}

func (e *PolicyLoadError) Unwrap() error { return e.Err }

var (
	errNoID          = errors.New("policy id is required")
	errDuplicateRule = errors.New("duplicate rule id")
	errEmptyCommand  = errors.New("rule command is empty")
)

// LoadPolicy reads and parses the policy file at path.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &PolicyLoadError{Path: path, Err: err}
	}
	p, err := ParsePolicy(data)
	if err != nil {
		var ple *PolicyLoadError
		if errors.As(err, &ple) {
			ple.Path = path
		}
		return nil, err
	}
	return p, nil
}

// ParsePolicy decodes a YAML policy document and validates it.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, &PolicyLoadError{Err: err}
	}
	if err := p.Validate(); err != nil {
		return nil, &PolicyLoadError{Err: err}
	}
	return &p, nil
}

// Validate checks that the policy has an id, rule ids are unique and every rule has a command.
// An empty rule list is valid and scans to a score of 0.
func (p *Policy) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errNoID
	}
	seen := make(map[uint32]bool, len(p.Rules))
	for _, r := range p.Rules {
		if seen[r.ID] {
			return fmt.Errorf("%w: %d", errDuplicateRule, r.ID)
		}
		seen[r.ID] = true
		if strings.TrimSpace(r.Command) == "" {
			return fmt.Errorf("rule %d: %w", r.ID, errEmptyCommand)
		}
	}
	return nil
}
