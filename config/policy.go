package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AuthorityPolicy is the deployment-specific widening of the default role matrix.
//
// Example file:
//
//	supervisor_can_reject: true
//	allow:
//	  SALES: [finalize]
type AuthorityPolicy struct {
	SupervisorCanReject bool                `yaml:"supervisor_can_reject"`
	Allow               map[string][]string `yaml:"allow"`
}

// LoadAuthorityPolicy reads the YAML policy file. An empty path yields the zero policy.
func LoadAuthorityPolicy(path string) (*AuthorityPolicy, error) {
	policy := &AuthorityPolicy{}
	if path == "" {
		return policy, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read authority policy %q: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, policy); err != nil {
		return nil, fmt.Errorf("parse authority policy %q: %w", path, err)
	}
	return policy, nil
}

// ResolveAuthorityPolicy loads the policy file and applies env overrides.
func ResolveAuthorityPolicy(s Settings) (*AuthorityPolicy, error) {
	policy, err := LoadAuthorityPolicy(s.AuthorityPolicyFile)
	if err != nil {
		return nil, err
	}
	if s.SupervisorCanReject != nil {
		policy.SupervisorCanReject = *s.SupervisorCanReject
	}
	return policy, nil
}
