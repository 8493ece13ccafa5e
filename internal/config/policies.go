package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/BradenHooton/bastion/internal/ratelimit"
)

// policyFile is the on-disk shape of RATE_LIMIT_POLICY_FILE:
//
//	[scopes."email:magic-link"]
//	algorithm = "fixed_window"
//	window = "1h"
//	max = 3
type policyFile struct {
	Scopes map[string]ratelimit.Policy `toml:"scopes"`
}

// LoadRateLimitPolicies returns the default policies with any overrides from
// path applied. An empty path yields the defaults.
func LoadRateLimitPolicies(path string) (map[string]ratelimit.Policy, error) {
	policies := ratelimit.DefaultPolicies()
	if path == "" {
		return policies, nil
	}

	var pf policyFile
	md, err := toml.DecodeFile(path, &pf)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rate limit policy file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys in rate limit policy file: %v", undecoded)
	}

	for scope, p := range pf.Scopes {
		policies[scope] = p
	}
	return policies, nil
}
