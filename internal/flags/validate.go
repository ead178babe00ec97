package flags

import (
	"fmt"
	"regexp"

	"github.com/forgekit/pluginhost/internal/pluginerr"
)

var flagKeyPattern = regexp.MustCompile(`^[a-z0-9-_.]+$`)

// ValidateFlag checks a flag's closed-set constraints: key format, rule
// percentage range, operator closure, and dependency existence plus
// acyclicity against the rest of the store.
func ValidateFlag(f Flag, existing map[string]Flag) error {
	if !flagKeyPattern.MatchString(f.Key) {
		return &pluginerr.InvalidManifestError{PluginID: f.Key, Reason: "flag key must match ^[a-z0-9-_.]+$"}
	}
	for i, r := range f.Rules {
		if r.Percentage != nil && (*r.Percentage < 0 || *r.Percentage > 100) {
			return &pluginerr.InvalidManifestError{PluginID: f.Key, Reason: "rule percentage out of [0,100] range"}
		}
		for _, c := range r.Conditions {
			if !validOperators[c.Operator] {
				return &pluginerr.InvalidManifestError{PluginID: f.Key, Reason: fmt.Sprintf("unknown operator in rule %d", i)}
			}
		}
	}
	for _, dep := range f.Dependencies {
		if dep.Key != f.Key {
			if _, ok := existing[dep.Key]; !ok {
				return &pluginerr.DependencyUnresolvedError{PluginID: f.Key, Missing: []string{dep.Key}}
			}
		}
	}
	return detectCycle(f, existing)
}

// detectCycle runs a DFS from f through the dependency graph formed by
// existing (with f substituted for its own prior definition, if any),
// rejecting any path that revisits a node already on the current stack.
func detectCycle(f Flag, existing map[string]Flag) error {
	merged := make(map[string]Flag, len(existing)+1)
	for k, v := range existing {
		merged[k] = v
	}
	merged[f.Key] = f

	visiting := make(map[string]bool)
	visited := make(map[string]bool)

	var dfs func(key string) error
	dfs = func(key string) error {
		if visiting[key] {
			return &pluginerr.CircularDependencyError{Key: key}
		}
		if visited[key] {
			return nil
		}
		visiting[key] = true
		defer func() { visiting[key] = false }()

		node, ok := merged[key]
		if !ok {
			return nil
		}
		for _, dep := range node.Dependencies {
			if dep.Key == key {
				continue
			}
			if err := dfs(dep.Key); err != nil {
				return err
			}
		}
		visited[key] = true
		return nil
	}

	return dfs(f.Key)
}
