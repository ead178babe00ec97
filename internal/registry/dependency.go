package registry

import "github.com/forgekit/pluginhost/internal/manifest"

// checkDependencies scans the declared dependency map: for every entry, the
// candidate (looked up by id in records) must exist and its concrete version
// must satisfy the declared range. A missing id and an unsatisfied range are
// both reported as "missing", including the circular case, since neither
// side of a cycle can be ACTIVE first.
func checkDependencies(m *manifest.Manifest, records map[string]*Record) (resolved bool, missing []string) {
	if len(m.Dependencies) == 0 {
		return true, nil
	}
	for depID, rng := range m.Dependencies {
		candidate, ok := records[depID]
		if !ok {
			missing = append(missing, depID)
			continue
		}
		ok2, err := manifest.SatisfiesRange(rng, candidate.Manifest.Version)
		if err != nil || !ok2 {
			missing = append(missing, depID)
		}
	}
	return len(missing) == 0, missing
}

// dependentsActive returns the ids of currently ACTIVE plugins that declare
// id as a dependency.
func dependentsActive(id string, records map[string]*Record) []string {
	var dependents []string
	for _, r := range records {
		if r.State != StateActive {
			continue
		}
		if _, declared := r.Manifest.Dependencies[id]; declared {
			dependents = append(dependents, r.ID())
		}
	}
	return dependents
}

// anyDependsOn returns the ids of any plugin (in any state) that declares id
// as a dependency, used by uninstall's "no other plugin lists this id"
// precondition.
func anyDependsOn(id string, records map[string]*Record) []string {
	var dependents []string
	for _, r := range records {
		if r.ID() == id {
			continue
		}
		if _, declared := r.Manifest.Dependencies[id]; declared {
			dependents = append(dependents, r.ID())
		}
	}
	return dependents
}

// depsActive reports whether every dependency id declared by m has
// state == ACTIVE.
func depsActive(m *manifest.Manifest, records map[string]*Record) (bool, string) {
	for depID := range m.Dependencies {
		r, ok := records[depID]
		if !ok || r.State != StateActive {
			return false, depID
		}
	}
	return true, ""
}
