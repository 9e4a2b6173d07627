// internal/tool/profiles.go
package tool

import "fmt"

// Built-in profile names. Their definitions are fixed; a custom profile
// may shadow a built-in name and wins the lookup for this registry.
const (
	ProfileWrite   = "write"   // every registered tool
	ProfileAsk     = "ask"     // read-only tools
	ProfileMinimal = "minimal" // no tools
)

// DefineProfile adds or replaces a custom profile. Last definition wins
// by name; built-ins stay available under their own names unless
// shadowed.
func (r *Registry) DefineProfile(name string, tools []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[name] = append([]string(nil), tools...)
}

// Profiles lists every resolvable profile name: builtins plus customs
func (r *Registry) Profiles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := []string{ProfileWrite, ProfileAsk, ProfileMinimal}
	for name := range r.profiles {
		switch name {
		case ProfileWrite, ProfileAsk, ProfileMinimal:
			// Shadows a builtin; already listed.
		default:
			names = append(names, name)
		}
	}
	return names
}

// Resolve returns the set of tool names a profile enables. The custom
// store is checked first, then built-in definitions.
func (r *Registry) Resolve(profile string) (map[string]bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if tools, ok := r.profiles[profile]; ok {
		enabled := make(map[string]bool, len(tools))
		for _, name := range tools {
			enabled[name] = true
		}
		return enabled, nil
	}

	enabled := make(map[string]bool)
	switch profile {
	case ProfileWrite:
		for name := range r.tools {
			enabled[name] = true
		}
	case ProfileAsk:
		for name, def := range r.tools {
			if def.ReadOnly {
				enabled[name] = true
			}
		}
	case ProfileMinimal:
		// Empty set.
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProfile, profile)
	}
	return enabled, nil
}

// Enabled reports whether a profile allows one tool
func (r *Registry) Enabled(profile, toolName string) (bool, error) {
	enabled, err := r.Resolve(profile)
	if err != nil {
		return false, err
	}
	return enabled[toolName], nil
}
