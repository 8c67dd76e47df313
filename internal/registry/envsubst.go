package registry

import (
	"os"
	"strings"
)

// envPrefix marks string values that must be replaced with the named
// environment variable at load time, e.g. "os.environ/AZURE_API_KEY".
const envPrefix = "os.environ/"

// maxSubstitutionDepth bounds the recursive substitution pass so cyclic or
// pathologically nested documents cannot recurse forever. Exceeding the cap
// is not an error; substitution simply stops at that depth.
const maxSubstitutionDepth = 10

// expandEnv walks value recursively and replaces every string of the form
// "os.environ/NAME" with os.Getenv(NAME); an unset variable substitutes the
// empty string. The second return reports whether anything below this node
// was rewritten, allowing unchanged subtrees to be reused as-is.
func expandEnv(value any, depth int) (any, bool) {
	if depth > maxSubstitutionDepth {
		return value, false
	}

	switch v := value.(type) {
	case string:
		if name, ok := strings.CutPrefix(v, envPrefix); ok {
			return os.Getenv(name), true
		}
		return v, false

	case map[string]any:
		changed := false
		out := make(map[string]any, len(v))
		for key, elem := range v {
			sub, rewritten := expandEnv(elem, depth+1)
			out[key] = sub
			changed = changed || rewritten
		}
		if !changed {
			return v, false
		}
		return out, true

	case []any:
		changed := false
		out := make([]any, len(v))
		for i, elem := range v {
			sub, rewritten := expandEnv(elem, depth+1)
			out[i] = sub
			changed = changed || rewritten
		}
		if !changed {
			return v, false
		}
		return out, true

	default:
		return value, false
	}
}
