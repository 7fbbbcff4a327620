package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_.]*)(:-([^}]*))?\}`)

// Substitute replaces ${name} and ${name:-default} with vars, then the
// environment, then the default. A reference with none of them is an error.
func Substitute(text string, vars map[string]string) (string, error) {
	var missing []string
	out := varPattern.ReplaceAllStringFunc(text, func(ref string) string {
		m := varPattern.FindStringSubmatch(ref)
		name := m[1]
		if v, ok := vars[name]; ok {
			return v
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		if m[2] != "" {
			return m[3]
		}
		missing = append(missing, name)
		return ref
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("undefined variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// ParseVars turns "k=v" pairs into a map.
func ParseVars(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid variable %q, want key=value", pair)
		}
		vars[strings.TrimSpace(k)] = v
	}
	return vars, nil
}
