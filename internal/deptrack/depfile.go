package deptrack

import (
	"fmt"
	"os"
	"strings"
)

// ParseDepFile reads a gcc-style depfile ("target: dep dep \" continuation
// lines) and returns the dependency paths. The target itself is not
// included; the caller filters out the primary source if it only wants
// headers.
func ParseDepFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading depfile %s: %w", path, err)
	}

	content := strings.ReplaceAll(string(data), "\\\n", " ")
	_, rest, found := strings.Cut(content, ":")
	if !found {
		return nil, fmt.Errorf("depfile %s has no target separator", path)
	}

	var deps []string
	for _, field := range strings.Fields(rest) {
		deps = append(deps, field)
	}
	return deps, nil
}

// WriteDepFile creates a gcc-style depfile recording that target depends on
// deps.
func WriteDepFile(filename, target string, deps []string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "%s: \\\n %s\n", target, strings.Join(deps, " \\\n "))
	return err
}
