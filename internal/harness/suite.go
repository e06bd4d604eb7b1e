package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// LoadDir loads every *.yaml scenario in dir, sorted by file name.
// Scenario names must be unique within the directory.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("list scenarios: %w", err)
	}
	if len(paths) == 0 {
		if _, statErr := os.Stat(dir); statErr != nil {
			return nil, fmt.Errorf("scenario directory: %w", statErr)
		}
	}
	sort.Strings(paths)

	seen := make(map[string]string, len(paths))
	out := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		sc, err := LoadScenario(p)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[sc.Name]; ok {
			return nil, fmt.Errorf("scenario %q defined in both %s and %s", sc.Name, prev, p)
		}
		seen[sc.Name] = p
		out = append(out, sc)
	}
	return out, nil
}
