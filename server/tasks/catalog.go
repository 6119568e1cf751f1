package tasks

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fleetdm/devicefarm/server/contexts/ctxerr"
)

// Catalog lists the tests that can be run: the files of a directory, named
// after their file name without extension.
type Catalog struct {
	Dir string
}

// List returns the sorted names of the available tests.
func (c *Catalog) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		return nil, ctxerr.Wrapf(ctx, err, "read tests directory %s", c.Dir)
	}
	seen := make(map[string]bool)
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || strings.HasPrefix(e.Name(), "_") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Exists reports whether the test can be run.
func (c *Catalog) Exists(ctx context.Context, name string) (bool, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return false, nil
	}
	names, err := c.List(ctx)
	if err != nil {
		return false, err
	}
	i := sort.SearchStrings(names, name)
	return i < len(names) && names[i] == name, nil
}
