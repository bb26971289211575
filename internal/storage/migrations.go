package storage

import (
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Migration is one numbered schema file.
type Migration struct {
	Version int
	Name    string
}

// ListMigrations returns the files in fsys whose names match re, oldest
// first. The first submatch of re is the version number.
func ListMigrations(fsys fs.FS, re *regexp.Regexp) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var out []Migration
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := re.FindStringSubmatch(e.Name())
		if len(m) < 2 {
			continue
		}
		v, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("migration %s: bad version: %w", e.Name(), err)
		}
		out = append(out, Migration{Version: v, Name: e.Name()})
	}
	slices.SortFunc(out, func(a, b Migration) int { return a.Version - b.Version })
	for i := 1; i < len(out); i++ {
		if out[i].Version == out[i-1].Version {
			return nil, fmt.Errorf("duplicate migration version %d: %s and %s", out[i].Version, out[i-1].Name, out[i].Name)
		}
	}
	return out, nil
}

// ReadMigration returns the trimmed SQL of m. An empty result means there
// is nothing to execute.
func ReadMigration(fsys fs.FS, m Migration) (string, error) {
	b, err := fs.ReadFile(fsys, m.Name)
	if err != nil {
		return "", fmt.Errorf("read migration %s: %w", m.Name, err)
	}
	return strings.TrimSpace(string(b)), nil
}

// Latest returns the highest version in migs, or 0.
func Latest(migs []Migration) int {
	if len(migs) == 0 {
		return 0
	}
	return migs[len(migs)-1].Version
}

// AppVersion is the version stamped into schema_info.
func AppVersion() string {
	if v := os.Getenv("APP_VERSION"); v != "" {
		return v
	}
	return "dev"
}
