// Package migration turns detector output into numbered migration files
// and applies or rolls them back against a database.
package migration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"db_view_migrator/internal/operations"
	"db_view_migrator/internal/state"
)

// Migration is one ordered group of operations for one namespace.
type Migration struct {
	Namespace string
	Name      string
	// DependsOn lists namespaces whose pending migrations must be
	// applied before this one.
	DependsOn  []string
	Operations []operations.Operation
}

// Loaded is a migration read back from disk.
type Loaded struct {
	Migration
	Version int64
	Path    string
}

type fileFormat struct {
	Namespace  string                `json:"namespace"`
	Name       string                `json:"name"`
	DependsOn  []string              `json:"depends_on,omitempty"`
	Operations []operations.Envelope `json:"operations"`
}

var fileNamePattern = regexp.MustCompile(`^(\d{4})_(.+)\.json$`)

// SuggestName derives a migration name from its operations.
func SuggestName(ops []operations.Operation) string {
	if len(ops) == 0 {
		return "auto"
	}
	name := ops[0].NameFragment()
	if len(ops) > 1 {
		name += "_and_more"
	}
	return safeName(name)
}

// Write persists a migration as the next numbered file in the
// namespace's directory and returns the path written.
func Write(dir string, m Migration) (string, error) {
	nsDir := filepath.Join(dir, safeName(m.Namespace))
	if err := os.MkdirAll(nsDir, 0o755); err != nil {
		return "", err
	}
	existing, err := loadDir(nsDir, m.Namespace)
	if err != nil {
		return "", err
	}
	version := int64(1)
	if n := len(existing); n > 0 {
		version = existing[n-1].Version + 1
	}
	if m.Name == "" {
		m.Name = SuggestName(m.Operations)
	}

	file := fileFormat{
		Namespace: m.Namespace,
		Name:      m.Name,
		DependsOn: m.DependsOn,
	}
	for _, op := range m.Operations {
		env, err := operations.Marshal(op)
		if err != nil {
			return "", err
		}
		file.Operations = append(file.Operations, env)
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(nsDir, fmt.Sprintf("%04d_%s.json", version, m.Name))
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Load reads every migration under dir, ordered so that namespace
// dependencies come first and versions ascend within a namespace.
func Load(dir string) ([]*Loaded, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byNamespace := map[string][]*Loaded{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		loaded, err := loadDir(filepath.Join(dir, entry.Name()), entry.Name())
		if err != nil {
			return nil, err
		}
		if len(loaded) > 0 {
			byNamespace[loaded[0].Namespace] = loaded
		}
	}
	ordered, err := orderNamespaces(byNamespace)
	if err != nil {
		return nil, err
	}
	var out []*Loaded
	for _, ns := range ordered {
		out = append(out, byNamespace[ns]...)
	}
	return out, nil
}

func loadDir(nsDir, dirName string) ([]*Loaded, error) {
	entries, err := os.ReadDir(nsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list migrations in %s: %w", nsDir, err)
	}
	var out []*Loaded
	for _, entry := range entries {
		match := fileNamePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid migration version in %s: %w", entry.Name(), err)
		}
		path := filepath.Join(nsDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", path, err)
		}
		var file fileFormat
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse migration %s: %w", path, err)
		}
		if file.Namespace == "" {
			file.Namespace = dirName
		}
		loaded := &Loaded{
			Migration: Migration{
				Namespace: file.Namespace,
				Name:      file.Name,
				DependsOn: file.DependsOn,
			},
			Version: version,
			Path:    path,
		}
		for _, env := range file.Operations {
			op, err := operations.Unmarshal(env)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			loaded.Operations = append(loaded.Operations, op)
		}
		out = append(out, loaded)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// orderNamespaces topologically sorts namespaces by their declared
// dependencies, alphabetical within each tier.
func orderNamespaces(byNamespace map[string][]*Loaded) ([]string, error) {
	names := make([]string, 0, len(byNamespace))
	for ns := range byNamespace {
		names = append(names, ns)
	}
	sort.Strings(names)

	deps := map[string]map[string]bool{}
	for ns, migs := range byNamespace {
		deps[ns] = map[string]bool{}
		for _, m := range migs {
			for _, d := range m.DependsOn {
				if d != ns {
					if _, known := byNamespace[d]; known {
						deps[ns][d] = true
					}
				}
			}
		}
	}

	var ordered []string
	done := map[string]bool{}
	for len(ordered) < len(names) {
		progressed := false
		for _, ns := range names {
			if done[ns] {
				continue
			}
			ready := true
			for d := range deps[ns] {
				if !done[d] {
					ready = false
					break
				}
			}
			if ready {
				ordered = append(ordered, ns)
				done[ns] = true
				progressed = true
			}
		}
		if !progressed {
			return nil, fmt.Errorf("cyclic namespace dependencies in migrations")
		}
	}
	return ordered, nil
}

// Replay rebuilds the snapshot a sequence of migrations produces when
// applied to an empty state.
func Replay(migrations []*Loaded) *state.ProjectState {
	st := state.NewProjectState()
	for _, m := range migrations {
		for _, op := range m.Operations {
			op.StateForwards(m.Namespace, st)
		}
	}
	return st
}

func safeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
