package state

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// snapshotFile is the on-disk form of a ProjectState.
type snapshotFile struct {
	Models   []*ModelState `json:"models"`
	External []string      `json:"external,omitempty"`
}

// MarshalJSON writes models as a sorted list so snapshot files diff
// cleanly under version control.
func (p *ProjectState) MarshalJSON() ([]byte, error) {
	file := snapshotFile{}
	for _, key := range p.SortedKeys() {
		file.Models = append(file.Models, p.Models[key])
	}
	for ns := range p.External {
		file.External = append(file.External, ns)
	}
	sort.Strings(file.External)
	return json.Marshal(file)
}

func (p *ProjectState) UnmarshalJSON(data []byte) error {
	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	p.Models = map[ModelKey]*ModelState{}
	p.External = map[string]bool{}
	for _, m := range file.Models {
		if m.Namespace == "" || m.Name == "" {
			return fmt.Errorf("snapshot entity missing namespace or name")
		}
		p.Models[m.Key()] = m
	}
	for _, ns := range file.External {
		p.External[ns] = true
	}
	return nil
}

// LoadSnapshot reads a ProjectState from a JSON snapshot file.
func LoadSnapshot(path string) (*ProjectState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	p := NewProjectState()
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	return p, nil
}

// SaveSnapshot writes a ProjectState to a JSON snapshot file.
func SaveSnapshot(path string, p *ProjectState) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
