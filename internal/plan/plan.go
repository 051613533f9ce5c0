// Package plan wires snapshot loading, registration, and the change
// detector into the planning entry point the CLI and server share.
package plan

import (
	"context"
	"fmt"

	"db_view_migrator/internal/detector"
	"db_view_migrator/internal/migration"
	"db_view_migrator/internal/state"
	"db_view_migrator/internal/view"
)

// Service computes pending migrations by diffing the replayed migration
// history against a target snapshot file.
type Service struct {
	MigrationsDir  string
	TargetSnapshot string
}

// Plan runs one detection pass and returns the pending migrations.
func (s *Service) Plan(ctx context.Context) ([]migration.Migration, error) {
	_ = ctx // detection is pure in-memory computation

	from, to, registry, err := s.LoadStates()
	if err != nil {
		return nil, err
	}
	return detector.New(from, to, registry).Changes()
}

// LoadStates builds the from snapshot (replayed history), the to
// snapshot (target file), and the registry of declared views.
func (s *Service) LoadStates() (from, to *state.ProjectState, registry *view.Registry, err error) {
	loaded, err := migration.Load(s.MigrationsDir)
	if err != nil {
		return nil, nil, nil, err
	}
	from = migration.Replay(loaded)

	if s.TargetSnapshot == "" {
		return nil, nil, nil, fmt.Errorf("no target snapshot configured")
	}
	to, err = state.LoadSnapshot(s.TargetSnapshot)
	if err != nil {
		return nil, nil, nil, err
	}

	registry, err = BuildRegistry(to)
	if err != nil {
		return nil, nil, nil, err
	}
	return from, to, registry, nil
}

// BuildRegistry registers every entity of a snapshot that declares a
// view marker base, validating each declaration. This is the explicit
// startup registration the detector relies on.
func BuildRegistry(st *state.ProjectState) (*view.Registry, error) {
	registry := view.NewRegistry()
	for _, key := range st.SortedKeys() {
		ms := st.Models[key]
		if _, ok := view.IsViewState(ms); !ok {
			continue
		}
		if err := registry.RegisterState(ms); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
