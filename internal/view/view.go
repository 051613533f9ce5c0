// Package view holds the declaration layer for database views and
// materialized views: the query field kind, the registration-time
// validation rules, and the registry the change detector consults.
package view

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"db_view_migrator/internal/state"
)

const (
	// QueryFieldName is the only name a query field may be declared under.
	QueryFieldName = "view_query"

	// BaseView and BaseMaterializedView are the marker base references a
	// snapshot entity carries to identify itself as view-backed.
	BaseView             = "views.View"
	BaseMaterializedView = "views.MaterializedView"
)

var (
	ErrEmptyQuery      = errors.New("view query must be a non-empty string")
	ErrNotMaterialized = errors.New("refresh is only supported for materialized views")
)

// NewQueryField builds the single metadata field of a view entity. The
// field never carries row data; it exists only on the schema description.
func NewQueryField(query string) (state.Field, error) {
	if strings.TrimSpace(query) == "" {
		return state.Field{}, ErrEmptyQuery
	}
	return state.Field{Name: QueryFieldName, Kind: state.KindQuery, Query: query}, nil
}

// ValidateModelState enforces the declaration contract for a concrete
// view or materialized-view entity: exactly one query field, declared
// under exactly QueryFieldName, holding a non-empty query string.
func ValidateModelState(m *state.ModelState) error {
	var found int
	for _, f := range m.Fields {
		if f.Kind != state.KindQuery {
			continue
		}
		found++
		if f.Name != QueryFieldName {
			return fmt.Errorf("%s: query field must be named %q, not %q", m.Key(), QueryFieldName, f.Name)
		}
		if strings.TrimSpace(f.Query) == "" {
			return fmt.Errorf("%s: %w", m.Key(), ErrEmptyQuery)
		}
	}
	switch found {
	case 0:
		return fmt.Errorf("%s: view declaration is missing its %q field", m.Key(), QueryFieldName)
	case 1:
		return nil
	default:
		return fmt.Errorf("%s: view declaration has %d %q fields, want exactly one", m.Key(), found, QueryFieldName)
	}
}

// Definition is one registered view or materialized view.
type Definition struct {
	Namespace    string
	Name         string
	Table        string
	Query        string
	Materialized bool
}

func (d Definition) Key() state.ModelKey {
	return state.ModelKey{Namespace: d.Namespace, Name: d.Name}
}

// Execer is the slice of the schema editor a refresh needs.
type Execer interface {
	Execute(ctx context.Context, sql string) error
}

// Refresh re-populates a materialized view from its underlying data.
func (d Definition) Refresh(ctx context.Context, ed Execer) error {
	if !d.Materialized {
		return fmt.Errorf("%s: %w", d.Table, ErrNotMaterialized)
	}
	return ed.Execute(ctx, fmt.Sprintf("REFRESH MATERIALIZED VIEW %s", d.Table))
}

// Registry is the process-wide catalog of declared views, populated
// explicitly at startup and handed to the detector by injection.
type Registry struct {
	defs map[state.ModelKey]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: map[state.ModelKey]Definition{}}
}

// Register validates and records one declaration. Violations are
// configuration errors and abort startup.
func (r *Registry) Register(def Definition) error {
	if def.Namespace == "" || def.Name == "" {
		return fmt.Errorf("view declaration needs a namespace and a name")
	}
	if strings.TrimSpace(def.Query) == "" {
		return fmt.Errorf("%s: %w", def.Key(), ErrEmptyQuery)
	}
	if def.Table == "" {
		def.Table = strings.ToLower(def.Namespace + "_" + def.Name)
	}
	if existing, ok := r.defs[def.Key()]; ok && existing != def {
		return fmt.Errorf("%s: conflicting duplicate registration", def.Key())
	}
	r.defs[def.Key()] = def
	return nil
}

// RegisterState validates a snapshot entity carrying a view marker base
// and records it. Entities without a marker base are rejected.
func (r *Registry) RegisterState(m *state.ModelState) error {
	materialized := false
	switch {
	case hasBase(m, BaseMaterializedView):
		materialized = true
	case hasBase(m, BaseView):
	default:
		return fmt.Errorf("%s: entity does not declare a view base", m.Key())
	}
	if err := ValidateModelState(m); err != nil {
		return err
	}
	q, _ := m.GetField(QueryFieldName)
	return r.Register(Definition{
		Namespace:    m.Namespace,
		Name:         m.Name,
		Table:        m.TableName(),
		Query:        q.Query,
		Materialized: materialized,
	})
}

// Definition looks up one registered declaration.
func (r *Registry) Definition(key state.ModelKey) (Definition, bool) {
	def, ok := r.defs[key]
	return def, ok
}

// DefinitionByTable looks up one registered declaration by table name.
func (r *Registry) DefinitionByTable(table string) (Definition, bool) {
	for _, def := range r.defs {
		if def.Table == table {
			return def, true
		}
	}
	return Definition{}, false
}

// ViewTables returns the physical table names of every registered plain
// view.
func (r *Registry) ViewTables() map[string]bool {
	return r.tables(false)
}

// MaterializedViewTables returns the physical table names of every
// registered materialized view.
func (r *Registry) MaterializedViewTables() map[string]bool {
	return r.tables(true)
}

func (r *Registry) tables(materialized bool) map[string]bool {
	out := map[string]bool{}
	for _, def := range r.defs {
		if def.Materialized == materialized {
			out[def.Table] = true
		}
	}
	return out
}

// Definitions returns every registration in deterministic order.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func hasBase(m *state.ModelState, base string) bool {
	for _, b := range m.Bases {
		if b == base {
			return true
		}
	}
	return false
}

// IsViewState reports whether a snapshot entity declares either view
// marker base.
func IsViewState(m *state.ModelState) (materialized bool, ok bool) {
	if hasBase(m, BaseMaterializedView) {
		return true, true
	}
	if hasBase(m, BaseView) {
		return false, true
	}
	return false, false
}
