// Package operations defines the reversible schema-change commands the
// detector emits and the migration runner executes.
package operations

import (
	"context"
	"fmt"
	"strings"

	"db_view_migrator/internal/state"
	"db_view_migrator/internal/view"
)

// SchemaEditor executes DDL against one open database connection or
// transaction. Operations never open connections themselves.
type SchemaEditor interface {
	Execute(ctx context.Context, sql string) error
	// ConnectionAlias names the target connection for routing decisions.
	ConnectionAlias() string
}

// Router decides whether an entity may be migrated on a given
// connection. Operations whose entity is routed away issue no DDL.
type Router interface {
	AllowMigrate(alias string, key state.ModelKey) bool
}

// AllowAll routes every entity to every connection.
type AllowAll struct{}

func (AllowAll) AllowMigrate(string, state.ModelKey) bool { return true }

// Operation is one immutable create/alter/delete command for one named
// entity. Forward and Backward receive the snapshots on either side of
// the migration step.
type Operation interface {
	Kind() string
	Describe() string
	// NameFragment is the stable piece used in generated migration names.
	NameFragment() string
	// StateForwards mutates a replayed snapshot to reflect this operation.
	StateForwards(namespace string, st *state.ProjectState)
	Forward(ctx context.Context, namespace string, ed SchemaEditor, router Router, from, to *state.ProjectState) error
	Backward(ctx context.Context, namespace string, ed SchemaEditor, router Router, from, to *state.ProjectState) error
}

// Dependency is one ordering constraint consumed by the migration
// builder: (namespace, entity, field-or-empty, base-dependency).
type Dependency struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Field     string `json:"field,omitempty"`
	// IsBase marks dependencies on the creation of the named entity;
	// otherwise the dependency is on its (or its field's) removal.
	IsBase bool `json:"is_base"`
}

func createViewSQL(table, query string) string {
	return fmt.Sprintf("CREATE VIEW %s AS %s", table, query)
}

func dropViewSQL(table string) string {
	return fmt.Sprintf("DROP VIEW IF EXISTS %s", table)
}

func createMaterializedViewSQL(table, query string) string {
	return fmt.Sprintf("CREATE MATERIALIZED VIEW %s AS %s", table, query)
}

func dropMaterializedViewSQL(table string) string {
	return fmt.Sprintf("DROP MATERIALIZED VIEW IF EXISTS %s", table)
}

// viewPayload is the record every create/alter view operation carries:
// the entity name, its query fields, options, the fixed marker base and
// managers of the post-change state.
type viewPayload struct {
	Name     string            `json:"name"`
	Fields   []state.Field     `json:"fields"`
	Options  map[string]string `json:"options,omitempty"`
	Bases    []string          `json:"bases"`
	Managers []string          `json:"managers,omitempty"`
}

func (p *viewPayload) tableName(namespace string) string {
	ms := p.modelState(namespace)
	return ms.TableName()
}

func (p *viewPayload) query() (string, error) {
	for _, f := range p.Fields {
		if f.Kind == state.KindQuery && f.Name == view.QueryFieldName {
			return f.Query, nil
		}
	}
	return "", fmt.Errorf("operation for %s carries no %s field", p.Name, view.QueryFieldName)
}

func (p *viewPayload) modelState(namespace string) *state.ModelState {
	ms := &state.ModelState{
		Namespace: namespace,
		Name:      p.Name,
		Fields:    append([]state.Field(nil), p.Fields...),
		Bases:     append([]string(nil), p.Bases...),
		Managers:  append([]string(nil), p.Managers...),
	}
	if p.Options != nil {
		ms.Options = make(map[string]string, len(p.Options))
		for k, v := range p.Options {
			ms.Options[k] = v
		}
	}
	return ms
}

func allowed(router Router, ed SchemaEditor, namespace, name string) bool {
	if router == nil {
		return true
	}
	return router.AllowMigrate(ed.ConnectionAlias(), state.ModelKey{Namespace: namespace, Name: name})
}

// stateQuery reads the stored view query of an entity from a snapshot.
func stateQuery(st *state.ProjectState, key state.ModelKey) (table, query string, err error) {
	ms, ok := st.Models[key]
	if !ok {
		return "", "", fmt.Errorf("entity %s not present in snapshot", key)
	}
	f, ok := ms.GetField(view.QueryFieldName)
	if !ok {
		return "", "", fmt.Errorf("entity %s has no %s field", key, view.QueryFieldName)
	}
	return ms.TableName(), f.Query, nil
}

func fragment(prefix, name string) string {
	return prefix + "_" + strings.ToLower(name)
}

// CreateView creates a plain database view.
type CreateView struct {
	viewPayload
}

func NewCreateView(name string, fields []state.Field, options map[string]string, managers []string) *CreateView {
	return &CreateView{viewPayload{
		Name:     name,
		Fields:   fields,
		Options:  options,
		Bases:    []string{view.BaseView},
		Managers: managers,
	}}
}

func (op *CreateView) Kind() string         { return "create_view" }
func (op *CreateView) Describe() string     { return "Create view " + op.Name }
func (op *CreateView) NameFragment() string { return fragment("create", op.Name) }

func (op *CreateView) StateForwards(namespace string, st *state.ProjectState) {
	st.Add(op.modelState(namespace))
}

func (op *CreateView) Forward(ctx context.Context, namespace string, ed SchemaEditor, router Router, from, to *state.ProjectState) error {
	if !allowed(router, ed, namespace, op.Name) {
		return nil
	}
	query, err := op.query()
	if err != nil {
		return err
	}
	return ed.Execute(ctx, createViewSQL(op.tableName(namespace), query))
}

func (op *CreateView) Backward(ctx context.Context, namespace string, ed SchemaEditor, router Router, from, to *state.ProjectState) error {
	if !allowed(router, ed, namespace, op.Name) {
		return nil
	}
	return ed.Execute(ctx, dropViewSQL(op.tableName(namespace)))
}

// DeleteView drops a plain database view. Rolling back recreates it
// from the query stored in the snapshot being rolled back to.
type DeleteView struct {
	Name string `json:"name"`
}

func (op *DeleteView) Kind() string         { return "delete_view" }
func (op *DeleteView) Describe() string     { return "Delete view " + op.Name }
func (op *DeleteView) NameFragment() string { return fragment("delete", op.Name) }

func (op *DeleteView) StateForwards(namespace string, st *state.ProjectState) {
	st.Remove(state.ModelKey{Namespace: namespace, Name: op.Name})
}

func (op *DeleteView) Forward(ctx context.Context, namespace string, ed SchemaEditor, router Router, from, to *state.ProjectState) error {
	if !allowed(router, ed, namespace, op.Name) {
		return nil
	}
	table, _, err := stateQuery(from, state.ModelKey{Namespace: namespace, Name: op.Name})
	if err != nil {
		return err
	}
	return ed.Execute(ctx, dropViewSQL(table))
}

func (op *DeleteView) Backward(ctx context.Context, namespace string, ed SchemaEditor, router Router, from, to *state.ProjectState) error {
	if !allowed(router, ed, namespace, op.Name) {
		return nil
	}
	table, query, err := stateQuery(to, state.ModelKey{Namespace: namespace, Name: op.Name})
	if err != nil {
		return err
	}
	return ed.Execute(ctx, createViewSQL(table, query))
}

// AlterView replaces a view's defining query. Only one query string is
// tracked, so forward and backward both install the new-state query;
// the pre-alter text is not recoverable.
type AlterView struct {
	viewPayload
}

func NewAlterView(name string, fields []state.Field, options map[string]string, managers []string) *AlterView {
	return &AlterView{viewPayload{
		Name:     name,
		Fields:   fields,
		Options:  options,
		Bases:    []string{view.BaseView},
		Managers: managers,
	}}
}

func (op *AlterView) Kind() string         { return "alter_view" }
func (op *AlterView) Describe() string     { return "Alter view " + op.Name }
func (op *AlterView) NameFragment() string { return fragment("alter", op.Name) }

func (op *AlterView) StateForwards(namespace string, st *state.ProjectState) {
	st.Add(op.modelState(namespace))
}

func (op *AlterView) reissue(ctx context.Context, namespace string, ed SchemaEditor, router Router) error {
	if !allowed(router, ed, namespace, op.Name) {
		return nil
	}
	query, err := op.query()
	if err != nil {
		return err
	}
	table := op.tableName(namespace)
	if err := ed.Execute(ctx, dropViewSQL(table)); err != nil {
		return err
	}
	return ed.Execute(ctx, createViewSQL(table, query))
}

func (op *AlterView) Forward(ctx context.Context, namespace string, ed SchemaEditor, router Router, from, to *state.ProjectState) error {
	return op.reissue(ctx, namespace, ed, router)
}

func (op *AlterView) Backward(ctx context.Context, namespace string, ed SchemaEditor, router Router, from, to *state.ProjectState) error {
	return op.reissue(ctx, namespace, ed, router)
}

// CreateMaterializedView creates a materialized view.
type CreateMaterializedView struct {
	viewPayload
}

func NewCreateMaterializedView(name string, fields []state.Field, options map[string]string, managers []string) *CreateMaterializedView {
	return &CreateMaterializedView{viewPayload{
		Name:     name,
		Fields:   fields,
		Options:  options,
		Bases:    []string{view.BaseMaterializedView},
		Managers: managers,
	}}
}

func (op *CreateMaterializedView) Kind() string     { return "create_materialized_view" }
func (op *CreateMaterializedView) Describe() string { return "Create materialized view " + op.Name }
func (op *CreateMaterializedView) NameFragment() string {
	return fragment("create", op.Name)
}

func (op *CreateMaterializedView) StateForwards(namespace string, st *state.ProjectState) {
	st.Add(op.modelState(namespace))
}

func (op *CreateMaterializedView) Forward(ctx context.Context, namespace string, ed SchemaEditor, router Router, from, to *state.ProjectState) error {
	if !allowed(router, ed, namespace, op.Name) {
		return nil
	}
	query, err := op.query()
	if err != nil {
		return err
	}
	return ed.Execute(ctx, createMaterializedViewSQL(op.tableName(namespace), query))
}

func (op *CreateMaterializedView) Backward(ctx context.Context, namespace string, ed SchemaEditor, router Router, from, to *state.ProjectState) error {
	if !allowed(router, ed, namespace, op.Name) {
		return nil
	}
	return ed.Execute(ctx, dropMaterializedViewSQL(op.tableName(namespace)))
}

// DeleteMaterializedView drops a materialized view; rollback recreates
// it from the snapshot being rolled back to.
type DeleteMaterializedView struct {
	Name string `json:"name"`
}

func (op *DeleteMaterializedView) Kind() string { return "delete_materialized_view" }
func (op *DeleteMaterializedView) Describe() string {
	return "Delete materialized view " + op.Name
}
func (op *DeleteMaterializedView) NameFragment() string { return fragment("delete", op.Name) }

func (op *DeleteMaterializedView) StateForwards(namespace string, st *state.ProjectState) {
	st.Remove(state.ModelKey{Namespace: namespace, Name: op.Name})
}

func (op *DeleteMaterializedView) Forward(ctx context.Context, namespace string, ed SchemaEditor, router Router, from, to *state.ProjectState) error {
	if !allowed(router, ed, namespace, op.Name) {
		return nil
	}
	table, _, err := stateQuery(from, state.ModelKey{Namespace: namespace, Name: op.Name})
	if err != nil {
		return err
	}
	return ed.Execute(ctx, dropMaterializedViewSQL(table))
}

func (op *DeleteMaterializedView) Backward(ctx context.Context, namespace string, ed SchemaEditor, router Router, from, to *state.ProjectState) error {
	if !allowed(router, ed, namespace, op.Name) {
		return nil
	}
	table, query, err := stateQuery(to, state.ModelKey{Namespace: namespace, Name: op.Name})
	if err != nil {
		return err
	}
	return ed.Execute(ctx, createMaterializedViewSQL(table, query))
}

// AlterMaterializedView replaces a materialized view's defining query.
// Same reversibility caveat as AlterView.
type AlterMaterializedView struct {
	viewPayload
}

func NewAlterMaterializedView(name string, fields []state.Field, options map[string]string, managers []string) *AlterMaterializedView {
	return &AlterMaterializedView{viewPayload{
		Name:     name,
		Fields:   fields,
		Options:  options,
		Bases:    []string{view.BaseMaterializedView},
		Managers: managers,
	}}
}

func (op *AlterMaterializedView) Kind() string     { return "alter_materialized_view" }
func (op *AlterMaterializedView) Describe() string { return "Alter materialized view " + op.Name }
func (op *AlterMaterializedView) NameFragment() string {
	return fragment("alter", op.Name)
}

func (op *AlterMaterializedView) StateForwards(namespace string, st *state.ProjectState) {
	st.Add(op.modelState(namespace))
}

func (op *AlterMaterializedView) reissue(ctx context.Context, namespace string, ed SchemaEditor, router Router) error {
	if !allowed(router, ed, namespace, op.Name) {
		return nil
	}
	query, err := op.query()
	if err != nil {
		return err
	}
	table := op.tableName(namespace)
	if err := ed.Execute(ctx, dropMaterializedViewSQL(table)); err != nil {
		return err
	}
	return ed.Execute(ctx, createMaterializedViewSQL(table, query))
}

func (op *AlterMaterializedView) Forward(ctx context.Context, namespace string, ed SchemaEditor, router Router, from, to *state.ProjectState) error {
	return op.reissue(ctx, namespace, ed, router)
}

func (op *AlterMaterializedView) Backward(ctx context.Context, namespace string, ed SchemaEditor, router Router, from, to *state.ProjectState) error {
	return op.reissue(ctx, namespace, ed, router)
}

// CreateTable records the creation of an ordinary table. Table DDL is
// owned by the upstream migrator; this operation only anchors
// dependencies and replays snapshot state.
type CreateTable struct {
	Name    string            `json:"name"`
	Fields  []state.Field     `json:"fields"`
	Options map[string]string `json:"options,omitempty"`
}

func (op *CreateTable) Kind() string         { return "create_table" }
func (op *CreateTable) Describe() string     { return "Create table " + op.Name }
func (op *CreateTable) NameFragment() string { return fragment("create", op.Name) }

func (op *CreateTable) StateForwards(namespace string, st *state.ProjectState) {
	ms := &state.ModelState{
		Namespace: namespace,
		Name:      op.Name,
		Fields:    append([]state.Field(nil), op.Fields...),
	}
	if op.Options != nil {
		ms.Options = make(map[string]string, len(op.Options))
		for k, v := range op.Options {
			ms.Options[k] = v
		}
	}
	st.Add(ms)
}

func (op *CreateTable) Forward(context.Context, string, SchemaEditor, Router, *state.ProjectState, *state.ProjectState) error {
	return nil
}

func (op *CreateTable) Backward(context.Context, string, SchemaEditor, Router, *state.ProjectState, *state.ProjectState) error {
	return nil
}

// DropTable records the removal of an ordinary table; see CreateTable.
type DropTable struct {
	Name string `json:"name"`
}

func (op *DropTable) Kind() string         { return "drop_table" }
func (op *DropTable) Describe() string     { return "Drop table " + op.Name }
func (op *DropTable) NameFragment() string { return fragment("delete", op.Name) }

func (op *DropTable) StateForwards(namespace string, st *state.ProjectState) {
	st.Remove(state.ModelKey{Namespace: namespace, Name: op.Name})
}

func (op *DropTable) Forward(context.Context, string, SchemaEditor, Router, *state.ProjectState, *state.ProjectState) error {
	return nil
}

func (op *DropTable) Backward(context.Context, string, SchemaEditor, Router, *state.ProjectState, *state.ProjectState) error {
	return nil
}

// CreatesEntity reports whether the operation brings the named entity
// into existence; used when resolving base dependencies.
func CreatesEntity(op Operation, name string) bool {
	lower := strings.ToLower(name)
	switch o := op.(type) {
	case *CreateView:
		return strings.ToLower(o.Name) == lower
	case *AlterView:
		return strings.ToLower(o.Name) == lower
	case *CreateMaterializedView:
		return strings.ToLower(o.Name) == lower
	case *AlterMaterializedView:
		return strings.ToLower(o.Name) == lower
	case *CreateTable:
		return strings.ToLower(o.Name) == lower
	}
	return false
}

// RemovesEntity reports whether the operation removes the named entity;
// used when resolving removal dependencies.
func RemovesEntity(op Operation, name string) bool {
	lower := strings.ToLower(name)
	switch o := op.(type) {
	case *DeleteView:
		return strings.ToLower(o.Name) == lower
	case *DeleteMaterializedView:
		return strings.ToLower(o.Name) == lower
	case *DropTable:
		return strings.ToLower(o.Name) == lower
	}
	return false
}
