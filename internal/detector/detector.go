// Package detector diffs two schema snapshots and emits ordered,
// dependency-annotated change operations for views, materialized views,
// and the table creations/removals they hang off.
package detector

import (
	"fmt"
	"sort"

	"db_view_migrator/internal/migration"
	"db_view_migrator/internal/operations"
	"db_view_migrator/internal/state"
	"db_view_migrator/internal/view"
)

type keySet map[state.ModelKey]struct{}

func (s keySet) add(k state.ModelKey)      { s[k] = struct{}{} }
func (s keySet) has(k state.ModelKey) bool { _, ok := s[k]; return ok }

// difference returns keys in a but not in b, sorted.
func difference(a, b keySet) []state.ModelKey {
	var out []state.ModelKey
	for k := range a {
		if !b.has(k) {
			out = append(out, k)
		}
	}
	sortKeys(out)
	return out
}

// intersection returns keys in both a and b, sorted.
func intersection(a, b keySet) []state.ModelKey {
	var out []state.ModelKey
	for k := range a {
		if b.has(k) {
			out = append(out, k)
		}
	}
	sortKeys(out)
	return out
}

func sortKeys(keys []state.ModelKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Namespace != keys[j].Namespace {
			return keys[i].Namespace < keys[j].Namespace
		}
		return keys[i].Name < keys[j].Name
	})
}

// planned is one generated operation plus its ordering constraints.
type planned struct {
	op   operations.Operation
	deps []operations.Dependency
}

// Detector computes the change operations between two snapshots. All
// working sets are instance-local to one run; construct a new Detector
// per run.
type Detector struct {
	from     *state.ProjectState
	to       *state.ProjectState
	registry *view.Registry

	oldModelKeys, newModelKeys         keySet
	oldProxyKeys, newProxyKeys         keySet
	oldUnmanagedKeys, newUnmanagedKeys keySet
	oldViewKeys, newViewKeys           keySet
	oldMatViewKeys, newMatViewKeys     keySet

	// Popped view states, keyed by (namespace, name).
	fromViewStates map[state.ModelKey]*state.ModelState
	toViewStates   map[state.ModelKey]*state.ModelState

	generated map[string][]planned
	order     []string // namespaces in first-touched order
}

// New builds a detector over clones of the given snapshots, so callers'
// states are never mutated.
func New(from, to *state.ProjectState, registry *view.Registry) *Detector {
	return &Detector{
		from:             from.Clone(),
		to:               to.Clone(),
		registry:         registry,
		oldModelKeys:     keySet{},
		newModelKeys:     keySet{},
		oldProxyKeys:     keySet{},
		newProxyKeys:     keySet{},
		oldUnmanagedKeys: keySet{},
		newUnmanagedKeys: keySet{},
		oldViewKeys:      keySet{},
		newViewKeys:      keySet{},
		oldMatViewKeys:   keySet{},
		newMatViewKeys:   keySet{},
		fromViewStates:   map[state.ModelKey]*state.ModelState{},
		toViewStates:     map[state.ModelKey]*state.ModelState{},
		generated:        map[string][]planned{},
	}
}

// Changes runs the full pipeline and returns one migration per
// namespace that has pending operations.
func (d *Detector) Changes() ([]migration.Migration, error) {
	viewTables := d.registry.ViewTables()
	matViewTables := d.registry.MaterializedViewTables()

	// Classify the from side by declared marker bases.
	for _, key := range d.from.SortedKeys() {
		ms := d.from.Models[key]
		switch {
		case !ms.Managed():
			d.oldUnmanagedKeys.add(key)
		case d.from.External[key.Namespace]:
		case ms.Proxy():
			d.oldProxyKeys.add(key)
		default:
			materialized, isView := view.IsViewState(ms)
			switch {
			case isView && materialized:
				d.oldMatViewKeys.add(key)
				d.fromViewStates[key] = ms
				d.from.Remove(key)
			case isView:
				d.oldViewKeys.add(key)
				d.fromViewStates[key] = ms
				d.from.Remove(key)
			default:
				d.oldModelKeys.add(key)
			}
		}
	}

	// Classify the to side by registered table names; the recorded
	// state may not carry the marker base yet.
	for _, key := range d.to.SortedKeys() {
		ms := d.to.Models[key]
		switch {
		case !ms.Managed():
			d.newUnmanagedKeys.add(key)
		case d.to.External[key.Namespace]:
		case ms.Proxy():
			d.newProxyKeys.add(key)
		case viewTables[ms.TableName()]:
			d.newViewKeys.add(key)
			d.toViewStates[key] = ms
			d.to.Remove(key)
		case matViewTables[ms.TableName()]:
			d.newMatViewKeys.add(key)
			d.toViewStates[key] = ms
			d.to.Remove(key)
		default:
			d.newModelKeys.add(key)
		}
	}

	if err := d.from.ResolveFieldsAndRelations(); err != nil {
		return nil, err
	}
	if err := d.to.ResolveFieldsAndRelations(); err != nil {
		return nil, err
	}

	d.generateDeletedModels()
	d.generateCreatedModels()

	if err := d.generateDeletedViews(); err != nil {
		return nil, err
	}
	if err := d.generateCreatedViews(); err != nil {
		return nil, err
	}
	if err := d.generateAlteredViews(); err != nil {
		return nil, err
	}
	if err := d.generateDeletedMaterializedViews(); err != nil {
		return nil, err
	}
	if err := d.generateCreatedMaterializedViews(); err != nil {
		return nil, err
	}
	if err := d.generateAlteredMaterializedViews(); err != nil {
		return nil, err
	}

	return d.buildMigrations()
}

func (d *Detector) addOperation(namespace string, op operations.Operation, deps []operations.Dependency) {
	if _, seen := d.generated[namespace]; !seen {
		d.order = append(d.order, namespace)
	}
	d.generated[namespace] = append(d.generated[namespace], planned{op: op, deps: deps})
}

// sortedSwappableFirst orders added keys so swappable entities come
// first, then reverses, matching creation ordering conventions.
func (d *Detector) sortedSwappableFirst(keys []state.ModelKey, states map[state.ModelKey]*state.ModelState) []state.ModelKey {
	sorted := append([]state.ModelKey(nil), keys...)
	sort.SliceStable(sorted, func(i, j int) bool {
		si, sj := states[sorted[i]], states[sorted[j]]
		swapI := si != nil && si.Swappable()
		swapJ := sj != nil && sj.Swappable()
		if swapI != swapJ {
			return swapI
		}
		if sorted[i].Namespace != sorted[j].Namespace {
			return sorted[i].Namespace < sorted[j].Namespace
		}
		return sorted[i].Name < sorted[j].Name
	})
	for i, j := 0, len(sorted)-1; i < j; i, j = i+1, j-1 {
		sorted[i], sorted[j] = sorted[j], sorted[i]
	}
	return sorted
}

// viewDependencies builds the ordering constraints of a created or
// altered view: the deletion of a same-named proxy, every base entity,
// removed base fields the view re-declares, and the remote end of a
// relational primary key.
func (d *Detector) viewDependencies(key state.ModelKey, vs *state.ModelState) ([]operations.Dependency, error) {
	var primaryKeyRel string
	for _, f := range vs.Fields {
		if f.Remote != nil && f.Remote.Model != "" && f.PrimaryKey {
			primaryKeyRel = f.Remote.Model
		}
	}

	deps := []operations.Dependency{
		{Namespace: key.Namespace, Name: key.Name, IsBase: false},
	}
	for _, base := range vs.Bases {
		baseKey, err := state.ResolveRelation(base, key.Namespace, key.Name)
		if err != nil || baseKey == key {
			continue
		}
		if base == view.BaseView || base == view.BaseMaterializedView {
			continue
		}
		deps = append(deps, operations.Dependency{Namespace: baseKey.Namespace, Name: baseKey.Name, IsBase: true})

		// Depend on the removal of base fields the view re-declares.
		oldBase := d.fromViewStates[baseKey]
		newBase := d.toViewStates[baseKey]
		if oldBase != nil && newBase != nil {
			newNames := newBase.FieldNames()
			ownNames := vs.FieldNames()
			var removed []string
			for name := range oldBase.FieldNames() {
				if !newNames[name] && ownNames[name] {
					removed = append(removed, name)
				}
			}
			sort.Strings(removed)
			for _, name := range removed {
				deps = append(deps, operations.Dependency{Namespace: baseKey.Namespace, Name: baseKey.Name, Field: name, IsBase: false})
			}
		}
	}
	if primaryKeyRel != "" {
		relKey, err := state.ResolveRelation(primaryKeyRel, key.Namespace, key.Name)
		if err != nil {
			return nil, fmt.Errorf("%s primary key relation: %w", key, err)
		}
		deps = append(deps, operations.Dependency{Namespace: relKey.Namespace, Name: relKey.Name, IsBase: true})
	}
	return deps, nil
}

func (d *Detector) generateCreatedViews() error {
	added := difference(d.newViewKeys, d.oldViewKeys)
	for _, key := range d.sortedSwappableFirst(added, d.toViewStates) {
		vs := d.toViewStates[key]
		deps, err := d.viewDependencies(key, vs)
		if err != nil {
			return err
		}
		op := operations.NewCreateView(vs.Name, vs.QueryFields(), vs.Options, vs.Managers)
		d.addOperation(key.Namespace, op, deps)
	}
	return nil
}

func (d *Detector) generateDeletedViews() error {
	for _, key := range difference(d.oldViewKeys, d.newViewKeys) {
		vs := d.fromViewStates[key]
		d.addOperation(key.Namespace, &operations.DeleteView{Name: vs.Name}, nil)
	}
	return nil
}

func (d *Detector) generateAlteredViews() error {
	for _, key := range intersection(d.newViewKeys, d.oldViewKeys) {
		changed, err := d.queryChanged(key)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		vs := d.toViewStates[key]
		deps, err := d.viewDependencies(key, vs)
		if err != nil {
			return err
		}
		op := operations.NewAlterView(vs.Name, vs.QueryFields(), vs.Options, vs.Managers)
		d.addOperation(key.Namespace, op, deps)
	}
	return nil
}

func (d *Detector) generateCreatedMaterializedViews() error {
	added := difference(d.newMatViewKeys, d.oldMatViewKeys)
	for _, key := range d.sortedSwappableFirst(added, d.toViewStates) {
		vs := d.toViewStates[key]
		deps, err := d.viewDependencies(key, vs)
		if err != nil {
			return err
		}
		op := operations.NewCreateMaterializedView(vs.Name, vs.QueryFields(), vs.Options, vs.Managers)
		d.addOperation(key.Namespace, op, deps)
	}
	return nil
}

func (d *Detector) generateDeletedMaterializedViews() error {
	for _, key := range difference(d.oldMatViewKeys, d.newMatViewKeys) {
		vs := d.fromViewStates[key]
		d.addOperation(key.Namespace, &operations.DeleteMaterializedView{Name: vs.Name}, nil)
	}
	return nil
}

func (d *Detector) generateAlteredMaterializedViews() error {
	for _, key := range intersection(d.newMatViewKeys, d.oldMatViewKeys) {
		changed, err := d.queryChanged(key)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		vs := d.toViewStates[key]
		deps, err := d.viewDependencies(key, vs)
		if err != nil {
			return err
		}
		op := operations.NewAlterMaterializedView(vs.Name, vs.QueryFields(), vs.Options, vs.Managers)
		d.addOperation(key.Namespace, op, deps)
	}
	return nil
}

// queryChanged compares the stored query of one view present in both
// snapshots. Each pair is compared independently.
func (d *Detector) queryChanged(key state.ModelKey) (bool, error) {
	oldField, ok := d.fromViewStates[key].GetField(view.QueryFieldName)
	if !ok {
		return false, fmt.Errorf("entity %s has no %s field in the old snapshot", key, view.QueryFieldName)
	}
	newField, ok := d.toViewStates[key].GetField(view.QueryFieldName)
	if !ok {
		return false, fmt.Errorf("entity %s has no %s field in the new snapshot", key, view.QueryFieldName)
	}
	return oldField.Query != newField.Query, nil
}

func (d *Detector) generateCreatedModels() {
	added := difference(d.newModelKeys, d.oldModelKeys)
	states := map[state.ModelKey]*state.ModelState{}
	for _, key := range added {
		states[key] = d.to.Models[key]
	}
	for _, key := range d.sortedSwappableFirst(added, states) {
		ms := d.to.Models[key]
		deps := []operations.Dependency{
			{Namespace: key.Namespace, Name: key.Name, IsBase: false},
		}
		for _, base := range ms.Bases {
			baseKey, err := state.ResolveRelation(base, key.Namespace, key.Name)
			if err != nil || baseKey == key {
				continue
			}
			deps = append(deps, operations.Dependency{Namespace: baseKey.Namespace, Name: baseKey.Name, IsBase: true})
		}
		op := &operations.CreateTable{Name: ms.Name, Fields: ms.DataFields(), Options: ms.Options}
		d.addOperation(key.Namespace, op, deps)
	}
}

func (d *Detector) generateDeletedModels() {
	for _, key := range difference(d.oldModelKeys, d.newModelKeys) {
		ms := d.from.Models[key]
		d.addOperation(key.Namespace, &operations.DropTable{Name: ms.Name}, nil)
	}
}

// checkDependency reports whether op satisfies dep. Field-removal
// dependencies have no producing operation here and are never matched.
func checkDependency(op operations.Operation, dep operations.Dependency) bool {
	switch {
	case dep.Field == "" && dep.IsBase:
		return operations.CreatesEntity(op, dep.Name)
	case dep.Field == "" && !dep.IsBase:
		return operations.RemovesEntity(op, dep.Name)
	default:
		return false
	}
}

// buildMigrations topologically sorts each namespace's operations and
// collects cross-namespace dependencies onto the migration records.
func (d *Detector) buildMigrations() ([]migration.Migration, error) {
	var out []migration.Migration
	for _, ns := range d.order {
		ops := d.generated[ns]
		sorted, err := stableTopoSort(ns, ops)
		if err != nil {
			return nil, err
		}

		m := migration.Migration{Namespace: ns}
		dependsOn := map[string]bool{}
		for _, p := range sorted {
			m.Operations = append(m.Operations, p.op)
			for _, dep := range p.deps {
				if dep.Namespace != ns {
					dependsOn[dep.Namespace] = true
				}
			}
		}
		for other := range dependsOn {
			m.DependsOn = append(m.DependsOn, other)
		}
		sort.Strings(m.DependsOn)
		m.Name = migration.SuggestName(m.Operations)
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Namespace < out[j].Namespace })
	return out, nil
}

// stableTopoSort orders operations so every in-namespace dependency is
// satisfied before its dependent, preserving generation order otherwise.
func stableTopoSort(namespace string, ops []planned) ([]planned, error) {
	n := len(ops)
	edges := make([][]int, n) // edges[i] lists ops that must precede op i
	for i, p := range ops {
		for _, dep := range p.deps {
			if dep.Namespace != namespace {
				continue
			}
			for j, other := range ops {
				if j != i && checkDependency(other.op, dep) {
					edges[i] = append(edges[i], j)
				}
			}
		}
	}

	var ordered []planned
	placed := make([]bool, n)
	for len(ordered) < n {
		progressed := false
		for i := 0; i < n; i++ {
			if placed[i] {
				continue
			}
			ready := true
			for _, j := range edges[i] {
				if !placed[j] {
					ready = false
					break
				}
			}
			if ready {
				ordered = append(ordered, ops[i])
				placed[i] = true
				progressed = true
			}
		}
		if !progressed {
			return nil, fmt.Errorf("cyclic dependency among operations in namespace %s", namespace)
		}
	}
	return ordered, nil
}
