package state

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrBadRelation is returned when a relation reference cannot be resolved
// against the snapshot it was declared in.
var ErrBadRelation = errors.New("unresolvable relation reference")

// ModelKey identifies one schema entity within a snapshot.
type ModelKey struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

func (k ModelKey) String() string {
	return k.Namespace + "." + k.Name
}

// FieldKind separates column-backed fields from view-query metadata.
type FieldKind string

const (
	KindColumn FieldKind = "column"
	KindQuery  FieldKind = "query"
)

// RemoteField describes the relation side of a field, when the field
// points at another entity.
type RemoteField struct {
	// Model is "namespace.name", "self", or a bare entity name resolved
	// within the owning namespace.
	Model      string `json:"model"`
	ParentLink bool   `json:"parent_link,omitempty"`
	Through    string `json:"through,omitempty"`
}

// Field is one declared attribute of an entity.
type Field struct {
	Name       string       `json:"name"`
	Kind       FieldKind    `json:"kind"`
	DataType   string       `json:"data_type,omitempty"`
	PrimaryKey bool         `json:"primary_key,omitempty"`
	Nullable   bool         `json:"nullable,omitempty"`
	// Query holds the defining query text for KindQuery fields and is
	// empty otherwise. It is schema metadata, never row data.
	Query  string       `json:"query,omitempty"`
	Remote *RemoteField `json:"remote,omitempty"`
}

// ModelState is the immutable description of one entity at one point
// in the migration sequence.
type ModelState struct {
	Namespace string            `json:"namespace"`
	Name      string            `json:"name"`
	Fields    []Field           `json:"fields"`
	Options   map[string]string `json:"options,omitempty"`
	Bases     []string          `json:"bases,omitempty"`
	Managers  []string          `json:"managers,omitempty"`
}

func (m *ModelState) Key() ModelKey {
	return ModelKey{Namespace: m.Namespace, Name: m.Name}
}

/// TableName returns the physical table (or view) name: the db_table
// option when set, otherwise "<namespace>_<name>" lowercased.
func (m *ModelState) TableName() string {
	if t := m.Options["db_table"]; t != "" {
		return t
	}
	return strings.ToLower(m.Namespace + "_" + m.Name)
}

func (m *ModelState) Managed() bool {
	return m.Options["managed"] != "false"
}

func (m *ModelState) Proxy() bool {
	return m.Options["proxy"] == "true"
}

func (m *ModelState) Swappable() bool {
	return m.Options["swappable"] != ""
}

// GetField returns the named field.
func (m *ModelState) GetField(name string) (Field, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// QueryFields returns only the view-query metadata fields.
func (m *ModelState) QueryFields() []Field {
	var out []Field
	for _, f := range m.Fields {
		if f.Kind == KindQuery {
			out = append(out, f)
		}
	}
	return out
}

// DataFields returns the column-backed fields. Query fields never appear
// here, which keeps them out of every row read/write path.
func (m *ModelState) DataFields() []Field {
	var out []Field
	for _, f := range m.Fields {
		if f.Kind != KindQuery {
			out = append(out, f)
		}
	}
	return out
}

// FieldNames returns the set of declared field names.
func (m *ModelState) FieldNames() map[string]bool {
	names := make(map[string]bool, len(m.Fields))
	for _, f := range m.Fields {
		names[f.Name] = true
	}
	return names
}

func (m *ModelState) Clone() *ModelState {
	out := &ModelState{
		Namespace: m.Namespace,
		Name:      m.Name,
		Fields:    make([]Field, len(m.Fields)),
		Bases:     append([]string(nil), m.Bases...),
		Managers:  append([]string(nil), m.Managers...),
	}
	for i, f := range m.Fields {
		out.Fields[i] = f
		if f.Remote != nil {
			r := *f.Remote
			out.Fields[i].Remote = &r
		}
	}
	if m.Options != nil {
		out.Options = make(map[string]string, len(m.Options))
		for k, v := range m.Options {
			out.Options[k] = v
		}
	}
	return out
}

// ProjectState is a snapshot of every entity's shape at one point in a
// migration sequence.
type ProjectState struct {
	Models map[ModelKey]*ModelState
	// External marks namespaces supplied for reference only; their
	// entities are never diffed.
	External map[string]bool
}

func NewProjectState() *ProjectState {
	return &ProjectState{
		Models:   map[ModelKey]*ModelState{},
		External: map[string]bool{},
	}
}

func (p *ProjectState) Add(m *ModelState) {
	p.Models[m.Key()] = m
}

func (p *ProjectState) Remove(key ModelKey) {
	delete(p.Models, key)
}

func (p *ProjectState) Clone() *ProjectState {
	out := NewProjectState()
	for k, m := range p.Models {
		out.Models[k] = m.Clone()
	}
	for ns := range p.External {
		out.External[ns] = true
	}
	return out
}

// SortedKeys returns every model key in deterministic order.
func (p *ProjectState) SortedKeys() []ModelKey {
	keys := make([]ModelKey, 0, len(p.Models))
	for k := range p.Models {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Namespace != keys[j].Namespace {
			return keys[i].Namespace < keys[j].Namespace
		}
		return keys[i].Name < keys[j].Name
	})
	return keys
}

// ResolveFieldsAndRelations normalizes every relation reference to a
// fully qualified "namespace.name" form and verifies the target exists.
func (p *ProjectState) ResolveFieldsAndRelations() error {
	for _, key := range p.SortedKeys() {
		m := p.Models[key]
		for i := range m.Fields {
			f := &m.Fields[i]
			if f.Remote == nil {
				continue
			}
			target, err := ResolveRelation(f.Remote.Model, m.Namespace, m.Name)
			if err != nil {
				return fmt.Errorf("%s field %s: %w", key, f.Name, err)
			}
			if _, ok := p.Models[target]; !ok && !p.External[target.Namespace] {
				return fmt.Errorf("%s field %s points at unknown entity %s: %w", key, f.Name, target, ErrBadRelation)
			}
			f.Remote.Model = target.String()
		}
	}
	return nil
}

// ResolveRelation turns a relation reference into a concrete key. The
// reference may be "self", a bare entity name (resolved in the owning
// namespace), or "namespace.name".
func ResolveRelation(model, namespace, name string) (ModelKey, error) {
	switch {
	case model == "":
		return ModelKey{}, fmt.Errorf("empty reference: %w", ErrBadRelation)
	case strings.EqualFold(model, "self"):
		return ModelKey{Namespace: namespace, Name: name}, nil
	case strings.Contains(model, "."):
		parts := strings.SplitN(model, ".", 2)
		if parts[0] == "" || parts[1] == "" {
			return ModelKey{}, fmt.Errorf("malformed reference %q: %w", model, ErrBadRelation)
		}
		return ModelKey{Namespace: parts[0], Name: parts[1]}, nil
	default:
		return ModelKey{Namespace: namespace, Name: model}, nil
	}
}
