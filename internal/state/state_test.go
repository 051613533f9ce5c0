package state

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestResolveRelation(t *testing.T) {
	cases := []struct {
		ref     string
		want    ModelKey
		wantErr bool
	}{
		{ref: "self", want: ModelKey{Namespace: "app", Name: "owner"}},
		{ref: "Self", want: ModelKey{Namespace: "app", Name: "owner"}},
		{ref: "other", want: ModelKey{Namespace: "app", Name: "other"}},
		{ref: "core.user", want: ModelKey{Namespace: "core", Name: "user"}},
		{ref: "", wantErr: true},
		{ref: ".user", wantErr: true},
		{ref: "core.", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ResolveRelation(tc.ref, "app", "owner")
		if tc.wantErr {
			if !errors.Is(err, ErrBadRelation) {
				t.Errorf("ResolveRelation(%q): want ErrBadRelation, got %v", tc.ref, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ResolveRelation(%q): %v", tc.ref, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ResolveRelation(%q) = %v, want %v", tc.ref, got, tc.want)
		}
	}
}

func TestResolveFieldsAndRelations(t *testing.T) {
	p := NewProjectState()
	p.Add(&ModelState{Namespace: "core", Name: "user", Fields: []Field{{Name: "id", Kind: KindColumn, PrimaryKey: true}}})
	p.Add(&ModelState{
		Namespace: "app",
		Name:      "profile",
		Fields: []Field{
			{Name: "id", Kind: KindColumn, PrimaryKey: true},
			{Name: "user", Kind: KindColumn, Remote: &RemoteField{Model: "core.user"}},
			{Name: "parent", Kind: KindColumn, Remote: &RemoteField{Model: "self"}},
		},
	})

	if err := p.ResolveFieldsAndRelations(); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	m := p.Models[ModelKey{Namespace: "app", Name: "profile"}]
	parent, _ := m.GetField("parent")
	if parent.Remote.Model != "app.profile" {
		t.Fatalf("self reference not normalized: %q", parent.Remote.Model)
	}
}

func TestResolveFieldsAndRelationsUnknownTarget(t *testing.T) {
	p := NewProjectState()
	p.Add(&ModelState{
		Namespace: "app",
		Name:      "profile",
		Fields:    []Field{{Name: "user", Kind: KindColumn, Remote: &RemoteField{Model: "core.user"}}},
	})
	if err := p.ResolveFieldsAndRelations(); !errors.Is(err, ErrBadRelation) {
		t.Fatalf("unknown target should fail with ErrBadRelation, got %v", err)
	}

	// An external namespace satisfies the reference without a model entry.
	p.External["core"] = true
	if err := p.ResolveFieldsAndRelations(); err != nil {
		t.Fatalf("external reference rejected: %v", err)
	}
}

func TestTableName(t *testing.T) {
	m := &ModelState{Namespace: "Reports", Name: "Summary"}
	if got := m.TableName(); got != "reports_summary" {
		t.Fatalf("default table name = %q", got)
	}
	m.Options = map[string]string{"db_table": "custom_summary"}
	if got := m.TableName(); got != "custom_summary" {
		t.Fatalf("db_table override ignored, got %q", got)
	}
}

func TestOptionFlags(t *testing.T) {
	m := &ModelState{Namespace: "app", Name: "m"}
	if !m.Managed() || m.Proxy() || m.Swappable() {
		t.Fatalf("zero-value options misread: managed=%v proxy=%v swappable=%v", m.Managed(), m.Proxy(), m.Swappable())
	}
	m.Options = map[string]string{"managed": "false", "proxy": "true", "swappable": "AUTH_USER_MODEL"}
	if m.Managed() || !m.Proxy() || !m.Swappable() {
		t.Fatalf("options misread: managed=%v proxy=%v swappable=%v", m.Managed(), m.Proxy(), m.Swappable())
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	p := NewProjectState()
	p.Add(&ModelState{
		Namespace: "reports",
		Name:      "summary",
		Fields: []Field{
			{Name: "id", Kind: KindColumn, DataType: "bigint", PrimaryKey: true},
			{Name: "view_query", Kind: KindQuery, Query: "SELECT 1"},
		},
		Bases: []string{"views.MaterializedView"},
	})
	p.Add(&ModelState{Namespace: "core", Name: "user", Fields: []Field{{Name: "id", Kind: KindColumn, PrimaryKey: true}}})
	p.External["contenttypes"] = true

	path := filepath.Join(t.TempDir(), "target.json")
	if err := SaveSnapshot(path, p); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if len(got.Models) != 2 {
		t.Fatalf("want 2 models, got %d", len(got.Models))
	}
	mv := got.Models[ModelKey{Namespace: "reports", Name: "summary"}]
	if mv == nil {
		t.Fatalf("materialized view missing after round trip")
	}
	q, ok := mv.GetField("view_query")
	if !ok || q.Query != "SELECT 1" || q.Kind != KindQuery {
		t.Fatalf("query field mangled: %+v ok=%v", q, ok)
	}
	if len(mv.Bases) != 1 || mv.Bases[0] != "views.MaterializedView" {
		t.Fatalf("bases mangled: %v", mv.Bases)
	}
	if !got.External["contenttypes"] {
		t.Fatalf("external namespace lost")
	}
}

func TestCloneIsolation(t *testing.T) {
	p := NewProjectState()
	p.Add(&ModelState{
		Namespace: "app",
		Name:      "m",
		Fields:    []Field{{Name: "user", Kind: KindColumn, Remote: &RemoteField{Model: "core.user"}}},
		Options:   map[string]string{"managed": "true"},
	})

	c := p.Clone()
	cm := c.Models[ModelKey{Namespace: "app", Name: "m"}]
	cm.Fields[0].Remote.Model = "changed"
	cm.Options["managed"] = "false"

	orig := p.Models[ModelKey{Namespace: "app", Name: "m"}]
	if orig.Fields[0].Remote.Model != "core.user" {
		t.Fatalf("clone shares remote field pointer")
	}
	if orig.Options["managed"] != "true" {
		t.Fatalf("clone shares options map")
	}
}
