package view

import (
	"context"
	"errors"
	"strings"
	"testing"

	"db_view_migrator/internal/state"
)

type fakeExecer struct {
	executed []string
	err      error
}

func (f *fakeExecer) Execute(_ context.Context, sql string) error {
	if f.err != nil {
		return f.err
	}
	f.executed = append(f.executed, sql)
	return nil
}

func TestNewQueryField(t *testing.T) {
	f, err := NewQueryField("SELECT 1")
	if err != nil {
		t.Fatalf("valid query rejected: %v", err)
	}
	if f.Name != QueryFieldName || f.Kind != state.KindQuery || f.Query != "SELECT 1" {
		t.Fatalf("unexpected field: %+v", f)
	}

	if _, err := NewQueryField("   "); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("blank query should fail with ErrEmptyQuery, got %v", err)
	}
}

func TestValidateModelState(t *testing.T) {
	base := func(fields ...state.Field) *state.ModelState {
		return &state.ModelState{
			Namespace: "app",
			Name:      "v1",
			Fields:    fields,
			Bases:     []string{BaseView},
		}
	}

	cases := []struct {
		name    string
		ms      *state.ModelState
		wantErr string
	}{
		{
			name: "valid",
			ms:   base(state.Field{Name: QueryFieldName, Kind: state.KindQuery, Query: "SELECT 1"}),
		},
		{
			name:    "missing query field",
			ms:      base(state.Field{Name: "id", Kind: state.KindColumn}),
			wantErr: "missing",
		},
		{
			name:    "wrong field name",
			ms:      base(state.Field{Name: "query", Kind: state.KindQuery, Query: "SELECT 1"}),
			wantErr: `must be named "view_query"`,
		},
		{
			name:    "empty query",
			ms:      base(state.Field{Name: QueryFieldName, Kind: state.KindQuery, Query: " "}),
			wantErr: "non-empty",
		},
		{
			name: "duplicate query fields",
			ms: base(
				state.Field{Name: QueryFieldName, Kind: state.KindQuery, Query: "SELECT 1"},
				state.Field{Name: QueryFieldName, Kind: state.KindQuery, Query: "SELECT 2"},
			),
			wantErr: "exactly one",
		},
	}
	for _, tc := range cases {
		err := ValidateModelState(tc.ms)
		if tc.wantErr == "" {
			if err != nil {
				t.Errorf("%s: unexpected error: %v", tc.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Errorf("%s: error %v does not mention %q", tc.name, err, tc.wantErr)
		}
		if err != nil && !strings.Contains(err.Error(), "app.v1") {
			t.Errorf("%s: error %v does not name the offending declaration", tc.name, err)
		}
	}
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Definition{Namespace: "app", Name: "v1", Query: "SELECT 1"}); err != nil {
		t.Fatalf("register view: %v", err)
	}
	if err := registry.Register(Definition{Namespace: "app", Name: "mv1", Table: "mv1", Query: "SELECT 2", Materialized: true}); err != nil {
		t.Fatalf("register materialized view: %v", err)
	}

	if tables := registry.ViewTables(); !tables["app_v1"] || len(tables) != 1 {
		t.Fatalf("unexpected view tables: %v", tables)
	}
	if tables := registry.MaterializedViewTables(); !tables["mv1"] || len(tables) != 1 {
		t.Fatalf("unexpected materialized view tables: %v", tables)
	}

	if err := registry.Register(Definition{Namespace: "app", Name: "v1", Query: "SELECT 99"}); err == nil {
		t.Fatalf("conflicting duplicate registration should fail")
	}
	if err := registry.Register(Definition{Namespace: "app", Name: "bad", Query: ""}); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("empty query registration should fail with ErrEmptyQuery, got %v", err)
	}

	def, ok := registry.DefinitionByTable("mv1")
	if !ok || !def.Materialized {
		t.Fatalf("lookup by table failed: %+v ok=%v", def, ok)
	}
}

func TestRegisterState(t *testing.T) {
	registry := NewRegistry()
	ms := &state.ModelState{
		Namespace: "reports",
		Name:      "summary",
		Fields:    []state.Field{{Name: QueryFieldName, Kind: state.KindQuery, Query: "SELECT 1"}},
		Bases:     []string{BaseMaterializedView},
	}
	if err := registry.RegisterState(ms); err != nil {
		t.Fatalf("register state: %v", err)
	}
	def, ok := registry.Definition(state.ModelKey{Namespace: "reports", Name: "summary"})
	if !ok || !def.Materialized || def.Table != "reports_summary" {
		t.Fatalf("unexpected definition: %+v", def)
	}

	noBase := &state.ModelState{
		Namespace: "reports",
		Name:      "plain",
		Fields:    []state.Field{{Name: QueryFieldName, Kind: state.KindQuery, Query: "SELECT 1"}},
	}
	if err := registry.RegisterState(noBase); err == nil {
		t.Fatalf("entity without a view base should be rejected")
	}
}

func TestRefresh(t *testing.T) {
	mv := Definition{Namespace: "reports", Name: "summary", Table: "reports_summary", Query: "SELECT 1", Materialized: true}
	ed := &fakeExecer{}
	if err := mv.Refresh(context.Background(), ed); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(ed.executed) != 1 || ed.executed[0] != "REFRESH MATERIALIZED VIEW reports_summary" {
		t.Fatalf("unexpected DDL: %v", ed.executed)
	}

	plain := Definition{Namespace: "app", Name: "v1", Table: "v1", Query: "SELECT 1"}
	if err := plain.Refresh(context.Background(), ed); !errors.Is(err, ErrNotMaterialized) {
		t.Fatalf("plain view refresh should fail with ErrNotMaterialized, got %v", err)
	}

	failing := &fakeExecer{err: errors.New("connection reset")}
	if err := mv.Refresh(context.Background(), failing); err == nil {
		t.Fatalf("editor failure must propagate")
	}
}

func TestQueryFieldStaysOutOfRowData(t *testing.T) {
	ms := &state.ModelState{
		Namespace: "app",
		Name:      "v1",
		Fields: []state.Field{
			{Name: "id", Kind: state.KindColumn, DataType: "bigint"},
			{Name: QueryFieldName, Kind: state.KindQuery, Query: "SELECT 1"},
		},
		Bases: []string{BaseView},
	}

	data := ms.DataFields()
	for _, f := range data {
		if f.Kind == state.KindQuery {
			t.Fatalf("query field leaked into row data fields: %+v", f)
		}
	}
	if len(data) != 1 || data[0].Name != "id" {
		t.Fatalf("unexpected data fields: %+v", data)
	}

	// Entity-level introspection still sees the query.
	qf := ms.QueryFields()
	if len(qf) != 1 || qf[0].Query != "SELECT 1" {
		t.Fatalf("query field not visible to introspection: %+v", qf)
	}
}
