package operations

import (
	"encoding/json"
	"fmt"
)

// Envelope is the serialized form of one operation inside a generated
// migration file. The query string round-trips exactly.
type Envelope struct {
	Kind string          `json:"kind"`
	Op   json.RawMessage `json:"op"`
}

// Marshal wraps an operation in its kind-tagged envelope.
func Marshal(op Operation) (Envelope, error) {
	raw, err := json.Marshal(op)
	if err != nil {
		return Envelope{}, fmt.Errorf("serialize %s: %w", op.Kind(), err)
	}
	return Envelope{Kind: op.Kind(), Op: raw}, nil
}

// Unmarshal re-instantiates an operation from its envelope.
func Unmarshal(env Envelope) (Operation, error) {
	var op Operation
	switch env.Kind {
	case "create_view":
		op = &CreateView{}
	case "delete_view":
		op = &DeleteView{}
	case "alter_view":
		op = &AlterView{}
	case "create_materialized_view":
		op = &CreateMaterializedView{}
	case "delete_materialized_view":
		op = &DeleteMaterializedView{}
	case "alter_materialized_view":
		op = &AlterMaterializedView{}
	case "create_table":
		op = &CreateTable{}
	case "drop_table":
		op = &DropTable{}
	default:
		return nil, fmt.Errorf("unknown operation kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Op, op); err != nil {
		return nil, fmt.Errorf("parse %s operation: %w", env.Kind, err)
	}
	return op, nil
}
